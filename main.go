package main

import "github.com/Tiliavir/worktime-epaper/cmd"

func main() {
	cmd.Execute()
}
