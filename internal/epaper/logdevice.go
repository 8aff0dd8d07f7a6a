package epaper

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
)

// LogDevice stands in for the panel on machines without one. It logs every
// call and, when SnapshotPath is set, writes each displayed frame there as PNG.
type LogDevice struct {
	Log          *slog.Logger
	SnapshotPath string

	frames int
}

// NewLogDevice returns a LogDevice writing to log.
func NewLogDevice(log *slog.Logger, snapshotPath string) *LogDevice {
	if log == nil {
		log = slog.Default()
	}
	return &LogDevice{Log: log, SnapshotPath: snapshotPath}
}

func (d *LogDevice) Init() error {
	d.Log.Debug("epaper: init")
	return nil
}

func (d *LogDevice) Clear(c color.Color) error {
	gray := color.GrayModel.Convert(c).(color.Gray)
	d.Log.Debug("epaper: clear", slog.Int("gray", int(gray.Y)))
	return nil
}

func (d *LogDevice) Display(img image.Image) error {
	d.frames++
	d.Log.Info("epaper: display",
		slog.Int("frame", d.frames),
		slog.String("bounds", img.Bounds().String()))
	if d.SnapshotPath == "" {
		return nil
	}
	return writePNG(d.SnapshotPath, img)
}

func (d *LogDevice) Sleep() error {
	d.Log.Debug("epaper: sleep")
	return nil
}

func (d *LogDevice) Close() error {
	d.Log.Debug("epaper: close")
	return nil
}

// Frames returns how many frames were displayed.
func (d *LogDevice) Frames() int { return d.frames }

func writePNG(path string, img image.Image) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("epaper snapshot: %w", err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("epaper snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("epaper snapshot: %w", err)
	}
	if err := os.Rename(tmp, filepath.Clean(path)); err != nil {
		return fmt.Errorf("epaper snapshot: %w", err)
	}
	return nil
}
