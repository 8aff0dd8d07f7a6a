package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Tiliavir/worktime-epaper/internal/daemon"
	"github.com/Tiliavir/worktime-epaper/internal/epaper"
	"github.com/Tiliavir/worktime-epaper/internal/hubstaff"
	"github.com/Tiliavir/worktime-epaper/internal/render"
)

var (
	runHeadless bool
	runSnapshot string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Drive the e-paper display until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runDaemon,
}

func init() {
	runCmd.Flags().BoolVar(&runHeadless, "headless", false, "Log frames instead of driving the panel")
	runCmd.Flags().StringVar(&runSnapshot, "snapshot", "", "With --headless, write each frame to this PNG file")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	e, err := setup(os.Stdout)
	if err != nil {
		return err
	}
	defer e.closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var device daemon.Device = epaper.New()
	var restarter daemon.Restarter = daemon.CommandRestarter{Command: e.cfg.RestartCommand, Log: e.log}
	if runHeadless {
		// A workstation is never rebooted; the watchdog only ends the process.
		device = epaper.NewLogDevice(e.log, runSnapshot)
		restarter = nil
	}

	refresher := hubstaff.NewRefresher(e.cfg.DiscoveryURL, e.log)
	refresher.Location = e.loc

	d := daemon.New(daemon.Options{
		Device:        device,
		Renderer:      render.New(e.cfg.ImagesDir, e.cfg.FontPath(), e.log),
		Refresher:     refresher,
		Activity:      hubstaff.NewClient(e.cfg.APIBaseURL, e.cfg.OrganizationMatch, e.log),
		Store:         e.store,
		Restarter:     restarter,
		Log:           e.log,
		HoursPerDay:   e.cfg.HoursPerDay,
		Location:      e.loc,
		WatchdogLimit: e.cfg.WatchdogLimit,
	}, e.cred)

	e.log.Info("starting",
		"hours_per_day", e.cfg.HoursPerDay,
		"organization_match", e.cfg.OrganizationMatch,
		"headless", runHeadless)
	return d.Run(ctx)
}
