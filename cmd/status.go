package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Tiliavir/worktime-epaper/internal/daemon"
	"github.com/Tiliavir/worktime-epaper/internal/hubstaff"
	"github.com/Tiliavir/worktime-epaper/internal/timecalc"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print today's worked and remaining time",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	// Logs go to stderr so stdout carries only the two status lines.
	e, err := setup(os.Stderr)
	if err != nil {
		return err
	}
	defer e.closeLog()

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	now := time.Now().In(e.loc)
	cred := e.cred
	if cred.ExpiresWithin(now, daemon.RefreshLead) {
		e.log.Info("access token expired or about to, getting new tokens")
		refresher := hubstaff.NewRefresher(e.cfg.DiscoveryURL, e.log)
		refresher.Location = e.loc
		if cred, err = refresher.Refresh(ctx, cred.RefreshToken); err != nil {
			return err
		}
		if err := e.store.Save(cred); err != nil {
			e.log.Error("could not persist refreshed tokens", slog.Any("error", err))
		}
	}

	client := hubstaff.NewClient(e.cfg.APIBaseURL, e.cfg.OrganizationMatch, e.log)
	ids, err := client.Resolve(ctx, cred.AccessToken)
	if err != nil {
		return err
	}
	snap, err := client.Snapshot(ctx, cred.AccessToken, ids, now)
	if err != nil {
		return err
	}

	printStatus(os.Stdout, snap.BillableSeconds, timecalc.Remaining(e.cfg.HoursPerDay, snap.BillableSeconds))
	return nil
}

func printStatus(w io.Writer, worked, remaining int64) {
	fmt.Fprintf(w, "Worked Today:    %s\n", timecalc.FormatHHMMSS(worked))
	fmt.Fprintf(w, "Time Remaining:  %s\n", daemon.FormatRemaining(remaining))
}
