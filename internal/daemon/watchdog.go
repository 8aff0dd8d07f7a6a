package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

// ErrWatchdogExceeded is returned by Run once the process has been up longer
// than the watchdog limit and a host restart was requested.
var ErrWatchdogExceeded = errors.New("watchdog limit exceeded")

// Restarter restarts the host.
type Restarter interface {
	Restart(ctx context.Context) error
}

// Watchdog bounds process uptime.
type Watchdog struct {
	start time.Time
	limit time.Duration
}

// NewWatchdog starts a watchdog at start.
func NewWatchdog(start time.Time, limit time.Duration) *Watchdog {
	return &Watchdog{start: start, limit: limit}
}

// Expired reports whether uptime at now exceeds the limit.
func (w *Watchdog) Expired(now time.Time) bool {
	return now.Sub(w.start) > w.limit
}

// Uptime returns the elapsed time since start.
func (w *Watchdog) Uptime(now time.Time) time.Duration {
	return now.Sub(w.start)
}

// CommandRestarter runs a host command such as "reboot".
type CommandRestarter struct {
	Command []string
	Log     *slog.Logger
}

func (r CommandRestarter) Restart(ctx context.Context) error {
	if len(r.Command) == 0 {
		return fmt.Errorf("restart: no command configured")
	}
	log := r.Log
	if log == nil {
		log = slog.Default()
	}
	log.Warn("restarting host", slog.Any("command", r.Command))

	out, err := exec.CommandContext(ctx, r.Command[0], r.Command[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("restart %v: %w: %s", r.Command, err, out)
	}
	return nil
}
