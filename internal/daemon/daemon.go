// Package daemon runs the display loop: pick the day's branch, keep the
// Hubstaff credential fresh, fetch today's billable time and show what is
// left on the panel.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Tiliavir/worktime-epaper/internal/hubstaff"
	"github.com/Tiliavir/worktime-epaper/internal/model"
	"github.com/Tiliavir/worktime-epaper/internal/timecalc"
)

// Device is the e-paper panel.
type Device interface {
	Init() error
	Clear(c color.Color) error
	Display(img image.Image) error
	Sleep() error
	Close() error
}

// Renderer draws the frame for each branch.
type Renderer interface {
	Weekend() image.Image
	Saturday() image.Image
	Workday(remaining int64) image.Image
}

// TokenRefresher exchanges a refresh token for a new credential.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (model.Credential, error)
}

// ActivityClient reads identifiers and daily activity from Hubstaff.
type ActivityClient interface {
	Resolve(ctx context.Context, accessToken string) (model.Identifiers, error)
	Snapshot(ctx context.Context, accessToken string, ids model.Identifiers, day time.Time) (model.ActivitySnapshot, error)
}

// CredentialSaver persists a refreshed credential.
type CredentialSaver interface {
	Save(c model.Credential) error
}

// Clock supplies the time and cancellable waits.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Options wires a Daemon.
type Options struct {
	Device    Device
	Renderer  Renderer
	Refresher TokenRefresher
	Activity  ActivityClient
	Store     CredentialSaver
	Clock     Clock
	Restarter Restarter
	Log       *slog.Logger

	// HoursPerDay is the daily target.
	HoursPerDay float64
	// Location decides the weekday and the report date.
	Location      *time.Location
	WatchdogLimit time.Duration
}

// Daemon owns the credential and the cached identifiers for the life of the
// process. It is not safe for concurrent use.
type Daemon struct {
	opts     Options
	log      *slog.Logger
	watchdog *Watchdog

	cred         model.Credential
	ids          *model.Identifiers
	forceRefresh bool
}

// New returns a Daemon holding cred. The watchdog starts now.
func New(opts Options, cred model.Credential) *Daemon {
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Daemon{
		opts:     opts,
		log:      opts.Log,
		watchdog: NewWatchdog(opts.Clock.Now(), opts.WatchdogLimit),
		cred:     cred,
	}
}

// Credential returns the credential currently held.
func (d *Daemon) Credential() model.Credential {
	return d.cred
}

// Run brings the panel up and loops until ctx is cancelled or the watchdog
// fires. Cancellation is a clean shutdown and returns nil. The panel is
// cleared and put to sleep on every exit path.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.shutdown()

	if err := d.initDevice(ctx); err != nil {
		if errors.Is(err, ErrWatchdogExceeded) {
			return err
		}
		d.log.Info("shutting down before the display came up")
		return nil
	}

	for {
		if ctx.Err() != nil {
			d.log.Info("shutting down")
			return nil
		}
		if err := d.checkWatchdog(ctx); err != nil {
			return err
		}

		state := d.Step(ctx)
		if err := d.opts.Clock.Sleep(ctx, state.Wait()); err != nil {
			d.log.Info("shutting down")
			return nil
		}
	}
}

// Step runs one iteration for the current weekday and returns its state.
func (d *Daemon) Step(ctx context.Context) RenderState {
	now := d.opts.Clock.Now().In(d.opts.Location)
	log := d.log.With(slog.String("cycle", uuid.NewString()))

	switch timecalc.ISOWeekday(now) {
	case 7:
		log.Info("Sunday")
		if err := d.present(d.opts.Renderer.Weekend()); err != nil {
			return d.backoff(log, err, WeekendWait)
		}
		return Weekend{}
	case 6:
		log.Info("Saturday")
		if err := d.present(d.opts.Renderer.Saturday()); err != nil {
			return d.backoff(log, err, WeekendWait)
		}
		return Saturday{}
	default:
		return d.workday(ctx, log, now)
	}
}

func (d *Daemon) workday(ctx context.Context, log *slog.Logger, now time.Time) RenderState {
	if d.forceRefresh || d.cred.ExpiresWithin(now, RefreshLead) {
		log.Info("access token expired or about to, getting new tokens",
			slog.Time("expiry", d.cred.AccessExpiry),
			slog.Bool("forced", d.forceRefresh))
		cred, err := d.opts.Refresher.Refresh(ctx, d.cred.RefreshToken)
		if err != nil {
			return d.backoff(log, err, WorkdayWait)
		}
		// The old refresh token is spent; only the new pair is usable.
		d.cred = cred
		d.forceRefresh = false
		if err := d.opts.Store.Save(cred); err != nil {
			log.Error("could not persist refreshed tokens", slog.Any("error", err))
		}
	}

	if d.ids == nil {
		ids, err := d.opts.Activity.Resolve(ctx, d.cred.AccessToken)
		if err != nil {
			return d.backoff(log, err, WorkdayWait)
		}
		log.Debug("resolved identifiers",
			slog.Int64("user_id", ids.UserID),
			slog.Int64("organization_id", ids.OrganizationID))
		d.ids = &ids
	}

	snap, err := d.opts.Activity.Snapshot(ctx, d.cred.AccessToken, *d.ids, now)
	if err != nil {
		return d.backoff(log, err, WorkdayWait)
	}

	remaining := timecalc.Remaining(d.opts.HoursPerDay, snap.BillableSeconds)
	log.Info("Worked Today:    " + timecalc.FormatHHMMSS(snap.BillableSeconds))
	log.Info("Time Remaining:  " + FormatRemaining(remaining))

	if err := d.present(d.opts.Renderer.Workday(remaining)); err != nil {
		return d.backoff(log, err, WorkdayWait)
	}
	return Workday{Remaining: remaining, Worked: snap.BillableSeconds}
}

// FormatRemaining renders a remaining duration, or "None" once the target is met.
func FormatRemaining(remaining int64) string {
	if remaining <= 0 {
		return "None"
	}
	return timecalc.FormatHHMMSS(remaining)
}

func (d *Daemon) backoff(log *slog.Logger, err error, branch time.Duration) ErrorBackoff {
	wait := retryAfter(err, branch)
	attrs := []any{slog.Any("error", err), slog.Duration("retry_after", wait)}

	switch {
	case errors.Is(err, context.Canceled):
		log.Debug("iteration cancelled")
	case errors.Is(err, hubstaff.ErrAuth):
		d.forceRefresh = true
		log.Warn("access token rejected, refreshing next iteration", attrs...)
	case errors.Is(err, ErrDevice):
		log.Debug("display failed", attrs...)
	default:
		log.Error("request failed", attrs...)
	}
	return ErrorBackoff{Cause: err, RetryAfter: wait}
}

// present wakes the panel, draws img and puts the panel back to sleep.
func (d *Daemon) present(img image.Image) error {
	if err := d.opts.Device.Init(); err != nil {
		return fmt.Errorf("%w: %w", ErrDevice, err)
	}
	if err := d.opts.Device.Display(img); err != nil {
		return fmt.Errorf("%w: %w", ErrDevice, err)
	}
	if err := d.opts.Device.Sleep(); err != nil {
		return fmt.Errorf("%w: %w", ErrDevice, err)
	}
	return nil
}

// checkWatchdog restarts the host and returns ErrWatchdogExceeded once
// uptime passes the limit.
func (d *Daemon) checkWatchdog(ctx context.Context) error {
	now := d.opts.Clock.Now()
	if !d.watchdog.Expired(now) {
		return nil
	}
	d.log.Warn("watchdog limit exceeded", slog.Duration("uptime", d.watchdog.Uptime(now)))
	if d.opts.Restarter != nil {
		if err := d.opts.Restarter.Restart(ctx); err != nil {
			d.log.Error("restart failed", slog.Any("error", err))
		}
	}
	return ErrWatchdogExceeded
}

// initDevice retries panel bring-up until it succeeds, ctx ends or the
// watchdog fires.
func (d *Daemon) initDevice(ctx context.Context) error {
	for {
		if err := d.checkWatchdog(ctx); err != nil {
			return err
		}
		err := d.opts.Device.Init()
		if err == nil {
			err = d.opts.Device.Clear(color.White)
		}
		if err == nil {
			return nil
		}
		d.log.Warn("display init failed, retrying",
			slog.Any("error", err),
			slog.Duration("retry_after", InitRetry))
		if err := d.opts.Clock.Sleep(ctx, InitRetry); err != nil {
			return err
		}
	}
}

// shutdown blanks the panel and releases it.
func (d *Daemon) shutdown() {
	d.log.Debug("init and clear")
	if err := d.opts.Device.Init(); err != nil {
		d.log.Error("shutdown: init", slog.Any("error", err))
	}
	if err := d.opts.Device.Clear(color.White); err != nil {
		d.log.Error("shutdown: clear", slog.Any("error", err))
	}
	if err := d.opts.Device.Sleep(); err != nil {
		d.log.Error("shutdown: sleep", slog.Any("error", err))
	}
	if err := d.opts.Device.Close(); err != nil {
		d.log.Error("shutdown: close", slog.Any("error", err))
	}
}
