package daemon

import (
	"errors"
	"time"
)

// Waits after each state.
const (
	WeekendWait  = 600 * time.Second
	WorkdayWait  = 55 * time.Second
	NetworkRetry = 30 * time.Second
	DeviceRetry  = 5 * time.Second
	InitRetry    = 3 * time.Second

	// RefreshLead is how long before expiry the access token is renewed.
	RefreshLead = 5 * time.Minute
)

// ErrDevice wraps every failure reported by the panel.
var ErrDevice = errors.New("display device error")

// RenderState is the outcome of one loop iteration.
type RenderState interface {
	// Wait is how long the loop sleeps before the next iteration.
	Wait() time.Duration
	state()
}

// Weekend is shown on Sundays.
type Weekend struct{}

// Saturday is shown on Saturdays.
type Saturday struct{}

// Workday carries the numbers shown Monday to Friday.
type Workday struct {
	Remaining int64
	Worked    int64
}

// ErrorBackoff records a recoverable failure and when to try again.
type ErrorBackoff struct {
	Cause      error
	RetryAfter time.Duration
}

func (Weekend) Wait() time.Duration        { return WeekendWait }
func (Saturday) Wait() time.Duration       { return WeekendWait }
func (Workday) Wait() time.Duration        { return WorkdayWait }
func (s ErrorBackoff) Wait() time.Duration { return s.RetryAfter }

func (Weekend) state()      {}
func (Saturday) state()     {}
func (Workday) state()      {}
func (ErrorBackoff) state() {}

// retryAfter maps a failed step to its backoff. Device failures keep the
// cadence of the branch they happened in; every API failure waits
// NetworkRetry.
func retryAfter(err error, branch time.Duration) time.Duration {
	if !errors.Is(err, ErrDevice) {
		return NetworkRetry
	}
	if branch == WeekendWait {
		return WeekendWait
	}
	return DeviceRetry
}
