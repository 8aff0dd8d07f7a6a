package daemon_test

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tiliavir/worktime-epaper/internal/daemon"
	"github.com/Tiliavir/worktime-epaper/internal/hubstaff"
	"github.com/Tiliavir/worktime-epaper/internal/model"
)

// Monday 4 March 2024.
var monday = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

// recorder collects the calls made across all fakes, in order.
type recorder struct {
	calls []string
}

func (r *recorder) add(call string) { r.calls = append(r.calls, call) }

type fakeDevice struct {
	rec     *recorder
	initErr error
	failN   int // fail the first failN Init calls with initErr
	frames  []image.Image
}

func (d *fakeDevice) Init() error {
	d.rec.add("device.init")
	if d.failN > 0 {
		d.failN--
		return d.initErr
	}
	return nil
}

func (d *fakeDevice) Clear(c color.Color) error {
	d.rec.add("device.clear")
	return nil
}

func (d *fakeDevice) Display(img image.Image) error {
	d.rec.add("device.display")
	d.frames = append(d.frames, img)
	return nil
}

func (d *fakeDevice) Sleep() error {
	d.rec.add("device.sleep")
	return nil
}

func (d *fakeDevice) Close() error {
	d.rec.add("device.close")
	return nil
}

type fakeRenderer struct {
	remaining []int64
}

func (r *fakeRenderer) Weekend() image.Image  { return image.NewGray(image.Rect(0, 0, 1, 1)) }
func (r *fakeRenderer) Saturday() image.Image { return image.NewGray(image.Rect(0, 0, 2, 2)) }
func (r *fakeRenderer) Workday(remaining int64) image.Image {
	r.remaining = append(r.remaining, remaining)
	return image.NewGray(image.Rect(0, 0, 3, 3))
}

type fakeRefresher struct {
	rec  *recorder
	next model.Credential
	err  error
	got  []string
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (model.Credential, error) {
	f.rec.add("refresh")
	f.got = append(f.got, refreshToken)
	if f.err != nil {
		return model.Credential{}, f.err
	}
	return f.next, nil
}

type fakeActivity struct {
	rec         *recorder
	ids         model.Identifiers
	billable    int64
	resolveErr  error
	snapshotErr []error // consumed one per call
	tokens      []string
}

func (f *fakeActivity) Resolve(ctx context.Context, accessToken string) (model.Identifiers, error) {
	f.rec.add("resolve")
	if f.resolveErr != nil {
		return model.Identifiers{}, f.resolveErr
	}
	return f.ids, nil
}

func (f *fakeActivity) Snapshot(ctx context.Context, accessToken string, ids model.Identifiers, day time.Time) (model.ActivitySnapshot, error) {
	f.rec.add("snapshot")
	f.tokens = append(f.tokens, accessToken)
	if len(f.snapshotErr) > 0 {
		err := f.snapshotErr[0]
		f.snapshotErr = f.snapshotErr[1:]
		if err != nil {
			return model.ActivitySnapshot{}, err
		}
	}
	return model.ActivitySnapshot{Date: day, BillableSeconds: f.billable}, nil
}

type fakeStore struct {
	rec   *recorder
	saved []model.Credential
	err   error
}

func (s *fakeStore) Save(c model.Credential) error {
	s.rec.add("save")
	s.saved = append(s.saved, c)
	return s.err
}

// fakeClock advances on every Sleep and cancels after maxSleeps.
type fakeClock struct {
	now       time.Time
	sleeps    []time.Duration
	maxSleeps int
	cancel    context.CancelFunc
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	if c.maxSleeps > 0 && len(c.sleeps) >= c.maxSleeps && c.cancel != nil {
		c.cancel()
	}
	return ctx.Err()
}

type fakeRestarter struct{ calls int }

func (r *fakeRestarter) Restart(ctx context.Context) error {
	r.calls++
	return nil
}

type harness struct {
	rec       *recorder
	device    *fakeDevice
	renderer  *fakeRenderer
	refresher *fakeRefresher
	activity  *fakeActivity
	store     *fakeStore
	clock     *fakeClock
	restarter *fakeRestarter
}

func newHarness(now time.Time) *harness {
	rec := &recorder{}
	return &harness{
		rec:      rec,
		device:   &fakeDevice{rec: rec},
		renderer: &fakeRenderer{},
		refresher: &fakeRefresher{rec: rec, next: model.Credential{
			AccessToken:  "A2",
			AccessExpiry: now.Add(24 * time.Hour),
			RefreshToken: "R2",
		}},
		activity:  &fakeActivity{rec: rec, ids: model.Identifiers{UserID: 42, OrganizationID: 7}, billable: 3600},
		store:     &fakeStore{rec: rec},
		clock:     &fakeClock{now: now},
		restarter: &fakeRestarter{},
	}
}

func (h *harness) daemon(cred model.Credential) *daemon.Daemon {
	return daemon.New(daemon.Options{
		Device:        h.device,
		Renderer:      h.renderer,
		Refresher:     h.refresher,
		Activity:      h.activity,
		Store:         h.store,
		Clock:         h.clock,
		Restarter:     h.restarter,
		HoursPerDay:   8.5,
		Location:      time.UTC,
		WatchdogLimit: time.Hour,
	}, cred)
}

func credExpiringIn(now time.Time, d time.Duration) model.Credential {
	return model.Credential{AccessToken: "A1", AccessExpiry: now.Add(d), RefreshToken: "R1"}
}

func TestStep_RefreshBeforeActivity(t *testing.T) {
	h := newHarness(monday)
	d := h.daemon(credExpiringIn(monday, 4*time.Minute))

	state := d.Step(t.Context())

	require.Equal(t, daemon.Workday{Remaining: 30600 - 3600, Worked: 3600}, state)
	assert.Equal(t, []string{
		"refresh", "save", "resolve", "snapshot",
		"device.init", "device.display", "device.sleep",
	}, h.rec.calls)
	assert.Equal(t, []string{"R1"}, h.refresher.got)
	assert.Equal(t, []string{"A2"}, h.activity.tokens, "activity uses the new access token")

	require.Len(t, h.store.saved, 1)
	assert.Equal(t, "R2", h.store.saved[0].RefreshToken)
	assert.Equal(t, "R2", d.Credential().RefreshToken)
}

func TestStep_NoRefreshWhenTokenFresh(t *testing.T) {
	h := newHarness(monday)
	d := h.daemon(credExpiringIn(monday, 10*time.Minute))

	state := d.Step(t.Context())

	assert.IsType(t, daemon.Workday{}, state)
	assert.NotContains(t, h.rec.calls, "refresh")
	assert.Empty(t, h.store.saved)
	assert.Equal(t, []string{"A1"}, h.activity.tokens)
	assert.Equal(t, []int64{30600 - 3600}, h.renderer.remaining)
}

func TestStep_IdentifiersCached(t *testing.T) {
	h := newHarness(monday)
	d := h.daemon(credExpiringIn(monday, time.Hour))

	d.Step(t.Context())
	d.Step(t.Context())

	resolves := 0
	for _, c := range h.rec.calls {
		if c == "resolve" {
			resolves++
		}
	}
	assert.Equal(t, 1, resolves)
}

func TestStep_Weekdays(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
		want daemon.RenderState
	}{
		{"sunday", time.Date(2024, 3, 3, 12, 0, 0, 0, time.UTC), daemon.Weekend{}},
		{"saturday", time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC), daemon.Saturday{}},
		{"friday", time.Date(2024, 3, 8, 12, 0, 0, 0, time.UTC), daemon.Workday{Remaining: 30600 - 3600, Worked: 3600}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(tt.now)
			d := h.daemon(credExpiringIn(tt.now, time.Hour))

			state := d.Step(t.Context())
			assert.Equal(t, tt.want, state)
			assert.Len(t, h.device.frames, 1)
		})
	}
}

func TestStep_WeekendSkipsNetwork(t *testing.T) {
	sunday := time.Date(2024, 3, 3, 12, 0, 0, 0, time.UTC)
	h := newHarness(sunday)
	d := h.daemon(credExpiringIn(sunday, -time.Hour))

	state := d.Step(t.Context())

	assert.Equal(t, daemon.WeekendWait, state.Wait())
	assert.Equal(t, []string{"device.init", "device.display", "device.sleep"}, h.rec.calls)
}

func TestStep_WeekdayUsesLocation(t *testing.T) {
	// Friday 23:30 UTC is already Saturday in Tokyo.
	friday := time.Date(2024, 3, 8, 23, 30, 0, 0, time.UTC)
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	h := newHarness(friday)
	d := daemon.New(daemon.Options{
		Device: h.device, Renderer: h.renderer, Refresher: h.refresher,
		Activity: h.activity, Store: h.store, Clock: h.clock,
		HoursPerDay: 8.5, Location: tokyo, WatchdogLimit: time.Hour,
	}, credExpiringIn(friday, time.Hour))

	assert.Equal(t, daemon.Saturday{}, d.Step(t.Context()))
}

func TestStep_Errors(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(h *harness)
		wantWait  time.Duration
		wantCause error
	}{
		{
			name:      "network",
			setup:     func(h *harness) { h.activity.snapshotErr = []error{hubstaff.ErrNetwork} },
			wantWait:  daemon.NetworkRetry,
			wantCause: hubstaff.ErrNetwork,
		},
		{
			name:      "organization not found",
			setup:     func(h *harness) { h.activity.resolveErr = hubstaff.ErrNotFound },
			wantWait:  daemon.NetworkRetry,
			wantCause: hubstaff.ErrNotFound,
		},
		{
			name:      "device",
			setup:     func(h *harness) { h.device.failN, h.device.initErr = 1, errors.New("spi busy") },
			wantWait:  daemon.DeviceRetry,
			wantCause: daemon.ErrDevice,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(monday)
			tt.setup(h)
			d := h.daemon(credExpiringIn(monday, time.Hour))

			state := d.Step(t.Context())

			backoff, ok := state.(daemon.ErrorBackoff)
			require.True(t, ok, "state = %#v", state)
			assert.Equal(t, tt.wantWait, backoff.Wait())
			assert.ErrorIs(t, backoff.Cause, tt.wantCause)
			assert.Equal(t, "R1", d.Credential().RefreshToken)
		})
	}
}

func TestStep_WeekendDeviceErrorKeepsCadence(t *testing.T) {
	saturday := time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC)
	h := newHarness(saturday)
	h.device.failN, h.device.initErr = 1, errors.New("spi busy")
	d := h.daemon(credExpiringIn(saturday, time.Hour))

	state := d.Step(t.Context())

	assert.IsType(t, daemon.ErrorBackoff{}, state)
	assert.Equal(t, daemon.WeekendWait, state.Wait())
}

func TestStep_RefreshFailureKeepsCredential(t *testing.T) {
	h := newHarness(monday)
	h.refresher.err = hubstaff.ErrExchange
	d := h.daemon(credExpiringIn(monday, time.Minute))

	state := d.Step(t.Context())

	assert.Equal(t, daemon.NetworkRetry, state.Wait())
	assert.Equal(t, credExpiringIn(monday, time.Minute), d.Credential())
	assert.Empty(t, h.store.saved)
	assert.NotContains(t, h.rec.calls, "snapshot")
}

func TestStep_AuthErrorForcesRefresh(t *testing.T) {
	h := newHarness(monday)
	h.activity.snapshotErr = []error{hubstaff.ErrAuth}
	d := h.daemon(credExpiringIn(monday, time.Hour))

	first := d.Step(t.Context())
	assert.Equal(t, daemon.NetworkRetry, first.Wait())
	assert.NotContains(t, h.rec.calls, "refresh")

	second := d.Step(t.Context())
	assert.IsType(t, daemon.Workday{}, second)
	assert.Equal(t, []string{"R1"}, h.refresher.got)
	assert.Equal(t, []string{"A1", "A2"}, h.activity.tokens)

	// Once refreshed, a fresh token is not renewed again.
	d.Step(t.Context())
	assert.Len(t, h.refresher.got, 1)
}

func TestStep_SaveFailureKeepsNewCredential(t *testing.T) {
	h := newHarness(monday)
	h.store.err = errors.New("disk full")
	d := h.daemon(credExpiringIn(monday, time.Minute))

	state := d.Step(t.Context())

	assert.IsType(t, daemon.Workday{}, state)
	assert.Equal(t, "R2", d.Credential().RefreshToken)
}

func TestRun_CancelRunsTeardown(t *testing.T) {
	h := newHarness(monday)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	h.clock.maxSleeps, h.clock.cancel = 2, cancel
	d := h.daemon(credExpiringIn(monday, time.Hour))

	require.NoError(t, d.Run(ctx))

	assert.Equal(t, []time.Duration{daemon.WorkdayWait, daemon.WorkdayWait}, h.clock.sleeps)
	n := len(h.rec.calls)
	require.GreaterOrEqual(t, n, 4)
	assert.Equal(t, []string{"device.init", "device.clear"}, h.rec.calls[:2])
	assert.Equal(t, []string{"device.init", "device.clear", "device.sleep", "device.close"}, h.rec.calls[n-4:])
}

func TestRun_RetriesDeviceBringUp(t *testing.T) {
	h := newHarness(monday)
	h.device.failN, h.device.initErr = 2, errors.New("no spi")
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	h.clock.maxSleeps, h.clock.cancel = 3, cancel
	d := h.daemon(credExpiringIn(monday, time.Hour))

	require.NoError(t, d.Run(ctx))

	assert.Equal(t, []time.Duration{daemon.InitRetry, daemon.InitRetry, daemon.WorkdayWait}, h.clock.sleeps)
}

func TestRun_WatchdogRestarts(t *testing.T) {
	h := newHarness(monday)
	d := h.daemon(credExpiringIn(monday, 2*time.Hour))

	// Weekday iterations wait 55s each; the limit is an hour.
	err := d.Run(t.Context())

	require.ErrorIs(t, err, daemon.ErrWatchdogExceeded)
	assert.Equal(t, 1, h.restarter.calls)
	assert.Greater(t, h.clock.now.Sub(monday), time.Hour)
	n := len(h.rec.calls)
	assert.Equal(t, []string{"device.init", "device.clear", "device.sleep", "device.close"}, h.rec.calls[n-4:])
}

func TestRun_WatchdogFiresDuringBringUp(t *testing.T) {
	h := newHarness(monday)
	h.device.failN, h.device.initErr = 1<<30, errors.New("panel locked up")
	d := h.daemon(credExpiringIn(monday, time.Hour))

	err := d.Run(t.Context())

	require.ErrorIs(t, err, daemon.ErrWatchdogExceeded)
	assert.Equal(t, 1, h.restarter.calls)
	assert.Greater(t, h.clock.now.Sub(monday), time.Hour)
	assert.LessOrEqual(t, h.clock.now.Sub(monday), time.Hour+daemon.InitRetry)
	assert.NotContains(t, h.rec.calls, "device.display")
}

func TestFormatRemaining(t *testing.T) {
	assert.Equal(t, "None", daemon.FormatRemaining(0))
	assert.Equal(t, "01:01:01", daemon.FormatRemaining(3661))
}
