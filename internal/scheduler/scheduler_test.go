// internal/scheduler/scheduler_test.go
package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/slotwatch/internal/availability"
	"github.com/xkilldash9x/slotwatch/internal/browser"
	"github.com/xkilldash9x/slotwatch/internal/browser/browsertest"
	"github.com/xkilldash9x/slotwatch/internal/config"
	"github.com/xkilldash9x/slotwatch/internal/diagnostics"
	"github.com/xkilldash9x/slotwatch/internal/interstitial"
	"github.com/xkilldash9x/slotwatch/internal/notify"
	"github.com/xkilldash9x/slotwatch/internal/session"
)

type fakeSessions struct {
	mu        sync.Mutex
	loginErr  error
	verify    []bool
	repairErr error
	logins    int
	verifies  int
	expires   int
	repairs   int
}

func (f *fakeSessions) Login(context.Context) (session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins++
	return session.Session{State: session.LoggedIn}, f.loginErr
}

// Verify pops the scripted answers and then keeps answering true.
func (f *fakeSessions) Verify(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifies++
	if len(f.verify) == 0 {
		return true
	}
	ok := f.verify[0]
	f.verify = f.verify[1:]
	return ok
}

func (f *fakeSessions) Expire() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expires++
}

func (f *fakeSessions) Repair(context.Context) (session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repairs++
	if f.repairErr != nil {
		return session.Session{State: session.Failed}, f.repairErr
	}
	return session.Session{State: session.LoggedIn}, nil
}

type scripted struct {
	result availability.ScanResult
	err    error
}

type fakeScanner struct {
	mu    sync.Mutex
	steps []scripted
	calls int
}

// Scan replays the steps and repeats the last one.
func (f *fakeScanner) Scan(context.Context) (availability.ScanResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	i := f.calls - 1
	if i >= len(f.steps) {
		i = len(f.steps) - 1
	}
	return f.steps[i].result, f.steps[i].err
}

type fakeSender struct {
	mu     sync.Mutex
	err    error
	counts []int
	images [][][]byte
}

func (f *fakeSender) Send(_ context.Context, slotCount int, images [][]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts = append(f.counts, slotCount)
	f.images = append(f.images, images)
	return f.err
}

func slots(n int) availability.ScanResult {
	return availability.ScanResult{HasAvailability: n > 0, Candidates: make([]availability.ActionRef, n)}
}

const (
	slotsPageURL    = "https://portal.test/clientportal2/#/FacilityBooking"
	slotsPageMarkup = `<html><body><div class="slot"><span>Wed 19:00</span><button>Book</button></div></body></html>`
)

// newScheduler returns a scheduler whose sleep cancels the loop after maxCycles waits.
func newScheduler(t *testing.T, sessions *fakeSessions, scanner *fakeScanner, sender notify.Sender, maxCycles int) (*Scheduler, *[]time.Duration, *diagnostics.Recorder) {
	t.Helper()
	cfg := config.NewDefaultConfig()
	diag := &diagnostics.Recorder{Image: []byte("png")}
	pages := browsertest.NewProvider(browsertest.New(browsertest.Options{
		StartURL: slotsPageURL,
		Pages:    map[string]string{slotsPageURL: slotsPageMarkup},
	}))
	s := New(cfg, pages, sessions, scanner, sender, diag, zaptest.NewLogger(t))

	var waits []time.Duration
	s.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		if len(waits) >= maxCycles {
			return context.Canceled
		}
		return ctx.Err()
	}
	return s, &waits, diag
}

func TestNextDelay(t *testing.T) {
	cfg := config.NewDefaultConfig()
	s := New(cfg, nil, nil, nil, nil, nil, zap.NewNop())

	for i := 0; i < 500; i++ {
		d := s.NextDelay()
		assert.GreaterOrEqual(t, d, 30*time.Second, "floored at min_delay")
		assert.LessOrEqual(t, d, 600*time.Second)
	}

	s.cfg = config.ScheduleConfig{Interval: 120 * time.Second, Jitter: 0, MinDelay: 30 * time.Second}
	assert.Equal(t, 120*time.Second, s.NextDelay())

	s.cfg = config.ScheduleConfig{Interval: 600 * time.Second, Jitter: 60 * time.Second, MinDelay: 30 * time.Second}
	seen := map[bool]bool{}
	for i := 0; i < 500; i++ {
		d := s.NextDelay()
		require.GreaterOrEqual(t, d, 540*time.Second)
		require.LessOrEqual(t, d, 660*time.Second)
		seen[d < 600*time.Second] = true
	}
	assert.Len(t, seen, 2, "jitter is applied in both directions")
}

func TestRun_StopsOnCancellation(t *testing.T) {
	defer goleak.VerifyNone(t)

	sessions := &fakeSessions{}
	scanner := &fakeScanner{steps: []scripted{{result: slots(0)}}}
	s, waits, _ := newScheduler(t, sessions, scanner, &fakeSender{}, 3)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, 1, sessions.logins)
	assert.Equal(t, 3, scanner.calls)
	assert.Len(t, *waits, 3)
}

func TestRun_CancelledContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	scanner := &fakeScanner{steps: []scripted{{result: slots(0)}}}
	s, _, _ := newScheduler(t, &fakeSessions{}, scanner, nil, 100)
	s.sleep = browser.Sleep

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		scanner.mu.Lock()
		defer scanner.mu.Unlock()
		return scanner.calls == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not observe cancellation during its wait")
	}
}

func TestRun_InitialLoginUnrecoverable(t *testing.T) {
	sessions := &fakeSessions{loginErr: session.ErrSessionUnrecoverable}
	scanner := &fakeScanner{steps: []scripted{{result: slots(1)}}}
	s, _, _ := newScheduler(t, sessions, scanner, &fakeSender{}, 10)

	err := s.Run(context.Background())
	assert.ErrorIs(t, err, session.ErrSessionUnrecoverable)
	assert.Zero(t, scanner.calls)
}

func TestRun_RepairExhaustedIsFatal(t *testing.T) {
	sessions := &fakeSessions{verify: []bool{true, false}, repairErr: session.ErrSessionUnrecoverable}
	scanner := &fakeScanner{steps: []scripted{{result: slots(0)}}}
	s, waits, _ := newScheduler(t, sessions, scanner, &fakeSender{}, 10)

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrSessionUnrecoverable)
	assert.Equal(t, 1, scanner.calls, "no scan runs on a dead session")
	assert.Equal(t, 1, sessions.expires)
	assert.Len(t, *waits, 1)
}

func TestRun_RepairsThenScans(t *testing.T) {
	sessions := &fakeSessions{verify: []bool{false}}
	scanner := &fakeScanner{steps: []scripted{{result: slots(0)}}}
	s, _, _ := newScheduler(t, sessions, scanner, &fakeSender{}, 1)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, 1, sessions.repairs)
	assert.Equal(t, 1, scanner.calls)
}

func TestRun_NotifiesOncePerAppearance(t *testing.T) {
	sender := &fakeSender{}
	scanner := &fakeScanner{steps: []scripted{{result: slots(0)}, {result: slots(2)}, {result: slots(2)}, {result: slots(3)}}}
	s, _, diag := newScheduler(t, &fakeSessions{}, scanner, sender, 4)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []int{2}, sender.counts)
	require.Len(t, sender.images, 1)
	require.Len(t, sender.images[0], 1)
	assert.Contains(t, string(sender.images[0][0]), "Wed 19:00", "the alert carries the booking page")
	assert.Equal(t, 1, diag.Count(diagnostics.LabelAvailability))
}

func TestAlert_ScreenshotBypassesDiagnostics(t *testing.T) {
	sender := &fakeSender{}
	scanner := &fakeScanner{steps: []scripted{{result: slots(1)}}}
	s, _, _ := newScheduler(t, &fakeSessions{}, scanner, sender, 1)
	s.diag = diagnostics.Nop{}

	_, _, err := s.Cycle(context.Background(), 1, notify.State{})
	require.NoError(t, err)
	require.Len(t, sender.images, 1)
	assert.Len(t, sender.images[0], 1, "disabled diagnostics do not drop the alert image")
	assert.Equal(t, 1, s.pages.(*browsertest.Provider).Fake().Screenshots())
}

func TestAlert_ScreenshotFailureStillSends(t *testing.T) {
	sender := &fakeSender{}
	scanner := &fakeScanner{steps: []scripted{{result: slots(1)}}}
	s, _, _ := newScheduler(t, &fakeSessions{}, scanner, sender, 1)
	s.pages.(*browsertest.Provider).Fake().FailOn(browsertest.OpScreenshot, errors.New("target crashed"))

	state, _, err := s.Cycle(context.Background(), 1, notify.State{})
	require.NoError(t, err)
	assert.True(t, state.Notified)
	assert.Equal(t, []int{1}, sender.counts)
	assert.Empty(t, sender.images[0])
}

func TestRun_Rearm(t *testing.T) {
	sender := &fakeSender{}
	scanner := &fakeScanner{steps: []scripted{{result: slots(1)}, {result: slots(0)}, {result: slots(2)}}}
	s, _, _ := newScheduler(t, &fakeSessions{}, scanner, sender, 3)
	s.gate.Rearm = true

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []int{1, 2}, sender.counts)
}

func TestRun_DeliveryFailureIsNotRetried(t *testing.T) {
	sender := &fakeSender{err: notify.ErrDeliveryFailed}
	scanner := &fakeScanner{steps: []scripted{{result: slots(1)}}}
	s, _, _ := newScheduler(t, &fakeSessions{}, scanner, sender, 3)

	require.NoError(t, s.Run(context.Background()))
	assert.Len(t, sender.counts, 1)
}

func TestRun_ScenarioD_ScanFaultContinues(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	sender := &fakeSender{}
	fault := &availability.ScanError{Stage: availability.StageMarkup, Err: errors.New("target crashed")}
	scanner := &fakeScanner{steps: []scripted{
		{result: availability.ScanResult{Degraded: true}, err: fault},
		{result: slots(1)},
	}}
	s, waits, _ := newScheduler(t, &fakeSessions{}, scanner, sender, 2)
	s.logger = zap.New(core)

	require.NoError(t, s.Run(context.Background()))
	assert.Len(t, *waits, 2, "the loop sleeps after a failed scan instead of stopping")
	assert.Equal(t, []int{1}, sender.counts)
	assert.Equal(t, 1, logs.FilterMessage("Scan failed; treating this cycle as inconclusive.").Len())
}

func TestCycle_SessionExpiredDuringScan(t *testing.T) {
	sessions := &fakeSessions{}
	sender := &fakeSender{}
	scanner := &fakeScanner{steps: []scripted{{err: availability.ErrSessionExpiredDuringScan}}}
	s, _, _ := newScheduler(t, sessions, scanner, sender, 1)

	state, _, err := s.Cycle(context.Background(), 1, notify.State{})
	require.NoError(t, err)
	assert.Equal(t, 1, sessions.expires)
	assert.Equal(t, 1, sessions.repairs)
	assert.False(t, state.Notified)
	assert.Empty(t, sender.counts)
}

func TestCycle_NilSenderLogsOnly(t *testing.T) {
	scanner := &fakeScanner{steps: []scripted{{result: slots(2)}}}
	s, _, _ := newScheduler(t, &fakeSessions{}, scanner, nil, 1)

	state, res, err := s.Cycle(context.Background(), 1, notify.State{})
	require.NoError(t, err)
	assert.True(t, state.Notified)
	assert.Equal(t, 2, res.SlotCount())
}

// TestRun_EndToEnd drives the real session manager, dismisser and scanner over an in-memory site.
func TestRun_EndToEnd(t *testing.T) {
	const (
		loginURL   = "https://portal.test/clientportal2/#/Login"
		homeURL    = "https://portal.test/clientportal2/#/Home"
		bookingURL = "https://portal.test/clientportal2/#/FacilityBooking?clubId=1&zoneTypeId=42"
	)
	cfg := config.NewDefaultConfig()
	cfg.Target.LoginURL = loginURL
	cfg.Target.BookingURL = bookingURL
	cfg.Credentials.Identity = "player@example.test"
	cfg.Credentials.Secret = "s3cret"
	cfg.Session.PageSettle = 0
	cfg.Session.LoginSettle = 0
	cfg.Session.BackoffMin = 0
	cfg.Session.BackoffMax = 0
	cfg.Interstitial.ButtonWait = 0
	cfg.Interstitial.CheckInterval = 0

	page := browsertest.New(browsertest.Options{
		Pages: map[string]string{
			loginURL: `<html><body>
<div id="cookie-consent">We use cookies. <button>Accept</button></div>
<form><input type="email"><input type="password"><button>Log in</button></form></body></html>`,
			bookingURL: `<html><body><nav>My bookings | Log out</nav>
<div class="slot"><span>Wed 19:00</span><button>Book</button></div>
<div class="slot"><span>Fri 20:00</span><button>Book</button></div>
</body></html>`,
		},
		OnClick: func(_ context.Context, f *browsertest.FakePage, el browser.Element) error {
			switch el.Label() {
			case "Accept":
				f.Remove("#cookie-consent")
				return nil
			case "Log in":
				return f.Show(homeURL, `<html><body>Welcome back. Log out</body></html>`)
			}
			return nil
		},
	})
	provider := browsertest.NewProvider(page)
	logger := zaptest.NewLogger(t)
	diag := &diagnostics.Recorder{Image: []byte("png")}

	dismisser := interstitial.New(cfg.Interstitial, cfg.Vocabulary, diag, logger)
	sessions := session.NewManager(cfg, provider, dismisser, diag, logger)
	scanner := availability.NewScanner(cfg, provider, dismisser, sessions, diag, logger)
	sender := &fakeSender{}

	s := New(cfg, provider, sessions, scanner, sender, diag, logger)
	cycles := 0
	s.sleep = func(ctx context.Context, _ time.Duration) error {
		cycles++
		if cycles == 2 {
			return context.Canceled
		}
		return ctx.Err()
	}

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []int{2}, sender.counts)
	assert.Equal(t, session.LoggedIn, sessions.Session().State)
	assert.Equal(t, []string{loginURL, bookingURL, bookingURL}, page.Navigations())
	assert.Zero(t, provider.Resets())
}
