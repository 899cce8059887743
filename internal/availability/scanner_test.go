// internal/availability/scanner_test.go
package availability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/slotwatch/internal/browser"
	"github.com/xkilldash9x/slotwatch/internal/browser/browsertest"
	"github.com/xkilldash9x/slotwatch/internal/config"
	"github.com/xkilldash9x/slotwatch/internal/diagnostics"
)

const bookingURL = "https://portal.test/clientportal2/#/FacilityBooking?clubId=1&zoneTypeId=42"

const scenarioA = `<html><body><h1>Facility booking</h1>
<div class="slot"><span>Wed 19:00</span><button>Book</button></div>
<div class="slot"><span>Thu 20:00</span><button>Book</button></div>
<footer>Log out</footer>
</body></html>`

type stubVerifier struct {
	ok    bool
	calls int
}

func (v *stubVerifier) Verify(context.Context) bool {
	v.calls++
	return v.ok
}

type fixture struct {
	scanner  *Scanner
	page     *browsertest.FakePage
	verifier *stubVerifier
	diag     *diagnostics.Recorder
}

func newFixture(t *testing.T, markup string, gating bool) *fixture {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.Target.BookingURL = bookingURL
	cfg.Scan.DayGating = gating

	page := browsertest.New(browsertest.Options{Pages: map[string]string{bookingURL: markup}})
	f := &fixture{
		page:     page,
		verifier: &stubVerifier{ok: true},
		diag:     &diagnostics.Recorder{},
	}
	f.scanner = NewScanner(cfg, browsertest.NewProvider(page), nil, f.verifier, f.diag, zaptest.NewLogger(t))
	f.scanner.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return f
}

func TestScan_ScenarioA(t *testing.T) {
	t.Run("DayMatchAdvisory", func(t *testing.T) {
		f := newFixture(t, scenarioA, false)

		res, err := f.scanner.Scan(context.Background())
		require.NoError(t, err)
		assert.True(t, res.HasAvailability)
		assert.Len(t, res.Candidates, 2, "without day gating both hour matches are candidates")
		assert.Equal(t, 2, res.SlotCount())
		assert.Empty(t, cmp.Diff([]string{"Wed"}, res.MatchedDays))
		assert.Empty(t, cmp.Diff([]string{"19:00", "20:00"}, res.MatchedTimes))
		assert.False(t, res.Degraded)
		assert.Equal(t, bookingURL, res.URL)
	})

	t.Run("DayGating", func(t *testing.T) {
		f := newFixture(t, scenarioA, true)

		res, err := f.scanner.Scan(context.Background())
		require.NoError(t, err)
		assert.True(t, res.HasAvailability)
		require.Len(t, res.Candidates, 1)
		assert.Contains(t, res.Candidates[0].Context, "Wed 19:00")
	})
}

func TestScan_NoTargetTime(t *testing.T) {
	f := newFixture(t, `<html><body>
<div><span>Wed 10:00</span><button>Book</button></div>
<div><span>Fri 11:30</span><button>Book</button></div>
</body></html>`, false)

	res, err := f.scanner.Scan(context.Background())
	require.NoError(t, err)
	assert.False(t, res.HasAvailability)
	assert.Empty(t, res.Candidates)
	assert.Empty(t, res.MatchedTimes)
	assert.Equal(t, []string{"Wed", "Fri"}, res.MatchedDays)
}

func TestScan_TwelveHourForms(t *testing.T) {
	f := newFixture(t, `<html><body><div><span>Friday 8:00 pm</span><button>Book now</button></div></body></html>`, true)

	res, err := f.scanner.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"20:00"}, res.MatchedTimes)
	assert.Equal(t, []string{"Fri"}, res.MatchedDays)
	assert.True(t, res.HasAvailability)
}

func TestScan_CandidateProperties(t *testing.T) {
	f := newFixture(t, `<html><body>
<div><span>Wed 19:00</span><button style="display:none">Book</button></div>
<div><span>Wed 19:00</span><button disabled>Book</button></div>
<div><span>Fri 10:00</span><button>Book</button></div>
<div><span>Wed 19:00</span><button>Details</button></div>
<div><span>Fri 20:00</span><button>BOOK</button></div>
<div hidden><span>Fri 19:00</span><button>Book</button></div>
</body></html>`, false)

	res, err := f.scanner.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)
	assert.Contains(t, res.Candidates[0].Context, "Fri 20:00")

	page := f.page
	for _, ref := range res.Candidates {
		visible, err := page.IsVisible(context.Background(), ref.Element)
		require.NoError(t, err)
		enabled, err := page.IsEnabled(context.Background(), ref.Element)
		require.NoError(t, err)
		assert.True(t, visible && enabled)
		assert.True(t, containsAny(ref.Context, []string{"19", "20", "7", "8"}))
	}
}

func TestScan_DocumentOrder(t *testing.T) {
	f := newFixture(t, `<html><body>
<div><span>Fri 20:00</span><button>Book</button></div>
<div><span>Wed 19:00</span><button>Book</button></div>
<div><span>Fri 7:00 PM</span><input type="submit" value="Book"></div>
</body></html>`, false)

	res, err := f.scanner.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Candidates, 3)
	assert.Contains(t, res.Candidates[0].Context, "Fri 20:00")
	assert.Contains(t, res.Candidates[1].Context, "Wed 19:00")
	assert.Equal(t, "Book", res.Candidates[2].Label())
}

func TestScan_ScenarioD_DriverFault(t *testing.T) {
	for _, op := range []string{browsertest.OpText, browsertest.OpMarkup, browsertest.OpFindAll} {
		t.Run(op, func(t *testing.T) {
			f := newFixture(t, scenarioA, false)
			f.page.FailOn(op, errors.New("websocket closed"))

			res, err := f.scanner.Scan(context.Background())
			require.Error(t, err)
			var scanErr *ScanError
			require.ErrorAs(t, err, &scanErr)
			assert.False(t, res.HasAvailability)
			assert.Empty(t, res.Candidates)
			assert.True(t, res.Degraded)
			assert.Equal(t, 1, f.diag.Count(diagnostics.LabelScanError))
			assert.Equal(t, 1, f.diag.Count(diagnostics.LabelPostScan))
		})
	}
}

func TestScan_NavigationFailureDegrades(t *testing.T) {
	f := newFixture(t, scenarioA, false)
	f.page.FailOn(browsertest.OpNavigate, errors.New("net::ERR_NAME_NOT_RESOLVED"))

	res, err := f.scanner.Scan(context.Background())
	var scanErr *ScanError
	require.ErrorAs(t, err, &scanErr)
	assert.Equal(t, StageNavigate, scanErr.Stage)
	assert.True(t, res.Degraded)
	assert.Zero(t, f.verifier.calls)
}

func TestScan_SessionExpired(t *testing.T) {
	f := newFixture(t, scenarioA, false)
	f.verifier.ok = false

	res, err := f.scanner.Scan(context.Background())
	assert.ErrorIs(t, err, ErrSessionExpiredDuringScan)
	assert.False(t, res.HasAvailability)
	assert.False(t, res.Degraded, "an expired session is not a scan fault")
	assert.Equal(t, []string{bookingURL}, f.page.Navigations())
	assert.Empty(t, f.diag.Labels())
}

func TestScan_Cancelled(t *testing.T) {
	f := newFixture(t, scenarioA, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.scanner.Scan(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestActionRef_StaleAfterNavigation(t *testing.T) {
	f := newFixture(t, scenarioA, false)
	res, err := f.scanner.Scan(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, res.Candidates)

	ref := res.Candidates[0]
	assert.True(t, ref.Valid(f.page))

	require.NoError(t, f.page.Navigate(context.Background(), bookingURL))
	assert.False(t, ref.Valid(f.page))
	assert.ErrorIs(t, f.page.Click(context.Background(), ref.Element), browser.ErrStaleElement)
}

func TestInspect_SavedPage(t *testing.T) {
	f := newFixture(t, scenarioA, true)
	snap, err := browser.NewSnapshotPage("file:///tmp/booking.html", scenarioA, browser.SnapshotHooks{})
	require.NoError(t, err)

	res, err := f.scanner.Inspect(context.Background(), snap)
	require.NoError(t, err)
	assert.Len(t, res.Candidates, 1)
	assert.Equal(t, "file:///tmp/booking.html", res.URL)
	assert.Zero(t, f.verifier.calls)
}

func TestCompileDays_WordBoundary(t *testing.T) {
	cfg := config.NewDefaultConfig()
	s := &Scanner{days: compileDays(cfg.Vocabulary.TargetDays)}

	assert.Empty(t, s.matchDays("Wedding hall and frigate tours"))
	assert.Equal(t, []string{"Wed", "Fri"}, s.matchDays("WEDNESDAY and fri."))
}
