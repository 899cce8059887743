// internal/interstitial/dismiss_test.go
package interstitial

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/slotwatch/internal/browser"
	"github.com/xkilldash9x/slotwatch/internal/browser/browsertest"
	"github.com/xkilldash9x/slotwatch/internal/config"
	"github.com/xkilldash9x/slotwatch/internal/diagnostics"
)

const pageURL = "https://portal.test/#/Login"

func newDismisser(t *testing.T) (*Dismisser, *diagnostics.Recorder, *[]time.Duration) {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.Interstitial.ButtonWait = 0
	rec := &diagnostics.Recorder{}
	d := New(cfg.Interstitial, cfg.Vocabulary, rec, zaptest.NewLogger(t))
	var sleeps []time.Duration
	d.sleep = func(ctx context.Context, dur time.Duration) error {
		sleeps = append(sleeps, dur)
		return ctx.Err()
	}
	return d, rec, &sleeps
}

func newPage(markup string, opts browsertest.Options) *browsertest.FakePage {
	opts.StartURL = pageURL
	opts.Pages = map[string]string{pageURL: markup}
	return browsertest.New(opts)
}

func TestDismiss_NothingToDo(t *testing.T) {
	d, rec, _ := newDismisser(t)
	page := newPage(`<html><body><form><input type="email"><button>Log in</button></form></body></html>`, browsertest.Options{})

	require.NoError(t, d.Dismiss(context.Background(), page))
	assert.Empty(t, page.Clicks())
	assert.Empty(t, page.Scripts())
	assert.Empty(t, rec.Labels(), "no checkpoints when there is no interstitial")
}

func TestDismiss_ClicksAcceptAction(t *testing.T) {
	d, rec, _ := newDismisser(t)
	page := newPage(`<html><body>
<button>Book</button>
<div id="cookie-banner">We use cookies to improve your experience. <button>Accept all</button></div>
</body></html>`, browsertest.Options{
		OnClick: func(ctx context.Context, f *browsertest.FakePage, el browser.Element) error {
			if el.Label() == "Accept all" {
				f.Remove("#cookie-banner")
			}
			return nil
		},
	})

	require.NoError(t, d.Dismiss(context.Background(), page))
	clicks := page.Clicks()
	require.Len(t, clicks, 1)
	assert.Equal(t, "Accept all", clicks[0].Label(), "Book must never be mistaken for an ok action")
	assert.Empty(t, page.Scripts())
	assert.Equal(t, []string{diagnostics.LabelPreDismissal, diagnostics.LabelPostDismissal}, rec.Labels())
}

func TestDismiss_FallsBackToRemovalScript(t *testing.T) {
	d, _, _ := newDismisser(t)
	page := newPage(`<html><body>
<div class="gdpr-overlay">Cookie consent required</div>
<p>Facility booking</p>
</body></html>`, browsertest.Options{
		OnScript: func(ctx context.Context, f *browsertest.FakePage, script string, res interface{}) error {
			n := f.Remove(".gdpr-overlay")
			if out, ok := res.(*int); ok {
				*out = n
			}
			return nil
		},
	})

	require.NoError(t, d.Dismiss(context.Background(), page))
	scripts := page.Scripts()
	require.Len(t, scripts, 1)
	assert.True(t, strings.Contains(scripts[0], `"cookie"`), "overlay vocabulary is passed to the script")
	assert.Contains(t, scripts[0], "1000")
}

func TestDismiss_GivesUpAfterBoundedChecks(t *testing.T) {
	d, _, sleeps := newDismisser(t)
	page := newPage(`<html><body><div class="modal">We use cookies. <a href="/policy">Read our cookie policy and all the terms</a></div></body></html>`,
		browsertest.Options{})

	err := d.Dismiss(context.Background(), page)
	assert.ErrorIs(t, err, ErrDismissalIncomplete)
	assert.Len(t, *sleeps, d.cfg.MaxChecks-1)
	for _, s := range *sleeps {
		assert.Equal(t, 2*time.Second, s)
	}
}

func TestDismiss_HonoursCancellation(t *testing.T) {
	d, _, _ := newDismisser(t)
	page := newPage(`<html><body><div id="consent">We use cookies</div></body></html>`, browsertest.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	d.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	err := d.Dismiss(ctx, page)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWholeWordPattern(t *testing.T) {
	re := wholeWordPattern([]string{"accept", "ok", "got it", "close"})
	for _, label := range []string{"OK", "Accept cookies", "Got it!", "close"} {
		assert.True(t, re.MatchString(label), label)
	}
	for _, label := range []string{"Book", "Booking", "Closed courts", "Acceptance"} {
		assert.False(t, re.MatchString(label), label)
	}
	assert.Nil(t, wholeWordPattern(nil))
}
