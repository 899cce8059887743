// internal/interstitial/dismiss.go
package interstitial

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/slotwatch/internal/browser"
	"github.com/xkilldash9x/slotwatch/internal/config"
	"github.com/xkilldash9x/slotwatch/internal/diagnostics"
)

// ErrDismissalIncomplete means an interstitial was still detected after every re-check.
// It is informational: callers log it and carry on.
var ErrDismissalIncomplete = errors.New("interstitial still present after dismissal")

const (
	actionSelector   = "button, [role='button'], a, input[type='button'], input[type='submit']"
	maxLabelLength   = 40
	buttonPollPeriod = 500 * time.Millisecond
)

const removalScript = `(function(terms, minZ) {
  let removed = 0;
  document.querySelectorAll('body *').forEach((el) => {
    if (!el.isConnected) return;
    const cls = typeof el.className === 'string' ? el.className : '';
    const sig = ((el.id || '') + ' ' + cls).toLowerCase();
    const style = window.getComputedStyle(el);
    const z = parseInt(style.zIndex, 10);
    const pinned = (style.position === 'fixed' || style.position === 'sticky') && !isNaN(z) && z >= minZ;
    if (pinned || terms.some((t) => sig.indexOf(t) !== -1)) {
      el.remove();
      removed++;
    }
  });
  if (document.body) document.body.style.overflow = 'auto';
  return removed;
})(%s, %d)`

// Dismisser clears cookie, consent and promotional overlays from the page.
type Dismisser struct {
	cfg     config.InterstitialConfig
	vocab   config.VocabularyConfig
	diag    diagnostics.Sink
	logger  *zap.Logger
	buttons *regexp.Regexp
	overlay string

	// sleep waits between re-checks; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a Dismisser from the interstitial settings and vocabulary tables.
func New(cfg config.InterstitialConfig, vocab config.VocabularyConfig, diag diagnostics.Sink, logger *zap.Logger) *Dismisser {
	if diag == nil {
		diag = diagnostics.Nop{}
	}
	return &Dismisser{
		cfg:     cfg,
		vocab:   vocab,
		diag:    diag,
		logger:  logger.Named("interstitial"),
		buttons: wholeWordPattern(vocab.DismissButtonTerms),
		overlay: overlaySelector(vocab.OverlayTerms),
		sleep:   browser.Sleep,
	}
}

// wholeWordPattern matches any term as a whole word, so "Book" never matches "ok".
func wholeWordPattern(terms []string) *regexp.Regexp {
	if len(terms) == 0 {
		return nil
	}
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		quoted = append(quoted, regexp.QuoteMeta(strings.ToLower(strings.TrimSpace(t))))
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

func overlaySelector(terms []string) string {
	var parts []string
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || strings.ContainsAny(t, `'"\`) {
			continue
		}
		parts = append(parts, fmt.Sprintf("[id*='%s']", t), fmt.Sprintf("[class*='%s']", t))
	}
	return strings.Join(parts, ", ")
}

// Dismiss tries, in order, an accept/close action, the removal script and a bounded series of
// re-checks. It returns nil when nothing is left to dismiss, ErrDismissalIncomplete when the
// overlay survived, or the context error on cancellation.
func (d *Dismisser) Dismiss(ctx context.Context, page browser.Page) error {
	present, err := d.present(ctx, page)
	if err != nil {
		return err
	}
	if !present {
		d.logger.Debug("No interstitial detected.")
		return nil
	}

	d.diag.Capture(ctx, diagnostics.LabelPreDismissal)
	defer d.diag.Capture(ctx, diagnostics.LabelPostDismissal)

	clicked, err := d.clickAction(ctx, page)
	if err != nil {
		return err
	}
	if clicked {
		if still, err := d.present(ctx, page); err != nil {
			return err
		} else if !still {
			d.logger.Info("Interstitial dismissed via action element.")
			return nil
		}
	}

	d.runRemovalScript(ctx, page)

	for check := 1; check <= d.cfg.MaxChecks; check++ {
		still, err := d.present(ctx, page)
		if err != nil {
			return err
		}
		if !still {
			d.logger.Info("Interstitial removed.", zap.Int("check", check))
			return nil
		}
		if check == d.cfg.MaxChecks {
			break
		}
		if err := d.sleep(ctx, d.cfg.CheckInterval); err != nil {
			return err
		}
	}

	d.logger.Warn("Interstitial still present; continuing anyway.", zap.Int("checks", d.cfg.MaxChecks))
	return ErrDismissalIncomplete
}

// clickAction polls for an interactable dismiss action for up to ButtonWait and clicks the first one.
func (d *Dismisser) clickAction(ctx context.Context, page browser.Page) (bool, error) {
	if d.buttons == nil {
		return false, nil
	}
	attempts := int(d.cfg.ButtonWait/buttonPollPeriod) + 1
	for attempt := 1; ; attempt++ {
		el, ok := d.findAction(ctx, page)
		if ok {
			if err := page.Click(ctx, el); err != nil {
				if ctx.Err() != nil {
					return false, ctx.Err()
				}
				d.logger.Debug("Dismiss action click failed.", zap.String("label", el.Label()), zap.Error(err))
				return false, nil
			}
			d.logger.Debug("Clicked dismiss action.", zap.String("label", el.Label()))
			return true, nil
		}
		if attempt >= attempts {
			return false, nil
		}
		if err := d.sleep(ctx, buttonPollPeriod); err != nil {
			return false, err
		}
	}
}

func (d *Dismisser) findAction(ctx context.Context, page browser.Page) (browser.Element, bool) {
	els, err := page.FindAll(ctx, actionSelector)
	if err != nil {
		d.logger.Debug("Failed to enumerate actions.", zap.Error(err))
		return browser.Element{}, false
	}
	for _, el := range els {
		label := strings.TrimSpace(el.Label())
		if label == "" || len(label) > maxLabelLength || !d.buttons.MatchString(label) {
			continue
		}
		if visible, err := page.IsVisible(ctx, el); err != nil || !visible {
			continue
		}
		if enabled, err := page.IsEnabled(ctx, el); err != nil || !enabled {
			continue
		}
		return el, true
	}
	return browser.Element{}, false
}

func (d *Dismisser) runRemovalScript(ctx context.Context, page browser.Page) {
	terms, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(lowerAll(d.vocab.OverlayTerms))
	if err != nil {
		d.logger.Warn("Failed to encode overlay terms.", zap.Error(err))
		return
	}
	var removed int
	err = page.RunScript(ctx, fmt.Sprintf(removalScript, terms, d.cfg.MinZIndex), &removed)
	switch {
	case errors.Is(err, browser.ErrScriptUnsupported):
		d.logger.Debug("Page cannot run the removal script.")
	case err != nil:
		d.logger.Warn("Overlay removal script failed.", zap.Error(err))
	default:
		d.logger.Debug("Overlay removal script ran.", zap.Int("removed", removed))
	}
}

// present reports whether consent vocabulary is visible or a visible overlay element remains.
func (d *Dismisser) present(ctx context.Context, page browser.Page) (bool, error) {
	text, err := page.Text(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		d.logger.Debug("Failed to read page text while checking for interstitials.", zap.Error(err))
	}
	lower := strings.ToLower(text)
	for _, term := range d.vocab.ConsentTextTerms {
		if term != "" && strings.Contains(lower, strings.ToLower(term)) {
			return true, nil
		}
	}

	if d.overlay == "" {
		return false, nil
	}
	els, err := page.FindAll(ctx, d.overlay)
	if err != nil {
		return false, ctx.Err()
	}
	for _, el := range els {
		if visible, err := page.IsVisible(ctx, el); err == nil && visible {
			return true, nil
		}
	}
	return false, nil
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
