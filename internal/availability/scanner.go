// internal/availability/scanner.go
package availability

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/slotwatch/internal/browser"
	"github.com/xkilldash9x/slotwatch/internal/config"
	"github.com/xkilldash9x/slotwatch/internal/diagnostics"
)

// ErrSessionExpiredDuringScan means the session failed verification on the booking page.
// The caller must repair the session; it is not a "no slots" answer.
var ErrSessionExpiredDuringScan = errors.New("session expired during scan")

// Scan stages reported by ScanError.
const (
	StageNavigate = "navigate"
	StageText     = "text"
	StageMarkup   = "markup"
	StageActions  = "actions"
)

// ScanError wraps a fault raised while reading the booking page. A scan that returns it is
// degraded: its result says nothing about whether slots exist.
type ScanError struct {
	Stage string
	Err   error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("scan failed during %s: %v", e.Stage, e.Err)
}

func (e *ScanError) Unwrap() error { return e.Err }

// ActionRef is a candidate booking action together with its surrounding text. It is only
// valid on the page generation it was captured from.
type ActionRef struct {
	Element browser.Element
	Context string
}

// Label is the visible label of the action.
func (a ActionRef) Label() string { return a.Element.Label() }

// Valid reports whether the ref still belongs to the page's current document.
func (a ActionRef) Valid(page browser.Page) bool {
	return page != nil && page.Generation() == a.Element.Generation
}

// ScanResult is the outcome of one pass over the booking page.
type ScanResult struct {
	Timestamp time.Time
	URL       string
	// MatchedDays and MatchedTimes hold canonical tokens, in vocabulary order.
	MatchedDays  []string
	MatchedTimes []string
	Candidates   []ActionRef
	// HasAvailability is true iff Candidates is non-empty.
	HasAvailability bool
	// Degraded marks a result produced by a failed scan.
	Degraded bool
}

// SlotCount is the number of candidate actions found.
func (r ScanResult) SlotCount() int { return len(r.Candidates) }

// Dismisser clears overlays on the booking page.
type Dismisser interface {
	Dismiss(ctx context.Context, page browser.Page) error
}

// Verifier re-checks the session once the booking page has loaded.
type Verifier interface {
	Verify(ctx context.Context) bool
}

// Scanner looks for target slots on the booking page.
type Scanner struct {
	cfg      config.ScanConfig
	vocab    config.VocabularyConfig
	target   string
	settle   time.Duration
	provider browser.PageProvider
	dismiss  Dismisser
	verifier Verifier
	diag     diagnostics.Sink
	logger   *zap.Logger

	days  []dayMatcher
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type dayMatcher struct {
	canonical string
	re        *regexp.Regexp
}

// NewScanner builds a Scanner for cfg.Target.BookingURL.
func NewScanner(cfg *config.Config, provider browser.PageProvider, dismiss Dismisser, verifier Verifier, diag diagnostics.Sink, logger *zap.Logger) *Scanner {
	if diag == nil {
		diag = diagnostics.Nop{}
	}
	return &Scanner{
		cfg:      cfg.Scan,
		vocab:    cfg.Vocabulary,
		target:   cfg.Target.BookingURL,
		settle:   cfg.Session.PageSettle,
		provider: provider,
		dismiss:  dismiss,
		verifier: verifier,
		diag:     diag,
		logger:   logger.Named("scanner"),
		days:     compileDays(cfg.Vocabulary.TargetDays),
		now:      time.Now,
		sleep:    browser.Sleep,
	}
}

// Day tokens match on word boundaries so "wed" does not hit "wedding".
func compileDays(sets []config.TokenSet) []dayMatcher {
	out := make([]dayMatcher, 0, len(sets))
	for _, set := range sets {
		forms := make([]string, 0, len(set.Forms))
		for _, f := range set.Forms {
			if f = strings.TrimSpace(f); f != "" {
				forms = append(forms, regexp.QuoteMeta(f))
			}
		}
		if len(forms) == 0 {
			continue
		}
		out = append(out, dayMatcher{
			canonical: set.Canonical,
			re:        regexp.MustCompile(`(?i)\b(?:` + strings.Join(forms, "|") + `)\b`),
		})
	}
	return out
}

// Scan navigates to the booking page and reports candidate slots. It returns
// ErrSessionExpiredDuringScan when the session no longer verifies, and a degraded result with a
// *ScanError when the page could not be read. Context cancellation is returned as is.
func (s *Scanner) Scan(ctx context.Context) (ScanResult, error) {
	page := s.provider.Page()
	result := ScanResult{Timestamp: s.now(), URL: s.target}

	if err := page.Navigate(ctx, s.target); err != nil {
		return s.degrade(ctx, result, StageNavigate, err)
	}
	if err := s.sleep(ctx, s.settle); err != nil {
		return result, err
	}
	if s.dismiss != nil {
		if err := s.dismiss.Dismiss(ctx, page); err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			s.logger.Warn("Interstitial dismissal incomplete on booking page; scanning anyway.", zap.Error(err))
		}
	}
	if s.verifier != nil && !s.verifier.Verify(ctx) {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, ErrSessionExpiredDuringScan
	}

	s.diag.Capture(ctx, diagnostics.LabelPreScan)
	defer s.diag.Capture(ctx, diagnostics.LabelPostScan)
	return s.inspect(ctx, page, result)
}

// Inspect runs the text, markup and action heuristics against page as it currently stands,
// without navigating or verifying the session. It backs offline replays of saved pages.
func (s *Scanner) Inspect(ctx context.Context, page browser.Page) (ScanResult, error) {
	url, _ := page.CurrentURL(ctx)
	return s.inspect(ctx, page, ScanResult{Timestamp: s.now(), URL: url})
}

func (s *Scanner) inspect(ctx context.Context, page browser.Page, result ScanResult) (ScanResult, error) {
	text, err := page.Text(ctx)
	if err != nil {
		return s.degrade(ctx, result, StageText, err)
	}
	markup, err := page.Markup(ctx)
	if err != nil {
		return s.degrade(ctx, result, StageMarkup, err)
	}

	result.MatchedDays = s.matchDays(text)
	if len(result.MatchedDays) == 0 {
		s.logger.Info("No target day names found in page text.")
	}

	result.MatchedTimes = matchTimes(markup, s.vocab.TargetTimes)
	if len(result.MatchedTimes) == 0 {
		s.logger.Info("No target times found in page markup.", zap.Strings("days", result.MatchedDays))
		return result, nil
	}

	candidates, err := s.collectActions(ctx, page)
	if err != nil {
		return s.degrade(ctx, result, StageActions, err)
	}
	result.Candidates = candidates
	result.HasAvailability = len(candidates) > 0

	s.logger.Info("Scan complete.",
		zap.Strings("days", result.MatchedDays),
		zap.Strings("times", result.MatchedTimes),
		zap.Int("candidates", len(candidates)),
		zap.Bool("has_availability", result.HasAvailability))
	return result, nil
}

func (s *Scanner) degrade(ctx context.Context, result ScanResult, stage string, err error) (ScanResult, error) {
	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	scanErr := &ScanError{Stage: stage, Err: err}
	s.logger.Warn("Scan degraded.", zap.String("stage", stage), zap.Error(err))
	s.diag.Capture(ctx, diagnostics.LabelScanError)

	result.MatchedDays = nil
	result.MatchedTimes = nil
	result.Candidates = nil
	result.HasAvailability = false
	result.Degraded = true
	return result, scanErr
}

func (s *Scanner) matchDays(text string) []string {
	var out []string
	for _, d := range s.days {
		if d.re.MatchString(text) {
			out = append(out, d.canonical)
		}
	}
	return out
}

func matchTimes(markup string, sets []config.TokenSet) []string {
	lower := strings.ToLower(markup)
	var out []string
	for _, set := range sets {
		for _, form := range set.Forms {
			if form != "" && strings.Contains(lower, strings.ToLower(form)) {
				out = append(out, set.Canonical)
				break
			}
		}
	}
	return out
}

// collectActions returns the visible, enabled "book" actions whose context names a target hour.
// Per-element visibility errors exclude the element; only enumeration failures abort.
func (s *Scanner) collectActions(ctx context.Context, page browser.Page) ([]ActionRef, error) {
	els, err := page.FindAll(ctx, s.cfg.ActionSelector)
	if err != nil {
		return nil, err
	}

	keyword := strings.ToLower(s.cfg.ActionKeyword)
	var out []ActionRef
	for _, el := range els {
		if !strings.Contains(strings.ToLower(el.Label()), keyword) {
			continue
		}
		if visible, err := page.IsVisible(ctx, el); err != nil || !visible {
			if err != nil && ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if enabled, err := page.IsEnabled(ctx, el); err != nil || !enabled {
			if err != nil && ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		surrounding, err := page.AncestorText(ctx, el)
		if err != nil {
			if errors.Is(err, browser.ErrStaleElement) {
				return nil, err
			}
			s.logger.Debug("No context for action.", zap.String("ref", el.Ref), zap.Error(err))
			continue
		}
		if !containsAny(surrounding, s.vocab.ContextDigits) {
			continue
		}
		if s.cfg.DayGating && len(s.matchDays(surrounding)) == 0 {
			s.logger.Debug("Action dropped by day gating.", zap.String("context", surrounding))
			continue
		}
		out = append(out, ActionRef{Element: el, Context: surrounding})
	}
	return out, nil
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
