// internal/session/manager.go
package session

import (
	"context"
	"errors"
	"fmt"
	mrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/slotwatch/internal/browser"
	"github.com/xkilldash9x/slotwatch/internal/config"
	"github.com/xkilldash9x/slotwatch/internal/diagnostics"
	"github.com/xkilldash9x/slotwatch/internal/interstitial"
)

const (
	fieldPollPeriod = 500 * time.Millisecond
	submitSelector  = "button, input[type='submit'], [role='button']"
)

// Dismisser clears overlays that block the login form.
type Dismisser interface {
	Dismiss(ctx context.Context, page browser.Page) error
}

// Manager owns the Session and every transition of it. It drives a single page and is not
// meant for concurrent use by more than one loop.
type Manager struct {
	cfg      config.SessionConfig
	target   config.TargetConfig
	vocab    config.VocabularyConfig
	creds    config.CredentialsConfig
	provider browser.PageProvider
	dismiss  Dismisser
	diag     diagnostics.Sink
	logger   *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	rng   *mrand.Rand

	mu      sync.Mutex
	session Session
}

// NewManager wires the session manager to the shared page provider.
func NewManager(cfg *config.Config, provider browser.PageProvider, dismiss Dismisser, diag diagnostics.Sink, logger *zap.Logger) *Manager {
	if diag == nil {
		diag = diagnostics.Nop{}
	}
	return &Manager{
		cfg:      cfg.Session,
		target:   cfg.Target,
		vocab:    cfg.Vocabulary,
		creds:    cfg.Credentials,
		provider: provider,
		dismiss:  dismiss,
		diag:     diag,
		logger:   logger.Named("session_manager"),
		now:      time.Now,
		sleep:    browser.Sleep,
		rng:      mrand.New(mrand.NewSource(time.Now().UnixNano())),
		session:  Session{State: LoggedOut},
	}
}

// Session returns a snapshot of the current session.
func (m *Manager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.State != s {
		m.logger.Debug("Session state change.", zap.Stringer("from", m.session.State), zap.Stringer("to", s))
	}
	m.session.State = s
}

// Expire records that verification failed for a logged-in session.
func (m *Manager) Expire() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.State == LoggedIn || m.session.State == LoggingIn {
		m.logger.Info("Session expired.", zap.String("session_id", m.session.ID))
		m.session.State = Expired
	}
}

// Establish performs one login attempt on the current page.
func (m *Manager) Establish(ctx context.Context) (Session, error) {
	m.mu.Lock()
	m.session.State = LoggingIn
	m.session.LoginAttempts++
	attempt := m.session.LoginAttempts
	m.mu.Unlock()

	logger := m.logger.With(zap.Int("login_attempt", attempt))
	logger.Info("Establishing session.", zap.String("url", m.target.LoginURL))

	err := m.login(ctx, logger)
	if err != nil {
		m.diag.Capture(ctx, diagnostics.LabelLoginFailure)
		m.setState(LoggedOut)
		return m.Session(), err
	}

	m.diag.Capture(ctx, diagnostics.LabelPostLogin)
	m.mu.Lock()
	m.session.ID = uuid.NewString()
	m.session.State = LoggedIn
	m.session.LastVerifiedAt = m.now()
	s := m.session
	m.mu.Unlock()

	logger.Info("Session established.", zap.String("session_id", s.ID))
	return s, nil
}

func (m *Manager) login(ctx context.Context, logger *zap.Logger) error {
	page := m.provider.Page()

	if err := page.Navigate(ctx, m.target.LoginURL); err != nil {
		return fmt.Errorf("failed to open login page: %w", err)
	}
	if err := m.sleep(ctx, m.cfg.PageSettle); err != nil {
		return err
	}
	m.diag.Capture(ctx, diagnostics.LabelPreLogin)

	if m.dismiss != nil {
		if err := m.dismiss.Dismiss(ctx, page); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("Interstitial dismissal incomplete on login page.", zap.Error(err))
		}
	}

	identity, secret, err := m.locateFields(ctx, page)
	if err != nil {
		return err
	}

	if err := page.SendKeys(ctx, identity, m.creds.Identity); err != nil {
		return fmt.Errorf("failed to enter identity: %w", err)
	}
	if err := page.SendKeys(ctx, secret, m.creds.Secret); err != nil {
		return fmt.Errorf("failed to enter secret: %w", err)
	}

	if err := m.submit(ctx, page, secret, logger); err != nil {
		return err
	}
	if err := m.sleep(ctx, m.cfg.LoginSettle); err != nil {
		return err
	}
	return m.classifyLogin(ctx, page)
}

// locateFields polls for the credential inputs for up to FieldWait.
func (m *Manager) locateFields(ctx context.Context, page browser.Page) (browser.Element, browser.Element, error) {
	attempts := int(m.cfg.FieldWait/fieldPollPeriod) + 1
	for attempt := 1; ; attempt++ {
		identity, secret, err := m.findFields(ctx, page)
		if err == nil {
			return identity, secret, nil
		}
		if ctx.Err() != nil {
			return browser.Element{}, browser.Element{}, ctx.Err()
		}
		if attempt >= attempts {
			return browser.Element{}, browser.Element{}, err
		}
		if err := m.sleep(ctx, fieldPollPeriod); err != nil {
			return browser.Element{}, browser.Element{}, err
		}
	}
}

// findFields tries the structural selectors first and falls back to classifying every input.
func (m *Manager) findFields(ctx context.Context, page browser.Page) (browser.Element, browser.Element, error) {
	secret, secretOK := m.firstMatch(ctx, page, m.vocab.SecretSelectors, nil)
	identity, identityOK := m.firstMatch(ctx, page, m.vocab.IdentitySelectors, &secret)

	if !identityOK || !secretOK {
		fbIdentity, fbSecret := m.fallbackScan(ctx, page)
		if !secretOK && fbSecret != nil {
			secret, secretOK = *fbSecret, true
		}
		if !identityOK && fbIdentity != nil && (!secretOK || fbIdentity.Ref != secret.Ref) {
			identity, identityOK = *fbIdentity, true
		}
	}

	switch {
	case !identityOK && !secretOK:
		return browser.Element{}, browser.Element{}, fmt.Errorf("%w: identity and secret", ErrAuthFieldNotFound)
	case !identityOK:
		return browser.Element{}, browser.Element{}, fmt.Errorf("%w: identity", ErrAuthFieldNotFound)
	case !secretOK:
		return browser.Element{}, browser.Element{}, fmt.Errorf("%w: secret", ErrAuthFieldNotFound)
	}
	return identity, secret, nil
}

// firstMatch returns the first interactable element matched by the selectors, in order.
func (m *Manager) firstMatch(ctx context.Context, page browser.Page, selectors []string, exclude *browser.Element) (browser.Element, bool) {
	for _, sel := range selectors {
		els, err := page.FindAll(ctx, sel)
		if err != nil {
			m.logger.Debug("Selector lookup failed.", zap.String("selector", sel), zap.Error(err))
			continue
		}
		for _, el := range els {
			if exclude != nil && el.Ref == exclude.Ref {
				continue
			}
			if m.interactable(ctx, page, el) {
				return el, true
			}
		}
	}
	return browser.Element{}, false
}

// fallbackScan classifies every visible input by type and naming hints.
func (m *Manager) fallbackScan(ctx context.Context, page browser.Page) (identity, secret *browser.Element) {
	els, err := page.FindAll(ctx, "input")
	if err != nil {
		return nil, nil
	}

	var firstText *browser.Element
	for i := range els {
		el := els[i]
		typ := strings.ToLower(el.Attr("type"))
		switch typ {
		case "hidden", "submit", "button", "checkbox", "radio", "image", "reset", "file":
			continue
		}
		if !m.interactable(ctx, page, el) {
			continue
		}
		hints := strings.ToLower(strings.Join([]string{
			el.Attr("name"), el.Attr("id"), el.Attr("placeholder"), el.Attr("autocomplete"), el.Attr("aria-label"),
		}, " "))

		switch {
		case secret == nil && (typ == "password" || containsAny(hints, m.vocab.SecretHints)):
			secret = &el
		case identity == nil && (typ == "email" || containsAny(hints, m.vocab.IdentityHints)):
			identity = &el
		case firstText == nil && (typ == "" || typ == "text" || typ == "email"):
			firstText = &el
		}
	}
	if identity == nil {
		identity = firstText
	}
	return identity, secret
}

func (m *Manager) interactable(ctx context.Context, page browser.Page, el browser.Element) bool {
	visible, err := page.IsVisible(ctx, el)
	if err != nil || !visible {
		return false
	}
	enabled, err := page.IsEnabled(ctx, el)
	return err == nil && enabled
}

// submit clicks the first action labelled with submit vocabulary, or submits the form of the secret field.
func (m *Manager) submit(ctx context.Context, page browser.Page, secret browser.Element, logger *zap.Logger) error {
	els, err := page.FindAll(ctx, submitSelector)
	if err == nil {
		for _, el := range els {
			label := strings.ToLower(strings.TrimSpace(el.Label()))
			if label == "" || !containsAny(label, m.vocab.SubmitButtonTerms) {
				continue
			}
			if !m.interactable(ctx, page, el) {
				continue
			}
			if err := page.Click(ctx, el); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.Debug("Submit action click failed; trying the next one.", zap.Error(err))
				continue
			}
			logger.Debug("Submitted login via action element.", zap.String("label", el.Label()))
			return nil
		}
	}

	logger.Debug("No submit action found; sending a synthetic submit.")
	if err := page.Submit(ctx, secret); err != nil {
		return fmt.Errorf("failed to submit login form: %w", err)
	}
	return nil
}

// classifyLogin inspects the settled page for error vocabulary and login URL markers.
func (m *Manager) classifyLogin(ctx context.Context, page browser.Page) error {
	text, err := page.Text(ctx)
	if err != nil {
		return fmt.Errorf("failed to read page after login: %w", err)
	}
	if term := firstMatch(strings.ToLower(text), m.vocab.LoginErrorTerms); term != "" {
		url, _ := page.CurrentURL(ctx)
		return &RejectedError{Term: term, URL: url}
	}

	url, err := page.CurrentURL(ctx)
	if err != nil {
		return fmt.Errorf("failed to read location after login: %w", err)
	}
	if m.isLoginURL(url) {
		return &RejectedError{URL: url}
	}
	return nil
}

// Verify reports whether the current page shows an authenticated session. It never changes
// the session state; a negative result is captured for diagnostics.
func (m *Manager) Verify(ctx context.Context) bool {
	ok, reason := m.verify(ctx)
	if !ok {
		m.logger.Info("Session verification failed.", zap.String("reason", reason))
		m.diag.Capture(ctx, diagnostics.LabelVerifyFailed)
		return false
	}
	m.logger.Debug("Session verified.", zap.String("reason", reason))
	return true
}

func (m *Manager) verify(ctx context.Context) (bool, string) {
	page := m.provider.Page()
	text, err := page.Text(ctx)
	if err != nil {
		return false, "page text unavailable: " + err.Error()
	}
	lower := strings.ToLower(text)
	authTerm := firstMatch(lower, m.vocab.AuthenticatedTerms)
	unauthTerm := firstMatch(lower, m.vocab.UnauthenticatedTerms)

	switch {
	case authTerm != "" && unauthTerm == "":
		return true, "authenticated vocabulary: " + authTerm
	case unauthTerm != "" && authTerm == "":
		return false, "unauthenticated vocabulary: " + unauthTerm
	}

	url, err := page.CurrentURL(ctx)
	if err != nil {
		return false, "location unavailable: " + err.Error()
	}
	if m.isLoginURL(url) {
		return false, "login url: " + url
	}
	return true, "url outside login: " + url
}

// Login establishes the first session, with the same bounded retries as Repair but
// without recreating the tab.
func (m *Manager) Login(ctx context.Context) (Session, error) {
	return m.establishWithRetries(ctx, false)
}

// Repair recreates the tab and re-establishes the session within the retry budget. The tab
// is recreated once; a failed recreation is tried again before each later attempt.
// On exhaustion the session becomes Failed and ErrSessionUnrecoverable is returned.
func (m *Manager) Repair(ctx context.Context) (Session, error) {
	m.mu.Lock()
	if m.session.State != Failed {
		m.session.State = Expired
	}
	m.mu.Unlock()

	m.logger.Info("Repairing session.")
	return m.establishWithRetries(ctx, true)
}

func (m *Manager) establishWithRetries(ctx context.Context, resetTab bool) (Session, error) {
	attempts := 1 + m.cfg.MaxRetries
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			backoff := m.backoff()
			m.logger.Info("Waiting before next login attempt.",
				zap.Int("attempt", attempt), zap.Int("max_attempts", attempts), zap.Duration("backoff", backoff))
			if err := m.sleep(ctx, backoff); err != nil {
				return m.Session(), err
			}
		}

		if resetTab {
			if err := m.provider.Reset(ctx); err != nil {
				if ctx.Err() != nil {
					return m.Session(), ctx.Err()
				}
				m.logger.Warn("Failed to recreate browser tab; trying the current one.",
					zap.Int("attempt", attempt), zap.Error(err))
			} else {
				resetTab = false
			}
		}

		s, err := m.Establish(ctx)
		if ctx.Err() != nil {
			return m.Session(), ctx.Err()
		}
		if err == nil {
			if m.Verify(ctx) {
				return s, nil
			}
			m.Expire()
			err = errors.New("session did not verify after login")
		}
		lastErr = err
		m.logger.Warn("Login attempt failed.", zap.Int("attempt", attempt), zap.Int("max_attempts", attempts), zap.Error(err))
	}

	m.setState(Failed)
	m.logger.Error("Session unrecoverable.", zap.Int("attempts", attempts), zap.Error(lastErr))
	return m.Session(), fmt.Errorf("%w after %d attempts: %v", ErrSessionUnrecoverable, attempts, lastErr)
}

// backoff draws a uniform delay in [BackoffMin, BackoffMax].
func (m *Manager) backoff() time.Duration {
	span := m.cfg.BackoffMax - m.cfg.BackoffMin
	if span <= 0 {
		return m.cfg.BackoffMin
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.BackoffMin + time.Duration(m.rng.Int63n(int64(span)+1))
}

func (m *Manager) isLoginURL(url string) bool {
	return firstMatch(strings.ToLower(url), m.vocab.LoginURLMarkers) != ""
}

func firstMatch(haystack string, terms []string) string {
	for _, t := range terms {
		if t = strings.ToLower(t); t != "" && strings.Contains(haystack, t) {
			return t
		}
	}
	return ""
}

func containsAny(haystack string, terms []string) bool {
	return firstMatch(haystack, terms) != ""
}

var _ Dismisser = (*interstitial.Dismisser)(nil)
