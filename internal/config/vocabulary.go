// File: internal/config/vocabulary.go
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// TokenSet names a canonical token and the surface forms that represent it on the page.
type TokenSet struct {
	Canonical string   `mapstructure:"canonical" yaml:"canonical"`
	Forms     []string `mapstructure:"forms" yaml:"forms"`
}

// VocabularyConfig holds every heuristic word list. The booking portal changes its copy
// from time to time; these tables are the only place that has to follow it.
type VocabularyConfig struct {
	// TargetDays are matched case-insensitively on word boundaries against page text.
	TargetDays []TokenSet `mapstructure:"target_days" yaml:"target_days"`
	// TargetTimes are matched case-insensitively against raw markup.
	TargetTimes []TokenSet `mapstructure:"target_times" yaml:"target_times"`
	// ContextDigits are the hour-boundary substrings an action's context must contain.
	ContextDigits []string `mapstructure:"context_digits" yaml:"context_digits"`

	AuthenticatedTerms   []string `mapstructure:"authenticated_terms" yaml:"authenticated_terms"`
	UnauthenticatedTerms []string `mapstructure:"unauthenticated_terms" yaml:"unauthenticated_terms"`
	LoginErrorTerms      []string `mapstructure:"login_error_terms" yaml:"login_error_terms"`
	LoginURLMarkers      []string `mapstructure:"login_url_markers" yaml:"login_url_markers"`
	SubmitButtonTerms    []string `mapstructure:"submit_button_terms" yaml:"submit_button_terms"`

	// IdentitySelectors and SecretSelectors are CSS selectors tried in order.
	IdentitySelectors []string `mapstructure:"identity_selectors" yaml:"identity_selectors"`
	SecretSelectors   []string `mapstructure:"secret_selectors" yaml:"secret_selectors"`
	// IdentityHints and SecretHints classify inputs in the full-field fallback scan.
	IdentityHints []string `mapstructure:"identity_hints" yaml:"identity_hints"`
	SecretHints   []string `mapstructure:"secret_hints" yaml:"secret_hints"`

	// DismissButtonTerms are whole words matched against interstitial action labels.
	DismissButtonTerms []string `mapstructure:"dismiss_button_terms" yaml:"dismiss_button_terms"`
	// OverlayTerms are matched against class and id attributes by the removal script.
	OverlayTerms []string `mapstructure:"overlay_terms" yaml:"overlay_terms"`
	// ConsentTextTerms indicate an interstitial is still showing.
	ConsentTextTerms []string `mapstructure:"consent_text_terms" yaml:"consent_text_terms"`
}

func setVocabularyDefaults(v *viper.Viper) {
	v.SetDefault("vocabulary.target_days", []TokenSet{
		{Canonical: "Wed", Forms: []string{"wednesday", "wed"}},
		{Canonical: "Fri", Forms: []string{"friday", "fri"}},
	})
	v.SetDefault("vocabulary.target_times", []TokenSet{
		{Canonical: "19:00", Forms: []string{"19:00", "7:00 PM", "7:00PM", "7 PM", "7PM"}},
		{Canonical: "20:00", Forms: []string{"20:00", "8:00 PM", "8:00PM", "8 PM", "8PM"}},
	})
	v.SetDefault("vocabulary.context_digits", []string{"19", "20", "7", "8"})

	v.SetDefault("vocabulary.authenticated_terms", []string{"log out", "logout", "sign out", "my account", "my bookings", "welcome"})
	v.SetDefault("vocabulary.unauthenticated_terms", []string{"sign in", "log in", "login", "forgot password", "forgot your password"})
	v.SetDefault("vocabulary.login_error_terms", []string{"invalid", "incorrect", "denied", "wrong password", "failed", "not recognized"})
	v.SetDefault("vocabulary.login_url_markers", []string{"#/login", "/login", "signin", "sign-in"})
	v.SetDefault("vocabulary.submit_button_terms", []string{"login", "log in", "sign in", "submit", "continue"})

	v.SetDefault("vocabulary.identity_selectors", []string{
		"input[type='email']",
		"input[name='email']",
		"input[name='Login']",
		"input[name='username']",
		"input[id*='email']",
		"input[autocomplete='username']",
	})
	v.SetDefault("vocabulary.secret_selectors", []string{
		"input[type='password']",
		"input[name='password']",
		"input[autocomplete='current-password']",
	})
	v.SetDefault("vocabulary.identity_hints", []string{"email", "user", "login", "e-mail"})
	v.SetDefault("vocabulary.secret_hints", []string{"password", "pass", "pwd"})

	v.SetDefault("vocabulary.dismiss_button_terms", []string{"accept", "accept all", "agree", "ok", "close", "got it", "allow all", "dismiss"})
	v.SetDefault("vocabulary.overlay_terms", []string{"cookie", "consent", "gdpr", "overlay", "modal", "popup", "backdrop", "banner"})
	v.SetDefault("vocabulary.consent_text_terms", []string{"we use cookies", "cookie consent", "accept cookies", "accept all cookies", "cookie settings", "privacy preferences"})
}

// Validate makes sure every table the engine depends on has at least one entry.
func (v VocabularyConfig) Validate() error {
	lists := map[string]int{
		"target_days":           len(v.TargetDays),
		"target_times":          len(v.TargetTimes),
		"context_digits":        len(v.ContextDigits),
		"authenticated_terms":   len(v.AuthenticatedTerms),
		"unauthenticated_terms": len(v.UnauthenticatedTerms),
		"login_error_terms":     len(v.LoginErrorTerms),
		"identity_selectors":    len(v.IdentitySelectors),
		"secret_selectors":      len(v.SecretSelectors),
	}
	for name, n := range lists {
		if n == 0 {
			return fmt.Errorf("vocabulary.%s must not be empty", name)
		}
	}
	for _, set := range append(append([]TokenSet(nil), v.TargetDays...), v.TargetTimes...) {
		if set.Canonical == "" || len(set.Forms) == 0 {
			return fmt.Errorf("token set %q needs a canonical name and at least one form", set.Canonical)
		}
	}
	return nil
}
