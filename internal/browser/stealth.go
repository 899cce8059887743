// internal/browser/stealth.go
package browser

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/slotwatch/internal/config"
)

//go:embed evasions.js
var evasionsScript string

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Persona defines the browser characteristics presented to the booking site.
type Persona struct {
	UserAgent string   `json:"userAgent"`
	Platform  string   `json:"platform"`
	Languages []string `json:"languages"`
	Timezone  string   `json:"-"`
	Locale    string   `json:"-"`
}

// PersonaFromConfig derives a desktop persona from the browser settings.
func PersonaFromConfig(cfg config.BrowserConfig) Persona {
	p := Persona{
		UserAgent: cfg.UserAgent,
		Platform:  "Win32",
		Timezone:  cfg.Timezone,
		Locale:    cfg.Locale,
	}
	if cfg.Locale != "" {
		p.Languages = []string{cfg.Locale}
		if lang, _, ok := strings.Cut(cfg.Locale, "-"); ok {
			p.Languages = append(p.Languages, lang)
		}
	}
	return p
}

// acceptLanguage renders the header value matching the persona's languages.
func (p Persona) acceptLanguage() string {
	if len(p.Languages) == 0 {
		return ""
	}
	parts := []string{p.Languages[0]}
	for i, lang := range p.Languages[1:] {
		parts = append(parts, fmt.Sprintf("%s;q=%.1f", lang, 0.9-float64(i)*0.1))
	}
	return strings.Join(parts, ",")
}

// ApplyStealth builds the CDP actions that make a fresh tab look like a user-operated browser.
func ApplyStealth(p Persona, logger *zap.Logger) chromedp.Tasks {
	logger.Debug("Applying browser stealth persona",
		zap.String("user_agent", p.UserAgent),
		zap.String("timezone", p.Timezone),
		zap.String("locale", p.Locale),
	)

	tasks := chromedp.Tasks{
		chromedp.ActionFunc(func(ctx context.Context) error {
			personaJSON, err := json.Marshal(p)
			if err != nil {
				return fmt.Errorf("failed to encode persona: %w", err)
			}
			seed := fmt.Sprintf("window.__slotwatchPersona = %s;", personaJSON)
			if _, err := page.AddScriptToEvaluateOnNewDocument(seed).Do(ctx); err != nil {
				return fmt.Errorf("failed to inject persona seed: %w", err)
			}
			if _, err := page.AddScriptToEvaluateOnNewDocument(evasionsScript).Do(ctx); err != nil {
				return fmt.Errorf("failed to inject evasions script: %w", err)
			}
			return nil
		}),
	}

	if p.UserAgent != "" {
		override := emulation.SetUserAgentOverride(p.UserAgent).WithPlatform(p.Platform)
		if al := p.acceptLanguage(); al != "" {
			override = override.WithAcceptLanguage(al)
		}
		tasks = append(tasks, override)
	}
	if p.Timezone != "" {
		tasks = append(tasks, emulation.SetTimezoneOverride(p.Timezone))
	}
	if p.Locale != "" {
		tasks = append(tasks, emulation.SetLocaleOverride().WithLocale(p.Locale))
	}
	if al := p.acceptLanguage(); al != "" {
		tasks = append(tasks, network.Enable(), network.SetExtraHTTPHeaders(network.Headers{"Accept-Language": al}))
	}
	return tasks
}
