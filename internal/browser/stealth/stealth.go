package stealth

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
	"github.com/xkilldash9x/autorenew/internal/config"
	"go.uber.org/zap"
)

//go:embed evasions.js
var evasionsTemplate string

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Persona defines the browser characteristics to emulate.
type Persona struct {
	UserAgent string
	Platform  string
	Languages []string
	Timezone  string
	Locale    string
}

// DefaultPersona provides a realistic desktop profile.
var DefaultPersona = Persona{
	UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
	Platform:  "Win32",
	Languages: []string{"en-US", "en"},
	Locale:    "en-US",
}

// PersonaFromConfig fills a Persona from the browser settings, keeping
// DefaultPersona values for anything left empty.
func PersonaFromConfig(cfg config.BrowserConfig) Persona {
	p := DefaultPersona
	if cfg.UserAgent != "" {
		p.UserAgent = cfg.UserAgent
	}
	if cfg.Platform != "" {
		p.Platform = cfg.Platform
	}
	if len(cfg.Languages) > 0 {
		p.Languages = cfg.Languages
	}
	if cfg.Locale != "" {
		p.Locale = cfg.Locale
	}
	p.Timezone = cfg.Timezone
	return p
}

// AcceptLanguage renders the persona's languages as an Accept-Language value
// with descending q-weights.
func (p Persona) AcceptLanguage() string {
	parts := make([]string, 0, len(p.Languages))
	for i, lang := range p.Languages {
		if i == 0 {
			parts = append(parts, lang)
			continue
		}
		q := 1.0 - 0.1*float64(i)
		if q < 0.1 {
			q = 0.1
		}
		parts = append(parts, fmt.Sprintf("%s;q=%.1f", lang, q))
	}
	return strings.Join(parts, ",")
}

// Script renders the evasions script for p.
func Script(p Persona) (string, error) {
	langs, err := json.Marshal(p.Languages)
	if err != nil {
		return "", err
	}
	platform, err := json.Marshal(p.Platform)
	if err != nil {
		return "", err
	}
	return strings.NewReplacer(
		"__LANGUAGES__", string(langs),
		"__PLATFORM__", string(platform),
	).Replace(evasionsTemplate), nil
}

// Apply returns the actions that make the tab present as a regular desktop
// browser. They must run before the first navigation.
func Apply(p Persona, logger *zap.Logger) chromedp.Tasks {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Applying browser stealth persona.",
		zap.String("platform", p.Platform),
		zap.Strings("languages", p.Languages),
		zap.String("timezone", p.Timezone),
	)

	tasks := chromedp.Tasks{
		emulation.SetUserAgentOverride(p.UserAgent).
			WithPlatform(p.Platform).
			WithAcceptLanguage(p.AcceptLanguage()),
		chromedp.ActionFunc(func(ctx context.Context) error {
			script, err := Script(p)
			if err != nil {
				return fmt.Errorf("failed to render evasions script: %w", err)
			}
			if _, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx); err != nil {
				return fmt.Errorf("failed to inject evasions script: %w", err)
			}
			return nil
		}),
	}

	if p.Timezone != "" {
		tasks = append(tasks, emulation.SetTimezoneOverride(p.Timezone))
	}
	if p.Locale != "" {
		tasks = append(tasks, emulation.SetLocaleOverride().WithLocale(p.Locale))
	}
	if len(p.Languages) > 0 {
		tasks = append(tasks, network.SetExtraHTTPHeaders(network.Headers{
			"Accept-Language": p.AcceptLanguage(),
		}))
	}
	return tasks
}
