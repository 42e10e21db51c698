// Package interact locates and clicks page elements with layered fallbacks.
// Every wait is a bounded poll; nothing here sleeps for a fixed interval.
package interact

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xkilldash9x/autorenew/internal/browser"
	"github.com/xkilldash9x/autorenew/internal/config"
	"github.com/xkilldash9x/autorenew/internal/diagnostics"
	"github.com/xkilldash9x/autorenew/internal/observability"
	"github.com/xkilldash9x/autorenew/internal/retry"
	"go.uber.org/zap"
)

// ErrClickExhausted is returned by callers when every click attempt failed.
var ErrClickExhausted = errors.New("click attempts exhausted")

// Interactor drives element lookups and clicks on one page.
type Interactor struct {
	page    browser.Page
	sink    diagnostics.Sink
	metrics *observability.Metrics
	timing  config.TimingConfig
	logger  *zap.Logger
}

// New creates an Interactor. metrics may be nil.
func New(page browser.Page, sink diagnostics.Sink, metrics *observability.Metrics, timing config.TimingConfig, logger *zap.Logger) *Interactor {
	if sink == nil {
		sink = diagnostics.Nop{}
	}
	return &Interactor{
		page:    page,
		sink:    sink,
		metrics: metrics,
		timing:  timing,
		logger:  logger.Named("interact"),
	}
}

// Page returns the page the interactor drives.
func (i *Interactor) Page() browser.Page { return i.page }

// Locate polls until one of the locators matches a visible element within
// scope, trying them in order on every cycle. A nil scope searches the whole
// document. It returns nil once timeout elapses; it never returns an error.
func (i *Interactor) Locate(ctx context.Context, scope browser.Element, locators []browser.Locator, timeout time.Duration) browser.Element {
	var found browser.Element
	retry.Poll(ctx, timeout, i.timing.LocatePoll, func(ctx context.Context) bool {
		for _, l := range locators {
			if el := i.firstVisible(ctx, scope, l); el != nil {
				i.logger.Debug("Element located.", zap.Stringer("locator", l), zap.String("element", el.String()))
				found = el
				return true
			}
			if ctx.Err() != nil {
				return false
			}
		}
		return false
	})
	if found == nil {
		i.logger.Debug("Element not found before timeout.", zap.Int("locators", len(locators)), zap.Duration("timeout", timeout))
	}
	return found
}

func (i *Interactor) firstVisible(ctx context.Context, scope browser.Element, l browser.Locator) browser.Element {
	els, err := i.page.QueryAll(ctx, scope, l)
	if err != nil {
		i.logger.Debug("Query failed.", zap.Stringer("locator", l), zap.Error(err))
		return nil
	}
	for _, el := range els {
		visible, err := el.Visible(ctx)
		if err == nil && visible {
			return el
		}
	}
	return nil
}

// ClickRobust clicks el, escalating through a trusted mouse click, a scripted
// click and, from the second attempt on, a synthetic event dispatch. Attempts
// are separated by a jittered pause. It reports false after exhaustion, or
// for a nil element, and captures diagnostics tagged click_failed_<tag>.
func (i *Interactor) ClickRobust(ctx context.Context, el browser.Element, maxAttempts int, tag string) bool {
	log := i.logger.With(zap.String("tag", tag))
	if el == nil {
		log.Warn("No element to click.")
		i.exhausted(ctx, tag)
		return false
	}

	policy := retry.Policy{
		Attempts: maxAttempts,
		Delay:    i.timing.ClickDelay,
		Notify: func(err error, next time.Duration) {
			log.Debug("Click attempt failed.", zap.Error(err), zap.Duration("backoff", next))
		},
	}
	err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		mechanism, err := i.clickOnce(ctx, el, attempt)
		if err != nil {
			return err
		}
		log.Info("Clicked element.", zap.String("element", el.String()), zap.String("mechanism", mechanism), zap.Int("attempt", attempt))
		i.metrics.ObserveClick(mechanism)
		return nil
	})
	if err != nil {
		log.Warn("All click attempts failed.", zap.String("element", el.String()), zap.Error(err))
		i.exhausted(ctx, tag)
		return false
	}
	return true
}

func (i *Interactor) exhausted(ctx context.Context, tag string) {
	i.metrics.ObserveClick("exhausted")
	i.sink.Capture(ctx, i.page, "click_failed_"+tag)
}

// clickOnce runs one attempt and reports the mechanism that landed. A panic
// from the element is converted into an error for that attempt.
func (i *Interactor) clickOnce(ctx context.Context, el browser.Element, attempt int) (mechanism string, err error) {
	defer func() {
		if r := recover(); r != nil {
			mechanism = ""
			err = fmt.Errorf("click panicked: %v", r)
		}
	}()

	if serr := el.ScrollIntoView(ctx); serr != nil {
		i.logger.Debug("Scroll into view failed.", zap.Error(serr))
	}

	type step struct {
		name string
		fn   func(context.Context) error
	}
	steps := []step{
		{"native", el.Click},
		{"scripted", el.ScriptClick},
	}
	if attempt >= 2 {
		steps = append(steps, step{"dispatch", el.DispatchClick})
	}

	var errs []error
	for _, s := range steps {
		if ctx.Err() != nil {
			break
		}
		if cerr := s.fn(ctx); cerr != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, cerr))
			continue
		}
		return s.name, nil
	}
	if cerr := ctx.Err(); cerr != nil {
		errs = append(errs, cerr)
	}
	return "", errors.Join(errs...)
}

// Fill types text into el after clearing it.
func (i *Interactor) Fill(ctx context.Context, el browser.Element, text string) error {
	if el == nil {
		return errors.New("no element to fill")
	}
	if err := el.ScrollIntoView(ctx); err != nil {
		i.logger.Debug("Scroll into view failed.", zap.Error(err))
	}
	if err := el.Fill(ctx, text); err != nil {
		return fmt.Errorf("failed to fill %s: %w", el, err)
	}
	return nil
}

// ClickByText is the scripted last resort: it finds buttons and links whose
// rendered text contains any of texts and calls click() on the first visible
// one. Disabled matches are skipped. It reports whether anything was clicked.
func (i *Interactor) ClickByText(ctx context.Context, scope browser.Element, texts []string, tag string) bool {
	for _, text := range texts {
		el := i.firstVisible(ctx, scope, browser.XPath(browser.ContainsTextXPath(text)))
		if el == nil {
			continue
		}
		if enabled, err := el.Enabled(ctx); err == nil && !enabled {
			i.logger.Info("Skipping disabled element.", zap.String("tag", tag), zap.String("text", text))
			continue
		}
		if err := el.ScriptClick(ctx); err != nil {
			i.logger.Debug("Scripted click failed.", zap.String("tag", tag), zap.String("text", text), zap.Error(err))
			continue
		}
		i.logger.Info("Clicked element by text.", zap.String("tag", tag), zap.String("text", text))
		i.metrics.ObserveClick("scripted")
		return true
	}
	i.logger.Warn("No element matched by text.", zap.String("tag", tag), zap.Strings("texts", texts))
	return false
}
