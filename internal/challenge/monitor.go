// Package challenge detects the anti-automation interstitial and helps the
// passive bypass extension along when it stalls.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xkilldash9x/autorenew/internal/browser"
	"github.com/xkilldash9x/autorenew/internal/config"
	"github.com/xkilldash9x/autorenew/internal/diagnostics"
	"github.com/xkilldash9x/autorenew/internal/interact"
	"github.com/xkilldash9x/autorenew/internal/observability"
	"github.com/xkilldash9x/autorenew/internal/retry"
	"github.com/xkilldash9x/autorenew/internal/site"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// State is where, if anywhere, an interstitial was seen.
type State int

const (
	None State = iota
	FullPage
	ModalEmbedded
)

func (s State) String() string {
	switch s {
	case FullPage:
		return "full_page"
	case ModalEmbedded:
		return "modal_embedded"
	default:
		return "none"
	}
}

// ErrTimeout is matched by every *TimeoutError.
var ErrTimeout = errors.New("challenge still present")

// TimeoutError reports an interstitial that outlived the wait.
type TimeoutError struct {
	Tag     string
	State   State
	Waited  time.Duration
	Assists int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("challenge %q still present (%s) after %s and %d assists", e.Tag, e.State, e.Waited.Round(time.Millisecond), e.Assists)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// Monitor detects and waits out interstitials on one page.
type Monitor struct {
	in      *interact.Interactor
	profile site.Profile
	cfg     config.ChallengeConfig
	sink    diagnostics.Sink
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewMonitor creates a Monitor. Assist clicks go through in; sink receives
// the capture on timeout.
func NewMonitor(in *interact.Interactor, profile site.Profile, cfg config.ChallengeConfig, sink diagnostics.Sink, metrics *observability.Metrics, logger *zap.Logger) *Monitor {
	if sink == nil {
		sink = diagnostics.Nop{}
	}
	return &Monitor{
		in:      in,
		profile: profile,
		cfg:     cfg,
		sink:    sink,
		metrics: metrics,
		logger:  logger.Named("challenge"),
		now:     time.Now,
	}
}

func (m *Monitor) detected(scope browser.Element) State {
	if scope == nil {
		return FullPage
	}
	return ModalEmbedded
}

// Detect reports whether an interstitial is present. A nil scope checks the
// whole page including its title; a scope checks only inside that element.
func (m *Monitor) Detect(ctx context.Context, scope browser.Element) (State, error) {
	page := m.in.Page()

	if scope == nil {
		title, err := page.Title(ctx)
		if err != nil {
			return None, fmt.Errorf("failed to read title: %w", err)
		}
		if containsAny(strings.ToLower(title), m.profile.ChallengeTitles) {
			return FullPage, nil
		}
	}

	if m.frame(ctx, scope) != nil {
		return m.detected(scope), nil
	}

	var text string
	var err error
	if scope == nil {
		text, err = page.Text(ctx)
	} else {
		text, err = scope.Text(ctx)
	}
	if err != nil {
		return None, fmt.Errorf("failed to read text: %w", err)
	}
	if containsAny(strings.ToLower(text), m.profile.ChallengePhrases) {
		return m.detected(scope), nil
	}
	return None, nil
}

// frame returns the first visible challenge frame in scope, or nil.
func (m *Monitor) frame(ctx context.Context, scope browser.Element) browser.Element {
	for _, l := range m.profile.ChallengeFrame {
		els, err := m.in.Page().QueryAll(ctx, scope, l)
		if err != nil {
			m.logger.Debug("Frame query failed.", zap.Stringer("locator", l), zap.Error(err))
			continue
		}
		for _, el := range els {
			if ok, err := el.Visible(ctx); err == nil && ok {
				return el
			}
		}
	}
	return nil
}

// Wait polls until no interstitial is detected in scope. Once assist_after
// has elapsed with the interstitial still present, the challenge frame is
// clicked at most once per assist_interval. A pass is only reported by a poll
// that follows any assist click. On timeout a capture tagged challenge_<tag>
// is taken and a *TimeoutError is returned.
func (m *Monitor) Wait(ctx context.Context, scope browser.Element, tag string) error {
	log := m.logger.With(zap.String("tag", tag))
	start := m.now()
	var (
		last    = None
		assists int
		// One token, refilled every assist_interval; zero means no spacing.
		pacer = rate.NewLimiter(rate.Every(m.cfg.AssistInterval), 1)
	)

	passed := retry.Poll(ctx, m.cfg.Timeout, retry.Fixed(m.cfg.PollInterval), func(ctx context.Context) bool {
		state, err := m.Detect(ctx, scope)
		if err != nil {
			log.Debug("Challenge detection failed.", zap.Error(err))
			return false
		}
		if state == None {
			return true
		}
		if last == None {
			log.Info("Challenge detected, waiting for it to clear.", zap.Stringer("state", state))
		}
		last = state

		now := m.now()
		if now.Sub(start) < m.cfg.AssistAfter || !pacer.AllowN(now, 1) {
			return false
		}
		assists++
		m.assist(ctx, scope, tag)
		// Never pass on the cycle that clicked.
		return false
	})

	if passed {
		if last != None {
			log.Info("Challenge cleared.", zap.Duration("waited", m.now().Sub(start)), zap.Int("assists", assists))
		}
		m.metrics.ObserveChallenge("clear")
		return nil
	}
	if err := ctx.Err(); err != nil {
		m.metrics.ObserveChallenge("cancelled")
		return err
	}

	m.metrics.ObserveChallenge("timeout")
	terr := &TimeoutError{Tag: tag, State: last, Waited: m.now().Sub(start), Assists: assists}
	log.Warn("Challenge did not clear.", zap.Error(terr))
	m.sink.Capture(ctx, m.in.Page(), "challenge_"+tag)
	return terr
}

// assist clicks the challenge frame. The frame document is cross-origin, so
// only the trusted press at the iframe's centre reaches the widget; the
// scripted fallbacks land on the <iframe> element and do not.
func (m *Monitor) assist(ctx context.Context, scope browser.Element, tag string) {
	frame := m.frame(ctx, scope)
	if frame == nil {
		m.logger.Debug("No challenge frame to assist.", zap.String("tag", tag))
		return
	}
	m.logger.Info("Assisting challenge with a click.", zap.String("tag", tag))
	attempts := m.cfg.AssistAttempts
	if attempts < 1 {
		attempts = 1
	}
	m.in.ClickRobust(ctx, frame, attempts, tag+"_challenge")
}

func containsAny(text string, phrases []string) bool {
	for _, p := range phrases {
		if p != "" && strings.Contains(text, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
