// Package auth establishes an authenticated dashboard session, either by
// planting a provider token in client storage and following the OAuth
// hand-off, or by submitting the dashboard's own login form.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/xkilldash9x/autorenew/internal/browser"
	"github.com/xkilldash9x/autorenew/internal/config"
	"github.com/xkilldash9x/autorenew/internal/diagnostics"
	"github.com/xkilldash9x/autorenew/internal/interact"
	"github.com/xkilldash9x/autorenew/internal/retry"
	"github.com/xkilldash9x/autorenew/internal/site"
	"go.uber.org/zap"
)

// Script literals must decode to exactly the bytes compared on read-back.
var json = jsoniter.Config{EscapeHTML: false}.Froze()

var (
	// ErrNotPersisted means no strategy produced a verified stored token.
	ErrNotPersisted = errors.New("token could not be persisted")
	// ErrTokenRejected means the provider still asked for credentials after
	// the token was planted.
	ErrTokenRejected = errors.New("token rejected by provider")
	// ErrLoginRejected means the login form was submitted but the URL never
	// left the login path.
	ErrLoginRejected = errors.New("login not accepted")
	// ErrControlMissing means a required control was never found.
	ErrControlMissing = errors.New("control not found")
)

// InjectionError reports a failed authentication in the given mode.
type InjectionError struct {
	Mode config.CredentialMode
	Err  error
}

func (e *InjectionError) Error() string {
	return fmt.Sprintf("%s authentication failed: %v", e.Mode, e.Err)
}

func (e *InjectionError) Unwrap() error { return e.Err }

// NavigationError reports a hand-off step that did not reach the expected page.
type NavigationError struct {
	Step string
	URL  string
	Err  error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigation step %q failed at %s: %v", e.Step, e.URL, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }

// ChallengeWaiter waits out an interstitial. A nil scope means the whole page.
type ChallengeWaiter interface {
	Wait(ctx context.Context, scope browser.Element, tag string) error
}

// Injector authenticates one page.
type Injector struct {
	in        *interact.Interactor
	challenge ChallengeWaiter
	profile   site.Profile
	cfg       config.AuthConfig
	target    config.TargetConfig
	timing    config.TimingConfig
	sink      diagnostics.Sink
	logger    *zap.Logger
}

// New creates an Injector.
func New(in *interact.Interactor, challenge ChallengeWaiter, profile site.Profile, cfg *config.Config, sink diagnostics.Sink, logger *zap.Logger) *Injector {
	if sink == nil {
		sink = diagnostics.Nop{}
	}
	return &Injector{
		in:        in,
		challenge: challenge,
		profile:   profile,
		cfg:       cfg.Auth,
		target:    cfg.Target,
		timing:    cfg.Timing,
		sink:      sink,
		logger:    logger.Named("auth"),
	}
}

// Authenticate picks the path matching the credential shape. Token mode
// plants the token and then completes the dashboard's OAuth hand-off.
func (i *Injector) Authenticate(ctx context.Context, creds config.Credentials) error {
	switch creds.Mode() {
	case config.ModeToken:
		if err := i.InjectToken(ctx, creds.Token); err != nil {
			return err
		}
		return i.HandOff(ctx)
	case config.ModePair:
		return i.LoginWithPair(ctx, creds.Identifier, creds.Secret)
	default:
		return fmt.Errorf("no usable credentials: %w", config.ErrMissingCredential)
	}
}

func (i *Injector) page() browser.Page { return i.in.Page() }

// tolerate waits out an interstitial but only logs a timeout.
func (i *Injector) tolerate(ctx context.Context, tag string) {
	if err := i.challenge.Wait(ctx, nil, tag); err != nil {
		i.logger.Warn("Proceeding despite challenge.", zap.String("tag", tag), zap.Error(err))
	}
}

// InjectToken plants token in the provider's storage, reloads, and checks
// that the credential form is gone and the stored value reads back
// unchanged. The token value is never logged.
func (i *Injector) InjectToken(ctx context.Context, token string) error {
	if token == "" {
		return fmt.Errorf("token mode: %w", config.ErrMissingCredential)
	}
	i.logger.Info("Starting token injection.", zap.Int("token_length", len(token)))

	page := i.page()
	if err := page.Navigate(ctx, i.cfg.LoginURL); err != nil {
		return &InjectionError{Mode: config.ModeToken, Err: fmt.Errorf("failed to open provider login: %w", err)}
	}
	i.tolerate(ctx, "provider_login")

	if err := page.ClearCookies(ctx); err != nil {
		i.logger.Warn("Failed to clear cookies.", zap.Error(err))
	}
	if body := i.in.Locate(ctx, nil, []browser.Locator{browser.Tag("body")}, i.timing.ElementTimeout); body == nil {
		i.logger.Warn("Document body not ready; injecting anyway.")
	}

	key, want, value, err := i.encode(token)
	if err != nil {
		return &InjectionError{Mode: config.ModeToken, Err: err}
	}
	if err := i.persist(ctx, key, want, value); err != nil {
		i.sink.Capture(ctx, page, "token_inject_fail")
		return &InjectionError{Mode: config.ModeToken, Err: err}
	}

	if err := page.Reload(ctx); err != nil {
		return &InjectionError{Mode: config.ModeToken, Err: fmt.Errorf("failed to reload after injection: %w", err)}
	}
	if err := retry.Sleep(ctx, i.cfg.ReloadSettle); err != nil {
		return err
	}
	if field := i.in.Locate(ctx, nil, i.profile.CredentialField, i.cfg.FieldCheckTimeout); field != nil {
		i.sink.Capture(ctx, page, "token_invalid")
		return &InjectionError{Mode: config.ModeToken, Err: ErrTokenRejected}
	}
	// The provider may drop the token on reload before it renders any form.
	if stored, err := i.readBack(ctx, key); err != nil || stored != want {
		i.logger.Warn("Token did not survive reload.", zap.Bool("read_failed", err != nil))
		i.sink.Capture(ctx, page, "token_invalid")
		return &InjectionError{Mode: config.ModeToken, Err: ErrTokenRejected}
	}

	i.logger.Info("Token accepted.")
	return nil
}

// encode returns the storage key and value as script literals, and want, the
// exact string a read-back must return. The provider stores its token
// JSON-encoded, quotes included.
func (i *Injector) encode(token string) (key, want, value string, err error) {
	k, err := json.Marshal(i.cfg.StorageKey)
	if err != nil {
		return "", "", "", err
	}
	w, err := json.Marshal(token)
	if err != nil {
		return "", "", "", err
	}
	v, err := json.Marshal(string(w))
	if err != nil {
		return "", "", "", err
	}
	return string(k), string(w), string(v), nil
}

func (i *Injector) readBack(ctx context.Context, key string) (string, error) {
	var stored string
	err := i.page().Evaluate(ctx, readBackScript(key), &stored)
	return stored, err
}

// persist cycles through the write strategies until a read-back matches.
func (i *Injector) persist(ctx context.Context, key, want, value string) error {
	policy := retry.Policy{
		Attempts: i.cfg.InjectionAttempts,
		Delay:    i.cfg.InjectionDelay,
		Notify: func(err error, next time.Duration) {
			i.logger.Debug("Injection attempt failed.", zap.Error(err), zap.Duration("backoff", next))
		},
	}
	err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		s := strategies[(attempt-1)%len(strategies)]
		log := i.logger.With(zap.String("strategy", s.name), zap.Int("attempt", attempt))

		var wrote bool
		// Script errors can echo the source, so they are not logged.
		if err := i.page().Evaluate(ctx, s.script(key, value, i.cfg.DeferredDelay), &wrote); err != nil {
			log.Debug("Injection script failed.")
			return fmt.Errorf("%s: script failed", s.name)
		}
		if !wrote {
			return fmt.Errorf("%s: storage unavailable", s.name)
		}
		if d := s.wait(i.cfg.DeferredDelay); d > 0 {
			if err := retry.Sleep(ctx, retry.Fixed(d)); err != nil {
				return retry.Permanent(err)
			}
		}

		stored, err := i.readBack(ctx, key)
		if err != nil {
			return fmt.Errorf("%s: read-back failed", s.name)
		}
		if stored != want {
			return fmt.Errorf("%s: stored value does not match", s.name)
		}
		log.Info("Token persisted and verified.")
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrNotPersisted, err)
	}
	return nil
}

// HandOff completes the dashboard's "login with provider" flow once the
// provider session exists. It is a no-op when the dashboard is already
// logged in.
func (i *Injector) HandOff(ctx context.Context) error {
	page := i.page()
	if err := page.Navigate(ctx, i.target.DashboardURL); err != nil {
		return &NavigationError{Step: "open_dashboard", URL: i.target.DashboardURL, Err: err}
	}
	i.tolerate(ctx, "dashboard_home")

	current, _ := page.URL(ctx)
	if !i.onLoginPage(current) {
		i.logger.Info("Dashboard already logged in.")
		return nil
	}

	login := i.in.Locate(ctx, nil, i.profile.ProviderLogin, i.timing.ElementTimeout)
	if login == nil {
		i.sink.Capture(ctx, page, "no_login_button")
		return &NavigationError{Step: "find_login", URL: current, Err: ErrControlMissing}
	}
	if !i.in.ClickRobust(ctx, login, i.timing.ClickAttempts, "login_button") {
		return &NavigationError{Step: "click_login", URL: current, Err: interact.ErrClickExhausted}
	}

	providerHost := hostOf(i.cfg.LoginURL)
	onAuthorize := retry.Poll(ctx, i.cfg.AuthorizeTimeout, i.timing.LocatePoll, func(ctx context.Context) bool {
		u, err := page.URL(ctx)
		if err != nil {
			return false
		}
		u = strings.ToLower(u)
		return strings.Contains(u, providerHost) && strings.Contains(u, i.profile.AuthorizeMarker)
	})
	if !onAuthorize {
		current, _ = page.URL(ctx)
		i.sink.Capture(ctx, page, "auth_redirect_failed")
		return &NavigationError{Step: "reach_authorize", URL: current, Err: errors.New("provider authorize page not reached")}
	}
	i.tolerate(ctx, "provider_authorize")

	i.authorize(ctx)

	if err := retry.Sleep(ctx, i.cfg.ReloadSettle); err != nil {
		return err
	}
	return i.awaitReturn(ctx, providerHost)
}

// authorize clicks the consent control, falling back to a scripted click by
// text. Failure here is left for the return check to report.
func (i *Injector) authorize(ctx context.Context) {
	if btn := i.in.Locate(ctx, nil, i.profile.Authorize, i.cfg.AuthorizeTimeout); btn != nil {
		if i.in.ClickRobust(ctx, btn, i.timing.ClickAttempts, "authorize_button") {
			return
		}
		i.logger.Warn("Authorize click failed; trying scripted fallback.")
	} else {
		i.logger.Warn("Authorize control not found; trying scripted fallback.")
	}
	i.in.ClickByText(ctx, nil, i.profile.AuthorizeTexts, "authorize_button")
}

func (i *Injector) awaitReturn(ctx context.Context, providerHost string) error {
	page := i.page()
	dashHost := hostOf(i.target.DashboardURL)
	back := retry.Poll(ctx, i.cfg.ReturnTimeout, i.timing.LocatePoll, func(ctx context.Context) bool {
		u, err := page.URL(ctx)
		if err != nil {
			return false
		}
		return strings.Contains(strings.ToLower(u), dashHost) && !i.onLoginPage(u)
	})
	if back {
		i.logger.Info("Returned to dashboard.")
		return nil
	}

	current, _ := page.URL(ctx)
	if strings.Contains(strings.ToLower(current), providerHost) {
		i.logger.Warn("Still on provider; opening dashboard directly.")
		if err := page.Navigate(ctx, i.target.DashboardURL); err != nil {
			return &NavigationError{Step: "return_dashboard", URL: current, Err: err}
		}
		if err := retry.Sleep(ctx, i.timing.ModalSettle); err != nil {
			return err
		}
		current, _ = page.URL(ctx)
		if !i.onLoginPage(current) {
			return nil
		}
	}
	i.sink.Capture(ctx, page, "login_return_failed")
	return &NavigationError{Step: "return_dashboard", URL: current, Err: errors.New("dashboard still requires login")}
}

// LoginWithPair fills and submits the dashboard's native login form.
func (i *Injector) LoginWithPair(ctx context.Context, identifier, secret string) error {
	fail := func(err error) error {
		return &InjectionError{Mode: config.ModePair, Err: err}
	}
	if identifier == "" || secret == "" {
		return fmt.Errorf("credential pair: %w", config.ErrMissingCredential)
	}

	page := i.page()
	loginURL := joinURL(i.target.DashboardURL, i.target.LoginPath)
	if err := page.Navigate(ctx, loginURL); err != nil {
		return fail(fmt.Errorf("failed to open login page: %w", err))
	}
	i.tolerate(ctx, "dashboard_login")

	idField := i.in.Locate(ctx, nil, i.profile.IdentifierField, i.timing.ElementTimeout)
	if idField == nil {
		i.sink.Capture(ctx, page, "no_identifier_field")
		return fail(fmt.Errorf("identifier field: %w", ErrControlMissing))
	}
	secretField := i.in.Locate(ctx, nil, i.profile.SecretField, i.timing.ElementTimeout)
	if secretField == nil {
		i.sink.Capture(ctx, page, "no_secret_field")
		return fail(fmt.Errorf("secret field: %w", ErrControlMissing))
	}
	if err := i.in.Fill(ctx, idField, identifier); err != nil {
		return fail(err)
	}
	if err := i.in.Fill(ctx, secretField, secret); err != nil {
		return fail(err)
	}

	submitted := false
	if btn := i.in.Locate(ctx, nil, i.profile.SubmitControl, i.timing.ConfirmTimeout); btn != nil {
		submitted = i.in.ClickRobust(ctx, btn, i.timing.ClickAttempts, "login_submit")
	}
	if !submitted {
		i.logger.Debug("Submitting login form from the secret field.")
		if err := secretField.Submit(ctx); err != nil {
			return fail(fmt.Errorf("failed to submit login form: %w", err))
		}
	}

	left := retry.Poll(ctx, i.cfg.LoginTimeout, i.timing.LocatePoll, func(ctx context.Context) bool {
		u, err := page.URL(ctx)
		return err == nil && !strings.Contains(strings.ToLower(u), strings.ToLower(i.target.LoginPath))
	})
	if !left {
		i.sink.Capture(ctx, page, "login_failed")
		return fail(ErrLoginRejected)
	}
	i.logger.Info("Logged in with credential pair.")
	return nil
}

func (i *Injector) onLoginPage(u string) bool {
	return strings.Contains(strings.ToLower(u), strings.ToLower(i.profile.LoginMarker))
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.ToLower(raw)
	}
	return strings.ToLower(u.Hostname())
}

func joinURL(base, path string) string {
	u, err := url.Parse(base)
	if err != nil {
		return strings.TrimRight(base, "/") + path
	}
	return u.ResolveReference(&url.URL{Path: path}).String()
}
