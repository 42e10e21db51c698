package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/autorenew/internal/browser"
	"github.com/xkilldash9x/autorenew/internal/browser/browsertest"
	"github.com/xkilldash9x/autorenew/internal/config"
	"github.com/xkilldash9x/autorenew/internal/interact"
	"github.com/xkilldash9x/autorenew/internal/retry"
	"github.com/xkilldash9x/autorenew/internal/site"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const (
	token     = "NzkyNzE1NDU0MTk2MDg4ODQy.X-hvzA.Ovy4MCQywSkoMRRclStW4xAYK7I"
	dashboard = "https://dashboard.katabump.com/"
)

var (
	emailField = browser.CSS(`input[name="email"]`)
	passField  = browser.CSS(`input[name="password"]`)
	submitBtn  = browser.CSS(`button[type="submit"]`)
)

type stubWaiter struct {
	mu   sync.Mutex
	tags []string
	err  error
}

func (s *stubWaiter) Wait(_ context.Context, _ browser.Element, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags = append(s.tags, tag)
	return s.err
}

// storage fakes the provider's localStorage behind Evaluate.
type storage struct {
	mu       sync.Mutex
	value    string
	sets     int
	failSets int
	scripts  []string
}

func (s *storage) eval(script string) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case strings.Contains(script, "getItem"):
		return s.value, nil
	case strings.Contains(script, "setItem"):
		s.sets++
		s.scripts = append(s.scripts, script)
		if s.sets <= s.failSets {
			return nil, errors.New("TypeError: Cannot read properties of undefined (reading 'setItem')")
		}
		s.value = `"` + token + `"`
		return true, nil
	default:
		return nil, nil
	}
}

type fixture struct {
	page   *browsertest.Page
	sink   *browsertest.RecordingSink
	waiter *stubWaiter
	store  *storage
	logs   *observer.ObservedLogs
	inj    *Injector
}

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Auth.InjectionDelay = retry.Fixed(time.Millisecond)
	cfg.Auth.DeferredDelay = 4 * time.Millisecond
	cfg.Auth.ReloadSettle = retry.Fixed(time.Millisecond)
	cfg.Auth.FieldCheckTimeout = 30 * time.Millisecond
	cfg.Auth.LoginTimeout = 100 * time.Millisecond
	cfg.Auth.AuthorizeTimeout = 100 * time.Millisecond
	cfg.Auth.ReturnTimeout = 100 * time.Millisecond
	cfg.Timing.ElementTimeout = 100 * time.Millisecond
	cfg.Timing.ConfirmTimeout = 30 * time.Millisecond
	cfg.Timing.LocatePoll = retry.Fixed(2 * time.Millisecond)
	cfg.Timing.ClickDelay = retry.Fixed(time.Millisecond)
	cfg.Timing.ModalSettle = retry.Fixed(time.Millisecond)
	return cfg
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	profile, err := site.Lookup(site.Default)
	require.NoError(t, err)

	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)
	cfg := testConfig()

	f := &fixture{
		page:   browsertest.NewPage(),
		sink:   &browsertest.RecordingSink{},
		waiter: &stubWaiter{},
		store:  &storage{},
		logs:   logs,
	}
	f.page.EvalFunc = f.store.eval
	f.page.Add(browser.Tag("body"), browsertest.NewElement("body"))

	in := interact.New(f.page, f.sink, nil, cfg.Timing, logger)
	f.inj = New(in, f.waiter, profile, cfg, f.sink, logger)
	return f
}

func (f *fixture) assertTokenNeverLogged(t *testing.T) {
	t.Helper()
	for _, entry := range f.logs.All() {
		assert.NotContains(t, entry.Message, token)
		assert.NotContains(t, fmt.Sprint(entry.ContextMap()), token)
	}
}

func TestInjectTokenFirstStrategy(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.inj.InjectToken(context.Background(), token))

	assert.Equal(t, []string{"https://discord.com/login"}, f.page.Navigations())
	assert.Equal(t, []string{"provider_login"}, f.waiter.tags)
	assert.Equal(t, 1, f.page.CookieClears())
	assert.Equal(t, 1, f.page.Reloads())
	assert.Equal(t, 1, f.store.sets)
	assert.Contains(t, f.store.scripts[0], `"\"`+token+`\""`, "token is stored JSON-quoted")
	assert.Empty(t, f.sink.Tags())
	f.assertTokenNeverLogged(t)
}

func TestInjectTokenCyclesStrategies(t *testing.T) {
	f := newFixture(t)
	f.store.failSets = 2

	require.NoError(t, f.inj.InjectToken(context.Background(), token))
	require.Len(t, f.store.scripts, 3)
	assert.NotContains(t, f.store.scripts[0], "__renewStorage")
	assert.Contains(t, f.store.scripts[1], "typeof s.setItem")
	assert.Contains(t, f.store.scripts[2], "setTimeout")
	f.assertTokenNeverLogged(t)
}

func TestInjectTokenAllStrategiesFail(t *testing.T) {
	f := newFixture(t)
	f.store.failSets = 100

	err := f.inj.InjectToken(context.Background(), token)
	require.Error(t, err)

	var ierr *InjectionError
	require.True(t, errors.As(err, &ierr))
	assert.Equal(t, config.ModeToken, ierr.Mode)
	assert.ErrorIs(t, err, ErrNotPersisted)
	assert.Equal(t, 5, f.store.sets)
	assert.Equal(t, []string{"token_inject_fail"}, f.sink.Tags())
	assert.Zero(t, f.page.Reloads())
	f.assertTokenNeverLogged(t)
}

func TestInjectTokenMismatchedReadBack(t *testing.T) {
	f := newFixture(t)
	f.page.EvalFunc = func(script string) (interface{}, error) {
		if strings.Contains(script, "getItem") {
			return token, nil // unquoted: not what was written
		}
		return true, nil
	}

	err := f.inj.InjectToken(context.Background(), token)
	assert.ErrorIs(t, err, ErrNotPersisted)
}

func TestInjectTokenRejected(t *testing.T) {
	f := newFixture(t)
	f.page.ReloadFunc = func() error {
		f.page.Add(emailField, browsertest.NewElement("email"))
		return nil
	}

	err := f.inj.InjectToken(context.Background(), token)
	assert.ErrorIs(t, err, ErrTokenRejected)
	assert.Equal(t, []string{"token_invalid"}, f.sink.Tags())
}

func TestInjectTokenWipedOnReload(t *testing.T) {
	f := newFixture(t)
	f.page.ReloadFunc = func() error {
		f.store.mu.Lock()
		f.store.value = ""
		f.store.mu.Unlock()
		return nil
	}

	err := f.inj.InjectToken(context.Background(), token)
	var ierr *InjectionError
	require.True(t, errors.As(err, &ierr))
	assert.Equal(t, config.ModeToken, ierr.Mode)
	assert.ErrorIs(t, err, ErrTokenRejected)
	assert.Equal(t, []string{"token_invalid"}, f.sink.Tags())
	assert.Equal(t, 1, f.page.Reloads())
	f.assertTokenNeverLogged(t)
}

func TestInjectTokenEmpty(t *testing.T) {
	f := newFixture(t)
	err := f.inj.InjectToken(context.Background(), "")
	assert.ErrorIs(t, err, config.ErrMissingCredential)
	assert.Empty(t, f.page.Navigations())
}

func TestInjectTokenToleratesChallenge(t *testing.T) {
	f := newFixture(t)
	f.waiter.err = errors.New("challenge still present")
	require.NoError(t, f.inj.InjectToken(context.Background(), token))
}

// dashboardLoggedOut makes the dashboard bounce to its login page until
// loggedIn is set.
func dashboardLoggedOut(f *fixture, loggedIn *bool) {
	f.page.NavigateFunc = func(u string) error {
		if u == dashboard && !*loggedIn {
			f.page.SetURL(dashboard + "login")
		}
		return nil
	}
}

func TestHandOffAlreadyLoggedIn(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.inj.HandOff(context.Background()))
	assert.Equal(t, []string{dashboard}, f.page.Navigations())
	assert.Equal(t, []string{"dashboard_home"}, f.waiter.tags)
}

func TestHandOffFullFlow(t *testing.T) {
	f := newFixture(t)
	loggedIn := false
	dashboardLoggedOut(f, &loggedIn)

	login := browsertest.NewElement("login with discord")
	login.ClickFunc = func(string) error {
		f.page.SetURL("https://discord.com/oauth2/authorize?client_id=1")
		return nil
	}
	authorize := browsertest.NewElement("authorize")
	authorize.ClickFunc = func(string) error {
		f.page.SetURL(dashboard + "servers")
		return nil
	}
	f.page.Add(browser.Text("Login with Discord"), login)
	f.page.Add(browser.Text("Authorize"), authorize)

	require.NoError(t, f.inj.HandOff(context.Background()))
	assert.Len(t, login.Clicks(), 1)
	assert.Len(t, authorize.Clicks(), 1)
	assert.Equal(t, []string{"dashboard_home", "provider_authorize"}, f.waiter.tags)
	assert.Empty(t, f.sink.Tags())
}

func TestHandOffAuthorizeFallsBackToText(t *testing.T) {
	f := newFixture(t)
	loggedIn := false
	dashboardLoggedOut(f, &loggedIn)

	login := browsertest.NewElement("login")
	login.ClickFunc = func(string) error {
		f.page.SetURL("https://discord.com/oauth2/authorize?client_id=1")
		return nil
	}
	f.page.Add(browser.Text("Login with Discord"), login)

	byText := browsertest.NewElement("authorize-div")
	byText.ClickFunc = func(string) error {
		f.page.SetURL(dashboard)
		return nil
	}
	f.page.Add(browser.XPath(browser.ContainsTextXPath("Authorize")), byText)

	require.NoError(t, f.inj.HandOff(context.Background()))
	assert.Equal(t, []string{browsertest.Scripted}, byText.Clicks())
}

func TestHandOffMissingLoginControl(t *testing.T) {
	f := newFixture(t)
	loggedIn := false
	dashboardLoggedOut(f, &loggedIn)

	err := f.inj.HandOff(context.Background())
	var nerr *NavigationError
	require.True(t, errors.As(err, &nerr))
	assert.Equal(t, "find_login", nerr.Step)
	assert.ErrorIs(t, err, ErrControlMissing)
	assert.Equal(t, []string{"no_login_button"}, f.sink.Tags())
}

func TestHandOffStuckOnProvider(t *testing.T) {
	f := newFixture(t)
	loggedIn := false
	dashboardLoggedOut(f, &loggedIn)

	login := browsertest.NewElement("login")
	login.ClickFunc = func(string) error {
		f.page.SetURL("https://discord.com/oauth2/authorize?client_id=1")
		return nil
	}
	f.page.Add(browser.Text("Login with Discord"), login)
	f.page.Add(browser.Text("Authorize"), browsertest.NewElement("authorize"))

	err := f.inj.HandOff(context.Background())
	var nerr *NavigationError
	require.True(t, errors.As(err, &nerr))
	assert.Equal(t, "return_dashboard", nerr.Step)
	assert.Contains(t, f.sink.Tags(), "login_return_failed")
	// One forced return to the dashboard after the provider stalled.
	assert.Equal(t, []string{dashboard, dashboard}, f.page.Navigations())
}

func TestHandOffRecoversByNavigatingBack(t *testing.T) {
	f := newFixture(t)
	loggedIn := false
	dashboardLoggedOut(f, &loggedIn)

	login := browsertest.NewElement("login")
	login.ClickFunc = func(string) error {
		f.page.SetURL("https://discord.com/oauth2/authorize?client_id=1")
		return nil
	}
	authorize := browsertest.NewElement("authorize")
	authorize.ClickFunc = func(string) error {
		// Consent granted but the redirect never happened.
		loggedIn = true
		return nil
	}
	f.page.Add(browser.Text("Login with Discord"), login)
	f.page.Add(browser.Text("Authorize"), authorize)

	require.NoError(t, f.inj.HandOff(context.Background()))
	assert.Empty(t, f.sink.Tags())
}

func TestLoginWithPair(t *testing.T) {
	f := newFixture(t)
	email := browsertest.NewElement("email")
	pass := browsertest.NewElement("password")
	submit := browsertest.NewElement("submit")
	submit.ClickFunc = func(string) error {
		f.page.SetURL(dashboard + "servers")
		return nil
	}
	f.page.Add(emailField, email).Add(passField, pass).Add(submitBtn, submit)

	require.NoError(t, f.inj.LoginWithPair(context.Background(), "operator@example.com", "hunter2"))
	assert.Equal(t, []string{dashboard + "login"}, f.page.Navigations())
	assert.Equal(t, "operator@example.com", email.Value)
	assert.Equal(t, "hunter2", pass.Value)
	assert.Len(t, submit.Clicks(), 1)
	assert.Zero(t, pass.Submitted())
}

func TestLoginWithPairSubmitsWithoutButton(t *testing.T) {
	f := newFixture(t)
	pass := browsertest.NewElement("password")
	f.page.Add(emailField, browsertest.NewElement("email")).Add(passField, pass)

	err := f.inj.LoginWithPair(context.Background(), "operator@example.com", "hunter2")
	assert.Equal(t, 1, pass.Submitted())

	var ierr *InjectionError
	require.True(t, errors.As(err, &ierr))
	assert.Equal(t, config.ModePair, ierr.Mode)
	assert.ErrorIs(t, err, ErrLoginRejected)
	assert.Equal(t, []string{"login_failed"}, f.sink.Tags())
}

func TestLoginWithPairMissingField(t *testing.T) {
	f := newFixture(t)
	err := f.inj.LoginWithPair(context.Background(), "operator@example.com", "hunter2")
	assert.ErrorIs(t, err, ErrControlMissing)
	assert.Equal(t, []string{"no_identifier_field"}, f.sink.Tags())
}

func TestAuthenticateDispatch(t *testing.T) {
	f := newFixture(t)
	err := f.inj.Authenticate(context.Background(), config.Credentials{})
	assert.ErrorIs(t, err, config.ErrMissingCredential)

	require.NoError(t, f.inj.Authenticate(context.Background(), config.Credentials{Token: token}))
	assert.Equal(t, []string{"https://discord.com/login", dashboard}, f.page.Navigations())
	f.assertTokenNeverLogged(t)
}
