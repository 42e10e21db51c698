package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/autorenew/internal/browser"
	"github.com/xkilldash9x/autorenew/internal/browser/browsertest"
	"github.com/xkilldash9x/autorenew/internal/config"
	"github.com/xkilldash9x/autorenew/internal/interact"
	"github.com/xkilldash9x/autorenew/internal/observability"
	"github.com/xkilldash9x/autorenew/internal/retry"
	"github.com/xkilldash9x/autorenew/internal/site"
	"github.com/xkilldash9x/autorenew/internal/verify"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	dashboardURL = "https://dashboard.katabump.com/"
	serverURL    = "https://dashboard.katabump.com/servers/edit?id=42"
)

var (
	emailField    = browser.CSS(`input[name="email"]`)
	passwordField = browser.CSS(`input[name="password"]`)
	submitButton  = browser.CSS(`button[type="submit"]`)
	renewButton   = browser.Control("Renew")
	dialogLocator = browser.CSS(`[role="dialog"]`)
	challengeCSS  = browser.CSS(`iframe[src*="challenges.cloudflare.com"]`)
)

type stubProvisioner struct {
	path  string
	err   error
	calls int
}

func (s *stubProvisioner) Ensure(context.Context) (string, error) {
	s.calls++
	return s.path, s.err
}

type stubLauncher struct {
	browser *browsertest.Browser
	err     error
	paths   []string
}

func (s *stubLauncher) Launch(_ context.Context, extensionPath string) (browser.Browser, error) {
	s.paths = append(s.paths, extensionPath)
	if s.err != nil {
		return nil, s.err
	}
	return s.browser, nil
}

type fixture struct {
	cfg         *config.Config
	page        *browsertest.Page
	browser     *browsertest.Browser
	sink        *browsertest.RecordingSink
	metrics     *observability.Metrics
	provisioner *stubProvisioner
	launcher    *stubLauncher
	submit      *browsertest.Element
}

func fastConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Extension.Enabled = false
	cfg.Credentials = config.Credentials{Identifier: "operator@example.com", Secret: "hunter2"}
	cfg.Target.ServerID = "42"
	cfg.Workflow.Timeout = 5 * time.Second

	cfg.Timing.ElementTimeout = 40 * time.Millisecond
	cfg.Timing.LocatePoll = retry.Fixed(2 * time.Millisecond)
	cfg.Timing.ClickAttempts = 2
	cfg.Timing.ClickDelay = retry.Fixed(time.Millisecond)
	cfg.Timing.NavigateSettle = retry.Fixed(time.Millisecond)
	cfg.Timing.ModalSettle = retry.Fixed(time.Millisecond)
	cfg.Timing.ModalTimeout = 30 * time.Millisecond
	cfg.Timing.ConfirmTimeout = 30 * time.Millisecond
	cfg.Timing.VerifySettle = retry.Fixed(time.Millisecond)
	cfg.Timing.VerifyTimeout = 50 * time.Millisecond
	cfg.Timing.VerifyPoll = retry.Fixed(5 * time.Millisecond)

	cfg.Challenge.Timeout = 40 * time.Millisecond
	cfg.Challenge.PollInterval = 5 * time.Millisecond
	cfg.Challenge.AssistAfter = 10 * time.Millisecond
	cfg.Challenge.AssistInterval = time.Hour
	cfg.Challenge.AssistAttempts = 1

	cfg.Auth.LoginTimeout = 50 * time.Millisecond
	return cfg
}

// newFixture serves a dashboard login form whose submit button logs in.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	page := browsertest.NewPage()
	f := &fixture{
		cfg:         fastConfig(),
		page:        page,
		browser:     browsertest.NewBrowser(page),
		sink:        &browsertest.RecordingSink{},
		metrics:     observability.NewMetrics(),
		provisioner: &stubProvisioner{path: "/work/silk_ext"},
		submit:      browsertest.NewElement("submit"),
	}
	f.launcher = &stubLauncher{browser: f.browser}

	f.submit.ClickFunc = func(string) error {
		page.Set(dashboardURL, "Dashboard", "Your servers")
		return nil
	}
	page.Add(emailField, browsertest.NewElement("email"))
	page.Add(passwordField, browsertest.NewElement("password"))
	page.Add(submitButton, f.submit)
	return f
}

func (f *fixture) runner(t *testing.T) *Runner {
	t.Helper()
	profile, err := site.Lookup(site.Default)
	require.NoError(t, err)
	return New(Options{
		Config:      f.cfg,
		Profile:     profile,
		Provisioner: f.provisioner,
		Launcher:    f.launcher,
		Sink:        f.sink,
		Metrics:     f.metrics,
		Logger:      zaptest.NewLogger(t),
		RunID:       "run-1",
	})
}

// serverPage renders the server page once NAVIGATE opens it.
func (f *fixture) serverPage(title, text string) {
	f.page.NavigateFunc = func(url string) error {
		if url == serverURL {
			f.page.Set(serverURL, title, text)
		}
		return nil
	}
}

func (f *fixture) renewWithDialog(confirm *browsertest.Element) {
	renew := browsertest.NewElement("renew")
	dialog := browsertest.NewElement("dialog")
	dialog.Label = "Renew your server for another period?"
	if confirm != nil {
		dialog.Add(browser.Control("Renew"), confirm)
	}
	renew.ClickFunc = func(string) error {
		f.page.Add(dialogLocator, dialog)
		return nil
	}
	f.page.Add(renewButton, renew)
}

func TestRunRenewed(t *testing.T) {
	f := newFixture(t)
	f.serverPage("Server", "Expires soon")

	confirm := browsertest.NewElement("confirm")
	confirm.ClickFunc = func(string) error {
		f.page.SetText("Your server has been renewed successfully.")
		return nil
	}
	f.renewWithDialog(confirm)

	res, err := f.runner(t).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, verify.Renewed, res.Outcome)
	assert.Equal(t, StageVerify, res.Stage)
	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, []string{browsertest.Native}, confirm.Clicks())
	assert.Contains(t, f.page.Navigations(), serverURL)
	assert.Empty(t, f.sink.Tags())
	assert.Equal(t, 1, f.browser.Closes())
	assert.Equal(t, 0, f.provisioner.calls)
	assert.Equal(t, []string{""}, f.launcher.paths)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Runs().WithLabelValues("RENEWED")))
}

func TestRunDisabledConfirmIsNotYetEligible(t *testing.T) {
	f := newFixture(t)
	f.serverPage("Server", "You can't renew this server yet.")

	confirm := browsertest.NewElement("confirm")
	confirm.Disabled = true
	f.renewWithDialog(confirm)

	res, err := f.runner(t).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, verify.NotYetEligible, res.Outcome)
	assert.Empty(t, confirm.Clicks(), "a disabled control is never clicked")
	assert.Empty(t, f.sink.Tags())
	assert.Equal(t, 1, f.browser.Closes())
}

func TestRunMissingRenewControlSkipsToVerify(t *testing.T) {
	f := newFixture(t)
	f.serverPage("Server", "This server cannot renew until tomorrow.")

	res, err := f.runner(t).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, verify.NotYetEligible, res.Outcome)
	assert.Empty(t, f.sink.Tags())
}

func TestRunPersistentChallengeIsBlocked(t *testing.T) {
	f := newFixture(t)
	f.serverPage("Just a moment...", "Checking your browser before accessing the dashboard.")

	res, err := f.runner(t).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, verify.BlockedByChallenge, res.Outcome)
	assert.Equal(t, []string{"challenge_server_page"}, f.sink.Tags())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Runs().WithLabelValues("BLOCKED_BY_CHALLENGE")))
	assert.Equal(t, 1, f.browser.Closes())
}

func TestRunChallengeClearedByAssist(t *testing.T) {
	f := newFixture(t)
	frame := browsertest.NewElement("turnstile")
	frame.ClickFunc = func(string) error {
		f.page.Remove(challengeCSS)
		f.page.Set(serverURL, "Server", "Expires soon")
		return nil
	}
	f.page.NavigateFunc = func(url string) error {
		if url == serverURL {
			f.page.Set(serverURL, "Just a moment...", "")
			f.page.Add(challengeCSS, frame)
		}
		return nil
	}

	confirm := browsertest.NewElement("confirm")
	confirm.ClickFunc = func(string) error {
		f.page.SetText("Renew success")
		return nil
	}
	f.renewWithDialog(confirm)

	res, err := f.runner(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, verify.Renewed, res.Outcome)
	assert.Len(t, frame.Clicks(), 1)
	assert.Empty(t, f.sink.Tags())
}

func TestRunConfirmMissingIsFatal(t *testing.T) {
	f := newFixture(t)
	f.serverPage("Server", "Expires soon")
	f.renewWithDialog(nil)

	res, err := f.runner(t).Run(context.Background())
	require.Error(t, err)

	var serr *StageError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, StageConfirmModal, serr.Stage)
	assert.ErrorIs(t, err, ErrNoConfirmControl)

	var nerr *NavigationError
	require.True(t, errors.As(err, &nerr))
	assert.Equal(t, "confirm_renew", nerr.Step)

	assert.Equal(t, StageConfirmModal, res.Stage)
	assert.Equal(t, verify.Unknown, res.Outcome)
	require.Len(t, f.sink.Captures(), 1)
	assert.Equal(t, browsertest.Capture{Stage: string(StageConfirmModal), Tag: "confirm_modal", URL: serverURL}, f.sink.Captures()[0])
	assert.Equal(t, 1, f.browser.Closes())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StageFailures().WithLabelValues(string(StageConfirmModal))))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Runs().WithLabelValues("FAILED")))
}

func TestRunRenewClickExhausted(t *testing.T) {
	f := newFixture(t)
	f.serverPage("Server", "Expires soon")
	renew := browsertest.NewElement("renew")
	renew.ClickFunc = func(string) error { return errors.New("element is covered") }
	f.page.Add(renewButton, renew)

	_, err := f.runner(t).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, interact.ErrClickExhausted)
	assert.Equal(t, []string{"click_failed_renew_button", "trigger_renew"}, f.sink.Tags())
	assert.Equal(t, 1, f.browser.Closes())
}

func TestRunLoginRejected(t *testing.T) {
	f := newFixture(t)
	f.submit.ClickFunc = nil

	res, err := f.runner(t).Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, StageAuthenticate, res.Stage)
	assert.Equal(t, []string{"login_failed", "authenticate"}, f.sink.Tags())
	assert.NotContains(t, f.page.Navigations(), serverURL)
	assert.Equal(t, 1, f.browser.Closes())
}

func TestRunLaunchFailure(t *testing.T) {
	f := newFixture(t)
	f.launcher.err = errors.New("chrome not found")

	res, err := f.runner(t).Run(context.Background())
	require.Error(t, err)

	var serr *StageError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, StageLaunch, serr.Stage)
	assert.Equal(t, StageLaunch, res.Stage)
	assert.Empty(t, f.sink.Tags(), "nothing to capture without a page")
	assert.Equal(t, 0, f.browser.Closes())
}

func TestRunProvisioning(t *testing.T) {
	t.Run("path handed to launcher", func(t *testing.T) {
		f := newFixture(t)
		f.cfg.Extension.Enabled = true
		f.serverPage("Server", "Renewed")

		_, err := f.runner(t).Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, f.provisioner.calls)
		assert.Equal(t, []string{"/work/silk_ext"}, f.launcher.paths)
	})

	t.Run("required failure is fatal", func(t *testing.T) {
		f := newFixture(t)
		f.cfg.Extension.Enabled = true
		f.cfg.Extension.Required = true
		f.provisioner.err = errors.New("download failed")

		res, err := f.runner(t).Run(context.Background())
		require.Error(t, err)
		assert.Equal(t, StageProvision, res.Stage)
		assert.Empty(t, f.launcher.paths)
	})

	t.Run("optional failure launches without extension", func(t *testing.T) {
		f := newFixture(t)
		f.cfg.Extension.Enabled = true
		f.cfg.Extension.Required = false
		f.provisioner.err = errors.New("download failed")
		f.serverPage("Server", "Renewed")

		_, err := f.runner(t).Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{""}, f.launcher.paths)
	})
}

func TestRunPanicIsCapturedAsCrash(t *testing.T) {
	f := newFixture(t)
	f.page.NavigateFunc = func(url string) error {
		if url == serverURL {
			panic("renderer gone")
		}
		return nil
	}

	_, err := f.runner(t).Run(context.Background())
	require.Error(t, err)
	var serr *StageError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, StageNavigate, serr.Stage)
	assert.Equal(t, []string{"crash"}, f.sink.Tags())
	assert.Equal(t, 1, f.browser.Closes())
}

func TestNewGeneratesRunID(t *testing.T) {
	r := New(Options{Config: fastConfig(), Logger: zaptest.NewLogger(t)})
	assert.Len(t, r.RunID(), 36)
}
