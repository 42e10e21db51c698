// Package workflow runs the renewal as a strictly forward sequence of stages.
// The first failing stage captures diagnostics and aborts the run.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xkilldash9x/autorenew/internal/auth"
	"github.com/xkilldash9x/autorenew/internal/browser"
	"github.com/xkilldash9x/autorenew/internal/challenge"
	"github.com/xkilldash9x/autorenew/internal/config"
	"github.com/xkilldash9x/autorenew/internal/diagnostics"
	"github.com/xkilldash9x/autorenew/internal/interact"
	"github.com/xkilldash9x/autorenew/internal/observability"
	"github.com/xkilldash9x/autorenew/internal/retry"
	"github.com/xkilldash9x/autorenew/internal/site"
	"github.com/xkilldash9x/autorenew/internal/verify"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Stage names one step of a run.
type Stage string

const (
	StageProvision    Stage = "PROVISION"
	StageLaunch       Stage = "LAUNCH"
	StageAuthenticate Stage = "AUTHENTICATE"
	StageNavigate     Stage = "NAVIGATE"
	StageTriggerRenew Stage = "TRIGGER_RENEW"
	StageConfirmModal Stage = "CONFIRM_MODAL"
	StageVerify       Stage = "VERIFY"
)

// Stages lists every stage in execution order.
var Stages = []Stage{
	StageProvision,
	StageLaunch,
	StageAuthenticate,
	StageNavigate,
	StageTriggerRenew,
	StageConfirmModal,
	StageVerify,
}

// ErrNoConfirmControl means a dialog appeared but nothing in it could be clicked.
var ErrNoConfirmControl = errors.New("no confirm control in dialog")

// StageError wraps the error that aborted a run with the stage it happened in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// NavigationError reports a page that did not offer the expected next step.
type NavigationError struct {
	Step string
	Err  error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }

// Provisioner prepares the extension directory.
type Provisioner interface {
	Ensure(ctx context.Context) (string, error)
}

// Launcher starts a browser session, loading the extension at extensionPath
// when it is non-empty.
type Launcher interface {
	Launch(ctx context.Context, extensionPath string) (browser.Browser, error)
}

// Result summarises a run.
type Result struct {
	RunID    string
	Outcome  verify.Outcome
	Stage    Stage
	Duration time.Duration
}

// Options wires a Runner.
type Options struct {
	Config      *config.Config
	Profile     site.Profile
	Provisioner Provisioner
	Launcher    Launcher
	Sink        diagnostics.Sink
	Metrics     *observability.Metrics
	Logger      *zap.Logger
	// RunID defaults to a fresh UUID.
	RunID string
}

// Runner executes one renewal run.
type Runner struct {
	cfg         *config.Config
	profile     site.Profile
	provisioner Provisioner
	launcher    Launcher
	sink        diagnostics.Sink
	metrics     *observability.Metrics
	logger      *zap.Logger
	runID       string
}

// New creates a Runner.
func New(opts Options) *Runner {
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	sink := opts.Sink
	if sink == nil {
		sink = diagnostics.Nop{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:         opts.Config,
		profile:     opts.Profile,
		provisioner: opts.Provisioner,
		launcher:    opts.Launcher,
		sink:        sink,
		metrics:     opts.Metrics,
		logger:      logger.Named("workflow").With(zap.String("run_id", runID)),
		runID:       runID,
	}
}

// RunID identifies this run in logs, metrics and diagnostics.
func (r *Runner) RunID() string { return r.runID }

// run holds the state one Run threads through its stages.
type run struct {
	*Runner
	res Result

	extensionPath string
	session       browser.Browser
	in            *interact.Interactor
	monitor       *challenge.Monitor
	injector      *auth.Injector
	verifier      *verify.Verifier
	dialog        browser.Element
}

// Run executes every stage in order. The browser session is closed on every
// return path.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Workflow.Timeout)
	defer cancel()

	ctx, span := observability.StartSpan(ctx, "renewal.run", trace.WithAttributes(observability.AttrRunID.String(r.runID)))
	defer span.End()

	st := &run{Runner: r, res: Result{RunID: r.runID, Outcome: verify.Unknown}}
	defer st.closeSession()

	r.logger.Info("Starting renewal run.",
		zap.String("mode", r.cfg.Credentials.Mode().String()),
		zap.String("profile", r.profile.Name),
		zap.String("target", r.cfg.Target.ResourceURL()))

	steps := []struct {
		stage Stage
		fn    func(context.Context) error
	}{
		{StageProvision, st.provision},
		{StageLaunch, st.launch},
		{StageAuthenticate, st.authenticate},
		{StageNavigate, st.navigate},
		{StageTriggerRenew, st.triggerRenew},
		{StageConfirmModal, st.confirmModal},
		{StageVerify, st.verify},
	}

	var err error
	for _, s := range steps {
		if err = st.runStage(ctx, s.stage, s.fn); err != nil {
			break
		}
	}

	st.res.Duration = time.Since(start)
	label := strings.ToUpper(st.res.Outcome.String())
	if err != nil {
		label = "FAILED"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("Renewal run failed.", zap.String("stage", string(st.res.Stage)), zap.Error(err), zap.Duration("duration", st.res.Duration))
	} else {
		r.logger.Info("Renewal run finished.", zap.Stringer("outcome", st.res.Outcome), zap.Duration("duration", st.res.Duration))
	}
	span.SetAttributes(observability.AttrOutcome.String(label))
	r.metrics.ObserveRun(label, st.res.Duration)
	return st.res, err
}

// runStage runs fn under its own span. A failure, or a panic, is captured
// before being wrapped in a *StageError.
func (st *run) runStage(ctx context.Context, stage Stage, fn func(context.Context) error) (err error) {
	st.res.Stage = stage
	if s, ok := st.sink.(diagnostics.StageSetter); ok {
		s.SetStage(string(stage))
	}
	log := st.logger.With(zap.String("stage", string(stage)))
	log.Info("Entering stage.")

	sctx, span := observability.StartSpan(ctx, "stage."+strings.ToLower(string(stage)),
		trace.WithAttributes(observability.AttrStage.String(string(stage))))
	defer span.End()

	began := time.Now()
	tag := strings.ToLower(string(stage))
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("unexpected panic: %v", p)
			tag = "crash"
		}
		st.metrics.ObserveStage(string(stage), time.Since(began), err)
		if err == nil {
			log.Debug("Stage complete.", zap.Duration("elapsed", time.Since(began)))
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if st.session != nil {
			span.AddEvent("capture", trace.WithAttributes(observability.AttrTag.String(tag)))
			st.sink.Capture(ctx, st.session, tag)
		}
		err = &StageError{Stage: stage, Err: err}
	}()

	return fn(sctx)
}

func (st *run) closeSession() {
	if st.session == nil {
		return
	}
	if err := st.session.Close(); err != nil {
		st.logger.Warn("Failed to close browser session.", zap.Error(err))
	}
}

func (st *run) provision(ctx context.Context) error {
	if !st.cfg.Extension.Enabled {
		st.logger.Info("Extension disabled; launching without it.")
		return nil
	}
	path, err := st.provisioner.Ensure(ctx)
	if err != nil {
		if st.cfg.Extension.Required {
			return err
		}
		st.logger.Warn("Continuing without extension.", zap.Error(err))
		return nil
	}
	st.extensionPath = path
	return nil
}

func (st *run) launch(ctx context.Context) error {
	b, err := st.launcher.Launch(ctx, st.extensionPath)
	if err != nil {
		return err
	}
	st.session = b

	st.in = interact.New(b, st.sink, st.metrics, st.cfg.Timing, st.logger)
	st.monitor = challenge.NewMonitor(st.in, st.profile, st.cfg.Challenge, st.sink, st.metrics, st.logger)
	st.injector = auth.New(st.in, st.monitor, st.profile, st.cfg, st.sink, st.logger)
	st.verifier = verify.New(st.profile.Outcomes, st.cfg.Timing.VerifyTimeout, st.cfg.Timing.VerifyPoll, st.logger)
	return nil
}

func (st *run) authenticate(ctx context.Context) error {
	return st.injector.Authenticate(ctx, st.cfg.Credentials)
}

// tolerate waits out an interstitial, logging rather than failing on timeout.
func (st *run) tolerate(ctx context.Context, scope browser.Element, tag string) {
	if err := st.monitor.Wait(ctx, scope, tag); err != nil {
		if ctx.Err() != nil {
			return
		}
		st.logger.Warn("Proceeding despite challenge.", zap.String("tag", tag), zap.Error(err))
	}
}

func (st *run) navigate(ctx context.Context) error {
	target := st.cfg.Target.ResourceURL()
	if err := st.session.Navigate(ctx, target); err != nil {
		return fmt.Errorf("failed to open %s: %w", target, err)
	}
	st.tolerate(ctx, nil, "server_page")
	return retry.Sleep(ctx, st.cfg.Timing.NavigateSettle)
}

func (st *run) triggerRenew(ctx context.Context) error {
	btn := st.in.Locate(ctx, nil, st.profile.Renew, st.cfg.Timing.ElementTimeout)
	switch {
	case btn != nil:
		if !st.in.ClickRobust(ctx, btn, st.cfg.Timing.ClickAttempts, "renew_button") {
			return fmt.Errorf("renew control: %w", interact.ErrClickExhausted)
		}
	case st.in.ClickByText(ctx, nil, st.profile.RenewTexts, "renew_button"):
	default:
		// Possibly already renewed or not yet eligible; VERIFY decides.
		st.logger.Warn("Renew control not found; skipping to verification.")
		return ctx.Err()
	}

	if err := retry.Sleep(ctx, st.cfg.Timing.ModalSettle); err != nil {
		return err
	}
	st.dialog = st.in.Locate(ctx, nil, st.profile.Dialog, st.cfg.Timing.ModalTimeout)
	if st.dialog == nil {
		st.logger.Warn("No confirmation dialog appeared.")
	}
	return ctx.Err()
}

func (st *run) confirmModal(ctx context.Context) error {
	if st.dialog == nil {
		st.logger.Info("No dialog to confirm; renewal may not need one.")
		return nil
	}
	st.tolerate(ctx, st.dialog, "renew_modal")

	confirm := st.in.Locate(ctx, st.dialog, st.profile.Confirm, st.cfg.Timing.ConfirmTimeout)
	if confirm == nil {
		st.logger.Warn("Confirm control not found; trying scripted fallback.")
		if st.in.ClickByText(ctx, st.dialog, st.profile.ConfirmTexts, "confirm_renew") {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return &NavigationError{Step: "confirm_renew", Err: ErrNoConfirmControl}
	}

	enabled, err := confirm.Enabled(ctx)
	if err == nil && !enabled {
		st.logger.Info("Confirm control is disabled; renewal not currently permitted.")
		return nil
	}
	if !st.in.ClickRobust(ctx, confirm, st.cfg.Timing.ClickAttempts, "confirm_renew") {
		return fmt.Errorf("confirm control: %w", interact.ErrClickExhausted)
	}
	return nil
}

func (st *run) verify(ctx context.Context) error {
	if err := retry.Sleep(ctx, st.cfg.Timing.VerifySettle); err != nil {
		return err
	}
	st.res.Outcome = st.verifier.Await(ctx, st.session)
	observability.AddEvent(ctx, "outcome", observability.AttrOutcome.String(st.res.Outcome.String()))
	return nil
}
