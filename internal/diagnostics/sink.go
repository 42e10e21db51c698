// Package diagnostics captures failure artifacts: a screenshot, the page
// markup and a JSON metadata record per capture.
package diagnostics

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"
	"github.com/xkilldash9x/autorenew/internal/browser"
	"github.com/xkilldash9x/autorenew/internal/config"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Redacted replaces every credential occurrence in captured text.
const Redacted = "[REDACTED]"

const captureTimeout = 15 * time.Second

// Sink receives capture requests. Captures are best effort and never fail
// the caller.
type Sink interface {
	Capture(ctx context.Context, page browser.Page, tag string)
}

// StageSetter is implemented by sinks that name files after the current stage.
type StageSetter interface {
	SetStage(stage string)
}

// Metadata is the JSON record written next to each capture.
type Metadata struct {
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id"`
	Stage     string    `json:"stage"`
	Tag       string    `json:"tag"`
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	UserAgent string    `json:"user_agent"`
}

// FileSink writes captures under a directory as
// <YYYYMMDD_HHMMSS>_<stage>_<tag>.{png,html,json}.
type FileSink struct {
	fs      afero.Fs
	dir     string
	runID   string
	secrets []string
	logger  *zap.Logger
	now     func() time.Time

	mu    sync.Mutex
	stage string
}

var _ Sink = (*FileSink)(nil)

// NewFileSink creates the capture directory and returns a sink writing into
// it. secrets are redacted from every text artifact.
func NewFileSink(fs afero.Fs, cfg config.DiagnosticsConfig, runID string, secrets []string, logger *zap.Logger) (*FileSink, error) {
	dir, err := homedir.Expand(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to expand diagnostics dir: %w", err)
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create diagnostics dir: %w", err)
	}

	sorted := make([]string, 0, len(secrets))
	for _, s := range secrets {
		if s != "" {
			sorted = append(sorted, s)
		}
	}
	// Longest first, so a secret containing another is replaced whole.
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })

	return &FileSink{
		fs:      fs,
		dir:     dir,
		runID:   runID,
		secrets: sorted,
		logger:  logger.Named("diagnostics"),
		now:     time.Now,
		stage:   "run",
	}, nil
}

// SetStage sets the stage used in later file names.
func (s *FileSink) SetStage(stage string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stage = stage
}

// Capture writes the screenshot, markup and metadata for page. A nil page
// records nothing. Each artifact is attempted independently.
func (s *FileSink) Capture(ctx context.Context, page browser.Page, tag string) {
	if page == nil {
		s.logger.Debug("No page to capture.", zap.String("tag", tag))
		return
	}

	// The caller's context may already be past its deadline; the capture
	// gets its own budget.
	cctx, cancel := context.WithTimeout(browser.Detach(ctx), captureTimeout)
	defer cancel()

	s.mu.Lock()
	stage := s.stage
	s.mu.Unlock()

	now := s.now()
	base := filepath.Join(s.dir, fmt.Sprintf("%s_%s_%s", now.Format("20060102_150405"), sanitize(stage), sanitize(tag)))

	// The page is driven one request at a time; only the file writes overlap.
	meta := Metadata{Timestamp: now, RunID: s.runID, Stage: stage, Tag: tag}
	shot, shotErr := s.screenshot(cctx, page)
	if shotErr != nil {
		s.logger.Warn("Screenshot capture failed.", zap.String("tag", tag), zap.Error(shotErr))
	}
	html, htmlErr := page.HTML(cctx)
	if htmlErr != nil {
		s.logger.Warn("Markup capture failed.", zap.String("tag", tag), zap.Error(htmlErr))
	}
	meta.URL, _ = page.URL(cctx)
	meta.Title, _ = page.Title(cctx)
	_ = page.Evaluate(cctx, "navigator.userAgent", &meta.UserAgent)
	meta.URL = s.redact(meta.URL)
	meta.Title = s.redact(meta.Title)

	var g errgroup.Group
	if shotErr == nil {
		g.Go(func() error {
			if err := afero.WriteFile(s.fs, base+".png", shot, 0o644); err != nil {
				s.logger.Warn("Failed to write screenshot.", zap.String("tag", tag), zap.Error(err))
			}
			return nil
		})
	}
	if htmlErr == nil {
		g.Go(func() error {
			if err := afero.WriteFile(s.fs, base+".html", []byte(s.redact(html)), 0o644); err != nil {
				s.logger.Warn("Failed to write markup.", zap.String("tag", tag), zap.Error(err))
			}
			return nil
		})
	}
	g.Go(func() error {
		raw, err := json.MarshalIndent(meta, "", "  ")
		if err == nil {
			err = afero.WriteFile(s.fs, base+".json", raw, 0o644)
		}
		return err
	})
	if err := g.Wait(); err != nil {
		s.logger.Warn("Failed to write capture metadata.", zap.String("tag", tag), zap.Error(err))
		return
	}
	s.logger.Info("Diagnostics captured.", zap.String("stage", stage), zap.String("tag", tag), zap.String("path", base))
}

// maskScript hides form fields holding any of the given secrets behind
// text-security discs, or restores them when on is false.
const maskScript = `(function(secrets, on) {
	var n = 0;
	document.querySelectorAll('input, textarea').forEach(function(el) {
		if (on) {
			var v = el.value || '';
			if (!secrets.some(function(s) { return s && v.indexOf(s) >= 0; })) return;
			el.setAttribute('data-renew-mask', el.style.webkitTextSecurity || '');
			el.style.webkitTextSecurity = 'disc';
			n++;
		} else if (el.hasAttribute('data-renew-mask')) {
			el.style.webkitTextSecurity = el.getAttribute('data-renew-mask');
			el.removeAttribute('data-renew-mask');
			n++;
		}
	});
	return n;
})(%s, %t)`

// screenshot takes the PNG with credential-bearing fields masked. Pixels are
// otherwise not redacted.
func (s *FileSink) screenshot(ctx context.Context, page browser.Page) ([]byte, error) {
	if len(s.secrets) > 0 {
		if list, err := json.Marshal(s.secrets); err == nil {
			var n int
			// Script errors can echo the source, so they are not logged.
			if page.Evaluate(ctx, fmt.Sprintf(maskScript, list, true), &n) != nil {
				s.logger.Debug("Failed to mask form fields.")
			}
			defer func() { _ = page.Evaluate(ctx, fmt.Sprintf(maskScript, list, false), &n) }()
		}
	}
	return page.Screenshot(ctx)
}

func (s *FileSink) redact(text string) string {
	return Redact(text, s.secrets)
}

// Redact replaces every occurrence of each secret in text.
func Redact(text string, secrets []string) string {
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		text = strings.ReplaceAll(text, secret, Redacted)
	}
	return text
}

var unsafeChars = regexp.MustCompile(`[^a-z0-9_\-]+`)

// sanitize lowercases name and replaces anything that is not safe in a file
// name with an underscore.
func sanitize(name string) string {
	out := unsafeChars.ReplaceAllString(strings.ToLower(name), "_")
	out = strings.Trim(out, "_")
	if out == "" {
		return "unnamed"
	}
	return out
}

// Nop discards every capture.
type Nop struct{}

func (Nop) Capture(context.Context, browser.Page, string) {}
