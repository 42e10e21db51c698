package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/xkilldash9x/autorenew/internal/browser/stealth"
	"github.com/xkilldash9x/autorenew/internal/config"
	"github.com/xkilldash9x/autorenew/internal/retry"
	"go.uber.org/zap"
)

// ErrSessionClosed is returned by every Page method after Close.
var ErrSessionClosed = errors.New("browser session closed")

// maxMatches bounds how many elements a single QueryAll returns.
const maxMatches = 16

const queryJS = `function(kind, expr, index) {
	var root = this;
	var found = [];
	if (kind === 'xpath') {
		var doc = root.ownerDocument || root;
		var snap = doc.evaluate(expr, root, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);
		for (var i = 0; i < snap.snapshotLength; i++) {
			var n = snap.snapshotItem(i);
			if (n.nodeType === 1) found.push(n);
		}
	} else {
		found = Array.prototype.slice.call(root.querySelectorAll(expr));
	}
	return found[index] || null;
}`

// Launcher starts Chromium sessions.
type Launcher struct {
	cfg    config.BrowserConfig
	logger *zap.Logger
}

// NewLauncher creates a Launcher for cfg.
func NewLauncher(cfg config.BrowserConfig, logger *zap.Logger) *Launcher {
	return &Launcher{cfg: cfg, logger: logger.Named("browser")}
}

// Launch starts a browser, loading the extension at extensionPath when it is
// non-empty, and applies the stealth persona to its tab.
func (l *Launcher) Launch(ctx context.Context, extensionPath string) (Browser, error) {
	opts := AllocatorOptions(l.cfg, extensionPath)

	// The browser lives until Close, not until ctx is done; operations
	// combine their own contexts with the session context.
	allocCtx, allocCancel := chromedp.NewExecAllocator(Detach(ctx), opts...)

	ctxOpts := []chromedp.ContextOption{
		chromedp.WithLogf(l.logger.Sugar().Debugf),
		chromedp.WithErrorf(l.logger.Sugar().Debugf),
	}
	if l.cfg.Debug {
		ctxOpts = append(ctxOpts, chromedp.WithDebugf(l.logger.Sugar().Debugf))
	}
	tabCtx, tabCancel := chromedp.NewContext(allocCtx, ctxOpts...)

	s := &Session{
		ctx:         tabCtx,
		cancel:      tabCancel,
		allocCancel: allocCancel,
		cfg:         l.cfg,
		logger:      l.logger,
	}

	// The first Run allocates the browser and ties it to the context it is
	// given, so it runs on the tab context itself rather than a derived one.
	if err := chromedp.Run(tabCtx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}
	if err := s.run(ctx, stealth.Apply(stealth.PersonaFromConfig(l.cfg), l.logger)); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to apply stealth persona: %w", err)
	}

	l.logger.Info("Browser session started.",
		zap.Bool("headless", l.cfg.Headless),
		zap.Bool("extension", extensionPath != ""),
	)
	return s, nil
}

// Session is a chromedp-driven browser with a single tab. It implements Browser.
type Session struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	cfg         config.BrowserConfig
	logger      *zap.Logger

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

var _ Browser = (*Session)(nil)

// run executes actions on the tab under opCtx's deadline and cancellation.
func (s *Session) run(opCtx context.Context, actions ...chromedp.Action) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrSessionClosed
	}
	ctx, cancel := CombineContext(s.ctx, opCtx)
	defer cancel()
	return chromedp.Run(ctx, actions...)
}

// Close shuts the browser down. It is safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		// Cancel closes the tab and browser gracefully; allocCancel then
		// kills the process and removes its profile directory.
		err = chromedp.Cancel(s.ctx)
		s.cancel()
		s.allocCancel()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		s.logger.Debug("Browser session closed.")
	})
	return err
}

// Navigate loads url, retrying per the navigation policy. Each attempt is
// bounded by the page load timeout.
func (s *Session) Navigate(ctx context.Context, url string) error {
	policy := retry.Policy{
		Attempts: s.cfg.NavigationAttempts,
		Delay:    s.cfg.NavigationDelay,
		Notify: func(err error, next time.Duration) {
			s.logger.Warn("Navigation failed, retrying.", zap.String("url", url), zap.Error(err), zap.Duration("backoff", next))
		},
	}
	return retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		navCtx, cancel := s.loadContext(ctx)
		defer cancel()
		return s.run(navCtx, chromedp.Navigate(url))
	})
}

// Reload reloads the current document.
func (s *Session) Reload(ctx context.Context) error {
	navCtx, cancel := s.loadContext(ctx)
	defer cancel()
	return s.run(navCtx, chromedp.Reload())
}

func (s *Session) loadContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.PageLoadTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.PageLoadTimeout)
	}
	return context.WithCancel(ctx)
}

func (s *Session) URL(ctx context.Context) (string, error) {
	var u string
	err := s.run(ctx, chromedp.Location(&u))
	return u, err
}

func (s *Session) Title(ctx context.Context) (string, error) {
	var t string
	err := s.run(ctx, chromedp.Title(&t))
	return t, err
}

func (s *Session) Text(ctx context.Context) (string, error) {
	var t string
	err := s.run(ctx, chromedp.Evaluate(`document.body ? document.body.innerText : ''`, &t))
	return t, err
}

func (s *Session) HTML(ctx context.Context) (string, error) {
	var h string
	err := s.run(ctx, chromedp.Evaluate(`document.documentElement ? document.documentElement.outerHTML : ''`, &h))
	return h, err
}

func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := s.run(ctx, chromedp.FullScreenshot(&buf, 90))
	return buf, err
}

func (s *Session) Evaluate(ctx context.Context, script string, res interface{}) error {
	return s.run(ctx, chromedp.Evaluate(script, res))
}

func (s *Session) ClearCookies(ctx context.Context) error {
	return s.run(ctx, network.ClearBrowserCookies())
}

// QueryAll finds up to maxMatches elements matching l inside scope.
func (s *Session) QueryAll(ctx context.Context, scope Element, l Locator) ([]Element, error) {
	if l.Strategy == ByNative {
		return s.search(ctx, l)
	}

	var root runtime.RemoteObjectID
	if scope != nil {
		el, ok := scope.(*element)
		if !ok {
			return nil, fmt.Errorf("scope %s does not belong to this session", scope)
		}
		root = el.id
	} else {
		var doc *runtime.RemoteObject
		if err := s.run(ctx, chromedp.Evaluate(`document`, &doc)); err != nil {
			return nil, err
		}
		if doc == nil || doc.ObjectID == "" {
			return nil, errors.New("document is not available")
		}
		root = doc.ObjectID
	}

	kind, expr := queryKind(l)
	var out []Element
	for i := 0; i < maxMatches; i++ {
		var obj *runtime.RemoteObject
		if err := s.run(ctx, chromedp.CallFunctionOn(queryJS, &obj, withObject(root), kind, expr, i)); err != nil {
			return out, fmt.Errorf("query %s: %w", l, err)
		}
		if obj == nil || obj.ObjectID == "" {
			break
		}
		out = append(out, &element{s: s, id: obj.ObjectID, desc: l.String()})
	}
	return out, nil
}

// search runs a DevTools search, which covers the whole document.
func (s *Session) search(ctx context.Context, l Locator) ([]Element, error) {
	var nodes []*cdp.Node
	if err := s.run(ctx, chromedp.Nodes(l.Value, &nodes, chromedp.BySearch, chromedp.AtLeast(0))); err != nil {
		return nil, fmt.Errorf("query %s: %w", l, err)
	}

	var out []Element
	for _, n := range nodes {
		if len(out) >= maxMatches {
			break
		}
		if n.NodeType != cdp.NodeTypeElement {
			continue
		}
		var obj *runtime.RemoteObject
		err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			obj, err = dom.ResolveNode().WithNodeID(n.NodeID).Do(ctx)
			return err
		}))
		if err != nil || obj == nil || obj.ObjectID == "" {
			continue
		}
		out = append(out, &element{s: s, id: obj.ObjectID, desc: l.String()})
	}
	return out, nil
}

func withObject(id runtime.RemoteObjectID) chromedp.CallOption {
	return func(p *runtime.CallFunctionOnParams) *runtime.CallFunctionOnParams {
		return p.WithObjectID(id)
	}
}
