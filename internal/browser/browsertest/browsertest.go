// Package browsertest provides in-memory browser.Page and browser.Element
// fakes and a recording diagnostics sink for tests.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/xkilldash9x/autorenew/internal/browser"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Click mechanisms recorded by Element.
const (
	Native   = "native"
	Scripted = "scripted"
	Dispatch = "dispatch"
)

// Element is a scriptable fake element.
type Element struct {
	mu sync.Mutex

	Name     string
	Label    string
	Hidden   bool
	Disabled bool
	Value    string

	// ClickFunc, when set, decides the result of every click mechanism.
	ClickFunc func(mechanism string) error
	// ScrollErr fails ScrollIntoView.
	ScrollErr error

	children  map[browser.Locator][]*Element
	clicks    []string
	submitted int
}

// NewElement creates a visible, enabled element.
func NewElement(name string) *Element {
	return &Element{Name: name}
}

// Add registers children returned by scoped queries for l.
func (e *Element) Add(l browser.Locator, els ...*Element) *Element {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.children == nil {
		e.children = make(map[browser.Locator][]*Element)
	}
	e.children[l] = append(e.children[l], els...)
	return e
}

// SetHidden toggles visibility.
func (e *Element) SetHidden(hidden bool) {
	e.mu.Lock()
	e.Hidden = hidden
	e.mu.Unlock()
}

// Clicks returns the mechanisms that landed, in order.
func (e *Element) Clicks() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.clicks...)
}

// Submitted reports how many times Submit was called.
func (e *Element) Submitted() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.submitted
}

func (e *Element) String() string { return e.Name }

func (e *Element) Visible(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.Hidden, nil
}

func (e *Element) Enabled(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.Disabled, nil
}

func (e *Element) Text(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Label, nil
}

func (e *Element) ScrollIntoView(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.ScrollErr
}

func (e *Element) click(ctx context.Context, mechanism string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	fn := e.ClickFunc
	e.mu.Unlock()
	if fn != nil {
		if err := fn(mechanism); err != nil {
			return err
		}
	}
	e.mu.Lock()
	e.clicks = append(e.clicks, mechanism)
	e.mu.Unlock()
	return nil
}

func (e *Element) Click(ctx context.Context) error { return e.click(ctx, Native) }

func (e *Element) ScriptClick(ctx context.Context) error { return e.click(ctx, Scripted) }

func (e *Element) DispatchClick(ctx context.Context) error { return e.click(ctx, Dispatch) }

func (e *Element) Fill(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Value = text
	return nil
}

func (e *Element) Submit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	e.submitted++
	e.mu.Unlock()
	return nil
}

// Page is a scriptable fake page. Hooks run without the page lock held, so
// they may call the setters.
type Page struct {
	mu sync.Mutex

	url      string
	title    string
	text     string
	html     string
	elements map[browser.Locator][]*Element

	navigations []string
	reloads     int
	cleared     int
	evaluated   []string

	// NavigateFunc runs on every Navigate after the URL is updated.
	NavigateFunc func(url string) error
	// ReloadFunc runs on every Reload.
	ReloadFunc func() error
	// EvalFunc answers Evaluate; its result is JSON-decoded into res.
	EvalFunc func(script string) (interface{}, error)
	// ScreenshotFunc, when set, answers Screenshot.
	ScreenshotFunc func() ([]byte, error)
	// TextErr fails Text, so callers fall back to HTML.
	TextErr error
}

// NewPage creates an empty page at about:blank.
func NewPage() *Page {
	return &Page{url: "about:blank", elements: make(map[browser.Locator][]*Element)}
}

var _ browser.Page = (*Page)(nil)

// Add registers elements returned by document-level queries for l.
func (p *Page) Add(l browser.Locator, els ...*Element) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.elements[l] = append(p.elements[l], els...)
	return p
}

// Remove drops every element registered for l.
func (p *Page) Remove(l browser.Locator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.elements, l)
}

// Set replaces the page's URL, title and body text.
func (p *Page) Set(url, title, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url, p.title, p.text = url, title, text
}

// SetURL replaces the current URL.
func (p *Page) SetURL(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
}

// SetTitle replaces the document title.
func (p *Page) SetTitle(title string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.title = title
}

// SetText replaces the body text.
func (p *Page) SetText(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.text = text
}

// SetHTML replaces the document markup.
func (p *Page) SetHTML(html string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.html = html
}

// Navigations lists every URL passed to Navigate.
func (p *Page) Navigations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navigations...)
}

// Reloads counts Reload calls.
func (p *Page) Reloads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reloads
}

// CookieClears counts ClearCookies calls.
func (p *Page) CookieClears() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cleared
}

// Evaluated lists every script passed to Evaluate.
func (p *Page) Evaluated() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.evaluated...)
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	p.url = url
	p.navigations = append(p.navigations, url)
	fn := p.NavigateFunc
	p.mu.Unlock()
	if fn != nil {
		return fn(url)
	}
	return nil
}

func (p *Page) Reload(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	p.reloads++
	fn := p.ReloadFunc
	p.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return nil
}

func (p *Page) URL(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *Page) Title(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.title, nil
}

func (p *Page) Text(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.TextErr != nil {
		return "", p.TextErr
	}
	return p.text, nil
}

func (p *Page) HTML(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.html == "" {
		return fmt.Sprintf("<html><head><title>%s</title></head><body>%s</body></html>", p.title, p.text), nil
	}
	return p.html, nil
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	fn := p.ScreenshotFunc
	p.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return []byte("\x89PNG fake"), nil
}

func (p *Page) Evaluate(ctx context.Context, script string, res interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	p.evaluated = append(p.evaluated, script)
	fn := p.EvalFunc
	p.mu.Unlock()

	if fn == nil {
		return errors.New("browsertest: no EvalFunc set")
	}
	v, err := fn(script)
	if err != nil || res == nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, res)
}

func (p *Page) ClearCookies(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleared++
	return nil
}

func (p *Page) QueryAll(ctx context.Context, scope browser.Element, l browser.Locator) ([]browser.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var found []*Element
	if scope == nil {
		p.mu.Lock()
		found = append(found, p.elements[l]...)
		p.mu.Unlock()
	} else {
		el, ok := scope.(*Element)
		if !ok {
			return nil, fmt.Errorf("browsertest: foreign scope %T", scope)
		}
		el.mu.Lock()
		found = append(found, el.children[l]...)
		el.mu.Unlock()
	}

	out := make([]browser.Element, 0, len(found))
	for _, e := range found {
		out = append(out, e)
	}
	return out, nil
}

// Browser wraps a Page as a browser.Browser and counts Close calls.
type Browser struct {
	*Page
	mu     sync.Mutex
	closes int
}

// NewBrowser wraps p.
func NewBrowser(p *Page) *Browser { return &Browser{Page: p} }

func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closes++
	return nil
}

// Closes counts Close calls.
func (b *Browser) Closes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closes
}

// Capture is one recorded diagnostics capture.
type Capture struct {
	Stage string
	Tag   string
	URL   string
}

// RecordingSink records captures instead of writing files.
type RecordingSink struct {
	mu       sync.Mutex
	stage    string
	captures []Capture
}

// SetStage sets the stage attached to later captures.
func (s *RecordingSink) SetStage(stage string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stage = stage
}

// Capture records tag with the current stage and the page URL.
func (s *RecordingSink) Capture(ctx context.Context, page browser.Page, tag string) {
	var url string
	if page != nil {
		url, _ = page.URL(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captures = append(s.captures, Capture{Stage: s.stage, Tag: tag, URL: url})
}

// Captures returns every capture so far.
func (s *RecordingSink) Captures() []Capture {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Capture(nil), s.captures...)
}

// Tags returns the tags of every capture so far.
func (s *RecordingSink) Tags() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tags := make([]string, 0, len(s.captures))
	for _, c := range s.captures {
		tags = append(tags, c.Tag)
	}
	return tags
}
