package browser

import (
	"context"
	"fmt"
	"strings"
)

// Strategy selects how a Locator's value is interpreted.
type Strategy int

const (
	// ByText matches elements whose own text, whitespace-normalized, equals the value.
	ByText Strategy = iota
	// ByCSS matches a CSS selector.
	ByCSS
	// ByXPath matches an XPath expression. Relative paths (".//") are
	// evaluated against the query scope.
	ByXPath
	// ByTag matches a tag name.
	ByTag
	// ByNative hands the value to the DevTools search, which accepts plain
	// text, selectors and XPath alike. It always searches the whole document.
	ByNative
	// ByControl matches like ByText but resolves each hit to its nearest
	// enclosing button, link or role=button control. Hits outside any
	// control are dropped.
	ByControl
)

func (s Strategy) String() string {
	switch s {
	case ByText:
		return "text"
	case ByCSS:
		return "css"
	case ByXPath:
		return "xpath"
	case ByTag:
		return "tag"
	case ByNative:
		return "native"
	case ByControl:
		return "control"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// Locator is one way of finding an element.
type Locator struct {
	Strategy Strategy
	Value    string
}

func (l Locator) String() string { return l.Strategy.String() + ":" + l.Value }

// Text, CSS, XPath, Tag, Native and Control build locators.
func Text(v string) Locator { return Locator{Strategy: ByText, Value: v} }

func CSS(v string) Locator { return Locator{Strategy: ByCSS, Value: v} }

func XPath(v string) Locator { return Locator{Strategy: ByXPath, Value: v} }

func Tag(v string) Locator { return Locator{Strategy: ByTag, Value: v} }

func Native(v string) Locator { return Locator{Strategy: ByNative, Value: v} }

func Control(v string) Locator { return Locator{Strategy: ByControl, Value: v} }

// Element is a handle to a DOM element on a Page. Handles go stale when the
// document navigates; every method then returns an error.
type Element interface {
	Visible(ctx context.Context) (bool, error)
	// Enabled is false when the element, or the control enclosing it, is
	// disabled natively, by aria-disabled or by a "disabled" class.
	Enabled(ctx context.Context) (bool, error)
	Text(ctx context.Context) (string, error)
	ScrollIntoView(ctx context.Context) error
	// Click dispatches a trusted mouse press and release at the element's centre.
	Click(ctx context.Context) error
	// ScriptClick calls the element's click() method.
	ScriptClick(ctx context.Context) error
	// DispatchClick dispatches a synthetic bubbling MouseEvent.
	DispatchClick(ctx context.Context) error
	// Fill focuses the element, clears its value and types text.
	Fill(ctx context.Context, text string) error
	// Submit submits the element's form, or presses Enter when it has none.
	Submit(ctx context.Context) error
	String() string
}

// Page is the single browser tab a run drives.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	URL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	// Text returns the rendered text of the document body.
	Text(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	// Evaluate runs script in the page and decodes its result into res.
	// A nil res discards the result.
	Evaluate(ctx context.Context, script string, res interface{}) error
	ClearCookies(ctx context.Context) error
	// QueryAll returns the elements matching l, in document order. A nil
	// scope searches the whole document.
	QueryAll(ctx context.Context, scope Element, l Locator) ([]Element, error)
}

// Browser is a launched browser owning one Page.
type Browser interface {
	Page
	Close() error
}

// xpathLiteral quotes s as an XPath string literal.
func xpathLiteral(s string) string {
	if !strings.Contains(s, `'`) {
		return `'` + s + `'`
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, `'`)
	quoted := make([]string, 0, len(parts)*2)
	for i, p := range parts {
		if i > 0 {
			quoted = append(quoted, `"'"`)
		}
		if p != "" {
			quoted = append(quoted, `'`+p+`'`)
		}
	}
	return "concat(" + strings.Join(quoted, ",") + ")"
}

// TextXPath returns a relative XPath matching elements whose own text,
// whitespace-normalized, equals text.
func TextXPath(text string) string {
	return fmt.Sprintf(".//*[text()[normalize-space(.)=%s]]", xpathLiteral(strings.TrimSpace(text)))
}

// ControlTextXPath returns a relative XPath matching the nearest button,
// link or role=button ancestor-or-self of each element whose own text equals
// text. A label wrapped in <span> inside a <button> resolves to the button.
func ControlTextXPath(text string) string {
	return TextXPath(text) + "/ancestor-or-self::*[self::button or self::a or @role='button'][1]"
}

// ContainsTextXPath returns a relative XPath matching clickable controls
// (buttons, links, role=button) whose rendered text contains text.
func ContainsTextXPath(text string) string {
	lit := xpathLiteral(strings.TrimSpace(text))
	return fmt.Sprintf(".//button[contains(normalize-space(.),%[1]s)] | .//a[contains(normalize-space(.),%[1]s)] | .//*[@role='button'][contains(normalize-space(.),%[1]s)]", lit)
}

// queryKind maps a locator to the in-page query mode ("css" or "xpath") and
// expression. ByNative has no in-page form.
func queryKind(l Locator) (kind, expr string) {
	switch l.Strategy {
	case ByText:
		return "xpath", TextXPath(l.Value)
	case ByControl:
		return "xpath", ControlTextXPath(l.Value)
	case ByXPath:
		return "xpath", l.Value
	case ByTag:
		return "css", strings.TrimSpace(l.Value)
	default:
		return "css", l.Value
	}
}
