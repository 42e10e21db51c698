package browser

import (
	"context"
	"errors"
	"fmt"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
)

const (
	visibleJS = `function() {
	var s = window.getComputedStyle(this);
	if (s.display === 'none' || s.visibility === 'hidden' || parseFloat(s.opacity) === 0) return false;
	var r = this.getBoundingClientRect();
	return r.width > 0 && r.height > 0;
}`
	enabledJS = `function() {
	var c = (this.closest && this.closest('button,a,input,select,textarea,[role=button]')) || this;
	if (c.disabled || (c.matches && c.matches(':disabled'))) return false;
	if (c.getAttribute('aria-disabled') === 'true') return false;
	return !(c.classList && c.classList.contains('disabled'));
}`
	textJS     = `function() { return ((this.innerText || this.textContent) || '').trim(); }`
	scrollJS   = `function() { this.scrollIntoView({block: 'center', inline: 'center'}); return true; }`
	clickJS    = `function() { this.click(); return true; }`
	dispatchJS = `function() {
	this.dispatchEvent(new MouseEvent('click', {bubbles: true, cancelable: true, view: window}));
	return true;
}`
	centerJS = `function() {
	var r = this.getBoundingClientRect();
	return {x: r.left + r.width / 2, y: r.top + r.height / 2, w: r.width, h: r.height};
}`
	clearJS = `function() {
	this.focus();
	if ('value' in this) {
		this.value = '';
		this.dispatchEvent(new Event('input', {bubbles: true}));
	}
	return true;
}`
	submitJS = `function() {
	var f = this.form;
	if (!f) return false;
	if (typeof f.requestSubmit === 'function') f.requestSubmit(); else f.submit();
	return true;
}`
)

// element is a chromedp-backed Element addressed by its remote object id.
type element struct {
	s    *Session
	id   runtime.RemoteObjectID
	desc string
}

var _ Element = (*element)(nil)

func (e *element) String() string { return e.desc }

func (e *element) call(ctx context.Context, fn string, res interface{}, args ...interface{}) error {
	return e.s.run(ctx, chromedp.CallFunctionOn(fn, res, withObject(e.id), args...))
}

func (e *element) Visible(ctx context.Context) (bool, error) {
	var v bool
	err := e.call(ctx, visibleJS, &v)
	return v, err
}

func (e *element) Enabled(ctx context.Context) (bool, error) {
	var v bool
	err := e.call(ctx, enabledJS, &v)
	return v, err
}

func (e *element) Text(ctx context.Context) (string, error) {
	var t string
	err := e.call(ctx, textJS, &t)
	return t, err
}

func (e *element) ScrollIntoView(ctx context.Context) error {
	var ok bool
	return e.call(ctx, scrollJS, &ok)
}

type box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

func (e *element) Click(ctx context.Context) error {
	var b box
	if err := e.call(ctx, centerJS, &b); err != nil {
		return err
	}
	if b.W <= 0 || b.H <= 0 {
		return fmt.Errorf("%s has no layout box", e.desc)
	}
	return e.s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		if err := input.DispatchMouseEvent(input.MouseMoved, b.X, b.Y).Do(ctx); err != nil {
			return err
		}
		if err := input.DispatchMouseEvent(input.MousePressed, b.X, b.Y).
			WithButton(input.Left).WithClickCount(1).Do(ctx); err != nil {
			return err
		}
		return input.DispatchMouseEvent(input.MouseReleased, b.X, b.Y).
			WithButton(input.Left).WithClickCount(1).Do(ctx)
	}))
}

func (e *element) ScriptClick(ctx context.Context) error {
	var ok bool
	return e.call(ctx, clickJS, &ok)
}

func (e *element) DispatchClick(ctx context.Context) error {
	var ok bool
	return e.call(ctx, dispatchJS, &ok)
}

func (e *element) Fill(ctx context.Context, text string) error {
	var ok bool
	if err := e.call(ctx, clearJS, &ok); err != nil {
		return err
	}
	return e.s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return input.InsertText(text).Do(ctx)
	}))
}

func (e *element) Submit(ctx context.Context) error {
	var submitted bool
	if err := e.call(ctx, submitJS, &submitted); err != nil {
		return err
	}
	if submitted {
		return nil
	}
	var focused bool
	if err := e.call(ctx, `function() { this.focus(); return true; }`, &focused); err != nil {
		return err
	}
	if !focused {
		return errors.New("could not focus element")
	}
	return e.s.run(ctx, chromedp.KeyEvent(kb.Enter))
}
