// internal/browser/browsertest/fake.go
package browsertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/xkilldash9x/slotwatch/internal/browser"
)

// Operation names accepted by FailOn.
const (
	OpNavigate     = "Navigate"
	OpCurrentURL   = "CurrentURL"
	OpText         = "Text"
	OpMarkup       = "Markup"
	OpFindAll      = "FindAll"
	OpIsVisible    = "IsVisible"
	OpIsEnabled    = "IsEnabled"
	OpAncestorText = "AncestorText"
	OpClick        = "Click"
	OpSendKeys     = "SendKeys"
	OpSubmit       = "Submit"
	OpRunScript    = "RunScript"
	OpScreenshot   = "Screenshot"
)

// Options configures a FakePage.
type Options struct {
	// Pages maps URLs to the markup served on navigation.
	Pages map[string]string
	// StartURL is loaded on construction; about:blank when empty.
	StartURL string

	OnClick  func(ctx context.Context, f *FakePage, el browser.Element) error
	OnSubmit func(ctx context.Context, f *FakePage, el browser.Element) error
	// OnScript handles RunScript. Scripts are recorded even without a handler.
	OnScript func(ctx context.Context, f *FakePage, script string, res interface{}) error
}

// FakePage is an in-memory browser.Page for component tests. It serves a small site of
// static documents, records interactions and injects faults per operation.
type FakePage struct {
	*browser.SnapshotPage
	opts Options

	mu          sync.Mutex
	pages       map[string]string
	faults      map[string]error
	navigations []string
	clicks      []browser.Element
	submits     []browser.Element
	scripts     []string
	screenshots int
}

var _ browser.Page = (*FakePage)(nil)

// New builds a FakePage. It panics on unparsable start markup since that is a test bug.
func New(opts Options) *FakePage {
	f := &FakePage{
		opts:   opts,
		pages:  make(map[string]string, len(opts.Pages)),
		faults: make(map[string]error),
	}
	for url, markup := range opts.Pages {
		f.pages[url] = markup
	}

	start := opts.StartURL
	if start == "" {
		start = "about:blank"
	}
	markup, ok := f.pages[start]
	if !ok {
		markup = "<html><body></body></html>"
	}

	sp, err := browser.NewSnapshotPage(start, markup, browser.SnapshotHooks{
		Load: f.load,
		Click: func(ctx context.Context, _ *browser.SnapshotPage, el browser.Element) error {
			if f.opts.OnClick == nil {
				return nil
			}
			return f.opts.OnClick(ctx, f, el)
		},
		Submit: func(ctx context.Context, _ *browser.SnapshotPage, el browser.Element) error {
			if f.opts.OnSubmit == nil {
				return nil
			}
			return f.opts.OnSubmit(ctx, f, el)
		},
		Script: func(ctx context.Context, _ *browser.SnapshotPage, script string, res interface{}) error {
			if f.opts.OnScript == nil {
				return nil
			}
			return f.opts.OnScript(ctx, f, script, res)
		},
	})
	if err != nil {
		panic(fmt.Sprintf("browsertest: %v", err))
	}
	f.SnapshotPage = sp
	return f
}

func (f *FakePage) load(url string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	markup, ok := f.pages[url]
	if !ok {
		return "", fmt.Errorf("browsertest: no page registered for %s", url)
	}
	return markup, nil
}

// SetPage registers or replaces the markup served for url.
func (f *FakePage) SetPage(url, markup string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[url] = markup
}

// Show replaces the current document as if an action had routed the app to url.
func (f *FakePage) Show(url, markup string) error {
	return f.SnapshotPage.Load(url, markup)
}

// FailOn makes every subsequent call of op fail with err until cleared with a nil err.
func (f *FakePage) FailOn(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.faults, op)
		return
	}
	f.faults[op] = err
}

func (f *FakePage) fault(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.faults[op]
}

// Navigations returns every URL passed to Navigate, in order.
func (f *FakePage) Navigations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.navigations...)
}

// Clicks returns the elements clicked so far.
func (f *FakePage) Clicks() []browser.Element {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]browser.Element(nil), f.clicks...)
}

// Submits returns the elements whose form was submitted so far.
func (f *FakePage) Submits() []browser.Element {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]browser.Element(nil), f.submits...)
}

// Scripts returns the scripts evaluated so far.
func (f *FakePage) Scripts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.scripts...)
}

// Screenshots returns how many screenshots were taken.
func (f *FakePage) Screenshots() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.screenshots
}

func (f *FakePage) Navigate(ctx context.Context, url string) error {
	f.mu.Lock()
	f.navigations = append(f.navigations, url)
	f.mu.Unlock()
	if err := f.fault(OpNavigate); err != nil {
		return err
	}
	return f.SnapshotPage.Navigate(ctx, url)
}

func (f *FakePage) CurrentURL(ctx context.Context) (string, error) {
	if err := f.fault(OpCurrentURL); err != nil {
		return "", err
	}
	return f.SnapshotPage.CurrentURL(ctx)
}

func (f *FakePage) Text(ctx context.Context) (string, error) {
	if err := f.fault(OpText); err != nil {
		return "", err
	}
	return f.SnapshotPage.Text(ctx)
}

func (f *FakePage) Markup(ctx context.Context) (string, error) {
	if err := f.fault(OpMarkup); err != nil {
		return "", err
	}
	return f.SnapshotPage.Markup(ctx)
}

func (f *FakePage) FindAll(ctx context.Context, selector string) ([]browser.Element, error) {
	if err := f.fault(OpFindAll); err != nil {
		return nil, err
	}
	return f.SnapshotPage.FindAll(ctx, selector)
}

func (f *FakePage) IsVisible(ctx context.Context, el browser.Element) (bool, error) {
	if err := f.fault(OpIsVisible); err != nil {
		return false, err
	}
	return f.SnapshotPage.IsVisible(ctx, el)
}

func (f *FakePage) IsEnabled(ctx context.Context, el browser.Element) (bool, error) {
	if err := f.fault(OpIsEnabled); err != nil {
		return false, err
	}
	return f.SnapshotPage.IsEnabled(ctx, el)
}

func (f *FakePage) AncestorText(ctx context.Context, el browser.Element) (string, error) {
	if err := f.fault(OpAncestorText); err != nil {
		return "", err
	}
	return f.SnapshotPage.AncestorText(ctx, el)
}

func (f *FakePage) Click(ctx context.Context, el browser.Element) error {
	if err := f.fault(OpClick); err != nil {
		return err
	}
	f.mu.Lock()
	f.clicks = append(f.clicks, el)
	f.mu.Unlock()
	return f.SnapshotPage.Click(ctx, el)
}

func (f *FakePage) SendKeys(ctx context.Context, el browser.Element, text string) error {
	if err := f.fault(OpSendKeys); err != nil {
		return err
	}
	return f.SnapshotPage.SendKeys(ctx, el, text)
}

func (f *FakePage) Submit(ctx context.Context, el browser.Element) error {
	if err := f.fault(OpSubmit); err != nil {
		return err
	}
	f.mu.Lock()
	f.submits = append(f.submits, el)
	f.mu.Unlock()
	return f.SnapshotPage.Submit(ctx, el)
}

func (f *FakePage) RunScript(ctx context.Context, script string, res interface{}) error {
	f.mu.Lock()
	f.scripts = append(f.scripts, script)
	f.mu.Unlock()
	if err := f.fault(OpRunScript); err != nil {
		return err
	}
	return f.SnapshotPage.RunScript(ctx, script, res)
}

func (f *FakePage) Screenshot(ctx context.Context) ([]byte, error) {
	if err := f.fault(OpScreenshot); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.screenshots++
	f.mu.Unlock()
	return f.SnapshotPage.Screenshot(ctx)
}

// Provider is a browser.PageProvider over a FakePage.
type Provider struct {
	mu       sync.Mutex
	page     *FakePage
	resets   int
	ResetErr error
	// OnReset may swap in a new page or fail the reset. A nil page keeps the current one.
	OnReset func(resets int) (*FakePage, error)
}

var _ browser.PageProvider = (*Provider)(nil)

// NewProvider wraps page.
func NewProvider(page *FakePage) *Provider {
	return &Provider{page: page}
}

func (p *Provider) Page() browser.Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.page
}

// Fake returns the current FakePage.
func (p *Provider) Fake() *FakePage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.page
}

func (p *Provider) Reset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets++
	if p.ResetErr != nil {
		return p.ResetErr
	}
	if p.OnReset != nil {
		next, err := p.OnReset(p.resets)
		if err != nil {
			return err
		}
		if next != nil {
			p.page = next
		}
	}
	return ctx.Err()
}

// Resets returns how many times Reset was called.
func (p *Provider) Resets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resets
}
