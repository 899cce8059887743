// internal/browser/page.go
package browser

import (
	"context"
	"errors"
)

// ErrStaleElement indicates that the element reference was captured before the most recent
// navigation and can no longer be used.
var ErrStaleElement = errors.New("element is stale or detached from the document")

// ErrElementNotFound is returned when an element reference no longer resolves in the live document.
var ErrElementNotFound = errors.New("element not found in the current document")

// ErrScriptUnsupported is returned by pages that cannot execute privileged scripts (e.g. snapshots).
var ErrScriptUnsupported = errors.New("page does not support script execution")

// Element is an opaque handle to an element on the page it was captured from.
// It also carries a copy of the element's textual state at capture time.
type Element struct {
	// Ref identifies the element within a single page generation.
	Ref string
	// Generation is the navigation counter of the page at capture time.
	Generation uint64
	Tag        string
	Text       string
	Attrs      map[string]string
}

// Attr returns the attribute value, or "" when absent.
func (e Element) Attr(name string) string {
	if e.Attrs == nil {
		return ""
	}
	return e.Attrs[name]
}

// Label returns the visible label of the element: its text, or for inputs the value/aria-label.
func (e Element) Label() string {
	if e.Text != "" {
		return e.Text
	}
	if v := e.Attr("value"); v != "" {
		return v
	}
	return e.Attr("aria-label")
}

// Page is the narrow surface the monitoring engine uses to observe and drive a rendered page.
// Every blocking call honours ctx and fails closed on timeout.
type Page interface {
	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)
	// Text returns the rendered, visible text of the document.
	Text(ctx context.Context) (string, error)
	// Markup returns the serialized DOM of the document.
	Markup(ctx context.Context) (string, error)
	// FindAll returns the elements matching a CSS selector, in document order.
	FindAll(ctx context.Context, selector string) ([]Element, error)
	IsVisible(ctx context.Context, el Element) (bool, error)
	IsEnabled(ctx context.Context, el Element) (bool, error)
	// AncestorText returns the text of the element's nearest structural ancestor.
	AncestorText(ctx context.Context, el Element) (string, error)
	Click(ctx context.Context, el Element) error
	// SendKeys replaces the element's current value with text.
	SendKeys(ctx context.Context, el Element, text string) error
	// Submit dispatches a synthetic submit for the form owning el.
	Submit(ctx context.Context, el Element) error
	// RunScript evaluates a privileged script and decodes its result into res (which may be nil).
	RunScript(ctx context.Context, script string, res interface{}) error
	Screenshot(ctx context.Context) ([]byte, error)
	// Generation returns the current navigation counter.
	Generation() uint64
}

// PageProvider hands out the live page and can recreate it (a fresh browser tab).
type PageProvider interface {
	Page() Page
	Reset(ctx context.Context) error
}
