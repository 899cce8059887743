// internal/browser/snapshot_page.go
package browser

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

// maxAncestorHops bounds how far AncestorText climbs past text-less wrappers.
const maxAncestorHops = 3

// SnapshotHooks customise how a SnapshotPage reacts to navigation and actions.
// Any nil hook falls back to the static behaviour.
type SnapshotHooks struct {
	// Load resolves the markup for a URL on navigation.
	Load func(url string) (string, error)
	// Click runs after the freshness check, without the page lock held, so it may call Load.
	Click func(ctx context.Context, p *SnapshotPage, el Element) error
	// Submit is invoked for synthetic form submits.
	Submit func(ctx context.Context, p *SnapshotPage, el Element) error
	// Script executes privileged scripts. Without it RunScript returns ErrScriptUnsupported.
	Script func(ctx context.Context, p *SnapshotPage, script string, res interface{}) error
}

// SnapshotPage is a Page over a static HTML document. It backs the replay command and tests.
// Visibility is approximated from markup: hidden, aria-hidden and inline display/visibility styles.
type SnapshotPage struct {
	hooks SnapshotHooks

	mu   sync.Mutex
	url  string
	doc  *goquery.Document
	gen  uint64
	seq  int
	refs map[string]*html.Node
}

var _ Page = (*SnapshotPage)(nil)

// NewSnapshotPage parses markup as the document loaded at url.
func NewSnapshotPage(url, markup string, hooks SnapshotHooks) (*SnapshotPage, error) {
	p := &SnapshotPage{hooks: hooks}
	if err := p.Load(url, markup); err != nil {
		return nil, err
	}
	return p, nil
}

// Load replaces the document, starting a new generation.
func (p *SnapshotPage) Load(url, markup string) error {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return fmt.Errorf("failed to parse markup for %s: %w", url, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
	p.doc = doc
	p.gen++
	p.refs = make(map[string]*html.Node)
	return nil
}

// SetURL changes the current location without replacing the document, like a client-side route change.
func (p *SnapshotPage) SetURL(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
}

func (p *SnapshotPage) Generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen
}

func (p *SnapshotPage) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.hooks.Load == nil {
		p.mu.Lock()
		p.url = url
		p.gen++
		p.refs = make(map[string]*html.Node)
		p.mu.Unlock()
		return nil
	}
	markup, err := p.hooks.Load(url)
	if err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return p.Load(url, markup)
}

func (p *SnapshotPage) CurrentURL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, ctx.Err()
}

func (p *SnapshotPage) Text(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	body := p.doc.Find("body")
	if body.Length() == 0 {
		return "", ctx.Err()
	}
	return renderedText(body.Nodes[0]), ctx.Err()
}

func (p *SnapshotPage) Markup(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	markup, err := p.doc.Html()
	if err != nil {
		return "", fmt.Errorf("failed to serialize document: %w", err)
	}
	return markup, ctx.Err()
}

func (p *SnapshotPage) FindAll(ctx context.Context, selector string) ([]Element, error) {
	matcher, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("invalid selector %q: %w", selector, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Element
	for _, n := range p.doc.FindMatcher(matcher).Nodes {
		ref := p.refFor(n)
		out = append(out, Element{
			Ref:        ref,
			Generation: p.gen,
			Tag:        n.Data,
			Text:       strings.TrimSpace(renderedText(n)),
			Attrs:      attrMap(n),
		})
	}
	return out, ctx.Err()
}

// refFor returns the existing ref of n in this generation or allocates one.
func (p *SnapshotPage) refFor(n *html.Node) string {
	for ref, node := range p.refs {
		if node == n {
			return ref
		}
	}
	p.seq++
	ref := fmt.Sprintf("g%d-%d", p.gen, p.seq)
	p.refs[ref] = n
	return ref
}

// resolve maps el back to its node. Callers hold p.mu.
func (p *SnapshotPage) resolve(el Element) (*html.Node, error) {
	if el.Generation != p.gen {
		return nil, ErrStaleElement
	}
	n, ok := p.refs[el.Ref]
	if !ok {
		return nil, ErrElementNotFound
	}
	return n, nil
}

func (p *SnapshotPage) IsVisible(ctx context.Context, el Element) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.resolve(el)
	if err != nil {
		return false, err
	}
	for cur := n; cur != nil && cur.Type == html.ElementNode; cur = cur.Parent {
		if isHiddenNode(cur) {
			return false, nil
		}
	}
	return true, ctx.Err()
}

func (p *SnapshotPage) IsEnabled(ctx context.Context, el Element) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.resolve(el)
	if err != nil {
		return false, err
	}
	if _, disabled := attrValue(n, "disabled"); disabled {
		return false, nil
	}
	if v, _ := attrValue(n, "aria-disabled"); v == "true" {
		return false, nil
	}
	return true, ctx.Err()
}

func (p *SnapshotPage) AncestorText(ctx context.Context, el Element) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.resolve(el)
	if err != nil {
		return "", err
	}
	own := strings.TrimSpace(renderedText(n))
	node := n.Parent
	for i := 1; node != nil && node.Type == html.ElementNode && i < maxAncestorHops; i++ {
		if strings.TrimSpace(renderedText(node)) != own {
			break
		}
		node = node.Parent
	}
	if node == nil || node.Type != html.ElementNode {
		return "", ctx.Err()
	}
	return renderedText(node), ctx.Err()
}

func (p *SnapshotPage) Click(ctx context.Context, el Element) error {
	if err := p.check(el); err != nil {
		return err
	}
	if p.hooks.Click == nil {
		return ctx.Err()
	}
	return p.hooks.Click(ctx, p, el)
}

// SendKeys stores text in the element's value attribute.
func (p *SnapshotPage) SendKeys(ctx context.Context, el Element, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.resolve(el)
	if err != nil {
		return err
	}
	setAttr(n, "value", text)
	return ctx.Err()
}

func (p *SnapshotPage) Submit(ctx context.Context, el Element) error {
	if err := p.check(el); err != nil {
		return err
	}
	if p.hooks.Submit == nil {
		return ctx.Err()
	}
	return p.hooks.Submit(ctx, p, el)
}

func (p *SnapshotPage) RunScript(ctx context.Context, script string, res interface{}) error {
	if p.hooks.Script == nil {
		return ErrScriptUnsupported
	}
	return p.hooks.Script(ctx, p, script, res)
}

// Screenshot renders nothing; the serialized document stands in for the image.
func (p *SnapshotPage) Screenshot(ctx context.Context) ([]byte, error) {
	markup, err := p.Markup(ctx)
	if err != nil {
		return nil, err
	}
	return []byte(markup), nil
}

// Value returns the current value attribute of el, as set by SendKeys.
func (p *SnapshotPage) Value(el Element) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.resolve(el)
	if err != nil {
		return "", err
	}
	v, _ := attrValue(n, "value")
	return v, nil
}

// Remove deletes every node matching selector and returns how many were removed.
func (p *SnapshotPage) Remove(selector string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	sel := p.doc.Find(selector)
	count := sel.Length()
	sel.Remove()
	return count
}

func (p *SnapshotPage) check(el Element) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.resolve(el)
	return err
}

// renderedText approximates innerText: hidden descendants and non-content elements are skipped.
// The root itself is rendered even when hidden, matching innerText on a display:none element.
func renderedText(n *html.Node) string {
	var buf bytes.Buffer
	var walk func(*html.Node)
	walk = func(cur *html.Node) {
		switch cur.Type {
		case html.TextNode:
			buf.WriteString(cur.Data)
			return
		case html.ElementNode:
			switch cur.Data {
			case "script", "style", "noscript", "template", "head":
				return
			}
			if cur != n && isHiddenNode(cur) {
				return
			}
		}
		for c := cur.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if cur.Type == html.ElementNode && isBlock(cur.Data) {
			buf.WriteByte('\n')
		}
	}
	walk(n)
	return collapseSpaces(buf.String())
}

func collapseSpaces(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		if fields := strings.Fields(line); len(fields) > 0 {
			out = append(out, strings.Join(fields, " "))
		}
	}
	return strings.Join(out, "\n")
}

func isBlock(tag string) bool {
	switch tag {
	case "div", "p", "li", "tr", "section", "article", "header", "footer", "form", "h1", "h2", "h3", "h4", "h5", "h6", "br", "table", "ul", "ol":
		return true
	}
	return false
}

func isHiddenNode(n *html.Node) bool {
	if _, ok := attrValue(n, "hidden"); ok {
		return true
	}
	if v, _ := attrValue(n, "aria-hidden"); v == "true" {
		return true
	}
	if n.Data == "input" {
		if v, _ := attrValue(n, "type"); strings.EqualFold(v, "hidden") {
			return true
		}
	}
	style, _ := attrValue(n, "style")
	style = strings.ReplaceAll(strings.ToLower(style), " ", "")
	return strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden")
}

func attrValue(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func attrMap(n *html.Node) map[string]string {
	m := make(map[string]string, len(n.Attr))
	for _, a := range n.Attr {
		m[a.Key] = a.Val
	}
	return m
}

func setAttr(n *html.Node, key, val string) {
	for i := range n.Attr {
		if n.Attr[i].Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}
