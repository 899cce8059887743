// internal/browser/cdp_page.go
package browser

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

// refAttribute tags elements returned by FindAll so later calls can address them.
const refAttribute = "data-slotwatch-ref"

const readyPollInterval = 100 * time.Millisecond

// CDPPage drives a single Chrome tab through chromedp.
type CDPPage struct {
	tabCtx          context.Context
	logger          *zap.Logger
	pageLoadTimeout time.Duration
	actionTimeout   time.Duration

	generation atomic.Uint64
}

var _ Page = (*CDPPage)(nil)

func newCDPPage(tabCtx context.Context, logger *zap.Logger, pageLoadTimeout, actionTimeout time.Duration) *CDPPage {
	return &CDPPage{
		tabCtx:          tabCtx,
		logger:          logger,
		pageLoadTimeout: pageLoadTimeout,
		actionTimeout:   actionTimeout,
	}
}

// run executes actions in the tab, bounded by the caller's context and the given timeout.
func (p *CDPPage) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	opCtx, cancelOp := withTimeout(ctx, timeout)
	defer cancelOp()

	runCtx, cancel := CombineContext(p.tabCtx, opCtx)
	defer cancel()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (p *CDPPage) Generation() uint64 { return p.generation.Load() }

// Navigate loads url and waits for the document to be ready. Hash-route changes on the
// portal do not fire a load event, so readiness is polled instead of awaited.
func (p *CDPPage) Navigate(ctx context.Context, url string) error {
	p.generation.Add(1)
	err := p.run(ctx, p.pageLoadTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, errText, _, err := page.Navigate(url).Do(ctx)
		if err != nil {
			return err
		}
		if errText != "" {
			return fmt.Errorf("navigation failed: %s", errText)
		}
		for {
			var state string
			if err := chromedp.Evaluate(`document.readyState`, &state).Do(ctx); err == nil && state == "complete" {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(readyPollInterval):
			}
		}
	}))
	if err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	p.logger.Debug("Navigated.", zap.String("url", url), zap.Uint64("generation", p.Generation()))
	return nil
}

func (p *CDPPage) CurrentURL(ctx context.Context) (string, error) {
	var loc string
	if err := p.run(ctx, p.actionTimeout, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("failed to read location: %w", err)
	}
	return loc, nil
}

// Text returns document.body.innerText. Some portal views render into shadow-free custom
// elements that report an empty innerText, so the serialized DOM is used as a fallback.
func (p *CDPPage) Text(ctx context.Context) (string, error) {
	var text string
	if err := p.RunScript(ctx, `document.body ? document.body.innerText : ""`, &text); err != nil {
		return "", fmt.Errorf("failed to read page text: %w", err)
	}
	if strings.TrimSpace(text) != "" {
		return text, nil
	}

	markup, err := p.Markup(ctx)
	if err != nil {
		return "", err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return "", fmt.Errorf("failed to parse page markup: %w", err)
	}
	doc.Find("script, style, noscript").Remove()
	return doc.Find("body").Text(), nil
}

func (p *CDPPage) Markup(ctx context.Context) (string, error) {
	var markup string
	if err := p.RunScript(ctx, `document.documentElement ? document.documentElement.outerHTML : ""`, &markup); err != nil {
		return "", fmt.Errorf("failed to read page markup: %w", err)
	}
	return markup, nil
}

type elementInfo struct {
	Ref   string            `json:"ref"`
	Tag   string            `json:"tag"`
	Text  string            `json:"text"`
	Attrs map[string]string `json:"attrs"`
}

const findAllScript = `(function(selector, prefix, attr) {
  const out = [];
  window.__slotwatchSeq = window.__slotwatchSeq || 0;
  document.querySelectorAll(selector).forEach((el) => {
    let ref = el.getAttribute(attr);
    if (!ref || ref.indexOf(prefix) !== 0) {
      window.__slotwatchSeq += 1;
      ref = prefix + window.__slotwatchSeq;
      el.setAttribute(attr, ref);
    }
    const attrs = {};
    for (const a of el.attributes) {
      if (a.name !== attr) attrs[a.name] = a.value;
    }
    if (typeof el.value === 'string') attrs['value'] = el.value;
    out.push({ ref: ref, tag: el.tagName.toLowerCase(), text: (el.innerText || el.textContent || '').trim(), attrs: attrs });
  });
  return out;
})(%s, %s, %s)`

func (p *CDPPage) FindAll(ctx context.Context, selector string) ([]Element, error) {
	gen := p.Generation()
	script, err := scriptCall(findAllScript, selector, fmt.Sprintf("g%d-", gen), refAttribute)
	if err != nil {
		return nil, err
	}

	var infos []elementInfo
	if err := p.RunScript(ctx, script, &infos); err != nil {
		return nil, fmt.Errorf("failed to query %q: %w", selector, err)
	}

	elements := make([]Element, 0, len(infos))
	for _, info := range infos {
		elements = append(elements, Element{
			Ref:        info.Ref,
			Generation: gen,
			Tag:        info.Tag,
			Text:       info.Text,
			Attrs:      info.Attrs,
		})
	}
	return elements, nil
}

const elementScript = `(function(attr, ref) {
  const el = document.querySelector('[' + attr + '="' + ref + '"]');
  if (!el) return { found: false };
  return { found: true, value: (function() { %s })() };
})(%s, %s)`

type elementResult struct {
	Found bool                `json:"found"`
	Value jsoniter.RawMessage `json:"value"`
}

// evalOn evaluates body against the tagged element and decodes its return value into res.
func (p *CDPPage) evalOn(ctx context.Context, el Element, body string, res interface{}) error {
	if err := p.checkFresh(el); err != nil {
		return err
	}
	attr, err := json.Marshal(refAttribute)
	if err != nil {
		return err
	}
	ref, err := json.Marshal(el.Ref)
	if err != nil {
		return err
	}

	var out elementResult
	if err := p.RunScript(ctx, fmt.Sprintf(elementScript, body, attr, ref), &out); err != nil {
		return err
	}
	if !out.Found {
		return ErrElementNotFound
	}
	if res == nil || len(out.Value) == 0 {
		return nil
	}
	return json.Unmarshal(out.Value, res)
}

func (p *CDPPage) IsVisible(ctx context.Context, el Element) (bool, error) {
	var visible bool
	err := p.evalOn(ctx, el, `const s = window.getComputedStyle(el);
  const r = el.getBoundingClientRect();
  return s.display !== 'none' && s.visibility !== 'hidden' && parseFloat(s.opacity || '1') > 0 && r.width > 0 && r.height > 0;`, &visible)
	return visible, err
}

func (p *CDPPage) IsEnabled(ctx context.Context, el Element) (bool, error) {
	var enabled bool
	err := p.evalOn(ctx, el, `return !el.disabled && el.getAttribute('aria-disabled') !== 'true';`, &enabled)
	return enabled, err
}

// AncestorText climbs at most maxAncestorHops parents past wrappers that add no text of their own.
func (p *CDPPage) AncestorText(ctx context.Context, el Element) (string, error) {
	var text string
	err := p.evalOn(ctx, el, fmt.Sprintf(`const own = (el.innerText || el.textContent || '').trim();
  let node = el.parentElement;
  for (let i = 1; node && i < %d; i++) {
    const t = (node.innerText || node.textContent || '').trim();
    if (t !== own) break;
    node = node.parentElement;
  }
  return node ? (node.innerText || node.textContent || '') : '';`, maxAncestorHops), &text)
	return text, err
}

func (p *CDPPage) Click(ctx context.Context, el Element) error {
	if err := p.evalOn(ctx, el, `el.scrollIntoView({block: 'center'}); return true;`, nil); err != nil {
		return err
	}
	if err := p.run(ctx, p.actionTimeout, chromedp.Click(el.selector(), chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return fmt.Errorf("failed to click element %s: %w", el.Ref, err)
	}
	return nil
}

func (p *CDPPage) SendKeys(ctx context.Context, el Element, text string) error {
	if err := p.evalOn(ctx, el, `el.focus(); return true;`, nil); err != nil {
		return err
	}
	sel := el.selector()
	err := p.run(ctx, p.actionTimeout,
		chromedp.SetValue(sel, "", chromedp.ByQuery),
		chromedp.SendKeys(sel, text, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("failed to type into element %s: %w", el.Ref, err)
	}
	return nil
}

func (p *CDPPage) Submit(ctx context.Context, el Element) error {
	if err := p.checkFresh(el); err != nil {
		return err
	}
	if err := p.run(ctx, p.actionTimeout, chromedp.Submit(el.selector(), chromedp.ByQuery)); err != nil {
		return fmt.Errorf("failed to submit form of element %s: %w", el.Ref, err)
	}
	return nil
}

func (p *CDPPage) RunScript(ctx context.Context, script string, res interface{}) error {
	return p.run(ctx, p.actionTimeout, chromedp.Evaluate(script, res, func(ep *runtime.EvaluateParams) *runtime.EvaluateParams {
		return ep.WithAwaitPromise(true)
	}))
}

func (p *CDPPage) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := p.run(ctx, p.actionTimeout, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	return buf, nil
}

func (p *CDPPage) checkFresh(el Element) error {
	if el.Ref == "" {
		return ErrElementNotFound
	}
	if el.Generation != p.Generation() {
		return ErrStaleElement
	}
	return nil
}

func (e Element) selector() string {
	return fmt.Sprintf(`[%s="%s"]`, refAttribute, e.Ref)
}

// scriptCall renders a script template whose %s verbs are filled with JSON-encoded arguments.
func scriptCall(template string, args ...interface{}) (string, error) {
	encoded := make([]interface{}, 0, len(args))
	for _, arg := range args {
		b, err := json.Marshal(arg)
		if err != nil {
			return "", fmt.Errorf("failed to encode script argument: %w", err)
		}
		encoded = append(encoded, string(b))
	}
	return fmt.Sprintf(template, encoded...), nil
}
