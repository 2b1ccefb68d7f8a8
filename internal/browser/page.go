package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/xkilldash9x/termin-cli/api/schemas"
)

// actionTimeout bounds DOM actions that take no explicit timeout.
const actionTimeout = 10 * time.Second

// Page is one browser tab. Only its owning worker uses it, but Close may race
// with in-flight actions during shutdown.
type Page struct {
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *zap.Logger
	release func()

	mu     sync.Mutex
	closed bool
}

var _ schemas.PageDriver = (*Page)(nil)

func newPage(ctx context.Context, cancel context.CancelFunc, logger *zap.Logger, release func()) *Page {
	return &Page{
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.Named("page"),
		release: release,
	}
}

func (p *Page) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// run executes actions on the tab, canceled by either the tab or ctx.
func (p *Page) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if p.isClosed() {
		return schemas.ErrDriverClosed
	}
	runCtx, cancel := CombineContext(p.ctx, ctx)
	defer cancel()
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, timeout)
		defer cancelTimeout()
	}
	return chromedp.Run(runCtx, actions...)
}

// exists checks for a match without waiting for one to appear.
func (p *Page) exists(ctx context.Context, selector string) (bool, error) {
	var nodes []*cdp.Node
	err := p.run(ctx, actionTimeout, chromedp.Nodes(selector, &nodes, chromedp.ByQuery, chromedp.AtLeast(0)))
	if err != nil {
		return false, err
	}
	return len(nodes) > 0, nil
}

func (p *Page) Navigate(ctx context.Context, url string, wait schemas.WaitCondition, timeout time.Duration) error {
	var action chromedp.Action
	switch wait {
	case schemas.WaitDOMReady:
		action = chromedp.Tasks{
			chromedp.ActionFunc(func(ctx context.Context) error {
				_, _, errorText, _, err := page.Navigate(url).Do(ctx)
				if err != nil {
					return err
				}
				if errorText != "" {
					return errors.New(errorText)
				}
				return nil
			}),
			chromedp.WaitReady("body", chromedp.ByQuery),
		}
	default:
		action = chromedp.Navigate(url)
	}

	if err := p.run(ctx, timeout, action); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	return nil
}

func (p *Page) QueryVisible(ctx context.Context, selector string, timeout time.Duration) bool {
	return p.run(ctx, timeout, chromedp.WaitVisible(selector, chromedp.ByQuery)) == nil
}

func (p *Page) Content(ctx context.Context) (string, error) {
	var html string
	if err := p.run(ctx, actionTimeout, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read page content: %w", err)
	}
	return html, nil
}

func (p *Page) URL(ctx context.Context) (string, error) {
	var loc string
	if err := p.run(ctx, actionTimeout, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("read page url: %w", err)
	}
	return loc, nil
}

func (p *Page) Click(ctx context.Context, selector string) (bool, error) {
	if ok, err := p.exists(ctx, selector); !ok || err != nil {
		return false, err
	}
	if err := p.run(ctx, actionTimeout, chromedp.Click(selector, chromedp.ByQuery)); err != nil {
		return false, fmt.Errorf("click %q: %w", selector, err)
	}
	return true, nil
}

// FillField clears the input and types value into it.
func (p *Page) FillField(ctx context.Context, selector, value string) (bool, error) {
	if ok, err := p.exists(ctx, selector); !ok || err != nil {
		return false, err
	}
	err := p.run(ctx, actionTimeout,
		chromedp.SetValue(selector, "", chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
	if err != nil {
		return false, fmt.Errorf("fill %q: %w", selector, err)
	}
	return true, nil
}

func (p *Page) SelectOption(ctx context.Context, selector, value string) (bool, error) {
	if ok, err := p.exists(ctx, selector); !ok || err != nil {
		return false, err
	}
	if err := p.run(ctx, actionTimeout, chromedp.SetValue(selector, value, chromedp.ByQuery)); err != nil {
		return false, fmt.Errorf("select %q on %q: %w", value, selector, err)
	}
	return true, nil
}

func (p *Page) PressEnter(ctx context.Context, selector string) error {
	ok, err := p.exists(ctx, selector)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("press enter: no element matches %q", selector)
	}
	return p.run(ctx, actionTimeout, chromedp.SendKeys(selector, kb.Enter, chromedp.ByQuery))
}

// CaptureScreenshot returns PNG bytes. A selector that matches nothing yields
// no image and no error.
func (p *Page) CaptureScreenshot(ctx context.Context, selector string) ([]byte, error) {
	var buf []byte
	if selector == "" {
		if err := p.run(ctx, actionTimeout, chromedp.FullScreenshot(&buf, 100)); err != nil {
			return nil, fmt.Errorf("capture page: %w", err)
		}
		return buf, nil
	}

	if ok, err := p.exists(ctx, selector); !ok || err != nil {
		return nil, err
	}
	if err := p.run(ctx, actionTimeout, chromedp.Screenshot(selector, &buf, chromedp.ByQuery)); err != nil {
		return nil, fmt.Errorf("capture %q: %w", selector, err)
	}
	return buf, nil
}

func (p *Page) Attribute(ctx context.Context, selector, name string) (string, bool) {
	if ok, err := p.exists(ctx, selector); !ok || err != nil {
		return "", false
	}
	var (
		value string
		found bool
	)
	if err := p.run(ctx, actionTimeout, chromedp.AttributeValue(selector, name, &value, &found, chromedp.ByQuery)); err != nil {
		return "", false
	}
	return value, found
}

// Close shuts the tab and disposes its browser context.
func (p *Page) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	defer p.release()

	err := chromedp.Cancel(p.ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Debug("Page did not close cleanly", zap.Error(err))
		return fmt.Errorf("close page: %w", err)
	}
	return nil
}

// emulate builds the per-tab overrides for fp. Empty fields are left alone.
func emulate(fp schemas.Fingerprint) []chromedp.Action {
	var actions []chromedp.Action
	if fp.UserAgent != "" {
		ua := emulation.SetUserAgentOverride(fp.UserAgent)
		if fp.Locale != "" {
			ua = ua.WithAcceptLanguage(acceptLanguage(fp.Locale))
		}
		actions = append(actions, ua)
	}
	if fp.ViewportWidth > 0 && fp.ViewportHeight > 0 {
		actions = append(actions, emulation.SetDeviceMetricsOverride(fp.ViewportWidth, fp.ViewportHeight, 1.0, false))
	}
	if fp.Timezone != "" {
		actions = append(actions, emulation.SetTimezoneOverride(fp.Timezone))
	}
	if fp.Locale != "" {
		actions = append(actions,
			emulation.SetLocaleOverride().WithLocale(strings.ReplaceAll(fp.Locale, "-", "_")),
			network.SetExtraHTTPHeaders(network.Headers{"Accept-Language": acceptLanguage(fp.Locale)}),
		)
	}
	return actions
}

// acceptLanguage turns "en-US" into "en-US,en;q=0.9".
func acceptLanguage(locale string) string {
	base, _, found := strings.Cut(locale, "-")
	if !found || base == "" {
		return locale
	}
	return locale + "," + base + ";q=0.9"
}
