package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrElementNotFound is returned when a selector matches nothing before the deadline
var ErrElementNotFound = errors.New("element not found")

// Viewport is the emulated window size
type Viewport struct {
	Width  int
	Height int
}

// Proxy routes a page's traffic through an upstream proxy
type Proxy struct {
	Server   string // host:port
	Username string
	Password string
}

// PageOptions configures a new isolated page
type PageOptions struct {
	UserAgent string
	Locale    string
	Viewport  Viewport
	Proxy     *Proxy
}

// Browser opens isolated pages on a DevTools connection
type Browser struct {
	conn *Conn
	log  *logrus.Logger
}

// New wraps an established connection
func New(conn *Conn, log *logrus.Logger) *Browser {
	return &Browser{conn: conn, log: log}
}

// Close closes the underlying connection
func (b *Browser) Close() error {
	return b.conn.Close()
}

// Page is one tab inside its own browser context
type Page struct {
	conn      *Conn
	log       *logrus.Entry
	contextID string
	targetID  string
	sessionID string
	proxy     *Proxy
	poll      time.Duration
}

// NewPage creates a browser context, opens a blank tab in it and applies opts
func (b *Browser) NewPage(ctx context.Context, opts PageOptions) (*Page, error) {
	ctxParams := map[string]interface{}{"disposeOnDetach": true}
	if opts.Proxy != nil && opts.Proxy.Server != "" {
		ctxParams["proxyServer"] = opts.Proxy.Server
	}
	var created struct {
		BrowserContextID string `json:"browserContextId"`
	}
	if err := b.conn.Call(ctx, "", "Target.createBrowserContext", ctxParams, &created); err != nil {
		return nil, err
	}

	var target struct {
		TargetID string `json:"targetId"`
	}
	err := b.conn.Call(ctx, "", "Target.createTarget", map[string]interface{}{
		"url":              "about:blank",
		"browserContextId": created.BrowserContextID,
	}, &target)
	if err != nil {
		b.disposeContext(created.BrowserContextID)
		return nil, err
	}

	var attached struct {
		SessionID string `json:"sessionId"`
	}
	err = b.conn.Call(ctx, "", "Target.attachToTarget", map[string]interface{}{
		"targetId": target.TargetID,
		"flatten":  true,
	}, &attached)
	if err != nil {
		b.disposeContext(created.BrowserContextID)
		return nil, err
	}

	p := &Page{
		conn:      b.conn,
		log:       b.log.WithField("target", target.TargetID),
		contextID: created.BrowserContextID,
		targetID:  target.TargetID,
		sessionID: attached.SessionID,
		proxy:     opts.Proxy,
		poll:      100 * time.Millisecond,
	}
	b.conn.Subscribe(p.sessionID, p.handleEvent)

	if err := p.setup(ctx, opts); err != nil {
		p.Close(context.Background())
		return nil, err
	}
	return p, nil
}

// disposeContext drops a browser context whose page could not be opened. It
// runs on its own deadline since the caller's context may be the one that failed.
func (b *Browser) disposeContext(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := b.conn.Call(ctx, "", "Target.disposeBrowserContext", map[string]string{"browserContextId": id}, nil); err != nil {
		b.log.WithError(err).WithField("browser_context", id).Warn("Failed to dispose browser context")
	}
}

func (p *Page) setup(ctx context.Context, opts PageOptions) error {
	for _, method := range []string{"Page.enable", "Runtime.enable"} {
		if err := p.call(ctx, method, nil, nil); err != nil {
			return err
		}
	}
	if opts.UserAgent != "" {
		params := map[string]interface{}{"userAgent": opts.UserAgent}
		if opts.Locale != "" {
			params["acceptLanguage"] = opts.Locale
		}
		if err := p.call(ctx, "Emulation.setUserAgentOverride", params, nil); err != nil {
			return err
		}
	}
	if opts.Locale != "" {
		if err := p.call(ctx, "Emulation.setLocaleOverride", map[string]interface{}{"locale": opts.Locale}, nil); err != nil {
			return err
		}
	}
	if opts.Viewport.Width > 0 && opts.Viewport.Height > 0 {
		err := p.call(ctx, "Emulation.setDeviceMetricsOverride", map[string]interface{}{
			"width":             opts.Viewport.Width,
			"height":            opts.Viewport.Height,
			"deviceScaleFactor": 1,
			"mobile":            false,
		}, nil)
		if err != nil {
			return err
		}
	}
	if opts.Proxy != nil && opts.Proxy.Username != "" {
		err := p.call(ctx, "Fetch.enable", map[string]interface{}{"handleAuthRequests": true}, nil)
		if err != nil {
			return err
		}
	}
	return nil
}

// handleEvent answers proxy auth challenges. Replies run off the read loop.
func (p *Page) handleEvent(ev Event) {
	switch ev.Method {
	case "Fetch.requestPaused":
		var params struct {
			RequestID string `json:"requestId"`
		}
		if json.Unmarshal(ev.Params, &params) != nil {
			return
		}
		go p.reply("Fetch.continueRequest", map[string]interface{}{"requestId": params.RequestID})
	case "Fetch.authRequired":
		var params struct {
			RequestID string `json:"requestId"`
		}
		if json.Unmarshal(ev.Params, &params) != nil || p.proxy == nil {
			return
		}
		go p.reply("Fetch.continueWithAuth", map[string]interface{}{
			"requestId": params.RequestID,
			"authChallengeResponse": map[string]string{
				"response": "ProvideCredentials",
				"username": p.proxy.Username,
				"password": p.proxy.Password,
			},
		})
	}
}

func (p *Page) reply(method string, params interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := p.call(ctx, method, params, nil); err != nil {
		p.log.WithError(err).WithField("method", method).Debug("fetch reply failed")
	}
}

func (p *Page) call(ctx context.Context, method string, params, out interface{}) error {
	return p.conn.Call(ctx, p.sessionID, method, params, out)
}

// Navigate loads url and waits until the document is ready
func (p *Page) Navigate(ctx context.Context, url string) error {
	var res struct {
		ErrorText string `json:"errorText"`
	}
	if err := p.call(ctx, "Page.navigate", map[string]string{"url": url}, &res); err != nil {
		return err
	}
	if res.ErrorText != "" {
		return fmt.Errorf("navigate %s: %s", url, res.ErrorText)
	}
	return p.waitFor(ctx, `document.readyState === "complete"`)
}

// Evaluate runs a JavaScript expression and decodes its value into out
func (p *Page) Evaluate(ctx context.Context, expression string, out interface{}) error {
	var res struct {
		Result struct {
			Type  string          `json:"type"`
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails"`
	}
	err := p.call(ctx, "Runtime.evaluate", map[string]interface{}{
		"expression":    expression,
		"returnByValue": true,
		"awaitPromise":  true,
	}, &res)
	if err != nil {
		return err
	}
	if res.ExceptionDetails != nil {
		return fmt.Errorf("evaluate: %s", res.ExceptionDetails.Text)
	}
	if out == nil || len(res.Result.Value) == 0 {
		return nil
	}
	return json.Unmarshal(res.Result.Value, out)
}

func (p *Page) waitFor(ctx context.Context, expression string) error {
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()
	for {
		var ok bool
		if err := p.Evaluate(ctx, expression, &ok); err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitVisible polls until selector matches a rendered element
func (p *Page) WaitVisible(ctx context.Context, selector string) error {
	expr := fmt.Sprintf(`(() => { const el = document.querySelector(%s); return !!el && el.getClientRects().length > 0; })()`, strconv.Quote(selector))
	err := p.waitFor(ctx, expr)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrElementNotFound, selector)
	}
	return err
}

// Exists reports whether selector currently matches an element
func (p *Page) Exists(ctx context.Context, selector string) (bool, error) {
	var ok bool
	err := p.Evaluate(ctx, fmt.Sprintf(`document.querySelector(%s) !== null`, strconv.Quote(selector)), &ok)
	return ok, err
}

// Text returns the trimmed text content of the first element matching selector
func (p *Page) Text(ctx context.Context, selector string) (string, error) {
	var text *string
	expr := fmt.Sprintf(`(() => { const el = document.querySelector(%s); return el ? el.textContent.trim() : null; })()`, strconv.Quote(selector))
	if err := p.Evaluate(ctx, expr, &text); err != nil {
		return "", err
	}
	if text == nil {
		return "", fmt.Errorf("%w: %s", ErrElementNotFound, selector)
	}
	return *text, nil
}

// Attr returns an attribute of the first element matching selector
func (p *Page) Attr(ctx context.Context, selector, name string) (string, error) {
	var val *string
	expr := fmt.Sprintf(`(() => { const el = document.querySelector(%s); return el ? el.getAttribute(%s) : null; })()`, strconv.Quote(selector), strconv.Quote(name))
	if err := p.Evaluate(ctx, expr, &val); err != nil {
		return "", err
	}
	if val == nil {
		return "", fmt.Errorf("%w: %s[%s]", ErrElementNotFound, selector, name)
	}
	return *val, nil
}

// Click scrolls selector into view and dispatches a left click at its center
func (p *Page) Click(ctx context.Context, selector string) error {
	var box *struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}
	expr := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return null;
		el.scrollIntoView({block: "center"});
		const r = el.getBoundingClientRect();
		return {x: r.left + r.width / 2, y: r.top + r.height / 2};
	})()`, strconv.Quote(selector))
	if err := p.Evaluate(ctx, expr, &box); err != nil {
		return err
	}
	if box == nil {
		return fmt.Errorf("%w: %s", ErrElementNotFound, selector)
	}

	for _, typ := range []string{"mouseMoved", "mousePressed", "mouseReleased"} {
		params := map[string]interface{}{"type": typ, "x": box.X, "y": box.Y}
		if typ != "mouseMoved" {
			params["button"] = "left"
			params["clickCount"] = 1
		}
		if err := p.call(ctx, "Input.dispatchMouseEvent", params, nil); err != nil {
			return err
		}
	}
	return nil
}

// Focus focuses the first element matching selector
func (p *Page) Focus(ctx context.Context, selector string) error {
	var ok bool
	expr := fmt.Sprintf(`(() => { const el = document.querySelector(%s); if (!el) return false; el.focus(); return true; })()`, strconv.Quote(selector))
	if err := p.Evaluate(ctx, expr, &ok); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrElementNotFound, selector)
	}
	return nil
}

// InsertText types text into the focused element
func (p *Page) InsertText(ctx context.Context, text string) error {
	return p.call(ctx, "Input.insertText", map[string]string{"text": text}, nil)
}

// Screenshot captures the viewport as PNG
func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	var res struct {
		Data string `json:"data"`
	}
	if err := p.call(ctx, "Page.captureScreenshot", map[string]string{"format": "png"}, &res); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(res.Data)
}

// URL returns the current location
func (p *Page) URL(ctx context.Context) (string, error) {
	var u string
	err := p.Evaluate(ctx, `location.href`, &u)
	return u, err
}

// Close disposes the page's browser context, closing its tab
func (p *Page) Close(ctx context.Context) error {
	p.conn.Subscribe(p.sessionID, nil)
	return p.conn.Call(ctx, "", "Target.disposeBrowserContext", map[string]string{"browserContextId": p.contextID}, nil)
}
