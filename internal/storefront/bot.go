// Package storefront implements StoreBot for retail sites described by
// selector profiles instead of per-site code.
package storefront

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Lunary1/lunar-bot/internal/automation"
	"github.com/Lunary1/lunar-bot/internal/browser"
	"github.com/Lunary1/lunar-bot/internal/domain"
)

var (
	// ErrLoginRejected means the site refused the credentials
	ErrLoginRejected = errors.New("login rejected")
	// ErrNotInitialized is returned for operations before Initialize succeeded
	ErrNotInitialized = errors.New("bot not initialized")
)

// Page is the browser surface a profile bot drives
type Page interface {
	automation.Page
	Navigate(ctx context.Context, url string) error
	WaitVisible(ctx context.Context, selector string) error
	Exists(ctx context.Context, selector string) (bool, error)
	Text(ctx context.Context, selector string) (string, error)
	Attr(ctx context.Context, selector, name string) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Close(ctx context.Context) error
}

// Opener opens an isolated page
type Opener func(ctx context.Context, opts browser.PageOptions) (Page, error)

// SessionOpener opens pages on a shared browser session
func SessionOpener(s *browser.Session) Opener {
	return func(ctx context.Context, opts browser.PageOptions) (Page, error) {
		return s.NewPage(ctx, opts)
	}
}

// Bot is a StoreBot driven by a Profile
type Bot struct {
	profile *Profile
	opts    automation.Options
	open    Opener
	log     *logrus.Entry

	mu   sync.Mutex
	page Page
}

var _ automation.StoreBot = (*Bot)(nil)

// NewBot creates an uninitialized bot for profile
func NewBot(profile *Profile, opts automation.Options, open Opener, log *logrus.Logger) *Bot {
	return &Bot{
		profile: profile,
		opts:    opts,
		open:    open,
		log:     log.WithField("store", profile.Store),
	}
}

// step bounds one browser operation by the configured timeout
func (b *Bot) step(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.opts.Config.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, b.opts.Config.Timeout)
}

func (b *Bot) current() (Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.page == nil {
		return nil, ErrNotInitialized
	}
	return b.page, nil
}

func (b *Bot) pause(ctx context.Context) error {
	return automation.HumanDelay(ctx, b.opts.Config.DelayMin, b.opts.Config.DelayMax)
}

func (b *Bot) click(ctx context.Context, p Page, selector string) error {
	return automation.ClickHuman(ctx, p, selector, b.opts.Config.DelayMin, b.opts.Config.DelayMax)
}

// fail captures a diagnostic screenshot when a page is open
func (b *Bot) fail(ctx context.Context, msg string, err error) automation.Result {
	res := automation.Fail(msg, err)
	if p, perr := b.current(); perr == nil {
		shotCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if shot, serr := p.Screenshot(shotCtx); serr == nil {
			res.Screenshot = shot
		}
	}
	b.log.WithError(err).Debug(msg)
	return res
}

// Initialize opens an isolated page with the bot's fingerprint and proxy
func (b *Bot) Initialize(ctx context.Context) automation.Result {
	fp := b.opts.Fingerprint
	opts := browser.PageOptions{
		UserAgent: fp.UserAgent,
		Locale:    fp.Locale,
		Viewport:  browser.Viewport{Width: fp.Width, Height: fp.Height},
	}
	if px := b.opts.Proxy; px != nil {
		opts.Proxy = &browser.Proxy{
			Server:   fmt.Sprintf("%s:%d", px.Host, px.Port),
			Username: px.Username,
			Password: px.Password,
		}
	}

	sctx, cancel := b.step(ctx)
	defer cancel()
	page, err := b.open(sctx, opts)
	if err != nil {
		return automation.Fail("failed to open browser page", err)
	}

	b.mu.Lock()
	b.page = page
	b.mu.Unlock()

	if b.profile.BaseURL != "" {
		if err := page.Navigate(sctx, b.profile.BaseURL); err != nil {
			return b.fail(ctx, "failed to load "+b.profile.BaseURL, err)
		}
		b.acceptCookies(sctx, page)
	}
	return automation.Ok("session ready")
}

func (b *Bot) acceptCookies(ctx context.Context, p Page) {
	sel := b.profile.Selectors.CookieAccept
	if sel == "" {
		return
	}
	if ok, err := p.Exists(ctx, sel); err == nil && ok {
		if err := p.Click(ctx, sel); err != nil {
			b.log.WithError(err).Debug("cookie banner click failed")
		}
	}
}

// Login signs in with the given credentials. A visible login error is permanent.
func (b *Bot) Login(ctx context.Context, username, password string) automation.Result {
	p, err := b.current()
	if err != nil {
		return automation.Fail("login", automation.Permanent(err))
	}
	sel := b.profile.Selectors

	sctx, cancel := b.step(ctx)
	defer cancel()

	if err := p.Navigate(sctx, b.profile.LoginURL); err != nil {
		return b.fail(ctx, "failed to load login page", err)
	}
	b.acceptCookies(sctx, p)
	if err := p.WaitVisible(sctx, sel.LoginUsername); err != nil {
		return b.fail(ctx, "login form not found", err)
	}
	if err := automation.TypeHuman(sctx, p, sel.LoginUsername, username); err != nil {
		return b.fail(ctx, "failed to enter username", err)
	}
	if err := b.pause(sctx); err != nil {
		return b.fail(ctx, "login interrupted", err)
	}
	if err := automation.TypeHuman(sctx, p, sel.LoginPassword, password); err != nil {
		return b.fail(ctx, "failed to enter password", err)
	}
	if err := b.click(sctx, p, sel.LoginSubmit); err != nil {
		return b.fail(ctx, "failed to submit login", err)
	}

	if err := p.WaitVisible(sctx, sel.LoggedInMarker); err != nil {
		if sel.LoginError != "" {
			if rejected, _ := p.Exists(context.WithoutCancel(ctx), sel.LoginError); rejected {
				return b.fail(ctx, "login rejected by "+b.profile.Name, automation.Permanent(ErrLoginRejected))
			}
		}
		return b.fail(ctx, "login did not complete", err)
	}
	return automation.Ok("logged in")
}

// IsLoggedIn checks for the logged-in marker on the current page
func (b *Bot) IsLoggedIn(ctx context.Context) bool {
	p, err := b.current()
	if err != nil {
		return false
	}
	sctx, cancel := b.step(ctx)
	defer cancel()
	ok, err := p.Exists(sctx, b.profile.Selectors.LoggedInMarker)
	return err == nil && ok
}

// GetProductDetails loads a product page and reads name, price and availability
func (b *Bot) GetProductDetails(ctx context.Context, productURL string) (*automation.ProductDetails, automation.Result) {
	p, err := b.current()
	if err != nil {
		return nil, automation.Fail("product details", automation.Permanent(err))
	}
	sctx, cancel := b.step(ctx)
	defer cancel()

	if err := p.Navigate(sctx, productURL); err != nil {
		return nil, b.fail(ctx, "failed to load product page", err)
	}
	details, err := b.readProduct(sctx, p, productURL)
	if err != nil {
		return nil, b.fail(ctx, "failed to read product page", err)
	}
	return details, automation.Ok("product details read")
}

func (b *Bot) readProduct(ctx context.Context, p Page, productURL string) (*automation.ProductDetails, error) {
	sel := b.profile.Selectors
	if err := p.WaitVisible(ctx, sel.ProductName); err != nil {
		return nil, err
	}
	name, err := p.Text(ctx, sel.ProductName)
	if err != nil {
		return nil, err
	}
	d := &automation.ProductDetails{ID: productURL, Name: name, URL: productURL}

	if text, err := p.Text(ctx, sel.ProductPrice); err == nil {
		if price, err := ParsePrice(text); err == nil {
			d.Price = &price
		}
	}
	if sel.ProductImage != "" {
		d.ImageURL, _ = p.Attr(ctx, sel.ProductImage, "src")
	}

	canBuy, err := p.Exists(ctx, sel.AddToCart)
	if err != nil {
		return nil, err
	}
	soldOut := false
	if sel.UnavailableMarker != "" {
		if soldOut, err = p.Exists(ctx, sel.UnavailableMarker); err != nil {
			return nil, err
		}
	}
	d.IsAvailable = canBuy && !soldOut
	return d, nil
}

// SearchProducts opens the search page and returns the result links
func (b *Bot) SearchProducts(ctx context.Context, query string) ([]automation.ProductDetails, automation.Result) {
	p, err := b.current()
	if err != nil {
		return nil, automation.Fail("search", automation.Permanent(err))
	}
	if b.profile.SearchURL == "" || b.profile.Selectors.SearchResult == "" {
		return nil, automation.Fail("search", automation.Permanent(fmt.Errorf("%s does not support search", b.profile.Name)))
	}
	sctx, cancel := b.step(ctx)
	defer cancel()

	target := fmt.Sprintf(b.profile.SearchURL, url.QueryEscape(query))
	if err := p.Navigate(sctx, target); err != nil {
		return nil, b.fail(ctx, "failed to load search page", err)
	}
	exists, err := p.Exists(sctx, b.profile.Selectors.SearchResult)
	if err != nil {
		return nil, b.fail(ctx, "failed to read search results", err)
	}
	if !exists {
		return nil, automation.Ok("no results")
	}
	name, _ := p.Text(sctx, b.profile.Selectors.SearchResult)
	href, _ := p.Attr(sctx, b.profile.Selectors.SearchResult, "href")
	return []automation.ProductDetails{{ID: href, Name: name, URL: href}}, automation.Ok("1 result")
}

// AddToCart adds the product on the current page to the cart
func (b *Bot) AddToCart(ctx context.Context, productID string, quantity int) automation.Result {
	p, err := b.current()
	if err != nil {
		return automation.Fail("add to cart", automation.Permanent(err))
	}
	sel := b.profile.Selectors
	sctx, cancel := b.step(ctx)
	defer cancel()

	if quantity > 1 && sel.QuantityInput != "" {
		if err := automation.TypeHuman(sctx, p, sel.QuantityInput, fmt.Sprint(quantity)); err != nil {
			return b.fail(ctx, "failed to set quantity", err)
		}
	}
	if err := p.WaitVisible(sctx, sel.AddToCart); err != nil {
		return b.fail(ctx, "add to cart button not found", err)
	}
	if err := b.click(sctx, p, sel.AddToCart); err != nil {
		return b.fail(ctx, "failed to click add to cart", err)
	}
	if sel.CartConfirm != "" {
		if err := p.WaitVisible(sctx, sel.CartConfirm); err != nil {
			return b.fail(ctx, "cart did not confirm", err)
		}
	}
	return automation.Ok(fmt.Sprintf("added %d x %s to cart", quantity, productID))
}

// ProceedToCheckout opens the cart and starts checkout
func (b *Bot) ProceedToCheckout(ctx context.Context) automation.Result {
	p, err := b.current()
	if err != nil {
		return automation.Fail("checkout", automation.Permanent(err))
	}
	sel := b.profile.Selectors
	sctx, cancel := b.step(ctx)
	defer cancel()

	if err := p.Navigate(sctx, b.profile.CartURL); err != nil {
		return b.fail(ctx, "failed to load cart", err)
	}
	if err := p.WaitVisible(sctx, sel.CheckoutButton); err != nil {
		return b.fail(ctx, "checkout button not found", err)
	}
	if err := b.click(sctx, p, sel.CheckoutButton); err != nil {
		return b.fail(ctx, "failed to start checkout", err)
	}
	if sel.CheckoutForm != "" {
		if err := p.WaitVisible(sctx, sel.CheckoutForm); err != nil {
			return b.fail(ctx, "checkout page did not load", err)
		}
	}
	return automation.Ok("checkout started")
}

// FillCheckoutInfo types the shipping details into the profile's checkout fields
func (b *Bot) FillCheckoutInfo(ctx context.Context, info domain.CheckoutInfo) automation.Result {
	p, err := b.current()
	if err != nil {
		return automation.Fail("checkout info", automation.Permanent(err))
	}
	sctx, cancel := b.step(ctx)
	defer cancel()

	values := map[string]string{
		"full_name":   info.FullName,
		"email":       info.Email,
		"phone":       info.Phone,
		"address":     info.Address,
		"city":        info.City,
		"postal_code": info.PostalCode,
		"country":     info.Country,
	}
	for _, field := range []string{"full_name", "email", "phone", "address", "city", "postal_code", "country"} {
		selector, ok := b.profile.CheckoutFields[field]
		if !ok || values[field] == "" {
			continue
		}
		if err := automation.TypeHuman(sctx, p, selector, values[field]); err != nil {
			return b.fail(ctx, "failed to fill "+field, err)
		}
	}
	return automation.Ok("checkout info filled")
}

// CompletePurchase places the order and returns its reference
func (b *Bot) CompletePurchase(ctx context.Context) (string, automation.Result) {
	p, err := b.current()
	if err != nil {
		return "", automation.Fail("purchase", automation.Permanent(err))
	}
	sel := b.profile.Selectors
	sctx, cancel := b.step(ctx)
	defer cancel()

	if err := b.click(sctx, p, sel.PlaceOrder); err != nil {
		return "", b.fail(ctx, "failed to place order", err)
	}
	if err := p.WaitVisible(sctx, sel.OrderReference); err != nil {
		return "", b.fail(ctx, "order confirmation not shown", err)
	}
	ref, err := p.Text(sctx, sel.OrderReference)
	if err != nil {
		return "", b.fail(ctx, "failed to read order reference", err)
	}
	return ref, automation.Ok("order placed")
}

// Cleanup closes the page. Safe to call more than once.
func (b *Bot) Cleanup(ctx context.Context) error {
	b.mu.Lock()
	p := b.page
	b.page = nil
	b.mu.Unlock()
	if p == nil {
		return nil
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return p.Close(cctx)
}
