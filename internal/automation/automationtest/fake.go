// Package automationtest provides a scriptable StoreBot for tests.
package automationtest

import (
	"context"
	"errors"
	"sync"

	"github.com/Lunary1/lunar-bot/internal/automation"
	"github.com/Lunary1/lunar-bot/internal/domain"
)

// ErrScripted is the default error of scripted failures
var ErrScripted = errors.New("scripted failure")

// Bot is a StoreBot whose outcomes are set by the test.
// Fail* counters make the next N calls of that step fail with StepErr.
type Bot struct {
	mu sync.Mutex

	InitErr       error
	LoginErr      error
	Details       *automation.ProductDetails
	DetailsErr    error
	FailAddToCart int
	StepErr       error
	OrderRef      string
	CleanupErr    error

	// OnAddToCart runs before each AddToCart call
	OnAddToCart func()

	Calls     []string
	CleanedUp int
	loggedIn  bool
}

var _ automation.StoreBot = (*Bot)(nil)

func (b *Bot) record(call string) {
	b.mu.Lock()
	b.Calls = append(b.Calls, call)
	b.mu.Unlock()
}

// CallCount returns how often call was made
func (b *Bot) CallCount(call string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.Calls {
		if c == call {
			n++
		}
	}
	return n
}

func (b *Bot) Initialize(context.Context) automation.Result {
	b.record("Initialize")
	if b.InitErr != nil {
		return automation.Fail("initialize failed", b.InitErr)
	}
	return automation.Ok("initialized")
}

func (b *Bot) Login(_ context.Context, username, password string) automation.Result {
	b.record("Login")
	if b.LoginErr != nil {
		return automation.Fail("login failed", b.LoginErr)
	}
	b.mu.Lock()
	b.loggedIn = true
	b.mu.Unlock()
	return automation.Ok("logged in as " + username)
}

func (b *Bot) SearchProducts(context.Context, string) ([]automation.ProductDetails, automation.Result) {
	b.record("SearchProducts")
	if b.Details == nil {
		return nil, automation.Ok("no results")
	}
	return []automation.ProductDetails{*b.Details}, automation.Ok("1 result")
}

func (b *Bot) GetProductDetails(_ context.Context, url string) (*automation.ProductDetails, automation.Result) {
	b.record("GetProductDetails")
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.DetailsErr != nil {
		return nil, automation.Fail("details failed", b.DetailsErr)
	}
	if b.Details == nil {
		return nil, automation.Fail("no product", ErrScripted)
	}
	d := *b.Details
	if d.URL == "" {
		d.URL = url
	}
	return &d, automation.Ok("details read")
}

// SetDetails replaces the product page the bot reports
func (b *Bot) SetDetails(d automation.ProductDetails) {
	b.mu.Lock()
	b.Details = &d
	b.mu.Unlock()
}

func (b *Bot) AddToCart(context.Context, string, int) automation.Result {
	b.record("AddToCart")
	if b.OnAddToCart != nil {
		b.OnAddToCart()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailAddToCart > 0 {
		b.FailAddToCart--
		err := b.StepErr
		if err == nil {
			err = ErrScripted
		}
		return automation.Fail(err.Error(), err)
	}
	return automation.Ok("added to cart")
}

func (b *Bot) ProceedToCheckout(context.Context) automation.Result {
	b.record("ProceedToCheckout")
	return automation.Ok("at checkout")
}

func (b *Bot) FillCheckoutInfo(context.Context, domain.CheckoutInfo) automation.Result {
	b.record("FillCheckoutInfo")
	return automation.Ok("checkout info filled")
}

func (b *Bot) CompletePurchase(context.Context) (string, automation.Result) {
	b.record("CompletePurchase")
	return b.OrderRef, automation.Ok("order placed")
}

func (b *Bot) IsLoggedIn(context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loggedIn
}

func (b *Bot) Cleanup(context.Context) error {
	b.mu.Lock()
	b.CleanedUp++
	b.mu.Unlock()
	b.record("Cleanup")
	return b.CleanupErr
}

// Factory hands out pre-built bots in order, then fresh default bots
type Factory struct {
	mu    sync.Mutex
	Queue []*Bot
	Built []*Bot
}

// Constructor returns an automation.Constructor backed by the factory
func (f *Factory) Constructor() automation.Constructor {
	return func(automation.Options) (automation.StoreBot, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var b *Bot
		if len(f.Queue) > 0 {
			b, f.Queue = f.Queue[0], f.Queue[1:]
		} else {
			b = &Bot{}
		}
		f.Built = append(f.Built, b)
		return b, nil
	}
}

// Count returns how many bots were built
func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Built)
}
