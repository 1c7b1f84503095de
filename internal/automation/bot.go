// Package automation defines the contract every storefront adapter implements
// together with the retry and human-like timing helpers adapters share.
package automation

import (
	"context"
	"time"

	"github.com/Lunary1/lunar-bot/internal/domain"
)

// Result is the uniform outcome of an adapter operation
type Result struct {
	Success    bool
	Message    string
	Err        error
	Screenshot []byte // optional diagnostic capture
}

// Ok builds a successful result
func Ok(msg string) Result {
	return Result{Success: true, Message: msg}
}

// Fail builds a failed result carrying err
func Fail(msg string, err error) Result {
	return Result{Message: msg, Err: err}
}

// Error returns a non-nil error for failed results so callers can feed them to Retry
func (r Result) Error() error {
	if r.Success {
		return nil
	}
	if r.Err != nil {
		return r.Err
	}
	return &OperationError{Message: r.Message}
}

// OperationError is used when an adapter reports failure without an underlying error
type OperationError struct {
	Message string
}

func (e *OperationError) Error() string {
	if e.Message == "" {
		return "operation failed"
	}
	return e.Message
}

// ProductDetails is what an adapter reads from a product page
type ProductDetails struct {
	ID          string
	Name        string
	URL         string
	Price       *float64
	IsAvailable bool
	ImageURL    string
}

// Config controls one bot's session
type Config struct {
	Headless      bool
	Timeout       time.Duration // per browser operation
	RetryAttempts int
	DelayMin      time.Duration // between UI interactions
	DelayMax      time.Duration
}

// Policy derives the step retry policy from the bot configuration
func (c Config) Policy() Policy {
	return Policy{Attempts: c.RetryAttempts, MinDelay: c.DelayMin, MaxDelay: c.DelayMax}
}

// ProxyConfig is the network route for a bot
type ProxyConfig struct {
	Host     string
	Port     int
	Username string
	Password string
}

// ProxyFromDomain converts a stored proxy record
func ProxyFromDomain(p *domain.Proxy) *ProxyConfig {
	if p == nil {
		return nil
	}
	return &ProxyConfig{Host: p.Host, Port: p.Port, Username: p.Username, Password: p.Password}
}

// StoreBot is the operation set of a storefront adapter.
// Cleanup must be safe to call on every exit path, including after a failed Initialize.
type StoreBot interface {
	Initialize(ctx context.Context) Result
	Login(ctx context.Context, username, password string) Result
	SearchProducts(ctx context.Context, query string) ([]ProductDetails, Result)
	GetProductDetails(ctx context.Context, url string) (*ProductDetails, Result)
	AddToCart(ctx context.Context, productID string, quantity int) Result
	ProceedToCheckout(ctx context.Context) Result
	FillCheckoutInfo(ctx context.Context, info domain.CheckoutInfo) Result
	CompletePurchase(ctx context.Context) (orderRef string, res Result)
	IsLoggedIn(ctx context.Context) bool
	Cleanup(ctx context.Context) error
}
