package domain

import (
	"fmt"
	"time"
)

// Product is the stored snapshot of a monitored product page
type Product struct {
	ID            string
	StoreType     StoreType
	URL           string
	Name          string
	Price         *float64 // nil when the page did not expose a price
	IsAvailable   bool
	ImageURL      string
	IsActive      bool
	LastCheckedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// WatchlistItem is a standing instruction to monitor a product and optionally auto-purchase it
type WatchlistItem struct {
	ID            string
	UserID        string
	ProductID     string
	MaxPrice      *float64
	AutoPurchase  bool
	Status        WatchStatus
	CheckInterval time.Duration // zero means the configured default
	LastAttemptAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// MonitorJobID returns the deterministic recurring job id for a watchlist item
func MonitorJobID(watchlistItemID string) string {
	return fmt.Sprintf("monitor-%s", watchlistItemID)
}

// StoreAccount holds a user's login for one storefront.
// PasswordEncrypted is vault ciphertext and is never logged.
type StoreAccount struct {
	ID                string
	UserID            string
	StoreType         StoreType
	Username          string
	PasswordEncrypted string
	IsActive          bool
	CreatedAt         time.Time
}

// Proxy describes an outbound proxy a bot may route through
type Proxy struct {
	ID       string
	Host     string
	Port     int
	Username string
	Password string
	IsActive bool
}

// Addr returns host:port
func (p Proxy) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// BotConfigRecord is the persisted default bot configuration of a store type
type BotConfigRecord struct {
	StoreType     StoreType
	Headless      bool
	Timeout       time.Duration
	RetryAttempts int
	DelayMin      time.Duration
	DelayMax      time.Duration
	UpdatedAt     time.Time
}

// PurchaseHistory is an append-only record of a successful purchase
type PurchaseHistory struct {
	ID          string
	TaskID      string
	UserID      string
	ProductID   string
	OrderRef    string
	PricePaid   *float64
	PurchasedAt time.Time
}

// ProductAlert records an alert raised by monitoring or the purchase pipeline
type ProductAlert struct {
	ID        string
	UserID    string
	ProductID string
	Kind      AlertKind
	Message   string
	OldPrice  *float64
	NewPrice  *float64
	CreatedAt time.Time
}

// PricePoint is one entry of a product's price history
type PricePoint struct {
	ProductID   string
	Price       float64
	IsAvailable bool
	RecordedAt  time.Time
}

// CheckoutInfo is the shipping/contact data entered during checkout
type CheckoutInfo struct {
	FullName   string `toml:"full_name" json:"full_name"`
	Email      string `toml:"email" json:"email"`
	Phone      string `toml:"phone" json:"phone"`
	Address    string `toml:"address" json:"address"`
	City       string `toml:"city" json:"city"`
	PostalCode string `toml:"postal_code" json:"postal_code"`
	Country    string `toml:"country" json:"country"`
}
