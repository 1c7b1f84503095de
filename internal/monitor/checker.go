// Package monitor polls watched products for stock and price changes, raises
// alerts and fires automatic purchases.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Lunary1/lunar-bot/internal/automation"
	"github.com/Lunary1/lunar-bot/internal/domain"
	"github.com/Lunary1/lunar-bot/internal/notify"
	"github.com/Lunary1/lunar-bot/internal/pipeline"
	"github.com/Lunary1/lunar-bot/internal/queue"
	"github.com/Lunary1/lunar-bot/internal/taskstore"
)

// DefaultPriceDropThreshold is the percentage a price must fall to raise an alert
const DefaultPriceDropThreshold = 10.0

// Store is the persistence the monitor needs
type Store interface {
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	ListActiveProducts(ctx context.Context) ([]*domain.Product, error)
	UpdateProductSnapshot(ctx context.Context, id, name string, price *float64, available bool, checkedAt time.Time) error
	AppendPricePoint(ctx context.Context, pt domain.PricePoint) error
	GetWatchlistItem(ctx context.Context, id string) (*domain.WatchlistItem, error)
	ListWatchlistByProduct(ctx context.Context, productID string) ([]*domain.WatchlistItem, error)
	ListWatchlistByStatus(ctx context.Context, status domain.WatchStatus) ([]*domain.WatchlistItem, error)
	CompareAndSetWatchStatus(ctx context.Context, id string, from, to domain.WatchStatus, attemptAt time.Time) (bool, error)
	UpdateWatchStatus(ctx context.Context, id string, status domain.WatchStatus) error
	FindActiveStoreAccount(ctx context.Context, userID string, storeType domain.StoreType) (*domain.StoreAccount, error)
	CreateTask(ctx context.Context, task *domain.Task) error
	TransitionTask(ctx context.Context, id string, to domain.TaskStatus) (*domain.Task, error)
	CreateAlert(ctx context.Context, a *domain.ProductAlert) error
}

// Scraper reads the live state of a product page
type Scraper interface {
	Scrape(ctx context.Context, product *domain.Product) (*automation.ProductDetails, error)
}

// Change describes what a check observed relative to the stored snapshot
type Change struct {
	StockChanged  bool
	PriceChanged  bool
	OldPrice      *float64
	NewPrice      *float64
	PercentChange float64 // negative for drops
	PriceDrop     bool    // drop at or beyond the threshold
}

// CheckResult is the outcome of one product check
type CheckResult struct {
	Product *domain.Product // updated snapshot
	Change  Change
	Fired   []string // task ids created by auto-purchase
}

// Checker checks one product at a time. It is safe for concurrent use.
type Checker struct {
	store    Store
	scraper  Scraper
	broker   queue.Broker
	notifier notify.Notifier
	log      *logrus.Logger
	now      func() time.Time

	mu        sync.RWMutex
	threshold float64
}

// NewChecker creates a product checker
func NewChecker(store Store, scraper Scraper, broker queue.Broker, notifier notify.Notifier, log *logrus.Logger) *Checker {
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	return &Checker{
		store:     store,
		scraper:   scraper,
		broker:    broker,
		notifier:  notifier,
		log:       log,
		now:       time.Now,
		threshold: DefaultPriceDropThreshold,
	}
}

// SetThreshold changes the price-drop percentage used by later checks
func (c *Checker) SetThreshold(percent float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threshold = math.Abs(percent)
}

// Threshold returns the current price-drop percentage
func (c *Checker) Threshold() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.threshold
}

// Compare derives the change between a stored snapshot and a fresh scrape
func Compare(old *domain.Product, fresh *automation.ProductDetails, threshold float64) Change {
	ch := Change{
		StockChanged: old.IsAvailable != fresh.IsAvailable,
		OldPrice:     old.Price,
		NewPrice:     fresh.Price,
	}
	if old.Price == nil || fresh.Price == nil {
		return ch
	}
	delta := *fresh.Price - *old.Price
	if delta == 0 {
		return ch
	}
	ch.PriceChanged = true
	if *old.Price != 0 {
		ch.PercentChange = delta / *old.Price * 100
	}
	ch.PriceDrop = delta < 0 && math.Abs(ch.PercentChange) >= threshold
	return ch
}

// CheckProduct scrapes a product, persists the snapshot and price point, raises
// alerts to its watchers and fires auto-purchases whose conditions hold.
func (c *Checker) CheckProduct(ctx context.Context, productID string) (*CheckResult, error) {
	product, err := c.store.GetProduct(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("loading product %s: %w", productID, err)
	}
	entry := c.log.WithFields(logrus.Fields{"product_id": product.ID, "store": product.StoreType})

	fresh, err := c.scraper.Scrape(ctx, product)
	if err != nil {
		return nil, fmt.Errorf("scraping %s: %w", product.URL, err)
	}

	change := Compare(product, fresh, c.Threshold())
	now := c.now()
	if err := c.store.UpdateProductSnapshot(ctx, product.ID, fresh.Name, fresh.Price, fresh.IsAvailable, now); err != nil {
		return nil, fmt.Errorf("saving snapshot: %w", err)
	}
	if fresh.Price != nil {
		pt := domain.PricePoint{ProductID: product.ID, Price: *fresh.Price, IsAvailable: fresh.IsAvailable, RecordedAt: now}
		if err := c.store.AppendPricePoint(ctx, pt); err != nil {
			entry.WithError(err).Warn("Failed to append price point")
		}
	}

	if fresh.Name != "" {
		product.Name = fresh.Name
	}
	product.Price = fresh.Price
	product.IsAvailable = fresh.IsAvailable
	product.LastCheckedAt = &now
	result := &CheckResult{Product: product, Change: change}

	items, err := c.store.ListWatchlistByProduct(ctx, product.ID)
	if err != nil {
		return result, fmt.Errorf("loading watchers: %w", err)
	}

	for _, item := range items {
		if item.Status == domain.WatchPaused {
			continue
		}
		c.raiseAlerts(ctx, entry, product, item, change)

		taskID, err := c.maybePurchase(ctx, product, item)
		if err != nil {
			entry.WithError(err).WithField("watchlist_item_id", item.ID).Error("Auto-purchase failed")
			continue
		}
		if taskID != "" {
			result.Fired = append(result.Fired, taskID)
		}
	}

	entry.WithFields(logrus.Fields{
		"available":     fresh.IsAvailable,
		"stock_changed": change.StockChanged,
		"price_changed": change.PriceChanged,
		"fired":         len(result.Fired),
	}).Debug("Product checked")
	return result, nil
}

func (c *Checker) raiseAlerts(ctx context.Context, entry *logrus.Entry, p *domain.Product, item *domain.WatchlistItem, ch Change) {
	if ch.StockChanged {
		msg := fmt.Sprintf("%s is out of stock", label(p))
		level := notify.LevelWarning
		if p.IsAvailable {
			msg = fmt.Sprintf("%s is back in stock", label(p))
			level = notify.LevelSuccess
		}
		c.alert(ctx, entry, p, item, domain.AlertStock, "Stock changed", msg, level, nil, nil)
	}
	if ch.PriceDrop {
		msg := fmt.Sprintf("%s dropped %.1f%% from %.2f to %.2f", label(p), math.Abs(ch.PercentChange), *ch.OldPrice, *ch.NewPrice)
		c.alert(ctx, entry, p, item, domain.AlertPriceDrop, "Price drop", msg, notify.LevelInfo, ch.OldPrice, ch.NewPrice)
	}
}

// eligible reports whether an auto-purchase may fire for item right now
func eligible(p *domain.Product, item *domain.WatchlistItem) bool {
	if !item.AutoPurchase || item.Status != domain.WatchMonitoring || !p.IsAvailable {
		return false
	}
	if item.MaxPrice == nil {
		return true
	}
	return p.Price != nil && *p.Price <= *item.MaxPrice
}

// maybePurchase fires an auto-purchase. The status compare-and-set from
// monitoring to purchasing is the gate, so overlapping checks fire once.
func (c *Checker) maybePurchase(ctx context.Context, p *domain.Product, item *domain.WatchlistItem) (string, error) {
	if !eligible(p, item) {
		return "", nil
	}
	account, err := c.store.FindActiveStoreAccount(ctx, item.UserID, p.StoreType)
	if errors.Is(err, taskstore.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("finding store account: %w", err)
	}

	won, err := c.store.CompareAndSetWatchStatus(ctx, item.ID, domain.WatchMonitoring, domain.WatchPurchasing, c.now())
	if err != nil {
		return "", err
	}
	if !won {
		return "", nil
	}

	task := &domain.Task{
		UserID:         item.UserID,
		ProductID:      p.ID,
		StoreAccountID: account.ID,
		Priority:       domain.PriorityHigh,
		MaxPrice:       item.MaxPrice,
	}
	if err := c.store.CreateTask(ctx, task); err != nil {
		c.revert(ctx, item.ID)
		return "", fmt.Errorf("creating task: %w", err)
	}
	if _, err := pipeline.Submit(ctx, c.broker, pipeline.PayloadFor(task, item.ID)); err != nil {
		if _, terr := c.store.TransitionTask(ctx, task.ID, domain.TaskFailed); terr != nil {
			c.log.WithError(terr).WithField("task_id", task.ID).Warn("Failed to fail unsubmitted task")
		}
		c.revert(ctx, item.ID)
		return "", err
	}

	entry := c.log.WithFields(logrus.Fields{"product_id": p.ID, "watchlist_item_id": item.ID, "task_id": task.ID})
	msg := fmt.Sprintf("Buying %s", label(p))
	if p.Price != nil {
		msg += fmt.Sprintf(" at %.2f", *p.Price)
	}
	n := notify.Notification{TaskID: task.ID}
	c.alertWith(ctx, entry, p, item, domain.AlertAutoPurchase, "Auto-purchase started", msg, notify.LevelInfo, nil, p.Price, n)
	entry.Info("Auto-purchase fired")
	return task.ID, nil
}

func (c *Checker) revert(ctx context.Context, itemID string) {
	if err := c.store.UpdateWatchStatus(ctx, itemID, domain.WatchMonitoring); err != nil {
		c.log.WithError(err).WithField("watchlist_item_id", itemID).Error("Failed to revert watchlist status")
	}
}

func (c *Checker) alert(ctx context.Context, entry *logrus.Entry, p *domain.Product, item *domain.WatchlistItem, kind domain.AlertKind, title, msg string, level notify.Level, oldPrice, newPrice *float64) {
	c.alertWith(ctx, entry, p, item, kind, title, msg, level, oldPrice, newPrice, notify.Notification{})
}

func (c *Checker) alertWith(ctx context.Context, entry *logrus.Entry, p *domain.Product, item *domain.WatchlistItem, kind domain.AlertKind, title, msg string, level notify.Level, oldPrice, newPrice *float64, n notify.Notification) {
	err := c.store.CreateAlert(ctx, &domain.ProductAlert{
		UserID:    item.UserID,
		ProductID: p.ID,
		Kind:      kind,
		Message:   msg,
		OldPrice:  oldPrice,
		NewPrice:  newPrice,
	})
	if err != nil {
		entry.WithError(err).Warn("Failed to record alert")
	}

	n.UserID = item.UserID
	n.Title = title
	n.Message = msg
	n.Level = level
	n.Kind = string(kind)
	n.ProductID = p.ID
	n.URL = p.URL
	if err := c.notifier.Send(ctx, n); err != nil {
		entry.WithError(err).Warn("Notification failed")
	}
}

func label(p *domain.Product) string {
	if p.Name != "" {
		return p.Name
	}
	return p.URL
}
