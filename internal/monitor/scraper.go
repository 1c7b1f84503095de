package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Lunary1/lunar-bot/internal/automation"
	"github.com/Lunary1/lunar-bot/internal/botmanager"
	"github.com/Lunary1/lunar-bot/internal/domain"
)

// Registry hands out bots for product checks. Checks are released without
// an outcome so they do not count as purchase tasks.
type Registry interface {
	AcquireForStore(ctx context.Context, taskID string, storeType domain.StoreType, cfg automation.Config, proxy *automation.ProxyConfig) (*botmanager.Lease, error)
	ReleaseTask(taskID string) error
}

// BotScraper reads product pages through registry bots, limited per store
type BotScraper struct {
	bots   Registry
	config func(domain.StoreType) automation.Config
	perMin int

	mu       sync.Mutex
	limiters map[domain.StoreType]*rate.Limiter
}

// NewBotScraper creates a scraper allowing requestsPerMinute page reads per store.
// Zero disables limiting.
func NewBotScraper(bots Registry, config func(domain.StoreType) automation.Config, requestsPerMinute int) *BotScraper {
	return &BotScraper{
		bots:     bots,
		config:   config,
		perMin:   requestsPerMinute,
		limiters: make(map[domain.StoreType]*rate.Limiter),
	}
}

func (s *BotScraper) limiter(store domain.StoreType) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[store]
	if !ok {
		l = rate.NewLimiter(rate.Inf, 1)
		if s.perMin > 0 {
			l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(s.perMin)), 1)
		}
		s.limiters[store] = l
	}
	return l
}

// Scrape leases a bot for the product's store and reads the product page
func (s *BotScraper) Scrape(ctx context.Context, product *domain.Product) (*automation.ProductDetails, error) {
	if err := s.limiter(product.StoreType).Wait(ctx); err != nil {
		return nil, err
	}

	checkID := "check-" + product.ID + "-" + uuid.NewString()
	lease, err := s.bots.AcquireForStore(ctx, checkID, product.StoreType, s.config(product.StoreType), nil)
	if err != nil {
		return nil, fmt.Errorf("acquiring bot: %w", err)
	}

	defer s.bots.ReleaseTask(checkID)

	details, res := lease.Bot.GetProductDetails(ctx, product.URL)
	if !res.Success {
		return nil, res.Error()
	}
	return details, nil
}
