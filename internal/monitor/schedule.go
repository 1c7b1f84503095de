package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Lunary1/lunar-bot/internal/domain"
	"github.com/Lunary1/lunar-bot/internal/queue"
	"github.com/Lunary1/lunar-bot/internal/taskstore"
)

// ItemJobID is the recurring job id of a watchlist item. Scheduling the same
// item again replaces its job.
func ItemJobID(itemID string) string {
	return domain.MonitorJobID(itemID)
}

type itemPayload struct {
	WatchlistItemID string `json:"watchlist_item_id"`
}

// Scheduler runs both monitoring models on a broker: the interval batch scan
// and per-item recurring checks
type Scheduler struct {
	checker      *Checker
	broker       queue.Broker
	store        Store
	scan         ScanOptions
	itemInterval time.Duration
	log          *logrus.Logger
}

// NewScheduler creates a Scheduler. itemInterval applies to items without their own interval.
func NewScheduler(checker *Checker, broker queue.Broker, store Store, scan ScanOptions, itemInterval time.Duration, log *logrus.Logger) *Scheduler {
	return &Scheduler{
		checker:      checker,
		broker:       broker,
		store:        store,
		scan:         scan,
		itemInterval: itemInterval,
		log:          log,
	}
}

// Register installs the monitor job handlers on the broker
func (s *Scheduler) Register() {
	s.broker.Handle(JobScan, s.handleScan)
	s.broker.Handle(JobCheckItem, s.handleItem)
}

// ScheduleScan runs the batch scan every interval
func (s *Scheduler) ScheduleScan(ctx context.Context, interval time.Duration) error {
	return s.broker.Schedule(ctx, queue.RecurringJob{
		ID:      ScanJobID,
		JobName: JobScan,
		Queue:   queue.QueueMonitor,
		Payload: []byte(`{}`),
		Every:   interval,
	})
}

// ScheduleItem starts or replaces the recurring check of a watchlist item
func (s *Scheduler) ScheduleItem(ctx context.Context, item *domain.WatchlistItem) error {
	payload, err := queue.EncodePayload(itemPayload{WatchlistItemID: item.ID})
	if err != nil {
		return err
	}
	every := item.CheckInterval
	if every <= 0 {
		every = s.itemInterval
	}
	return s.broker.Schedule(ctx, queue.RecurringJob{
		ID:       ItemJobID(item.ID),
		JobName:  JobCheckItem,
		Queue:    queue.QueueMonitor,
		Payload:  payload,
		Priority: domain.PriorityNormal,
		Every:    every,
	})
}

// UnscheduleItem stops the recurring check of a watchlist item
func (s *Scheduler) UnscheduleItem(ctx context.Context, itemID string) error {
	return s.broker.Unschedule(ctx, ItemJobID(itemID))
}

// ScheduleAll schedules every item currently being monitored and returns how many
func (s *Scheduler) ScheduleAll(ctx context.Context) (int, error) {
	items, err := s.store.ListWatchlistByStatus(ctx, domain.WatchMonitoring)
	if err != nil {
		return 0, err
	}
	for _, item := range items {
		if err := s.ScheduleItem(ctx, item); err != nil {
			return 0, fmt.Errorf("scheduling %s: %w", item.ID, err)
		}
	}
	return len(items), nil
}

// handleScan never fails the job, so a bad cycle cannot stop later cycles
func (s *Scheduler) handleScan(ctx context.Context, _ *queue.Job) error {
	if _, err := s.checker.Scan(ctx, s.scan); err != nil {
		s.log.WithError(err).Error("Monitoring scan failed")
	}
	return nil
}

func (s *Scheduler) handleItem(ctx context.Context, job *queue.Job) error {
	var p itemPayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	entry := s.log.WithField("watchlist_item_id", p.WatchlistItemID)

	item, err := s.store.GetWatchlistItem(ctx, p.WatchlistItemID)
	if errors.Is(err, taskstore.ErrNotFound) {
		entry.Info("Watchlist item removed, unscheduling")
		if err := s.UnscheduleItem(ctx, p.WatchlistItemID); err != nil {
			entry.WithError(err).Warn("Failed to unschedule")
		}
		return nil
	}
	if err != nil {
		return err
	}
	if item.Status != domain.WatchMonitoring {
		entry.WithField("status", item.Status).Debug("Item not monitoring, skipping check")
		return nil
	}

	if _, err := s.checker.CheckProduct(ctx, item.ProductID); err != nil {
		entry.WithError(err).Warn("Watchlist check failed")
	}
	return nil
}
