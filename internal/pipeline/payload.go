package pipeline

import (
	"context"
	"fmt"

	"github.com/Lunary1/lunar-bot/internal/domain"
	"github.com/Lunary1/lunar-bot/internal/queue"
)

// JobPurchase is the job name of purchase tasks
const JobPurchase = "purchase:task"

// Payload is the purchase job body
type Payload struct {
	TaskID          string          `json:"task_id"`
	UserID          string          `json:"user_id"`
	ProductID       string          `json:"product_id"`
	StoreAccountID  string          `json:"store_account_id"`
	ProxyID         string          `json:"proxy_id,omitempty"`
	Priority        domain.Priority `json:"priority"`
	MaxPrice        *float64        `json:"max_price,omitempty"`
	WatchlistItemID string          `json:"watchlist_item_id,omitempty"`
}

// PayloadFor builds the job body of a persisted task
func PayloadFor(task *domain.Task, watchlistItemID string) Payload {
	return Payload{
		TaskID:          task.ID,
		UserID:          task.UserID,
		ProductID:       task.ProductID,
		StoreAccountID:  task.StoreAccountID,
		ProxyID:         task.ProxyID,
		Priority:        task.Priority,
		MaxPrice:        task.MaxPrice,
		WatchlistItemID: watchlistItemID,
	}
}

// JobID is the queue id of a task's purchase job. Submitting a task twice while
// its job is pending is rejected by the broker.
func JobID(taskID string) string {
	return "purchase-" + taskID
}

// Submit enqueues the purchase job of a persisted task
func Submit(ctx context.Context, b queue.Broker, p Payload) (string, error) {
	data, err := queue.EncodePayload(p)
	if err != nil {
		return "", err
	}
	id, err := b.Enqueue(ctx, JobPurchase, data, queue.EnqueueOptions{
		Queue:    queue.QueuePurchase,
		Priority: p.Priority,
		JobID:    JobID(p.TaskID),
	})
	if err != nil {
		return "", fmt.Errorf("submitting task %s: %w", p.TaskID, err)
	}
	return id, nil
}
