package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned for status changes the lifecycle forbids
var ErrInvalidTransition = errors.New("invalid status transition")

// Task is a unit of purchase-automation work targeting one product/account/proxy combination
type Task struct {
	ID             string
	UserID         string
	ProductID      string
	StoreAccountID string
	ProxyID        string // empty when no proxy is used
	Priority       Priority
	Quantity       int
	MaxPrice       *float64 // price ceiling carried from the watchlist, if any
	Status         TaskStatus
	RetryCount     int
	OrderRef       string
	PricePaid      *float64
	ErrorMessage   string
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	UpdatedAt      time.Time
}

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskQueued:  {TaskRunning, TaskCancelled, TaskFailed},
	TaskRunning: {TaskRunning, TaskCompleted, TaskFailed, TaskCancelled},
}

// CanTransition reports whether a task may move from one status to another.
// Terminal statuses never transition.
func CanTransition(from, to TaskStatus) bool {
	for _, allowed := range taskTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves the task to the given status, rejecting non-monotonic moves
func (t *Task) Transition(to TaskStatus, now time.Time) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("task %s: %w %s -> %s", t.ID, ErrInvalidTransition, t.Status, to)
	}
	t.Status = to
	t.UpdatedAt = now
	switch {
	case to == TaskRunning && t.StartedAt == nil:
		t.StartedAt = &now
	case to.IsTerminal():
		t.CompletedAt = &now
	}
	return nil
}

// MaxErrorMessageLen bounds error text stored in user-visible fields
const MaxErrorMessageLen = 500

// TruncateError shortens err text for persistence
func TruncateError(msg string) string {
	if len(msg) <= MaxErrorMessageLen {
		return msg
	}
	return msg[:MaxErrorMessageLen-3] + "..."
}
