package notify

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Async wraps a Notifier so callers never block on or fail because of delivery.
// Failures are logged and dropped.
type Async struct {
	next    Notifier
	log     *logrus.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewAsync creates a fire-and-forget dispatcher around next
func NewAsync(next Notifier, log *logrus.Logger) *Async {
	return &Async{next: next, log: log, timeout: 15 * time.Second}
}

// Send queues delivery in the background and always returns nil
func (a *Async) Send(_ context.Context, n Notification) error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.next.Send(ctx, n); err != nil {
			a.log.WithError(err).WithFields(logrus.Fields{
				"user_id": n.UserID,
				"kind":    n.Kind,
				"title":   n.Title,
			}).Warn("notification delivery failed")
		}
	}()
	return nil
}

// Wait blocks until in-flight deliveries finish
func (a *Async) Wait() {
	a.wg.Wait()
}
