package botmanager

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Supervise periodically recycles stuck bots until ctx is done. A running bot
// outside the health window is marked error; error bots without a task are restarted.
func (m *Manager) Supervise(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.recycle(ctx)
		}
	}
}

func (m *Manager) recycle(ctx context.Context) {
	for _, h := range m.HealthCheck() {
		switch {
		case h.State == StateRunning && !h.Healthy:
			m.MarkError(h.BotID, fmt.Errorf("no activity since %s", h.LastActivity.Format(time.RFC3339)))
			fallthrough
		case h.State == StateError:
			if err := m.Restart(ctx, h.BotID); err != nil {
				m.log.WithError(err).WithFields(logrus.Fields{"bot_id": h.BotID}).Warn("bot restart failed")
			}
		}
	}
}
