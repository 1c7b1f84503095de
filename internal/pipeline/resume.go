package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/Lunary1/lunar-bot/internal/domain"
	"github.com/Lunary1/lunar-bot/internal/queue"
	"github.com/Lunary1/lunar-bot/internal/taskstore"
)

// ErrInterrupted means the process stopped while the task ran
var ErrInterrupted = errors.New("interrupted by shutdown")

// ResumeReport counts what Resume did
type ResumeReport struct {
	Resubmitted int
	Failed      int
}

// Resume settles tasks a previous process left unfinished. It runs before the
// broker starts. Queued tasks are submitted again; a duplicate means the broker
// still holds their job. Running tasks are failed when failRunning is set,
// which is the case for brokers that lose their jobs on restart. Otherwise the
// broker redelivers them.
func (w *Worker) Resume(ctx context.Context, b queue.Broker, failRunning bool) (ResumeReport, error) {
	var report ResumeReport

	queued, err := w.store.ListTasks(ctx, taskstore.ListOptions{Status: domain.TaskQueued})
	if err != nil {
		return report, fmt.Errorf("listing queued tasks: %w", err)
	}
	for _, task := range queued {
		_, err := Submit(ctx, b, PayloadFor(task, w.watchFor(ctx, task)))
		switch {
		case errors.Is(err, queue.ErrDuplicateJob):
		case err != nil:
			return report, err
		default:
			report.Resubmitted++
		}
	}

	if failRunning {
		running, err := w.store.ListTasks(ctx, taskstore.ListOptions{Status: domain.TaskRunning})
		if err != nil {
			return report, fmt.Errorf("listing running tasks: %w", err)
		}
		for _, task := range running {
			entry := w.log.WithField("task_id", task.ID)
			w.fail(ctx, entry, task, PayloadFor(task, w.watchFor(ctx, task)), ErrInterrupted)
			report.Failed++
		}
	}

	if report.Resubmitted > 0 || report.Failed > 0 {
		w.log.WithFields(logrus.Fields{"resubmitted": report.Resubmitted, "failed": report.Failed}).Info("Resumed unfinished tasks")
	}
	return report, nil
}

// watchFor finds the watchlist item an auto-purchase task was fired for
func (w *Worker) watchFor(ctx context.Context, task *domain.Task) string {
	items, err := w.store.ListWatchlistByProduct(ctx, task.ProductID)
	if err != nil {
		return ""
	}
	for _, item := range items {
		if item.UserID == task.UserID && item.Status == domain.WatchPurchasing {
			return item.ID
		}
	}
	return ""
}
