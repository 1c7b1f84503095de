package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"
)

// runHandler executes h with lifecycle logging. A panic is converted to an error.
func runHandler(ctx context.Context, log *logrus.Logger, job *Job, h Handler) (err error) {
	entry := log.WithFields(logrus.Fields{
		"job_id":  job.ID,
		"job":     job.Name,
		"queue":   job.Queue,
		"attempt": job.Retried + 1,
	})
	start := time.Now()
	entry.Debug("Job started")

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
			entry.WithField("stack", string(debug.Stack())).Error("Job panicked")
		}
		elapsed := time.Since(start).Round(time.Millisecond)
		switch {
		case err == nil:
			entry.WithField("elapsed", elapsed).Debug("Job completed")
		case IsPermanent(err) || job.Retried >= job.MaxRetry:
			entry.WithError(err).WithField("elapsed", elapsed).Error("Job failed")
		default:
			entry.WithError(err).WithField("elapsed", elapsed).Warn("Job failed, will retry")
		}
	}()

	return h(ctx, job)
}
