package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/Lunary1/lunar-bot/internal/domain"
)

// recurringKey is the Redis hash holding recurring job definitions
const recurringKey = "lunar:recurring"

// RedisOptions locates the Redis instance backing the AsynqBroker
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// AsynqOptions tunes the asynq servers
type AsynqOptions struct {
	// PollInterval is how often delayed and retried jobs are promoted. Zero keeps the asynq default.
	PollInterval    time.Duration
	ShutdownTimeout time.Duration
}

var _ Broker = (*AsynqBroker)(nil)

// AsynqBroker runs jobs on asynq. Each logical queue gets its own server so
// pool sizes are independent, and priorities map to strictly ordered sub-queues.
type AsynqBroker struct {
	cfg    Config
	opts   AsynqOptions
	redis     asynq.RedisClientOpt
	client    *asynq.Client
	inspector *asynq.Inspector
	rdb       *redis.Client
	log    *logrus.Logger
	sched  *scheduler

	mu       sync.Mutex
	handlers map[string]Handler
}

// NewAsynqBroker connects to Redis. Call Close when done.
func NewAsynqBroker(ro RedisOptions, cfg Config, opts AsynqOptions, log *logrus.Logger) *AsynqBroker {
	redisOpt := asynq.RedisClientOpt{Addr: ro.Addr, Password: ro.Password, DB: ro.DB}
	b := &AsynqBroker{
		cfg:       cfg,
		opts:      opts,
		redis:     redisOpt,
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		rdb:       redis.NewClient(&redis.Options{Addr: ro.Addr, Password: ro.Password, DB: ro.DB}),
		log:       log,
		handlers:  make(map[string]Handler),
	}
	b.sched = newScheduler(&redisRecurringStore{rdb: b.rdb}, b.Enqueue, log)
	return b
}

// Ping checks the Redis connection
func (b *AsynqBroker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Handle registers the handler for a job name
func (b *AsynqBroker) Handle(jobName string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[jobName] = h
}

// Enqueue submits a job to asynq. A JobID held by a finished job that asynq
// still keeps in its archive is freed and reused.
func (b *AsynqBroker) Enqueue(ctx context.Context, jobName string, payload []byte, opts EnqueueOptions) (string, error) {
	qname := priorityQueue(queueOrDefault(opts.Queue), opts.Priority)
	taskOpts := []asynq.Option{
		asynq.Queue(qname),
		asynq.MaxRetry(b.cfg.maxRetry(opts.MaxRetry)),
	}
	if opts.JobID != "" {
		taskOpts = append(taskOpts, asynq.TaskID(opts.JobID))
	}
	if opts.Delay > 0 {
		taskOpts = append(taskOpts, asynq.ProcessIn(opts.Delay))
	}

	task := asynq.NewTask(jobName, payload)
	info, err := b.client.EnqueueContext(ctx, task, taskOpts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) && b.clearFinished(qname, opts.JobID) {
		info, err = b.client.EnqueueContext(ctx, task, taskOpts...)
	}
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return "", fmt.Errorf("%w: %s", ErrDuplicateJob, opts.JobID)
	}
	if err != nil {
		return "", fmt.Errorf("enqueueing %s: %w", jobName, err)
	}
	return info.ID, nil
}

// clearFinished deletes the archived or completed task holding id in qname
func (b *AsynqBroker) clearFinished(qname, id string) bool {
	info, err := b.inspector.GetTaskInfo(qname, id)
	if err != nil {
		return false
	}
	if info.State != asynq.TaskStateArchived && info.State != asynq.TaskStateCompleted {
		return false
	}
	if err := b.inspector.DeleteTask(qname, id); err != nil {
		b.log.WithError(err).WithField("job_id", id).Warn("Failed to clear finished job")
		return false
	}
	b.log.WithFields(logrus.Fields{"job_id": id, "state": info.State.String()}).Debug("Cleared finished job for reuse")
	return true
}

// Schedule creates or replaces a recurring job. Definitions live in Redis so
// every process sees the same set.
func (b *AsynqBroker) Schedule(ctx context.Context, job RecurringJob) error {
	return b.sched.upsert(ctx, job)
}

// Unschedule removes a recurring job
func (b *AsynqBroker) Unschedule(ctx context.Context, id string) error {
	return b.sched.remove(ctx, id)
}

// Scheduled lists recurring jobs ordered by id
func (b *AsynqBroker) Scheduled(ctx context.Context) ([]RecurringJob, error) {
	return b.sched.list(ctx)
}

// Run starts one asynq server per queue and the recurring scheduler
func (b *AsynqBroker) Run(ctx context.Context) error {
	if err := b.sched.load(ctx); err != nil {
		return fmt.Errorf("loading recurring jobs: %w", err)
	}

	var servers []*asynq.Server
	for queue, concurrency := range b.cfg.Concurrency {
		if concurrency < 1 {
			concurrency = 1
		}
		srv := asynq.NewServer(b.redis, asynq.Config{
			Concurrency:              concurrency,
			Queues:                   subQueues(queue),
			StrictPriority:           true,
			RetryDelayFunc:           b.retryDelay,
			DelayedTaskCheckInterval: b.opts.PollInterval,
			ShutdownTimeout:          b.opts.ShutdownTimeout,
			Logger:                   b.log,
			LogLevel:                 asynq.WarnLevel,
		})
		if err := srv.Start(asynq.HandlerFunc(b.process)); err != nil {
			for _, s := range servers {
				s.Shutdown()
			}
			return fmt.Errorf("starting %s workers: %w", queue, err)
		}
		servers = append(servers, srv)
		b.log.WithFields(logrus.Fields{"queue": queue, "workers": concurrency}).Debug("Queue workers started")
	}

	b.sched.start(ctx)
	<-ctx.Done()
	b.sched.stop()
	for _, s := range servers {
		s.Shutdown()
	}
	return nil
}

// Close releases the Redis connections
func (b *AsynqBroker) Close() error {
	return errors.Join(b.client.Close(), b.inspector.Close(), b.rdb.Close())
}

func (b *AsynqBroker) retryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	return b.cfg.Backoff.Delay(n)
}

func (b *AsynqBroker) process(ctx context.Context, t *asynq.Task) error {
	b.mu.Lock()
	h, ok := b.handlers[t.Type()]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w for %q: %w", ErrNoHandler, t.Type(), asynq.SkipRetry)
	}

	job := &Job{Name: t.Type(), Payload: t.Payload()}
	job.ID, _ = asynq.GetTaskID(ctx)
	qname, _ := asynq.GetQueueName(ctx)
	job.Queue = logicalQueue(qname)
	job.Retried, _ = asynq.GetRetryCount(ctx)
	job.MaxRetry, _ = asynq.GetMaxRetry(ctx)

	err := runHandler(withRetryInfo(ctx, job.Retried, job.MaxRetry), b.log, job, h)
	if err != nil && IsPermanent(err) {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}

// priorityQueue maps a logical queue and priority to an asynq queue name
func priorityQueue(queue string, p domain.Priority) string {
	switch {
	case p >= domain.PriorityHigh:
		return queue + ":high"
	case p <= domain.PriorityLow && p != 0:
		return queue + ":low"
	default:
		return queue + ":normal"
	}
}

// logicalQueue strips the priority suffix from an asynq queue name
func logicalQueue(qname string) string {
	for _, suffix := range []string{":high", ":normal", ":low"} {
		if strings.HasSuffix(qname, suffix) {
			return strings.TrimSuffix(qname, suffix)
		}
	}
	return qname
}

func subQueues(queue string) map[string]int {
	return map[string]int{
		queue + ":high":   6,
		queue + ":normal": 3,
		queue + ":low":    1,
	}
}

// redisRecurringStore keeps recurring definitions as JSON in a Redis hash keyed by id
type redisRecurringStore struct {
	rdb *redis.Client
}

func (s *redisRecurringStore) Save(ctx context.Context, job RecurringJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, recurringKey, job.ID, data).Err()
}

func (s *redisRecurringStore) Delete(ctx context.Context, id string) error {
	return s.rdb.HDel(ctx, recurringKey, id).Err()
}

func (s *redisRecurringStore) List(ctx context.Context) ([]RecurringJob, error) {
	raw, err := s.rdb.HGetAll(ctx, recurringKey).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]RecurringJob, 0, len(raw))
	for id, data := range raw {
		var job RecurringJob
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			return nil, fmt.Errorf("decoding recurring job %s: %w", id, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
