package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DeadJob is a job that exhausted its retries or failed permanently
type DeadJob struct {
	Job      Job
	Err      string
	FailedAt time.Time
}

var _ Broker = (*MemoryBroker)(nil)

// MemoryBroker runs jobs in-process. Nothing survives a restart.
type MemoryBroker struct {
	cfg   Config
	log   *logrus.Logger
	sched *scheduler

	mu       sync.Mutex
	handlers map[string]Handler
	queues   map[string]*memQueue
	live     map[string]struct{} // ids of pending or running jobs
	dead     []DeadJob
	seq      uint64
}

type memQueue struct {
	ready  jobHeap
	wakeup chan struct{}
}

// NewMemoryBroker creates an in-process broker
func NewMemoryBroker(cfg Config, log *logrus.Logger) *MemoryBroker {
	b := &MemoryBroker{
		cfg:      cfg,
		log:      log,
		handlers: make(map[string]Handler),
		queues:   make(map[string]*memQueue),
		live:     make(map[string]struct{}),
	}
	b.sched = newScheduler(newMemoryRecurringStore(), b.Enqueue, log)
	return b
}

func (b *MemoryBroker) queue(name string) *memQueue {
	q, ok := b.queues[name]
	if !ok {
		n := b.cfg.Concurrency[name]
		if n < 1 {
			n = 1
		}
		q = &memQueue{wakeup: make(chan struct{}, n)}
		b.queues[name] = q
	}
	return q
}

// Handle registers the handler for a job name
func (b *MemoryBroker) Handle(jobName string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[jobName] = h
}

// Enqueue queues a job and returns its id
func (b *MemoryBroker) Enqueue(ctx context.Context, jobName string, payload []byte, opts EnqueueOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := opts.JobID
	if id == "" {
		id = uuid.New().String()
	}

	b.mu.Lock()
	if _, ok := b.live[id]; ok {
		b.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateJob, id)
	}
	b.live[id] = struct{}{}
	b.mu.Unlock()

	job := &Job{
		ID:       id,
		Name:     jobName,
		Queue:    queueOrDefault(opts.Queue),
		Payload:  payload,
		Priority: opts.Priority,
		MaxRetry: b.cfg.maxRetry(opts.MaxRetry),
	}
	b.pushAfter(job, opts.Delay)
	return id, nil
}

func (b *MemoryBroker) pushAfter(job *Job, delay time.Duration) {
	if delay <= 0 {
		b.push(job)
		return
	}
	time.AfterFunc(delay, func() { b.push(job) })
}

func (b *MemoryBroker) push(job *Job) {
	b.mu.Lock()
	q := b.queue(job.Queue)
	b.seq++
	heap.Push(&q.ready, &queued{job: job, seq: b.seq})
	b.mu.Unlock()

	select {
	case q.wakeup <- struct{}{}:
	default:
	}
}

func (b *MemoryBroker) pop(q *memQueue) *Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q.ready.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.ready).(*queued).job
}

// Schedule creates or replaces a recurring job
func (b *MemoryBroker) Schedule(ctx context.Context, job RecurringJob) error {
	return b.sched.upsert(ctx, job)
}

// Unschedule removes a recurring job. Already queued runs still execute.
func (b *MemoryBroker) Unschedule(ctx context.Context, id string) error {
	return b.sched.remove(ctx, id)
}

// Scheduled lists recurring jobs ordered by id
func (b *MemoryBroker) Scheduled(ctx context.Context) ([]RecurringJob, error) {
	return b.sched.list(ctx)
}

// Trigger fires a recurring job now, subject to the same duplicate check as a timed run
func (b *MemoryBroker) Trigger(id string) bool {
	return b.sched.trigger(id)
}

// Pending returns the number of jobs waiting in a queue
func (b *MemoryBroker) Pending(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queue]; ok {
		return q.ready.Len()
	}
	return 0
}

// DeadLetters returns jobs that will not be retried
func (b *MemoryBroker) DeadLetters() []DeadJob {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]DeadJob(nil), b.dead...)
}

// Run starts the worker pools and the recurring scheduler, blocking until ctx is done
func (b *MemoryBroker) Run(ctx context.Context) error {
	b.mu.Lock()
	names := make([]string, 0, len(b.cfg.Concurrency))
	for name := range b.cfg.Concurrency {
		names = append(names, name)
	}
	if _, ok := b.cfg.Concurrency[QueueDefault]; !ok {
		names = append(names, QueueDefault)
	}
	b.mu.Unlock()

	var wg sync.WaitGroup
	for _, name := range names {
		b.mu.Lock()
		q := b.queue(name)
		workers := cap(q.wakeup)
		b.mu.Unlock()

		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				b.work(ctx, q)
			}()
		}
		b.log.WithFields(logrus.Fields{"queue": name, "workers": workers}).Debug("Queue workers started")
	}

	b.sched.start(ctx)
	<-ctx.Done()
	b.sched.stop()
	wg.Wait()
	return nil
}

func (b *MemoryBroker) work(ctx context.Context, q *memQueue) {
	for {
		job := b.pop(q)
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.wakeup:
				continue
			}
		}
		b.execute(ctx, job)
	}
}

func (b *MemoryBroker) execute(ctx context.Context, job *Job) {
	b.mu.Lock()
	h, ok := b.handlers[job.Name]
	b.mu.Unlock()

	var err error
	if !ok {
		err = Permanent(fmt.Errorf("%w for %q", ErrNoHandler, job.Name))
	} else {
		err = runHandler(withRetryInfo(ctx, job.Retried, job.MaxRetry), b.log, job, h)
	}

	if err != nil && !IsPermanent(err) && job.Retried < job.MaxRetry && ctx.Err() == nil {
		delay := b.cfg.Backoff.Delay(job.Retried)
		job.Retried++
		b.pushAfter(job, delay)
		return
	}

	b.mu.Lock()
	delete(b.live, job.ID)
	if err != nil {
		b.dead = append(b.dead, DeadJob{Job: *job, Err: err.Error(), FailedAt: time.Now()})
	}
	b.mu.Unlock()
}

type queued struct {
	job *Job
	seq uint64
}

// jobHeap orders by priority, then by arrival
type jobHeap []*queued

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x interface{}) { *h = append(*h, x.(*queued)) }
func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
