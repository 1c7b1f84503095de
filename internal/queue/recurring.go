package queue

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// recurringStore persists recurring job definitions
type recurringStore interface {
	Save(ctx context.Context, job RecurringJob) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]RecurringJob, error)
}

type memoryRecurringStore struct {
	mu   sync.Mutex
	jobs map[string]RecurringJob
}

func newMemoryRecurringStore() *memoryRecurringStore {
	return &memoryRecurringStore{jobs: make(map[string]RecurringJob)}
}

func (s *memoryRecurringStore) Save(_ context.Context, job RecurringJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *memoryRecurringStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *memoryRecurringStore) List(_ context.Context) ([]RecurringJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RecurringJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out, nil
}

// scheduler fires recurring jobs on fixed intervals. Each id owns at most one
// cron entry, so scheduling the same id twice replaces the first entry.
type scheduler struct {
	store   recurringStore
	cron    *cron.Cron
	enqueue func(ctx context.Context, jobName string, payload []byte, opts EnqueueOptions) (string, error)
	log     *logrus.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
	defs    map[string]RecurringJob
	ctx     context.Context
}

func newScheduler(store recurringStore, enqueue func(context.Context, string, []byte, EnqueueOptions) (string, error), log *logrus.Logger) *scheduler {
	return &scheduler{
		store:   store,
		cron:    cron.New(),
		enqueue: enqueue,
		log:     log,
		entries: make(map[string]cron.EntryID),
		defs:    make(map[string]RecurringJob),
		ctx:     context.Background(),
	}
}

func (s *scheduler) upsert(ctx context.Context, job RecurringJob) error {
	if err := job.validate(); err != nil {
		return err
	}
	if err := s.store.Save(ctx, job); err != nil {
		return err
	}
	s.register(job)
	return nil
}

func (s *scheduler) register(job RecurringJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[job.ID]; ok {
		s.cron.Remove(old)
	}
	s.entries[job.ID] = s.cron.Schedule(cron.Every(job.Every), cron.FuncJob(func() { s.fire(job) }))
	s.defs[job.ID] = job
}

func (s *scheduler) remove(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[id]; ok {
		s.cron.Remove(entry)
		delete(s.entries, id)
		delete(s.defs, id)
	}
	return nil
}

func (s *scheduler) list(ctx context.Context) ([]RecurringJob, error) {
	jobs, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs, nil
}

// load registers every persisted definition
func (s *scheduler) load(ctx context.Context) error {
	jobs, err := s.store.List(ctx)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if err := job.validate(); err != nil {
			s.log.WithError(err).Warn("Skipping invalid recurring job")
			continue
		}
		s.register(job)
	}
	return nil
}

// trigger fires a recurring job immediately
func (s *scheduler) trigger(id string) bool {
	s.mu.Lock()
	job, ok := s.defs[id]
	s.mu.Unlock()
	if ok {
		s.fire(job)
	}
	return ok
}

func (s *scheduler) activeEntries() int {
	return len(s.cron.Entries())
}

func (s *scheduler) start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
}

func (s *scheduler) stop() {
	<-s.cron.Stop().Done()
}

func (s *scheduler) fire(job RecurringJob) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	_, err := s.enqueue(ctx, job.JobName, job.Payload, EnqueueOptions{
		Queue:    job.Queue,
		Priority: job.Priority,
		JobID:    job.ID,
	})
	switch {
	case errors.Is(err, ErrDuplicateJob):
		s.log.WithField("recurring_id", job.ID).Info("Previous run still pending, skipping")
	case err != nil:
		s.log.WithError(err).WithField("recurring_id", job.ID).Warn("Failed to enqueue recurring job")
	}
}
