// Package queue runs named jobs on bounded worker pools with retry and
// exponential backoff, plus recurring jobs keyed by a stable id.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Lunary1/lunar-bot/internal/domain"
)

// Queue names
const (
	QueuePurchase = "purchase"
	QueueMonitor  = "monitor"
	QueueDefault  = "default"
)

var (
	// ErrDuplicateJob is returned when a job with the same id is still pending or running
	ErrDuplicateJob = errors.New("job with this id already exists")
	// ErrNoHandler is returned for jobs whose name has no registered handler
	ErrNoHandler = errors.New("no handler registered")
)

// Job is one execution of a named job
type Job struct {
	ID       string
	Name     string
	Queue    string
	Payload  []byte
	Priority domain.Priority
	Retried  int // times this job has been retried so far
	MaxRetry int
}

// Decode unmarshals the JSON payload into v
func (j *Job) Decode(v interface{}) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return Permanent(fmt.Errorf("decoding %s payload: %w", j.Name, err))
	}
	return nil
}

// Handler processes a job. Returning a Permanent error skips remaining retries.
type Handler func(ctx context.Context, job *Job) error

// EnqueueOptions controls how a job is queued
type EnqueueOptions struct {
	Queue    string
	Priority domain.Priority
	Delay    time.Duration
	JobID    string // stable id; a live job with the same id yields ErrDuplicateJob
	MaxRetry int    // -1 disables retries, 0 uses the broker default
}

// RecurringJob enqueues JobName every Every. ID is the idempotency key.
type RecurringJob struct {
	ID       string          `json:"id"`
	JobName  string          `json:"job_name"`
	Queue    string          `json:"queue"`
	Payload  []byte          `json:"payload"`
	Priority domain.Priority `json:"priority"`
	Every    time.Duration   `json:"every"`
}

func (r RecurringJob) validate() error {
	if r.ID == "" || r.JobName == "" {
		return fmt.Errorf("recurring job needs an id and a job name")
	}
	if r.Every < time.Second {
		return fmt.Errorf("recurring job %s: interval %s is below one second", r.ID, r.Every)
	}
	return nil
}

// Broker is the queue abstraction shared by the purchase pipeline and monitoring
type Broker interface {
	Enqueue(ctx context.Context, jobName string, payload []byte, opts EnqueueOptions) (string, error)
	// Schedule creates or replaces the recurring job with the same ID
	Schedule(ctx context.Context, job RecurringJob) error
	Unschedule(ctx context.Context, id string) error
	Scheduled(ctx context.Context) ([]RecurringJob, error)
	Handle(jobName string, h Handler)
	// Run processes jobs until ctx is done
	Run(ctx context.Context) error
}

// Config sizes worker pools and retries
type Config struct {
	Concurrency     map[string]int // per queue; missing queues get one worker
	DefaultMaxRetry int
	Backoff         Backoff
}

// DefaultConfig has a purchase pool of 5 and a monitor pool of 3
func DefaultConfig() Config {
	return Config{
		Concurrency:     map[string]int{QueuePurchase: 5, QueueMonitor: 3, QueueDefault: 1},
		DefaultMaxRetry: 3,
		Backoff:         Backoff{Base: 2 * time.Second, Max: 5 * time.Minute},
	}
}

func (c Config) maxRetry(opt int) int {
	switch {
	case opt < 0:
		return 0
	case opt == 0:
		return c.DefaultMaxRetry
	default:
		return opt
	}
}

// Backoff doubles the delay after each retry, starting at Base and capped at Max
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the retry that follows retried earlier retries
func (b Backoff) Delay(retried int) time.Duration {
	d := b.Base
	for i := 0; i < retried; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as deterministic so the job is not retried
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type retryInfoKey struct{}

type retryInfo struct {
	retried  int
	maxRetry int
}

func withRetryInfo(ctx context.Context, retried, maxRetry int) context.Context {
	return context.WithValue(ctx, retryInfoKey{}, retryInfo{retried: retried, maxRetry: maxRetry})
}

// RetryCount returns how often the running job has been retried
func RetryCount(ctx context.Context) (int, bool) {
	info, ok := ctx.Value(retryInfoKey{}).(retryInfo)
	return info.retried, ok
}

// IsFinalAttempt reports whether a failure now ends the job. Without retry
// information in ctx every attempt is final.
func IsFinalAttempt(ctx context.Context) bool {
	info, ok := ctx.Value(retryInfoKey{}).(retryInfo)
	if !ok {
		return true
	}
	return info.retried >= info.maxRetry
}

// WithAttempt attaches retry information to ctx, for calling handlers directly
func WithAttempt(ctx context.Context, retried, maxRetry int) context.Context {
	return withRetryInfo(ctx, retried, maxRetry)
}

// EncodePayload marshals v as the JSON job payload
func EncodePayload(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func queueOrDefault(q string) string {
	if q == "" {
		return QueueDefault
	}
	return q
}
