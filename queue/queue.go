// Package queue is a small persistent job queue. Jobs are rows in the
// job_queue table; a Worker polls for due jobs and hands each one to the
// Handler registered for its transport.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/courier/domain"
	"github.com/google/uuid"
)

var logger = log.WithPrefix("queue")

// MaxAttempts is how often a job runs before it is dropped.
const MaxAttempts = 10

var backoffMinutes = []int{1, 5, 15, 60, 240, 1440}

// ErrNoHandler is returned when a job's transport has nothing registered.
var ErrNoHandler = errors.New("no handler for transport")

// Store is the persistence the queue needs.
type Store interface {
	EnqueueJob(job *domain.Job) error
	ReadDueJobs(now time.Time, limit int) ([]domain.Job, error)
	UpdateJobAttempt(id uuid.UUID, attempts int, nextRetry time.Time, lastErr string) error
	DeleteJob(id uuid.UUID) error
}

// Handler processes the payload of one job. A returned error reschedules it.
type Handler func(ctx context.Context, payload []byte) error

// Queue enqueues jobs and dispatches them to handlers.
type Queue struct {
	store    Store
	mu       sync.RWMutex
	handlers map[string]Handler
	now      func() time.Time
}

func New(store Store) *Queue {
	return &Queue{
		store:    store,
		handlers: make(map[string]Handler),
		now:      time.Now,
	}
}

// Register binds a handler to a transport name, replacing any earlier one.
func (q *Queue) Register(transport string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[transport] = h
}

func (q *Queue) handler(transport string) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[transport]
	return h, ok
}

// Enqueue serialises payload as JSON and stores it as a job due now.
func (q *Queue) Enqueue(transport string, payload any) error {
	buf, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s job: %w", transport, err)
	}
	job := &domain.Job{Transport: transport, Payload: string(buf), NextRetryAt: q.now().UTC()}
	if err := q.store.EnqueueJob(job); err != nil {
		return fmt.Errorf("enqueueing %s job: %w", transport, err)
	}
	logger.Debug("job enqueued", "transport", transport, "id", job.Id)
	return nil
}

// Backoff returns the delay before the given (1-based) attempt is retried.
func Backoff(attempts int) time.Duration {
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(backoffMinutes) {
		idx = len(backoffMinutes) - 1
	}
	return time.Duration(backoffMinutes[idx]) * time.Minute
}

// ProcessDue runs every due job once, up to batch jobs, and returns how many
// completed successfully.
func (q *Queue) ProcessDue(ctx context.Context, batch int) (int, error) {
	jobs, err := q.store.ReadDueJobs(q.now(), batch)
	if err != nil {
		return 0, fmt.Errorf("reading due jobs: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	logger.Info("processing jobs", "count", len(jobs))
	done := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if q.run(ctx, job) {
			done++
		}
	}
	return done, nil
}

func (q *Queue) run(ctx context.Context, job domain.Job) bool {
	err := q.dispatch(ctx, job)
	if err == nil {
		if derr := q.store.DeleteJob(job.Id); derr != nil {
			logger.Error("failed to delete finished job", "id", job.Id, "err", derr)
		}
		return true
	}

	job.Attempts++
	if job.Attempts >= MaxAttempts {
		logger.Warn("giving up on job", "transport", job.Transport, "id", job.Id, "attempts", job.Attempts, "err", err)
		if derr := q.store.DeleteJob(job.Id); derr != nil {
			logger.Error("failed to delete dropped job", "id", job.Id, "err", derr)
		}
		return false
	}

	delay := Backoff(job.Attempts)
	logger.Warn("job failed, rescheduling", "transport", job.Transport, "id", job.Id, "attempt", job.Attempts, "retry_in", delay, "err", err)
	if uerr := q.store.UpdateJobAttempt(job.Id, job.Attempts, q.now().Add(delay), err.Error()); uerr != nil {
		logger.Error("failed to reschedule job", "id", job.Id, "err", uerr)
	}
	return false
}

func (q *Queue) dispatch(ctx context.Context, job domain.Job) (err error) {
	h, ok := q.handler(job.Transport)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, job.Transport)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler for %s panicked: %v", job.Transport, r)
		}
	}()
	return h(ctx, []byte(job.Payload))
}

// Start polls for due jobs every interval until ctx is cancelled.
func (q *Queue) Start(ctx context.Context, interval time.Duration, batch int) {
	logger.Info("starting queue worker", "interval", interval, "batch", batch)

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				logger.Info("queue worker stopped")
				return
			case <-ticker.C:
				if _, err := q.ProcessDue(ctx, batch); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("queue run failed", "err", err)
				}
			}
		}
	}()
}
