// Package queue provides the background task machinery: bounded worker
// pools with an explicit per-kind retry policy, and an optional RabbitMQ
// transport for running the pipeline across processes.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Task is one unit of background work.
type Task struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Handler processes one task. A returned error triggers the retry policy.
type Handler func(ctx context.Context, task *Task) error

// RetryPolicy bounds how a failing task kind is retried. Backoff grows
// linearly with the attempt number.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultRetryPolicy applies to task kinds with no explicit policy.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, Backoff: 2 * time.Second}

// ParkFunc receives tasks that exhausted their retry budget, for manual
// inspection. Typically backed by a "<queue>_parked" broker queue.
type ParkFunc func(task *Task, lastErr error)

// Dispatcher runs one named queue over a bounded worker pool.
type Dispatcher struct {
	name     string
	workers  int
	handler  Handler
	policies map[string]RetryPolicy
	park     ParkFunc

	tasks   chan *Task
	wg      sync.WaitGroup
	pending atomic.Int64
	parked  atomic.Int64
	done    atomic.Int64

	cancel context.CancelFunc
}

// NewDispatcher builds a dispatcher. Worker counts are clamped to the 2-10
// band the pipeline is tuned for; policies may be nil.
func NewDispatcher(name string, workers int, handler Handler, policies map[string]RetryPolicy, park ParkFunc) (*Dispatcher, error) {
	if handler == nil {
		return nil, fmt.Errorf("queue %s: handler cannot be nil", name)
	}
	if workers < 2 {
		workers = 2
	}
	if workers > 10 {
		workers = 10
	}
	return &Dispatcher{
		name:     name,
		workers:  workers,
		handler:  handler,
		policies: policies,
		park:     park,
		tasks:    make(chan *Task, 256),
	}, nil
}

// Start launches the worker pool.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	log.Info().Str("queue", d.name).Int("workers", d.workers).Msg("Queue workers started")
}

// Stop cancels the workers and waits for in-flight tasks to finish.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	close(d.tasks)
	d.wg.Wait()
	log.Info().Str("queue", d.name).Msg("Queue workers stopped")
}

// Enqueue submits a task. Blocks when the buffer is full, which applies
// backpressure to the webhook endpoint instead of dropping events.
func (d *Dispatcher) Enqueue(kind string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal task payload: %w", err)
	}
	d.submit(&Task{
		ID:         uuid.NewString(),
		Kind:       kind,
		Payload:    body,
		EnqueuedAt: time.Now().UTC(),
	})
	return nil
}

func (d *Dispatcher) submit(task *Task) {
	d.pending.Add(1)
	d.tasks <- task
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for task := range d.tasks {
		d.pending.Add(-1)
		if ctx.Err() != nil {
			return
		}
		d.run(ctx, task)
	}
}

func (d *Dispatcher) run(ctx context.Context, task *Task) {
	err := d.handler(ctx, task)
	if err == nil {
		d.done.Add(1)
		return
	}

	policy := d.policyFor(task.Kind)
	task.Attempt++
	if task.Attempt >= policy.MaxAttempts {
		d.parked.Add(1)
		log.Error().
			Err(err).
			Str("queue", d.name).
			Str("task_id", task.ID).
			Str("kind", task.Kind).
			Int("attempts", task.Attempt).
			Msg("Task parked after exhausting retries")
		if d.park != nil {
			d.park(task, err)
		}
		return
	}

	delay := policy.Backoff * time.Duration(task.Attempt)
	log.Warn().
		Err(err).
		Str("queue", d.name).
		Str("task_id", task.ID).
		Str("kind", task.Kind).
		Int("attempt", task.Attempt).
		Dur("retry_in", delay).
		Msg("Task failed, scheduling retry")

	// Requeue from a timer goroutine so the worker moves on immediately.
	d.pending.Add(1)
	time.AfterFunc(delay, func() {
		defer func() {
			// The channel may close during shutdown before the timer fires.
			if recover() != nil {
				d.pending.Add(-1)
			}
		}()
		d.tasks <- task
	})
}

func (d *Dispatcher) policyFor(kind string) RetryPolicy {
	if p, ok := d.policies[kind]; ok {
		return p
	}
	return DefaultRetryPolicy
}

// Stats is a point-in-time snapshot for the ops endpoint.
type Stats struct {
	Queue   string `json:"queue"`
	Workers int    `json:"workers"`
	Pending int64  `json:"pending"`
	Done    int64  `json:"done"`
	Parked  int64  `json:"parked"`
}

// Snapshot reports queue occupancy.
func (d *Dispatcher) Snapshot() Stats {
	return Stats{
		Queue:   d.name,
		Workers: d.workers,
		Pending: d.pending.Load(),
		Done:    d.done.Load(),
		Parked:  d.parked.Load(),
	}
}
