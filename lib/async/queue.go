// Package async provides task executors used to defer callbacks off the caller's stack.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc/panics"

	"github.com/coachpo/mediation/errs"
	"github.com/coachpo/mediation/internal/observability"
)

// Executor runs tasks on a later scheduling turn, never on the caller's stack.
type Executor interface {
	Post(fn func()) error
}

// Queue is an unbounded FIFO executor served by a single worker goroutine.
// Tasks run in submission order; a panicking task is logged and does not stop the worker.
type Queue struct {
	name   string
	logger observability.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool

	done chan struct{}
}

// QueueOption customises a Queue.
type QueueOption func(*Queue)

// WithQueueLogger sets the logger used to report recovered task panics.
func WithQueueLogger(logger observability.Logger) QueueOption {
	return func(q *Queue) {
		q.logger = logger
	}
}

// NewQueue creates and starts a serial queue.
func NewQueue(name string, opts ...QueueOption) *Queue {
	q := &Queue{
		name: name,
		done: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	q.logger = observability.OrDefault(q.logger)
	go q.run()
	return q
}

// Post appends fn to the queue. It never blocks on task execution.
func (q *Queue) Post(fn func()) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("queue closed"), errs.WithField("queue", q.name))
	}
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()
	q.cond.Signal()
	return nil
}

// Len reports the number of tasks waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Close stops accepting tasks. Already queued tasks still run.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Shutdown closes the queue and waits for queued tasks to drain or ctx to expire.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.Close()
	select {
	case <-ctx.Done():
		return fmt.Errorf("shutdown queue %s: %w", q.name, ctx.Err())
	case <-q.done:
		return nil
	}
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 {
			q.mu.Unlock()
			return
		}
		fn := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		var pc panics.Catcher
		pc.Try(fn)
		if r := pc.Recovered(); r != nil {
			q.logger.Error("queued task panicked",
				observability.F("queue", q.name),
				observability.F("panic", fmt.Sprint(r.Value)),
			)
		}
	}
}

// Go is an Executor that runs every task on a fresh goroutine. Ordering is not preserved.
type Go struct{}

// Post starts fn on a new goroutine.
func (Go) Post(fn func()) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	go func() {
		var pc panics.Catcher
		pc.Try(fn)
		if r := pc.Recovered(); r != nil {
			observability.Log().Error("async task panicked", observability.F("panic", fmt.Sprint(r.Value)))
		}
	}()
	return nil
}
