// Package eventqueue runs tasks one at a time, in submission order, on a single goroutine.
//
// Every piece of client state above the transport is mutated only from tasks running on a
// Queue, so callers never need locks around that state. Transport callbacks and public API
// calls submit a task and return immediately.
package eventqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrClosed is returned when submitting to a closed queue.
var ErrClosed = errors.New("eventqueue: queue is closed")

// Task is a unit of work.
type Task func()

// Queue is a FIFO task runner. Tasks never overlap and never re-enter each other.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []Task
	closed bool
	done   chan struct{}
	log    *zap.Logger
}

// New starts a queue. Close must be called to stop its goroutine.
func New(log *zap.Logger) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	q := &Queue{
		done: make(chan struct{}),
		log:  log,
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Submit appends task to the queue. It returns ErrClosed after Close.
func (q *Queue) Submit(task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.tasks = append(q.tasks, task)
	q.cond.Signal()
	return nil
}

// After submits task once d has elapsed. The returned function stops the timer if it has
// not fired yet; once fired, the task is queued like any other.
func (q *Queue) After(d time.Duration, task Task) (stop func() bool) {
	t := time.AfterFunc(d, func() {
		if err := q.Submit(task); err != nil {
			q.log.Debug("dropping delayed task", zap.Error(err))
		}
	})
	return t.Stop
}

// Sync waits until every task submitted before the call has run.
func (q *Queue) Sync(ctx context.Context) error {
	reached := make(chan struct{})
	if err := q.Submit(func() { close(reached) }); err != nil {
		return err
	}
	select {
	case <-reached:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrClosed
	}
}

// Close stops accepting tasks, lets the already queued ones finish and waits for the
// worker goroutine to exit or ctx to end.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.cond.Broadcast()
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of tasks waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *Queue) run() {
	defer close(q.done)

	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		q.execute(task)
	}
}

// execute runs task, recovering a panic so a failing listener cannot stop the queue.
func (q *Queue) execute(task Task) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	task()
}
