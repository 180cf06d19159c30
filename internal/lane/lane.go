// Package lane serializes asynchronous work. A Lane runs submitted jobs one at a
// time, in submission order, on a single consumer goroutine. A failed or panicking
// job never blocks the jobs queued behind it.
package lane

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned for jobs submitted after Close.
var ErrClosed = errors.New("lane: closed")

// Job is a unit of serialized work.
type Job func(ctx context.Context) error

type pendingJob struct {
	ctx    context.Context
	run    Job
	result chan error
}

// Lane is an unbounded FIFO of jobs drained by one goroutine.
type Lane struct {
	mu      sync.Mutex
	queue   []pendingJob
	wake    chan struct{}
	closed  bool
	stopped chan struct{}
}

// New starts a lane consumer.
func New() *Lane {
	l := &Lane{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go l.consume()
	return l
}

// Submit queues a job without waiting for it. The returned channel receives the
// job result exactly once. Jobs whose context is already done when their turn
// comes are skipped and report the context error.
func (l *Lane) Submit(ctx context.Context, job Job) <-chan error {
	result := make(chan error, 1)
	if job == nil {
		result <- nil
		return result
	}
	if ctx == nil {
		ctx = context.Background()
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		result <- ErrClosed
		return result
	}
	l.queue = append(l.queue, pendingJob{ctx: ctx, run: job, result: result})
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return result
}

// Do queues a job and waits for its result or for ctx to end.
func (l *Lane) Do(ctx context.Context, job Job) error {
	if ctx == nil {
		ctx = context.Background()
	}
	result := l.Submit(ctx, job)
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting jobs and waits until every queued job has finished.
func (l *Lane) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.stopped
		return
	}
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.stopped
}

func (l *Lane) consume() {
	defer close(l.stopped)
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			if l.closed {
				l.mu.Unlock()
				return
			}
			l.mu.Unlock()
			<-l.wake
			continue
		}
		next := l.queue[0]
		l.queue[0] = pendingJob{}
		l.queue = l.queue[1:]
		l.mu.Unlock()

		next.result <- execute(next)
	}
}

func execute(job pendingJob) (err error) {
	if ctxErr := job.ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("lane: job panicked: %v", recovered)
		}
	}()
	return job.run(job.ctx)
}
