// Package worker runs pipeline jobs on a bounded pool.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrBusy is returned when every slot and queue position is taken
	ErrBusy = errors.New("worker pool is busy")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("worker pool is closed")
)

// Job is one unit of work. It must return once ctx is done.
type Job func(ctx context.Context)

// Pool runs at most concurrency jobs at once and admits at most queueSize more
// waiting for a slot
type Pool struct {
	sem       *semaphore.Weighted
	admission chan struct{}
	logger    *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a pool
func New(concurrency, queueSize int, logger *slog.Logger) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &Pool{
		sem:       semaphore.NewWeighted(int64(concurrency)),
		admission: make(chan struct{}, concurrency+queueSize),
		logger:    logger,
	}
}

// Submit schedules job without blocking. job is called exactly once; if ctx ends
// while the job is still queued it is called with the finished ctx so it can
// record its own cancellation.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	select {
	case p.admission <- struct{}{}:
	default:
		return ErrBusy
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.admission }()

		if err := p.sem.Acquire(ctx, 1); err != nil {
			p.logger.Debug("job cancelled while queued", "error", err)
			job(ctx)
			return
		}
		defer p.sem.Release(1)
		job(ctx)
	}()
	return nil
}

// Pending returns the number of admitted jobs that have not finished
func (p *Pool) Pending() int {
	return len(p.admission)
}

// Close stops admission and waits for admitted jobs until ctx is done
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
