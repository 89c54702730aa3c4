package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"crm-copilot/internal/domain"
)

// TaskPool runs background tasks with bounded concurrency. Panics inside a
// task are recovered and reported to the task's panic handler.
type TaskPool struct {
	slots  chan struct{}
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	running sync.WaitGroup
}

// NewTaskPool creates a pool that runs at most size tasks at once.
func NewTaskPool(size int, logger *slog.Logger) *TaskPool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &TaskPool{slots: make(chan struct{}, size), logger: logger}
}

// Go starts task on its own goroutine. It fails with domain.ErrPoolFull when
// every slot is taken and domain.ErrPoolClosed after Shutdown.
func (p *TaskPool) Go(name string, task func(), onPanic func(recovered any)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return domain.ErrPoolClosed
	}

	select {
	case p.slots <- struct{}{}:
	default:
		return fmt.Errorf("%w: %d tasks running", domain.ErrPoolFull, cap(p.slots))
	}

	p.running.Add(1)
	go func() {
		defer p.running.Done()
		defer func() { <-p.slots }()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("background task panicked", "task", name, "panic", r)
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		task()
	}()
	return nil
}

// Active returns the number of running tasks.
func (p *TaskPool) Active() int { return len(p.slots) }

// Capacity returns the maximum number of concurrent tasks.
func (p *TaskPool) Capacity() int { return cap(p.slots) }

// Shutdown stops accepting tasks and waits for running ones until ctx ends.
func (p *TaskPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.logger.Warn("background tasks still running at shutdown", "active", p.Active())
		return ctx.Err()
	}
}
