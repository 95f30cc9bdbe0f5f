package manager

import (
	"context"
	"sync"

	"reactor/internal/engine/task"
)

// Pending wraps an in-flight task: a completion signal, the subscriber count
// of logical callers awaiting the same task id, and cancellation state. It
// satisfies cachestore.TaskHandle so PendingTask cache entries can point at
// it.
type Pending struct {
	unit     task.Unit
	channels []string

	done  chan struct{}
	once  sync.Once
	value any
	err   error

	// guarded by the owning manager's mutex
	subscribers int
	canceled    bool
}

func newPending(u task.Unit, channels []string) *Pending {
	return &Pending{
		unit:        u,
		channels:    channels,
		done:        make(chan struct{}),
		subscribers: 1,
	}
}

func (p *Pending) TaskID() string { return p.unit.TaskID() }

// Unit returns the scheduled task or meta-task.
func (p *Pending) Unit() task.Unit { return p.unit }

// Done is closed once the task reaches a terminal state.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the task completes, fails, or is canceled.
func (p *Pending) Wait(ctx context.Context) (any, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pending) settle(value any, err error) {
	p.once.Do(func() {
		p.value = value
		p.err = err
		close(p.done)
	})
}
