package pool

import (
	"context"
	"sync"

	"reactor/internal/engine/proc"
)

// Handle is the awaitable side of a submitted task. Exactly one of
// complete/fail happens; Wait and Done observe it.
type Handle struct {
	taskID string

	ack      chan proc.Message
	progress chan proc.Message
	done     chan struct{}

	once  sync.Once
	value any
	err   error
}

func newHandle(taskID string) *Handle {
	return &Handle{
		taskID:   taskID,
		ack:      make(chan proc.Message, 1),
		progress: make(chan proc.Message, 16),
		done:     make(chan struct{}),
	}
}

func (h *Handle) TaskID() string { return h.taskID }

// Ack yields the acknowledge frame once a worker accepts the task.
func (h *Handle) Ack() <-chan proc.Message { return h.ack }

// Progress yields progress frames. The feed is buffered; a slow consumer
// loses the oldest frame rather than stalling the pool.
func (h *Handle) Progress() <-chan proc.Message { return h.progress }

// Done is closed after the terminal outcome is recorded.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the task finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.value, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Err returns the recorded failure after Done; nil before completion.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

func (h *Handle) complete(v any) {
	h.once.Do(func() {
		h.value = v
		close(h.done)
	})
}

func (h *Handle) fail(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

func (h *Handle) sendAck(msg proc.Message) {
	select {
	case h.ack <- msg:
	default:
	}
}

func (h *Handle) sendProgress(msg proc.Message) {
	select {
	case h.progress <- msg:
	default:
		select {
		case <-h.progress:
		default:
		}
		select {
		case h.progress <- msg:
		default:
		}
	}
}
