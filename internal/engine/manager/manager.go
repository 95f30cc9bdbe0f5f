// Package manager orchestrates tasks against the worker pool: it
// deduplicates concurrent requests for the same task id, runs meta-task
// graphs, fans progress and outcomes out to live-update channels, and keeps
// the cache store's pending markers honest on every exit path.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"reactor/internal/engine/cachestore"
	"reactor/internal/engine/pool"
	"reactor/internal/engine/task"
	"reactor/internal/notify"
	"reactor/internal/scope"
)

var (
	// ErrNoSuchTask reports an id with no pending bookkeeping.
	ErrNoSuchTask = errors.New("manager: no such task")
	// ErrNoResult reports a result that was never stored or already consumed.
	ErrNoResult = errors.New("manager: no result")
	// ErrCanceled is the terminal error of a canceled task.
	ErrCanceled = errors.New("manager: task canceled")
)

const defaultResultCapacity = 1024

type taskResult struct {
	value any
	err   error
}

// Manager tracks in-flight tasks. All fields are set at construction.
type Manager struct {
	pool     *pool.Pool
	store    *cachestore.Store
	notifier notify.Notifier
	funcs    *task.Registry

	mu      sync.Mutex
	pending map[string]*Pending
	results *lru.Cache[string, taskResult]
}

// Config wires the manager's collaborators. Funcs is the registration table
// used for inline meta-task combining; pool-side execution resolves names in
// the worker binary's own table.
type Config struct {
	Pool     *pool.Pool
	Store    *cachestore.Store
	Notifier notify.Notifier
	Funcs    *task.Registry
	// ResultCapacity bounds the one-shot result buffer, default 1024.
	ResultCapacity int
}

func New(cfg Config) (*Manager, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("manager: pool is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("manager: store is required")
	}
	if cfg.Funcs == nil {
		return nil, fmt.Errorf("manager: function registry is required")
	}
	capacity := cfg.ResultCapacity
	if capacity <= 0 {
		capacity = defaultResultCapacity
	}
	results, err := lru.New[string, taskResult](capacity)
	if err != nil {
		return nil, err
	}
	return &Manager{
		pool:     cfg.Pool,
		store:    cfg.Store,
		notifier: cfg.Notifier,
		funcs:    cfg.Funcs,
		pending:  make(map[string]*Pending),
		results:  results,
	}, nil
}

// RunTask schedules the unit. When the same task id is already pending, the
// existing handle is returned with its subscriber count incremented and no
// second execution starts. Otherwise a PendingTask marker is written to the
// cache store (when the task carries a cache key) before execution begins.
func (m *Manager) RunTask(ctx context.Context, u task.Unit) (*Pending, error) {
	if u == nil {
		return nil, fmt.Errorf("manager: task is required")
	}
	base := u.Base()
	if strings.TrimSpace(base.ID) == "" {
		return nil, fmt.Errorf("manager: task id is required")
	}

	m.mu.Lock()
	if p, ok := m.pending[base.ID]; ok {
		p.subscribers++
		m.mu.Unlock()
		return p, nil
	}
	p := newPending(u, fanoutChannels(base, ctx))
	m.pending[base.ID] = p
	m.mu.Unlock()

	if base.RegistryKey != "" && base.CacheKey != "" {
		m.store.SetPendingTask(base.RegistryKey, base.CacheKey, p)
	}

	// Execution outlives the requester: other subscribers may still be
	// attached when the first caller's context dies.
	go m.execute(context.WithoutCancel(ctx), u, p)
	return p, nil
}

// fanoutChannels merges the task's declared notify channels with the
// requester's own channel, deduplicated, order preserved.
func fanoutChannels(base *task.Task, ctx context.Context) []string {
	channels := append([]string(nil), base.Channels...)
	if requester := scope.CallerFrom(ctx).Channel; requester != "" {
		present := false
		for _, ch := range channels {
			if ch == requester {
				present = true
				break
			}
		}
		if !present {
			channels = append(channels, requester)
		}
	}
	return channels
}

// GetResult returns and deletes the stored outcome for the task id. Results
// are one-shot: the durable lookup path is the cache key, not the task id.
func (m *Manager) GetResult(taskID string) (any, error) {
	res, ok := m.results.Get(taskID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoResult, taskID)
	}
	m.results.Remove(taskID)
	return res.value, res.err
}

// Subscribers reports the current subscriber count for a pending task id;
// zero when nothing is pending under that id.
func (m *Manager) Subscribers(taskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pending[taskID]; ok {
		return p.subscribers
	}
	return 0
}

// CancelTask detaches one subscriber from the task. The underlying work is
// stopped only when the count reaches zero: channels are notified CANCELED
// first (so no client races a stale running state against the stop), then
// the worker is hard-killed and the pending cache entry cleared.
func (m *Manager) CancelTask(taskID string) error {
	m.mu.Lock()
	p, ok := m.pending[taskID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoSuchTask, taskID)
	}
	p.subscribers--
	if p.subscribers > 0 {
		m.mu.Unlock()
		return nil
	}
	p.canceled = true
	m.mu.Unlock()

	m.notifyAll(p, notify.Message{TaskID: taskID, Status: notify.StatusCanceled})

	base := p.unit.Base()
	if meta, ok := p.unit.(*task.MetaTask); ok {
		for _, sub := range meta.SubTasks() {
			if err := m.CancelTask(sub.TaskID()); err != nil && !errors.Is(err, ErrNoSuchTask) {
				log.Printf("manager: cancel sub-task %s: %v", sub.TaskID(), err)
			}
		}
	}
	m.pool.Cancel(taskID)

	if base.RegistryKey != "" && base.CacheKey != "" {
		m.store.ClearPending(base.RegistryKey, base.CacheKey, ErrCanceled)
	}
	p.settle(nil, ErrCanceled)
	return nil
}

// ---------------- execution ----------------

func (m *Manager) execute(ctx context.Context, u task.Unit, p *Pending) {
	var (
		value any
		err   error
	)
	switch t := u.(type) {
	case *task.MetaTask:
		value, err = m.runMeta(ctx, t, p)
	default:
		value, err = m.runPlain(ctx, u.Base(), p)
	}
	m.finish(p, value, err)
}

func (m *Manager) runPlain(ctx context.Context, t *task.Task, p *Pending) (any, error) {
	h, err := m.pool.Submit(ctx, t.ID, t.Fn, t.Args, t.Kwargs, t.ReportProgress)
	if err != nil {
		return nil, err
	}
	return m.await(ctx, h, p)
}

// await relays progress frames to the task's channels until the handle
// settles.
func (m *Manager) await(ctx context.Context, h *pool.Handle, p *Pending) (any, error) {
	for {
		select {
		case msg := <-h.Progress():
			m.notifyAll(p, notify.Message{
				TaskID:   h.TaskID(),
				Status:   notify.StatusProgress,
				Progress: msg.Fraction,
				Note:     msg.Note,
			})
		case <-h.Done():
			return h.Wait(ctx)
		}
	}
}

// runMeta starts all sub-tasks concurrently through RunTask (so they are
// deduplicated and individually notified like any other task), substitutes
// their results into the argument list in declaration order, then runs the
// combining function inline or as a further pooled task.
func (m *Manager) runMeta(ctx context.Context, t *task.MetaTask, p *Pending) (any, error) {
	type slot struct {
		index   int
		pending *Pending
	}
	var slots []slot
	args := append([]any(nil), t.Args...)
	for i, arg := range args {
		sub, ok := arg.(task.Unit)
		if !ok {
			continue
		}
		sp, err := m.RunTask(ctx, sub)
		if err != nil {
			return nil, fmt.Errorf("manager: start sub-task %s: %w", sub.TaskID(), err)
		}
		slots = append(slots, slot{index: i, pending: sp})
	}

	var (
		wg       sync.WaitGroup
		firstMu  sync.Mutex
		firstErr error
	)
	for _, s := range slots {
		wg.Add(1)
		go func(s slot) {
			defer wg.Done()
			value, err := s.pending.Wait(ctx)
			if err != nil {
				firstMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				firstMu.Unlock()
				return
			}
			args[s.index] = value
		}(s)
	}
	wg.Wait()
	if firstErr != nil {
		// Partial results are discarded; the meta-task fails as a whole.
		return nil, firstErr
	}

	if t.ProcessAsTask {
		h, err := m.pool.Submit(ctx, t.ID, t.Fn, args, t.Kwargs, t.ReportProgress)
		if err != nil {
			return nil, err
		}
		return m.await(ctx, h, p)
	}
	return m.funcs.Call(ctx, t.Fn, args, t.Kwargs)
}

// finish records the outcome exactly once: cache update first, then the
// one-shot result buffer, then the terminal notification.
func (m *Manager) finish(p *Pending, value any, err error) {
	taskID := p.unit.TaskID()
	base := p.unit.Base()

	m.mu.Lock()
	canceled := p.canceled
	delete(m.pending, taskID)
	m.mu.Unlock()

	if canceled {
		// CancelTask already notified, cleared the cache entry, and settled
		// the handle. Just record the outcome for GetResult.
		m.results.Add(taskID, taskResult{err: ErrCanceled})
		return
	}

	if base.RegistryKey != "" && base.CacheKey != "" {
		if err != nil {
			// Never cache the error itself; clear to absent so the next
			// request recomputes.
			m.store.ClearPending(base.RegistryKey, base.CacheKey, err)
		} else {
			m.store.Set(base.RegistryKey, base.CacheKey, value, nil)
		}
	}

	m.results.Add(taskID, taskResult{value: value, err: err})

	if err != nil {
		m.notifyAll(p, notify.Message{TaskID: taskID, Status: notify.StatusError, Error: err.Error()})
	} else {
		m.notifyAll(p, notify.Message{TaskID: taskID, Status: notify.StatusComplete, Value: value})
	}
	p.settle(value, err)
}

func (m *Manager) notifyAll(p *Pending, msg notify.Message) {
	if m.notifier == nil {
		return
	}
	for _, ch := range p.channels {
		m.notifier.Notify(ch, msg)
	}
}
