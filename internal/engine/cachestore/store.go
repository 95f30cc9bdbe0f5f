// Package cachestore keys derived values by (registry key, cache key) and
// coordinates concurrent recomputation: at most one in-flight computation
// exists per key, and every other requester attaches to it instead of
// starting its own.
package cachestore

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound reports an absent entry. Distinct from a cached nil: a
// resolved entry holding nil is a hit.
var ErrNotFound = errors.New("cachestore: not found")

// TaskHandle is the store's view of an in-flight task, implemented by the
// task manager's pending wrapper. Kept as an interface so the store never
// depends on the manager.
type TaskHandle interface {
	TaskID() string
	Wait(ctx context.Context) (any, error)
}

type entryState int

const (
	statePendingValue entryState = iota
	statePendingTask
	stateResolved
)

type waitResult struct {
	value any
	err   error
}

type entry struct {
	state   entryState
	value   any
	task    TaskHandle
	waiters []chan waitResult
}

// Lookup is the result of a non-blocking Get. Task is non-nil when the entry
// is computing in a task; the caller awaits or re-dispatches it.
type Lookup struct {
	Value any
	Task  TaskHandle
}

// Store is the single shared mutable resource of the engine. All
// synchronization between concurrent requests goes through its pending-state
// protocol; the mutex is held only across bookkeeping, never across a wait.
type Store struct {
	mu      sync.Mutex
	entries map[string]map[string]*entry
	latest  map[string]map[string]string
}

func New() *Store {
	return &Store{
		entries: make(map[string]map[string]*entry),
		latest:  make(map[string]map[string]string),
	}
}

func (s *Store) lookup(registryKey, key string) *entry {
	if reg, ok := s.entries[registryKey]; ok {
		return reg[key]
	}
	return nil
}

func (s *Store) put(registryKey, key string, e *entry) {
	reg, ok := s.entries[registryKey]
	if !ok {
		reg = make(map[string]*entry)
		s.entries[registryKey] = reg
	}
	reg[key] = e
}

func (s *Store) drop(registryKey, key string) {
	if reg, ok := s.entries[registryKey]; ok {
		delete(reg, key)
		if len(reg) == 0 {
			delete(s.entries, registryKey)
		}
	}
}

// Get returns the entry's value. A pending task is returned as Lookup.Task;
// a pending inline computation blocks the caller until it resolves or fails.
// Absent entries return ErrNotFound.
func (s *Store) Get(ctx context.Context, registryKey, key string) (Lookup, error) {
	s.mu.Lock()
	e := s.lookup(registryKey, key)
	if e == nil {
		s.mu.Unlock()
		return Lookup{}, ErrNotFound
	}
	switch e.state {
	case stateResolved:
		v := e.value
		s.mu.Unlock()
		return Lookup{Value: v}, nil
	case statePendingTask:
		t := e.task
		s.mu.Unlock()
		return Lookup{Task: t}, nil
	default:
		ch := make(chan waitResult, 1)
		e.waiters = append(e.waiters, ch)
		s.mu.Unlock()
		select {
		case res := <-ch:
			if res.err != nil {
				return Lookup{}, res.err
			}
			return Lookup{Value: res.value}, nil
		case <-ctx.Done():
			return Lookup{}, ctx.Err()
		}
	}
}

// GetOrWait blocks until the key resolves, whichever pending form it is in.
func (s *Store) GetOrWait(ctx context.Context, registryKey, key string) (any, error) {
	look, err := s.Get(ctx, registryKey, key)
	if err != nil {
		return nil, err
	}
	if look.Task != nil {
		return look.Task.Wait(ctx)
	}
	return look.Value, nil
}

// SetPending marks the key as computing inline so that concurrent requesters
// attach as waiters instead of recomputing. Returns false when an entry
// already exists in any state; the caller should Get instead.
func (s *Store) SetPending(registryKey, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookup(registryKey, key) != nil {
		return false
	}
	s.put(registryKey, key, &entry{state: statePendingValue})
	return true
}

// SetPendingTask records an in-flight task for the key. Overwrites an inline
// pending marker only if one was never taken; an existing resolved value is
// left alone and the call is a no-op returning false.
func (s *Store) SetPendingTask(registryKey, key string, t TaskHandle) bool {
	if t == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.lookup(registryKey, key); e != nil && e.state == stateResolved {
		return false
	}
	s.put(registryKey, key, &entry{state: statePendingTask, task: t})
	return true
}

// Set resolves the key. On success the value (nil included) becomes the
// cached entry and all inline waiters observe it. On error the waiters
// observe the error and the entry is cleared to absent, so the next request
// recomputes instead of replaying a poisoned state. Each waiter is woken
// exactly once; the write is visible before any wake-up.
func (s *Store) Set(registryKey, key string, value any, err error) {
	s.mu.Lock()
	var waiters []chan waitResult
	if e := s.lookup(registryKey, key); e != nil {
		waiters = e.waiters
		e.waiters = nil
	}
	if err != nil {
		s.drop(registryKey, key)
	} else {
		s.put(registryKey, key, &entry{state: stateResolved, value: value})
	}
	s.mu.Unlock()

	for _, ch := range waiters {
		ch <- waitResult{value: value, err: err}
	}
}

// ClearPending removes a pending marker (either form), waking inline waiters
// with cause. A resolved entry is not touched. Used on cancellation and on
// failure paths that must not leave waiters hanging.
func (s *Store) ClearPending(registryKey, key string, cause error) {
	if cause == nil {
		cause = fmt.Errorf("%w: computation abandoned", ErrNotFound)
	}
	s.mu.Lock()
	var waiters []chan waitResult
	if e := s.lookup(registryKey, key); e != nil && e.state != stateResolved {
		waiters = e.waiters
		e.waiters = nil
		s.drop(registryKey, key)
	}
	s.mu.Unlock()

	for _, ch := range waiters {
		ch <- waitResult{err: cause}
	}
}

// SetLatest records key as the most recent cache key for the registry under
// the scope, used to answer latest-value queries when dependencies only
// trigger and do not key.
func (s *Store) SetLatest(registryKey, scopeKey, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.latest[registryKey]
	if !ok {
		reg = make(map[string]string)
		s.latest[registryKey] = reg
	}
	reg[scopeKey] = key
}

// Latest returns the most recent cache key for the registry under the scope.
func (s *Store) Latest(registryKey, scopeKey string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.latest[registryKey][scopeKey]
	return key, ok
}
