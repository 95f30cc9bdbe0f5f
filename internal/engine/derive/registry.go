package derive

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"reactor/internal/engine/cachestore"
)

// Registration declares one derived computation: which function produces it,
// what it depends on, and how its results are cached.
type Registration struct {
	// Key identifies the computation, stable across requests.
	Key string
	// Fn names the producing function in the task registry.
	Fn string

	// Dependencies are the declared inputs, resolved recursively on each
	// request. A Use descriptor names another registration and resolves
	// through GetValue; any other descriptor is opaque to the resolver and
	// interpreted by the injected DependencyResolver.
	Dependencies []any

	// Deps selects which argument indexes participate in the cache key.
	// nil means all arguments key (re-evaluate when any input changes); an
	// empty, non-nil slice pins the key (the function runs once ever, until
	// forced). Dependencies outside the subset still trigger resolution.
	Deps []int

	// Policy partitions cached values. The zero policy disables cache reads
	// and pending-value protection while results are still written.
	Policy cachestore.Policy

	// ProcessAsTask forces execution in a worker process even when no
	// argument is pending.
	ProcessAsTask bool

	// Polling registries always bypass the cache read but still record
	// results and latest keys.
	Polling bool

	// Channels lists live-update channels notified about task execution.
	Channels []string

	// ReportProgress enables worker progress frames for task execution.
	ReportProgress bool

	// ParseArgs optionally reconstructs structured argument types from their
	// resolved wire form. Pending task arguments are not passed through it.
	ParseArgs func(values []any) ([]any, error)
}

// Registry holds registrations keyed by registry key. Duplicate keys are a
// configuration error, caught at setup.
type Registry struct {
	mu   sync.RWMutex
	regs map[string]Registration
}

func NewRegistry() *Registry {
	return &Registry{regs: make(map[string]Registration)}
}

func (r *Registry) Register(reg Registration) error {
	reg.Key = strings.TrimSpace(reg.Key)
	reg.Fn = strings.TrimSpace(reg.Fn)
	if reg.Key == "" {
		return fmt.Errorf("derive: registry key is required")
	}
	if reg.Fn == "" {
		return fmt.Errorf("derive: registration %s needs a function name", reg.Key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.regs[reg.Key]; exists {
		return fmt.Errorf("derive: duplicate registry key %s", reg.Key)
	}
	r.regs[reg.Key] = reg
	return nil
}

func (r *Registry) MustRegister(reg Registration) {
	if err := r.Register(reg); err != nil {
		panic(err)
	}
}

func (r *Registry) Get(key string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.regs[strings.TrimSpace(key)]
	return reg, ok
}

// Keys lists registered keys, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.regs))
	for k := range r.regs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
