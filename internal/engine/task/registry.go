package task

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"sort"
	"strings"
	"sync"
)

// Func is the shape of a registered task function. Progress reporting, when
// enabled for the task, is available through ProgressFrom(ctx).
type Func func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// ErrNotRegistered wraps lookups of unknown function names.
var ErrNotRegistered = fmt.Errorf("task: function not registered")

// Registry maps function names to callables. It replaces import-by-name
// dispatch: names are registered explicitly at startup, and the same
// registrations must be present in the worker binary.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register binds name to fn. Anonymous functions and method values are
// rejected: a worker process resolves functions by name only, so the
// callable must be a package-level function the worker binary also
// registers. Duplicate names are a configuration error.
func (r *Registry) Register(name string, fn Func) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("task: function name is required")
	}
	if fn == nil {
		return fmt.Errorf("task: function %s is nil", name)
	}
	if sym := runtime.FuncForPC(reflect.ValueOf(fn).Pointer()); sym != nil {
		symName := sym.Name()
		if strings.Contains(symName, ".func") || strings.HasSuffix(symName, "-fm") {
			return fmt.Errorf("task: function %s is not addressable by name (got %s); register a package-level function", name, symName)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[name]; exists {
		return fmt.Errorf("task: function %s already registered", name)
	}
	r.funcs[name] = fn
	return nil
}

// MustRegister panics on registration error; intended for init-time tables.
func (r *Registry) MustRegister(name string, fn Func) {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
}

// Resolve returns the function bound to name.
func (r *Registry) Resolve(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[strings.TrimSpace(name)]
	return fn, ok
}

// Call resolves and invokes name.
func (r *Registry) Call(ctx context.Context, name string, args []any, kwargs map[string]any) (any, error) {
	fn, ok := r.Resolve(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	return fn(ctx, args, kwargs)
}

// Names lists registered function names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type ctxKeyProgress struct{}

// ProgressFunc reports completion of a running task function. fraction is a
// percentage in [0,100].
type ProgressFunc func(fraction float64, message string)

// WithProgress binds a progress reporter to the context.
func WithProgress(ctx context.Context, report ProgressFunc) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxKeyProgress{}, report)
}

// ProgressFrom returns the bound progress reporter, or a no-op.
func ProgressFrom(ctx context.Context) ProgressFunc {
	if ctx != nil {
		if v := ctx.Value(ctxKeyProgress{}); v != nil {
			if fn, ok := v.(ProgressFunc); ok && fn != nil {
				return fn
			}
		}
	}
	return func(float64, string) {}
}
