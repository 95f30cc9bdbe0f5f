// Package derive resolves derived values: given a registered computation and
// its dependencies, it decides cache hit, miss, or forced bypass, and
// produces either a direct value or a task for the worker pool.
package derive

import (
	"context"
	"errors"
	"fmt"

	"reactor/internal/engine/cachestore"
	"reactor/internal/engine/manager"
	"reactor/internal/engine/task"
	"reactor/internal/scope"
	"reactor/internal/util/jsonutil"
)

// DependencyResolver resolves one declared dependency descriptor to a
// concrete value. It may return a task.Unit when the dependency is itself a
// computation still in flight, or a Result when it resolved through another
// derived registry (the Result's CacheKey then keys the parent, see
// resolveDependency). Supplied by the broader variable system; the engine
// treats descriptors as opaque.
type DependencyResolver interface {
	Resolve(ctx context.Context, dep any, store *cachestore.Store, mgr *manager.Manager) (any, error)
}

// Use declares a dependency on another registered derived value. The
// resolver resolves it recursively through GetValue: the parent sees the
// dependency's cached value when available, or its task when the computation
// has to run. Args follows GetValue's convention (nil means the target's
// declared dependencies).
type Use struct {
	Key  string
	Args []any
}

// LiteralResolver passes dependency descriptors through as literal values.
type LiteralResolver struct{}

func (LiteralResolver) Resolve(_ context.Context, dep any, _ *cachestore.Store, _ *manager.Manager) (any, error) {
	return dep, nil
}

// Result is the outcome of GetValue. Exactly one of the three applies:
// Task (work to submit to the manager), Pending (an identical computation is
// already in flight as a task; await it), or Value.
type Result struct {
	CacheKey string
	Value    any
	Task     task.Unit
	Pending  cachestore.TaskHandle
}

// Resolver is the engine's primary entry point. All lookups are injected;
// nothing here is process-global.
type Resolver struct {
	regs  *Registry
	store *cachestore.Store
	mgr   *manager.Manager
	deps  DependencyResolver
	force *cachestore.ForceKeys
	funcs *task.Registry
}

type ResolverConfig struct {
	Registry     *Registry
	Store        *cachestore.Store
	Manager      *manager.Manager
	Dependencies DependencyResolver
	ForceKeys    *cachestore.ForceKeys
	Funcs        *task.Registry
}

func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Registry == nil || cfg.Store == nil || cfg.Funcs == nil {
		return nil, fmt.Errorf("derive: registry, store and funcs are required")
	}
	if cfg.Dependencies == nil {
		cfg.Dependencies = LiteralResolver{}
	}
	if cfg.ForceKeys == nil {
		cfg.ForceKeys = cachestore.NewForceKeys(0)
	}
	return &Resolver{
		regs:  cfg.Registry,
		store: cfg.Store,
		mgr:   cfg.Manager,
		deps:  cfg.Dependencies,
		force: cfg.ForceKeys,
		funcs: cfg.Funcs,
	}, nil
}

// GetValue computes the derived value registered under key. args overrides
// the declared dependency list when non-nil (the caller supplies trigger
// values); forceKey, when first seen, bypasses the cache read exactly once.
func (r *Resolver) GetValue(ctx context.Context, key string, args []any, forceKey string) (Result, error) {
	reg, ok := r.regs.Get(key)
	if !ok {
		return Result{}, fmt.Errorf("derive: unknown registry key %s", key)
	}
	if args == nil {
		args = reg.Dependencies
	}

	// 1. Resolve dependencies recursively; collect pending tasks without
	// blocking on them. keyed records per-slot cache-key contributions that
	// must not change when a pending dependency later resolves.
	resolved := make([]any, len(args))
	keyed := make(map[int]any)
	hasTask := false
	for i, dep := range args {
		v, kv, isTask, err := r.resolveDependency(ctx, dep)
		if err != nil {
			return Result{}, fmt.Errorf("derive: resolve dependency %d of %s: %w", i, key, err)
		}
		resolved[i] = v
		if kv != nil {
			keyed[i] = kv
		}
		if isTask {
			hasTask = true
		}
	}

	// 2. Reconstruct declared argument types.
	parsed, err := parseArgs(reg, resolved)
	if err != nil {
		return Result{}, fmt.Errorf("derive: parse args of %s: %w", key, err)
	}

	// 3. Cache key over the trigger-filtered argument subset.
	cacheKey := cacheKeyFor(reg, parsed, keyed)
	scopeKey := cachestore.ScopeKey(reg.Policy, scope.CallerFrom(ctx))
	fullKey := scopeKey + "/" + cacheKey

	// 4. Latest-key pointer moves unconditionally, cache hit or not.
	r.store.SetLatest(key, scopeKey, fullKey)

	// 5. A force token buys one bypass, process-wide.
	forced := r.force.Spend(forceKey)

	// 6. Pending arguments can only be stitched together in a meta-task;
	// running inline would block the caller on process-isolated work.
	if hasTask {
		return Result{CacheKey: fullKey, Task: r.buildMeta(reg, parsed, fullKey, forced, forceKey)}, nil
	}

	// 7. Consult the cache unless bypassed.
	bypassRead := forced || reg.Polling || !reg.Policy.Enabled()
	if !bypassRead {
		look, err := r.store.Get(ctx, key, fullKey)
		if err == nil {
			if look.Task != nil {
				return Result{CacheKey: fullKey, Pending: look.Task}, nil
			}
			return Result{CacheKey: fullKey, Value: look.Value}, nil
		}
		if !errors.Is(err, cachestore.ErrNotFound) {
			return Result{CacheKey: fullKey}, err
		}
	}

	// Task-declared registries surface a task instead of computing inline.
	if reg.ProcessAsTask {
		return Result{CacheKey: fullKey, Task: r.buildTask(reg, parsed, fullKey, forced, forceKey)}, nil
	}

	// 8. Inline computation under pending-value protection (when caching is
	// enabled; a disabled scope recomputes independently, by contract).
	if reg.Policy.Enabled() && !bypassRead {
		if !r.store.SetPending(key, fullKey) {
			// Lost the race: another request is computing this key. Attach.
			value, err := r.store.GetOrWait(ctx, key, fullKey)
			if err != nil {
				return Result{CacheKey: fullKey}, err
			}
			return Result{CacheKey: fullKey, Value: value}, nil
		}
	} else if reg.Policy.Enabled() {
		// Forced or polling: still take the pending slot if free, so
		// concurrent normal requests wait rather than duplicate work.
		r.store.SetPending(key, fullKey)
	}

	value, err := r.funcs.Call(ctx, reg.Fn, parsed, nil)
	if err != nil {
		// Errors are never cached; clear so the next request recomputes.
		r.store.ClearPending(key, fullKey, err)
		return Result{CacheKey: fullKey}, err
	}
	r.store.Set(key, fullKey, value, nil)
	return Result{CacheKey: fullKey, Value: value}, nil
}

// resolveDependency produces one argument value for the computation plus its
// cache-key contribution. A nested derived value contributes its own cache
// key, which is the same whether the value is still computing or already
// resolved, so identical parent requests key identically on both sides of
// that transition. Anything else contributes the value itself (nil keyed).
func (r *Resolver) resolveDependency(ctx context.Context, dep any) (arg, keyed any, isTask bool, err error) {
	var res Result
	switch d := dep.(type) {
	case Use:
		res, err = r.GetValue(ctx, d.Key, d.Args, "")
		if err != nil {
			return nil, nil, false, err
		}
	default:
		v, err := r.deps.Resolve(ctx, dep, r.store, r.mgr)
		if err != nil {
			return nil, nil, false, err
		}
		sub, ok := v.(Result)
		if !ok {
			if u, isUnit := v.(task.Unit); isUnit {
				return u, map[string]string{"$task": u.TaskID()}, true, nil
			}
			return v, nil, false, nil
		}
		res = sub
	}

	ref := map[string]string{"$ref": res.CacheKey}
	switch {
	case res.Task != nil:
		return res.Task, ref, true, nil
	case res.Pending != nil:
		// An identical computation is already in flight. Join it as a
		// sub-task when the handle exposes its unit; otherwise wait here.
		if c, ok := res.Pending.(interface{ Unit() task.Unit }); ok {
			return c.Unit(), ref, true, nil
		}
		v, err := res.Pending.Wait(ctx)
		if err != nil {
			return nil, nil, false, err
		}
		return v, ref, false, nil
	default:
		return res.Value, ref, false, nil
	}
}

// GetLatest answers "the latest value for this registry, whatever its
// inputs" using the MostRecent pointer maintained on every request.
func (r *Resolver) GetLatest(ctx context.Context, key string) (any, error) {
	reg, ok := r.regs.Get(key)
	if !ok {
		return nil, fmt.Errorf("derive: unknown registry key %s", key)
	}
	scopeKey := cachestore.ScopeKey(reg.Policy, scope.CallerFrom(ctx))
	latest, ok := r.store.Latest(key, scopeKey)
	if !ok {
		return nil, cachestore.ErrNotFound
	}
	return r.store.GetOrWait(ctx, key, latest)
}

func (r *Resolver) buildTask(reg Registration, args []any, fullKey string, forced bool, forceKey string) *task.Task {
	t := task.New(reg.Fn, args, nil)
	t.ID = taskIDFor(reg.Key, fullKey, forced, forceKey)
	t.RegistryKey = reg.Key
	t.CacheKey = fullKey
	t.Channels = reg.Channels
	t.ReportProgress = reg.ReportProgress
	return t
}

func (r *Resolver) buildMeta(reg Registration, args []any, fullKey string, forced bool, forceKey string) *task.MetaTask {
	m := task.NewMeta(reg.Fn, args, nil, reg.ProcessAsTask)
	m.ID = taskIDFor(reg.Key, fullKey, forced, forceKey)
	m.RegistryKey = reg.Key
	m.CacheKey = fullKey
	m.Channels = reg.Channels
	m.ReportProgress = reg.ReportProgress
	return m
}

// taskIDFor derives a deterministic task id from the scoped cache key, so
// identical concurrent requests collapse onto one pending task in the
// manager. A forced request gets a distinct id keyed by its token.
func taskIDFor(registryKey, fullKey string, forced bool, forceKey string) string {
	if forced {
		return "t-" + jsonutil.MustFingerprint(registryKey, fullKey, forceKey)
	}
	return "t-" + jsonutil.MustFingerprint(registryKey, fullKey)
}

func parseArgs(reg Registration, resolved []any) ([]any, error) {
	if reg.ParseArgs == nil {
		return resolved, nil
	}
	// Pending tasks have no value yet; hold their positions and let the
	// parser see only concrete values.
	plain := make([]any, len(resolved))
	taskAt := make(map[int]any)
	for i, v := range resolved {
		if _, isTask := v.(task.Unit); isTask {
			taskAt[i] = v
			continue
		}
		plain[i] = v
	}
	parsed, err := reg.ParseArgs(plain)
	if err != nil {
		return nil, err
	}
	if len(parsed) != len(resolved) {
		return nil, fmt.Errorf("parser returned %d args, want %d", len(parsed), len(resolved))
	}
	for i, v := range taskAt {
		parsed[i] = v
	}
	return parsed, nil
}

// cacheKeyFor hashes the registry key plus the trigger-filtered argument
// values. keyed carries per-slot overrides from dependency resolution:
// nested derived values contribute their own cache keys, so the hash stays
// the same across their pending/resolved transition. Bare task arguments
// contribute their deterministic task ids.
func cacheKeyFor(reg Registration, args []any, keyed map[int]any) string {
	idxs := make([]int, 0, len(args))
	if reg.Deps == nil {
		for i := range args {
			idxs = append(idxs, i)
		}
	} else {
		for _, idx := range reg.Deps {
			if idx >= 0 && idx < len(args) {
				idxs = append(idxs, idx)
			}
		}
	}
	parts := make([]any, 0, len(idxs))
	for _, idx := range idxs {
		if kv, ok := keyed[idx]; ok {
			parts = append(parts, kv)
			continue
		}
		if u, isTask := args[idx].(task.Unit); isTask {
			parts = append(parts, map[string]string{"$task": u.TaskID()})
			continue
		}
		parts = append(parts, args[idx])
	}
	return jsonutil.MustFingerprint(reg.Key, parts)
}
