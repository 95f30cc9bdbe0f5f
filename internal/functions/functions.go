// Package functions holds the built-in task function table. Server and
// worker binaries must register the same names: the pool ships names across
// the process boundary, never code.
package functions

import (
	"context"
	"fmt"

	"reactor/internal/engine/task"
)

// Register installs the built-in functions into the registry.
func Register(reg *task.Registry) error {
	table := map[string]task.Func{
		"math.add":       Add,
		"math.sum":       Sum,
		"strings.concat": Concat,
		"data.merge":     Merge,
	}
	for name, fn := range table {
		if err := reg.Register(name, fn); err != nil {
			return err
		}
	}
	return nil
}

// Add returns args[0] + args[1]. JSON numbers arrive as float64.
func Add(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("add: want 2 args, got %d", len(args))
	}
	a, err := asNumber(args[0])
	if err != nil {
		return nil, err
	}
	b, err := asNumber(args[1])
	if err != nil {
		return nil, err
	}
	return a + b, nil
}

// Sum totals all numeric arguments, reporting progress per element.
func Sum(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	report := task.ProgressFrom(ctx)
	total := 0.0
	for i, arg := range args {
		n, err := asNumber(arg)
		if err != nil {
			return nil, err
		}
		total += n
		report(float64(i+1)/float64(len(args))*100, fmt.Sprintf("summed %d/%d", i+1, len(args)))
	}
	return total, nil
}

// Concat joins string arguments in order.
func Concat(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	out := ""
	for _, arg := range args {
		s, ok := arg.(string)
		if !ok {
			return nil, fmt.Errorf("concat: want string args, got %T", arg)
		}
		out += s
	}
	return out, nil
}

// Merge shallow-merges map arguments left to right.
func Merge(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	out := make(map[string]any)
	for _, arg := range args {
		m, ok := arg.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("merge: want object args, got %T", arg)
		}
		for k, v := range m {
			out[k] = v
		}
	}
	return out, nil
}

func asNumber(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("want number, got %T", v)
	}
}
