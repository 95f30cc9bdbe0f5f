package pool

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"reactor/internal/engine/proc"
	"reactor/internal/engine/task"
	"reactor/internal/workerruntime"
)

// blockGate coordinates the blocking test function. Reset per test; tests in
// this package do not run in parallel.
var blockGate chan struct{}

func poolAddFn(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	a, _ := args[0].(float64)
	b, _ := args[1].(float64)
	return a + b, nil
}

func poolBlockFn(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	<-blockGate
	return "unblocked", nil
}

func newTestPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	reg := task.NewRegistry()
	reg.MustRegister("add", poolAddFn)
	reg.MustRegister("block", poolBlockFn)
	cfg.Launcher = &proc.LocalLauncher{
		Serve: func(id string, in io.Reader, out io.Writer) error {
			return workerruntime.Serve(id, in, out, workerruntime.Options{Registry: reg})
		},
	}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("start pool: %v", err)
	}
	t.Cleanup(func() { p.Join(2 * time.Second) })
	return p
}

func waitAck(t *testing.T, h *Handle) proc.Message {
	t.Helper()
	select {
	case ack := <-h.Ack():
		return ack
	case <-time.After(2 * time.Second):
		t.Fatalf("no acknowledge for %s", h.TaskID())
		return proc.Message{}
	}
}

func waitStats(t *testing.T, p *Pool, ok func(Stats) bool) Stats {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var st Stats
	for time.Now().Before(deadline) {
		st = p.Stats()
		if ok(st) {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("stats condition never met, last %+v", st)
	return st
}

func TestSubmitBeforeStartFails(t *testing.T) {
	reg := task.NewRegistry()
	p, err := New(Config{Launcher: &proc.LocalLauncher{
		Serve: func(id string, in io.Reader, out io.Writer) error {
			return workerruntime.Serve(id, in, out, workerruntime.Options{Registry: reg})
		},
	}})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	if _, err := p.Submit(context.Background(), "t1", "add", []any{1.0, 2.0}, nil, false); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("want ErrNotRunning, got %v", err)
	}
}

func TestSubmitAckThenResult(t *testing.T) {
	p := newTestPool(t, Config{MaxWorkers: 2})

	h, err := p.Submit(context.Background(), "t1", "add", []any{1.0, 2.0}, nil, false)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ack := waitAck(t, h)
	if ack.TaskID != "t1" || ack.WorkerID == "" {
		t.Fatalf("bad ack: %+v", ack)
	}
	// Exactly one acknowledge.
	select {
	case extra := <-h.Ack():
		t.Fatalf("second ack: %+v", extra)
	default:
	}

	v, err := h.Wait(context.Background())
	if err != nil || v != 3.0 {
		t.Fatalf("wait = %v, %v", v, err)
	}
}

func TestSecondTaskSpawnsSecondWorker(t *testing.T) {
	blockGate = make(chan struct{})
	p := newTestPool(t, Config{MinWorkers: 1, MaxWorkers: 2})

	blocked, err := p.Submit(context.Background(), "t-block", "block", nil, nil, false)
	if err != nil {
		t.Fatalf("submit block: %v", err)
	}
	waitAck(t, blocked)

	// The pool holds one busy worker; more work must scale it to two, and
	// both tasks complete independently.
	h, err := p.Submit(context.Background(), "t-add", "add", []any{2.0, 3.0}, nil, false)
	if err != nil {
		t.Fatalf("submit add: %v", err)
	}
	waitStats(t, p, func(st Stats) bool { return st.Workers == 2 })

	v, err := h.Wait(context.Background())
	if err != nil || v != 5.0 {
		t.Fatalf("add while blocked = %v, %v", v, err)
	}
	select {
	case <-blocked.Done():
		t.Fatalf("blocked task finished early")
	default:
	}

	close(blockGate)
	if v, err := blocked.Wait(context.Background()); err != nil || v != "unblocked" {
		t.Fatalf("blocked wait = %v, %v", v, err)
	}
}

func TestWorkerCrashFailsOnlyThatTask(t *testing.T) {
	blockGate = make(chan struct{})
	defer close(blockGate)
	p := newTestPool(t, Config{MinWorkers: 1, MaxWorkers: 2})

	h, err := p.Submit(context.Background(), "t-crash", "block", nil, nil, false)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ack := waitAck(t, h)

	p.kill(ack.WorkerID)
	if _, err := h.Wait(context.Background()); !errors.Is(err, ErrWorkerFailure) {
		t.Fatalf("want ErrWorkerFailure, got %v", err)
	}

	// Capacity is restored and the pool keeps accepting work.
	waitStats(t, p, func(st Stats) bool { return st.Workers >= 1 && st.Busy == 0 })
	h2, err := p.Submit(context.Background(), "t-after", "add", []any{1.0, 1.0}, nil, false)
	if err != nil {
		t.Fatalf("submit after crash: %v", err)
	}
	if v, err := h2.Wait(context.Background()); err != nil || v != 2.0 {
		t.Fatalf("post-crash task = %v, %v", v, err)
	}
}

func TestCancelKillsWorkerAndReplacesIt(t *testing.T) {
	blockGate = make(chan struct{})
	defer close(blockGate)
	p := newTestPool(t, Config{MinWorkers: 1, MaxWorkers: 2})

	h, err := p.Submit(context.Background(), "t-cancel", "block", nil, nil, false)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitAck(t, h)

	p.Cancel("t-cancel")
	if _, err := h.Wait(context.Background()); !errors.Is(err, ErrCanceled) {
		t.Fatalf("want ErrCanceled, got %v", err)
	}

	waitStats(t, p, func(st Stats) bool { return st.Workers >= 1 && st.Busy == 0 })
	h2, err := p.Submit(context.Background(), "t-next", "add", []any{4.0, 4.0}, nil, false)
	if err != nil {
		t.Fatalf("submit after cancel: %v", err)
	}
	if v, err := h2.Wait(context.Background()); err != nil || v != 8.0 {
		t.Fatalf("post-cancel task = %v, %v", v, err)
	}
}

func TestIdleWorkersScaleDownToMinimum(t *testing.T) {
	blockGate = make(chan struct{})
	p := newTestPool(t, Config{MinWorkers: 1, MaxWorkers: 3, IdleTimeout: 100 * time.Millisecond})

	h1, _ := p.Submit(context.Background(), "i1", "block", nil, nil, false)
	h2, _ := p.Submit(context.Background(), "i2", "block", nil, nil, false)
	waitStats(t, p, func(st Stats) bool { return st.Workers == 2 })

	close(blockGate)
	if _, err := h1.Wait(context.Background()); err != nil {
		t.Fatalf("h1: %v", err)
	}
	if _, err := h2.Wait(context.Background()); err != nil {
		t.Fatalf("h2: %v", err)
	}

	waitStats(t, p, func(st Stats) bool { return st.Workers == 1 })
}

func TestCloseRejectsNewWorkAndJoinEmptiesPool(t *testing.T) {
	p := newTestPool(t, Config{MinWorkers: 1, MaxWorkers: 2})

	h, err := p.Submit(context.Background(), "t-last", "add", []any{1.0, 2.0}, nil, false)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	p.Close()
	if _, err := p.Submit(context.Background(), "t-late", "add", []any{1.0, 2.0}, nil, false); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("want ErrNotRunning after close, got %v", err)
	}

	// In-flight work still completes.
	if v, err := h.Wait(context.Background()); err != nil || v != 3.0 {
		t.Fatalf("in-flight after close = %v, %v", v, err)
	}
	p.Join(2 * time.Second)
}

func TestUnserializableArgumentsFailOnlyThatHandle(t *testing.T) {
	p := newTestPool(t, Config{MinWorkers: 1, MaxWorkers: 2})

	h, err := p.Submit(context.Background(), "t-bad", "add", []any{make(chan int)}, nil, false)
	if err != nil {
		t.Fatalf("submit should not error at the pool level: %v", err)
	}
	if _, err := h.Wait(context.Background()); err == nil {
		t.Fatalf("unserializable arguments must fail the handle")
	}

	h2, err := p.Submit(context.Background(), "t-good", "add", []any{1.0, 1.0}, nil, false)
	if err != nil {
		t.Fatalf("pool must keep running: %v", err)
	}
	if v, err := h2.Wait(context.Background()); err != nil || v != 2.0 {
		t.Fatalf("follow-up task = %v, %v", v, err)
	}
}
