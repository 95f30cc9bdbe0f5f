package manager

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"reactor/internal/engine/cachestore"
	"reactor/internal/engine/pool"
	"reactor/internal/engine/proc"
	"reactor/internal/engine/task"
	"reactor/internal/notify"
	"reactor/internal/scope"
	"reactor/internal/workerruntime"
)

var mgrGate chan struct{}

func mgrAddFn(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	total := 0.0
	for _, a := range args {
		n, _ := a.(float64)
		total += n
	}
	return total, nil
}

func mgrFailFn(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	return nil, errors.New("deliberate failure")
}

func mgrBlockFn(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	<-mgrGate
	return "done", nil
}

func mgrProgressFn(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	report := task.ProgressFrom(ctx)
	report(50, "halfway")
	return "finished", nil
}

type managerFixture struct {
	mgr   *Manager
	store *cachestore.Store
	hub   *notify.Hub
}

func newFixture(t *testing.T) *managerFixture {
	t.Helper()
	reg := task.NewRegistry()
	reg.MustRegister("add", mgrAddFn)
	reg.MustRegister("fail", mgrFailFn)
	reg.MustRegister("block", mgrBlockFn)
	reg.MustRegister("stepped", mgrProgressFn)

	p, err := pool.New(pool.Config{
		Launcher: &proc.LocalLauncher{
			Serve: func(id string, in io.Reader, out io.Writer) error {
				return workerruntime.Serve(id, in, out, workerruntime.Options{Registry: reg})
			},
		},
		MinWorkers: 1,
		MaxWorkers: 4,
	})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("start pool: %v", err)
	}
	t.Cleanup(func() { p.Join(2 * time.Second) })

	store := cachestore.New()
	hub := notify.NewHub()
	mgr, err := New(Config{Pool: p, Store: store, Notifier: hub, Funcs: reg})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return &managerFixture{mgr: mgr, store: store, hub: hub}
}

func mustWait(t *testing.T, p *Pending) any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := p.Wait(ctx)
	if err != nil {
		t.Fatalf("wait %s: %v", p.TaskID(), err)
	}
	return v
}

func TestRunTaskDeduplicatesByID(t *testing.T) {
	mgrGate = make(chan struct{})
	f := newFixture(t)

	u := task.New("block", nil, nil)
	p1, err := f.mgr.RunTask(context.Background(), u)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	p2, err := f.mgr.RunTask(context.Background(), u)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if p1 != p2 {
		t.Fatalf("same id must share one pending handle")
	}
	if n := f.mgr.Subscribers(u.ID); n != 2 {
		t.Fatalf("subscribers = %d, want 2", n)
	}

	close(mgrGate)
	if v := mustWait(t, p1); v != "done" {
		t.Fatalf("value = %v", v)
	}
}

func TestResultCachedThenGetResultOneShot(t *testing.T) {
	f := newFixture(t)

	u := task.New("add", []any{2.0, 3.0}, nil)
	u.RegistryKey = "calc"
	u.CacheKey = "global/abc"
	p, err := f.mgr.RunTask(context.Background(), u)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if v := mustWait(t, p); v != 5.0 {
		t.Fatalf("value = %v", v)
	}

	look, err := f.store.Get(context.Background(), "calc", "global/abc")
	if err != nil || look.Value != 5.0 {
		t.Fatalf("cache after completion = %+v, %v", look, err)
	}

	if v, err := f.mgr.GetResult(u.ID); err != nil || v != 5.0 {
		t.Fatalf("GetResult = %v, %v", v, err)
	}
	if _, err := f.mgr.GetResult(u.ID); !errors.Is(err, ErrNoResult) {
		t.Fatalf("second GetResult must miss, got %v", err)
	}
}

func TestFailureClearsPendingEntry(t *testing.T) {
	f := newFixture(t)

	u := task.New("fail", nil, nil)
	u.RegistryKey = "calc"
	u.CacheKey = "global/bad"
	p, err := f.mgr.RunTask(context.Background(), u)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := p.Wait(ctx); err == nil {
		t.Fatalf("failing task must surface its error")
	}

	// The error is never cached; the entry goes back to absent.
	if _, err := f.store.Get(context.Background(), "calc", "global/bad"); !errors.Is(err, cachestore.ErrNotFound) {
		t.Fatalf("want ErrNotFound after failure, got %v", err)
	}
	if _, err := f.mgr.GetResult(u.ID); err == nil {
		t.Fatalf("GetResult must replay the failure")
	}
}

func TestCancelStopsOnlyAtZeroSubscribers(t *testing.T) {
	mgrGate = make(chan struct{})
	defer close(mgrGate)
	f := newFixture(t)

	feed, stop := f.hub.Subscribe("ch-cancel")
	defer stop()

	u := task.New("block", nil, nil)
	u.RegistryKey = "calc"
	u.CacheKey = "global/block"
	u.Channels = []string{"ch-cancel"}
	p, err := f.mgr.RunTask(context.Background(), u)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := f.mgr.RunTask(context.Background(), u); err != nil {
		t.Fatalf("second subscriber: %v", err)
	}

	if err := f.mgr.CancelTask(u.ID); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	select {
	case <-p.Done():
		t.Fatalf("task stopped while a subscriber remained")
	case <-time.After(50 * time.Millisecond):
	}
	if n := f.mgr.Subscribers(u.ID); n != 1 {
		t.Fatalf("subscribers = %d, want 1", n)
	}

	if err := f.mgr.CancelTask(u.ID); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := p.Wait(ctx); !errors.Is(err, ErrCanceled) {
		t.Fatalf("want ErrCanceled, got %v", err)
	}

	select {
	case msg := <-feed:
		if msg.Status != notify.StatusCanceled || msg.TaskID != u.ID {
			t.Fatalf("unexpected notification: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no canceled notification")
	}

	if _, err := f.store.Get(context.Background(), "calc", "global/block"); !errors.Is(err, cachestore.ErrNotFound) {
		t.Fatalf("pending entry must be cleared on cancel, got %v", err)
	}

	// The one-shot result is recorded after pending bookkeeping is removed.
	waitDeadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := f.mgr.GetResult(u.ID); errors.Is(err, ErrCanceled) {
			break
		}
		if time.Now().After(waitDeadline) {
			t.Fatalf("canceled outcome never recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := f.mgr.CancelTask(u.ID); !errors.Is(err, ErrNoSuchTask) {
		t.Fatalf("cancel of settled task, got %v", err)
	}
}

func TestMetaTaskCombinesSubResultsInline(t *testing.T) {
	f := newFixture(t)

	meta := task.NewMeta("add", []any{
		task.New("add", []any{1.0, 2.0}, nil),
		10.0,
		task.New("add", []any{3.0, 4.0}, nil),
	}, nil, false)

	p, err := f.mgr.RunTask(context.Background(), meta)
	if err != nil {
		t.Fatalf("run meta: %v", err)
	}
	// 3 + 10 + 7, sub-results substituted in declaration order.
	if v := mustWait(t, p); v != 20.0 {
		t.Fatalf("combined value = %v", v)
	}
}

func TestMetaTaskCombinesInWorker(t *testing.T) {
	f := newFixture(t)

	meta := task.NewMeta("add", []any{
		task.New("add", []any{1.0, 1.0}, nil),
		task.New("add", []any{2.0, 2.0}, nil),
	}, nil, true)

	p, err := f.mgr.RunTask(context.Background(), meta)
	if err != nil {
		t.Fatalf("run meta: %v", err)
	}
	if v := mustWait(t, p); v != 6.0 {
		t.Fatalf("combined value = %v", v)
	}
}

func TestMetaTaskSubFailureFailsParent(t *testing.T) {
	f := newFixture(t)

	meta := task.NewMeta("add", []any{
		task.New("add", []any{1.0, 2.0}, nil),
		task.New("fail", nil, nil),
	}, nil, false)

	p, err := f.mgr.RunTask(context.Background(), meta)
	if err != nil {
		t.Fatalf("run meta: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := p.Wait(ctx); err == nil {
		t.Fatalf("meta-task must fail when a sub-task fails")
	}
}

func TestProgressPrecedesTerminalNotification(t *testing.T) {
	f := newFixture(t)

	feed, stop := f.hub.Subscribe("ch-progress")
	defer stop()

	ctx := scope.WithCaller(context.Background(), scope.Caller{Channel: "ch-progress"})
	u := task.New("stepped", nil, nil)
	u.ReportProgress = true
	p, err := f.mgr.RunTask(ctx, u)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	mustWait(t, p)

	var statuses []notify.Status
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-feed:
			statuses = append(statuses, msg.Status)
			if msg.Status == notify.StatusComplete || msg.Status == notify.StatusError {
				goto doneReading
			}
		case <-deadline:
			t.Fatalf("terminal notification never arrived, saw %v", statuses)
		}
	}
doneReading:
	if statuses[len(statuses)-1] != notify.StatusComplete {
		t.Fatalf("terminal status = %v", statuses)
	}
	sawProgress := false
	for _, st := range statuses[:len(statuses)-1] {
		if st != notify.StatusProgress {
			t.Fatalf("non-progress status before terminal: %v", statuses)
		}
		sawProgress = true
	}
	if !sawProgress {
		t.Fatalf("no progress frames before terminal: %v", statuses)
	}
}

func TestConcurrentGetBlocksOnPendingTask(t *testing.T) {
	mgrGate = make(chan struct{})
	f := newFixture(t)

	u := task.New("block", nil, nil)
	u.RegistryKey = "calc"
	u.CacheKey = "global/shared"
	if _, err := f.mgr.RunTask(context.Background(), u); err != nil {
		t.Fatalf("run: %v", err)
	}

	look, err := f.store.Get(context.Background(), "calc", "global/shared")
	if err != nil {
		t.Fatalf("get during pending: %v", err)
	}
	if look.Task == nil || look.Task.TaskID() != u.ID {
		t.Fatalf("want pending task handle, got %+v", look)
	}

	close(mgrGate)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if v, err := look.Task.Wait(ctx); err != nil || v != "done" {
		t.Fatalf("attached wait = %v, %v", v, err)
	}
}
