package cachestore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := New()
	if _, err := s.Get(context.Background(), "r1", "k1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestNilIsACachedValue(t *testing.T) {
	s := New()
	s.Set("r1", "k1", nil, nil)
	look, err := s.Get(context.Background(), "r1", "k1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if look.Value != nil || look.Task != nil {
		t.Fatalf("want resolved nil value, got %+v", look)
	}
}

func TestPendingValueBlocksConcurrentGet(t *testing.T) {
	s := New()
	if !s.SetPending("r1", "k1") {
		t.Fatalf("expected pending slot to be free")
	}
	if s.SetPending("r1", "k1") {
		t.Fatalf("second SetPending should lose the race")
	}

	got := make(chan any, 1)
	go func() {
		look, err := s.Get(context.Background(), "r1", "k1")
		if err != nil {
			got <- err
			return
		}
		got <- look.Value
	}()

	// The waiter must not observe anything before resolution.
	select {
	case v := <-got:
		t.Fatalf("waiter woke early with %v", v)
	case <-time.After(50 * time.Millisecond):
	}

	s.Set("r1", "k1", 42, nil)
	select {
	case v := <-got:
		if v != 42 {
			t.Fatalf("want 42, got %v", v)
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter never woke")
	}
}

func TestSetErrorWakesWaitersAndClearsEntry(t *testing.T) {
	s := New()
	s.SetPending("r1", "k1")

	boom := fmt.Errorf("compute failed")
	errs := make(chan error, 3)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Get(context.Background(), "r1", "k1")
			errs <- err
		}()
	}
	time.Sleep(20 * time.Millisecond)
	s.Set("r1", "k1", nil, boom)
	wg.Wait()
	close(errs)

	for err := range errs {
		if !errors.Is(err, boom) {
			t.Fatalf("waiter observed %v, want %v", err, boom)
		}
	}
	// The entry must be absent, not poisoned: the next request recomputes.
	if _, err := s.Get(context.Background(), "r1", "k1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound after failure, got %v", err)
	}
}

func TestGetWaitCanceledByContext(t *testing.T) {
	s := New()
	s.SetPending("r1", "k1")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := s.Get(ctx, "r1", "k1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded, got %v", err)
	}
}

type fakeTask struct {
	id    string
	value any
}

func (f *fakeTask) TaskID() string { return f.id }
func (f *fakeTask) Wait(ctx context.Context) (any, error) {
	return f.value, nil
}

func TestPendingTaskReturnedToCaller(t *testing.T) {
	s := New()
	ft := &fakeTask{id: "t1", value: "done"}
	if !s.SetPendingTask("r1", "k1", ft) {
		t.Fatalf("SetPendingTask should succeed on absent entry")
	}
	look, err := s.Get(context.Background(), "r1", "k1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if look.Task == nil || look.Task.TaskID() != "t1" {
		t.Fatalf("want pending task t1, got %+v", look)
	}

	v, err := s.GetOrWait(context.Background(), "r1", "k1")
	if err != nil || v != "done" {
		t.Fatalf("GetOrWait = %v, %v", v, err)
	}
}

func TestSetPendingTaskDoesNotClobberResolved(t *testing.T) {
	s := New()
	s.Set("r1", "k1", "value", nil)
	if s.SetPendingTask("r1", "k1", &fakeTask{id: "t1"}) {
		t.Fatalf("resolved entry must not be replaced by a pending task")
	}
}

func TestClearPendingWakesWithCause(t *testing.T) {
	s := New()
	s.SetPending("r1", "k1")
	cause := errors.New("canceled upstream")

	done := make(chan error, 1)
	go func() {
		_, err := s.Get(context.Background(), "r1", "k1")
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	s.ClearPending("r1", "k1", cause)

	if err := <-done; !errors.Is(err, cause) {
		t.Fatalf("want cause, got %v", err)
	}
	if _, err := s.Get(context.Background(), "r1", "k1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("entry should be absent after clear, got %v", err)
	}
}

func TestLatestKeyTracksMostRecent(t *testing.T) {
	s := New()
	s.SetLatest("r1", "global", "k1")
	s.SetLatest("r1", "global", "k2")
	s.SetLatest("r1", "session:a", "k3")

	if k, ok := s.Latest("r1", "global"); !ok || k != "k2" {
		t.Fatalf("global latest = %q, %v", k, ok)
	}
	if k, ok := s.Latest("r1", "session:a"); !ok || k != "k3" {
		t.Fatalf("session latest = %q, %v", k, ok)
	}
	if _, ok := s.Latest("r2", "global"); ok {
		t.Fatalf("unknown registry should have no latest key")
	}
}
