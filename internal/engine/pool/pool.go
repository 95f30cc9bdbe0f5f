// Package pool supervises a dynamically sized set of isolated worker
// processes. One supervisor goroutine owns all pool state; workers talk back
// through their event streams, and every decision (dispatch, scale, replace)
// happens in the supervisor loop.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"reactor/internal/engine/proc"
	"reactor/internal/payload"
)

var (
	// ErrNotRunning is returned by Submit outside the Running state.
	ErrNotRunning = errors.New("pool: not running")
	// ErrWorkerFailure marks a task whose worker died before reporting a
	// terminal frame. Distinct from a computation error.
	ErrWorkerFailure = errors.New("pool: unexpected worker failure")
	// ErrCanceled marks a task stopped by Cancel.
	ErrCanceled = errors.New("pool: task canceled")
	// ErrShutdown marks in-flight tasks abandoned by a forced Join.
	ErrShutdown = errors.New("pool: shut down before completion")
)

// ComputeError wraps a failure reported by the user function itself, as
// opposed to infrastructure failures like ErrWorkerFailure.
type ComputeError struct {
	TaskID string
	Reason string
}

func (e *ComputeError) Error() string { return e.Reason }

// Config tunes the pool. Zero values get defaults from New.
type Config struct {
	Launcher    proc.Launcher
	MinWorkers  int           // floor kept alive, default 1
	MaxWorkers  int           // ceiling, default 4
	IdleTimeout time.Duration // idle worker lifetime beyond the floor, default 2s

	// Payloads plus SpillThreshold control large-argument hand-off on Submit.
	Payloads       payload.Store
	SpillThreshold int
}

type poolState int

const (
	stateNotStarted poolState = iota
	stateRunning
	stateStopped
)

type job struct {
	call   proc.Call
	handle *Handle
}

// Pool is the process supervisor. Create with New, then Start.
type Pool struct {
	cfg Config

	mu    sync.Mutex
	state poolState

	submitCh chan job
	cancelCh chan string
	killCh   chan string // test hook: simulate a crash of a specific worker
	statsCh  chan chan Stats
	closeCh  chan struct{}
	forceCh  chan struct{}
	doneCh   chan struct{}
}

// Stats is a point-in-time snapshot of the supervisor's state.
type Stats struct {
	Workers int // live workers not scheduled for termination
	Busy    int // workers holding an assigned task
	Queued  int // submitted tasks not yet dispatched
}

func New(cfg Config) (*Pool, error) {
	if cfg.Launcher == nil {
		return nil, fmt.Errorf("pool: launcher is required")
	}
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = max(cfg.MinWorkers, 4)
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Second
	}
	return &Pool{
		cfg:      cfg,
		submitCh: make(chan job),
		cancelCh: make(chan string),
		killCh:   make(chan string),
		statsCh:  make(chan chan Stats),
		closeCh:  make(chan struct{}),
		forceCh:  make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start launches the supervisor and the minimum worker set.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateNotStarted {
		return fmt.Errorf("pool: already started")
	}
	p.state = stateRunning
	go p.supervise()
	return nil
}

// Submit enqueues one call and returns its handle. Fails with ErrNotRunning
// outside the Running state. Encoding failures (arguments that cannot cross
// the process boundary) fail the returned handle, not the pool.
func (p *Pool) Submit(ctx context.Context, taskID, fn string, args []any, kwargs map[string]any, reportProgress bool) (*Handle, error) {
	p.mu.Lock()
	running := p.state == stateRunning
	p.mu.Unlock()
	if !running {
		return nil, ErrNotRunning
	}

	h := newHandle(taskID)
	call, err := proc.EncodeCall(ctx, p.cfg.Payloads, p.cfg.SpillThreshold, taskID, fn, args, kwargs, reportProgress)
	if err != nil {
		h.fail(&ComputeError{TaskID: taskID, Reason: err.Error()})
		return h, nil
	}

	select {
	case p.submitCh <- job{call: call, handle: h}:
		return h, nil
	case <-p.closeCh:
		return nil, ErrNotRunning
	}
}

// Cancel hard-stops the worker executing taskID. The worker process is
// killed and replaced; the task's handle fails with ErrCanceled. Queued
// not-yet-dispatched tasks are canceled without touching any worker.
func (p *Pool) Cancel(taskID string) {
	select {
	case p.cancelCh <- taskID:
	case <-p.doneCh:
	}
}

// Close stops accepting new work. In-flight and queued tasks keep running.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == stateRunning {
		p.state = stateStopped
		close(p.closeCh)
	}
}

// Join waits for in-flight work to drain, at most timeout, then terminates
// every worker. After Join returns the worker set is empty.
func (p *Pool) Join(timeout time.Duration) {
	p.Close()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-p.doneCh:
		return
	case <-time.After(timeout):
	}
	select {
	case p.forceCh <- struct{}{}:
	case <-p.doneCh:
		return
	}
	<-p.doneCh
}

// Stats reports the supervisor's current worker and queue counts. Returns
// the zero Stats after shutdown.
func (p *Pool) Stats() Stats {
	reply := make(chan Stats, 1)
	select {
	case p.statsCh <- reply:
		return <-reply
	case <-p.doneCh:
		return Stats{}
	}
}

// kill simulates a crash of a specific worker. Test hook.
func (p *Pool) kill(workerID string) {
	select {
	case p.killCh <- workerID:
	case <-p.doneCh:
	}
}

// ---------------- supervisor ----------------

type workerStatus int

const (
	workerIdle workerStatus = iota
	workerBusy
	workerTerminating
)

type workerState struct {
	id        string
	w         proc.Worker
	status    workerStatus
	job       *job // busy only
	idleSince time.Time
	// replace marks a worker whose capacity must be restored when it exits:
	// killed while holding a task (cancel or broken pipe). Idle scale-downs
	// leave it unset.
	replace bool
}

type workerEvent struct {
	workerID string
	msg      proc.Message
	exited   bool
}

func (p *Pool) supervise() {
	defer close(p.doneCh)

	events := make(chan workerEvent, 64)
	workers := make(map[string]*workerState)
	var queue []job
	nextID := 0
	closing := false

	spawn := func() bool {
		nextID++
		id := fmt.Sprintf("w%d", nextID)
		w, err := p.cfg.Launcher.Launch(id)
		if err != nil {
			log.Printf("pool: launch worker %s failed: %v", id, err)
			return false
		}
		workers[id] = &workerState{id: id, w: w, status: workerIdle, idleSince: time.Now()}
		go func() {
			for msg := range w.Events() {
				events <- workerEvent{workerID: id, msg: msg}
			}
			events <- workerEvent{workerID: id, exited: true}
		}()
		return true
	}

	active := func() int {
		n := 0
		for _, ws := range workers {
			if ws.status != workerTerminating {
				n++
			}
		}
		return n
	}

	busy := func() int {
		n := 0
		for _, ws := range workers {
			if ws.status == workerBusy {
				n++
			}
		}
		return n
	}

	assign := func(ws *workerState, j job) {
		ws.status = workerBusy
		jc := j
		ws.job = &jc
		if err := ws.w.Send(j.call); err != nil {
			// The pipe is gone; fail the task and retire the worker. Its
			// exit event restores capacity via replace.
			j.handle.fail(fmt.Errorf("%w: %v", ErrWorkerFailure, err))
			ws.status = workerTerminating
			ws.job = nil
			ws.replace = true
			ws.w.Kill()
		}
	}

	// dispatch assigns queued work to idle workers and adjusts the worker
	// count: scale up while outstanding work exceeds capacity, keep the
	// configured floor alive.
	dispatch := func() {
		assignIdle := func() {
			for len(queue) > 0 {
				var idle *workerState
				for _, ws := range workers {
					if ws.status == workerIdle {
						idle = ws
						break
					}
				}
				if idle == nil {
					return
				}
				j := queue[0]
				queue = queue[1:]
				assign(idle, j)
			}
		}
		assignIdle()
		for len(queue)+busy() > active() && active() < p.cfg.MaxWorkers {
			if !spawn() {
				break // launch failure; retried on the next tick
			}
		}
		for !closing && active() < p.cfg.MinWorkers {
			if !spawn() {
				break
			}
		}
		assignIdle()
	}

	finishWorker := func(ws *workerState) {
		ws.status = workerIdle
		ws.job = nil
		ws.idleSince = time.Now()
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for i := 0; i < p.cfg.MinWorkers; i++ {
		spawn()
	}

	closeReq := p.closeCh
	for {
		// Drained after close: kill the remaining idle set and exit.
		if closing && len(queue) == 0 && busy() == 0 {
			for _, ws := range workers {
				ws.w.Kill()
			}
			for len(workers) > 0 {
				ev := <-events
				if ev.exited {
					delete(workers, ev.workerID)
				}
			}
			return
		}

		select {
		case <-closeReq:
			closing = true
			closeReq = nil

		case <-p.forceCh:
			closing = true
			for _, ws := range workers {
				if ws.status == workerBusy && ws.job != nil {
					ws.job.handle.fail(ErrShutdown)
				}
				ws.status = workerTerminating
				ws.job = nil
				ws.w.Kill()
			}
			for _, j := range queue {
				j.handle.fail(ErrShutdown)
			}
			queue = nil

		case j := <-p.submitCh:
			queue = append(queue, j)
			dispatch()

		case taskID := <-p.cancelCh:
			for i, j := range queue {
				if j.call.TaskID == taskID {
					j.handle.fail(ErrCanceled)
					queue = append(queue[:i], queue[i+1:]...)
					break
				}
			}
			for _, ws := range workers {
				if ws.status == workerBusy && ws.job != nil && ws.job.call.TaskID == taskID {
					ws.job.handle.fail(ErrCanceled)
					ws.status = workerTerminating
					ws.job = nil
					ws.replace = true
					ws.w.Kill()
					break
				}
			}

		case workerID := <-p.killCh:
			if ws, ok := workers[workerID]; ok {
				ws.w.Kill()
			}

		case reply := <-p.statsCh:
			reply <- Stats{Workers: active(), Busy: busy(), Queued: len(queue)}

		case ev := <-events:
			ws := workers[ev.workerID]
			if ws == nil {
				break
			}
			if ev.exited {
				delete(workers, ev.workerID)
				crashedBusy := ws.status == workerBusy
				if crashedBusy && ws.job != nil {
					ws.job.handle.fail(ErrWorkerFailure)
				}
				if !closing && (crashedBusy || ws.replace) {
					// Replace lost capacity immediately with a fresh idle
					// worker.
					spawn()
				}
				if !closing {
					dispatch()
				}
				break
			}
			p.handleMessage(ws, ev.msg, finishWorker)
			dispatch()

		case <-ticker.C:
			now := time.Now()
			for _, ws := range workers {
				if ws.status == workerIdle && active() > p.cfg.MinWorkers && now.Sub(ws.idleSince) > p.cfg.IdleTimeout {
					ws.status = workerTerminating
					ws.w.Kill()
				}
			}
			dispatch()
		}
	}
}

// handleMessage routes one worker frame to its task handle.
func (p *Pool) handleMessage(ws *workerState, msg proc.Message, finish func(*workerState)) {
	if ws.job == nil {
		return
	}
	h := ws.job.handle
	switch msg.Type {
	case proc.MessageAck:
		h.sendAck(msg)
	case proc.MessageProgress:
		h.sendProgress(msg)
	case proc.MessageResult:
		value, err := proc.DecodeValue(context.Background(), p.cfg.Payloads, msg)
		if err != nil {
			h.fail(&ComputeError{TaskID: msg.TaskID, Reason: err.Error()})
		} else {
			h.complete(value)
		}
		finish(ws)
	case proc.MessageProblem:
		h.fail(&ComputeError{TaskID: msg.TaskID, Reason: msg.Error})
		finish(ws)
	}
}
