package proc

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// ServeFunc runs a worker loop over a pair of streams. It matches the
// signature of workerruntime.Serve, kept as a function value here to avoid
// an import cycle.
type ServeFunc func(workerID string, in io.Reader, out io.Writer) error

// LocalLauncher runs the worker loop in a goroutine over in-memory pipes
// instead of spawning a process. Used by tests and by single-process
// deployments that do not need crash isolation. Kill severs the pipes, which
// the pool observes exactly like a process exit; a function already running
// on a killed local worker is abandoned, not interrupted.
type LocalLauncher struct {
	Serve ServeFunc
}

func (l *LocalLauncher) Launch(id string) (Worker, error) {
	if l == nil || l.Serve == nil {
		return nil, fmt.Errorf("proc: local launcher has no serve func")
	}
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	w := &localWorker{
		id:     id,
		in:     inW,
		out:    outR,
		enc:    json.NewEncoder(inW),
		events: make(chan Message, 16),
	}
	go func() {
		_ = l.Serve(id, inR, outW)
		_ = outW.Close()
	}()
	go w.readLoop()
	return w, nil
}

type localWorker struct {
	id     string
	in     io.WriteCloser
	out    *io.PipeReader
	events chan Message

	sendMu sync.Mutex
	enc    *json.Encoder

	killOnce sync.Once
}

func (w *localWorker) ID() string { return w.id }

func (w *localWorker) Send(call Call) error {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	if err := w.enc.Encode(call); err != nil {
		return fmt.Errorf("proc: send to worker %s: %w", w.id, err)
	}
	return nil
}

func (w *localWorker) Events() <-chan Message { return w.events }

func (w *localWorker) Kill() {
	w.killOnce.Do(func() {
		_ = w.in.Close()
		_ = w.out.CloseWithError(io.ErrClosedPipe)
	})
}

func (w *localWorker) readLoop() {
	dec := json.NewDecoder(w.out)
	for {
		var msg Message
		if err := dec.Decode(&msg); err != nil {
			break
		}
		msg.WorkerID = w.id
		w.events <- msg
	}
	close(w.events)
}
