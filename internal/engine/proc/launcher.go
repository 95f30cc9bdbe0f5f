package proc

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// Worker is one isolated compute unit from the pool's point of view. Events
// is closed when the underlying process exits, however it exits; a close
// without a preceding terminal frame for the assigned task is a crash.
type Worker interface {
	ID() string
	// Send dispatches a call. Errors are submission failures local to the
	// call (encoding, closed pipe), not pool failures.
	Send(Call) error
	Events() <-chan Message
	// Kill hard-terminates the worker. Safe to call more than once.
	Kill()
}

// Launcher creates workers. The exec launcher spawns real processes; tests
// use the in-process launcher from local.go.
type Launcher interface {
	Launch(id string) (Worker, error)
}

// ExecLauncher starts a worker binary (reactor-worker) per worker and speaks
// the JSON-lines protocol over its stdin/stdout. Stderr is inherited so
// worker logs land alongside server logs.
type ExecLauncher struct {
	// Command is the argv of the worker binary, e.g. ["reactor-worker"].
	Command []string
	// Env entries appended to the inherited environment.
	Env []string
}

func (l *ExecLauncher) Launch(id string) (Worker, error) {
	if len(l.Command) == 0 {
		return nil, fmt.Errorf("proc: worker command is not configured")
	}
	cmd := exec.Command(l.Command[0], l.Command[1:]...)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Env = append(cmd.Env, "REACTOR_WORKER_ID="+id)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("proc: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("proc: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("proc: start worker: %w", err)
	}

	w := &execWorker{
		id:     id,
		cmd:    cmd,
		stdin:  stdin,
		enc:    json.NewEncoder(stdin),
		events: make(chan Message, 16),
	}
	go w.readLoop(stdout)
	return w, nil
}

type execWorker struct {
	id     string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	events chan Message

	sendMu sync.Mutex
	enc    *json.Encoder

	killOnce sync.Once
}

func (w *execWorker) ID() string { return w.id }

func (w *execWorker) Send(call Call) error {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	if err := w.enc.Encode(call); err != nil {
		return fmt.Errorf("proc: send to worker %s: %w", w.id, err)
	}
	return nil
}

func (w *execWorker) Events() <-chan Message { return w.events }

func (w *execWorker) Kill() {
	w.killOnce.Do(func() {
		_ = w.stdin.Close()
		if w.cmd.Process != nil {
			_ = w.cmd.Process.Kill()
		}
	})
}

func (w *execWorker) readLoop(stdout io.Reader) {
	dec := json.NewDecoder(stdout)
	for {
		var msg Message
		if err := dec.Decode(&msg); err != nil {
			break
		}
		msg.WorkerID = w.id
		w.events <- msg
	}
	_ = w.cmd.Wait()
	close(w.events)
}
