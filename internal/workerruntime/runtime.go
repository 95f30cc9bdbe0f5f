// Package workerruntime is the inside of a worker process: it reads calls
// from the pool, resolves the named function through the shared registry,
// executes it, and reports progress and exactly one terminal frame per call.
package workerruntime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"reactor/internal/engine/proc"
	"reactor/internal/engine/task"
	"reactor/internal/payload"
)

// Options carries the worker-side collaborators.
type Options struct {
	Registry *task.Registry
	Payloads payload.Store
	// SpillThreshold is the max inline result size in bytes; larger results
	// go through the payload store. <= 0 disables spilling.
	SpillThreshold int
}

// Serve processes calls until in is closed. A worker runs one call at a
// time; the pool never pipelines onto a busy worker.
func Serve(workerID string, in io.Reader, out io.Writer, opts Options) error {
	if opts.Registry == nil {
		return fmt.Errorf("workerruntime: registry is required")
	}

	var writeMu sync.Mutex
	enc := json.NewEncoder(out)
	send := func(msg proc.Message) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return enc.Encode(msg)
	}

	dec := json.NewDecoder(in)
	for {
		var call proc.Call
		if err := dec.Decode(&call); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("workerruntime: decode call: %w", err)
		}
		if err := send(proc.Message{Type: proc.MessageAck, TaskID: call.TaskID, WorkerID: workerID}); err != nil {
			return err
		}
		msg := execute(context.Background(), call, opts, send)
		msg.WorkerID = workerID
		if err := send(msg); err != nil {
			return err
		}
	}
}

// execute runs one call and returns its terminal frame. User panics become
// problem frames; the worker loop survives them.
func execute(ctx context.Context, call proc.Call, opts Options, send func(proc.Message) error) (msg proc.Message) {
	defer func() {
		if r := recover(); r != nil {
			msg = proc.Message{Type: proc.MessageProblem, TaskID: call.TaskID, Error: fmt.Sprintf("panic: %v", r)}
		}
	}()

	args, kwargs, err := proc.DecodeCall(ctx, opts.Payloads, call)
	if err != nil {
		return proc.Message{Type: proc.MessageProblem, TaskID: call.TaskID, Error: err.Error()}
	}

	if call.ReportProgress {
		ctx = task.WithProgress(ctx, func(fraction float64, note string) {
			_ = send(proc.Message{
				Type:     proc.MessageProgress,
				TaskID:   call.TaskID,
				Fraction: fraction,
				Note:     note,
			})
		})
	}

	value, err := opts.Registry.Call(ctx, call.Fn, args, kwargs)
	if err != nil {
		return proc.Message{Type: proc.MessageProblem, TaskID: call.TaskID, Error: err.Error()}
	}

	raw, ref, err := proc.EncodeValue(ctx, opts.Payloads, opts.SpillThreshold, value)
	if err != nil {
		return proc.Message{Type: proc.MessageProblem, TaskID: call.TaskID, Error: err.Error()}
	}
	return proc.Message{Type: proc.MessageResult, TaskID: call.TaskID, Value: raw, ValueRef: ref}
}
