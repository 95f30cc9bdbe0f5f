// Package proc defines the dispatch protocol between the pool supervisor and
// its worker processes, and the launchers that create workers. Frames are
// JSON lines: Calls flow down the worker's stdin, Messages flow back up its
// stdout.
package proc

import (
	"context"
	"encoding/json"
	"fmt"

	"reactor/internal/payload"
	"reactor/internal/util/jsonutil"
)

// MessageType discriminates worker-to-pool frames.
type MessageType string

const (
	// MessageAck is sent exactly once when a worker accepts a call.
	MessageAck MessageType = "ack"
	// MessageProgress may be sent zero or more times while running.
	MessageProgress MessageType = "progress"
	// MessageResult is the success terminal frame.
	MessageResult MessageType = "result"
	// MessageProblem is the failure terminal frame.
	MessageProblem MessageType = "problem"
)

// Call asks a worker to run one registered function.
type Call struct {
	TaskID         string          `json:"taskId"`
	Fn             string          `json:"fn"`
	Args           json.RawMessage `json:"args,omitempty"`
	Kwargs         json.RawMessage `json:"kwargs,omitempty"`
	ArgsRef        string          `json:"argsRef,omitempty"`
	ReportProgress bool            `json:"reportProgress,omitempty"`
}

// Message is a worker-to-pool frame. A worker emits exactly one terminal
// frame (result or problem) per accepted call, after zero or more progress
// frames.
type Message struct {
	Type     MessageType     `json:"type"`
	TaskID   string          `json:"taskId"`
	WorkerID string          `json:"workerId,omitempty"`
	Fraction float64         `json:"fraction,omitempty"`
	Note     string          `json:"note,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
	ValueRef string          `json:"valueRef,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// callPayload is the shape spilled to the payload store when arguments
// exceed the inline threshold.
type callPayload struct {
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
}

// EncodeCall serializes args/kwargs into the call, spilling to the payload
// store when the encoded form exceeds threshold bytes. A threshold <= 0
// disables spilling.
func EncodeCall(ctx context.Context, store payload.Store, threshold int, taskID, fn string, args []any, kwargs map[string]any, reportProgress bool) (Call, error) {
	call := Call{TaskID: taskID, Fn: fn, ReportProgress: reportProgress}

	argsJSON, err := jsonutil.MarshalNoEscape(args)
	if err != nil {
		return Call{}, fmt.Errorf("proc: encode args: %w", err)
	}
	kwargsJSON, err := jsonutil.MarshalNoEscape(kwargs)
	if err != nil {
		return Call{}, fmt.Errorf("proc: encode kwargs: %w", err)
	}

	if store != nil && threshold > 0 && len(argsJSON)+len(kwargsJSON) > threshold {
		blob, err := jsonutil.MarshalNoEscape(callPayload{Args: args, Kwargs: kwargs})
		if err != nil {
			return Call{}, fmt.Errorf("proc: encode payload: %w", err)
		}
		ref, err := store.Put(ctx, blob)
		if err != nil {
			return Call{}, fmt.Errorf("proc: spill args: %w", err)
		}
		call.ArgsRef = ref
		return call, nil
	}

	call.Args = argsJSON
	call.Kwargs = kwargsJSON
	return call, nil
}

// DecodeCall recovers args/kwargs, resolving the payload reference if the
// call was spilled.
func DecodeCall(ctx context.Context, store payload.Store, call Call) ([]any, map[string]any, error) {
	if call.ArgsRef != "" {
		if store == nil {
			return nil, nil, fmt.Errorf("proc: call %s carries a payload ref but no payload store is configured", call.TaskID)
		}
		blob, err := store.Get(ctx, call.ArgsRef)
		if err != nil {
			return nil, nil, fmt.Errorf("proc: resolve args ref: %w", err)
		}
		var p callPayload
		if err := json.Unmarshal(blob, &p); err != nil {
			return nil, nil, fmt.Errorf("proc: decode payload: %w", err)
		}
		return p.Args, p.Kwargs, nil
	}

	var args []any
	if len(call.Args) > 0 {
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return nil, nil, fmt.Errorf("proc: decode args: %w", err)
		}
	}
	var kwargs map[string]any
	if len(call.Kwargs) > 0 {
		if err := json.Unmarshal(call.Kwargs, &kwargs); err != nil {
			return nil, nil, fmt.Errorf("proc: decode kwargs: %w", err)
		}
	}
	return args, kwargs, nil
}

// EncodeValue serializes a result value, spilling to the payload store above
// the threshold. Exactly one of the returned raw value / ref is set.
func EncodeValue(ctx context.Context, store payload.Store, threshold int, v any) (json.RawMessage, string, error) {
	raw, err := jsonutil.MarshalNoEscape(v)
	if err != nil {
		return nil, "", fmt.Errorf("proc: encode value: %w", err)
	}
	if store != nil && threshold > 0 && len(raw) > threshold {
		ref, err := store.Put(ctx, raw)
		if err != nil {
			return nil, "", fmt.Errorf("proc: spill value: %w", err)
		}
		return nil, ref, nil
	}
	return raw, "", nil
}

// DecodeValue recovers a result value from a terminal frame. Spilled
// payloads are deleted after a successful read; results are consumed once.
func DecodeValue(ctx context.Context, store payload.Store, msg Message) (any, error) {
	raw := msg.Value
	if msg.ValueRef != "" {
		if store == nil {
			return nil, fmt.Errorf("proc: message for %s carries a payload ref but no payload store is configured", msg.TaskID)
		}
		blob, err := store.Get(ctx, msg.ValueRef)
		if err != nil {
			return nil, fmt.Errorf("proc: resolve value ref: %w", err)
		}
		_ = store.Delete(ctx, msg.ValueRef)
		raw = blob
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("proc: decode value: %w", err)
	}
	return v, nil
}
