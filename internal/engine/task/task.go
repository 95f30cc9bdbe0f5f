// Package task defines the unit of deferred work handed to the worker pool:
// a plain Task (one named function run in a worker process) or a MetaTask
// (sub-tasks first, then a combining function).
package task

import (
	"strings"

	"github.com/google/uuid"
)

// Task is one function invocation destined for a worker process. Fn must be
// resolvable through a Registry shared with the worker binary; closures
// cannot cross the process boundary.
type Task struct {
	ID     string
	Fn     string
	Args   []any
	Kwargs map[string]any

	// RegistryKey and CacheKey, when set, tell the task manager where to
	// write the result on completion. CacheKey is already scope-qualified.
	RegistryKey string
	CacheKey    string

	// Channels lists live-update channel ids to fan progress/result/error to,
	// in addition to the requester's own channel.
	Channels []string

	// ReportProgress enables Progress messages from the worker.
	ReportProgress bool
}

// MetaTask waits on every Task/MetaTask appearing in Args, substitutes their
// results in declaration order, then invokes Fn. When ProcessAsTask is set
// the combining invocation itself runs in a worker; otherwise it runs inline
// in the manager.
type MetaTask struct {
	Task
	ProcessAsTask bool
}

// Unit is what the task manager schedules: a *Task or a *MetaTask.
type Unit interface {
	TaskID() string
	Base() *Task
}

func (t *Task) TaskID() string { return t.ID }
func (t *Task) Base() *Task    { return t }

func (m *MetaTask) TaskID() string { return m.ID }
func (m *MetaTask) Base() *Task    { return &m.Task }

// SubTasks returns the Units embedded in the meta-task's argument list, in
// declaration order.
func (m *MetaTask) SubTasks() []Unit {
	var subs []Unit
	for _, arg := range m.Args {
		if u, ok := arg.(Unit); ok {
			subs = append(subs, u)
		}
	}
	return subs
}

// New builds a Task with a fresh id.
func New(fn string, args []any, kwargs map[string]any) *Task {
	return &Task{
		ID:     uuid.NewString(),
		Fn:     strings.TrimSpace(fn),
		Args:   args,
		Kwargs: kwargs,
	}
}

// NewMeta builds a MetaTask with a fresh id.
func NewMeta(fn string, args []any, kwargs map[string]any, processAsTask bool) *MetaTask {
	return &MetaTask{
		Task: Task{
			ID:     uuid.NewString(),
			Fn:     strings.TrimSpace(fn),
			Args:   args,
			Kwargs: kwargs,
		},
		ProcessAsTask: processAsTask,
	}
}
