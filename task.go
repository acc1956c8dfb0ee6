package belt

import (
	"time"

	"github.com/phietala/belt/pkg/api"
)

// TaskBuilder provides a fluent API for building task definitions.
type TaskBuilder struct {
	def api.TaskDefinition
}

// NewTask creates a new TaskBuilder for a task with the given name and
// handler.
func NewTask(name string, handler Handler) *TaskBuilder {
	if name == "" {
		panic("belt: task name must not be empty")
	}
	if handler == nil {
		panic("belt: task handler must not be nil")
	}
	return &TaskBuilder{
		def: api.TaskDefinition{
			Name:    name,
			Handler: handler,
		},
	}
}

// Name returns the task name.
func (b *TaskBuilder) Name() string {
	return b.def.Name
}

// Queue sets the default routing queue for the task.
func (b *TaskBuilder) Queue(queue string) *TaskBuilder {
	b.def.Queue = queue
	return b
}

// Serializer names the codec used for argument payloads and result
// values. The default is "json".
func (b *TaskBuilder) Serializer(name string) *TaskBuilder {
	b.def.Serializer = name
	return b
}

// Retry attaches a retry policy. Without one, a failed task is not
// retried.
func (b *TaskBuilder) Retry(policy RetryPolicy) *TaskBuilder {
	p := policy
	b.def.Retry = &p
	return b
}

// TimeLimits bounds each execution attempt. The soft limit cancels the
// handler's context; the hard limit forcibly terminates the execution.
// Zero means unlimited.
func (b *TaskBuilder) TimeLimits(soft, hard time.Duration) *TaskBuilder {
	b.def.Limits = api.TimeLimits{Soft: soft, Hard: hard}
	return b
}

// Ack selects early or late acknowledgement. The default is AckLate.
func (b *TaskBuilder) Ack(mode AckMode) *TaskBuilder {
	b.def.Ack = mode
	return b
}

// RateLimit caps executions of this task at limit starts per window.
func (b *TaskBuilder) RateLimit(limit int, window time.Duration) *TaskBuilder {
	b.def.RateLimit = &api.Rate{Limit: limit, Window: window}
	return b
}

// RequeueOnWorkerLost hands an unacknowledged request back to the
// broker when its worker dies, instead of recording a failure. The
// retry count does not advance on a lost worker.
func (b *TaskBuilder) RequeueOnWorkerLost() *TaskBuilder {
	b.def.RequeueOnWorkerLost = true
	return b
}

// IgnoreResult skips storing outcomes in the result backend.
func (b *TaskBuilder) IgnoreResult() *TaskBuilder {
	b.def.IgnoreResult = true
	return b
}

// TrackStarted stores a STARTED result state when execution begins.
func (b *TaskBuilder) TrackStarted() *TaskBuilder {
	b.def.TrackStarted = true
	return b
}

// Definition returns the built task definition.
func (b *TaskBuilder) Definition() TaskDefinition {
	return b.def
}

// Register registers the built task definition with a Worker.
func (b *TaskBuilder) Register(w *Worker) error {
	return w.Register(b.def)
}

// MustRegister is like Register but panics on error. Useful in
// examples and program setup where registration failure is fatal.
func (b *TaskBuilder) MustRegister(w *Worker) {
	if err := b.Register(w); err != nil {
		panic(err)
	}
}
