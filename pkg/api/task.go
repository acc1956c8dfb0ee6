package api

import (
	"context"
	"errors"
	"time"
)

// Handler is the user function executed for each request of a task.
//
// The context is cancelled when the task's soft time limit expires, when
// the request is revoked, or when the pool shuts down; handlers that want
// graceful soft-limit behavior must honor it. The returned value is
// encoded with the task's serializer and stored as the result (unless the
// definition sets IgnoreResult). A returned error or a panic becomes a
// failure outcome; it never crashes the worker.
type Handler func(ctx context.Context, inv *Invocation) (any, error)

// AckMode controls when a delivery is acknowledged to the broker.
type AckMode int

const (
	// AckLate acknowledges after the terminal outcome. A request lost to a
	// worker crash is redelivered, giving at-least-once semantics. This is
	// the default.
	AckLate AckMode = iota

	// AckEarly acknowledges at dispatch time, before execution. A crash
	// mid-flight loses the request (at-most-once).
	AckEarly
)

func (m AckMode) String() string {
	if m == AckEarly {
		return "early"
	}
	return "late"
}

// Rate is a task execution ceiling: at most Limit starts per Window.
type Rate struct {
	Limit  int
	Window time.Duration
}

// TimeLimits bounds a single execution. Zero means unlimited.
//
// Soft cancels the handler's context and lets it finish cooperatively.
// Hard forcibly terminates the execution; the outcome is always reported
// as a timeout. When both are set, Soft should be below Hard.
type TimeLimits struct {
	Soft time.Duration
	Hard time.Duration
}

// TaskDefinition binds a task name to its handler and execution options.
// Definitions are immutable after registration.
type TaskDefinition struct {
	// Name uniquely identifies the task across producers and workers.
	Name string

	// Handler executes the task. Required.
	Handler Handler

	// Queue is the default routing queue for the task. Empty means the
	// worker's default queue.
	Queue string

	// Serializer names the codec used for argument payloads and result
	// values. Empty means "json".
	Serializer string

	// Retry controls automatic retries on failure, timeout and worker
	// loss. Nil means no retries.
	Retry *RetryPolicy

	// Limits bounds each execution attempt.
	Limits TimeLimits

	// Ack selects early or late acknowledgement. The zero value is
	// AckLate.
	Ack AckMode

	// RateLimit caps how often executions of this task may start. Nil
	// means unlimited.
	RateLimit *Rate

	// RequeueOnWorkerLost rejects with requeue when the retry budget is
	// exhausted by worker-lost outcomes, handing the request back to the
	// broker instead of dropping it.
	RequeueOnWorkerLost bool

	// IgnoreResult skips storing the outcome in the result backend.
	IgnoreResult bool

	// TrackStarted stores a STARTED result state when execution begins.
	TrackStarted bool
}

// DecodeFunc decodes an encoded argument payload into a Go value. It is
// supplied by the executor so that api stays free of codec dependencies.
type DecodeFunc func(payload []byte, into any) error

// Invocation is what a Handler receives: the request metadata plus lazy
// access to the decoded argument payload.
type Invocation struct {
	// ID is the request id.
	ID string

	// Name is the task name.
	Name string

	// Queue the request was consumed from.
	Queue string

	// Retries is the number of times this request has been retried before
	// the current attempt. Zero on first execution.
	Retries int

	// Origin identifies the producer that enqueued the request.
	Origin string

	// Enqueued is when the producer published the request.
	Enqueued time.Time

	payload []byte
	decode  DecodeFunc
}

// NewInvocation builds the handler view of req. decode may be nil when
// the payload will not be accessed.
func NewInvocation(req *Request, decode DecodeFunc) *Invocation {
	return &Invocation{
		ID:       req.ID,
		Name:     req.Name,
		Queue:    req.Queue,
		Retries:  req.Retries,
		Origin:   req.Origin,
		Enqueued: req.Enqueued,
		payload:  req.Payload,
		decode:   decode,
	}
}

// Payload returns the raw encoded argument bytes.
func (inv *Invocation) Payload() []byte { return inv.payload }

// Decode unmarshals the argument payload into v using the task's
// serializer.
func (inv *Invocation) Decode(v any) error {
	if len(inv.payload) == 0 {
		return nil
	}
	if inv.decode == nil {
		return errNoDecoder
	}
	return inv.decode(inv.payload, v)
}

var errNoDecoder = errors.New("invocation has no decoder")
