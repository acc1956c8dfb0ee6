package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the worker engine for logging and
// metrics.
//
// Implementations should be fast and non-blocking; heavy work should be
// done asynchronously so as not to delay the dispatch loop.
type Observer interface {
	// OnTaskReceived is called once per delivery after the envelope has
	// been decoded and matched to a registered task.
	OnTaskReceived(ctx context.Context, req *Request)

	// OnTaskStarted is called when the request is handed to a pool slot.
	OnTaskStarted(ctx context.Context, req *Request)

	// OnTaskSucceeded is called on a success outcome.
	OnTaskSucceeded(ctx context.Context, req *Request, duration time.Duration)

	// OnTaskFailed is called on failure, timeout and worker-lost outcomes
	// that will not be retried.
	OnTaskFailed(ctx context.Context, req *Request, kind OutcomeKind, info *ErrorInfo)

	// OnTaskRetried is called when a failed attempt is rescheduled; delay
	// is the backoff before the next attempt.
	OnTaskRetried(ctx context.Context, req *Request, kind OutcomeKind, delay time.Duration)

	// OnTaskRevoked is called when a request is cancelled by revocation,
	// whether it was waiting or already executing.
	OnTaskRevoked(ctx context.Context, requestID string)

	// OnTaskRejected is called when a delivery is rejected without
	// execution: malformed body, unknown task, expired request.
	OnTaskRejected(ctx context.Context, requestID string, reason string)

	// OnPoolSlotDown is called when the pool loses a slot (process death,
	// handler crash past recovery); the slot is respawned afterwards.
	OnPoolSlotDown(ctx context.Context, slotID int, reason string)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnTaskReceived(ctx context.Context, req *Request)                      {}
func (NoopObserver) OnTaskStarted(ctx context.Context, req *Request)                       {}
func (NoopObserver) OnTaskSucceeded(ctx context.Context, req *Request, d time.Duration)    {}
func (NoopObserver) OnTaskFailed(ctx context.Context, req *Request, k OutcomeKind, info *ErrorInfo) {
}
func (NoopObserver) OnTaskRetried(ctx context.Context, req *Request, k OutcomeKind, delay time.Duration) {
}
func (NoopObserver) OnTaskRevoked(ctx context.Context, requestID string)               {}
func (NoopObserver) OnTaskRejected(ctx context.Context, requestID string, reason string) {}
func (NoopObserver) OnPoolSlotDown(ctx context.Context, slotID int, reason string)     {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnTaskReceived(ctx context.Context, req *Request) {
	for _, o := range c.observers {
		o.OnTaskReceived(ctx, req)
	}
}

func (c *CompositeObserver) OnTaskStarted(ctx context.Context, req *Request) {
	for _, o := range c.observers {
		o.OnTaskStarted(ctx, req)
	}
}

func (c *CompositeObserver) OnTaskSucceeded(ctx context.Context, req *Request, d time.Duration) {
	for _, o := range c.observers {
		o.OnTaskSucceeded(ctx, req, d)
	}
}

func (c *CompositeObserver) OnTaskFailed(ctx context.Context, req *Request, k OutcomeKind, info *ErrorInfo) {
	for _, o := range c.observers {
		o.OnTaskFailed(ctx, req, k, info)
	}
}

func (c *CompositeObserver) OnTaskRetried(ctx context.Context, req *Request, k OutcomeKind, delay time.Duration) {
	for _, o := range c.observers {
		o.OnTaskRetried(ctx, req, k, delay)
	}
}

func (c *CompositeObserver) OnTaskRevoked(ctx context.Context, requestID string) {
	for _, o := range c.observers {
		o.OnTaskRevoked(ctx, requestID)
	}
}

func (c *CompositeObserver) OnTaskRejected(ctx context.Context, requestID string, reason string) {
	for _, o := range c.observers {
		o.OnTaskRejected(ctx, requestID, reason)
	}
}

func (c *CompositeObserver) OnPoolSlotDown(ctx context.Context, slotID int, reason string) {
	for _, o := range c.observers {
		o.OnPoolSlotDown(ctx, slotID, reason)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs task lifecycle events
// using the provided slog.Logger. If logger is nil, slog.Default() is
// used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnTaskReceived(ctx context.Context, req *Request) {
	o.Logger.DebugContext(ctx, "task_received",
		slog.String("task", req.Name),
		slog.String("request_id", req.ID),
		slog.String("queue", req.Queue),
		slog.Int("retries", req.Retries),
	)
}

func (o *LoggingObserver) OnTaskStarted(ctx context.Context, req *Request) {
	o.Logger.InfoContext(ctx, "task_started",
		slog.String("task", req.Name),
		slog.String("request_id", req.ID),
	)
}

func (o *LoggingObserver) OnTaskSucceeded(ctx context.Context, req *Request, d time.Duration) {
	o.Logger.InfoContext(ctx, "task_succeeded",
		slog.String("task", req.Name),
		slog.String("request_id", req.ID),
		slog.Duration("duration", d),
	)
}

func (o *LoggingObserver) OnTaskFailed(ctx context.Context, req *Request, k OutcomeKind, info *ErrorInfo) {
	o.Logger.ErrorContext(ctx, "task_failed",
		slog.String("task", req.Name),
		slog.String("request_id", req.ID),
		slog.String("outcome", k.String()),
		slog.Any("error", info),
	)
}

func (o *LoggingObserver) OnTaskRetried(ctx context.Context, req *Request, k OutcomeKind, delay time.Duration) {
	o.Logger.WarnContext(ctx, "task_retried",
		slog.String("task", req.Name),
		slog.String("request_id", req.ID),
		slog.String("outcome", k.String()),
		slog.Int("retries", req.Retries),
		slog.Duration("delay", delay),
	)
}

func (o *LoggingObserver) OnTaskRevoked(ctx context.Context, requestID string) {
	o.Logger.InfoContext(ctx, "task_revoked",
		slog.String("request_id", requestID),
	)
}

func (o *LoggingObserver) OnTaskRejected(ctx context.Context, requestID string, reason string) {
	o.Logger.WarnContext(ctx, "task_rejected",
		slog.String("request_id", requestID),
		slog.String("reason", reason),
	)
}

func (o *LoggingObserver) OnPoolSlotDown(ctx context.Context, slotID int, reason string) {
	o.Logger.ErrorContext(ctx, "pool_slot_down",
		slog.Int("slot", slotID),
		slog.String("reason", reason),
	)
}

// BasicMetrics collects simple counters and aggregate task durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	received      atomic.Int64
	started       atomic.Int64
	succeeded     atomic.Int64
	failed        atomic.Int64
	retried       atomic.Int64
	revoked       atomic.Int64
	rejected      atomic.Int64
	slotsLost     atomic.Int64
	totalDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	Received  int64
	Started   int64
	Succeeded int64
	Failed    int64
	Retried   int64
	Revoked   int64
	Rejected  int64
	SlotsLost int64

	AvgTaskDuration time.Duration
}

func (m *BasicMetrics) OnTaskReceived(ctx context.Context, req *Request) {
	m.received.Add(1)
}

func (m *BasicMetrics) OnTaskStarted(ctx context.Context, req *Request) {
	m.started.Add(1)
}

func (m *BasicMetrics) OnTaskSucceeded(ctx context.Context, req *Request, d time.Duration) {
	m.succeeded.Add(1)
	m.totalDuration.Add(d.Nanoseconds())
}

func (m *BasicMetrics) OnTaskFailed(ctx context.Context, req *Request, k OutcomeKind, info *ErrorInfo) {
	m.failed.Add(1)
}

func (m *BasicMetrics) OnTaskRetried(ctx context.Context, req *Request, k OutcomeKind, delay time.Duration) {
	m.retried.Add(1)
}

func (m *BasicMetrics) OnTaskRevoked(ctx context.Context, requestID string) {
	m.revoked.Add(1)
}

func (m *BasicMetrics) OnTaskRejected(ctx context.Context, requestID string, reason string) {
	m.rejected.Add(1)
}

func (m *BasicMetrics) OnPoolSlotDown(ctx context.Context, slotID int, reason string) {
	m.slotsLost.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	succeeded := m.succeeded.Load()
	totalNs := m.totalDuration.Load()

	var avg time.Duration
	if succeeded > 0 {
		avg = time.Duration(totalNs / succeeded)
	}

	return BasicMetricsSnapshot{
		Received:        m.received.Load(),
		Started:         m.started.Load(),
		Succeeded:       succeeded,
		Failed:          m.failed.Load(),
		Retried:         m.retried.Load(),
		Revoked:         m.revoked.Load(),
		Rejected:        m.rejected.Load(),
		SlotsLost:       m.slotsLost.Load(),
		AvgTaskDuration: avg,
	}
}
