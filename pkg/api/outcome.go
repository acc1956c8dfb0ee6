package api

import (
	"fmt"
	"time"
)

// OutcomeKind classifies the terminal report of one execution attempt.
type OutcomeKind int

const (
	// OutcomeSuccess: the handler returned a value.
	OutcomeSuccess OutcomeKind = iota + 1

	// OutcomeFailure: the handler returned an error or panicked.
	OutcomeFailure

	// OutcomeTimeout: the hard time limit forced termination.
	OutcomeTimeout

	// OutcomeWorkerLost: the executing slot died before reporting.
	OutcomeWorkerLost
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeWorkerLost:
		return "worker_lost"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Retryable reports whether the retry policy applies to this outcome
// kind. Success is terminal; everything else may be retried within
// budget.
func (k OutcomeKind) Retryable() bool {
	return k == OutcomeFailure || k == OutcomeTimeout || k == OutcomeWorkerLost
}

// ErrorInfo is a serializable error description: it crosses process
// boundaries (spawned children) and is stored with FAILURE results.
type ErrorInfo struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

func (e *ErrorInfo) Error() string {
	if e.Type != "" {
		return e.Type + ": " + e.Message
	}
	return e.Message
}

// NewErrorInfo captures err's dynamic type and message. Stack capture is
// left to recover sites, which have the frames that matter.
func NewErrorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	return &ErrorInfo{
		Type:    fmt.Sprintf("%T", err),
		Message: err.Error(),
	}
}

// Outcome is the single terminal report of a dispatched request. Exactly
// one is produced per Submit.
type Outcome struct {
	Kind  OutcomeKind `json:"kind"`
	Value []byte      `json:"value,omitempty"`
	Err   *ErrorInfo  `json:"err,omitempty"`
}

// SuccessOutcome wraps an encoded handler return value.
func SuccessOutcome(value []byte) *Outcome {
	return &Outcome{Kind: OutcomeSuccess, Value: value}
}

// FailureOutcome wraps a handler error.
func FailureOutcome(info *ErrorInfo) *Outcome {
	return &Outcome{Kind: OutcomeFailure, Err: info}
}

// TimeoutOutcome reports a hard-limit termination.
func TimeoutOutcome(limit time.Duration) *Outcome {
	return &Outcome{
		Kind: OutcomeTimeout,
		Err: &ErrorInfo{
			Type:    "TimeLimitExceeded",
			Message: fmt.Sprintf("hard time limit (%s) exceeded", limit),
		},
	}
}

// WorkerLostOutcome reports that the executing slot died.
func WorkerLostOutcome(reason string) *Outcome {
	return &Outcome{
		Kind: OutcomeWorkerLost,
		Err: &ErrorInfo{
			Type:    "WorkerLost",
			Message: reason,
		},
	}
}

// ResultState is the lifecycle state stored in a result backend.
type ResultState string

const (
	ResultPending ResultState = "PENDING"
	ResultStarted ResultState = "STARTED"
	ResultRetry   ResultState = "RETRY"
	ResultSuccess ResultState = "SUCCESS"
	ResultFailure ResultState = "FAILURE"
	ResultRevoked ResultState = "REVOKED"
)

// Terminal reports whether the state is final.
func (s ResultState) Terminal() bool {
	switch s {
	case ResultSuccess, ResultFailure, ResultRevoked:
		return true
	default:
		return false
	}
}

// ResultMeta is what a Backend stores per request id.
type ResultMeta struct {
	RequestID string      `json:"request_id"`
	Name      string      `json:"name"`
	State     ResultState `json:"state"`
	Value     []byte      `json:"value,omitempty"`
	Error     *ErrorInfo  `json:"error,omitempty"`
	Retries   int         `json:"retries"`
	At        time.Time   `json:"at"`
}
