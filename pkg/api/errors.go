package api

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the engine. Use errors.Is to test for them
// through wrapping.
var (
	// ErrPoolClosed is returned by Submit after the pool has been shut down.
	ErrPoolClosed = errors.New("pool is closed")

	// ErrPoolSaturated is returned by Submit when every slot is busy.
	// The dispatcher never oversubmits, so seeing it indicates a caller
	// bypassing the dispatcher's capacity gate.
	ErrPoolSaturated = errors.New("pool is saturated")

	// ErrRegistryFrozen is returned by Register after the registry has been
	// sealed for consuming.
	ErrRegistryFrozen = errors.New("task registry is frozen")

	// ErrResultNotFound is returned by Backend.GetResult when no result has
	// been stored for the request id.
	ErrResultNotFound = errors.New("result not found")
)

// DuplicateTaskError reports a Register call for a name that is already
// taken.
type DuplicateTaskError struct {
	Name string
}

func (e *DuplicateTaskError) Error() string {
	return "task already registered: " + e.Name
}

// IsDuplicateTask returns (name, true) if err indicates a duplicate task
// registration.
func IsDuplicateTask(err error) (string, bool) {
	var d *DuplicateTaskError
	if errors.As(err, &d) {
		return d.Name, true
	}
	return "", false
}

// UnknownTaskError reports a lookup or delivery for a task name that was
// never registered.
type UnknownTaskError struct {
	Name string
}

func (e *UnknownTaskError) Error() string {
	return "unknown task: " + e.Name
}

// IsUnknownTask returns (name, true) if err indicates an unregistered task
// name.
func IsUnknownTask(err error) (string, bool) {
	var u *UnknownTaskError
	if errors.As(err, &u) {
		return u.Name, true
	}
	return "", false
}

// PoolStartError reports that an execution pool could not be brought up:
// the strategy is unavailable on the host platform, or slot provisioning
// failed.
type PoolStartError struct {
	Strategy string
	Reason   string
	Err      error
}

func (e *PoolStartError) Error() string {
	msg := fmt.Sprintf("pool start (%s): %s", e.Strategy, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PoolStartError) Unwrap() error { return e.Err }

// BrokerUnavailableError wraps a transport-level broker failure. The worker
// treats it as retryable and reconnects with backoff; it is never a task
// failure.
type BrokerUnavailableError struct {
	Op  string
	Err error
}

func (e *BrokerUnavailableError) Error() string {
	return fmt.Sprintf("broker unavailable during %s: %v", e.Op, e.Err)
}

func (e *BrokerUnavailableError) Unwrap() error { return e.Err }

// BrokerUnavailable wraps err as a BrokerUnavailableError for the given
// operation. It returns nil if err is nil.
func BrokerUnavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &BrokerUnavailableError{Op: op, Err: err}
}

// IsBrokerUnavailable reports whether err is (or wraps) a broker transport
// failure.
func IsBrokerUnavailable(err error) bool {
	var b *BrokerUnavailableError
	return errors.As(err, &b)
}
