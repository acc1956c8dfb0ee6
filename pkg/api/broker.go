package api

import (
	"context"
	"time"
)

// Broker is the message transport seam. The engine depends only on this
// interface; implementations decide queue layout, persistence and delayed
// delivery.
//
// Delivery tags are opaque to the engine. Each delivery must be resolved
// by exactly one Ack or Reject; brokers are expected to redeliver
// unresolved messages after a consumer dies (visibility timeout, lease
// expiry or connection loss, depending on the transport).
type Broker interface {
	// Receive blocks up to timeout for the next delivery on the consumed
	// queues. It returns (nil, nil) when the timeout elapses with nothing
	// available, and a BrokerUnavailableError on transport failure.
	Receive(ctx context.Context, timeout time.Duration) (*Delivery, error)

	// Ack permanently removes the delivery identified by tag.
	Ack(ctx context.Context, tag string) error

	// Reject discards the delivery, optionally asking the broker to
	// requeue it for another consumer.
	Reject(ctx context.Context, tag string, requeue bool) error

	// Publish enqueues a message envelope. Brokers honor msg.ETA with
	// delayed delivery where the transport supports it; otherwise the
	// message is delivered immediately and the consumer holds it until
	// due.
	Publish(ctx context.Context, msg *Message) error

	// Close releases the transport. Receive calls unblock with an error.
	Close() error
}

// Backend stores terminal results and intermediate states per request id.
// Implementations must tolerate repeated StoreResult calls for the same
// id (last write wins).
type Backend interface {
	// StoreResult upserts the result metadata for a request.
	StoreResult(ctx context.Context, requestID string, res *ResultMeta) error

	// GetResult fetches stored metadata, or ErrResultNotFound.
	GetResult(ctx context.Context, requestID string) (*ResultMeta, error)

	// Close releases backend resources.
	Close() error
}
