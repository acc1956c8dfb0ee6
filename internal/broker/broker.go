// Package broker provides the message transports behind api.Broker: an
// in-memory queue for embedded use and tests, and SQLite, Redis and NATS
// JetStream transports for durable deployments.
//
// All transports share the same delivery contract: a received message
// stays invisible to other consumers until it is acked or rejected, and
// comes back on its own if the consumer disappears. Requeued rejections
// are redelivered after a short delay rather than immediately, so a
// consumer that keeps refusing a message does not spin on it.
package broker

import "time"

// redeliveryDelay is how long a requeued rejection stays invisible
// before it is offered again.
const redeliveryDelay = 200 * time.Millisecond

// defaultVisibility is how long a delivery may stay unacked before the
// transport assumes the consumer died and redelivers it.
const defaultVisibility = 30 * time.Second
