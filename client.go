package belt

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/phietala/belt/pkg/api"
	"github.com/phietala/belt/pkg/codec"
)

// Client publishes task requests onto a broker. Only Broker is
// required:
//
//	c := &belt.Client{Broker: b}
//	id, err := c.Enqueue(ctx, "demo.add", []int{2, 3})
//
// A Client is safe for concurrent use. It does not own the broker; the
// caller closes it.
type Client struct {
	// Broker carries published envelopes. Required.
	Broker Broker

	// Queue is the routing queue when an enqueue names none. Empty
	// means DefaultQueue.
	Queue string

	// Codecs resolves serializer names. Nil means the default set
	// (json, cbor, gob).
	Codecs *codec.Registry

	// Origin identifies this producer in request metadata. Empty means
	// pid@hostname.
	Origin string
}

// EnqueueOption customizes one published request.
type EnqueueOption func(*api.Message)

// WithQueue routes the request to a specific queue instead of the
// client's default.
func WithQueue(queue string) EnqueueOption {
	return func(m *api.Message) { m.Queue = queue }
}

// WithETA holds the request until the given time.
func WithETA(at time.Time) EnqueueOption {
	return func(m *api.Message) { m.ETA = at }
}

// WithCountdown holds the request for d from now.
func WithCountdown(d time.Duration) EnqueueOption {
	return func(m *api.Message) { m.ETA = time.Now().Add(d) }
}

// WithExpires discards the request if it has not started by the given
// time.
func WithExpires(at time.Time) EnqueueOption {
	return func(m *api.Message) { m.Expires = at }
}

// WithPriority sets the delivery priority hint. Higher is delivered
// first on brokers that honor priority.
func WithPriority(p int) EnqueueOption {
	return func(m *api.Message) { m.Priority = p }
}

// WithSerializer encodes the argument with the named codec instead of
// the default.
func WithSerializer(name string) EnqueueOption {
	return func(m *api.Message) { m.Serializer = name }
}

// WithID publishes under a caller-chosen request id instead of a
// generated one.
func WithID(id string) EnqueueOption {
	return func(m *api.Message) { m.ID = id }
}

// Enqueue encodes arg and publishes a request for the named task,
// returning the request id. A nil arg publishes an empty payload.
func (c *Client) Enqueue(ctx context.Context, task string, arg any, opts ...EnqueueOption) (string, error) {
	msg := &api.Message{
		ID:         uuid.NewString(),
		Name:       task,
		Serializer: codec.DefaultName,
		Queue:      c.Queue,
		Origin:     c.Origin,
		Enqueued:   time.Now(),
	}
	if msg.Queue == "" {
		msg.Queue = DefaultQueue
	}
	if msg.Origin == "" {
		msg.Origin = defaultOrigin()
	}
	for _, opt := range opts {
		opt(msg)
	}

	codecs := c.Codecs
	if codecs == nil {
		codecs = codec.Default()
	}
	cd, err := codecs.Resolve(msg.Serializer)
	if err != nil {
		return "", err
	}
	if arg != nil {
		payload, err := cd.Marshal(arg)
		if err != nil {
			return "", fmt.Errorf("encode %s argument: %w", task, err)
		}
		msg.Payload = payload
	}

	if err := c.Broker.Publish(ctx, msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

var (
	originOnce sync.Once
	originName string
)

func defaultOrigin() string {
	originOnce.Do(func() {
		host, err := os.Hostname()
		if err != nil {
			host = "localhost"
		}
		originName = fmt.Sprintf("%d@%s", os.Getpid(), host)
	})
	return originName
}
