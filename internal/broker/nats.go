package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/phietala/belt/pkg/api"
)

// NATSConfig holds NATS connection and stream configuration.
type NATSConfig struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name is the client name for identification.
	Name string

	// Token for token-based auth.
	Token string

	// User and Password for basic auth.
	User     string
	Password string

	// ReconnectWait is the time to wait between reconnection attempts.
	ReconnectWait time.Duration

	// MaxReconnects is the maximum number of reconnection attempts.
	// -1 = unlimited
	MaxReconnects int

	// ConnectTimeout for initial connection.
	ConnectTimeout time.Duration

	// StreamPrefix names the JetStream streams ("<prefix>_<queue>").
	StreamPrefix string

	// SubjectPrefix prefixes the per-queue subjects.
	SubjectPrefix string

	// AckWait is how long the server waits for an ack before redelivering.
	AckWait time.Duration
}

// DefaultNATSConfig returns configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            nats.DefaultURL,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1, // Unlimited
		ConnectTimeout: 5 * time.Second,
		StreamPrefix:   "BELT",
		SubjectPrefix:  "belt.queue.",
		AckWait:        defaultVisibility,
	}
}

// buildNATSOptions constructs NATS connection options from config.
func buildNATSOptions(cfg NATSConfig) []nats.Option {
	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}

	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	return opts
}

// NATSBroker implements api.Broker on NATS JetStream. Each queue maps to
// a work-queue stream with one durable pull consumer shared by every
// worker on that queue. Unacked deliveries redeliver after AckWait.
//
// JetStream has no delayed delivery, so messages with a future ETA are
// delivered immediately and held by the consumer until due. Priority is
// not honored on this transport; the stream is FIFO.
type NATSBroker struct {
	conn    *nats.Conn
	js      nats.JetStreamContext
	sub     *nats.Subscription
	queue   string
	subject string
	config  NATSConfig
	ownConn bool

	mu      sync.Mutex
	pending map[string]*nats.Msg
	tagSeq  uint64
}

// Ensure NATSBroker implements api.Broker.
var _ api.Broker = (*NATSBroker)(nil)

// NewNATSBroker connects to the configured server and returns a broker
// consuming the named queue. The stream and durable consumer are created
// if missing.
func NewNATSBroker(cfg NATSConfig, queue string) (*NATSBroker, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}

	conn, err := nats.Connect(cfg.URL, buildNATSOptions(cfg)...)
	if err != nil {
		return nil, api.BrokerUnavailable("connect", fmt.Errorf("nats connect: %w", err))
	}

	b, err := newNATSBroker(conn, cfg, queue, true)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return b, nil
}

// NewNATSBrokerFromConn builds a broker on an existing connection. The
// connection stays owned by the caller and is not closed by Close.
func NewNATSBrokerFromConn(conn *nats.Conn, cfg NATSConfig, queue string) (*NATSBroker, error) {
	return newNATSBroker(conn, cfg, queue, false)
}

func newNATSBroker(conn *nats.Conn, cfg NATSConfig, queue string, ownConn bool) (*NATSBroker, error) {
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = "BELT"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "belt.queue."
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = defaultVisibility
	}

	js, err := conn.JetStream()
	if err != nil {
		return nil, api.BrokerUnavailable("init", err)
	}

	// Stream names cannot contain dots.
	streamName := cfg.StreamPrefix + "_" + strings.ReplaceAll(queue, ".", "_")
	subject := cfg.SubjectPrefix + queue

	if _, err := js.StreamInfo(streamName); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return nil, api.BrokerUnavailable("init", err)
		}
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      streamName,
			Subjects:  []string{subject},
			Retention: nats.WorkQueuePolicy,
			Storage:   nats.FileStorage,
		})
		if err != nil {
			return nil, api.BrokerUnavailable("init", err)
		}
	}

	durable := "belt_" + strings.ReplaceAll(queue, ".", "_")
	sub, err := js.PullSubscribe(subject, durable,
		nats.BindStream(streamName),
		nats.AckWait(cfg.AckWait),
	)
	if err != nil {
		return nil, api.BrokerUnavailable("init", err)
	}

	return &NATSBroker{
		conn:    conn,
		js:      js,
		sub:     sub,
		queue:   queue,
		subject: subject,
		config:  cfg,
		ownConn: ownConn,
		pending: make(map[string]*nats.Msg),
	}, nil
}

func (b *NATSBroker) Publish(ctx context.Context, msg *api.Message) error {
	body, err := msg.Encode()
	if err != nil {
		return err
	}
	if _, err := b.js.Publish(b.subject, body, nats.Context(ctx)); err != nil {
		return api.BrokerUnavailable("publish", err)
	}
	return nil
}

func (b *NATSBroker) Receive(ctx context.Context, timeout time.Duration) (*api.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msgs, err := b.sub.Fetch(1, nats.MaxWait(timeout))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, api.BrokerUnavailable("receive", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	msg := msgs[0]

	redelivered := false
	if meta, err := msg.Metadata(); err == nil {
		redelivered = meta.NumDelivered > 1
	}

	b.mu.Lock()
	b.tagSeq++
	tag := strconv.FormatUint(b.tagSeq, 10)
	b.pending[tag] = msg
	b.mu.Unlock()

	return &api.Delivery{Tag: tag, Body: msg.Data, Redelivered: redelivered}, nil
}

func (b *NATSBroker) take(tag string) *nats.Msg {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg, ok := b.pending[tag]
	if !ok {
		return nil
	}
	delete(b.pending, tag)
	return msg
}

func (b *NATSBroker) Ack(ctx context.Context, tag string) error {
	msg := b.take(tag)
	if msg == nil {
		return nil
	}
	if err := msg.Ack(); err != nil {
		return api.BrokerUnavailable("ack", err)
	}
	return nil
}

func (b *NATSBroker) Reject(ctx context.Context, tag string, requeue bool) error {
	msg := b.take(tag)
	if msg == nil {
		return nil
	}
	if requeue {
		if err := msg.NakWithDelay(redeliveryDelay); err != nil {
			return api.BrokerUnavailable("reject", err)
		}
		return nil
	}
	if err := msg.Term(); err != nil {
		return api.BrokerUnavailable("reject", err)
	}
	return nil
}

// Close releases the connection when this broker owns it. The durable
// consumer is left in place so unacked deliveries redeliver after
// AckWait.
func (b *NATSBroker) Close() error {
	b.mu.Lock()
	b.pending = make(map[string]*nats.Msg)
	b.mu.Unlock()
	if b.ownConn {
		b.conn.Close()
	}
	return nil
}

// Conn returns the underlying NATS connection for advanced use.
func (b *NATSBroker) Conn() *nats.Conn {
	return b.conn
}

// Len returns the number of messages in the queue's stream.
func (b *NATSBroker) Len() int {
	streamName := b.config.StreamPrefix + "_" + strings.ReplaceAll(b.queue, ".", "_")
	info, err := b.js.StreamInfo(streamName)
	if err != nil {
		log.Printf("NATSBroker: Len failed: %v", err)
		return 0
	}
	return int(info.State.Msgs)
}
