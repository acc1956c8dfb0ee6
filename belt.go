package belt

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/phietala/belt/internal/backend"
	"github.com/phietala/belt/internal/broker"
	"github.com/phietala/belt/pkg/api"
)

// DefaultQueue is the queue consumed and published to when no other
// queue is named.
const DefaultQueue = "default"

// Re-export key types so users don't need to dig into pkg/api.

type (
	Message              = api.Message
	Delivery             = api.Delivery
	Request              = api.Request
	Invocation           = api.Invocation
	Handler              = api.Handler
	TaskDefinition       = api.TaskDefinition
	TimeLimits           = api.TimeLimits
	Rate                 = api.Rate
	AckMode              = api.AckMode
	RetryPolicy          = api.RetryPolicy
	Strategy             = api.Strategy
	Outcome              = api.Outcome
	OutcomeKind          = api.OutcomeKind
	ErrorInfo            = api.ErrorInfo
	ResultState          = api.ResultState
	ResultMeta           = api.ResultMeta
	Broker               = api.Broker
	Backend              = api.Backend
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// NATSConfig configures the NATS JetStream broker.
type NATSConfig = broker.NATSConfig

// Re-export common helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	ParseStrategy        = api.ParseStrategy
	DefaultNATSConfig    = broker.DefaultNATSConfig
)

// Re-export acknowledgement modes and pool strategies for convenience.

const (
	AckLate  = api.AckLate
	AckEarly = api.AckEarly

	StrategySolo      = api.StrategySolo
	StrategyGoroutine = api.StrategyGoroutine
	StrategyThread    = api.StrategyThread
	StrategySpawn     = api.StrategySpawn
	StrategyFork      = api.StrategyFork
)

// Re-export result states for convenience.

const (
	ResultPending = api.ResultPending
	ResultStarted = api.ResultStarted
	ResultRetry   = api.ResultRetry
	ResultSuccess = api.ResultSuccess
	ResultFailure = api.ResultFailure
	ResultRevoked = api.ResultRevoked
)

// Broker constructors
// These wrap the internal/broker package so external callers
// never need to import internal packages.

// NewMemoryBroker returns a process-local Broker for tests, solo
// deployments and the LocalRunner.
func NewMemoryBroker() Broker {
	return broker.NewMemoryBroker()
}

// NewSQLiteBroker returns a Broker that persists one queue in a SQLite
// database. Messages survive process restarts; unacked deliveries are
// redelivered after a visibility timeout.
func NewSQLiteBroker(db *sql.DB, queue string) (Broker, error) {
	return broker.NewSQLiteBroker(db, queue)
}

// NewRedisBroker returns a Broker backed by Redis lists and sorted
// sets. All keys start with prefix; empty means "belt:". The client is
// owned by the caller.
func NewRedisBroker(client *redis.Client, prefix, queue string) Broker {
	return broker.NewRedisBroker(client, prefix, queue)
}

// NewNATSBroker connects to NATS and returns a Broker backed by a
// JetStream work queue stream.
func NewNATSBroker(cfg NATSConfig, queue string) (Broker, error) {
	return broker.NewNATSBroker(cfg, queue)
}

// NewNATSBrokerFromConn is NewNATSBroker on an existing connection,
// which stays owned by the caller.
func NewNATSBrokerFromConn(conn *nats.Conn, cfg NATSConfig, queue string) (Broker, error) {
	return broker.NewNATSBrokerFromConn(conn, cfg, queue)
}

// Backend constructors

// NewMemoryBackend returns a Backend that keeps results in a map.
func NewMemoryBackend() Backend {
	return backend.NewMemoryBackend()
}

// NewSQLiteBackend returns a Backend that persists results in a SQLite
// database.
func NewSQLiteBackend(db *sql.DB) (Backend, error) {
	return backend.NewSQLiteBackend(db)
}

// NewPostgresBackend returns a Backend that persists results in
// PostgreSQL.
func NewPostgresBackend(db *sql.DB) (Backend, error) {
	return backend.NewPostgresBackend(db)
}

// NewRedisBackend returns a Backend that stores results under
// prefix-qualified keys with the given expiry. Expiry <= 0 keeps
// results until deleted.
func NewRedisBackend(client *redis.Client, prefix string, expiry time.Duration) Backend {
	return backend.NewRedisBackend(client, prefix, expiry)
}

// NewMongoBackend returns a Backend that stores results in a MongoDB
// collection, one document per request id.
func NewMongoBackend(client *mongo.Client, dbName, collName string) Backend {
	return backend.NewMongoBackend(client, dbName, collName)
}

// Convenience helpers that just forward to the underlying interfaces.

// GetResult fetches the stored result metadata for a request id.
func GetResult(ctx context.Context, b Backend, requestID string) (*ResultMeta, error) {
	return b.GetResult(ctx, requestID)
}

// WaitForResult polls the backend until the request reaches a terminal
// state (SUCCESS, FAILURE or REVOKED) or ctx is done. A poll interval
// of zero means 50ms.
func WaitForResult(ctx context.Context, b Backend, requestID string, poll time.Duration) (*ResultMeta, error) {
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		res, err := b.GetResult(ctx, requestID)
		if err != nil && !errors.Is(err, api.ErrResultNotFound) {
			return nil, err
		}
		if err == nil && res.State.Terminal() {
			return res, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
