package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/phietala/belt"
)

// defaultConfigFile is consulted when --config is not given.
const defaultConfigFile = "beltworker.toml"

// config is the beltworker TOML file. Every field has a default, so an
// empty file (or none at all) runs an in-memory worker.
type config struct {
	Queue             string   `toml:"queue"`
	Strategy          string   `toml:"strategy"`
	Concurrency       int      `toml:"concurrency"`
	Prefetch          int      `toml:"prefetch"`
	MaxTasksPerChild  int      `toml:"max_tasks_per_child"`
	MaxMemoryPerChild int64    `toml:"max_memory_per_child"`
	ShutdownGrace     duration `toml:"shutdown_grace"`

	Broker  endpoint `toml:"broker"`
	Backend endpoint `toml:"backend"`
}

// endpoint selects one broker or backend implementation.
type endpoint struct {
	// Kind is the implementation name. Brokers: memory, sqlite, redis,
	// nats. Backends: none, memory, sqlite, postgres, redis, mongo.
	Kind string `toml:"kind"`

	// URL is the transport address: a SQLite DSN, a Redis host:port, a
	// NATS URL, a Postgres DSN or a MongoDB URI.
	URL string `toml:"url"`

	// Database and Collection name the MongoDB target.
	Database   string `toml:"database"`
	Collection string `toml:"collection"`

	// Expiry drops stored results after this long on backends that
	// support it. Zero keeps them.
	Expiry duration `toml:"expiry"`
}

// duration lets TOML files write "10s" instead of nanosecond counts.
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

func defaultConfig() config {
	return config{
		Queue:         belt.DefaultQueue,
		Strategy:      string(belt.StrategyGoroutine),
		ShutdownGrace: duration(10 * time.Second),
		Broker:        endpoint{Kind: "memory"},
		Backend:       endpoint{Kind: "memory"},
	}
}

// loadConfig reads path (or beltworker.toml if present), then applies
// BELT_* environment overrides.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// applyEnv overrides config fields from the environment, so containers
// can reconfigure a baked-in file.
func applyEnv(cfg *config) {
	if v := os.Getenv("BELT_QUEUE"); v != "" {
		cfg.Queue = v
	}
	if v := os.Getenv("BELT_STRATEGY"); v != "" {
		cfg.Strategy = v
	}
	if v := os.Getenv("BELT_BROKER"); v != "" {
		cfg.Broker.Kind = v
	}
	if v := os.Getenv("BELT_BROKER_URL"); v != "" {
		cfg.Broker.URL = v
	}
	if v := os.Getenv("BELT_BACKEND"); v != "" {
		cfg.Backend.Kind = v
	}
	if v := os.Getenv("BELT_BACKEND_URL"); v != "" {
		cfg.Backend.URL = v
	}
}

// buildBroker constructs the configured broker. The returned cleanup
// closes the broker and any handle it was built on.
func (c *config) buildBroker() (belt.Broker, func(), error) {
	switch c.Broker.Kind {
	case "", "memory":
		b := belt.NewMemoryBroker()
		return b, func() { b.Close() }, nil

	case "sqlite":
		url := c.Broker.URL
		if url == "" {
			url = "file:belt.db?_journal=WAL"
		}
		db, err := sql.Open("sqlite", url)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite broker: %w", err)
		}
		b, err := belt.NewSQLiteBroker(db, c.Queue)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return b, func() { b.Close(); db.Close() }, nil

	case "redis":
		addr := c.Broker.URL
		if addr == "" {
			addr = "localhost:6379"
		}
		client := redis.NewClient(&redis.Options{Addr: addr})
		b := belt.NewRedisBroker(client, "", c.Queue)
		return b, func() { b.Close(); client.Close() }, nil

	case "nats":
		nc := belt.DefaultNATSConfig()
		if c.Broker.URL != "" {
			nc.URL = c.Broker.URL
		}
		b, err := belt.NewNATSBroker(nc, c.Queue)
		if err != nil {
			return nil, nil, err
		}
		return b, func() { b.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown broker kind %q", c.Broker.Kind)
	}
}

// buildBackend constructs the configured result backend. A "none" kind
// returns nil, which disables result tracking.
func (c *config) buildBackend() (belt.Backend, func(), error) {
	switch c.Backend.Kind {
	case "none":
		return nil, func() {}, nil

	case "", "memory":
		b := belt.NewMemoryBackend()
		return b, func() { b.Close() }, nil

	case "sqlite":
		url := c.Backend.URL
		if url == "" {
			url = "file:belt.db?_journal=WAL"
		}
		db, err := sql.Open("sqlite", url)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite backend: %w", err)
		}
		b, err := belt.NewSQLiteBackend(db)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return b, func() { b.Close(); db.Close() }, nil

	case "postgres":
		if c.Backend.URL == "" {
			return nil, nil, fmt.Errorf("postgres backend requires a url")
		}
		db, err := sql.Open("pgx", c.Backend.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres backend: %w", err)
		}
		b, err := belt.NewPostgresBackend(db)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return b, func() { b.Close(); db.Close() }, nil

	case "redis":
		addr := c.Backend.URL
		if addr == "" {
			addr = "localhost:6379"
		}
		client := redis.NewClient(&redis.Options{Addr: addr})
		b := belt.NewRedisBackend(client, "", time.Duration(c.Backend.Expiry))
		return b, func() { b.Close(); client.Close() }, nil

	case "mongo":
		uri := c.Backend.URL
		if uri == "" {
			uri = "mongodb://localhost:27017"
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo backend: %w", err)
		}
		dbName := c.Backend.Database
		if dbName == "" {
			dbName = "belt"
		}
		coll := c.Backend.Collection
		if coll == "" {
			coll = "results"
		}
		b := belt.NewMongoBackend(client, dbName, coll)
		return b, func() {
			b.Close()
			client.Disconnect(context.Background())
		}, nil

	default:
		return nil, nil, fmt.Errorf("unknown backend kind %q", c.Backend.Kind)
	}
}
