package belt

import "database/sql"

// WorkerBundle wires together a durable broker, a result backend, a
// Worker consuming the broker and a Client publishing onto it.
//
// For now, we only provide a SQLite-backed bundle.
type WorkerBundle struct {
	Broker  Broker
	Backend Backend
	Worker  *Worker
	Client  *Client
}

// NewSQLiteBundle constructs a durable Broker + Backend + Worker combo
// sharing the same SQLite database. Queued messages and task results
// are persisted in the provided *sql.DB, so work enqueued before a
// crash is consumed after restart (tasks are re-registered on startup).
//
// cfg.Broker and cfg.Backend are ignored; the bundle supplies both.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:belt.db?_journal=WAL")
//	bundle, err := belt.NewSQLiteBundle(db, belt.WorkerConfig{Concurrency: 4})
//	// register tasks on bundle.Worker
//	// enqueue work via bundle.Client
func NewSQLiteBundle(db *sql.DB, cfg WorkerConfig) (*WorkerBundle, error) {
	queue := cfg.Queue
	if queue == "" {
		queue = DefaultQueue
	}

	b, err := NewSQLiteBroker(db, queue)
	if err != nil {
		return nil, err
	}
	res, err := NewSQLiteBackend(db)
	if err != nil {
		return nil, err
	}

	cfg.Broker = b
	cfg.Backend = res
	cfg.Queue = queue
	w, err := NewWorker(cfg)
	if err != nil {
		return nil, err
	}

	return &WorkerBundle{
		Broker:  b,
		Backend: res,
		Worker:  w,
		Client:  &Client{Broker: b, Queue: queue},
	}, nil
}
