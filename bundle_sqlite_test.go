package belt

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/phietala/belt/pkg/api"
	"github.com/stretchr/testify/require"
)

// TestSQLiteBundle_DurableAcrossRestart demonstrates that a request
// enqueued through the bundle survives a simulated process restart,
// assuming tasks are re-registered on startup.
func TestSQLiteBundle_DurableAcrossRestart(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	dbPath := filepath.Join(t.TempDir(), "belt_bundle.db")
	dsn := "file:" + dbPath + "?_journal=WAL"

	increment := NewTask("demo.increment", HandlerFor(func(ctx context.Context, n int) (int, error) {
		return n + 1, nil
	}))

	// --- Phase 1: enqueue a request, no worker running yet.

	db1, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)

	bundle1, err := NewSQLiteBundle(db1, WorkerConfig{Concurrency: 1})
	require.NoError(t, err)
	require.NoError(t, increment.Register(bundle1.Worker))

	id, err := bundle1.Client.Enqueue(ctx, increment.Name(), 41)
	require.NoError(t, err)

	// No worker consumed anything, so no result exists yet.
	_, err = bundle1.Backend.GetResult(ctx, id)
	require.ErrorIs(t, err, api.ErrResultNotFound)

	// Simulate a process crash by closing the DB and discarding bundle1.
	require.NoError(t, db1.Close())

	// --- Phase 2: "restart" with a new DB handle and bundle.

	db2, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	defer db2.Close()

	bundle2, err := NewSQLiteBundle(db2, WorkerConfig{
		Concurrency:   1,
		ShutdownGrace: time.Second,
	})
	require.NoError(t, err)

	// Task definitions are in-memory only; re-register on each start.
	require.NoError(t, increment.Register(bundle2.Worker))

	runCtx, stop := context.WithCancel(ctx)
	runDone := make(chan error, 1)
	go func() { runDone <- bundle2.Worker.Run(runCtx) }()

	res, err := WaitForResult(ctx, bundle2.Backend, id, 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, res.State)

	var got int
	require.NoError(t, json.Unmarshal(res.Value, &got))
	require.Equal(t, 42, got, "expected demo.increment(41) == 42")

	stop()
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatalf("worker did not stop: %v", ctx.Err())
	}
}

// TestSQLiteBundle_SharesOneDatabase checks that the bundle's broker and
// backend operate on the caller's database handle.
func TestSQLiteBundle_SharesOneDatabase(t *testing.T) {
	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "belt.db"))
	require.NoError(t, err)
	defer db.Close()

	bundle, err := NewSQLiteBundle(db, WorkerConfig{Queue: "math"})
	require.NoError(t, err)
	require.NotNil(t, bundle.Broker)
	require.NotNil(t, bundle.Backend)
	require.NotNil(t, bundle.Worker)
	require.NotNil(t, bundle.Client)
	require.Equal(t, "math", bundle.Client.Queue)

	// Results written through the backend are readable through the same
	// database.
	ctx := context.Background()
	meta := &ResultMeta{RequestID: "req-1", Name: "demo.add", State: ResultSuccess}
	require.NoError(t, bundle.Backend.StoreResult(ctx, "req-1", meta))

	got, err := bundle.Backend.GetResult(ctx, "req-1")
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, got.State)

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM belt_results").Scan(&n))
	require.Equal(t, 1, n)
}
