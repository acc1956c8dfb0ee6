package backend

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/phietala/belt/pkg/api"
)

// PostgresBackend is a result store backed by PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver (for example,
// "github.com/jackc/pgx/v5/stdlib" or "github.com/lib/pq").
//
// The caller is responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open.
type PostgresBackend struct {
	db *sql.DB
}

// Ensure PostgresBackend implements Backend.
var _ api.Backend = (*PostgresBackend)(nil)

// NewPostgresBackend initializes the results table in the given
// database and returns a new PostgresBackend. The DB is owned by the
// caller.
func NewPostgresBackend(db *sql.DB) (*PostgresBackend, error) {
	b := &PostgresBackend{db: db}
	if err := b.initSchema(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *PostgresBackend) initSchema() error {
	_, err := b.db.Exec(`
		CREATE TABLE IF NOT EXISTS belt_results (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			state TEXT NOT NULL,
			value BYTEA,
			error TEXT,
			retries INTEGER NOT NULL,
			at BIGINT NOT NULL
		);
	`)
	return err
}

func (b *PostgresBackend) StoreResult(ctx context.Context, requestID string, res *api.ResultMeta) error {
	errStr, err := encodeErrorInfo(res.Error)
	if err != nil {
		return err
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO belt_results (id, name, state, value, error, retries, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			state = excluded.state,
			value = excluded.value,
			error = excluded.error,
			retries = excluded.retries,
			at = excluded.at
	`,
		requestID,
		res.Name,
		string(res.State),
		res.Value,
		errStr,
		res.Retries,
		res.At.UnixNano(),
	)
	return err
}

func (b *PostgresBackend) GetResult(ctx context.Context, requestID string) (*api.ResultMeta, error) {
	var (
		name    string
		state   string
		value   []byte
		errStr  string
		retries int
		at      int64
	)
	row := b.db.QueryRowContext(ctx, `
		SELECT name, state, value, error, retries, at
		FROM belt_results
		WHERE id = $1
	`, requestID)
	if err := row.Scan(&name, &state, &value, &errStr, &retries, &at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, api.ErrResultNotFound
		}
		return nil, err
	}

	info, err := decodeErrorInfo(errStr)
	if err != nil {
		return nil, err
	}

	return &api.ResultMeta{
		RequestID: requestID,
		Name:      name,
		State:     api.ResultState(state),
		Value:     value,
		Error:     info,
		Retries:   retries,
		At:        time.Unix(0, at),
	}, nil
}

// Close is a no-op: the *sql.DB is owned by the caller.
func (b *PostgresBackend) Close() error { return nil }
