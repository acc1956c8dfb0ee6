package broker

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/phietala/belt/pkg/api"
)

// SQLiteBroker is a persistent single-node broker backed by SQLite. A
// received message stays in the table with its visibility pushed out by
// a lease; Ack deletes the row and Reject either moves it to the
// dead-letter table or makes it visible again after a short delay.
// Messages whose lease expires without an ack become visible again, so
// a crashed worker's deliveries are picked up by the next one.
type SQLiteBroker struct {
	db           *sql.DB
	queue        string
	pollInterval time.Duration
	visibility   time.Duration
}

// Ensure SQLiteBroker implements api.Broker.
var _ api.Broker = (*SQLiteBroker)(nil)

// NewSQLiteBroker initializes the messages table in the given DB and
// returns a broker consuming the named queue. The DB is owned by the
// caller; Close does not close it.
func NewSQLiteBroker(db *sql.DB, queue string) (*SQLiteBroker, error) {
	b := &SQLiteBroker{
		db:           db,
		queue:        queue,
		pollInterval: 20 * time.Millisecond,
		visibility:   defaultVisibility,
	}
	if err := b.initSchema(); err != nil {
		return nil, api.BrokerUnavailable("init", err)
	}
	return b, nil
}

func (b *SQLiteBroker) initSchema() error {
	_, err := b.db.Exec(`
		CREATE TABLE IF NOT EXISTS belt_messages (
			tag INTEGER PRIMARY KEY AUTOINCREMENT,
			queue TEXT NOT NULL,
			body BLOB NOT NULL,
			priority INTEGER NOT NULL,
			visible_at INTEGER NOT NULL,
			enqueued_at INTEGER NOT NULL,
			deliveries INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_belt_messages_ready
			ON belt_messages (queue, visible_at);
		CREATE TABLE IF NOT EXISTS belt_dead_messages (
			tag INTEGER PRIMARY KEY,
			queue TEXT NOT NULL,
			body BLOB NOT NULL,
			deliveries INTEGER NOT NULL,
			dead_at INTEGER NOT NULL
		);
	`)
	return err
}

func (b *SQLiteBroker) Publish(ctx context.Context, msg *api.Message) error {
	body, err := msg.Encode()
	if err != nil {
		return err
	}

	now := time.Now()
	visibleAt := now.UnixNano()
	if msg.ETA.After(now) {
		visibleAt = msg.ETA.UnixNano()
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO belt_messages (queue, body, priority, visible_at, enqueued_at, deliveries)
		VALUES (?, ?, ?, ?, ?, 0)`,
		b.queue,
		body,
		msg.Priority,
		visibleAt,
		now.UnixNano(),
	)
	if err != nil {
		return api.BrokerUnavailable("publish", err)
	}
	return nil
}

func (b *SQLiteBroker) Receive(ctx context.Context, timeout time.Duration) (*api.Delivery, error) {
	deadline := time.Now().Add(timeout)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		now := time.Now()

		tx, err := b.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, api.BrokerUnavailable("receive", err)
		}

		var (
			tag        int64
			body       []byte
			deliveries int
		)
		row := tx.QueryRowContext(ctx, `
			SELECT tag, body, deliveries
			FROM belt_messages
			WHERE queue = ? AND visible_at <= ?
			ORDER BY priority DESC, tag
			LIMIT 1`, b.queue, now.UnixNano())
		err = row.Scan(&tag, &body, &deliveries)
		if err != nil {
			_ = tx.Rollback()
			if errors.Is(err, sql.ErrNoRows) {
				// Nothing visible: sleep a bit and retry until deadline.
				wait := b.pollInterval
				if remaining := time.Until(deadline); remaining < wait {
					if remaining <= 0 {
						return nil, nil
					}
					wait = remaining
				}
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(wait):
					continue
				}
			}
			return nil, api.BrokerUnavailable("receive", err)
		}

		// Lease the row we just claimed.
		leaseUntil := now.Add(b.visibility).UnixNano()
		if _, err := tx.ExecContext(ctx, `
			UPDATE belt_messages SET visible_at = ?, deliveries = deliveries + 1
			WHERE tag = ?`, leaseUntil, tag); err != nil {
			_ = tx.Rollback()
			return nil, api.BrokerUnavailable("receive", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, api.BrokerUnavailable("receive", err)
		}

		return &api.Delivery{
			Tag:         strconv.FormatInt(tag, 10),
			Body:        body,
			Redelivered: deliveries > 0,
		}, nil
	}
}

func (b *SQLiteBroker) Ack(ctx context.Context, tag string) error {
	id, err := strconv.ParseInt(tag, 10, 64)
	if err != nil {
		return err
	}
	if _, err := b.db.ExecContext(ctx, `DELETE FROM belt_messages WHERE tag = ?`, id); err != nil {
		return api.BrokerUnavailable("ack", err)
	}
	return nil
}

func (b *SQLiteBroker) Reject(ctx context.Context, tag string, requeue bool) error {
	id, err := strconv.ParseInt(tag, 10, 64)
	if err != nil {
		return err
	}
	if !requeue {
		// Park the message in the dead-letter table so a dropped body
		// stays inspectable.
		tx, err := b.db.BeginTx(ctx, nil)
		if err != nil {
			return api.BrokerUnavailable("reject", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO belt_dead_messages (tag, queue, body, deliveries, dead_at)
			SELECT tag, queue, body, deliveries, ? FROM belt_messages WHERE tag = ?`,
			time.Now().UnixNano(), id); err != nil {
			_ = tx.Rollback()
			return api.BrokerUnavailable("reject", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM belt_messages WHERE tag = ?`, id); err != nil {
			_ = tx.Rollback()
			return api.BrokerUnavailable("reject", err)
		}
		if err := tx.Commit(); err != nil {
			return api.BrokerUnavailable("reject", err)
		}
		return nil
	}
	visibleAt := time.Now().Add(redeliveryDelay).UnixNano()
	if _, err := b.db.ExecContext(ctx, `
		UPDATE belt_messages SET visible_at = ? WHERE tag = ?`, visibleAt, id); err != nil {
		return api.BrokerUnavailable("reject", err)
	}
	return nil
}

// Close is a no-op: the *sql.DB is owned by the caller.
func (b *SQLiteBroker) Close() error { return nil }

// Len reports how many messages sit in the queue, including leased ones.
func (b *SQLiteBroker) Len() int {
	var n int
	err := b.db.QueryRow(`SELECT COUNT(*) FROM belt_messages WHERE queue = ?`, b.queue).Scan(&n)
	if err != nil {
		return 0
	}
	return n
}

// DeadLen reports how many rejected messages sit in the dead-letter
// table for this queue.
func (b *SQLiteBroker) DeadLen() int {
	var n int
	err := b.db.QueryRow(`SELECT COUNT(*) FROM belt_dead_messages WHERE queue = ?`, b.queue).Scan(&n)
	if err != nil {
		return 0
	}
	return n
}
