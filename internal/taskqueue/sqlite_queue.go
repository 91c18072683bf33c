package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// SQLiteQueue is a durable outbox backed by SQLite. Messages are FIFO per
// topic based on an auto-incrementing id; delivered rows are kept so their
// idempotency keys keep rejecting duplicates.
type SQLiteQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewSQLiteQueue initializes the queue_messages table in the given DB and
// returns a new queue.
func NewSQLiteQueue(db *sql.DB) (*SQLiteQueue, error) {
	q := &SQLiteQueue{
		db:           db,
		pollInterval: 20 * time.Millisecond,
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS queue_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id TEXT NOT NULL,
			topic TEXT NOT NULL,
			type TEXT NOT NULL,
			payload BLOB,
			idempotency_key TEXT UNIQUE,
			enqueued_at INTEGER NOT NULL,
			delivered_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_queue_messages_pending
			ON queue_messages (topic, delivered_at, id);
	`)
	return err
}

// Ensure SQLiteQueue implements Queue.
var _ Queue = (*SQLiteQueue)(nil)

func (q *SQLiteQueue) Enqueue(ctx context.Context, m Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	var key sql.NullString
	if m.IdempotencyKey != "" {
		key = sql.NullString{String: m.IdempotencyKey, Valid: true}
	}

	res, err := q.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO queue_messages (message_id, topic, type, payload, idempotency_key, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID,
		string(m.Topic),
		m.Type,
		[]byte(m.Payload),
		key,
		m.Timestamp.UnixNano(),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (q *SQLiteQueue) Dequeue(ctx context.Context, topic Topic) (*Message, error) {
	for {
		m, err := q.claim(ctx, topic)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		// Nothing available: sleep a bit and retry.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

// claim marks the oldest pending message on topic as delivered and returns
// it. The conditional UPDATE keeps two concurrent consumers from claiming
// the same row.
func (q *SQLiteQueue) claim(ctx context.Context, topic Topic) (*Message, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		rowID      int64
		m          Message
		topicStr   string
		payload    []byte
		key        sql.NullString
		enqueuedAt int64
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, message_id, topic, type, payload, idempotency_key, enqueued_at
		FROM queue_messages
		WHERE topic = ? AND delivered_at IS NULL
		ORDER BY id
		LIMIT 1`, string(topic)).
		Scan(&rowID, &m.ID, &topicStr, &m.Type, &payload, &key, &enqueuedAt)
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE queue_messages SET delivered_at = ? WHERE id = ? AND delivered_at IS NULL`,
		time.Now().UnixNano(), rowID)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, sql.ErrNoRows
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	m.Topic = Topic(topicStr)
	m.Payload = payload
	m.IdempotencyKey = key.String
	m.Timestamp = time.Unix(0, enqueuedAt).UTC()
	return &m, nil
}

func (q *SQLiteQueue) Len(topic Topic) int {
	var n int
	err := q.db.QueryRow(
		`SELECT COUNT(*) FROM queue_messages WHERE topic = ? AND delivered_at IS NULL`,
		string(topic)).Scan(&n)
	if err != nil {
		return 0
	}
	return n
}
