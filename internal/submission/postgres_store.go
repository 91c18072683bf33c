package submission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL through a pgx pool. Table
// names are interpolated into SQL only after Table.Valid.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore returns a PostgresStore. It does not create tables; call
// EnsureSchema for development databases.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the submission and review queue tables if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, table := range Tables {
		_, err := s.pool.Exec(ctx, `
			CREATE TABLE IF NOT EXISTS `+string(table)+` (
				id TEXT PRIMARY KEY,
				status TEXT NOT NULL,
				feedback TEXT NOT NULL DEFAULT '',
				updated_at TIMESTAMPTZ NOT NULL
			)`)
		if err != nil {
			return fmt.Errorf("create %s: %w", table, err)
		}
	}
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS review_queue (
			workflow_id TEXT PRIMARY KEY,
			workflow_type TEXT NOT NULL,
			submission_table TEXT NOT NULL,
			submission_id TEXT NOT NULL,
			submitter_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`)
	return err
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, table Table, id, status, feedback string) error {
	if err := checkTable(table); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+string(table)+` (id, status, feedback, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
			feedback = CASE WHEN EXCLUDED.feedback = '' THEN `+string(table)+`.feedback ELSE EXCLUDED.feedback END,
			updated_at = EXCLUDED.updated_at`,
		id, status, feedback, time.Now().UTC(),
	)
	return err
}

func (s *PostgresStore) UpsertReviewItem(ctx context.Context, item ReviewItem) error {
	if err := checkTable(item.Table); err != nil {
		return err
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO review_queue (workflow_id, workflow_type, submission_table, submission_id, submitter_id, title, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (workflow_id) DO UPDATE
		SET status = EXCLUDED.status, title = EXCLUDED.title, updated_at = EXCLUDED.updated_at`,
		item.WorkflowID, item.WorkflowType, string(item.Table), item.SubmissionID,
		item.SubmitterID, item.Title, item.Status, item.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, table Table, id string) (Record, error) {
	if err := checkTable(table); err != nil {
		return Record{}, err
	}
	rec := Record{Table: table}
	err := s.pool.QueryRow(ctx,
		`SELECT id, status, feedback, updated_at FROM `+string(table)+` WHERE id = $1`, id).
		Scan(&rec.ID, &rec.Status, &rec.Feedback, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s/%s", ErrNotFound, table, id)
	}
	if err != nil {
		return Record{}, err
	}
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

func (s *PostgresStore) ListReviewItems(ctx context.Context, status string) ([]ReviewItem, error) {
	query := `SELECT workflow_id, workflow_type, submission_table, submission_id, submitter_id, title, status, updated_at
		FROM review_queue`
	var args []any
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY updated_at ASC, workflow_id ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReviewItem
	for rows.Next() {
		var (
			item  ReviewItem
			table string
		)
		if err := rows.Scan(&item.WorkflowID, &item.WorkflowType, &table, &item.SubmissionID,
			&item.SubmitterID, &item.Title, &item.Status, &item.UpdatedAt); err != nil {
			return nil, err
		}
		item.Table = Table(table)
		item.UpdatedAt = item.UpdatedAt.UTC()
		out = append(out, item)
	}
	return out, rows.Err()
}
