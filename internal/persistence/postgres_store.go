package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/petrijr/reviewflow/pkg/api"
)

// PostgresInstanceStore is an InstanceStore backed by PostgreSQL through a
// pgx connection pool.
type PostgresInstanceStore struct {
	pool *pgxpool.Pool
}

// Ensure PostgresInstanceStore implements InstanceStore.
var _ InstanceStore = (*PostgresInstanceStore)(nil)

const pgActiveIndex = "idx_workflow_instances_active"

// NewPostgresInstanceStore initializes the required schema in the given
// database and returns a new PostgresInstanceStore.
func NewPostgresInstanceStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresInstanceStore, error) {
	s := &PostgresInstanceStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresInstanceStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS workflow_instances (
			id TEXT PRIMARY KEY,
			workflow_type TEXT NOT NULL,
			subject_key TEXT NOT NULL,
			payload BYTEA,
			status TEXT NOT NULL,
			step_log BYTEA,
			wait_event TEXT,
			wait_deadline BIGINT,
			output BYTEA,
			error TEXT NOT NULL DEFAULT '',
			version BIGINT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS `+pgActiveIndex+`
			ON workflow_instances(workflow_type, subject_key)
			WHERE status IN ('running', 'waiting');
		CREATE INDEX IF NOT EXISTS idx_workflow_instances_wait
			ON workflow_instances(status, wait_deadline);
	`)
	return err
}

const pgInstanceColumns = `id, workflow_type, subject_key, payload, status, step_log,
	wait_event, wait_deadline, output, error, version, created_at, updated_at`

func (s *PostgresInstanceStore) CreateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	row, err := encodeRow(inst)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_instances (`+pgInstanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		row.ID, row.Type, row.SubjectKey, row.Payload, row.Status, row.StepLog,
		row.WaitEvent, row.WaitDeadline, row.Output, row.Error, row.Version,
		row.CreatedAt, row.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		if pgErr.ConstraintName == pgActiveIndex {
			return ErrAlreadyActive
		}
		return ErrVersionConflict
	}
	return err
}

func (s *PostgresInstanceStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	row, err := encodeRow(inst)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_instances
		SET status = $1, step_log = $2, wait_event = $3, wait_deadline = $4, output = $5,
			error = $6, version = version + 1, updated_at = $7
		WHERE id = $8 AND version = $9`,
		row.Status, row.StepLog, row.WaitEvent, row.WaitDeadline, row.Output,
		row.Error, row.UpdatedAt,
		row.ID, row.Version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetInstance(ctx, inst.ID); err != nil {
			return err
		}
		return ErrVersionConflict
	}

	inst.Version++
	return nil
}

func (s *PostgresInstanceStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+pgInstanceColumns+`
		FROM workflow_instances
		WHERE id = $1`,
		id,
	)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInstanceNotFound
	}
	return inst, err
}

func (s *PostgresInstanceStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	query := `SELECT ` + pgInstanceColumns + ` FROM workflow_instances`
	var args []any
	var clauses []string

	if filter.Type != "" {
		args = append(args, string(filter.Type))
		clauses = append(clauses, fmt.Sprintf("workflow_type = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.SubjectKey != "" {
		args = append(args, filter.SubjectKey)
		clauses = append(clauses, fmt.Sprintf("subject_key = $%d", len(args)))
	}

	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC"

	return s.queryInstances(ctx, query, args...)
}

func (s *PostgresInstanceStore) FindActive(ctx context.Context, typ api.WorkflowType, subjectKey string) (*api.WorkflowInstance, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+pgInstanceColumns+`
		FROM workflow_instances
		WHERE workflow_type = $1 AND subject_key = $2 AND status IN ('running', 'waiting')`,
		string(typ), subjectKey,
	)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInstanceNotFound
	}
	return inst, err
}

func (s *PostgresInstanceStore) ListExpiredWaits(ctx context.Context, now time.Time) ([]*api.WorkflowInstance, error) {
	return s.queryInstances(ctx, `
		SELECT `+pgInstanceColumns+`
		FROM workflow_instances
		WHERE status = 'waiting' AND wait_deadline <= $1
		ORDER BY wait_deadline ASC`,
		now.UnixNano(),
	)
}

func (s *PostgresInstanceStore) queryInstances(ctx context.Context, query string, args ...any) ([]*api.WorkflowInstance, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*api.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return instances, nil
}
