package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petrijr/reviewflow/pkg/api"
)

// SQLiteInstanceStore is an InstanceStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// The one-active-instance rule is a partial unique index, so it holds across
// processes sharing the same database file.
type SQLiteInstanceStore struct {
	db *sql.DB
}

// Ensure SQLiteInstanceStore implements InstanceStore.
var _ InstanceStore = (*SQLiteInstanceStore)(nil)

// NewSQLiteInstanceStore initializes the required schema in the given
// database and returns a new SQLiteInstanceStore.
func NewSQLiteInstanceStore(db *sql.DB) (*SQLiteInstanceStore, error) {
	s := &SQLiteInstanceStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteInstanceStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS workflow_instances (
			id TEXT PRIMARY KEY,
			workflow_type TEXT NOT NULL,
			subject_key TEXT NOT NULL,
			payload BLOB,
			status TEXT NOT NULL,
			step_log BLOB,
			wait_event TEXT,
			wait_deadline INTEGER,
			output BLOB,
			error TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_workflow_instances_active
			ON workflow_instances(workflow_type, subject_key)
			WHERE status IN ('running', 'waiting');
		CREATE INDEX IF NOT EXISTS idx_workflow_instances_wait
			ON workflow_instances(status, wait_deadline);
	`)
	return err
}

const sqliteInstanceColumns = `id, workflow_type, subject_key, payload, status, step_log,
	wait_event, wait_deadline, output, error, version, created_at, updated_at`

func (s *SQLiteInstanceStore) CreateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	row, err := encodeRow(inst)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_instances (`+sqliteInstanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.Type, row.SubjectKey, row.Payload, row.Status, row.StepLog,
		row.WaitEvent, row.WaitDeadline, row.Output, row.Error, row.Version,
		row.CreatedAt, row.UpdatedAt,
	)
	if err != nil {
		msg := err.Error()
		if strings.Contains(msg, "UNIQUE constraint failed") {
			if strings.Contains(msg, "subject_key") {
				return ErrAlreadyActive
			}
			return ErrVersionConflict
		}
		return err
	}
	return nil
}

func (s *SQLiteInstanceStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	row, err := encodeRow(inst)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_instances
		SET status = ?, step_log = ?, wait_event = ?, wait_deadline = ?, output = ?,
			error = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		row.Status, row.StepLog, row.WaitEvent, row.WaitDeadline, row.Output,
		row.Error, row.UpdatedAt,
		row.ID, row.Version,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := s.GetInstance(ctx, inst.ID); err != nil {
			return err
		}
		return ErrVersionConflict
	}

	inst.Version++
	return nil
}

func (s *SQLiteInstanceStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sqliteInstanceColumns+`
		FROM workflow_instances
		WHERE id = ?`,
		id,
	)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInstanceNotFound
	}
	return inst, err
}

func (s *SQLiteInstanceStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	query := `SELECT ` + sqliteInstanceColumns + ` FROM workflow_instances`
	var args []any
	var clauses []string

	if filter.Type != "" {
		clauses = append(clauses, "workflow_type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.SubjectKey != "" {
		clauses = append(clauses, "subject_key = ?")
		args = append(args, filter.SubjectKey)
	}

	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC"

	return s.queryInstances(ctx, query, args...)
}

func (s *SQLiteInstanceStore) FindActive(ctx context.Context, typ api.WorkflowType, subjectKey string) (*api.WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sqliteInstanceColumns+`
		FROM workflow_instances
		WHERE workflow_type = ? AND subject_key = ? AND status IN ('running', 'waiting')`,
		string(typ), subjectKey,
	)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInstanceNotFound
	}
	return inst, err
}

func (s *SQLiteInstanceStore) ListExpiredWaits(ctx context.Context, now time.Time) ([]*api.WorkflowInstance, error) {
	return s.queryInstances(ctx, `
		SELECT `+sqliteInstanceColumns+`
		FROM workflow_instances
		WHERE status = 'waiting' AND wait_deadline <= ?
		ORDER BY wait_deadline ASC`,
		now.UnixNano(),
	)
}

func (s *SQLiteInstanceStore) queryInstances(ctx context.Context, query string, args ...any) ([]*api.WorkflowInstance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(sc rowScanner) (*api.WorkflowInstance, error) {
	var r instanceRow
	if err := sc.Scan(
		&r.ID, &r.Type, &r.SubjectKey, &r.Payload, &r.Status, &r.StepLog,
		&r.WaitEvent, &r.WaitDeadline, &r.Output, &r.Error, &r.Version,
		&r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	inst, err := r.decode()
	if err != nil {
		return nil, fmt.Errorf("decode instance %s: %w", r.ID, err)
	}
	return inst, nil
}
