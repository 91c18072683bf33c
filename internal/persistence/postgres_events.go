package persistence

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/petrijr/reviewflow/pkg/api"
)

// PostgresEventStore stores workflow history in a workflow_events table.
type PostgresEventStore struct {
	pool *pgxpool.Pool
}

var _ EventStore = (*PostgresEventStore)(nil)

func NewPostgresEventStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresEventStore, error) {
	s := &PostgresEventStore{pool: pool}
	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS workflow_events (
			id BIGSERIAL PRIMARY KEY,
			instance_id TEXT NOT NULL,
			at BIGINT NOT NULL,
			type TEXT NOT NULL,
			workflow_type TEXT NOT NULL DEFAULT '',
			step TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_workflow_events_instance_id ON workflow_events(instance_id, id);
	`); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresEventStore) AppendEvent(ctx context.Context, ev api.WorkflowEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_events (instance_id, at, type, workflow_type, step, detail)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.InstanceID, at.UnixNano(), string(ev.Type), string(ev.WorkflowType), ev.Step, ev.Detail,
	)
	return err
}

func (s *PostgresEventStore) ListEvents(ctx context.Context, instanceID string) ([]api.WorkflowEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT instance_id, at, type, workflow_type, step, detail
		FROM workflow_events
		WHERE instance_id = $1
		ORDER BY id ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (api.WorkflowEvent, error) {
		var (
			ev         api.WorkflowEvent
			atN        int64
			typ, wtype string
		)
		if err := row.Scan(&ev.InstanceID, &atN, &typ, &wtype, &ev.Step, &ev.Detail); err != nil {
			return ev, err
		}
		ev.At = time.Unix(0, atN).UTC()
		ev.Type = api.EventType(typ)
		ev.WorkflowType = api.WorkflowType(wtype)
		return ev, nil
	})
}
