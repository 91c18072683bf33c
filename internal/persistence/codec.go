package persistence

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/petrijr/reviewflow/pkg/api"
)

// instanceRow is the flattened column form shared by the SQL stores.
type instanceRow struct {
	ID           string
	Type         string
	SubjectKey   string
	Payload      []byte
	Status       string
	StepLog      []byte
	WaitEvent    sql.NullString
	WaitDeadline sql.NullInt64
	Output       []byte
	Error        string
	Version      int64
	CreatedAt    int64
	UpdatedAt    int64
}

func encodeRow(inst *api.WorkflowInstance) (instanceRow, error) {
	stepLog, err := encodeStepLog(inst.StepLog)
	if err != nil {
		return instanceRow{}, err
	}
	row := instanceRow{
		ID:         inst.ID,
		Type:       string(inst.Type),
		SubjectKey: inst.SubjectKey,
		Payload:    inst.Payload,
		Status:     string(inst.Status),
		StepLog:    stepLog,
		Output:     inst.Output,
		Error:      inst.Error,
		Version:    inst.Version,
		CreatedAt:  inst.CreatedAt.UnixNano(),
		UpdatedAt:  inst.UpdatedAt.UnixNano(),
	}
	if inst.PendingWait != nil {
		row.WaitEvent = sql.NullString{String: inst.PendingWait.EventName, Valid: true}
		row.WaitDeadline = sql.NullInt64{Int64: inst.PendingWait.Deadline.UnixNano(), Valid: true}
	}
	return row, nil
}

func (r instanceRow) decode() (*api.WorkflowInstance, error) {
	stepLog, err := decodeStepLog(r.StepLog)
	if err != nil {
		return nil, err
	}
	inst := &api.WorkflowInstance{
		ID:         r.ID,
		Type:       api.WorkflowType(r.Type),
		SubjectKey: r.SubjectKey,
		Payload:    nullableJSON(r.Payload),
		Status:     api.Status(r.Status),
		StepLog:    stepLog,
		Output:     nullableJSON(r.Output),
		Error:      r.Error,
		Version:    r.Version,
		CreatedAt:  time.Unix(0, r.CreatedAt).UTC(),
		UpdatedAt:  time.Unix(0, r.UpdatedAt).UTC(),
	}
	if r.WaitEvent.Valid {
		inst.PendingWait = &api.PendingWait{
			EventName: r.WaitEvent.String,
			Deadline:  time.Unix(0, r.WaitDeadline.Int64).UTC(),
		}
	}
	return inst, nil
}

func encodeStepLog(log []api.StepRecord) ([]byte, error) {
	if log == nil {
		log = []api.StepRecord{}
	}
	return json.Marshal(log)
}

func decodeStepLog(data []byte) ([]api.StepRecord, error) {
	var log []api.StepRecord
	if len(data) == 0 {
		return log, nil
	}
	if err := json.Unmarshal(data, &log); err != nil {
		return nil, err
	}
	return log, nil
}

func nullableJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}
