package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Audit actions. Every mutating engine operation appends exactly one entry
// per state change, inside the same transaction.
const (
	ActionWorkflowStarted    = "workflow.started"
	ActionWorkflowApproved   = "workflow.approved"
	ActionWorkflowRejected   = "workflow.rejected"
	ActionWorkflowCancelled  = "workflow.cancelled"
	ActionLevelActivated     = "level.activated"
	ActionLevelSkipped       = "level.skipped"
	ActionStepCreated        = "step.created"
	ActionStepApproved       = "step.approved"
	ActionStepRejected       = "step.rejected"
	ActionStepSkipped        = "step.skipped"
	ActionStepDelegated      = "step.delegated"
	ActionStepEscalated      = "step.escalated"
	ActionApproverUnresolved = "approver.unresolved"
)

// Writer appends audit entries. History rows are never updated or deleted.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

// Entry is the writer-side view of one audit record.
type Entry struct {
	InstanceID string
	Action     string
	ActorID    string
	FromStatus string
	ToStatus   string
	Level      int
	StepID     string
	Comment    string
	Payload    Payload
}

// Append writes one audit entry inside the caller's transaction so the entry
// commits or rolls back with the state change it documents.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if e.Payload == nil {
		e.Payload = Payload{}
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal history payload: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflow_history(instance_id,action,actor_id,from_status,to_status,level,step_id,comment,payload_json,ts) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.InstanceID, e.Action, e.ActorID, nullable(e.FromStatus), nullable(e.ToStatus),
		nullableInt(e.Level), nullable(e.StepID), nullable(e.Comment), string(data), ts)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}
