package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"greenlight/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const instanceColumns = `id,definition_id,org_id,entity_type,entity_id,initiator_id,status,current_level,total_levels,metadata_json,created_at,updated_at,completed_at`

func scanInstance(row interface{ Scan(...any) error }) (domain.WorkflowInstance, error) {
	var w domain.WorkflowInstance
	var meta, completed sql.NullString
	err := row.Scan(&w.ID, &w.DefinitionID, &w.OrgID, &w.EntityType, &w.EntityID, &w.InitiatorID,
		&w.Status, &w.CurrentLevel, &w.TotalLevels, &meta, &w.CreatedAt, &w.UpdatedAt, &completed)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &w.Metadata); err != nil {
			return w, fmt.Errorf("instance %s metadata: %w", w.ID, err)
		}
	}
	if completed.Valid {
		w.CompletedAt = &completed.String
	}
	return w, nil
}

func (r Repo) InsertInstanceTx(ctx context.Context, tx *sql.Tx, w domain.WorkflowInstance) error {
	var meta any
	if len(w.Metadata) > 0 {
		b, err := json.Marshal(w.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		meta = string(b)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO workflow_instances(`+instanceColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.DefinitionID, w.OrgID, w.EntityType, w.EntityID, w.InitiatorID,
		w.Status, w.CurrentLevel, w.TotalLevels, meta, w.CreatedAt, w.UpdatedAt, optional(w.CompletedAt))
	return err
}

func (r Repo) GetInstance(ctx context.Context, id string) (domain.WorkflowInstance, error) {
	return scanInstance(r.DB.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE id=?`, id))
}

func (r Repo) GetInstanceTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkflowInstance, error) {
	return scanInstance(tx.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE id=?`, id))
}

// LiveInstanceForEntity returns the pending or in-progress instance for an
// entity reference, if one exists.
func (r Repo) LiveInstanceForEntity(ctx context.Context, entityType, entityID string) (domain.WorkflowInstance, error) {
	return scanInstance(r.DB.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE entity_type=? AND entity_id=? AND status IN ('pending','in_progress')`,
		entityType, entityID))
}

func (r Repo) UpdateInstanceTx(ctx context.Context, tx *sql.Tx, w domain.WorkflowInstance) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE workflow_instances SET status=?, current_level=?, updated_at=?, completed_at=? WHERE id=?`,
		w.Status, w.CurrentLevel, w.UpdatedAt, optional(w.CompletedAt), w.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListInstances(ctx context.Context, orgID, status string, limit int) ([]domain.WorkflowInstance, error) {
	clauses := []string{"org_id=?"}
	args := []any{orgID}
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowInstance
	for rows.Next() {
		w, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

const stepColumns = `id,instance_id,level,seq,approver_id,status,escalated,delegated_from,due_at,escalated_at,COALESCE(comment,''),created_at,decided_at`

func scanStep(row interface{ Scan(...any) error }) (domain.ApprovalStep, error) {
	var s domain.ApprovalStep
	var delegatedFrom, dueAt, escalatedAt, decidedAt sql.NullString
	var escalated int
	err := row.Scan(&s.ID, &s.InstanceID, &s.Level, &s.Seq, &s.ApproverID, &s.Status,
		&escalated, &delegatedFrom, &dueAt, &escalatedAt, &s.Comment, &s.CreatedAt, &decidedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Escalated = escalated != 0
	if delegatedFrom.Valid {
		s.DelegatedFrom = &delegatedFrom.String
	}
	if dueAt.Valid {
		s.DueAt = &dueAt.String
	}
	if escalatedAt.Valid {
		s.EscalatedAt = &escalatedAt.String
	}
	if decidedAt.Valid {
		s.DecidedAt = &decidedAt.String
	}
	return s, nil
}

func (r Repo) InsertStepTx(ctx context.Context, tx *sql.Tx, s domain.ApprovalStep) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO approval_steps(id,instance_id,level,seq,approver_id,status,escalated,delegated_from,due_at,escalated_at,comment,created_at,decided_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.InstanceID, s.Level, s.Seq, s.ApproverID, s.Status, boolInt(s.Escalated),
		optional(s.DelegatedFrom), optional(s.DueAt), optional(s.EscalatedAt), nullable(s.Comment), s.CreatedAt, optional(s.DecidedAt))
	return err
}

func (r Repo) GetStep(ctx context.Context, id string) (domain.ApprovalStep, error) {
	return scanStep(r.DB.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM approval_steps WHERE id=?`, id))
}

func (r Repo) GetStepTx(ctx context.Context, tx *sql.Tx, id string) (domain.ApprovalStep, error) {
	return scanStep(tx.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM approval_steps WHERE id=?`, id))
}

func (r Repo) UpdateStepTx(ctx context.Context, tx *sql.Tx, s domain.ApprovalStep) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE approval_steps SET status=?, escalated_at=?, comment=?, decided_at=? WHERE id=?`,
		s.Status, optional(s.EscalatedAt), nullable(s.Comment), optional(s.DecidedAt), s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func stepsFromRows(rows *sql.Rows) ([]domain.ApprovalStep, error) {
	defer rows.Close()
	var res []domain.ApprovalStep
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) StepsForInstance(ctx context.Context, instanceID string) ([]domain.ApprovalStep, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM approval_steps WHERE instance_id=? ORDER BY level, seq, created_at, id`, instanceID)
	if err != nil {
		return nil, err
	}
	return stepsFromRows(rows)
}

func (r Repo) StepsForInstanceTx(ctx context.Context, tx *sql.Tx, instanceID string) ([]domain.ApprovalStep, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM approval_steps WHERE instance_id=? ORDER BY level, seq, created_at, id`, instanceID)
	if err != nil {
		return nil, err
	}
	return stepsFromRows(rows)
}

// PendingStepsForApprover lists pending steps assigned to an approver across
// all live instances.
func (r Repo) PendingStepsForApprover(ctx context.Context, approverID string) ([]domain.ApprovalStep, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM approval_steps WHERE approver_id=? AND status='pending' ORDER BY created_at, id`, approverID)
	if err != nil {
		return nil, err
	}
	return stepsFromRows(rows)
}

// OverdueSteps returns pending, never-escalated steps whose due time has
// passed, oldest first, capped at limit.
func (r Repo) OverdueSteps(ctx context.Context, now string, limit int) ([]domain.ApprovalStep, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM approval_steps
WHERE status='pending' AND escalated_at IS NULL AND escalated=0 AND due_at IS NOT NULL AND due_at<=?
ORDER BY due_at, id LIMIT ?`, now, limit)
	if err != nil {
		return nil, err
	}
	return stepsFromRows(rows)
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func optional(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
