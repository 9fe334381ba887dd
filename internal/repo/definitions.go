package repo

import (
	"context"
	"database/sql"

	"greenlight/internal/domain"
)

const definitionColumns = `id,org_id,module_type,name,sequential,auto_complete,escalation_enabled,escalation_sla_minutes,active,created_at`

func scanDefinition(row interface{ Scan(...any) error }) (domain.WorkflowDefinition, error) {
	var d domain.WorkflowDefinition
	var sequential, autoComplete, escEnabled, active int
	err := row.Scan(&d.ID, &d.OrgID, &d.ModuleType, &d.Name, &sequential, &autoComplete,
		&escEnabled, &d.Escalation.SLAMinutes, &active, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.Sequential = sequential != 0
	d.AutoComplete = autoComplete != 0
	d.Escalation.Enabled = escEnabled != 0
	d.Active = active != 0
	return d, nil
}

func (r Repo) InsertDefinitionTx(ctx context.Context, tx *sql.Tx, d domain.WorkflowDefinition) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO workflow_definitions(`+definitionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.OrgID, d.ModuleType, d.Name, boolInt(d.Sequential), boolInt(d.AutoComplete),
		boolInt(d.Escalation.Enabled), d.Escalation.SLAMinutes, boolInt(d.Active), d.CreatedAt)
	if err != nil {
		return err
	}
	for _, lv := range d.Levels {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO approval_levels(definition_id,level,approver_kind,approver_ref,condition_json,mandatory,skippable) VALUES (?,?,?,?,?,?,?)`,
			d.ID, lv.Level, lv.ApproverKind, optional(lv.ApproverRef), optional(lv.ConditionJSON),
			boolInt(lv.Mandatory), boolInt(lv.Skippable)); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) levelsForDefinition(ctx context.Context, definitionID string) ([]domain.ApprovalLevel, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT definition_id,level,approver_kind,approver_ref,condition_json,mandatory,skippable
FROM approval_levels WHERE definition_id=? ORDER BY level`, definitionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var levels []domain.ApprovalLevel
	for rows.Next() {
		var lv domain.ApprovalLevel
		var ref, cond sql.NullString
		var mandatory, skippable int
		if err := rows.Scan(&lv.DefinitionID, &lv.Level, &lv.ApproverKind, &ref, &cond, &mandatory, &skippable); err != nil {
			return nil, err
		}
		if ref.Valid {
			lv.ApproverRef = &ref.String
		}
		if cond.Valid {
			lv.ConditionJSON = &cond.String
		}
		lv.Mandatory = mandatory != 0
		lv.Skippable = skippable != 0
		levels = append(levels, lv)
	}
	return levels, rows.Err()
}

func (r Repo) GetDefinition(ctx context.Context, id string) (domain.WorkflowDefinition, error) {
	d, err := scanDefinition(r.DB.QueryRowContext(ctx,
		`SELECT `+definitionColumns+` FROM workflow_definitions WHERE id=?`, id))
	if err != nil {
		return d, err
	}
	d.Levels, err = r.levelsForDefinition(ctx, d.ID)
	return d, err
}

// ActiveDefinitionForModule returns the active definition for an (org,
// module type) pair. Instance creation resolves templates through this.
func (r Repo) ActiveDefinitionForModule(ctx context.Context, orgID, moduleType string) (domain.WorkflowDefinition, error) {
	d, err := scanDefinition(r.DB.QueryRowContext(ctx,
		`SELECT `+definitionColumns+` FROM workflow_definitions WHERE org_id=? AND module_type=? AND active=1 ORDER BY created_at DESC LIMIT 1`,
		orgID, moduleType))
	if err != nil {
		return d, err
	}
	d.Levels, err = r.levelsForDefinition(ctx, d.ID)
	return d, err
}

func (r Repo) ListDefinitions(ctx context.Context, orgID string) ([]domain.WorkflowDefinition, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+definitionColumns+` FROM workflow_definitions WHERE org_id=? ORDER BY module_type, created_at DESC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowDefinition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		res[i].Levels, err = r.levelsForDefinition(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

// DefinitionHasLiveInstances reports whether any pending or in-progress
// instance references the definition. Referenced definitions are immutable.
func (r Repo) DefinitionHasLiveInstances(ctx context.Context, definitionID string) (bool, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT 1 FROM workflow_instances WHERE definition_id=? AND status IN ('pending','in_progress') LIMIT 1`, definitionID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// DeactivateDefinition retires a definition so new instances no longer pick
// it. Existing instances keep running against it.
func (r Repo) DeactivateDefinition(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE workflow_definitions SET active=0 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
