package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"greenlight/internal/domain"
)

// ValidateDefinition checks a workflow template before it is stored or used.
// Level numbers must be contiguous from 1, at least one level must be
// mandatory (otherwise an instance could complete with zero approvals), and
// a mandatory level cannot also be skippable.
func ValidateDefinition(d domain.WorkflowDefinition) error {
	if d.OrgID == "" {
		return fmt.Errorf("%w: org_id required", ErrDefinitionInvalid)
	}
	if d.ModuleType == "" {
		return fmt.Errorf("%w: module_type required", ErrDefinitionInvalid)
	}
	if len(d.Levels) == 0 {
		return fmt.Errorf("%w: no approval levels", ErrDefinitionInvalid)
	}
	mandatory := 0
	for i, lv := range d.Levels {
		if lv.Level != i+1 {
			return fmt.Errorf("%w: level numbers must be contiguous from 1, got %d at position %d", ErrDefinitionInvalid, lv.Level, i+1)
		}
		switch lv.ApproverKind {
		case domain.ApproverReportingManager, domain.ApproverDepartmentHead:
		case domain.ApproverCustomRole, domain.ApproverSpecificUser:
			if lv.ApproverRef == nil || *lv.ApproverRef == "" {
				return fmt.Errorf("%w: level %d kind %s requires approver_ref", ErrDefinitionInvalid, lv.Level, lv.ApproverKind)
			}
		default:
			return fmt.Errorf("%w: level %d has unknown approver kind %q", ErrDefinitionInvalid, lv.Level, lv.ApproverKind)
		}
		if lv.Mandatory {
			mandatory++
			if lv.Skippable {
				return fmt.Errorf("%w: level %d is both mandatory and skippable", ErrDefinitionInvalid, lv.Level)
			}
		}
		if lv.ConditionJSON != nil {
			if _, err := ParseCondition(*lv.ConditionJSON); err != nil {
				return fmt.Errorf("%w: level %d: %v", ErrDefinitionInvalid, lv.Level, err)
			}
		}
	}
	if mandatory == 0 {
		return fmt.Errorf("%w: at least one level must be mandatory", ErrDefinitionInvalid)
	}
	if d.Escalation.Enabled && d.Escalation.SLAMinutes <= 0 {
		return fmt.Errorf("%w: escalation enabled without positive sla_minutes", ErrDefinitionInvalid)
	}
	return nil
}

// ImportDefinition validates and stores a template. Definitions are
// write-once; retire with DeactivateDefinition instead of editing.
func (e Engine) ImportDefinition(ctx context.Context, d domain.WorkflowDefinition) (domain.WorkflowDefinition, error) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	for i := range d.Levels {
		d.Levels[i].DefinitionID = d.ID
	}
	if d.CreatedAt == "" {
		d.CreatedAt = e.now().UTC().Format(time.RFC3339)
	}
	d.Active = true
	if err := ValidateDefinition(d); err != nil {
		return d, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureOrg(ctx, tx, d.OrgID, "", d.CreatedAt); err != nil {
		return d, err
	}
	if err := e.Repo.InsertDefinitionTx(ctx, tx, d); err != nil {
		return d, err
	}
	return d, tx.Commit()
}
