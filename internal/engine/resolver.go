package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"greenlight/internal/domain"
	"greenlight/internal/repo"
)

// Directory resolves abstract approver roles to employee identities. The HR
// domain supplies the implementation; lookup failures become
// ErrUnresolvableApprover.
type Directory interface {
	Manager(ctx context.Context, employeeID string) (string, error)
	DepartmentHead(ctx context.Context, employeeID string) (string, error)
	RoleMembers(ctx context.Context, orgID, role string) ([]string, error)
}

// ErrDirectoryMiss is the sentinel Directory implementations return when a
// lookup has no match.
var ErrDirectoryMiss = errors.New("no directory match")

// resolvedApprover is one concrete approver for a level, after delegation
// substitution.
type resolvedApprover struct {
	EmployeeID    string
	DelegatedFrom string
}

// resolveApprovers turns a level's role descriptor into concrete approvers
// at the activation instant. Custom roles may fan out to several approvers;
// the other kinds resolve to exactly one. Active delegation rules substitute
// the delegate and record the original identity.
func (e Engine) resolveApprovers(ctx context.Context, lv domain.ApprovalLevel, inst domain.WorkflowInstance, moduleType string, at time.Time) ([]resolvedApprover, error) {
	var ids []string
	switch lv.ApproverKind {
	case domain.ApproverReportingManager:
		id, err := e.Directory.Manager(ctx, inst.InitiatorID)
		if err != nil {
			return nil, resolveErr(lv, err)
		}
		ids = []string{id}
	case domain.ApproverDepartmentHead:
		id, err := e.Directory.DepartmentHead(ctx, inst.InitiatorID)
		if err != nil {
			return nil, resolveErr(lv, err)
		}
		ids = []string{id}
	case domain.ApproverCustomRole:
		if lv.ApproverRef == nil {
			return nil, fmt.Errorf("level %d: %w: custom role without role id", lv.Level, ErrUnresolvableApprover)
		}
		members, err := e.Directory.RoleMembers(ctx, inst.OrgID, *lv.ApproverRef)
		if err != nil {
			return nil, resolveErr(lv, err)
		}
		if len(members) == 0 {
			return nil, fmt.Errorf("level %d: %w: role %s has no members", lv.Level, ErrUnresolvableApprover, *lv.ApproverRef)
		}
		ids = members
	case domain.ApproverSpecificUser:
		if lv.ApproverRef == nil {
			return nil, fmt.Errorf("level %d: %w: specific user without user id", lv.Level, ErrUnresolvableApprover)
		}
		ids = []string{*lv.ApproverRef}
	default:
		return nil, fmt.Errorf("level %d: %w: unknown approver kind %q", lv.Level, ErrUnresolvableApprover, lv.ApproverKind)
	}

	out := make([]resolvedApprover, 0, len(ids))
	for _, id := range ids {
		ra, err := e.applyDelegation(ctx, id, moduleType, at)
		if err != nil {
			return nil, err
		}
		out = append(out, ra)
	}
	return out, nil
}

// applyDelegation substitutes the delegate when an active rule covers the
// approver at the given instant.
func (e Engine) applyDelegation(ctx context.Context, approverID, moduleType string, at time.Time) (resolvedApprover, error) {
	rule, err := e.Repo.ActiveDelegation(ctx, approverID, moduleType, at.UTC().Format(time.RFC3339))
	if errors.Is(err, repo.ErrNotFound) {
		return resolvedApprover{EmployeeID: approverID}, nil
	}
	if err != nil {
		return resolvedApprover{}, err
	}
	return resolvedApprover{EmployeeID: rule.DelegateID, DelegatedFrom: approverID}, nil
}

// isDelegateOf reports whether actor is the active delegate of approver at
// the given instant. Used to let delegates act on steps still assigned to
// the delegator.
func (e Engine) isDelegateOf(ctx context.Context, actorID, approverID, moduleType string, at time.Time) (bool, error) {
	rule, err := e.Repo.ActiveDelegation(ctx, approverID, moduleType, at.UTC().Format(time.RFC3339))
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rule.DelegateID == actorID, nil
}

// escalationTarget resolves where an overdue step escalates to: the
// approver's own manager, falling back to the org's configured fallback
// role.
func (e Engine) escalationTarget(ctx context.Context, orgID, approverID, fallbackRole string) (string, error) {
	id, err := e.Directory.Manager(ctx, approverID)
	if err == nil && id != "" && id != approverID {
		return id, nil
	}
	if fallbackRole != "" {
		members, merr := e.Directory.RoleMembers(ctx, orgID, fallbackRole)
		if merr == nil && len(members) > 0 {
			return members[0], nil
		}
	}
	return "", fmt.Errorf("approver %s: %w", approverID, ErrEscalationTargetUnresolvable)
}

func resolveErr(lv domain.ApprovalLevel, err error) error {
	if errors.Is(err, ErrDirectoryMiss) || errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("level %d (%s): %w", lv.Level, lv.ApproverKind, ErrUnresolvableApprover)
	}
	return err
}
