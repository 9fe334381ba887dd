package history

import (
	"encoding/json"
	"fmt"
	"sort"

	"greenlight/internal/domain"
)

// Replay reconstructs an instance and its steps from the audit trail alone.
// The log carries enough payload on workflow.started and step.created that a
// full replay reproduces the live records exactly; this is the consistency
// check between history and state.
func Replay(entries []domain.HistoryEntry) (domain.WorkflowInstance, []domain.ApprovalStep, error) {
	var inst domain.WorkflowInstance
	steps := map[string]*domain.ApprovalStep{}
	started := false

	for _, e := range entries {
		var payload map[string]any
		if e.Payload != "" {
			if err := json.Unmarshal([]byte(e.Payload), &payload); err != nil {
				return inst, nil, fmt.Errorf("entry %d payload: %w", e.ID, err)
			}
		}
		switch e.Action {
		case ActionWorkflowStarted:
			started = true
			inst = domain.WorkflowInstance{
				ID:           e.InstanceID,
				DefinitionID: str(payload, "definition_id"),
				OrgID:        str(payload, "org_id"),
				EntityType:   str(payload, "entity_type"),
				EntityID:     str(payload, "entity_id"),
				InitiatorID:  e.ActorID,
				Status:       domain.InstancePending,
				CurrentLevel: 1,
				TotalLevels:  intval(payload, "total_levels"),
				CreatedAt:    e.TS,
				UpdatedAt:    e.TS,
			}
			if raw, ok := payload["metadata"].(map[string]any); ok && len(raw) > 0 {
				inst.Metadata = raw
			}
		case ActionLevelActivated:
			inst.Status = domain.InstanceInProgress
			inst.CurrentLevel = e.Level
			inst.UpdatedAt = e.TS
		case ActionLevelSkipped:
			inst.CurrentLevel = e.Level
			inst.UpdatedAt = e.TS
		case ActionStepCreated:
			if e.StepID == nil {
				return inst, nil, fmt.Errorf("entry %d: step.created without step id", e.ID)
			}
			s := domain.ApprovalStep{
				ID:         *e.StepID,
				InstanceID: e.InstanceID,
				Level:      e.Level,
				Seq:        intval(payload, "seq"),
				ApproverID: str(payload, "approver_id"),
				Status:     domain.StepPending,
				Escalated:  boolval(payload, "escalated"),
				CreatedAt:  e.TS,
			}
			if v := str(payload, "delegated_from"); v != "" {
				s.DelegatedFrom = &v
			}
			if v := str(payload, "due_at"); v != "" {
				s.DueAt = &v
			}
			steps[s.ID] = &s
		case ActionStepApproved, ActionStepRejected, ActionStepSkipped, ActionStepDelegated:
			if e.StepID == nil {
				return inst, nil, fmt.Errorf("entry %d: %s without step id", e.ID, e.Action)
			}
			s, ok := steps[*e.StepID]
			if !ok {
				return inst, nil, fmt.Errorf("entry %d: decision on unknown step %s", e.ID, *e.StepID)
			}
			s.Status = e.ToStatus
			s.Comment = e.Comment
			ts := e.TS
			s.DecidedAt = &ts
			inst.UpdatedAt = e.TS
		case ActionStepEscalated:
			if e.StepID == nil {
				return inst, nil, fmt.Errorf("entry %d: step.escalated without step id", e.ID)
			}
			s, ok := steps[*e.StepID]
			if !ok {
				return inst, nil, fmt.Errorf("entry %d: escalation of unknown step %s", e.ID, *e.StepID)
			}
			ts := e.TS
			s.EscalatedAt = &ts
		case ActionWorkflowApproved, ActionWorkflowRejected, ActionWorkflowCancelled:
			inst.Status = e.ToStatus
			inst.UpdatedAt = e.TS
			ts := e.TS
			inst.CompletedAt = &ts
		case ActionApproverUnresolved:
			inst.CurrentLevel = e.Level
			inst.UpdatedAt = e.TS
		}
	}
	if !started {
		return inst, nil, fmt.Errorf("log has no %s entry", ActionWorkflowStarted)
	}

	out := make([]domain.ApprovalStep, 0, len(steps))
	for _, s := range steps {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return inst, out, nil
}

func str(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func intval(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func boolval(m map[string]any, key string) bool {
	v, _ := m[key].(bool)
	return v
}
