package server

import (
	"greenlight/internal/domain"
)

type ImportDefinitionRequest struct {
	ID           string               `json:"id,omitempty"`
	OrgID        string               `json:"org_id"`
	ModuleType   string               `json:"module_type"`
	Name         string               `json:"name"`
	Sequential   bool                 `json:"sequential"`
	AutoComplete *bool                `json:"auto_complete,omitempty"`
	Escalation   *EscalationRequest   `json:"escalation,omitempty"`
	Levels       []LevelDefinitionReq `json:"levels"`
}

type EscalationRequest struct {
	Enabled    bool `json:"enabled"`
	SLAMinutes int  `json:"sla_minutes,omitempty"`
}

type LevelDefinitionReq struct {
	Level         int     `json:"level"`
	ApproverKind  string  `json:"approver_kind" enum:"reporting_manager,department_head,custom_role,specific_user"`
	ApproverRef   *string `json:"approver_ref,omitempty"`
	ConditionJSON *string `json:"condition_json,omitempty"`
	Mandatory     bool    `json:"mandatory"`
	Skippable     bool    `json:"skippable"`
}

type DefinitionResponse struct {
	ID           string               `json:"id"`
	OrgID        string               `json:"org_id"`
	ModuleType   string               `json:"module_type"`
	Name         string               `json:"name"`
	Sequential   bool                 `json:"sequential"`
	AutoComplete bool                 `json:"auto_complete"`
	Escalation   EscalationRequest    `json:"escalation"`
	Active       bool                 `json:"active"`
	Levels       []LevelDefinitionReq `json:"levels"`
	CreatedAt    string               `json:"created_at" format:"date-time"`
}

func definitionResponse(d domain.WorkflowDefinition) DefinitionResponse {
	levels := make([]LevelDefinitionReq, 0, len(d.Levels))
	for _, lv := range d.Levels {
		levels = append(levels, LevelDefinitionReq{
			Level:         lv.Level,
			ApproverKind:  lv.ApproverKind,
			ApproverRef:   lv.ApproverRef,
			ConditionJSON: lv.ConditionJSON,
			Mandatory:     lv.Mandatory,
			Skippable:     lv.Skippable,
		})
	}
	return DefinitionResponse{
		ID:           d.ID,
		OrgID:        d.OrgID,
		ModuleType:   d.ModuleType,
		Name:         d.Name,
		Sequential:   d.Sequential,
		AutoComplete: d.AutoComplete,
		Escalation:   EscalationRequest{Enabled: d.Escalation.Enabled, SLAMinutes: d.Escalation.SLAMinutes},
		Active:       d.Active,
		Levels:       levels,
		CreatedAt:    d.CreatedAt,
	}
}

func mapDefinitions(items []domain.WorkflowDefinition) []DefinitionResponse {
	out := make([]DefinitionResponse, 0, len(items))
	for _, d := range items {
		out = append(out, definitionResponse(d))
	}
	return out
}

type StartWorkflowRequest struct {
	DefinitionID string         `json:"definition_id,omitempty"`
	OrgID        string         `json:"org_id,omitempty"`
	ModuleType   string         `json:"module_type,omitempty"`
	EntityType   string         `json:"entity_type"`
	EntityID     string         `json:"entity_id"`
	Metadata     map[string]any `json:"metadata,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type StepActionRequest struct {
	Comment    string `json:"comment,omitempty"`
	DelegateTo string `json:"delegate_to,omitempty"`
}

type CancelWorkflowRequest struct {
	Reason string `json:"reason,omitempty"`
}

type InstanceResponse struct {
	Instance domain.WorkflowInstance `json:"instance"`
	Steps    []domain.ApprovalStep   `json:"steps,omitempty"`
}

type CreateDelegationRequest struct {
	OrgID         string  `json:"org_id"`
	DelegatorID   string  `json:"delegator_id"`
	DelegateID    string  `json:"delegate_id"`
	ModuleType    *string `json:"module_type,omitempty"`
	EffectiveFrom string  `json:"effective_from" format:"date-time"`
	EffectiveTo   string  `json:"effective_to" format:"date-time"`
}
