package domain

// Instance statuses. Terminal statuses are never left once entered.
const (
	InstancePending    = "pending"
	InstanceInProgress = "in_progress"
	InstanceApproved   = "approved"
	InstanceRejected   = "rejected"
	InstanceCancelled  = "cancelled"
)

// Step statuses. A step leaves "pending" exactly once.
const (
	StepPending   = "pending"
	StepApproved  = "approved"
	StepRejected  = "rejected"
	StepSkipped   = "skipped"
	StepDelegated = "delegated"
)

// Approver role descriptors for an approval level.
const (
	ApproverReportingManager = "reporting_manager"
	ApproverDepartmentHead   = "department_head"
	ApproverCustomRole       = "custom_role"
	ApproverSpecificUser     = "specific_user"
)

type Organization struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Employee struct {
	ID           string  `json:"id"`
	OrgID        string  `json:"org_id"`
	Name         string  `json:"name"`
	Email        string  `json:"email,omitempty"`
	ManagerID    *string `json:"manager_id,omitempty"`
	DepartmentID *string `json:"department_id,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type Department struct {
	ID     string  `json:"id"`
	OrgID  string  `json:"org_id"`
	Name   string  `json:"name"`
	HeadID *string `json:"head_id,omitempty"`
}

// WorkflowDefinition is an immutable approval template. Once a live instance
// references it, neither the definition nor its levels change.
type WorkflowDefinition struct {
	ID           string          `json:"id"`
	OrgID        string          `json:"org_id"`
	ModuleType   string          `json:"module_type"`
	Name         string          `json:"name"`
	Sequential   bool            `json:"sequential"`
	AutoComplete bool            `json:"auto_complete"`
	Escalation   EscalationRules `json:"escalation"`
	Active       bool            `json:"active"`
	Levels       []ApprovalLevel `json:"levels"`
	CreatedAt    string          `json:"created_at" format:"date-time"`
}

type EscalationRules struct {
	Enabled    bool `json:"enabled"`
	SLAMinutes int  `json:"sla_minutes,omitempty"`
}

// ApprovalLevel is one stage of a definition. Level numbers are contiguous
// from 1. ConditionJSON, when set, holds a serialized condition expression
// evaluated against the instance metadata at activation time.
type ApprovalLevel struct {
	DefinitionID  string  `json:"definition_id"`
	Level         int     `json:"level"`
	ApproverKind  string  `json:"approver_kind" enum:"reporting_manager,department_head,custom_role,specific_user"`
	ApproverRef   *string `json:"approver_ref,omitempty"`
	ConditionJSON *string `json:"condition_json,omitempty"`
	Mandatory     bool    `json:"mandatory"`
	Skippable     bool    `json:"skippable"`
}

// EntityRef is the weak back-reference to the business object a workflow
// instance decides on. The engine never writes to the entity directly.
type EntityRef struct {
	Type string `json:"entity_type"`
	ID   string `json:"entity_id"`
}

type WorkflowInstance struct {
	ID           string         `json:"id"`
	DefinitionID string         `json:"definition_id"`
	OrgID        string         `json:"org_id"`
	EntityType   string         `json:"entity_type"`
	EntityID     string         `json:"entity_id"`
	InitiatorID  string         `json:"initiator_id"`
	Status       string         `json:"status" enum:"pending,in_progress,approved,rejected,cancelled"`
	CurrentLevel int            `json:"current_level"`
	TotalLevels  int            `json:"total_levels"`
	Metadata     map[string]any `json:"metadata,omitempty" jsonschema:"type=object,additionalProperties=true"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
	UpdatedAt    string         `json:"updated_at" format:"date-time"`
	CompletedAt  *string        `json:"completed_at,omitempty" format:"date-time"`
}

// EntityRef returns the instance's entity reference.
func (w WorkflowInstance) Ref() EntityRef {
	return EntityRef{Type: w.EntityType, ID: w.EntityID}
}

// ApprovalStep is one approver's slot at a level. Steps sharing (level, seq)
// form one approval slot: a delegation or escalation companion carries the
// same seq as the step it stands in for, and approval of any step in a slot
// satisfies the slot.
type ApprovalStep struct {
	ID            string  `json:"id"`
	InstanceID    string  `json:"instance_id"`
	Level         int     `json:"level"`
	Seq           int     `json:"seq"`
	ApproverID    string  `json:"approver_id"`
	Status        string  `json:"status" enum:"pending,approved,rejected,skipped,delegated"`
	Escalated     bool    `json:"escalated"`
	DelegatedFrom *string `json:"delegated_from,omitempty"`
	DueAt         *string `json:"due_at,omitempty" format:"date-time"`
	EscalatedAt   *string `json:"escalated_at,omitempty" format:"date-time"`
	Comment       string  `json:"comment,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	DecidedAt     *string `json:"decided_at,omitempty" format:"date-time"`
}

// HistoryEntry is one append-only audit record. Entries are never updated or
// deleted; the log is the source of truth for reconstructing instance state.
type HistoryEntry struct {
	ID         int64   `json:"id"`
	InstanceID string  `json:"instance_id"`
	Action     string  `json:"action"`
	ActorID    string  `json:"actor_id"`
	FromStatus string  `json:"from_status,omitempty"`
	ToStatus   string  `json:"to_status,omitempty"`
	Level      int     `json:"level,omitempty"`
	StepID     *string `json:"step_id,omitempty"`
	Comment    string  `json:"comment,omitempty"`
	Payload    string  `json:"payload_json,omitempty"`
	TS         string  `json:"ts" format:"date-time"`
}

// DelegationRule substitutes one approver identity for another inside an
// effective window, optionally scoped to a single module type.
type DelegationRule struct {
	ID            string  `json:"id"`
	OrgID         string  `json:"org_id"`
	DelegatorID   string  `json:"delegator_id"`
	DelegateID    string  `json:"delegate_id"`
	ModuleType    *string `json:"module_type,omitempty"`
	EffectiveFrom string  `json:"effective_from" format:"date-time"`
	EffectiveTo   string  `json:"effective_to" format:"date-time"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

// Notification statuses in the outbox.
const (
	NotificationQueued = "queued"
	NotificationSent   = "sent"
	NotificationFailed = "failed"
)

// Notification is a persisted notification intent. Rows are written in the
// same transaction as the state change that produced them and delivered
// asynchronously by the dispatcher.
type Notification struct {
	ID          string  `json:"id"`
	RecipientID string  `json:"recipient_id"`
	Kind        string  `json:"kind"`
	Subject     string  `json:"subject"`
	Payload     string  `json:"payload_json,omitempty"`
	Status      string  `json:"status" enum:"queued,sent,failed"`
	Attempts    int     `json:"attempts"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	SentAt      *string `json:"sent_at,omitempty" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Terminal reports whether an instance status admits no further transitions.
func Terminal(status string) bool {
	switch status {
	case InstanceApproved, InstanceRejected, InstanceCancelled:
		return true
	}
	return false
}

// StepTerminal reports whether a step status admits no further transitions.
func StepTerminal(status string) bool {
	return status != StepPending
}
