package engine

import "errors"

// Error taxonomy for the approval engine. Callers match with errors.Is; the
// HTTP layer maps each to a status code.
var (
	// ErrDefinitionInvalid marks a malformed workflow template. Fatal at
	// load, blocks instance creation.
	ErrDefinitionInvalid = errors.New("workflow definition invalid")

	// ErrDuplicateWorkflow is returned when a live instance already exists
	// for the entity reference.
	ErrDuplicateWorkflow = errors.New("live workflow already exists for entity")

	// ErrUnresolvableApprover means the directory has no identity for a
	// level's approver role. Permanent for the instance; not retried.
	ErrUnresolvableApprover = errors.New("approver cannot be resolved")

	// ErrInvalidTransition covers acting on a non-pending step, acting on a
	// finished instance, or acting as the wrong actor.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrConcurrentModification surfaces lock contention that survived the
	// internal retry.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrEscalationTargetUnresolvable means no escalation target could be
	// determined; the step is retried on the next scheduler tick.
	ErrEscalationTargetUnresolvable = errors.New("escalation target cannot be resolved")
)
