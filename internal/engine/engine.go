package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"greenlight/internal/config"
	"greenlight/internal/domain"
	"greenlight/internal/history"
	"greenlight/internal/repo"
)

// Step actions accepted by Act.
const (
	ActionApprove  = "approve"
	ActionReject   = "reject"
	ActionDelegate = "delegate"
	ActionSkip     = "skip"
)

// EntityCallback receives the final decision for the business entity a
// workflow ran against. Invoked exactly once per instance, after the
// terminal transition has committed. Implementations must not block.
type EntityCallback interface {
	OnWorkflowCompleted(ctx context.Context, ref domain.EntityRef, finalStatus string)
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	History   history.Writer
	Directory Directory
	Callback  EntityCallback
	Config    *config.Config
	Now       func() time.Time

	locks *instanceLocks
}

func New(db *sql.DB, dir Directory, cfg *config.Config) Engine {
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		History:   history.Writer{DB: db},
		Directory: dir,
		Config:    cfg,
		Now:       time.Now,
		locks:     newInstanceLocks(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC() string {
	return e.now().UTC().Format(time.RFC3339)
}

// withInstanceTx runs fn under the instance lock inside one transaction.
// The read-decide-write sequence for a single instance is never interleaved
// with another. A busy storage error is retried once with fresh state, then
// surfaced as ErrConcurrentModification.
func (e Engine) withInstanceTx(ctx context.Context, instanceID string, fn func(tx *sql.Tx) error) error {
	release := e.locks.acquire(instanceID)
	defer release()

	err := e.runTx(ctx, fn)
	if err != nil && isBusy(err) {
		err = e.runTx(ctx, fn)
		if err != nil && isBusy(err) {
			return fmt.Errorf("%w: %v", ErrConcurrentModification, err)
		}
	}
	return err
}

func (e Engine) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

// StartOptions parameterize instance creation. Either DefinitionID or
// (OrgID, ModuleType) selects the template.
type StartOptions struct {
	DefinitionID string
	OrgID        string
	ModuleType   string
	EntityType   string
	EntityID     string
	InitiatorID  string
	Metadata     map[string]any
}

// Start creates a workflow instance for an entity and activates the first
// level. At most one live instance may exist per entity reference. If the
// first approver cannot be resolved the instance is left pending and an
// admin alert is queued; resolution is retried through Resume.
func (e Engine) Start(ctx context.Context, opts StartOptions) (domain.WorkflowInstance, error) {
	if opts.EntityType == "" || opts.EntityID == "" {
		return domain.WorkflowInstance{}, errors.New("entity reference required")
	}
	if opts.InitiatorID == "" {
		return domain.WorkflowInstance{}, errors.New("initiator required")
	}
	def, err := e.loadDefinition(ctx, opts)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	if err := ValidateDefinition(def); err != nil {
		return domain.WorkflowInstance{}, err
	}
	if _, err := e.Repo.LiveInstanceForEntity(ctx, opts.EntityType, opts.EntityID); err == nil {
		return domain.WorkflowInstance{}, fmt.Errorf("%s/%s: %w", opts.EntityType, opts.EntityID, ErrDuplicateWorkflow)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.WorkflowInstance{}, err
	}

	now := e.nowRFC()
	inst := domain.WorkflowInstance{
		ID:           uuid.New().String(),
		DefinitionID: def.ID,
		OrgID:        def.OrgID,
		EntityType:   opts.EntityType,
		EntityID:     opts.EntityID,
		InitiatorID:  opts.InitiatorID,
		Status:       domain.InstancePending,
		CurrentLevel: 1,
		TotalLevels:  len(def.Levels),
		Metadata:     opts.Metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = e.withInstanceTx(ctx, inst.ID, func(tx *sql.Tx) error {
		if err := e.Repo.InsertInstanceTx(ctx, tx, inst); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%s/%s: %w", opts.EntityType, opts.EntityID, ErrDuplicateWorkflow)
			}
			return err
		}
		if err := e.History.Append(ctx, tx, history.Entry{
			InstanceID: inst.ID,
			Action:     history.ActionWorkflowStarted,
			ActorID:    opts.InitiatorID,
			ToStatus:   domain.InstancePending,
			Payload: history.Payload{
				"definition_id": def.ID,
				"org_id":        def.OrgID,
				"entity_type":   opts.EntityType,
				"entity_id":     opts.EntityID,
				"total_levels":  len(def.Levels),
				"metadata":      opts.Metadata,
			},
		}); err != nil {
			return err
		}
		done, err := e.activateLevels(ctx, tx, &inst, def, 1, opts.InitiatorID)
		if err != nil {
			if errors.Is(err, ErrUnresolvableApprover) {
				if err := e.recordUnresolved(ctx, tx, inst, err); err != nil {
					return err
				}
				// Persist the advanced level so Resume does not replay
				// auto-skips that already happened.
				return e.Repo.UpdateInstanceTx(ctx, tx, inst)
			}
			return err
		}
		if done {
			return e.finalize(ctx, tx, &inst, domain.InstanceApproved, opts.InitiatorID, "all levels skipped")
		}
		return e.Repo.UpdateInstanceTx(ctx, tx, inst)
	})
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	e.fireCallback(ctx, inst)
	return inst, nil
}

func (e Engine) loadDefinition(ctx context.Context, opts StartOptions) (domain.WorkflowDefinition, error) {
	if opts.DefinitionID != "" {
		return e.Repo.GetDefinition(ctx, opts.DefinitionID)
	}
	if opts.OrgID == "" || opts.ModuleType == "" {
		return domain.WorkflowDefinition{}, errors.New("definition id or org and module type required")
	}
	return e.Repo.ActiveDefinitionForModule(ctx, opts.OrgID, opts.ModuleType)
}

// recordUnresolved keeps the instance pending when the directory cannot
// produce an approver, and queues an admin alert. The returned error is nil:
// the instance exists and awaits manual intervention.
func (e Engine) recordUnresolved(ctx context.Context, tx *sql.Tx, inst domain.WorkflowInstance, cause error) error {
	if err := e.History.Append(ctx, tx, history.Entry{
		InstanceID: inst.ID,
		Action:     history.ActionApproverUnresolved,
		ActorID:    inst.InitiatorID,
		Level:      inst.CurrentLevel,
		Comment:    cause.Error(),
	}); err != nil {
		return err
	}
	members, err := e.Directory.RoleMembers(ctx, inst.OrgID, e.fallbackRole())
	if err != nil {
		members = nil
	}
	for _, m := range members {
		if err := e.enqueueNotification(ctx, tx, m, "approver.unresolved",
			fmt.Sprintf("workflow %s cannot progress: %v", inst.ID, cause),
			history.Payload{"instance_id": inst.ID, "level": inst.CurrentLevel}); err != nil {
			return err
		}
	}
	return nil
}

// activateLevels activates the given level, auto-skipping skippable levels
// whose condition is false. Returns true when every remaining level was
// skipped, i.e. the instance is complete.
func (e Engine) activateLevels(ctx context.Context, tx *sql.Tx, inst *domain.WorkflowInstance, def domain.WorkflowDefinition, from int, actorID string) (bool, error) {
	for level := from; level <= inst.TotalLevels; level++ {
		lv := def.Levels[level-1]
		// CurrentLevel tracks the level being worked on, including one that
		// fails to resolve: a parked instance resumes exactly here.
		inst.CurrentLevel = level
		if lv.ConditionJSON != nil && lv.Skippable {
			cond, err := ParseCondition(*lv.ConditionJSON)
			if err != nil {
				return false, err
			}
			ok, err := cond.Eval(inst.Metadata)
			if err != nil {
				return false, err
			}
			if !ok {
				if err := e.History.Append(ctx, tx, history.Entry{
					InstanceID: inst.ID,
					Action:     history.ActionLevelSkipped,
					ActorID:    actorID,
					Level:      level,
					Comment:    "activation condition not met",
				}); err != nil {
					return false, err
				}
				continue
			}
		}

		approvers, err := e.resolveApprovers(ctx, lv, *inst, def.ModuleType, e.now())
		if err != nil {
			return false, err
		}
		inst.Status = domain.InstanceInProgress
		if err := e.History.Append(ctx, tx, history.Entry{
			InstanceID: inst.ID,
			Action:     history.ActionLevelActivated,
			ActorID:    actorID,
			Level:      level,
		}); err != nil {
			return false, err
		}
		due := e.dueTime(def)
		if def.Sequential {
			approvers = approvers[:1]
		}
		for i, ra := range approvers {
			if _, err := e.createStep(ctx, tx, *inst, level, i+1, ra, due, false, actorID); err != nil {
				return false, err
			}
		}
		return false, nil
	}
	return true, nil
}

func (e Engine) dueTime(def domain.WorkflowDefinition) *string {
	if !def.Escalation.Enabled {
		return nil
	}
	sla := def.Escalation.SLAMinutes
	if sla <= 0 {
		sla = e.Config.Escalation.DefaultSLAMinutes
	}
	if sla <= 0 {
		return nil
	}
	due := e.now().UTC().Add(time.Duration(sla) * time.Minute).Format(time.RFC3339)
	return &due
}

func (e Engine) createStep(ctx context.Context, tx *sql.Tx, inst domain.WorkflowInstance, level, seq int, ra resolvedApprover, due *string, escalated bool, actorID string) (domain.ApprovalStep, error) {
	s := domain.ApprovalStep{
		ID:         uuid.New().String(),
		InstanceID: inst.ID,
		Level:      level,
		Seq:        seq,
		ApproverID: ra.EmployeeID,
		Status:     domain.StepPending,
		Escalated:  escalated,
		DueAt:      due,
		CreatedAt:  e.nowRFC(),
	}
	if ra.DelegatedFrom != "" {
		s.DelegatedFrom = &ra.DelegatedFrom
	}
	if err := e.Repo.InsertStepTx(ctx, tx, s); err != nil {
		return s, err
	}
	payload := history.Payload{
		"seq":         seq,
		"approver_id": s.ApproverID,
	}
	if s.DelegatedFrom != nil {
		payload["delegated_from"] = *s.DelegatedFrom
	}
	if s.DueAt != nil {
		payload["due_at"] = *s.DueAt
	}
	if escalated {
		payload["escalated"] = true
	}
	if err := e.History.Append(ctx, tx, history.Entry{
		InstanceID: inst.ID,
		Action:     history.ActionStepCreated,
		ActorID:    actorID,
		Level:      level,
		StepID:     s.ID,
		Payload:    payload,
	}); err != nil {
		return s, err
	}
	kind := "step.assigned"
	if escalated {
		kind = "step.escalated"
	}
	if err := e.enqueueNotification(ctx, tx, s.ApproverID, kind,
		fmt.Sprintf("approval requested for %s %s", inst.EntityType, inst.EntityID),
		history.Payload{"instance_id": inst.ID, "step_id": s.ID, "level": level}); err != nil {
		return s, err
	}
	return s, nil
}

func (e Engine) enqueueNotification(ctx context.Context, tx *sql.Tx, recipient, kind, subject string, payload history.Payload) error {
	n := domain.Notification{
		ID:          uuid.New().String(),
		RecipientID: recipient,
		Kind:        kind,
		Subject:     subject,
		CreatedAt:   e.nowRFC(),
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		n.Payload = string(b)
	}
	return e.Repo.InsertNotificationTx(ctx, tx, n)
}

// ActOptions parameterize a step decision.
type ActOptions struct {
	StepID     string
	Action     string
	ActorID    string
	Comment    string
	DelegateTo string
}

// Act applies one approver decision to a step and re-evaluates level and
// instance completion in the same transaction, under the instance lock.
func (e Engine) Act(ctx context.Context, opts ActOptions) (domain.WorkflowInstance, error) {
	if opts.ActorID == "" {
		return domain.WorkflowInstance{}, errors.New("actor required")
	}
	probe, err := e.Repo.GetStep(ctx, opts.StepID)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}

	var inst domain.WorkflowInstance
	err = e.withInstanceTx(ctx, probe.InstanceID, func(tx *sql.Tx) error {
		step, err := e.Repo.GetStepTx(ctx, tx, opts.StepID)
		if err != nil {
			return err
		}
		inst, err = e.Repo.GetInstanceTx(ctx, tx, step.InstanceID)
		if err != nil {
			return err
		}
		if domain.Terminal(inst.Status) {
			return fmt.Errorf("instance %s is %s: %w", inst.ID, inst.Status, ErrInvalidTransition)
		}
		if step.Status != domain.StepPending {
			return fmt.Errorf("step %s is %s: %w", step.ID, step.Status, ErrInvalidTransition)
		}
		def, err := e.Repo.GetDefinition(ctx, inst.DefinitionID)
		if err != nil {
			return err
		}
		if err := e.authorizeActor(ctx, opts.ActorID, step, def.ModuleType); err != nil {
			return err
		}

		switch opts.Action {
		case ActionApprove:
			return e.approveStep(ctx, tx, &inst, def, step, opts)
		case ActionReject:
			return e.rejectStep(ctx, tx, &inst, step, opts)
		case ActionDelegate:
			return e.delegateStep(ctx, tx, &inst, step, opts)
		case ActionSkip:
			return e.skipStep(ctx, tx, &inst, def, step, opts)
		default:
			return fmt.Errorf("unknown action %q", opts.Action)
		}
	})
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	e.fireCallback(ctx, inst)
	return inst, nil
}

// authorizeActor admits the assigned approver or their active delegate.
func (e Engine) authorizeActor(ctx context.Context, actorID string, step domain.ApprovalStep, moduleType string) error {
	if actorID == step.ApproverID {
		return nil
	}
	ok, err := e.isDelegateOf(ctx, actorID, step.ApproverID, moduleType, e.now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("actor %s is not the approver of step %s: %w", actorID, step.ID, ErrInvalidTransition)
	}
	return nil
}

func (e Engine) decideStep(ctx context.Context, tx *sql.Tx, inst domain.WorkflowInstance, step *domain.ApprovalStep, status, action, actorID, comment string) error {
	now := e.nowRFC()
	from := step.Status
	step.Status = status
	step.Comment = comment
	step.DecidedAt = &now
	if err := e.Repo.UpdateStepTx(ctx, tx, *step); err != nil {
		return err
	}
	return e.History.Append(ctx, tx, history.Entry{
		InstanceID: inst.ID,
		Action:     action,
		ActorID:    actorID,
		FromStatus: from,
		ToStatus:   status,
		Level:      step.Level,
		StepID:     step.ID,
		Comment:    comment,
	})
}

func (e Engine) approveStep(ctx context.Context, tx *sql.Tx, inst *domain.WorkflowInstance, def domain.WorkflowDefinition, step domain.ApprovalStep, opts ActOptions) error {
	if err := e.decideStep(ctx, tx, *inst, &step, domain.StepApproved, history.ActionStepApproved, opts.ActorID, opts.Comment); err != nil {
		return err
	}
	// An escalation companion shares the slot with the original step; one
	// approval supersedes the sibling.
	if err := e.skipSlotSiblings(ctx, tx, *inst, step, opts.ActorID); err != nil {
		return err
	}
	return e.evaluateProgress(ctx, tx, inst, def, opts.ActorID)
}

func (e Engine) skipSlotSiblings(ctx context.Context, tx *sql.Tx, inst domain.WorkflowInstance, decided domain.ApprovalStep, actorID string) error {
	steps, err := e.Repo.StepsForInstanceTx(ctx, tx, inst.ID)
	if err != nil {
		return err
	}
	for _, s := range steps {
		if s.ID == decided.ID || s.Level != decided.Level || s.Seq != decided.Seq {
			continue
		}
		if s.Status != domain.StepPending {
			continue
		}
		if err := e.decideStep(ctx, tx, inst, &s, domain.StepSkipped, history.ActionStepSkipped, actorID, "superseded"); err != nil {
			return err
		}
	}
	return nil
}

func (e Engine) rejectStep(ctx context.Context, tx *sql.Tx, inst *domain.WorkflowInstance, step domain.ApprovalStep, opts ActOptions) error {
	if err := e.decideStep(ctx, tx, *inst, &step, domain.StepRejected, history.ActionStepRejected, opts.ActorID, opts.Comment); err != nil {
		return err
	}
	// Short-circuit: one rejection rejects the whole workflow; remaining
	// pending steps are closed out and no further level activates.
	steps, err := e.Repo.StepsForInstanceTx(ctx, tx, inst.ID)
	if err != nil {
		return err
	}
	for _, s := range steps {
		if s.Status != domain.StepPending {
			continue
		}
		if err := e.decideStep(ctx, tx, *inst, &s, domain.StepSkipped, history.ActionStepSkipped, opts.ActorID, "workflow rejected"); err != nil {
			return err
		}
	}
	return e.finalize(ctx, tx, inst, domain.InstanceRejected, opts.ActorID, opts.Comment)
}

func (e Engine) delegateStep(ctx context.Context, tx *sql.Tx, inst *domain.WorkflowInstance, step domain.ApprovalStep, opts ActOptions) error {
	if opts.DelegateTo == "" {
		return errors.New("delegate target required")
	}
	if opts.DelegateTo == step.ApproverID {
		return fmt.Errorf("step %s: cannot delegate to current approver: %w", step.ID, ErrInvalidTransition)
	}
	if err := e.decideStep(ctx, tx, *inst, &step, domain.StepDelegated, history.ActionStepDelegated, opts.ActorID, opts.Comment); err != nil {
		return err
	}
	ra := resolvedApprover{EmployeeID: opts.DelegateTo, DelegatedFrom: step.ApproverID}
	_, err := e.createStep(ctx, tx, *inst, step.Level, step.Seq, ra, step.DueAt, false, opts.ActorID)
	return err
}

func (e Engine) skipStep(ctx context.Context, tx *sql.Tx, inst *domain.WorkflowInstance, def domain.WorkflowDefinition, step domain.ApprovalStep, opts ActOptions) error {
	lv := def.Levels[step.Level-1]
	if !lv.Skippable {
		return fmt.Errorf("level %d is not skippable: %w", step.Level, ErrInvalidTransition)
	}
	if err := e.decideStep(ctx, tx, *inst, &step, domain.StepSkipped, history.ActionStepSkipped, opts.ActorID, opts.Comment); err != nil {
		return err
	}
	return e.evaluateProgress(ctx, tx, inst, def, opts.ActorID)
}

// evaluateProgress decides level completion for the current level and either
// creates the next sequential step, activates the next level, or finalizes
// the instance. Runs inside the same transaction as the decision that
// triggered it.
func (e Engine) evaluateProgress(ctx context.Context, tx *sql.Tx, inst *domain.WorkflowInstance, def domain.WorkflowDefinition, actorID string) error {
	steps, err := e.Repo.StepsForInstanceTx(ctx, tx, inst.ID)
	if err != nil {
		return err
	}
	slots := map[int][]domain.ApprovalStep{}
	maxSeq := 0
	for _, s := range steps {
		if s.Level != inst.CurrentLevel {
			continue
		}
		slots[s.Seq] = append(slots[s.Seq], s)
		if s.Seq > maxSeq {
			maxSeq = s.Seq
		}
	}
	for _, slot := range slots {
		for _, s := range slot {
			if s.Status == domain.StepPending {
				// Level still open.
				inst.UpdatedAt = e.nowRFC()
				return e.Repo.UpdateInstanceTx(ctx, tx, *inst)
			}
		}
	}

	if def.Sequential {
		lv := def.Levels[inst.CurrentLevel-1]
		approvers, err := e.resolveApprovers(ctx, lv, *inst, def.ModuleType, e.now())
		if err != nil {
			return err
		}
		if maxSeq < len(approvers) {
			_, err := e.createStep(ctx, tx, *inst, inst.CurrentLevel, maxSeq+1, approvers[maxSeq], e.dueTime(def), false, actorID)
			if err != nil {
				return err
			}
			inst.UpdatedAt = e.nowRFC()
			return e.Repo.UpdateInstanceTx(ctx, tx, *inst)
		}
	}

	if inst.CurrentLevel < inst.TotalLevels {
		done, err := e.activateLevels(ctx, tx, inst, def, inst.CurrentLevel+1, actorID)
		if err != nil {
			if errors.Is(err, ErrUnresolvableApprover) {
				if rerr := e.recordUnresolved(ctx, tx, *inst, err); rerr != nil {
					return rerr
				}
				inst.UpdatedAt = e.nowRFC()
				return e.Repo.UpdateInstanceTx(ctx, tx, *inst)
			}
			return err
		}
		if done {
			return e.finalize(ctx, tx, inst, domain.InstanceApproved, actorID, "")
		}
		inst.UpdatedAt = e.nowRFC()
		return e.Repo.UpdateInstanceTx(ctx, tx, *inst)
	}

	if !def.AutoComplete {
		// Final level satisfied but the definition wants an explicit
		// completion; the instance stays in progress until Complete.
		inst.UpdatedAt = e.nowRFC()
		return e.Repo.UpdateInstanceTx(ctx, tx, *inst)
	}
	return e.finalize(ctx, tx, inst, domain.InstanceApproved, actorID, "")
}

// finalize performs the terminal transition and records it. Terminal states
// are immutable, so a second finalize on the same instance is rejected.
func (e Engine) finalize(ctx context.Context, tx *sql.Tx, inst *domain.WorkflowInstance, toStatus, actorID, comment string) error {
	if domain.Terminal(inst.Status) {
		return fmt.Errorf("instance %s already %s: %w", inst.ID, inst.Status, ErrInvalidTransition)
	}
	from := inst.Status
	now := e.nowRFC()
	inst.Status = toStatus
	inst.UpdatedAt = now
	inst.CompletedAt = &now
	if err := e.Repo.UpdateInstanceTx(ctx, tx, *inst); err != nil {
		return err
	}
	action := history.ActionWorkflowApproved
	switch toStatus {
	case domain.InstanceRejected:
		action = history.ActionWorkflowRejected
	case domain.InstanceCancelled:
		action = history.ActionWorkflowCancelled
	}
	if err := e.History.Append(ctx, tx, history.Entry{
		InstanceID: inst.ID,
		Action:     action,
		ActorID:    actorID,
		FromStatus: from,
		ToStatus:   toStatus,
		Level:      inst.CurrentLevel,
		Comment:    comment,
	}); err != nil {
		return err
	}
	return e.enqueueNotification(ctx, tx, inst.InitiatorID, "workflow.completed",
		fmt.Sprintf("%s %s %s", inst.EntityType, inst.EntityID, toStatus),
		history.Payload{"instance_id": inst.ID, "status": toStatus})
}

// fireCallback notifies the entity owner after a terminal transition has
// committed. The transition itself guarantees at-most-once: only the call
// that moved the instance out of a live status reaches this with a terminal
// snapshot it produced.
func (e Engine) fireCallback(ctx context.Context, inst domain.WorkflowInstance) {
	if e.Callback == nil || !domain.Terminal(inst.Status) {
		return
	}
	e.Callback.OnWorkflowCompleted(ctx, inst.Ref(), inst.Status)
}

// Cancel aborts a live instance. Only the initiator or an org workflow
// admin may cancel; the engine never cancels on its own.
func (e Engine) Cancel(ctx context.Context, instanceID, actorID, reason string) (domain.WorkflowInstance, error) {
	if actorID == "" {
		return domain.WorkflowInstance{}, errors.New("actor required")
	}
	var inst domain.WorkflowInstance
	err := e.withInstanceTx(ctx, instanceID, func(tx *sql.Tx) error {
		var err error
		inst, err = e.Repo.GetInstanceTx(ctx, tx, instanceID)
		if err != nil {
			return err
		}
		if domain.Terminal(inst.Status) {
			return fmt.Errorf("instance %s is %s: %w", inst.ID, inst.Status, ErrInvalidTransition)
		}
		if actorID != inst.InitiatorID {
			admin, err := e.Repo.HasOrgRole(ctx, inst.OrgID, actorID, e.adminRole())
			if err != nil {
				return err
			}
			if !admin {
				return fmt.Errorf("actor %s may not cancel instance %s: %w", actorID, inst.ID, ErrInvalidTransition)
			}
		}
		steps, err := e.Repo.StepsForInstanceTx(ctx, tx, inst.ID)
		if err != nil {
			return err
		}
		for _, s := range steps {
			if s.Status != domain.StepPending {
				continue
			}
			if err := e.decideStep(ctx, tx, inst, &s, domain.StepSkipped, history.ActionStepSkipped, actorID, "workflow cancelled"); err != nil {
				return err
			}
		}
		return e.finalize(ctx, tx, &inst, domain.InstanceCancelled, actorID, reason)
	})
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	e.fireCallback(ctx, inst)
	return inst, nil
}

// Resume retries level activation for an instance parked because an approver
// could not be resolved, whether that happened at start or mid-flow.
func (e Engine) Resume(ctx context.Context, instanceID, actorID string) (domain.WorkflowInstance, error) {
	var inst domain.WorkflowInstance
	err := e.withInstanceTx(ctx, instanceID, func(tx *sql.Tx) error {
		var err error
		inst, err = e.Repo.GetInstanceTx(ctx, tx, instanceID)
		if err != nil {
			return err
		}
		if domain.Terminal(inst.Status) {
			return fmt.Errorf("instance %s is %s: %w", inst.ID, inst.Status, ErrInvalidTransition)
		}
		// A parked instance has no live steps and nothing created at the level
		// it is stuck on. Anything else is not awaiting activation.
		steps, err := e.Repo.StepsForInstanceTx(ctx, tx, inst.ID)
		if err != nil {
			return err
		}
		for _, s := range steps {
			if s.Status == domain.StepPending {
				return fmt.Errorf("instance %s has actionable steps: %w", inst.ID, ErrInvalidTransition)
			}
			if s.Level >= inst.CurrentLevel {
				return fmt.Errorf("instance %s is not awaiting activation: %w", inst.ID, ErrInvalidTransition)
			}
		}
		def, err := e.Repo.GetDefinition(ctx, inst.DefinitionID)
		if err != nil {
			return err
		}
		done, err := e.activateLevels(ctx, tx, &inst, def, inst.CurrentLevel, actorID)
		if err != nil {
			return err
		}
		if done {
			return e.finalize(ctx, tx, &inst, domain.InstanceApproved, actorID, "all levels skipped")
		}
		return e.Repo.UpdateInstanceTx(ctx, tx, inst)
	})
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	e.fireCallback(ctx, inst)
	return inst, nil
}

// Complete closes an instance whose definition has auto_complete disabled,
// once every level is satisfied. Admin only.
func (e Engine) Complete(ctx context.Context, instanceID, actorID string) (domain.WorkflowInstance, error) {
	var inst domain.WorkflowInstance
	err := e.withInstanceTx(ctx, instanceID, func(tx *sql.Tx) error {
		var err error
		inst, err = e.Repo.GetInstanceTx(ctx, tx, instanceID)
		if err != nil {
			return err
		}
		if inst.Status != domain.InstanceInProgress || inst.CurrentLevel != inst.TotalLevels {
			return fmt.Errorf("instance %s not ready for completion: %w", inst.ID, ErrInvalidTransition)
		}
		admin, err := e.Repo.HasOrgRole(ctx, inst.OrgID, actorID, e.adminRole())
		if err != nil {
			return err
		}
		if !admin {
			return fmt.Errorf("actor %s may not complete instance %s: %w", actorID, inst.ID, ErrInvalidTransition)
		}
		steps, err := e.Repo.StepsForInstanceTx(ctx, tx, inst.ID)
		if err != nil {
			return err
		}
		for _, s := range steps {
			if s.Status == domain.StepPending {
				return fmt.Errorf("step %s still pending: %w", s.ID, ErrInvalidTransition)
			}
		}
		return e.finalize(ctx, tx, &inst, domain.InstanceApproved, actorID, "")
	})
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	e.fireCallback(ctx, inst)
	return inst, nil
}

// EscalateOverdue escalates pending steps past their due time, at most once
// per step, in bounded batches. Each step is handled under its instance lock
// so a concurrent scheduler run cannot double-escalate. Returns the IDs of
// steps escalated in this pass.
func (e Engine) EscalateOverdue(ctx context.Context, batch int) ([]string, []error) {
	if batch <= 0 {
		batch = 100
	}
	overdue, err := e.Repo.OverdueSteps(ctx, e.nowRFC(), batch)
	if err != nil {
		return nil, []error{err}
	}
	var escalated []string
	var errs []error
	for _, candidate := range overdue {
		id, err := e.escalateStep(ctx, candidate.ID)
		if err != nil {
			if !errors.Is(err, ErrInvalidTransition) {
				errs = append(errs, fmt.Errorf("step %s: %w", candidate.ID, err))
			}
			continue
		}
		if id != "" {
			escalated = append(escalated, id)
		}
	}
	return escalated, errs
}

func (e Engine) escalateStep(ctx context.Context, stepID string) (string, error) {
	probe, err := e.Repo.GetStep(ctx, stepID)
	if err != nil {
		return "", err
	}
	var escalatedID string
	err = e.withInstanceTx(ctx, probe.InstanceID, func(tx *sql.Tx) error {
		step, err := e.Repo.GetStepTx(ctx, tx, stepID)
		if err != nil {
			return err
		}
		// Re-check under the lock: the step may have been decided or
		// escalated since the scan.
		if step.Status != domain.StepPending || step.EscalatedAt != nil {
			return nil
		}
		inst, err := e.Repo.GetInstanceTx(ctx, tx, step.InstanceID)
		if err != nil {
			return err
		}
		if domain.Terminal(inst.Status) {
			return nil
		}
		target, err := e.escalationTarget(ctx, inst.OrgID, step.ApproverID, e.fallbackRole())
		if err != nil {
			return err
		}
		now := e.nowRFC()
		step.EscalatedAt = &now
		if err := e.Repo.UpdateStepTx(ctx, tx, step); err != nil {
			return err
		}
		if err := e.History.Append(ctx, tx, history.Entry{
			InstanceID: inst.ID,
			Action:     history.ActionStepEscalated,
			ActorID:    "scheduler",
			Level:      step.Level,
			StepID:     step.ID,
			Payload:    history.Payload{"target": target},
		}); err != nil {
			return err
		}
		companion, err := e.createStep(ctx, tx, inst, step.Level, step.Seq,
			resolvedApprover{EmployeeID: target}, nil, true, "scheduler")
		if err != nil {
			return err
		}
		escalatedID = companion.ID
		return nil
	})
	return escalatedID, err
}

func (e Engine) fallbackRole() string {
	if e.Config != nil && e.Config.Escalation.FallbackRole != "" {
		return e.Config.Escalation.FallbackRole
	}
	return "hr-admin"
}

func (e Engine) adminRole() string {
	if e.Config != nil && e.Config.AdminRole != "" {
		return e.Config.AdminRole
	}
	return "workflow-admin"
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "constraint")
}
