package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"greenlight/internal/config"
	"greenlight/internal/db"
	"greenlight/internal/directory"
	"greenlight/internal/domain"
	"greenlight/internal/engine"
	"greenlight/internal/history"
	"greenlight/internal/migrate"
)

type callbackRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (c *callbackRecorder) OnWorkflowCompleted(_ context.Context, ref domain.EntityRef, finalStatus string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, ref.Type+"/"+ref.ID+":"+finalStatus)
}

func (c *callbackRecorder) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type testEnv struct {
	Engine   engine.Engine
	Ctx      context.Context
	Callback *callbackRecorder
	now      *time.Time
}

func (env *testEnv) advance(d time.Duration) {
	*env.now = env.now.Add(d)
}

// newTestEnv opens a temp-dir database and seeds a small org chart:
// alice reports to bob, bob reports to carol, carol heads engineering,
// dana holds hr-admin and workflow-admin, erin and frank hold reviewers.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("acme")
	eng := engine.New(conn, directory.SQL{DB: conn}, cfg)
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	env := &testEnv{Ctx: context.Background(), Callback: &callbackRecorder{}, now: &now}
	eng.Now = func() time.Time { return *env.now }
	eng.Callback = env.Callback
	env.Engine = eng

	tx, err := conn.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin seed tx: %v", err)
	}
	ts := now.Format(time.RFC3339)
	if err := eng.Repo.EnsureOrg(env.Ctx, tx, "acme", "Acme", ts); err != nil {
		t.Fatalf("seed org: %v", err)
	}
	engDept := "eng"
	employees := []domain.Employee{
		{ID: "carol", OrgID: "acme", Name: "Carol", DepartmentID: &engDept},
		{ID: "bob", OrgID: "acme", Name: "Bob", ManagerID: ptr("carol"), DepartmentID: &engDept},
		{ID: "alice", OrgID: "acme", Name: "Alice", ManagerID: ptr("bob"), DepartmentID: &engDept},
		{ID: "dana", OrgID: "acme", Name: "Dana"},
		{ID: "erin", OrgID: "acme", Name: "Erin"},
		{ID: "frank", OrgID: "acme", Name: "Frank"},
	}
	for _, emp := range employees {
		emp.CreatedAt = ts
		if err := eng.Repo.UpsertEmployee(env.Ctx, tx, emp); err != nil {
			t.Fatalf("seed employee %s: %v", emp.ID, err)
		}
	}
	if err := eng.Repo.UpsertDepartment(env.Ctx, tx, domain.Department{
		ID: "eng", OrgID: "acme", Name: "Engineering", HeadID: ptr("carol"),
	}); err != nil {
		t.Fatalf("seed department: %v", err)
	}
	roles := map[string][]string{
		"dana":  {"hr-admin", "workflow-admin"},
		"erin":  {"reviewers"},
		"frank": {"reviewers"},
	}
	for emp, rs := range roles {
		for _, r := range rs {
			if err := eng.Repo.AssignOrgRole(env.Ctx, tx, "acme", emp, r); err != nil {
				t.Fatalf("seed role %s/%s: %v", emp, r, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit seed: %v", err)
	}
	return env
}

func ptr(s string) *string { return &s }

func (env *testEnv) importDefinition(t *testing.T, def domain.WorkflowDefinition) domain.WorkflowDefinition {
	t.Helper()
	def.OrgID = "acme"
	if def.Name == "" {
		def.Name = def.ModuleType + " approvals"
	}
	out, err := env.Engine.ImportDefinition(env.Ctx, def)
	if err != nil {
		t.Fatalf("import definition: %v", err)
	}
	return out
}

func (env *testEnv) start(t *testing.T, defID, entityID, initiator string, metadata map[string]any) domain.WorkflowInstance {
	t.Helper()
	inst, err := env.Engine.Start(env.Ctx, engine.StartOptions{
		DefinitionID: defID,
		EntityType:   "leave_request",
		EntityID:     entityID,
		InitiatorID:  initiator,
		Metadata:     metadata,
	})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}
	return inst
}

func (env *testEnv) pendingSteps(t *testing.T, instanceID string) []domain.ApprovalStep {
	t.Helper()
	steps, err := env.Engine.Repo.StepsForInstance(env.Ctx, instanceID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	var pending []domain.ApprovalStep
	for _, s := range steps {
		if s.Status == domain.StepPending {
			pending = append(pending, s)
		}
	}
	return pending
}

func (env *testEnv) act(t *testing.T, stepID, action, actor string) domain.WorkflowInstance {
	t.Helper()
	inst, err := env.Engine.Act(env.Ctx, engine.ActOptions{StepID: stepID, Action: action, ActorID: actor})
	if err != nil {
		t.Fatalf("%s step %s as %s: %v", action, stepID, actor, err)
	}
	return inst
}

func twoLevelManagerChain() domain.WorkflowDefinition {
	return domain.WorkflowDefinition{
		ModuleType:   "leave_request",
		AutoComplete: true,
		Levels: []domain.ApprovalLevel{
			{Level: 1, ApproverKind: domain.ApproverReportingManager, Mandatory: true},
			{Level: 2, ApproverKind: domain.ApproverDepartmentHead, Mandatory: true},
		},
	}
}

func TestSequentialTwoLevelApproval(t *testing.T) {
	env := newTestEnv(t)
	def := env.importDefinition(t, twoLevelManagerChain())

	inst := env.start(t, def.ID, "lr-1", "alice", nil)
	if inst.Status != domain.InstanceInProgress || inst.CurrentLevel != 1 {
		t.Fatalf("after start: status=%s level=%d", inst.Status, inst.CurrentLevel)
	}

	pending := env.pendingSteps(t, inst.ID)
	if len(pending) != 1 || pending[0].ApproverID != "bob" {
		t.Fatalf("expected one pending step for bob, got %+v", pending)
	}
	inst = env.act(t, pending[0].ID, engine.ActionApprove, "bob")
	if inst.Status != domain.InstanceInProgress || inst.CurrentLevel != 2 {
		t.Fatalf("after level 1: status=%s level=%d", inst.Status, inst.CurrentLevel)
	}

	pending = env.pendingSteps(t, inst.ID)
	if len(pending) != 1 || pending[0].ApproverID != "carol" {
		t.Fatalf("expected pending step for carol, got %+v", pending)
	}
	inst = env.act(t, pending[0].ID, engine.ActionApprove, "carol")
	if inst.Status != domain.InstanceApproved {
		t.Fatalf("expected approved, got %s", inst.Status)
	}
	if inst.CompletedAt == nil {
		t.Fatalf("completed_at not set")
	}
	if env.Callback.count() != 1 {
		t.Fatalf("expected exactly one callback, got %d", env.Callback.count())
	}
	if got := env.Callback.calls[0]; got != "leave_request/lr-1:approved" {
		t.Fatalf("callback payload: %s", got)
	}

	entries, err := env.Engine.Repo.HistoryForInstance(env.Ctx, inst.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if entries[0].Action != history.ActionWorkflowStarted {
		t.Fatalf("first entry %s", entries[0].Action)
	}
	if entries[len(entries)-1].Action != history.ActionWorkflowApproved {
		t.Fatalf("last entry %s", entries[len(entries)-1].Action)
	}
}

func TestRejectionShortCircuits(t *testing.T) {
	env := newTestEnv(t)
	def := env.importDefinition(t, domain.WorkflowDefinition{
		ModuleType:   "expense",
		AutoComplete: true,
		Levels: []domain.ApprovalLevel{
			{Level: 1, ApproverKind: domain.ApproverCustomRole, ApproverRef: ptr("reviewers"), Mandatory: true},
			{Level: 2, ApproverKind: domain.ApproverDepartmentHead, Mandatory: true},
		},
	})

	inst := env.start(t, def.ID, "exp-1", "alice", nil)
	pending := env.pendingSteps(t, inst.ID)
	if len(pending) != 2 {
		t.Fatalf("expected role fan-out to 2 steps, got %d", len(pending))
	}

	inst = env.act(t, pending[0].ID, engine.ActionReject, "erin")
	if inst.Status != domain.InstanceRejected {
		t.Fatalf("expected rejected, got %s", inst.Status)
	}
	steps, err := env.Engine.Repo.StepsForInstance(env.Ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range steps {
		if s.Status == domain.StepPending {
			t.Fatalf("step %s left pending after rejection", s.ID)
		}
		if s.ID == pending[1].ID && s.Status != domain.StepSkipped {
			t.Fatalf("sibling step not skipped: %s", s.Status)
		}
	}
	if len(env.pendingSteps(t, inst.ID)) != 0 {
		t.Fatalf("level 2 must not activate after rejection")
	}
	if env.Callback.count() != 1 || env.Callback.calls[0] != "leave_request/exp-1:rejected" {
		t.Fatalf("callback calls: %v", env.Callback.calls)
	}
}

func TestParallelRoleNeedsAllApprovals(t *testing.T) {
	env := newTestEnv(t)
	def := env.importDefinition(t, domain.WorkflowDefinition{
		ModuleType:   "expense",
		AutoComplete: true,
		Levels: []domain.ApprovalLevel{
			{Level: 1, ApproverKind: domain.ApproverCustomRole, ApproverRef: ptr("reviewers"), Mandatory: true},
		},
	})

	inst := env.start(t, def.ID, "exp-2", "alice", nil)
	pending := env.pendingSteps(t, inst.ID)
	if len(pending) != 2 {
		t.Fatalf("expected 2 parallel steps, got %d", len(pending))
	}

	inst = env.act(t, pending[0].ID, engine.ActionApprove, pending[0].ApproverID)
	if inst.Status != domain.InstanceInProgress {
		t.Fatalf("one of two approvals must not complete the level, got %s", inst.Status)
	}
	inst = env.act(t, pending[1].ID, engine.ActionApprove, pending[1].ApproverID)
	if inst.Status != domain.InstanceApproved {
		t.Fatalf("expected approved after both, got %s", inst.Status)
	}
}

func TestSequentialRoleFanOut(t *testing.T) {
	env := newTestEnv(t)
	def := env.importDefinition(t, domain.WorkflowDefinition{
		ModuleType:   "expense",
		Sequential:   true,
		AutoComplete: true,
		Levels: []domain.ApprovalLevel{
			{Level: 1, ApproverKind: domain.ApproverCustomRole, ApproverRef: ptr("reviewers"), Mandatory: true},
		},
	})

	inst := env.start(t, def.ID, "exp-3", "alice", nil)
	pending := env.pendingSteps(t, inst.ID)
	if len(pending) != 1 || pending[0].Seq != 1 {
		t.Fatalf("sequential level must open one step at a time, got %+v", pending)
	}
	first := pending[0].ApproverID

	inst = env.act(t, pending[0].ID, engine.ActionApprove, first)
	if inst.Status != domain.InstanceInProgress {
		t.Fatalf("expected second approver still outstanding, got %s", inst.Status)
	}
	pending = env.pendingSteps(t, inst.ID)
	if len(pending) != 1 || pending[0].Seq != 2 || pending[0].ApproverID == first {
		t.Fatalf("expected seq 2 step for the other reviewer, got %+v", pending)
	}
	inst = env.act(t, pending[0].ID, engine.ActionApprove, pending[0].ApproverID)
	if inst.Status != domain.InstanceApproved {
		t.Fatalf("expected approved, got %s", inst.Status)
	}
}

func TestDuplicateLiveWorkflow(t *testing.T) {
	env := newTestEnv(t)
	def := env.importDefinition(t, twoLevelManagerChain())

	inst := env.start(t, def.ID, "lr-dup", "alice", nil)
	_, err := env.Engine.Start(env.Ctx, engine.StartOptions{
		DefinitionID: def.ID,
		EntityType:   "leave_request",
		EntityID:     "lr-dup",
		InitiatorID:  "alice",
	})
	if !errors.Is(err, engine.ErrDuplicateWorkflow) {
		t.Fatalf("expected ErrDuplicateWorkflow, got %v", err)
	}

	// A terminal instance frees the entity for a new workflow.
	if _, err := env.Engine.Cancel(env.Ctx, inst.ID, "alice", "resubmitting"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	env.start(t, def.ID, "lr-dup", "alice", nil)
}

func TestConditionalLevelAutoSkip(t *testing.T) {
	env := newTestEnv(t)
	cond := `{"field":"amount","op":"gte","value":1000}`
	def := env.importDefinition(t, domain.WorkflowDefinition{
		ModuleType:   "expense",
		AutoComplete: true,
		Levels: []domain.ApprovalLevel{
			{Level: 1, ApproverKind: domain.ApproverReportingManager, Mandatory: true},
			{Level: 2, ApproverKind: domain.ApproverDepartmentHead, Skippable: true, ConditionJSON: &cond},
		},
	})

	// Below the threshold the second level is skipped at activation.
	small := env.start(t, def.ID, "exp-small", "alice", map[string]any{"amount": 500})
	pending := env.pendingSteps(t, small.ID)
	small = env.act(t, pending[0].ID, engine.ActionApprove, "bob")
	if small.Status != domain.InstanceApproved {
		t.Fatalf("expected approved after skipped level, got %s", small.Status)
	}
	entries, err := env.Engine.Repo.HistoryForInstance(env.Ctx, small.ID)
	if err != nil {
		t.Fatal(err)
	}
	var skipped bool
	for _, e := range entries {
		if e.Action == history.ActionLevelSkipped && e.Level == 2 {
			skipped = true
		}
	}
	if !skipped {
		t.Fatalf("level.skipped entry missing")
	}

	// At or above the threshold the level activates normally.
	big := env.start(t, def.ID, "exp-big", "alice", map[string]any{"amount": 2000})
	pending = env.pendingSteps(t, big.ID)
	big = env.act(t, pending[0].ID, engine.ActionApprove, "bob")
	if big.Status != domain.InstanceInProgress || big.CurrentLevel != 2 {
		t.Fatalf("expected level 2 active, got status=%s level=%d", big.Status, big.CurrentLevel)
	}
	pending = env.pendingSteps(t, big.ID)
	if len(pending) != 1 || pending[0].ApproverID != "carol" {
		t.Fatalf("expected carol at level 2, got %+v", pending)
	}
}

func TestManualSkip(t *testing.T) {
	env := newTestEnv(t)
	def := env.importDefinition(t, domain.WorkflowDefinition{
		ModuleType:   "expense",
		AutoComplete: true,
		Levels: []domain.ApprovalLevel{
			{Level: 1, ApproverKind: domain.ApproverReportingManager, Mandatory: true},
			{Level: 2, ApproverKind: domain.ApproverDepartmentHead, Skippable: true},
		},
	})

	inst := env.start(t, def.ID, "exp-skip", "alice", nil)
	pending := env.pendingSteps(t, inst.ID)

	// Level 1 is mandatory, skip must be refused.
	_, err := env.Engine.Act(env.Ctx, engine.ActOptions{StepID: pending[0].ID, Action: engine.ActionSkip, ActorID: "bob"})
	if !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for mandatory level, got %v", err)
	}

	inst = env.act(t, pending[0].ID, engine.ActionApprove, "bob")
	pending = env.pendingSteps(t, inst.ID)
	inst = env.act(t, pending[0].ID, engine.ActionSkip, "carol")
	if inst.Status != domain.InstanceApproved {
		t.Fatalf("expected approved after manual skip, got %s", inst.Status)
	}
}

func TestDelegationRuleSubstitution(t *testing.T) {
	env := newTestEnv(t)
	def := env.importDefinition(t, twoLevelManagerChain())

	from := env.now.Add(-time.Hour).Format(time.RFC3339)
	to := env.now.Add(48 * time.Hour).Format(time.RFC3339)
	err := env.Engine.Repo.InsertDelegation(env.Ctx, domain.DelegationRule{
		ID: "del-1", OrgID: "acme", DelegatorID: "bob", DelegateID: "dana",
		EffectiveFrom: from, EffectiveTo: to, CreatedAt: from,
	})
	if err != nil {
		t.Fatalf("insert delegation: %v", err)
	}

	inst := env.start(t, def.ID, "lr-del", "alice", nil)
	pending := env.pendingSteps(t, inst.ID)
	if len(pending) != 1 || pending[0].ApproverID != "dana" {
		t.Fatalf("expected step assigned to delegate dana, got %+v", pending)
	}
	if pending[0].DelegatedFrom == nil || *pending[0].DelegatedFrom != "bob" {
		t.Fatalf("delegated_from not recorded: %+v", pending[0])
	}
	inst = env.act(t, pending[0].ID, engine.ActionApprove, "dana")
	if inst.CurrentLevel != 2 {
		t.Fatalf("expected level 2 after delegate approval, got %d", inst.CurrentLevel)
	}
}

func TestManualDelegate(t *testing.T) {
	env := newTestEnv(t)
	def := env.importDefinition(t, twoLevelManagerChain())

	inst := env.start(t, def.ID, "lr-md", "alice", nil)
	pending := env.pendingSteps(t, inst.ID)
	original := pending[0]

	_, err := env.Engine.Act(env.Ctx, engine.ActOptions{
		StepID: original.ID, Action: engine.ActionDelegate, ActorID: "bob", DelegateTo: "dana",
	})
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}

	steps, err := env.Engine.Repo.StepsForInstance(env.Ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	var handoff *domain.ApprovalStep
	for i, s := range steps {
		if s.ID == original.ID && s.Status != domain.StepDelegated {
			t.Fatalf("original step status %s", s.Status)
		}
		if s.ID != original.ID && s.Level == original.Level {
			handoff = &steps[i]
		}
	}
	if handoff == nil || handoff.ApproverID != "dana" || handoff.Seq != original.Seq {
		t.Fatalf("expected handoff step for dana in the same slot, got %+v", handoff)
	}
	if handoff.DelegatedFrom == nil || *handoff.DelegatedFrom != "bob" {
		t.Fatalf("delegated_from not recorded on handoff step")
	}
	inst = env.act(t, handoff.ID, engine.ActionApprove, "dana")
	if inst.CurrentLevel != 2 {
		t.Fatalf("expected level 2 after handoff approval, got %d", inst.CurrentLevel)
	}
}

func TestUnresolvedApproverParksInstance(t *testing.T) {
	env := newTestEnv(t)
	def := env.importDefinition(t, twoLevelManagerChain())

	// erin has no manager, so level 1 cannot resolve.
	inst := env.start(t, def.ID, "lr-lost", "erin", nil)
	if inst.Status != domain.InstancePending {
		t.Fatalf("expected instance parked pending, got %s", inst.Status)
	}
	if len(env.pendingSteps(t, inst.ID)) != 0 {
		t.Fatalf("no step should exist while unresolved")
	}

	entries, err := env.Engine.Repo.HistoryForInstance(env.Ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	var alerted bool
	for _, e := range entries {
		if e.Action == history.ActionApproverUnresolved {
			alerted = true
		}
	}
	if !alerted {
		t.Fatalf("approver.unresolved entry missing")
	}
	notifs, err := env.Engine.Repo.QueuedNotifications(env.Ctx, 50)
	if err != nil {
		t.Fatal(err)
	}
	var adminAlert bool
	for _, n := range notifs {
		if n.Kind == "approver.unresolved" && n.RecipientID == "dana" {
			adminAlert = true
		}
	}
	if !adminAlert {
		t.Fatalf("fallback role members not alerted: %+v", notifs)
	}

	// Fix the org chart and retry.
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Repo.UpsertEmployee(env.Ctx, tx, domain.Employee{
		ID: "erin", OrgID: "acme", Name: "Erin", ManagerID: ptr("carol"),
		CreatedAt: env.now.Format(time.RFC3339),
	}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	inst, err = env.Engine.Resume(env.Ctx, inst.ID, "dana")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if inst.Status != domain.InstanceInProgress {
		t.Fatalf("expected in_progress after resume, got %s", inst.Status)
	}
	pending := env.pendingSteps(t, inst.ID)
	if len(pending) != 1 || pending[0].ApproverID != "carol" {
		t.Fatalf("expected step for carol after resume, got %+v", pending)
	}
}

func TestUnresolvedApproverMidFlow(t *testing.T) {
	env := newTestEnv(t)
	def := env.importDefinition(t, domain.WorkflowDefinition{
		ModuleType:   "expense",
		AutoComplete: true,
		Levels: []domain.ApprovalLevel{
			{Level: 1, ApproverKind: domain.ApproverReportingManager, Mandatory: true},
			{Level: 2, ApproverKind: domain.ApproverCustomRole, ApproverRef: ptr("finance"), Mandatory: true},
		},
	})

	inst := env.start(t, def.ID, "exp-mid", "alice", nil)

	// An instance with live steps is not resumable.
	if _, err := env.Engine.Resume(env.Ctx, inst.ID, "dana"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("resume with actionable steps: expected ErrInvalidTransition, got %v", err)
	}

	// Nobody holds finance, so approving level 1 parks the instance at
	// level 2 instead of activating it.
	step := env.pendingSteps(t, inst.ID)[0]
	inst = env.act(t, step.ID, engine.ActionApprove, "bob")
	if inst.Status != domain.InstanceInProgress || inst.CurrentLevel != 2 {
		t.Fatalf("after park: status=%s level=%d", inst.Status, inst.CurrentLevel)
	}
	if len(env.pendingSteps(t, inst.ID)) != 0 {
		t.Fatalf("no step should exist for the unresolved level")
	}

	// Resume keeps failing while the role is still empty.
	if _, err := env.Engine.Resume(env.Ctx, inst.ID, "dana"); !errors.Is(err, engine.ErrUnresolvableApprover) {
		t.Fatalf("resume while unresolved: expected ErrUnresolvableApprover, got %v", err)
	}

	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Repo.AssignOrgRole(env.Ctx, tx, "acme", "dana", "finance"); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	inst, err = env.Engine.Resume(env.Ctx, inst.ID, "dana")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if inst.Status != domain.InstanceInProgress || inst.CurrentLevel != 2 {
		t.Fatalf("after resume: status=%s level=%d", inst.Status, inst.CurrentLevel)
	}
	pending := env.pendingSteps(t, inst.ID)
	if len(pending) != 1 || pending[0].ApproverID != "dana" || pending[0].Level != 2 {
		t.Fatalf("expected level 2 step for dana, got %+v", pending)
	}
	inst = env.act(t, pending[0].ID, engine.ActionApprove, "dana")
	if inst.Status != domain.InstanceApproved {
		t.Fatalf("expected approved, got %s", inst.Status)
	}
	if env.Callback.count() != 1 {
		t.Fatalf("expected one callback, got %d", env.Callback.count())
	}
}

func TestResumeDoesNotRepeatSkippedLevels(t *testing.T) {
	env := newTestEnv(t)
	cond := `{"field":"amount","op":"gte","value":1000}`
	def := env.importDefinition(t, domain.WorkflowDefinition{
		ModuleType:   "expense",
		AutoComplete: true,
		Levels: []domain.ApprovalLevel{
			{Level: 1, ApproverKind: domain.ApproverReportingManager, Skippable: true, ConditionJSON: &cond},
			{Level: 2, ApproverKind: domain.ApproverCustomRole, ApproverRef: ptr("finance"), Mandatory: true},
		},
	})

	// Level 1 is skipped at start, level 2 cannot resolve: the instance
	// parks with its level already advanced past the skip.
	inst := env.start(t, def.ID, "exp-park", "alice", map[string]any{"amount": 250})
	if inst.Status != domain.InstancePending || inst.CurrentLevel != 2 {
		t.Fatalf("after start: status=%s level=%d", inst.Status, inst.CurrentLevel)
	}

	countSkips := func() int {
		t.Helper()
		entries, err := env.Engine.Repo.HistoryForInstance(env.Ctx, inst.ID)
		if err != nil {
			t.Fatal(err)
		}
		n := 0
		for _, e := range entries {
			if e.Action == history.ActionLevelSkipped {
				n++
			}
		}
		return n
	}
	if got := countSkips(); got != 1 {
		t.Fatalf("expected one level.skipped after start, got %d", got)
	}

	// A failed resume leaves the trail untouched.
	if _, err := env.Engine.Resume(env.Ctx, inst.ID, "dana"); !errors.Is(err, engine.ErrUnresolvableApprover) {
		t.Fatalf("resume while unresolved: expected ErrUnresolvableApprover, got %v", err)
	}
	if got := countSkips(); got != 1 {
		t.Fatalf("failed resume changed skip count to %d", got)
	}

	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Repo.AssignOrgRole(env.Ctx, tx, "acme", "dana", "finance"); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	inst, err = env.Engine.Resume(env.Ctx, inst.ID, "dana")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := countSkips(); got != 1 {
		t.Fatalf("resume re-skipped level 1: %d level.skipped entries", got)
	}

	// The log stays replayable into the stored state.
	entries, err := env.Engine.Repo.HistoryForInstance(env.Ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	replayed, _, err := history.Replay(entries)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replayed.Status != inst.Status || replayed.CurrentLevel != inst.CurrentLevel {
		t.Fatalf("replayed status=%s level=%d, want %s/%d",
			replayed.Status, replayed.CurrentLevel, inst.Status, inst.CurrentLevel)
	}
}

func TestConcurrentApprovalsSingleCallback(t *testing.T) {
	env := newTestEnv(t)
	def := env.importDefinition(t, domain.WorkflowDefinition{
		ModuleType:   "expense",
		AutoComplete: true,
		Levels: []domain.ApprovalLevel{
			{Level: 1, ApproverKind: domain.ApproverCustomRole, ApproverRef: ptr("reviewers"), Mandatory: true},
		},
	})

	inst := env.start(t, def.ID, "exp-race", "alice", nil)
	pending := env.pendingSteps(t, inst.ID)
	if len(pending) != 2 {
		t.Fatalf("expected 2 parallel steps, got %d", len(pending))
	}

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		approved   int
		unexpected []error
	)
	for _, s := range pending {
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func(stepID, actor string) {
				defer wg.Done()
				for {
					_, err := env.Engine.Act(env.Ctx, engine.ActOptions{
						StepID: stepID, Action: engine.ActionApprove, ActorID: actor,
					})
					if errors.Is(err, engine.ErrConcurrentModification) {
						continue
					}
					mu.Lock()
					if err == nil {
						approved++
					} else if !errors.Is(err, engine.ErrInvalidTransition) {
						unexpected = append(unexpected, err)
					}
					mu.Unlock()
					return
				}
			}(s.ID, s.ApproverID)
		}
	}
	wg.Wait()

	if len(unexpected) != 0 {
		t.Fatalf("unexpected errors: %v", unexpected)
	}
	if approved != 2 {
		t.Fatalf("expected each step approved exactly once, got %d approvals", approved)
	}
	got, err := env.Engine.Repo.GetInstance(env.Ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.InstanceApproved {
		t.Fatalf("expected approved, got %s", got.Status)
	}
	if env.Callback.count() != 1 {
		t.Fatalf("expected exactly one callback, got %d", env.Callback.count())
	}
}

func TestEscalationOncePerStep(t *testing.T) {
	env := newTestEnv(t)
	def := env.importDefinition(t, domain.WorkflowDefinition{
		ModuleType:   "leave_request",
		AutoComplete: true,
		Escalation:   domain.EscalationRules{Enabled: true, SLAMinutes: 30},
		Levels: []domain.ApprovalLevel{
			{Level: 1, ApproverKind: domain.ApproverReportingManager, Mandatory: true},
		},
	})

	inst := env.start(t, def.ID, "lr-slow", "alice", nil)
	pending := env.pendingSteps(t, inst.ID)
	if pending[0].DueAt == nil {
		t.Fatalf("due_at not set with escalation enabled")
	}

	env.advance(2 * time.Hour)
	escalated, errs := env.Engine.EscalateOverdue(env.Ctx, 10)
	if len(errs) != 0 {
		t.Fatalf("escalate errors: %v", errs)
	}
	if len(escalated) != 1 {
		t.Fatalf("expected one escalation, got %d", len(escalated))
	}

	// A second pass must not escalate the same step again.
	again, errs := env.Engine.EscalateOverdue(env.Ctx, 10)
	if len(errs) != 0 || len(again) != 0 {
		t.Fatalf("second pass escalated %d, errs %v", len(again), errs)
	}

	pending = env.pendingSteps(t, inst.ID)
	if len(pending) != 2 {
		t.Fatalf("expected original plus companion pending, got %d", len(pending))
	}
	var companion domain.ApprovalStep
	for _, s := range pending {
		if s.Escalated {
			companion = s
		}
	}
	// bob's manager carol receives the companion, in the same slot.
	if companion.ApproverID != "carol" || companion.Seq != pending[0].Seq {
		t.Fatalf("companion step: %+v", companion)
	}

	// Either holder may decide; the companion's approval supersedes the
	// original.
	inst = env.act(t, companion.ID, engine.ActionApprove, "carol")
	if inst.Status != domain.InstanceApproved {
		t.Fatalf("expected approved, got %s", inst.Status)
	}
	steps, err := env.Engine.Repo.StepsForInstance(env.Ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range steps {
		if s.ID != companion.ID && s.Status != domain.StepSkipped {
			t.Fatalf("original step should be skipped, got %s", s.Status)
		}
	}
}

func TestCancelAuthorization(t *testing.T) {
	env := newTestEnv(t)
	def := env.importDefinition(t, twoLevelManagerChain())
	inst := env.start(t, def.ID, "lr-cxl", "alice", nil)

	if _, err := env.Engine.Cancel(env.Ctx, inst.ID, "frank", "nope"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("stranger cancel: expected ErrInvalidTransition, got %v", err)
	}

	inst, err := env.Engine.Cancel(env.Ctx, inst.ID, "alice", "changed plans")
	if err != nil {
		t.Fatalf("initiator cancel: %v", err)
	}
	if inst.Status != domain.InstanceCancelled {
		t.Fatalf("expected cancelled, got %s", inst.Status)
	}
	if len(env.pendingSteps(t, inst.ID)) != 0 {
		t.Fatalf("pending steps left after cancel")
	}
	if _, err := env.Engine.Cancel(env.Ctx, inst.ID, "alice", "again"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("cancel of terminal instance: expected ErrInvalidTransition, got %v", err)
	}

	// Org workflow admins may cancel workflows they did not start.
	other := env.start(t, def.ID, "lr-cxl2", "alice", nil)
	other, err = env.Engine.Cancel(env.Ctx, other.ID, "dana", "policy change")
	if err != nil || other.Status != domain.InstanceCancelled {
		t.Fatalf("admin cancel: status=%s err=%v", other.Status, err)
	}
}

func TestActGuards(t *testing.T) {
	env := newTestEnv(t)
	def := env.importDefinition(t, twoLevelManagerChain())
	inst := env.start(t, def.ID, "lr-guard", "alice", nil)
	step := env.pendingSteps(t, inst.ID)[0]

	// Only the approver (or their delegate) may act.
	_, err := env.Engine.Act(env.Ctx, engine.ActOptions{StepID: step.ID, Action: engine.ActionApprove, ActorID: "frank"})
	if !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("stranger approve: expected ErrInvalidTransition, got %v", err)
	}

	env.act(t, step.ID, engine.ActionApprove, "bob")
	_, err = env.Engine.Act(env.Ctx, engine.ActOptions{StepID: step.ID, Action: engine.ActionApprove, ActorID: "bob"})
	if !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("decided step: expected ErrInvalidTransition, got %v", err)
	}

	// Delegating back to the current approver is refused.
	next := env.pendingSteps(t, inst.ID)[0]
	_, err = env.Engine.Act(env.Ctx, engine.ActOptions{
		StepID: next.ID, Action: engine.ActionDelegate, ActorID: "carol", DelegateTo: "carol",
	})
	if !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("self-delegation: expected ErrInvalidTransition, got %v", err)
	}
}

func TestExplicitCompletion(t *testing.T) {
	env := newTestEnv(t)
	def := env.importDefinition(t, domain.WorkflowDefinition{
		ModuleType: "offboarding",
		Levels: []domain.ApprovalLevel{
			{Level: 1, ApproverKind: domain.ApproverReportingManager, Mandatory: true},
		},
	})

	inst := env.start(t, def.ID, "off-1", "alice", nil)
	step := env.pendingSteps(t, inst.ID)[0]
	inst = env.act(t, step.ID, engine.ActionApprove, "bob")
	if inst.Status != domain.InstanceInProgress {
		t.Fatalf("auto_complete off: expected in_progress, got %s", inst.Status)
	}
	if env.Callback.count() != 0 {
		t.Fatalf("callback before completion")
	}

	if _, err := env.Engine.Complete(env.Ctx, inst.ID, "alice"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("non-admin complete: expected ErrInvalidTransition, got %v", err)
	}
	inst, err := env.Engine.Complete(env.Ctx, inst.ID, "dana")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if inst.Status != domain.InstanceApproved {
		t.Fatalf("expected approved, got %s", inst.Status)
	}
	if env.Callback.count() != 1 {
		t.Fatalf("expected one callback, got %d", env.Callback.count())
	}
}

func TestReplayReconstructsState(t *testing.T) {
	env := newTestEnv(t)
	def := env.importDefinition(t, twoLevelManagerChain())
	inst := env.start(t, def.ID, "lr-replay", "alice", map[string]any{"days": 3})
	step := env.pendingSteps(t, inst.ID)[0]
	inst = env.act(t, step.ID, engine.ActionApprove, "bob")

	entries, err := env.Engine.Repo.HistoryForInstance(env.Ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	replayed, steps, err := history.Replay(entries)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replayed.Status != inst.Status || replayed.CurrentLevel != inst.CurrentLevel {
		t.Fatalf("replayed status=%s level=%d, want %s/%d",
			replayed.Status, replayed.CurrentLevel, inst.Status, inst.CurrentLevel)
	}
	stored, err := env.Engine.Repo.StepsForInstance(env.Ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != len(stored) {
		t.Fatalf("replayed %d steps, stored %d", len(steps), len(stored))
	}
	byID := map[string]domain.ApprovalStep{}
	for _, s := range steps {
		byID[s.ID] = s
	}
	for _, s := range stored {
		r, ok := byID[s.ID]
		if !ok {
			t.Fatalf("step %s missing from replay", s.ID)
		}
		if r.Status != s.Status || r.ApproverID != s.ApproverID || r.Level != s.Level {
			t.Fatalf("step %s diverges: replay %+v stored %+v", s.ID, r, s)
		}
	}
}
