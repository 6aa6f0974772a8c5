package stores

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/identigate/identigate/pkg/core"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func sampleOperation() *core.Operation {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &core.Operation{
		ID:              "op-1",
		Type:            core.OperationCreate,
		AccountID:       "acc-1",
		Status:          core.OperationStatusPending,
		TargetSystems:   []string{"ldap", "sql"},
		InputAttributes: map[string]any{"firstname": "Jean", "lastname": "Dupont"},
		CalculatedAttributes: map[string]map[string]any{
			"ldap": {"uid": "jean.dupont"},
			"sql":  {"username": "jean.dupont"},
		},
		CorrelationID: "corr-1",
		CreatedBy:     "admin",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestOperationRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	op := sampleOperation()

	if err := store.CreateOperation(ctx, op); err != nil {
		t.Fatalf("CreateOperation: %v", err)
	}

	got, err := store.GetOperation(ctx, "op-1")
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}
	if got.Type != core.OperationCreate || got.AccountID != "acc-1" {
		t.Errorf("round trip lost fields: %+v", got)
	}
	if len(got.TargetSystems) != 2 || got.TargetSystems[0] != "ldap" {
		t.Errorf("target_systems = %v", got.TargetSystems)
	}
	if got.CalculatedAttributes["ldap"]["uid"] != "jean.dupont" {
		t.Errorf("calculated attributes = %v", got.CalculatedAttributes)
	}
	if got.CreatedBy != "admin" || got.CorrelationID != "corr-1" {
		t.Errorf("optional fields lost: %+v", got)
	}
	if got.CompletedAt != nil {
		t.Error("completed_at should be nil")
	}

	// Status transition with completion time.
	now := time.Now().UTC().Truncate(time.Millisecond)
	got.Status = core.OperationStatusSuccess
	got.UpdatedAt = now
	got.CompletedAt = &now
	got.Errors = append(got.Errors, "note")
	if err := store.UpdateOperation(ctx, got); err != nil {
		t.Fatalf("UpdateOperation: %v", err)
	}
	updated, _ := store.GetOperation(ctx, "op-1")
	if updated.Status != core.OperationStatusSuccess || updated.CompletedAt == nil {
		t.Errorf("update lost status or completion: %+v", updated)
	}
	if len(updated.Errors) != 1 || updated.Errors[0] != "note" {
		t.Errorf("errors = %v", updated.Errors)
	}
}

func TestOperationNotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.GetOperation(context.Background(), "ghost"); !core.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
	op := sampleOperation()
	op.ID = "ghost"
	if err := store.UpdateOperation(context.Background(), op); !core.IsNotFound(err) {
		t.Errorf("update: expected NOT_FOUND, got %v", err)
	}
}

func TestClaimOperation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	op := sampleOperation()
	_ = store.CreateOperation(ctx, op)

	if err := store.ClaimOperation(ctx, "op-1", time.Now().UTC()); err != nil {
		t.Fatalf("ClaimOperation: %v", err)
	}
	got, _ := store.GetOperation(ctx, "op-1")
	if got.Status != core.OperationStatusInProgress {
		t.Errorf("status = %s, want in_progress", got.Status)
	}

	// A second claim finds the operation already in progress.
	err := store.ClaimOperation(ctx, "op-1", time.Now().UTC())
	if !core.IsTerminalState(err) {
		t.Errorf("expected TERMINAL_STATE, got %v", err)
	}

	if err := store.ClaimOperation(ctx, "ghost", time.Now().UTC()); !core.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestClaimOperationConcurrent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	op := sampleOperation()
	op.Status = core.OperationStatusAwaitingApproval
	_ = store.CreateOperation(ctx, op)

	const racers = 8
	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- store.ClaimOperation(ctx, "op-1", time.Now().UTC())
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else if !core.IsTerminalState(err) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("operation claimed %d times, want exactly 1", succeeded)
	}
}

func TestListOperationsFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, status := range []core.OperationStatus{
		core.OperationStatusPending, core.OperationStatusSuccess, core.OperationStatusPending,
	} {
		op := sampleOperation()
		op.ID = string(rune('a' + i))
		op.Status = status
		if i == 2 {
			op.AccountID = "acc-2"
		}
		op.CreatedAt = op.CreatedAt.Add(time.Duration(i) * time.Second)
		if err := store.CreateOperation(ctx, op); err != nil {
			t.Fatal(err)
		}
	}

	all, err := store.ListOperations(ctx, "", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("all = %d, want 3", len(all))
	}
	pending, _ := store.ListOperations(ctx, "", core.OperationStatusPending, 10)
	if len(pending) != 2 {
		t.Errorf("pending = %d, want 2", len(pending))
	}
	acc1, _ := store.ListOperations(ctx, "acc-1", "", 10)
	if len(acc1) != 2 {
		t.Errorf("acc-1 = %d, want 2", len(acc1))
	}
}

func TestRollbackActionLog(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	op := sampleOperation()
	_ = store.CreateOperation(ctx, op)

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i, target := range []string{"ldap", "sql"} {
		action := &core.RollbackAction{
			ID:           target + "-action",
			OperationID:  op.ID,
			TargetSystem: target,
			ActionType:   core.RollbackDelete,
			ActionData:   map[string]any{"uid": "jean.dupont"},
			CreatedAt:    base.Add(time.Duration(i) * time.Millisecond),
		}
		if err := store.CreateRollbackAction(ctx, action); err != nil {
			t.Fatalf("CreateRollbackAction: %v", err)
		}
	}

	actions, err := store.ListRollbackActions(ctx, op.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 2 || actions[0].TargetSystem != "ldap" {
		t.Fatalf("apply order not preserved: %+v", actions)
	}
	if actions[0].Executed {
		t.Error("executed must start false")
	}

	at := time.Now().UTC().Truncate(time.Millisecond)
	if err := store.MarkRollbackExecuted(ctx, "ldap-action", at); err != nil {
		t.Fatalf("MarkRollbackExecuted: %v", err)
	}
	actions, _ = store.ListRollbackActions(ctx, op.ID)
	if !actions[0].Executed || actions[0].ExecutedAt == nil {
		t.Errorf("execution not recorded: %+v", actions[0])
	}
	if actions[1].Executed {
		t.Error("second action wrongly marked")
	}

	if err := store.MarkRollbackExecuted(ctx, "ghost", at); !core.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestTargetStateCache(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveTargetState(ctx, "acc-1", "ldap", map[string]any{"uid": "jean"}); err != nil {
		t.Fatal(err)
	}
	// Upsert replaces.
	if err := store.SaveTargetState(ctx, "acc-1", "ldap", map[string]any{"uid": "jean2"}); err != nil {
		t.Fatal(err)
	}
	attrs, err := store.GetTargetState(ctx, "acc-1", "ldap")
	if err != nil {
		t.Fatal(err)
	}
	if attrs["uid"] != "jean2" {
		t.Errorf("uid = %v", attrs["uid"])
	}

	if err := store.DeleteTargetState(ctx, "acc-1", "ldap"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetTargetState(ctx, "acc-1", "ldap"); !core.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND after delete, got %v", err)
	}
}

func sampleInstance() *core.WorkflowInstance {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &core.WorkflowInstance{
		ID:           "wf-1",
		OperationID:  "op-1",
		Status:       core.ApprovalStatusPending,
		CurrentLevel: 1,
		TotalLevels:  2,
		Levels: []core.ApprovalLevel{
			{Number: 1, ApproverType: core.ApproverTypeUser, Approvers: []string{"alice"}, RequiredApprovals: 1},
			{Number: 2, ApproverType: core.ApproverTypeManager, Approvers: []string{"boss"}, RequiredApprovals: 1},
		},
		Context:   map[string]any{"requester": "admin"},
		ExpiresAt: now.Add(72 * time.Hour),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestWorkflowInstanceRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	w := sampleInstance()

	if err := store.CreateInstance(ctx, w); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	got, err := store.GetInstance(ctx, "wf-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalLevels != 2 || len(got.Levels) != 2 {
		t.Errorf("levels lost: %+v", got)
	}
	if got.Levels[1].ApproverType != core.ApproverTypeManager {
		t.Errorf("level 2 = %+v", got.Levels[1])
	}
	if got.Context["requester"] != "admin" {
		t.Errorf("context = %v", got.Context)
	}

	got.Status = core.ApprovalStatusApproved
	got.CurrentLevel = 2
	now := time.Now().UTC().Truncate(time.Millisecond)
	got.CompletedAt = &now
	if err := store.UpdateInstance(ctx, got); err != nil {
		t.Fatal(err)
	}
	updated, _ := store.GetInstance(ctx, "wf-1")
	if updated.Status != core.ApprovalStatusApproved || updated.CurrentLevel != 2 {
		t.Errorf("update lost fields: %+v", updated)
	}

	if _, err := store.GetInstance(ctx, "ghost"); !core.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestListExpiredOnlyPendingPastDeadline(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	past := sampleInstance()
	past.ID = "wf-past"
	past.ExpiresAt = time.Now().UTC().Add(-time.Hour)
	_ = store.CreateInstance(ctx, past)

	future := sampleInstance()
	future.ID = "wf-future"
	_ = store.CreateInstance(ctx, future)

	done := sampleInstance()
	done.ID = "wf-done"
	done.Status = core.ApprovalStatusApproved
	done.ExpiresAt = time.Now().UTC().Add(-time.Hour)
	_ = store.CreateInstance(ctx, done)

	expired, err := store.ListExpired(ctx, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].ID != "wf-past" {
		t.Errorf("expired = %+v, want only wf-past", expired)
	}
}

func TestDecisionLog(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_ = store.CreateInstance(ctx, sampleInstance())

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i, approver := range []string{"alice", "bob"} {
		d := &core.ApprovalDecision{
			ID:         approver + "-d",
			InstanceID: "wf-1",
			Level:      1,
			ApproverID: approver,
			Decision:   core.ApprovalStatusApproved,
			Comments:   "fine",
			DecidedAt:  base.Add(time.Duration(i) * time.Millisecond),
		}
		if err := store.CreateDecision(ctx, d); err != nil {
			t.Fatal(err)
		}
	}

	decisions, err := store.ListDecisions(ctx, "wf-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(decisions) != 2 || decisions[0].ApproverID != "alice" {
		t.Errorf("decisions = %+v", decisions)
	}
}

func TestDecisionUniquePerApproverLevel(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_ = store.CreateInstance(ctx, sampleInstance())

	now := time.Now().UTC().Truncate(time.Millisecond)
	first := &core.ApprovalDecision{
		ID: "d-1", InstanceID: "wf-1", Level: 1, ApproverID: "alice",
		Decision: core.ApprovalStatusApproved, DecidedAt: now,
	}
	if err := store.CreateDecision(ctx, first); err != nil {
		t.Fatalf("CreateDecision: %v", err)
	}

	dup := &core.ApprovalDecision{
		ID: "d-2", InstanceID: "wf-1", Level: 1, ApproverID: "alice",
		Decision: core.ApprovalStatusRejected, DecidedAt: now,
	}
	err := store.CreateDecision(ctx, dup)
	var ge *core.GatewayError
	if !errors.As(err, &ge) || ge.Code != core.ErrCodeAlreadyExists {
		t.Errorf("expected ALREADY_EXISTS, got %v", err)
	}

	// Same approver at a different level is a new decision.
	second := &core.ApprovalDecision{
		ID: "d-3", InstanceID: "wf-1", Level: 2, ApproverID: "alice",
		Decision: core.ApprovalStatusApproved, DecidedAt: now,
	}
	if err := store.CreateDecision(ctx, second); err != nil {
		t.Errorf("level 2 decision rejected: %v", err)
	}

	decisions, _ := store.ListDecisions(ctx, "wf-1")
	if len(decisions) != 2 {
		t.Errorf("decisions = %d, want 2", len(decisions))
	}
}

func TestTokenConsumeIsAtomic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_ = store.CreateInstance(ctx, sampleInstance())

	token := &core.ApprovalToken{
		ID:         "tok-1",
		InstanceID: "wf-1",
		ApproverID: "alice",
		Action:     core.TokenActionApprove,
		TokenHash:  "hash-1",
		CreatedAt:  time.Now().UTC(),
	}
	if err := store.CreateToken(ctx, token); err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	got, err := store.ConsumeToken(ctx, "hash-1", time.Now().UTC())
	if err != nil {
		t.Fatalf("ConsumeToken: %v", err)
	}
	if got.ApproverID != "alice" || got.Action != core.TokenActionApprove || !got.Used {
		t.Errorf("consumed token = %+v", got)
	}

	_, err = store.ConsumeToken(ctx, "hash-1", time.Now().UTC())
	var ge *core.GatewayError
	if !errors.As(err, &ge) || ge.Code != core.ErrCodeTokenUsed {
		t.Errorf("expected TOKEN_USED, got %v", err)
	}

	_, err = store.ConsumeToken(ctx, "no-such-hash", time.Now().UTC())
	if !errors.As(err, &ge) || ge.Code != core.ErrCodeTokenInvalid {
		t.Errorf("expected TOKEN_INVALID, got %v", err)
	}
}

func TestTokenConcurrentConsume(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_ = store.CreateInstance(ctx, sampleInstance())
	_ = store.CreateToken(ctx, &core.ApprovalToken{
		ID: "tok-1", InstanceID: "wf-1", ApproverID: "alice",
		Action: core.TokenActionApprove, TokenHash: "hash-race",
		CreatedAt: time.Now().UTC(),
	})

	const racers = 8
	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ConsumeToken(ctx, "hash-race", time.Now().UTC())
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		}
	}
	if succeeded != 1 {
		t.Errorf("token consumed %d times, want exactly 1", succeeded)
	}
}

func TestInvalidateInstanceTokens(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_ = store.CreateInstance(ctx, sampleInstance())
	for _, hash := range []string{"h1", "h2"} {
		_ = store.CreateToken(ctx, &core.ApprovalToken{
			ID: hash + "-id", InstanceID: "wf-1", ApproverID: "alice",
			Action: core.TokenActionApprove, TokenHash: hash,
			CreatedAt: time.Now().UTC(),
		})
	}

	if err := store.InvalidateInstanceTokens(ctx, "wf-1", time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	var ge *core.GatewayError
	for _, hash := range []string{"h1", "h2"} {
		_, err := store.ConsumeToken(ctx, hash, time.Now().UTC())
		if !errors.As(err, &ge) || ge.Code != core.ErrCodeTokenUsed {
			t.Errorf("token %s still live: %v", hash, err)
		}
	}
}

func TestIdentityRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	identity := &core.Identity{
		ID:         "id-1",
		Attributes: map[string]any{"email": "jean@corp.example.com"},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := store.UpsertIdentity(ctx, identity); err != nil {
		t.Fatal(err)
	}

	// Upsert updates in place.
	identity.Attributes["department"] = "IT"
	if err := store.UpsertIdentity(ctx, identity); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetIdentity(ctx, "id-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Attributes["department"] != "IT" {
		t.Errorf("attributes = %v", got.Attributes)
	}

	list, _ := store.ListIdentities(ctx)
	if len(list) != 1 {
		t.Errorf("identities = %d, want 1", len(list))
	}

	if err := store.DeleteIdentity(ctx, "id-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetIdentity(ctx, "id-1"); !core.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestReconciliationJobAndDiscrepancies(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	job := &core.ReconciliationJob{
		ID:            "job-1",
		Status:        core.JobStatusPending,
		TargetSystems: []string{"ldap"},
		StartedBy:     "admin",
		StartedAt:     now,
	}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	job.Status = core.JobStatusCompleted
	job.ProcessedAccounts = 10
	job.DiscrepanciesFound = 2
	job.Errors = []core.ItemError{{TargetSystem: "ldap", Message: "one account skipped"}}
	job.CompletedAt = &now
	if err := store.UpdateJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != core.JobStatusCompleted || got.ProcessedAccounts != 10 {
		t.Errorf("job = %+v", got)
	}
	if len(got.Errors) != 1 || got.Errors[0].Message != "one account skipped" {
		t.Errorf("errors = %v", got.Errors)
	}

	for i, dType := range []core.DiscrepancyType{core.DiscrepancyMissingInTarget, core.DiscrepancyAttributeMismatch} {
		d := &core.Discrepancy{
			ID:           string(rune('a' + i)),
			JobID:        "job-1",
			AccountID:    "acc-1",
			TargetSystem: "ldap",
			Type:         dType,
			Attribute:    "firstname",
			HubValue:     "Jean",
			TargetValue:  "Johnny",
			DetectedAt:   now.Add(time.Duration(i) * time.Millisecond),
		}
		if err := store.CreateDiscrepancy(ctx, d); err != nil {
			t.Fatal(err)
		}
	}

	d, err := store.GetDiscrepancy(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if d.HubValue != "Jean" || d.TargetValue != "Johnny" {
		t.Errorf("values = %v / %v", d.HubValue, d.TargetValue)
	}

	d.Resolved = true
	d.Resolution = core.ResolveUseHub
	d.ResolvedAt = &now
	d.ResolvedBy = "admin"
	if err := store.UpdateDiscrepancy(ctx, d); err != nil {
		t.Fatal(err)
	}

	all, _ := store.ListDiscrepancies(ctx, "job-1", false)
	if len(all) != 2 {
		t.Errorf("all = %d, want 2", len(all))
	}
	unresolved, _ := store.ListDiscrepancies(ctx, "job-1", true)
	if len(unresolved) != 1 || unresolved[0].ID != "b" {
		t.Errorf("unresolved = %+v", unresolved)
	}
}

func TestAuditLog(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	for i, account := range []string{"acc-1", "acc-2", "acc-1"} {
		event := &core.AuditEvent{
			ID:        string(rune('a' + i)),
			EventType: "provision.completed",
			Actor:     "admin",
			AccountID: account,
			Outcome:   "success",
			Details:   map[string]any{"n": i},
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		}
		if err := store.AppendAuditEvent(ctx, event); err != nil {
			t.Fatal(err)
		}
	}

	all, err := store.ListAuditEvents(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("all = %d, want 3", len(all))
	}
	// Newest first.
	if all[0].ID != "c" {
		t.Errorf("order: first = %s, want c", all[0].ID)
	}
	acc1, _ := store.ListAuditEvents(ctx, "acc-1", 10)
	if len(acc1) != 2 {
		t.Errorf("acc-1 = %d, want 2", len(acc1))
	}
}
