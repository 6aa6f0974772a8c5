package workflow

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/identigate/identigate/pkg/core"
	"github.com/identigate/identigate/pkg/telemetry"
)

// memWorkflowStore is an in-memory WorkflowStore.
type memWorkflowStore struct {
	mu        sync.Mutex
	instances map[string]*core.WorkflowInstance
	decisions map[string][]*core.ApprovalDecision
}

func newMemWorkflowStore() *memWorkflowStore {
	return &memWorkflowStore{
		instances: make(map[string]*core.WorkflowInstance),
		decisions: make(map[string][]*core.ApprovalDecision),
	}
}

func (s *memWorkflowStore) CreateInstance(ctx context.Context, w *core.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	s.instances[w.ID] = &cp
	return nil
}

func (s *memWorkflowStore) GetInstance(ctx context.Context, id string) (*core.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.instances[id]
	if !ok {
		return nil, core.NewStorageError("instance not found", nil).WithCode(core.ErrCodeNotFound)
	}
	cp := *w
	return &cp, nil
}

func (s *memWorkflowStore) UpdateInstance(ctx context.Context, w *core.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	s.instances[w.ID] = &cp
	return nil
}

func (s *memWorkflowStore) ListExpired(ctx context.Context, cutoff time.Time) ([]*core.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.WorkflowInstance
	for _, w := range s.instances {
		if w.Status == core.ApprovalStatusPending && w.ExpiresAt.Before(cutoff) {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memWorkflowStore) CreateDecision(ctx context.Context, d *core.ApprovalDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Same uniqueness rule the database index enforces.
	for _, existing := range s.decisions[d.InstanceID] {
		if existing.Level == d.Level && existing.ApproverID == d.ApproverID {
			return core.NewApprovalError("approver already decided at this level", nil).
				WithCode(core.ErrCodeAlreadyExists).
				WithResource(d.InstanceID)
		}
	}
	cp := *d
	s.decisions[d.InstanceID] = append(s.decisions[d.InstanceID], &cp)
	return nil
}

func (s *memWorkflowStore) ListDecisions(ctx context.Context, instanceID string) ([]*core.ApprovalDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*core.ApprovalDecision(nil), s.decisions[instanceID]...), nil
}

// memTokenStore is an in-memory TokenStore with a serialized consume path.
type memTokenStore struct {
	mu     sync.Mutex
	tokens map[string]*core.ApprovalToken // by hash
}

func newMemTokenStore() *memTokenStore {
	return &memTokenStore{tokens: make(map[string]*core.ApprovalToken)}
}

func (s *memTokenStore) CreateToken(ctx context.Context, t *core.ApprovalToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tokens[t.TokenHash] = &cp
	return nil
}

func (s *memTokenStore) ConsumeToken(ctx context.Context, hash string, at time.Time) (*core.ApprovalToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[hash]
	if !ok {
		return nil, core.NewApprovalError("unknown token", nil).WithCode(core.ErrCodeTokenInvalid)
	}
	if t.Used {
		return nil, core.NewApprovalError("token already used", nil).WithCode(core.ErrCodeTokenUsed)
	}
	t.Used = true
	t.UsedAt = &at
	cp := *t
	return &cp, nil
}

func (s *memTokenStore) InvalidateInstanceTokens(ctx context.Context, instanceID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.InstanceID == instanceID && !t.Used {
			t.Used = true
			t.UsedAt = &at
		}
	}
	return nil
}

// mockDirectory resolves every symbolic type to a fixed approver set.
type mockDirectory struct {
	approvers map[core.ApproverType][]string
}

func (d *mockDirectory) ResolveApprovers(ctx context.Context, t core.ApproverType, opContext map[string]any) ([]string, error) {
	return d.approvers[t], nil
}

// mockNotifier records every notice.
type mockNotifier struct {
	mu        sync.Mutex
	requests  []core.ApprovalRequestNotice
	decisions []core.DecisionNotice
}

func (n *mockNotifier) SendApprovalRequest(ctx context.Context, notice core.ApprovalRequestNotice) (core.ApprovalRequestResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requests = append(n.requests, notice)
	return core.ApprovalRequestResult{Delivered: true}, nil
}

func (n *mockNotifier) SendDecisionNotice(ctx context.Context, notice core.DecisionNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.decisions = append(n.decisions, notice)
	return nil
}

func (n *mockNotifier) requestCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.requests)
}

// mockController records resume and reject calls.
type mockController struct {
	mu       sync.Mutex
	resumed  []string
	rejected map[string]string
}

func newMockController() *mockController {
	return &mockController{rejected: make(map[string]string)}
}

func (c *mockController) ContinueAfterApproval(ctx context.Context, operationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resumed = append(c.resumed, operationID)
	return nil
}

func (c *mockController) Reject(ctx context.Context, operationID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejected[operationID] = reason
	return nil
}

type nopAuditor struct{}

func (nopAuditor) LogEvent(context.Context, core.AuditEvent) {}

type wfFixture struct {
	engine     *Engine
	store      *memWorkflowStore
	tokens     *memTokenStore
	notifier   *mockNotifier
	controller *mockController
}

func newWorkflowFixture(t *testing.T) *wfFixture {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Output: "stderr"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	f := &wfFixture{
		store:      newMemWorkflowStore(),
		tokens:     newMemTokenStore(),
		notifier:   &mockNotifier{},
		controller: newMockController(),
	}
	f.engine = NewEngine(Options{
		Store:      f.store,
		Tokens:     f.tokens,
		Directory:  &mockDirectory{approvers: map[core.ApproverType][]string{core.ApproverTypeManager: {"boss@corp.example.com"}}},
		Notifier:   f.notifier,
		Controller: f.controller,
		Audit:      nopAuditor{},
		Logger:     logger,
		Metrics:    metrics,
		Events:     telemetry.NewEventPublisher(false),
		BaseURL:    "https://gw.corp.example.com",
	})
	return f
}

func suspendedOp() *core.Operation {
	now := time.Now().UTC()
	return &core.Operation{
		ID:            uuid.New().String(),
		Type:          core.OperationCreate,
		AccountID:     "acc-1",
		Status:        core.OperationStatusAwaitingApproval,
		TargetSystems: []string{"ldap"},
		CreatedBy:     "requester@corp.example.com",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func userLevel(number int, approvers ...string) core.ApprovalLevel {
	return core.ApprovalLevel{
		Number:            number,
		ApproverType:      core.ApproverTypeUser,
		Approvers:         approvers,
		RequiredApprovals: 1,
	}
}

func TestStartResolvesSymbolicApprovers(t *testing.T) {
	f := newWorkflowFixture(t)
	levels := []core.ApprovalLevel{{Number: 1, ApproverType: core.ApproverTypeManager}}

	instance, err := f.engine.Start(context.Background(), suspendedOp(), levels)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := instance.Levels[0].Approvers; len(got) != 1 || got[0] != "boss@corp.example.com" {
		t.Errorf("approvers = %v, want resolved manager", got)
	}
	if f.notifier.requestCount() != 1 {
		t.Errorf("requests = %d, want 1", f.notifier.requestCount())
	}
	notice := f.notifier.requests[0]
	if !strings.Contains(notice.ApproveURL, "action=approve") ||
		!strings.Contains(notice.RejectURL, "action=reject") {
		t.Errorf("bad approval URLs: %s / %s", notice.ApproveURL, notice.RejectURL)
	}
}

func TestStartRejectsEmptyLevels(t *testing.T) {
	f := newWorkflowFixture(t)
	if _, err := f.engine.Start(context.Background(), suspendedOp(), nil); err == nil {
		t.Fatal("expected error for empty level list")
	}
}

func TestApproveSingleLevelResumesOperation(t *testing.T) {
	f := newWorkflowFixture(t)
	op := suspendedOp()
	instance, err := f.engine.Start(context.Background(), op, []core.ApprovalLevel{userLevel(1, "alice")})
	if err != nil {
		t.Fatal(err)
	}

	updated, err := f.engine.RecordDecision(context.Background(), instance.ID, "alice", core.ApprovalStatusApproved, "ok")
	if err != nil {
		t.Fatalf("RecordDecision: %v", err)
	}
	if updated.Status != core.ApprovalStatusApproved {
		t.Errorf("status = %s, want approved", updated.Status)
	}
	if len(f.controller.resumed) != 1 || f.controller.resumed[0] != op.ID {
		t.Errorf("operation not resumed: %v", f.controller.resumed)
	}
	if len(f.notifier.decisions) != 1 || f.notifier.decisions[0].Recipient != "requester@corp.example.com" {
		t.Errorf("requester not notified: %v", f.notifier.decisions)
	}
}

func TestRejectionTerminatesImmediately(t *testing.T) {
	f := newWorkflowFixture(t)
	op := suspendedOp()
	instance, _ := f.engine.Start(context.Background(), op,
		[]core.ApprovalLevel{userLevel(1, "alice"), userLevel(2, "bob")})

	updated, err := f.engine.RecordDecision(context.Background(), instance.ID, "alice", core.ApprovalStatusRejected, "no")
	if err != nil {
		t.Fatalf("RecordDecision: %v", err)
	}
	if updated.Status != core.ApprovalStatusRejected {
		t.Errorf("status = %s, want rejected", updated.Status)
	}
	if reason := f.controller.rejected[op.ID]; !strings.Contains(reason, "alice") {
		t.Errorf("operation not rejected with approver, reason = %q", reason)
	}
	// Level 2 must never have been notified.
	for _, req := range f.notifier.requests {
		if req.Level == 2 {
			t.Error("level 2 notified despite level 1 rejection")
		}
	}
}

func TestMultiLevelAdvance(t *testing.T) {
	f := newWorkflowFixture(t)
	op := suspendedOp()
	instance, _ := f.engine.Start(context.Background(), op,
		[]core.ApprovalLevel{userLevel(1, "alice"), userLevel(2, "bob")})

	updated, err := f.engine.RecordDecision(context.Background(), instance.ID, "alice", core.ApprovalStatusApproved, "")
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != core.ApprovalStatusPending || updated.CurrentLevel != 2 {
		t.Fatalf("after level 1: status = %s level = %d, want pending level 2", updated.Status, updated.CurrentLevel)
	}
	if len(f.controller.resumed) != 0 {
		t.Error("operation resumed before final level")
	}

	// bob cannot be bypassed by alice.
	if _, err := f.engine.RecordDecision(context.Background(), instance.ID, "alice", core.ApprovalStatusApproved, ""); err == nil {
		t.Fatal("level 1 approver accepted at level 2")
	}

	updated, err = f.engine.RecordDecision(context.Background(), instance.ID, "bob", core.ApprovalStatusApproved, "")
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != core.ApprovalStatusApproved {
		t.Errorf("status = %s, want approved", updated.Status)
	}
	if len(f.controller.resumed) != 1 {
		t.Error("operation not resumed after final level")
	}
}

func TestMultiLevelAdvanceSkipsUnconfiguredNumbers(t *testing.T) {
	// Level numbers come from configuration and need not be consecutive.
	f := newWorkflowFixture(t)
	op := suspendedOp()
	instance, _ := f.engine.Start(context.Background(), op,
		[]core.ApprovalLevel{userLevel(1, "alice"), userLevel(3, "bob")})

	updated, err := f.engine.RecordDecision(context.Background(), instance.ID, "alice", core.ApprovalStatusApproved, "")
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != core.ApprovalStatusPending || updated.CurrentLevel != 3 {
		t.Fatalf("after level 1: status = %s level = %d, want pending level 3", updated.Status, updated.CurrentLevel)
	}

	updated, err = f.engine.RecordDecision(context.Background(), instance.ID, "bob", core.ApprovalStatusApproved, "")
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != core.ApprovalStatusApproved {
		t.Errorf("status = %s, want approved", updated.Status)
	}
	if len(f.controller.resumed) != 1 {
		t.Error("operation not resumed after final level")
	}
}

func TestConcurrentDuplicateDecisionRecordsOnce(t *testing.T) {
	// Two submissions of the same approver's decision can both pass the
	// read-side duplicate check; the store's uniqueness rule must let exactly
	// one through.
	f := newWorkflowFixture(t)
	level := core.ApprovalLevel{
		Number:            1,
		ApproverType:      core.ApproverTypeUser,
		Approvers:         []string{"alice", "bob"},
		RequiredApprovals: 2,
	}
	instance, _ := f.engine.Start(context.Background(), suspendedOp(), []core.ApprovalLevel{level})

	const racers = 8
	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.RecordDecision(context.Background(), instance.ID, "alice", core.ApprovalStatusApproved, "")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		var ge *core.GatewayError
		if !errors.As(err, &ge) || ge.Code != core.ErrCodeAlreadyExists {
			t.Errorf("expected ALREADY_EXISTS, got %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("decision recorded %d times, want exactly 1", succeeded)
	}
	decisions, _ := f.store.ListDecisions(context.Background(), instance.ID)
	if len(decisions) != 1 {
		t.Errorf("stored decisions = %d, want 1", len(decisions))
	}
	stored, _ := f.store.GetInstance(context.Background(), instance.ID)
	if stored.Status != core.ApprovalStatusPending {
		t.Errorf("status = %s, want pending with one of two approvals", stored.Status)
	}
}

func TestRequiredApprovalsWithinLevel(t *testing.T) {
	f := newWorkflowFixture(t)
	level := core.ApprovalLevel{
		Number:            1,
		ApproverType:      core.ApproverTypeUser,
		Approvers:         []string{"alice", "bob", "carol"},
		RequiredApprovals: 2,
	}
	instance, _ := f.engine.Start(context.Background(), suspendedOp(), []core.ApprovalLevel{level})

	updated, err := f.engine.RecordDecision(context.Background(), instance.ID, "alice", core.ApprovalStatusApproved, "")
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != core.ApprovalStatusPending {
		t.Fatalf("one of two approvals must keep the level pending, got %s", updated.Status)
	}

	updated, err = f.engine.RecordDecision(context.Background(), instance.ID, "bob", core.ApprovalStatusApproved, "")
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != core.ApprovalStatusApproved {
		t.Errorf("status = %s, want approved after second approval", updated.Status)
	}
}

func TestDecisionGuards(t *testing.T) {
	f := newWorkflowFixture(t)
	instance, _ := f.engine.Start(context.Background(), suspendedOp(), []core.ApprovalLevel{userLevel(1, "alice", "bob")})

	// Outsider.
	_, err := f.engine.RecordDecision(context.Background(), instance.ID, "mallory", core.ApprovalStatusApproved, "")
	var ge *core.GatewayError
	if !errors.As(err, &ge) || ge.Code != core.ErrCodeNotApprover {
		t.Errorf("expected NOT_AN_APPROVER, got %v", err)
	}

	// Need alice plus bob: raise the threshold first.
	instance.Levels[0].RequiredApprovals = 2
	_ = f.store.UpdateInstance(context.Background(), instance)

	if _, err := f.engine.RecordDecision(context.Background(), instance.ID, "alice", core.ApprovalStatusApproved, ""); err != nil {
		t.Fatal(err)
	}
	// Duplicate by the same approver at the same level.
	_, err = f.engine.RecordDecision(context.Background(), instance.ID, "alice", core.ApprovalStatusApproved, "")
	if !errors.As(err, &ge) || ge.Code != core.ErrCodeAlreadyExists {
		t.Errorf("expected ALREADY_EXISTS, got %v", err)
	}

	// Terminal instance.
	if _, err := f.engine.RecordDecision(context.Background(), instance.ID, "bob", core.ApprovalStatusApproved, ""); err != nil {
		t.Fatal(err)
	}
	_, err = f.engine.RecordDecision(context.Background(), instance.ID, "bob", core.ApprovalStatusApproved, "")
	if !core.IsTerminalState(err) {
		t.Errorf("expected terminal-state error, got %v", err)
	}
}

func extractToken(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("bad URL %q: %v", rawURL, err)
	}
	token := u.Query().Get("token")
	if token == "" {
		t.Fatalf("no token in %q", rawURL)
	}
	return token
}

func TestResolveTokenAppliesDecision(t *testing.T) {
	f := newWorkflowFixture(t)
	op := suspendedOp()
	_, _ = f.engine.Start(context.Background(), op, []core.ApprovalLevel{userLevel(1, "alice")})

	token := extractToken(t, f.notifier.requests[0].ApproveURL)
	updated, err := f.engine.ResolveToken(context.Background(), token)
	if err != nil {
		t.Fatalf("ResolveToken: %v", err)
	}
	if updated.Status != core.ApprovalStatusApproved {
		t.Errorf("status = %s, want approved", updated.Status)
	}
	if len(f.controller.resumed) != 1 {
		t.Error("operation not resumed")
	}

	// Second presentation must fail: the conclude path already voided it.
	_, err = f.engine.ResolveToken(context.Background(), token)
	var ge *core.GatewayError
	if !errors.As(err, &ge) || ge.Code != core.ErrCodeTokenUsed {
		t.Errorf("expected TOKEN_USED, got %v", err)
	}
}

func TestResolveUnknownToken(t *testing.T) {
	f := newWorkflowFixture(t)
	_, err := f.engine.ResolveToken(context.Background(), "not-a-token")
	var ge *core.GatewayError
	if !errors.As(err, &ge) || ge.Code != core.ErrCodeTokenInvalid {
		t.Errorf("expected TOKEN_INVALID, got %v", err)
	}
}

func TestConcurrentTokenConsumeIsSingleUse(t *testing.T) {
	f := newWorkflowFixture(t)
	_, _ = f.engine.Start(context.Background(), suspendedOp(), []core.ApprovalLevel{userLevel(1, "alice")})
	token := extractToken(t, f.notifier.requests[0].ApproveURL)

	const racers = 16
	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.ResolveToken(context.Background(), token)
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
	if len(f.controller.resumed) != 1 {
		t.Errorf("operation resumed %d times, want 1", len(f.controller.resumed))
	}
}

func TestRejectTokenRejectsOperation(t *testing.T) {
	f := newWorkflowFixture(t)
	op := suspendedOp()
	_, _ = f.engine.Start(context.Background(), op, []core.ApprovalLevel{userLevel(1, "alice")})

	token := extractToken(t, f.notifier.requests[0].RejectURL)
	updated, err := f.engine.ResolveToken(context.Background(), token)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != core.ApprovalStatusRejected {
		t.Errorf("status = %s, want rejected", updated.Status)
	}
	if _, ok := f.controller.rejected[op.ID]; !ok {
		t.Error("operation not rejected")
	}
}

func TestExpireRejectsOperation(t *testing.T) {
	f := newWorkflowFixture(t)
	op := suspendedOp()
	instance, _ := f.engine.Start(context.Background(), op, []core.ApprovalLevel{userLevel(1, "alice")})

	stored, _ := f.store.GetInstance(context.Background(), instance.ID)
	if err := f.engine.Expire(context.Background(), stored); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	final, _ := f.store.GetInstance(context.Background(), instance.ID)
	if final.Status != core.ApprovalStatusExpired {
		t.Errorf("status = %s, want expired", final.Status)
	}
	if reason := f.controller.rejected[op.ID]; reason != "approval expired" {
		t.Errorf("reject reason = %q, want approval expired", reason)
	}

	// Expired tokens must be dead.
	token := extractToken(t, f.notifier.requests[0].ApproveURL)
	if _, err := f.engine.ResolveToken(context.Background(), token); err == nil {
		t.Error("token usable after expiry")
	}
}

func TestExpireAutoApprovesConfiguredLevel(t *testing.T) {
	f := newWorkflowFixture(t)
	op := suspendedOp()
	level := userLevel(1, "alice")
	level.AutoApproveOnTimeout = true
	instance, _ := f.engine.Start(context.Background(), op, []core.ApprovalLevel{level})

	stored, _ := f.store.GetInstance(context.Background(), instance.ID)
	if err := f.engine.Expire(context.Background(), stored); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	final, _ := f.store.GetInstance(context.Background(), instance.ID)
	if final.Status != core.ApprovalStatusApproved {
		t.Errorf("status = %s, want approved via auto-approve", final.Status)
	}
	if len(f.controller.resumed) != 1 {
		t.Error("operation not resumed after auto-approval")
	}
	decisions, _ := f.store.ListDecisions(context.Background(), instance.ID)
	if len(decisions) != 1 || decisions[0].ApproverID != SystemActor {
		t.Errorf("expected one system decision, got %v", decisions)
	}
}

func TestCancelRejectsOperation(t *testing.T) {
	f := newWorkflowFixture(t)
	op := suspendedOp()
	instance, _ := f.engine.Start(context.Background(), op, []core.ApprovalLevel{userLevel(1, "alice")})

	if err := f.engine.Cancel(context.Background(), instance.ID, "superseded"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	final, _ := f.store.GetInstance(context.Background(), instance.ID)
	if final.Status != core.ApprovalStatusCancelled {
		t.Errorf("status = %s, want cancelled", final.Status)
	}
	if reason := f.controller.rejected[op.ID]; reason != "superseded" {
		t.Errorf("reject reason = %q", reason)
	}
}

func TestReaperSweep(t *testing.T) {
	f := newWorkflowFixture(t)
	op := suspendedOp()
	instance, _ := f.engine.Start(context.Background(), op, []core.ApprovalLevel{userLevel(1, "alice")})

	// Force the deadline into the past.
	stored, _ := f.store.GetInstance(context.Background(), instance.ID)
	stored.ExpiresAt = time.Now().UTC().Add(-time.Hour)
	_ = f.store.UpdateInstance(context.Background(), stored)

	logger, _ := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Output: "stderr"})
	reaper := NewReaper(f.engine, f.store, logger, time.Second)

	n, err := reaper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("swept = %d, want 1", n)
	}
	final, _ := f.store.GetInstance(context.Background(), instance.ID)
	if final.Status != core.ApprovalStatusExpired {
		t.Errorf("status = %s, want expired", final.Status)
	}
}
