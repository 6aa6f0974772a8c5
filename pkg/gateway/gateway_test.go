package gateway

import (
	"context"
	"errors"
	"net/url"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/identigate/identigate/pkg/connectors"
	"github.com/identigate/identigate/pkg/core"
	"github.com/identigate/identigate/pkg/provision"
	"github.com/identigate/identigate/pkg/rules"
	"github.com/identigate/identigate/pkg/telemetry"
	"github.com/identigate/identigate/pkg/workflow"
)

// memOpStore is an in-memory OperationStore.
type memOpStore struct {
	mu      sync.Mutex
	ops     map[string]*core.Operation
	actions map[string][]*core.RollbackAction
	states  map[string]map[string]any
}

func newMemOpStore() *memOpStore {
	return &memOpStore{
		ops:     make(map[string]*core.Operation),
		actions: make(map[string][]*core.RollbackAction),
		states:  make(map[string]map[string]any),
	}
}

func (s *memOpStore) CreateOperation(ctx context.Context, op *core.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *op
	s.ops[op.ID] = &cp
	return nil
}

func (s *memOpStore) GetOperation(ctx context.Context, id string) (*core.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return nil, core.NewStorageError("operation not found", nil).
			WithCode(core.ErrCodeNotFound).WithResource(id)
	}
	cp := *op
	return &cp, nil
}

func (s *memOpStore) UpdateOperation(ctx context.Context, op *core.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *op
	s.ops[op.ID] = &cp
	return nil
}

func (s *memOpStore) ClaimOperation(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return core.NewStorageError("operation not found", nil).WithCode(core.ErrCodeNotFound)
	}
	if op.Status != core.OperationStatusPending && op.Status != core.OperationStatusAwaitingApproval {
		return core.NewValidationError("operation is not executable", nil).
			WithCode(core.ErrCodeTerminalState).
			WithResource(id)
	}
	op.Status = core.OperationStatusInProgress
	op.UpdatedAt = at
	return nil
}

func (s *memOpStore) ListOperations(ctx context.Context, accountID string, status core.OperationStatus, limit int) ([]*core.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.Operation
	for _, op := range s.ops {
		if accountID != "" && op.AccountID != accountID {
			continue
		}
		if status != "" && op.Status != status {
			continue
		}
		cp := *op
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memOpStore) CreateRollbackAction(ctx context.Context, a *core.RollbackAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.actions[a.OperationID] = append(s.actions[a.OperationID], &cp)
	return nil
}

func (s *memOpStore) MarkRollbackExecuted(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, actions := range s.actions {
		for _, a := range actions {
			if a.ID == id {
				a.Executed = true
				a.ExecutedAt = &at
				return nil
			}
		}
	}
	return core.NewStorageError("rollback action not found", nil).WithCode(core.ErrCodeNotFound)
}

func (s *memOpStore) ListRollbackActions(ctx context.Context, opID string) ([]*core.RollbackAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*core.RollbackAction(nil), s.actions[opID]...), nil
}

func (s *memOpStore) SaveTargetState(ctx context.Context, accountID, target string, attrs map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[accountID+"/"+target] = attrs
	return nil
}

func (s *memOpStore) DeleteTargetState(ctx context.Context, accountID, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, accountID+"/"+target)
	return nil
}

func (s *memOpStore) GetTargetState(ctx context.Context, accountID, target string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attrs, ok := s.states[accountID+"/"+target]
	if !ok {
		return nil, core.NewStorageError("no cached state", nil).WithCode(core.ErrCodeNotFound)
	}
	return attrs, nil
}

// memIdentityStore is an in-memory IdentityStore.
type memIdentityStore struct {
	mu         sync.Mutex
	identities map[string]*core.Identity
}

func newMemIdentityStore() *memIdentityStore {
	return &memIdentityStore{identities: make(map[string]*core.Identity)}
}

func (s *memIdentityStore) UpsertIdentity(ctx context.Context, identity *core.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *identity
	s.identities[identity.ID] = &cp
	return nil
}

func (s *memIdentityStore) GetIdentity(ctx context.Context, id string) (*core.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.identities[id]
	if !ok {
		return nil, core.NewStorageError("identity not found", nil).
			WithCode(core.ErrCodeNotFound).WithResource(id)
	}
	cp := *identity
	return &cp, nil
}

func (s *memIdentityStore) ListIdentities(ctx context.Context) ([]*core.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.Identity
	for _, identity := range s.identities {
		cp := *identity
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memIdentityStore) DeleteIdentity(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.identities, id)
	return nil
}

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

// memTokenStore is an in-memory TokenStore.
type memTokenStore struct {
	mu     sync.Mutex
	tokens map[string]*core.ApprovalToken
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

// recordingNotifier keeps every approval request so tests can pull tokens.
type recordingNotifier struct {
	mu       sync.Mutex
	requests []core.ApprovalRequestNotice
}

func (n *recordingNotifier) SendApprovalRequest(ctx context.Context, notice core.ApprovalRequestNotice) (core.ApprovalRequestResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requests = append(n.requests, notice)
	return core.ApprovalRequestResult{Delivered: true}, nil
}

func (n *recordingNotifier) SendDecisionNotice(ctx context.Context, notice core.DecisionNotice) error {
	return nil
}

func (n *recordingNotifier) lastRequest(t *testing.T) core.ApprovalRequestNotice {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.requests) == 0 {
		t.Fatal("no approval requests were sent")
	}
	return n.requests[len(n.requests)-1]
}

type nopAuditor struct{}

func (nopAuditor) LogEvent(context.Context, core.AuditEvent) {}

// gwFixture wires a gateway over real rule, orchestrator, and workflow
// engines with in-memory storage and in-memory connectors.
type gwFixture struct {
	gateway    *Gateway
	ops        *memOpStore
	identities *memIdentityStore
	ldap       *connectors.Memory
	sql        *connectors.Memory
	notifier   *recordingNotifier
}

type fixedRules struct{ rs *rules.RuleSet }

func (f fixedRules) Snapshot() *rules.RuleSet { return f.rs }

func newGatewayFixture(t *testing.T) *gwFixture {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Output: "stderr"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	registry := connectors.NewRegistry()
	ldap := connectors.NewMemory("ldap")
	sqlTarget := connectors.NewMemory("sql")
	if err := registry.Register(ldap); err != nil {
		t.Fatalf("Register(ldap): %v", err)
	}
	if err := registry.Register(sqlTarget); err != nil {
		t.Fatalf("Register(sql): %v", err)
	}

	ops := newMemOpStore()
	orchestrator := provision.NewOrchestrator(provision.Options{
		Registry: registry,
		Store:    ops,
		Audit:    nopAuditor{},
		Logger:   logger,
		Metrics:  metrics,
	})

	notifier := &recordingNotifier{}
	wf := workflow.NewEngine(workflow.Options{
		Store:      newMemWorkflowStore(),
		Tokens:     newMemTokenStore(),
		Directory:  workflow.NewStaticDirectory(map[string][]string{"manager": {"boss@corp.example.com"}}),
		Notifier:   notifier,
		Controller: orchestrator,
		Audit:      nopAuditor{},
		Logger:     logger,
		Metrics:    metrics,
		BaseURL:    "https://idgate.corp.example.com",
	})

	rs, err := rules.Compile([]core.Rule{
		{
			ID: "login", Name: "login", Type: core.RuleTypeCalculation,
			TargetSystem: "ldap", TargetAttribute: "uid",
			Expression: "{{ generate_login(firstname, lastname) }}",
			Priority:   100, Status: core.RuleStatusActive,
		},
		{
			ID: "email", Name: "email", Type: core.RuleTypeCalculation,
			TargetSystem: "ldap", TargetAttribute: "mail",
			Expression: "{{ generate_email(uid, 'corp.example.com') }}",
			Priority:   90, Status: core.RuleStatusActive,
		},
		{
			ID: "sql-login", Name: "sql-login", Type: core.RuleTypeCalculation,
			TargetSystem: "sql", TargetAttribute: "username",
			Expression: "{{ firstname | lower }}",
			Priority:   100, Status: core.RuleStatusActive,
		},
	}, []core.Policy{
		{
			ID: "ldap-login-only", Name: "LDAP login only",
			Rules:  []string{"login"},
			Status: core.RuleStatusActive,
		},
	}, "test")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	identities := newMemIdentityStore()
	f := &gwFixture{
		ops:        ops,
		identities: identities,
		ldap:       ldap,
		sql:        sqlTarget,
		notifier:   notifier,
	}
	f.gateway = New(Options{
		Rules:        fixedRules{rs: rs},
		Calculator:   rules.NewEngine(logger, metrics),
		Orchestrator: orchestrator,
		Workflow:     wf,
		Store:        ops,
		Identities:   identities,
		Audit:        nopAuditor{},
		Logger:       logger,
		Metrics:      metrics,
		Levels: []core.ApprovalLevel{
			{Number: 1, Name: "manager", ApproverType: core.ApproverTypeManager},
		},
	})
	return f
}

func createRequest() *core.ProvisioningRequest {
	return &core.ProvisioningRequest{
		AccountID:     "emp-1042",
		OperationType: core.OperationCreate,
		TargetSystems: []string{"ldap", "sql"},
		Attributes:    map[string]any{"firstname": "Jean", "lastname": "Dupont"},
		Requester:     "hr@corp.example.com",
	}
}

func TestProvisionCreateEndToEnd(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()

	resp, err := f.gateway.Provision(ctx, createRequest())
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if resp.Status != core.OperationStatusSuccess {
		t.Fatalf("status = %s, want %s (errors: %v)", resp.Status, core.OperationStatusSuccess, resp.Errors)
	}
	if got := resp.CalculatedAttributes["ldap"]["uid"]; got != "jean.dupont" {
		t.Errorf("ldap uid = %v, want jean.dupont", got)
	}
	if got := resp.CalculatedAttributes["ldap"]["mail"]; got != "jean.dupont@corp.example.com" {
		t.Errorf("ldap mail = %v", got)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(resp.Results))
	}
	for _, r := range resp.Results {
		if !r.Success {
			t.Errorf("target %s failed: %s", r.TargetSystem, r.Error)
		}
	}

	account, err := f.ldap.GetAccount(ctx, "emp-1042")
	if err != nil {
		t.Fatalf("ldap account missing: %v", err)
	}
	if account["uid"] != "jean.dupont" {
		t.Errorf("provisioned uid = %v", account["uid"])
	}
	if _, err := f.sql.GetAccount(ctx, "emp-1042"); err != nil {
		t.Errorf("sql account missing: %v", err)
	}

	identity, err := f.identities.GetIdentity(ctx, "emp-1042")
	if err != nil {
		t.Fatalf("hub identity missing: %v", err)
	}
	if identity.Attributes["firstname"] != "Jean" {
		t.Errorf("hub firstname = %v", identity.Attributes["firstname"])
	}
}

func TestProvisionValidation(t *testing.T) {
	f := newGatewayFixture(t)

	for name, req := range map[string]*core.ProvisioningRequest{
		"missing account": {
			OperationType: core.OperationCreate,
			TargetSystems: []string{"ldap"},
		},
		"no targets": {
			AccountID:     "emp-1",
			OperationType: core.OperationCreate,
		},
		"bad type": {
			AccountID:     "emp-1",
			OperationType: "promote",
			TargetSystems: []string{"ldap"},
		},
	} {
		if _, err := f.gateway.Provision(context.Background(), req); err == nil {
			t.Errorf("%s: expected an error", name)
		} else {
			var ge *core.GatewayError
			if !errors.As(err, &ge) || ge.Code != core.ErrCodeValidation {
				t.Errorf("%s: error = %v, want %s", name, err, core.ErrCodeValidation)
			}
		}
	}
}

func TestProvisionWithPolicyFiltersRules(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()

	req := createRequest()
	req.TargetSystems = []string{"ldap"}
	req.PolicyID = "ldap-login-only"
	resp, err := f.gateway.Provision(ctx, req)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if resp.Status != core.OperationStatusSuccess {
		t.Fatalf("status = %s (errors: %v)", resp.Status, resp.Errors)
	}
	if got := resp.CalculatedAttributes["ldap"]["uid"]; got != "jean.dupont" {
		t.Errorf("ldap uid = %v, want jean.dupont", got)
	}
	if _, ok := resp.CalculatedAttributes["ldap"]["mail"]; ok {
		t.Error("rule outside the policy must not contribute attributes")
	}

	op, err := f.gateway.Operation(ctx, resp.OperationID)
	if err != nil {
		t.Fatalf("Operation: %v", err)
	}
	if op.PolicyID != "ldap-login-only" {
		t.Errorf("operation policy id = %q, want ldap-login-only", op.PolicyID)
	}
}

func TestProvisionRejectsUnknownPolicy(t *testing.T) {
	f := newGatewayFixture(t)

	req := createRequest()
	req.PolicyID = "no-such-policy"
	_, err := f.gateway.Provision(context.Background(), req)
	if !core.IsNotFound(err) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
	// The hub identity must not have been recorded for a refused request.
	if _, err := f.identities.GetIdentity(context.Background(), "emp-1042"); !core.IsNotFound(err) {
		t.Errorf("identity recorded despite refused request: %v", err)
	}
}

func TestProvisionRollsBackOnUnknownTarget(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()

	req := createRequest()
	req.TargetSystems = []string{"ldap", "mainframe"}
	resp, err := f.gateway.Provision(ctx, req)
	if err == nil {
		t.Fatal("expected an execution error")
	}
	if resp == nil {
		t.Fatal("expected a response describing the failed operation")
	}
	if resp.Status != core.OperationStatusRolledBack {
		t.Fatalf("status = %s, want %s", resp.Status, core.OperationStatusRolledBack)
	}
	if _, err := f.ldap.GetAccount(ctx, "emp-1042"); !core.IsNotFound(err) {
		t.Errorf("ldap account should have been compensated away, got %v", err)
	}

	actions, err := f.gateway.RollbackActions(ctx, resp.OperationID)
	if err != nil {
		t.Fatalf("RollbackActions: %v", err)
	}
	if len(actions) != 1 || actions[0].ActionType != core.RollbackDelete || !actions[0].Executed {
		t.Errorf("rollback log = %+v", actions)
	}
}

func TestProvisionWithApprovalFreezesAttributes(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()

	req := createRequest()
	req.RequireApproval = true
	resp, err := f.gateway.Provision(ctx, req)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if resp.Status != core.OperationStatusAwaitingApproval {
		t.Fatalf("status = %s, want %s", resp.Status, core.OperationStatusAwaitingApproval)
	}
	if resp.WorkflowInstanceID == "" {
		t.Fatal("expected a workflow instance id")
	}
	if _, err := f.ldap.GetAccount(ctx, "emp-1042"); !core.IsNotFound(err) {
		t.Fatalf("no target may be touched before approval, got %v", err)
	}

	// Hub attribute changes after suspension must not leak into the
	// provisioned account: the calculated attributes are frozen.
	identity, err := f.identities.GetIdentity(ctx, "emp-1042")
	if err != nil {
		t.Fatalf("GetIdentity: %v", err)
	}
	identity.Attributes["lastname"] = "Durand"
	if err := f.identities.UpsertIdentity(ctx, identity); err != nil {
		t.Fatalf("UpsertIdentity: %v", err)
	}

	instance, err := f.gateway.Decide(ctx, resp.WorkflowInstanceID, "boss@corp.example.com",
		core.ApprovalStatusApproved, "ok")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if instance.Status != core.ApprovalStatusApproved {
		t.Fatalf("instance status = %s", instance.Status)
	}

	account, err := f.ldap.GetAccount(ctx, "emp-1042")
	if err != nil {
		t.Fatalf("ldap account missing after approval: %v", err)
	}
	if account["uid"] != "jean.dupont" {
		t.Errorf("uid = %v, want the frozen jean.dupont", account["uid"])
	}

	op, err := f.gateway.Operation(ctx, resp.OperationID)
	if err != nil {
		t.Fatalf("Operation: %v", err)
	}
	if op.Status != core.OperationStatusSuccess {
		t.Errorf("operation status = %s", op.Status)
	}
}

func TestProvisionApprovalByEmailToken(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()

	req := createRequest()
	req.RequireApproval = true
	resp, err := f.gateway.Provision(ctx, req)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}

	notice := f.notifier.lastRequest(t)
	if notice.Approver != "boss@corp.example.com" {
		t.Fatalf("approver = %s", notice.Approver)
	}
	approveURL, err := url.Parse(notice.ApproveURL)
	if err != nil {
		t.Fatalf("bad approve URL: %v", err)
	}
	token := approveURL.Query().Get("token")
	if token == "" {
		t.Fatalf("no token in %q", notice.ApproveURL)
	}

	instance, err := f.gateway.ResolveApprovalToken(ctx, token)
	if err != nil {
		t.Fatalf("ResolveApprovalToken: %v", err)
	}
	if instance.Status != core.ApprovalStatusApproved {
		t.Fatalf("instance status = %s", instance.Status)
	}

	// A second click of the same link must be refused.
	if _, err := f.gateway.ResolveApprovalToken(ctx, token); err == nil {
		t.Fatal("expected second token use to fail")
	} else {
		var ge *core.GatewayError
		if !errors.As(err, &ge) || ge.Code != core.ErrCodeTokenUsed {
			t.Errorf("error = %v, want %s", err, core.ErrCodeTokenUsed)
		}
	}

	op, err := f.gateway.Operation(ctx, resp.OperationID)
	if err != nil {
		t.Fatalf("Operation: %v", err)
	}
	if op.Status != core.OperationStatusSuccess {
		t.Errorf("operation status = %s", op.Status)
	}
}

func TestProvisionRejectionNeverTouchesTargets(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()

	req := createRequest()
	req.RequireApproval = true
	resp, err := f.gateway.Provision(ctx, req)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}

	if _, err := f.gateway.Decide(ctx, resp.WorkflowInstanceID, "boss@corp.example.com",
		core.ApprovalStatusRejected, "not to be hired"); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	op, err := f.gateway.Operation(ctx, resp.OperationID)
	if err != nil {
		t.Fatalf("Operation: %v", err)
	}
	if op.Status != core.OperationStatusRejected {
		t.Fatalf("operation status = %s, want %s", op.Status, core.OperationStatusRejected)
	}
	if _, err := f.ldap.GetAccount(ctx, "emp-1042"); !core.IsNotFound(err) {
		t.Errorf("no target may be touched after rejection, got %v", err)
	}
}

func TestOperationsListing(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()

	if _, err := f.gateway.Provision(ctx, createRequest()); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	second := createRequest()
	second.AccountID = "emp-2000"
	if _, err := f.gateway.Provision(ctx, second); err != nil {
		t.Fatalf("Provision: %v", err)
	}

	ops, err := f.gateway.Operations(ctx, "emp-1042", "", 10)
	if err != nil {
		t.Fatalf("Operations: %v", err)
	}
	if len(ops) != 1 || ops[0].AccountID != "emp-1042" {
		t.Errorf("filtered listing = %+v", ops)
	}

	all, err := f.gateway.Operations(ctx, "", core.OperationStatusSuccess, 10)
	if err != nil {
		t.Fatalf("Operations: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("success listing = %d, want 2", len(all))
	}
}
