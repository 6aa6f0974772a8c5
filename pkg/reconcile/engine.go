// Package reconcile implements the reconciliation engine: background jobs
// that diff the hub's identities against each target system, classify the
// discrepancies, and apply operator-chosen resolutions.
package reconcile

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/identigate/identigate/pkg/core"
	"github.com/identigate/identigate/pkg/telemetry"
)

// Options configures the reconciliation engine.
type Options struct {
	Registry   core.ConnectorRegistry
	Store      core.ReconciliationStore
	Identities core.IdentityStore
	Operations core.OperationStore
	Audit      core.Auditor
	Logger     *telemetry.Logger
	Metrics    *telemetry.Metrics
	Tracer     *telemetry.Tracer
	Events     *telemetry.EventPublisher

	// Mappings overrides DefaultMappings per target system.
	Mappings map[string]Mapping
}

// Engine runs reconciliation jobs. At most one job may be active per target
// system; a job covering several targets holds all of them.
type Engine struct {
	registry   core.ConnectorRegistry
	store      core.ReconciliationStore
	identities core.IdentityStore
	operations core.OperationStore
	audit      core.Auditor
	logger     *telemetry.Logger
	metrics    *telemetry.Metrics
	tracer     *telemetry.Tracer
	events     *telemetry.EventPublisher
	mappings   map[string]Mapping

	mu      sync.Mutex
	active  map[string]string             // target -> job id
	cancels map[string]context.CancelFunc // job id -> cancel
	wg      sync.WaitGroup
}

// NewEngine creates a reconciliation engine.
func NewEngine(opts Options) *Engine {
	mappings := opts.Mappings
	if mappings == nil {
		mappings = DefaultMappings()
	}
	return &Engine{
		registry:   opts.Registry,
		store:      opts.Store,
		identities: opts.Identities,
		operations: opts.Operations,
		audit:      opts.Audit,
		logger:     opts.Logger.NewComponentLogger("reconcile"),
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		events:     opts.Events,
		mappings:   mappings,
		active:     make(map[string]string),
		cancels:    make(map[string]context.CancelFunc),
	}
}

// StartJob creates a job over the given targets and runs it in the
// background. A target already held by an active job fails the whole start
// with JOB_ALREADY_ACTIVE.
func (e *Engine) StartJob(ctx context.Context, targets []string, startedBy string) (*core.ReconciliationJob, error) {
	if len(targets) == 0 {
		return nil, core.NewValidationError("job needs at least one target system", nil)
	}
	for _, target := range targets {
		if _, err := e.registry.Get(target); err != nil {
			return nil, err
		}
	}

	job := &core.ReconciliationJob{
		ID:            uuid.New().String(),
		Status:        core.JobStatusPending,
		TargetSystems: targets,
		StartedBy:     startedBy,
		StartedAt:     time.Now().UTC(),
	}

	e.mu.Lock()
	for _, target := range targets {
		if holder, busy := e.active[target]; busy {
			e.mu.Unlock()
			return nil, core.NewReconciliationError("target already being reconciled", nil).
				WithCode(core.ErrCodeJobActive).
				WithTarget(target).
				WithDetail("job_id", holder)
		}
	}
	for _, target := range targets {
		e.active[target] = job.ID
	}
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancels[job.ID] = cancel
	e.mu.Unlock()

	if err := e.store.CreateJob(ctx, job); err != nil {
		e.releaseJob(job)
		return nil, core.NewStorageError("failed to create job", err)
	}

	e.audit.LogEvent(ctx, core.AuditEvent{
		EventType: "reconcile.job_started",
		Actor:     startedBy,
		Resource:  job.ID,
		Outcome:   "started",
		Details:   map[string]any{"targets": targets},
	})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.releaseJob(job)
		e.run(jobCtx, job)
	}()

	return job, nil
}

// Cancel stops a running job. The job finishes its current account and
// records the cancelled status itself.
func (e *Engine) Cancel(ctx context.Context, jobID string) error {
	e.mu.Lock()
	cancel, ok := e.cancels[jobID]
	e.mu.Unlock()
	if !ok {
		job, err := e.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			return core.NewReconciliationError("job already finished", nil).
				WithCode(core.ErrCodeTerminalState).
				WithResource(jobID)
		}
		return core.NewReconciliationError("job is not running here", nil).WithResource(jobID)
	}
	cancel()
	return nil
}

// Wait blocks until every background job has finished. For shutdown.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) releaseJob(job *core.ReconciliationJob) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, target := range job.TargetSystems {
		if e.active[target] == job.ID {
			delete(e.active, target)
		}
	}
	delete(e.cancels, job.ID)
}

// run scans every target of the job. Per-account failures are recorded on
// the job and do not abort the scan; cancellation stops between accounts.
func (e *Engine) run(ctx context.Context, job *core.ReconciliationJob) {
	logger := e.logger.WithJobID(job.ID)
	start := time.Now()

	if e.tracer != nil {
		var end func()
		ctx, end = e.startSpan(ctx, job.ID)
		defer end()
	}

	job.Status = core.JobStatusRunning
	if err := e.store.UpdateJob(ctx, job); err != nil {
		logger.WithError(err).Error("failed to mark job running")
	}

	identities, err := e.identities.ListIdentities(ctx)
	if err != nil {
		e.finishJob(ctx, job, core.JobStatusFailed, start)
		logger.WithError(err).Error("failed to list hub identities")
		return
	}
	hubByKey := make(map[string]*core.Identity, len(identities))
	for _, identity := range identities {
		key := accountKey(identity.Attributes)
		if key == "" {
			key = normalizeKey(identity.ID)
		}
		hubByKey[key] = identity
	}

	cancelled := false
	for _, target := range job.TargetSystems {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		if err := e.scanTarget(ctx, job, target, hubByKey); err != nil {
			if ctx.Err() != nil {
				cancelled = true
				break
			}
			job.Errors = append(job.Errors, core.ItemError{
				TargetSystem: target,
				Message:      err.Error(),
			})
			logger.WithTargetSystem(target).WithError(err).Error("target scan failed")
		}
		if err := e.store.UpdateJob(ctx, job); err != nil {
			logger.WithError(err).Warn("failed to persist job progress")
		}
	}

	status := core.JobStatusCompleted
	if cancelled {
		status = core.JobStatusCancelled
	}
	e.finishJob(ctx, job, status, start)
	logger.Infof("job %s: %d accounts scanned, %d discrepancies",
		status, job.ProcessedAccounts, job.DiscrepanciesFound)
}

// progressFlushEvery is how many processed accounts a scan may accumulate
// before the job's counters are persisted. Large targets report live progress
// instead of jumping from zero to done.
const progressFlushEvery = 25

func (e *Engine) flushProgress(ctx context.Context, job *core.ReconciliationJob) {
	if job.ProcessedAccounts%progressFlushEvery != 0 {
		return
	}
	if err := e.store.UpdateJob(ctx, job); err != nil {
		e.logger.WithJobID(job.ID).WithError(err).Warn("failed to persist job progress")
	}
}

// scanTarget diffs the hub against one target system.
func (e *Engine) scanTarget(ctx context.Context, job *core.ReconciliationJob, target string, hubByKey map[string]*core.Identity) error {
	conn, err := e.registry.Get(target)
	if err != nil {
		return err
	}
	accounts, err := conn.ListAccounts(ctx)
	if err != nil {
		return core.NewConnectorError("failed to list target accounts", err).WithTarget(target)
	}

	mapping := e.mappings[target]

	targetByKey := make(map[string]map[string]any, len(accounts))
	for _, attrs := range accounts {
		key := accountKey(attrs)
		if key == "" {
			job.Errors = append(job.Errors, core.ItemError{
				TargetSystem: target,
				Message:      "target account has no identity key attribute",
			})
			continue
		}
		targetByKey[key] = attrs
	}

	job.TotalAccounts += len(hubByKey) + countUnmatched(targetByKey, hubByKey)

	for key, identity := range hubByKey {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		job.ProcessedAccounts++
		e.metrics.RecordReconcileAccount(target)
		e.flushProgress(ctx, job)

		attrs, present := targetByKey[key]
		if !present {
			e.recordDiscrepancy(ctx, job, &core.Discrepancy{
				AccountID:      identity.ID,
				TargetSystem:   target,
				Type:           core.DiscrepancyMissingInTarget,
				HubValue:       identity.Attributes,
				Recommendation: core.ResolveUseHub,
			})
			continue
		}
		e.compareAttributes(ctx, job, target, identity, attrs, mapping)
	}

	for key, attrs := range targetByKey {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, known := hubByKey[key]; known {
			continue
		}
		job.ProcessedAccounts++
		e.metrics.RecordReconcileAccount(target)
		e.flushProgress(ctx, job)
		e.recordDiscrepancy(ctx, job, &core.Discrepancy{
			AccountID:      targetAccountID(attrs, key),
			TargetSystem:   target,
			Type:           core.DiscrepancyMissingInHub,
			TargetValue:    attrs,
			Recommendation: core.ResolveUseTarget,
		})
	}
	return nil
}

// compareAttributes records one attribute_mismatch per differing mapped
// attribute.
func (e *Engine) compareAttributes(ctx context.Context, job *core.ReconciliationJob, target string, identity *core.Identity, targetAttrs map[string]any, mapping Mapping) {
	for hubAttr, targetAttr := range mapping {
		hubValue, hasHub := identity.Attributes[hubAttr]
		targetValue, hasTarget := targetAttrs[targetAttr]
		if !hasHub && !hasTarget {
			continue
		}
		if valuesMatch(hubValue, targetValue) {
			continue
		}
		e.recordDiscrepancy(ctx, job, &core.Discrepancy{
			AccountID:      identity.ID,
			TargetSystem:   target,
			Type:           core.DiscrepancyAttributeMismatch,
			Attribute:      hubAttr,
			HubValue:       hubValue,
			TargetValue:    targetValue,
			Recommendation: core.ResolveUseHub,
		})
	}
}

func (e *Engine) recordDiscrepancy(ctx context.Context, job *core.ReconciliationJob, d *core.Discrepancy) {
	d.ID = uuid.New().String()
	d.JobID = job.ID
	d.DetectedAt = time.Now().UTC()
	if err := e.store.CreateDiscrepancy(ctx, d); err != nil {
		job.Errors = append(job.Errors, core.ItemError{
			AccountID:    d.AccountID,
			TargetSystem: d.TargetSystem,
			Message:      fmt.Sprintf("failed to record discrepancy: %s", err),
		})
		return
	}
	job.DiscrepanciesFound++
	e.metrics.RecordDiscrepancy(d.TargetSystem, string(d.Type))
	e.events.PublishDiscrepancyDetected(job.ID, d.AccountID, d.TargetSystem, string(d.Type))
}

func (e *Engine) finishJob(ctx context.Context, job *core.ReconciliationJob, status core.JobStatus, start time.Time) {
	now := time.Now().UTC()
	job.Status = status
	job.CompletedAt = &now
	if err := e.store.UpdateJob(ctx, job); err != nil {
		e.logger.WithJobID(job.ID).WithError(err).Error("failed to finalize job")
	}
	e.metrics.RecordReconcileJob(string(status), time.Since(start))
	e.audit.LogEvent(ctx, core.AuditEvent{
		EventType: "reconcile.job_finished",
		Resource:  job.ID,
		Outcome:   string(status),
		Details: map[string]any{
			"processed":     job.ProcessedAccounts,
			"discrepancies": job.DiscrepanciesFound,
		},
	})
}

func (e *Engine) startSpan(ctx context.Context, jobID string) (context.Context, func()) {
	ctx, span := e.tracer.StartReconcileSpan(ctx, jobID)
	return ctx, func() { span.End() }
}

func countUnmatched(targetByKey map[string]map[string]any, hubByKey map[string]*core.Identity) int {
	n := 0
	for key := range targetByKey {
		if _, known := hubByKey[key]; !known {
			n++
		}
	}
	return n
}

// valuesMatch compares loosely: numbers compare numerically regardless of
// type, everything else by trimmed string form. A missing side only matches
// another missing side.
func valuesMatch(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return strings.TrimSpace(fmt.Sprint(a)) == strings.TrimSpace(fmt.Sprint(b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
