package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the provisioning gateway.
// When collection is disabled every method is a no-op.
type Metrics struct {
	config MetricsConfig

	// Operation metrics
	operationsStarted   *prometheus.CounterVec
	operationsCompleted *prometheus.CounterVec
	operationDuration   *prometheus.HistogramVec
	activeOperations    prometheus.Gauge

	// Connector metrics
	connectorCalls    *prometheus.CounterVec
	connectorDuration *prometheus.HistogramVec
	connectorErrors   *prometheus.CounterVec

	// Rollback metrics
	rollbackActions *prometheus.CounterVec

	// Rule metrics
	ruleEvaluations *prometheus.CounterVec

	// Workflow metrics
	workflowDecisions *prometheus.CounterVec
	tokensResolved    *prometheus.CounterVec
	workflowsExpired  prometheus.Counter

	// Reconciliation metrics
	reconcileAccounts      *prometheus.CounterVec
	reconcileDiscrepancies *prometheus.CounterVec
	reconcileJobDuration   *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		operationsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_started_total",
				Help:      "Total number of provisioning operations started",
			},
			[]string{"type"},
		),
		operationsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_completed_total",
				Help:      "Total number of provisioning operations completed",
			},
			[]string{"type", "status"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of provisioning operations in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"type", "status"},
		),
		activeOperations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_operations",
				Help:      "Current number of in-flight operations",
			},
		),

		connectorCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connector_calls_total",
				Help:      "Total number of connector calls",
			},
			[]string{"target", "call"},
		),
		connectorDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connector_call_duration_seconds",
				Help:      "Duration of connector calls in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"target", "call"},
		),
		connectorErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connector_errors_total",
				Help:      "Total number of connector call failures",
			},
			[]string{"target", "call"},
		),

		rollbackActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollback_actions_total",
				Help:      "Total number of compensation actions executed",
			},
			[]string{"target", "action", "status"},
		),

		ruleEvaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rule_evaluations_total",
				Help:      "Total number of rule evaluations",
			},
			[]string{"target", "status"},
		),

		workflowDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_decisions_total",
				Help:      "Total number of recorded approval decisions",
			},
			[]string{"decision"},
		),
		tokensResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "approval_tokens_resolved_total",
				Help:      "Total number of approval token resolutions",
			},
			[]string{"outcome"},
		),
		workflowsExpired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflows_expired_total",
				Help:      "Total number of workflow instances expired by the reaper",
			},
		),

		reconcileAccounts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_accounts_total",
				Help:      "Total number of accounts scanned by reconciliation",
			},
			[]string{"target"},
		),
		reconcileDiscrepancies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_discrepancies_total",
				Help:      "Total number of discrepancies detected",
			},
			[]string{"target", "type"},
		),
		reconcileJobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconcile_job_duration_seconds",
				Help:      "Duration of reconciliation jobs in seconds",
				Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		m.operationsStarted,
		m.operationsCompleted,
		m.operationDuration,
		m.activeOperations,
		m.connectorCalls,
		m.connectorDuration,
		m.connectorErrors,
		m.rollbackActions,
		m.ruleEvaluations,
		m.workflowDecisions,
		m.tokensResolved,
		m.workflowsExpired,
		m.reconcileAccounts,
		m.reconcileDiscrepancies,
		m.reconcileJobDuration,
	)

	return m, nil
}

// RecordOperationStarted increments the counter for started operations.
func (m *Metrics) RecordOperationStarted(opType string) {
	if m == nil || m.operationsStarted == nil {
		return
	}
	m.operationsStarted.WithLabelValues(opType).Inc()
	m.activeOperations.Inc()
}

// RecordOperationCompleted records a finished operation with its terminal
// status and duration.
func (m *Metrics) RecordOperationCompleted(opType, status string, duration time.Duration) {
	if m == nil || m.operationsCompleted == nil {
		return
	}
	m.operationsCompleted.WithLabelValues(opType, status).Inc()
	m.operationDuration.WithLabelValues(opType, status).Observe(duration.Seconds())
	m.activeOperations.Dec()
}

// RecordConnectorCall records a connector call with its duration.
func (m *Metrics) RecordConnectorCall(target, call string, duration time.Duration, err error) {
	if m == nil || m.connectorCalls == nil {
		return
	}
	m.connectorCalls.WithLabelValues(target, call).Inc()
	m.connectorDuration.WithLabelValues(target, call).Observe(duration.Seconds())
	if err != nil {
		m.connectorErrors.WithLabelValues(target, call).Inc()
	}
}

// RecordRollbackAction records one executed or failed compensation.
func (m *Metrics) RecordRollbackAction(target, action, status string) {
	if m == nil || m.rollbackActions == nil {
		return
	}
	m.rollbackActions.WithLabelValues(target, action, status).Inc()
}

// RecordRuleEvaluation records one rule evaluation outcome.
func (m *Metrics) RecordRuleEvaluation(target, status string) {
	if m == nil || m.ruleEvaluations == nil {
		return
	}
	m.ruleEvaluations.WithLabelValues(target, status).Inc()
}

// RecordWorkflowDecision records one approval decision.
func (m *Metrics) RecordWorkflowDecision(decision string) {
	if m == nil || m.workflowDecisions == nil {
		return
	}
	m.workflowDecisions.WithLabelValues(decision).Inc()
}

// RecordTokenResolution records a token resolution attempt outcome:
// consumed, reused, or invalid.
func (m *Metrics) RecordTokenResolution(outcome string) {
	if m == nil || m.tokensResolved == nil {
		return
	}
	m.tokensResolved.WithLabelValues(outcome).Inc()
}

// RecordWorkflowExpired counts one instance expired by the reaper.
func (m *Metrics) RecordWorkflowExpired() {
	if m == nil || m.workflowsExpired == nil {
		return
	}
	m.workflowsExpired.Inc()
}

// RecordReconcileAccount counts one scanned account.
func (m *Metrics) RecordReconcileAccount(target string) {
	if m == nil || m.reconcileAccounts == nil {
		return
	}
	m.reconcileAccounts.WithLabelValues(target).Inc()
}

// RecordDiscrepancy counts one detected discrepancy.
func (m *Metrics) RecordDiscrepancy(target, discrepancyType string) {
	if m == nil || m.reconcileDiscrepancies == nil {
		return
	}
	m.reconcileDiscrepancies.WithLabelValues(target, discrepancyType).Inc()
}

// RecordReconcileJob records a finished reconciliation job.
func (m *Metrics) RecordReconcileJob(status string, duration time.Duration) {
	if m == nil || m.reconcileJobDuration == nil {
		return
	}
	m.reconcileJobDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
