// Package audit records the gateway's append-only audit trail.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/identigate/identigate/pkg/core"
	"github.com/identigate/identigate/pkg/telemetry"
)

// Recorder persists audit events and mirrors them to the structured log.
// A failed write is logged and swallowed: audit must never fail the
// operation that produced the event.
type Recorder struct {
	store  core.AuditStore
	logger *telemetry.Logger
}

// NewRecorder creates a recorder over the audit store.
func NewRecorder(store core.AuditStore, logger *telemetry.Logger) *Recorder {
	return &Recorder{
		store:  store,
		logger: logger.NewComponentLogger("audit"),
	}
}

// LogEvent records one event. Implements core.Auditor.
func (r *Recorder) LogEvent(ctx context.Context, event core.AuditEvent) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	logger := r.logger.WithField("event_type", event.EventType)
	if event.AccountID != "" {
		logger = logger.WithAccountID(event.AccountID)
	}
	logger.Debugf("%s %s", event.EventType, event.Outcome)

	if err := r.store.AppendAuditEvent(ctx, &event); err != nil {
		r.logger.WithError(err).WithField("event_type", event.EventType).
			Error("failed to persist audit event")
	}
}
