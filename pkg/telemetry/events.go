package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one gateway lifecycle event: an operation state change, an
// approval decision, a detected discrepancy. Events are advisory; engines
// never depend on delivery.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies the engine that emitted the event.
	Source string `json:"source"`

	// OperationID is the associated operation, if applicable.
	OperationID string `json:"operation_id,omitempty"`

	// AccountID is the associated hub identity, if applicable.
	AccountID string `json:"account_id,omitempty"`

	// TargetSystem is the associated target, if applicable.
	TargetSystem string `json:"target_system,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Data contains additional event-specific data.
	Data map[string]any `json:"data,omitempty"`
}

// Event type constants.
const (
	EventOperationStarted    = "operation.started"
	EventOperationCompleted  = "operation.completed"
	EventOperationSuspended  = "operation.suspended"
	EventRollbackExecuted    = "operation.rollback_executed"
	EventWorkflowStarted     = "workflow.started"
	EventWorkflowDecision    = "workflow.decision"
	EventWorkflowExpired     = "workflow.expired"
	EventDiscrepancyDetected = "reconcile.discrepancy_detected"
	EventJobCompleted        = "reconcile.job_completed"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventPublisher fans gateway events out to subscribers. Delivery is
// best-effort: a full subscriber never blocks a publishing engine.
type EventPublisher struct {
	mu          sync.RWMutex
	subscribers []EventSubscriber
	enabled     bool
}

// NewEventPublisher creates a new event publisher.
func NewEventPublisher(enabled bool) *EventPublisher {
	return &EventPublisher{enabled: enabled}
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriber)
}

// Publish delivers an event to all subscribers, each in its own goroutine.
func (ep *EventPublisher) Publish(event Event) {
	if ep == nil || !ep.enabled {
		return
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, subscriber := range ep.subscribers {
		go subscriber(event)
	}
}

// PublishOperationStarted publishes an operation started event.
func (ep *EventPublisher) PublishOperationStarted(operationID, accountID, opType string) {
	ep.Publish(Event{
		Type:        EventOperationStarted,
		Source:      "orchestrator",
		OperationID: operationID,
		AccountID:   accountID,
		Message:     fmt.Sprintf("operation %s (%s) started for account %s", operationID, opType, accountID),
		Data:        map[string]any{"operation_type": opType},
	})
}

// PublishOperationCompleted publishes an operation terminal event.
func (ep *EventPublisher) PublishOperationCompleted(operationID, accountID, status string) {
	ep.Publish(Event{
		Type:        EventOperationCompleted,
		Source:      "orchestrator",
		OperationID: operationID,
		AccountID:   accountID,
		Message:     fmt.Sprintf("operation %s completed with status %s", operationID, status),
		Data:        map[string]any{"status": status},
	})
}

// PublishOperationSuspended publishes an awaiting-approval event.
func (ep *EventPublisher) PublishOperationSuspended(operationID, instanceID string) {
	ep.Publish(Event{
		Type:        EventOperationSuspended,
		Source:      "orchestrator",
		OperationID: operationID,
		Message:     fmt.Sprintf("operation %s suspended on workflow %s", operationID, instanceID),
		Data:        map[string]any{"instance_id": instanceID},
	})
}

// PublishRollbackExecuted publishes a compensation event.
func (ep *EventPublisher) PublishRollbackExecuted(operationID, target, action string, ok bool) {
	ep.Publish(Event{
		Type:         EventRollbackExecuted,
		Source:       "orchestrator",
		OperationID:  operationID,
		TargetSystem: target,
		Message:      fmt.Sprintf("rollback %s on %s for operation %s (ok=%v)", action, target, operationID, ok),
		Data:         map[string]any{"action": action, "ok": ok},
	})
}

// PublishWorkflowDecision publishes an approval decision event.
func (ep *EventPublisher) PublishWorkflowDecision(instanceID, approver, decision string) {
	ep.Publish(Event{
		Type:    EventWorkflowDecision,
		Source:  "workflow",
		Message: fmt.Sprintf("workflow %s: %s by %s", instanceID, decision, approver),
		Data:    map[string]any{"instance_id": instanceID, "approver": approver, "decision": decision},
	})
}

// PublishDiscrepancyDetected publishes a reconciliation finding.
func (ep *EventPublisher) PublishDiscrepancyDetected(jobID, accountID, target, discrepancyType string) {
	ep.Publish(Event{
		Type:         EventDiscrepancyDetected,
		Source:       "reconcile",
		AccountID:    accountID,
		TargetSystem: target,
		Message:      fmt.Sprintf("job %s: %s for account %s on %s", jobID, discrepancyType, accountID, target),
		Data:         map[string]any{"job_id": jobID, "discrepancy_type": discrepancyType},
	})
}

// LogSubscriber returns a subscriber that writes every event to the logger
// at debug level. Used by the serve command.
func LogSubscriber(logger *Logger) EventSubscriber {
	return func(event Event) {
		logger.WithField("event_type", event.Type).
			WithField("event_source", event.Source).
			Debug(event.Message)
	}
}

// Shutdown is a no-op placeholder kept for symmetry with Tracer shutdown.
func (ep *EventPublisher) Shutdown(context.Context) error { return nil }
