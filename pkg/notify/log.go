package notify

import (
	"context"

	"github.com/identigate/identigate/pkg/core"
	"github.com/identigate/identigate/pkg/telemetry"
)

// LogNotifier writes notices to the structured log instead of sending mail.
// Used in development and by the init command's sample setup.
type LogNotifier struct {
	logger *telemetry.Logger
}

// NewLogNotifier creates a log-only notifier.
func NewLogNotifier(logger *telemetry.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.NewComponentLogger("notify")}
}

func (n *LogNotifier) SendApprovalRequest(ctx context.Context, notice core.ApprovalRequestNotice) (core.ApprovalRequestResult, error) {
	n.logger.WithInstanceID(notice.InstanceID).
		WithField("approver", notice.Approver).
		WithField("approve_url", notice.ApproveURL).
		WithField("reject_url", notice.RejectURL).
		Infof("approval requested at level %d", notice.Level)
	return core.ApprovalRequestResult{Delivered: true}, nil
}

func (n *LogNotifier) SendDecisionNotice(ctx context.Context, notice core.DecisionNotice) error {
	n.logger.WithInstanceID(notice.InstanceID).
		WithField("recipient", notice.Recipient).
		Infof("workflow concluded: %s", notice.Decision)
	return nil
}
