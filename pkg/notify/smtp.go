// Package notify delivers approval requests and decision notices. The
// engines depend only on core.Notifier; this package supplies an SMTP
// implementation and a log-only one for development.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/smtp"
	"text/template"

	"github.com/identigate/identigate/pkg/core"
	"github.com/identigate/identigate/pkg/telemetry"
)

// SMTPConfig holds mail transport settings.
type SMTPConfig struct {
	Host     string `yaml:"host" validate:"required"`
	Port     int    `yaml:"port" validate:"required,min=1,max=65535"`
	From     string `yaml:"from" validate:"required,email"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

var approvalTmpl = template.Must(template.New("approval").Parse(
	`To: {{.Approver}}
From: {{.From}}
Subject: Approval requested for operation {{.OperationID}}
Content-Type: text/plain; charset=utf-8

An account provisioning operation is waiting for your approval
(level {{.Level}}{{if .LevelName}}, {{.LevelName}}{{end}}).

Requested by: {{.Requester}}
Expires: {{.ExpiresAt}}

Approve: {{.ApproveURL}}
Reject:  {{.RejectURL}}

Each link works exactly once.
`))

var decisionTmpl = template.Must(template.New("decision").Parse(
	`To: {{.Recipient}}
From: {{.From}}
Subject: Your provisioning request was {{.Decision}}
Content-Type: text/plain; charset=utf-8

Operation {{.OperationID}} concluded: {{.Decision}}.
{{if .Comments}}
Details: {{.Comments}}
{{end}}`))

// SMTPNotifier sends approval mails over plain SMTP. Approver ids are used
// directly as recipient addresses.
type SMTPNotifier struct {
	cfg    SMTPConfig
	logger *telemetry.Logger

	// send is swappable for tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPNotifier creates a notifier for the given transport settings.
func NewSMTPNotifier(cfg SMTPConfig, logger *telemetry.Logger) *SMTPNotifier {
	return &SMTPNotifier{
		cfg:    cfg,
		logger: logger.NewComponentLogger("notify"),
		send:   smtp.SendMail,
	}
}

// SendApprovalRequest mails the approve/reject links to one approver.
func (n *SMTPNotifier) SendApprovalRequest(ctx context.Context, notice core.ApprovalRequestNotice) (core.ApprovalRequestResult, error) {
	if err := ctx.Err(); err != nil {
		return core.ApprovalRequestResult{}, err
	}

	var body bytes.Buffer
	err := approvalTmpl.Execute(&body, struct {
		core.ApprovalRequestNotice
		From string
	}{notice, n.cfg.From})
	if err != nil {
		return core.ApprovalRequestResult{}, fmt.Errorf("failed to render approval mail: %w", err)
	}

	if err := n.deliver(notice.Approver, body.Bytes()); err != nil {
		return core.ApprovalRequestResult{}, core.NewApprovalError("failed to deliver approval request", err).
			WithDetail("approver", notice.Approver)
	}
	n.logger.WithInstanceID(notice.InstanceID).
		WithField("approver", notice.Approver).
		Debug("approval request delivered")
	return core.ApprovalRequestResult{Delivered: true}, nil
}

// SendDecisionNotice mails the workflow outcome to the requester.
func (n *SMTPNotifier) SendDecisionNotice(ctx context.Context, notice core.DecisionNotice) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var body bytes.Buffer
	err := decisionTmpl.Execute(&body, struct {
		core.DecisionNotice
		From string
	}{notice, n.cfg.From})
	if err != nil {
		return fmt.Errorf("failed to render decision mail: %w", err)
	}
	if err := n.deliver(notice.Recipient, body.Bytes()); err != nil {
		return core.NewApprovalError("failed to deliver decision notice", err).
			WithDetail("recipient", notice.Recipient)
	}
	return nil
}

func (n *SMTPNotifier) deliver(to string, msg []byte) error {
	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)
	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}
	return n.send(addr, auth, n.cfg.From, []string{to}, msg)
}
