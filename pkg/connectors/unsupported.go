package connectors

import (
	"context"

	"github.com/identigate/identigate/pkg/core"
)

// UnsupportedAccountActions is an embeddable default for connectors whose
// target system has no notion of disabled accounts or groups. Every method
// fails with an UNSUPPORTED_ACTION classified error; the orchestrator
// surfaces that to the caller like any other connector failure.
type UnsupportedAccountActions struct{}

func (UnsupportedAccountActions) EnableAccount(_ context.Context, accountID string) error {
	return unsupported("enable", accountID)
}

func (UnsupportedAccountActions) DisableAccount(_ context.Context, accountID string) error {
	return unsupported("disable", accountID)
}

func (UnsupportedAccountActions) AddToGroup(_ context.Context, accountID, _ string) error {
	return unsupported("add to group", accountID)
}

func (UnsupportedAccountActions) RemoveFromGroup(_ context.Context, accountID, _ string) error {
	return unsupported("remove from group", accountID)
}

func unsupported(action, accountID string) error {
	return core.NewConnectorError("target does not support "+action, nil).
		WithCode(core.ErrCodeUnsupported).
		WithResource(accountID)
}
