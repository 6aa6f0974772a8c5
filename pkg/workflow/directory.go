package workflow

import (
	"context"

	"github.com/identigate/identigate/pkg/core"
)

// StaticDirectory resolves symbolic approver types from a fixed map, loaded
// from configuration. Deployments with a real directory service supply their
// own core.DirectoryLookup instead.
type StaticDirectory struct {
	byType map[core.ApproverType][]string
}

// NewStaticDirectory builds a directory from configured type-to-approvers
// entries.
func NewStaticDirectory(entries map[string][]string) *StaticDirectory {
	byType := make(map[core.ApproverType][]string, len(entries))
	for name, approvers := range entries {
		byType[core.ApproverType(name)] = approvers
	}
	return &StaticDirectory{byType: byType}
}

// ResolveApprovers implements core.DirectoryLookup.
func (d *StaticDirectory) ResolveApprovers(ctx context.Context, approverType core.ApproverType, _ map[string]any) ([]string, error) {
	approvers, ok := d.byType[approverType]
	if !ok || len(approvers) == 0 {
		return nil, core.NewApprovalError("no approvers configured for type", nil).
			WithDetail("approver_type", string(approverType))
	}
	return append([]string(nil), approvers...), nil
}
