package model

import "fmt"

// Reason explains what triggered a migration plan.
type Reason string

const (
	ReasonRAM Reason = "ram"
	ReasonCPU Reason = "cpu"
)

// MigrationPlan is one proposed live migration, produced by the decision
// engine and consumed by the executor. Plans live for a single cycle and are
// never persisted.
type MigrationPlan struct {
	VMID   int       `json:"vmid"`
	VMName string    `json:"vm_name,omitempty"`
	Type   GuestType `json:"type"`
	Source string    `json:"source"`
	Target string    `json:"target"`
	Group  string    `json:"group,omitempty"`
	Reason Reason    `json:"reason"`

	// Urgent marks plans triggered by the OOM threshold; the controller
	// shortens the inter-cycle wait after executing one.
	Urgent bool `json:"urgent,omitempty"`
}

func (p MigrationPlan) String() string {
	return fmt.Sprintf("%s:%d %s -> %s (%s)", p.Type, p.VMID, p.Source, p.Target, p.Reason)
}

// RejectionReason classifies why a candidate VM or plan was ruled out.
// Rejections are ordinary outcomes, not faults: the engine moves on to the
// next candidate or concludes no-op for the group.
type RejectionReason string

const (
	RejectExcludedVM     RejectionReason = "ExcludedVM"
	RejectExcludedNode   RejectionReason = "ExcludedNode"
	RejectLxcDisabled    RejectionReason = "LxcDisabled"
	RejectCrossGroup     RejectionReason = "CrossGroup"
	RejectNoCapacity     RejectionReason = "NoCapacity"
	RejectNoCandidate    RejectionReason = "NoCandidate"
	RejectLocalResources RejectionReason = "LocalResources"
)

// Rejection is the error returned when a plan fails validation.
type Rejection struct {
	Reason RejectionReason
	VMID   int
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return fmt.Sprintf("plan rejected (%s): vm %d", r.Reason, r.VMID)
	}
	return fmt.Sprintf("plan rejected (%s): vm %d: %s", r.Reason, r.VMID, r.Detail)
}
