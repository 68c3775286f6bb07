package balancer

import (
	"fmt"
	"sort"

	"github.com/guimove/pvebalance/internal/model"
)

// Validator enforces the feasibility constraints a plan must satisfy before
// the controller may execute it.
type Validator struct {
	// LxcMigration allows lxc guests as migration candidates. Qemu guests
	// are always eligible.
	LxcMigration bool

	// RAMThreshold is the memory ceiling (percent) a destination node may
	// reach after accepting the migration.
	RAMThreshold float64
}

// FilterCandidates returns the migratable VMs on the given node, largest
// footprint first. VMs are dropped, not rejected: filtering is the normal
// narrowing step before the engine picks a candidate.
func (v Validator) FilterCandidates(snap *model.ClusterSnapshot, node string) []model.VM {
	var out []model.VM
	for _, vm := range snap.VMsOn(node) {
		if vm.Excluded || vm.LocalResources {
			continue
		}
		if vm.Type == model.GuestLXC && !v.LxcMigration {
			continue
		}
		out = append(out, vm)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Mem > out[j].Mem })
	return out
}

// Accept re-checks a complete plan against the snapshot it was derived from.
// A nil return means the plan may be handed to the executor; otherwise the
// error is a *model.Rejection naming the reason. Rejections are recoverable:
// the caller logs them and moves on.
func (v Validator) Accept(snap *model.ClusterSnapshot, plan model.MigrationPlan) error {
	var vm *model.VM
	for i := range snap.VMs {
		if snap.VMs[i].ID == plan.VMID {
			vm = &snap.VMs[i]
			break
		}
	}
	if vm == nil {
		return &model.Rejection{Reason: model.RejectNoCandidate, VMID: plan.VMID, Detail: "vm not in snapshot"}
	}
	if vm.Excluded {
		return &model.Rejection{Reason: model.RejectExcludedVM, VMID: plan.VMID}
	}
	if vm.LocalResources {
		return &model.Rejection{Reason: model.RejectLocalResources, VMID: plan.VMID}
	}
	if vm.Type == model.GuestLXC && !v.LxcMigration {
		return &model.Rejection{Reason: model.RejectLxcDisabled, VMID: plan.VMID}
	}

	src := snap.Node(plan.Source)
	dst := snap.Node(plan.Target)
	if src == nil || dst == nil {
		return &model.Rejection{Reason: model.RejectNoCandidate, VMID: plan.VMID, Detail: "source or target not in snapshot"}
	}
	if src.Excluded || dst.Excluded {
		return &model.Rejection{Reason: model.RejectExcludedNode, VMID: plan.VMID}
	}
	if src.Group != dst.Group {
		return &model.Rejection{
			Reason: model.RejectCrossGroup,
			VMID:   plan.VMID,
			Detail: fmt.Sprintf("%s is in group %q, %s in %q", plan.Source, src.Group, plan.Target, dst.Group),
		}
	}

	projected := projectedRAMPct(dst.Mem+vm.Mem, dst.MaxMem)
	if projected > v.RAMThreshold {
		return &model.Rejection{
			Reason: model.RejectNoCapacity,
			VMID:   plan.VMID,
			Detail: fmt.Sprintf("%s would reach %.1f%% RAM, threshold %.1f%%", plan.Target, projected, v.RAMThreshold),
		}
	}
	return nil
}

func projectedRAMPct(mem, maxMem int64) float64 {
	if maxMem == 0 {
		return 100
	}
	return float64(mem) / float64(maxMem) * 100
}
