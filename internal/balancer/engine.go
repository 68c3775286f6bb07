package balancer

import (
	"math"
	"sort"

	"github.com/guimove/pvebalance/internal/metrics"
	"github.com/guimove/pvebalance/internal/model"
)

const eps = 1e-9

// Options bounds the engine's decisions. Deviation is the allowed RAM spread
// (percent points) around the group average; RAMThreshold caps the projected
// load of any destination node. WeightRAM must match the weight used when the
// load scores were computed, so projected scores stay comparable to them.
type Options struct {
	Deviation    float64
	RAMThreshold float64
	WeightRAM    float64
}

// Engine turns a snapshot plus computed load into at most one migration plan
// per group. It holds no cross-cycle state and performs no I/O.
type Engine struct {
	validator Validator
	opts      Options
}

// NewEngine creates an engine using the given validator and bounds.
func NewEngine(v Validator, opts Options) *Engine {
	return &Engine{validator: v, opts: opts}
}

// Decide evaluates every migration domain and returns the accepted plans,
// at most one per group. Groups are disjoint, so their decisions are
// independent; callers may also invoke DecideGroup per group themselves.
func (e *Engine) Decide(snap *model.ClusterSnapshot, loads metrics.Result) []model.MigrationPlan {
	var plans []model.MigrationPlan
	for _, group := range snap.Groups() {
		if p := e.DecideGroup(snap, loads, group); p != nil {
			plans = append(plans, *p)
		}
	}
	return plans
}

// DecideGroup decides whether the given group needs a migration and, if so,
// which VM moves where. A nil return means the group is balanced or has no
// feasible move this cycle; both are normal outcomes.
func (e *Engine) DecideGroup(snap *model.ClusterSnapshot, loads metrics.Result, group string) *model.MigrationPlan {
	ranked := rankGroup(loads, snap.NodesInGroup(group))
	if len(ranked) < 2 {
		return nil
	}

	donor, urgent := pickDonor(ranked)
	if donor == nil {
		return nil
	}

	reason := model.ReasonRAM
	if !urgent && donor.OverCPU && !donor.OverRAM && donor.RAMDeviation <= e.opts.Deviation {
		reason = model.ReasonCPU
	}

	avg := loads.Groups[group].RAMPct
	candidates := e.validator.FilterCandidates(snap, donor.Node)
	if len(candidates) == 0 {
		return nil
	}

	// An urgent donor must shed load even when no move improves the RAM
	// spread, and a CPU-triggered move starts from an already optimal RAM
	// layout; both relax the strict-improvement requirement.
	relaxed := urgent || reason == model.ReasonCPU

	// Try acceptors lowest-scoring first; fall back when a projected load
	// would breach the RAM threshold. The whole ranking is eligible: an
	// OOM-forced donor need not be the top-scoring node, so ranked[0] can
	// be the only viable acceptor.
	for i := len(ranked) - 1; i >= 0; i-- {
		acceptor := ranked[i]
		if acceptor.Node == donor.Node {
			continue
		}
		vm := e.selectVM(snap, candidates, *donor, acceptor, avg, urgent, relaxed)
		if vm == nil {
			continue
		}
		plan := &model.MigrationPlan{
			VMID:   vm.ID,
			VMName: vm.Name,
			Type:   vm.Type,
			Source: donor.Node,
			Target: acceptor.Node,
			Group:  group,
			Reason: reason,
			Urgent: urgent,
		}
		if err := e.validator.Accept(snap, *plan); err != nil {
			continue
		}
		return plan
	}
	return nil
}

// rankGroup orders the group's nodes by combined load score, highest first.
func rankGroup(loads metrics.Result, nodes []model.Node) []metrics.NodeLoad {
	ranked := make([]metrics.NodeLoad, 0, len(nodes))
	for _, n := range nodes {
		if nl, ok := loads.Nodes[n.Name]; ok {
			ranked = append(ranked, nl)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	return ranked
}

// pickDonor selects the node that must shed load. A node over the OOM
// threshold is a forced donor regardless of the deviation band; otherwise
// the highest-scoring node donates, but only when some node in the group is
// out of band. A fully in-band group yields no donor.
func pickDonor(ranked []metrics.NodeLoad) (*metrics.NodeLoad, bool) {
	var oom *metrics.NodeLoad
	for i := range ranked {
		if ranked[i].OverOOM && (oom == nil || ranked[i].RAMPct > oom.RAMPct) {
			oom = &ranked[i]
		}
	}
	if oom != nil {
		return oom, true
	}

	outOfBand := false
	for i := range ranked {
		if ranked[i].OutOfBand {
			outOfBand = true
			break
		}
	}
	if !outOfBand {
		return nil, false
	}
	return &ranked[0], false
}

// selectVM picks the candidate whose move brings donor and acceptor closest
// to the group RAM average without overshooting: the projected donor score
// must stay at or above the projected acceptor score, so a later cycle can
// never profit from the reverse move. An urgent donor is exempt from that
// guard, since it may already rank below its acceptor and must shed load
// regardless. Ties prefer the larger footprint, which converges in fewer
// migrations.
func (e *Engine) selectVM(
	snap *model.ClusterSnapshot,
	candidates []model.VM,
	donor, acceptor metrics.NodeLoad,
	groupAvg float64,
	urgent, relaxed bool,
) *model.VM {
	dNode := snap.Node(donor.Node)
	aNode := snap.Node(acceptor.Node)
	if dNode == nil || aNode == nil || dNode.MaxMem == 0 || aNode.MaxMem == 0 {
		return nil
	}

	// In the normal path a move must strictly reduce the combined distance
	// from the group average. The relaxed path only needs a feasible target
	// and takes whichever move disturbs the RAM balance least.
	bestGap := math.Abs(donor.RAMPct-groupAvg) + math.Abs(acceptor.RAMPct-groupAvg)
	if relaxed {
		bestGap = math.MaxFloat64
	}

	var best *model.VM
	for i := range candidates {
		vm := &candidates[i]

		donorAfter := projectedRAMPct(dNode.Mem-vm.Mem, dNode.MaxMem)
		acceptorAfter := projectedRAMPct(aNode.Mem+vm.Mem, aNode.MaxMem)

		if acceptorAfter > e.opts.RAMThreshold {
			continue
		}

		// CPU load cannot be projected per VM, so the flip check shifts
		// only the RAM term of each score.
		donorScoreAfter := donor.Score + e.opts.WeightRAM*(donorAfter-donor.RAMPct)
		acceptorScoreAfter := acceptor.Score + e.opts.WeightRAM*(acceptorAfter-acceptor.RAMPct)
		if !urgent && donorScoreAfter < acceptorScoreAfter-eps {
			continue // would flip donor and acceptor
		}

		gap := math.Abs(donorAfter-groupAvg) + math.Abs(acceptorAfter-groupAvg)
		switch {
		case gap < bestGap-eps:
			best = vm
			bestGap = gap
		case best != nil && math.Abs(gap-bestGap) <= eps && vm.Mem > best.Mem:
			best = vm
		}
	}
	return best
}
