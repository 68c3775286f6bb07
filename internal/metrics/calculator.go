package metrics

import (
	"math"

	"github.com/guimove/pvebalance/internal/model"
)

// Options configures load computation. Weights and thresholds mirror the
// balancing section of the configuration; the calculator never reads config
// directly.
type Options struct {
	WeightRAM float64
	WeightCPU float64

	Deviation    float64 // allowed RAM spread around the group average, percent points
	RAMThreshold float64 // percent
	CPUThreshold float64 // percent, checked against the smoothed trend
	OOMThreshold float64 // percent, urgent

	// TrendDecay is the EWMA weight of the newest CPU sample, in (0,1].
	TrendDecay float64
}

// NodeLoad is the derived load state of one node.
type NodeLoad struct {
	Node  string
	Group string

	RAMPct        float64
	CPUInstantPct float64
	CPUTrendPct   float64

	// Score is the combined load used to rank donors and acceptors.
	Score float64

	// RAMDeviation is the absolute distance from the group RAM average.
	RAMDeviation float64
	CPUDeviation float64

	OverOOM bool
	OverRAM bool
	OverCPU bool

	// OutOfBand is true when any condition above holds or the RAM deviation
	// exceeds the allowed band.
	OutOfBand bool
}

// GroupLoad is the average load of one migration domain.
type GroupLoad struct {
	Group  string
	Nodes  int
	RAMPct float64
	CPUPct float64
}

// Result is the output of one Compute call.
type Result struct {
	Nodes  map[string]NodeLoad
	Groups map[string]GroupLoad
}

// Compute derives per-node and per-group load from a snapshot, blending each
// node's instantaneous CPU reading into its trend so transient spikes do not
// trigger migrations. The snapshot is not modified; the updated history is
// returned and must replace the caller's copy for the next cycle.
//
// Averages are computed per group because migration domains are disjoint: a
// global average would mix nodes that can never exchange VMs.
func Compute(snap *model.ClusterSnapshot, hist History, opts Options) (Result, History) {
	decay := opts.TrendDecay
	if decay <= 0 || decay > 1 {
		decay = 1
	}

	next := NewHistory()
	res := Result{
		Nodes:  make(map[string]NodeLoad),
		Groups: make(map[string]GroupLoad),
	}

	for _, group := range snap.Groups() {
		nodes := snap.NodesInGroup(group)
		if len(nodes) == 0 {
			continue
		}

		gl := GroupLoad{Group: group, Nodes: len(nodes)}
		loads := make([]NodeLoad, 0, len(nodes))

		for _, n := range nodes {
			instant := n.CPUPct()
			trend := instant
			if prev, ok := hist.Trend[n.Name]; ok {
				trend = decay*instant + (1-decay)*prev
			}
			next.Trend[n.Name] = trend

			nl := NodeLoad{
				Node:          n.Name,
				Group:         group,
				RAMPct:        n.RAMPct(),
				CPUInstantPct: instant,
				CPUTrendPct:   trend,
			}
			nl.Score = opts.WeightRAM*nl.RAMPct + opts.WeightCPU*nl.CPUTrendPct

			gl.RAMPct += nl.RAMPct
			gl.CPUPct += nl.CPUTrendPct
			loads = append(loads, nl)
		}

		gl.RAMPct /= float64(len(loads))
		gl.CPUPct /= float64(len(loads))
		res.Groups[group] = gl

		for _, nl := range loads {
			nl.RAMDeviation = math.Abs(nl.RAMPct - gl.RAMPct)
			nl.CPUDeviation = math.Abs(nl.CPUTrendPct - gl.CPUPct)
			nl.OverOOM = opts.OOMThreshold > 0 && nl.RAMPct > opts.OOMThreshold
			nl.OverRAM = opts.RAMThreshold > 0 && nl.RAMPct > opts.RAMThreshold
			nl.OverCPU = opts.CPUThreshold > 0 && nl.CPUTrendPct > opts.CPUThreshold
			nl.OutOfBand = nl.OverOOM || nl.OverRAM || nl.OverCPU || nl.RAMDeviation > opts.Deviation
			res.Nodes[nl.Node] = nl
		}
	}

	return res, next
}
