package metrics

import (
	"math"
	"os"
	"testing"
	"time"

	"github.com/guimove/pvebalance/internal/model"
)

func testOptions() Options {
	return Options{
		WeightRAM:    1.0,
		WeightCPU:    0.5,
		Deviation:    4,
		RAMThreshold: 90,
		CPUThreshold: 95,
		OOMThreshold: 96,
		TrendDecay:   0.3,
	}
}

func makeNode(name, group string, maxMem, mem int64, cpu float64) model.Node {
	return model.Node{Name: name, Group: group, MaxMem: maxMem, Mem: mem, MaxCPU: 8, CPU: cpu}
}

func TestCompute_GroupAverages(t *testing.T) {
	snap := &model.ClusterSnapshot{
		Nodes: []model.Node{
			makeNode("pve1", "prod", 1000, 800, 0.10),
			makeNode("pve2", "prod", 1000, 400, 0.30),
			makeNode("pve3", "", 1000, 500, 0.20),
		},
	}

	res, _ := Compute(snap, NewHistory(), testOptions())

	prod := res.Groups["prod"]
	if prod.Nodes != 2 {
		t.Fatalf("expected 2 prod nodes, got %d", prod.Nodes)
	}
	if math.Abs(prod.RAMPct-60) > 1e-9 {
		t.Errorf("prod RAM average = %v, want 60", prod.RAMPct)
	}

	// Ungrouped pool gets its own average.
	pool := res.Groups[model.UngroupedPool]
	if pool.Nodes != 1 || math.Abs(pool.RAMPct-50) > 1e-9 {
		t.Errorf("ungrouped pool average = %+v, want one node at 50%%", pool)
	}
}

func TestCompute_Deviation(t *testing.T) {
	snap := &model.ClusterSnapshot{
		Nodes: []model.Node{
			makeNode("pve1", "", 1000, 800, 0),
			makeNode("pve2", "", 1000, 400, 0),
		},
	}

	res, _ := Compute(snap, NewHistory(), testOptions())

	if dev := res.Nodes["pve1"].RAMDeviation; math.Abs(dev-20) > 1e-9 {
		t.Errorf("pve1 deviation = %v, want 20", dev)
	}
	if !res.Nodes["pve1"].OutOfBand {
		t.Error("pve1 should be out of band at 20 points of deviation")
	}
	if !res.Nodes["pve2"].OutOfBand {
		t.Error("pve2 should be out of band at 20 points of deviation")
	}
}

func TestCompute_BalancedInBand(t *testing.T) {
	snap := &model.ClusterSnapshot{
		Nodes: []model.Node{
			makeNode("pve1", "", 1000, 610, 0.10),
			makeNode("pve2", "", 1000, 590, 0.12),
		},
	}

	res, _ := Compute(snap, NewHistory(), testOptions())

	for name, nl := range res.Nodes {
		if nl.OutOfBand {
			t.Errorf("%s flagged out of band: %+v", name, nl)
		}
	}
}

func TestCompute_OOMFlagOverridesBand(t *testing.T) {
	// Both nodes near the average, but one is above the OOM threshold.
	snap := &model.ClusterSnapshot{
		Nodes: []model.Node{
			makeNode("pve1", "", 1000, 970, 0),
			makeNode("pve2", "", 1000, 960, 0),
		},
	}

	res, _ := Compute(snap, NewHistory(), testOptions())

	if !res.Nodes["pve1"].OverOOM || !res.Nodes["pve1"].OutOfBand {
		t.Error("pve1 at 97% must be flagged OverOOM and out of band")
	}
}

func TestCompute_TrendSmoothing(t *testing.T) {
	opts := testOptions()
	snap := &model.ClusterSnapshot{
		Nodes: []model.Node{makeNode("pve1", "", 1000, 500, 0.10)},
	}

	_, hist := Compute(snap, NewHistory(), opts)
	if got := hist.Trend["pve1"]; math.Abs(got-10) > 1e-9 {
		t.Fatalf("first sample should seed the trend, got %v", got)
	}

	// A spike to 90% only moves the trend by the decay factor.
	snap.Nodes[0].CPU = 0.90
	res, hist := Compute(snap, hist, opts)
	want := 0.3*90 + 0.7*10
	if got := hist.Trend["pve1"]; math.Abs(got-want) > 1e-9 {
		t.Errorf("trend after spike = %v, want %v", got, want)
	}
	if res.Nodes["pve1"].OverCPU {
		t.Error("a single spike must not trip the CPU threshold")
	}
}

func TestCompute_PrunesDepartedNodes(t *testing.T) {
	hist := NewHistory()
	hist.Trend["gone"] = 42

	snap := &model.ClusterSnapshot{
		Nodes: []model.Node{makeNode("pve1", "", 1000, 500, 0.10)},
	}

	_, next := Compute(snap, hist, testOptions())
	if _, ok := next.Trend["gone"]; ok {
		t.Error("departed node should be pruned from history")
	}
}

func TestCompute_ExcludedNodesIgnored(t *testing.T) {
	snap := &model.ClusterSnapshot{
		Nodes: []model.Node{
			makeNode("pve1", "", 1000, 600, 0.10),
			makeNode("pve2", "", 1000, 600, 0.10),
		},
	}
	snap.Nodes[1].Excluded = true

	res, _ := Compute(snap, NewHistory(), testOptions())

	if _, ok := res.Nodes["pve2"]; ok {
		t.Error("excluded node must not receive load metrics")
	}
	if res.Groups[model.UngroupedPool].Nodes != 1 {
		t.Error("excluded node must not count toward the group average")
	}
}

func TestHistoryStore_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewHistoryStore(dir)

	h := NewHistory()
	h.Trend["pve1"] = 33.5
	if err := store.Save(h); err != nil {
		t.Fatal(err)
	}

	got := store.Load(time.Hour)
	if got.Trend["pve1"] != 33.5 {
		t.Errorf("loaded trend = %v, want 33.5", got.Trend["pve1"])
	}
}

func TestHistoryStore_StaleOrMissing(t *testing.T) {
	dir := t.TempDir()
	store := NewHistoryStore(dir)

	if got := store.Load(time.Hour); len(got.Trend) != 0 {
		t.Error("missing file should yield empty history")
	}

	h := NewHistory()
	h.Trend["pve1"] = 10
	if err := store.Save(h); err != nil {
		t.Fatal(err)
	}

	// Age the file past the TTL.
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(dir+"/"+historyFile, old, old); err != nil {
		t.Fatal(err)
	}
	if got := store.Load(time.Hour); len(got.Trend) != 0 {
		t.Error("stale history should be discarded")
	}
}
