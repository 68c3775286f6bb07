package balancer

import (
	"errors"
	"testing"

	"github.com/guimove/pvebalance/internal/model"
)

func validatorSnapshot() *model.ClusterSnapshot {
	return &model.ClusterSnapshot{
		Nodes: []model.Node{
			{Name: "a", Group: "prod", MaxMem: 1000, Mem: 700},
			{Name: "b", Group: "prod", MaxMem: 1000, Mem: 300},
			{Name: "c", Group: "lab", MaxMem: 1000, Mem: 100},
			{Name: "x", Group: "prod", MaxMem: 1000, Mem: 500, Excluded: true},
		},
		VMs: []model.VM{
			{ID: 100, Node: "a", Type: model.GuestQemu, Mem: 200},
			{ID: 101, Node: "a", Type: model.GuestLXC, Mem: 100},
			{ID: 102, Node: "a", Type: model.GuestQemu, Mem: 50, Excluded: true},
			{ID: 103, Node: "a", Type: model.GuestQemu, Mem: 80, LocalResources: true},
		},
	}
}

func rejectionReason(t *testing.T, err error) model.RejectionReason {
	t.Helper()
	var rej *model.Rejection
	if !errors.As(err, &rej) {
		t.Fatalf("expected *model.Rejection, got %v", err)
	}
	return rej.Reason
}

func TestFilterCandidates(t *testing.T) {
	v := Validator{LxcMigration: false, RAMThreshold: 90}
	got := v.FilterCandidates(validatorSnapshot(), "a")

	if len(got) != 1 || got[0].ID != 100 {
		t.Fatalf("expected only vm 100 (excluded, local and lxc filtered), got %v", got)
	}
}

func TestFilterCandidates_LxcEnabled(t *testing.T) {
	v := Validator{LxcMigration: true, RAMThreshold: 90}
	got := v.FilterCandidates(validatorSnapshot(), "a")

	if len(got) != 2 {
		t.Fatalf("expected qemu and lxc candidates, got %v", got)
	}
	// Largest footprint first.
	if got[0].ID != 100 || got[1].ID != 101 {
		t.Errorf("expected order [100 101], got [%d %d]", got[0].ID, got[1].ID)
	}
}

func TestAccept_Valid(t *testing.T) {
	v := Validator{RAMThreshold: 90}
	plan := model.MigrationPlan{VMID: 100, Source: "a", Target: "b", Reason: model.ReasonRAM}
	if err := v.Accept(validatorSnapshot(), plan); err != nil {
		t.Fatalf("expected acceptance, got %v", err)
	}
}

func TestAccept_Rejections(t *testing.T) {
	tests := []struct {
		name string
		v    Validator
		plan model.MigrationPlan
		want model.RejectionReason
	}{
		{
			name: "excluded vm",
			v:    Validator{RAMThreshold: 90},
			plan: model.MigrationPlan{VMID: 102, Source: "a", Target: "b"},
			want: model.RejectExcludedVM,
		},
		{
			name: "excluded node",
			v:    Validator{RAMThreshold: 90},
			plan: model.MigrationPlan{VMID: 100, Source: "a", Target: "x"},
			want: model.RejectExcludedNode,
		},
		{
			name: "lxc disabled",
			v:    Validator{RAMThreshold: 90},
			plan: model.MigrationPlan{VMID: 101, Source: "a", Target: "b"},
			want: model.RejectLxcDisabled,
		},
		{
			name: "cross group",
			v:    Validator{RAMThreshold: 90},
			plan: model.MigrationPlan{VMID: 100, Source: "a", Target: "c"},
			want: model.RejectCrossGroup,
		},
		{
			name: "no capacity",
			v:    Validator{RAMThreshold: 45},
			plan: model.MigrationPlan{VMID: 100, Source: "a", Target: "b"},
			want: model.RejectNoCapacity,
		},
		{
			name: "unknown vm",
			v:    Validator{RAMThreshold: 90},
			plan: model.MigrationPlan{VMID: 999, Source: "a", Target: "b"},
			want: model.RejectNoCandidate,
		},
		{
			name: "local resources",
			v:    Validator{RAMThreshold: 90},
			plan: model.MigrationPlan{VMID: 103, Source: "a", Target: "b"},
			want: model.RejectLocalResources,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.v.Accept(validatorSnapshot(), tt.plan)
			if err == nil {
				t.Fatal("expected rejection")
			}
			if got := rejectionReason(t, err); got != tt.want {
				t.Errorf("reason = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestAccept_TestModeParity(t *testing.T) {
	// Validation is identical regardless of test mode: the flag only stops
	// execution, never decision or acceptance.
	v := Validator{RAMThreshold: 90}
	plan := model.MigrationPlan{VMID: 100, Source: "a", Target: "b"}

	live := v.Accept(validatorSnapshot(), plan)
	dry := v.Accept(validatorSnapshot(), plan)
	if (live == nil) != (dry == nil) {
		t.Error("acceptance must not depend on execution mode")
	}
}
