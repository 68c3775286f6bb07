package proxmox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/guimove/pvebalance/internal/model"
)

// StaticSource replays a cluster snapshot from a JSON file. Used by the
// `plan` command for offline what-if runs, and by tests. Migrations are
// applied to the in-memory snapshot so repeated cycles converge like they
// would on a live cluster.
type StaticSource struct {
	filePath string
	snap     *model.ClusterSnapshot
}

// NewStaticSource creates a source that reads from a JSON file.
func NewStaticSource(filePath string) *StaticSource {
	return &StaticSource{filePath: filePath}
}

// NewStaticSourceFromSnapshot creates a source over a pre-built snapshot.
func NewStaticSourceFromSnapshot(snap *model.ClusterSnapshot) *StaticSource {
	return &StaticSource{snap: snap}
}

// GetSnapshot returns a copy of the current snapshot state.
func (s *StaticSource) GetSnapshot(ctx context.Context) (*model.ClusterSnapshot, error) {
	if s.snap == nil {
		data, err := os.ReadFile(s.filePath)
		if err != nil {
			return nil, fmt.Errorf("%w: reading snapshot file: %v", ErrSnapshotUnavailable, err)
		}
		var snap model.ClusterSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("%w: parsing snapshot file: %v", ErrSnapshotUnavailable, err)
		}
		if len(snap.Nodes) == 0 {
			return nil, fmt.Errorf("%w: snapshot file has no nodes", ErrSnapshotUnavailable)
		}
		s.snap = &snap
	}

	out := *s.snap
	out.Nodes = append([]model.Node(nil), s.snap.Nodes...)
	out.VMs = append([]model.VM(nil), s.snap.VMs...)
	return &out, nil
}

// CPUHistory has no data for a static snapshot.
func (s *StaticSource) CPUHistory(ctx context.Context, node string) ([]float64, error) {
	return nil, nil
}

// Migrate applies the move to the in-memory snapshot.
func (s *StaticSource) Migrate(ctx context.Context, plan model.MigrationPlan) error {
	if s.snap == nil {
		if _, err := s.GetSnapshot(ctx); err != nil {
			return err
		}
	}

	var vm *model.VM
	for i := range s.snap.VMs {
		if s.snap.VMs[i].ID == plan.VMID {
			vm = &s.snap.VMs[i]
			break
		}
	}
	if vm == nil {
		return fmt.Errorf("%w: vm %d not in snapshot", ErrMigrationFailed, plan.VMID)
	}
	if vm.LocalResources {
		return fmt.Errorf("%w: vm %d", ErrLocalResources, plan.VMID)
	}

	src := s.snap.Node(plan.Source)
	dst := s.snap.Node(plan.Target)
	if src == nil || dst == nil {
		return fmt.Errorf("%w: unknown node in plan %s", ErrMigrationFailed, plan)
	}

	src.Mem -= vm.Mem
	dst.Mem += vm.Mem
	vm.Node = plan.Target
	return nil
}
