package proxmox

import (
	"context"
	"errors"

	"github.com/guimove/pvebalance/internal/model"
)

var (
	// ErrSnapshotUnavailable wraps transient fetch failures; the controller
	// skips the cycle and retries next interval.
	ErrSnapshotUnavailable = errors.New("cluster snapshot unavailable")

	// ErrMigrationFailed wraps a migration the cluster reported as failed.
	ErrMigrationFailed = errors.New("migration failed")

	// ErrLocalResources is returned when the migration precheck finds local
	// disks or devices the hypervisor cannot move.
	ErrLocalResources = errors.New("guest has local resources")
)

// Source abstracts where cluster state comes from and how migrations are
// carried out. The live implementation talks to the PVE API; StaticSource
// replays a snapshot file for dry runs and tests.
type Source interface {
	// GetSnapshot fetches a fresh cluster snapshot. Implementations must
	// never return a cached snapshot: the controller relies on every cycle
	// seeing current state.
	GetSnapshot(ctx context.Context) (*model.ClusterSnapshot, error)

	// CPUHistory returns recent CPU utilization samples (percent) for the
	// node, oldest first. Sources without history return an empty slice.
	CPUHistory(ctx context.Context, node string) ([]float64, error)

	// Migrate runs one migration to completion: precheck, start, poll,
	// resume. All waiting happens here, bounded by ctx.
	Migrate(ctx context.Context, plan model.MigrationPlan) error
}
