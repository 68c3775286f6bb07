package controller

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/guimove/pvebalance/internal/config"
	"github.com/guimove/pvebalance/internal/metrics"
	"github.com/guimove/pvebalance/internal/model"
	"github.com/guimove/pvebalance/internal/proxmox"
)

type fakeSource struct {
	static      *proxmox.StaticSource
	mu          sync.Mutex
	migrations  []model.MigrationPlan
	failMigrate bool
	localVMIDs  map[int]bool
	snapErr     error
}

func (f *fakeSource) GetSnapshot(ctx context.Context) (*model.ClusterSnapshot, error) {
	if f.snapErr != nil {
		return nil, f.snapErr
	}
	return f.static.GetSnapshot(ctx)
}

func (f *fakeSource) CPUHistory(ctx context.Context, node string) ([]float64, error) {
	return nil, nil
}

func (f *fakeSource) Migrate(ctx context.Context, plan model.MigrationPlan) error {
	f.mu.Lock()
	f.migrations = append(f.migrations, plan)
	f.mu.Unlock()
	if f.failMigrate {
		return fmt.Errorf("%w: simulated", proxmox.ErrMigrationFailed)
	}
	if f.localVMIDs[plan.VMID] {
		return fmt.Errorf("%w: vm %d", proxmox.ErrLocalResources, plan.VMID)
	}
	return f.static.Migrate(ctx, plan)
}

func (f *fakeSource) migrated() []model.MigrationPlan {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.MigrationPlan(nil), f.migrations...)
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *fakeNotifier) Notify(subject, message string) {
	n.mu.Lock()
	n.messages = append(n.messages, message)
	n.mu.Unlock()
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.messages)
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Proxmox.URL = "pve.test"
	cfg.Parameters.Interval = time.Millisecond
	cfg.Parameters.UrgentInterval = time.Microsecond
	cfg.Parameters.BalancedInterval = time.Second
	cfg.Parameters.MigrationTimeout = time.Second
	return cfg
}

func testSnapshot() *model.ClusterSnapshot {
	return &model.ClusterSnapshot{
		ClusterName: "test",
		Quorate:     true,
		Nodes: []model.Node{
			{Name: "a", MaxMem: 1000, Mem: 800, MaxCPU: 8},
			{Name: "b", MaxMem: 1000, Mem: 400, MaxCPU: 8},
		},
		VMs: []model.VM{
			{ID: 100, Node: "a", Type: model.GuestQemu, Mem: 200},
			{ID: 101, Node: "a", Type: model.GuestQemu, Mem: 500},
			{ID: 102, Node: "b", Type: model.GuestQemu, Mem: 400},
		},
	}
}

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newTestController(t *testing.T, cfg config.Config, src proxmox.Source, n *fakeNotifier) *Controller {
	t.Helper()
	if n == nil {
		n = &fakeNotifier{}
	}
	c, err := New(cfg, src, n, nil, quietLog())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestRunCycle_ConvergesThenHoldsStill(t *testing.T) {
	src := &fakeSource{static: proxmox.NewStaticSourceFromSnapshot(testSnapshot())}
	c := newTestController(t, testConfig(), src, nil)

	outcome, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomePlan {
		t.Fatalf("first cycle outcome = %s, want plan", outcome)
	}

	migs := src.migrated()
	if len(migs) != 1 || migs[0].VMID != 100 {
		t.Fatalf("expected vm 100 migrated once, got %v", migs)
	}

	// The snapshot is now 600/600; a second cycle must do nothing.
	outcome, err = c.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeBalanced {
		t.Fatalf("second cycle outcome = %s, want balanced", outcome)
	}
	if len(src.migrated()) != 1 {
		t.Fatalf("balanced cluster must not migrate again, got %v", src.migrated())
	}
}

func TestRunCycle_TestModeSuppressesExecution(t *testing.T) {
	cfg := testConfig()
	cfg.Parameters.TestMode = true

	src := &fakeSource{static: proxmox.NewStaticSourceFromSnapshot(testSnapshot())}
	c := newTestController(t, cfg, src, nil)

	outcome, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomePlan {
		t.Fatalf("test mode still decides, outcome = %s", outcome)
	}
	if len(src.migrated()) != 0 {
		t.Fatalf("test mode must never execute, got %v", src.migrated())
	}
}

func TestDecisions_IdenticalAcrossModes(t *testing.T) {
	// Same snapshot, test mode on and off: the plans must match exactly.
	live := newTestController(t, testConfig(), &fakeSource{static: proxmox.NewStaticSourceFromSnapshot(testSnapshot())}, nil)

	cfgDry := testConfig()
	cfgDry.Parameters.TestMode = true
	dry := newTestController(t, cfgDry, &fakeSource{static: proxmox.NewStaticSourceFromSnapshot(testSnapshot())}, nil)

	snapLive := testSnapshot()
	snapDry := testSnapshot()

	ctx := context.Background()
	loadsLive, _ := metrics.Compute(snapLive, metrics.NewHistory(), live.mopts)
	loadsDry, _ := metrics.Compute(snapDry, metrics.NewHistory(), dry.mopts)

	plansLive := live.decideAll(ctx, snapLive, loadsLive)
	plansDry := dry.decideAll(ctx, snapDry, loadsDry)

	if len(plansLive) != len(plansDry) {
		t.Fatalf("plan counts differ: %d vs %d", len(plansLive), len(plansDry))
	}
	for i := range plansLive {
		if plansLive[i] != plansDry[i] {
			t.Errorf("plan %d differs: %+v vs %+v", i, plansLive[i], plansDry[i])
		}
	}
}

func TestRunCycle_SnapshotErrorSkips(t *testing.T) {
	src := &fakeSource{
		static:  proxmox.NewStaticSourceFromSnapshot(testSnapshot()),
		snapErr: fmt.Errorf("%w: connection refused", proxmox.ErrSnapshotUnavailable),
	}
	c := newTestController(t, testConfig(), src, nil)

	outcome, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("transient snapshot failure must not be fatal: %v", err)
	}
	if outcome != OutcomeSkipped {
		t.Errorf("outcome = %s, want skipped", outcome)
	}
}

func TestRunCycle_NoQuorumSkips(t *testing.T) {
	snap := testSnapshot()
	snap.Quorate = false
	src := &fakeSource{static: proxmox.NewStaticSourceFromSnapshot(snap)}
	c := newTestController(t, testConfig(), src, nil)

	outcome, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeSkipped {
		t.Errorf("outcome = %s, want skipped", outcome)
	}
	if len(src.migrated()) != 0 {
		t.Error("no migrations without quorum")
	}
}

func TestRunCycle_UnknownGroupNodeIsFatal(t *testing.T) {
	cfg := testConfig()
	cfg.Groups = map[string][]string{"prod": {"a", "ghost"}}

	src := &fakeSource{static: proxmox.NewStaticSourceFromSnapshot(testSnapshot())}
	c := newTestController(t, cfg, src, nil)

	if _, err := c.RunCycle(context.Background()); err == nil {
		t.Fatal("group referencing an unknown node must be fatal")
	}
}

func TestRunCycle_OnlyOnMasterStandsBy(t *testing.T) {
	cfg := testConfig()
	cfg.Parameters.OnlyOnMaster = true

	snap := testSnapshot()
	snap.MasterNode = "definitely-not-this-host"
	src := &fakeSource{static: proxmox.NewStaticSourceFromSnapshot(snap)}
	c := newTestController(t, cfg, src, nil)

	outcome, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeStandby {
		t.Fatalf("outcome = %s, want standby", outcome)
	}
	if len(src.migrated()) != 0 {
		t.Error("standby node must not migrate")
	}
}

func TestRunCycle_FailedMigrationNotifiesAndContinues(t *testing.T) {
	src := &fakeSource{
		static:      proxmox.NewStaticSourceFromSnapshot(testSnapshot()),
		failMigrate: true,
	}
	n := &fakeNotifier{}
	c := newTestController(t, testConfig(), src, n)

	outcome, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("migration failure must not stop the loop: %v", err)
	}
	if outcome != OutcomePlan {
		t.Errorf("outcome = %s, want plan", outcome)
	}
	if n.count() == 0 {
		t.Error("failed migration must raise a notification")
	}

	// The failed VM stays eligible: the next cycle proposes it again.
	if _, err := c.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(src.migrated()) < 2 {
		t.Errorf("expected a retry on the next cycle, got %v", src.migrated())
	}
}

func TestRunCycle_LocalDiskGuestNotRetried(t *testing.T) {
	// vm 100 is the best gap-reducing candidate but its precheck fails with
	// local resources. The controller must drop it and converge the group
	// with the next candidate instead of replanning vm 100 every cycle.
	snap := &model.ClusterSnapshot{
		ClusterName: "test",
		Quorate:     true,
		Nodes: []model.Node{
			{Name: "a", MaxMem: 1000, Mem: 800, MaxCPU: 8},
			{Name: "b", MaxMem: 1000, Mem: 400, MaxCPU: 8},
		},
		VMs: []model.VM{
			{ID: 100, Node: "a", Type: model.GuestQemu, Mem: 200},
			{ID: 101, Node: "a", Type: model.GuestQemu, Mem: 190},
			{ID: 102, Node: "b", Type: model.GuestQemu, Mem: 400},
		},
	}
	src := &fakeSource{
		static:     proxmox.NewStaticSourceFromSnapshot(snap),
		localVMIDs: map[int]bool{100: true},
	}
	n := &fakeNotifier{}
	c := newTestController(t, testConfig(), src, n)

	var outcomes []Outcome
	for i := 0; i < 3; i++ {
		outcome, err := c.RunCycle(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		outcomes = append(outcomes, outcome)
	}

	attempts := src.migrated()
	if len(attempts) != 2 || attempts[0].VMID != 100 || attempts[1].VMID != 101 {
		t.Fatalf("expected one attempt of vm 100 then vm 101, got %v", attempts)
	}
	if outcomes[2] != OutcomeBalanced {
		t.Errorf("group must converge via vm 101, outcomes = %v", outcomes)
	}
	if n.count() != 0 {
		t.Errorf("a pinned guest is not a migration failure, got %d notifications", n.count())
	}
}

func TestRunCycle_ExcludedVMNeverMigrated(t *testing.T) {
	cfg := testConfig()
	cfg.Exclusions.VMs = []string{"100"}

	src := &fakeSource{static: proxmox.NewStaticSourceFromSnapshot(testSnapshot())}
	c := newTestController(t, cfg, src, nil)

	for i := 0; i < 5; i++ {
		if _, err := c.RunCycle(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	for _, m := range src.migrated() {
		if m.VMID == 100 {
			t.Fatalf("excluded vm 100 was migrated: %v", m)
		}
	}
}

func TestWaitFor(t *testing.T) {
	cfg := testConfig()
	c := newTestController(t, cfg, &fakeSource{static: proxmox.NewStaticSourceFromSnapshot(testSnapshot())}, nil)

	if got := c.waitFor(OutcomeBalanced); got != cfg.Parameters.BalancedInterval {
		t.Errorf("balanced wait = %v, want %v", got, cfg.Parameters.BalancedInterval)
	}
	if got := c.waitFor(OutcomeSkipped); got != cfg.Parameters.Interval {
		t.Errorf("skipped wait = %v, want %v", got, cfg.Parameters.Interval)
	}

	c.urgentLast = true
	if got := c.waitFor(OutcomePlan); got != cfg.Parameters.UrgentInterval {
		t.Errorf("urgent wait = %v, want %v", got, cfg.Parameters.UrgentInterval)
	}
}
