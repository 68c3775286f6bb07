// Package controller drives the balancing loop: snapshot, load computation,
// per-group decisions, validation, and execution.
package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/guimove/pvebalance/internal/balancer"
	"github.com/guimove/pvebalance/internal/config"
	"github.com/guimove/pvebalance/internal/metrics"
	"github.com/guimove/pvebalance/internal/model"
	"github.com/guimove/pvebalance/internal/notify"
	"github.com/guimove/pvebalance/internal/proxmox"
	"github.com/guimove/pvebalance/internal/telemetry"
)

// Outcome classifies one cycle for wait selection and telemetry.
type Outcome string

const (
	OutcomeSkipped  Outcome = "skipped"  // transient snapshot problem, retry next interval
	OutcomeStandby  Outcome = "standby"  // not the cluster master
	OutcomeBalanced Outcome = "balanced" // no group needed action
	OutcomePlan     Outcome = "plan"     // at least one migration executed or dry-run
)

// Controller owns the cycle loop and the cross-cycle trend history.
type Controller struct {
	cfg       config.Config
	src       proxmox.Source
	notifier  notify.Notifier
	telemetry *telemetry.Metrics
	log       *logrus.Entry

	engine    *balancer.Engine
	validator balancer.Validator
	mopts     metrics.Options

	excludedVMs []int
	hostname    string

	history metrics.History
	store   *metrics.HistoryStore

	// localVMs remembers guests whose migration precheck reported local
	// disks or passthrough devices. A live snapshot cannot carry that flag,
	// so without it the same infeasible plan would repeat every cycle.
	mu       sync.Mutex
	localVMs map[int]bool

	groupsChecked bool
	urgentLast    bool
}

// New builds a controller from validated configuration.
func New(cfg config.Config, src proxmox.Source, notifier notify.Notifier, tele *telemetry.Metrics, log *logrus.Entry) (*Controller, error) {
	excluded, err := cfg.ExcludedVMIDs()
	if err != nil {
		return nil, err
	}

	hostname, err := os.Hostname()
	if err != nil && cfg.Parameters.OnlyOnMaster {
		return nil, fmt.Errorf("only_on_master requires a resolvable hostname: %w", err)
	}

	validator := balancer.Validator{
		LxcMigration: cfg.Parameters.LxcMigration,
		RAMThreshold: cfg.Parameters.Threshold,
	}
	engine := balancer.NewEngine(validator, balancer.Options{
		Deviation:    cfg.Parameters.Deviation,
		RAMThreshold: cfg.Parameters.Threshold,
		WeightRAM:    cfg.Balancing.WeightRAM,
	})

	c := &Controller{
		cfg:       cfg,
		src:       src,
		notifier:  notifier,
		telemetry: tele,
		log:       log,
		engine:    engine,
		validator: validator,
		mopts: metrics.Options{
			WeightRAM:    cfg.Balancing.WeightRAM,
			WeightCPU:    cfg.Balancing.WeightCPU,
			Deviation:    cfg.Parameters.Deviation,
			RAMThreshold: cfg.Parameters.Threshold,
			CPUThreshold: cfg.Balancing.CPUThreshold,
			OOMThreshold: cfg.Balancing.MemoryOOMThreshold,
			TrendDecay:   cfg.Balancing.CPUTrendDecay,
		},
		excludedVMs: excluded,
		hostname:    hostname,
		history:     metrics.NewHistory(),
		localVMs:    make(map[int]bool),
	}

	if cfg.StateDir != "" {
		c.store = metrics.NewHistoryStore(cfg.StateDir)
		c.history = c.store.Load(cfg.Parameters.BalancedInterval * 3)
	}
	return c, nil
}

// Run executes cycles until ctx is cancelled. An in-flight migration wait is
// always finished before returning: execution contexts are detached from ctx
// and bounded only by migration_timeout.
func (c *Controller) Run(ctx context.Context) error {
	c.log.WithFields(logrus.Fields{
		"test_mode": c.cfg.Parameters.TestMode,
		"deviation": c.cfg.Parameters.Deviation,
	}).Info("balancing loop starting")

	for {
		outcome, err := c.RunCycle(ctx)
		if err != nil {
			return err
		}

		wait := c.waitFor(outcome)
		c.log.WithFields(logrus.Fields{"outcome": outcome, "wait": wait}).Debug("cycle finished")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// RunCycle performs exactly one cycle. Transient snapshot failures skip the
// cycle; only misconfiguration discovered on the first snapshot is fatal.
func (c *Controller) RunCycle(ctx context.Context) (Outcome, error) {
	snap, err := c.src.GetSnapshot(ctx)
	if err != nil {
		c.log.WithError(err).Warn("snapshot unavailable, skipping cycle")
		c.countCycle(OutcomeSkipped)
		return OutcomeSkipped, nil
	}

	if !c.groupsChecked {
		if err := c.checkGroups(snap); err != nil {
			return OutcomeSkipped, err
		}
		c.groupsChecked = true
	}

	if c.cfg.Parameters.OnlyOnMaster && snap.MasterNode != "" && c.hostname != snap.MasterNode {
		c.log.WithFields(logrus.Fields{"hostname": c.hostname, "master": snap.MasterNode}).
			Info("not the cluster master, standing by")
		c.countCycle(OutcomeStandby)
		return OutcomeStandby, nil
	}

	if !snap.Quorate {
		c.log.Warn("cluster has no quorum, skipping cycle")
		c.countCycle(OutcomeSkipped)
		return OutcomeSkipped, nil
	}

	snap.ApplyPlacementPolicy(c.cfg.Groups, c.cfg.Exclusions.Nodes, c.excludedVMs)
	c.markLocalResources(snap)
	c.warmTrend(ctx, snap)

	loads, history := metrics.Compute(snap, c.history, c.mopts)
	c.history = history
	if c.store != nil {
		if err := c.store.Save(c.history); err != nil {
			c.log.WithError(err).Warn("persisting trend history failed")
		}
	}

	c.notifyOOM(loads)

	plans := c.decideAll(ctx, snap, loads)
	c.observe(loads, plans)

	if len(plans) == 0 {
		c.countCycle(OutcomeBalanced)
		return OutcomeBalanced, nil
	}

	c.executeAll(ctx, snap, plans)
	c.countCycle(OutcomePlan)
	return OutcomePlan, nil
}

// checkGroups verifies that configured groups only reference nodes the
// cluster knows. This is a configuration error and therefore fatal.
func (c *Controller) checkGroups(snap *model.ClusterSnapshot) error {
	for group, nodes := range c.cfg.Groups {
		for _, n := range nodes {
			if !snap.KnownNode(n) {
				return fmt.Errorf("group %q references unknown node %q", group, n)
			}
		}
	}
	return nil
}

// markLocalResources flags guests the migration precheck has rejected
// before, so they never re-enter candidate selection.
func (c *Controller) markLocalResources(snap *model.ClusterSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range snap.VMs {
		if c.localVMs[snap.VMs[i].ID] {
			snap.VMs[i].LocalResources = true
		}
	}
}

// warmTrend seeds the trend for nodes with no history from the cluster's RRD
// samples, so a restarted daemon does not treat a momentary spike as trend.
func (c *Controller) warmTrend(ctx context.Context, snap *model.ClusterSnapshot) {
	for _, n := range snap.Nodes {
		if n.Excluded {
			continue
		}
		if _, ok := c.history.Trend[n.Name]; ok {
			continue
		}
		samples, err := c.src.CPUHistory(ctx, n.Name)
		if err != nil || len(samples) == 0 {
			continue
		}
		var sum float64
		for _, s := range samples {
			sum += s
		}
		c.history.Trend[n.Name] = sum / float64(len(samples))
		c.log.WithFields(logrus.Fields{"node": n.Name, "trend": c.history.Trend[n.Name]}).
			Debug("trend seeded from rrd history")
	}
}

// decideAll runs the engine once per group. Groups are disjoint migration
// domains sharing only the read-only snapshot, so they are decided in
// parallel.
func (c *Controller) decideAll(ctx context.Context, snap *model.ClusterSnapshot, loads metrics.Result) []model.MigrationPlan {
	groups := snap.Groups()
	results := make([]*model.MigrationPlan, len(groups))

	g, _ := errgroup.WithContext(ctx)
	for i, group := range groups {
		i, group := i, group
		g.Go(func() error {
			results[i] = c.engine.DecideGroup(snap, loads, group)
			return nil
		})
	}
	_ = g.Wait()

	var plans []model.MigrationPlan
	for _, p := range results {
		if p != nil {
			plans = append(plans, *p)
		}
	}
	return plans
}

// executeAll validates and executes the cycle's plans, bounded by the
// configured concurrency cap. Since each plan stays within its own group and
// groups are disjoint, no node can be part of two in-flight migrations.
func (c *Controller) executeAll(ctx context.Context, snap *model.ClusterSnapshot, plans []model.MigrationPlan) {
	c.urgentLast = false

	g := new(errgroup.Group)
	g.SetLimit(c.cfg.Parameters.MaxConcurrentMigrations)

	for _, plan := range plans {
		plan := plan
		if err := c.validator.Accept(snap, plan); err != nil {
			c.log.WithField("plan", plan.String()).WithError(err).Info("plan rejected")
			continue
		}

		c.countPlan(plan)
		if plan.Urgent {
			c.urgentLast = true
		}

		if c.cfg.Parameters.TestMode {
			c.log.WithFields(logrus.Fields{
				"vmid":   plan.VMID,
				"source": plan.Source,
				"target": plan.Target,
				"reason": plan.Reason,
			}).Info("test mode: migration suppressed")
			c.countMigration("dry_run")
			continue
		}

		g.Go(func() error {
			c.execute(ctx, plan)
			return nil
		})
	}
	_ = g.Wait()
}

// execute runs one migration. The wait is bounded by migration_timeout on a
// context detached from the loop's, so shutdown never abandons a migration
// the cluster is still performing.
func (c *Controller) execute(ctx context.Context, plan model.MigrationPlan) {
	log := c.log.WithFields(logrus.Fields{
		"vmid":   plan.VMID,
		"source": plan.Source,
		"target": plan.Target,
		"reason": plan.Reason,
		"urgent": plan.Urgent,
	})
	log.Info("migrating")

	migCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Parameters.MigrationTimeout)
	defer cancel()

	start := time.Now()
	if err := c.src.Migrate(migCtx, plan); err != nil {
		if errors.Is(err, proxmox.ErrLocalResources) {
			c.mu.Lock()
			c.localVMs[plan.VMID] = true
			c.mu.Unlock()
			log.WithError(err).Warn("guest pinned by local resources, dropped from future candidates")
			c.countMigration("rejected")
			return
		}
		log.WithError(err).Error("migration failed")
		c.countMigration("failure")
		c.notifier.Notify("", fmt.Sprintf("migration of vm %d from %s to %s failed: %v",
			plan.VMID, plan.Source, plan.Target, err))
		return
	}
	log.WithField("took", time.Since(start).Round(time.Second)).Info("migration complete")
	c.countMigration("success")
}

// notifyOOM raises an alert for every node above the OOM threshold.
func (c *Controller) notifyOOM(loads metrics.Result) {
	for _, nl := range loads.Nodes {
		if nl.OverOOM {
			c.log.WithFields(logrus.Fields{"node": nl.Node, "ram": nl.RAMPct}).
				Warn("node over OOM threshold")
			c.notifier.Notify("", fmt.Sprintf("node %s memory at %.1f%%, above OOM threshold %.1f%%",
				nl.Node, nl.RAMPct, c.mopts.OOMThreshold))
		}
	}
}

// waitFor maps a cycle outcome to the next sleep.
func (c *Controller) waitFor(outcome Outcome) time.Duration {
	switch {
	case outcome == OutcomePlan && c.urgentLast:
		return c.cfg.Parameters.UrgentInterval
	case outcome == OutcomeBalanced || outcome == OutcomeStandby:
		return c.cfg.Parameters.BalancedInterval
	default:
		return c.cfg.Parameters.Interval
	}
}

func (c *Controller) observe(loads metrics.Result, plans []model.MigrationPlan) {
	if c.telemetry == nil {
		return
	}
	planned := make(map[string]bool, len(plans))
	for _, p := range plans {
		planned[p.Group] = true
	}
	c.telemetry.ObserveLoads(loads, planned)
}

func (c *Controller) countCycle(outcome Outcome) {
	if c.telemetry != nil {
		c.telemetry.Cycles.WithLabelValues(string(outcome)).Inc()
	}
}

func (c *Controller) countPlan(plan model.MigrationPlan) {
	if c.telemetry != nil {
		c.telemetry.Plans.WithLabelValues(string(plan.Reason)).Inc()
	}
}

func (c *Controller) countMigration(result string) {
	if c.telemetry != nil {
		c.telemetry.Migrations.WithLabelValues(result).Inc()
	}
}
