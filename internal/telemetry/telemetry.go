// Package telemetry exposes the balancer's operational state to Prometheus.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/guimove/pvebalance/internal/metrics"
)

// Metrics holds the collectors updated by the cycle controller.
type Metrics struct {
	registry *prometheus.Registry

	Cycles        *prometheus.CounterVec
	Plans         *prometheus.CounterVec
	Migrations    *prometheus.CounterVec
	NodeRAM       *prometheus.GaugeVec
	NodeCPUTrend  *prometheus.GaugeVec
	NodeDeviation *prometheus.GaugeVec
	GroupBalanced *prometheus.GaugeVec
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.Cycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pvebalance_cycles_total",
		Help: "Balancing cycles by outcome (balanced, plan, skipped).",
	}, []string{"outcome"})

	m.Plans = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pvebalance_plans_total",
		Help: "Migration plans produced, by trigger reason.",
	}, []string{"reason"})

	m.Migrations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pvebalance_migrations_total",
		Help: "Executed migrations by result (success, failure, dry_run).",
	}, []string{"result"})

	m.NodeRAM = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pvebalance_node_ram_percent",
		Help: "Node memory usage percent at the last cycle.",
	}, []string{"node", "group"})

	m.NodeCPUTrend = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pvebalance_node_cpu_trend_percent",
		Help: "Smoothed node CPU utilization percent at the last cycle.",
	}, []string{"node", "group"})

	m.NodeDeviation = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pvebalance_node_ram_deviation",
		Help: "Absolute distance from the group RAM average, percent points.",
	}, []string{"node", "group"})

	m.GroupBalanced = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pvebalance_group_balanced",
		Help: "1 when the group needed no action at the last cycle.",
	}, []string{"group"})

	m.registry.MustRegister(
		m.Cycles, m.Plans, m.Migrations,
		m.NodeRAM, m.NodeCPUTrend, m.NodeDeviation, m.GroupBalanced,
	)
	return m
}

// ObserveLoads publishes per-node and per-group gauges from one cycle's
// computed load. Gauges are reset first so departed nodes disappear.
func (m *Metrics) ObserveLoads(res metrics.Result, planned map[string]bool) {
	m.NodeRAM.Reset()
	m.NodeCPUTrend.Reset()
	m.NodeDeviation.Reset()
	m.GroupBalanced.Reset()

	for _, nl := range res.Nodes {
		m.NodeRAM.WithLabelValues(nl.Node, nl.Group).Set(nl.RAMPct)
		m.NodeCPUTrend.WithLabelValues(nl.Node, nl.Group).Set(nl.CPUTrendPct)
		m.NodeDeviation.WithLabelValues(nl.Node, nl.Group).Set(nl.RAMDeviation)
	}
	for group := range res.Groups {
		v := 1.0
		if planned[group] {
			v = 0
		}
		m.GroupBalanced.WithLabelValues(group).Set(v)
	}
}

// Serve runs the /metrics endpoint until ctx is done.
func (m *Metrics) Serve(ctx context.Context, listen string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: listen, Handler: mux}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		return err
	}
}
