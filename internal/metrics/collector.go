// Package metrics exposes operational state as a Prometheus collector.
// Metrics are computed at scrape time from the store, so the hot paths
// carry no instrumentation overhead.
package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/synapse-ops/synapse/internal/models"
	"github.com/synapse-ops/synapse/internal/store"
)

// ResilienceInfo is the resilient store surface the collector reads.
type ResilienceInfo interface {
	State() store.BreakerState
	InReducedMode() bool
	PendingFallback(ctx context.Context) int
}

// CurationInfo reports curation decision counts since startup.
type CurationInfo interface {
	DecisionCounts() map[string]uint64
}

// Collector implements prometheus.Collector.
type Collector struct {
	startTime  time.Time
	version    string
	store      store.Store
	resilience ResilienceInfo
	curation   CurationInfo

	infoDesc            *prometheus.Desc
	uptimeDesc          *prometheus.Desc
	cyclesDesc          *prometheus.Desc
	cycleJobsDesc       *prometheus.Desc
	cycleBudgetDesc     *prometheus.Desc
	recordsDesc         *prometheus.Desc
	workersDesc         *prometheus.Desc
	breakerStateDesc    *prometheus.Desc
	reducedModeDesc     *prometheus.Desc
	fallbackPendingDesc *prometheus.Desc
	curationDesc        *prometheus.Desc
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithCurationInfo attaches a curation decision source.
func WithCurationInfo(info CurationInfo) CollectorOption {
	return func(c *Collector) { c.curation = info }
}

// NewCollector creates a collector. The resilience info may be nil when
// the store is not wrapped.
func NewCollector(version string, st store.Store, resilience ResilienceInfo, opts ...CollectorOption) *Collector {
	c := &Collector{
		startTime:  time.Now(),
		version:    version,
		store:      st,
		resilience: resilience,

		infoDesc: prometheus.NewDesc(
			"synapse_info",
			"Synapse build information",
			[]string{"version", "go_version"},
			nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"synapse_uptime_seconds",
			"Time since process start",
			nil,
			nil,
		),
		cyclesDesc: prometheus.NewDesc(
			"synapse_cycles_total",
			"Number of the most recently completed cycle",
			nil,
			nil,
		),
		cycleJobsDesc: prometheus.NewDesc(
			"synapse_cycle_jobs",
			"Job outcomes in the most recent cycle by status",
			[]string{"status"},
			nil,
		),
		cycleBudgetDesc: prometheus.NewDesc(
			"synapse_cycle_budget_consumed",
			"Budget units consumed by the most recent cycle",
			nil,
			nil,
		),
		recordsDesc: prometheus.NewDesc(
			"synapse_records",
			"Live records by tier",
			[]string{"tier"},
			nil,
		),
		workersDesc: prometheus.NewDesc(
			"synapse_workers",
			"Workers by health status",
			[]string{"status"},
			nil,
		),
		breakerStateDesc: prometheus.NewDesc(
			"synapse_store_breaker_state",
			"Circuit breaker state (0 healthy, 1 degraded, 2 open, 3 half-open)",
			nil,
			nil,
		),
		reducedModeDesc: prometheus.NewDesc(
			"synapse_store_reduced_mode",
			"Whether reads are served from the fallback mirror",
			nil,
			nil,
		),
		fallbackPendingDesc: prometheus.NewDesc(
			"synapse_fallback_pending",
			"Fallback entries awaiting reconciliation",
			nil,
			nil,
		),
		curationDesc: prometheus.NewDesc(
			"synapse_curation_decisions_total",
			"Curation decisions applied or proposed since startup",
			[]string{"decision"},
			nil,
		),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.infoDesc
	ch <- c.uptimeDesc
	ch <- c.cyclesDesc
	ch <- c.cycleJobsDesc
	ch <- c.cycleBudgetDesc
	ch <- c.recordsDesc
	ch <- c.workersDesc
	ch <- c.breakerStateDesc
	ch <- c.reducedModeDesc
	ch <- c.fallbackPendingDesc
	ch <- c.curationDesc
}

// Collect implements prometheus.Collector. Store errors skip the
// affected metrics rather than failing the scrape.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch <- prometheus.MustNewConstMetric(
		c.infoDesc, prometheus.GaugeValue, 1, c.version, runtime.Version())
	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())

	c.collectCycleMetrics(ctx, ch)
	c.collectRecordMetrics(ctx, ch)
	c.collectWorkerMetrics(ctx, ch)
	c.collectResilienceMetrics(ctx, ch)
	c.collectCurationMetrics(ch)
}

func (c *Collector) collectCycleMetrics(ctx context.Context, ch chan<- prometheus.Metric) {
	cycle, results, err := c.store.LatestCycle(ctx)
	if err != nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(
		c.cyclesDesc, prometheus.CounterValue, float64(cycle.Number))
	ch <- prometheus.MustNewConstMetric(
		c.cycleBudgetDesc, prometheus.GaugeValue, float64(cycle.BudgetConsumed))

	counts := make(map[string]float64)
	for _, res := range results {
		counts[res.Status.String()]++
	}
	for status, count := range counts {
		ch <- prometheus.MustNewConstMetric(
			c.cycleJobsDesc, prometheus.GaugeValue, count, status)
	}
}

func (c *Collector) collectRecordMetrics(ctx context.Context, ch chan<- prometheus.Metric) {
	result, err := c.store.QueryRecords(ctx, store.Query{})
	if err != nil {
		return
	}
	counts := make(map[string]float64)
	for _, rec := range result.Records {
		counts[rec.Tier.String()]++
	}
	for _, tier := range []models.Tier{models.TierHot, models.TierWarm, models.TierCold} {
		ch <- prometheus.MustNewConstMetric(
			c.recordsDesc, prometheus.GaugeValue, counts[tier.String()], tier.String())
	}
}

func (c *Collector) collectWorkerMetrics(ctx context.Context, ch chan<- prometheus.Metric) {
	workers, err := c.store.ListWorkers(ctx)
	if err != nil {
		return
	}
	counts := make(map[string]float64)
	for _, w := range workers {
		counts[w.Status.String()]++
	}
	statuses := []models.WorkerStatus{
		models.WorkerHealthy, models.WorkerDegraded, models.WorkerFailedOver,
	}
	for _, status := range statuses {
		ch <- prometheus.MustNewConstMetric(
			c.workersDesc, prometheus.GaugeValue, counts[status.String()], status.String())
	}
}

func (c *Collector) collectResilienceMetrics(ctx context.Context, ch chan<- prometheus.Metric) {
	if c.resilience == nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(
		c.breakerStateDesc, prometheus.GaugeValue, float64(c.resilience.State()))
	reduced := float64(0)
	if c.resilience.InReducedMode() {
		reduced = 1
	}
	ch <- prometheus.MustNewConstMetric(
		c.reducedModeDesc, prometheus.GaugeValue, reduced)
	ch <- prometheus.MustNewConstMetric(
		c.fallbackPendingDesc, prometheus.GaugeValue,
		float64(c.resilience.PendingFallback(ctx)))
}

func (c *Collector) collectCurationMetrics(ch chan<- prometheus.Metric) {
	if c.curation == nil {
		return
	}
	for decision, count := range c.curation.DecisionCounts() {
		ch <- prometheus.MustNewConstMetric(
			c.curationDesc, prometheus.CounterValue, float64(count), decision)
	}
}

// NewRegistry creates a Prometheus registry with the synapse collector
// plus the standard Go and process collectors.
func NewRegistry(collector *Collector) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collector)
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return registry
}
