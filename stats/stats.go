// Package stats defines the optional counters collector of spec.md §6.
// Every pipeline stage takes a Stats by interface so a simulator can wire
// in stats.Prometheus for a running instance or stats.Noop for tests and
// offline replay, matching the teacher's pattern of treating metrics as an
// external collaborator rather than a hard dependency.
package stats

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats is the set of per-cycle events both pipelines emit. Any
// Stats implementation must handle all of them; the zero Go interface
// method call on a Noop costs nothing extra at the call site.
type Stats interface {
	IncCommit(coreID, threadID int)
	IncFlush(coreID, threadID int, reason string)
	IncCacheMiss(coreID int, icache bool)
	IncBBCacheInvalidate(coreID int, reason string)
	ObserveROBOccupancy(coreID int, occupancy int)
	Tick(cycle uint64)
}

// Noop discards every observation; the default for tests, for a nil Stats
// passed to machine.New or either core, and for suprax-sim.
type Noop struct{}

func (Noop) IncCommit(int, int)               {}
func (Noop) IncFlush(int, int, string)        {}
func (Noop) IncCacheMiss(int, bool)           {}
func (Noop) IncBBCacheInvalidate(int, string) {}
func (Noop) ObserveROBOccupancy(int, int)     {}
func (Noop) Tick(uint64)                      {}

// Prometheus backs Stats with real counters/gauges, registered against a
// caller-supplied registry so multiple machine instances in one process
// don't collide on metric names.
type Prometheus struct {
	commits         *prometheus.CounterVec
	flushes         *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec
	bbInvalidations *prometheus.CounterVec
	robOccupancy    *prometheus.GaugeVec
	cycle           prometheus.Counter
}

// NewPrometheus builds and registers a Prometheus-backed Stats.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "suprax_commits_total", Help: "Committed micro-ops.",
		}, []string{"core", "thread"}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "suprax_flushes_total", Help: "Pipeline flushes by reason.",
		}, []string{"core", "thread", "reason"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "suprax_cache_misses_total", Help: "Memory hierarchy misses.",
		}, []string{"core", "kind"}),
		bbInvalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "suprax_bbcache_invalidations_total", Help: "Basic block cache invalidations.",
		}, []string{"core", "reason"}),
		robOccupancy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "suprax_rob_occupancy", Help: "Reorder buffer occupancy.",
		}, []string{"core"}),
		cycle: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "suprax_cycles_total", Help: "Simulated cycles elapsed.",
		}),
	}
	reg.MustRegister(p.commits, p.flushes, p.cacheMisses, p.bbInvalidations, p.robOccupancy, p.cycle)
	return p
}

func coreLabel(coreID int) string     { return strconv.Itoa(coreID) }
func threadLabel(threadID int) string { return strconv.Itoa(threadID) }

func (p *Prometheus) IncCommit(coreID, threadID int) {
	p.commits.WithLabelValues(coreLabel(coreID), threadLabel(threadID)).Inc()
}

func (p *Prometheus) IncFlush(coreID, threadID int, reason string) {
	p.flushes.WithLabelValues(coreLabel(coreID), threadLabel(threadID), reason).Inc()
}

func (p *Prometheus) IncCacheMiss(coreID int, icache bool) {
	kind := "dcache"
	if icache {
		kind = "icache"
	}
	p.cacheMisses.WithLabelValues(coreLabel(coreID), kind).Inc()
}

func (p *Prometheus) IncBBCacheInvalidate(coreID int, reason string) {
	p.bbInvalidations.WithLabelValues(coreLabel(coreID), reason).Inc()
}

func (p *Prometheus) ObserveROBOccupancy(coreID int, occupancy int) {
	p.robOccupancy.WithLabelValues(coreLabel(coreID)).Set(float64(occupancy))
}

func (p *Prometheus) Tick(uint64) { p.cycle.Inc() }
