package sink

import (
	"context"
	"strconv"
	"sync"

	"github.com/dotnet-insights/dni/internal/core"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	processLabels    = []string{"process_id", "process"}
	collectionLabels = []string{"process_id", "process", "generation", "reason", "type"}
	generationLabels = []string{"process_id", "process", "generation"}
	heapLabels       = []string{"process_id", "process", "heap_index", "generation"}
	allocLabels      = []string{"process_id", "process", "heap_index", "kind"}
	tierLabels       = []string{"process_id", "process", "tier"}
)

// generation label values of the per-generation totals
var generationNames = [...]string{"gen0", "gen1", "gen2", "loh"}

// metricsSink exposes the latest GC and JIT state of every process as prometheus series.
type metricsSink struct {
	id string

	gcCollections     *prometheus.CounterVec
	gcPause           *prometheus.GaugeVec
	heapSize          *prometheus.GaugeVec
	generationSize    *prometheus.GaugeVec
	promoted          *prometheus.GaugeVec
	heapGenSizeAfter  *prometheus.GaugeVec
	allocBytes        *prometheus.CounterVec
	jitMethods        *prometheus.CounterVec
	jitLoadDurationMs *prometheus.GaugeVec

	mu sync.Mutex
	// latest incarnation seen per pid, so a late release of an old one keeps the new series
	current map[int]core.ProcessKey
}

func (m *metricsSink) Info() string {
	return m.id
}

func (m *metricsSink) Type() string {
	return TypeMetrics
}

// Publish updates the series of the record's process. The lock is held across
// the updates so a concurrent Release cannot delete series it did not see.
func (m *metricsSink) Publish(_ context.Context, rec core.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current[rec.Process.Pid] = rec.Process.Key()

	pid := strconv.Itoa(rec.Process.Pid)
	name := rec.Process.DisplayName()

	switch data := rec.Data.(type) {
	case *core.GcCycle:
		m.observeCycle(pid, name, data)
	case core.AllocationSample:
		m.allocBytes.WithLabelValues(pid, name, strconv.Itoa(data.HeapIndex), data.Kind.String()).Add(float64(data.SizeBytes))
	case core.JitMethodRecord:
		tier := data.Tier.String()
		m.jitMethods.WithLabelValues(pid, name, tier).Inc()
		if data.HasLoaded {
			m.jitLoadDurationMs.WithLabelValues(pid, name, tier).Set(data.LoadTime)
		}
	}
}

func (m *metricsSink) observeCycle(pid, name string, c *core.GcCycle) {
	gen := strconv.Itoa(c.Generation)
	m.gcCollections.WithLabelValues(pid, name, gen, c.Reason.String(), c.Type.String()).Inc()
	m.gcPause.WithLabelValues(pid, name, gen, c.Reason.String(), c.Type.String()).Set(c.PauseDurationMSec)
	m.heapSize.WithLabelValues(pid, name).Set(float64(c.TotalHeapSize))

	sizes := [...]uint64{c.GenerationSize0, c.GenerationSize1, c.GenerationSize2, c.GenerationSizeLOH}
	promoted := [...]uint64{c.TotalPromotedSize0, c.TotalPromotedSize1, c.TotalPromotedSize2, c.TotalPromotedLOH}
	for i, g := range generationNames {
		m.generationSize.WithLabelValues(pid, name, g).Set(float64(sizes[i]))
		m.promoted.WithLabelValues(pid, name, g).Set(float64(promoted[i]))
	}

	for _, h := range c.Heaps {
		heap := strconv.Itoa(h.Index)
		for _, g := range h.Generations {
			m.heapGenSizeAfter.WithLabelValues(pid, name, heap, strconv.Itoa(g.Id)).Set(float64(g.SizeAfter))
		}
	}
}

// Release deletes every series of proc unless a newer incarnation of the pid is already reporting.
func (m *metricsSink) Release(_ context.Context, proc core.ProcessMeta) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.current[proc.Pid]
	if ok && cur != proc.Key() {
		return
	}
	delete(m.current, proc.Pid)

	match := prometheus.Labels{"process_id": strconv.Itoa(proc.Pid)}
	for _, v := range m.vecs() {
		v.DeletePartialMatch(match)
	}
}

func (m *metricsSink) Close(context.Context) error {
	return nil
}

type partialDeleter interface {
	DeletePartialMatch(labels prometheus.Labels) int
}

func (m *metricsSink) vecs() []partialDeleter {
	return []partialDeleter{
		m.gcCollections, m.gcPause, m.heapSize, m.generationSize, m.promoted,
		m.heapGenSizeAfter, m.allocBytes, m.jitMethods, m.jitLoadDurationMs,
	}
}

// NewMetrics creates a sink publishing records as prometheus series registered with reg.
func NewMetrics(id string, reg prometheus.Registerer) core.Sink {
	return newMetricsSink(id, reg)
}

func newMetricsSink(id string, reg prometheus.Registerer) *metricsSink {
	m := &metricsSink{
		id: id,
		gcCollections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dni",
			Subsystem: "gc",
			Name:      "collections_total",
			Help:      "Completed garbage collections.",
		}, collectionLabels),
		gcPause: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dni",
			Subsystem: "gc",
			Name:      "pause_duration_ms",
			Help:      "Pause duration of the latest garbage collection.",
		}, collectionLabels),
		heapSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dni",
			Subsystem: "gc",
			Name:      "heap_size_bytes",
			Help:      "Total heap size after the latest garbage collection.",
		}, processLabels),
		generationSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dni",
			Subsystem: "gc",
			Name:      "generation_size_bytes",
			Help:      "Generation size after the latest garbage collection.",
		}, generationLabels),
		promoted: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dni",
			Subsystem: "gc",
			Name:      "promoted_bytes",
			Help:      "Bytes promoted out of a generation by the latest garbage collection.",
		}, generationLabels),
		heapGenSizeAfter: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dni",
			Subsystem: "gc",
			Name:      "heap_generation_size_after_bytes",
			Help:      "Per-heap generation size after the latest garbage collection.",
		}, heapLabels),
		allocBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dni",
			Subsystem: "gc",
			Name:      "alloc_bytes_total",
			Help:      "Sampled allocation volume.",
		}, allocLabels),
		jitMethods: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dni",
			Subsystem: "jit",
			Name:      "methods_total",
			Help:      "JIT and ready-to-run method events.",
		}, tierLabels),
		jitLoadDurationMs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dni",
			Subsystem: "jit",
			Name:      "load_duration_ms",
			Help:      "Load time of the latest method loaded at a tier.",
		}, tierLabels),
		current: make(map[int]core.ProcessKey),
	}

	if reg != nil {
		reg.MustRegister(m.gcCollections, m.gcPause, m.heapSize, m.generationSize, m.promoted,
			m.heapGenSizeAfter, m.allocBytes, m.jitMethods, m.jitLoadDurationMs)
	}
	return m
}
