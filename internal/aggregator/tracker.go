package aggregator

import (
	"sort"
	"sync"

	"github.com/dotnet-insights/dni/internal/core"
	"github.com/dotnet-insights/dni/internal/events"
	"github.com/dotnet-insights/dni/pkg/logx"
)

// DefaultHistoryLimit bounds the completed cycles and samples a tracker retains.
const DefaultHistoryLimit = 1024

// Options selects which categories a tracker aggregates.
type Options struct {
	GC          bool
	Allocations bool
	Jit         bool
	// HistoryLimit bounds retained cycles and allocation samples; 0 uses the default.
	HistoryLimit int
	// OnAnomaly is called for every protocol anomaly, e.g. to feed a counter.
	OnAnomaly func(kind string)
}

// AllCategories enables every aggregator.
func AllCategories() Options {
	return Options{GC: true, Allocations: true, Jit: true}
}

// Emitter receives finished records.
type Emitter func(rec core.Record)

// Tracker holds the aggregation state of one tracked process. Handle is called
// by the process's session worker only; the accessors may be called from other
// goroutines.
type Tracker struct {
	meta  core.ProcessMeta
	opts  Options
	emit  Emitter
	demux *events.Demux
	gc    *GcAggregator
	jit   *JitAggregator

	mu          sync.Mutex
	cycles      []core.GcCycle
	allocations []core.AllocationSample
	jitRecords  map[uint64]core.JitMethodRecord
	anomalies   map[string]int
	closed      bool
}

// NewTracker creates the aggregation state for a process.
func NewTracker(meta core.ProcessMeta, opts Options, emit Emitter) *Tracker {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}

	t := &Tracker{
		meta:       meta,
		opts:       opts,
		emit:       emit,
		jitRecords: make(map[uint64]core.JitMethodRecord),
		anomalies:  make(map[string]int),
	}

	log := logx.Component("aggregator").With().
		Int("process_id", meta.Pid).
		Str("process", meta.DisplayName()).
		Logger()

	var gcH, allocH, jitH events.Handler
	if opts.GC {
		t.gc = NewGcAggregator(log, t.onCycle, t.onAnomaly)
		gcH = t.gc
	}
	if opts.Allocations {
		allocH = NewAllocationSampler(t.onSample)
	}
	if opts.Jit {
		t.jit = NewJitAggregator(log, t.onJit, t.onAnomaly)
		jitH = t.jit
	}
	t.demux = events.NewDemux(gcH, allocH, jitH)

	return t
}

// Meta returns the tracked process metadata.
func (t *Tracker) Meta() core.ProcessMeta {
	return t.meta
}

// Handle feeds one raw event into the aggregators.
func (t *Tracker) Handle(e events.Event) bool {
	if t.isClosed() {
		return false
	}
	return t.demux.Dispatch(e)
}

// GcState reports the GC state machine position, StateIdle when GC is disabled.
func (t *Tracker) GcState() State {
	if t.gc == nil {
		return StateIdle
	}
	return t.gc.State()
}

// Close discards in-progress aggregation state. No partial cycle is emitted
// and further events are ignored. It must be called by the goroutine driving
// Handle, or after that goroutine stopped.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	if t.gc != nil {
		t.gc.Reset()
	}
}

func (t *Tracker) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Tracker) onAnomaly(kind string) {
	t.mu.Lock()
	t.anomalies[kind]++
	t.mu.Unlock()

	if t.opts.OnAnomaly != nil {
		t.opts.OnAnomaly(kind)
	}
}

func (t *Tracker) onSample(s core.AllocationSample) {
	if t.gc != nil {
		t.gc.Attach(s)
		return
	}

	// without GC events there is no cycle to attach to
	t.remember(nil, []core.AllocationSample{s})
	t.publish(core.KindAllocation, s)
}

func (t *Tracker) onCycle(c *core.GcCycle) {
	t.remember(c, c.Allocations)
	t.publish(core.KindGcCycle, c)
	for _, s := range c.Allocations {
		t.publish(core.KindAllocation, s)
	}
}

func (t *Tracker) onJit(r core.JitMethodRecord) {
	t.mu.Lock()
	t.jitRecords[r.MethodId] = r
	t.mu.Unlock()

	t.publish(core.KindJitEvent, r)
}

func (t *Tracker) remember(c *core.GcCycle, samples []core.AllocationSample) {
	t.mu.Lock()
	defer t.mu.Unlock()

	limit := t.opts.HistoryLimit
	if c != nil {
		t.cycles = append(t.cycles, *c)
		if over := len(t.cycles) - limit; over > 0 {
			t.cycles = append([]core.GcCycle(nil), t.cycles[over:]...)
		}
	}
	if len(samples) > 0 {
		t.allocations = append(t.allocations, samples...)
		if over := len(t.allocations) - limit; over > 0 {
			t.allocations = append([]core.AllocationSample(nil), t.allocations[over:]...)
		}
	}
}

func (t *Tracker) publish(kind core.RecordKind, data any) {
	if t.emit == nil {
		return
	}
	t.emit(core.Record{Kind: kind, Process: t.meta, Data: data})
}

// Cycles returns the retained completed cycles in emission order.
func (t *Tracker) Cycles() []core.GcCycle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]core.GcCycle(nil), t.cycles...)
}

// Allocations returns the retained allocation samples in emission order.
func (t *Tracker) Allocations() []core.AllocationSample {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]core.AllocationSample(nil), t.allocations...)
}

// JitRecords returns the latest published record of every loaded method.
func (t *Tracker) JitRecords() []core.JitMethodRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]core.JitMethodRecord, 0, len(t.jitRecords))
	for _, r := range t.jitRecords {
		out = append(out, r)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].MethodId < out[b].MethodId })
	return out
}

// JitSummary summarizes the load times of the process's methods.
func (t *Tracker) JitSummary() JitSummary {
	return SummarizeJit(t.JitRecords())
}

// Anomalies returns the anomaly counts observed so far.
func (t *Tracker) Anomalies() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.anomalies))
	for k, v := range t.anomalies {
		out[k] = v
	}
	return out
}
