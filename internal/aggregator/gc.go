package aggregator

import (
	"sort"

	"github.com/dotnet-insights/dni/internal/core"
	"github.com/dotnet-insights/dni/internal/events"
	"github.com/rs/zerolog"
)

// State is the position of the GC aggregator's cycle state machine.
type State int

const (
	// StateIdle means no cycle is open.
	StateIdle State = iota
	// StateCollecting means a cycle started but its heap count is not known yet.
	StateCollecting
	// StateAwaitingCompletion means the heap count is known and the summary,
	// per-heap records or stop event are still outstanding.
	StateAwaitingCompletion
	// StateComplete means the cycle can be emitted.
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateCollecting:
		return "Collecting"
	case StateAwaitingCompletion:
		return "AwaitingCompletion"
	case StateComplete:
		return "Complete"
	}
	return "Invalid"
}

// Anomaly kinds reported by the aggregators.
const (
	AnomalyOverlappingStart    = "gc_start_while_unfinished"
	AnomalyStaleStart          = "gc_start_stale_id"
	AnomalyUnknownStop         = "gc_stop_unknown_id"
	AnomalyOrphanEvent         = "gc_event_without_cycle"
	AnomalyDuplicateHeap       = "gc_duplicate_heap"
	AnomalyExcessHeap          = "gc_heap_index_exceeds_count"
	AnomalyMalformedHeap       = "gc_malformed_heap"
	AnomalyDuplicateSummary    = "gc_duplicate_summary"
	AnomalyNegativeHeapCount   = "gc_negative_heap_count"
	AnomalyPendingAllocsCapped = "alloc_pending_buffer_full"
	AnomalyJitUnknownLoad      = "jit_load_unknown_method"
	AnomalyJitOrphanR2REnd     = "jit_r2r_end_without_start"
	AnomalyJitRestart          = "jit_start_while_compiling"
)

// DefaultPendingAllocationLimit bounds the samples buffered while no cycle is open.
const DefaultPendingAllocationLimit = 4096

// cycleState is one cycle under construction.
type cycleState struct {
	cycle          core.GcCycle
	heaps          map[int]core.HeapSnapshot
	heapCountKnown bool
	summaryReady   bool
	stopSeen       bool
}

// collectedHeaps counts the per-heap records inside the declared heap range.
func (c *cycleState) collectedHeaps() int {
	n := 0
	for idx := range c.heaps {
		if idx < c.cycle.NumHeaps {
			n++
		}
	}
	return n
}

// complete is the completion predicate: summary seen, heap count known, every
// declared heap reported and the pause end known.
func (c *cycleState) complete() bool {
	return c.summaryReady &&
		c.heapCountKnown &&
		c.stopSeen &&
		c.collectedHeaps() >= c.cycle.NumHeaps
}

func (c *cycleState) state() State {
	switch {
	case c == nil:
		return StateIdle
	case !c.heapCountKnown:
		return StateCollecting
	case c.complete():
		return StateComplete
	}
	return StateAwaitingCompletion
}

// GcAggregator rebuilds GcCycle records for one process from interleaved GC events.
// It is driven by a single worker and is not safe for concurrent use.
type GcAggregator struct {
	log       zerolog.Logger
	current   *cycleState
	pending   []core.AllocationSample
	maxPend   int
	lastID    uint32
	emitted   bool
	emit      func(*core.GcCycle)
	onAnomaly func(kind string)
}

// NewGcAggregator returns an aggregator calling emit for each finished cycle.
func NewGcAggregator(log zerolog.Logger, emit func(*core.GcCycle), onAnomaly func(string)) *GcAggregator {
	if onAnomaly == nil {
		onAnomaly = func(string) {}
	}
	return &GcAggregator{
		log:       log,
		maxPend:   DefaultPendingAllocationLimit,
		emit:      emit,
		onAnomaly: onAnomaly,
	}
}

// State reports the current state of the cycle state machine.
func (g *GcAggregator) State() State {
	return g.current.state()
}

// Handle implements events.Handler.
func (g *GcAggregator) Handle(e events.Event) {
	switch ev := e.(type) {
	case events.GCStart:
		g.onStart(ev)
	case events.GCGlobalHeapHistory:
		g.onGlobalHeapHistory(ev)
	case events.GCPerHeapHistory:
		g.onPerHeapHistory(ev)
	case events.GCHeapStats:
		g.onHeapStats(ev)
	case events.GCStop:
		g.onStop(ev)
	}
}

// Attach adds an allocation sample to the open cycle, or buffers it for the
// next cycle when none is open.
func (g *GcAggregator) Attach(s core.AllocationSample) {
	if g.current != nil {
		g.current.cycle.Allocations = append(g.current.cycle.Allocations, s)
		return
	}

	if len(g.pending) >= g.maxPend {
		g.onAnomaly(AnomalyPendingAllocsCapped)
		g.pending = g.pending[1:]
	}
	g.pending = append(g.pending, s)
}

// Pending returns the number of buffered allocation samples.
func (g *GcAggregator) Pending() int {
	return len(g.pending)
}

// Reset drops the in-progress cycle and buffered samples without emitting them.
func (g *GcAggregator) Reset() {
	if g.current != nil {
		g.log.Debug().
			Uint32("cycle_id", g.current.cycle.Id).
			Str("state", g.current.state().String()).
			Msg("Discarding partial GC cycle on teardown")
	}
	g.current = nil
	g.pending = nil
}

func (g *GcAggregator) anomaly(kind string) *zerolog.Event {
	g.onAnomaly(kind)
	return g.log.Warn().Str("anomaly", kind)
}

func (g *GcAggregator) onStart(ev events.GCStart) {
	if g.emitted && ev.Count <= g.lastID {
		g.anomaly(AnomalyStaleStart).
			Uint32("cycle_id", ev.Count).
			Uint32("last_emitted_id", g.lastID).
			Str("event", ev.Kind().String()).
			Msg("GC start for an already emitted cycle id, dropping")
		return
	}

	var carried []core.AllocationSample
	if g.current != nil {
		prev := g.current
		g.anomaly(AnomalyOverlappingStart).
			Uint32("cycle_id", ev.Count).
			Uint32("unfinished_cycle_id", prev.cycle.Id).
			Str("unfinished_state", prev.state().String()).
			Bool("summary_ready", prev.summaryReady).
			Bool("stop_seen", prev.stopSeen).
			Int("heaps_collected", len(prev.heaps)).
			Str("event", ev.Kind().String()).
			Msg("GC start while previous cycle is unfinished, discarding previous cycle")
		carried = prev.cycle.Allocations
	}

	allocs := append(carried, g.pending...)
	g.pending = nil

	depth := int(ev.Depth)
	g.current = &cycleState{
		cycle: core.GcCycle{
			Id:                     ev.Count,
			Generation:             depth,
			Kind:                   core.KindForGeneration(depth),
			Reason:                 core.GcReason(ev.Reason),
			Type:                   core.GcType(ev.Type),
			PauseStartRelativeMSec: ev.Time(),
			Allocations:            allocs,
		},
		heaps: make(map[int]core.HeapSnapshot),
	}

	g.log.Trace().
		Uint32("cycle_id", ev.Count).
		Int("generation", depth).
		Str("reason", core.GcReason(ev.Reason).String()).
		Msg("GC cycle started")
}

func (g *GcAggregator) onGlobalHeapHistory(ev events.GCGlobalHeapHistory) {
	c := g.current
	if c == nil {
		g.anomaly(AnomalyOrphanEvent).
			Str("event", ev.Kind().String()).
			Msg("Heap history without an open GC cycle, dropping")
		return
	}

	numHeaps := int(ev.NumHeaps)
	if numHeaps < 0 {
		g.anomaly(AnomalyNegativeHeapCount).
			Uint32("cycle_id", c.cycle.Id).
			Int32("num_heaps", ev.NumHeaps).
			Str("event", ev.Kind().String()).
			Msg("Negative heap count, treating as zero")
		numHeaps = 0
	}

	c.cycle.NumHeaps = numHeaps
	c.cycle.Gen0MinSize = ev.FinalYoungestDesired
	c.heapCountKnown = true

	g.tryComplete()
}

func (g *GcAggregator) onPerHeapHistory(ev events.GCPerHeapHistory) {
	c := g.current
	if c == nil {
		g.anomaly(AnomalyOrphanEvent).
			Int("heap_index", ev.HeapIndex).
			Str("event", ev.Kind().String()).
			Msg("Per-heap history without an open GC cycle, dropping")
		return
	}

	if ev.HeapIndex < 0 || (c.heapCountKnown && ev.HeapIndex >= c.cycle.NumHeaps) {
		g.anomaly(AnomalyExcessHeap).
			Uint32("cycle_id", c.cycle.Id).
			Int("heap_index", ev.HeapIndex).
			Int("num_heaps", c.cycle.NumHeaps).
			Str("event", ev.Kind().String()).
			Msg("Heap index outside the declared heap count, excluding")
		return
	}

	snapshot, errs := DecodeHeap(ev.HeapIndex, ev.Generations)
	for _, err := range errs {
		g.anomaly(AnomalyMalformedHeap).
			Uint32("cycle_id", c.cycle.Id).
			Int("heap_index", ev.HeapIndex).
			Str("event", ev.Kind().String()).
			Err(err).
			Msg("Malformed per-heap generation fields")
	}

	if _, dup := c.heaps[ev.HeapIndex]; dup {
		g.anomaly(AnomalyDuplicateHeap).
			Uint32("cycle_id", c.cycle.Id).
			Int("heap_index", ev.HeapIndex).
			Str("event", ev.Kind().String()).
			Msg("Duplicate per-heap history, keeping the latest")
	}
	c.heaps[ev.HeapIndex] = snapshot

	g.tryComplete()
}

func (g *GcAggregator) onHeapStats(ev events.GCHeapStats) {
	c := g.current
	if c == nil {
		g.anomaly(AnomalyOrphanEvent).
			Str("event", ev.Kind().String()).
			Msg("Heap stats without an open GC cycle, dropping")
		return
	}

	if c.summaryReady {
		g.anomaly(AnomalyDuplicateSummary).
			Uint32("cycle_id", c.cycle.Id).
			Str("event", ev.Kind().String()).
			Msg("Duplicate heap stats, keeping the latest")
	}

	c.cycle.GenerationSize0 = ev.GenerationSize0
	c.cycle.GenerationSize1 = ev.GenerationSize1
	c.cycle.GenerationSize2 = ev.GenerationSize2
	c.cycle.GenerationSizeLOH = ev.GenerationSize3
	c.cycle.TotalPromotedSize0 = ev.TotalPromotedSize0
	c.cycle.TotalPromotedSize1 = ev.TotalPromotedSize1
	c.cycle.TotalPromotedSize2 = ev.TotalPromotedSize2
	c.cycle.TotalPromotedLOH = ev.TotalPromotedSize3
	c.cycle.TotalHeapSize = ev.TotalHeapSize()
	c.cycle.TotalPromoted = ev.TotalPromoted()
	c.summaryReady = true

	g.tryComplete()
}

func (g *GcAggregator) onStop(ev events.GCStop) {
	c := g.current
	if c == nil || c.cycle.Id != ev.Count {
		e := g.anomaly(AnomalyUnknownStop).
			Uint32("cycle_id", ev.Count).
			Str("event", ev.Kind().String())
		if c != nil {
			e = e.Uint32("open_cycle_id", c.cycle.Id)
		}
		e.Msg("GC stop for an unknown cycle id, dropping")
		return
	}

	c.cycle.PauseEndRelativeMSec = ev.Time()
	c.cycle.PauseDurationMSec = c.cycle.PauseEndRelativeMSec - c.cycle.PauseStartRelativeMSec
	c.stopSeen = true

	g.tryComplete()
}

func (g *GcAggregator) tryComplete() {
	c := g.current
	if c.state() != StateComplete {
		return
	}

	indexes := make([]int, 0, len(c.heaps))
	for idx := range c.heaps {
		if idx >= c.cycle.NumHeaps {
			g.anomaly(AnomalyExcessHeap).
				Uint32("cycle_id", c.cycle.Id).
				Int("heap_index", idx).
				Int("num_heaps", c.cycle.NumHeaps).
				Msg("Heap index outside the declared heap count, excluding")
			continue
		}
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	c.cycle.Heaps = make([]core.HeapSnapshot, 0, len(indexes))
	for _, idx := range indexes {
		c.cycle.Heaps = append(c.cycle.Heaps, c.heaps[idx])
	}

	cycle := c.cycle
	g.current = nil
	g.lastID = cycle.Id
	g.emitted = true

	g.log.Debug().
		Uint32("cycle_id", cycle.Id).
		Int("generation", cycle.Generation).
		Float64("pause_ms", cycle.PauseDurationMSec).
		Int("heaps", len(cycle.Heaps)).
		Int("allocations", len(cycle.Allocations)).
		Msg("GC cycle complete")

	if g.emit != nil {
		g.emit(&cycle)
	}
}
