// Package events defines the raw runtime events consumed by the listener and
// routes them to the per-category aggregators.
package events

import (
	"strings"
)

// Kind tags a raw event.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindGCStart
	KindGCStop
	KindGCGlobalHeapHistory
	KindGCPerHeapHistory
	KindGCHeapStats
	KindAllocationTick
	KindJitStart
	KindMethodLoad
	KindR2RStart
	KindR2REnd

	kindCount
)

var kindNames = [kindCount]string{
	KindUnknown:             "Unknown",
	KindGCStart:             "GCStart",
	KindGCStop:              "GCStop",
	KindGCGlobalHeapHistory: "GCGlobalHeapHistory",
	KindGCPerHeapHistory:    "GCPerHeapHistory",
	KindGCHeapStats:         "GCHeapStats",
	KindAllocationTick:      "GCAllocationTick",
	KindJitStart:            "MethodJittingStarted",
	KindMethodLoad:          "MethodLoadVerbose",
	KindR2RStart:            "R2RGetEntryPointStart",
	KindR2REnd:              "R2RGetEntryPoint",
}

func (k Kind) String() string {
	if k < kindCount {
		return kindNames[k]
	}
	return "Unknown"
}

// Event is a raw runtime event. The set of implementations is closed.
type Event interface {
	Kind() Kind
	// Time is the event timestamp in milliseconds relative to the session start.
	Time() float64
	sealed()
}

// Header carries the fields shared by all events.
type Header struct {
	TimestampMSec float64
}

func (h Header) Time() float64 { return h.TimestampMSec }
func (Header) sealed() {}

// GCStart opens a collection.
type GCStart struct {
	Header
	Count  uint32
	Depth  uint32
	Reason uint32
	Type   uint32
}

func (GCStart) Kind() Kind { return KindGCStart }

// GCStop marks the end of the collection with the given Count.
type GCStop struct {
	Header
	Count uint32
	Depth uint32
}

func (GCStop) Kind() Kind { return KindGCStop }

// GCGlobalHeapHistory announces the heap count of the in-progress collection.
type GCGlobalHeapHistory struct {
	Header
	FinalYoungestDesired uint64
	NumHeaps             int32
	CondemnedGeneration  uint32
	Gen0ReductionCount   uint32
	Reason               uint32
	GlobalMechanisms     uint32
	PauseMode            uint32
	MemoryPressure       uint32
}

func (GCGlobalHeapHistory) Kind() Kind { return KindGCGlobalHeapHistory }

// GCPerHeapHistory carries one heap's statistics. Each generation is a set of
// named fields ("Name", "SizeBefore", ...) decoded by the aggregator.
type GCPerHeapHistory struct {
	Header
	HeapIndex   int
	Generations []map[string]any
}

func (GCPerHeapHistory) Kind() Kind { return KindGCPerHeapHistory }

// GCHeapStats is the collection summary.
type GCHeapStats struct {
	Header
	GenerationSize0           uint64
	TotalPromotedSize0        uint64
	GenerationSize1           uint64
	TotalPromotedSize1        uint64
	GenerationSize2           uint64
	TotalPromotedSize2        uint64
	GenerationSize3           uint64
	TotalPromotedSize3        uint64
	GenerationSize4           uint64
	TotalPromotedSize4        uint64
	FinalizationPromotedSize  uint64
	FinalizationPromotedCount uint64
	PinnedObjectCount         uint32
	SinkBlockCount            uint32
	GCHandleCount             uint32
}

func (GCHeapStats) Kind() Kind { return KindGCHeapStats }

// TotalHeapSize sums every generation size.
func (s GCHeapStats) TotalHeapSize() uint64 {
	return s.GenerationSize0 + s.GenerationSize1 + s.GenerationSize2 + s.GenerationSize3 + s.GenerationSize4
}

// TotalPromoted sums every generation's promoted bytes.
func (s GCHeapStats) TotalPromoted() uint64 {
	return s.TotalPromotedSize0 + s.TotalPromotedSize1 + s.TotalPromotedSize2 + s.TotalPromotedSize3 + s.TotalPromotedSize4
}

// AllocationTick is a sampled allocation.
type AllocationTick struct {
	Header
	AllocationKind uint32
	Amount         uint64
	TypeName       string
	HeapIndex      int
}

func (AllocationTick) Kind() Kind { return KindAllocationTick }

// JitStart fires when the JIT begins compiling a method.
type JitStart struct {
	Header
	MethodID  uint64
	Namespace string
	Name      string
	Signature string
}

func (JitStart) Kind() Kind { return KindJitStart }

// FullName is the method name as published.
func (e JitStart) FullName() string { return MethodName(e.Namespace, e.Signature, e.Name) }

// MethodLoad fires when compiled or precompiled code for a method is ready.
type MethodLoad struct {
	Header
	MethodID  uint64
	Namespace string
	Name      string
	Signature string
	Flags     uint32
}

func (MethodLoad) Kind() Kind { return KindMethodLoad }

// FullName is the method name as published.
func (e MethodLoad) FullName() string { return MethodName(e.Namespace, e.Signature, e.Name) }

// OptimizationTier extracts the tier bits of the load flags.
func (e MethodLoad) OptimizationTier() uint32 {
	return (e.Flags >> 7) & 0x7
}

// R2RStart fires when a ready-to-run entry point lookup begins.
type R2RStart struct {
	Header
	MethodID uint64
}

func (R2RStart) Kind() Kind { return KindR2RStart }

// R2REnd fires when a ready-to-run entry point was resolved.
type R2REnd struct {
	Header
	MethodID  uint64
	Namespace string
	Name      string
	Signature string
}

func (R2REnd) Kind() Kind { return KindR2REnd }

// FullName is the method name as published.
func (e R2REnd) FullName() string { return MethodName(e.Namespace, e.Signature, e.Name) }

// MethodName joins the non-empty name parts as namespace:signature:name.
func MethodName(namespace, signature, name string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{namespace, signature, name} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ":")
}
