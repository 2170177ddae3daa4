package core

import (
	"fmt"
	"strings"
)

// GcKind distinguishes ephemeral collections (gen0/gen1) from full blocking ones.
type GcKind int

const (
	GcKindEphemeral GcKind = iota
	GcKindFullBlocking
)

// KindForGeneration derives the collection kind from the condemned generation.
func KindForGeneration(gen int) GcKind {
	if gen <= 1 {
		return GcKindEphemeral
	}
	return GcKindFullBlocking
}

func (k GcKind) String() string {
	if k == GcKindEphemeral {
		return "Ephemeral"
	}
	return "FullBlocking"
}

func (k GcKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// GcType is the runtime's collection type.
type GcType uint32

const (
	GcTypeNonConcurrent GcType = 0
	GcTypeBackground    GcType = 1
	GcTypeForeground    GcType = 2
)

func (t GcType) String() string {
	switch t {
	case GcTypeNonConcurrent:
		return "NonConcurrentGC"
	case GcTypeBackground:
		return "BackgroundGC"
	case GcTypeForeground:
		return "ForegroundGC"
	}
	return fmt.Sprintf("GCType(%d)", uint32(t))
}

func (t GcType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// GcReason is the trigger reported by the runtime on GC start. The numeric values
// are the runtime's own.
type GcReason uint32

const (
	ReasonAllocSmall GcReason = iota
	ReasonInduced
	ReasonLowMemory
	ReasonEmpty
	ReasonAllocLarge
	ReasonOutOfSpaceSOH
	ReasonOutOfSpaceLOH
	ReasonInducedNotForced
	ReasonInternal
	ReasonInducedLowMemory
	ReasonInducedCompacting
	ReasonLowMemoryHost
	ReasonPMFullGC
)

var reasonNames = [...]string{
	"AllocSmall",
	"Induced",
	"LowMemory",
	"Empty",
	"AllocLarge",
	"OutOfSpaceSOH",
	"OutOfSpaceLOH",
	"InducedNotForced",
	"Internal",
	"InducedLowMemory",
	"InducedCompacting",
	"LowMemoryHost",
	"PMFullGC",
}

func (r GcReason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf("Reason(%d)", uint32(r))
}

func (r GcReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// ParseGcReason maps a reason name back to its value; unknown names yield false.
func ParseGcReason(s string) (GcReason, bool) {
	for i, name := range reasonNames {
		if strings.EqualFold(name, s) {
			return GcReason(i), true
		}
	}
	return 0, false
}

// Generation ids used in per-heap statistics.
const (
	Gen0        = 0
	Gen1        = 1
	Gen2        = 2
	GenLargeObj = 3
	GenUnknown  = 4
)

// GenerationID maps a generation name from per-heap history to its id.
func GenerationID(name string) int {
	switch name {
	case "Gen0":
		return Gen0
	case "Gen1":
		return Gen1
	case "Gen2":
		return Gen2
	case "GenLargeObj":
		return GenLargeObj
	}
	return GenUnknown
}

// GenerationStats holds one generation's statistics inside a HeapSnapshot.
type GenerationStats struct {
	Id                  int     `json:"Id"`
	SizeBefore          uint64  `json:"SizeBefore"`
	SizeAfter           uint64  `json:"SizeAfter"`
	ObjSpaceBefore      uint64  `json:"ObjSpaceBefore"`
	Fragmentation       uint64  `json:"Fragmentation"`
	FreeListSpaceBefore uint64  `json:"FreeListSpaceBefore"`
	FreeListSpaceAfter  uint64  `json:"FreeListSpaceAfter"`
	FreeObjSpaceBefore  uint64  `json:"FreeObjSpaceBefore"`
	FreeObjSpaceAfter   uint64  `json:"FreeObjSpaceAfter"`
	ObjSizeAfter        uint64  `json:"ObjSizeAfter"`
	In                  uint64  `json:"In"`
	Out                 uint64  `json:"Out"`
	NewAllocation       uint64  `json:"NewAllocation"`
	SurvRate            float64 `json:"SurvRate"`
	PinnedSurv          uint64  `json:"PinnedSurv"`
	NonePinnedSurv      uint64  `json:"NonePinnedSurv"`
}

// HeapSnapshot is the per-heap detail of a GC cycle.
type HeapSnapshot struct {
	Index       int               `json:"Index"`
	Generations []GenerationStats `json:"Generations"`
}

// GcCycle is one completed garbage collection.
type GcCycle struct {
	Kind                   GcKind         `json:"kind"`
	Generation             int            `json:"generation"`
	Gen0MinSize            uint64         `json:"Gen0MinSize"`
	GenerationSizeLOH      uint64         `json:"GenerationSizeLOH"`
	GenerationSize0        uint64         `json:"GenerationSize0"`
	GenerationSize1        uint64         `json:"GenerationSize1"`
	GenerationSize2        uint64         `json:"GenerationSize2"`
	Id                     uint32         `json:"Id"`
	NumHeaps               int            `json:"NumHeaps"`
	PauseEndRelativeMSec   float64        `json:"PauseEndRelativeMSec"`
	PauseStartRelativeMSec float64        `json:"PauseStartRelativeMSec"`
	PauseDurationMSec      float64        `json:"PauseDurationMSec"`
	Reason                 GcReason       `json:"Reason"`
	TotalHeapSize          uint64         `json:"TotalHeapSize"`
	TotalPromoted          uint64         `json:"TotalPromoted"`
	TotalPromotedLOH       uint64         `json:"TotalPromotedLOH"`
	TotalPromotedSize0     uint64         `json:"TotalPromotedSize0"`
	TotalPromotedSize1     uint64         `json:"TotalPromotedSize1"`
	TotalPromotedSize2     uint64         `json:"TotalPromotedSize2"`
	Type                   GcType         `json:"Type"`
	Heaps                  []HeapSnapshot `json:"Heaps"`

	// Allocations sampled while the cycle was open. They are published as
	// separate Allocation records right after the cycle.
	Allocations []AllocationSample `json:"-"`
}

// AllocKind is the allocation tick kind.
type AllocKind uint32

const (
	AllocSmall AllocKind = 0
	AllocLarge AllocKind = 1
)

func (k AllocKind) String() string {
	if k == AllocLarge {
		return "Large"
	}
	return "Small"
}

func (k AllocKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// AllocationSample is one normalized allocation tick.
type AllocationSample struct {
	HeapIndex     int       `json:"HeapIndex"`
	Kind          AllocKind `json:"Kind"`
	TypeName      string    `json:"TypeName"`
	SizeBytes     uint64    `json:"SizeBytes"`
	TimestampMSec float64   `json:"TimestampMSec"`
}

// JitTier is the optimization tier reported for a loaded method.
type JitTier int

const (
	TierUnknown        JitTier = 0
	TierMinOptJitted   JitTier = 1
	TierOptimized      JitTier = 2
	TierQuickJitted    JitTier = 3
	TierOptimizedTier1 JitTier = 4
	TierReadyToRun     JitTier = 5
	TierPreJIT         JitTier = 255
)

func (t JitTier) String() string {
	switch t {
	case TierMinOptJitted:
		return "MinOptJitted"
	case TierOptimized:
		return "Optimized"
	case TierQuickJitted:
		return "QuickJitted"
	case TierOptimizedTier1:
		return "OptimizedTier1"
	case TierReadyToRun:
		return "ReadyToRun"
	case TierPreJIT:
		return "PreJIT"
	}
	return "Unknown"
}

func (t JitTier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// JitMethodRecord is the published state of one method's compile/load lifecycle.
type JitMethodRecord struct {
	MethodId      uint64  `json:"MethodId"`
	MethodName    string  `json:"MethodName"`
	Tier          JitTier `json:"Tier"`
	LoadTime      float64 `json:"LoadTime"`
	HasLoaded     bool    `json:"HasLoaded"`
	IsTieredUp    bool    `json:"isTieredUp"`
	TimestampMSec float64 `json:"TimeStamp"`
}
