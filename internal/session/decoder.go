package session

import (
	"github.com/dotnet-insights/dni/internal/events"
	"github.com/pkg/errors"
)

// generation names of per-heap history entries, by position
var generationNames = []string{"Gen0", "Gen1", "Gen2", "GenLargeObj", "GenPinObj"}

// per-heap generation value names, in payload order
var generationFields = []string{
	"SizeBefore",
	"FreeListSpaceBefore",
	"FreeObjSpaceBefore",
	"SizeAfter",
	"FreeListSpaceAfter",
	"FreeObjSpaceAfter",
	"In",
	"PinnedSurv",
	"NonePinnedSurv",
	"NewAllocation",
}

// maxGenerations bounds the generation count read from a payload.
const maxGenerations = 16

type eventKey struct {
	provider string
	id       int
}

// Decoder turns nettrace event blobs into typed events. Metadata must be
// registered before the blobs referring to it.
type Decoder struct {
	syncQPC int64
	qpcFreq int64
	ptrSize int
	meta    map[int64]eventKey
}

// NewDecoder returns a decoder converting timestamps relative to syncQPC.
func NewDecoder(syncQPC, qpcFreq int64, ptrSize int) *Decoder {
	if qpcFreq <= 0 {
		qpcFreq = 1_000_000_000
	}
	if ptrSize != 4 {
		ptrSize = 8
	}
	return &Decoder{
		syncQPC: syncQPC,
		qpcFreq: qpcFreq,
		ptrSize: ptrSize,
		meta:    make(map[int64]eventKey),
	}
}

// AddMetadata registers what a metadata id refers to.
func (d *Decoder) AddMetadata(id int64, provider string, eventID int) {
	d.meta[id] = eventKey{provider: provider, id: eventID}
}

// RelativeMSec converts a QPC timestamp to milliseconds since the session start.
func (d *Decoder) RelativeMSec(ts int64) float64 {
	return float64(ts-d.syncQPC) * 1000 / float64(d.qpcFreq)
}

// Decode returns the typed event of a blob, or nil when the event is not one
// the listener aggregates.
func (d *Decoder) Decode(metadataID int64, ts int64, payload []byte) (events.Event, error) {
	key, ok := d.meta[metadataID]
	if !ok || key.provider != RuntimeProvider {
		return nil, nil
	}

	hdr := events.Header{TimestampMSec: d.RelativeMSec(ts)}
	r := newPayloadReader(payload, d.ptrSize)

	var ev events.Event
	switch key.id {
	case EventGCStart:
		ev = decodeGCStart(hdr, r)
	case EventGCEnd:
		ev = events.GCStop{Header: hdr, Count: r.u32(), Depth: r.u32()}
	case EventGCHeapStats:
		ev = decodeHeapStats(hdr, r)
	case EventGCGlobalHeapHistory:
		ev = decodeGlobalHeapHistory(hdr, r)
	case EventGCPerHeapHistory:
		ev = decodePerHeapHistory(hdr, r)
	case EventGCAllocationTick:
		ev = decodeAllocationTick(hdr, r)
	case EventMethodJittingStarted:
		ev = decodeJitStart(hdr, r)
	case EventMethodLoadVerbose:
		ev = decodeMethodLoad(hdr, r)
	case EventR2RGetEntryPoint:
		ev = decodeR2REnd(hdr, r)
	case EventR2RGetEntryPointStart:
		ev = events.R2RStart{Header: hdr, MethodID: r.u64()}
	default:
		return nil, nil
	}

	if r.err != nil {
		return nil, errors.Wrapf(r.err, "failed to decode event %d", key.id)
	}
	return ev, nil
}

func decodeGCStart(hdr events.Header, r *payloadReader) events.Event {
	ev := events.GCStart{Header: hdr}
	ev.Count = r.u32()
	ev.Depth = r.u32()
	ev.Reason = r.u32()
	if r.remaining() >= 4 {
		ev.Type = r.u32()
	}
	return ev
}

func decodeHeapStats(hdr events.Header, r *payloadReader) events.Event {
	ev := events.GCHeapStats{Header: hdr}
	ev.GenerationSize0 = r.u64()
	ev.TotalPromotedSize0 = r.u64()
	ev.GenerationSize1 = r.u64()
	ev.TotalPromotedSize1 = r.u64()
	ev.GenerationSize2 = r.u64()
	ev.TotalPromotedSize2 = r.u64()
	ev.GenerationSize3 = r.u64()
	ev.TotalPromotedSize3 = r.u64()
	ev.FinalizationPromotedSize = r.u64()
	ev.FinalizationPromotedCount = r.u64()
	ev.PinnedObjectCount = r.u32()
	ev.SinkBlockCount = r.u32()
	ev.GCHandleCount = r.u32()

	// the pinned object heap sizes were added in a later version
	if r.remaining() >= 2+16 {
		r.u16()
		ev.GenerationSize4 = r.u64()
		ev.TotalPromotedSize4 = r.u64()
	}
	return ev
}

func decodeGlobalHeapHistory(hdr events.Header, r *payloadReader) events.Event {
	ev := events.GCGlobalHeapHistory{Header: hdr}
	ev.FinalYoungestDesired = r.u64()
	ev.NumHeaps = r.i32()
	ev.CondemnedGeneration = r.u32()
	ev.Gen0ReductionCount = r.u32()
	ev.Reason = r.u32()
	ev.GlobalMechanisms = r.u32()
	if r.remaining() >= 2+8 {
		r.u16()
		ev.PauseMode = r.u32()
		ev.MemoryPressure = r.u32()
	}
	return ev
}

func decodePerHeapHistory(hdr events.Header, r *payloadReader) events.Event {
	r.u16() // ClrInstanceID
	for i := 0; i < 6; i++ {
		r.ptr() // allocation counters
	}
	r.u32() // RunningFreeListEfficiency
	r.u32() // CondemnReasons0
	r.u32() // CondemnReasons1
	r.u32() // CompactMechanisms
	r.u32() // ExpandMechanisms
	heapIndex := r.u32()
	r.ptr() // ExtraGen0Commit
	count := int(r.u32())

	if r.err == nil && (count < 0 || count > maxGenerations) {
		r.err = errors.Errorf("implausible generation count %d", count)
	}

	ev := events.GCPerHeapHistory{Header: hdr, HeapIndex: int(heapIndex)}
	if r.err != nil {
		return ev
	}

	ev.Generations = make([]map[string]any, 0, count)
	for g := 0; g < count; g++ {
		gen := make(map[string]any, len(generationFields)+1)
		if g < len(generationNames) {
			gen["Name"] = generationNames[g]
		}
		for _, f := range generationFields {
			gen[f] = r.ptr()
		}
		ev.Generations = append(ev.Generations, gen)
	}
	return ev
}

func decodeAllocationTick(hdr events.Header, r *payloadReader) events.Event {
	ev := events.AllocationTick{Header: hdr}
	ev.Amount = uint64(r.u32())
	ev.AllocationKind = r.u32()
	if r.remaining() == 0 {
		return ev
	}

	r.u16() // ClrInstanceID
	if r.remaining() >= 8 {
		ev.Amount = r.u64()
	}
	if r.remaining() >= r.ptrSize {
		r.ptr() // TypeID
		ev.TypeName = r.utf16z()
		ev.HeapIndex = int(r.u32())
	}
	return ev
}

func decodeJitStart(hdr events.Header, r *payloadReader) events.Event {
	ev := events.JitStart{Header: hdr}
	ev.MethodID = r.u64()
	r.u64() // ModuleID
	r.u32() // MethodToken
	r.u32() // MethodILSize
	ev.Namespace = r.utf16z()
	ev.Name = r.utf16z()
	ev.Signature = r.utf16z()
	return ev
}

func decodeMethodLoad(hdr events.Header, r *payloadReader) events.Event {
	ev := events.MethodLoad{Header: hdr}
	ev.MethodID = r.u64()
	r.u64() // ModuleID
	r.u64() // MethodStartAddress
	r.u32() // MethodSize
	r.u32() // MethodToken
	ev.Flags = r.u32()
	ev.Namespace = r.utf16z()
	ev.Name = r.utf16z()
	ev.Signature = r.utf16z()
	return ev
}

func decodeR2REnd(hdr events.Header, r *payloadReader) events.Event {
	ev := events.R2REnd{Header: hdr}
	ev.MethodID = r.u64()
	ev.Namespace = r.utf16z()
	ev.Name = r.utf16z()
	ev.Signature = r.utf16z()
	return ev
}
