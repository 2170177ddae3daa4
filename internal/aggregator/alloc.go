package aggregator

import (
	"github.com/dotnet-insights/dni/internal/core"
	"github.com/dotnet-insights/dni/internal/events"
)

// Sample normalizes an allocation tick.
func Sample(e events.AllocationTick) core.AllocationSample {
	kind := core.AllocSmall
	if e.AllocationKind == uint32(core.AllocLarge) {
		kind = core.AllocLarge
	}

	return core.AllocationSample{
		HeapIndex:     e.HeapIndex,
		Kind:          kind,
		TypeName:      e.TypeName,
		SizeBytes:     e.Amount,
		TimestampMSec: e.Time(),
	}
}

// AllocationSampler turns allocation ticks into samples and hands them to sink.
type AllocationSampler struct {
	sink func(core.AllocationSample)
}

// NewAllocationSampler returns a sampler forwarding to sink.
func NewAllocationSampler(sink func(core.AllocationSample)) *AllocationSampler {
	return &AllocationSampler{sink: sink}
}

// Handle implements events.Handler.
func (a *AllocationSampler) Handle(e events.Event) {
	if tick, ok := e.(events.AllocationTick); ok && a.sink != nil {
		a.sink(Sample(tick))
	}
}
