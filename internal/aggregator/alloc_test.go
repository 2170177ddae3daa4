package aggregator

import (
	"testing"

	"github.com/dotnet-insights/dni/internal/core"
	"github.com/dotnet-insights/dni/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSample(t *testing.T) {
	s := Sample(events.AllocationTick{
		Header:         at(42.5),
		AllocationKind: 1,
		Amount:         85000,
		TypeName:       "System.Byte[]",
		HeapIndex:      3,
	})

	assert.Equal(t, core.AllocationSample{
		HeapIndex:     3,
		Kind:          core.AllocLarge,
		TypeName:      "System.Byte[]",
		SizeBytes:     85000,
		TimestampMSec: 42.5,
	}, s)
}

func TestSample_UnknownKindIsSmall(t *testing.T) {
	s := Sample(events.AllocationTick{AllocationKind: 9})
	assert.Equal(t, core.AllocSmall, s.Kind)
}

func TestAllocationSampler_IgnoresOtherEvents(t *testing.T) {
	var got []core.AllocationSample
	a := NewAllocationSampler(func(s core.AllocationSample) { got = append(got, s) })

	a.Handle(events.GCStart{Count: 1})
	a.Handle(events.AllocationTick{TypeName: "System.String", Amount: 100})

	require.Len(t, got, 1)
	assert.Equal(t, "System.String", got[0].TypeName)
}
