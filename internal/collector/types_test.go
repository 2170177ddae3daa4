package collector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTypes(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		label   string
		wantErr bool
	}{
		{name: "gc only", args: []string{"gc"}, label: "gc"},
		{name: "case and duplicates", args: []string{"GC", "jit-events", "gc"}, label: "gc-jit-events"},
		{name: "every type", args: Types, label: "gc-gc-alloc-threads-cpu-sample-jit-events"},
		{name: "empty", args: nil, wantErr: true},
		{name: "unknown", args: []string{"gc", "exceptions"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, err := ParseTypes(tt.args)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.label, sel.Label())
		})
	}
}

func TestParseTypes_Subscription(t *testing.T) {
	sel, err := ParseTypes([]string{"gc-alloc", "cpu-sample"})
	require.NoError(t, err)

	assert.True(t, sel.Subscription.Allocations)
	assert.True(t, sel.Subscription.CPUSample)
	assert.False(t, sel.Subscription.GC)
	assert.False(t, sel.Subscription.Jit)

	assert.True(t, sel.Aggregation.Allocations)
	assert.False(t, sel.Aggregation.GC)
	assert.False(t, sel.Aggregation.Jit)
}
