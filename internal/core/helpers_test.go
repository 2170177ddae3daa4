package core

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisplayName(t *testing.T) {
	tests := []struct {
		name        string
		processName string
		args        []string
		expected    string
	}{
		{
			name:        "native app host",
			processName: "MyService",
			args:        []string{"/app/MyService", "--urls", "http://+:80"},
			expected:    "MyService",
		},
		{
			name:        "dotnet with assembly",
			processName: "dotnet",
			args:        []string{"/usr/bin/dotnet", "/app/Api.dll"},
			expected:    "Api",
		},
		{
			name:        "dotnet exec",
			processName: "dotnet",
			args:        []string{"dotnet", "exec", "/srv/Worker.dll", "--flag"},
			expected:    "Worker",
		},
		{
			name:        "dotnet without args",
			processName: "dotnet",
			args:        []string{"dotnet"},
			expected:    "dotnet",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DisplayName(tt.processName, tt.args))
		})
	}
}

func TestKindForGeneration(t *testing.T) {
	assert.Equal(t, GcKindEphemeral, KindForGeneration(0))
	assert.Equal(t, GcKindEphemeral, KindForGeneration(1))
	assert.Equal(t, GcKindFullBlocking, KindForGeneration(2))
}

func TestGenerationID(t *testing.T) {
	assert.Equal(t, 0, GenerationID("Gen0"))
	assert.Equal(t, 1, GenerationID("Gen1"))
	assert.Equal(t, 2, GenerationID("Gen2"))
	assert.Equal(t, 3, GenerationID("GenLargeObj"))
	assert.Equal(t, 4, GenerationID("GenPinObj"))
	assert.Equal(t, 4, GenerationID(""))
}

func TestGcReason(t *testing.T) {
	assert.Equal(t, "AllocSmall", ReasonAllocSmall.String())
	assert.Equal(t, "PMFullGC", ReasonPMFullGC.String())
	assert.Equal(t, "Reason(42)", GcReason(42).String())

	r, ok := ParseGcReason("inducedcompacting")
	require.True(t, ok)
	assert.Equal(t, ReasonInducedCompacting, r)

	_, ok = ParseGcReason("nope")
	assert.False(t, ok)
}

func TestNewEnvelope(t *testing.T) {
	start := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	now := start.Add(time.Minute)
	rec := Record{
		Kind: KindGcCycle,
		Process: ProcessMeta{
			Pid:         100,
			Name:        "dotnet",
			CommandLine: "dotnet /app/Api.dll",
			Args:        []string{"dotnet", "/app/Api.dll"},
			StartTime:   start,
		},
		Data: &GcCycle{Id: 5, Generation: 2, Kind: GcKindFullBlocking, Reason: ReasonInduced, TotalPromotedSize1: 7},
	}

	raw, err := json.Marshal(NewEnvelope(rec, now))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, float64(100), decoded["ProcessID"])
	assert.Equal(t, "Api", decoded["ProcessName"])
	assert.Equal(t, "dotnet /app/Api.dll", decoded["processCommandLine"])
	assert.Equal(t, "2024-01-02T03:04:05Z", decoded["processStartTime"])

	data := decoded["data"].(map[string]any)
	assert.Equal(t, "FullBlocking", data["kind"])
	assert.Equal(t, "Induced", data["Reason"])
	assert.Equal(t, float64(7), data["TotalPromotedSize1"])
	assert.NotContains(t, data, "Allocations")
}

func TestProcessKey(t *testing.T) {
	start := time.UnixMilli(1700000000123)
	a := ProcessMeta{Pid: 100, StartTime: start}
	b := ProcessMeta{Pid: 100, StartTime: start.Add(time.Second)}
	assert.NotEqual(t, a.Key(), b.Key())
	assert.Equal(t, "100@1700000000123", a.Key().String())
}

func TestApplyDelay_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	started := time.Now()
	ApplyDelay(ctx, time.Minute)
	assert.Less(t, time.Since(started), time.Second)
}
