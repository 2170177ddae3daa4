package core

import (
	"context"
	"fmt"
	"time"
)

// RecordKind identifies the shape carried in a Record.
type RecordKind int

const (
	KindGcCycle RecordKind = iota
	KindAllocation
	KindJitEvent
)

func (k RecordKind) String() string {
	switch k {
	case KindGcCycle:
		return "GcCycle"
	case KindAllocation:
		return "Allocation"
	case KindJitEvent:
		return "JitEvent"
	}
	return fmt.Sprintf("RecordKind(%d)", int(k))
}

// ProcessKey identifies a process incarnation. The OS reuses pids, so the
// start time is part of the identity.
type ProcessKey struct {
	Pid       int
	StartTime int64 // unix milliseconds
}

func (k ProcessKey) String() string {
	return fmt.Sprintf("%d@%d", k.Pid, k.StartTime)
}

// ProcessMeta describes one diagnosable managed process.
type ProcessMeta struct {
	Pid         int
	Name        string
	CommandLine string
	Args        []string
	StartTime   time.Time
	// Endpoint is the diagnostics IPC address the process exposes.
	Endpoint string
}

// Key returns the pid-reuse safe identity of the process.
func (p ProcessMeta) Key() ProcessKey {
	return ProcessKey{Pid: p.Pid, StartTime: p.StartTime.UnixMilli()}
}

// DisplayName is the name used in published records.
func (p ProcessMeta) DisplayName() string {
	return DisplayName(p.Name, p.Args)
}

// Record is a finished domain record ready for publishing. Data holds a
// *GcCycle, an AllocationSample or a JitMethodRecord depending on Kind.
type Record struct {
	Kind    RecordKind
	Process ProcessMeta
	Data    any
}

// Envelope is the serialized form of a Record.
type Envelope struct {
	ProcessID          int    `json:"ProcessID"`
	ProcessName        string `json:"ProcessName"`
	ProcessCommandLine string `json:"processCommandLine"`
	ProcessStartTime   string `json:"processStartTime,omitempty"`
	CurrentTime        string `json:"currentTime"`
	Data               any    `json:"data"`
}

// NewEnvelope wraps a record for publishing.
func NewEnvelope(rec Record, now time.Time) Envelope {
	e := Envelope{
		ProcessID:          rec.Process.Pid,
		ProcessName:        rec.Process.DisplayName(),
		ProcessCommandLine: rec.Process.CommandLine,
		CurrentTime:        now.Format(time.RFC3339),
		Data:               rec.Data,
	}
	if !rec.Process.StartTime.IsZero() {
		e.ProcessStartTime = rec.Process.StartTime.Format(time.RFC3339)
	}
	return e
}

// Discoverer enumerates diagnosable managed processes on the local host.
//
// Methods:
//   - ListManagedProcesses: Returns every process currently exposing a diagnostics endpoint.
//     Processes that disappear between enumeration and metadata lookup are skipped.
//   - IsManagedProcess: Reports whether pid is currently diagnosable. It is not atomic with
//     a concurrent ListManagedProcesses call.
type Discoverer interface {
	ListManagedProcesses(ctx context.Context) ([]ProcessMeta, error)
	IsManagedProcess(ctx context.Context, pid int) bool
}

// Sink receives finished records.
//
// Methods:
//   - Info: Returns a unique identifier of the sink instance.
//   - Type: Returns the sink type (e.g., "http", "file").
//   - Publish: Hands a record to the sink. It must be safe for concurrent use and must not block
//     the caller on delivery; failed deliveries are logged and dropped.
//   - Close: Flushes pending work and releases resources.
type Sink interface {
	Info() string
	Type() string
	Publish(ctx context.Context, rec Record)
	Close(ctx context.Context) error
}

// ProcessReleaser is implemented by sinks that hold per-process state and want to
// know when a tracked process is released.
type ProcessReleaser interface {
	Release(ctx context.Context, proc ProcessMeta)
}
