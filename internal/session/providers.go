package session

import (
	"github.com/pyroscope-io/dotnetdiag"
)

// Providers and keywords of the runtime event subscription.
const (
	RuntimeProvider        = "Microsoft-Windows-DotNETRuntime"
	SampleProfilerProvider = "Microsoft-DotNETCore-SampleProfiler"

	KeywordGC                    uint64 = 0x1
	KeywordLoader                uint64 = 0x8
	KeywordJit                   uint64 = 0x10
	KeywordNGen                  uint64 = 0x20
	KeywordThreading             uint64 = 0x10000
	KeywordStack                 uint64 = 0x40000000
	KeywordCompilationDiagnostic uint64 = 0x2000000000

	sampleProfilerKeywords uint64 = 0x0000F00000000000

	LevelVerbose = 5
)

// Runtime event ids.
const (
	EventGCStart               = 1
	EventGCEnd                 = 2
	EventGCHeapStats           = 4
	EventGCAllocationTick      = 10
	EventMethodLoadVerbose     = 143
	EventMethodJittingStarted  = 145
	EventR2RGetEntryPoint      = 159
	EventR2RGetEntryPointStart = 160
	EventGCPerHeapHistory      = 204
	EventGCGlobalHeapHistory   = 205
)

// Subscription selects what a session asks the runtime for.
type Subscription struct {
	GC            bool
	Allocations   bool
	Jit           bool
	CollectStacks bool
	// Threads and CPUSample are captured but not aggregated.
	Threads   bool
	CPUSample bool
}

// Keywords returns the runtime provider keyword mask.
func (s Subscription) Keywords() uint64 {
	var k uint64
	if s.GC || s.Allocations {
		k |= KeywordGC
	}
	if s.Jit {
		k |= KeywordLoader | KeywordJit | KeywordNGen | KeywordCompilationDiagnostic
	}
	if s.CollectStacks {
		k |= KeywordStack
	}
	if s.Threads {
		k |= KeywordThreading
	}
	return k
}

// Providers builds the provider list of a tracing session.
func (s Subscription) Providers() []dotnetdiag.ProviderConfig {
	var out []dotnetdiag.ProviderConfig
	if k := s.Keywords(); k != 0 {
		out = append(out, dotnetdiag.ProviderConfig{
			Keywords:     k,
			LogLevel:     LevelVerbose,
			ProviderName: RuntimeProvider,
		})
	}
	if s.CPUSample {
		out = append(out, dotnetdiag.ProviderConfig{
			Keywords:     sampleProfilerKeywords,
			LogLevel:     4,
			ProviderName: SampleProfilerProvider,
		})
	}
	return out
}
