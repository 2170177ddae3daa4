package aggregator

import (
	"fmt"
	"sort"

	"github.com/dotnet-insights/dni/internal/core"
	"github.com/dotnet-insights/dni/internal/events"
	"github.com/rs/zerolog"
)

// ProtocolError reports an event sequence the runtime should not produce.
type ProtocolError struct {
	Anomaly  string
	MethodID uint64
	Detail   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: method %d: %s", e.Anomaly, e.MethodID, e.Detail)
}

type methodState struct {
	rec        core.JitMethodRecord
	startMSec  float64
	timing     bool
	r2rPending bool
}

// JitAggregator tracks the compile/load lifecycle of each method of one process.
// Records are kept for the life of the process.
type JitAggregator struct {
	log       zerolog.Logger
	methods   map[uint64]*methodState
	emit      func(core.JitMethodRecord)
	onAnomaly func(kind string)
}

// NewJitAggregator returns an aggregator calling emit each time a method finishes loading.
func NewJitAggregator(log zerolog.Logger, emit func(core.JitMethodRecord), onAnomaly func(string)) *JitAggregator {
	if onAnomaly == nil {
		onAnomaly = func(string) {}
	}
	return &JitAggregator{
		log:       log,
		methods:   make(map[uint64]*methodState),
		emit:      emit,
		onAnomaly: onAnomaly,
	}
}

// TierFromFlags maps the optimization tier bits of a method load to a tier.
func TierFromFlags(tier uint32) core.JitTier {
	if tier <= uint32(core.TierReadyToRun) {
		return core.JitTier(tier)
	}
	return core.TierUnknown
}

// Handle implements events.Handler.
func (j *JitAggregator) Handle(e events.Event) {
	switch ev := e.(type) {
	case events.JitStart:
		j.OnStart(ev.MethodID, ev.FullName(), ev.Time())
	case events.MethodLoad:
		_ = j.loaded(ev.MethodID, ev.FullName(), TierFromFlags(ev.OptimizationTier()), ev.Time())
	case events.R2RStart:
		j.OnR2RStart(ev.MethodID, ev.Time())
	case events.R2REnd:
		_ = j.OnR2REnd(ev.MethodID, ev.FullName(), ev.Time())
	}
}

// OnStart records the beginning of a compilation. A start for a method that
// already loaded is a tier-up re-jit.
func (j *JitAggregator) OnStart(methodID uint64, name string, ts float64) {
	m, ok := j.methods[methodID]
	if !ok {
		j.methods[methodID] = &methodState{
			rec: core.JitMethodRecord{
				MethodId:      methodID,
				MethodName:    name,
				Tier:          core.TierUnknown,
				TimestampMSec: ts,
			},
			startMSec: ts,
			timing:    true,
		}
		return
	}

	if name != "" {
		m.rec.MethodName = name
	}

	if m.rec.HasLoaded {
		m.rec.HasLoaded = false
		m.rec.LoadTime = 0
		m.rec.IsTieredUp = true
	} else if m.timing {
		j.onAnomaly(AnomalyJitRestart)
		j.log.Debug().
			Uint64("method_id", methodID).
			Str("method", m.rec.MethodName).
			Msg("JIT start while method is still compiling, restarting timer")
	}

	m.rec.TimestampMSec = ts
	m.startMSec = ts
	m.timing = true
	m.r2rPending = false
}

// OnLoaded records the end of a compilation or load.
func (j *JitAggregator) OnLoaded(methodID uint64, tier core.JitTier, ts float64) error {
	return j.loaded(methodID, "", tier, ts)
}

func (j *JitAggregator) loaded(methodID uint64, name string, tier core.JitTier, ts float64) error {
	m, ok := j.methods[methodID]
	if !ok {
		if tier != core.TierReadyToRun {
			j.onAnomaly(AnomalyJitUnknownLoad)
			j.log.Warn().
				Str("anomaly", AnomalyJitUnknownLoad).
				Uint64("method_id", methodID).
				Str("method", name).
				Str("tier", tier.String()).
				Msg("Method load for an unknown method id, ignoring")
			return &ProtocolError{Anomaly: AnomalyJitUnknownLoad, MethodID: methodID, Detail: "load without start for tier " + tier.String()}
		}

		j.OnR2RStart(methodID, ts)
		return j.finishR2R(methodID, name, ts)
	}

	if m.rec.HasLoaded && !m.timing {
		// a second load notification for the same code, e.g. after r2r-end
		if tier != core.TierUnknown {
			m.rec.Tier = tier
		}
		return nil
	}

	if name != "" {
		m.rec.MethodName = name
	}
	m.rec.LoadTime = ts - m.startMSec
	m.rec.HasLoaded = true
	m.rec.IsTieredUp = false
	m.rec.Tier = tier
	m.rec.TimestampMSec = ts
	m.timing = false
	m.r2rPending = false

	j.publish(m)
	return nil
}

// OnR2RStart records the beginning of a ready-to-run entry point lookup.
func (j *JitAggregator) OnR2RStart(methodID uint64, ts float64) {
	m, ok := j.methods[methodID]
	if !ok {
		m = &methodState{rec: core.JitMethodRecord{MethodId: methodID}}
		j.methods[methodID] = m
	}

	m.rec.Tier = core.TierReadyToRun
	m.rec.HasLoaded = false
	m.rec.LoadTime = 0
	m.rec.TimestampMSec = ts
	m.startMSec = ts
	m.timing = true
	m.r2rPending = true
}

// OnR2REnd completes a ready-to-run load. Without a prior OnR2RStart it is a
// protocol violation, reported and returned.
func (j *JitAggregator) OnR2REnd(methodID uint64, name string, ts float64) error {
	return j.finishR2R(methodID, name, ts)
}

func (j *JitAggregator) finishR2R(methodID uint64, name string, ts float64) error {
	m, ok := j.methods[methodID]
	if !ok || !m.r2rPending {
		j.onAnomaly(AnomalyJitOrphanR2REnd)
		j.log.Warn().
			Str("anomaly", AnomalyJitOrphanR2REnd).
			Uint64("method_id", methodID).
			Str("method", name).
			Bool("known", ok).
			Msg("Ready-to-run load end without a matching start")
		return &ProtocolError{Anomaly: AnomalyJitOrphanR2REnd, MethodID: methodID, Detail: "r2r-end without r2r-start"}
	}

	if name != "" {
		m.rec.MethodName = name
	}
	m.rec.Tier = core.TierReadyToRun
	m.rec.LoadTime = ts - m.startMSec
	m.rec.HasLoaded = true
	m.rec.IsTieredUp = false
	m.rec.TimestampMSec = ts
	m.timing = false
	m.r2rPending = false

	j.publish(m)
	return nil
}

func (j *JitAggregator) publish(m *methodState) {
	j.log.Trace().
		Uint64("method_id", m.rec.MethodId).
		Str("method", m.rec.MethodName).
		Str("tier", m.rec.Tier.String()).
		Float64("load_ms", m.rec.LoadTime).
		Msg("Method loaded")

	if j.emit != nil {
		j.emit(m.rec)
	}
}

// Lookup returns the current record for a method.
func (j *JitAggregator) Lookup(methodID uint64) (core.JitMethodRecord, bool) {
	m, ok := j.methods[methodID]
	if !ok {
		return core.JitMethodRecord{}, false
	}
	return m.rec, true
}

// Records returns every known method ordered by method id.
func (j *JitAggregator) Records() []core.JitMethodRecord {
	out := make([]core.JitMethodRecord, 0, len(j.methods))
	for _, m := range j.methods {
		out = append(out, m.rec)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].MethodId < out[b].MethodId })
	return out
}
