package aggregator

import (
	"sort"

	"github.com/dotnet-insights/dni/internal/core"
	"github.com/samber/lo"
)

// LoadStats summarizes the load times of a group of methods, in milliseconds.
type LoadStats struct {
	Count   int     `json:"count"`
	Total   float64 `json:"total"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Average float64 `json:"average"`
	Median  float64 `json:"median"`
}

// JitSummary groups loaded methods by tier family.
type JitSummary struct {
	All        LoadStats `json:"all"`
	ReadyToRun LoadStats `json:"readyToRun"`
	Tier0      LoadStats `json:"tier0"`
	Tier1      LoadStats `json:"tier1"`
}

// IsTier0 reports whether the tier is a quick first-pass tier.
func IsTier0(t core.JitTier) bool {
	return t == core.TierMinOptJitted || t == core.TierQuickJitted
}

// IsTier1 reports whether the tier is a fully optimized tier.
func IsTier1(t core.JitTier) bool {
	return t == core.TierOptimized || t == core.TierOptimizedTier1
}

// SummarizeJit computes load time statistics over the loaded records.
func SummarizeJit(records []core.JitMethodRecord) JitSummary {
	loaded := lo.Filter(records, func(r core.JitMethodRecord, _ int) bool { return r.HasLoaded })

	of := func(pred func(core.JitTier) bool) LoadStats {
		group := lo.Filter(loaded, func(r core.JitMethodRecord, _ int) bool { return pred(r.Tier) })
		return loadStats(lo.Map(group, func(r core.JitMethodRecord, _ int) float64 { return r.LoadTime }))
	}

	return JitSummary{
		All:        of(func(core.JitTier) bool { return true }),
		ReadyToRun: of(func(t core.JitTier) bool { return t == core.TierReadyToRun }),
		Tier0:      of(IsTier0),
		Tier1:      of(IsTier1),
	}
}

func loadStats(times []float64) LoadStats {
	if len(times) == 0 {
		return LoadStats{}
	}

	total := lo.Sum(times)
	sorted := append([]float64(nil), times...)
	sort.Float64s(sorted)

	var median float64
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		median = (sorted[mid-1] + sorted[mid]) / 2
	} else {
		median = sorted[mid]
	}

	return LoadStats{
		Count:   len(times),
		Total:   total,
		Min:     lo.Min(times),
		Max:     lo.Max(times),
		Average: total / float64(len(times)),
		Median:  median,
	}
}
