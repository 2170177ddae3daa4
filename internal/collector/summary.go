package collector

import (
	"fmt"
	"io"

	"github.com/dotnet-insights/dni/internal/aggregator"
	"github.com/dustin/go-humanize"
)

// WriteJitSummary prints the load time statistics of each tier group.
func WriteJitSummary(w io.Writer, s aggregator.JitSummary) {
	groups := []struct {
		name  string
		stats aggregator.LoadStats
	}{
		{"all", s.All},
		{"ready-to-run", s.ReadyToRun},
		{"tier0", s.Tier0},
		{"tier1", s.Tier1},
	}

	_, _ = fmt.Fprintln(w, "JIT load summary (ms):")
	for _, g := range groups {
		if g.stats.Count == 0 {
			_, _ = fmt.Fprintf(w, "    %-13s no methods loaded\n", g.name)
			continue
		}
		_, _ = fmt.Fprintf(w, "    %-13s count=%s total=%s min=%s max=%s average=%s median=%s\n",
			g.name,
			humanize.Comma(int64(g.stats.Count)),
			ms(g.stats.Total),
			ms(g.stats.Min),
			ms(g.stats.Max),
			ms(g.stats.Average),
			ms(g.stats.Median))
	}
}

func ms(v float64) string {
	return humanize.FormatFloat("#,###.###", v)
}
