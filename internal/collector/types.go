package collector

import (
	"strings"

	"github.com/dotnet-insights/dni/internal/aggregator"
	"github.com/dotnet-insights/dni/internal/session"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Collection types accepted by Collect.
const (
	TypeGC        = "gc"
	TypeGCAlloc   = "gc-alloc"
	TypeThreads   = "threads"
	TypeCPUSample = "cpu-sample"
	TypeJitEvents = "jit-events"
)

// Types lists every collection type in display order.
var Types = []string{TypeGC, TypeGCAlloc, TypeThreads, TypeCPUSample, TypeJitEvents}

// Selection is what a set of collection types turns into.
type Selection struct {
	Types        []string
	Subscription session.Subscription
	Aggregation  aggregator.Options
}

// Label joins the selected types for the progress line.
func (s Selection) Label() string {
	return strings.Join(s.Types, "-")
}

// ParseTypes validates the requested collection types. Duplicates are ignored; at least one type is required.
func ParseTypes(args []string) (Selection, error) {
	if len(args) == 0 {
		return Selection{}, errors.Errorf("at least one collection type is required (%s)", strings.Join(Types, ", "))
	}

	var sel Selection
	for _, arg := range lo.Uniq(lo.Map(args, func(a string, _ int) string { return strings.ToLower(strings.TrimSpace(a)) })) {
		switch arg {
		case TypeGC:
			sel.Subscription.GC = true
			sel.Aggregation.GC = true
		case TypeGCAlloc:
			sel.Subscription.Allocations = true
			sel.Aggregation.Allocations = true
		case TypeThreads:
			sel.Subscription.Threads = true
		case TypeCPUSample:
			sel.Subscription.CPUSample = true
		case TypeJitEvents:
			sel.Subscription.Jit = true
			sel.Aggregation.Jit = true
		default:
			return Selection{}, errors.Errorf("unknown collection type %q (expected one of %s)", arg, strings.Join(Types, ", "))
		}
		sel.Types = append(sel.Types, arg)
	}

	return sel, nil
}
