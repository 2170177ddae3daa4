package events

// Category is the aggregator an event belongs to.
type Category uint8

const (
	CategoryNone Category = iota
	CategoryGC
	CategoryAllocation
	CategoryJit
)

var routes = [kindCount]Category{
	KindGCStart:             CategoryGC,
	KindGCStop:              CategoryGC,
	KindGCGlobalHeapHistory: CategoryGC,
	KindGCPerHeapHistory:    CategoryGC,
	KindGCHeapStats:         CategoryGC,
	KindAllocationTick:      CategoryAllocation,
	KindJitStart:            CategoryJit,
	KindMethodLoad:          CategoryJit,
	KindR2RStart:            CategoryJit,
	KindR2REnd:              CategoryJit,
}

// Route returns the category for a kind. Unknown kinds map to CategoryNone.
func Route(k Kind) Category {
	if k >= kindCount {
		return CategoryNone
	}
	return routes[k]
}

// Handler consumes the events of one category.
type Handler interface {
	Handle(e Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(e Event)

func (f HandlerFunc) Handle(e Event) { f(e) }

// Demux dispatches raw events to per-category handlers. A nil handler drops
// the category. It is not safe for concurrent use; each session owns one.
type Demux struct {
	handlers [CategoryJit + 1]Handler
	counts   [kindCount]uint64
}

// NewDemux builds a demultiplexer for the three aggregators.
func NewDemux(gc, alloc, jit Handler) *Demux {
	d := &Demux{}
	d.handlers[CategoryGC] = gc
	d.handlers[CategoryAllocation] = alloc
	d.handlers[CategoryJit] = jit
	return d
}

// Dispatch routes one event and reports whether a handler consumed it.
func (d *Demux) Dispatch(e Event) bool {
	if e == nil {
		return false
	}

	k := e.Kind()
	c := Route(k)
	if c == CategoryNone {
		return false
	}

	h := d.handlers[c]
	if h == nil {
		return false
	}

	d.counts[k]++
	h.Handle(e)
	return true
}

// Count returns how many events of kind k were dispatched.
func (d *Demux) Count(k Kind) uint64 {
	if k >= kindCount {
		return 0
	}
	return d.counts[k]
}
