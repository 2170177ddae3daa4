package collector

import (
	"bufio"
	"encoding/json"
	"io"

	"github.com/dotnet-insights/dni/internal/core"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// jitEntry is a JIT method record in the collect document.
type jitEntry struct {
	Tiered   bool    `json:"tiered"`
	Loaded   bool    `json:"loaded"`
	MethodID uint64  `json:"methodId"`
	Tier     int     `json:"tier"`
	Name     string  `json:"name"`
	Time     float64 `json:"time"`
}

// allocEntry is an allocation sample in the collect document.
type allocEntry struct {
	HeapID int    `json:"heapId"`
	Kind   string `json:"kind"`
	Type   string `json:"type"`
	Size   uint64 `json:"size"`
}

// gcEntry is a completed GC cycle in the collect document.
type gcEntry struct {
	ID                     uint32      `json:"id"`
	Generation             int         `json:"generation"`
	Kind                   string      `json:"kind"`
	Reason                 string      `json:"reason"`
	Type                   string      `json:"type"`
	PauseStartRelativeMSec float64     `json:"pauseStartRelativeMSec"`
	PauseDurationMSec      float64     `json:"pauseDurationMSec"`
	TotalHeapSize          uint64      `json:"totalHeapSize"`
	TotalPromoted          uint64      `json:"totalPromoted"`
	Gen0MinSize            uint64      `json:"gen0MinSize"`
	GenerationSizes        [4]uint64   `json:"generationSizes"`
	PromotedSizes          [4]uint64   `json:"promotedSizes"`
	NumHeaps               int         `json:"numHeaps"`
	Heaps                  []heapEntry `json:"heaps"`
}

type heapEntry struct {
	Index       int               `json:"index"`
	Generations []generationEntry `json:"generations"`
}

type generationEntry struct {
	ID            int     `json:"id"`
	SizeBefore    uint64  `json:"sizeBefore"`
	SizeAfter     uint64  `json:"sizeAfter"`
	Fragmentation uint64  `json:"fragmentation"`
	SurvRate      float64 `json:"survRate"`
	In            uint64  `json:"in"`
	Out           uint64  `json:"out"`
}

func newGcEntry(c *core.GcCycle) gcEntry {
	e := gcEntry{
		ID:                     c.Id,
		Generation:             c.Generation,
		Kind:                   c.Kind.String(),
		Reason:                 c.Reason.String(),
		Type:                   c.Type.String(),
		PauseStartRelativeMSec: c.PauseStartRelativeMSec,
		PauseDurationMSec:      c.PauseDurationMSec,
		TotalHeapSize:          c.TotalHeapSize,
		TotalPromoted:          c.TotalPromoted,
		Gen0MinSize:            c.Gen0MinSize,
		GenerationSizes:        [4]uint64{c.GenerationSize0, c.GenerationSize1, c.GenerationSize2, c.GenerationSizeLOH},
		PromotedSizes:          [4]uint64{c.TotalPromotedSize0, c.TotalPromotedSize1, c.TotalPromotedSize2, c.TotalPromotedLOH},
		NumHeaps:               c.NumHeaps,
		Heaps:                  make([]heapEntry, 0, len(c.Heaps)),
	}
	for _, h := range c.Heaps {
		he := heapEntry{Index: h.Index, Generations: make([]generationEntry, 0, len(h.Generations))}
		for _, g := range h.Generations {
			he.Generations = append(he.Generations, generationEntry{
				ID:            g.Id,
				SizeBefore:    g.SizeBefore,
				SizeAfter:     g.SizeAfter,
				Fragmentation: g.Fragmentation,
				SurvRate:      g.SurvRate,
				In:            g.In,
				Out:           g.Out,
			})
		}
		e.Heaps = append(e.Heaps, he)
	}
	return e
}

// entryFor converts a record into its document entry.
func entryFor(rec core.Record) (any, bool) {
	switch data := rec.Data.(type) {
	case *core.GcCycle:
		return newGcEntry(data), true
	case core.AllocationSample:
		kind := "small"
		if data.Kind == core.AllocLarge {
			kind = "large"
		}
		return allocEntry{HeapID: data.HeapIndex, Kind: kind, Type: data.TypeName, Size: data.SizeBytes}, true
	case core.JitMethodRecord:
		return jitEntry{
			Tiered:   data.IsTieredUp,
			Loaded:   data.HasLoaded,
			MethodID: data.MethodId,
			Tier:     int(data.Tier),
			Name:     data.MethodName,
			Time:     data.LoadTime,
		}, true
	}
	return nil, false
}

// documentWriter streams entries into a {"data":[...]} document.
type documentWriter struct {
	w       *bufio.Writer
	entries atomic.Int64
	err     error
}

func newDocumentWriter(w io.Writer) *documentWriter {
	d := &documentWriter{w: bufio.NewWriter(w)}
	_, d.err = d.w.WriteString(`{"data":[`)
	return d
}

// Add appends one record. Records without a document shape are skipped.
func (d *documentWriter) Add(rec core.Record) {
	if d.err != nil {
		return
	}
	entry, ok := entryFor(rec)
	if !ok {
		return
	}

	b, err := json.Marshal(entry)
	if err != nil {
		d.err = errors.Wrap(err, "failed to encode entry")
		return
	}
	if d.entries.Load() > 0 {
		if d.err = d.w.WriteByte(','); d.err != nil {
			return
		}
	}
	if _, d.err = d.w.Write(b); d.err != nil {
		return
	}
	d.entries.Inc()
}

// Entries returns the number of entries written so far. It is safe to call concurrently with Add.
func (d *documentWriter) Entries() int64 {
	return d.entries.Load()
}

// Finish terminates the document and flushes it.
func (d *documentWriter) Finish() error {
	if d.err != nil {
		return d.err
	}
	if _, err := d.w.WriteString("]}"); err != nil {
		return err
	}
	return d.w.Flush()
}
