package aggregator

import (
	"github.com/dotnet-insights/dni/internal/core"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
)

// derived generation fields, computed from the raw ones when the event does not carry them
const (
	fieldName           = "Name"
	fieldID             = "Id"
	fieldObjSpaceBefore = "ObjSpaceBefore"
	fieldFragmentation  = "Fragmentation"
	fieldObjSizeAfter   = "ObjSizeAfter"
	fieldOut            = "Out"
	fieldSurvRate       = "SurvRate"
)

// DecodeGeneration maps one generation's named fields onto GenerationStats.
// Missing fields stay zero and unknown fields are ignored. Values may be numbers
// or numeric strings; a field whose value does not parse is left at zero and
// reported in the returned error, the rest of the record is still decoded.
func DecodeGeneration(raw map[string]any) (core.GenerationStats, error) {
	var gs core.GenerationStats

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &gs,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return gs, errors.Wrap(err, "failed to build generation decoder")
	}

	decodeErr := dec.Decode(raw)

	if name, ok := raw[fieldName]; ok {
		if s, isString := name.(string); isString {
			gs.Id = core.GenerationID(s)
		} else {
			gs.Id = core.GenUnknown
		}
	} else if _, ok := raw[fieldID]; !ok {
		gs.Id = core.GenUnknown
	}

	fillDerived(&gs, raw)

	if decodeErr != nil {
		return gs, errors.Wrap(decodeErr, "malformed generation fields")
	}

	return gs, nil
}

func fillDerived(gs *core.GenerationStats, raw map[string]any) {
	has := func(k string) bool {
		_, ok := raw[k]
		return ok
	}

	if !has(fieldObjSpaceBefore) {
		gs.ObjSpaceBefore = saturatingSub(gs.SizeBefore, gs.FreeListSpaceBefore+gs.FreeObjSpaceBefore)
	}
	if !has(fieldFragmentation) {
		gs.Fragmentation = gs.FreeListSpaceAfter + gs.FreeObjSpaceAfter
	}
	if !has(fieldObjSizeAfter) {
		gs.ObjSizeAfter = saturatingSub(gs.SizeAfter, gs.Fragmentation)
	}
	if !has(fieldOut) {
		gs.Out = gs.PinnedSurv + gs.NonePinnedSurv
	}
	if !has(fieldSurvRate) {
		if gs.ObjSpaceBefore == 0 {
			gs.SurvRate = 0
		} else {
			gs.SurvRate = float64(gs.Out) * 100 / float64(gs.ObjSpaceBefore)
		}
	}
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// DecodeHeap decodes every generation of a per-heap history event. Generations
// that fail to decode are kept with the fields that did parse; the errors are
// returned for logging.
func DecodeHeap(index int, gens []map[string]any) (core.HeapSnapshot, []error) {
	snapshot := core.HeapSnapshot{
		Index:       index,
		Generations: make([]core.GenerationStats, 0, len(gens)),
	}

	var errs []error
	for i, raw := range gens {
		gs, err := DecodeGeneration(raw)
		if err != nil {
			errs = append(errs, errors.Wrapf(err, "heap %d generation %d", index, i))
		}
		snapshot.Generations = append(snapshot.Generations, gs)
	}

	return snapshot, errs
}
