package allocator

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/packed"
	"github.com/vkngwrapper/arsenal/packed/events"
)

// ForEachBlock calls fn with a descriptor for every segment, empty or not
func (a *Allocator) ForEachBlock(fn func(idx int, d SegmentDescriptor)) {
	a.live()
	for idx := 0; idx < a.Segments(); idx++ {
		fn(idx, a.describe(idx))
	}
}

func (a *Allocator) typeWords() []uint64 {
	words := make([]uint64, packed.DivUp(a.Segments(), 64))
	for idx := 0; idx < a.Segments(); idx++ {
		if a.blockType(idx) == Allocatable {
			words[idx/64] |= 1 << (idx % 64)
		}
	}
	return words
}

// GenerateDataEvents reports the allocator header, layout table and block types to h
func (a *Allocator) GenerateDataEvents(h events.Handler) {
	a.live()
	h.StartGroup("ALLOCATOR", -1)
	h.Value("PARENT_ALLOCATOR", a.AllocatorOffset())
	h.Value("BLOCK_SIZE", a.BlockSize())
	h.Value("CLIENT_AREA", a.ClientArea())
	h.Value("FREE_SPACE", a.FreeSpace())
	h.Value("LAYOUT_SIZE", a.LayoutSize())
	h.Value("BITMAP_SIZE", a.BitmapSize())

	layout := make([]int, a.Segments()+1)
	for entry := range layout {
		layout[entry] = a.layout(entry)
	}
	h.Values("LAYOUT", layout)
	h.Symbols("BLOCK_TYPES", a.typeWords(), a.Segments(), 1)
	h.EndGroup()
}

// BlockJsonData writes a summary of this allocator and its segments to json. Nested allocators
// are written recursively under their segment.
func (a *Allocator) BlockJsonData(json jwriter.ObjectState) {
	a.live()
	json.Name("TotalBytes").Int(a.BlockSize())
	json.Name("ClientArea").Int(a.ClientArea())
	json.Name("UnusedBytes").Int(a.FreeSpace())
	json.Name("Segments").Int(a.Segments())

	segments := json.Name("Layout").Array()
	defer segments.End()

	for idx := 0; idx < a.Segments(); idx++ {
		obj := segments.Object()
		obj.Name("Offset").Int(a.layout(idx))
		obj.Name("Size").Int(a.elementSize(idx))
		obj.Name("Type").String(a.blockType(idx).String())

		if a.hostsAllocator(idx) {
			nested, err := a.Nested(idx)
			if err == nil {
				nestedObj := obj.Name("Allocator").Object()
				nested.BlockJsonData(nestedObj)
				nestedObj.End()
			}
		}
		obj.End()
	}
}

// AddStatistics adds this allocator and its segments to stats. Nested allocators are added
// recursively as blocks of their own.
func (a *Allocator) AddStatistics(stats *packed.Statistics) {
	a.live()
	a.addStatistics(stats, 1)
}

func (a *Allocator) addStatistics(stats *packed.Statistics, depth int) {
	stats.AddBlock(a.BlockSize(), depth)

	for idx := 0; idx < a.Segments(); idx++ {
		size := a.elementSize(idx)
		if size == 0 {
			continue
		}

		stats.SegmentCount++
		stats.SegmentBytes += size
		if a.blockType(idx) == Allocatable {
			stats.AllocatableSegmentCount++
		}

		if a.hostsAllocator(idx) {
			nested, err := a.Nested(idx)
			if err == nil {
				nested.addStatistics(stats, depth+1)
			}
		}
	}
}

// AddDetailedStatistics adds this allocator, its segments and its free tail to stats. Nested
// allocators are added recursively.
func (a *Allocator) AddDetailedStatistics(stats *packed.DetailedStatistics) {
	a.live()
	a.addDetailedStatistics(stats, 1)
}

func (a *Allocator) addDetailedStatistics(stats *packed.DetailedStatistics, depth int) {
	stats.AddBlock(a.BlockSize(), depth)

	for idx := 0; idx < a.Segments(); idx++ {
		size := a.elementSize(idx)
		if size == 0 {
			continue
		}

		stats.AddSegment(size, a.blockType(idx) == Allocatable)

		if a.hostsAllocator(idx) {
			nested, err := a.Nested(idx)
			if err == nil {
				nested.addDetailedStatistics(stats, depth+1)
			}
		}
	}

	if free := a.FreeSpace(); free > 0 {
		stats.AddUnusedRange(free)
	}
}
