package allocmap

import (
	"fmt"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/packed/events"
)

// GenerateDataEvents reports the map size and every level's index and bitmap to h
func (m *Map) GenerateDataEvents(h events.Handler) {
	size := m.Size()

	h.StartGroup("PACKED_ALLOCATION_MAP", -1)
	h.Value("SIZE", size)
	h.Value("CAPACITY", m.Capacity())

	h.StartGroup("BITMAPS", size)
	for level := 0; level < Levels; level++ {
		bits := size >> level

		h.StartGroup(fmt.Sprintf("LEVEL_%d", level), bits)
		if indexSize := indexLevelSize(bits); indexSize > 0 {
			cells := make([]int, indexSize)
			for i, cell := range m.index(level)[:indexSize] {
				cells[i] = int(cell)
			}
			h.Values("INDEX", cells)
		}
		h.Symbols("SYMBOLS", m.symbols(level), bits, 1)
		h.EndGroup()
	}
	h.EndGroup()

	h.EndGroup()
}

// BlockJsonData writes a summary of the map's occupancy per level
func (m *Map) BlockJsonData(json jwriter.ObjectState) {
	json.Name("Size").Int(m.Size())
	json.Name("Capacity").Int(m.Capacity())

	levels := json.Name("Levels").Array()
	defer levels.End()

	for level := 0; level < Levels; level++ {
		obj := levels.Object()
		obj.Name("Level").Int(level)
		obj.Name("Units").Int(m.LevelSize(level))
		obj.Name("Unallocated").Int(m.Unallocated(level))
		obj.End()
	}
}
