package allocmap

import "github.com/vkngwrapper/arsenal/packed"

// Reindex rebuilds every level's index from its bitmap. When recomputeBitmaps is set, every
// level above 0 is first rebuilt from level 0.
func (m *Map) Reindex(recomputeBitmaps bool) {
	if recomputeBitmaps {
		m.RebuildBitmaps(0)
	}

	for level := 0; level < Levels; level++ {
		m.ReindexLevel(level)
	}
}

// ReindexLevel rebuilds the index of one level from its bitmap
func (m *Map) ReindexLevel(level int) {
	m.mustLevel(level)
	bits := m.LevelSize(level)
	indexSize := indexLevelSize(bits)
	if indexSize == 0 {
		return
	}

	index := m.index(level)
	symbols := m.symbols(level)
	for window := 0; window < indexSize; window++ {
		index[window] = windowFree(symbols, window, bits)
	}
}

func windowBounds(window, bits int) (int, int) {
	start := window * ValuesPerBranch
	limit := start + ValuesPerBranch
	if limit > bits {
		limit = bits
	}
	return start, limit
}

func windowFree(symbols []uint64, window, bits int) uint16 {
	start, limit := windowBounds(window, bits)
	return uint16(limit - start - popCount(symbols, start, limit))
}

// reindexRange rebuilds only the index cells covering bits [start, stop) of a level
func (m *Map) reindexRange(level, start, stop int) {
	bits := m.LevelSize(level)
	if stop <= start || indexLevelSize(bits) == 0 {
		return
	}

	index := m.index(level)
	symbols := m.symbols(level)
	for window := start / ValuesPerBranch; window <= (stop-1)/ValuesPerBranch; window++ {
		index[window] = windowFree(symbols, window, bits)
	}
}

// RebuildBitmaps recomputes every level above levelFrom by OR-ing pairs of bits of the level
// beneath it
func (m *Map) RebuildBitmaps(levelFrom int) {
	m.mustLevel(levelFrom)
	for level := levelFrom; level < Levels-1; level++ {
		m.rebuildLevel(level)
	}
}

func (m *Map) rebuildLevel(level int) {
	src := m.symbols(level)
	tgt := m.symbols(level + 1)

	srcWords := bitmapWords(m.LevelSize(level))
	tgtWords := bitmapWords(m.LevelSize(level + 1))
	for word := 0; word < tgtWords; word++ {
		low := gatherBits(src[2*word])
		high := uint64(0)
		if 2*word+1 < srcWords {
			high = gatherBits(src[2*word+1])
		}
		tgt[word] = low | high<<32
	}
}

// SetBits marks size units starting at idx on the requested level as used. Every finer level
// is marked beneath the range and every coarser level above it, and the indexes of all touched
// windows are rebuilt.
func (m *Map) SetBits(level, idx, size int) error {
	err := m.SetBitsDown(level, idx, size)
	if err != nil {
		return err
	}

	start := idx
	stop := idx + size
	for ll := level + 1; ll < Levels && stop > start; ll++ {
		start = start / 2
		stop = packed.DivUp(stop, 2)

		fillOne(m.symbols(ll), start, stop)
		m.reindexRange(ll, start, stop)
	}

	return nil
}

// SetBitsDown marks size units starting at idx on the requested level, and the corresponding
// ranges of every finer level, as used. Coarser levels are not touched.
func (m *Map) SetBitsDown(level, idx, size int) error {
	err := m.checkRange(level, idx, size)
	if err != nil {
		return err
	}

	start := idx
	stop := idx + size
	for ll := level; ll >= 0; ll-- {
		fillOne(m.symbols(ll), start, stop)
		m.reindexRange(ll, start, stop)

		start *= 2
		stop *= 2
	}

	return nil
}

// ClearBits marks size units starting at idx on the requested level, and the corresponding
// ranges of every finer level, as free. Coarser levels are then rebuilt and every index is
// recomputed.
func (m *Map) ClearBits(level, idx, size int) error {
	err := m.ClearBitsNoReindex(level, idx, size)
	if err != nil {
		return err
	}

	m.RebuildBitmaps(level)
	m.Reindex(false)
	return nil
}

// ClearBitsNoReindex clears the requested range at the level and every finer level but leaves
// coarser levels and all indexes stale. Callers must follow up with RebuildBitmaps and Reindex
// before querying the map.
func (m *Map) ClearBitsNoReindex(level, idx, size int) error {
	err := m.checkRange(level, idx, size)
	if err != nil {
		return err
	}

	start := idx
	stop := idx + size
	for ll := level; ll >= 0; ll-- {
		fillZero(m.symbols(ll), start, stop)

		start *= 2
		stop *= 2
	}

	return nil
}
