package allocmap

import (
	"github.com/vkngwrapper/arsenal/packed"
	"github.com/vkngwrapper/arsenal/packed/pool"
)

// SelectResult is the outcome of a select query. Idx is a position at the queried level; the
// query found a free bit only if Idx < Size.
type SelectResult struct {
	Idx  int
	Size int
	Rank int
}

// Found reports whether the select query located a free bit
func (r SelectResult) Found() bool {
	return r.Idx < r.Size
}

// Rank returns the number of free units before pos on the requested level
func (m *Map) Rank(pos, level int) int {
	m.mustLevel(level)
	bits := m.LevelSize(level)
	if pos < 0 || pos > bits {
		panic(packed.Invariantf("rank position %d is out of range [0, %d] at level %d", pos, bits, level))
	}

	symbols := m.symbols(level)
	if indexLevelSize(bits) == 0 {
		return pos - popCount(symbols, 0, pos)
	}

	window := pos / ValuesPerBranch
	windowStart := window * ValuesPerBranch
	zeros := pos - windowStart - popCount(symbols, windowStart, pos)

	index := m.index(level)
	for c := 0; c < window; c++ {
		zeros += int(index[c])
	}
	return zeros
}

// Select0 locates the free unit with zero-based rank rankBase0 on the requested level. When
// there is no such unit, the result's Idx equals its Size and Rank holds the total number of
// free units at the level.
func (m *Map) Select0(rankBase0, level int) SelectResult {
	m.mustLevel(level)
	rank := rankBase0 + 1

	bits := m.LevelSize(level)
	indexSize := indexLevelSize(bits)

	start := 0
	before := 0
	if indexSize > 0 {
		index := m.index(level)
		for c := 0; c < indexSize; c++ {
			cell := int(index[c])
			if before+cell >= rank {
				break
			}
			before += cell
			start += ValuesPerBranch
		}
	}

	if start >= bits {
		return SelectResult{Idx: bits, Size: bits, Rank: before}
	}

	idx, found := selectZero(m.symbols(level), start, bits, rank-before)
	return SelectResult{Idx: idx, Size: bits, Rank: before + found}
}

// SelectFW locates the free unit with zero-based rank rank counted from start. The result's
// Rank is relative to start.
func (m *Map) SelectFW(start, rank, level int) SelectResult {
	startRank := m.Rank(start, level)

	result := m.Select0(startRank+rank, level)
	result.Rank -= startRank
	return result
}

// CountFW returns the length of the run of free units beginning at start on the requested level
func (m *Map) CountFW(start, level int) int {
	m.mustLevel(level)
	bits := m.LevelSize(level)
	if start >= bits {
		return 0
	}

	symbols := m.symbols(level)
	windowEnd := (start/ValuesPerBranch + 1) * ValuesPerBranch
	windowLimit := windowEnd
	if windowLimit > bits {
		windowLimit = bits
	}

	zeros := countZeroRun(symbols, start, windowLimit)
	if zeros < windowLimit-start {
		return zeros
	}

	indexSize := indexLevelSize(bits)
	if indexSize == 0 {
		return zeros
	}

	index := m.index(level)
	for window := start/ValuesPerBranch + 1; window < indexSize; window++ {
		windowStart, limit := windowBounds(window, bits)
		if int(index[window]) == limit-windowStart {
			zeros += limit - windowStart
			continue
		}

		zeros += countZeroRun(symbols, windowStart, limit)
		break
	}

	return zeros
}

// ScanUnallocated calls fn with the position and length of every run of free units on the
// requested level, in order, until fn returns false. fn may mark the reported run as used
// with SetBits.
func (m *Map) ScanUnallocated(level int, fn func(pos, length int) bool) {
	idx := 0
	for idx < m.LevelSize(level) {
		result := m.SelectFW(idx, 0, level)
		if !result.Found() {
			return
		}

		pos := result.Idx
		length := m.CountFW(pos, level)
		if !fn(pos, length) {
			return
		}

		idx = pos + length
	}
}

// FindUnallocated returns free runs on the requested level, in order, until their total
// size reaches required level-0 units or the map is exhausted. Nothing is marked as used.
func (m *Map) FindUnallocated(level int, required int64) []pool.Extent {
	var extents []pool.Extent
	var found int64

	m.ScanUnallocated(level, func(pos, length int) bool {
		extent := pool.Extent{
			Position: int64(pos) << level,
			Size:     int64(length) << level,
			Level:    level,
		}
		extents = append(extents, extent)
		found += extent.Size
		return found < required
	})

	return extents
}

// CheckAllocated reports whether every unit in [pos, pos+size) on the requested level is used
func (m *Map) CheckAllocated(level, pos, size int) (bool, error) {
	err := m.checkRange(level, pos, size)
	if err != nil {
		return false, err
	}

	return popCount(m.symbols(level), pos, pos+size) == size, nil
}
