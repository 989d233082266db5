package allocmap

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/packed"
)

func rangeError(level int) error {
	return packed.Invariantf("allocation map level %d is out of range [0, %d)", level, Levels)
}

// CompareFunc is called for every mismatching bit found by CompareWith. Returning false stops
// the comparison.
type CompareFunc func(myIdx, otherIdx, level, myBit, otherBit int) bool

// CompareWith compares size level-0 units of this map starting at myStart with the units of
// other starting at otherStart, on every level. It returns false if fn stopped the comparison.
// Both ranges must lie within their map's size.
func (m *Map) CompareWith(other *Map, myStart, otherStart, size int, fn CompareFunc) (bool, error) {
	if size < 0 || myStart < 0 || myStart+size > m.Size() {
		return false, packed.Invariantf("compare range [%d, %d) is outside this map's size %d", myStart, myStart+size, m.Size())
	}
	if otherStart < 0 || otherStart+size > other.Size() {
		return false, packed.Invariantf("compare range [%d, %d) is outside the other map's size %d", otherStart, otherStart+size, other.Size())
	}

	for level := 0; level < Levels; level++ {
		levelSize := size >> level
		myLevelStart := myStart >> level
		otherLevelStart := otherStart >> level

		mySymbols := m.symbols(level)
		otherSymbols := other.symbols(level)
		for ii := 0; ii < levelSize; ii++ {
			myBit := getBit(mySymbols, ii+myLevelStart)
			otherBit := getBit(otherSymbols, ii+otherLevelStart)

			if myBit != otherBit && !fn(ii+myLevelStart, ii+otherLevelStart, level, myBit, otherBit) {
				return false, nil
			}
		}
	}

	return true, nil
}

// Check verifies that every level above 0 is the pairwise OR of the level beneath it and that
// every index cell matches its window
func (m *Map) Check() error {
	for level := 0; level < Levels-1; level++ {
		symbols := m.symbols(level)
		upper := m.symbols(level + 1)

		levelSize := m.LevelSize(level)
		for ii := 0; ii+1 < levelSize; ii += 2 {
			b0 := getBit(symbols, ii)
			b1 := getBit(symbols, ii+1)
			actual := getBit(upper, ii/2)

			if b0|b1 != actual {
				return packed.Invariantf("bitmap layering mismatch: level: %d, idx: %d, bits: %d %d %d", level, ii, b0, b1, actual)
			}
		}
	}

	for level := 0; level < Levels; level++ {
		err := m.CheckLevelIndex(level)
		if err != nil {
			return err
		}
	}

	return nil
}

// CheckLevelIndex verifies that every index cell of a level holds the free-bit count of its
// window
func (m *Map) CheckLevelIndex(level int) error {
	if level < 0 || level >= Levels {
		return rangeError(level)
	}

	bits := m.LevelSize(level)
	indexSize := indexLevelSize(bits)
	if indexSize == 0 {
		return nil
	}

	index := m.index(level)
	symbols := m.symbols(level)
	for window := 0; window < indexSize; window++ {
		expected := windowFree(symbols, window, bits)
		actual := index[window]

		if expected != actual {
			start, limit := windowBounds(window, bits)
			return packed.Invariantf("invalid bitmap index: level: %d, expected: %d, actual: %d, [%d, %d)",
				level, expected, actual, start, limit)
		}
	}

	return nil
}

// Validate checks the host allocator, the metadata and the map structure
func (m *Map) Validate() error {
	err := m.alloc.Validate()
	if err != nil {
		return errors.Wrap(err, "allocation map allocator")
	}

	size := m.Size()
	capacity := m.Capacity()
	if size%ValuesPerBranch != 0 || capacity%ValuesPerBranch != 0 || size > capacity {
		return packed.Invariantf("allocation map has size %d and capacity %d", size, capacity)
	}
	if len(m.symbols(0))*wordBits < capacity {
		return packed.Invariantf("allocation map level 0 holds %d bits but the capacity is %d", len(m.symbols(0))*wordBits, capacity)
	}

	return m.Check()
}
