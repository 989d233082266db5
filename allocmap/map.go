package allocmap

import (
	"github.com/vkngwrapper/arsenal/packed"
	"github.com/vkngwrapper/arsenal/packed/allocator"
	"golang.org/x/exp/slog"
)

const (
	// ValuesPerBranch is the number of bits covered by one index cell
	ValuesPerBranch = 512
	// Levels is the number of bitmap levels. Level L tracks regions of 2^L units.
	Levels = 9
)

const (
	metadataSegment = 0
	indexSegment    = 1
	symbolsSegment  = indexSegment + Levels
	segmentCount    = symbolsSegment + Levels
)

// Metadata is stored in the first segment of an allocation map
type Metadata struct {
	// Size is the number of level-0 units currently tracked, always a multiple of ValuesPerBranch
	Size uint32
	// Capacity is the number of level-0 units the map's segments can hold
	Capacity uint32
}

// Options contains optional settings for allocation maps created in their own block
type Options struct {
	Logger *slog.Logger
}

// Map is a 9-level bitmap allocation index hosted inside a segmented allocator. Each bit at
// level 0 tracks one unit of backing storage: 1 means used and 0 means free. Each bit at level
// L > 0 is the OR of the two bits beneath it, so a zero at level L means a whole run of 2^L
// units is free. Levels with more than ValuesPerBranch bits carry an index of free-bit counts
// per 512-bit window, which rank, select and count queries use to skip whole windows.
//
// Map is a view. If the host block is structurally mutated through another view, the map must
// be rebound with Bind.
type Map struct {
	alloc *allocator.Allocator
}

var _ packed.Validatable = &Map{}

func indexLevelSize(bits int) int {
	if bits > ValuesPerBranch {
		return packed.DivUp(bits, ValuesPerBranch)
	}
	return 0
}

func bitmapWords(bits int) int {
	return packed.DivUp(bits, wordBits)
}

// BlockSizeFor returns the block size of a map with the provided level-0 capacity
func BlockSizeFor(bitmapSize int) int {
	metadataLength := packed.RoundUpBytes(8)

	bitmapsLength := 0
	indexesLength := 0
	for level, bits := 0, bitmapSize; level < Levels; level, bits = level+1, bits/2 {
		bitmapsLength += packed.RoundUpBytes(bitmapWords(bits) * 8)
		indexesLength += packed.RoundUpBytes(indexLevelSize(bits) * 2)
	}

	return allocator.BlockSize(metadataLength+indexesLength+bitmapsLength, segmentCount)
}

// FindBlockSize returns the largest map block size that fits in clientArea bytes
func FindBlockSize(clientArea int) int {
	maxBlockSize := 0
	for bitmapSize := 0; bitmapSize < clientArea*8; bitmapSize += ValuesPerBranch {
		blockSize := BlockSizeFor(bitmapSize)
		if blockSize > clientArea {
			break
		}
		maxBlockSize = blockSize
	}
	return maxBlockSize
}

// FindMaxBitmapSize returns the largest capacity, a multiple of ValuesPerBranch, whose map fits
// in clientArea bytes
func FindMaxBitmapSize(clientArea int) int {
	lastBitmapSize := 0
	for bitmapSize := 0; bitmapSize < clientArea*8; bitmapSize += ValuesPerBranch {
		if BlockSizeFor(bitmapSize) > clientArea {
			break
		}
		lastBitmapSize = bitmapSize
	}
	return lastBitmapSize
}

// New creates a map tracking bitmapSize units in a block of its own
func New(bitmapSize int, options Options) (*Map, error) {
	return newStandalone(bitmapSize, bitmapSize, options)
}

// NewEmpty creates a map in a block of its own with room for capacity units but tracking none.
// Units become trackable through Enlarge.
func NewEmpty(capacity int, options Options) (*Map, error) {
	return newStandalone(capacity, 0, options)
}

func newStandalone(capacity, size int, options Options) (*Map, error) {
	alloc, err := allocator.New(BlockSizeFor(capacity), segmentCount, allocator.CreateOptions{Logger: options.Logger})
	if err != nil {
		return nil, err
	}

	m := &Map{alloc: alloc}
	err = m.InitWithCapacity(capacity, size)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Bind returns a map view over an allocator that already holds an initialized map
func Bind(alloc *allocator.Allocator) (*Map, error) {
	if alloc.Segments() != segmentCount {
		return nil, packed.Invariantf("allocator has %d segments, an allocation map has %d", alloc.Segments(), segmentCount)
	}
	if alloc.ElementSize(metadataSegment) < 8 {
		return nil, packed.Invariantf("allocation map metadata segment is %d bytes", alloc.ElementSize(metadataSegment))
	}

	return &Map{alloc: alloc}, nil
}

// Allocator returns the allocator holding this map
func (m *Map) Allocator() *allocator.Allocator { return m.alloc }

func (m *Map) metadata() *Metadata {
	return allocator.Get[Metadata](m.alloc, metadataSegment).Ptr()
}

func (m *Map) symbols(level int) []uint64 {
	return allocator.GetArray[uint64](m.alloc, symbolsSegment+level).Slice()
}

func (m *Map) index(level int) []uint16 {
	return allocator.GetArray[uint16](m.alloc, indexSegment+level).Slice()
}

// Size returns the number of level-0 units tracked by the map
func (m *Map) Size() int { return int(m.metadata().Size) }

// Capacity returns the number of level-0 units the map can track without reallocation
func (m *Map) Capacity() int { return int(m.metadata().Capacity) }

// LevelSize returns the number of bits at the requested level
func (m *Map) LevelSize(level int) int {
	return m.Size() >> level
}

// InitDefault lays the map out to fill a block of blockSize bytes
func (m *Map) InitDefault(blockSize int) error {
	return m.InitBySize(FindMaxBitmapSize(blockSize))
}

// InitBySize lays the map out to track bitmapSize units, all free
func (m *Map) InitBySize(bitmapSize int) error {
	return m.InitWithCapacity(bitmapSize, bitmapSize)
}

// InitWithCapacity lays the map out with room for capacity units, of which the first size are
// tracked and free. Both must be multiples of ValuesPerBranch.
func (m *Map) InitWithCapacity(capacity, size int) error {
	if capacity < 0 || capacity%ValuesPerBranch != 0 {
		return packed.Invariantf("allocation map capacity %d must be a multiple of %d", capacity, ValuesPerBranch)
	}
	if size < 0 || size > capacity || size%ValuesPerBranch != 0 {
		return packed.Invariantf("allocation map size %d must be a multiple of %d no larger than the capacity %d", size, ValuesPerBranch, capacity)
	}

	err := m.alloc.Init(BlockSizeFor(capacity), segmentCount)
	if err != nil {
		return err
	}

	meta, err := allocator.AllocateValue[Metadata](m.alloc, metadataSegment)
	if err != nil {
		return err
	}
	meta.Ptr().Capacity = uint32(capacity)
	meta.Ptr().Size = uint32(size)

	for level, bits := 0, capacity; level < Levels; level, bits = level+1, bits/2 {
		_, err = allocator.AllocateArray[uint16](m.alloc, indexSegment+level, indexLevelSize(bits))
		if err != nil {
			return err
		}
	}

	for level, bits := 0, capacity; level < Levels; level, bits = level+1, bits/2 {
		_, err = allocator.AllocateArray[uint64](m.alloc, symbolsSegment+level, bitmapWords(bits))
		if err != nil {
			return err
		}
	}

	m.Reindex(false)
	return nil
}

// Enlarge extends the tracked range by units free units. units must be a multiple of
// ValuesPerBranch and the new size must not exceed the capacity.
func (m *Map) Enlarge(units int) error {
	if units < 0 || units%ValuesPerBranch != 0 {
		return packed.Invariantf("size argument %d must be a multiple of %d", units, ValuesPerBranch)
	}

	meta := m.metadata()
	size := int(meta.Size)
	capacity := int(meta.Capacity)
	if size+units > capacity {
		return packed.OutOfMemoryf("requested size %d is too large, maximum is %d", units, capacity-size)
	}

	fillZero(m.symbols(0), size, size+units)
	meta.Size = uint32(size + units)

	m.Reindex(true)
	return nil
}

func (m *Map) checkRange(level, idx, size int) error {
	if level < 0 || level >= Levels {
		return rangeError(level)
	}

	limit := m.LevelSize(level)
	if idx < 0 || size < 0 || idx+size > limit {
		return packed.Invariantf("allocation map range check error: level: %d, idx: %d, size: %d, limit: %d", level, idx, size, limit)
	}
	return nil
}

func (m *Map) mustLevel(level int) {
	if level < 0 || level >= Levels {
		panic(rangeError(level))
	}
}

// GetBit returns the bit at idx on the requested level
func (m *Map) GetBit(level, idx int) int {
	m.mustLevel(level)
	return getBit(m.symbols(level), idx)
}

// Sum returns the number of used units at the requested level
func (m *Map) Sum(level int) int {
	return m.LevelSize(level) - m.Unallocated(level)
}

// Unallocated returns the number of free units at the requested level
func (m *Map) Unallocated(level int) int {
	m.mustLevel(level)
	bits := m.LevelSize(level)

	indexSize := indexLevelSize(bits)
	if indexSize == 0 {
		return bits - popCount(m.symbols(level), 0, bits)
	}

	free := 0
	for _, cell := range m.index(level)[:indexSize] {
		free += int(cell)
	}
	return free
}

// AvailableSpace returns the number of free level-0 units
func (m *Map) AvailableSpace() int {
	return m.Unallocated(0)
}
