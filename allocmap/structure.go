package allocmap

import "github.com/vkngwrapper/arsenal/packed/allocator"

// Structure lets a host allocator create allocation maps in its segments through
// AllocateStruct, AllocateEmpty and AllocateDefault. Use Bind on the returned allocator to
// obtain the map.
type Structure struct{}

var _ allocator.PackedStruct = Structure{}

func (Structure) EmptySize() int { return BlockSizeFor(0) }

func (Structure) DefaultSize(available int) int { return FindBlockSize(available) }

func (Structure) Init(alloc *allocator.Allocator, blockSize int) error {
	m := &Map{alloc: alloc}
	return m.InitDefault(blockSize)
}

func (Structure) InitEmpty(alloc *allocator.Allocator) error {
	m := &Map{alloc: alloc}
	return m.InitBySize(0)
}

func (Structure) InitDefault(alloc *allocator.Allocator, blockSize int) error {
	m := &Map{alloc: alloc}
	return m.InitDefault(blockSize)
}
