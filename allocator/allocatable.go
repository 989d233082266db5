package allocator

import "encoding/binary"

// BlockType identifies the kind of data held by a segment
type BlockType uint32

const (
	// RawMemory segments hold opaque bytes
	RawMemory BlockType = iota
	// Allocatable segments start with an Allocatable header and hold a nested allocator
	Allocatable
)

var blockTypeMapping = map[BlockType]string{
	RawMemory:   "RawMemory",
	Allocatable: "Allocatable",
}

func (t BlockType) String() string {
	return blockTypeMapping[t]
}

// AllocatableSize is the size in bytes of the Allocatable header at the start of every
// Allocatable segment. The header holds the byte distance from the owning allocator's start
// to the segment start, or zero for a top-level allocator.
const AllocatableSize = 4

func readAllocatable(data []byte, pos int) int {
	return int(binary.LittleEndian.Uint32(data[pos:]))
}

func stampAllocatable(data []byte, pos int, ownerPos int) {
	binary.LittleEndian.PutUint32(data[pos:], uint32(pos-ownerPos))
}
