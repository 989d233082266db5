package allocator

import "github.com/vkngwrapper/arsenal/packed"

// SegmentDescriptor is a transient view of one segment. It is invalidated by the next structural
// mutation of its block; Bytes panics with packed.ErrStaleView if it is used after that.
type SegmentDescriptor struct {
	block    *Block
	gen      uint64
	size     int
	offset   int
	position int
}

// Size is the segment size in bytes
func (d SegmentDescriptor) Size() int { return d.size }

// Offset is the segment offset relative to the start of its allocator's data area
func (d SegmentDescriptor) Offset() int { return d.offset }

// Position is the absolute byte position of the segment within its block
func (d SegmentDescriptor) Position() int { return d.position }

// IsValid reports whether the descriptor may still be used
func (d SegmentDescriptor) IsValid() bool {
	return d.block != nil && d.gen == d.block.gen
}

// Bytes returns the segment contents
func (d SegmentDescriptor) Bytes() []byte {
	if !d.IsValid() {
		panic(packed.ErrStaleView)
	}
	return d.block.data[d.position : d.position+d.size : d.position+d.size]
}
