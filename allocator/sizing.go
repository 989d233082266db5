package allocator

import "github.com/vkngwrapper/arsenal/packed"

const (
	// headerSize is the size of the allocator header: the Allocatable offset followed by
	// block_size, layout_size and bitmap_size
	headerSize = AllocatableSize + 3*4

	layoutEntrySize = 4
)

// layoutEntries is the number of layout table entries for the requested segment count. The
// table always has an even number of entries so that it ends on an 8-byte boundary.
func layoutEntries(segments int) int {
	if segments%2 != 0 {
		return segments + 1
	}
	return segments + 2
}

func layoutSize(segments int) int {
	return layoutEntries(segments) * layoutEntrySize
}

func bitmapSize(segments int) int {
	return packed.RoundUpBits(layoutEntries(segments))
}

// BlockSize returns the smallest block size that can hold an allocator with the provided number
// of segments and clientArea bytes of segment data
func BlockSize(clientArea, segments int) int {
	return packed.RoundUpBytes(
		headerSize + layoutSize(segments) + bitmapSize(segments) + packed.RoundUpBytes(clientArea),
	)
}

// ClientArea returns the number of bytes available for segment data in a block of the provided
// size holding the provided number of segments
func ClientArea(blockSize, segments int) int {
	return packed.RoundDownBytes(blockSize - (headerSize + layoutSize(segments) + bitmapSize(segments)))
}

// EmptySize returns the size of an allocator with the provided number of segments, all empty
func EmptySize(segments int) int {
	return BlockSize(0, segments)
}
