package packed

import "math"

// Statistics summarizes the space usage of one or more allocators. Nested allocators count as
// blocks of their own, and their segments are counted separately from the parent's.
type Statistics struct {
	BlockCount   int
	SegmentCount int
	// AllocatableSegmentCount is the number of non-empty segments of type Allocatable, whether or
	// not they hold an initialized allocator
	AllocatableSegmentCount int
	BlockBytes              int
	SegmentBytes            int
	// MaxDepth is the deepest nesting level seen; a top-level allocator with no nested
	// allocators has depth 1
	MaxDepth int
}

func (s *Statistics) Clear() {
	s.BlockCount = 0
	s.SegmentCount = 0
	s.AllocatableSegmentCount = 0
	s.BlockBytes = 0
	s.SegmentBytes = 0
	s.MaxDepth = 0
}

// AddBlock counts one allocator of blockSize bytes found at depth
func (s *Statistics) AddBlock(blockSize, depth int) {
	s.BlockCount++
	s.BlockBytes += blockSize

	if depth > s.MaxDepth {
		s.MaxDepth = depth
	}
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.BlockCount += other.BlockCount
	s.SegmentCount += other.SegmentCount
	s.AllocatableSegmentCount += other.AllocatableSegmentCount
	s.BlockBytes += other.BlockBytes
	s.SegmentBytes += other.SegmentBytes

	if other.MaxDepth > s.MaxDepth {
		s.MaxDepth = other.MaxDepth
	}
}

type DetailedStatistics struct {
	Statistics
	UnusedRangeCount   int
	SegmentSizeMin     int
	SegmentSizeMax     int
	UnusedRangeSizeMin int
	UnusedRangeSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.UnusedRangeCount = 0
	s.SegmentSizeMin = math.MaxInt
	s.SegmentSizeMax = 0
	s.UnusedRangeSizeMin = math.MaxInt
	s.UnusedRangeSizeMax = 0
}

func (s *DetailedStatistics) AddUnusedRange(size int) {
	s.UnusedRangeCount++

	if size < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = size
	}

	if size > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = size
	}
}

func (s *DetailedStatistics) AddSegment(size int, allocatable bool) {
	s.SegmentCount++
	s.SegmentBytes += size
	if allocatable {
		s.AllocatableSegmentCount++
	}

	if size < s.SegmentSizeMin {
		s.SegmentSizeMin = size
	}

	if size > s.SegmentSizeMax {
		s.SegmentSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.UnusedRangeCount += other.UnusedRangeCount

	if other.UnusedRangeSizeMin < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = other.UnusedRangeSizeMin
	}

	if other.UnusedRangeSizeMax > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = other.UnusedRangeSizeMax
	}

	if other.SegmentSizeMin < s.SegmentSizeMin {
		s.SegmentSizeMin = other.SegmentSizeMin
	}

	if other.SegmentSizeMax > s.SegmentSizeMax {
		s.SegmentSizeMax = other.SegmentSizeMax
	}
}
