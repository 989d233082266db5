package allocmap_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/packed"
	"github.com/vkngwrapper/arsenal/packed/allocator"
	"github.com/vkngwrapper/arsenal/packed/allocmap"
)

func newMap(t *testing.T, bitmapSize int) *allocmap.Map {
	m, err := allocmap.New(bitmapSize, allocmap.Options{})
	require.NoError(t, err)
	return m
}

func TestSetBitsScenario(t *testing.T) {
	m := newMap(t, 4096)
	require.Equal(t, 4096, m.Size())
	require.Equal(t, 0, m.Sum(0))

	require.NoError(t, m.SetBits(0, 10, 5))
	require.Equal(t, 5, m.Sum(0))
	require.Equal(t, 4091, m.AvailableSpace())

	for idx := 0; idx < 20; idx++ {
		expected := 0
		if idx >= 10 && idx < 15 {
			expected = 1
		}
		require.Equal(t, expected, m.GetBit(0, idx), "bit %d", idx)
	}

	require.Equal(t, 1, m.GetBit(1, 5))
	require.Equal(t, 1, m.GetBit(1, 7))
	require.Equal(t, 0, m.GetBit(1, 8))
	require.Equal(t, 1, m.GetBit(8, 0))

	require.Equal(t, 10, m.Rank(10, 0))
	require.Equal(t, 10, m.Rank(15, 0))
	require.Equal(t, 4091, m.Rank(4096, 0))

	require.NoError(t, m.Check())
}

func TestEnlargeClearRoundTrip(t *testing.T) {
	m, err := allocmap.NewEmpty(2048, allocmap.Options{})
	require.NoError(t, err)
	require.Equal(t, 0, m.Size())
	require.Equal(t, 2048, m.Capacity())

	require.NoError(t, m.Enlarge(512))
	require.NoError(t, m.Enlarge(512))
	require.Equal(t, 1024, m.Size())
	require.Equal(t, 1024, m.AvailableSpace())

	snapshot := append([]byte(nil), m.Allocator().Block().Bytes()...)

	require.NoError(t, m.SetBits(0, 0, 512))
	require.Equal(t, 512, m.Sum(0))
	require.NoError(t, m.Check())

	require.NoError(t, m.ClearBits(0, 0, 512))
	require.Equal(t, snapshot, m.Allocator().Block().Bytes())
	require.NoError(t, m.Check())
}

func TestEnlargeErrors(t *testing.T) {
	m, err := allocmap.NewEmpty(1024, allocmap.Options{})
	require.NoError(t, err)

	err = m.Enlarge(100)
	require.True(t, errors.Is(err, packed.ErrInvariant))

	require.NoError(t, m.Enlarge(1024))
	err = m.Enlarge(512)
	require.True(t, errors.Is(err, packed.ErrOutOfMemory))
	require.Equal(t, 1024, m.Size())
}

func TestInitErrors(t *testing.T) {
	_, err := allocmap.New(100, allocmap.Options{})
	require.True(t, errors.Is(err, packed.ErrInvariant))

	m := newMap(t, 512)
	err = m.InitWithCapacity(512, 1024)
	require.True(t, errors.Is(err, packed.ErrInvariant))
}

func TestRangeErrors(t *testing.T) {
	m := newMap(t, 4096)

	err := m.SetBits(allocmap.Levels, 0, 1)
	require.True(t, errors.Is(err, packed.ErrInvariant))
	err = m.SetBits(0, 4090, 10)
	require.True(t, errors.Is(err, packed.ErrInvariant))
	err = m.ClearBits(3, -1, 1)
	require.True(t, errors.Is(err, packed.ErrInvariant))
	err = m.CheckLevelIndex(-1)
	require.True(t, errors.Is(err, packed.ErrInvariant))
	_, err = m.CheckAllocated(1, 2047, 2)
	require.True(t, errors.Is(err, packed.ErrInvariant))

	require.Panics(t, func() { m.GetBit(allocmap.Levels, 0) })
	require.Panics(t, func() { m.Rank(4097, 0) })

	require.Equal(t, 0, m.Sum(0))
}

func TestSetBitsAtCoarseLevel(t *testing.T) {
	m := newMap(t, 2048)

	require.NoError(t, m.SetBits(3, 4, 2))
	require.Equal(t, 16, m.Sum(0))
	require.Equal(t, 4, m.Sum(2))
	require.Equal(t, 2, m.Sum(3))
	require.Equal(t, 1, m.Sum(4))

	allocated, err := m.CheckAllocated(0, 32, 16)
	require.NoError(t, err)
	require.True(t, allocated)

	allocated, err = m.CheckAllocated(0, 31, 16)
	require.NoError(t, err)
	require.False(t, allocated)

	require.NoError(t, m.Check())

	require.NoError(t, m.ClearBits(2, 8, 1))
	require.Equal(t, 12, m.Sum(0))
	require.Equal(t, 1, m.GetBit(3, 4))
	require.Equal(t, 0, m.GetBit(0, 32))
	require.Equal(t, 1, m.GetBit(0, 36))
	require.NoError(t, m.Check())
}

func TestSetBitsDownLeavesCoarseLevels(t *testing.T) {
	m := newMap(t, 1024)

	require.NoError(t, m.SetBitsDown(1, 0, 2))
	require.Equal(t, 4, m.Sum(0))
	require.Equal(t, 2, m.Sum(1))
	require.Equal(t, 0, m.Sum(2))

	m.RebuildBitmaps(1)
	m.Reindex(false)
	require.Equal(t, 1, m.Sum(2))
	require.NoError(t, m.Check())
}

func TestRankSelectInverse(t *testing.T) {
	m := newMap(t, 4096)
	require.NoError(t, m.SetBits(0, 3, 700))
	require.NoError(t, m.SetBits(0, 1500, 1))
	require.NoError(t, m.SetBits(0, 2047, 600))

	for level := 0; level < allocmap.Levels; level++ {
		free := m.Unallocated(level)
		for rank := 0; rank < free; rank++ {
			result := m.Select0(rank, level)
			require.True(t, result.Found(), "level %d rank %d", level, rank)
			require.Equal(t, 0, m.GetBit(level, result.Idx))
			require.Equal(t, rank+1, result.Rank)
			require.Equal(t, rank, m.Rank(result.Idx, level))
		}

		missing := m.Select0(free, level)
		require.False(t, missing.Found())
		require.Equal(t, m.LevelSize(level), missing.Idx)
		require.Equal(t, free, missing.Rank)
	}
}

func TestSelectFW(t *testing.T) {
	m := newMap(t, 2048)
	require.NoError(t, m.SetBits(0, 0, 600))

	result := m.SelectFW(100, 0, 0)
	require.True(t, result.Found())
	require.Equal(t, 600, result.Idx)

	result = m.SelectFW(700, 5, 0)
	require.Equal(t, 705, result.Idx)
	require.Equal(t, 6, result.Rank)

	result = m.SelectFW(2000, 100, 0)
	require.False(t, result.Found())
}

func TestCountFW(t *testing.T) {
	m := newMap(t, 4096)
	require.NoError(t, m.SetBits(0, 10, 5))

	require.Equal(t, 10, m.CountFW(0, 0))
	require.Equal(t, 0, m.CountFW(10, 0))
	require.Equal(t, 4081, m.CountFW(15, 0))
	require.Equal(t, 0, m.CountFW(4096, 0))

	require.NoError(t, m.SetBits(0, 3000, 1))
	require.Equal(t, 2985, m.CountFW(15, 0))
}

func TestScanUnallocated(t *testing.T) {
	m := newMap(t, 4096)
	require.NoError(t, m.SetBits(0, 10, 5))

	type run struct{ pos, length int }
	var runs []run
	m.ScanUnallocated(0, func(pos, length int) bool {
		runs = append(runs, run{pos, length})
		return true
	})
	require.Equal(t, []run{{0, 10}, {15, 4081}}, runs)

	runs = nil
	m.ScanUnallocated(3, func(pos, length int) bool {
		runs = append(runs, run{pos, length})
		return true
	})
	require.Equal(t, []run{{0, 1}, {2, 510}}, runs)

	calls := 0
	m.ScanUnallocated(0, func(pos, length int) bool {
		calls++
		return false
	})
	require.Equal(t, 1, calls)
}

func TestFindUnallocated(t *testing.T) {
	m := newMap(t, 4096)
	require.NoError(t, m.SetBits(0, 10, 5))

	extents := m.FindUnallocated(1, 4)
	require.Len(t, extents, 1)
	require.Equal(t, int64(0), extents[0].Position)
	require.Equal(t, int64(10), extents[0].Size)
	require.Equal(t, 1, extents[0].Level)

	extents = m.FindUnallocated(1, 100)
	require.Len(t, extents, 2)
	require.Equal(t, int64(16), extents[1].Position)
	require.Equal(t, int64(4080), extents[1].Size)

	require.Equal(t, 5, m.Sum(0))
}

func TestCompareWith(t *testing.T) {
	m := newMap(t, 1024)
	other := newMap(t, 2048)

	stop := func(myIdx, otherIdx, level, myBit, otherBit int) bool {
		return false
	}

	require.NoError(t, m.SetBits(0, 0, 4))
	require.NoError(t, other.SetBits(0, 1024, 4))
	same, err := m.CompareWith(other, 0, 1024, 1024, stop)
	require.NoError(t, err)
	require.True(t, same)

	require.NoError(t, other.SetBits(0, 1030, 1))

	type mismatch struct{ myIdx, otherIdx, level, myBit, otherBit int }
	var mismatches []mismatch
	same, err = m.CompareWith(other, 0, 1024, 1024, func(myIdx, otherIdx, level, myBit, otherBit int) bool {
		mismatches = append(mismatches, mismatch{myIdx, otherIdx, level, myBit, otherBit})
		return true
	})
	require.NoError(t, err)
	require.True(t, same)
	require.Equal(t, []mismatch{
		{6, 1030, 0, 0, 1},
		{3, 515, 1, 0, 1},
		{1, 257, 2, 0, 1},
	}, mismatches)

	same, err = m.CompareWith(other, 0, 1024, 1024, stop)
	require.NoError(t, err)
	require.False(t, same)
}

func TestCompareWithRangeErrors(t *testing.T) {
	m := newMap(t, 1024)
	other := newMap(t, 2048)

	stop := func(myIdx, otherIdx, level, myBit, otherBit int) bool {
		return false
	}

	_, err := m.CompareWith(other, 512, 0, 1024, stop)
	require.True(t, errors.Is(err, packed.ErrInvariant))
	_, err = m.CompareWith(other, 0, 1536, 1024, stop)
	require.True(t, errors.Is(err, packed.ErrInvariant))
	_, err = m.CompareWith(other, -1, 0, 8, stop)
	require.True(t, errors.Is(err, packed.ErrInvariant))
	_, err = m.CompareWith(other, 0, 0, -8, stop)
	require.True(t, errors.Is(err, packed.ErrInvariant))

	same, err := m.CompareWith(other, 0, 1024, 1024, stop)
	require.NoError(t, err)
	require.True(t, same)
}

func TestSizing(t *testing.T) {
	require.Equal(t, allocator.EmptySize(19)+8, allocmap.BlockSizeFor(0))

	blockSize := allocmap.BlockSizeFor(4096)
	require.Equal(t, 4096, allocmap.FindMaxBitmapSize(blockSize))
	require.Equal(t, 4096, allocmap.FindMaxBitmapSize(blockSize+100))
	require.Equal(t, 3584, allocmap.FindMaxBitmapSize(blockSize-1))
	require.Equal(t, blockSize, allocmap.FindBlockSize(blockSize))
	require.Equal(t, allocmap.BlockSizeFor(3584), allocmap.FindBlockSize(blockSize-1))
}

func TestHostedMap(t *testing.T) {
	root, err := allocator.New(16384, 2, allocator.CreateOptions{})
	require.NoError(t, err)

	_, err = root.Allocate(0, 256, allocator.RawMemory)
	require.NoError(t, err)

	hosted, err := root.AllocateDefault(1, allocmap.Structure{})
	require.NoError(t, err)
	require.Equal(t, allocator.Allocatable, root.BlockType(1))

	m, err := allocmap.Bind(hosted)
	require.NoError(t, err)
	require.Greater(t, m.Capacity(), 0)
	require.Equal(t, m.Capacity(), m.Size())
	require.LessOrEqual(t, allocmap.BlockSizeFor(m.Capacity()), root.ElementSize(1))

	require.NoError(t, m.SetBits(2, 3, 1))
	require.Equal(t, 4, m.Sum(0))
	require.NoError(t, m.Validate())
	require.NoError(t, root.Validate())

	// Bind refuses allocators that do not hold a map
	_, err = allocmap.Bind(root)
	require.True(t, errors.Is(err, packed.ErrInvariant))
}

func TestHostedEmptyMap(t *testing.T) {
	root, err := allocator.New(4096, 1, allocator.CreateOptions{})
	require.NoError(t, err)

	hosted, err := root.AllocateEmpty(0, allocmap.Structure{})
	require.NoError(t, err)
	require.Equal(t, allocmap.BlockSizeFor(0), root.ElementSize(0))

	m, err := allocmap.Bind(hosted)
	require.NoError(t, err)
	require.Equal(t, 0, m.Size())
	require.Equal(t, 0, m.AvailableSpace())
	require.True(t, errors.Is(m.Enlarge(512), packed.ErrOutOfMemory))
	require.NoError(t, m.Validate())
}
