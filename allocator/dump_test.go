package allocator_test

import (
	"encoding/json"
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/packed"
	"github.com/vkngwrapper/arsenal/packed/allocator"
	"github.com/vkngwrapper/arsenal/packed/events"
)

func scenario(t *testing.T) *allocator.Allocator {
	root, err := allocator.New(4096, 3, allocator.CreateOptions{})
	require.NoError(t, err)

	_, err = root.Allocate(0, 64, allocator.RawMemory)
	require.NoError(t, err)

	nested, err := root.AllocateAllocator(1, 2)
	require.NoError(t, err)
	_, err = nested.Allocate(1, 24, allocator.RawMemory)
	require.NoError(t, err)

	return root
}

func TestGenerateDataEvents(t *testing.T) {
	root := scenario(t)

	handler := events.NewJSONHandler()
	root.GenerateDataEvents(handler)
	out, err := handler.Bytes()
	require.NoError(t, err)

	var doc map[string]map[string]any
	require.NoError(t, json.Unmarshal(out, &doc))

	group := doc["ALLOCATOR"]
	require.Equal(t, float64(0), group["PARENT_ALLOCATOR"])
	require.Equal(t, float64(4096), group["BLOCK_SIZE"])
	require.Equal(t, float64(root.FreeSpace()), group["FREE_SPACE"])
	require.Equal(t, "010", group["BLOCK_TYPES"])
	require.Equal(t, []any{float64(0), float64(64), float64(128), float64(128)}, group["LAYOUT"])
}

func TestBlockJsonData(t *testing.T) {
	root := scenario(t)

	writer := jwriter.NewWriter()
	obj := writer.Object()
	root.BlockJsonData(obj)
	obj.End()
	require.NoError(t, writer.Error())

	var doc struct {
		TotalBytes  int
		UnusedBytes int
		Segments    int
		Layout      []struct {
			Offset    int
			Size      int
			Type      string
			Allocator *struct {
				TotalBytes int
				Layout     []struct {
					Size int
				}
			}
		}
	}
	require.NoError(t, json.Unmarshal(writer.Bytes(), &doc))

	require.Equal(t, 4096, doc.TotalBytes)
	require.Equal(t, root.FreeSpace(), doc.UnusedBytes)
	require.Equal(t, 3, doc.Segments)
	require.Len(t, doc.Layout, 3)
	require.Equal(t, "RawMemory", doc.Layout[0].Type)
	require.Equal(t, "Allocatable", doc.Layout[1].Type)
	require.Nil(t, doc.Layout[0].Allocator)
	require.NotNil(t, doc.Layout[1].Allocator)
	require.Equal(t, 64, doc.Layout[1].Allocator.TotalBytes)
	require.Equal(t, 24, doc.Layout[1].Allocator.Layout[1].Size)
}

func TestStatistics(t *testing.T) {
	root := scenario(t)

	var stats packed.Statistics
	root.AddStatistics(&stats)
	require.Equal(t, 2, stats.BlockCount)
	require.Equal(t, 3, stats.SegmentCount)
	require.Equal(t, 4096+64, stats.BlockBytes)
	require.Equal(t, 64+64+24, stats.SegmentBytes)
	require.Equal(t, 1, stats.AllocatableSegmentCount)
	require.Equal(t, 2, stats.MaxDepth)

	var detailed packed.DetailedStatistics
	detailed.Clear()
	root.AddDetailedStatistics(&detailed)
	require.Equal(t, 3, detailed.SegmentCount)
	require.Equal(t, 1, detailed.AllocatableSegmentCount)
	require.Equal(t, 2, detailed.MaxDepth)
	require.Equal(t, 4096+64, detailed.BlockBytes)
	require.Equal(t, 24, detailed.SegmentSizeMin)
	require.Equal(t, 64, detailed.SegmentSizeMax)
	require.Equal(t, 1, detailed.UnusedRangeCount)
	require.Equal(t, root.FreeSpace(), detailed.UnusedRangeSizeMax)
}

func TestForEachBlock(t *testing.T) {
	root := scenario(t)

	var sizes []int
	root.ForEachBlock(func(idx int, d allocator.SegmentDescriptor) {
		require.Equal(t, root.ElementOffset(idx), d.Offset())
		sizes = append(sizes, d.Size())
	})
	require.Equal(t, []int{64, 64, 0}, sizes)
}
