package allocmap_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/packed/events"
)

func TestGenerateDataEvents(t *testing.T) {
	m := newMap(t, 1024)
	require.NoError(t, m.SetBits(0, 0, 3))

	handler := events.NewJSONHandler()
	m.GenerateDataEvents(handler)
	out, err := handler.Bytes()
	require.NoError(t, err)

	var doc struct {
		Map struct {
			Size     int `json:"SIZE"`
			Capacity int `json:"CAPACITY"`
			Bitmaps  map[string]json.RawMessage `json:"BITMAPS"`
		} `json:"PACKED_ALLOCATION_MAP"`
	}
	require.NoError(t, json.Unmarshal(out, &doc))
	require.Equal(t, 1024, doc.Map.Size)
	require.Equal(t, 1024, doc.Map.Capacity)
	require.Len(t, doc.Map.Bitmaps, 10)

	var level0 struct {
		Size    int
		Index   []int  `json:"INDEX"`
		Symbols string `json:"SYMBOLS"`
	}
	require.NoError(t, json.Unmarshal(doc.Map.Bitmaps["LEVEL_0"], &level0))
	require.Equal(t, 1024, level0.Size)
	require.Equal(t, []int{509, 512}, level0.Index)
	require.Equal(t, "111"+strings.Repeat("0", 1021), level0.Symbols)

	var level8 struct {
		Index   []int  `json:"INDEX"`
		Symbols string `json:"SYMBOLS"`
	}
	require.NoError(t, json.Unmarshal(doc.Map.Bitmaps["LEVEL_8"], &level8))
	require.Nil(t, level8.Index)
	require.Equal(t, "1000", level8.Symbols)
}

func TestMapBlockJsonData(t *testing.T) {
	m := newMap(t, 2048)
	require.NoError(t, m.SetBits(1, 0, 4))

	writer := jwriter.NewWriter()
	obj := writer.Object()
	m.BlockJsonData(obj)
	obj.End()
	require.NoError(t, writer.Error())

	var doc struct {
		Size     int
		Capacity int
		Levels   []struct {
			Level       int
			Units       int
			Unallocated int
		}
	}
	require.NoError(t, json.Unmarshal(writer.Bytes(), &doc))
	require.Equal(t, 2048, doc.Size)
	require.Len(t, doc.Levels, 9)
	require.Equal(t, 2040, doc.Levels[0].Unallocated)
	require.Equal(t, 1024, doc.Levels[1].Units)
	require.Equal(t, 1020, doc.Levels[1].Unallocated)
	require.Equal(t, 7, doc.Levels[8].Unallocated)
}
