package events_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/packed/events"
)

func TestJSONHandler(t *testing.T) {
	h := events.NewJSONHandler()
	h.StartGroup("ALLOCATOR", -1)
	h.Value("BLOCK_SIZE", 4096)
	h.Values("LAYOUT", []int{0, 64, 192})
	h.StartGroup("BITMAPS", 5)
	h.Symbols("SYMBOLS", []uint64{0b10110}, 5, 1)
	h.EndGroup()
	h.EndGroup()

	data, err := h.Bytes()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))

	alloc := decoded["ALLOCATOR"].(map[string]any)
	require.Equal(t, float64(4096), alloc["BLOCK_SIZE"])
	require.Equal(t, []any{float64(0), float64(64), float64(192)}, alloc["LAYOUT"])

	bitmaps := alloc["BITMAPS"].(map[string]any)
	require.Equal(t, float64(5), bitmaps["Size"])
	require.Equal(t, "01101", bitmaps["SYMBOLS"])
}

func TestJSONHandlerUnbalanced(t *testing.T) {
	h := events.NewJSONHandler()
	h.StartGroup("OPEN", -1)

	_, err := h.Bytes()
	require.Error(t, err)

	require.Panics(t, func() {
		events.NewJSONHandler().EndGroup()
	})
}
