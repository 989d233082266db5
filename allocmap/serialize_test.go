package allocmap_test

import (
	"bytes"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/packed"
	"github.com/vkngwrapper/arsenal/packed/allocator"
	"github.com/vkngwrapper/arsenal/packed/allocmap"
)

func requireSameBits(t *testing.T, expected, actual *allocmap.Map) {
	require.Equal(t, expected.Size(), actual.Size())
	same, err := expected.CompareWith(actual, 0, 0, expected.Size(), func(myIdx, otherIdx, level, myBit, otherBit int) bool {
		t.Errorf("bit mismatch at level %d, idx %d: %d != %d", level, myIdx, myBit, otherBit)
		return false
	})
	require.NoError(t, err)
	require.True(t, same)
}

func TestSerializeRoundTrip(t *testing.T) {
	m := newMap(t, 2048)
	require.NoError(t, m.SetBits(0, 5, 300))
	require.NoError(t, m.SetBits(4, 70, 3))

	var buf bytes.Buffer
	require.NoError(t, m.Serialize(&buf))

	restored, err := allocmap.Deserialize(bytes.NewReader(buf.Bytes()), allocmap.Options{})
	require.NoError(t, err)
	require.Equal(t, 2048, restored.Capacity())
	require.Equal(t, m.Sum(0), restored.Sum(0))
	requireSameBits(t, m, restored)
	require.NoError(t, restored.Validate())

	existing := newMap(t, 2048)
	require.NoError(t, existing.SetBits(8, 0, 8))
	require.NoError(t, existing.Deserialize(bytes.NewReader(buf.Bytes())))
	requireSameBits(t, m, existing)
	require.NoError(t, existing.Validate())
}

func TestSerializeWithSpareCapacity(t *testing.T) {
	m, err := allocmap.NewEmpty(2048, allocmap.Options{})
	require.NoError(t, err)
	require.NoError(t, m.Enlarge(1024))
	require.NoError(t, m.SetBits(0, 1000, 24))

	var buf bytes.Buffer
	require.NoError(t, m.Serialize(&buf))

	restored, err := allocmap.Deserialize(&buf, allocmap.Options{})
	require.NoError(t, err)
	require.Equal(t, 1024, restored.Size())
	require.Equal(t, 2048, restored.Capacity())
	requireSameBits(t, m, restored)

	require.NoError(t, restored.Enlarge(1024))
	require.Equal(t, 2024, restored.AvailableSpace())
	require.NoError(t, restored.Check())
}

func TestDeserializeTruncated(t *testing.T) {
	m := newMap(t, 1024)

	var buf bytes.Buffer
	require.NoError(t, m.Serialize(&buf))

	_, err := allocmap.Deserialize(bytes.NewReader(buf.Bytes()[:buf.Len()-4]), allocmap.Options{})
	require.Error(t, err)
}

func TestDeserializeOversizedMap(t *testing.T) {
	m := newMap(t, 4096)

	var buf bytes.Buffer
	require.NoError(t, m.Serialize(&buf))

	small := newMap(t, 1024)
	err := small.Deserialize(&buf)
	require.Error(t, err)
	require.True(t, errors.Is(err, packed.ErrInvariant) || errors.Is(err, packed.ErrOutOfMemory))
}

func TestDeserializeMissingMetadata(t *testing.T) {
	empty, err := allocator.New(allocator.EmptySize(19), 19, allocator.CreateOptions{})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, empty.Serialize(&buf))
	buf.Write([]byte{0, 0, 0, 0})
	frame := buf.Bytes()

	m := newMap(t, 512)
	err = m.Deserialize(bytes.NewReader(frame))
	require.True(t, errors.Is(err, packed.ErrInvariant))

	_, err = allocmap.Deserialize(bytes.NewReader(frame), allocmap.Options{})
	require.True(t, errors.Is(err, packed.ErrInvariant))
}
