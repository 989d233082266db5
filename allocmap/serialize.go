package allocmap

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/packed"
	"github.com/vkngwrapper/arsenal/packed/allocator"
)

// Serialize writes the allocator framing followed by the map size and, for every level, the
// level's index (when the level has one) and its bitmap words. Units beyond the size are not
// written.
func (m *Map) Serialize(w io.Writer) error {
	err := m.alloc.Serialize(w)
	if err != nil {
		return err
	}

	size := m.Size()
	err = binary.Write(w, binary.LittleEndian, uint32(size))
	if err != nil {
		return errors.Wrap(err, "failed to write allocation map size")
	}

	for level := 0; level < Levels; level++ {
		bits := size >> level

		if indexSize := indexLevelSize(bits); indexSize > 0 {
			err = binary.Write(w, binary.LittleEndian, m.index(level)[:indexSize])
			if err != nil {
				return errors.Wrapf(err, "failed to write allocation map index at level %d", level)
			}
		}

		err = binary.Write(w, binary.LittleEndian, m.symbols(level)[:bitmapWords(bits)])
		if err != nil {
			return errors.Wrapf(err, "failed to write allocation map bitmap at level %d", level)
		}
	}

	return nil
}

// Deserialize reads a map written by Serialize into this map's allocator. The capacity is
// derived from the length of the level-0 bitmap segment.
func (m *Map) Deserialize(r io.Reader) error {
	err := m.alloc.Deserialize(r)
	if err != nil {
		return err
	}

	return m.readBody(r)
}

// Deserialize reads a map written by Serialize into a block of its own
func Deserialize(r io.Reader, options Options) (*Map, error) {
	alloc, err := allocator.Deserialize(r, allocator.CreateOptions{Logger: options.Logger})
	if err != nil {
		return nil, err
	}

	m, err := Bind(alloc)
	if err != nil {
		return nil, err
	}

	err = m.readBody(r)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Map) readBody(r io.Reader) error {
	if m.alloc.Segments() != segmentCount {
		return packed.Invariantf("serialized allocator has %d segments, an allocation map has %d", m.alloc.Segments(), segmentCount)
	}
	if m.alloc.ElementSize(metadataSegment) < 8 {
		return packed.Invariantf("serialized allocation map metadata segment is %d bytes", m.alloc.ElementSize(metadataSegment))
	}

	var size uint32
	err := binary.Read(r, binary.LittleEndian, &size)
	if err != nil {
		return errors.Wrap(err, "failed to read allocation map size")
	}

	capacity := m.alloc.ElementSize(symbolsSegment) * 8
	if int(size) > capacity || size%ValuesPerBranch != 0 {
		return packed.Invariantf("serialized allocation map size %d does not fit the capacity %d", size, capacity)
	}

	for idx := indexSegment; idx < segmentCount; idx++ {
		m.alloc.Clear(idx)
	}

	meta := m.metadata()
	meta.Size = size
	meta.Capacity = uint32(capacity)

	for level := 0; level < Levels; level++ {
		bits := int(size) >> level

		if indexSize := indexLevelSize(bits); indexSize > 0 {
			index := m.index(level)
			if len(index) < indexSize {
				return packed.Invariantf("allocation map index segment at level %d holds %d cells, %d needed", level, len(index), indexSize)
			}

			err = binary.Read(r, binary.LittleEndian, index[:indexSize])
			if err != nil {
				return errors.Wrapf(err, "failed to read allocation map index at level %d", level)
			}
		}

		symbols := m.symbols(level)
		if len(symbols) < bitmapWords(bits) {
			return packed.Invariantf("allocation map bitmap segment at level %d holds %d words, %d needed", level, len(symbols), bitmapWords(bits))
		}

		err = binary.Read(r, binary.LittleEndian, symbols[:bitmapWords(bits)])
		if err != nil {
			return errors.Wrapf(err, "failed to read allocation map bitmap at level %d", level)
		}
	}

	return m.Check()
}
