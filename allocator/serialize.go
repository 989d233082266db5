package allocator

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/packed"
)

// Serialize writes the allocator framing: the Allocatable header, block_size, layout_size,
// bitmap_size, the layout table and the block-type bitmap. Segment payloads are not written.
func (a *Allocator) Serialize(w io.Writer) error {
	a.live()
	_, err := w.Write(a.block.data[a.offset : a.offset+a.dataStart()])
	if err != nil {
		return errors.Wrap(err, "failed to write allocator framing")
	}
	return nil
}

type frameHeader struct {
	allocatorOffset int
	blockSize       int
	layoutSize      int
	bitmapSize      int
}

func readFrameHeader(r io.Reader) (frameHeader, []byte, error) {
	var header [headerSize]byte
	_, err := io.ReadFull(r, header[:])
	if err != nil {
		return frameHeader{}, nil, errors.Wrap(err, "failed to read allocator header")
	}

	frame := frameHeader{
		allocatorOffset: int(binary.LittleEndian.Uint32(header[0:])),
		blockSize:       int(binary.LittleEndian.Uint32(header[blockSizeField:])),
		layoutSize:      int(binary.LittleEndian.Uint32(header[layoutSizeField:])),
		bitmapSize:      int(binary.LittleEndian.Uint32(header[bitmapSizeField:])),
	}

	if frame.layoutSize < 2*layoutEntrySize || frame.layoutSize%int(packed.Alignment) != 0 {
		return frame, nil, packed.Invariantf("serialized allocator has an invalid layout size %d", frame.layoutSize)
	}
	if frame.bitmapSize != packed.RoundUpBits(frame.layoutSize/layoutEntrySize) {
		return frame, nil, packed.Invariantf("serialized allocator has bitmap size %d for %d layout entries",
			frame.bitmapSize, frame.layoutSize/layoutEntrySize)
	}
	if headerSize+frame.layoutSize+frame.bitmapSize > frame.blockSize {
		return frame, nil, packed.Invariantf("serialized allocator block size %d cannot hold its own header", frame.blockSize)
	}

	return frame, header[:], nil
}

// Deserialize reads allocator framing written by Serialize into this allocator. The
// allocator's position in its nesting chain is kept: a nested allocator's Allocatable header
// must already be stamped, which Allocate and DeserializeTree guarantee. Segment payloads are
// left as they were.
func (a *Allocator) Deserialize(r io.Reader) error {
	a.live()
	frame, header, err := readFrameHeader(r)
	if err != nil {
		return err
	}

	limit, err := a.capacity()
	if err != nil {
		return err
	}
	if frame.blockSize > limit {
		return packed.Invariantf("serialized allocator block size %d exceeds the %d bytes available", frame.blockSize, limit)
	}

	tables := make([]byte, frame.layoutSize+frame.bitmapSize)
	_, err = io.ReadFull(r, tables)
	if err != nil {
		return errors.Wrap(err, "failed to read allocator layout")
	}

	copy(a.block.data[a.offset+AllocatableSize:], header[AllocatableSize:])
	copy(a.block.data[a.offset+headerSize:], tables)

	a.touch()
	return a.Validate()
}

// Deserialize reads allocator framing written by Serialize into a new block sized to the
// serialized block size, and returns the block's top-level allocator. Segment payloads are
// zero until they are read separately.
func Deserialize(r io.Reader, options CreateOptions) (*Allocator, error) {
	frame, header, err := readFrameHeader(r)
	if err != nil {
		return nil, err
	}

	block := newBlock(frame.blockSize, options)
	copy(block.data[AllocatableSize:], header[AllocatableSize:])

	_, err = io.ReadFull(r, block.data[headerSize:headerSize+frame.layoutSize+frame.bitmapSize])
	if err != nil {
		return nil, errors.Wrap(err, "failed to read allocator layout")
	}

	root := block.Root()
	err = root.Validate()
	if err != nil {
		return nil, err
	}
	return root, nil
}

// SerializeSegment writes the raw contents of segment idx
func (a *Allocator) SerializeSegment(w io.Writer, idx int) error {
	d := a.Describe(idx)
	_, err := w.Write(d.Bytes())
	if err != nil {
		return errors.Wrapf(err, "failed to write segment %d", idx)
	}
	return nil
}

// DeserializeSegment fills segment idx, which must already have its final size, from r
func (a *Allocator) DeserializeSegment(r io.Reader, idx int) error {
	d := a.Describe(idx)
	_, err := io.ReadFull(r, d.Bytes())
	if err != nil {
		return errors.Wrapf(err, "failed to read segment %d", idx)
	}

	if a.blockType(idx) == Allocatable && d.size >= AllocatableSize {
		stampAllocatable(a.block.data, d.position, a.offset)
	}
	return nil
}

// SerializeTree writes the framing of this allocator followed by every non-empty segment.
// Allocatable segments holding an initialized allocator are written recursively as nested
// trees; every other segment is written as raw bytes.
func (a *Allocator) SerializeTree(w io.Writer) error {
	err := a.Serialize(w)
	if err != nil {
		return err
	}

	for idx := 0; idx < a.Segments(); idx++ {
		if a.elementSize(idx) == 0 {
			continue
		}

		if a.hostsAllocator(idx) {
			nested, err := a.Nested(idx)
			if err != nil {
				return err
			}

			err = nested.SerializeTree(w)
			if err != nil {
				return errors.Wrapf(err, "segment %d", idx)
			}
			continue
		}

		err = a.SerializeSegment(w, idx)
		if err != nil {
			return err
		}
	}

	return nil
}

// DeserializeTree reads a tree written by SerializeTree into this allocator
func (a *Allocator) DeserializeTree(r io.Reader) error {
	err := a.Deserialize(r)
	if err != nil {
		return err
	}

	return a.deserializeSegments(r)
}

// DeserializeTree reads a tree written by SerializeTree into a new block and returns its
// top-level allocator
func DeserializeTree(r io.Reader, options CreateOptions) (*Allocator, error) {
	root, err := Deserialize(r, options)
	if err != nil {
		return nil, err
	}

	err = root.deserializeSegments(r)
	if err != nil {
		return nil, err
	}
	return root, nil
}

func (a *Allocator) deserializeSegments(r io.Reader) error {
	for idx := 0; idx < a.Segments(); idx++ {
		size := a.elementSize(idx)
		if size == 0 {
			continue
		}

		if a.blockType(idx) == Allocatable && size >= headerSize {
			pos := a.base() + a.layout(idx)

			// Both encodings begin with the segment's first header-sized bytes
			head := make([]byte, headerSize)
			_, err := io.ReadFull(r, head)
			if err != nil {
				return errors.Wrapf(err, "failed to read segment %d", idx)
			}

			if binary.LittleEndian.Uint32(head[layoutSizeField:]) == 0 {
				copy(a.block.data[pos:], head)
				_, err = io.ReadFull(r, a.block.data[pos+headerSize:pos+size])
				if err != nil {
					return errors.Wrapf(err, "failed to read segment %d", idx)
				}
				stampAllocatable(a.block.data, pos, a.offset)
				continue
			}

			zero(a.block.data[pos : pos+size])
			stampAllocatable(a.block.data, pos, a.offset)

			nested, err := a.Nested(idx)
			if err != nil {
				return err
			}

			err = nested.DeserializeTree(io.MultiReader(bytes.NewReader(head), r))
			a.refresh()
			if err != nil {
				return errors.Wrapf(err, "segment %d", idx)
			}
			continue
		}

		err := a.DeserializeSegment(r, idx)
		if err != nil {
			return err
		}
	}

	return nil
}
