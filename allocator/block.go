package allocator

import (
	"unsafe"

	"github.com/vkngwrapper/arsenal/packed"
	"golang.org/x/exp/slog"
)

// CreateOptions contains optional settings when creating a block
type CreateOptions struct {
	// Logger receives debug output about growth propagation, packing and out-of-memory
	// conditions. If it is nil, slog.Default() is used.
	Logger *slog.Logger
}

// Block is one contiguous, fixed-size byte buffer. The allocator at offset 0 is the block's
// top-level allocator; every other allocator in the block is nested inside one of its segments.
//
// A Block is not safe for concurrent use.
type Block struct {
	data   []byte
	gen    uint64
	logger *slog.Logger
}

func newBlock(size int, options CreateOptions) *Block {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Block{
		data:   alignedBuffer(size),
		logger: logger,
	}
}

// alignedBuffer returns a zeroed byte slice whose first byte is 8-byte aligned, so that typed
// views of 8-byte aligned segments are themselves aligned
func alignedBuffer(size int) []byte {
	if size == 0 {
		return []byte{}
	}

	words := make([]uint64, packed.DivUp(size, 8))
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
}

// New creates a new block of blockSize bytes (rounded down to the packed alignment) and
// initializes its top-level allocator with room for the requested number of segments. The
// layout table always holds an even number of entries, so an even request exposes one extra
// segment: Segments() reports the actual count.
func New(blockSize, segments int, options CreateOptions) (*Allocator, error) {
	blockSize = packed.RoundDownBytes(blockSize)
	if blockSize < EmptySize(segments) {
		return nil, packed.Invariantf("block size %d cannot hold an allocator with %d segments (minimum %d)", blockSize, segments, EmptySize(segments))
	}

	block := newBlock(blockSize, options)
	root := block.Root()
	err := root.Init(blockSize, segments)
	if err != nil {
		return nil, err
	}

	return root, nil
}

// Wrap adopts an existing buffer that already contains a top-level allocator at offset 0. The
// buffer must be 8-byte aligned and is used in place.
func Wrap(data []byte, options CreateOptions) (*Allocator, error) {
	if len(data) < headerSize {
		return nil, packed.Invariantf("buffer of %d bytes cannot hold an allocator header", len(data))
	}
	if uintptr(unsafe.Pointer(&data[0]))&uintptr(packed.Alignment-1) != 0 {
		return nil, packed.Invariantf("buffer is not aligned to %d bytes", packed.Alignment)
	}

	block := newBlock(0, options)
	block.data = data

	root := block.Root()
	if root.BlockSize() > len(data) {
		return nil, packed.Invariantf("allocator block size %d exceeds the buffer size %d", root.BlockSize(), len(data))
	}
	if root.AllocatorOffset() != 0 {
		return nil, packed.Invariantf("buffer does not start with a top-level allocator")
	}

	err := root.Validate()
	if err != nil {
		return nil, err
	}

	return root, nil
}

// Root returns a view of the block's top-level allocator. The top-level view is never
// invalidated by structural mutations.
func (b *Block) Root() *Allocator {
	return &Allocator{block: b, gen: b.gen}
}

// Bytes returns the block's backing buffer
func (b *Block) Bytes() []byte { return b.data }

// Size returns the size of the block's backing buffer in bytes
func (b *Block) Size() int { return len(b.data) }

// Generation is incremented by every structural mutation of the block
func (b *Block) Generation() uint64 { return b.gen }

func (b *Block) Logger() *slog.Logger { return b.logger }
