package allocator

import (
	"context"
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/packed"
	"golang.org/x/exp/slog"
)

const (
	blockSizeField  = AllocatableSize
	layoutSizeField = AllocatableSize + 4
	bitmapSizeField = AllocatableSize + 8
)

// Allocator is a view of one segmented allocator living at a fixed offset inside a Block. The
// allocator manages a fixed number of independently resizable segments laid out back-to-back
// after its layout table and block-type bitmap. Segments of type Allocatable contain nested
// allocators that borrow space from this one; growth requests that do not fit locally are
// forwarded up the nesting chain until the top-level allocator either satisfies them or
// fails with packed.ErrOutOfMemory.
//
// Every structural mutation (Allocate, ResizeBlock, Free, ImportBlock, Enlarge, Shrink, Pack,
// Init, Deserialize) may relocate segments and nested allocators that come after the mutated
// segment. The view that performed the mutation stays valid, as does the top-level view.
// Any other nested view, SegmentDescriptor or typed reference obtained before the mutation
// panics with packed.ErrStaleView when it is used again, and must be re-fetched by index.
type Allocator struct {
	block  *Block
	offset int
	gen    uint64
}

var _ packed.Validatable = &Allocator{}

// live panics if this view was invalidated by a structural mutation made through another view
func (a *Allocator) live() {
	if a.offset != 0 && a.gen != a.block.gen {
		panic(packed.ErrStaleView)
	}
}

// touch records a structural mutation performed through this view
func (a *Allocator) touch() {
	a.block.gen++
	a.gen = a.block.gen
}

func (a *Allocator) refresh() {
	a.gen = a.block.gen
}

func (a *Allocator) logger() *slog.Logger {
	return a.block.logger
}

func (a *Allocator) u32(pos int) int {
	return int(binary.LittleEndian.Uint32(a.block.data[a.offset+pos:]))
}

func (a *Allocator) putU32(pos int, value int) {
	binary.LittleEndian.PutUint32(a.block.data[a.offset+pos:], uint32(value))
}

// Block returns the block this allocator lives in
func (a *Allocator) Block() *Block { return a.block }

// Offset returns the absolute byte position of this allocator within its block
func (a *Allocator) Offset() int { return a.offset }

// IsValid reports whether this view may still be used
func (a *Allocator) IsValid() bool {
	return a.offset == 0 || a.gen == a.block.gen
}

// AllocatorOffset returns the value of this allocator's Allocatable header: the byte distance
// back to the allocator that owns it, or zero for a top-level allocator
func (a *Allocator) AllocatorOffset() int { return a.u32(0) }

// BlockSize returns the number of bytes this allocator is allowed to occupy
func (a *Allocator) BlockSize() int { return a.u32(blockSizeField) }

// LayoutSize returns the size in bytes of the layout table
func (a *Allocator) LayoutSize() int { return a.u32(layoutSizeField) }

// BitmapSize returns the size in bytes of the block-type bitmap
func (a *Allocator) BitmapSize() int { return a.u32(bitmapSizeField) }

// Segments returns the number of segments this allocator manages
func (a *Allocator) Segments() int {
	return a.LayoutSize()/layoutEntrySize - 1
}

func (a *Allocator) setBlockSize(size int) { a.putU32(blockSizeField, size) }

func (a *Allocator) layoutPos(entry int) int {
	return headerSize + entry*layoutEntrySize
}

func (a *Allocator) layout(entry int) int {
	return a.u32(a.layoutPos(entry))
}

func (a *Allocator) setLayout(entry int, value int) {
	a.putU32(a.layoutPos(entry), value)
}

func (a *Allocator) bitmapPos() int {
	return headerSize + a.LayoutSize()
}

// dataStart is the position of the data area relative to the allocator
func (a *Allocator) dataStart() int {
	return headerSize + a.LayoutSize() + a.BitmapSize()
}

// base is the absolute position of the data area within the block
func (a *Allocator) base() int {
	return a.offset + a.dataStart()
}

// ClientArea returns the number of bytes available for segment data
func (a *Allocator) ClientArea() int {
	return a.BlockSize() - a.dataStart()
}

// Allocated returns the number of bytes occupied by segments
func (a *Allocator) Allocated() int {
	return a.layout(a.Segments())
}

// FreeSpace returns the number of unused bytes in this allocator's client area
func (a *Allocator) FreeSpace() int {
	free := a.ClientArea() - a.Allocated()
	if free < 0 {
		return 0
	}
	return free
}

func (a *Allocator) checkIndex(idx int) error {
	if idx < 0 || idx >= a.Segments() {
		return packed.Invariantf("segment index %d is out of range [0, %d)", idx, a.Segments())
	}
	return nil
}

func (a *Allocator) mustIndex(idx int) {
	err := a.checkIndex(idx)
	if err != nil {
		panic(err)
	}
}

// ElementOffset returns the offset of segment idx relative to the start of the data area
func (a *Allocator) ElementOffset(idx int) int {
	a.live()
	a.mustIndex(idx)
	return a.layout(idx)
}

// ElementSize returns the size in bytes of segment idx
func (a *Allocator) ElementSize(idx int) int {
	a.live()
	a.mustIndex(idx)
	return a.elementSize(idx)
}

func (a *Allocator) elementSize(idx int) int {
	return a.layout(idx+1) - a.layout(idx)
}

// IsEmpty returns true if segment idx has zero length
func (a *Allocator) IsEmpty(idx int) bool {
	return a.ElementSize(idx) == 0
}

// Describe returns a descriptor for segment idx that is valid until the next structural
// mutation of the block
func (a *Allocator) Describe(idx int) SegmentDescriptor {
	a.live()
	a.mustIndex(idx)
	return a.describe(idx)
}

func (a *Allocator) describe(idx int) SegmentDescriptor {
	offset := a.layout(idx)
	return SegmentDescriptor{
		block:    a.block,
		gen:      a.block.gen,
		size:     a.elementSize(idx),
		offset:   offset,
		position: a.base() + offset,
	}
}

// BlockType returns the type recorded for segment idx
func (a *Allocator) BlockType(idx int) BlockType {
	a.live()
	a.mustIndex(idx)
	return a.blockType(idx)
}

func (a *Allocator) blockType(idx int) BlockType {
	pos := a.offset + a.bitmapPos() + idx/8
	return BlockType((a.block.data[pos] >> (idx % 8)) & 1)
}

// SetBlockType records the type of segment idx without touching its contents
func (a *Allocator) SetBlockType(idx int, kind BlockType) {
	a.live()
	a.mustIndex(idx)
	a.setBlockType(idx, kind)
}

func (a *Allocator) setBlockType(idx int, kind BlockType) {
	pos := a.offset + a.bitmapPos() + idx/8
	bit := byte(1) << (idx % 8)
	if kind == Allocatable {
		a.block.data[pos] |= bit
	} else {
		a.block.data[pos] &^= bit
	}
}

// Parent returns a view of the allocator that owns this one, or false if this allocator is
// a top-level allocator
func (a *Allocator) Parent() (*Allocator, bool) {
	a.live()
	return a.parent()
}

func (a *Allocator) parent() (*Allocator, bool) {
	delta := a.AllocatorOffset()
	if delta == 0 {
		return nil, false
	}

	return &Allocator{block: a.block, offset: a.offset - delta, gen: a.block.gen}, true
}

// TopLevel returns a view of the top-level allocator of this allocator's nesting chain
func (a *Allocator) TopLevel() *Allocator {
	a.live()
	current := a
	for {
		parent, ok := current.parent()
		if !ok {
			return &Allocator{block: current.block, offset: current.offset, gen: current.block.gen}
		}
		current = parent
	}
}

// Nested returns a view of the allocator contained in the Allocatable segment idx
func (a *Allocator) Nested(idx int) (*Allocator, error) {
	a.live()
	err := a.checkIndex(idx)
	if err != nil {
		return nil, err
	}

	if a.blockType(idx) != Allocatable {
		return nil, packed.Invariantf("segment %d is not allocatable", idx)
	}
	if a.elementSize(idx) < headerSize {
		return nil, packed.Invariantf("segment %d is too small to hold an allocator: %d bytes", idx, a.elementSize(idx))
	}

	return &Allocator{block: a.block, offset: a.base() + a.layout(idx), gen: a.block.gen}, nil
}

// hostsAllocator reports whether segment idx holds an initialized nested allocator. A segment
// allocated as Allocatable but never initialized carries only its back-reference and a zero
// layout size.
func (a *Allocator) hostsAllocator(idx int) bool {
	if a.blockType(idx) != Allocatable || a.elementSize(idx) < headerSize {
		return false
	}

	pos := a.base() + a.layout(idx)
	return binary.LittleEndian.Uint32(a.block.data[pos+layoutSizeField:]) != 0
}

// capacity is the maximum block size this allocator could declare without growing
func (a *Allocator) capacity() (int, error) {
	parent, ok := a.parent()
	if !ok {
		return len(a.block.data) - a.offset, nil
	}

	myIdx, err := parent.FindElement(a.offset)
	if err != nil {
		return 0, err
	}
	return parent.elementSize(myIdx), nil
}

// Init lays out the layout table and block-type bitmap for the requested number of segments,
// all initially empty. An even segment request is rounded up to the next odd count. The block
// size is rounded down to the packed alignment. Everything after the Allocatable header is
// zeroed.
func (a *Allocator) Init(blockSize, segments int) error {
	a.live()
	if segments < 0 {
		return packed.Invariantf("segment count %d is negative", segments)
	}

	blockSize = packed.RoundDownBytes(blockSize)
	limit, err := a.capacity()
	if err != nil {
		return err
	}
	if blockSize > limit {
		return packed.Invariantf("block size %d exceeds the %d bytes available to this allocator", blockSize, limit)
	}
	if blockSize < EmptySize(segments) {
		return packed.Invariantf("block size %d cannot hold %d segments (minimum %d)", blockSize, segments, EmptySize(segments))
	}

	zero(a.block.data[a.offset+AllocatableSize : a.offset+blockSize])
	a.setBlockSize(blockSize)
	a.putU32(layoutSizeField, layoutSize(segments))
	a.putU32(bitmapSizeField, bitmapSize(segments))

	a.touch()
	return nil
}

// Allocate resizes segment idx to size bytes (rounded up to the packed alignment), zero-fills
// it and records its type. Allocatable segments additionally receive an Allocatable header
// pointing back at this allocator.
func (a *Allocator) Allocate(idx, size int, kind BlockType) (SegmentDescriptor, error) {
	a.live()
	err := a.checkIndex(idx)
	if err != nil {
		return SegmentDescriptor{}, err
	}
	allocationSize := packed.RoundUpBytes(size)
	_, err = a.resizeBlock(idx, allocationSize)
	if err != nil {
		return SegmentDescriptor{}, err
	}

	a.setBlockType(idx, kind)
	pos := a.base() + a.layout(idx)
	zero(a.block.data[pos : pos+allocationSize])
	if kind == Allocatable && allocationSize > 0 {
		stampAllocatable(a.block.data, pos, a.offset)
	}

	a.touch()
	packed.DebugValidate(a)
	return a.describe(idx), nil
}

// ResizeBlock changes the size of segment idx to newSize bytes (rounded up to the packed
// alignment) and returns the new size. Growth beyond the local free space first enlarges this
// allocator through its parent chain; if no ancestor can provide the space, an error marked with
// packed.ErrOutOfMemory is returned and the block is unchanged. Shrinking a segment of a nested
// allocator packs the allocator, returning its surplus to the parent. Top-level allocators
// never shrink themselves.
func (a *Allocator) ResizeBlock(idx, newSize int) (int, error) {
	a.live()
	err := a.checkIndex(idx)
	if err != nil {
		return 0, err
	}

	size, err := a.resizeBlock(idx, newSize)
	if err != nil {
		return size, err
	}

	a.touch()
	packed.DebugValidate(a)
	return size, nil
}

func (a *Allocator) resizeBlock(idx, newSize int) (int, error) {
	if newSize < 0 {
		return a.elementSize(idx), packed.Invariantf("segment size %d is negative", newSize)
	}

	allocationSize := packed.RoundUpBytes(newSize)
	size := a.elementSize(idx)

	if allocationSize > size {
		delta := allocationSize - size
		free := a.FreeSpace()
		if delta > free {
			err := a.enlarge(delta - free)
			if err != nil {
				return size, err
			}
		}

		a.moveElementsUp(idx+1, delta)

		pos := a.base() + a.layout(idx)
		zero(a.block.data[pos+size : pos+allocationSize])
	} else if allocationSize < size {
		a.moveElementsDown(idx+1, size-allocationSize)

		if a.AllocatorOffset() != 0 {
			err := a.pack()
			if err != nil {
				return allocationSize, err
			}
		}
	}

	return allocationSize, nil
}

// Free collapses segment idx to zero length and clears its type
func (a *Allocator) Free(idx int) error {
	a.live()
	err := a.checkIndex(idx)
	if err != nil {
		return err
	}

	_, err = a.resizeBlock(idx, 0)
	if err != nil {
		return err
	}
	a.setBlockType(idx, RawMemory)

	a.touch()
	packed.DebugValidate(a)
	return nil
}

// Clear zero-fills the contents of segment idx without changing its size. The Allocatable
// header of an Allocatable segment is preserved.
func (a *Allocator) Clear(idx int) {
	a.live()
	a.mustIndex(idx)

	d := a.describe(idx)
	start := d.position
	if a.blockType(idx) == Allocatable && d.size >= AllocatableSize {
		start += AllocatableSize
	}
	zero(a.block.data[start : d.position+d.size])
}

// ImportBlock replaces segment idx with a copy of segment srcIdx of src, including its type.
// src may live in another block. Allocatable segments are re-stamped to point at this allocator.
func (a *Allocator) ImportBlock(idx int, src *Allocator, srcIdx int) error {
	a.live()
	src.live()
	err := a.checkIndex(idx)
	if err != nil {
		return err
	}
	err = src.checkIndex(srcIdx)
	if err != nil {
		return err
	}

	kind := src.blockType(srcIdx)
	srcPos := src.base() + src.layout(srcIdx)
	contents := append([]byte(nil), src.block.data[srcPos:srcPos+src.elementSize(srcIdx)]...)

	_, err = a.resizeBlock(idx, len(contents))
	if err != nil {
		return err
	}

	pos := a.base() + a.layout(idx)
	copy(a.block.data[pos:], contents)
	a.setBlockType(idx, kind)
	if kind == Allocatable && len(contents) >= AllocatableSize {
		stampAllocatable(a.block.data, pos, a.offset)
	}

	a.touch()
	packed.DebugValidate(a)
	return nil
}

// FindElement returns the index of the segment containing the absolute block position
func (a *Allocator) FindElement(position int) (int, error) {
	a.live()
	relative := position - a.base()
	if relative < 0 {
		return -1, packed.NotFoundf("position %d precedes the data area of the allocator at %d", position, a.offset)
	}

	entries := a.LayoutSize() / layoutEntrySize
	for c := 0; c < entries; c++ {
		if relative < a.layout(c) {
			return c - 1, nil
		}
	}

	return -1, packed.NotFoundf("position %d is not inside any segment of the allocator at %d", position, a.offset)
}

// TotalFreeSpace returns the local free space plus the free space of every ancestor allocator
func (a *Allocator) TotalFreeSpace() int {
	a.live()
	free := a.FreeSpace()
	if parent, ok := a.parent(); ok {
		free += parent.TotalFreeSpace()
	}
	return free
}

// ComputeFreeSpaceUp walks the nesting chain iteratively and sums the free space of every
// allocator in it. The result is always equal to TotalFreeSpace.
func (a *Allocator) ComputeFreeSpaceUp() int {
	a.live()
	free := 0
	current := a
	for {
		free += current.FreeSpace()
		parent, ok := current.parent()
		if !ok {
			return free
		}
		current = parent
	}
}

// TryAllocation reports whether ResizeBlock(idx, newSize) would succeed, without mutating
// anything. The answer is only meaningful if no structural mutation happens between the probe
// and the resize.
func (a *Allocator) TryAllocation(idx, newSize int) bool {
	a.live()
	if a.checkIndex(idx) != nil || newSize < 0 {
		return false
	}

	delta := packed.RoundUpBytes(newSize) - a.elementSize(idx)
	if delta <= 0 {
		return true
	}

	free := a.FreeSpace()
	if delta <= free {
		return true
	}

	parent, ok := a.parent()
	if !ok {
		return false
	}

	myIdx, err := parent.FindElement(a.offset)
	if err != nil {
		return false
	}

	return parent.TryAllocation(myIdx, a.BlockSize()+delta-free)
}

// Enlarge grows this allocator's block by delta bytes by resizing its segment in the parent
func (a *Allocator) Enlarge(delta int) error {
	a.live()
	err := a.enlarge(delta)
	if err != nil {
		return err
	}
	a.touch()
	return nil
}

func (a *Allocator) enlarge(delta int) error {
	return a.resize(packed.RoundUpBytes(a.BlockSize() + delta))
}

// Shrink reduces this allocator's block by delta bytes, which must not exceed its free space.
// Top-level allocators keep their block size.
func (a *Allocator) Shrink(delta int) error {
	a.live()
	if delta > a.FreeSpace() {
		return packed.Invariantf("cannot shrink by %d bytes with only %d bytes free", delta, a.FreeSpace())
	}

	err := a.resize(packed.RoundUpBytes(a.BlockSize() - delta))
	if err != nil {
		return err
	}
	a.touch()
	return nil
}

// Pack shrinks this allocator's block to exactly fit its segments, returning the surplus to
// the parent. Top-level allocators keep their block size.
func (a *Allocator) Pack() error {
	a.live()
	err := a.pack()
	if err != nil {
		return err
	}
	a.touch()
	return nil
}

func (a *Allocator) pack() error {
	free := a.FreeSpace()
	if free == 0 {
		return nil
	}

	a.logger().LogAttrs(context.Background(), slog.LevelDebug, "packing allocator",
		slog.Int("offset", a.offset),
		slog.Int("blockSize", a.BlockSize()),
		slog.Int("freeSpace", free),
	)
	return a.resize(a.BlockSize() - free)
}

// resize changes the declared block size by resizing this allocator's segment in its parent.
// A top-level allocator can only accept sizes it already has.
func (a *Allocator) resize(newSize int) error {
	parent, ok := a.parent()
	if !ok {
		if newSize > a.BlockSize() {
			a.logger().LogAttrs(context.Background(), slog.LevelDebug, "top-level allocator out of memory",
				slog.Int("blockSize", a.BlockSize()),
				slog.Int("requested", newSize),
			)
			return packed.OutOfMemoryf("requested block size %d exceeds the top-level block size %d", newSize, a.BlockSize())
		}
		return nil
	}

	myIdx, err := parent.FindElement(a.offset)
	if err != nil {
		return errors.Wrapf(err, "nested allocator at %d", a.offset)
	}

	a.logger().LogAttrs(context.Background(), slog.LevelDebug, "resizing nested allocator through parent",
		slog.Int("offset", a.offset),
		slog.Int("parentOffset", parent.offset),
		slog.Int("segment", myIdx),
		slog.Int("from", a.BlockSize()),
		slog.Int("to", newSize),
	)

	size, err := parent.ResizeBlock(myIdx, newSize)
	if err != nil {
		return err
	}

	a.setBlockSize(size)
	return nil
}

// moveElementsUp shifts segments [idx, segments) up by delta bytes
func (a *Allocator) moveElementsUp(idx, delta int) {
	segments := a.Segments()
	base := a.base()

	if idx < segments {
		start := base + a.layout(idx)
		end := base + a.layout(segments)
		copy(a.block.data[start+delta:end+delta], a.block.data[start:end])
	}

	for entry := idx; entry <= segments; entry++ {
		a.setLayout(entry, a.layout(entry)+delta)
	}

	a.restamp(idx)
}

// moveElementsDown shifts segments [idx, segments) down by delta bytes and zeroes the
// vacated tail
func (a *Allocator) moveElementsDown(idx, delta int) {
	segments := a.Segments()
	base := a.base()

	if idx < segments {
		start := base + a.layout(idx)
		end := base + a.layout(segments)
		copy(a.block.data[start-delta:end-delta], a.block.data[start:end])
		zero(a.block.data[end-delta : end])
	} else {
		end := base + a.layout(segments)
		zero(a.block.data[end-delta : end])
	}

	for entry := idx; entry <= segments; entry++ {
		a.setLayout(entry, a.layout(entry)-delta)
	}

	a.restamp(idx)
}

// restamp rewrites the Allocatable headers of every allocatable segment from idx onward
func (a *Allocator) restamp(idx int) {
	base := a.base()
	for i := idx; i < a.Segments(); i++ {
		if a.blockType(i) == Allocatable && a.elementSize(i) >= AllocatableSize {
			stampAllocatable(a.block.data, base+a.layout(i), a.offset)
		}
	}
}

// CheckBlocks verifies that the segments fit in the declared block size and, for nested
// allocators, that the owning segment in the parent is at least as large as the block size
func (a *Allocator) CheckBlocks() error {
	a.live()
	if a.dataStart()+a.Allocated() > a.BlockSize() {
		return packed.Invariantf("allocator at %d has %d bytes allocated but only %d bytes of client area",
			a.offset, a.Allocated(), a.ClientArea())
	}

	parent, ok := a.parent()
	if !ok {
		if a.offset+a.BlockSize() > len(a.block.data) {
			return packed.Invariantf("top-level allocator block size %d exceeds the %d byte buffer", a.BlockSize(), len(a.block.data))
		}
		return nil
	}

	myIdx, err := parent.FindElement(a.offset)
	if err != nil {
		return errors.Wrapf(err, "nested allocator at %d", a.offset)
	}

	segmentSize := parent.elementSize(myIdx)
	if segmentSize < a.BlockSize() {
		return packed.Invariantf("nested allocator at %d declares block size %d but its segment %d in the parent is %d bytes",
			a.offset, a.BlockSize(), myIdx, segmentSize)
	}

	return nil
}

// Validate performs CheckBlocks and additionally verifies the header sizes and the monotonicity
// of the layout table
func (a *Allocator) Validate() error {
	if !a.IsValid() {
		return packed.ErrStaleView
	}

	layoutBytes := a.LayoutSize()
	if layoutBytes < 2*layoutEntrySize || layoutBytes%int(packed.Alignment) != 0 {
		return packed.Invariantf("allocator at %d has an invalid layout size %d", a.offset, layoutBytes)
	}
	if a.BitmapSize() != packed.RoundUpBits(layoutBytes/layoutEntrySize) {
		return packed.Invariantf("allocator at %d has bitmap size %d but %d layout entries",
			a.offset, a.BitmapSize(), layoutBytes/layoutEntrySize)
	}
	if a.dataStart() > a.BlockSize() {
		return packed.Invariantf("allocator at %d has block size %d smaller than its header", a.offset, a.BlockSize())
	}

	if a.layout(0) != 0 {
		return packed.Invariantf("allocator at %d has first layout entry %d", a.offset, a.layout(0))
	}
	for i := 0; i < a.Segments(); i++ {
		if a.layout(i) > a.layout(i+1) {
			return packed.Invariantf("allocator at %d has decreasing layout at segment %d: %d > %d",
				a.offset, i, a.layout(i), a.layout(i+1))
		}
		if a.layout(i)%int(packed.Alignment) != 0 {
			return packed.Invariantf("allocator at %d has misaligned segment %d at offset %d", a.offset, i, a.layout(i))
		}
	}

	return a.CheckBlocks()
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
