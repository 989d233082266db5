package allocator

import (
	"reflect"
	"unsafe"

	"github.com/vkngwrapper/arsenal/packed"
)

// Ref is a typed reference to the start of a segment. Ptr panics with packed.ErrStaleView if the
// block was structurally mutated after the reference was obtained.
type Ref[T any] struct {
	block    *Block
	gen      uint64
	position int
}

// Ptr returns a pointer to the referenced value. The pointer must not be retained across
// structural mutations of the block.
func (r Ref[T]) Ptr() *T {
	if r.block == nil || r.gen != r.block.gen {
		panic(packed.ErrStaleView)
	}
	return (*T)(unsafe.Pointer(&r.block.data[r.position]))
}

// IsValid reports whether Ptr may be called
func (r Ref[T]) IsValid() bool {
	return r.block != nil && r.gen == r.block.gen
}

// ArrayRef is a typed reference to a whole segment viewed as an array of T
type ArrayRef[T any] struct {
	block    *Block
	gen      uint64
	position int
	length   int
}

// Len returns the number of elements that fit in the segment
func (r ArrayRef[T]) Len() int { return r.length }

// Slice returns the segment as a slice of T. The slice must not be retained across structural
// mutations of the block.
func (r ArrayRef[T]) Slice() []T {
	if r.block == nil || r.gen != r.block.gen {
		panic(packed.ErrStaleView)
	}
	if r.length == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&r.block.data[r.position])), r.length)
}

// IsValid reports whether Slice may be called
func (r ArrayRef[T]) IsValid() bool {
	return r.block != nil && r.gen == r.block.gen
}

// checkPlain panics if T cannot live inside a block: types holding Go pointers would hide
// references from the garbage collector, and types aligned beyond 8 bytes cannot be placed at
// segment starts.
func checkPlain[T any]() int {
	var zero T
	t := reflect.TypeOf(&zero).Elem()
	if hasPointers(t) {
		panic(packed.Invariantf("type %s contains pointers and cannot be stored in a packed block", t))
	}
	if t.Align() > int(packed.Alignment) {
		panic(packed.Invariantf("type %s requires %d byte alignment, more than the packed alignment %d", t, t.Align(), packed.Alignment))
	}
	return int(t.Size())
}

func hasPointers(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return false
	case reflect.Array:
		return t.Len() > 0 && hasPointers(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if hasPointers(t.Field(i).Type) {
				return true
			}
		}
		return false
	}
	return true
}

// Get returns a typed reference to the start of segment idx. It panics if T holds pointers or
// the segment is smaller than T.
func Get[T any](a *Allocator, idx int) Ref[T] {
	size := checkPlain[T]()
	d := a.Describe(idx)
	if d.size < size {
		panic(packed.Invariantf("segment %d is %d bytes, too small for a %d byte value", idx, d.size, size))
	}

	return Ref[T]{block: a.block, gen: a.block.gen, position: d.position}
}

// GetArray returns a typed reference to segment idx viewed as an array of T
func GetArray[T any](a *Allocator, idx int) ArrayRef[T] {
	size := checkPlain[T]()
	d := a.Describe(idx)

	length := 0
	if size > 0 {
		length = d.size / size
	}
	return ArrayRef[T]{block: a.block, gen: a.block.gen, position: d.position, length: length}
}

// AllocateValue allocates segment idx as zeroed RawMemory large enough for one T
func AllocateValue[T any](a *Allocator, idx int) (Ref[T], error) {
	size := checkPlain[T]()
	_, err := a.Allocate(idx, size, RawMemory)
	if err != nil {
		return Ref[T]{}, err
	}
	return Get[T](a, idx), nil
}

// AllocateArray allocates segment idx as zeroed RawMemory large enough for length values of T
func AllocateArray[T any](a *Allocator, idx, length int) (ArrayRef[T], error) {
	size := checkPlain[T]()
	_, err := a.Allocate(idx, size*length, RawMemory)
	if err != nil {
		return ArrayRef[T]{}, err
	}

	ref := GetArray[T](a, idx)
	ref.length = length
	return ref, nil
}

// PackedStruct is implemented by structures that live in an Allocatable segment as a nested
// allocator. The Allocate* helpers reserve the segment and then hand the nested allocator to
// one of the Init methods.
type PackedStruct interface {
	// EmptySize returns the size of the structure with no contents
	EmptySize() int
	// DefaultSize returns the size the structure would like to occupy when available bytes are
	// free in the host
	DefaultSize(available int) int

	// Init lays out the structure to fill blockSize bytes
	Init(alloc *Allocator, blockSize int) error
	// InitEmpty lays out the structure at its empty size
	InitEmpty(alloc *Allocator) error
	// InitDefault lays out the structure at its default size
	InitDefault(alloc *Allocator, blockSize int) error
}

func (a *Allocator) allocateNested(idx, size int) (*Allocator, int, error) {
	d, err := a.Allocate(idx, size, Allocatable)
	if err != nil {
		return nil, 0, err
	}

	nested, err := a.Nested(idx)
	if err != nil {
		return nil, 0, err
	}
	return nested, d.Size(), nil
}

// AllocateStruct reserves size bytes in segment idx and initializes s to fill them. The
// returned allocator is the structure's own allocator.
func (a *Allocator) AllocateStruct(idx, size int, s PackedStruct) (*Allocator, error) {
	nested, blockSize, err := a.allocateNested(idx, size)
	if err != nil {
		return nil, err
	}

	err = s.Init(nested, blockSize)
	a.refresh()
	if err != nil {
		return nil, err
	}
	return nested, nil
}

// AllocateEmpty reserves the empty size of s in segment idx and initializes it empty
func (a *Allocator) AllocateEmpty(idx int, s PackedStruct) (*Allocator, error) {
	nested, _, err := a.allocateNested(idx, s.EmptySize())
	if err != nil {
		return nil, err
	}

	err = s.InitEmpty(nested)
	a.refresh()
	if err != nil {
		return nil, err
	}
	return nested, nil
}

// AllocateDefault reserves the default size of s, given this allocator's free space, in segment
// idx and initializes it
func (a *Allocator) AllocateDefault(idx int, s PackedStruct) (*Allocator, error) {
	a.live()
	nested, blockSize, err := a.allocateNested(idx, s.DefaultSize(a.FreeSpace()))
	if err != nil {
		return nil, err
	}

	err = s.InitDefault(nested, blockSize)
	a.refresh()
	if err != nil {
		return nil, err
	}
	return nested, nil
}

// AllocateAllocator creates an empty nested allocator with the requested number of segments in
// segment idx
func (a *Allocator) AllocateAllocator(idx, segments int) (*Allocator, error) {
	nested, blockSize, err := a.allocateNested(idx, EmptySize(segments))
	if err != nil {
		return nil, err
	}

	err = nested.Init(blockSize, segments)
	a.refresh()
	if err != nil {
		return nil, err
	}
	return nested, nil
}
