package packed

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
)

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// ErrOutOfMemory is returned when a growth request cannot be satisfied by any allocator in the
// nesting chain. The block is left unchanged; the caller may enlarge the backing block and retry.
var ErrOutOfMemory error = errors.New("packed allocator is out of memory")

// ErrInvariant marks structural errors: out-of-range arguments, corrupted layouts and failed
// consistency checks. These indicate bugs or data corruption rather than runtime conditions.
var ErrInvariant error = errors.New("packed structure invariant violated")

// ErrNotFound is returned when a position does not belong to any segment of an allocator. Errors
// carrying it are also marked with ErrInvariant.
var ErrNotFound error = errors.New("requested element is not found in this allocator")

// ErrStaleView is the panic value raised when a view into a block is used after a structural
// mutation relocated the block's contents
var ErrStaleView error = errors.New("view was invalidated by a structural mutation of its block")

// OutOfMemoryf builds an error marked with ErrOutOfMemory
func OutOfMemoryf(format string, args ...any) error {
	return cerrors.Mark(cerrors.Newf(format, args...), ErrOutOfMemory)
}

// Invariantf builds an error marked with ErrInvariant
func Invariantf(format string, args ...any) error {
	return cerrors.Mark(cerrors.Newf(format, args...), ErrInvariant)
}

// NotFoundf builds an error marked with both ErrNotFound and ErrInvariant
func NotFoundf(format string, args ...any) error {
	return cerrors.Mark(cerrors.Wrapf(ErrNotFound, format, args...), ErrInvariant)
}
