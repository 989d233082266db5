package packed

import (
	cerrors "github.com/cockroachdb/errors"
)

// Alignment is the byte alignment of every segment, block size and structure inside a block
const Alignment uint = 8

type Number interface {
	~int | ~uint | ~int64 | ~uint64 | ~uint32
}

func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	DebugCheckPow2(alignment, "alignment")
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	DebugCheckPow2(alignment, "alignment")
	return value & int(^(alignment - 1))
}

// RoundUpBytes rounds a byte count up to the packed Alignment
func RoundUpBytes(value int) int {
	return AlignUp(value, Alignment)
}

// RoundDownBytes rounds a byte count down to the packed Alignment
func RoundDownBytes(value int) int {
	return AlignDown(value, Alignment)
}

// RoundUpBits returns the number of bytes, rounded up to the packed Alignment, needed to hold
// the provided number of bits
func RoundUpBits(bits int) int {
	return RoundUpBytes(DivUp(bits, 8))
}

func DivUp[T Number](value, divisor T) T {
	return (value + divisor - 1) / divisor
}
