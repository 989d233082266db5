package allocmap

import "math/bits"

const wordBits = 64

func getBit(words []uint64, idx int) int {
	return int(words[idx/wordBits]>>(idx%wordBits)) & 1
}

// wordMask returns the mask of bits [start, stop) within a single word, 0 <= start < stop <= 64
func wordMask(start, stop int) uint64 {
	if stop-start == wordBits {
		return ^uint64(0)
	}
	return ((uint64(1) << (stop - start)) - 1) << start
}

// forEachWord calls fn with the word index and the mask of bits covered by [start, stop)
func forEachWord(start, stop int, fn func(word int, mask uint64)) {
	for start < stop {
		word := start / wordBits
		offset := start % wordBits
		end := wordBits
		if remaining := stop - word*wordBits; remaining < end {
			end = remaining
		}

		fn(word, wordMask(offset, end))
		start = word*wordBits + end
	}
}

func fillOne(words []uint64, start, stop int) {
	forEachWord(start, stop, func(word int, mask uint64) {
		words[word] |= mask
	})
}

func fillZero(words []uint64, start, stop int) {
	forEachWord(start, stop, func(word int, mask uint64) {
		words[word] &^= mask
	})
}

// popCount counts the set bits in [start, stop)
func popCount(words []uint64, start, stop int) int {
	count := 0
	forEachWord(start, stop, func(word int, mask uint64) {
		count += bits.OnesCount64(words[word] & mask)
	})
	return count
}

// countZeroRun returns the number of consecutive zero bits starting at start, not looking
// past stop
func countZeroRun(words []uint64, start, stop int) int {
	pos := start
	for pos < stop {
		word := pos / wordBits
		offset := pos % wordBits
		run := bits.TrailingZeros64(words[word] >> offset)
		if run > wordBits-offset {
			run = wordBits - offset
		}

		pos += run
		if pos >= stop {
			return stop - start
		}
		if offset+run < wordBits {
			return pos - start
		}
	}
	return stop - start
}

// selectZero finds the rank-th (1-based) zero bit in [start, stop). It returns the bit position
// and rank when found, or stop and the number of zeros in the range when not.
func selectZero(words []uint64, start, stop, rank int) (int, int) {
	seen := 0
	pos := start
	for pos < stop {
		word := pos / wordBits
		offset := pos % wordBits
		end := wordBits
		if remaining := stop - word*wordBits; remaining < end {
			end = remaining
		}

		zeros := ^words[word] & wordMask(offset, end)
		count := bits.OnesCount64(zeros)
		if seen+count >= rank {
			for needed := rank - seen; needed > 1; needed-- {
				zeros &= zeros - 1
			}
			return word*wordBits + bits.TrailingZeros64(zeros), rank
		}

		seen += count
		pos = word*wordBits + end
	}

	return stop, seen
}

// gatherBits ORs each adjacent pair of bits in a word and packs the 32 results into the low
// half of the result
func gatherBits(word uint64) uint64 {
	x := (word | word>>1) & 0x5555555555555555
	x = (x | x>>1) & 0x3333333333333333
	x = (x | x>>2) & 0x0F0F0F0F0F0F0F0F
	x = (x | x>>4) & 0x00FF00FF00FF00FF
	x = (x | x>>8) & 0x0000FFFF0000FFFF
	x = (x | x>>16) & 0x00000000FFFFFFFF
	return x
}
