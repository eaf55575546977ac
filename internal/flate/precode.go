// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package flate

import (
	"fmt"
	"sync"
)

// Precode validation. This is the hot filter run once per candidate block
// offset: it rejects dynamic-Huffman block headers whose 19-symbol precode
// cannot form a canonical Huffman code, using only the 4 HCLEN bits and the
// following 57 bits of 3-bit code-length codes, before any table is built.
//
// The histogram of code-length frequencies is accumulated in a packed uint64
// (5 bits per frequency, frequency of length L at bit L*5, count of nonzero
// lengths in the low 5 bits) by summing precomputed partial histograms of 4
// precode values at a time. The packed counts of lengths 1..5 are then looked
// up in a 2^25-entry validity bitset; lengths 6 and 7 and the exact
// subscription checks run as a short loop afterwards.

const (
	precodeBits = 3 // each code length is encoded in 3 bits
	freqBits    = 5 // histogram bin width

	// Values cached per partial-histogram lookup: 4 values of 3 bits form a
	// 12-bit key.
	histChunkValues = 4
	histChunkBits   = histChunkValues * precodeBits

	// Histogram bins covered by the validity bitset (lengths 1..5).
	validLUTLengths = 5
	validLUTBits    = freqBits * validLUTLengths
)

var (
	precodeOnce sync.Once

	// histLUT maps 4 packed 3-bit code lengths to their partial histogram.
	histLUT [1 << histChunkBits]uint64

	// validLUT is a bitset over the packed frequencies of code lengths 1..5.
	// A set bit marks a histogram prefix that can still form (or already
	// forms) a canonical Huffman code.
	validLUT [1 << validLUTBits / 64]uint64
)

func initHistLUT() {
	for key := range histLUT {
		var h uint64
		for i := 0; i < histChunkValues; i++ {
			v := key >> (i * precodeBits) & (1<<precodeBits - 1)
			if v == 0 {
				continue
			}
			h += 1 << uint(v*freqBits)
			h++ // nonzero count in the low bits
		}
		histLUT[key] = h
	}
}

// markValid walks the Huffman tree level by level, enumerating every
// frequency prefix of lengths 1..depth that is either already a complete
// code or can still be completed by deeper levels, and sets its bit.
// remaining is the number of symbols not yet assigned a length; free is the
// number of unused tree nodes on the current level.
func markValid(depth int, remaining, free uint32, packed uint64) {
	for count := uint32(0); count <= remaining && count <= free; count++ {
		newFree := (free - count) * 2
		newRemaining := remaining - count
		h := packed | uint64(count)<<uint((depth-1)*freqBits)
		if depth == 1 && count == 1 {
			// A single one-bit code is a permitted degenerate form.
			validLUT[h/64] |= 1 << (h % 64)
		}
		if depth == validLUTLengths {
			// Lengths 6 and 7 are checked exactly later; here it suffices
			// that the free nodes could still be filled by the remaining
			// symbols, which filters bloating prefixes.
			if newFree <= newRemaining {
				validLUT[h/64] |= 1 << (h % 64)
			}
			continue
		}
		if count == free {
			// Tree is saturated; deeper levels must be empty, and the
			// histogram with all deeper counts zero is exactly h.
			validLUT[h/64] |= 1 << (h % 64)
			continue
		}
		markValid(depth+1, newRemaining, newFree, h)
	}
}

func initPrecode() {
	precodeOnce.Do(func() {
		initHistLUT()
		markValid(1, maxPrecodeSymbols, 2, 0)
	})
}

// precodeHistogram sums five partial-histogram lookups over the peeked
// code-length bits. codeLengths must already be masked to the HCLEN-derived
// count; the trailing lookup needs no mask because a 57-bit value shifted by
// 48 leaves fewer key bits than the table covers.
func precodeHistogram(codeLengths uint64) uint64 {
	const mask = 1<<histChunkBits - 1
	return histLUT[codeLengths&mask] +
		histLUT[codeLengths>>histChunkBits&mask] +
		histLUT[codeLengths>>(2*histChunkBits)&mask] +
		histLUT[codeLengths>>(3*histChunkBits)&mask] +
		histLUT[codeLengths>>(4*histChunkBits)]
}

// CheckPrecode validates a dynamic-block precode given the 4 HCLEN bits and
// the 57 bits that follow them. It returns nil exactly when the encoded
// code-length sequence forms a canonical Huffman code, including the
// degenerate single one-bit code; an empty precode is rejected. Every
// rejection is ErrInvalidPrecode. It never reads
// from the stream.
func CheckPrecode(hclen uint64, next57 uint64) error {
	initPrecode()
	codeLengthCount := 4 + hclen
	codeLengths := next57
	if n := uint(codeLengthCount * precodeBits); n < 64 {
		codeLengths &= 1<<n - 1
	}
	hist := precodeHistogram(codeLengths)

	// First stage: bitset over the frequencies of lengths 1..5, skipping the
	// nonzero count in the low 5 bits.
	prefix := hist >> freqBits
	idx := prefix / 64 & (1<<(validLUTBits-6) - 1)
	if validLUT[idx]&(1<<(prefix%64)) == 0 {
		return fmt.Errorf("%w: invalid code length histogram", ErrInvalidPrecode)
	}

	nonZero := hist & (1<<freqBits - 1)

	// Second stage: exact walk over all seven levels. Frequencies of length
	// 0 are never checked; unused symbols simply do not appear. The packed
	// adds cannot overflow into a false accept: each bin holds 5 bits and at
	// most 20 values (19 precode slots plus mask padding) contribute.
	invalid := false
	unused := uint64(2)
	for l := 1; l <= maxPrecodeLength; l++ {
		freq := hist >> uint(l*freqBits) & (1<<freqBits - 1)
		if freq > unused {
			invalid = true
			break
		}
		unused = (unused - freq) * 2
	}
	if invalid {
		return fmt.Errorf("%w: oversubscribed precode", ErrInvalidPrecode)
	}

	// Completeness. After walking 7 levels a lone one-bit code leaves its
	// single unused node doubled 7 times, i.e. 1<<7 == 128 unused slots; this is the power-of-two special case for a nonzero
	// count of one. All other nonempty codes must use the tree fully.
	switch {
	case nonZero == 0:
		return fmt.Errorf("%w: empty precode alphabet", ErrInvalidPrecode)
	case nonZero == 1 && unused != 1<<maxPrecodeLength:
		return fmt.Errorf("%w: bloating precode", ErrInvalidPrecode)
	case nonZero > 1 && unused != 0:
		return fmt.Errorf("%w: bloating precode", ErrInvalidPrecode)
	}
	return nil
}
