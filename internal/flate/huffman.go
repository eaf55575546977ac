// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package flate

import (
	"fmt"
	"sync"

	"github.com/cosnicolaou/pragzip/internal/bits"
)

// Canonical Huffman decoding tables. Codes are assigned per RFC 1951: shorter
// codes first, ties broken by symbol order. The decode fast path is a single
// lookup keyed by the next maxLen peeked bits (bit-reversed, because DEFLATE
// stores codes MSB-first inside an LSB-first bitstream).

const (
	// MaxCodeLength is the longest Huffman code either main alphabet may use.
	MaxCodeLength = 15

	maxLitLenSymbols  = 286
	maxDistSymbols    = 30
	maxPrecodeSymbols = 19
	maxPrecodeLength  = 7
)

// hTable decodes one symbol per lookup. Entries pack symbol<<4 | codeLength;
// a zero entry marks an impossible bit pattern.
type hTable struct {
	maxLen  int
	entries []uint16
}

// checkLengths verifies that lengths form a canonical Huffman code and
// returns the longest length present. The two permitted degenerate forms are
// the empty alphabet and a single one-bit code; anything else that is over-
// subscribed or bloating fails with ErrInvalidDeflate.
func checkLengths(lengths []uint8) (maxLen int, err error) {
	var counts [MaxCodeLength + 1]int
	nonZero := 0
	for _, l := range lengths {
		if l > MaxCodeLength {
			return 0, fmt.Errorf("%w: code length %d out of range", ErrInvalidDeflate, l)
		}
		if l > 0 {
			counts[l]++
			nonZero++
			if int(l) > maxLen {
				maxLen = int(l)
			}
		}
	}
	if nonZero == 0 {
		return 0, nil
	}
	if nonZero == 1 {
		if maxLen != 1 {
			return 0, fmt.Errorf("%w: bloating single-symbol alphabet", ErrInvalidDeflate)
		}
		return 1, nil
	}
	// Walk the tree level by level: the number of codes on a level may not
	// exceed the unused nodes carried down from the level above, and at the
	// deepest level every node must be used.
	unused := 2
	for l := 1; l <= maxLen; l++ {
		if counts[l] > unused {
			return 0, fmt.Errorf("%w: oversubscribed alphabet", ErrInvalidDeflate)
		}
		unused = (unused - counts[l]) * 2
	}
	if unused != 0 {
		return 0, fmt.Errorf("%w: bloating alphabet", ErrInvalidDeflate)
	}
	return maxLen, nil
}

// canonicalCodes assigns MSB-first canonical codes for lengths and calls
// emit(symbol, code, length) for each coded symbol.
func canonicalCodes(lengths []uint8, maxLen int, emit func(sym int, code uint32, length int)) {
	var counts [MaxCodeLength + 1]uint32
	for _, l := range lengths {
		counts[l]++
	}
	var next [MaxCodeLength + 2]uint32
	code := uint32(0)
	for l := 1; l <= maxLen; l++ {
		code = (code + counts[l-1]) << 1
		next[l] = code
	}
	for sym, l := range lengths {
		if l == 0 {
			continue
		}
		emit(sym, next[l], int(l))
		next[l]++
	}
}

// reverseBits reverses the low n bits of v.
func reverseBits(v uint32, n int) uint32 {
	var r uint32
	for i := 0; i < n; i++ {
		r = r<<1 | v&1
		v >>= 1
	}
	return r
}

// build constructs the lookup table. A nil table (empty alphabet) is valid
// to build but fails on the first decode.
func (t *hTable) build(lengths []uint8) error {
	maxLen, err := checkLengths(lengths)
	if err != nil {
		return err
	}
	t.maxLen = maxLen
	if maxLen == 0 {
		t.entries = nil
		return nil
	}
	t.entries = make([]uint16, 1<<uint(maxLen))
	canonicalCodes(lengths, maxLen, func(sym int, code uint32, length int) {
		entry := uint16(sym)<<4 | uint16(length)
		rev := reverseBits(code, length)
		for filler := uint32(0); filler < 1<<uint(maxLen-length); filler++ {
			t.entries[rev|filler<<uint(length)] = entry
		}
	})
	return nil
}

// decode consumes the next 1..maxLen bits and returns the decoded symbol.
func (t *hTable) decode(rd *bits.Reader) (uint16, error) {
	if t.entries == nil {
		return 0, fmt.Errorf("%w: decode from empty alphabet", ErrInvalidDeflate)
	}
	v, valid, err := rd.Peek(t.maxLen)
	if err != nil {
		return 0, err
	}
	if valid == 0 {
		return 0, ErrUnexpectedEOF
	}
	entry := t.entries[v]
	length := int(entry & 15)
	if length == 0 || length > valid {
		if length == 0 {
			return 0, fmt.Errorf("%w: invalid Huffman code", ErrInvalidDeflate)
		}
		return 0, ErrUnexpectedEOF
	}
	rd.Skip(length)
	return entry >> 4, nil
}

// litLenTable is the literal/length decoding table. In addition to the plain
// symbol lookup it caches a second literal per entry whenever two short
// literal codes fit inside the key together, halving the number of lookups
// on literal-heavy data. When the entry caches a second literal, decode
// returns it alongside the first from the same lookup.
//
// Entry layout (uint32):
//
//	bits  0..3   first code length
//	bits  4..12  first symbol
//	bit   13     second literal cached
//	bits 14..22  second literal
//	bits 23..27  combined length of both codes
type litLenTable struct {
	maxLen  int
	entries []uint32
}

const llDualFlag = 1 << 13

func (t *litLenTable) build(lengths []uint8) error {
	maxLen, err := checkLengths(lengths)
	if err != nil {
		return err
	}
	if maxLen == 0 {
		return fmt.Errorf("%w: empty literal/length alphabet", ErrInvalidDeflate)
	}
	t.maxLen = maxLen
	t.entries = make([]uint32, 1<<uint(maxLen))
	canonicalCodes(lengths, maxLen, func(sym int, code uint32, length int) {
		entry := uint32(sym)<<4 | uint32(length)
		rev := reverseBits(code, length)
		for filler := uint32(0); filler < 1<<uint(maxLen-length); filler++ {
			t.entries[rev|filler<<uint(length)] = entry
		}
	})
	// Second pass: wherever the first symbol is a literal and the remaining
	// key bits resolve another literal completely, cache both.
	if maxLen < 2 {
		return nil
	}
	for key, entry := range t.entries {
		len1 := int(entry & 15)
		sym1 := entry >> 4 & 0x1ff
		if len1 == 0 || sym1 > 255 || len1 >= maxLen {
			continue
		}
		second := t.entries[uint32(key)>>uint(len1)]
		// The shifted key has only maxLen-len1 known bits; the second code
		// must fit entirely within them regardless of the unknown filler.
		len2 := int(second & 15)
		sym2 := second >> 4 & 0x1ff
		if len2 == 0 || len2 > maxLen-len1 || sym2 > 255 {
			continue
		}
		t.entries[key] = uint32(sym1)<<4 | uint32(len1) |
			llDualFlag | uint32(sym2)<<14 | uint32(len1+len2)<<23
	}
	return nil
}

// decode returns the next literal/length symbol and, when the entry carried
// a cached second literal, queues it for the caller.
func (t *litLenTable) decode(rd *bits.Reader) (sym uint16, queued int32, err error) {
	v, valid, err := rd.Peek(t.maxLen)
	if err != nil {
		return 0, -1, err
	}
	if valid == 0 {
		return 0, -1, ErrUnexpectedEOF
	}
	entry := t.entries[v]
	len1 := int(entry & 15)
	if len1 == 0 {
		return 0, -1, fmt.Errorf("%w: invalid Huffman code", ErrInvalidDeflate)
	}
	if entry&llDualFlag != 0 {
		total := int(entry >> 23 & 31)
		if total <= valid {
			rd.Skip(total)
			return uint16(entry >> 4 & 0x1ff), int32(entry >> 14 & 0x1ff), nil
		}
	}
	if len1 > valid {
		return 0, -1, ErrUnexpectedEOF
	}
	rd.Skip(len1)
	return uint16(entry >> 4 & 0x1ff), -1, nil
}

// Fixed Huffman codes (RFC 1951 §3.2.6), built once and shared.
var (
	fixedOnce   sync.Once
	fixedLitLen litLenTable
	fixedDist   hTable
)

func fixedTables() (*litLenTable, *hTable) {
	fixedOnce.Do(func() {
		lengths := make([]uint8, 288)
		for i := 0; i < 144; i++ {
			lengths[i] = 8
		}
		for i := 144; i < 256; i++ {
			lengths[i] = 9
		}
		for i := 256; i < 280; i++ {
			lengths[i] = 7
		}
		for i := 280; i < 288; i++ {
			lengths[i] = 8
		}
		if err := fixedLitLen.build(lengths); err != nil {
			panic(err)
		}
		distLengths := make([]uint8, 32)
		for i := range distLengths {
			distLengths[i] = 5
		}
		if err := fixedDist.build(distLengths); err != nil {
			panic(err)
		}
	})
	return &fixedLitLen, &fixedDist
}
