// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package flate

import (
	"fmt"
	"sync/atomic"

	"github.com/cosnicolaou/pragzip/internal/bits"
)

const (
	// MaxWindowSize is the DEFLATE sliding window: back-references may reach
	// at most this far into previously decoded output.
	MaxWindowSize = 32 * 1024

	// MarkerBase is the first marker value. A 16-bit cell in marker-mode
	// output holds either a byte (< 256) or MarkerBase+k, designating byte k
	// of the unknown 32 KiB initial window (k = 0 is the oldest byte).
	MarkerBase = 256

	// MaxRunLength is the longest back-reference copy.
	MaxRunLength = 258

	endOfBlock = 256

	cancelCheckInterval = 64 * 1024
)

// Block compression types.
const (
	BlockStored  = 0
	BlockFixed   = 1
	BlockDynamic = 2
)

var (
	lengthBase = [29]uint16{
		3, 4, 5, 6, 7, 8, 9, 10, 11, 13, 15, 17, 19, 23, 27, 31,
		35, 43, 51, 59, 67, 83, 99, 115, 131, 163, 195, 227, 258,
	}
	lengthExtra = [29]uint8{
		0, 0, 0, 0, 0, 0, 0, 0, 1, 1, 1, 1, 2, 2, 2, 2,
		3, 3, 3, 3, 4, 4, 4, 4, 5, 5, 5, 5, 0,
	}
	distBase = [30]uint16{
		1, 2, 3, 4, 5, 7, 9, 13, 17, 25, 33, 49, 65, 97, 129, 193,
		257, 385, 513, 769, 1025, 1537, 2049, 3073, 4097, 6145, 8193,
		12289, 16385, 24577,
	}
	distExtra = [30]uint8{
		0, 0, 0, 0, 1, 1, 2, 2, 3, 3, 4, 4, 5, 5, 6, 6,
		7, 7, 8, 8, 9, 9, 10, 10, 11, 11, 12, 12, 13, 13,
	}

	// Order in which precode lengths are stored in a dynamic header.
	precodeOrder = [19]uint8{
		16, 17, 18, 0, 8, 7, 9, 6, 10, 5, 11, 4, 12, 3, 13, 2, 14, 1, 15,
	}
)

// Decoder decodes a run of DEFLATE blocks from a bit reader into a growing
// output buffer. It runs in one of two modes: normal mode, with a known (or
// empty) initial window, producing bytes; or marker mode, with an unknown
// initial window, producing 16-bit cells in which back-references into the
// unknown window yield marker values.
type Decoder struct {
	rd     *bits.Reader
	marker bool

	// Initial window for the first deflate stream (normal mode). May be
	// shorter than MaxWindowSize near the start of a file, or empty at
	// stream start.
	window []byte

	out   []byte   // normal-mode output
	out16 []uint16 // marker-mode output

	// streamStart is the output length at which the current deflate stream
	// began. Back-references never reach behind it except into the initial
	// window of the first stream.
	streamStart int

	litLen litLenTable
	dist   hTable

	cancel         *atomic.Bool
	sinceCancelChk int
}

// NewDecoder returns a Decoder reading from rd. If marker is false,
// initialWindow supplies up to the last 32 KiB preceding the first block
// (nil at stream start); if marker is true initialWindow must be nil and
// back-references into the unknown window produce marker cells.
func NewDecoder(rd *bits.Reader, initialWindow []byte, marker bool) *Decoder {
	if len(initialWindow) > MaxWindowSize {
		initialWindow = initialWindow[len(initialWindow)-MaxWindowSize:]
	}
	return &Decoder{rd: rd, marker: marker, window: initialWindow}
}

// SetCancel installs a flag polled at block boundaries and every ~64 KiB of
// decoded output. Once set, decoding returns ErrCancelled promptly.
func (d *Decoder) SetCancel(flag *atomic.Bool) {
	d.cancel = flag
}

// Out returns the accumulated normal-mode output.
func (d *Decoder) Out() []byte { return d.out }

// Out16 returns the accumulated marker-mode output.
func (d *Decoder) Out16() []uint16 { return d.out16 }

// Len returns the number of decoded output positions so far.
func (d *Decoder) Len() int {
	if d.marker {
		return len(d.out16)
	}
	return len(d.out)
}

// NextStream marks a gzip member boundary: the window resets and subsequent
// back-references may not reach into earlier members.
func (d *Decoder) NextStream() {
	d.streamStart = d.Len()
}

// checkCancelled polls the cancellation flag once at least
// cancelCheckInterval output positions have accumulated since the last poll.
func (d *Decoder) checkCancelled(produced int) error {
	d.sinceCancelChk += produced
	if d.sinceCancelChk < cancelCheckInterval || d.cancel == nil {
		return nil
	}
	d.sinceCancelChk = 0
	if d.cancel.Load() {
		return ErrCancelled
	}
	return nil
}

// DecodeBlock decodes one complete DEFLATE block, appending its output, and
// reports whether it was the final block of its stream.
func (d *Decoder) DecodeBlock() (last bool, err error) {
	if d.cancel != nil && d.cancel.Load() {
		return false, ErrCancelled
	}
	header, err := d.rd.Read(3)
	if err != nil {
		return false, err
	}
	last = header&1 != 0
	switch header >> 1 {
	case BlockStored:
		err = d.decodeStored()
	case BlockFixed:
		ll, dt := fixedTables()
		err = d.decodeCompressed(ll, dt)
	case BlockDynamic:
		if err = d.decodeDynamicHeader(); err == nil {
			err = d.decodeCompressed(&d.litLen, &d.dist)
		}
	default:
		err = fmt.Errorf("%w: reserved block type", ErrInvalidDeflate)
	}
	return last, err
}

func (d *Decoder) decodeStored() error {
	pad, err := d.rd.AlignToByte()
	if err != nil {
		return eofErr(err)
	}
	if pad != 0 {
		return fmt.Errorf("%w: nonzero padding before stored block", ErrInvalidDeflate)
	}
	var lens [4]byte
	if err := d.rd.ReadBytes(lens[:]); err != nil {
		return eofErr(err)
	}
	length := uint16(lens[0]) | uint16(lens[1])<<8
	negated := uint16(lens[2]) | uint16(lens[3])<<8
	if length != ^negated {
		return fmt.Errorf("%w: stored block length check failed", ErrInvalidDeflate)
	}
	if length == 0 {
		return nil
	}
	buf := make([]byte, int(length))
	if err := d.rd.ReadBytes(buf); err != nil {
		return eofErr(err)
	}
	if d.marker {
		for _, b := range buf {
			d.out16 = append(d.out16, uint16(b))
		}
	} else {
		d.out = append(d.out, buf...)
	}
	return d.checkCancelled(int(length))
}

// decodeDynamicHeader validates the precode, then decodes the code-length
// sequences for both alphabets and builds their tables.
func (d *Decoder) decodeDynamicHeader() error {
	counts, err := d.rd.Read(14)
	if err != nil {
		return eofErr(err)
	}
	litCount := int(counts&31) + 257
	distCount := int(counts>>5&31) + 1
	hclen := counts >> 10 & 15
	if litCount > maxLitLenSymbols {
		return fmt.Errorf("%w: literal code count %d out of range", ErrInvalidDeflate, litCount)
	}
	if distCount > maxDistSymbols {
		return fmt.Errorf("%w: distance code count %d out of range", ErrInvalidDeflate, distCount)
	}

	next57, valid, err := d.rd.Peek(57)
	if err != nil {
		return err
	}
	codeLengthCount := int(hclen) + 4
	if valid < codeLengthCount*precodeBits {
		return ErrUnexpectedEOF
	}
	if err := CheckPrecode(hclen, next57); err != nil {
		return err
	}

	var precodeLengths [maxPrecodeSymbols]uint8
	for i := 0; i < codeLengthCount; i++ {
		v, err := d.rd.Read(3)
		if err != nil {
			return eofErr(err)
		}
		precodeLengths[precodeOrder[i]] = uint8(v)
	}
	var precode hTable
	if err := precode.build(precodeLengths[:]); err != nil {
		return err
	}

	var lengths [maxLitLenSymbols + maxDistSymbols]uint8
	total := litCount + distCount
	for i := 0; i < total; {
		sym, err := precode.decode(d.rd)
		if err != nil {
			return err
		}
		switch {
		case sym <= 15:
			lengths[i] = uint8(sym)
			i++
		case sym == 16:
			if i == 0 {
				return fmt.Errorf("%w: repeat with no previous length", ErrInvalidDeflate)
			}
			n, err := d.rd.Read(2)
			if err != nil {
				return eofErr(err)
			}
			repeat := int(n) + 3
			if i+repeat > total {
				return fmt.Errorf("%w: length repeat overruns alphabets", ErrInvalidDeflate)
			}
			prev := lengths[i-1]
			for j := 0; j < repeat; j++ {
				lengths[i] = prev
				i++
			}
		case sym == 17:
			n, err := d.rd.Read(3)
			if err != nil {
				return eofErr(err)
			}
			i += int(n) + 3
		default: // 18
			n, err := d.rd.Read(7)
			if err != nil {
				return eofErr(err)
			}
			i += int(n) + 11
		}
		if i > total {
			return fmt.Errorf("%w: zero-run overruns alphabets", ErrInvalidDeflate)
		}
	}
	if err := d.litLen.build(lengths[:litCount]); err != nil {
		return err
	}
	return d.dist.build(lengths[litCount : litCount+distCount])
}

// append emits one decoded output position.
func (d *Decoder) append(v uint16) {
	if d.marker {
		d.out16 = append(d.out16, v)
	} else {
		d.out = append(d.out, byte(v))
	}
}

// copyBackref copies length positions from distance dist behind the current
// output position, one at a time so that self-overlapping references repeat
// correctly.
func (d *Decoder) copyBackref(dist, length int) error {
	for i := 0; i < length; i++ {
		rel := d.Len() - d.streamStart // positions of the current stream
		if dist <= rel {
			if d.marker {
				d.out16 = append(d.out16, d.out16[len(d.out16)-dist])
			} else {
				d.out = append(d.out, d.out[len(d.out)-dist])
			}
			continue
		}
		// The reference reaches behind the current deflate stream.
		if d.streamStart > 0 {
			return fmt.Errorf("%w: distance %d exceeds window", ErrInvalidDeflate, dist)
		}
		k := dist - rel
		if k > MaxWindowSize {
			return fmt.Errorf("%w: distance %d exceeds window", ErrInvalidDeflate, dist)
		}
		if d.marker {
			d.out16 = append(d.out16, uint16(MarkerBase+MaxWindowSize-k))
			continue
		}
		if k > len(d.window) {
			return fmt.Errorf("%w: distance %d exceeds window", ErrInvalidDeflate, dist)
		}
		d.out = append(d.out, d.window[len(d.window)-k])
	}
	return nil
}

func (d *Decoder) decodeCompressed(litLen *litLenTable, dist *hTable) error {
	for {
		sym, queued, err := litLen.decode(d.rd)
		if err != nil {
			return err
		}
		if sym < 256 {
			d.append(sym)
			n := 1
			if queued >= 0 {
				d.append(uint16(queued))
				n = 2
			}
			if err := d.checkCancelled(n); err != nil {
				return err
			}
			continue
		}
		if sym == endOfBlock {
			return nil
		}
		if sym > 285 {
			return fmt.Errorf("%w: invalid length symbol %d", ErrInvalidDeflate, sym)
		}
		idx := sym - 257
		length := int(lengthBase[idx])
		if n := lengthExtra[idx]; n > 0 {
			extra, err := d.rd.Read(int(n))
			if err != nil {
				return eofErr(err)
			}
			length += int(extra)
		}
		dsym, err := dist.decode(d.rd)
		if err != nil {
			return err
		}
		if dsym >= maxDistSymbols {
			return fmt.Errorf("%w: invalid distance symbol %d", ErrInvalidDeflate, dsym)
		}
		distance := int(distBase[dsym])
		if n := distExtra[dsym]; n > 0 {
			extra, err := d.rd.Read(int(n))
			if err != nil {
				return eofErr(err)
			}
			distance += int(extra)
		}
		if err := d.copyBackref(distance, length); err != nil {
			return err
		}
		if err := d.checkCancelled(length); err != nil {
			return err
		}
	}
}

// ProbeDynamicHeader speculatively parses a block header at the reader's
// current position and reports whether it could start a non-final dynamic
// block: the precode validates and both alphabet tables build. The reader
// position is left wherever parsing stopped; callers are expected to seek.
func ProbeDynamicHeader(rd *bits.Reader) error {
	header, err := rd.Read(3)
	if err != nil {
		return err
	}
	if header&1 != 0 {
		return fmt.Errorf("%w: final block", ErrInvalidDeflate)
	}
	if header>>1 != BlockDynamic {
		return fmt.Errorf("%w: not a dynamic block", ErrInvalidDeflate)
	}
	d := &Decoder{rd: rd, marker: true}
	return d.decodeDynamicHeader()
}
