// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package pragzip

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/cosnicolaou/pragzip/internal/bits"
	"github.com/cosnicolaou/pragzip/internal/flate"
)

// StreamFormat identifies the framing of the compressed input, which in
// turn selects the block-boundary finder.
type StreamFormat int

const (
	// FormatAuto probes the input: BGZF when the first member carries a BC
	// subfield, plain gzip otherwise.
	FormatAuto StreamFormat = iota
	// FormatGzip scans for block boundaries with the generic bit-level
	// finder. Works on any gzip stream; the slowest finder.
	FormatGzip
	// FormatPigz finds the empty stored blocks pigz emits at flush points.
	FormatPigz
	// FormatBgzf hops from member header to member header using the BC
	// extra subfield.
	FormatBgzf
	// FormatRaw treats the input as a bare RFC 1951 stream.
	FormatRaw
)

// blockFinder iterates candidate block entry points as bit offsets, in
// strictly increasing order. Next returns false once the input is
// exhausted, with any terminal error available from the final call.
type blockFinder interface {
	Next() (bitOffset int64, ok bool, err error)
}

// detectFormat resolves FormatAuto against the input's first header.
func detectFormat(src io.ReaderAt) (StreamFormat, error) {
	var hdr [flate.BgzfHeaderSize]byte
	n, err := src.ReadAt(hdr[:], 0)
	if err != nil && err != io.EOF {
		return FormatGzip, err
	}
	if flate.IsBgzfHeader(hdr[:n]) {
		return FormatBgzf, nil
	}
	if n >= 2 && hdr[0] == 0x1f && hdr[1] == 0x8b {
		return FormatGzip, nil
	}
	return FormatGzip, fmt.Errorf("%w: no gzip magic at start of input", ErrInvalidFormat)
}

// firstBlockOffset parses the leading gzip header once and returns the bit
// offset of the stream's first DEFLATE block. Flush markers and candidate
// scans never determine the first block; only the header does.
func firstBlockOffset(src io.ReaderAt, size int64, format StreamFormat) (int64, error) {
	if format == FormatRaw {
		return 0, nil
	}
	rd := bits.NewReader(src, size)
	if _, err := flate.ParseGzipHeader(rd); err != nil {
		return 0, err
	}
	return rd.Tell(), nil
}

// The generic finder peeks 13 bits at every offset — the final-block bit,
// the 2-bit type, and the HLIT/HDIST counters of a would-be dynamic block —
// and consults a table giving the number of bits that can be skipped before
// the next position that could plausibly start a non-final dynamic block.
// Candidates that survive the table are checked by parsing the full dynamic
// header, precode validation included.

const skipLUTBits = 13

var (
	skipLUTOnce sync.Once
	skipLUT     [1 << skipLUTBits]uint8
)

// couldStartDynamicBlock tests the known low n bits of a window against the
// shape of a non-final dynamic block header; unknown bits are assumed
// favourable.
func couldStartDynamicBlock(v uint32, n int) bool {
	if n >= 1 && v&1 != 0 {
		return false // final block
	}
	if n >= 2 && v>>1&1 != 0 {
		return false // type 0b?1: fixed or reserved
	}
	if n >= 3 && v>>2&1 != 1 {
		return false // type 0b0?: not dynamic
	}
	if n >= 8 && v>>3&31 > 29 {
		return false // HLIT exceeds 286 symbols
	}
	if n >= 13 && v>>8&31 > 29 {
		return false // HDIST exceeds 30 symbols
	}
	return true
}

func initSkipLUT() {
	skipLUTOnce.Do(func() {
		for p := range skipLUT {
			k := 0
			for ; k < skipLUTBits; k++ {
				if couldStartDynamicBlock(uint32(p)>>k, skipLUTBits-k) {
					break
				}
			}
			skipLUT[p] = uint8(k)
		}
	})
}

type genericFinder struct {
	rd    *bits.Reader
	first int64
	pos   int64 // next bit offset to inspect
	begun bool
	done  bool
}

func newGenericFinder(src io.ReaderAt, size, first int64) *genericFinder {
	initSkipLUT()
	return &genericFinder{rd: bits.NewReader(src, size), first: first, pos: first + 1}
}

func (f *genericFinder) Next() (int64, bool, error) {
	if f.done {
		return 0, false, nil
	}
	if !f.begun {
		f.begun = true
		return f.first, true, nil
	}
	for {
		f.rd.Seek(f.pos)
		v, valid, err := f.rd.Peek(skipLUTBits)
		if err != nil {
			f.done = true
			return 0, false, err
		}
		if valid < skipLUTBits {
			// Too close to the end of input for a dynamic block header.
			f.done = true
			return 0, false, nil
		}
		if skip := skipLUT[v]; skip > 0 {
			f.pos += int64(skip)
			continue
		}
		f.rd.Seek(f.pos)
		if err := flate.ProbeDynamicHeader(f.rd); err == nil {
			offset := f.pos
			f.pos++
			return offset, true, nil
		}
		f.pos++
	}
}

// The pigz finder searches for the 35-bit flush signature: a non-final
// stored block of length zero, i.e. three zero bits, zero padding to the
// byte boundary, then the bytes 00 00 FF FF. The byte-aligned tail makes a
// plain substring search possible; the three header bits and the padding
// are verified on the byte preceding each hit.

var pigzMagic = []byte{0x00, 0x00, 0xff, 0xff}

const pigzScanBuffer = 32 * 1024

type pigzFinder struct {
	src   io.ReaderAt
	size  int64
	first int64
	begun bool
	done  bool

	scanOff int64   // file offset of the next unscanned byte
	overlap []byte  // trailing bytes of the previous buffer
	pending []int64 // discovered candidates not yet returned
}

func newPigzFinder(src io.ReaderAt, size, first int64) *pigzFinder {
	return &pigzFinder{src: src, size: size, first: first, scanOff: first / 8}
}

func (f *pigzFinder) Next() (int64, bool, error) {
	if f.done {
		return 0, false, nil
	}
	if !f.begun {
		f.begun = true
		return f.first, true, nil
	}
	for len(f.pending) == 0 {
		if f.size >= 0 && f.scanOff >= f.size {
			f.done = true
			return 0, false, nil
		}
		if err := f.scanMore(); err != nil {
			f.done = true
			return 0, false, err
		}
	}
	offset := f.pending[0]
	f.pending = f.pending[1:]
	return offset, true, nil
}

// scanMore reads the next buffer, prepends the retained overlap so that a
// signature straddling the buffer boundary is still found, and collects
// candidates.
func (f *pigzFinder) scanMore() error {
	n := int64(pigzScanBuffer)
	if f.size >= 0 && f.scanOff+n > f.size {
		n = f.size - f.scanOff
	}
	buf := make([]byte, len(f.overlap)+int(n))
	copy(buf, f.overlap)
	m, err := f.src.ReadAt(buf[len(f.overlap):], f.scanOff)
	if err != nil && err != io.EOF {
		return err
	}
	if int64(m) < n {
		// Discovered the end of a source of unknown size.
		buf = buf[:len(f.overlap)+m]
		n = int64(m)
		if f.size < 0 {
			f.size = f.scanOff + n
		}
	}
	base := f.scanOff - int64(len(f.overlap))

	for idx := 0; ; {
		i := bytes.Index(buf[idx:], pigzMagic)
		if i < 0 {
			break
		}
		pos := idx + i
		idx = pos + 1
		if pos == 0 {
			continue // need the preceding byte to verify header bits
		}
		// The three block-header bits and the padding before the aligned
		// tail are all zero, so at least the top three bits of the
		// preceding byte must be clear.
		if buf[pos-1]&0xe0 != 0 {
			continue
		}
		offset := (base + int64(pos) + int64(len(pigzMagic))) * 8
		if offset <= f.first || f.size >= 0 && offset >= f.size*8 {
			continue
		}
		f.pending = append(f.pending, offset)
	}

	f.scanOff += n
	keep := len(pigzMagic)
	if len(buf) < keep {
		keep = len(buf)
	}
	f.overlap = append(f.overlap[:0], buf[len(buf)-keep:]...)
	return nil
}

// The BGZF finder walks member headers: each 18-byte header carries the
// member's total compressed size, so the next header is a single hop away.
// It publishes the bit offset immediately after each header, which is where
// the member's DEFLATE data begins.
type bgzfFinder struct {
	src  io.ReaderAt
	size int64
	off  int64 // byte offset of the next member header
	done bool
}

func newBgzfFinder(src io.ReaderAt, size int64) *bgzfFinder {
	return &bgzfFinder{src: src, size: size}
}

func (f *bgzfFinder) Next() (int64, bool, error) {
	if f.done || f.size >= 0 && f.off >= f.size {
		f.done = true
		return 0, false, nil
	}
	var hdr [flate.BgzfHeaderSize]byte
	if n, err := f.src.ReadAt(hdr[:], f.off); err != nil {
		f.done = true
		if err == io.EOF {
			if n == 0 {
				// Clean end of a source of unknown size.
				return 0, false, nil
			}
			return 0, false, fmt.Errorf("%w: truncated BGZF member header", ErrUnexpectedEOF)
		}
		return 0, false, err
	}
	bsize, err := flate.BgzfBlockSize(hdr[:])
	if err != nil {
		f.done = true
		return 0, false, err
	}
	offset := (f.off + flate.BgzfHeaderSize) * 8
	f.off += int64(bsize)
	return offset, true, nil
}

// ScanBlocks runs the block finder for the given format over the input and
// calls visit for every candidate block entry point, in increasing
// bit-offset order, until visit returns false or the input is exhausted.
// It is intended for inspection tooling.
func ScanBlocks(src io.ReaderAt, size int64, format StreamFormat, visit func(bitOffset int64) bool) error {
	if format == FormatAuto {
		var err error
		if format, err = detectFormat(src); err != nil {
			return err
		}
	}
	first, err := firstBlockOffset(src, size, format)
	if err != nil {
		return err
	}
	finder := newBlockFinder(src, size, format, first)
	for {
		offset, ok, err := finder.Next()
		if err != nil {
			return err
		}
		if !ok || !visit(offset) {
			return nil
		}
	}
}

// ParseFormat maps a format name (auto, gzip, pigz, bgzf, raw) to its
// StreamFormat.
func ParseFormat(name string) (StreamFormat, error) {
	switch name {
	case "", "auto":
		return FormatAuto, nil
	case "gzip":
		return FormatGzip, nil
	case "pigz":
		return FormatPigz, nil
	case "bgzf":
		return FormatBgzf, nil
	case "raw":
		return FormatRaw, nil
	}
	return FormatAuto, fmt.Errorf("unknown input format: %q", name)
}

// newBlockFinder constructs the finder for the resolved format.
func newBlockFinder(src io.ReaderAt, size int64, format StreamFormat, first int64) blockFinder {
	switch format {
	case FormatBgzf:
		return newBgzfFinder(src, size)
	case FormatPigz:
		return newPigzFinder(src, size, first)
	default:
		return newGenericFinder(src, size, first)
	}
}
