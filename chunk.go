// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package pragzip

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	kflate "github.com/klauspost/compress/flate"

	"github.com/cosnicolaou/pragzip/internal/bits"
	"github.com/cosnicolaou/pragzip/internal/flate"
)

// BlockBoundary identifies the start of a DEFLATE block: a bit offset into
// the compressed stream paired with the matching decoded byte offset. Within
// a Chunk the decoded offset is relative to the chunk's first decoded byte.
type BlockBoundary struct {
	CompressedBitOffset int64
	DecodedOffset       int64
}

// StreamFooter records a gzip member trailer encountered inside a chunk.
// DecodedOffset is the chunk-relative offset at which the member's data
// ends; CRC32 and ISize are the footer fields to verify against.
type StreamFooter struct {
	DecodedOffset int64
	CRC32         uint32
	ISize         uint32
}

// Chunk is the unit of parallel work: the decoded output of a contiguous
// run of DEFLATE blocks. A chunk decoded without a known initial window
// holds 16-bit cells in Data16 and NeedsResolution set; resolution against
// the predecessor's window converts it to Data.
type Chunk struct {
	StartBit int64
	EndBit   int64

	Data            []byte
	Data16          []uint16
	NeedsResolution bool

	// Boundaries lists the DEFLATE block starts crossed inside the chunk,
	// in strictly increasing order. The chunk's own start is not included;
	// the final entry, when the chunk did not hit end of input, equals
	// (EndBit, DecodedSize()).
	Boundaries []BlockBoundary
	Footers    []StreamFooter
	EOF        bool

	// Set once the chunk is placed in the output by the fetcher.
	decodedStart int64

	// window is the 32 KiB (or shorter, near stream start) of output
	// preceding the chunk's end, for seeding the successor. Valid only once
	// NeedsResolution is false.
	window []byte

	// used marks which predecessor-window bytes resolution dereferenced.
	used *usedWindowBitmap
}

// DecodedSize returns the chunk's decoded length in bytes.
func (c *Chunk) DecodedSize() int64 {
	if c.NeedsResolution {
		return int64(len(c.Data16))
	}
	return int64(len(c.Data))
}

// resolve replaces the chunk's marker cells with bytes from the predecessor
// window. It is idempotent and records the set of window positions used.
func (c *Chunk) resolve(window []byte) error {
	if !c.NeedsResolution {
		return nil
	}
	used := new(usedWindowBitmap)
	data, err := resolveMarkers(c.Data16, window, used)
	if err != nil {
		return err
	}
	c.Data = data
	c.Data16 = nil
	c.NeedsResolution = false
	c.used = used
	c.window = windowAfter(window, data)
	return nil
}

// Subchunk is a block-aligned sub-range of a finalized chunk, used as an
// index granule. Offsets are relative to the chunk.
type Subchunk struct {
	CompressedBitOffset int64
	DecodedOffset       int64
	CompressedBits      int64
	DecodedSize         int64
}

// Split partitions the chunk at its inner block boundaries into subchunks
// of roughly target decoded bytes. Boundaries are taken greedily: a split
// happens at the first boundary at which the running subchunk meets the
// target. Splitting never divides a block, so subchunks may exceed target
// by up to one block.
func (c *Chunk) Split(target int64) []Subchunk {
	var subs []Subchunk
	startBit, startDec := c.StartBit, int64(0)
	for _, b := range c.Boundaries {
		if b.DecodedOffset-startDec < target {
			continue
		}
		subs = append(subs, Subchunk{
			CompressedBitOffset: startBit,
			DecodedOffset:       startDec,
			CompressedBits:      b.CompressedBitOffset - startBit,
			DecodedSize:         b.DecodedOffset - startDec,
		})
		startBit, startDec = b.CompressedBitOffset, b.DecodedOffset
	}
	if startBit < c.EndBit || len(subs) == 0 {
		if startDec == c.DecodedSize() && len(subs) > 0 {
			// Trailing blocks that decode to nothing join the last subchunk.
			last := &subs[len(subs)-1]
			last.CompressedBits = c.EndBit - last.CompressedBitOffset
		} else {
			subs = append(subs, Subchunk{
				CompressedBitOffset: startBit,
				DecodedOffset:       startDec,
				CompressedBits:      c.EndBit - startBit,
				DecodedSize:         c.DecodedSize() - startDec,
			})
		}
	}
	return subs
}

// chunkConfig carries the inputs of a single chunk decode.
type chunkConfig struct {
	format StreamFormat
	target int64 // decoded-byte budget; bounds the chunk when untilBit is zero

	// untilBit, when nonzero, ends the chunk at the first block boundary at
	// or past this compressed bit offset. All concurrently decoded chunks
	// share the same tiling of such offsets, so adjacent chunks meet
	// exactly.
	untilBit int64

	// hardCap bounds the decoded size even under untilBit, protecting
	// against extreme compression ratios. Zero means no cap.
	hardCap int64

	// window seeds the decoder when known; marker selects speculative mode
	// with an unknown window. window must be nil when marker is set.
	window []byte
	marker bool

	cancel *atomic.Bool
}

// chunkDone reports whether a chunk ending at the given block boundary is
// complete under cfg's stopping rule.
func (cfg *chunkConfig) chunkDone(bitOffset, decoded int64) bool {
	if cfg.hardCap > 0 && decoded >= cfg.hardCap {
		return true
	}
	if cfg.untilBit > 0 {
		return bitOffset >= cfg.untilBit
	}
	return decoded >= cfg.target
}

// decodeChunk decodes a run of DEFLATE blocks starting at the bit offset at
// which rd is positioned, following gzip stream framing across member
// boundaries. It stops at the first block boundary at which cfg.chunkDone
// holds, at end of input, or on cancellation.
func decodeChunk(rd *bits.Reader, cfg chunkConfig) (*Chunk, error) {
	chunk := &Chunk{StartBit: rd.Tell()}
	dec := flate.NewDecoder(rd, cfg.window, cfg.marker)
	if cfg.cancel != nil {
		dec.SetCancel(cfg.cancel)
	}
	for {
		last, err := dec.DecodeBlock()
		if err != nil {
			if err == io.EOF && dec.Len() == 0 && len(chunk.Boundaries) == 0 {
				// A candidate pointing at the very end of input.
				chunk.EOF = true
				break
			}
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				err = fmt.Errorf("%w: input ended mid-block", ErrUnexpectedEOF)
			}
			return nil, err
		}
		if last {
			if cfg.format == FormatRaw {
				chunk.EOF = true
				chunk.Boundaries = append(chunk.Boundaries, BlockBoundary{rd.Tell(), int64(dec.Len())})
				break
			}
			footer, err := flate.ParseGzipFooter(rd)
			if err != nil {
				return nil, err
			}
			chunk.Footers = append(chunk.Footers, StreamFooter{
				DecodedOffset: int64(dec.Len()),
				CRC32:         footer.CRC32,
				ISize:         footer.ISize,
			})
			if atEndOfInput(rd) {
				chunk.EOF = true
				chunk.Boundaries = append(chunk.Boundaries, BlockBoundary{rd.Tell(), int64(dec.Len())})
				break
			}
			if _, err := flate.ParseGzipHeader(rd); err != nil {
				return nil, err
			}
			dec.NextStream()
		}
		chunk.Boundaries = append(chunk.Boundaries, BlockBoundary{rd.Tell(), int64(dec.Len())})
		if cfg.chunkDone(rd.Tell(), int64(dec.Len())) {
			break
		}
	}
	chunk.EndBit = rd.Tell()
	if cfg.marker {
		chunk.Data16 = dec.Out16()
		chunk.NeedsResolution = true
	} else {
		chunk.Data = dec.Out()
		chunk.window = windowAfter(cfg.window, chunk.Data)
	}
	return chunk, nil
}

// atEndOfInput reports whether no bytes remain at the reader's position.
func atEndOfInput(rd *bits.Reader) bool {
	_, valid, err := rd.Peek(8)
	return err == nil && valid == 0
}

// decodeChunkBgzf decodes a run of BGZF members starting at the given block
// bit offset using the klauspost inflate as the decoding engine. BGZF
// members are fully flushed, so no initial window or marker phase is ever
// needed and each member is byte aligned with a known compressed size,
// which is exactly the situation the external inflate handles well. Driving
// the reader to io.EOF makes it consume the final end-of-block symbol, so
// the bit position after the member is exact.
func decodeChunkBgzf(src io.ReaderAt, srcSize int64, startBit int64, cfg chunkConfig) (*Chunk, error) {
	chunk := &Chunk{StartBit: startBit}
	blockStart := startBit / 8
	var out []byte
	for {
		headerOff := blockStart - flate.BgzfHeaderSize
		var hdr [flate.BgzfHeaderSize]byte
		if _, err := src.ReadAt(hdr[:], headerOff); err != nil {
			return nil, fmt.Errorf("%w: truncated BGZF header", ErrUnexpectedEOF)
		}
		bsize, err := flate.BgzfBlockSize(hdr[:])
		if err != nil {
			return nil, err
		}
		payload := int64(bsize) - flate.BgzfHeaderSize - 8
		if payload < 0 {
			return nil, fmt.Errorf("%w: BGZF block size %d too small", ErrInvalidFormat, bsize)
		}
		compressed := make([]byte, payload)
		if _, err := src.ReadAt(compressed, blockStart); err != nil {
			return nil, fmt.Errorf("%w: truncated BGZF block", ErrUnexpectedEOF)
		}
		zr := kflate.NewReader(newByteReader(compressed))
		data, err := io.ReadAll(zr)
		zr.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDeflate, err)
		}
		out = append(out, data...)

		var footer [8]byte
		if _, err := src.ReadAt(footer[:], blockStart+payload); err != nil {
			return nil, fmt.Errorf("%w: truncated BGZF footer", ErrUnexpectedEOF)
		}
		chunk.Footers = append(chunk.Footers, StreamFooter{
			DecodedOffset: int64(len(out)),
			CRC32:         leUint32(footer[0:4]),
			ISize:         leUint32(footer[4:8]),
		})

		memberEnd := headerOff + int64(bsize)
		if atBgzfEnd(src, srcSize, memberEnd) {
			chunk.EndBit = memberEnd * 8
			chunk.Boundaries = append(chunk.Boundaries, BlockBoundary{chunk.EndBit, int64(len(out))})
			chunk.EOF = true
			break
		}
		blockStart = memberEnd + flate.BgzfHeaderSize
		chunk.Boundaries = append(chunk.Boundaries, BlockBoundary{blockStart * 8, int64(len(out))})
		if cfg.chunkDone(blockStart*8, int64(len(out))) {
			chunk.EndBit = blockStart * 8
			break
		}
		if cfg.cancel != nil && cfg.cancel.Load() {
			return nil, ErrCancelled
		}
	}
	chunk.Data = out
	chunk.window = windowAfter(nil, out)
	return chunk, nil
}

// atBgzfEnd reports whether off is the end of the BGZF input, probing the
// source when its size is unknown.
func atBgzfEnd(src io.ReaderAt, srcSize, off int64) bool {
	if srcSize >= 0 {
		return off >= srcSize
	}
	var probe [1]byte
	n, err := src.ReadAt(probe[:], off)
	return n == 0 && err == io.EOF
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// byteReader adapts a byte slice to the flate.Reader contract without
// copying.
type byteReader struct {
	buf []byte
	off int
}

func newByteReader(buf []byte) *byteReader { return &byteReader{buf: buf} }

func (r *byteReader) Read(p []byte) (int, error) {
	if r.off >= len(r.buf) {
		return 0, io.EOF
	}
	n := copy(p, r.buf[r.off:])
	r.off += n
	return n, nil
}

func (r *byteReader) ReadByte() (byte, error) {
	if r.off >= len(r.buf) {
		return 0, io.EOF
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

// isSpeculativeFailure reports whether err is one of the error kinds that
// are expected and local when probing a candidate block offset.
func isSpeculativeFailure(err error) bool {
	return errors.Is(err, ErrInvalidDeflate) || errors.Is(err, ErrInvalidPrecode) ||
		errors.Is(err, ErrInvalidFormat) || errors.Is(err, ErrUnexpectedEOF)
}
