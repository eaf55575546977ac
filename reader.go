// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package pragzip decompresses gzip, BGZF and raw DEFLATE streams using
// multiple workers concurrently. Candidate block boundaries are discovered
// ahead of the read cursor and decoded speculatively without their preceding
// window; placeholder markers in the speculative output are resolved once
// the predecessor chunk completes, and output is delivered to the consumer
// strictly in order.
package pragzip

import (
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"sort"
)

type chainEntry struct {
	startBit     int64
	endBit       int64
	decodedStart int64
	decodedSize  int64
}

type absFooter struct {
	decodedOffset int64 // absolute decoded offset at which the stream ends
	crc32         uint32
	isize         uint32
}

// Reader reads the decompressed form of a compressed input. It implements
// io.ReadSeeker and io.ReaderAt over the decoded byte stream; sequential
// reads are the fast path, with positional access served from the chunk
// cache, a checkpoint index when one was supplied, or by re-decoding.
type Reader struct {
	ctx    context.Context
	opts   readerOpts
	src    readerAtSized
	format StreamFormat
	f      *fetcher

	firstBit int64

	pos      int64
	cur      *Chunk
	curStart int64

	// Delivery frontier: the next chunk starts at bit offset nextStart,
	// decoded offset nextDecoded, preceded by window.
	nextStart   int64
	nextDecoded int64
	window      []byte

	chain    []chainEntry
	eof      bool
	totalLen int64 // decoded size, valid once eof
	err      error

	// Per-stream CRC32 state, advanced at chunk placement (which is always
	// sequential). A seek that re-positions the frontier mid-stream breaks
	// the association and disables verification from then on.
	crcBroken   bool
	crc         uint32
	streamStart int64
	footers     []absFooter

	checkpoints   []Checkpoint
	cpLastDecoded int64
}

// NewReader returns a parallel decompressing reader over a seekable source
// of the given size. The source's ReadAt must be safe for concurrent use.
func NewReader(ctx context.Context, src io.ReaderAt, size int64, opts ...ReaderOption) (*Reader, error) {
	o := defaultReaderOpts()
	for _, fn := range opts {
		fn(&o)
	}
	format := o.format
	if format == FormatAuto {
		var err error
		if format, err = detectFormat(src); err != nil {
			return nil, err
		}
	}
	first, err := firstBlockOffset(src, size, format)
	if err != nil {
		return nil, err
	}
	rd := &Reader{
		ctx:       ctx,
		opts:      o,
		src:       src,
		format:    format,
		firstBit:  first,
		nextStart: first,
	}
	rd.f = newFetcher(src, size, format, first, o)
	if o.index != nil {
		sort.Slice(o.index.Checkpoints, func(i, j int) bool {
			return o.index.Checkpoints[i].DecodedOffset < o.index.Checkpoints[j].DecodedOffset
		})
	}
	return rd, nil
}

// NewStreamReader adapts a non-seekable input, such as a pipe, by buffering
// compressed data in memory. Buffered data behind the read cursor is
// released as decoding advances, keeping residency bounded.
func NewStreamReader(ctx context.Context, rd io.Reader, opts ...ReaderOption) (*Reader, error) {
	src := newBufferingSource(rd)
	return NewReader(ctx, src, -1, opts...)
}

// Close shuts down the worker pool. The reader must not be used afterwards.
func (r *Reader) Close() error {
	r.f.close()
	return nil
}

// Stats returns a snapshot of cache and prefetch accounting.
func (r *Reader) Stats() Stats {
	return r.f.statsSnapshot()
}

// Checkpoints returns the index collected so far when RecordCheckpoints was
// set. The index covers the decoded prefix that has been placed.
func (r *Reader) Checkpoints() *Index {
	return &Index{Checkpoints: append([]Checkpoint(nil), r.checkpoints...)}
}

// CompressedOffset returns the byte offset of the delivery frontier within
// the compressed input, for progress reporting.
func (r *Reader) CompressedOffset() int64 {
	return r.nextStart / 8
}

// TotalSize returns the decoded size of the input and whether it is known
// yet; it becomes known once reading has reached the end of input.
func (r *Reader) TotalSize() (int64, bool) {
	return r.totalLen, r.eof
}

// ClearError clears a sticky error so that reading can be retried. The
// stream position is unchanged.
func (r *Reader) ClearError() {
	r.err = nil
}

// fail records err as the reader's sticky error.
func (r *Reader) fail(err error) error {
	r.err = err
	return err
}

// advance fetches, resolves and places the chunk at the delivery frontier.
func (r *Reader) advance() error {
	if r.eof {
		return io.EOF
	}
	c, err := r.f.fetch(r.nextStart, r.window)
	if err != nil {
		return err
	}
	c.decodedStart = r.nextDecoded
	r.placeCRC(c)
	r.recordCheckpoint(c)
	r.chain = append(r.chain, chainEntry{
		startBit:     c.StartBit,
		endBit:       c.EndBit,
		decodedStart: r.nextDecoded,
		decodedSize:  c.DecodedSize(),
	})
	r.cur = c
	r.curStart = r.nextDecoded
	r.window = c.window
	r.nextDecoded += c.DecodedSize()
	r.nextStart = c.EndBit
	if c.EOF {
		r.eof = true
		r.totalLen = r.nextDecoded
	} else {
		r.f.prefetchAhead(r.nextStart)
	}
	r.releaseSource()
	return nil
}

// placeCRC advances the running per-stream CRC32 across the placed chunk
// and verifies it against each footer the chunk crossed. Verification runs
// before any of the stream's final bytes can be delivered.
func (r *Reader) placeCRC(c *Chunk) {
	if !r.opts.verifyCRC || r.crcBroken {
		return
	}
	for _, ft := range c.Footers {
		r.footers = append(r.footers, absFooter{
			decodedOffset: r.nextDecoded + ft.DecodedOffset,
			crc32:         ft.CRC32,
			isize:         ft.ISize,
		})
	}
	data := c.Data
	base := r.nextDecoded
	for len(r.footers) > 0 && r.footers[0].decodedOffset <= base+int64(len(data)) {
		ft := r.footers[0]
		r.footers = r.footers[1:]
		split := ft.decodedOffset - base
		r.crc = crc32.Update(r.crc, crc32.IEEETable, data[:split])
		data = data[split:]
		base = ft.decodedOffset
		streamLen := ft.decodedOffset - r.streamStart
		if r.crc != ft.crc32 {
			r.err = fmt.Errorf("%w: stream CRC32 %08x, footer %08x", ErrCrcMismatch, r.crc, ft.crc32)
			return
		}
		if uint32(streamLen) != ft.isize {
			r.err = fmt.Errorf("%w: stream length %d, footer ISIZE %d", ErrCrcMismatch, streamLen, ft.isize)
			return
		}
		r.crc = 0
		r.streamStart = ft.decodedOffset
	}
	r.crc = crc32.Update(r.crc, crc32.IEEETable, data)
}

// recordCheckpoint captures the frontier window ahead of the placed chunk
// at the configured spacing. When the chunk was resolved from markers, the
// positions it never read are zeroed, shrinking the stored window.
func (r *Reader) recordCheckpoint(c *Chunk) {
	if r.opts.checkpoints == 0 {
		return
	}
	if r.nextDecoded > 0 && r.nextDecoded-r.cpLastDecoded < r.opts.checkpoints {
		return
	}
	if n := len(r.checkpoints); n > 0 && r.checkpoints[n-1].DecodedOffset >= r.nextDecoded {
		// Re-decoding after a restart; the region is already covered.
		return
	}
	window := append([]byte(nil), r.window...)
	// The usage bitmap covers every possible window read from the chunk's
	// start only once the chunk spans a full window; shorter chunks keep
	// the dense form.
	if c.used != nil && c.DecodedSize() >= WindowSize {
		window = sparsifyWindow(window, c.used)
	}
	r.checkpoints = append(r.checkpoints, Checkpoint{
		CompressedBitOffset: c.StartBit,
		DecodedOffset:       r.nextDecoded,
		Window:              window,
	})
	r.cpLastDecoded = r.nextDecoded
}

// releaseSource discards compressed input that can no longer be needed:
// everything further behind the cursor than the retained span of 2P+1
// chunks, which tolerates out-of-order completion of the prefetch horizon.
func (r *Reader) releaseSource() {
	rel, ok := r.src.(releaser)
	if !ok {
		return
	}
	retain := 2*r.opts.concurrency + 1
	if len(r.chain) <= retain {
		return
	}
	rel.Release(r.chain[len(r.chain)-retain].startBit / 8)
}

// ensureChunkFor positions r.cur over the chunk containing pos, fetching,
// restarting from a checkpoint, or re-decoding as needed.
func (r *Reader) ensureChunkFor(pos int64) error {
	if r.cur != nil && pos >= r.curStart && pos < r.curStart+r.cur.DecodedSize() {
		return nil
	}
	if pos == r.nextDecoded && !r.eof {
		return r.advance()
	}
	// A previously placed chunk: serve from the cache when it is still
	// resident.
	if i := r.chainIndexFor(pos); i >= 0 {
		entry := r.chain[i]
		if c := r.f.cachedChunk(entry.startBit); c != nil && !c.NeedsResolution {
			r.cur = c
			r.curStart = entry.decodedStart
			return nil
		}
		// Evicted: fall through to a frontier restart.
	}
	if pos >= r.nextDecoded {
		// Forward: jump via the best checkpoint past the frontier, then
		// decode through the remaining gap.
		r.jumpForward(pos)
		for !r.eof && r.nextDecoded <= pos {
			if err := r.advance(); err != nil {
				return err
			}
		}
		if pos < r.curStart || r.cur == nil || pos >= r.curStart+r.cur.DecodedSize() {
			return io.EOF
		}
		return nil
	}
	// Backward with no cached chunk: restart the frontier from the best
	// checkpoint at or before pos and decode forward.
	r.restartFrontier(pos)
	for !r.eof && r.nextDecoded <= pos {
		if err := r.advance(); err != nil {
			return err
		}
	}
	if r.cur == nil || pos < r.curStart || pos >= r.curStart+r.cur.DecodedSize() {
		return io.EOF
	}
	return nil
}

// chainIndexFor returns the placed-chunk chain entry covering pos, or -1.
func (r *Reader) chainIndexFor(pos int64) int {
	i := sort.Search(len(r.chain), func(i int) bool {
		return r.chain[i].decodedStart+r.chain[i].decodedSize > pos
	})
	if i == len(r.chain) || r.chain[i].decodedStart > pos {
		return -1
	}
	return i
}

// jumpForward moves the delivery frontier forward to the best checkpoint
// at or before pos, when one lies past the current frontier. Skipping
// content mid-stream leaves the per-stream CRC unverifiable.
func (r *Reader) jumpForward(pos int64) {
	var best *Checkpoint
	if cp := r.opts.index.atOrBefore(pos); cp != nil && cp.DecodedOffset > r.nextDecoded {
		best = cp
	}
	collected := Index{Checkpoints: r.checkpoints}
	if cp := collected.atOrBefore(pos); cp != nil && cp.DecodedOffset > r.nextDecoded &&
		(best == nil || cp.DecodedOffset > best.DecodedOffset) {
		best = cp
	}
	if best == nil {
		return
	}
	r.nextStart = best.CompressedBitOffset
	r.nextDecoded = best.DecodedOffset
	r.window = best.Window
	r.cur = nil
	r.footers = nil
	r.crcBroken = true
	r.f.cancelPrefetches()
}

// restartFrontier rewinds the delivery frontier to the best known restart
// point at or before pos: an index checkpoint, a collected checkpoint, or
// the start of the stream.
func (r *Reader) restartFrontier(pos int64) {
	best := Checkpoint{CompressedBitOffset: r.firstBit}
	if cp := r.opts.index.atOrBefore(pos); cp != nil {
		best = *cp
	}
	collected := Index{Checkpoints: r.checkpoints}
	if cp := collected.atOrBefore(pos); cp != nil && cp.DecodedOffset > best.DecodedOffset {
		best = *cp
	}
	r.nextStart = best.CompressedBitOffset
	r.nextDecoded = best.DecodedOffset
	r.window = best.Window
	r.cur = nil
	r.chain = truncateChain(r.chain, best.DecodedOffset)
	r.footers = nil
	if best.DecodedOffset == 0 {
		// A clean restart re-verifies everything.
		r.crc, r.streamStart, r.crcBroken = 0, 0, false
	} else {
		r.crcBroken = true
	}
	r.f.cancelPrefetches()
}

func truncateChain(chain []chainEntry, decoded int64) []chainEntry {
	i := sort.Search(len(chain), func(i int) bool {
		return chain[i].decodedStart >= decoded
	})
	return chain[:i]
}

// Read implements io.Reader over the decoded stream.
func (r *Reader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	for n < len(p) {
		if err := r.ensureChunkFor(r.pos); err != nil {
			if err == io.EOF {
				if n > 0 {
					return n, nil
				}
				return 0, io.EOF
			}
			return n, r.fail(err)
		}
		if r.err != nil { // a CRC failure recorded during placement
			return n, r.err
		}
		m := copy(p[n:], r.cur.Data[r.pos-r.curStart:])
		n += m
		r.pos += int64(m)
	}
	return n, nil
}

// ReadAt reads len(p) decoded bytes starting at the given decoded offset,
// without moving the read cursor. Unlike most io.ReaderAt implementations
// it shares the Reader's chunk state and must not be called concurrently
// with Read or Seek.
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, fmt.Errorf("pragzip: negative read offset %d", off)
	}
	n := 0
	for n < len(p) {
		if err := r.ensureChunkFor(off); err != nil {
			if err == io.EOF {
				return n, io.EOF
			}
			return n, r.fail(err)
		}
		if r.err != nil { // a CRC failure recorded during placement
			return n, r.err
		}
		m := copy(p[n:], r.cur.Data[off-r.curStart:])
		n += m
		off += int64(m)
	}
	return n, nil
}

// Seek implements io.Seeker over the decoded stream. Seeking relative to
// the end forces decoding to the end of input first.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	if r.err != nil {
		return 0, r.err
	}
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = r.pos + offset
	case io.SeekEnd:
		for !r.eof {
			if err := r.advance(); err != nil && err != io.EOF {
				return 0, r.fail(err)
			}
		}
		// advance records verification failures as the sticky error
		// rather than returning them; surface them here, at the call
		// that walked past the offending stream.
		if r.err != nil {
			return 0, r.err
		}
		target = r.totalLen + offset
	default:
		return 0, fmt.Errorf("pragzip: invalid seek whence %d", whence)
	}
	if target < 0 {
		return 0, fmt.Errorf("pragzip: negative seek position %d", target)
	}
	if target < r.curStart || target > r.nextDecoded {
		// Breaking the sequential pattern invalidates outstanding
		// speculative work for the old cursor.
		r.f.cancelPrefetches()
	}
	r.pos = target
	return target, nil
}
