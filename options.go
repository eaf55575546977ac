// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package pragzip

import "runtime"

type readerOpts struct {
	concurrency int
	chunkSize   int64
	cacheSize   int
	format      StreamFormat
	verifyCRC   bool
	verbose     bool
	pinCPUs     []int
	index       *Index
	checkpoints int64
}

// ReaderOption represents an option to NewReader.
type ReaderOption func(*readerOpts)

// Concurrency sets the number of worker threads used for decompression.
// It defaults to runtime.GOMAXPROCS(-1).
func Concurrency(n int) ReaderOption {
	return func(o *readerOpts) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// ChunkTargetSize sets the granularity of parallel work. Chunk starts are
// candidate block offsets spaced at least this many bytes apart in the
// compressed input, and a chunk ends on the first block boundary at or past
// the next such offset; past the last spaced offset a chunk ends on the
// first block boundary past this many decoded bytes. A chunk's decoded size
// is therefore not held to this value: it varies with the compression
// ratio, up to a cap of four times this value. The default is 4 MiB.
func ChunkTargetSize(bytes int64) ReaderOption {
	return func(o *readerOpts) {
		if bytes > 0 {
			o.chunkSize = bytes
		}
	}
}

// CacheSize sets the number of decoded chunks retained. It is clamped below
// to twice the prefetch depth so that prefetching can never evict chunks it
// just produced.
func CacheSize(n int) ReaderOption {
	return func(o *readerOpts) {
		if n > 0 {
			o.cacheSize = n
		}
	}
}

// InputFormat fixes the stream format instead of probing the input. In
// particular FormatPigz selects the flush-marker block finder and FormatRaw
// decodes a bare DEFLATE stream.
func InputFormat(format StreamFormat) ReaderOption {
	return func(o *readerOpts) {
		o.format = format
	}
}

// VerifyCRC enables per-stream CRC32 and ISIZE verification against the
// gzip footers. Verification applies to sequentially delivered output. A
// Seek that moves decoding to any point other than offset zero disables
// verification from then on; a later restart from offset zero re-enables it.
func VerifyCRC(v bool) ReaderOption {
	return func(o *readerOpts) {
		o.verifyCRC = v
	}
}

// Verbose controls trace logging of scheduling decisions.
func Verbose(v bool) ReaderOption {
	return func(o *readerOpts) {
		o.verbose = v
	}
}

// PinWorkers pins worker i to logical CPU pinCPUs[i]; missing entries leave
// workers unpinned. Pinning is best-effort and Linux-only.
func PinWorkers(pinCPUs []int) ReaderOption {
	return func(o *readerOpts) {
		o.pinCPUs = pinCPUs
	}
}

// UseIndex supplies a previously built checkpoint index, enabling random
// access without a sequential scan and window-seeded committed decoding.
func UseIndex(index *Index) ReaderOption {
	return func(o *readerOpts) {
		o.index = index
	}
}

// RecordCheckpoints collects an index checkpoint roughly every spacing
// decoded bytes while reading sequentially. The index is available from
// Reader.Checkpoints once reading has passed the region of interest.
func RecordCheckpoints(spacing int64) ReaderOption {
	return func(o *readerOpts) {
		if spacing > 0 {
			o.checkpoints = spacing
		}
	}
}

func defaultReaderOpts() readerOpts {
	return readerOpts{
		concurrency: runtime.GOMAXPROCS(-1),
		chunkSize:   4 << 20,
		format:      FormatAuto,
		verifyCRC:   true,
	}
}
