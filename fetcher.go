// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package pragzip

import (
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cosnicolaou/pragzip/internal/bits"
	"github.com/cosnicolaou/pragzip/internal/pool"
)

// Stats is a snapshot of the fetcher's cache and prefetch accounting.
type Stats struct {
	// Hits counts chunk requests satisfied from the cache, PrefetchHits
	// those satisfied by waiting on an in-flight prefetch, and Misses those
	// that had to be decoded on demand.
	Hits         uint64
	PrefetchHits uint64
	Misses       uint64

	// Prefetches counts submitted speculative decodes, FalsePositives the
	// speculative decodes that failed at a bogus candidate offset, and
	// Cancelled the prefetches abandoned after a seek.
	Prefetches     uint64
	FalsePositives uint64
	Cancelled      uint64
}

// decodeFuture is the in-flight handle of a submitted chunk decode. The
// result is published before done is closed and immutable afterwards.
type decodeFuture struct {
	done     chan struct{}
	chunk    *Chunk
	err      error
	cancel   atomic.Bool
	prefetch bool
}

const demandPriority, prefetchPriority = 1, 0

// hardCapFactor bounds a chunk's decoded size at this multiple of the
// target chunk size even when the compressed tiling would extend further,
// which keeps pathological compression ratios from exhausting memory. A
// chunk cut short by the cap simply forces its successor to decode on
// demand.
const hardCapFactor = 4

// fetcher coordinates speculative decoding: it owns the worker pool, the
// chunk cache, the in-flight futures, and the block finder. Chunk requests
// arrive from the single consumer thread; decodes run on pool workers.
//
// Chunks tile the compressed stream at "spaced" candidate offsets: the
// block finder's candidates thinned to roughly one chunk's compressed
// extent apart. Every decode, speculative or on demand, ends at the first
// block boundary at or past the next spaced offset, so independently
// decoded neighbours meet exactly and a sequential read is served almost
// entirely by prefetched chunks.
type fetcher struct {
	src     readerAtSized
	srcSize int64
	format  StreamFormat
	opts    readerOpts
	pool    *pool.Pool

	// The finder, the candidate list and the spaced tiling are owned by the
	// consumer thread.
	finder     blockFinder
	finderDone bool
	finderErr  error
	candidates []int64
	spaced     []int64
	spacedDone bool

	mu       sync.Mutex
	cache    *lruCache
	inflight map[int64]*decodeFuture
	stats    Stats
}

type readerAtSized interface {
	ReadAt(p []byte, off int64) (int, error)
}

func newFetcher(src readerAtSized, srcSize int64, format StreamFormat, first int64, opts readerOpts) *fetcher {
	cacheSize := opts.cacheSize
	if min := 4 * opts.concurrency; cacheSize < min {
		cacheSize = min
	}
	if cacheSize < 16 {
		cacheSize = 16
	}
	return &fetcher{
		src:      src,
		srcSize:  srcSize,
		format:   format,
		opts:     opts,
		pool:     pool.New(opts.concurrency, opts.pinCPUs),
		finder:   newBlockFinder(src, srcSize, format, first),
		spaced:   []int64{first},
		cache:    newLRUCache(cacheSize),
		inflight: make(map[int64]*decodeFuture),
	}
}

func (f *fetcher) trace(format string, args ...interface{}) {
	if f.opts.verbose {
		log.Printf(format, args...)
	}
}

func (f *fetcher) close() {
	f.cancelPrefetches()
	f.pool.Close()
}

// ensureCandidates advances the block finder until the candidate list
// reaches past bit, or the input is exhausted.
func (f *fetcher) ensureCandidates(bit int64) {
	for !f.finderDone && (len(f.candidates) == 0 || f.candidates[len(f.candidates)-1] < bit) {
		offset, ok, err := f.finder.Next()
		if !ok {
			f.finderDone, f.finderErr = true, err
			return
		}
		f.candidates = append(f.candidates, offset)
	}
}

// candidateAtOrAfter returns the first candidate offset >= bit, or -1.
func (f *fetcher) candidateAtOrAfter(bit int64) int64 {
	f.ensureCandidates(bit)
	i := sort.Search(len(f.candidates), func(i int) bool { return f.candidates[i] >= bit })
	if i == len(f.candidates) {
		return -1
	}
	return f.candidates[i]
}

// extendSpaced grows the spaced tiling to at least n entries, thinning the
// candidate stream to offsets one chunk's compressed extent apart.
func (f *fetcher) extendSpaced(n int) {
	spacing := f.opts.chunkSize * 8
	for !f.spacedDone && len(f.spaced) < n {
		next := f.candidateAtOrAfter(f.spaced[len(f.spaced)-1] + spacing)
		if next < 0 {
			f.spacedDone = true
			return
		}
		f.spaced = append(f.spaced, next)
	}
}

// untilFor returns the spaced offset bounding a chunk that starts at the
// given bit offset, or 0 when the tiling ends before it.
func (f *fetcher) untilFor(start int64) int64 {
	for {
		i := sort.Search(len(f.spaced), func(i int) bool { return f.spaced[i] > start })
		if i < len(f.spaced) {
			return f.spaced[i]
		}
		if f.spacedDone {
			return 0
		}
		f.extendSpaced(len(f.spaced) + 1)
	}
}

// runDecode executes one chunk decode with the configured engine: the
// external inflate for BGZF (byte-aligned members with known sizes), the
// in-house bit-level decoder otherwise.
func (f *fetcher) runDecode(start, untilBit int64, window []byte, marker bool, cancel *atomic.Bool) (*Chunk, error) {
	cfg := chunkConfig{
		format:   f.format,
		target:   f.opts.chunkSize,
		untilBit: untilBit,
		hardCap:  hardCapFactor * f.opts.chunkSize,
		window:   window,
		marker:   marker,
		cancel:   cancel,
	}
	if f.format == FormatBgzf {
		return decodeChunkBgzf(f.src, f.srcSize, start, cfg)
	}
	rd := bits.NewReader(f.src, f.srcSize)
	rd.Seek(start)
	return decodeChunk(rd, cfg)
}

// submitLocked queues a decode task for the chunk starting at the given bit
// offset and registers its future. The caller holds f.mu.
func (f *fetcher) submitLocked(start, untilBit int64, window []byte, marker, prefetch bool) *decodeFuture {
	fut := &decodeFuture{done: make(chan struct{}), prefetch: prefetch}
	f.inflight[start] = fut
	priority := demandPriority
	if prefetch {
		priority = prefetchPriority
	}
	f.pool.Submit(priority, func() {
		chunk, err := f.runDecode(start, untilBit, window, marker, &fut.cancel)
		fut.chunk, fut.err = chunk, err
		f.mu.Lock()
		delete(f.inflight, start)
		if err == nil {
			f.cache.put(chunk)
		}
		f.mu.Unlock()
		close(fut.done)
	})
	return fut
}

// fetch returns the resolved chunk starting at the authoritative bit offset
// start, with window holding the output that precedes it. It consults the
// cache, then any in-flight decode, and finally decodes on demand.
// Marker-mode results are resolved against window before being returned;
// resolution happens on the consumer thread, in window-dependency order by
// construction.
func (f *fetcher) fetch(start int64, window []byte) (*Chunk, error) {
	untilBit := f.untilFor(start)
	f.mu.Lock()
	if c := f.cache.get(start); c != nil {
		f.stats.Hits++
		f.mu.Unlock()
		if err := c.resolve(window); err != nil {
			return nil, err
		}
		return c, nil
	}
	if fut, ok := f.inflight[start]; ok {
		f.mu.Unlock()
		<-fut.done
		if fut.err == nil {
			f.mu.Lock()
			f.stats.PrefetchHits++
			f.mu.Unlock()
			if err := fut.chunk.resolve(window); err != nil {
				return nil, err
			}
			return fut.chunk, nil
		}
		// A cancelled or failed speculative decode at the offset we now
		// need: fall through to a committed decode.
		f.mu.Lock()
	}
	f.stats.Misses++
	fut := f.submitLocked(start, untilBit, append([]byte(nil), window...), false, false)
	f.mu.Unlock()
	<-fut.done
	if fut.err != nil {
		return nil, fut.err
	}
	return fut.chunk, nil
}

// prefetchAhead tops up speculative decodes for the spaced chunk starts at
// and beyond fromBit. Prefetching is best-effort: it stops once the cache
// has no room for the results, so prefetches can never evict chunks still
// awaiting delivery, and a full pipeline submits nothing.
func (f *fetcher) prefetchAhead(fromBit int64) {
	depth := 2 * f.opts.concurrency
	i := sort.Search(len(f.spaced), func(i int) bool { return f.spaced[i] >= fromBit })
	f.extendSpaced(i + depth + 1)

	f.mu.Lock()
	defer f.mu.Unlock()
	// Backpressure counts only entries the consumer has not yet passed:
	// chunks behind the cursor are evictable, so they never block new
	// speculation.
	pending := 0
	for off := range f.cache.entries {
		if off >= fromBit {
			pending++
		}
	}
	budget := f.cache.capacity - len(f.inflight) - pending
	for n := 0; n < depth && i < len(f.spaced); i, n = i+1, n+1 {
		start := f.spaced[i]
		until := int64(0)
		if i+1 < len(f.spaced) {
			until = f.spaced[i+1]
		}
		if _, ok := f.inflight[start]; ok {
			continue
		}
		if c := f.cache.get(start); c != nil {
			continue
		}
		if budget <= 0 {
			return
		}
		f.submitSpeculativeLocked(start, until)
		budget--
	}
}

// submitSpeculativeLocked starts a prefetch decode at a spaced candidate
// offset. Without a known window the decode runs in marker mode, except for
// BGZF, whose members never reference data behind themselves.
func (f *fetcher) submitSpeculativeLocked(start, untilBit int64) {
	marker := f.format != FormatBgzf
	f.stats.Prefetches++
	fut := f.submitLocked(start, untilBit, nil, marker, true)
	go func() {
		<-fut.done
		if fut.err != nil && !fut.cancel.Load() && isSpeculativeFailure(fut.err) {
			f.mu.Lock()
			f.stats.FalsePositives++
			f.mu.Unlock()
			f.trace("pragzip: speculative decode at bit %v failed: %v", start, fut.err)
		}
	}()
}

// cancelPrefetches flags every in-flight prefetch for cancellation. Demand
// decodes are left alone.
func (f *fetcher) cancelPrefetches() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fut := range f.inflight {
		if fut.prefetch && !fut.cancel.Load() {
			fut.cancel.Store(true)
			f.stats.Cancelled++
		}
	}
}

// cachedChunk returns the cached chunk starting at the given bit offset,
// if resident.
func (f *fetcher) cachedChunk(startBit int64) *Chunk {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cache.get(startBit)
}

// statsSnapshot returns a copy of the counters.
func (f *fetcher) statsSnapshot() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}
