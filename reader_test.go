// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package pragzip

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"testing"

	"golang.org/x/sync/errgroup"
)

func newTestReader(t *testing.T, compressed []byte, opts ...ReaderOption) *Reader {
	t.Helper()
	rd, err := NewReader(context.Background(), bytes.NewReader(compressed), int64(len(compressed)), opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rd.Close() })
	return rd
}

func readAll(t *testing.T, rd *Reader) []byte {
	t.Helper()
	out, err := io.ReadAll(rd)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestReadMatchesReference(t *testing.T) {
	smallChunks := []ReaderOption{ChunkTargetSize(16 * 1024), Concurrency(4)}
	for _, tc := range []struct {
		name       string
		compressed []byte
		want       []byte
		opts       []ReaderOption
	}{
		{
			name:       "base64 32KiB single stream",
			compressed: gzipBytes(t, base64Data(32*1024), gzip.DefaultCompression),
			want:       base64Data(32 * 1024),
			opts:       smallChunks,
		},
		{
			name:       "base64 32KiB bgzf",
			compressed: bgzfBytes(t, base64Data(32*1024), 8*1024),
			want:       base64Data(32 * 1024),
			opts:       smallChunks,
		},
		{
			name:       "base64 32KiB pigz",
			compressed: pigzBytes(t, base64Data(32*1024), 8*1024),
			want:       base64Data(32 * 1024),
			opts:       append([]ReaderOption{InputFormat(FormatPigz)}, smallChunks...),
		},
		{
			name:       "random 128KiB",
			compressed: gzipBytes(t, predictableRandomData(128*1024), gzip.BestSpeed),
			want:       predictableRandomData(128 * 1024),
			opts:       smallChunks,
		},
		{
			name:       "base64 2MiB",
			compressed: gzipBytes(t, base64Data(2<<20), gzip.DefaultCompression),
			want:       base64Data(2 << 20),
			opts:       []ReaderOption{ChunkTargetSize(128 * 1024), Concurrency(8)},
		},
		{
			name:       "base64 2MiB pigz",
			compressed: pigzBytes(t, base64Data(2<<20), 128*1024),
			want:       base64Data(2 << 20),
			opts:       []ReaderOption{InputFormat(FormatPigz), ChunkTargetSize(128 * 1024), Concurrency(8)},
		},
		{
			name:       "random 1MiB bgzf",
			compressed: bgzfBytes(t, predictableRandomData(1<<20), 32*1024),
			want:       predictableRandomData(1 << 20),
			opts:       []ReaderOption{ChunkTargetSize(128 * 1024), Concurrency(8)},
		},
		{
			name: "multistream",
			compressed: append(
				gzipBytes(t, base64Data(64*1024), gzip.DefaultCompression),
				gzipBytes(t, predictableRandomData(8*1024), gzip.BestCompression)...),
			want: append(base64Data(64*1024), predictableRandomData(8*1024)...),
			opts: smallChunks,
		},
		{
			name:       "empty member",
			compressed: gzipBytes(t, nil, gzip.DefaultCompression),
			want:       nil,
		},
		{
			name:       "single byte",
			compressed: gzipBytes(t, []byte{0x42}, gzip.NoCompression),
			want:       []byte{0x42},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if tc.name != "base64 32KiB bgzf" && tc.name != "random 1MiB bgzf" {
				if ref := referenceDecode(t, tc.compressed); !bytes.Equal(ref, tc.want) {
					t.Fatal("test data disagrees with the reference decoder")
				}
			}
			rd := newTestReader(t, tc.compressed, tc.opts...)
			got := readAll(t, rd)
			if !bytes.Equal(got, tc.want) {
				t.Fatalf("decoded %v bytes, want %v; content mismatch", len(got), len(tc.want))
			}
		})
	}
}

// TestParallelismIndependence runs the same input across thread counts; all
// must agree byte for byte with the reference decoder.
func TestParallelismIndependence(t *testing.T) {
	want := base64Data(1 << 20)
	compressed := gzipBytes(t, want, gzip.DefaultCompression)

	g := errgroup.Group{}
	for _, p := range []int{1, 2, 4, 8} {
		p := p
		g.Go(func() error {
			rd, err := NewReader(context.Background(), bytes.NewReader(compressed), int64(len(compressed)),
				Concurrency(p), ChunkTargetSize(64*1024))
			if err != nil {
				return err
			}
			defer rd.Close()
			got, err := io.ReadAll(rd)
			if err != nil {
				return err
			}
			if !bytes.Equal(got, want) {
				t.Errorf("concurrency %v: output mismatch", p)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestSeek(t *testing.T) {
	want := base64Data(1 << 20)
	compressed := gzipBytes(t, want, gzip.DefaultCompression)
	rd := newTestReader(t, compressed, ChunkTargetSize(64*1024), Concurrency(4))

	check := func(offset int64, n int) {
		t.Helper()
		if _, err := rd.Seek(offset, io.SeekStart); err != nil {
			t.Fatal(err)
		}
		got := make([]byte, n)
		if _, err := io.ReadFull(rd, got); err != nil {
			t.Fatalf("read %v at %v: %v", n, offset, err)
		}
		if !bytes.Equal(got, want[offset:offset+int64(n)]) {
			t.Fatalf("range [%v, %v): content mismatch", offset, offset+int64(n))
		}
	}

	check(0, 1000)
	check(512*1024, 1000)   // forward
	check(100*1024, 1000)   // backward
	check(1<<20-500, 500)   // tail
	check(3, 10)            // near start again

	// Seek relative to end.
	if pos, err := rd.Seek(-1000, io.SeekEnd); err != nil || pos != 1<<20-1000 {
		t.Fatalf("seek end: %v, %v", pos, err)
	}
	got := make([]byte, 1000)
	if _, err := io.ReadFull(rd, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want[1<<20-1000:]) {
		t.Fatal("tail content mismatch")
	}

	// Reading past the end yields EOF.
	if _, err := rd.Seek(10, io.SeekEnd); err != nil {
		t.Fatal(err)
	}
	if n, err := rd.Read(got); n != 0 || err != io.EOF {
		t.Fatalf("read past end: %v, %v", n, err)
	}
}

func TestReadAt(t *testing.T) {
	want := base64Data(1 << 20)
	compressed := gzipBytes(t, want, gzip.DefaultCompression)
	rd := newTestReader(t, compressed, ChunkTargetSize(64*1024), Concurrency(4))

	// Positional reads do not move the sequential cursor.
	head := make([]byte, 100)
	if _, err := io.ReadFull(rd, head); err != nil {
		t.Fatal(err)
	}
	for _, off := range []int64{512 * 1024, 0, 1<<20 - 4096, 123457} {
		got := make([]byte, 4096)
		if _, err := rd.ReadAt(got, off); err != nil {
			t.Fatalf("read at %v: %v", off, err)
		}
		if !bytes.Equal(got, want[off:off+4096]) {
			t.Fatalf("read at %v: content mismatch", off)
		}
	}
	rest := make([]byte, 100)
	if _, err := io.ReadFull(rd, rest); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(rest, want[100:200]) {
		t.Fatal("sequential cursor moved by ReadAt")
	}

	// Reads spanning the end return the short count with io.EOF.
	tail := make([]byte, 4096)
	n, err := rd.ReadAt(tail, 1<<20-1000)
	if n != 1000 || err != io.EOF {
		t.Fatalf("read at tail: %v, %v", n, err)
	}
	if !bytes.Equal(tail[:n], want[1<<20-1000:]) {
		t.Fatal("tail content mismatch")
	}
	if n, err := rd.ReadAt(tail, 1<<20+5); n != 0 || err != io.EOF {
		t.Fatalf("read past end: %v, %v", n, err)
	}
}

func TestSeekEndSurfacesCrcMismatch(t *testing.T) {
	compressed := gzipBytes(t, base64Data(64*1024), gzip.DefaultCompression)
	compressed[len(compressed)-6] ^= 0xff
	rd := newTestReader(t, compressed, ChunkTargetSize(16*1024), Concurrency(2))
	// Walking to the end crosses the corrupt footer; the mismatch must
	// surface on this very call, not on a later read.
	if _, err := rd.Seek(0, io.SeekEnd); !errors.Is(err, ErrCrcMismatch) {
		t.Fatalf("seek to end: got %v, want ErrCrcMismatch", err)
	}
	if _, err := rd.Read(make([]byte, 1)); !errors.Is(err, ErrCrcMismatch) {
		t.Fatalf("sticky error: got %v", err)
	}
}

func TestStreamReader(t *testing.T) {
	want := base64Data(512 * 1024)
	compressed := gzipBytes(t, want, gzip.DefaultCompression)
	rd, err := NewStreamReader(context.Background(), bytes.NewReader(compressed),
		Concurrency(4), ChunkTargetSize(64*1024))
	if err != nil {
		t.Fatal(err)
	}
	defer rd.Close()
	got, err := io.ReadAll(rd)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("stream reader output mismatch")
	}
}

func TestCrcMismatchSurfaces(t *testing.T) {
	compressed := gzipBytes(t, base64Data(64*1024), gzip.DefaultCompression)
	// Corrupt the footer CRC32 of the (single) stream.
	compressed[len(compressed)-6] ^= 0xff
	rd := newTestReader(t, compressed, ChunkTargetSize(16*1024), Concurrency(2))
	_, err := io.ReadAll(rd)
	if !errors.Is(err, ErrCrcMismatch) {
		t.Fatalf("got %v, want ErrCrcMismatch", err)
	}
	// The error is sticky until cleared.
	if _, err2 := rd.Read(make([]byte, 1)); !errors.Is(err2, ErrCrcMismatch) {
		t.Fatalf("sticky error: got %v", err2)
	}
	rd.ClearError()
}

func TestIsizeMismatchSurfaces(t *testing.T) {
	compressed := gzipBytes(t, base64Data(16*1024), gzip.DefaultCompression)
	compressed[len(compressed)-1] ^= 0x01
	rd := newTestReader(t, compressed)
	if _, err := io.ReadAll(rd); !errors.Is(err, ErrCrcMismatch) {
		t.Fatalf("got %v, want ErrCrcMismatch", err)
	}
}

func TestNoCrcVerification(t *testing.T) {
	compressed := gzipBytes(t, base64Data(16*1024), gzip.DefaultCompression)
	compressed[len(compressed)-6] ^= 0xff
	rd := newTestReader(t, compressed, VerifyCRC(false))
	if _, err := io.ReadAll(rd); err != nil {
		t.Fatalf("verification disabled but read failed: %v", err)
	}
}

func TestSequentialHitRate(t *testing.T) {
	want := base64Data(4 << 20)
	compressed := bgzfBytes(t, want, 60*1024)
	rd := newTestReader(t, compressed, Concurrency(4), ChunkTargetSize(256*1024))
	got := readAll(t, rd)
	if !bytes.Equal(got, want) {
		t.Fatal("output mismatch")
	}
	stats := rd.Stats()
	served := stats.Hits + stats.PrefetchHits + stats.Misses
	if served == 0 {
		t.Fatal("no chunk requests recorded")
	}
	// Only the very first chunk may miss on a sequential read.
	if stats.Misses > 1 {
		t.Fatalf("sequential read missed %v times (stats %+v)", stats.Misses, stats)
	}
	if stats.FalsePositives != 0 {
		t.Fatalf("unexpected speculative failures: %+v", stats)
	}
}

func TestTotalSizeAndCompressedOffset(t *testing.T) {
	want := base64Data(256 * 1024)
	compressed := gzipBytes(t, want, gzip.DefaultCompression)
	rd := newTestReader(t, compressed, ChunkTargetSize(32*1024))
	if _, ok := rd.TotalSize(); ok {
		t.Fatal("total size known before reading")
	}
	readAll(t, rd)
	total, ok := rd.TotalSize()
	if !ok || total != int64(len(want)) {
		t.Fatalf("total size %v, %v; want %v", total, ok, len(want))
	}
	if off := rd.CompressedOffset(); off != int64(len(compressed)) {
		t.Fatalf("compressed offset %v, want %v", off, len(compressed))
	}
}

func TestBgzfEOFMarkerTolerated(t *testing.T) {
	// An empty BGZF file is just the EOF marker; it decodes to nothing.
	compressed := bgzfEOFMarker()
	rd := newTestReader(t, compressed)
	if got := readAll(t, rd); len(got) != 0 {
		t.Fatalf("EOF marker produced %v bytes", len(got))
	}
}

func TestRawDeflate(t *testing.T) {
	want := base64Data(128 * 1024)
	gz := gzipBytes(t, want, gzip.DefaultCompression)
	// Strip the gzip framing: 10-byte header, 8-byte footer.
	raw := gz[10 : len(gz)-8]
	rd := newTestReader(t, raw, InputFormat(FormatRaw), ChunkTargetSize(32*1024))
	if got := readAll(t, rd); !bytes.Equal(got, want) {
		t.Fatal("raw deflate output mismatch")
	}
}
