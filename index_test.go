// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package pragzip

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"testing"
)

func TestIndexRoundTrip(t *testing.T) {
	var used usedWindowBitmap
	used.set(5)
	used.set(5000)
	idx := &Index{Checkpoints: []Checkpoint{
		{CompressedBitOffset: 80, DecodedOffset: 0, Window: nil},
		{CompressedBitOffset: 12345, DecodedOffset: 65536, Window: base64Data(WindowSize)},
		{CompressedBitOffset: 99991, DecodedOffset: 131072, Window: sparsifyWindow(base64Data(WindowSize), &used)},
	}}
	var buf bytes.Buffer
	if _, err := idx.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	got, err := ReadIndex(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Checkpoints) != len(idx.Checkpoints) {
		t.Fatalf("%v checkpoints, want %v", len(got.Checkpoints), len(idx.Checkpoints))
	}
	for i, cp := range got.Checkpoints {
		want := idx.Checkpoints[i]
		if cp.CompressedBitOffset != want.CompressedBitOffset || cp.DecodedOffset != want.DecodedOffset {
			t.Fatalf("checkpoint %v offsets: %+v, want %+v", i, cp, want)
		}
		if !bytes.Equal(cp.Window, want.Window) {
			t.Fatalf("checkpoint %v window mismatch", i)
		}
	}
}

func TestReadIndexRejectsJunk(t *testing.T) {
	if _, err := ReadIndex(bytes.NewReader([]byte("not an index"))); err == nil {
		t.Fatal("junk index accepted")
	}
	if _, err := ReadIndex(bytes.NewReader(nil)); err == nil {
		t.Fatal("empty index accepted")
	}
}

func TestCollectedCheckpointsEnableSeeks(t *testing.T) {
	want := base64Data(1 << 20)
	compressed := gzipBytes(t, want, gzip.DefaultCompression)

	// First pass: sequential read collecting checkpoints.
	first := newTestReader(t, compressed,
		ChunkTargetSize(64*1024), Concurrency(4), RecordCheckpoints(128*1024))
	if got := readAll(t, first); !bytes.Equal(got, want) {
		t.Fatal("first pass mismatch")
	}
	idx := first.Checkpoints()
	if len(idx.Checkpoints) < 3 {
		t.Fatalf("collected %v checkpoints, want several", len(idx.Checkpoints))
	}
	var buf bytes.Buffer
	if _, err := idx.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	loaded, err := ReadIndex(&buf)
	if err != nil {
		t.Fatal(err)
	}

	// Second pass: an indexed reader seeks straight to the middle without
	// reading anything first.
	rd, err := NewReader(context.Background(), bytes.NewReader(compressed), int64(len(compressed)),
		ChunkTargetSize(64*1024), Concurrency(2), UseIndex(loaded))
	if err != nil {
		t.Fatal(err)
	}
	defer rd.Close()
	const off = 700000
	if _, err := rd.Seek(off, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 4096)
	if _, err := io.ReadFull(rd, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want[off:off+4096]) {
		t.Fatal("indexed seek returned wrong bytes")
	}
}

func TestCheckpointWindowsResumeDecoding(t *testing.T) {
	// Each checkpoint's window must be sufficient to decode from its bit
	// offset: decode from every checkpoint to the end and compare.
	want := base64Data(512 * 1024)
	compressed := gzipBytes(t, want, gzip.DefaultCompression)
	rd := newTestReader(t, compressed,
		ChunkTargetSize(64*1024), Concurrency(2), RecordCheckpoints(64*1024))
	readAll(t, rd)
	for _, cp := range rd.Checkpoints().Checkpoints {
		sub, err := NewReader(context.Background(), bytes.NewReader(compressed), int64(len(compressed)),
			ChunkTargetSize(64*1024), Concurrency(2),
			UseIndex(&Index{Checkpoints: []Checkpoint{cp}}))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := sub.Seek(cp.DecodedOffset, io.SeekStart); err != nil {
			t.Fatal(err)
		}
		got, err := io.ReadAll(sub)
		sub.Close()
		if err != nil {
			t.Fatalf("checkpoint at %v: %v", cp.DecodedOffset, err)
		}
		if !bytes.Equal(got, want[cp.DecodedOffset:]) {
			t.Fatalf("checkpoint at %v: suffix mismatch", cp.DecodedOffset)
		}
	}
}
