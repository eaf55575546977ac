// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package pragzip

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"encoding/base64"
	"encoding/binary"
	"hash/crc32"
	"io"
	"math/rand"
	"testing"
)

// Seed for the pseudorandom generator shared by the test data builders.
const randSeed = 0x1234

func predictableRandomData(size int) []byte {
	gen := rand.New(rand.NewSource(randSeed))
	out := make([]byte, size)
	gen.Read(out)
	return out
}

func base64Data(size int) []byte {
	raw := predictableRandomData((size+3)/4*3 + 3)
	out := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(out, raw)
	return out[:size]
}

// gzipBytes compresses data into a single gzip member.
func gzipBytes(t *testing.T, data []byte, level int) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := zw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// pigzBytes emulates pigz output: a gzip stream with an empty stored block
// flushed after every span bytes, which is exactly what Flush emits.
func pigzBytes(t *testing.T, data []byte, span int) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	for off := 0; off < len(data); off += span {
		end := off + span
		if end > len(data) {
			end = len(data)
		}
		if _, err := zw.Write(data[off:end]); err != nil {
			t.Fatal(err)
		}
		if err := zw.Flush(); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// bgzfBytes packs data into BGZF members of at most span decoded bytes,
// terminated by the standard EOF marker member.
func bgzfBytes(t *testing.T, data []byte, span int) []byte {
	t.Helper()
	var out bytes.Buffer
	for off := 0; off < len(data) || off == 0 && len(data) == 0; off += span {
		end := off + span
		if end > len(data) {
			end = len(data)
		}
		writeBgzfMember(t, &out, data[off:end])
		if len(data) == 0 {
			break
		}
	}
	out.Write(bgzfEOFMarker())
	return out.Bytes()
}

func writeBgzfMember(t *testing.T, out *bytes.Buffer, data []byte) {
	t.Helper()
	var deflated bytes.Buffer
	zw, err := flate.NewWriter(&deflated, flate.DefaultCompression)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := zw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	bsize := 18 + deflated.Len() + 8
	if bsize > 1<<16 {
		t.Fatalf("BGZF member of %v bytes exceeds the 64 KiB limit", bsize)
	}
	hdr := []byte{
		0x1f, 0x8b, 0x08, 0x04,
		0, 0, 0, 0, // mtime
		0, 0xff, // xfl, os
		0x06, 0x00, // xlen
		'B', 'C', 0x02, 0x00, 0, 0,
	}
	binary.LittleEndian.PutUint16(hdr[16:18], uint16(bsize-1))
	out.Write(hdr)
	out.Write(deflated.Bytes())
	var footer [8]byte
	binary.LittleEndian.PutUint32(footer[0:4], crc32.ChecksumIEEE(data))
	binary.LittleEndian.PutUint32(footer[4:8], uint32(len(data)))
	out.Write(footer[:])
}

func bgzfEOFMarker() []byte {
	return []byte{
		0x1f, 0x8b, 0x08, 0x04, 0x00, 0x00, 0x00, 0x00,
		0x00, 0xff, 0x06, 0x00, 0x42, 0x43, 0x02, 0x00,
		0x1b, 0x00, 0x03, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
	}
}

// referenceDecode decodes compressed with the standard library, following
// multistream gzip semantics.
func referenceDecode(t *testing.T, compressed []byte) []byte {
	t.Helper()
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		t.Fatal(err)
	}
	zr.Multistream(true)
	out, err := io.ReadAll(zr)
	if err != nil {
		t.Fatal(err)
	}
	return out
}
