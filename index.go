// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package pragzip

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// Checkpoint ties a compressed bit offset to its decoded byte offset along
// with the window needed to resume decoding there. Windows may be sparse:
// positions a resumed decode never reads can be zero.
type Checkpoint struct {
	CompressedBitOffset int64
	DecodedOffset       int64
	Window              []byte
}

// Index is an ordered collection of checkpoints permitting random access
// into a gzip stream without re-decoding its prefix.
type Index struct {
	Checkpoints []Checkpoint
}

var indexMagic = [8]byte{'P', 'R', 'G', 'Z', 'I', 'D', 'X', 1}

// WriteTo serializes the index. Windows are stored zlib-compressed, or raw
// when compression would not make them smaller; sparse windows collapse
// particularly well.
func (idx *Index) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	if _, err := cw.Write(indexMagic[:]); err != nil {
		return cw.n, err
	}
	if err := binary.Write(cw, binary.LittleEndian, uint32(len(idx.Checkpoints))); err != nil {
		return cw.n, err
	}
	for _, cp := range idx.Checkpoints {
		compressed, err := compressWindow(cp.Window)
		if err != nil {
			return cw.n, err
		}
		form := uint8(windowFormZlib)
		payload := compressed
		if len(compressed) >= len(cp.Window) {
			form, payload = windowFormRaw, cp.Window
		}
		if err := binary.Write(cw, binary.LittleEndian, struct {
			Bit     uint64
			Decoded uint64
			Form    uint8
			Size    uint32
		}{uint64(cp.CompressedBitOffset), uint64(cp.DecodedOffset), form, uint32(len(payload))}); err != nil {
			return cw.n, err
		}
		if _, err := cw.Write(payload); err != nil {
			return cw.n, err
		}
	}
	return cw.n, nil
}

// ReadIndex deserializes an index written by WriteTo.
func ReadIndex(r io.Reader) (*Index, error) {
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("%w: truncated index", ErrInvalidFormat)
	}
	if magic != indexMagic {
		return nil, fmt.Errorf("%w: not a pragzip index", ErrInvalidFormat)
	}
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("%w: truncated index", ErrInvalidFormat)
	}
	idx := &Index{Checkpoints: make([]Checkpoint, 0, count)}
	for i := uint32(0); i < count; i++ {
		var rec struct {
			Bit     uint64
			Decoded uint64
			Form    uint8
			Size    uint32
		}
		if err := binary.Read(r, binary.LittleEndian, &rec); err != nil {
			return nil, fmt.Errorf("%w: truncated index record", ErrInvalidFormat)
		}
		payload := make([]byte, rec.Size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("%w: truncated index record", ErrInvalidFormat)
		}
		window := payload
		if rec.Form == windowFormZlib {
			var err error
			if window, err = decompressWindow(payload); err != nil {
				return nil, err
			}
		} else if rec.Form != windowFormRaw {
			return nil, fmt.Errorf("%w: unknown window form %d", ErrInvalidFormat, rec.Form)
		}
		idx.Checkpoints = append(idx.Checkpoints, Checkpoint{
			CompressedBitOffset: int64(rec.Bit),
			DecodedOffset:       int64(rec.Decoded),
			Window:              window,
		})
	}
	sort.Slice(idx.Checkpoints, func(i, j int) bool {
		return idx.Checkpoints[i].DecodedOffset < idx.Checkpoints[j].DecodedOffset
	})
	return idx, nil
}

// atOrBefore returns the checkpoint with the greatest decoded offset not
// past the target, or nil.
func (idx *Index) atOrBefore(decoded int64) *Checkpoint {
	if idx == nil {
		return nil
	}
	i := sort.Search(len(idx.Checkpoints), func(i int) bool {
		return idx.Checkpoints[i].DecodedOffset > decoded
	})
	if i == 0 {
		return nil
	}
	return &idx.Checkpoints[i-1]
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}
