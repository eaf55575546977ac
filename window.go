// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package pragzip

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/cosnicolaou/pragzip/internal/flate"
)

// WindowSize is the DEFLATE sliding window size: the number of bytes of
// preceding output required to resolve any back-reference.
const WindowSize = flate.MaxWindowSize

// usedWindowBitmap marks which bytes of a predecessor window a chunk
// actually dereferenced during marker resolution. Positions left unmarked
// may be zeroed when the window is persisted without affecting the chunk's
// decoded output.
type usedWindowBitmap [WindowSize / 64]uint64

func (b *usedWindowBitmap) set(i int) { b[i/64] |= 1 << (i % 64) }

func (b *usedWindowBitmap) isSet(i int) bool { return b[i/64]&(1<<(i%64)) != 0 }

// count returns the number of marked positions.
func (b *usedWindowBitmap) count() int {
	n := 0
	for _, w := range b {
		for ; w != 0; w &= w - 1 {
			n++
		}
	}
	return n
}

// resolveMarkers converts marker-mode cells to bytes using the predecessor
// window and records which window positions were read. The mapping is a
// straight linear pass: values below 256 are bytes, value 256+k reads byte k
// of the window.
func resolveMarkers(cells []uint16, window []byte, used *usedWindowBitmap) ([]byte, error) {
	out := make([]byte, len(cells))
	for i, cell := range cells {
		if cell < flate.MarkerBase {
			out[i] = byte(cell)
			continue
		}
		k := int(cell) - flate.MarkerBase
		if k >= WindowSize {
			return nil, fmt.Errorf("%w: unknown marker cell %#x", ErrInvalidDeflate, cell)
		}
		// Short windows occur when the predecessor chunk starts less than
		// 32 KiB into the output; markers then index the tail of the
		// logical window.
		wi := k - (WindowSize - len(window))
		if wi < 0 {
			return nil, fmt.Errorf("%w: marker reaches before start of output", ErrInvalidDeflate)
		}
		out[i] = window[wi]
		if used != nil {
			used.set(k)
		}
	}
	return out, nil
}

// sparsifyWindow returns a copy of window with every position not marked in
// used zeroed. window is the full 32 KiB form; shorter windows are returned
// unchanged since their positions are all live prefix data.
func sparsifyWindow(window []byte, used *usedWindowBitmap) []byte {
	if used == nil || len(window) != WindowSize {
		return window
	}
	sparse := make([]byte, len(window))
	for i := range window {
		if used.isSet(i) {
			sparse[i] = window[i]
		}
	}
	return sparse
}

// windowAfter returns the window that follows data: the last 32 KiB of the
// concatenation of the preceding window and data, or the whole concatenation
// when shorter.
func windowAfter(window, data []byte) []byte {
	if len(data) >= WindowSize {
		w := make([]byte, WindowSize)
		copy(w, data[len(data)-WindowSize:])
		return w
	}
	need := WindowSize - len(data)
	if need > len(window) {
		need = len(window)
	}
	w := make([]byte, 0, need+len(data))
	w = append(w, window[len(window)-need:]...)
	w = append(w, data...)
	return w
}

// Window storage forms used by checkpoint records.
const (
	windowFormRaw  = 0
	windowFormZlib = 1
)

// compressWindow produces the zlib form of a window for persistence. Sparse
// windows compress particularly well because the zeroed runs collapse.
func compressWindow(window []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, zlib.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(window); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decompressWindow inverts compressWindow.
func decompressWindow(compressed []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("%w: bad checkpoint window: %v", ErrInvalidFormat, err)
	}
	defer zr.Close()
	window, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: bad checkpoint window: %v", ErrInvalidFormat, err)
	}
	return window, nil
}
