// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package pragzip

import (
	"fmt"
	"io"
	"sync"
)

// bufferingSource adapts a non-seekable io.Reader to the positional reads
// the decoder requires, by buffering consumed input in memory. Old segments
// are released as the consumer's cursor advances past them, so the resident
// compressed data stays bounded at roughly the retained span behind the
// cursor plus the prefetch horizon in front of it.
type bufferingSource struct {
	mu   sync.Mutex
	rd   io.Reader
	buf  []byte
	base int64 // source offset of buf[0]
	size int64 // total source size, discovered at EOF; -1 until then
	err  error
}

func newBufferingSource(rd io.Reader) *bufferingSource {
	return &bufferingSource{rd: rd, size: -1}
}

// ReadAt implements io.ReaderAt over the buffered window. Reads before the
// released base fail; reads past the buffered extent pull more data from
// the underlying reader.
func (s *bufferingSource) ReadAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if off < s.base {
		return 0, fmt.Errorf("pragzip: read at released offset %v (retained from %v)", off, s.base)
	}
	if err := s.extendTo(off + int64(len(p))); err != nil && err != io.EOF {
		return 0, err
	}
	end := s.base + int64(len(s.buf))
	if off >= end {
		return 0, io.EOF
	}
	n := copy(p, s.buf[off-s.base:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// extendTo reads from the underlying reader until the buffer covers the
// source up to offset limit or the source is exhausted.
func (s *bufferingSource) extendTo(limit int64) error {
	for s.err == nil && s.base+int64(len(s.buf)) < limit {
		chunk := make([]byte, 128*1024)
		n, err := s.rd.Read(chunk)
		s.buf = append(s.buf, chunk[:n]...)
		if err != nil {
			s.err = err
			if err == io.EOF {
				s.size = s.base + int64(len(s.buf))
			}
		}
	}
	return s.err
}

// Release discards buffered data before the given source offset. The
// Reader calls this as the consumer advances; offsets are only ever
// released once no outstanding decode can still need them.
func (s *bufferingSource) Release(before int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if before <= s.base {
		return
	}
	drop := before - s.base
	if drop > int64(len(s.buf)) {
		drop = int64(len(s.buf))
	}
	s.buf = append([]byte(nil), s.buf[drop:]...)
	s.base += drop
}

// Size returns the source size once it is known.
func (s *bufferingSource) Size() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size, s.size >= 0
}

// releaser is implemented by sources that can discard already-consumed
// compressed data.
type releaser interface {
	Release(before int64)
}
