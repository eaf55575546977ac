// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package pragzip

import "github.com/cosnicolaou/pragzip/internal/flate"

// The error taxonomy surfaced by Reader. Speculative decoding failures
// (ErrInvalidDeflate, ErrInvalidPrecode encountered while probing a candidate
// block offset) are consumed internally and never reach the caller; any of
// these returned from Read or Seek indicates corruption in committed data.
var (
	// ErrInvalidFormat indicates a malformed gzip or BGZF header or footer.
	ErrInvalidFormat = flate.ErrInvalidFormat

	// ErrInvalidDeflate indicates a DEFLATE-level structural error: a
	// reserved block type, bad stored-block padding or length complement,
	// an invalid Huffman code or alphabet, or an out-of-range distance.
	ErrInvalidDeflate = flate.ErrInvalidDeflate

	// ErrInvalidPrecode indicates a dynamic-block precode that failed
	// validation. It is a special case of ErrInvalidDeflate, kept distinct
	// because the block finder uses it as a filtering signal.
	ErrInvalidPrecode = flate.ErrInvalidPrecode

	// ErrCrcMismatch indicates that a gzip stream's CRC32 or ISIZE footer
	// field does not match the decoded data.
	ErrCrcMismatch = flate.ErrCrcMismatch

	// ErrUnexpectedEOF indicates that the input ended in the middle of a
	// construct.
	ErrUnexpectedEOF = flate.ErrUnexpectedEOF

	// ErrCancelled indicates that an in-flight decode observed its
	// cancellation flag. It is consumed by the fetcher and never surfaced.
	ErrCancelled = flate.ErrCancelled
)
