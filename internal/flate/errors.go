// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package flate

import "errors"

// The closed set of error kinds produced while parsing gzip framing and
// DEFLATE data. Callers classify with errors.Is; speculative decoding treats
// ErrInvalidDeflate and ErrInvalidPrecode as a signal to advance to the next
// candidate block offset rather than as corruption.
var (
	ErrInvalidFormat  = errors.New("pragzip: invalid gzip data")
	ErrInvalidDeflate = errors.New("pragzip: invalid deflate data")
	ErrInvalidPrecode = errors.New("pragzip: invalid deflate precode")
	ErrCrcMismatch    = errors.New("pragzip: checksum mismatch")
	ErrUnexpectedEOF  = errors.New("pragzip: unexpected end of input")
	ErrCancelled      = errors.New("pragzip: decoding cancelled")
)
