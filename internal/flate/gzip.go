// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package flate

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cosnicolaou/pragzip/internal/bits"
)

// Gzip member framing per RFC 1952. Headers are parsed byte-aligned from the
// bit reader; the caller is expected to be positioned at a member boundary.

const (
	gzipID1 = 0x1f
	gzipID2 = 0x8b
	gzipCM  = 0x08

	flagFTEXT    = 1 << 0
	flagFHCRC    = 1 << 1
	flagFEXTRA   = 1 << 2
	flagFNAME    = 1 << 3
	flagFCOMMENT = 1 << 4
)

// Header holds the fields of a parsed gzip member header that matter to the
// decoder. Extra, name and comment payloads are skipped, not retained.
type Header struct {
	ModTime uint32
	OS      byte
	Extra   bool
}

// Footer is the 8-byte gzip member trailer.
type Footer struct {
	CRC32 uint32
	ISize uint32
}

func eofErr(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return fmt.Errorf("%w: truncated gzip member", ErrUnexpectedEOF)
	}
	return err
}

// ParseGzipHeader reads a gzip member header starting at the reader's
// current position, which must be byte aligned. On return the reader is
// positioned at the first bit of the member's DEFLATE stream.
func ParseGzipHeader(rd *bits.Reader) (Header, error) {
	var hdr Header
	var fixed [10]byte
	if err := rd.ReadBytes(fixed[:]); err != nil {
		return hdr, eofErr(err)
	}
	if fixed[0] != gzipID1 || fixed[1] != gzipID2 {
		return hdr, fmt.Errorf("%w: bad gzip magic %02x %02x", ErrInvalidFormat, fixed[0], fixed[1])
	}
	if fixed[2] != gzipCM {
		return hdr, fmt.Errorf("%w: unsupported compression method %d", ErrInvalidFormat, fixed[2])
	}
	flg := fixed[3]
	if flg&0xe0 != 0 {
		return hdr, fmt.Errorf("%w: reserved header flag set", ErrInvalidFormat)
	}
	hdr.ModTime = binary.LittleEndian.Uint32(fixed[4:8])
	hdr.OS = fixed[9]

	if flg&flagFEXTRA != 0 {
		hdr.Extra = true
		var xlen [2]byte
		if err := rd.ReadBytes(xlen[:]); err != nil {
			return hdr, eofErr(err)
		}
		skip := make([]byte, binary.LittleEndian.Uint16(xlen[:]))
		if err := rd.ReadBytes(skip); err != nil {
			return hdr, eofErr(err)
		}
	}
	for _, present := range []bool{flg&flagFNAME != 0, flg&flagFCOMMENT != 0} {
		if !present {
			continue
		}
		// Zero-terminated ISO 8859-1 string; contents are irrelevant here.
		var b [1]byte
		for {
			if err := rd.ReadBytes(b[:]); err != nil {
				return hdr, eofErr(err)
			}
			if b[0] == 0 {
				break
			}
		}
	}
	if flg&flagFHCRC != 0 {
		var crc16 [2]byte
		if err := rd.ReadBytes(crc16[:]); err != nil {
			return hdr, eofErr(err)
		}
		// CRC16 of the header bytes; tolerated but not verified, matching
		// the reference decoders which mostly ignore it.
	}
	return hdr, nil
}

// ParseGzipFooter reads the CRC32/ISIZE trailer that follows the final block
// of a member. The reader is aligned to the next byte boundary first; on
// return it is positioned at the byte after the member.
func ParseGzipFooter(rd *bits.Reader) (Footer, error) {
	if _, err := rd.AlignToByte(); err != nil {
		return Footer{}, eofErr(err)
	}
	var raw [8]byte
	if err := rd.ReadBytes(raw[:]); err != nil {
		return Footer{}, eofErr(err)
	}
	return Footer{
		CRC32: binary.LittleEndian.Uint32(raw[0:4]),
		ISize: binary.LittleEndian.Uint32(raw[4:8]),
	}, nil
}

// BGZF framing. Every BGZF member carries a BC extra subfield recording the
// total compressed size of the member, which makes block discovery a matter
// of hopping from header to header.

// BgzfHeaderSize is the fixed size of a BGZF member header.
const BgzfHeaderSize = 18

// BgzfEOFMarker is the fixed empty member that terminates a BGZF file.
var BgzfEOFMarker = [28]byte{
	0x1f, 0x8b, 0x08, 0x04, 0x00, 0x00, 0x00, 0x00,
	0x00, 0xff, 0x06, 0x00, 0x42, 0x43, 0x02, 0x00,
	0x1b, 0x00, 0x03, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00,
}

// IsBgzfHeader reports whether hdr is the 18-byte BGZF member header: a gzip
// header with FEXTRA set and a single BC subfield of length 2.
func IsBgzfHeader(hdr []byte) bool {
	return len(hdr) >= BgzfHeaderSize &&
		hdr[0] == gzipID1 && hdr[1] == gzipID2 && hdr[2] == gzipCM &&
		hdr[3]&flagFEXTRA != 0 &&
		hdr[10] == 0x06 && hdr[11] == 0x00 &&
		hdr[12] == 'B' && hdr[13] == 'C' &&
		hdr[14] == 0x02 && hdr[15] == 0x00
}

// BgzfBlockSize returns the total compressed size of the BGZF member whose
// header is hdr, including the header and footer themselves.
func BgzfBlockSize(hdr []byte) (int, error) {
	if !IsBgzfHeader(hdr) {
		return 0, fmt.Errorf("%w: not a BGZF header", ErrInvalidFormat)
	}
	return int(binary.LittleEndian.Uint16(hdr[16:18])) + 1, nil
}
