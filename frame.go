// seehuhn.de/go/wsocket - websocket and plain HTTP on one listening socket
// Copyright (C) 2019  Jochen Voss <voss@seehuhn.de>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package wsocket

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
)

// Bits of the first two header bytes.
// See: https://tools.ietf.org/html/rfc6455#section-5.2
const (
	finalBit   = 0x80
	rsv1Bit    = 0x40 // permessage-deflate
	rsv2Bit    = 0x20
	rsv3Bit    = 0x10
	opcodeBits = 0x0f
	maskBit    = 0x80
	lengthBits = 0x7f
)

const (
	maxHeaderSize      = 14 // 2 + 8 byte length + 4 byte mask
	maxControlPayload  = 125
	maxCloseReasonSize = maxControlPayload - 2

	// Payloads up to this size are allocated in one piece.  Longer
	// payloads grow as the bytes arrive.
	maxPrealloc = 64 << 10
)

type header struct {
	Final  bool
	Rsv    byte // the three reserved bits, in place (0x70 mask)
	Opcode MessageType
	Masked bool
	Mask   [4]byte
	Length uint64
}

func (h *header) compressed() bool {
	return h.Rsv&rsv1Bit != 0
}

// readFrameHeader reads and decodes a frame header.  The length and the
// layout of control frames are checked here, before any payload is read.
// Errors reading from r are reported as *TransportError, violations of
// the framing rules as *ProtocolError.
func readFrameHeader(r io.Reader, buf []byte) (*header, error) {
	_, err := io.ReadFull(r, buf[:2])
	if err != nil {
		return nil, &TransportError{Op: "read header", Err: err}
	}

	h := &header{
		Final:  buf[0]&finalBit != 0,
		Rsv:    buf[0] & (rsv1Bit | rsv2Bit | rsv3Bit),
		Opcode: MessageType(buf[0] & opcodeBits),
		Masked: buf[1]&maskBit != 0,
	}
	if !h.Opcode.isKnown() {
		return nil, protocolError(StatusProtocolError, "unexpected opcode %d", h.Opcode)
	}

	l7 := buf[1] & lengthBits
	if h.Opcode.isControl() {
		if !h.Final {
			return nil, protocolError(StatusProtocolError, "fragmented %s frame", h.Opcode)
		}
		if l7 > maxControlPayload {
			err := protocolError(StatusProtocolError,
				"%s frame cannot be larger than %d bytes", h.Opcode, maxControlPayload)
			err.Err = ErrFrameTooLarge
			return nil, err
		}
	}

	switch l7 {
	case 126:
		_, err = io.ReadFull(r, buf[:2])
		if err != nil {
			return nil, &TransportError{Op: "read header", Err: unexpected(err)}
		}
		h.Length = uint64(binary.BigEndian.Uint16(buf[:2]))
	case 127:
		_, err = io.ReadFull(r, buf[:8])
		if err != nil {
			return nil, &TransportError{Op: "read header", Err: unexpected(err)}
		}
		h.Length = binary.BigEndian.Uint64(buf[:8])
		if h.Length&(1<<63) != 0 {
			err := protocolError(StatusProtocolError, "invalid 64 bit frame length")
			err.Err = ErrFrameTooLarge
			return nil, err
		}
	default:
		h.Length = uint64(l7)
	}

	if h.Masked {
		_, err = io.ReadFull(r, h.Mask[:])
		if err != nil {
			return nil, &TransportError{Op: "read header", Err: unexpected(err)}
		}
	}

	return h, nil
}

// readFrameBody reads the payload described by h and removes the mask.
func readFrameBody(r io.Reader, h *header) ([]byte, error) {
	if h.Length > uint64(math.MaxInt) {
		err := protocolError(StatusTooLarge, "frame of %d bytes", h.Length)
		err.Err = ErrFrameTooLarge
		return nil, err
	}
	if h.Length <= maxPrealloc {
		body := make([]byte, h.Length)
		_, err := io.ReadFull(r, body)
		if err != nil {
			return nil, &TransportError{Op: "read payload", Err: unexpected(err)}
		}
		if h.Masked {
			maskBytes(h.Mask, 0, body)
		}
		return body, nil
	}

	buf := &bytes.Buffer{}
	buf.Grow(maxPrealloc)
	n, err := io.CopyN(buf, r, int64(h.Length))
	if n < int64(h.Length) {
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, &TransportError{Op: "read payload", Err: err}
	}
	body := buf.Bytes()
	if h.Masked {
		maskBytes(h.Mask, 0, body)
	}
	return body, nil
}

// maskBytes applies the masking key to b, starting at position pos of
// the key.  The position for the next block of data is returned.
// Masking is its own inverse.
func maskBytes(mask [4]byte, pos int, b []byte) int {
	for i := range b {
		b[i] ^= mask[(pos+i)&3]
	}
	return (pos + len(b)) & 3
}

// appendFrame appends the wire representation of a frame to dst.
// The mask bit is set and the payload is masked if h.Masked is set;
// frames sent by the server are never masked.
func appendFrame(dst []byte, h *header, body []byte) ([]byte, error) {
	l := uint64(len(body))
	if h.Opcode.isControl() && l > maxControlPayload {
		return dst, ErrFrameTooLarge
	}
	if l&(1<<63) != 0 {
		return dst, ErrFrameTooLarge
	}

	b0 := byte(h.Opcode) | h.Rsv
	if h.Final {
		b0 |= finalBit
	}
	var b1 byte
	if h.Masked {
		b1 = maskBit
	}

	switch {
	case l <= maxControlPayload:
		dst = append(dst, b0, b1|byte(l))
	case l <= math.MaxUint16:
		dst = append(dst, b0, b1|126)
		dst = binary.BigEndian.AppendUint16(dst, uint16(l))
	default:
		dst = append(dst, b0, b1|127)
		dst = binary.BigEndian.AppendUint64(dst, l)
	}

	if !h.Masked {
		return append(dst, body...), nil
	}
	dst = append(dst, h.Mask[:]...)
	start := len(dst)
	dst = append(dst, body...)
	maskBytes(h.Mask, 0, dst[start:])
	return dst, nil
}

// unexpected turns io.EOF in the middle of a frame into io.ErrUnexpectedEOF.
func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
