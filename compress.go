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
	"compress/flate"
	"io"
)

// Support for the permessage-deflate extension.
// See: https://tools.ietf.org/html/rfc7692

const (
	compressionLevel = 7
	windowSize       = 1 << 15
)

// deflateTail is appended to received messages before inflating: the
// 00 00 ff ff trailer which the sender stripped, followed by a final
// empty stored block so that the reader stops cleanly.
var deflateTail = []byte{0x00, 0x00, 0xff, 0xff, 0x01, 0x00, 0x00, 0xff, 0xff}

// compressor holds the deflate state for messages sent on one connection.
// Unless noContextTakeover is set, the state is kept from one message to
// the next.
type compressor struct {
	buf               bytes.Buffer
	fw                *flate.Writer
	noContextTakeover bool
}

func newCompressor(noContextTakeover bool) *compressor {
	c := &compressor{noContextTakeover: noContextTakeover}
	// NewWriter only fails for invalid compression levels.
	c.fw, _ = flate.NewWriter(&c.buf, compressionLevel)
	return c
}

// compress returns the compressed form of msg.  The returned slice is
// only valid until the next call.
func (c *compressor) compress(msg []byte) ([]byte, error) {
	c.buf.Reset()
	if c.noContextTakeover {
		c.fw.Reset(&c.buf)
	}

	_, err := c.fw.Write(msg)
	if err != nil {
		return nil, err
	}
	err = c.fw.Flush()
	if err != nil {
		return nil, err
	}

	out := c.buf.Bytes()
	if n := len(out); n >= 4 && bytes.Equal(out[n-4:], deflateTail[:4]) {
		out = out[:n-4]
	}
	return out, nil
}

// decompressor holds the inflate state for messages received on one
// connection.  The sliding window is carried from one message to the next
// as a preset dictionary, unless noContextTakeover is set.
type decompressor struct {
	fr                io.ReadCloser
	dict              []byte
	noContextTakeover bool
}

func newDecompressor(noContextTakeover bool) *decompressor {
	return &decompressor{noContextTakeover: noContextTakeover}
}

// decompress inflates one message.  If the result would be longer than
// limit bytes (limit > 0), ErrFrameTooLarge is returned.
func (d *decompressor) decompress(msg []byte, limit int64) ([]byte, error) {
	src := io.MultiReader(bytes.NewReader(msg), bytes.NewReader(deflateTail))
	var dict []byte
	if !d.noContextTakeover {
		dict = d.dict
	}
	if d.fr == nil {
		d.fr = flate.NewReaderDict(src, dict)
	} else {
		err := d.fr.(flate.Resetter).Reset(src, dict)
		if err != nil {
			return nil, err
		}
	}

	var r io.Reader = d.fr
	if limit > 0 {
		r = io.LimitReader(d.fr, limit+1)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if limit > 0 && int64(len(out)) > limit {
		return nil, ErrFrameTooLarge
	}

	if !d.noContextTakeover {
		d.dict = appendWindow(d.dict, out)
	}
	return out, nil
}

// appendWindow appends data to the sliding window and discards everything
// but the last windowSize bytes.
func appendWindow(window, data []byte) []byte {
	if len(data) >= windowSize {
		return append(window[:0], data[len(data)-windowSize:]...)
	}
	if excess := len(window) + len(data) - windowSize; excess > 0 {
		n := copy(window, window[excess:])
		window = window[:n]
	}
	return append(window, data...)
}
