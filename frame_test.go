package wsocket

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	lengths := []int{0, 1, 125, 126, 127, 65535, 65536, 200000}
	for _, masked := range []bool{false, true} {
		for _, tp := range []MessageType{Text, Binary} {
			for _, l := range lengths {
				body := make([]byte, l)
				for i := range body {
					body[i] = byte('a' + i%26)
				}
				h := &header{
					Final:  true,
					Opcode: tp,
					Masked: masked,
					Mask:   [4]byte{1, 2, 3, 4},
				}
				buf, err := appendFrame(nil, h, body)
				if err != nil {
					t.Fatal(err)
				}

				r := bytes.NewReader(buf)
				var hbuf [maxHeaderSize]byte
				h2, err := readFrameHeader(r, hbuf[:])
				if err != nil {
					t.Fatal(err)
				}
				if h2.Opcode != tp || !h2.Final || h2.Masked != masked || h2.Length != uint64(l) {
					t.Errorf("wrong header %v for length %d", h2, l)
				}
				body2, err := readFrameBody(r, h2)
				if err != nil {
					t.Fatal(err)
				}
				if !bytes.Equal(body, body2) {
					t.Errorf("payload of length %d corrupted", l)
				}
				if r.Len() != 0 {
					t.Errorf("%d bytes left over", r.Len())
				}
			}
		}
	}
}

func TestLengthEncoding(t *testing.T) {
	testCases := []struct {
		length     int
		headerSize int
	}{
		{0, 2},
		{125, 2},
		{126, 4},
		{65535, 4},
		{65536, 10},
	}
	for _, tc := range testCases {
		buf, err := appendFrame(nil, &header{Final: true, Opcode: Binary}, make([]byte, tc.length))
		if err != nil {
			t.Fatal(err)
		}
		if got := len(buf) - tc.length; got != tc.headerSize {
			t.Errorf("length %d: header is %d bytes, expected %d", tc.length, got, tc.headerSize)
		}
	}
}

func TestMaskBytes(t *testing.T) {
	mask := [4]byte{0x37, 0xfa, 0x21, 0x3d}
	orig := []byte("Hello, world!")
	data := append([]byte{}, orig...)

	maskBytes(mask, 0, data)
	for i := range data {
		if data[i] != orig[i]^mask[i%4] {
			t.Fatalf("byte %d wrongly masked", i)
		}
	}

	// masking in pieces gives the same result
	pieces := append([]byte{}, orig...)
	pos := maskBytes(mask, 0, pieces[:5])
	maskBytes(mask, pos, pieces[5:])
	if !bytes.Equal(pieces, data) {
		t.Errorf("incremental masking differs")
	}

	maskBytes(mask, 0, data)
	if !bytes.Equal(data, orig) {
		t.Errorf("masking is not an involution")
	}
}

func TestControlFrameLimits(t *testing.T) {
	_, err := appendFrame(nil, &header{Final: true, Opcode: pingFrame}, make([]byte, 126))
	if err != ErrFrameTooLarge {
		t.Errorf("oversized ping: got %v", err)
	}

	testCases := []struct {
		name string
		data []byte
	}{
		{"fragmented ping", []byte{0x09, 0x80, 0, 0, 0, 0}},
		{"long close", []byte{0x88, 0x80 | 126, 0, 126}},
		{"unknown opcode", []byte{0x83, 0x80, 0, 0, 0, 0}},
		{"reserved control opcode", []byte{0x8b, 0x80, 0, 0, 0, 0}},
		{"64 bit length", []byte{0x82, 0x80 | 127, 0x80, 0, 0, 0, 0, 0, 0, 0}},
	}
	for _, tc := range testCases {
		var hbuf [maxHeaderSize]byte
		_, err := readFrameHeader(bytes.NewReader(tc.data), hbuf[:])
		var perr *ProtocolError
		if !errors.As(err, &perr) || perr.Code != StatusProtocolError {
			t.Errorf("%s: got %v", tc.name, err)
		}
	}
}

func TestLongFrameShortInput(t *testing.T) {
	h := &header{Final: true, Opcode: Binary, Length: 1 << 40}
	_, err := readFrameBody(bytes.NewReader(make([]byte, 1000)), h)
	var terr *TransportError
	if !errors.As(err, &terr) || !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected unexpected EOF, got %v", err)
	}

	h.Length = maxPrealloc + 10
	h.Masked = true
	h.Mask = [4]byte{1, 2, 3, 4}
	payload := make([]byte, h.Length)
	body, err := readFrameBody(bytes.NewReader(payload), h)
	if err != nil {
		t.Fatal(err)
	}
	if len(body) != int(h.Length) || body[4] != 1 || body[len(body)-1] != 2 {
		t.Errorf("wrong body: %d bytes", len(body))
	}
}

func TestShortFrame(t *testing.T) {
	full, err := appendFrame(nil, &header{Final: true, Opcode: Text, Masked: true}, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	for n := 0; n < len(full); n++ {
		r := bytes.NewReader(full[:n])
		var hbuf [maxHeaderSize]byte
		h, err := readFrameHeader(r, hbuf[:])
		if err == nil {
			_, err = readFrameBody(r, h)
		}
		var terr *TransportError
		if !errors.As(err, &terr) {
			t.Errorf("%d bytes: expected transport error, got %v", n, err)
		}
		if n > 0 && !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Errorf("%d bytes: expected unexpected EOF, got %v", n, err)
		}
	}
}
