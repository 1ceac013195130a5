package wsocket

import (
	"bytes"
	"compress/flate"
	"io"
	"strings"
	"testing"
)

func TestCompressRoundTrip(t *testing.T) {
	for _, noContext := range []bool{false, true} {
		c := newCompressor(noContext)
		d := newDecompressor(noContext)

		messages := [][]byte{
			[]byte("hello"),
			{},
			[]byte(strings.Repeat("hello, world! ", 1000)),
			[]byte("hello"),
			bytes.Repeat([]byte{0, 1, 2, 3, 255}, 20000),
		}
		for i, msg := range messages {
			z, err := c.compress(msg)
			if err != nil {
				t.Fatal(err)
			}
			out, err := d.decompress(append([]byte{}, z...), 0)
			if err != nil {
				t.Fatalf("message %d: %v", i, err)
			}
			if !bytes.Equal(out, msg) {
				t.Errorf("message %d corrupted", i)
			}
		}
	}
}

func TestCompressTail(t *testing.T) {
	c := newCompressor(false)
	z, err := c.compress([]byte("abc"))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.HasSuffix(z, []byte{0, 0, 0xff, 0xff}) {
		t.Error("sync flush marker not removed")
	}
}

// TestContextTakeover checks that repeated messages refer back to the
// previous ones.
func TestContextTakeover(t *testing.T) {
	msg := []byte(strings.Repeat("the quick brown fox ", 20))

	c := newCompressor(false)
	first, _ := c.compress(msg)
	n1 := len(first)
	second, _ := c.compress(msg)
	if len(second) >= n1 {
		t.Errorf("second message not shorter: %d >= %d", len(second), n1)
	}

	// A decompressor without the history cannot read the second message.
	d := newDecompressor(true)
	out, err := d.decompress(append([]byte{}, second...), 0)
	if err == nil && bytes.Equal(out, msg) {
		t.Error("second message decoded without context")
	}

	c = newCompressor(true)
	first, _ = c.compress(msg)
	n1 = len(first)
	second, _ = c.compress(msg)
	if len(second) != n1 {
		t.Errorf("no_context_takeover messages differ in size: %d != %d", len(second), n1)
	}
}

// TestInflateFlateWriter checks interoperability with an independent
// deflate stream, as produced by other websocket implementations.
func TestInflateFlateWriter(t *testing.T) {
	buf := &bytes.Buffer{}
	fw, _ := flate.NewWriter(buf, flate.BestSpeed)
	d := newDecompressor(false)

	for _, s := range []string{"first message", "second message", "first message"} {
		buf.Reset()
		io.WriteString(fw, s)
		fw.Flush()
		z := bytes.TrimSuffix(buf.Bytes(), []byte{0, 0, 0xff, 0xff})
		out, err := d.decompress(append([]byte{}, z...), 0)
		if err != nil {
			t.Fatal(err)
		}
		if string(out) != s {
			t.Errorf("got %q, expected %q", out, s)
		}
	}
}

func TestDecompressLimit(t *testing.T) {
	c := newCompressor(false)
	z, _ := c.compress(make([]byte, 10000))
	d := newDecompressor(false)
	_, err := d.decompress(append([]byte{}, z...), 9999)
	if err != ErrFrameTooLarge {
		t.Errorf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestAppendWindow(t *testing.T) {
	var w []byte
	w = appendWindow(w, bytes.Repeat([]byte{1}, windowSize-10))
	w = appendWindow(w, bytes.Repeat([]byte{2}, 20))
	if len(w) != windowSize {
		t.Fatalf("window has %d bytes", len(w))
	}
	if w[0] != 1 || w[windowSize-1] != 2 || w[windowSize-21] != 1 || w[windowSize-20] != 2 {
		t.Error("wrong window contents")
	}
	w = appendWindow(w, bytes.Repeat([]byte{3}, 2*windowSize))
	if len(w) != windowSize || w[0] != 3 {
		t.Error("wrong window after large append")
	}
}
