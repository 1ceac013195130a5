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
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httputil"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
)

// DefaultMaxRequestLine is the longest request line accepted by a Server,
// unless configured otherwise.  Longer request lines are answered with
// status 414.
const DefaultMaxRequestLine = 65536

var errRequestLineTooLong = errors.New("request line too long")

// requestError describes a malformed HTTP request.  It is answered with
// the given status code before the connection is closed.
type requestError struct {
	Status int
	Reason string
}

func (err *requestError) Error() string {
	return "bad request: " + err.Reason
}

// readRequest reads the request line and the headers of an HTTP/1.x
// request from br.  The body is left in br and can be read via
// req.Body.  At the end of the input, io.EOF is returned.
func readRequest(ctx context.Context, br *bufio.Reader, maxLine int, remoteAddr string) (*http.Request, error) {
	var line string
	for {
		var err error
		line, err = readLine(br, maxLine)
		if err == io.EOF && line == "" {
			return nil, io.EOF
		} else if err == errRequestLineTooLong {
			return nil, &requestError{Status: http.StatusRequestURITooLong, Reason: err.Error()}
		} else if err != nil {
			return nil, err
		}
		// Servers should ignore empty lines before the request line,
		// see RFC 7230, section 3.5.
		if line != "" {
			break
		}
	}

	method, rest, ok1 := strings.Cut(line, " ")
	requestURI, proto, ok2 := strings.Cut(rest, " ")
	if !ok1 || !ok2 || method == "" || requestURI == "" {
		return nil, &requestError{Status: http.StatusBadRequest, Reason: "malformed request line"}
	}
	major, minor, ok := http.ParseHTTPVersion(proto)
	if !ok || major != 1 {
		return nil, &requestError{Status: http.StatusBadRequest, Reason: "unsupported protocol " + strconv.Quote(proto)}
	}
	u, err := url.ParseRequestURI(requestURI)
	if err != nil {
		return nil, &requestError{Status: http.StatusBadRequest, Reason: "malformed request URI"}
	}

	mime, err := textproto.NewReader(br).ReadMIMEHeader()
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		var perr textproto.ProtocolError
		if errors.As(err, &perr) {
			return nil, &requestError{Status: http.StatusBadRequest, Reason: "malformed header"}
		}
		return nil, err
	}
	header := http.Header(mime)

	req := &http.Request{
		Method:     method,
		URL:        u,
		Proto:      proto,
		ProtoMajor: major,
		ProtoMinor: minor,
		Header:     header,
		Host:       u.Host,
		RequestURI: requestURI,
		RemoteAddr: remoteAddr,
		Body:       http.NoBody,
	}
	req = req.WithContext(ctx)
	if req.Host == "" {
		req.Host = header.Get("Host")
	}
	req.Close = shouldClose(major, minor, header)

	if te := header.Values("Transfer-Encoding"); len(te) > 0 {
		if !containsTokenFold(te, "chunked") {
			return nil, &requestError{Status: http.StatusNotImplemented, Reason: "unsupported transfer encoding"}
		}
		req.TransferEncoding = []string{"chunked"}
		req.ContentLength = -1
		req.Body = io.NopCloser(&chunkedBody{
			r:   httputil.NewChunkedReader(br),
			br:  br,
			req: req,
		})
	} else if cl := header.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err != nil || n < 0 {
			return nil, &requestError{Status: http.StatusBadRequest, Reason: "invalid Content-Length"}
		}
		req.ContentLength = n
		if n > 0 {
			req.Body = io.NopCloser(io.LimitReader(br, n))
		}
	}

	return req, nil
}

// readLine reads a single line, terminated by LF or CRLF, of at most limit
// bytes.  The line terminator is not included in the result.  Overlong
// lines are detected without waiting for the end of the line.
func readLine(br *bufio.Reader, limit int) (string, error) {
	var line []byte
	for {
		_, err := br.Peek(1)
		if err == io.EOF && len(line) > 0 {
			return "", io.ErrUnexpectedEOF
		} else if err != nil {
			return "", err
		}
		buf, _ := br.Peek(br.Buffered())

		if i := bytes.IndexByte(buf, '\n'); i >= 0 {
			if len(line)+i > limit+1 {
				return "", errRequestLineTooLong
			}
			line = append(line, buf[:i]...)
			br.Discard(i + 1)
			break
		}
		if len(line)+len(buf) > limit+1 {
			return "", errRequestLineTooLong
		}
		line = append(line, buf...)
		br.Discard(len(buf))
	}

	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	if len(line) > limit {
		return "", errRequestLineTooLong
	}
	return string(line), nil
}

// chunkedBody reads a chunked request body, followed by the trailer.
type chunkedBody struct {
	r    io.Reader
	br   *bufio.Reader
	req  *http.Request
	done bool
}

func (b *chunkedBody) Read(p []byte) (int, error) {
	if b.done {
		return 0, io.EOF
	}
	n, err := b.r.Read(p)
	if err == io.EOF {
		b.done = true
		trailer, terr := textproto.NewReader(b.br).ReadMIMEHeader()
		if terr != nil {
			return n, unexpected(terr)
		}
		if len(trailer) > 0 {
			b.req.Trailer = http.Header(trailer)
		}
	}
	return n, err
}

// shouldClose reports whether the connection must be closed after the
// response, following the HTTP/1.x keep-alive rules.
func shouldClose(major, minor int, header http.Header) bool {
	conn := header.Values("Connection")
	if containsTokenFold(conn, "close") {
		return true
	}
	if major == 1 && minor == 0 {
		return !containsTokenFold(conn, "keep-alive")
	}
	return false
}
