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
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Headers which must not be sent with certain status codes, see RFC 7230,
// section 3.3.
var forbiddenHeaders = map[int][]string{
	http.StatusNoContent: {"Content-Type", "Content-Length"},
	http.StatusNotModified: {
		"Allow", "Content-Encoding", "Content-Language", "Content-Length",
		"Content-Range", "Content-Type", "Content-Md5", "Last-Modified",
	},
}

// response is the http.ResponseWriter used by Server for plain HTTP
// requests.  The body is buffered, so that the Content-Length header can
// be sent.
type response struct {
	req         *http.Request
	header      http.Header
	status      int
	wroteHeader bool
	body        bytes.Buffer
	serverName  string
}

func newResponse(req *http.Request, serverName string) *response {
	return &response{
		req:        req,
		header:     make(http.Header),
		serverName: serverName,
	}
}

func (w *response) Header() http.Header {
	return w.header
}

func (w *response) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	if code < 100 || code > 999 {
		panic(fmt.Sprintf("invalid WriteHeader code %v", code))
	}
	w.status = code
	w.wroteHeader = true
}

func (w *response) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if !bodyAllowed(w.status) {
		return 0, http.ErrBodyNotAllowed
	}
	return w.body.Write(p)
}

// finish sends the response to the client.  If closeAfter is set, the
// client is told that the connection will be closed.
func (w *response) finish(bw *bufio.Writer, closeAfter bool) error {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}

	h := w.header
	for _, key := range forbiddenHeaders[w.status] {
		h.Del(key)
	}
	if bodyAllowed(w.status) {
		if h.Get("Content-Type") == "" && w.body.Len() > 0 {
			h.Set("Content-Type", http.DetectContentType(w.body.Bytes()))
		}
		h.Set("Content-Length", strconv.Itoa(w.body.Len()))
	}
	if closeAfter {
		h.Set("Connection", "close")
	}

	var body []byte
	if w.req.Method != http.MethodHead {
		body = w.body.Bytes()
	}
	return writeResponse(bw, w.req, w.status, h, w.serverName, body)
}

func bodyAllowed(status int) bool {
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}

// writeResponse writes a complete HTTP response and flushes bw.
func writeResponse(bw *bufio.Writer, req *http.Request, status int, h http.Header, serverName string, body []byte) error {
	major, minor := 1, 1
	if req != nil && req.ProtoMajor == 1 && req.ProtoMinor == 0 {
		minor = 0
	}
	writeStatusLine(bw, major, minor, status)

	if h.Get("Date") == "" {
		h.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	if serverName != "" && h.Get("Server") == "" {
		h.Set("Server", serverName)
	}
	h.Write(bw)
	bw.WriteString("\r\n")
	bw.Write(body)
	return bw.Flush()
}

func writeStatusLine(w io.Writer, major, minor, status int) {
	text := http.StatusText(status)
	if text == "" {
		text = "status code " + strconv.Itoa(status)
	}
	fmt.Fprintf(w, "HTTP/%d.%d %03d %s\r\n", major, minor, status, text)
}

// writeError sends an error response with a plain text body, and asks
// the client to close the connection.
func writeError(bw *bufio.Writer, req *http.Request, status int, reason string, header http.Header, serverName string) error {
	h := make(http.Header)
	for k, v := range header {
		h[k] = v
	}
	body := []byte(reason + "\n")
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set("Connection", "close")
	if req != nil && req.Method == http.MethodHead {
		body = nil
	}
	return writeResponse(bw, req, status, h, serverName, body)
}

// writeSwitchingProtocols sends the 101 response accepting a websocket
// handshake.
func writeSwitchingProtocols(bw *bufio.Writer, res *HandshakeResult, serverName string) error {
	writeStatusLine(bw, 1, 1, http.StatusSwitchingProtocols)
	if serverName != "" {
		bw.WriteString("Server: " + serverName + "\r\n")
	}
	res.Header.Write(bw)
	bw.WriteString("\r\n")
	return bw.Flush()
}
