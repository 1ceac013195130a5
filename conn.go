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
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultReadLimit is the maximal size of a received message, unless
// configured otherwise.
const DefaultReadLimit = 32 << 20

// Conn represents a websocket connection initiated by a client.  All
// exported fields are read-only.  Use a Server or a Handler to obtain Conn
// objects.
//
// Receive must only be called by one goroutine at a time.  The sending
// methods and Close may be used concurrently with Receive; writes are
// serialized internally.
type Conn struct {
	ID           string // random UUID, used in log messages
	ResourceName string // path and query of the request
	Origin       string
	RemoteAddr   string
	Protocol     string // negotiated subprotocol, or ""
	Version      int    // value of the Sec-WebSocket-Version header
	Compression  bool   // whether permessage-deflate was negotiated

	// Request is the HTTP request which opened the connection.  The
	// request body must not be used.
	Request *http.Request

	raw net.Conn
	br  *bufio.Reader

	readLimit    int64
	readTimeout  time.Duration
	writeTimeout time.Duration
	logger       *zap.Logger

	// Fields used by Receive.  These are only accessed by the goroutine
	// reading from the connection.
	headerBuf     [maxHeaderSize]byte
	msgType       MessageType // contFrame if no message is in progress
	msgCompressed bool
	msgBuf        []byte
	inflate       *decompressor

	writeMutex sync.Mutex
	writeBuf   []byte
	deflate    *compressor

	stateMutex sync.Mutex
	state      State
}

type connConfig struct {
	ReadLimit    int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       *zap.Logger
}

func newConn(raw net.Conn, br *bufio.Reader, req *http.Request, res *HandshakeResult, cfg *connConfig) *Conn {
	conn := &Conn{
		ID:         uuid.NewString(),
		RemoteAddr: raw.RemoteAddr().String(),

		raw:          raw,
		br:           br,
		readLimit:    cfg.ReadLimit,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
	}
	if conn.readLimit <= 0 {
		conn.readLimit = DefaultReadLimit
	}
	if req != nil {
		conn.Request = req
		conn.ResourceName = req.URL.RequestURI()
		if req.RemoteAddr != "" {
			conn.RemoteAddr = req.RemoteAddr
		}
	}
	if res != nil {
		conn.Origin = res.Origin
		conn.Protocol = res.Protocol
		conn.Version = res.Version
		if res.Deflate != nil {
			conn.Compression = true
			conn.deflate = newCompressor(res.Deflate.ServerNoContextTakeover)
			conn.inflate = newDecompressor(res.Deflate.ClientNoContextTakeover)
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	conn.logger = logger.With(zap.String("conn", conn.ID), zap.String("remote", conn.RemoteAddr))
	return conn
}

// MessageType encodes the type of a websocket message.
type MessageType byte

// Websocket message types as define in RFC 6455.
// See: https://tools.ietf.org/html/rfc6455#section-5.6
const (
	Text   MessageType = 1
	Binary MessageType = 2

	contFrame  MessageType = 0
	closeFrame MessageType = 8
	pingFrame  MessageType = 9
	pongFrame  MessageType = 10
)

func (tp MessageType) String() string {
	switch tp {
	case Text:
		return "text"
	case Binary:
		return "binary"
	case contFrame:
		return "continuation"
	case closeFrame:
		return "close"
	case pingFrame:
		return "ping"
	case pongFrame:
		return "pong"
	default:
		return fmt.Sprintf("MessageType(%d)", tp)
	}
}

func (tp MessageType) isControl() bool {
	return tp >= closeFrame
}

func (tp MessageType) isKnown() bool {
	return tp <= Binary || tp >= closeFrame && tp <= pongFrame
}

// Message is a complete text or binary message received from a client.
type Message struct {
	Type MessageType
	Data []byte
}

// Text returns the message body as a string.
func (msg Message) Text() string {
	return string(msg.Data)
}

// Status describes the reason for the closure of a websocket
// connection.
type Status uint16

// Websocket status codes as defined in RFC 6455, for use in the
// Conn.Close() method.
// See: https://tools.ietf.org/html/rfc6455#section-7.4.1
const (
	StatusOK                     Status = 1000
	StatusGoingAway              Status = 1001
	StatusProtocolError          Status = 1002
	StatusUnsupportedType        Status = 1003
	StatusNotSent                Status = 1005 // never sent over the wire
	StatusDropped                Status = 1006 // never sent over the wire
	StatusInvalidData            Status = 1007
	StatusPolicyViolation        Status = 1008
	StatusTooLarge               Status = 1009
	StatusClientMissingExtension Status = 1010 // only sent by client
	StatusInternalServerError    Status = 1011
)

// IsValid reports whether code may appear in a close frame.
func (code Status) IsValid() bool {
	switch {
	case code < 1000 || code > 4999:
		return false
	case code >= 1004 && code <= 1006:
		return false
	case code >= 1012 && code <= 1016:
		return false
	case code == 1100:
		return false
	case code >= 2000 && code <= 2999:
		return false
	}
	return true
}

// State is the state of the closing handshake of a connection.
type State int32

// The states of a connection.  A connection starts in StateOpen and
// ends in StateClosed.
const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// State returns the current state of the connection.
func (conn *Conn) State() State {
	conn.stateMutex.Lock()
	defer conn.stateMutex.Unlock()
	return conn.state
}

// Close terminates a websocket connection and frees all associated resources.
// The connection cannot be used any more after Close() has been called.
//
// The status code indicates whether the connection completed successfully, or
// due to an error.  Use StatusOK for normal termination, and one of the other
// status codes in case of errors. Use StatusNotSent to not send a status code.
//
// The reason can be used to provide additional information to the client for
// debugging.  The utf-8 representation of the string can be at most 123 bytes
// long, otherwise ErrFrameTooLarge is returned.
//
// If the connection is already closed, ErrAlreadyClosed is returned.
func (conn *Conn) Close(code Status, reason string) error {
	if !(code.IsValid() || code == StatusNotSent) {
		return ErrStatusCode
	}
	if len(reason) > maxCloseReasonSize {
		return ErrFrameTooLarge
	}
	if !utf8.ValidString(reason) {
		return ErrInvalidUTF8
	}
	return conn.close(code, reason)
}

// close sends a close frame, if the connection is still open, and then
// releases the socket.  Write errors are ignored, since the socket is
// going away in any case.
func (conn *Conn) close(code Status, reason string) error {
	conn.writeMutex.Lock()
	defer conn.writeMutex.Unlock()

	conn.stateMutex.Lock()
	if conn.state != StateOpen {
		conn.stateMutex.Unlock()
		return ErrAlreadyClosed
	}
	conn.state = StateClosing
	conn.stateMutex.Unlock()

	var body []byte
	if code != StatusNotSent {
		body = make([]byte, 2, 2+len(reason))
		body[0] = byte(code >> 8)
		body[1] = byte(code)
		body = append(body, reason...)
	}
	err := conn.writeFrameLocked(&header{Final: true, Opcode: closeFrame}, body)
	if err != nil {
		conn.logger.Debug("failed to write close frame", zap.Error(err))
	}

	conn.stateMutex.Lock()
	conn.state = StateClosed
	conn.stateMutex.Unlock()
	conn.raw.Close()

	conn.logger.Debug("connection closed",
		zap.Uint16("code", uint16(code)), zap.String("reason", reason))
	return nil
}

// abort releases the socket without a closing handshake.  It reports
// whether the connection was open before the call.
func (conn *Conn) abort() bool {
	conn.stateMutex.Lock()
	wasOpen := conn.state != StateClosed
	conn.state = StateClosed
	conn.stateMutex.Unlock()

	if wasOpen {
		conn.raw.Close()
	}
	return wasOpen
}

// truncateReason shortens s to fit into a close frame, without
// splitting a utf-8 sequence.
func truncateReason(s string) string {
	if len(s) <= maxCloseReasonSize {
		return s
	}
	n := maxCloseReasonSize
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
