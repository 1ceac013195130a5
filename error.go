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
	"fmt"
	"net/http"
)

type webSocketError string

func (err webSocketError) Error() string {
	return string(err)
}

const (
	// ErrConnClosed indicates that the websocket connection has been
	// closed (either by the server or the client).
	ErrConnClosed = webSocketError("connection closed")

	// ErrAlreadyClosed is returned by Conn.Close if the connection had
	// been closed before.
	ErrAlreadyClosed = webSocketError("connection is already closed")

	// ErrMessageType indicates that an invalid message type has been
	// encountered.  Valid message types are Text and Binary.
	ErrMessageType = webSocketError("invalid message type")

	// ErrStatusCode indicates that an invalid status code has been
	// supplied.
	ErrStatusCode = webSocketError("invalid status code")

	// ErrFrameTooLarge indicates that a frame exceeds the size permitted
	// for its type.
	ErrFrameTooLarge = webSocketError("frame too large")

	// ErrInvalidUTF8 indicates that a text message is not valid utf-8.
	ErrInvalidUTF8 = webSocketError("invalid utf-8 in text message")

	// ErrNotUpgrade is returned by Negotiator.Negotiate for requests
	// which do not ask for a websocket connection.  Such requests are
	// served as ordinary HTTP requests.
	ErrNotUpgrade = webSocketError("not a websocket upgrade request")

	// ErrServerClosed is returned by Server.Serve after Server.Close has
	// been called.
	ErrServerClosed = webSocketError("server closed")
)

// ProtocolError reports a violation of the framing rules by the client.
// The connection is closed with Code after such an error.
type ProtocolError struct {
	Code   Status
	Reason string
	Err    error
}

func (err *ProtocolError) Error() string {
	return fmt.Sprintf("websocket protocol error (%d): %s", err.Code, err.Reason)
}

func (err *ProtocolError) Unwrap() error {
	return err.Err
}

func protocolError(code Status, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{
		Code:   code,
		Reason: fmt.Sprintf(format, args...),
	}
}

// TransportError reports a failure of the underlying socket: a reset,
// a timeout or a connection which ended in the middle of a frame.
// No close handshake is attempted after a transport error.
type TransportError struct {
	Op  string
	Err error
}

func (err *TransportError) Error() string {
	return "websocket " + err.Op + ": " + err.Err.Error()
}

func (err *TransportError) Unwrap() error {
	return err.Err
}

// CloseError is returned by Conn.Receive after the client has closed the
// connection.  Code is StatusNotSent if the close frame carried no
// status code.
type CloseError struct {
	Code   Status
	Reason string
}

func (err *CloseError) Error() string {
	if err.Reason == "" {
		return fmt.Sprintf("connection closed by client (%d)", err.Code)
	}
	return fmt.Sprintf("connection closed by client (%d): %s", err.Code, err.Reason)
}

// Is makes errors.Is(err, ErrConnClosed) true for close errors.
func (err *CloseError) Is(target error) bool {
	return target == ErrConnClosed
}

// HandshakeError describes a rejected upgrade request.  The error is
// rendered as an HTTP response with the given status code and headers;
// no websocket connection is established.
type HandshakeError struct {
	Status int
	Reason string
	Header http.Header
}

func (err *HandshakeError) Error() string {
	return fmt.Sprintf("websocket handshake failed (%d): %s", err.Status, err.Reason)
}

func handshakeError(status int, reason string) *HandshakeError {
	return &HandshakeError{
		Status: status,
		Reason: reason,
		Header: http.Header{},
	}
}
