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
	"encoding/binary"
	"errors"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

// Receive reads the next complete message from the connection.  Ping
// frames are answered and pong frames are discarded while waiting.
//
// The returned error is one of the following:
//
//   - nil: msg holds a complete text or binary message.
//   - *CloseError: the client closed the connection.  The close frame has
//     been answered and the connection is closed.
//   - ErrConnClosed: the connection had been closed by the server.
//   - *ProtocolError: the client violated the protocol.  The connection
//     has been closed with the status code given in the error.
//   - *TransportError: reading from the network failed.  The connection
//     has been closed without a closing handshake.
//
// errors.Is(err, ErrConnClosed) is true for the first two kinds.
func (conn *Conn) Receive() (Message, error) {
	if conn.State() != StateOpen {
		return Message{}, ErrConnClosed
	}

	for {
		h, body, err := conn.readFrame()
		if err != nil {
			return Message{}, conn.fail(err)
		}

		switch h.Opcode {
		case pingFrame:
			err = conn.writeControl(pongFrame, body)
			if err != nil {
				return Message{}, conn.fail(err)
			}
			continue
		case pongFrame:
			// we don't send ping frames on our own, so we just swallow
			// pong frames
			continue
		case closeFrame:
			return Message{}, conn.handleClose(body)
		case Text, Binary:
			if conn.msgType != contFrame {
				return Message{}, conn.fail(protocolError(StatusProtocolError,
					"%s frame inside a fragmented message", h.Opcode))
			}
			conn.msgType = h.Opcode
			conn.msgCompressed = h.compressed()
			conn.msgBuf = body
		case contFrame:
			if conn.msgType == contFrame {
				return Message{}, conn.fail(protocolError(StatusProtocolError,
					"continuation frame without a message"))
			}
			conn.msgBuf = append(conn.msgBuf, body...)
		}

		if !h.Final {
			continue
		}

		msg := Message{
			Type: conn.msgType,
			Data: conn.msgBuf,
		}
		compressed := conn.msgCompressed
		conn.msgType = contFrame
		conn.msgCompressed = false
		conn.msgBuf = nil

		if compressed {
			msg.Data, err = conn.inflate.decompress(msg.Data, conn.readLimit)
			if errors.Is(err, ErrFrameTooLarge) {
				perr := protocolError(StatusTooLarge, "message exceeds %d bytes", conn.readLimit)
				perr.Err = err
				return Message{}, conn.fail(perr)
			} else if err != nil {
				perr := protocolError(StatusInvalidData, "cannot decompress message")
				perr.Err = err
				return Message{}, conn.fail(perr)
			}
		}
		if msg.Data == nil {
			msg.Data = []byte{}
		}
		if msg.Type == Text && !utf8.Valid(msg.Data) {
			perr := protocolError(StatusInvalidData, "invalid utf-8 in text message")
			perr.Err = ErrInvalidUTF8
			return Message{}, conn.fail(perr)
		}
		return msg, nil
	}
}

// readFrame reads one frame from the network and checks the parts of the
// framing rules which depend on the connection state.
func (conn *Conn) readFrame() (*header, []byte, error) {
	if conn.readTimeout > 0 {
		conn.raw.SetReadDeadline(time.Now().Add(conn.readTimeout))
	}

	h, err := readFrameHeader(conn.br, conn.headerBuf[:])
	if err != nil {
		return nil, nil, err
	}

	// All frames sent from the client to the server MUST be masked.
	if !h.Masked {
		return nil, nil, protocolError(StatusProtocolError, "unmasked client frame")
	}

	// RSV1 marks compressed messages.  It is only valid on the first
	// frame of a message, and only if the extension was negotiated.
	var allowed byte
	if conn.inflate != nil && (h.Opcode == Text || h.Opcode == Binary) {
		allowed = rsv1Bit
	}
	if h.Rsv&^allowed != 0 {
		return nil, nil, protocolError(StatusProtocolError, "reserved bits %#02x set", h.Rsv)
	}

	if conn.readLimit > 0 && !h.Opcode.isControl() &&
		uint64(len(conn.msgBuf))+h.Length > uint64(conn.readLimit) {
		perr := protocolError(StatusTooLarge, "message exceeds %d bytes", conn.readLimit)
		perr.Err = ErrFrameTooLarge
		return nil, nil, perr
	}

	body, err := readFrameBody(conn.br, h)
	if err != nil {
		return nil, nil, err
	}

	if ce := conn.logger.Check(zap.DebugLevel, "frame received"); ce != nil {
		ce.Write(
			zap.Stringer("opcode", h.Opcode),
			zap.Bool("final", h.Final),
			zap.Bool("compressed", h.compressed()),
			zap.Stringer("body", formatBody(body)))
	}
	return h, body, nil
}

// handleClose answers a close frame received from the client.
func (conn *Conn) handleClose(body []byte) error {
	status := StatusNotSent
	var reason string
	switch {
	case len(body) == 1:
		return conn.fail(protocolError(StatusProtocolError, "invalid close frame payload"))
	case len(body) >= 2:
		status = Status(binary.BigEndian.Uint16(body))
		if !status.IsValid() {
			return conn.fail(protocolError(StatusProtocolError, "invalid close code %d", status))
		}
		if !utf8.Valid(body[2:]) {
			return conn.fail(protocolError(StatusInvalidData, "invalid utf-8 in close reason"))
		}
		reason = string(body[2:])
	}

	reply := status
	if reply == StatusNotSent {
		reply = StatusOK
	}
	conn.close(reply, reason)

	return &CloseError{Code: status, Reason: reason}
}

// fail tears down the connection after a read or write error.  Protocol
// errors are reported to the client in a close frame, transport errors
// just drop the connection.
func (conn *Conn) fail(err error) error {
	if conn.State() != StateOpen {
		// The connection was closed while we were reading.
		conn.abort()
		return ErrConnClosed
	}

	var perr *ProtocolError
	if errors.As(err, &perr) {
		conn.logger.Info("protocol error", zap.Error(err))
		conn.close(perr.Code, truncateReason(perr.Reason))
		return err
	}

	conn.logger.Debug("transport error", zap.Error(err))
	conn.abort()
	return err
}
