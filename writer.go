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
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

// writeBuffers larger than this are not kept between writes.
const maxRetainedWriteBuf = 64 * 1024

// SendText sends a text message to the client.  The message is
// compressed if permessage-deflate was negotiated.
func (conn *Conn) SendText(msg string) error {
	return conn.Send(Text, []byte(msg), true)
}

// SendBinary sends a binary message to the client.  The message is
// compressed if permessage-deflate was negotiated.
func (conn *Conn) SendBinary(msg []byte) error {
	return conn.Send(Binary, msg, true)
}

// Send sends a message of type tp (Text or Binary) in a single frame.
// Text messages must be valid utf-8.  If compress is set and the client
// negotiated permessage-deflate, the message is sent in compressed form.
func (conn *Conn) Send(tp MessageType, data []byte, compress bool) error {
	if tp != Text && tp != Binary {
		return ErrMessageType
	}
	if tp == Text && !utf8.Valid(data) {
		return ErrInvalidUTF8
	}

	conn.writeMutex.Lock()
	defer conn.writeMutex.Unlock()

	if conn.State() != StateOpen {
		return ErrConnClosed
	}

	h := &header{Final: true, Opcode: tp}
	if compress && conn.deflate != nil {
		var err error
		data, err = conn.deflate.compress(data)
		if err != nil {
			return err
		}
		h.Rsv = rsv1Bit
	}
	return conn.writeFrameLocked(h, data)
}

// Ping sends a ping frame.  The client answers with a pong frame, which
// is discarded by Receive.
func (conn *Conn) Ping(data []byte) error {
	if len(data) > maxControlPayload {
		return ErrFrameTooLarge
	}
	return conn.writeControl(pingFrame, data)
}

func (conn *Conn) writeControl(opcode MessageType, body []byte) error {
	conn.writeMutex.Lock()
	defer conn.writeMutex.Unlock()
	return conn.writeFrameLocked(&header{Final: true, Opcode: opcode}, body)
}

// writeFrameLocked writes a single frame to the network.  The caller
// must hold conn.writeMutex.  Once the closing handshake has started,
// only the close frame itself can be written.
func (conn *Conn) writeFrameLocked(h *header, body []byte) error {
	state := conn.State()
	if state == StateClosed || state == StateClosing && h.Opcode != closeFrame {
		return ErrConnClosed
	}

	buf, err := appendFrame(conn.writeBuf[:0], h, body)
	if err != nil {
		return err
	}
	if cap(buf) <= maxRetainedWriteBuf {
		conn.writeBuf = buf
	}

	if conn.writeTimeout > 0 {
		conn.raw.SetWriteDeadline(time.Now().Add(conn.writeTimeout))
	}
	_, err = conn.raw.Write(buf)
	if err != nil {
		conn.abort()
		return &TransportError{Op: "write", Err: err}
	}

	if ce := conn.logger.Check(zap.DebugLevel, "frame sent"); ce != nil {
		ce.Write(
			zap.Stringer("opcode", h.Opcode),
			zap.Bool("compressed", h.compressed()),
			zap.Int("length", len(body)))
	}
	return nil
}

// BroadcastText sends a text message to all of the given clients.  The
// returned map contains the errors for clients where sending failed,
// indexed by the position in clients.
func BroadcastText(msg string, clients []*Conn) map[int]error {
	return broadcastData(Text, []byte(msg), clients)
}

// BroadcastBinary sends a binary message to all of the given clients.
func BroadcastBinary(data []byte, clients []*Conn) map[int]error {
	return broadcastData(Binary, data, clients)
}

func broadcastData(opcode MessageType, data []byte, clients []*Conn) map[int]error {
	errors := make(map[int]error)
	for i, conn := range clients {
		err := conn.Send(opcode, data, true)
		if err != nil {
			errors[i] = err
		}
	}
	return errors
}
