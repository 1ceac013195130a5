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
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"seehuhn.de/go/wsocket/notify"
)

// Callbacks connect a websocket session to the application.  All
// callbacks are optional and are called from the goroutine serving the
// connection.
type Callbacks struct {
	// OnConnect is called once the handshake has completed, before the
	// first message is read.
	OnConnect func(conn *Conn)

	// OnMessage is called for every message received from the client, in
	// the order of arrival.  A panic in OnMessage closes the connection
	// with StatusInternalServerError.
	OnMessage func(conn *Conn, msg Message)

	// OnClose is called after the connection has been closed.  err
	// describes why Receive stopped; see Conn.Receive.
	OnClose func(conn *Conn, err error)
}

// EventKind distinguishes the events published for a session.
type EventKind int

// These are the possible values of EventKind.
const (
	EventConnect EventKind = iota + 1
	EventMessage
	EventClose
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventMessage:
		return "message"
	case EventClose:
		return "close"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event describes a change in a websocket session.  Events are published
// to the notifier configured in a Server or Handler.
type Event struct {
	Kind    EventKind
	Conn    *Conn
	Message Message // only for EventMessage
	Err     error   // only for EventClose
}

// RateLimitConfig limits the rate of messages accepted from one client.
// Clients which exceed the limit are disconnected with
// StatusPolicyViolation.
type RateLimitConfig struct {
	// MessagesPerSecond is the sustained rate of messages.
	MessagesPerSecond rate.Limit

	// Burst is the maximum number of messages accepted at once.
	Burst int

	// Enabled determines whether the limit is applied.
	Enabled bool
}

// DefaultRateLimitConfig allows 100 messages per second, with bursts of
// up to 200 messages.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerSecond: 100,
		Burst:             200,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled.
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{Enabled: false}
}

func (cfg *RateLimitConfig) newLimiter() *rate.Limiter {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	return rate.NewLimiter(cfg.MessagesPerSecond, cfg.Burst)
}

// session runs the receive loop of one websocket connection.
type session struct {
	conn      *Conn
	callbacks *Callbacks
	events    *notify.Notifier[Event]
	limiter   *rate.Limiter
}

func newSession(conn *Conn, callbacks *Callbacks, events *notify.Notifier[Event], limit *RateLimitConfig) *session {
	if callbacks == nil {
		callbacks = &Callbacks{}
	}
	return &session{
		conn:      conn,
		callbacks: callbacks,
		events:    events,
		limiter:   limit.newLimiter(),
	}
}

// run delivers messages until the connection is closed.  When run
// returns, the connection is in StateClosed.
func (s *session) run() {
	conn := s.conn
	conn.logger.Debug("websocket session started",
		zap.String("resource", conn.ResourceName),
		zap.String("protocol", conn.Protocol),
		zap.Bool("compression", conn.Compression))

	var err error
	if s.callbacks.OnConnect != nil {
		err = s.call(func() { s.callbacks.OnConnect(conn) })
	}
	if err == nil {
		s.publish(Event{Kind: EventConnect, Conn: conn})
		err = s.receiveLoop()
	}

	// make sure the socket is released in all cases
	if conn.State() != StateClosed {
		conn.abort()
	}

	if s.callbacks.OnClose != nil {
		s.call(func() { s.callbacks.OnClose(conn, err) })
	}
	s.publish(Event{Kind: EventClose, Conn: conn, Err: err})
	conn.logger.Debug("websocket session ended", zap.Error(err))
}

func (s *session) receiveLoop() error {
	conn := s.conn
	for {
		msg, err := conn.Receive()
		if err != nil {
			return err
		}

		if s.limiter != nil && !s.limiter.Allow() {
			conn.logger.Warn("rate limit exceeded")
			conn.Close(StatusPolicyViolation, "rate limit exceeded")
			return &ProtocolError{Code: StatusPolicyViolation, Reason: "rate limit exceeded"}
		}

		if s.callbacks.OnMessage != nil {
			err = s.call(func() { s.callbacks.OnMessage(conn, msg) })
			if err != nil {
				return err
			}
		}
		s.publish(Event{Kind: EventMessage, Conn: conn, Message: msg})
	}
}

var errHandlerPanic = errors.New("websocket handler panicked")

// call runs an application callback.  If the callback panics, the
// connection is closed with StatusInternalServerError.
func (s *session) call(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.conn.logger.Error("websocket handler panicked",
				zap.Any("panic", r), zap.Stack("stack"))
			s.conn.Close(StatusInternalServerError, "")
			err = fmt.Errorf("%w: %v", errHandlerPanic, r)
		}
	}()
	fn()
	return nil
}

func (s *session) publish(ev Event) {
	if s.events == nil {
		return
	}
	if !s.events.Publish(ev) {
		s.conn.logger.Debug("event dropped", zap.Stringer("kind", ev.Kind))
	}
}
