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
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"seehuhn.de/go/wsocket/notify"
)

// Handler implements the http.Handler interface.  The handler responds
// to upgrade requests by opening a websocket connection, and passes all
// other requests to Next.  This allows to use websockets with a
// standard net/http server.
type Handler struct {
	// Negotiator checks upgrade requests.  If nil, the zero Negotiator is
	// used.
	Negotiator *Negotiator

	// Callbacks are called for every websocket connection.
	Callbacks Callbacks

	// Next serves requests which do not ask for a websocket connection.
	// If Next is nil, such requests are answered with status 426.
	Next http.Handler

	// Events, if set, receives an Event for every connect, message and
	// close of a websocket connection.
	Events *notify.Notifier[Event]

	// RateLimit limits the messages accepted per connection.  If nil, no
	// limit is applied.
	RateLimit *RateLimitConfig

	// ReadLimit is the maximal size of a received message.  If zero or
	// negative, DefaultReadLimit is used.
	ReadLimit int64

	// ReadTimeout and WriteTimeout set socket deadlines for websocket
	// frames.  Zero means no timeout.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// If non-empty, this string is sent in the "Server" HTTP header
	// during handshake.
	ServerName string

	// Logger receives the log messages of the handler.  If nil, nothing
	// is logged.
	Logger *zap.Logger
}

func (handler *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	res, err := handler.negotiate(w, req)
	if errors.Is(err, ErrNotUpgrade) {
		if handler.Next != nil {
			handler.Next.ServeHTTP(w, req)
			return
		}
		w.Header().Set("Upgrade", "websocket")
		w.Header().Set("Sec-WebSocket-Version", strings.Join(SupportedVersions, ", "))
		http.Error(w, "websocket connection required", http.StatusUpgradeRequired)
		return
	} else if err != nil {
		return
	}

	conn, err := handler.accept(w, req, res)
	if err != nil {
		return
	}

	// The session runs on the goroutine of the HTTP server, which is no
	// longer needed for the hijacked connection.
	newSession(conn, &handler.Callbacks, handler.Events, handler.RateLimit).run()
}

// Upgrade upgrades an HTTP connection to the websocket protocol.  On
// failure, an HTTP error response has been sent.  After this function
// returns, w and req cannot be used any more.
//
// The caller is responsible for reading from the connection, using
// conn.Receive, and for closing it.  The Callbacks, Events and RateLimit
// fields are not used for connections obtained via Upgrade.
func (handler *Handler) Upgrade(w http.ResponseWriter, req *http.Request) (*Conn, error) {
	res, err := handler.negotiate(w, req)
	if errors.Is(err, ErrNotUpgrade) {
		http.Error(w, "websocket handshake failed", http.StatusBadRequest)
		return nil, err
	} else if err != nil {
		return nil, err
	}
	return handler.accept(w, req, res)
}

// negotiate checks the handshake.  Rejected handshakes are answered
// here; ErrNotUpgrade is returned without writing a response.
func (handler *Handler) negotiate(w http.ResponseWriter, req *http.Request) (*HandshakeResult, error) {
	n := handler.Negotiator
	if n == nil {
		n = &Negotiator{}
	}
	res, err := n.Negotiate(req)
	var herr *HandshakeError
	if errors.As(err, &herr) {
		handler.logger().Info("websocket handshake rejected",
			zap.String("remote", req.RemoteAddr),
			zap.String("resource", req.RequestURI),
			zap.Int("status", herr.Status),
			zap.String("reason", herr.Reason))
		for k, v := range herr.Header {
			w.Header()[k] = v
		}
		http.Error(w, herr.Reason, herr.Status)
	}
	return res, err
}

func (handler *Handler) accept(w http.ResponseWriter, req *http.Request, res *HandshakeResult) (*Conn, error) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return nil, errors.New("connection hijacking not supported")
	}
	raw, rw, err := hijacker.Hijack()
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return nil, err
	}
	raw.SetDeadline(time.Time{})

	if handler.WriteTimeout > 0 {
		raw.SetWriteDeadline(time.Now().Add(handler.WriteTimeout))
	}
	err = writeSwitchingProtocols(rw.Writer, res, handler.ServerName)
	if err != nil {
		raw.Close()
		return nil, &TransportError{Op: "handshake", Err: err}
	}

	conn := newConn(raw, rw.Reader, req, res, &connConfig{
		ReadLimit:    handler.ReadLimit,
		ReadTimeout:  handler.ReadTimeout,
		WriteTimeout: handler.WriteTimeout,
		Logger:       handler.logger(),
	})
	return conn, nil
}

func (handler *Handler) logger() *zap.Logger {
	if handler.Logger == nil {
		return zap.NewNop()
	}
	return handler.Logger
}
