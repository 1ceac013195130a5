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
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"seehuhn.de/go/wsocket/notify"
	"seehuhn.de/go/wsocket/router"
)

// DefaultAddr is the listening address used when Server.Addr is empty.
const DefaultAddr = "127.0.0.1:8080"

// Request bodies longer than this are not drained after a plain HTTP
// request; the connection is closed instead.
const maxDrainBody = 256 << 10

// Server serves plain HTTP and websocket connections on the same
// listening socket.  Each accepted connection is handled by its own
// goroutine.  Requests which ask for a websocket upgrade are negotiated
// and then passed to the Callbacks; all other requests are served by
// Handler.
//
// The exported fields must not be changed after Serve has been called.
type Server struct {
	// Addr is the TCP address to listen on.  If empty, DefaultAddr is
	// used.
	Addr string

	// Handler serves requests which do not ask for a websocket
	// connection.  If nil, router.NotFound is used.
	Handler http.Handler

	// Negotiator checks upgrade requests.  If nil, the zero Negotiator is
	// used.
	Negotiator *Negotiator

	// Callbacks are called for every websocket connection.
	Callbacks Callbacks

	// Events, if set, receives an Event for every connect, message and
	// close of a websocket connection.  The Server does not close the
	// notifier.
	Events *notify.Notifier[Event]

	// RateLimit limits the messages accepted per websocket connection.
	// If nil, no limit is applied.
	RateLimit *RateLimitConfig

	// ReadTimeout limits the time to read an HTTP request, and the time
	// between two websocket frames.  WriteTimeout limits the time to
	// write a response or a frame.  Zero means no timeout.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// ReadLimit is the maximal size of a received websocket message.  If
	// zero or negative, DefaultReadLimit is used.
	ReadLimit int64

	// MaxRequestLine is the maximal length of the HTTP request line.
	// Longer requests are answered with status 414.  If zero,
	// DefaultMaxRequestLine is used.
	MaxRequestLine int

	// ReusePort sets SO_REUSEADDR and SO_REUSEPORT on the listening
	// socket created by Listen, so that several processes can share the
	// same port.
	ReusePort bool

	// If non-empty, this string is sent in the "Server" HTTP header.
	ServerName string

	// Logger receives the log messages of the server.  If nil, nothing
	// is logged.
	Logger *zap.Logger

	initOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *zap.Logger

	mu        sync.Mutex
	closed    bool
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}
	wg        sync.WaitGroup
}

func (srv *Server) init() {
	srv.initOnce.Do(func() {
		srv.ctx, srv.cancel = context.WithCancel(context.Background())
		srv.listeners = make(map[net.Listener]struct{})
		srv.conns = make(map[net.Conn]struct{})
		srv.logger = srv.Logger
		if srv.logger == nil {
			srv.logger = zap.NewNop()
		}
	})
}

// ListenAndServe listens on srv.Addr and serves connections until Close
// is called.  The returned error is never nil.
func (srv *Server) ListenAndServe() error {
	l, err := srv.Listen()
	if err != nil {
		return err
	}
	return srv.Serve(l)
}

// Listen opens the listening socket for srv.Addr.
func (srv *Server) Listen() (net.Listener, error) {
	addr := srv.Addr
	if addr == "" {
		addr = DefaultAddr
	}
	lc := &net.ListenConfig{}
	if srv.ReusePort {
		lc.Control = reusePortControl
	}
	return lc.Listen(context.Background(), "tcp", addr)
}

// Serve accepts connections on l until Close is called or l fails.
// After Close, ErrServerClosed is returned.  The listener is closed when
// Serve returns.
func (srv *Server) Serve(l net.Listener) error {
	srv.init()
	if !srv.trackListener(l, true) {
		l.Close()
		return ErrServerClosed
	}
	defer srv.trackListener(l, false)
	defer l.Close()

	srv.logger.Info("listening", zap.Stringer("addr", l.Addr()))

	var tempDelay time.Duration // how long to sleep on accept failure
	for {
		raw, err := l.Accept()
		if err != nil {
			if srv.isClosed() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}

			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			if limit := 1 * time.Second; tempDelay > limit {
				tempDelay = limit
			}
			srv.logger.Warn("accept failed",
				zap.Error(err), zap.Duration("retry", tempDelay))
			select {
			case <-time.After(tempDelay):
			case <-srv.ctx.Done():
				return ErrServerClosed
			}
			continue
		}
		tempDelay = 0

		if !srv.trackConn(raw, true) {
			raw.Close()
			return ErrServerClosed
		}
		go srv.serveConn(raw)
	}
}

// Close stops all listeners and closes all connections, plain HTTP and
// websocket alike, without a closing handshake.  It waits until all
// connection goroutines have finished.
func (srv *Server) Close() error {
	srv.init()

	srv.mu.Lock()
	srv.closed = true
	srv.cancel()
	var err error
	for l := range srv.listeners {
		cerr := l.Close()
		if cerr != nil && !errors.Is(cerr, net.ErrClosed) && err == nil {
			err = cerr
		}
	}
	for c := range srv.conns {
		c.Close()
	}
	srv.mu.Unlock()

	srv.wg.Wait()
	return err
}

func (srv *Server) isClosed() bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.closed
}

func (srv *Server) trackListener(l net.Listener, add bool) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if !add {
		delete(srv.listeners, l)
		return true
	}
	if srv.closed {
		return false
	}
	srv.listeners[l] = struct{}{}
	return true
}

// trackConn registers or unregisters a connection.  Registered
// connections are counted in srv.wg.
func (srv *Server) trackConn(c net.Conn, add bool) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if !add {
		delete(srv.conns, c)
		srv.wg.Done()
		return true
	}
	if srv.closed {
		return false
	}
	srv.conns[c] = struct{}{}
	srv.wg.Add(1)
	return true
}

// serveConn reads HTTP requests from raw, until the connection is
// upgraded to a websocket or closed.
func (srv *Server) serveConn(raw net.Conn) {
	defer srv.trackConn(raw, false)
	defer raw.Close()

	remoteAddr := raw.RemoteAddr().String()
	logger := srv.logger.With(zap.String("remote", remoteAddr))

	maxLine := srv.MaxRequestLine
	if maxLine <= 0 {
		maxLine = DefaultMaxRequestLine
	}
	br := bufio.NewReader(raw)
	bw := bufio.NewWriter(raw)

	for {
		if srv.ReadTimeout > 0 {
			raw.SetReadDeadline(time.Now().Add(srv.ReadTimeout))
		}
		req, err := readRequest(srv.ctx, br, maxLine, remoteAddr)
		if err != nil {
			var rerr *requestError
			if errors.As(err, &rerr) {
				logger.Info("bad request",
					zap.Int("status", rerr.Status), zap.String("reason", rerr.Reason))
				srv.setWriteDeadline(raw)
				writeError(bw, nil, rerr.Status, rerr.Reason, nil, srv.ServerName)
			} else if err != io.EOF {
				logger.Debug("cannot read request", zap.Error(err))
			}
			return
		}

		n := srv.Negotiator
		if n == nil {
			n = &Negotiator{}
		}
		res, err := n.Negotiate(req)
		if err == nil {
			srv.serveWebsocket(raw, br, bw, req, res, logger)
			return
		}

		var herr *HandshakeError
		if errors.As(err, &herr) {
			logger.Info("websocket handshake rejected",
				zap.String("resource", req.RequestURI),
				zap.Int("status", herr.Status),
				zap.String("reason", herr.Reason))
			srv.setWriteDeadline(raw)
			writeError(bw, req, herr.Status, herr.Reason, herr.Header, srv.ServerName)
			return
		}

		// ErrNotUpgrade: a plain HTTP request
		if !srv.serveHTTP(raw, bw, req, logger) {
			return
		}
	}
}

// serveHTTP answers a plain HTTP request.  It reports whether the
// connection can be used for another request.
func (srv *Server) serveHTTP(raw net.Conn, bw *bufio.Writer, req *http.Request, logger *zap.Logger) bool {
	w := newResponse(req, srv.ServerName)
	err := srv.callHandler(w, req, logger)
	if err != nil {
		if err != http.ErrAbortHandler {
			srv.setWriteDeadline(raw)
			writeError(bw, req, http.StatusInternalServerError,
				"internal server error", nil, srv.ServerName)
		}
		return false
	}

	keepAlive := !req.Close
	if keepAlive {
		// The next request can only be read once the body of this one
		// has been consumed.
		_, err := io.CopyN(io.Discard, req.Body, maxDrainBody+1)
		if err != io.EOF {
			keepAlive = false
		}
	}

	srv.setWriteDeadline(raw)
	err = w.finish(bw, !keepAlive)
	if err != nil {
		logger.Debug("cannot write response", zap.Error(err))
		return false
	}
	return keepAlive
}

// callHandler runs the HTTP handler and converts a panic into an error.
func (srv *Server) callHandler(w http.ResponseWriter, req *http.Request, logger *zap.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if r == http.ErrAbortHandler {
				err = http.ErrAbortHandler
				return
			}
			logger.Error("http handler panicked",
				zap.String("resource", req.RequestURI),
				zap.Any("panic", r), zap.Stack("stack"))
			err = errHandlerPanic
		}
	}()

	h := srv.Handler
	if h == nil {
		h = router.NotFound
	}
	h.ServeHTTP(w, req)
	return nil
}

// serveWebsocket completes the handshake and runs the websocket session.
func (srv *Server) serveWebsocket(raw net.Conn, br *bufio.Reader, bw *bufio.Writer, req *http.Request, res *HandshakeResult, logger *zap.Logger) {
	srv.setWriteDeadline(raw)
	err := writeSwitchingProtocols(bw, res, srv.ServerName)
	if err != nil {
		logger.Debug("cannot complete handshake", zap.Error(err))
		return
	}
	raw.SetDeadline(time.Time{})

	conn := newConn(raw, br, req, res, &connConfig{
		ReadLimit:    srv.ReadLimit,
		ReadTimeout:  srv.ReadTimeout,
		WriteTimeout: srv.WriteTimeout,
		Logger:       srv.logger,
	})
	logger.Debug("websocket connection accepted",
		zap.String("conn", conn.ID),
		zap.String("resource", conn.ResourceName),
		zap.Strings("extensions", res.Extensions))

	newSession(conn, &srv.Callbacks, srv.Events, srv.RateLimit).run()
}

func (srv *Server) setWriteDeadline(raw net.Conn) {
	if srv.WriteTimeout > 0 {
		raw.SetWriteDeadline(time.Now().Add(srv.WriteTimeout))
	}
}
