package wsocket

import (
	"bufio"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	gorilla "github.com/gorilla/websocket"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestHandler(t *testing.T) {
	defer goleak.VerifyNone(t)

	closed := make(chan error, 1)
	cb := echoCallbacks()
	cb.OnClose = func(conn *Conn, err error) { closed <- err }
	handler := &Handler{
		Negotiator: &Negotiator{Subprotocols: []string{"echo"}},
		Callbacks:  cb,
		Next: http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			io.WriteString(w, "plain http")
		}),
		ServerName: "handler-test",
		Logger:     zaptest.NewLogger(t),
	}
	server := httptest.NewServer(handler)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	dialer := &gorilla.Dialer{Subprotocols: []string{"other", "echo"}, EnableCompression: true}
	ws, resp, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ws.Subprotocol() != "echo" {
		t.Errorf("wrong subprotocol %q", ws.Subprotocol())
	}
	if resp.Header.Get("Server") != "handler-test" {
		t.Errorf("wrong server header %q", resp.Header.Get("Server"))
	}

	ws.WriteMessage(gorilla.TextMessage, []byte("hello"))
	tp, data, err := ws.ReadMessage()
	if err != nil || tp != gorilla.TextMessage || string(data) != "hello" {
		t.Errorf("echo failed: %d %q %v", tp, data, err)
	}
	ws.WriteMessage(gorilla.CloseMessage, gorilla.FormatCloseMessage(gorilla.CloseGoingAway, ""))
	ws.ReadMessage()
	ws.Close()

	err = <-closed
	var cerr *CloseError
	if !errors.As(err, &cerr) || cerr.Code != StatusGoingAway {
		t.Errorf("OnClose got %v", err)
	}

	// plain requests go to Next
	c, err := net.Dial("tcp", server.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	io.WriteString(c, "GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")
	plain, err := http.ReadResponse(bufio.NewReader(c), nil)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(plain.Body)
	if string(body) != "plain http" {
		t.Errorf("wrong body %q", body)
	}
}

func TestHandlerRejects(t *testing.T) {
	handler := &Handler{}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusUpgradeRequired {
		t.Errorf("plain request without Next: got %d", w.Code)
	}

	req := upgradeRequest()
	req.Header.Del("Sec-WebSocket-Version")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusUpgradeRequired || w.Header().Get("Sec-WebSocket-Version") != "13, 8, 7" {
		t.Errorf("missing version: got %d %v", w.Code, w.Header())
	}

	// httptest.ResponseRecorder cannot be hijacked
	w = httptest.NewRecorder()
	_, err := handler.Upgrade(w, upgradeRequest())
	if err == nil || w.Code != http.StatusInternalServerError {
		t.Errorf("upgrade without hijacker: %d %v", w.Code, err)
	}
}
