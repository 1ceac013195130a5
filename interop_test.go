package wsocket

import (
	"bytes"
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"go.uber.org/goleak"
)

// TestGorillaClient checks interoperability with an independent
// websocket implementation.
func TestGorillaClient(t *testing.T) {
	for _, compress := range []bool{false, true} {
		name := "plain"
		if compress {
			name = "deflate"
		}
		t.Run(name, func(t *testing.T) {
			defer goleak.VerifyNone(t)

			closed := make(chan error, 1)
			cb := echoCallbacks()
			cb.OnClose = func(conn *Conn, err error) { closed <- err }
			srv := &Server{Callbacks: cb}
			addr, stop := startServer(t, srv)
			defer stop()

			dialer := &gorilla.Dialer{EnableCompression: compress}
			ws, resp, err := dialer.Dial("ws://"+addr+"/echo", nil)
			if err != nil {
				t.Fatal(err)
			}
			defer ws.Close()

			ext := resp.Header.Get("Sec-WebSocket-Extensions")
			if strings.HasPrefix(ext, "permessage-deflate") != compress {
				t.Errorf("wrong extensions header %q", ext)
			}

			rng := rand.New(rand.NewSource(1))
			binary := make([]byte, 70000)
			rng.Read(binary)
			messages := []struct {
				tp   int
				data []byte
			}{
				{gorilla.TextMessage, []byte("hello")},
				{gorilla.TextMessage, []byte{}},
				{gorilla.TextMessage, []byte(strings.Repeat("websocket ", 10000))},
				{gorilla.BinaryMessage, binary},
				{gorilla.TextMessage, []byte("hello")},
			}
			for i, msg := range messages {
				err := ws.WriteMessage(msg.tp, msg.data)
				if err != nil {
					t.Fatal(err)
				}
				tp, data, err := ws.ReadMessage()
				if err != nil {
					t.Fatalf("message %d: %v", i, err)
				}
				if tp != msg.tp || !bytes.Equal(data, msg.data) {
					t.Errorf("message %d corrupted", i)
				}
			}

			err = ws.WriteControl(gorilla.CloseMessage,
				gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, "bye"),
				time.Now().Add(time.Second))
			if err != nil {
				t.Fatal(err)
			}
			_, _, err = ws.ReadMessage()
			if !gorilla.IsCloseError(err, gorilla.CloseNormalClosure) {
				t.Errorf("expected normal closure, got %v", err)
			}

			err = <-closed
			var cerr *CloseError
			if !errors.As(err, &cerr) || cerr.Code != StatusOK || cerr.Reason != "bye" {
				t.Errorf("OnClose got %v", err)
			}
		})
	}
}

func TestGorillaServerClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv := &Server{
		Callbacks: Callbacks{
			OnMessage: func(conn *Conn, msg Message) {
				conn.Close(StatusPolicyViolation, "go away")
			},
		},
	}
	addr, stop := startServer(t, srv)
	defer stop()

	ws, _, err := gorilla.DefaultDialer.Dial("ws://"+addr+"/", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()

	ws.WriteMessage(gorilla.TextMessage, []byte("hello"))
	_, _, err = ws.ReadMessage()
	if !gorilla.IsCloseError(err, gorilla.ClosePolicyViolation) {
		t.Errorf("expected policy violation, got %v", err)
	}
	if err.(*gorilla.CloseError).Text != "go away" {
		t.Errorf("wrong close reason %q", err.(*gorilla.CloseError).Text)
	}
}
