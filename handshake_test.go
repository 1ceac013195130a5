package wsocket

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func upgradeRequest() *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/chat", nil)
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "keep-alive, Upgrade")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	req.Header.Set("Sec-WebSocket-Version", "13")
	return req
}

func TestAcceptKey(t *testing.T) {
	// example from RFC 6455, section 1.3
	got := AcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	if got != "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=" {
		t.Errorf("wrong accept key %q", got)
	}
}

func TestNegotiate(t *testing.T) {
	n := &Negotiator{}
	res, err := n.Negotiate(upgradeRequest())
	if err != nil {
		t.Fatal(err)
	}
	if res.Accept != "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=" {
		t.Errorf("wrong accept key %q", res.Accept)
	}
	if res.Header.Get("Sec-WebSocket-Accept") != res.Accept ||
		res.Header.Get("Upgrade") != "websocket" ||
		res.Header.Get("Connection") != "Upgrade" {
		t.Errorf("wrong response headers %v", res.Header)
	}
	if res.Version != 13 || res.Deflate != nil || res.Protocol != "" {
		t.Errorf("unexpected result %+v", res)
	}
	if _, ok := res.Header["Sec-Websocket-Protocol"]; ok {
		t.Error("unexpected subprotocol header")
	}
}

func TestNegotiateVersions(t *testing.T) {
	for _, v := range []string{"13", "8", "7"} {
		req := upgradeRequest()
		req.Header.Set("Sec-WebSocket-Version", v)
		_, err := (&Negotiator{}).Negotiate(req)
		if err != nil {
			t.Errorf("version %s: %v", v, err)
		}
	}
}

func TestNegotiateReject(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(req *http.Request)
		status int
	}{
		{"no version", func(req *http.Request) { req.Header.Del("Sec-WebSocket-Version") }, 426},
		{"bad version", func(req *http.Request) { req.Header.Set("Sec-WebSocket-Version", "12") }, 400},
		{"no key", func(req *http.Request) { req.Header.Del("Sec-WebSocket-Key") }, 400},
		{"blank key", func(req *http.Request) { req.Header.Set("Sec-WebSocket-Key", "  ") }, 400},
		{"short key", func(req *http.Request) { req.Header.Set("Sec-WebSocket-Key", "AAAA") }, 400},
		{"invalid base64", func(req *http.Request) { req.Header.Set("Sec-WebSocket-Key", "not base64!!") }, 400},
		{"bad extension", func(req *http.Request) {
			req.Header.Set("Sec-WebSocket-Extensions", "permessage deflate")
		}, 400},
	}
	for _, tc := range testCases {
		req := upgradeRequest()
		tc.modify(req)
		_, err := (&Negotiator{}).Negotiate(req)
		var herr *HandshakeError
		if !errors.As(err, &herr) {
			t.Errorf("%s: expected handshake error, got %v", tc.name, err)
			continue
		}
		if herr.Status != tc.status {
			t.Errorf("%s: got status %d, expected %d", tc.name, herr.Status, tc.status)
		}
		if tc.status == 426 || tc.name == "bad version" {
			if v := herr.Header.Get("Sec-WebSocket-Version"); v != "13, 8, 7" {
				t.Errorf("%s: wrong version header %q", tc.name, v)
			}
		}
	}
}

func TestNegotiateNotUpgrade(t *testing.T) {
	testCases := []func(req *http.Request){
		func(req *http.Request) { req.Method = http.MethodPost },
		func(req *http.Request) { req.ProtoMinor = 0 },
		func(req *http.Request) { req.Header.Del("Upgrade") },
		func(req *http.Request) { req.Header.Set("Upgrade", "h2c") },
		func(req *http.Request) { req.Header.Set("Connection", "keep-alive") },
	}
	for i, modify := range testCases {
		req := upgradeRequest()
		modify(req)
		_, err := (&Negotiator{}).Negotiate(req)
		if err != ErrNotUpgrade {
			t.Errorf("%d: expected ErrNotUpgrade, got %v", i, err)
		}
	}
}

func TestNegotiateOrigin(t *testing.T) {
	n := &Negotiator{
		OriginAllowed: func(origin *url.URL) bool {
			return origin.Host == "example.com"
		},
	}

	req := upgradeRequest()
	req.Header.Set("Origin", "http://example.com")
	res, err := n.Negotiate(req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Origin != "http://example.com" {
		t.Errorf("wrong origin %q", res.Origin)
	}

	req.Header.Set("Origin", "http://evil.example")
	_, err = n.Negotiate(req)
	var herr *HandshakeError
	if !errors.As(err, &herr) || herr.Status != http.StatusForbidden {
		t.Errorf("expected 403, got %v", err)
	}

	req.Header.Del("Origin")
	req.Header.Set("Sec-WebSocket-Origin", "http://evil.example")
	_, err = n.Negotiate(req)
	if !errors.As(err, &herr) || herr.Status != http.StatusForbidden {
		t.Errorf("version 8 origin: expected 403, got %v", err)
	}
}

func TestNegotiateSubprotocol(t *testing.T) {
	n := &Negotiator{Subprotocols: []string{"chat.v2", "chat.v1"}}

	testCases := []struct {
		offer []string
		want  string
	}{
		{nil, ""},
		{[]string{"chat.v1"}, "chat.v1"},
		{[]string{"chat.v1, chat.v2"}, "chat.v2"},
		{[]string{"other", "chat.v1"}, "chat.v1"},
		{[]string{"other"}, ""},
	}
	for _, tc := range testCases {
		req := upgradeRequest()
		for _, p := range tc.offer {
			req.Header.Add("Sec-WebSocket-Protocol", p)
		}
		res, err := n.Negotiate(req)
		if err != nil {
			t.Fatal(err)
		}
		if res.Protocol != tc.want {
			t.Errorf("%q: got %q, expected %q", tc.offer, res.Protocol, tc.want)
		}
		if res.Header.Get("Sec-WebSocket-Protocol") != tc.want {
			t.Errorf("%q: wrong header %q", tc.offer, res.Header.Get("Sec-WebSocket-Protocol"))
		}
	}
}

func TestNegotiateDeflate(t *testing.T) {
	testCases := []struct {
		offer string
		want  string // "" if declined
	}{
		{"", ""},
		{"x-webkit-deflate-frame", ""},
		{"permessage-deflate", "permessage-deflate"},
		{"permessage-deflate; client_max_window_bits", "permessage-deflate"},
		{"permessage-deflate; server_no_context_takeover; client_no_context_takeover",
			"permessage-deflate; server_no_context_takeover; client_no_context_takeover"},
		{"permessage-deflate; server_max_window_bits=10, permessage-deflate",
			"permessage-deflate"},
		{"permessage-deflate; server_max_window_bits=10", ""},
		{"permessage-deflate; foo=bar", ""},
		{"foo, , permessage-deflate", "permessage-deflate"},
	}
	for _, tc := range testCases {
		req := upgradeRequest()
		if tc.offer != "" {
			req.Header.Set("Sec-WebSocket-Extensions", tc.offer)
		}
		res, err := (&Negotiator{}).Negotiate(req)
		if err != nil {
			t.Fatalf("%q: %v", tc.offer, err)
		}
		got := res.Header.Get("Sec-WebSocket-Extensions")
		if got != tc.want {
			t.Errorf("%q: got %q, expected %q", tc.offer, got, tc.want)
		}
		if (res.Deflate != nil) != (tc.want != "") {
			t.Errorf("%q: Deflate = %v", tc.offer, res.Deflate)
		}
	}

	req := upgradeRequest()
	req.Header.Set("Sec-WebSocket-Extensions", "permessage-deflate")
	res, err := (&Negotiator{DisableCompression: true}).Negotiate(req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Deflate != nil || len(res.Extensions) != 0 {
		t.Error("compression negotiated although disabled")
	}
}

func TestContainsToken(t *testing.T) {
	type testCase struct {
		s, token string
		result   bool
	}
	testCases := []testCase{
		{"", "test", false},
		{"test", "test", true},
		{"test", "test1", false},
		{"testing", "test", false},
		{"test1", "test", false},
		{"test1, test, test2", "test", true},
		{"example/1, foo/2", "example", true},
		{"example/1, foo/2", "foo", true},
		{"Keep-Alive, Upgrade", "upgrade", true},
		{"WebSocket", "websocket", true},
	}
	for _, tc := range testCases {
		if containsTokenFold([]string{tc.s}, tc.token) != tc.result {
			t.Errorf("containsToken(%q, %q) != %v", tc.s, tc.token, tc.result)
		}
	}
}
