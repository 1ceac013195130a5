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
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11" // from RFC 6455

// SupportedVersions lists the values of the Sec-WebSocket-Version header
// which are accepted, in decreasing order of preference.
var SupportedVersions = []string{"13", "8", "7"}

// Negotiator decides whether an HTTP request is turned into a websocket
// connection.  The zero value accepts all origins, offers no subprotocols
// and enables compression when the client asks for it.
type Negotiator struct {
	// The websocket sub-protocols that the server implements, in decreasing
	// order of preference.  The server selects the first possible value from
	// this list, or null (no Sec-WebSocket-Protocol header sent) if none of
	// the client-requested subprotocols are supported.
	Subprotocols []string

	// OriginAllowed can be set to a function which returns true
	// if access should be allowed for the given value of the Origin http
	// header.  If OriginAllowed is not set, all origins are allowed.
	OriginAllowed func(origin *url.URL) bool

	// DisableCompression turns off the permessage-deflate extension.
	DisableCompression bool
}

// HandshakeResult describes an accepted websocket handshake.
type HandshakeResult struct {
	Accept     string // value of the Sec-WebSocket-Accept header
	Protocol   string // negotiated subprotocol, or ""
	Extensions []string
	Deflate    *DeflateParams // nil unless permessage-deflate was negotiated
	Version    int
	Origin     string

	// Header holds the headers of the 101 response.
	Header http.Header
}

// DeflateParams are the negotiated parameters of permessage-deflate.
type DeflateParams struct {
	ServerNoContextTakeover bool
	ClientNoContextTakeover bool
}

func (p *DeflateParams) String() string {
	s := "permessage-deflate"
	if p.ServerNoContextTakeover {
		s += "; server_no_context_takeover"
	}
	if p.ClientNoContextTakeover {
		s += "; client_no_context_takeover"
	}
	return s
}

// AcceptKey computes the value of the Sec-WebSocket-Accept header for the
// given Sec-WebSocket-Key.
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Negotiate checks whether req is a valid websocket opening handshake.
//
// Requests which do not ask for a protocol upgrade give ErrNotUpgrade;
// these should be served as ordinary HTTP requests.  Invalid upgrade
// requests give a *HandshakeError, which describes the HTTP response to
// send.  Otherwise the returned result describes the 101 response.
func (n *Negotiator) Negotiate(req *http.Request) (*HandshakeResult, error) {
	// This code is organised following the steps in section 4.2 of RFC 6455,
	// see https://www.rfc-editor.org/rfc/rfc6455#section-4.2 .

	// The method of the request MUST be GET, and the HTTP version MUST be at
	// least 1.1.  The request MUST contain an |Upgrade| header field whose
	// value MUST include the "websocket" keyword, and a |Connection| header
	// field whose value MUST include the "Upgrade" token.
	if req.Method != http.MethodGet || !req.ProtoAtLeast(1, 1) ||
		!containsTokenFold(req.Header.Values("Upgrade"), "websocket") ||
		!containsTokenFold(req.Header.Values("Connection"), "upgrade") {
		return nil, ErrNotUpgrade
	}

	// The request MUST include a header field with the name
	// |Sec-WebSocket-Version|.
	if len(req.Header.Values("Sec-Websocket-Version")) == 0 {
		err := handshakeError(http.StatusUpgradeRequired, "no websocket protocol version defined")
		err.Header.Set("Sec-WebSocket-Version", strings.Join(SupportedVersions, ", "))
		return nil, err
	}
	versionString := strings.TrimSpace(req.Header.Get("Sec-Websocket-Version"))
	if !isSupportedVersion(versionString) {
		err := handshakeError(http.StatusBadRequest,
			"unsupported websocket version: "+versionString)
		err.Header.Set("Sec-WebSocket-Version", strings.Join(SupportedVersions, ", "))
		return nil, err
	}
	version, _ := strconv.Atoi(versionString)

	// The request MUST include a header field with the name
	// |Sec-WebSocket-Key|, a base64-encoded 16-byte value.
	key := strings.TrimSpace(req.Header.Get("Sec-Websocket-Key"))
	if key == "" {
		return nil, handshakeError(http.StatusBadRequest, "Sec-WebSocket-Key header is missing/empty")
	}
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil || len(decoded) != 16 {
		return nil, handshakeError(http.StatusBadRequest, "invalid key: "+key)
	}

	offers, err := parseExtensions(req.Header.Values("Sec-Websocket-Extensions"))
	if err != nil {
		return nil, handshakeError(http.StatusBadRequest, err.Error())
	}

	// protect against CSRF attacks
	origin := req.Header.Get("Origin")
	if origin == "" {
		origin = req.Header.Get("Sec-Websocket-Origin")
	}
	if n.OriginAllowed != nil && origin != "" {
		originURL, err := url.ParseRequestURI(origin)
		if err != nil {
			return nil, handshakeError(http.StatusBadRequest, "invalid origin: "+origin)
		}
		if !n.OriginAllowed(originURL) {
			return nil, handshakeError(http.StatusForbidden, "origin not allowed: "+origin)
		}
	}

	// if we reach this point, we accept the connection

	res := &HandshakeResult{
		Accept:   AcceptKey(key),
		Protocol: n.chooseSubprotocol(req),
		Version:  version,
		Origin:   origin,
		Header:   http.Header{},
	}
	if !n.DisableCompression {
		res.Deflate = chooseDeflate(offers)
	}

	res.Header.Set("Upgrade", "websocket")
	res.Header.Set("Connection", "Upgrade")
	res.Header.Set("Sec-WebSocket-Accept", res.Accept)
	if res.Deflate != nil {
		ext := res.Deflate.String()
		res.Extensions = append(res.Extensions, ext)
		res.Header.Set("Sec-WebSocket-Extensions", ext)
	}
	if res.Protocol != "" {
		res.Header.Set("Sec-WebSocket-Protocol", res.Protocol)
	}
	return res, nil
}

func isSupportedVersion(version string) bool {
	for _, v := range SupportedVersions {
		if v == version {
			return true
		}
	}
	return false
}

func (n *Negotiator) chooseSubprotocol(req *http.Request) string {
	serverProtos := n.Subprotocols
	if len(serverProtos) == 0 {
		return ""
	}

	var clientProtos []string
	for _, h := range req.Header.Values("Sec-Websocket-Protocol") {
		for _, p := range strings.Split(h, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				clientProtos = append(clientProtos, p)
			}
		}
	}

	for _, p := range serverProtos {
		for _, q := range clientProtos {
			if p == q {
				return p
			}
		}
	}
	return ""
}

type extensionOffer struct {
	Name   string
	Params map[string]string
}

// parseExtensions splits Sec-WebSocket-Extensions header values into
// extension offers.  Empty list elements are skipped.
func parseExtensions(headers []string) ([]extensionOffer, error) {
	var offers []extensionOffer
	for _, h := range headers {
		for _, item := range strings.Split(h, ",") {
			parts := strings.Split(item, ";")
			name := strings.TrimSpace(parts[0])
			if name == "" {
				continue
			}
			if !isToken(name) {
				return nil, errors.New("invalid extension " + strconv.Quote(name))
			}

			offer := extensionOffer{Name: name, Params: map[string]string{}}
			for _, p := range parts[1:] {
				k, v, _ := strings.Cut(p, "=")
				k = strings.TrimSpace(k)
				if k == "" {
					continue
				}
				offer.Params[k] = strings.Trim(strings.TrimSpace(v), `"`)
			}
			offers = append(offers, offer)
		}
	}
	return offers, nil
}

// chooseDeflate picks the first permessage-deflate offer whose parameters
// we can honour.
func chooseDeflate(offers []extensionOffer) *DeflateParams {
offerLoop:
	for _, offer := range offers {
		if offer.Name != "permessage-deflate" {
			continue
		}
		params := &DeflateParams{}
		for k, v := range offer.Params {
			switch k {
			case "server_no_context_takeover":
				params.ServerNoContextTakeover = true
			case "client_no_context_takeover":
				params.ClientNoContextTakeover = true
			case "client_max_window_bits":
				// We never ask the client for a smaller window.
			case "server_max_window_bits":
				// compress/flate always uses a 32KB window
				if v != "15" {
					continue offerLoop
				}
			default:
				continue offerLoop
			}
		}
		return params
	}
	return nil
}

// containsTokenFold reports whether s contains a given token.
// The comparison is case-insensitive.
// token must be lower case.
func containsTokenFold(headers []string, token string) bool {
	for _, s := range headers {
		pos := 0
		n := len(s)

		// skip to the first token
		for pos < n && !isTokenByte(s[pos]) {
			pos++
		}

		for pos < n {
			start := pos
			for pos < n && isTokenByte(s[pos]) {
				pos++
			}
			if strings.ToLower(s[start:pos]) == token {
				return true
			}

			for pos < n && !isTokenByte(s[pos]) {
				pos++
			}
		}
	}
	return false
}

func isToken(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isTokenByte(s[i]) {
			return false
		}
	}
	return s != ""
}

// isTokenByte reports whether c may appear in an HTTP token.
// See: https://www.rfc-editor.org/rfc/rfc7230#section-3.2.6
func isTokenByte(c byte) bool {
	switch {
	case c >= '0' && c <= '9', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		return true
	}
	return strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0
}
