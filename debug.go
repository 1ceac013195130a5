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
	"unicode/utf8"
)

// bodySummary renders the start of a frame payload for debug logs,
// either as a quoted string or as hex bytes.
type bodySummary []byte

func formatBody(body []byte) bodySummary {
	return bodySummary(body)
}

func (body bodySummary) String() string {
	const maxRunes = 60
	const maxBytes = 20

	if prefix, ok := utf8Prefix(body, maxRunes); ok {
		if len(prefix) < len(body) {
			return fmt.Sprintf("%q ...", prefix)
		}
		return fmt.Sprintf("%q", prefix)
	}

	if len(body) > maxBytes {
		return fmt.Sprintf("[% 02x ...]", []byte(body[:maxBytes]))
	}
	return fmt.Sprintf("[% 02x]", []byte(body))
}

// utf8Prefix returns the first n runes of body, if these are valid utf-8.
func utf8Prefix(body []byte, n int) (string, bool) {
	pos := 0
	for i := 0; i < n && pos < len(body); i++ {
		r, size := utf8.DecodeRune(body[pos:])
		if r == utf8.RuneError && size <= 1 {
			return "", false
		}
		pos += size
	}
	return string(body[:pos]), true
}
