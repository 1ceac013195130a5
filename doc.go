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

/*
Package wsocket serves websocket connections and plain HTTP requests from
the same listening socket.

A Server accepts TCP connections and reads HTTP/1.x requests.  Requests
asking for a websocket upgrade are checked by a Negotiator; all other
requests are passed to an http.Handler, for example a router.Router:

	r := router.New()
	r.Handle("/static/*", http.FileServer(http.Dir("www")))

	server := &wsocket.Server{
		Addr:    ":8080",
		Handler: r,
		Callbacks: wsocket.Callbacks{
			OnMessage: func(conn *wsocket.Conn, msg wsocket.Message) {
				conn.Send(msg.Type, msg.Data, true)
			},
		},
	}
	log.Fatal(server.ListenAndServe())

Every websocket connection is served by its own goroutine, which reads
messages and passes them to Callbacks.OnMessage in the order they
arrive.  Messages can be sent from any goroutine, using the methods of
Conn.

To accept websocket connections from a standard net/http server, use a
Handler instead:

	websocketHandler := &wsocket.Handler{
		Callbacks: wsocket.Callbacks{
			OnMessage: myHandler,
		},
	}
	http.Handle("/api/ws", websocketHandler)

The permessage-deflate extension (RFC 7692) is used automatically when
the client offers it, unless Negotiator.DisableCompression is set.
*/
package wsocket
