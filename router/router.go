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

// Package router dispatches plain HTTP requests by path.
//
// A pattern either names a path exactly, or ends in "*", in which case it
// matches every path starting with the part before the star.  Exact
// patterns take precedence; among wildcard patterns the longest prefix
// wins.  Requests matching no pattern are answered by NotFound.
package router

import (
	"fmt"
	"html"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// Router is an http.Handler holding its own route table.  Routes may be
// added while the router is serving requests.
type Router struct {
	mu       sync.RWMutex
	exact    map[string]http.Handler
	prefixes []prefixRoute // sorted by decreasing prefix length

	// NotFound answers requests which match no route.  If nil, the
	// package-level NotFound handler is used.
	NotFound http.Handler
}

type prefixRoute struct {
	prefix  string
	handler http.Handler
}

// New returns an empty router.
func New() *Router {
	return &Router{
		exact: make(map[string]http.Handler),
	}
}

// Handle registers h for the given pattern.  A later registration for the
// same pattern replaces the earlier one.
func (r *Router) Handle(pattern string, h http.Handler) {
	if pattern == "" {
		panic("router: empty pattern")
	}
	if h == nil {
		panic("router: nil handler for " + pattern)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prefix, isPrefix := strings.CutSuffix(pattern, "*")
	if !isPrefix {
		r.exact[pattern] = h
		return
	}

	for i := range r.prefixes {
		if r.prefixes[i].prefix == prefix {
			r.prefixes[i].handler = h
			return
		}
	}
	r.prefixes = append(r.prefixes, prefixRoute{prefix: prefix, handler: h})
	sort.SliceStable(r.prefixes, func(i, j int) bool {
		return len(r.prefixes[i].prefix) > len(r.prefixes[j].prefix)
	})
}

// HandleFunc registers fn for the given pattern.
func (r *Router) HandleFunc(pattern string, fn func(http.ResponseWriter, *http.Request)) {
	r.Handle(pattern, http.HandlerFunc(fn))
}

// Match returns the handler for the given path, and whether a route
// matched.  If no route matches, the not-found handler is returned.
func (r *Router) Match(path string) (http.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if h, ok := r.exact[path]; ok {
		return h, true
	}
	for _, route := range r.prefixes {
		if strings.HasPrefix(path, route.prefix) {
			return route.handler, true
		}
	}
	if r.NotFound != nil {
		return r.NotFound, false
	}
	return NotFound, false
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h, _ := r.Match(req.URL.Path)
	h.ServeHTTP(w, req)
}

// NotFound answers every request with a 404 page naming the requested
// path and query.
var NotFound http.Handler = http.HandlerFunc(notFound)

func notFound(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	fmt.Fprintf(w, "<h1>Page Not Found(404)</h1><p><b>%s</b></p>\n",
		html.EscapeString(req.URL.RequestURI()))
}
