// Package router resolves an inbound path to an upstream base URL.
//
// The router is stateless and safe for concurrent use: it holds only
// an injected resolver capability and a default base URL.
package router

import "net/url"

// Resolver maps a client id (the "client" query parameter) to a base
// URL. It is the pluggable discovery capability named in spec §4.2 —
// in production this is backed by whatever starts local upstreams;
// in tests it is a plain map.
type Resolver func(clientID string) (baseURL string, ok bool)

// Router extracts the "client" query parameter from a path and
// resolves it via Resolve, falling back to Default when the
// parameter is absent or unresolvable.
type Router struct {
	Resolve Resolver
	Default string
}

// New builds a Router with the given resolver and default upstream.
func New(resolve Resolver, defaultBaseURL string) *Router {
	return &Router{Resolve: resolve, Default: defaultBaseURL}
}

// Route returns the upstream base URL for the given request path
// (which may include a query string). It never fails: an absent or
// unresolvable selector simply routes to the default.
func (r *Router) Route(path string) string {
	clientID := firstQueryValue(path, "client")
	if clientID == "" {
		return r.Default
	}
	if r.Resolve == nil {
		return r.Default
	}
	if base, ok := r.Resolve(clientID); ok {
		return base
	}
	return r.Default
}

// firstQueryValue extracts the first value of key from a path that
// may carry a "?query=string" suffix, without requiring the path to
// be a fully qualified URL.
func firstQueryValue(path, key string) string {
	rawQuery := ""
	if i := indexByte(path, '?'); i >= 0 {
		rawQuery = path[i+1:]
	}
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return ""
	}
	return values.Get(key)
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}
