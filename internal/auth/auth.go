// Package auth defines the boundary the core treats as an opaque
// external collaborator: token validation and device ownership. The
// signaling and relay brokers depend only on these interfaces; JWT is
// one reference implementation, not a requirement of the core.
package auth

import "context"

// Validator checks a bearer token and resolves the user it belongs
// to. The core never inspects the token's contents.
type Validator interface {
	Validate(ctx context.Context, token string) (userID string, err error)
}

// Directory resolves device ownership and client-to-upstream mapping.
// Both are treated as opaque external services by the core.
type Directory interface {
	// Owns reports whether userID owns deviceID.
	Owns(ctx context.Context, userID, deviceID string) (bool, error)
	// ResolveClient maps a client identifier (as carried in the
	// router's "client" query parameter) to an upstream base URL.
	ResolveClient(ctx context.Context, clientID string) (baseURL string, ok bool)
}
