// Package relaybroker implements the fallback data-plane broker: it
// pairs two authenticated binary connections under a shared session
// id and forwards raw frames between them without interpretation
// (spec §4.7).
package relaybroker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// Metering is the terminal record emitted when a session's forwarding
// ends.
type Metering struct {
	SessionID  string
	Duration   time.Duration
	BytesAToB  uint64
	BytesBToA  uint64
	Total      uint64
}

// Session pairs up to two endpoints sharing a session id. Created by
// the first joiner; sealed (forwarding begins) when the second
// attaches.
type Session struct {
	ID string

	mu        sync.Mutex
	a, b      *websocket.Conn
	createdAt time.Time
	closed    bool

	bytesAToB atomic.Uint64
	bytesBToA atomic.Uint64

	sealed chan struct{}
	done   chan struct{}
}

func newSession(id string) *Session {
	return &Session{
		ID:        id,
		createdAt: time.Now(),
		sealed:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// join attaches conn as the next free endpoint slot. Returns false if
// the session already holds two endpoints (a third attach is
// refused, per the at-most-two-endpoints invariant).
func (s *Session) join(conn *websocket.Conn) (slot int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.a == nil:
		s.a = conn
		return 1, true
	case s.b == nil:
		s.b = conn
		close(s.sealed)
		return 2, true
	default:
		return 0, false
	}
}

func (s *Session) peers() (a, b *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.a, s.b
}

// Registry is the session id → Session map (spec §5: single mutex,
// mutated only by accept and exit paths).
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// LookupOrCreate returns the existing session for id, or creates one.
func (r *Registry) LookupOrCreate(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s
	}
	s := newSession(id)
	r.sessions[id] = s
	return s
}

// Remove deletes the session from the registry, if still present.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Count reports the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
