package signaling

import (
	"sync"

	"github.com/coder/websocket"
)

// Session is a live authenticated attachment of one device to the
// broker (spec §3). The broker guarantees at most one live Session
// per device id.
type Session struct {
	DeviceID string
	UserID   string
	Conn     *websocket.Conn
	Send     chan Envelope
	done     chan struct{}
}

// Registry is the device id → Session map. Mutated only by the
// accept path and the per-connection exit path, per the
// single-mutex-per-map policy (spec §5).
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Attach registers a new Session for deviceID, evicting and closing
// any prior session for the same device id with policy-violation
// (spec §3: at most one session per device id is live at any instant).
func (r *Registry) Attach(deviceID, userID string, conn *websocket.Conn) *Session {
	s := &Session{
		DeviceID: deviceID,
		UserID:   userID,
		Conn:     conn,
		Send:     make(chan Envelope, 64),
		done:     make(chan struct{}),
	}

	r.mu.Lock()
	prior := r.sessions[deviceID]
	r.sessions[deviceID] = s
	r.mu.Unlock()

	if prior != nil {
		prior.Conn.Close(websocket.StatusPolicyViolation, "superseded by new attach")
		close(prior.done)
	}
	return s
}

// Detach removes a Session's registration, but only if it is still
// the currently-registered one for its device id (a session evicted
// by a newer attach must not remove the newer one).
func (r *Registry) Detach(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.DeviceID]; ok && cur == s {
		delete(r.sessions, s.DeviceID)
	}
}

// Lookup returns the live session for deviceID, if any.
func (r *Registry) Lookup(deviceID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[deviceID]
	return s, ok
}

// Count reports the number of live sessions (for diagnostics/tests).
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
