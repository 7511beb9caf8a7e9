package relaybroker

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/tunnelforge/relaycore/internal/auth"
	"github.com/tunnelforge/relaycore/internal/logger"
)

// Server serves the /relay/{session_id} attach endpoint (spec §4.7).
type Server struct {
	Registry  *Registry
	Validator auth.Validator
	Log       *slog.Logger

	// OnMetering, if set, is invoked with the terminal record each
	// time a relay session's forwarding ends.
	OnMetering func(Metering)
}

// NewServer builds a Server over the given Registry.
func NewServer(registry *Registry, validator auth.Validator, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{Registry: registry, Validator: validator, Log: log}
}

// ServeHTTP upgrades the request, joins it to the named session, and
// if this is the session's second endpoint, runs bidirectional
// forwarding until either side disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token := r.URL.Query().Get("token")
	sessionID := r.PathValue("session_id")
	if sessionID == "" {
		http.Error(w, "missing session_id", http.StatusBadRequest)
		return
	}

	if _, err := s.Validator.Validate(ctx, token); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.Log.Warn("relay accept failed", "error", err)
		return
	}

	session := s.Registry.LookupOrCreate(sessionID)
	slot, ok := session.join(conn)
	if !ok {
		conn.Close(websocket.StatusPolicyViolation, "session already has two endpoints")
		return
	}
	logger.With(s.Log, "session_id", sessionID).Info("relay endpoint joined", "slot", slot)

	if slot == 1 {
		// Wait for the second endpoint, or give up if this one closes
		// first. watchCtx bounds the idle read so it never races with
		// the pump loop once forwarding begins.
		watchCtx, watchCancel := context.WithCancel(r.Context())
		select {
		case <-session.sealed:
			watchCancel()
		case <-r.Context().Done():
			watchCancel()
		case <-waitClosed(watchCtx, conn):
			watchCancel()
			s.Registry.Remove(sessionID)
			conn.CloseNow()
			return
		}
	}

	if slot == 2 {
		s.forward(context.Background(), session)
	} else {
		// The first endpoint blocks here until forwarding (run by
		// the second endpoint's goroutine) tears the session down.
		<-session.done
	}
}

// waitClosed signals once conn's underlying read fails, used only to
// detect the first endpoint disappearing before a second one attaches.
func waitClosed(ctx context.Context, conn *websocket.Conn) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		defer close(ch)
		conn.Read(ctx)
	}()
	return ch
}

// forward runs the two pump tasks for a sealed session until either
// exits, then closes both endpoints and emits the terminal metering
// record (spec §4.7).
func (s *Server) forward(ctx context.Context, session *Session) {
	a, b := session.peers()
	start := session.createdAt
	log := logger.With(s.Log, "session_id", session.ID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log.Info("relay session sealed, forwarding")
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pump(gctx, a, b, &session.bytesAToB) })
	g.Go(func() error { return pump(gctx, b, a, &session.bytesBToA) })
	g.Wait()

	session.mu.Lock()
	if session.closed {
		session.mu.Unlock()
	} else {
		session.closed = true
		session.mu.Unlock()
		a.Close(websocket.StatusNormalClosure, "session ended")
		b.Close(websocket.StatusNormalClosure, "session ended")
	}

	s.Registry.Remove(session.ID)
	close(session.done)

	duration := time.Since(start)
	aToB, bToA := session.bytesAToB.Load(), session.bytesBToA.Load()
	m := Metering{
		SessionID: session.ID,
		Duration:  duration,
		BytesAToB: aToB,
		BytesBToA: bToA,
		Total:     aToB + bToA,
	}
	log.Info("relay session ended",
		"duration", m.Duration,
		"bytes_a_to_b", m.BytesAToB,
		"bytes_b_to_a", m.BytesBToA,
		"total", m.Total,
	)
	if s.OnMetering != nil {
		s.OnMetering(m)
	}
}

func pump(ctx context.Context, src, dst *websocket.Conn, counter *atomic.Uint64) error {
	for {
		typ, data, err := src.Read(ctx)
		if err != nil {
			return err
		}
		counter.Add(uint64(len(data)))
		if err := dst.Write(ctx, typ, data); err != nil {
			return err
		}
	}
}
