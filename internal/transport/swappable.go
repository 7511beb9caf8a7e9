package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Swappable wraps whichever Transport is currently active (P2P or
// Relay) behind a single stable Send/OnRecv surface, so the dispatcher
// and proxy engines above it never hold a direct handle to either
// alternative and can keep operating across a fallback or upgrade
// (spec §4.8: automatic fallback from T1 to T2, with no session loss).
type Swappable struct {
	mu      sync.Mutex
	active  Transport
	mode    Mode
	onRecv  atomic.Pointer[func([]byte)]
	log     *slog.Logger
}

// NewSwappable wraps an initial transport: whichever alternative (P2P
// or relay) the supervisor brings up first.
func NewSwappable(initial Transport, mode Mode, log *slog.Logger) *Swappable {
	if log == nil {
		log = slog.Default()
	}
	s := &Swappable{active: initial, mode: mode, log: log}
	initial.OnRecv(s.deliver)
	return s
}

func (s *Swappable) deliver(raw []byte) {
	if cb := s.onRecv.Load(); cb != nil {
		(*cb)(raw)
	}
}

// Swap atomically replaces the active transport. The caller is
// responsible for having already brought next to StateConnected
// before swapping, and for closing the previous transport afterward
// if it should no longer be used.
func (s *Swappable) Swap(next Transport, mode Mode) (previous Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous = s.active
	s.active = next
	s.mode = mode
	next.OnRecv(s.deliver)
	s.log.Info("transport swapped", "mode", mode.String())
	return previous
}

// Send delivers via whichever transport is currently active. The lock
// is held only while reading the active transport, not during the
// write itself, so a send already in flight when Swap runs completes
// on the previous transport.
func (s *Swappable) Send(ctx context.Context, raw []byte) error {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active == nil {
		return fmt.Errorf("swappable: no active transport")
	}
	return active.Send(ctx, raw)
}

func (s *Swappable) OnRecv(cb func([]byte)) {
	s.onRecv.Store(&cb)
}

func (s *Swappable) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return StateDisconnected
	}
	return s.active.State()
}

// Mode reports which alternative is currently active.
func (s *Swappable) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Swappable) Close() error {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active == nil {
		return nil
	}
	return active.Close()
}

var _ Transport = (*Swappable)(nil)
