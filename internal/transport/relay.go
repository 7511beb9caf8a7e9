package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

const (
	relayHeartbeatInterval = 30 * time.Second
	relayWriteTimeout      = 10 * time.Second
	relayReadLimit         = 4 * 1024 * 1024
)

// Relay is the T2 transport alternative: a single long-lived
// WebSocket to the relay broker, carrying multiplex frames as binary
// messages. It reconnects with exponential backoff on disconnect
// (spec §4.8) and is transparent to everything above it — callers only
// ever see Send/OnRecv/State/Close.
type Relay struct {
	URL    string
	Header map[string][]string

	Log *slog.Logger

	state  atomic.Int32
	onRecv atomic.Pointer[func([]byte)]

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	cancel context.CancelFunc

	// OnStateChange is invoked whenever the relay's connection state
	// transitions, mirroring the agent supervisor's lifecycle states.
	OnStateChange func(State)
}

// NewRelay builds a Relay transport. Call Run in its own goroutine to
// start the connect/reconnect loop.
func NewRelay(url string, header map[string][]string, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	r := &Relay{URL: url, Header: header, Log: log}
	r.state.Store(int32(StateDisconnected))
	return r
}

// Run drives connect/reconnect until ctx is cancelled or Close is
// called. It blocks; callers run it in its own goroutine.
func (r *Relay) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	backoff := NewBackoff(2*time.Second, 60*time.Second)
	r.setState(StateConnecting)
	for {
		connected, err := r.connectAndServe(ctx)
		if ctx.Err() != nil {
			r.setState(StateClosed)
			return ctx.Err()
		}
		if connected {
			backoff.Reset()
		}
		r.setState(StateFailed)
		delay := backoff.Next()
		r.Log.Warn("relay disconnected, reconnecting", "error", err, "delay", delay)
		select {
		case <-ctx.Done():
			r.setState(StateClosed)
			return ctx.Err()
		case <-time.After(delay):
		}
		r.setState(StateConnecting)
	}
}

func (r *Relay) connectAndServe(ctx context.Context) (connected bool, err error) {
	opts := &websocket.DialOptions{HTTPHeader: r.Header}
	conn, _, dialErr := websocket.Dial(ctx, r.URL, opts)
	if dialErr != nil {
		return false, fmt.Errorf("dial: %w", dialErr)
	}
	conn.SetReadLimit(relayReadLimit)

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
	defer func() {
		conn.CloseNow()
		r.mu.Lock()
		r.conn = nil
		r.mu.Unlock()
	}()

	connected = true
	r.setState(StateConnected)

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go r.heartbeatLoop(hbCtx, conn)

	for {
		typ, data, readErr := conn.Read(ctx)
		if readErr != nil {
			return connected, fmt.Errorf("read: %w", readErr)
		}
		if typ != websocket.MessageBinary {
			continue
		}
		if cb := r.onRecv.Load(); cb != nil {
			(*cb)(data)
		}
	}
}

func (r *Relay) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(relayHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, relayWriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (r *Relay) setState(s State) {
	r.state.Store(int32(s))
	if r.OnStateChange != nil {
		r.OnStateChange(s)
	}
}

func (r *Relay) Send(ctx context.Context, raw []byte) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("relay: not connected")
	}
	writeCtx, cancel := context.WithTimeout(ctx, relayWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageBinary, raw)
}

func (r *Relay) OnRecv(cb func([]byte)) {
	r.onRecv.Store(&cb)
}

func (r *Relay) State() State {
	return State(r.state.Load())
}

func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	cancel := r.cancel
	conn := r.conn
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.setState(StateClosed)
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "closing")
	}
	return nil
}

var _ Transport = (*Relay)(nil)
