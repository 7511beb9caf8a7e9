// Package wsproxy implements the WebSocket proxy engine: it opens an
// upstream duplex socket on WS_CONNECT and relays frames in both
// directions until either side closes (spec §4.4).
package wsproxy

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/tunnelforge/relaycore/internal/frame"
	"github.com/tunnelforge/relaycore/internal/router"
)

// HandshakeTimeout bounds opening the upstream socket (spec §5).
const HandshakeTimeout = 30 * time.Second

// SendFrame delivers one encoded frame to the remote peer. The engine
// never holds a handle to the transport directly — only this closure
// — so a transport swap (p2p ↔ relay) happens behind the closure
// without touching the engine, per the design notes on weak/back
// references.
type SendFrame func(raw []byte)

type connState struct {
	upstream *websocket.Conn
	cancel   context.CancelFunc
}

// Engine is keyed by connection_id. The map is owned exclusively by
// the engine; no other task touches it (spec §5).
type Engine struct {
	Router *router.Router
	Send   SendFrame
	Log    *slog.Logger

	mu    sync.Mutex
	conns map[uint32]*connState
	wg    sync.WaitGroup
}

// New builds an Engine. send is called (from the engine's own
// goroutines) whenever a WS_DATA or WS_CLOSE frame must be emitted to
// the remote peer.
func New(r *router.Router, send SendFrame, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		Router: r,
		Send:   send,
		Log:    log,
		conns:  make(map[uint32]*connState),
	}
}

// Connect handles a WS_CONNECT frame: it opens the upstream socket and
// spawns the up-relay task. Receiving a connect for an id already in
// use is idempotent-erroneous: the old connection is closed first so
// it cannot leak.
func (e *Engine) Connect(ctx context.Context, c frame.WSConnect) {
	e.mu.Lock()
	if old, ok := e.conns[c.ConnectionID]; ok {
		old.cancel()
	}
	e.mu.Unlock()

	upstreamURL, err := e.resolveUpstreamURL(c.URL)
	if err != nil {
		e.emitClose(c.ConnectionID, 1006, fmt.Sprintf("bad upstream url: %v", err))
		return
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer dialCancel()

	opts := &websocket.DialOptions{HTTPHeader: make(map[string][]string)}
	for k, v := range c.Headers {
		opts.HTTPHeader.Set(k, v)
	}

	conn, _, err := websocket.Dial(dialCtx, upstreamURL, opts)
	if err != nil {
		e.emitClose(c.ConnectionID, 1006, fmt.Sprintf("upstream connect failed: %v", err))
		return
	}

	relayCtx, cancel := context.WithCancel(context.Background())
	cs := &connState{upstream: conn, cancel: cancel}

	e.mu.Lock()
	e.conns[c.ConnectionID] = cs
	e.mu.Unlock()

	e.wg.Add(1)
	go e.upRelay(relayCtx, c.ConnectionID, conn)
}

// resolveUpstreamURL routes the WS_CONNECT path to a target base URL
// and rewrites its scheme http→ws / https→wss, keeping the target
// host (spec §4.4).
func (e *Engine) resolveUpstreamURL(path string) (string, error) {
	base := e.Router.Route(path)
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch baseURL.Scheme {
	case "http", "":
		baseURL.Scheme = "ws"
	case "https":
		baseURL.Scheme = "wss"
	}
	pathPart := path
	if i := strings.IndexByte(pathPart, '?'); i >= 0 {
		pathPart = pathPart[:i]
	}
	if pathPart == "" {
		pathPart = "/"
	}
	trimmedBase := strings.TrimSuffix(baseURL.Path, "/")
	baseURL.Path = trimmedBase + pathPart
	return baseURL.String(), nil
}

// Data handles a WS_DATA frame: lookup id, forward to upstream
// respecting opcode. Absent ids are logged and dropped.
func (e *Engine) Data(ctx context.Context, d frame.WSData) {
	cs := e.get(d.ConnectionID)
	if cs == nil {
		e.Log.Warn("WS_DATA for unknown connection", "connection_id", d.ConnectionID)
		return
	}
	switch d.Opcode {
	case frame.OpText:
		_ = cs.upstream.Write(ctx, websocket.MessageText, d.Payload)
	case frame.OpBinary:
		_ = cs.upstream.Write(ctx, websocket.MessageBinary, d.Payload)
	case frame.OpPing:
		// coder/websocket has no raw-payload ping write; Ping blocks for
		// the pong round trip instead of fire-and-forget relay.
		go cs.upstream.Ping(ctx)
	case frame.OpPong:
		// incoming pings on the upstream side are answered automatically
		// by the library; nothing to forward for an explicit pong.
	default:
		e.Log.Warn("unsupported WS_DATA opcode", "connection_id", d.ConnectionID, "opcode", d.Opcode)
	}
}

// Close handles a WS_CLOSE frame: forward the close to upstream,
// cancel the relay task, and unregister.
func (e *Engine) Close(ctx context.Context, c frame.WSClose) {
	cs := e.get(c.ConnectionID)
	if cs == nil {
		return
	}
	_ = cs.upstream.Close(websocket.StatusCode(c.Code), c.Reason)
	cs.cancel()
	e.remove(c.ConnectionID)
}

// upRelay reads upstream messages until termination, emitting WS_DATA
// for each and a terminal WS_CLOSE on exit. It removes its own
// registration in its exit path so a cancelled task can never leak a
// connection-id entry (spec §4.4, "no leak").
func (e *Engine) upRelay(ctx context.Context, id uint32, conn *websocket.Conn) {
	defer e.wg.Done()
	defer func() {
		// Only drop the entry if it is still this task's connection; a
		// superseding WS_CONNECT may have registered a new one under id.
		e.mu.Lock()
		if cs, ok := e.conns[id]; ok && cs.upstream == conn {
			delete(e.conns, id)
		}
		e.mu.Unlock()
	}()

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			code, reason := closeDetail(err)
			e.emitClose(id, code, reason)
			return
		}
		op := frame.OpBinary
		if msgType == websocket.MessageText {
			op = frame.OpText
		}
		e.Send(frame.EncodeWSData(frame.WSData{ConnectionID: id, Opcode: op, Payload: data}))
	}
}

func closeDetail(err error) (uint16, string) {
	if cs := websocket.CloseStatus(err); cs != -1 {
		return uint16(cs), err.Error()
	}
	return 1006, err.Error()
}

func (e *Engine) emitClose(id uint32, code uint16, reason string) {
	e.Send(frame.EncodeWSClose(frame.WSClose{ConnectionID: id, Code: code, Reason: reason}))
}

func (e *Engine) get(id uint32) *connState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conns[id]
}

func (e *Engine) remove(id uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.conns, id)
}

// Live returns the number of currently registered connections — used
// by tests asserting the no-leak property after Shutdown.
func (e *Engine) Live() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

// Shutdown closes every live connection and cancels every relay task,
// then waits for them to drain.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	states := make([]*connState, 0, len(e.conns))
	for _, cs := range e.conns {
		states = append(states, cs)
	}
	e.mu.Unlock()

	for _, cs := range states {
		_ = cs.upstream.Close(websocket.StatusNormalClosure, "shutdown")
		cs.cancel()
	}
	e.wg.Wait()
}
