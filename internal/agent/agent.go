// Package agent implements the tunnel agent supervisor (spec §4.8):
// it owns the connect/reconnect state machine, brings up the P2P
// transport with fallback to the relay broker, and wires the router,
// dispatcher, and proxy engines against whichever transport is
// currently active.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/tunnelforge/relaycore/internal/config"
	"github.com/tunnelforge/relaycore/internal/dispatch"
	"github.com/tunnelforge/relaycore/internal/httpproxy"
	"github.com/tunnelforge/relaycore/internal/logger"
	"github.com/tunnelforge/relaycore/internal/router"
	"github.com/tunnelforge/relaycore/internal/settings"
	"github.com/tunnelforge/relaycore/internal/signaling"
	"github.com/tunnelforge/relaycore/internal/transport"
	"github.com/tunnelforge/relaycore/internal/wsproxy"
)

// Mode is the supervisor's top-level lifecycle state (spec §4.8).
type Mode string

const (
	ModeOffline    Mode = "offline"
	ModeConnecting Mode = "connecting"
	ModeConnected  Mode = "connected"
	ModeFailed     Mode = "failed"
)

// Status is the shape returned by status() (spec §6).
type Status struct {
	Mode             Mode   `json:"mode"`
	Transport        string `json:"transport,omitempty"`
	DeviceID         string `json:"device_id,omitempty"`
	DataChannelState string `json:"data_channel_state,omitempty"`
}

const sendTimeout = 10 * time.Second

// Supervisor is the agent's lifecycle owner. It is constructed once
// per process; Start/Stop/Enable/Disable may be called repeatedly
// across the process's lifetime.
type Supervisor struct {
	Config config.AgentConfig
	Store  settings.Store
	Log    *slog.Logger

	router     *router.Router
	httpEngine *httpproxy.Engine
	wsEngine   *wsproxy.Engine
	dispatcher *dispatch.Dispatcher
	backoff    *transport.Backoff

	upstreamsMu sync.RWMutex
	upstreams   map[string]string

	mu         sync.Mutex
	state      *settings.AuthState
	runCtx     context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	transport  *transport.Swappable
	sigClient  *signaling.Client
	currentP2P *transport.P2P
	peerID     string
	mode       Mode
	started    bool
}

// New builds a Supervisor from its configuration and settings store.
// The router's upstream map starts from cfg.Upstreams and can be
// swapped wholesale by SetUpstreams (wired to the config file watcher
// by the host, SPEC_FULL §3 "Upstream map").
func New(cfg config.AgentConfig, store settings.Store, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	s := &Supervisor{
		Config:    cfg,
		Store:     store,
		Log:       log,
		upstreams: cloneUpstreams(cfg.Upstreams),
		backoff:   transport.NewBackoff(2*time.Second, 60*time.Second),
		mode:      ModeOffline,
	}
	s.router = router.New(s.resolveUpstream, cfg.DefaultUpstream)
	s.httpEngine = httpproxy.New(s.router, log)
	s.wsEngine = wsproxy.New(s.router, s.sendFrame, log)
	s.dispatcher = dispatch.New(s.httpEngine, s.wsEngine, s.sendFrame, log)
	return s
}

func cloneUpstreams(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// SetUpstreams replaces the router's client→upstream map wholesale,
// the hot-reload hook driven by config.Watch.
func (s *Supervisor) SetUpstreams(m map[string]string) {
	s.upstreamsMu.Lock()
	defer s.upstreamsMu.Unlock()
	s.upstreams = cloneUpstreams(m)
}

func (s *Supervisor) resolveUpstream(clientID string) (string, bool) {
	s.upstreamsMu.RLock()
	defer s.upstreamsMu.RUnlock()
	baseURL, ok := s.upstreams[clientID]
	return baseURL, ok
}

// Start begins the attempt cycle using whatever AuthState is already
// persisted in the settings store (spec §6 persisted state). It
// returns an error if no credentials are stored — the host is
// expected to have completed an out-of-scope login flow first.
func (s *Supervisor) Start(ctx context.Context) error {
	state, err := s.Store.Load()
	if err != nil {
		return fmt.Errorf("load auth state: %w", err)
	}
	if state == nil || state.Bearer == "" || state.DeviceID == "" || state.SignalingURL == "" {
		return fmt.Errorf("agent: no stored credentials; run the login flow before start()")
	}
	return s.start(ctx, state)
}

// Enable is Start's alias in this single-process reference agent:
// both require the settings store to already hold valid credentials.
// A host that separates "process is running" from "device is opted
// in" should gate calls to Start behind its own enabled/disabled flag;
// the core does not model that distinction itself.
func (s *Supervisor) Enable(ctx context.Context) error {
	return s.Start(ctx)
}

// Disable stops the agent and forgets its stored credentials, so a
// future Start/Enable requires a fresh login.
func (s *Supervisor) Disable() error {
	s.Stop()
	return s.Store.Clear()
}

func (s *Supervisor) start(ctx context.Context, state *settings.AuthState) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("agent: already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.state = state
	s.runCtx = runCtx
	s.cancel = cancel
	s.started = true
	s.Log = logger.With(s.Log, "device_id", state.DeviceID)
	s.mu.Unlock()

	sigURL := signalingURL(state.SignalingURL, state.Bearer, state.DeviceID)
	client := signaling.NewClient(sigURL, state.Bearer, state.DeviceID, s.Log)
	client.OnMessage = s.handleSignal
	s.mu.Lock()
	s.sigClient = client
	s.mu.Unlock()

	s.setMode(ModeConnecting)

	s.wg.Add(2)
	go s.runSignaling(runCtx)
	go s.runLoop(runCtx)
	return nil
}

// Stop disables reconnection and tears down, in order, the
// transport, the proxies (cascading their upstream sockets), and the
// signaling connection (spec §4.8, §5 cancellation semantics).
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	active := s.transport
	sig := s.sigClient
	s.started = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if active != nil {
		active.Close()
	}
	s.wsEngine.Shutdown()
	if sig != nil {
		sig.Close()
	}
	s.wg.Wait()
	s.setMode(ModeOffline)
}

// Status reports the current lifecycle state (spec §6).
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{Mode: s.mode}
	if s.state != nil {
		st.DeviceID = s.state.DeviceID
	}
	if s.transport != nil {
		st.Transport = s.transport.Mode().String()
		st.DataChannelState = s.transport.State().String()
	}
	return st
}

func (s *Supervisor) setMode(m Mode) {
	s.mu.Lock()
	s.mode = m
	s.mu.Unlock()
}

// runSignaling keeps the signaling attachment alive for the lifetime
// of the run, reconnecting with backoff on drop (spec §5: signaling
// attach relies on transport-level closure; this agent retries rather
// than giving up, since the broker is the only path for new offers).
func (s *Supervisor) runSignaling(ctx context.Context) {
	defer s.wg.Done()
	bo := transport.NewBackoff(2*time.Second, 30*time.Second)
	for {
		if ctx.Err() != nil {
			return
		}
		err := s.signalingClient().Run(ctx)
		if ctx.Err() != nil {
			return
		}
		s.Log.Warn("signaling connection lost, reconnecting", "error", err)
		delay := bo.Next()
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (s *Supervisor) signalingClient() *signaling.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sigClient
}

// runLoop drives the connect/reconnect state machine (spec §4.8): up
// to max_p2p_attempts attempts at P2P, each bounded by p2p_timeout;
// on exhaustion, fall back to the relay broker. A lost P2P transport
// re-enters the attempt cycle from scratch with exponential backoff.
// A lost relay transport is handled by Relay's own internal
// reconnect loop rather than restarting the whole cycle — see
// DESIGN.md for why that simplification was chosen.
func (s *Supervisor) runLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		s.setMode(ModeConnecting)

		lossCh, ok := s.attemptP2P(ctx)
		if ok {
			s.setMode(ModeConnected)
			s.backoff.Reset()
			select {
			case <-ctx.Done():
				return
			case <-lossCh:
			}
			s.setMode(ModeFailed)
			if !s.sleepBackoff(ctx) {
				return
			}
			continue
		}
		if ctx.Err() != nil {
			return
		}

		if err := s.attachRelay(ctx); err != nil {
			s.Log.Error("relay attach failed", "error", err)
			s.setMode(ModeFailed)
			if !s.sleepBackoff(ctx) {
				return
			}
			continue
		}
		s.setMode(ModeConnected)
		s.backoff.Reset()
		<-ctx.Done()
		return
	}
}

func (s *Supervisor) sleepBackoff(ctx context.Context) bool {
	delay := s.backoff.Next()
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

// attemptP2P tries up to Config.MaxP2PAttempts times to bring up the
// P2P transport as the answerer, each attempt torn down fully before
// the next (spec §4.8). On success it returns a channel that fires
// once the established PeerConnection is later lost.
func (s *Supervisor) attemptP2P(ctx context.Context) (<-chan struct{}, bool) {
	maxAttempts := s.Config.MaxP2PAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	perAttempt := time.Duration(s.Config.P2PTimeoutSecs) * time.Second
	if perAttempt <= 0 {
		perAttempt = 15 * time.Second
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, false
		}
		p, err := transport.NewP2PAnswerer(s.iceServers())
		if err != nil {
			s.Log.Warn("p2p answerer init failed", "attempt", attempt, "error", err)
			continue
		}
		lossCh := make(chan struct{}, 1)
		p.OnStateChange = func(st transport.State) {
			if st == transport.StateFailed || st == transport.StateClosed {
				select {
				case lossCh <- struct{}{}:
				default:
				}
			}
		}
		p.OnICECandidate = func(c *webrtc.ICECandidateInit) {
			s.emitICECandidate(c)
		}
		s.setCurrentP2P(p)

		attemptCtx, cancel := context.WithTimeout(ctx, perAttempt)
		openErr := p.WaitOpen(attemptCtx)
		cancel()

		if openErr == nil {
			s.adoptTransport(p, transport.ModeP2P)
			return lossCh, true
		}
		s.Log.Info("p2p attempt timed out", "attempt", attempt, "of", maxAttempts)
		p.Close()
		s.setCurrentP2P(nil)
	}
	return nil, false
}

// attachRelay dials the relay broker using the device id as the
// session id (DESIGN.md, Open Question 1, resolving the source
// ambiguity on relay session naming) and waits for the first successful connection
// before adopting it as the active transport.
func (s *Supervisor) attachRelay(ctx context.Context) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	url := relayURL(s.Config.RelayURL, state.DeviceID, state.Bearer)
	relay := transport.NewRelay(url, nil, s.Log)
	connected := make(chan struct{}, 1)
	relay.OnStateChange = func(st transport.State) {
		if st == transport.StateConnected {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		relay.Run(ctx)
	}()

	select {
	case <-connected:
		s.adoptTransport(relay, transport.ModeRelay)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// adoptTransport installs t as the active transport, creating the
// Swappable on first use and swapping (closing the displaced
// transport) thereafter — the proxy engines never hold a direct
// handle to either alternative (spec design notes: weak/back
// references via a send-frame capability).
func (s *Supervisor) adoptTransport(t transport.Transport, mode transport.Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport == nil {
		s.transport = transport.NewSwappable(t, mode, s.Log)
		runCtx := s.runCtx
		s.transport.OnRecv(func(raw []byte) {
			s.dispatcher.Dispatch(runCtx, raw)
		})
		return
	}
	if prev := s.transport.Swap(t, mode); prev != nil {
		prev.Close()
	}
}

// sendFrame is the stable "send-frame" capability handed to the
// dispatcher and WebSocket proxy at construction time; it looks up
// whichever transport is currently active so a p2p↔relay swap never
// requires re-wiring the proxy engines. Per the source's documented
// behavior (spec §9 open questions), a frame with no active transport
// is logged and dropped rather than surfaced as a fault.
func (s *Supervisor) sendFrame(raw []byte) {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		s.Log.Warn("dropping outbound frame: no active transport")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := t.Send(ctx, raw); err != nil {
		s.Log.Warn("send frame failed", "error", err)
	}
}

func (s *Supervisor) setCurrentP2P(p *transport.P2P) {
	s.mu.Lock()
	s.currentP2P = p
	s.mu.Unlock()
}

func (s *Supervisor) getCurrentP2P() *transport.P2P {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentP2P
}

func (s *Supervisor) peerDeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerID
}

func (s *Supervisor) setPeerDeviceID(id string) {
	s.mu.Lock()
	s.peerID = id
	s.mu.Unlock()
}

// iceServers translates the configured STUN/TURN list into pion's
// webrtc.ICEServer shape.
func (s *Supervisor) iceServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(s.Config.ICEServers))
	for _, ice := range s.Config.ICEServers {
		out = append(out, webrtc.ICEServer{
			URLs:       ice.URLs,
			Username:   ice.Username,
			Credential: ice.Credential,
		})
	}
	return out
}

type sdpPayload struct {
	SDP string `json:"sdp"`
}

// handleSignal dispatches one inbound signaling envelope (spec §4.8).
func (s *Supervisor) handleSignal(env signaling.Envelope) {
	switch env.Type {
	case signaling.TypeOffer:
		s.setPeerDeviceID(env.SenderDeviceID)
		p := s.getCurrentP2P()
		if p == nil {
			s.Log.Warn("offer received with no pending p2p attempt")
			return
		}
		var payload sdpPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			s.Log.Warn("malformed offer payload", "error", err)
			return
		}
		answerSDP, err := p.CreateAnswer(payload.SDP)
		if err != nil {
			s.Log.Warn("create answer failed", "error", err)
			return
		}
		s.emitSignal(signaling.Envelope{
			Type:           signaling.TypeAnswer,
			TargetDeviceID: env.SenderDeviceID,
			Payload:        marshalSDP(answerSDP),
		})

	case signaling.TypeAnswer:
		p := s.getCurrentP2P()
		if p == nil {
			return
		}
		var payload sdpPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			s.Log.Warn("malformed answer payload", "error", err)
			return
		}
		if err := p.SetAnswer(payload.SDP); err != nil {
			s.Log.Warn("set remote answer failed", "error", err)
		}

	case signaling.TypeICECandidate:
		p := s.getCurrentP2P()
		if p == nil {
			return
		}
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(env.Payload, &c); err != nil {
			s.Log.Warn("malformed ice candidate payload", "error", err)
			return
		}
		if err := p.AddICECandidate(c); err != nil {
			s.Log.Warn("add ice candidate failed", "error", err)
		}

	case signaling.TypeConnectRequestRecvd:
		s.setPeerDeviceID(env.SenderDeviceID)
		s.emitSignal(signaling.Envelope{
			Type:           signaling.TypeConnectAck,
			TargetDeviceID: env.SenderDeviceID,
			Transport:      "webrtc",
			Status:         "ready",
		})

	case signaling.TypeConnectAckRecvd, signaling.TypeConnected, signaling.TypeAck, signaling.TypeError:
		s.Log.Debug("signaling diagnostic", "type", env.Type, "message", env.Message)

	default:
		s.Log.Warn("unhandled signaling message", "type", env.Type)
	}
}

// emitICECandidate sends a locally-gathered candidate to the
// remembered peer; a nil candidate marks gathering complete and is
// not itself forwarded (there is nothing a null SDPMid candidate
// conveys to the remote side beyond trickle completion, which the
// peer infers from its own ICE state).
func (s *Supervisor) emitICECandidate(c *webrtc.ICECandidateInit) {
	if c == nil {
		return
	}
	peer := s.peerDeviceID()
	if peer == "" {
		return
	}
	data, err := json.Marshal(c)
	if err != nil {
		s.Log.Warn("marshal ice candidate failed", "error", err)
		return
	}
	s.emitSignal(signaling.Envelope{
		Type:           signaling.TypeICECandidate,
		TargetDeviceID: peer,
		Payload:        data,
	})
}

func (s *Supervisor) emitSignal(env signaling.Envelope) {
	client := s.signalingClient()
	if client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := client.Send(ctx, env); err != nil {
		s.Log.Warn("signaling send failed", "type", env.Type, "error", err)
	}
}

func marshalSDP(sdp string) json.RawMessage {
	data, _ := json.Marshal(sdpPayload{SDP: sdp})
	return data
}

func signalingURL(base, token, deviceID string) string {
	sep := "?"
	if containsQuery(base) {
		sep = "&"
	}
	return fmt.Sprintf("%s%stoken=%s&device_id=%s", base, sep, token, deviceID)
}

func relayURL(base, sessionID, token string) string {
	trimmed := base
	if len(trimmed) > 0 && trimmed[len(trimmed)-1] == '/' {
		trimmed = trimmed[:len(trimmed)-1]
	}
	return fmt.Sprintf("%s/relay/%s?token=%s", trimmed, sessionID, token)
}

func containsQuery(url string) bool {
	for i := 0; i < len(url); i++ {
		if url[i] == '?' {
			return true
		}
	}
	return false
}
