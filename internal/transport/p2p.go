package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// P2P is the T1 transport alternative: a single DataChannel over a
// negotiated WebRTC PeerConnection. The agent supervisor drives its
// offer/answer/ICE exchange via the signaling broker; this type only
// owns the PeerConnection/DataChannel lifecycle.
type P2P struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	state   atomic.Int32
	onRecv  atomic.Pointer[func([]byte)]
	opened  chan struct{}
	openErr error
	mu      sync.Mutex
	closed  bool

	// OnICECandidate is invoked for every locally-gathered ICE
	// candidate, and once more with a nil candidate when gathering
	// completes (trickle ICE, spec §4.8).
	OnICECandidate func(candidate *webrtc.ICECandidateInit)

	// OnStateChange is invoked whenever the PeerConnection's state
	// transitions, so the agent supervisor can detect loss without
	// polling (mirrors Relay.OnStateChange).
	OnStateChange func(State)
}

// NewP2POfferer creates a PeerConnection and a "tunnel" DataChannel,
// as the offering side. Call CreateOffer next.
func NewP2POfferer(iceServers []webrtc.ICEServer) (*P2P, error) {
	p, err := newP2P(iceServers)
	if err != nil {
		return nil, err
	}
	dc, err := p.pc.CreateDataChannel("tunnel", nil)
	if err != nil {
		p.pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	p.bindDataChannel(dc)
	return p, nil
}

// NewP2PAnswerer creates a bare PeerConnection that expects an
// incoming offer and an incoming DataChannel. Call CreateAnswer next.
func NewP2PAnswerer(iceServers []webrtc.ICEServer) (*P2P, error) {
	p, err := newP2P(iceServers)
	if err != nil {
		return nil, err
	}
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		p.bindDataChannel(dc)
	})
	return p, nil
}

func newP2P(iceServers []webrtc.ICEServer) (*P2P, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	p := &P2P{pc: pc, opened: make(chan struct{})}
	p.state.Store(int32(StateConnecting))

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if p.OnICECandidate == nil {
			return
		}
		if c == nil {
			p.OnICECandidate(nil)
			return
		}
		init := c.ToJSON()
		p.OnICECandidate(&init)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			p.setState(StateFailed)
		case webrtc.PeerConnectionStateClosed:
			p.setState(StateClosed)
		}
	})
	return p, nil
}

func (p *P2P) bindDataChannel(dc *webrtc.DataChannel) {
	p.dc = dc
	dc.OnOpen(func() {
		p.setState(StateConnected)
		select {
		case <-p.opened:
		default:
			close(p.opened)
		}
	})
	dc.OnClose(func() {
		p.setState(StateClosed)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if cb := p.onRecv.Load(); cb != nil {
			(*cb)(msg.Data)
		}
	})
}

// CreateOffer creates a local offer, sets it as the local description,
// and returns the SDP. Caller must send it to the peer via signaling.
func (p *P2P) CreateOffer() (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return offer.SDP, nil
}

// CreateAnswer sets the remote offer, creates and sets a local answer,
// and returns the answer SDP.
func (p *P2P) CreateAnswer(offerSDP string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return answer.SDP, nil
}

// SetAnswer applies a remote answer SDP (offerer side, after CreateOffer).
func (p *P2P) SetAnswer(answerSDP string) error {
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

// AddICECandidate adds a trickled remote ICE candidate.
func (p *P2P) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

// WaitOpen blocks until the DataChannel opens or ctx is cancelled.
func (p *P2P) WaitOpen(ctx context.Context) error {
	select {
	case <-p.opened:
		return p.openErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *P2P) setState(s State) {
	p.state.Store(int32(s))
	if p.OnStateChange != nil {
		p.OnStateChange(s)
	}
}

func (p *P2P) Send(_ context.Context, raw []byte) error {
	if p.dc == nil {
		return fmt.Errorf("p2p: data channel not yet open")
	}
	return p.dc.Send(raw)
}

func (p *P2P) OnRecv(cb func([]byte)) {
	p.onRecv.Store(&cb)
}

func (p *P2P) State() State {
	return State(p.state.Load())
}

func (p *P2P) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.setState(StateClosed)
	return p.pc.Close()
}

var _ Transport = (*P2P)(nil)
