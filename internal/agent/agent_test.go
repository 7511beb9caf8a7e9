package agent

import (
	"context"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/tunnelforge/relaycore/internal/config"
	"github.com/tunnelforge/relaycore/internal/settings"
	"github.com/tunnelforge/relaycore/internal/signaling"
)

func testSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	cfg := config.DefaultAgentConfig()
	cfg.Upstreams = map[string]string{"acme": "http://127.0.0.1:9001"}
	store := settings.NewFileStore(t.TempDir())
	return New(cfg, store, nil)
}

func TestNewStartsOffline(t *testing.T) {
	s := testSupervisor(t)
	st := s.Status()
	if st.Mode != ModeOffline {
		t.Fatalf("mode = %v, want offline", st.Mode)
	}
	if st.Transport != "" {
		t.Fatalf("transport = %q, want empty before start", st.Transport)
	}
}

func TestResolveUpstreamFallsBackToDefault(t *testing.T) {
	s := testSupervisor(t)
	if base, ok := s.resolveUpstream("acme"); !ok || base != "http://127.0.0.1:9001" {
		t.Fatalf("resolveUpstream(acme) = %q, %v", base, ok)
	}
	if _, ok := s.resolveUpstream("nobody"); ok {
		t.Fatal("resolveUpstream(nobody) should miss")
	}
	if got := s.router.Route("/x?client=nobody"); got != s.Config.DefaultUpstream {
		t.Fatalf("route fallback = %q, want default %q", got, s.Config.DefaultUpstream)
	}
}

func TestSetUpstreamsReplacesMapWholesale(t *testing.T) {
	s := testSupervisor(t)
	s.SetUpstreams(map[string]string{"widget": "http://127.0.0.1:9002"})

	if _, ok := s.resolveUpstream("acme"); ok {
		t.Fatal("old upstream entry should be gone after SetUpstreams")
	}
	if base, ok := s.resolveUpstream("widget"); !ok || base != "http://127.0.0.1:9002" {
		t.Fatalf("resolveUpstream(widget) = %q, %v", base, ok)
	}
}

func TestStartWithoutStoredCredentialsErrors(t *testing.T) {
	s := testSupervisor(t)
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected error starting without stored credentials")
	}
}

func TestSendFrameWithNoActiveTransportDoesNotPanic(t *testing.T) {
	s := testSupervisor(t)
	s.sendFrame([]byte("no transport yet"))
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	s := testSupervisor(t)
	s.Stop()
	if st := s.Status(); st.Mode != ModeOffline {
		t.Fatalf("mode = %v, want offline", st.Mode)
	}
}

func TestSignalingURLAppendsQueryParams(t *testing.T) {
	got := signalingURL("wss://broker.example/signal", "tok", "device-1")
	want := "wss://broker.example/signal?token=tok&device_id=device-1"
	if got != want {
		t.Fatalf("signalingURL = %q, want %q", got, want)
	}
}

func TestSignalingURLAppendsToExistingQuery(t *testing.T) {
	got := signalingURL("wss://broker.example/signal?debug=1", "tok", "device-1")
	want := "wss://broker.example/signal?debug=1&token=tok&device_id=device-1"
	if got != want {
		t.Fatalf("signalingURL = %q, want %q", got, want)
	}
}

func TestRelayURLBuildsSessionPath(t *testing.T) {
	got := relayURL("https://relay.example/", "device-1", "tok")
	want := "https://relay.example/relay/device-1?token=tok"
	if got != want {
		t.Fatalf("relayURL = %q, want %q", got, want)
	}
}

func TestEmitICECandidateWithoutPeerIsNoop(t *testing.T) {
	s := testSupervisor(t)
	// No peer device id has been recorded yet; this must not panic or
	// attempt to use a nil signaling client.
	s.emitICECandidate(&webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 50000 typ host"})
}

func TestHandleSignalWithoutPendingP2PIgnoresOfferAndAnswer(t *testing.T) {
	s := testSupervisor(t)
	// No attemptP2P has run, so currentP2P is nil; these must be dropped
	// rather than panic on a nil P2P handle.
	s.handleSignal(signaling.Envelope{Type: signaling.TypeOffer, SenderDeviceID: "peer-1"})
	s.handleSignal(signaling.Envelope{Type: signaling.TypeAnswer, SenderDeviceID: "peer-1"})
	s.handleSignal(signaling.Envelope{Type: signaling.TypeICECandidate, SenderDeviceID: "peer-1"})
}
