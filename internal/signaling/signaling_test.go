package signaling

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/tunnelforge/relaycore/internal/auth"
)

type fixedValidator struct{ userID string }

func (f fixedValidator) Validate(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", errMalformed
	}
	return f.userID, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *Registry) {
	t.Helper()
	dir := auth.NewMemoryDirectory()
	dir.RegisterDevice("device-a", "user-1")
	dir.RegisterDevice("device-b", "user-1")

	registry := NewRegistry()
	s := NewServer(registry, fixedValidator{"user-1"}, dir, nil)
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return ts, registry
}

func dialDevice(t *testing.T, ts *httptest.Server, deviceID string) *websocket.Conn {
	t.Helper()
	url := strings.Replace(ts.URL, "http://", "ws://", 1) + "/signal?token=tok&device_id=" + deviceID
	conn, _, err := websocket.Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", deviceID, err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

// readEnvelope decodes one broker→client message. It deliberately
// does not call Validate: that function checks whether an inbound
// client message is routable (type and target_device_id both
// required), a stricter shape than the broker's own outbound
// messages (ack/error/connected) carry.
func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return env
}

func TestAttachSendsConnected(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dialDevice(t, ts, "device-a")

	env := readEnvelope(t, conn)
	if env.Type != TypeConnected || env.DeviceID != "device-a" {
		t.Fatalf("env = %+v", env)
	}
}

func TestOfferRoutesToTargetWithSenderStamped(t *testing.T) {
	ts, _ := newTestServer(t)
	a := dialDevice(t, ts, "device-a")
	b := dialDevice(t, ts, "device-b")
	readEnvelope(t, a)
	readEnvelope(t, b)

	msg := []byte(`{"type":"offer","target_device_id":"device-b","payload":{"sdp":"xyz"}}`)
	if err := a.Write(context.Background(), websocket.MessageText, msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	ack := readEnvelope(t, a)
	if ack.Type != TypeAck {
		t.Fatalf("sender got %+v, want ack", ack)
	}

	fwd := readEnvelope(t, b)
	if fwd.Type != TypeOffer || fwd.SenderDeviceID != "device-a" {
		t.Fatalf("target got %+v", fwd)
	}
}

func TestTargetNotConnectedRepliesError(t *testing.T) {
	ts, _ := newTestServer(t)
	a := dialDevice(t, ts, "device-a")
	readEnvelope(t, a)

	msg := []byte(`{"type":"offer","target_device_id":"device-b","payload":{}}`)
	a.Write(context.Background(), websocket.MessageText, msg)

	errEnv := readEnvelope(t, a)
	if errEnv.Type != TypeError {
		t.Fatalf("got %+v, want error", errEnv)
	}
}

func TestSupersededAttachClosesPrior(t *testing.T) {
	ts, registry := newTestServer(t)
	first := dialDevice(t, ts, "device-a")
	readEnvelope(t, first)

	second := dialDevice(t, ts, "device-a")
	readEnvelope(t, second)

	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := first.Read(ctx); err == nil {
		t.Fatal("expected first connection to be closed")
	}

	if registry.Count() != 1 {
		t.Fatalf("registry count = %d, want 1", registry.Count())
	}
}

func TestConnectRequestRelayedAsReceived(t *testing.T) {
	ts, _ := newTestServer(t)
	a := dialDevice(t, ts, "device-a")
	b := dialDevice(t, ts, "device-b")
	readEnvelope(t, a)
	readEnvelope(t, b)

	msg := []byte(`{"type":"connect-request","target_device_id":"device-b","preferred_transport":"webrtc"}`)
	a.Write(context.Background(), websocket.MessageText, msg)
	readEnvelope(t, a) // ack

	fwd := readEnvelope(t, b)
	if fwd.Type != TypeConnectRequestRecvd {
		t.Fatalf("got type %q, want %q", fwd.Type, TypeConnectRequestRecvd)
	}
}
