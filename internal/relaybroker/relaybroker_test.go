package relaybroker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

type alwaysValid struct{}

func (alwaysValid) Validate(_ context.Context, _ string) (string, error) { return "user-1", nil }

func newTestServer(t *testing.T) (*httptest.Server, *Server, *Registry) {
	t.Helper()
	registry := NewRegistry()
	s := NewServer(registry, alwaysValid{}, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("/relay/{session_id}", s.ServeHTTP)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, s, registry
}

func dial(t *testing.T, ts *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	url := strings.Replace(ts.URL, "http://", "ws://", 1) + "/relay/" + sessionID + "?token=tok"
	conn, _, err := websocket.Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestForwardingBeginsOnSecondJoin(t *testing.T) {
	ts, _, registry := newTestServer(t)

	a := dial(t, ts, "sess-1")
	time.Sleep(30 * time.Millisecond)
	if registry.Count() != 1 {
		t.Fatalf("registry count before second join = %d, want 1", registry.Count())
	}

	b := dial(t, ts, "sess-1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Write(ctx, websocket.MessageBinary, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, data, err := b.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "ping" {
		t.Fatalf("data = %q, want ping", data)
	}

	a.Close(websocket.StatusNormalClosure, "")
	b.Close(websocket.StatusNormalClosure, "")
}

func TestThirdAttachRefused(t *testing.T) {
	ts, _, _ := newTestServer(t)
	a := dial(t, ts, "sess-2")
	b := dial(t, ts, "sess-2")
	defer a.Close(websocket.StatusNormalClosure, "")
	defer b.Close(websocket.StatusNormalClosure, "")
	time.Sleep(30 * time.Millisecond)

	c := dial(t, ts, "sess-2")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := c.Read(ctx); err == nil {
		t.Fatal("expected third attach to be refused")
	}
}

func TestMeteringEmittedOnDisconnect(t *testing.T) {
	registry := NewRegistry()
	s := NewServer(registry, alwaysValid{}, nil)
	var mu sync.Mutex
	var got *Metering
	done := make(chan struct{})
	s.OnMetering = func(m Metering) {
		mu.Lock()
		got = &m
		mu.Unlock()
		close(done)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/relay/{session_id}", s.ServeHTTP)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	a := dial(t, ts, "sess-3")
	b := dial(t, ts, "sess-3")
	time.Sleep(30 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	a.Write(ctx, websocket.MessageBinary, []byte("0123456789"))
	b.Read(ctx)
	b.Write(ctx, websocket.MessageBinary, []byte("abcd"))
	a.Read(ctx)

	a.Close(websocket.StatusNormalClosure, "")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for metering record")
	}

	mu.Lock()
	defer mu.Unlock()
	if got.BytesAToB != 10 || got.BytesBToA != 4 || got.Total != 14 {
		t.Fatalf("metering = %+v", got)
	}
	if registry.Count() != 0 {
		t.Fatalf("registry count = %d, want 0", registry.Count())
	}
}
