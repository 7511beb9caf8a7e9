package httpproxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tunnelforge/relaycore/internal/frame"
	"github.com/tunnelforge/relaycore/internal/router"
)

func TestHandleSuccess(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer upstream.Close()

	r := router.New(nil, upstream.URL)
	e := New(r, nil)

	resp := e.Handle(context.Background(), frame.HTTPRequest{
		RequestID: 1, Method: "GET", Path: "/health",
	})
	if resp.RequestID != 1 {
		t.Fatalf("request id mismatch: %d", resp.RequestID)
	}
	if resp.Status != 200 {
		t.Fatalf("status = %d, want 200", resp.Status)
	}
	var body map[string]string
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %+v", body)
	}
}

func TestHandleBadGateway(t *testing.T) {
	r := router.New(nil, "http://127.0.0.1:1") // nothing listens here
	e := New(r, nil)

	resp := e.Handle(context.Background(), frame.HTTPRequest{RequestID: 5, Method: "GET", Path: "/x"})
	if resp.RequestID != 5 {
		t.Fatalf("request id mismatch: %d", resp.RequestID)
	}
	if resp.Status != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.Status)
	}
	var body map[string]string
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body["error"] == "" {
		t.Fatal("expected error message in body")
	}
}

func TestHandleRawMalformedFrame(t *testing.T) {
	r := router.New(nil, "http://unused")
	e := New(r, nil)

	resp := e.HandleRaw(context.Background(), []byte{0x01, 0x00, 0x00, 0x00, 0x09, 0xFF})
	if resp.Status != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.Status)
	}
	if resp.RequestID != 9 {
		t.Fatalf("request id = %d, want best-effort 9", resp.RequestID)
	}
}

func TestConcurrentRequestsIndependent(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	e := New(router.New(nil, upstream.URL), nil)
	done := make(chan frame.HTTPResponse, 2)
	for _, id := range []uint32{7, 8} {
		go func(id uint32) {
			done <- e.Handle(context.Background(), frame.HTTPRequest{RequestID: id, Method: "GET", Path: "/a"})
		}(id)
	}
	seen := map[uint32]bool{}
	for i := 0; i < 2; i++ {
		r := <-done
		seen[r.RequestID] = true
	}
	if !seen[7] || !seen[8] {
		t.Fatalf("missing responses: %+v", seen)
	}
}
