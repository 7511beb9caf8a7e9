package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/tunnelforge/relaycore/internal/frame"
	"github.com/tunnelforge/relaycore/internal/httpproxy"
	"github.com/tunnelforge/relaycore/internal/router"
	"github.com/tunnelforge/relaycore/internal/wsproxy"
)

func TestDispatchHTTPRequestEmitsResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	r := router.New(nil, upstream.URL)
	var mu sync.Mutex
	var got []byte
	done := make(chan struct{})
	send := func(raw []byte) {
		mu.Lock()
		got = raw
		mu.Unlock()
		close(done)
	}

	d := New(httpproxy.New(r, nil), wsproxy.New(r, send, nil), send, nil)

	reqFrame, err := frame.EncodeHTTPRequest(frame.HTTPRequest{RequestID: 3, Method: "GET", Path: "/"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	d.Dispatch(context.Background(), reqFrame)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatched response")
	}

	mu.Lock()
	defer mu.Unlock()
	resp, err := frame.DecodeHTTPResponse(got)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.RequestID != 3 || resp.Status != 200 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestDispatchUnknownKindDropped(t *testing.T) {
	r := router.New(nil, "http://unused")
	d := New(httpproxy.New(r, nil), wsproxy.New(r, func([]byte) {}, nil), func([]byte) {}, nil)
	// Should not panic on a junk kind byte; transport stays open (no-op here).
	d.Dispatch(context.Background(), []byte{0xEE, 0, 0, 0, 0})
}

func TestDispatchResponseAtAgentSideDropped(t *testing.T) {
	r := router.New(nil, "http://unused")
	called := false
	send := func([]byte) { called = true }
	d := New(httpproxy.New(r, nil), wsproxy.New(r, send, nil), send, nil)

	respFrame, _ := frame.EncodeHTTPResponse(frame.HTTPResponse{RequestID: 1, Status: 200})
	d.Dispatch(context.Background(), respFrame)
	if called {
		t.Fatal("dispatcher should not forward an HTTP_RESPONSE frame arriving at the agent side")
	}
}

func TestDispatchDoesNotBlockOnSlowUpstream(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer slow.Close()

	r := router.New(nil, slow.URL)
	var mu sync.Mutex
	responses := map[uint32]bool{}
	allDone := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	send := func(raw []byte) {
		resp, err := frame.DecodeHTTPResponse(raw)
		if err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		mu.Lock()
		responses[resp.RequestID] = true
		mu.Unlock()
		wg.Done()
	}

	d := New(httpproxy.New(r, nil), wsproxy.New(r, send, nil), send, nil)

	start := time.Now()
	f7, _ := frame.EncodeHTTPRequest(frame.HTTPRequest{RequestID: 7, Method: "GET", Path: "/a"})
	d.Dispatch(context.Background(), f7)
	// Dispatch must return immediately, not block on the slow upstream.
	if time.Since(start) > 50*time.Millisecond {
		t.Fatalf("Dispatch blocked for %v", time.Since(start))
	}

	f8, _ := frame.EncodeHTTPRequest(frame.HTTPRequest{RequestID: 8, Method: "GET", Path: "/b"})
	d.Dispatch(context.Background(), f8)

	go func() {
		wg.Wait()
		close(allDone)
	}()
	select {
	case <-allDone:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for both responses")
	}

	mu.Lock()
	defer mu.Unlock()
	if !responses[7] || !responses[8] {
		t.Fatalf("responses = %+v", responses)
	}
}
