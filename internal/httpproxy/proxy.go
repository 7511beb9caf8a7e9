// Package httpproxy implements the HTTP proxy engine: given a decoded
// request frame it produces exactly one response frame, forwarding to
// a local upstream resolved by the router.
package httpproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tunnelforge/relaycore/internal/frame"
	"github.com/tunnelforge/relaycore/internal/router"
)

// Timeout is the total per-request deadline to the upstream (spec §4.3, §5).
const Timeout = 30 * time.Second

// Engine forwards buffered HTTP request frames to local upstreams and
// emits a response frame. It is stateless across requests — concurrent
// calls to Handle are independent and safe.
type Engine struct {
	Router *router.Router
	Client *http.Client
	Log    *slog.Logger
}

// New builds an Engine with its own HTTP client that does not follow
// redirects, matching "Follow no redirects at this layer".
func New(r *router.Router, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		Router: r,
		Log:    log,
		Client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Handle resolves the target, issues the upstream request, and always
// returns a response frame whose RequestID matches req — even on
// failure, per spec §4.3 steps 4-5.
func (e *Engine) Handle(ctx context.Context, req frame.HTTPRequest) frame.HTTPResponse {
	base := e.Router.Route(req.Path)
	targetURL := joinURL(base, req.Path)

	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, targetURL, bodyReader)
	if err != nil {
		return errorResponse(req.RequestID, http.StatusInternalServerError,
			fmt.Sprintf("Internal Server Error: %v", err))
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := e.Client.Do(httpReq)
	if err != nil {
		e.Log.Warn("upstream request failed", "request_id", req.RequestID, "target", targetURL, "error", err)
		return errorResponse(req.RequestID, http.StatusBadGateway,
			fmt.Sprintf("Bad Gateway: %v", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errorResponse(req.RequestID, http.StatusInternalServerError,
			fmt.Sprintf("Internal Server Error: %v", err))
	}

	hdr := make(frame.Headers, len(resp.Header))
	for k := range resp.Header {
		hdr[k] = resp.Header.Get(k)
	}

	return frame.HTTPResponse{
		RequestID: req.RequestID,
		Status:    uint16(resp.StatusCode),
		Headers:   hdr,
		Body:      body,
	}
}

// HandleRaw decodes raw frame bytes before dispatching. On decode
// failure it synthesizes a 500 response, recovering the request id
// from the four id bytes after the kind byte when the frame is long
// enough (spec §4.3 error conditions).
func (e *Engine) HandleRaw(ctx context.Context, raw []byte) frame.HTTPResponse {
	req, err := frame.DecodeHTTPRequest(raw)
	if err != nil {
		id, _ := frame.PeekID(raw)
		e.Log.Warn("malformed HTTP_REQUEST frame", "error", err)
		return errorResponse(id, http.StatusInternalServerError,
			fmt.Sprintf("Internal Server Error: %v", err))
	}
	return e.Handle(ctx, req)
}

func errorResponse(requestID uint32, status int, msg string) frame.HTTPResponse {
	body, _ := json.Marshal(map[string]string{"error": msg})
	return frame.HTTPResponse{
		RequestID: requestID,
		Status:    uint16(status),
		Headers:   frame.Headers{"Content-Type": "application/json"},
		Body:      body,
	}
}

func joinURL(base, path string) string {
	if len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	if len(path) == 0 || path[0] != '/' {
		path = "/" + path
	}
	return base + path
}
