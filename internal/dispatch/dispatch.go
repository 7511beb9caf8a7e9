// Package dispatch implements the agent-side dispatcher: it inspects
// an inbound frame's kind byte and routes it to the HTTP or WebSocket
// proxy engine (spec §4.5).
package dispatch

import (
	"context"
	"log/slog"

	"github.com/tunnelforge/relaycore/internal/frame"
	"github.com/tunnelforge/relaycore/internal/httpproxy"
	"github.com/tunnelforge/relaycore/internal/wsproxy"
)

// Dispatcher owns one HTTP proxy engine and one WebSocket proxy
// engine and routes inbound frames to whichever applies.
type Dispatcher struct {
	HTTP *httpproxy.Engine
	WS   *wsproxy.Engine
	Send func(raw []byte)
	Log  *slog.Logger
}

// New builds a Dispatcher. send delivers outbound frames (HTTP
// responses, and whatever the WS engine emits) back to the transport.
func New(http *httpproxy.Engine, ws *wsproxy.Engine, send func(raw []byte), log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{HTTP: http, WS: ws, Send: send, Log: log}
}

// Dispatch routes one inbound frame. HTTP requests are handled on
// their own goroutine so that dispatching does not block ingestion of
// the next frame; WebSocket frames complete synchronously to the
// upstream open/send call, with further output delivered later by the
// engine's relay task.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) {
	kind, err := frame.PeekKind(raw)
	if err != nil {
		d.Log.Warn("dropping frame with no readable kind", "error", err)
		return
	}

	switch kind {
	case frame.KindHTTPRequest:
		go func() {
			resp := d.HTTP.HandleRaw(ctx, raw)
			encoded, err := frame.EncodeHTTPResponse(resp)
			if err != nil {
				d.Log.Error("failed to encode HTTP_RESPONSE", "request_id", resp.RequestID, "error", err)
				return
			}
			d.Send(encoded)
		}()

	case frame.KindWSConnect:
		c, err := frame.DecodeWSConnect(raw)
		if err != nil {
			d.Log.Warn("dropping malformed WS_CONNECT", "error", err)
			return
		}
		d.WS.Connect(ctx, c)

	case frame.KindWSData:
		wd, err := frame.DecodeWSData(raw)
		if err != nil {
			d.Log.Warn("dropping malformed WS_DATA", "error", err)
			return
		}
		d.WS.Data(ctx, wd)

	case frame.KindWSClose:
		wc, err := frame.DecodeWSClose(raw)
		if err != nil {
			d.Log.Warn("dropping malformed WS_CLOSE", "error", err)
			return
		}
		d.WS.Close(ctx, wc)

	case frame.KindHTTPResponse:
		// A response arriving at the agent side is unexpected: the agent
		// only ever originates responses, never receives them.
		d.Log.Warn("dropping unexpected HTTP_RESPONSE at agent side")

	default:
		d.Log.Warn("dropping frame with unknown kind", "kind", kind)
	}
}
