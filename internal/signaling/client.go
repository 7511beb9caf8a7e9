package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Client is the agent-side half of the signaling protocol: it dials
// the broker's /signal endpoint and exchanges Envelope messages over
// a single duplex connection (spec §6: GET /signal?token=...&device_id=...).
type Client struct {
	URL      string
	Token    string
	DeviceID string
	Log      *slog.Logger

	// OnMessage is invoked for every envelope received from the
	// broker, including the post-attach "connected" confirmation.
	OnMessage func(Envelope)

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// NewClient builds a Client. Call Run to dial and serve the receive
// loop; call Send to emit envelopes once attached.
func NewClient(url, token, deviceID string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{URL: url, Token: token, DeviceID: deviceID, Log: log}
}

// Run dials the broker and serves the receive loop until ctx is
// cancelled, the connection drops, or Close is called. It blocks;
// callers run it in its own goroutine as part of the attempt cycle.
func (c *Client) Run(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.URL, nil)
	if err != nil {
		return fmt.Errorf("signaling dial: %w", err)
	}
	conn.SetReadLimit(MaxMessageSize + 1024)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("signaling client already closed")
	}
	c.conn = conn
	c.mu.Unlock()

	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("signaling read: %w", err)
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.Log.Warn("signaling client: dropping malformed envelope", "error", err)
			continue
		}
		if c.OnMessage != nil {
			c.OnMessage(env)
		}
	}
}

// Send writes one envelope to the broker. Safe to call concurrently
// with Run's receive loop (one reader, any number of writers).
func (c *Client) Send(ctx context.Context, env Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("signaling client: not attached")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Close tears down the connection. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn == nil {
		return nil
	}
	conn := c.conn
	c.conn = nil
	return conn.Close(websocket.StatusNormalClosure, "closing")
}
