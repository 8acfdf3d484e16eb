// Package switchboardclient implements the in-agent switchboard client:
// register on startup, keep a WebSocket open with
// exponential-backoff reconnect, dispatch incoming messages to a handler,
// and send outbound messages preferring the WebSocket with an HTTP fallback
// and a bounded, drop-oldest outbound queue while disconnected.
package switchboardclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cklxx/orchestrate/internal/logging"
	"github.com/cklxx/orchestrate/internal/switchboard"
)

// wireFrame mirrors internal/switchboard's on-wire frame shape; the two
// packages share a protocol, not a type, since the server's frame type is
// unexported.
type wireFrame struct {
	Type      string               `json:"type"`
	ID        string               `json:"id,omitempty"`
	Agent     string               `json:"agent,omitempty"`
	Message   *switchboard.Message `json:"data,omitempty"`
	Pending   int                  `json:"pendingMessages,omitempty"`
	Error     string               `json:"error,omitempty"`
	Timestamp time.Time            `json:"timestamp,omitempty"`

	To       string               `json:"to,omitempty"`
	Kind     switchboard.Kind     `json:"kind,omitempty"`
	Priority switchboard.Priority `json:"priority,omitempty"`
	Subject  string               `json:"subject,omitempty"`
	Body     string               `json:"body,omitempty"`
	Metadata map[string]any       `json:"metadata,omitempty"`
}

// Handler receives a message pushed from the daemon.
type Handler func(msg switchboard.Message)

// ErrQueued is returned by Send when neither the WebSocket nor the HTTP
// fallback could deliver the message; it was queued for retransmission on
// the next successful connection. The agent keeps running either way.
var ErrQueued = errors.New("switchboardclient: daemon unreachable, message queued")

// Config configures a Client.
type Config struct {
	AgentName string
	BaseURL   string // http(s) base, e.g. http://127.0.0.1:7077
	WSURL     string // ws(s) base, e.g. ws://127.0.0.1:7077
	QueueCap  int
	Backoff   BackoffConfig
}

func (c Config) wsDialURL() string {
	return c.WSURL + "/ws?agent=" + c.AgentName
}

// Client is a persistent switchboard connection for one agent. Zero value
// is not usable; construct with New.
type Client struct {
	cfg     Config
	handler Handler
	logger  logging.Logger
	http    *http.Client

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	queue     *outboundQueue
	failCount atomic.Int64
	reqSeq    atomic.Uint64
}

// New returns a Client. handler may be nil to discard pushed messages.
func New(cfg Config, handler Handler, logger logging.Logger) *Client {
	if cfg.Backoff == (BackoffConfig{}) {
		cfg.Backoff = DefaultBackoffConfig()
	}
	return &Client{
		cfg:     cfg,
		handler: handler,
		logger:  logging.OrNop(logger),
		http:    &http.Client{Timeout: 5 * time.Second},
		queue:   newOutboundQueue(cfg.QueueCap),
	}
}

// Register POSTs /register, announcing this agent to the daemon.
func (c *Client) Register(ctx context.Context) error {
	return c.postJSON(ctx, "/register", map[string]string{"name": c.cfg.AgentName})
}

// Run registers, then connects and reconnects with exponential backoff
// until ctx is cancelled. Call in a dedicated goroutine.
func (c *Client) Run(ctx context.Context) {
	if err := c.Register(ctx); err != nil {
		c.logger.Warn("switchboardclient: register %s: %v", c.cfg.AgentName, err)
	}

	for {
		if ctx.Err() != nil {
			return
		}
		err := c.connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			attempt := c.failCount.Add(1) - 1
			delay := calculateBackoff(int(attempt), c.cfg.Backoff)
			c.logger.Warn("switchboardclient: %v, reconnecting in %s", err, delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}
}

// IsConnected reports whether a WebSocket connection is currently active.
func (c *Client) IsConnected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

func (c *Client) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.wsDialURL(), nil)
	if err != nil {
		return fmt.Errorf("switchboardclient: dial %s: %w", c.cfg.wsDialURL(), err)
	}
	c.failCount.Store(0)

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	defer func() {
		conn.Close()
		c.connMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		}
		var f wireFrame
		if err := conn.ReadJSON(&f); err != nil {
			return fmt.Errorf("switchboardclient: read: %w", err)
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f wireFrame) {
	switch f.Type {
	case "connected":
		c.flushQueue()
	case "message":
		if c.handler != nil && f.Message != nil {
			c.handler(*f.Message)
		}
	case "ping":
		c.writeFrame(wireFrame{Type: "pong"})
	case "emitted", "pong":
		// acknowledgement only.
	}
}

// Send delivers one message: prefers the open WebSocket, falls back to
// HTTP POST /emit on WebSocket failure, and queues for later delivery
// (bounded, drop-oldest) if both are currently unavailable.
func (c *Client) Send(ctx context.Context, to string, kind switchboard.Kind, priority switchboard.Priority, subject, body string, metadata map[string]any) error {
	id := fmt.Sprintf("c%d", c.reqSeq.Add(1))
	item := outboundEmit{id: id, to: to, kind: kind, priority: priority, subject: subject, body: body, metadata: metadata, enqueuedAt: time.Now().UTC()}

	if err := c.sendWS(item); err == nil {
		return nil
	}
	if err := c.sendHTTP(ctx, item); err == nil {
		return nil
	}
	c.queue.push(item)
	return ErrQueued
}

func (c *Client) sendWS(item outboundEmit) error {
	return c.writeFrame(emitFrame(item))
}

func (c *Client) writeFrame(f wireFrame) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("switchboardclient: not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(f)
}

func (c *Client) sendHTTP(ctx context.Context, item outboundEmit) error {
	return c.postJSON(ctx, "/emit", map[string]any{
		"from":     c.cfg.AgentName,
		"to":       item.to,
		"kind":     item.kind,
		"priority": item.priority,
		"subject":  item.subject,
		"body":     item.body,
		"metadata": item.metadata,
	})
}

// flushQueue sends every queued item over the (now open) WebSocket, oldest
// first, stopping at the first failure so the remainder survives for the
// next successful connection.
func (c *Client) flushQueue() {
	for _, entry := range c.queue.drain() {
		if err := c.sendWS(entry.outboundEmit); err != nil {
			c.logger.Warn("switchboardclient: flush queued send to %s: %v", entry.to, err)
			return
		}
		c.queue.remove(entry.seq)
	}
}

func (c *Client) postJSON(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("switchboardclient: marshal %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("switchboardclient: build request %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("switchboardclient: %s unreachable: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("switchboardclient: %s returned status %d", path, resp.StatusCode)
	}
	return nil
}

func emitFrame(item outboundEmit) wireFrame {
	return wireFrame{
		Type:     "emit",
		ID:       item.id,
		To:       item.to,
		Kind:     item.kind,
		Priority: item.priority,
		Subject:  item.subject,
		Body:     item.body,
		Metadata: item.metadata,
	}
}
