// Package client is a reusable WebSocket client for load testing the
// anonchat server. It connects with gobwas/ws (the same library the server
// uses), sends the find_partner handshake for a synthetic user, and tracks
// per-connection counters.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Client -> Server message types.
const (
	TypeFindPartner  = "find_partner"
	TypeMessage      = "message"
	TypeEndChat      = "end_chat"
	TypeCancelSearch = "cancel_search"
	TypePing         = "ping"
)

// Server -> Client message types.
const (
	TypeWaiting         = "waiting"
	TypeSearchCancelled = "search_cancelled"
	TypeSessionJoined   = "session_joined"
	TypeMessageAck      = "message_ack"
	TypeSessionEnded    = "session_ended"
	TypeError           = "error"
	TypePong            = "pong"
)

// Metrics tracks per-connection counters.
type Metrics struct {
	ConnectLatency   time.Duration
	PairLatency      time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client simulates one user connection. Incoming messages are dispatched
// to registered handlers from the read loop goroutine.
type Client struct {
	UserID string

	conn      net.Conn
	mu        sync.Mutex
	sessionMu sync.Mutex
	sessionID string
	searchAt  time.Time
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	done      chan struct{}
	closeOnce sync.Once
}

// New dials the server and starts the background read loop. The user
// identity is not bound until FindPartner is called.
func New(ctx context.Context, url, userID string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		UserID:   userID,
		conn:     conn,
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// Send writes a JSON message to the server. Goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MessagesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// FindPartner binds the user identity and requests a partner.
func (c *Client) FindPartner() error {
	c.sessionMu.Lock()
	c.searchAt = time.Now()
	c.sessionMu.Unlock()
	return c.Send(map[string]string{
		"type":      TypeFindPartner,
		"user_id":   c.UserID,
		"device_id": "loadtest-" + c.UserID,
	})
}

// SendChat sends one chat message into the current session.
func (c *Client) SendChat(text, nonce string) error {
	sid := c.SessionID()
	if sid == "" {
		return fmt.Errorf("no session joined")
	}
	return c.Send(map[string]string{
		"type":       TypeMessage,
		"session_id": sid,
		"text":       text,
		"nonce":      nonce,
	})
}

// EndChat ends the current session.
func (c *Client) EndChat() error {
	sid := c.SessionID()
	if sid == "" {
		return fmt.Errorf("no session joined")
	}
	return c.Send(map[string]string{
		"type":       TypeEndChat,
		"session_id": sid,
	})
}

// On registers a handler for a server message type. One handler per type;
// re-registering replaces. Handlers run on the read loop goroutine.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.handlers[msgType] = handler
}

// WaitForSession blocks until a session_joined arrives or ctx expires.
func (c *Client) WaitForSession(ctx context.Context) (string, error) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-c.done:
			return "", fmt.Errorf("connection closed before pairing")
		case <-ticker.C:
			if sid := c.SessionID(); sid != "" {
				return sid, nil
			}
		}
	}
}

// SessionID returns the joined session, or "".
func (c *Client) SessionID() string {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.sessionID
}

// GetMetrics returns a copy of the counters.
func (c *Client) GetMetrics() Metrics {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.metrics
}

// Close shuts the connection down. Safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.sessionMu.Lock()
			c.metrics.Errors++
			c.sessionMu.Unlock()
			return
		}

		var envelope struct {
			Type      string `json:"type"`
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		c.sessionMu.Lock()
		c.metrics.MessagesReceived++
		switch envelope.Type {
		case TypeSessionJoined:
			c.sessionID = envelope.SessionID
			if !c.searchAt.IsZero() && c.metrics.PairLatency == 0 {
				c.metrics.PairLatency = time.Since(c.searchAt)
			}
		case TypeSessionEnded:
			c.sessionID = ""
		case TypeError:
			c.metrics.Errors++
		}
		c.sessionMu.Unlock()

		if handler, ok := c.handlers[envelope.Type]; ok {
			handler(json.RawMessage(data))
		}
	}
}
