// Package realtime maintains the websocket subscription to the chat
// backend's event fan-out. Events arriving here are the fast path only;
// the inbound poll re-reads the row store, so a dropped or missed event
// is never a lost message.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tandem/pkg/logx"
)

// Event types pushed by the backend.
const (
	EventDispatch = "dispatch" // a dispatch row was inserted for some bot
	EventCoord    = "coord"    // a message landed in a coordination chat
)

const (
	// writeWait bounds a single control or subscribe write.
	writeWait = 10 * time.Second

	// pongWait is how long a silent peer is tolerated before the read
	// loop declares the connection dead.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait so pings keep the read
	// deadline fresh.
	pingPeriod = (pongWait * 9) / 10

	// eventBuffer absorbs bursts without stalling the read loop.
	eventBuffer = 256
)

// Event is one backend notification. Dispatch events carry the full row
// so the fast path can act without a read-back; coord events mirror the
// coordination chat message.
type Event struct {
	Type      string `json:"type"`
	BotID     string `json:"bot_id,omitempty"`
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
	UserID    string `json:"user_id,omitempty"`
	Speaker   string `json:"speaker,omitempty"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"` // unix milliseconds
}

// Created returns the event timestamp as a time.Time.
func (e Event) Created() time.Time {
	return time.UnixMilli(e.CreatedAt).UTC()
}

type subscribeFrame struct {
	Op    string `json:"op"`
	BotID string `json:"bot_id"`
}

// Client is one live websocket session. A client is single-use: once Done
// is closed the owner discards it and dials a fresh one.
type Client struct {
	conn   *websocket.Conn
	logger *logx.Logger

	events chan Event
	done   chan struct{}

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// Dial connects, authenticates with the bearer token, and subscribes to
// the bot's event stream. The returned client is already reading.
func Dial(ctx context.Context, url, token, botID string) (*Client, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime dial %s failed (status %d): %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("realtime dial %s failed: %w", url, err)
	}

	frame, err := json.Marshal(subscribeFrame{Op: "subscribe", BotID: botID})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to encode subscribe frame: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to subscribe as %s: %w", botID, err)
	}

	c := &Client{
		conn:   conn,
		logger: logx.NewLogger("realtime"),
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}

	go c.readLoop()
	go c.pingLoop()

	return c, nil
}

// Events delivers backend notifications. The channel is never closed;
// watch Done for session death.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Done is closed when the session ends for any reason.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the session, nil for a local Close.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close tears the session down. Safe to call more than once and
// concurrently with session death.
func (c *Client) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		_ = c.conn.Close()
		close(c.done)
	})
}

func (c *Client) readLoop() {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.shutdown(nil)
			} else {
				c.shutdown(fmt.Errorf("realtime read failed: %w", err))
			}
			return
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("Dropping undecodable event: %v", err)
			continue
		}
		if ev.Type != EventDispatch && ev.Type != EventCoord {
			continue
		}

		select {
		case c.events <- ev:
		default:
			// Poll recovers anything shed here.
			c.logger.Warn("Event buffer full, shedding %s event %s", ev.Type, ev.MessageID)
		}
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.shutdown(fmt.Errorf("realtime ping failed: %w", err))
				return
			}
		}
	}
}
