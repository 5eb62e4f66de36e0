// internal/websocket/client.go
package websocket

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"minefleet/internal/data"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 64 * 1024           // Maximum message size allowed from peer.
	sendQueueSize  = 256
)

// Client is the hub side of one site's websocket.
type Client struct {
	siteID  string
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	handler data.Handler
	logger  *slog.Logger

	once sync.Once
	done chan struct{}
}

// NewClient wraps an upgraded connection. handler receives the site's
// messages one at a time, in arrival order.
func NewClient(siteID string, hub *Hub, conn *websocket.Conn, handler data.Handler, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		siteID:  siteID,
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, sendQueueSize),
		handler: handler,
		logger:  logger.With(slog.String("site_id", siteID), slog.String("remote", conn.RemoteAddr().String())),
		done:    make(chan struct{}),
	}
}

func (c *Client) SiteID() string { return c.siteID }

// Send queues msg for the write pump. A closed channel or a full queue is
// a transport failure.
func (c *Client) Send(msg data.Message) error {
	payload, err := data.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return fmt.Errorf("%w: channel to %s closed", data.ErrTransportFailure, c.siteID)
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return fmt.Errorf("%w: send queue to %s full", data.ErrTransportFailure, c.siteID)
	}
}

// Close stops the pumps; the write pump sends a close frame.
func (c *Client) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// Serve registers the client, closes any channel it supersedes and runs
// both pumps until the connection ends.
func (c *Client) Serve() {
	if prev := c.hub.Register(c); prev != nil {
		prev.Close()
	}
	go c.WritePump()
	c.ReadPump()
}

// ReadPump pumps messages from the websocket connection to the handler.
func (c *Client) ReadPump() {
	defer func() {
		c.Close()
		c.hub.Unregister(c)
		c.conn.Close()
		c.logger.Info("read pump finished")
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", slog.String("error", err.Error()))
			}
			return
		}
		msg, err := data.Parse(raw)
		if err != nil {
			c.logger.Warn("dropping malformed message", slog.String("error", err.Error()))
			continue
		}
		if err := data.Dispatch(msg, c.handler); err != nil {
			c.logger.Warn("message rejected",
				slog.String("kind", string(msg.Kind())),
				slog.String("error", err.Error()))
		}
	}
}

// WritePump pumps queued messages to the websocket connection and keeps
// it alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Warn("websocket write error", slog.String("error", err.Error()))
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("websocket ping error", slog.String("error", err.Error()))
				c.Close()
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
