package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/skylightos/skylight/internal/common/logger"
	"github.com/skylightos/skylight/pkg/protocol"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// errClientClosed reports a send to a client whose buffer has been torn
// down; the broadcast center removes the connection when it sees it.
var errClientClosed = errors.New("client closed")

// Client represents a single WebSocket connection. Its Send method is the
// broadcast sink the center writes server events through.
type Client struct {
	ID      string
	conn    *websocket.Conn
	gateway *Gateway
	send    chan []byte

	mu      sync.RWMutex
	closed  bool
	monitor string // monitor bound by SUBSCRIBE_MONITOR, if any

	logger *logger.Logger
}

func newClient(id string, conn *websocket.Conn, g *Gateway, log *logger.Logger) *Client {
	return &Client{
		ID:      id,
		conn:    conn,
		gateway: g,
		send:    make(chan []byte, 256),
		logger:  log.WithFields(zap.String("client_id", id)),
	}
}

// Send queues one encoded frame for the write pump. It never blocks: a full
// buffer drops the frame, and only a torn-down client reports an error.
func (c *Client) Send(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errClientClosed
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client send buffer full, dropping frame")
	}
	return nil
}

// sendEvent encodes and queues a server event for this connection only.
func (c *Client) sendEvent(event *protocol.ServerEvent) {
	data, err := event.Encode()
	if err != nil {
		c.logger.Error("failed to encode event", zap.Error(err))
		return
	}
	if err := c.Send(data); err != nil {
		c.logger.Debug("dropping event for closed client")
	}
}

func (c *Client) sendError(message string) {
	c.sendEvent(protocol.NewErrorEvent(message))
}

// setMonitor records the monitor this connection subscribed to; main tasks
// without an explicit monitorId default to it.
func (c *Client) setMonitor(id string) {
	c.mu.Lock()
	c.monitor = id
	c.mu.Unlock()
}

func (c *Client) monitorID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.monitor
}

// close tears down the send buffer. Safe to call more than once.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// ReadPump pumps messages from the WebSocket connection to the gateway
// dispatcher. It runs on the connection's request goroutine and returns
// when the peer goes away.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.gateway.disconnect(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			break
		}

		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			c.logger.Warn("failed to parse client message", zap.Error(err))
			c.sendError("invalid message format")
			continue
		}

		c.gateway.dispatch(ctx, c, msg)
	}
}

// WritePump pumps queued frames to the WebSocket connection, batching
// whatever is already buffered into a single write, and keeps the
// connection alive with periodic pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Gateway closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued messages
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
