// Package websocket is the client-facing edge of the orchestrator: it
// upgrades desktop connections, feeds inbound envelopes to the context
// pool, and registers each connection as a broadcast sink so server events
// stream back out.
package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/skylightos/skylight/internal/broadcast"
	"github.com/skylightos/skylight/internal/common/logger"
	"github.com/skylightos/skylight/internal/orchestrator"
	"github.com/skylightos/skylight/pkg/protocol"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy is enforced by the CORS middleware ahead of the
		// upgrade.
		return true
	},
}

// Gateway owns the WebSocket edge. One instance serves every connection.
type Gateway struct {
	pool      *orchestrator.ContextPool
	center    *broadcast.Center
	pending   *PendingRequests
	sessionID string
	logger    *logger.Logger
}

// Config wires the gateway to the rest of the process.
type Config struct {
	Pool      *orchestrator.ContextPool
	Center    *broadcast.Center
	SessionID string
	Logger    *logger.Logger
}

// NewGateway creates a gateway serving the given context pool.
func NewGateway(cfg Config) *Gateway {
	return &Gateway{
		pool:      cfg.Pool,
		center:    cfg.Center,
		pending:   NewPendingRequests(cfg.Logger),
		sessionID: cfg.SessionID,
		logger:    cfg.Logger.WithFields(zap.String("component", "ws_gateway")),
	}
}

// Pending exposes the in-flight dialog and rendering waiters so tools can
// block on client feedback.
func (g *Gateway) Pending() *PendingRequests {
	return g.pending
}

// HandleConnection upgrades HTTP to WebSocket and serves the connection
// until the peer goes away.
func (g *Gateway) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	client := newClient(clientID, conn, g, g.logger)

	g.center.Subscribe(clientID, client)

	g.logger.Debug("websocket connection established",
		zap.String("client_id", clientID),
		zap.String("remote_addr", c.Request.RemoteAddr),
	)

	stats := g.pool.GetStats()
	client.sendEvent(protocol.NewConnectionStatus(protocol.StatusConnected, stats.Provider, g.sessionID, ""))

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}

// disconnect removes a departed connection from the broadcast center and
// releases its send buffer. The write pump exits when the buffer closes.
func (g *Gateway) disconnect(c *Client) {
	g.center.Unsubscribe(c.ID)
	c.close()
	g.logger.Debug("websocket connection closed", zap.String("client_id", c.ID))
}
