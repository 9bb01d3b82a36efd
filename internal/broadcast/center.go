// Package broadcast routes server events to connected clients. Agents are
// registered against the connection that spawned them so streaming output
// reaches the right tab, while desktop actions fan out to every connection
// showing the shared desktop.
package broadcast

import (
	"sync"

	"go.uber.org/zap"

	"github.com/skylightos/skylight/internal/common/logger"
	"github.com/skylightos/skylight/pkg/protocol"
)

// Sink is one client connection's outbound side. Send must be safe for
// concurrent use and must not block: implementations drop on a full buffer
// and return an error only when the sink is closed for good.
type Sink interface {
	Send(data []byte) error
}

// connection pairs a sink with the agent roles registered to it.
type connection struct {
	id     string
	sink   Sink
	agents map[string]bool
}

// Center is the process-wide event router. One instance serves every
// WebSocket connection.
type Center struct {
	mu          sync.RWMutex
	connections map[string]*connection
	agents      map[string]string // agent role → connection id
	logger      *logger.Logger
}

// NewCenter creates an empty broadcast center.
func NewCenter(log *logger.Logger) *Center {
	return &Center{
		connections: make(map[string]*connection),
		agents:      make(map[string]string),
		logger:      log.WithFields(zap.String("component", "broadcast_center")),
	}
}

// Subscribe registers a connection's sink. Re-subscribing an id replaces
// the previous sink but keeps its agent registrations.
func (c *Center) Subscribe(connectionID string, sink Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.connections[connectionID]; ok {
		conn.sink = sink
		return
	}
	c.connections[connectionID] = &connection{
		id:     connectionID,
		sink:   sink,
		agents: make(map[string]bool),
	}
	c.logger.Debug("connection subscribed", zap.String("connection_id", connectionID))
}

// Unsubscribe drops a connection and unregisters every agent mapped to it.
func (c *Center) Unsubscribe(connectionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(connectionID)
}

func (c *Center) removeLocked(connectionID string) {
	conn, ok := c.connections[connectionID]
	if !ok {
		return
	}
	delete(c.connections, connectionID)
	for role := range conn.agents {
		delete(c.agents, role)
	}
	c.logger.Debug("connection unsubscribed",
		zap.String("connection_id", connectionID),
		zap.Int("agents_unregistered", len(conn.agents)))
}

// RegisterAgent maps an agent role to a connection. A role already mapped
// elsewhere moves to the new connection.
func (c *Center) RegisterAgent(role, connectionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, ok := c.connections[connectionID]
	if !ok {
		c.logger.Warn("agent registered against unknown connection",
			zap.String("agent_role", role),
			zap.String("connection_id", connectionID))
		return
	}
	if prev, ok := c.agents[role]; ok && prev != connectionID {
		if prevConn, ok := c.connections[prev]; ok {
			delete(prevConn.agents, role)
		}
	}
	c.agents[role] = connectionID
	conn.agents[role] = true
}

// UnregisterAgent removes a role's mapping, if any.
func (c *Center) UnregisterAgent(role string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	connectionID, ok := c.agents[role]
	if !ok {
		return
	}
	delete(c.agents, role)
	if conn, ok := c.connections[connectionID]; ok {
		delete(conn.agents, role)
	}
}

// PublishToAgent delivers an event to the connection the role is registered
// on. Returns false when the role is unknown or the sink rejected the write.
func (c *Center) PublishToAgent(event *protocol.ServerEvent, role string) bool {
	c.mu.RLock()
	connectionID, ok := c.agents[role]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	return c.PublishToConnection(event, connectionID)
}

// PublishToConnection delivers an event to one connection.
func (c *Center) PublishToConnection(event *protocol.ServerEvent, connectionID string) bool {
	data, err := event.Encode()
	if err != nil {
		c.logger.Error("failed to marshal event", zap.Error(err))
		return false
	}

	c.mu.RLock()
	conn, ok := c.connections[connectionID]
	c.mu.RUnlock()
	if !ok {
		return false
	}

	if err := conn.sink.Send(data); err != nil {
		c.dropFailed(connectionID, err)
		return false
	}
	return true
}

// Broadcast delivers an event to every connection and returns how many
// sinks accepted it. Failed sinks are removed before Broadcast returns.
func (c *Center) Broadcast(event *protocol.ServerEvent) int {
	data, err := event.Encode()
	if err != nil {
		c.logger.Error("failed to marshal event", zap.Error(err))
		return 0
	}

	c.mu.RLock()
	conns := make([]*connection, 0, len(c.connections))
	for _, conn := range c.connections {
		conns = append(conns, conn)
	}
	c.mu.RUnlock()

	delivered := 0
	for _, conn := range conns {
		if err := conn.sink.Send(data); err != nil {
			c.dropFailed(conn.id, err)
			continue
		}
		delivered++
	}
	return delivered
}

// dropFailed removes a connection whose sink returned a write error.
func (c *Center) dropFailed(connectionID string, err error) {
	c.logger.Warn("removing failed sink",
		zap.String("connection_id", connectionID),
		zap.Error(err))
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(connectionID)
}

// ConnectionForAgent reports which connection a role is registered on.
func (c *Center) ConnectionForAgent(role string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.agents[role]
	return id, ok
}

// ConnectionCount returns the number of subscribed connections.
func (c *Center) ConnectionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.connections)
}
