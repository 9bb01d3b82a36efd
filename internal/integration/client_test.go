package integration

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/skylightos/skylight/pkg/protocol"
)

// awaitTimeout bounds every wait for a server frame.
const awaitTimeout = 5 * time.Second

// wsClient is a test-side desktop connection. A read pump splits the
// newline-batched frames the server writes and delivers every event, in
// order, on the events channel.
type wsClient struct {
	t      *testing.T
	conn   *websocket.Conn
	events chan protocol.ServerEvent

	closing chan struct{}
	done    chan struct{}
	writeMu sync.Mutex
	once    sync.Once
}

// dial connects to the server's /ws endpoint and consumes the handshake
// frame, so tests start from a clean stream.
func dial(t *testing.T, serverURL string) *wsClient {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(wsURL, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	_ = resp.Body.Close()

	c := &wsClient{
		t:       t,
		conn:    conn,
		events:  make(chan protocol.ServerEvent, 256),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.readPump()
	t.Cleanup(c.Close)

	status := c.await(protocol.ServerConnectionStatus, nil)
	require.Equal(t, protocol.StatusConnected, status.Status)
	return c
}

// readPump delivers frames losslessly; ordering assertions depend on it.
func (c *wsClient) readPump() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		for _, frame := range bytes.Split(data, []byte{'\n'}) {
			if len(frame) == 0 {
				continue
			}
			var evt protocol.ServerEvent
			if err := json.Unmarshal(frame, &evt); err != nil {
				continue
			}
			select {
			case c.events <- evt:
			case <-c.closing:
				return
			}
		}
	}
}

// Close shuts the connection down and waits for the read pump to exit.
func (c *wsClient) Close() {
	c.once.Do(func() {
		close(c.closing)
		_ = c.conn.Close()
		<-c.done
	})
}

// send writes one client frame. Writes are serialized; gorilla allows only
// one concurrent writer.
func (c *wsClient) send(msg protocol.ClientMessage) {
	c.t.Helper()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	require.NoError(c.t, c.conn.WriteJSON(msg))
}

// await returns the next event of the given type satisfying pred, skipping
// everything else on the stream. A nil pred matches any event of the type.
func (c *wsClient) await(typ protocol.ServerEventType, pred func(protocol.ServerEvent) bool) protocol.ServerEvent {
	c.t.Helper()
	deadline := time.After(awaitTimeout)
	for {
		select {
		case evt := <-c.events:
			if evt.Type == typ && (pred == nil || pred(evt)) {
				return evt
			}
		case <-deadline:
			c.t.Fatalf("timed out waiting for %s frame", typ)
			return protocol.ServerEvent{}
		}
	}
}

// awaitError returns the next ERROR frame whose text contains the fragment.
func (c *wsClient) awaitError(fragment string) protocol.ServerEvent {
	c.t.Helper()
	return c.await(protocol.ServerError, func(e protocol.ServerEvent) bool {
		return strings.Contains(e.Error, fragment)
	})
}

// awaitChunk returns the next streamed (non-final) response chunk from the
// given agent role; any role when empty.
func (c *wsClient) awaitChunk(role string) protocol.ServerEvent {
	c.t.Helper()
	return c.await(protocol.ServerAgentResponse, func(e protocol.ServerEvent) bool {
		if role != "" && e.AgentID != role {
			return false
		}
		return e.IsComplete == nil || !*e.IsComplete
	})
}

// awaitFinal returns the next completed response from the given agent role;
// any role when empty. The frame carries the full accumulated message.
func (c *wsClient) awaitFinal(role string) protocol.ServerEvent {
	c.t.Helper()
	return c.await(protocol.ServerAgentResponse, func(e protocol.ServerEvent) bool {
		if role != "" && e.AgentID != role {
			return false
		}
		return e.IsComplete != nil && *e.IsComplete
	})
}

// awaitAction returns the next ACTIONS frame containing an action of the
// given type, optionally scoped to one window.
func (c *wsClient) awaitAction(typ protocol.ActionType, windowID string) protocol.Action {
	c.t.Helper()
	var found protocol.Action
	c.await(protocol.ServerActions, func(e protocol.ServerEvent) bool {
		for _, action := range e.Actions {
			if action.Type != typ {
				continue
			}
			if windowID != "" && action.WindowID != windowID {
				continue
			}
			found = action
			return true
		}
		return false
	})
	return found
}

// subscribe provisions a monitor's main agent and binds its frames to this
// connection. There is no ack frame; dispatch is ordered, so the next send
// observes the subscription.
func (c *wsClient) subscribe(monitorID string) {
	c.t.Helper()
	c.send(protocol.ClientMessage{Type: protocol.ClientSubscribeMonitor, MonitorID: monitorID})
}

func (c *wsClient) userMessage(messageID, content string) {
	c.t.Helper()
	c.send(protocol.ClientMessage{
		Type:      protocol.ClientUserMessage,
		MessageID: messageID,
		Content:   content,
	})
}

func (c *wsClient) windowMessage(messageID, windowID, content string) {
	c.t.Helper()
	c.send(protocol.ClientMessage{
		Type:      protocol.ClientWindowMessage,
		MessageID: messageID,
		WindowID:  windowID,
		Content:   content,
	})
}
