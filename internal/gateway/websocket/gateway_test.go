package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skylightos/skylight/internal/agent"
	"github.com/skylightos/skylight/internal/broadcast"
	"github.com/skylightos/skylight/internal/common/config"
	"github.com/skylightos/skylight/internal/common/logger"
	"github.com/skylightos/skylight/internal/desktop"
	"github.com/skylightos/skylight/internal/events/bus"
	"github.com/skylightos/skylight/internal/orchestrator"
	"github.com/skylightos/skylight/pkg/protocol"
)

type gatewayHarness struct {
	srv     *httptest.Server
	gateway *Gateway
	pool    *orchestrator.ContextPool
	center  *broadcast.Center
}

func setupGateway(t *testing.T, rules []agent.ScriptRule) *gatewayHarness {
	t.Helper()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(func() { eventBus.Close() })

	providers := agent.NewProviders(1, log)
	providers.Register(&agent.ScriptedFactory{Rules: rules})
	t.Cleanup(func() { _ = providers.Close() })

	registry := desktop.NewRegistry(log)
	center := broadcast.NewCenter(log)

	pool := orchestrator.NewContextPool(orchestrator.ContextPoolConfig{
		Orchestrator: config.OrchestratorConfig{ResetTimeout: 1},
		Registry:     registry,
		Center:       center,
		Providers:    providers,
		EventBus:     eventBus,
		Metrics:      orchestrator.MustNewMetrics(prometheus.NewRegistry()),
		Logger:       log,
	})
	t.Cleanup(pool.Cleanup)
	require.NoError(t, pool.Initialize(context.Background()))

	g := NewGateway(Config{Pool: pool, Center: center, SessionID: "sess-test", Logger: log})
	srv := httptest.NewServer(NewRouter(config.ServerConfig{}, g, nil, log))
	t.Cleanup(srv.Close)

	return &gatewayHarness{srv: srv, gateway: g, pool: pool, center: center}
}

// dial opens a client connection and consumes the CONNECTION_STATUS
// handshake frame.
func (h *gatewayHarness) dial(t *testing.T) *gorillaws.Conn {
	t.Helper()
	conn := h.dialRaw(t)
	status := awaitEvent(t, conn, func(e *protocol.ServerEvent) bool {
		return e.Type == protocol.ServerConnectionStatus
	})
	require.Equal(t, protocol.StatusConnected, status.Status)
	return conn
}

func (h *gatewayHarness) dialRaw(t *testing.T) *gorillaws.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	conn, resp, err := gorillaws.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *gorillaws.Conn, msg any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

// readEvents reads one text frame and splits the batched events out of it.
func readEvents(t *testing.T, conn *gorillaws.Conn) []protocol.ServerEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var events []protocol.ServerEvent
	for _, raw := range bytes.Split(data, []byte{'\n'}) {
		if len(raw) == 0 {
			continue
		}
		var evt protocol.ServerEvent
		require.NoError(t, json.Unmarshal(raw, &evt))
		events = append(events, evt)
	}
	return events
}

// awaitEvent reads frames until one matches.
func awaitEvent(t *testing.T, conn *gorillaws.Conn, match func(*protocol.ServerEvent) bool) *protocol.ServerEvent {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, evt := range readEvents(t, conn) {
			if match(&evt) {
				found := evt
				return &found
			}
		}
	}
	t.Fatal("expected event was not received")
	return nil
}

func TestGatewayHandshake(t *testing.T) {
	h := setupGateway(t, nil)
	conn := h.dialRaw(t)

	status := awaitEvent(t, conn, func(e *protocol.ServerEvent) bool {
		return e.Type == protocol.ServerConnectionStatus
	})
	assert.Equal(t, protocol.StatusConnected, status.Status)
	assert.Equal(t, agent.ScriptedProviderName, status.Provider)
	assert.Equal(t, "sess-test", status.SessionID)
}

func TestGatewayUserMessageRoundTrip(t *testing.T) {
	h := setupGateway(t, []agent.ScriptRule{
		{Match: "ping", Response: []string{"pong from the desk."}},
	})
	conn := h.dial(t)

	send(t, conn, protocol.ClientMessage{Type: protocol.ClientSubscribeMonitor, MonitorID: "monitor-1"})
	send(t, conn, protocol.ClientMessage{
		Type:      protocol.ClientUserMessage,
		MessageID: "m-1",
		Content:   "ping please",
	})

	accepted := awaitEvent(t, conn, func(e *protocol.ServerEvent) bool {
		return e.Type == protocol.ServerMessageAccepted
	})
	assert.Equal(t, "m-1", accepted.MessageID)
	assert.Equal(t, "main-monitor-1", accepted.AgentID)

	response := awaitEvent(t, conn, func(e *protocol.ServerEvent) bool {
		return e.Type == protocol.ServerAgentResponse && e.IsComplete != nil && *e.IsComplete
	})
	assert.Equal(t, "pong from the desk.", response.Content)
	assert.Equal(t, "main-monitor-1", response.AgentID)
}

func TestGatewayDefaultsMonitor(t *testing.T) {
	h := setupGateway(t, []agent.ScriptRule{
		{Match: "", Response: []string{"done."}},
	})
	conn := h.dial(t)

	// No SUBSCRIBE_MONITOR: the message lands on the default monitor.
	send(t, conn, protocol.ClientMessage{
		Type:      protocol.ClientUserMessage,
		MessageID: "m-1",
		Content:   "hello",
	})

	accepted := awaitEvent(t, conn, func(e *protocol.ServerEvent) bool {
		return e.Type == protocol.ServerMessageAccepted
	})
	assert.Equal(t, "main-monitor-1", accepted.AgentID)
}

func TestGatewayMalformedAndUnknownFrames(t *testing.T) {
	h := setupGateway(t, nil)
	conn := h.dial(t)

	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, []byte("{not json")))
	errEvt := awaitEvent(t, conn, func(e *protocol.ServerEvent) bool {
		return e.Type == protocol.ServerError
	})
	assert.Contains(t, errEvt.Error, "invalid message format")

	send(t, conn, map[string]string{"type": "TELEPORT"})
	errEvt = awaitEvent(t, conn, func(e *protocol.ServerEvent) bool {
		return e.Type == protocol.ServerError
	})
	assert.Contains(t, errEvt.Error, "unsupported message type")

	// The connection survives both rejects.
	send(t, conn, protocol.ClientMessage{Type: protocol.ClientSetProvider, Provider: "claude"})
	errEvt = awaitEvent(t, conn, func(e *protocol.ServerEvent) bool {
		return e.Type == protocol.ServerError
	})
	assert.Contains(t, errEvt.Error, "claude")
}

func TestGatewayValidatesRequiredFields(t *testing.T) {
	h := setupGateway(t, nil)
	conn := h.dial(t)

	cases := []protocol.ClientMessage{
		{Type: protocol.ClientUserMessage},
		{Type: protocol.ClientWindowMessage, Content: "no window"},
		{Type: protocol.ClientComponentAction, WindowID: "win-1"},
		{Type: protocol.ClientSubscribeMonitor},
		{Type: protocol.ClientInterruptAgent},
		{Type: protocol.ClientDialogFeedback, DialogID: "dlg-1"},
		{Type: protocol.ClientRenderingFeedback},
	}
	for _, msg := range cases {
		send(t, conn, msg)
		errEvt := awaitEvent(t, conn, func(e *protocol.ServerEvent) bool {
			return e.Type == protocol.ServerError
		})
		assert.Contains(t, errEvt.Error, "requires", "type %s", msg.Type)
	}
}

func TestGatewayInterruptAgentUnknown(t *testing.T) {
	h := setupGateway(t, nil)
	conn := h.dial(t)

	send(t, conn, protocol.ClientMessage{Type: protocol.ClientInterruptAgent, AgentID: "main-ghost"})
	errEvt := awaitEvent(t, conn, func(e *protocol.ServerEvent) bool {
		return e.Type == protocol.ServerError
	})
	assert.Contains(t, errEvt.Error, "main-ghost")
}

func TestGatewayDialogFeedback(t *testing.T) {
	h := setupGateway(t, nil)
	conn := h.dial(t)

	ch, cancel := h.gateway.Pending().RegisterDialog("dlg-1")
	defer cancel()

	confirmed := true
	send(t, conn, protocol.ClientMessage{
		Type:           protocol.ClientDialogFeedback,
		DialogID:       "dlg-1",
		Confirmed:      &confirmed,
		RememberChoice: true,
	})

	select {
	case res := <-ch:
		assert.True(t, res.Confirmed)
		assert.True(t, res.RememberChoice)
	case <-time.After(5 * time.Second):
		t.Fatal("dialog feedback was not delivered")
	}
}

func TestGatewayRenderingFeedback(t *testing.T) {
	h := setupGateway(t, nil)
	conn := h.dial(t)

	ch, cancel := h.gateway.Pending().RegisterRender("req-1")
	defer cancel()

	success := true
	locked := true
	send(t, conn, protocol.ClientMessage{
		Type:      protocol.ClientRenderingFeedback,
		RequestID: "req-1",
		WindowID:  "win-1",
		Renderer:  "iframe",
		Success:   &success,
		Locked:    &locked,
		URL:       "https://example.test/app",
	})

	select {
	case res := <-ch:
		assert.True(t, res.Success)
		assert.True(t, res.Locked)
		assert.Equal(t, "win-1", res.WindowID)
		assert.Equal(t, "iframe", res.Renderer)
		assert.Equal(t, "https://example.test/app", res.URL)
	case <-time.After(5 * time.Second):
		t.Fatal("rendering feedback was not delivered")
	}
}

func TestPendingRequestsResolution(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	p := NewPendingRequests(log)

	assert.False(t, p.ResolveDialog("nope", DialogResult{}))
	assert.False(t, p.ResolveRender("nope", RenderResult{}))

	ch, cancel := p.RegisterDialog("dlg-1")
	require.True(t, p.ResolveDialog("dlg-1", DialogResult{Confirmed: true}))
	res := <-ch
	assert.True(t, res.Confirmed)
	assert.False(t, p.ResolveDialog("dlg-1", DialogResult{}), "second resolve finds no waiter")
	cancel()

	// A cancelled waiter no longer resolves.
	_, cancelRender := p.RegisterRender("req-1")
	cancelRender()
	assert.False(t, p.ResolveRender("req-1", RenderResult{}))
}

func TestRouterEndpoints(t *testing.T) {
	h := setupGateway(t, nil)

	resp, err := http.Get(h.srv.URL + "/health")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","service":"skylight"}`, string(body))

	resp, err = http.Get(h.srv.URL + "/api/v1/sessions")
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))

	resp, err = http.Get(h.srv.URL + "/api/v1/stats")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats struct {
		Provider string `json:"provider"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	resp.Body.Close()
	assert.Equal(t, agent.ScriptedProviderName, stats.Provider)

	resp, err = http.Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCORSMiddleware(t *testing.T) {
	h := setupGateway(t, nil)

	req, err := http.NewRequest(http.MethodOptions, h.srv.URL+"/api/v1/sessions", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://desk.example.test")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
