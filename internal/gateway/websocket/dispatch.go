package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skylightos/skylight/internal/agent"
	v1 "github.com/skylightos/skylight/pkg/api/v1"
	"github.com/skylightos/skylight/pkg/protocol"
)

// defaultMonitorID serves USER_MESSAGE frames sent before any
// SUBSCRIBE_MONITOR; single-monitor clients never need to subscribe.
const defaultMonitorID = "monitor-1"

// dispatch routes one parsed client envelope. Malformed or unknown frames
// answer with an ERROR event and leave the connection up.
func (g *Gateway) dispatch(ctx context.Context, c *Client, msg *protocol.ClientMessage) {
	c.logger.Debug("received client message", zap.String("type", string(msg.Type)))

	switch msg.Type {
	case protocol.ClientSubscribeMonitor:
		g.handleSubscribeMonitor(ctx, c, msg)
	case protocol.ClientRemoveMonitor:
		g.handleRemoveMonitor(c, msg)
	case protocol.ClientUserMessage:
		g.handleUserMessage(c, msg)
	case protocol.ClientWindowMessage:
		g.handleWindowMessage(c, msg)
	case protocol.ClientComponentAction:
		g.handleComponentAction(c, msg)
	case protocol.ClientDialogFeedback:
		g.handleDialogFeedback(c, msg)
	case protocol.ClientRenderingFeedback:
		g.handleRenderingFeedback(c, msg)
	case protocol.ClientInterrupt:
		g.pool.InterruptAll()
	case protocol.ClientInterruptAgent:
		g.handleInterruptAgent(c, msg)
	case protocol.ClientSetProvider:
		g.handleSetProvider(c, msg)
	default:
		c.sendError(fmt.Sprintf("unsupported message type %q", msg.Type))
	}
}

func (g *Gateway) handleSubscribeMonitor(ctx context.Context, c *Client, msg *protocol.ClientMessage) {
	if msg.MonitorID == "" {
		c.sendError("SUBSCRIBE_MONITOR requires a monitorId")
		return
	}
	if err := g.pool.CreateMonitorAgent(ctx, msg.MonitorID); err != nil {
		c.logger.Warn("failed to create monitor agent",
			zap.String("monitor_id", msg.MonitorID),
			zap.Error(err))
		c.sendError(err.Error())
		return
	}
	g.center.RegisterAgent(agent.RoleMainPrefix+msg.MonitorID, c.ID)
	c.setMonitor(msg.MonitorID)
}

func (g *Gateway) handleRemoveMonitor(c *Client, msg *protocol.ClientMessage) {
	if msg.MonitorID == "" {
		c.sendError("REMOVE_MONITOR requires a monitorId")
		return
	}
	if !g.pool.RemoveMonitorAgent(msg.MonitorID) {
		c.sendError(fmt.Sprintf("unknown monitor %q", msg.MonitorID))
		return
	}
	if c.monitorID() == msg.MonitorID {
		c.setMonitor("")
	}
}

func (g *Gateway) handleUserMessage(c *Client, msg *protocol.ClientMessage) {
	if msg.Content == "" {
		c.sendError("USER_MESSAGE requires content")
		return
	}
	monitorID := msg.MonitorID
	if monitorID == "" {
		monitorID = c.monitorID()
	}
	if monitorID == "" {
		monitorID = defaultMonitorID
	}
	g.submit(c, &v1.Task{
		ID:           uuid.New().String(),
		Kind:         v1.TaskKindMain,
		MonitorID:    monitorID,
		Content:      msg.Content,
		Interactions: msg.Interactions,
		MessageID:    msg.MessageID,
		ConnectionID: c.ID,
	})
}

func (g *Gateway) handleWindowMessage(c *Client, msg *protocol.ClientMessage) {
	if msg.WindowID == "" || msg.Content == "" {
		c.sendError("WINDOW_MESSAGE requires a windowId and content")
		return
	}
	g.submit(c, &v1.Task{
		ID:           uuid.New().String(),
		Kind:         v1.TaskKindWindow,
		WindowID:     msg.WindowID,
		Content:      msg.Content,
		Interactions: msg.Interactions,
		MessageID:    msg.MessageID,
		ConnectionID: c.ID,
	})
}

func (g *Gateway) handleComponentAction(c *Client, msg *protocol.ClientMessage) {
	if msg.WindowID == "" || msg.Action == "" {
		c.sendError("COMPONENT_ACTION requires a windowId and an action")
		return
	}
	g.submit(c, &v1.Task{
		ID:           uuid.New().String(),
		Kind:         v1.TaskKindComponentAction,
		WindowID:     msg.WindowID,
		Content:      componentActionContent(msg),
		MessageID:    msg.MessageID,
		ConnectionID: c.ID,
	})
}

// componentActionContent renders a UI component event as the message the
// window agent sees.
func componentActionContent(msg *protocol.ClientMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The user triggered the %q action", msg.Action)
	if msg.ComponentPath != "" {
		fmt.Fprintf(&b, " on component %s", msg.ComponentPath)
	}
	if msg.WindowTitle != "" {
		fmt.Fprintf(&b, " in window %q", msg.WindowTitle)
	}
	b.WriteString(".")
	if msg.ActionID != "" {
		fmt.Fprintf(&b, " Action id: %s.", msg.ActionID)
	}
	if len(msg.FormData) > 0 {
		data, err := json.Marshal(msg.FormData)
		if err == nil {
			if msg.FormID != "" {
				fmt.Fprintf(&b, " Form %s data: %s", msg.FormID, data)
			} else {
				fmt.Fprintf(&b, " Form data: %s", data)
			}
		}
	}
	return b.String()
}

// submit hands a task to the pool. Runtime failures already reach the client
// as ERROR, MESSAGE_ACCEPTED, or MESSAGE_QUEUED frames published by the
// processors, so errors here are only logged.
func (g *Gateway) submit(c *Client, task *v1.Task) {
	if err := g.pool.HandleTask(task); err != nil {
		c.logger.Warn("task rejected",
			zap.String("task_id", task.ID),
			zap.String("kind", string(task.Kind)),
			zap.Error(err))
	}
}

func (g *Gateway) handleDialogFeedback(c *Client, msg *protocol.ClientMessage) {
	if msg.DialogID == "" || msg.Confirmed == nil {
		c.sendError("DIALOG_FEEDBACK requires a dialogId and confirmed")
		return
	}
	resolved := g.pending.ResolveDialog(msg.DialogID, DialogResult{
		Confirmed:      *msg.Confirmed,
		RememberChoice: msg.RememberChoice,
	})
	if !resolved {
		c.logger.Warn("dialog feedback without a waiter", zap.String("dialog_id", msg.DialogID))
	}
}

func (g *Gateway) handleRenderingFeedback(c *Client, msg *protocol.ClientMessage) {
	if msg.RequestID == "" {
		c.sendError("RENDERING_FEEDBACK requires a requestId")
		return
	}
	result := RenderResult{
		Error:    msg.Error,
		URL:      msg.URL,
		Renderer: msg.Renderer,
		WindowID: msg.WindowID,
	}
	if msg.Success != nil {
		result.Success = *msg.Success
	}
	if msg.Locked != nil {
		result.Locked = *msg.Locked
	}
	if !g.pending.ResolveRender(msg.RequestID, result) {
		c.logger.Warn("rendering feedback without a waiter", zap.String("request_id", msg.RequestID))
	}
}

func (g *Gateway) handleInterruptAgent(c *Client, msg *protocol.ClientMessage) {
	if msg.AgentID == "" {
		c.sendError("INTERRUPT_AGENT requires an agentId")
		return
	}
	if !g.pool.InterruptAgent(msg.AgentID) {
		c.sendError(fmt.Sprintf("unknown agent %q", msg.AgentID))
	}
}

func (g *Gateway) handleSetProvider(c *Client, msg *protocol.ClientMessage) {
	if msg.Provider == "" {
		c.sendError("SET_PROVIDER requires a provider")
		return
	}
	if err := g.pool.SetProvider(msg.Provider); err != nil {
		c.sendError(err.Error())
	}
}
