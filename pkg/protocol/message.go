// Package protocol defines the wire types exchanged with desktop clients
// over the WebSocket session: the client event envelope, server event
// frames, the desktop action grammar, and user interaction records.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ClientMessageType identifies an inbound client frame.
type ClientMessageType string

const (
	ClientUserMessage       ClientMessageType = "USER_MESSAGE"
	ClientWindowMessage     ClientMessageType = "WINDOW_MESSAGE"
	ClientComponentAction   ClientMessageType = "COMPONENT_ACTION"
	ClientDialogFeedback    ClientMessageType = "DIALOG_FEEDBACK"
	ClientRenderingFeedback ClientMessageType = "RENDERING_FEEDBACK"
	ClientInterrupt         ClientMessageType = "INTERRUPT"
	ClientInterruptAgent    ClientMessageType = "INTERRUPT_AGENT"
	ClientSetProvider       ClientMessageType = "SET_PROVIDER"
	ClientSubscribeMonitor  ClientMessageType = "SUBSCRIBE_MONITOR"
	ClientRemoveMonitor     ClientMessageType = "REMOVE_MONITOR"
)

// ServerEventType identifies an outbound server frame.
type ServerEventType string

const (
	ServerConnectionStatus  ServerEventType = "CONNECTION_STATUS"
	ServerActions           ServerEventType = "ACTIONS"
	ServerAgentThinking     ServerEventType = "AGENT_THINKING"
	ServerAgentResponse     ServerEventType = "AGENT_RESPONSE"
	ServerToolProgress      ServerEventType = "TOOL_PROGRESS"
	ServerMessageAccepted   ServerEventType = "MESSAGE_ACCEPTED"
	ServerMessageQueued     ServerEventType = "MESSAGE_QUEUED"
	ServerWindowAgentStatus ServerEventType = "WINDOW_AGENT_STATUS"
	ServerError             ServerEventType = "ERROR"
)

// Connection status values carried by CONNECTION_STATUS frames.
const (
	StatusConnecting   = "connecting"
	StatusConnected    = "connected"
	StatusError        = "error"
	StatusDisconnected = "disconnected"
)

// Tool progress status values carried by TOOL_PROGRESS frames.
const (
	ToolStatusRunning  = "running"
	ToolStatusComplete = "complete"
	ToolStatusError    = "error"
)

// Window agent status values carried by WINDOW_AGENT_STATUS frames.
const (
	WindowAgentCreated   = "created"
	WindowAgentActive    = "active"
	WindowAgentIdle      = "idle"
	WindowAgentDestroyed = "destroyed"
)

// ClientMessage is the flat inbound envelope. Type selects which of the
// optional fields are meaningful; everything else is left zero.
type ClientMessage struct {
	Type ClientMessageType `json:"type"`

	// USER_MESSAGE / WINDOW_MESSAGE
	MessageID    string        `json:"messageId,omitempty"`
	Content      string        `json:"content,omitempty"`
	Interactions []Interaction `json:"interactions,omitempty"`

	// WINDOW_MESSAGE / COMPONENT_ACTION
	WindowID      string                 `json:"windowId,omitempty"`
	WindowTitle   string                 `json:"windowTitle,omitempty"`
	Action        string                 `json:"action,omitempty"`
	ActionID      string                 `json:"actionId,omitempty"`
	FormData      map[string]interface{} `json:"formData,omitempty"`
	FormID        string                 `json:"formId,omitempty"`
	ComponentPath string                 `json:"componentPath,omitempty"`

	// DIALOG_FEEDBACK
	DialogID       string `json:"dialogId,omitempty"`
	Confirmed      *bool  `json:"confirmed,omitempty"`
	RememberChoice bool   `json:"rememberChoice,omitempty"`

	// RENDERING_FEEDBACK
	RequestID string `json:"requestId,omitempty"`
	Renderer  string `json:"renderer,omitempty"`
	Success   *bool  `json:"success,omitempty"`
	Error     string `json:"error,omitempty"`
	URL       string `json:"url,omitempty"`
	Locked    *bool  `json:"locked,omitempty"`

	// INTERRUPT_AGENT
	AgentID string `json:"agentId,omitempty"`

	// SET_PROVIDER
	Provider string `json:"provider,omitempty"`

	// SUBSCRIBE_MONITOR / REMOVE_MONITOR, also optional on USER_MESSAGE
	MonitorID string `json:"monitorId,omitempty"`
}

// ParseClientMessage decodes one inbound text frame.
func ParseClientMessage(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed client frame: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("client frame missing type")
	}
	return &msg, nil
}

// ServerEvent is the flat outbound envelope. Constructors below populate
// the fields the given type requires.
type ServerEvent struct {
	Type      ServerEventType `json:"type"`
	Timestamp time.Time       `json:"timestamp"`

	// CONNECTION_STATUS, reused by TOOL_PROGRESS for the tool state.
	Status    string `json:"status,omitempty"`
	Provider  string `json:"provider,omitempty"`
	SessionID string `json:"sessionId,omitempty"`

	// ACTIONS
	Actions []Action `json:"actions,omitempty"`

	// AGENT_THINKING / AGENT_RESPONSE / TOOL_PROGRESS / WINDOW_AGENT_STATUS
	AgentID    string `json:"agentId,omitempty"`
	Content    string `json:"content,omitempty"`
	IsComplete *bool  `json:"isComplete,omitempty"`
	ToolName   string `json:"toolName,omitempty"`

	// MESSAGE_ACCEPTED / MESSAGE_QUEUED
	MessageID string `json:"messageId,omitempty"`
	Position  int    `json:"position,omitempty"`

	// WINDOW_AGENT_STATUS
	WindowID    string `json:"windowId,omitempty"`
	AgentStatus string `json:"agentStatus,omitempty"`

	// ERROR
	Error string `json:"error,omitempty"`
}

// Encode marshals the event to a JSON text frame.
func (e *ServerEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func newEvent(t ServerEventType) *ServerEvent {
	return &ServerEvent{Type: t, Timestamp: time.Now().UTC()}
}

// NewConnectionStatus builds a CONNECTION_STATUS frame.
func NewConnectionStatus(status, provider, sessionID, errMsg string) *ServerEvent {
	e := newEvent(ServerConnectionStatus)
	e.Status = status
	e.Provider = provider
	e.SessionID = sessionID
	e.Error = errMsg
	return e
}

// NewActions builds an ACTIONS frame carrying a batch applied atomically
// in order by the client.
func NewActions(actions []Action) *ServerEvent {
	e := newEvent(ServerActions)
	e.Actions = actions
	return e
}

// NewAgentThinking builds an AGENT_THINKING frame.
func NewAgentThinking(agentID, content string) *ServerEvent {
	e := newEvent(ServerAgentThinking)
	e.AgentID = agentID
	e.Content = content
	return e
}

// NewAgentResponse builds an AGENT_RESPONSE frame.
func NewAgentResponse(agentID, content string, complete bool) *ServerEvent {
	e := newEvent(ServerAgentResponse)
	e.AgentID = agentID
	e.Content = content
	e.IsComplete = &complete
	return e
}

// NewToolProgress builds a TOOL_PROGRESS frame.
func NewToolProgress(agentID, toolName, status string) *ServerEvent {
	e := newEvent(ServerToolProgress)
	e.AgentID = agentID
	e.ToolName = toolName
	e.Status = status
	return e
}

// NewMessageAccepted builds a MESSAGE_ACCEPTED frame.
func NewMessageAccepted(messageID, agentID string) *ServerEvent {
	e := newEvent(ServerMessageAccepted)
	e.MessageID = messageID
	e.AgentID = agentID
	return e
}

// NewMessageQueued builds a MESSAGE_QUEUED frame. Position 1 means the
// message runs as soon as the current task finishes.
func NewMessageQueued(messageID, agentID string, position int) *ServerEvent {
	e := newEvent(ServerMessageQueued)
	e.MessageID = messageID
	e.AgentID = agentID
	e.Position = position
	return e
}

// NewWindowAgentStatus builds a WINDOW_AGENT_STATUS frame.
func NewWindowAgentStatus(windowID, agentID, status string) *ServerEvent {
	e := newEvent(ServerWindowAgentStatus)
	e.WindowID = windowID
	e.AgentID = agentID
	e.AgentStatus = status
	return e
}

// NewErrorEvent builds an ERROR frame.
func NewErrorEvent(message string) *ServerEvent {
	e := newEvent(ServerError)
	e.Error = message
	return e
}
