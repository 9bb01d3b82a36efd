package sessionlog

import (
	"time"

	"github.com/skylightos/skylight/pkg/protocol"
)

// Entry types written to messages.jsonl.
const (
	EntryUser       = "user"
	EntryAssistant  = "assistant"
	EntryAction     = "action"
	EntryThinking   = "thinking"
	EntryToolUse    = "tool_use"
	EntryToolResult = "tool_result"
)

// Entry is one line of a session's messages.jsonl. Type selects which of the
// optional fields are populated: user/assistant/thinking carry Content,
// tool_use/tool_result carry ToolName (and ToolInput/ToolUseID when known),
// action carries Action.
type Entry struct {
	Type          string           `json:"type"`
	Timestamp     time.Time        `json:"timestamp"`
	AgentID       string           `json:"agentId,omitempty"`
	ParentAgentID string           `json:"parentAgentId,omitempty"`
	Content       string           `json:"content,omitempty"`
	Action        *protocol.Action `json:"action,omitempty"`
	ToolName      string           `json:"toolName,omitempty"`
	ToolInput     string           `json:"toolInput,omitempty"`
	ToolUseID     string           `json:"toolUseId,omitempty"`
}

// AgentRecord describes one agent that participated in the session.
type AgentRecord struct {
	AgentID       string    `json:"agentId"`
	ParentAgentID string    `json:"parentAgentId,omitempty"`
	WindowID      string    `json:"windowId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Metadata is the sidecar metadata.json written next to messages.jsonl.
type Metadata struct {
	CreatedAt    time.Time              `json:"createdAt"`
	Provider     string                 `json:"provider"`
	LastActivity time.Time              `json:"lastActivity"`
	Agents       map[string]AgentRecord `json:"agents"`
}
