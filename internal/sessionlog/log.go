// Package sessionlog persists every exchange of a desktop session to an
// append-only JSONL log that can later be replayed to restore desktop state.
//
// Each session owns one directory named by its start time. The directory
// holds messages.jsonl (authoritative, one entry per line), metadata.json
// (agents and activity), and transcript.md (a derived human-readable mirror).
package sessionlog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skylightos/skylight/internal/common/logger"
	"github.com/skylightos/skylight/internal/events"
	"github.com/skylightos/skylight/internal/events/bus"
	v1 "github.com/skylightos/skylight/pkg/api/v1"
	"github.com/skylightos/skylight/pkg/protocol"
)

const (
	// DirTimeFormat names session directories so they sort chronologically.
	DirTimeFormat = "2006-01-02_15-04-05"

	messagesFile   = "messages.jsonl"
	metadataFile   = "metadata.json"
	transcriptFile = "transcript.md"
)

// Logger appends session entries to messages.jsonl and keeps metadata.json
// in step. It is safe for concurrent use by all agent sessions.
type Logger struct {
	dir      string
	eventBus bus.EventBus
	logger   *logger.Logger

	mu     sync.Mutex
	file   *os.File
	meta   Metadata
	count  int
	sub    bus.Subscription
	closed bool
}

// Open starts a new session log under root. The session directory is named
// by the current time; a numeric suffix disambiguates two sessions started
// within the same second.
func Open(root, provider string, eventBus bus.EventBus, log *logger.Logger) (*Logger, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session root: %w", err)
	}

	stamp := time.Now().Format(DirTimeFormat)
	dir := filepath.Join(root, stamp)
	for i := 2; ; i++ {
		err := os.Mkdir(dir, 0755)
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create session directory: %w", err)
		}
		dir = filepath.Join(root, fmt.Sprintf("%s_%d", stamp, i))
	}

	f, err := os.OpenFile(filepath.Join(dir, messagesFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open session log: %w", err)
	}

	now := time.Now().UTC()
	l := &Logger{
		dir:      dir,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "session-log")),
		file:     f,
		meta: Metadata{
			CreatedAt:    now,
			Provider:     provider,
			LastActivity: now,
			Agents:       make(map[string]AgentRecord),
		},
	}
	if err := l.writeMetadataLocked(); err != nil {
		_ = f.Close()
		return nil, err
	}

	l.publish(events.SessionOpened)
	l.logger.Info("session log opened", zap.String("dir", dir))
	return l, nil
}

// Dir returns the session directory path.
func (l *Logger) Dir() string {
	return l.dir
}

// ID returns the session identifier, the base name of its directory.
func (l *Logger) ID() string {
	return filepath.Base(l.dir)
}

// Append writes one entry to messages.jsonl. A zero timestamp is stamped
// with the current time, and the parent agent id is filled in from the
// registered agent when known.
func (l *Logger) Append(entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("session log is closed")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.ParentAgentID == "" && entry.AgentID != "" {
		entry.ParentAgentID = l.meta.Agents[entry.AgentID].ParentAgentID
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal session entry: %w", err)
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write session entry: %w", err)
	}

	l.count++
	l.meta.LastActivity = entry.Timestamp
	return nil
}

// LogUser records a user message routed to the given agent.
func (l *Logger) LogUser(agentID, content string) error {
	return l.Append(Entry{Type: EntryUser, AgentID: agentID, Content: content})
}

// LogAssistant records a completed assistant message.
func (l *Logger) LogAssistant(agentID, content string) error {
	return l.Append(Entry{Type: EntryAssistant, AgentID: agentID, Content: content})
}

// LogThinking records an assistant thinking block.
func (l *Logger) LogThinking(agentID, content string) error {
	return l.Append(Entry{Type: EntryThinking, AgentID: agentID, Content: content})
}

// LogToolUse records a tool invocation.
func (l *Logger) LogToolUse(agentID, toolName, toolInput, toolUseID string) error {
	return l.Append(Entry{Type: EntryToolUse, AgentID: agentID, ToolName: toolName, ToolInput: toolInput, ToolUseID: toolUseID})
}

// LogToolResult records a tool result. Content carries the result summary
// when the tool produced one.
func (l *Logger) LogToolResult(agentID, toolName, toolUseID, content string) error {
	return l.Append(Entry{Type: EntryToolResult, AgentID: agentID, ToolName: toolName, ToolUseID: toolUseID, Content: content})
}

// LogActions records one entry per desktop action emitted by an agent.
func (l *Logger) LogActions(agentID string, actions []protocol.Action) error {
	for i := range actions {
		if err := l.Append(Entry{Type: EntryAction, AgentID: agentID, Action: &actions[i]}); err != nil {
			return err
		}
	}
	return nil
}

// RegisterAgent records an agent in metadata.json. Registration is
// idempotent; re-registering keeps the original creation time.
func (l *Logger) RegisterAgent(agentID, parentAgentID, windowID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("session log is closed")
	}
	if _, ok := l.meta.Agents[agentID]; !ok {
		l.meta.Agents[agentID] = AgentRecord{
			AgentID:       agentID,
			ParentAgentID: parentAgentID,
			WindowID:      windowID,
			CreatedAt:     time.Now().UTC(),
		}
	}
	return l.writeMetadataLocked()
}

// BindBus subscribes the logger to the desktop action stream so every
// emitted action lands in the log without the emitter knowing about it.
func (l *Logger) BindBus() error {
	if l.eventBus == nil {
		return nil
	}
	sub, err := l.eventBus.Subscribe(events.ActionEmitted, func(ctx context.Context, event *bus.Event) error {
		var payload struct {
			AgentID string            `json:"agentId"`
			Actions []protocol.Action `json:"actions"`
		}
		if err := parseEventData(event.Data, &payload); err != nil {
			l.logger.Warn("failed to parse action event", zap.Error(err))
			return nil
		}
		if err := l.LogActions(payload.AgentID, payload.Actions); err != nil {
			l.logger.Warn("failed to log actions", zap.Error(err))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to action stream: %w", err)
	}

	l.mu.Lock()
	l.sub = sub
	l.mu.Unlock()
	return nil
}

// Summary returns the catalog row for this session.
func (l *Logger) Summary() v1.SessionSummary {
	l.mu.Lock()
	defer l.mu.Unlock()

	return v1.SessionSummary{
		ID:           filepath.Base(l.dir),
		Dir:          l.dir,
		CreatedAt:    l.meta.CreatedAt,
		Provider:     l.meta.Provider,
		LastActivity: l.meta.LastActivity,
		AgentCount:   len(l.meta.Agents),
		MessageCount: l.count,
	}
}

// MessageCount returns the number of entries appended so far.
func (l *Logger) MessageCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Close flushes metadata, renders the transcript mirror, and closes the
// log file. Further appends fail.
func (l *Logger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	sub := l.sub
	l.sub = nil

	metaErr := l.writeMetadataLocked()
	closeErr := l.file.Close()
	l.mu.Unlock()

	if sub != nil {
		_ = sub.Unsubscribe()
	}
	if err := l.WriteTranscript(); err != nil {
		l.logger.Warn("failed to render transcript", zap.Error(err))
	}

	l.publish(events.SessionClosed)
	l.logger.Info("session log closed", zap.String("dir", l.dir))

	if metaErr != nil {
		return metaErr
	}
	return closeErr
}

func (l *Logger) writeMetadataLocked() error {
	data, err := json.MarshalIndent(l.meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(l.dir, metadataFile), data, 0644); err != nil {
		return fmt.Errorf("failed to write session metadata: %w", err)
	}
	return nil
}

func (l *Logger) publish(eventType string) {
	if l.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "session-log", map[string]interface{}{
		"sessionId": filepath.Base(l.dir),
		"dir":       l.dir,
	})
	if err := l.eventBus.Publish(context.Background(), eventType, event); err != nil {
		l.logger.Warn("failed to publish session log event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// parseEventData converts event data (map or struct) to a typed struct.
func parseEventData(data interface{}, target interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonData, target)
}
