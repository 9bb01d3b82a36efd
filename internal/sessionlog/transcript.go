package sessionlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ReadEntries loads every well-formed entry from a session directory's
// messages.jsonl. Corrupt lines are skipped so a torn final write never
// poisons the whole log.
func ReadEntries(dir string) ([]Entry, error) {
	f, err := os.Open(filepath.Join(dir, messagesFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open session log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	// Tool results and window content can be large.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session log: %w", err)
	}
	return entries, nil
}

// ReadMetadata loads a session directory's metadata.json.
func ReadMetadata(dir string) (Metadata, error) {
	var meta Metadata
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return meta, fmt.Errorf("failed to read session metadata: %w", err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("failed to parse session metadata: %w", err)
	}
	if meta.Agents == nil {
		meta.Agents = make(map[string]AgentRecord)
	}
	return meta, nil
}

// WriteTranscript renders transcript.md from the log. The transcript is
// derived and never read back; messages.jsonl stays authoritative.
func (l *Logger) WriteTranscript() error {
	entries, err := ReadEntries(l.dir)
	if err != nil {
		return err
	}

	l.mu.Lock()
	meta := l.meta
	id := filepath.Base(l.dir)
	l.mu.Unlock()

	rendered := RenderTranscript(id, meta, entries)
	if err := os.WriteFile(filepath.Join(l.dir, transcriptFile), []byte(rendered), 0644); err != nil {
		return fmt.Errorf("failed to write transcript: %w", err)
	}
	return nil
}

// RenderTranscript formats session entries as markdown. Agents spawned by
// another agent are labelled with their parent so nested window and task
// activity reads in context.
func RenderTranscript(sessionID string, meta Metadata, entries []Entry) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Session %s\n\n", sessionID)
	if meta.Provider != "" {
		fmt.Fprintf(&b, "Provider: %s\n\n", meta.Provider)
	}

	for _, entry := range entries {
		stamp := entry.Timestamp.Format("15:04:05")
		label := agentLabel(meta, entry)

		switch entry.Type {
		case EntryUser:
			fmt.Fprintf(&b, "**[%s] user to %s**\n\n%s\n\n", stamp, label, entry.Content)
		case EntryAssistant:
			fmt.Fprintf(&b, "**[%s] %s**\n\n%s\n\n", stamp, label, entry.Content)
		case EntryThinking:
			fmt.Fprintf(&b, "*[%s] %s thinking:* %s\n\n", stamp, label, truncate(entry.Content, 500))
		case EntryToolUse:
			fmt.Fprintf(&b, "- `[%s]` %s uses tool `%s`\n", stamp, label, entry.ToolName)
		case EntryToolResult:
			fmt.Fprintf(&b, "- `[%s]` tool `%s` returned%s\n", stamp, entry.ToolName, toolResultSuffix(entry.Content))
		case EntryAction:
			if entry.Action != nil {
				fmt.Fprintf(&b, "- `[%s]` %s: %s\n", stamp, label, entry.Action.Summary())
			}
		}
	}

	return b.String()
}

// agentLabel names the entry's agent, annotated with its parent when the
// agent was spawned by another one.
func agentLabel(meta Metadata, entry Entry) string {
	if entry.AgentID == "" {
		return "desktop"
	}
	parent := entry.ParentAgentID
	if parent == "" {
		parent = meta.Agents[entry.AgentID].ParentAgentID
	}
	if parent == "" {
		return entry.AgentID
	}
	return fmt.Sprintf("%s (under %s)", entry.AgentID, parent)
}

func toolResultSuffix(content string) string {
	if content == "" {
		return ""
	}
	return ": " + truncate(content, 200)
}

// truncate caps long thinking blocks and tool results so the transcript
// stays skimmable.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "... [truncated]"
}
