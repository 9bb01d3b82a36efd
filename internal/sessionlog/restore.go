package sessionlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/skylightos/skylight/internal/common/logger"
	"github.com/skylightos/skylight/internal/desktop"
	"github.com/skylightos/skylight/internal/transcript"
	"github.com/skylightos/skylight/pkg/protocol"
)

// MainRolePrefix marks agents whose conversation belongs to the shared main
// context rather than to a single window.
const MainRolePrefix = "main-"

// RestoreResult is the bootstrap state recovered from the newest session:
// one window.create per window that survived the logged action stream, and
// the main conversation to seed the context tape with.
type RestoreResult struct {
	SessionID string
	Dir       string
	Actions   []protocol.Action
	Messages  []transcript.Message
}

// Restorer rebuilds desktop state from the most recent session log.
type Restorer struct {
	root   string
	skip   string
	logger *logger.Logger
}

// NewRestorer creates a Restorer over the session root directory.
func NewRestorer(root string, log *logger.Logger) *Restorer {
	return &Restorer{
		root:   root,
		logger: log.WithFields(zap.String("component", "session-restore")),
	}
}

// Exclude marks one directory as never being a restore source. The live
// session's directory must be excluded or a boot restore could pick the
// empty log it is itself writing. Call before Restore.
func (r *Restorer) Exclude(dir string) {
	r.skip = dir
}

// Restore locates the newest session directory, folds its action stream to
// the final state of every window, and extracts the main-agent conversation.
// It returns nil when no previous session exists.
func (r *Restorer) Restore() (*RestoreResult, error) {
	dir, err := r.newestSessionDir()
	if err != nil || dir == "" {
		return nil, err
	}

	f, err := os.Open(filepath.Join(dir, messagesFile))
	if err != nil {
		return nil, fmt.Errorf("failed to open session log: %w", err)
	}
	defer func() { _ = f.Close() }()

	// Fold through a scratch registry so a half-written log can never
	// corrupt live desktop state.
	registry := desktop.NewRegistry(r.logger)
	var messages []transcript.Message

	scanner := bufio.NewScanner(f)
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

		switch entry.Type {
		case EntryAction:
			if entry.Action == nil {
				continue
			}
			if err := registry.Apply(*entry.Action); err != nil {
				r.logger.Debug("skipping unreplayable action",
					zap.String("action", string(entry.Action.Type)),
					zap.Error(err))
			}
		case EntryUser, EntryAssistant:
			if !strings.HasPrefix(entry.AgentID, MainRolePrefix) {
				continue
			}
			role := transcript.RoleUser
			if entry.Type == EntryAssistant {
				role = transcript.RoleAssistant
			}
			messages = append(messages, transcript.Message{
				Role:      role,
				Content:   entry.Content,
				Timestamp: entry.Timestamp,
			})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session log: %w", err)
	}

	windows := registry.ListWindows()
	actions := make([]protocol.Action, 0, len(windows))
	for _, w := range windows {
		content := w.Content
		actions = append(actions, protocol.NewWindowCreate(w.ID, w.Title, w.Bounds, &content))
	}

	r.logger.Info("restored previous session",
		zap.String("dir", dir),
		zap.Int("windows", len(actions)),
		zap.Int("messages", len(messages)))

	return &RestoreResult{
		SessionID: filepath.Base(dir),
		Dir:       dir,
		Actions:   actions,
		Messages:  messages,
	}, nil
}

// newestSessionDir returns the most recent restorable session directory, or
// "" when the root holds none. Directory names sort chronologically.
func (r *Restorer) newestSessionDir() (string, error) {
	dirs, err := r.SessionDirs()
	if err != nil {
		return "", err
	}
	for i := len(dirs) - 1; i >= 0; i-- {
		if dirs[i] != r.skip {
			return dirs[i], nil
		}
	}
	return "", nil
}

// SessionDirs lists every session directory under the root, oldest first.
func (r *Restorer) SessionDirs() ([]string, error) {
	return ListSessionDirs(r.root)
}

// ListSessionDirs returns the session directories under root, oldest first.
// A directory counts as a session once it has a messages.jsonl.
func ListSessionDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list session root: %w", err)
	}

	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if _, err := os.Stat(filepath.Join(dir, messagesFile)); err != nil {
			continue
		}
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	return dirs, nil
}
