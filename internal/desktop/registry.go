// Package desktop maintains the server-side mirror of each client's virtual
// window manager. The registry is updated exclusively through the action-emit
// path: every outgoing desktop action is folded into the registry before it
// is broadcast, so the server always knows which windows exist, what they
// render, and which agent holds a window's lock.
package desktop

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skylightos/skylight/internal/common/logger"
	"github.com/skylightos/skylight/pkg/protocol"
)

var (
	// ErrWindowNotFound is returned when an action targets a window the
	// registry does not know about.
	ErrWindowNotFound = errors.New("window not found")

	// ErrLockHeld is returned when a lock or unlock names an agent other
	// than the current lock owner. The action is rejected with no state
	// change.
	ErrLockHeld = errors.New("window lock held by another agent")

	// ErrMissingWindowID is returned when a window action carries no id.
	ErrMissingWindowID = errors.New("window action missing windowId")
)

// WindowState is the authoritative server-side view of one window.
type WindowState struct {
	ID        string
	Title     string
	Bounds    protocol.Bounds
	Content   protocol.WindowContent
	Locked    bool
	LockedBy  string
	Minimized bool
	Maximized bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Registry folds the outgoing action stream into per-window state.
// Single writer (the emit path), many readers; reads return copies.
type Registry struct {
	mu      sync.RWMutex
	windows map[string]*WindowState
	logger  *logger.Logger
}

// NewRegistry creates an empty window state registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		windows: make(map[string]*WindowState),
		logger:  log.WithFields(zap.String("component", "window_registry")),
	}
}

// Apply folds one action into the registry. Actions that do not touch window
// state (notifications, toasts, dialogs) are accepted without effect. A
// rejected action (lock violation, unknown window) returns an error and
// leaves the registry untouched.
func (r *Registry) Apply(action protocol.Action) error {
	if !action.Type.IsWindowAction() {
		return nil
	}
	if action.WindowID == "" {
		return fmt.Errorf("%w: %s", ErrMissingWindowID, action.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()

	switch action.Type {
	case protocol.ActionWindowCreate:
		return r.applyCreate(action, now)
	case protocol.ActionWindowClose:
		if _, ok := r.windows[action.WindowID]; !ok {
			return fmt.Errorf("%w: %s", ErrWindowNotFound, action.WindowID)
		}
		delete(r.windows, action.WindowID)
		return nil
	}

	w, ok := r.windows[action.WindowID]
	if !ok {
		// Unlock races window removal during agent teardown; treating it
		// as a no-op keeps teardown order-independent.
		if action.Type == protocol.ActionWindowUnlock {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrWindowNotFound, action.WindowID)
	}

	switch action.Type {
	case protocol.ActionWindowSetTitle:
		w.Title = action.Title
	case protocol.ActionWindowSetContent:
		if action.Content != nil {
			w.Content = *action.Content
		}
	case protocol.ActionWindowUpdateContent:
		if action.Renderer != "" {
			w.Content.Renderer = action.Renderer
		}
		if action.Operation != nil {
			w.Content.Data = applyContentOperation(w.Content.Data, *action.Operation)
		}
	case protocol.ActionWindowMove:
		if action.X != nil {
			w.Bounds.X = *action.X
		}
		if action.Y != nil {
			w.Bounds.Y = *action.Y
		}
	case protocol.ActionWindowResize:
		if action.W != nil {
			w.Bounds.W = *action.W
		}
		if action.H != nil {
			w.Bounds.H = *action.H
		}
	case protocol.ActionWindowMinimize:
		w.Minimized = true
	case protocol.ActionWindowMaximize:
		w.Maximized = true
		w.Minimized = false
	case protocol.ActionWindowRestore:
		w.Minimized = false
		w.Maximized = false
	case protocol.ActionWindowFocus:
		w.Minimized = false
	case protocol.ActionWindowLock:
		if w.Locked && w.LockedBy != action.AgentID {
			r.logger.Error("lock rejected: window already locked",
				zap.String("window_id", w.ID),
				zap.String("locked_by", w.LockedBy),
				zap.String("requested_by", action.AgentID))
			return fmt.Errorf("%w: %s locked by %s", ErrLockHeld, w.ID, w.LockedBy)
		}
		w.Locked = true
		w.LockedBy = action.AgentID
	case protocol.ActionWindowUnlock:
		if !w.Locked {
			// Idempotent: unlocking an unlocked window is harmless.
			return nil
		}
		if w.LockedBy != action.AgentID {
			r.logger.Error("unlock rejected: lock owner mismatch",
				zap.String("window_id", w.ID),
				zap.String("locked_by", w.LockedBy),
				zap.String("requested_by", action.AgentID))
			return fmt.Errorf("%w: %s locked by %s", ErrLockHeld, w.ID, w.LockedBy)
		}
		w.Locked = false
		w.LockedBy = ""
	}

	w.UpdatedAt = now
	return nil
}

// applyCreate inserts a window. Re-creating an existing id refreshes title,
// bounds and content but keeps the original creation time and lock, so a
// restore replay cannot silently strip an active agent's lock.
func (r *Registry) applyCreate(action protocol.Action, now time.Time) error {
	w, exists := r.windows[action.WindowID]
	if !exists {
		w = &WindowState{ID: action.WindowID, CreatedAt: now}
		r.windows[action.WindowID] = w
	}
	w.Title = action.Title
	if action.Bounds != nil {
		w.Bounds = *action.Bounds
	}
	if action.Content != nil {
		w.Content = *action.Content
	}
	w.UpdatedAt = now
	return nil
}

// applyContentOperation implements the window.updateContent op set. Text ops
// apply to string data; for non-string data append and prepend fall back to
// replace.
func applyContentOperation(data interface{}, op protocol.ContentOperation) interface{} {
	switch op.Op {
	case protocol.OpClear:
		if _, ok := data.(string); ok {
			return ""
		}
		return nil
	case protocol.OpReplace:
		return op.Data
	case protocol.OpAppend:
		cur, curOK := data.(string)
		add, addOK := op.Data.(string)
		if curOK && addOK {
			return cur + add
		}
		return op.Data
	case protocol.OpPrepend:
		cur, curOK := data.(string)
		add, addOK := op.Data.(string)
		if curOK && addOK {
			return add + cur
		}
		return op.Data
	case protocol.OpInsertAt:
		cur, curOK := data.(string)
		add, addOK := op.Data.(string)
		if !curOK || !addOK || op.Position == nil {
			return op.Data
		}
		pos := *op.Position
		runes := []rune(cur)
		if pos < 0 {
			pos = 0
		}
		if pos > len(runes) {
			pos = len(runes)
		}
		return string(runes[:pos]) + add + string(runes[pos:])
	}
	return data
}

// GetWindow returns a copy of one window's state.
func (r *Registry) GetWindow(id string) (WindowState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.windows[id]
	if !ok {
		return WindowState{}, false
	}
	return *w, true
}

// HasWindow reports whether the window exists.
func (r *Registry) HasWindow(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.windows[id]
	return ok
}

// ListWindows returns a snapshot of all windows ordered by creation time,
// then id for windows created in the same instant.
func (r *Registry) ListWindows() []WindowState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]WindowState, 0, len(r.windows))
	for _, w := range r.windows {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Renderers returns the id → renderer map used for window-state
// fingerprinting.
func (r *Registry) Renderers() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string, len(r.windows))
	for id, w := range r.windows {
		out[id] = w.Content.Renderer
	}
	return out
}

// Count returns the number of windows.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.windows)
}

// Clear removes all window state.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.windows = make(map[string]*WindowState)
}
