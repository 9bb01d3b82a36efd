package desktop

import (
	"errors"
	"testing"

	"github.com/skylightos/skylight/internal/common/logger"
	"github.com/skylightos/skylight/pkg/protocol"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return NewRegistry(log)
}

func TestApplyCreateAndClose(t *testing.T) {
	r := newTestRegistry(t)

	create := protocol.NewWindowCreate("win-1", "Notes", protocol.Bounds{X: 10, Y: 20, W: 300, H: 200},
		&protocol.WindowContent{Renderer: "markdown", Data: "hello"})
	if err := r.Apply(create); err != nil {
		t.Fatalf("Apply(create) failed: %v", err)
	}

	w, ok := r.GetWindow("win-1")
	if !ok {
		t.Fatal("window not found after create")
	}
	if w.Title != "Notes" || w.Bounds.W != 300 || w.Content.Renderer != "markdown" {
		t.Errorf("unexpected window state: %+v", w)
	}

	if err := r.Apply(protocol.NewWindowClose("win-1")); err != nil {
		t.Fatalf("Apply(close) failed: %v", err)
	}
	if r.HasWindow("win-1") {
		t.Error("window still present after close")
	}
}

func TestApplyCloseUnknownWindow(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Apply(protocol.NewWindowClose("ghost"))
	if !errors.Is(err, ErrWindowNotFound) {
		t.Errorf("expected ErrWindowNotFound, got %v", err)
	}
}

func TestApplyMissingWindowID(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Apply(protocol.Action{Type: protocol.ActionWindowSetTitle, Title: "x"})
	if !errors.Is(err, ErrMissingWindowID) {
		t.Errorf("expected ErrMissingWindowID, got %v", err)
	}
}

func TestApplyNonWindowActionIsNoop(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Apply(protocol.NewToast("t1", "saved", "success")); err != nil {
		t.Errorf("toast should not touch window state: %v", err)
	}
	if got := r.Count(); got != 0 {
		t.Errorf("expected no windows, got %d", got)
	}
}

func TestApplyContentOperations(t *testing.T) {
	r := newTestRegistry(t)
	_ = r.Apply(protocol.NewWindowCreate("win-1", "Notes", protocol.Bounds{},
		&protocol.WindowContent{Renderer: "text", Data: "middle"}))

	apply := func(op protocol.ContentOperation) {
		t.Helper()
		err := r.Apply(protocol.Action{
			Type:      protocol.ActionWindowUpdateContent,
			WindowID:  "win-1",
			Operation: &op,
		})
		if err != nil {
			t.Fatalf("updateContent failed: %v", err)
		}
	}

	apply(protocol.ContentOperation{Op: protocol.OpAppend, Data: " end"})
	apply(protocol.ContentOperation{Op: protocol.OpPrepend, Data: "start "})

	w, _ := r.GetWindow("win-1")
	if got := w.Content.Data; got != "start middle end" {
		t.Errorf("expected appended/prepended text, got %v", got)
	}

	pos := 5
	apply(protocol.ContentOperation{Op: protocol.OpInsertAt, Data: "|", Position: &pos})
	w, _ = r.GetWindow("win-1")
	if got := w.Content.Data; got != "start| middle end" {
		t.Errorf("insertAt produced %v", got)
	}

	apply(protocol.ContentOperation{Op: protocol.OpReplace, Data: "fresh"})
	w, _ = r.GetWindow("win-1")
	if got := w.Content.Data; got != "fresh" {
		t.Errorf("replace produced %v", got)
	}

	apply(protocol.ContentOperation{Op: protocol.OpClear})
	w, _ = r.GetWindow("win-1")
	if got := w.Content.Data; got != "" {
		t.Errorf("clear produced %v", got)
	}
}

func TestLockOwnership(t *testing.T) {
	r := newTestRegistry(t)
	_ = r.Apply(protocol.NewWindowCreate("win-1", "Notes", protocol.Bounds{}, nil))

	if err := r.Apply(protocol.NewWindowLock("win-1", "window-win-1")); err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	w, _ := r.GetWindow("win-1")
	if !w.Locked || w.LockedBy != "window-win-1" {
		t.Errorf("lock not recorded: %+v", w)
	}

	// Another agent cannot steal the lock.
	if err := r.Apply(protocol.NewWindowLock("win-1", "window-other")); !errors.Is(err, ErrLockHeld) {
		t.Errorf("expected ErrLockHeld on steal, got %v", err)
	}

	// Re-locking by the owner is idempotent.
	if err := r.Apply(protocol.NewWindowLock("win-1", "window-win-1")); err != nil {
		t.Errorf("owner re-lock failed: %v", err)
	}

	// Only the owner can unlock.
	if err := r.Apply(protocol.NewWindowUnlock("win-1", "window-other")); !errors.Is(err, ErrLockHeld) {
		t.Errorf("expected ErrLockHeld on foreign unlock, got %v", err)
	}
	if err := r.Apply(protocol.NewWindowUnlock("win-1", "window-win-1")); err != nil {
		t.Fatalf("owner unlock failed: %v", err)
	}

	w, _ = r.GetWindow("win-1")
	if w.Locked || w.LockedBy != "" {
		t.Errorf("unlock not recorded: %+v", w)
	}

	// Unlocking an unlocked window is a no-op.
	if err := r.Apply(protocol.NewWindowUnlock("win-1", "window-win-1")); err != nil {
		t.Errorf("unlock of unlocked window should be a no-op, got %v", err)
	}
}

func TestUnlockAfterCloseIsNoop(t *testing.T) {
	r := newTestRegistry(t)
	_ = r.Apply(protocol.NewWindowCreate("win-1", "Notes", protocol.Bounds{}, nil))
	_ = r.Apply(protocol.NewWindowLock("win-1", "window-win-1"))
	_ = r.Apply(protocol.NewWindowClose("win-1"))

	if err := r.Apply(protocol.NewWindowUnlock("win-1", "window-win-1")); err != nil {
		t.Errorf("unlock after close should be a no-op, got %v", err)
	}
}

func TestRecreateKeepsLockAndCreationTime(t *testing.T) {
	r := newTestRegistry(t)
	_ = r.Apply(protocol.NewWindowCreate("win-1", "Notes", protocol.Bounds{}, nil))
	_ = r.Apply(protocol.NewWindowLock("win-1", "window-win-1"))

	before, _ := r.GetWindow("win-1")
	_ = r.Apply(protocol.NewWindowCreate("win-1", "Renamed", protocol.Bounds{X: 1, Y: 1, W: 2, H: 2}, nil))

	after, _ := r.GetWindow("win-1")
	if after.Title != "Renamed" {
		t.Errorf("expected refreshed title, got %q", after.Title)
	}
	if !after.Locked || after.LockedBy != "window-win-1" {
		t.Error("re-create stripped an active lock")
	}
	if !after.CreatedAt.Equal(before.CreatedAt) {
		t.Error("re-create changed the creation time")
	}
}

func TestMinimizeMaximizeRestore(t *testing.T) {
	r := newTestRegistry(t)
	_ = r.Apply(protocol.NewWindowCreate("win-1", "Notes", protocol.Bounds{}, nil))

	_ = r.Apply(protocol.Action{Type: protocol.ActionWindowMinimize, WindowID: "win-1"})
	w, _ := r.GetWindow("win-1")
	if !w.Minimized {
		t.Error("expected minimized")
	}

	_ = r.Apply(protocol.Action{Type: protocol.ActionWindowMaximize, WindowID: "win-1"})
	w, _ = r.GetWindow("win-1")
	if !w.Maximized || w.Minimized {
		t.Error("maximize should clear minimized")
	}

	_ = r.Apply(protocol.Action{Type: protocol.ActionWindowRestore, WindowID: "win-1"})
	w, _ = r.GetWindow("win-1")
	if w.Maximized || w.Minimized {
		t.Error("restore should clear both flags")
	}
}

func TestListWindowsOrdering(t *testing.T) {
	r := newTestRegistry(t)
	for _, id := range []string{"win-b", "win-a", "win-c"} {
		_ = r.Apply(protocol.NewWindowCreate(id, id, protocol.Bounds{}, nil))
	}

	list := r.ListWindows()
	if len(list) != 3 {
		t.Fatalf("expected 3 windows, got %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		prev, cur := list[i-1], list[i]
		if cur.CreatedAt.Before(prev.CreatedAt) {
			t.Errorf("windows out of creation order at index %d", i)
		}
		if cur.CreatedAt.Equal(prev.CreatedAt) && cur.ID < prev.ID {
			t.Errorf("id tiebreak violated at index %d", i)
		}
	}
}

func TestRenderers(t *testing.T) {
	r := newTestRegistry(t)
	_ = r.Apply(protocol.NewWindowCreate("win-1", "Notes", protocol.Bounds{},
		&protocol.WindowContent{Renderer: "markdown"}))
	_ = r.Apply(protocol.NewWindowCreate("win-2", "Calc", protocol.Bounds{},
		&protocol.WindowContent{Renderer: "table"}))

	renderers := r.Renderers()
	if renderers["win-1"] != "markdown" || renderers["win-2"] != "table" {
		t.Errorf("unexpected renderer map: %v", renderers)
	}
}

func TestClearRegistry(t *testing.T) {
	r := newTestRegistry(t)
	_ = r.Apply(protocol.NewWindowCreate("win-1", "Notes", protocol.Bounds{}, nil))
	r.Clear()
	if got := r.Count(); got != 0 {
		t.Errorf("expected empty registry after Clear, got %d", got)
	}
}
