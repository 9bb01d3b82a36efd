package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skylightos/skylight/internal/broadcast"
	"github.com/skylightos/skylight/internal/common/logger"
	"github.com/skylightos/skylight/internal/desktop"
	"github.com/skylightos/skylight/internal/events"
	"github.com/skylightos/skylight/internal/events/bus"
	"github.com/skylightos/skylight/internal/transcript"
	"github.com/skylightos/skylight/pkg/protocol"
)

// recordingSink captures frames sent to one connection.
type recordingSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *recordingSink) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.frames = append(s.frames, cp)
	return nil
}

func (s *recordingSink) events(t *testing.T) []protocol.ServerEvent {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.ServerEvent, 0, len(s.frames))
	for _, frame := range s.frames {
		var evt protocol.ServerEvent
		require.NoError(t, json.Unmarshal(frame, &evt))
		out = append(out, evt)
	}
	return out
}

type emitterHarness struct {
	emitter  *Emitter
	registry *desktop.Registry
	center   *broadcast.Center
	timeline *transcript.Timeline
	eventBus bus.EventBus
	sink     *recordingSink
}

func setupEmitter(t *testing.T) *emitterHarness {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(func() { eventBus.Close() })

	h := &emitterHarness{
		registry: desktop.NewRegistry(log),
		center:   broadcast.NewCenter(log),
		timeline: transcript.NewTimeline(0),
		eventBus: eventBus,
		sink:     &recordingSink{},
	}
	h.center.Subscribe("conn-1", h.sink)
	h.emitter = NewEmitter(h.registry, h.center, h.timeline, h.eventBus, log)
	return h
}

func TestEmitActionsAppliesAndFansOut(t *testing.T) {
	h := setupEmitter(t)
	h.center.RegisterAgent("main-monitor-1", "conn-1")

	var published []*bus.Event
	_, err := h.eventBus.Subscribe(events.ActionEmitted, func(ctx context.Context, event *bus.Event) error {
		published = append(published, event)
		return nil
	})
	require.NoError(t, err)

	actions := []protocol.Action{
		protocol.NewWindowCreate("win-1", "Notes", protocol.Bounds{X: 10, Y: 10, W: 300, H: 200}, nil),
		protocol.NewToast("toast-1", "saved", "success"),
	}
	require.NoError(t, h.emitter.EmitActions(context.Background(), "main-monitor-1", actions))

	assert.True(t, h.registry.HasWindow("win-1"))

	frames := h.sink.events(t)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.ServerActions, frames[0].Type)
	assert.Len(t, frames[0].Actions, 2)

	require.Len(t, published, 1)

	// Both actions land in the timeline for the next main prompt.
	drained := h.timeline.DrainForMainPrompt()
	assert.Contains(t, drained, "win-1")
	assert.Contains(t, drained, "toast")
}

func TestEmitActionsDropsRejected(t *testing.T) {
	h := setupEmitter(t)

	var rejected []*bus.Event
	_, err := h.eventBus.Subscribe(events.ActionRejected, func(ctx context.Context, event *bus.Event) error {
		rejected = append(rejected, event)
		return nil
	})
	require.NoError(t, err)

	actions := []protocol.Action{
		{Type: protocol.ActionWindowSetTitle, WindowID: "ghost", Title: "nope"},
		protocol.NewWindowCreate("win-1", "Notes", protocol.Bounds{W: 100, H: 100}, nil),
	}
	require.NoError(t, h.emitter.EmitActions(context.Background(), "main-monitor-1", actions))

	assert.False(t, h.registry.HasWindow("ghost"))
	assert.True(t, h.registry.HasWindow("win-1"))
	require.Len(t, rejected, 1)
	assert.Equal(t, "ghost", rejected[0].Data.(map[string]interface{})["windowId"])

	// The broadcast frame carries only the applied action.
	frames := h.sink.events(t)
	require.Len(t, frames, 1)
	require.Len(t, frames[0].Actions, 1)
	assert.Equal(t, protocol.ActionWindowCreate, frames[0].Actions[0].Type)
}

func TestEmitActionsFullyRejectedBatch(t *testing.T) {
	h := setupEmitter(t)

	err := h.emitter.EmitActions(context.Background(), "main-monitor-1", []protocol.Action{
		{Type: protocol.ActionWindowSetTitle, WindowID: "ghost", Title: "nope"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, desktop.ErrWindowNotFound)
	assert.Empty(t, h.sink.frames)
}

func TestEmitActionsEnforcesLockOwnership(t *testing.T) {
	h := setupEmitter(t)

	require.NoError(t, h.emitter.EmitActions(context.Background(), "window-win-1", []protocol.Action{
		protocol.NewWindowCreate("win-1", "Notes", protocol.Bounds{W: 100, H: 100}, nil),
		protocol.NewWindowLock("win-1", "window-win-1"),
	}))

	// Another agent's lock attempt is refused and dropped from the batch.
	err := h.emitter.EmitActions(context.Background(), "main-monitor-1", []protocol.Action{
		{Type: protocol.ActionWindowLock, WindowID: "win-1"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, desktop.ErrLockHeld)

	w, ok := h.registry.GetWindow("win-1")
	require.True(t, ok)
	assert.Equal(t, "window-win-1", w.LockedBy)
}

func TestEmitActionsBroadcastsWhenAgentUnmapped(t *testing.T) {
	h := setupEmitter(t)
	other := &recordingSink{}
	h.center.Subscribe("conn-2", other)

	// Restore replay emits with no agent; every connection mirrors it.
	require.NoError(t, h.emitter.EmitActions(context.Background(), "", []protocol.Action{
		protocol.NewWindowCreate("win-1", "Restored", protocol.Bounds{W: 100, H: 100}, nil),
	}))

	assert.Len(t, h.sink.events(t), 1)
	assert.Len(t, other.events(t), 1)
}

func TestEmitActionsEmptyBatch(t *testing.T) {
	h := setupEmitter(t)
	require.NoError(t, h.emitter.EmitActions(context.Background(), "main-monitor-1", nil))
	assert.Empty(t, h.sink.frames)
}
