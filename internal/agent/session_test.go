package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skylightos/skylight/internal/common/logger"
	"github.com/skylightos/skylight/internal/transcript"
	"github.com/skylightos/skylight/pkg/protocol"
)

type fakeEmitter struct {
	mu      sync.Mutex
	batches [][]protocol.Action
	roles   []string
	fail    error
}

func (f *fakeEmitter) EmitActions(ctx context.Context, role string, actions []protocol.Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.batches = append(f.batches, actions)
	f.roles = append(f.roles, role)
	return nil
}

func (f *fakeEmitter) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

type fakePublisher struct {
	mu           sync.Mutex
	events       []*protocol.ServerEvent
	unregistered []string
}

func (f *fakePublisher) PublishToAgent(event *protocol.ServerEvent, role string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return true
}

func (f *fakePublisher) UnregisterAgent(role string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unregistered = append(f.unregistered, role)
}

func (f *fakePublisher) eventTypes() []protocol.ServerEventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]protocol.ServerEventType, len(f.events))
	for i, e := range f.events {
		types[i] = e.Type
	}
	return types
}

func (f *fakePublisher) lastEvent() *protocol.ServerEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return nil
	}
	return f.events[len(f.events)-1]
}

type loggedTurn struct {
	kind, agent, content string
}

type fakeTurnLog struct {
	mu      sync.Mutex
	entries []loggedTurn
}

func (f *fakeTurnLog) append(kind, agent, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, loggedTurn{kind: kind, agent: agent, content: content})
	return nil
}

func (f *fakeTurnLog) LogUser(agentID, content string) error {
	return f.append("user", agentID, content)
}

func (f *fakeTurnLog) LogAssistant(agentID, content string) error {
	return f.append("assistant", agentID, content)
}

func (f *fakeTurnLog) LogThinking(agentID, content string) error {
	return f.append("thinking", agentID, content)
}

func (f *fakeTurnLog) LogToolUse(agentID, toolName, toolInput, toolUseID string) error {
	return f.append("tool_use", agentID, toolName)
}

func (f *fakeTurnLog) LogToolResult(agentID, toolName, toolUseID, content string) error {
	return f.append("tool_result", agentID, toolName)
}

func (f *fakeTurnLog) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.entries))
	for i, e := range f.entries {
		out[i] = e.kind
	}
	return out
}

type fakeRegistrar struct {
	mu     sync.Mutex
	agents map[string]string // agentID -> parent
}

func (f *fakeRegistrar) RegisterAgent(agentID, parentAgentID, windowID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.agents == nil {
		f.agents = make(map[string]string)
	}
	f.agents[agentID] = parentAgentID
	return nil
}

func testSessionLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

type sessionHarness struct {
	session   *Session
	tape      *transcript.Tape
	emitter   *fakeEmitter
	publisher *fakePublisher
	turnLog   *fakeTurnLog
	released  *int
}

func setupSession(t *testing.T, rules []ScriptRule) *sessionHarness {
	t.Helper()
	h := &sessionHarness{
		tape:      transcript.NewTape(0),
		emitter:   &fakeEmitter{},
		publisher: &fakePublisher{},
		turnLog:   &fakeTurnLog{},
		released:  new(int),
	}
	h.session = NewSession(SessionConfig{
		Role:      "main-monitor-1",
		MonitorID: "monitor-1",
		Provider:  NewScriptedProvider(rules),
		Tape:      h.tape,
		Emitter:   h.emitter,
		Publisher: h.publisher,
		TurnLog:   h.turnLog,
		Release:   func() { *h.released++ },
		Logger:    testSessionLogger(t),
	})
	h.session.Start()
	return h
}

func TestSessionHandleCompletesTurn(t *testing.T) {
	h := setupSession(t, []ScriptRule{{
		Thinking: []string{"planning"},
		ToolName: "create_window",
		Actions: []protocol.Action{
			protocol.NewWindowCreate("win-1", "Notes", protocol.Bounds{W: 400, H: 300}, nil),
		},
		Response: []string{"Created ", "a notes window."},
	}})

	require.Equal(t, StateIdle, h.session.State())

	result, err := h.session.Handle(context.Background(), Turn{
		Prompt:  "make a notes window",
		Content: "make a notes window",
	})
	require.NoError(t, err)
	assert.Equal(t, "Created a notes window.", result.Content)
	assert.Equal(t, StateIdle, h.session.State())

	// The turn reports the actions it emitted so processors can record them.
	require.Len(t, result.Actions, 1)
	assert.Equal(t, protocol.ActionWindowCreate, result.Actions[0].Type)

	// Completed turns land on the tape as one user/assistant pair.
	messages := h.tape.GetMessages(transcript.GetOptions{})
	require.Len(t, messages, 2)
	assert.Equal(t, transcript.RoleUser, messages[0].Role)
	assert.Equal(t, "make a notes window", messages[0].Content)
	assert.Equal(t, transcript.RoleAssistant, messages[1].Role)
	assert.Equal(t, "Created a notes window.", messages[1].Content)

	// Actions went through the emitter, not directly to the publisher.
	require.Equal(t, 1, h.emitter.batchCount())
	assert.Equal(t, "main-monitor-1", h.emitter.roles[0])

	types := h.publisher.eventTypes()
	assert.Contains(t, types, protocol.ServerAgentThinking)
	assert.Contains(t, types, protocol.ServerToolProgress)
	// Final frame is the complete response.
	last := h.publisher.lastEvent()
	require.NotNil(t, last)
	assert.Equal(t, protocol.ServerAgentResponse, last.Type)
	require.NotNil(t, last.IsComplete)
	assert.True(t, *last.IsComplete)

	assert.Equal(t, []string{"user", "thinking", "tool_use", "tool_result", "assistant"}, h.turnLog.kinds())
}

func TestSessionHandleReentrant(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := setupSession(t, []ScriptRule{{
			Response:   []string{"slow", " reply"},
			ChunkDelay: time.Second,
		}})

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.session.Handle(context.Background(), Turn{Prompt: "p", Content: "p"})
			assert.NoError(t, err)
		}()
		synctest.Wait()

		require.Equal(t, StateRunning, h.session.State())
		_, err := h.session.Handle(context.Background(), Turn{Prompt: "q", Content: "q"})
		assert.ErrorIs(t, err, ErrSessionBusy)

		wg.Wait()
		assert.Equal(t, StateIdle, h.session.State())
	})
}

func TestSessionInterruptDropsPartialTurn(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := setupSession(t, []ScriptRule{{
			Response:   []string{"first", "second", "third"},
			ChunkDelay: time.Second,
		}})

		var handleErr error
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, handleErr = h.session.Handle(context.Background(), Turn{Prompt: "p", Content: "p"})
		}()
		synctest.Wait()
		require.Equal(t, StateRunning, h.session.State())

		h.session.Interrupt()
		wg.Wait()

		assert.ErrorIs(t, handleErr, ErrInterrupted)
		assert.Equal(t, StateIdle, h.session.State())
		// No partial append: the tape never saw the turn.
		assert.Equal(t, 0, h.tape.Len())

		// Interrupting an idle session is a no-op.
		h.session.Interrupt()
		assert.Equal(t, StateIdle, h.session.State())
	})
}

func TestSessionProviderErrorReturnsToIdle(t *testing.T) {
	boom := errors.New("stream exploded")
	h := setupSession(t, []ScriptRule{{
		Thinking: []string{"about to fail"},
		Err:      boom,
	}})

	_, err := h.session.Handle(context.Background(), Turn{Prompt: "p", Content: "p"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateIdle, h.session.State())
	assert.Equal(t, 0, h.tape.Len())

	last := h.publisher.lastEvent()
	require.NotNil(t, last)
	assert.Equal(t, protocol.ServerError, last.Type)
	assert.Contains(t, last.Error, "stream exploded")
}

func TestSessionDispose(t *testing.T) {
	h := setupSession(t, nil)

	h.session.Dispose()
	assert.Equal(t, StateDisposed, h.session.State())
	assert.Equal(t, 1, *h.released)
	assert.Equal(t, []string{"main-monitor-1"}, h.publisher.unregistered)

	_, err := h.session.Handle(context.Background(), Turn{Prompt: "p", Content: "p"})
	assert.ErrorIs(t, err, ErrSessionDisposed)

	// Double dispose must not release the slot twice.
	h.session.Dispose()
	assert.Equal(t, 1, *h.released)
}

func TestSessionSkipTape(t *testing.T) {
	h := setupSession(t, []ScriptRule{{Response: []string{"done"}}})

	result, err := h.session.Handle(context.Background(), Turn{
		Prompt:   "background job",
		Content:  "background job",
		SkipTape: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "done", result.Content)
	assert.Equal(t, 0, h.tape.Len())
}

func TestSessionWindowTurnScopesTape(t *testing.T) {
	h := setupSession(t, []ScriptRule{{Response: []string{"updated"}}})

	_, err := h.session.Handle(context.Background(), Turn{
		Prompt:   "add a heading",
		Content:  "add a heading",
		WindowID: "win-1",
	})
	require.NoError(t, err)

	main := h.tape.GetMessages(transcript.GetOptions{})
	assert.Empty(t, main)
	scoped := h.tape.GetMessages(transcript.GetOptions{IncludeWindows: true, WindowIDs: []string{"win-1"}})
	require.Len(t, scoped, 2)
	assert.Equal(t, "win-1", scoped[0].WindowID)
}
