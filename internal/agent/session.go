package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skylightos/skylight/internal/common/logger"
	"github.com/skylightos/skylight/internal/transcript"
	"github.com/skylightos/skylight/pkg/protocol"
)

// Session lifecycle states.
const (
	StateCreated      = "created"
	StateIdle         = "idle"
	StateRunning      = "running"
	StateInterrupting = "interrupting"
	StateDisposed     = "disposed"
)

// Role prefixes. The role both names a session and routes events to it.
const (
	RoleMainPrefix      = "main-"
	RoleWindowPrefix    = "window-"
	RoleEphemeralPrefix = "ephemeral-"
	RoleTaskPrefix      = "task-"
)

var (
	// ErrSessionBusy is returned when Handle is called while a turn is
	// already in flight. Reentrant handling is a caller bug.
	ErrSessionBusy = errors.New("agent: session already handling a task")

	// ErrSessionDisposed is returned when a disposed session is asked to run.
	ErrSessionDisposed = errors.New("agent: session is disposed")

	// ErrInterrupted is returned by Handle when the turn was cancelled.
	ErrInterrupted = errors.New("agent: turn interrupted")
)

// ActionEmitter applies a batch of desktop actions and fans it out: registry
// fold, session log, broadcast to every connection.
type ActionEmitter interface {
	EmitActions(ctx context.Context, agentRole string, actions []protocol.Action) error
}

// EventPublisher delivers protocol events to the connection an agent is
// registered on. Satisfied by broadcast.Center.
type EventPublisher interface {
	PublishToAgent(event *protocol.ServerEvent, role string) bool
	UnregisterAgent(role string)
}

// TurnLogger records turn traffic in the session log. Satisfied by
// sessionlog.Logger.
type TurnLogger interface {
	LogUser(agentID, content string) error
	LogAssistant(agentID, content string) error
	LogThinking(agentID, content string) error
	LogToolUse(agentID, toolName, toolInput, toolUseID string) error
	LogToolResult(agentID, toolName, toolUseID, content string) error
}

// Turn is one unit of work for a session: the fully assembled prompt sent to
// the provider, plus the raw user content recorded on completion.
type Turn struct {
	// Prompt is what the provider sees: conversation context, drained
	// interactions, hints, and the user content.
	Prompt string

	// Content is the bare user message appended to the context tape when the
	// turn completes. Interrupted turns append nothing.
	Content string

	// WindowID scopes the tape append; empty means the shared main context.
	WindowID string

	// SkipTape suppresses the tape append entirely. One-off task agents run
	// outside the shared conversation.
	SkipTape bool
}

// TurnResult is what a completed turn produced: the final assistant message
// and every action batch the provider emitted, in order. Processors feed the
// actions to the reload cache.
type TurnResult struct {
	Content string
	Actions []protocol.Action
}

// Session is one live agent: a provider handle plus the role under which its
// events are routed. A session runs at most one turn at a time.
type Session struct {
	Role      string
	MonitorID string
	WindowID  string
	CreatedAt time.Time

	provider  Provider
	tape      *transcript.Tape
	emitter   ActionEmitter
	publisher EventPublisher
	turnLog   TurnLogger
	logger    *logger.Logger

	mu         sync.Mutex
	state      string
	cancelTurn context.CancelFunc
	turnDone   chan struct{}
	release    func()
}

// SessionConfig carries everything a new session needs. The release hook
// returns the limiter slot the pool acquired for this session.
type SessionConfig struct {
	Role      string
	MonitorID string
	WindowID  string
	Provider  Provider
	Tape      *transcript.Tape
	Emitter   ActionEmitter
	Publisher EventPublisher
	TurnLog   TurnLogger
	Release   func()
	Logger    *logger.Logger
}

// NewSession creates a session in the created state.
func NewSession(cfg SessionConfig) *Session {
	return &Session{
		Role:      cfg.Role,
		MonitorID: cfg.MonitorID,
		WindowID:  cfg.WindowID,
		CreatedAt: time.Now().UTC(),
		provider:  cfg.Provider,
		tape:      cfg.Tape,
		emitter:   cfg.Emitter,
		publisher: cfg.Publisher,
		turnLog:   cfg.TurnLog,
		release:   cfg.Release,
		logger: cfg.Logger.WithFields(
			zap.String("component", "agent-session"),
			zap.String("role", cfg.Role)),
		state: StateCreated,
	}
}

// Start moves the session from created to idle.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateCreated {
		s.state = StateIdle
	}
}

// State returns the current lifecycle state.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Busy reports whether a turn is in flight.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateRunning || s.state == StateInterrupting
}

// Handle runs one turn: streams the provider, forwards thinking and response
// chunks to the agent's connection, routes emitted actions, and on clean
// completion appends the user/assistant exchange to the context tape. It
// returns the final assistant message plus the actions the turn emitted.
func (s *Session) Handle(ctx context.Context, turn Turn) (TurnResult, error) {
	s.mu.Lock()
	switch s.state {
	case StateDisposed:
		s.mu.Unlock()
		return TurnResult{}, ErrSessionDisposed
	case StateRunning, StateInterrupting:
		state := s.state
		s.mu.Unlock()
		s.logger.Error("reentrant handle rejected", zap.String("state", state))
		return TurnResult{}, ErrSessionBusy
	}
	turnCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.state = StateRunning
	s.cancelTurn = cancel
	s.turnDone = done
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		if s.state == StateRunning || s.state == StateInterrupting {
			s.state = StateIdle
		}
		s.cancelTurn = nil
		s.turnDone = nil
		s.mu.Unlock()
		close(done)
	}()

	if err := s.turnLog.LogUser(s.Role, turn.Content); err != nil {
		s.logger.Warn("failed to log user message", zap.Error(err))
	}

	stream, err := s.provider.Stream(turnCtx, turn.Prompt)
	if err != nil {
		s.publisher.PublishToAgent(protocol.NewErrorEvent(err.Error()), s.Role)
		return TurnResult{}, err
	}

	var response strings.Builder
	var emitted []protocol.Action
	for event := range stream {
		switch event.Type {
		case StreamThinking:
			s.publisher.PublishToAgent(protocol.NewAgentThinking(s.Role, event.Text), s.Role)
			if err := s.turnLog.LogThinking(s.Role, event.Text); err != nil {
				s.logger.Warn("failed to log thinking", zap.Error(err))
			}
		case StreamResponse:
			response.WriteString(event.Text)
			s.publisher.PublishToAgent(protocol.NewAgentResponse(s.Role, event.Text, false), s.Role)
		case StreamToolUse:
			s.publisher.PublishToAgent(protocol.NewToolProgress(s.Role, event.ToolName, protocol.ToolStatusRunning), s.Role)
			if err := s.turnLog.LogToolUse(s.Role, event.ToolName, "", ""); err != nil {
				s.logger.Warn("failed to log tool use", zap.Error(err))
			}
		case StreamToolResult:
			s.publisher.PublishToAgent(protocol.NewToolProgress(s.Role, event.ToolName, protocol.ToolStatusComplete), s.Role)
			if err := s.turnLog.LogToolResult(s.Role, event.ToolName, "", event.Text); err != nil {
				s.logger.Warn("failed to log tool result", zap.Error(err))
			}
		case StreamActions:
			if err := s.emitter.EmitActions(turnCtx, s.Role, event.Actions); err != nil {
				s.logger.Warn("failed to emit actions", zap.Error(err))
				continue
			}
			emitted = append(emitted, event.Actions...)
		case StreamError:
			s.logger.Warn("provider stream failed", zap.Error(event.Err))
			s.publisher.PublishToAgent(protocol.NewErrorEvent(event.Err.Error()), s.Role)
			return TurnResult{}, event.Err
		}
	}

	if turnCtx.Err() != nil {
		// Interrupted turns leave no trace in the tape.
		return TurnResult{}, ErrInterrupted
	}

	final := response.String()
	s.publisher.PublishToAgent(protocol.NewAgentResponse(s.Role, final, true), s.Role)

	if !turn.SkipTape {
		s.tape.Append(transcript.RoleUser, turn.Content, turn.WindowID)
		s.tape.Append(transcript.RoleAssistant, final, turn.WindowID)
	}
	if err := s.turnLog.LogAssistant(s.Role, final); err != nil {
		s.logger.Warn("failed to log assistant message", zap.Error(err))
	}
	return TurnResult{Content: final, Actions: emitted}, nil
}

// Interrupt cancels the in-flight turn. Idle sessions ignore it; a second
// interrupt during teardown returns immediately.
func (s *Session) Interrupt() {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = StateInterrupting
	cancel := s.cancelTurn
	s.mu.Unlock()

	s.logger.Info("interrupting turn")
	if cancel != nil {
		cancel()
	}
}

// AwaitIdle blocks until the in-flight turn (if any) has finished or the
// context expires.
func (s *Session) AwaitIdle(ctx context.Context) error {
	s.mu.Lock()
	done := s.turnDone
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispose tears the session down: cancels any in-flight turn, closes the
// provider handle, releases the limiter slot, and unregisters the role from
// the broadcast center. Disposing twice is a caller bug and a no-op.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		s.logger.Error("dispose called on disposed session")
		return
	}
	s.state = StateDisposed
	cancel := s.cancelTurn
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if err := s.provider.Close(); err != nil {
		s.logger.Warn("failed to close provider", zap.Error(err))
	}
	if s.release != nil {
		s.release()
	}
	s.publisher.UnregisterAgent(s.Role)
	s.logger.Debug("session disposed")
}
