package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/skylightos/skylight/internal/common/logger"
	"github.com/skylightos/skylight/internal/events"
	"github.com/skylightos/skylight/internal/events/bus"
	"github.com/skylightos/skylight/internal/transcript"
	v1 "github.com/skylightos/skylight/pkg/api/v1"
)

// ErrRoleExists is returned when a session with the same role is already
// live. Processors serialize creation per monitor and per window, so hitting
// this means two drain loops raced.
var ErrRoleExists = errors.New("agent: session role already exists")

// AgentRegistrar records agent lineage in the session log metadata.
// Satisfied by sessionlog.Logger.
type AgentRegistrar interface {
	RegisterAgent(agentID, parentAgentID, windowID string) error
}

// Pool owns every live agent session, indexed by role. All creations go
// through the shared limiter: a session exists if and only if it holds a
// limiter slot, and Dispose returns the slot.
type Pool struct {
	limiter   *Limiter
	providers *Providers
	tape      *transcript.Tape
	emitter   ActionEmitter
	publisher EventPublisher
	turnLog   TurnLogger
	registrar AgentRegistrar
	eventBus  bus.EventBus
	logger    *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	seq atomic.Uint64
}

// PoolConfig wires a Pool's collaborators.
type PoolConfig struct {
	Limiter   *Limiter
	Providers *Providers
	Tape      *transcript.Tape
	Emitter   ActionEmitter
	Publisher EventPublisher
	TurnLog   TurnLogger
	Registrar AgentRegistrar
	EventBus  bus.EventBus
	Logger    *logger.Logger
}

// NewPool creates an empty session pool.
func NewPool(cfg PoolConfig) *Pool {
	return &Pool{
		limiter:   cfg.Limiter,
		providers: cfg.Providers,
		tape:      cfg.Tape,
		emitter:   cfg.Emitter,
		publisher: cfg.Publisher,
		turnLog:   cfg.TurnLog,
		registrar: cfg.Registrar,
		eventBus:  cfg.EventBus,
		logger:    cfg.Logger.WithFields(zap.String("component", "agent-pool")),
		sessions:  make(map[string]*Session),
	}
}

// CreateMainAgent spawns the persistent main agent for a monitor.
func (p *Pool) CreateMainAgent(ctx context.Context, monitorID string) (*Session, error) {
	return p.create(ctx, createSpec{
		role:      RoleMainPrefix + monitorID,
		monitorID: monitorID,
	})
}

// CreateWindowAgent spawns the dedicated agent for a window. The parent role
// is recorded in the session log so transcripts show the spawn chain.
func (p *Pool) CreateWindowAgent(ctx context.Context, windowID, parentRole string) (*Session, error) {
	return p.create(ctx, createSpec{
		role:       RoleWindowPrefix + windowID,
		windowID:   windowID,
		parentRole: parentRole,
	})
}

// CreateEphemeral spawns a throwaway main-context agent used when the
// monitor's main agent is busy. The caller disposes it after one turn.
func (p *Pool) CreateEphemeral(ctx context.Context, monitorID string) (*Session, error) {
	return p.create(ctx, createSpec{
		role:       fmt.Sprintf("%s%d", RoleEphemeralPrefix, p.seq.Add(1)),
		monitorID:  monitorID,
		parentRole: RoleMainPrefix + monitorID,
	})
}

// CreateTask spawns a one-off agent for a dispatched background task.
func (p *Pool) CreateTask(ctx context.Context, profile string) (*Session, error) {
	s, err := p.create(ctx, createSpec{
		role: fmt.Sprintf("%s%d", RoleTaskPrefix, p.seq.Add(1)),
	})
	if err != nil {
		return nil, err
	}
	p.logger.Debug("task agent created",
		zap.String("role", s.Role),
		zap.String("profile", profile))
	return s, nil
}

type createSpec struct {
	role       string
	monitorID  string
	windowID   string
	parentRole string
}

// create acquires a limiter slot, takes a provider handle, and registers the
// session. Any failure undoes everything it did, leaving no trace.
func (p *Pool) create(ctx context.Context, spec createSpec) (*Session, error) {
	if err := p.limiter.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("agent limit: %w", err)
	}

	provider, err := p.providers.Get(ctx)
	if err != nil {
		p.limiter.Release()
		return nil, fmt.Errorf("provider unavailable: %w", err)
	}

	session := NewSession(SessionConfig{
		Role:      spec.role,
		MonitorID: spec.monitorID,
		WindowID:  spec.windowID,
		Provider:  provider,
		Tape:      p.tape,
		Emitter:   p.emitter,
		Publisher: p.publisher,
		TurnLog:   p.turnLog,
		Release:   p.limiter.Release,
		Logger:    p.logger,
	})

	p.mu.Lock()
	if _, exists := p.sessions[spec.role]; exists {
		p.mu.Unlock()
		// Unused handles go back to the warm pool.
		p.providers.Put(provider)
		p.limiter.Release()
		return nil, fmt.Errorf("%w: %s", ErrRoleExists, spec.role)
	}
	p.sessions[spec.role] = session
	p.mu.Unlock()

	session.Start()

	if p.registrar != nil {
		if err := p.registrar.RegisterAgent(spec.role, spec.parentRole, spec.windowID); err != nil {
			p.logger.Warn("failed to register agent in session log", zap.Error(err))
		}
	}
	p.publishLifecycle(events.AgentCreated, session)
	p.logger.Info("agent session created",
		zap.String("role", spec.role),
		zap.Int("in_use", p.limiter.InUse()))
	return session, nil
}

// GetByRole returns the live session for a role, or nil.
func (p *Pool) GetByRole(role string) *Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sessions[role]
}

// HasRolePrefix reports whether any live session's role starts with prefix.
func (p *Pool) HasRolePrefix(prefix string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for role := range p.sessions {
		if strings.HasPrefix(role, prefix) {
			return true
		}
	}
	return false
}

// Sessions returns a snapshot of all live sessions.
func (p *Pool) Sessions() []*Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s)
	}
	return out
}

// InterruptAll cancels every in-flight turn.
func (p *Pool) InterruptAll() {
	for _, s := range p.Sessions() {
		p.interrupt(s)
	}
}

// InterruptByRole cancels the in-flight turn of one session. Returns false
// when no session has that role.
func (p *Pool) InterruptByRole(role string) bool {
	s := p.GetByRole(role)
	if s == nil {
		return false
	}
	p.interrupt(s)
	return true
}

func (p *Pool) interrupt(s *Session) {
	if !s.Busy() {
		return
	}
	s.Interrupt()
	p.publishLifecycle(events.AgentInterrupted, s)
}

// Dispose removes a session from the pool and tears it down. Returns false
// when no session has that role.
func (p *Pool) Dispose(role string) bool {
	p.mu.Lock()
	s, ok := p.sessions[role]
	if ok {
		delete(p.sessions, role)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}

	s.Dispose()
	p.publishLifecycle(events.AgentDisposed, s)
	return true
}

// AwaitAllIdle blocks until every in-flight turn has finished or the context
// expires. New turns started while waiting are not waited for.
func (p *Pool) AwaitAllIdle(ctx context.Context) error {
	for _, s := range p.Sessions() {
		if err := s.AwaitIdle(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Cleanup disposes every session.
func (p *Pool) Cleanup() {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()

	for role, s := range sessions {
		s.Dispose()
		p.publishLifecycle(events.AgentDisposed, s)
		p.logger.Debug("session cleaned up", zap.String("role", role))
	}
}

// Stats counts sessions by state and role, plus limiter occupancy.
func (p *Pool) Stats() v1.AgentStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := v1.AgentStats{
		Total:   len(p.sessions),
		ByRole:  make(map[string]int, 4),
		InUse:   p.limiter.InUse(),
		Waiting: p.limiter.Waiting(),
	}
	for role, s := range p.sessions {
		stats.ByRole[roleClass(role)]++
		state := s.State()
		if state == StateRunning || state == StateInterrupting {
			stats.Busy++
		} else {
			stats.Idle++
		}
	}
	return stats
}

// roleClass buckets a role by its prefix: main, window, ephemeral, task.
func roleClass(role string) string {
	if i := strings.Index(role, "-"); i > 0 {
		return role[:i]
	}
	return role
}

func (p *Pool) publishLifecycle(eventType string, s *Session) {
	if p.eventBus == nil {
		return
	}
	data := map[string]interface{}{"role": s.Role}
	if s.MonitorID != "" {
		data["monitorId"] = s.MonitorID
	}
	if s.WindowID != "" {
		data["windowId"] = s.WindowID
	}
	event := bus.NewEvent(eventType, "agent-pool", data)
	if err := p.eventBus.Publish(context.Background(), eventType, event); err != nil {
		p.logger.Warn("failed to publish lifecycle event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
