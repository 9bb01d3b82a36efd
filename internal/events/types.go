// Package events provides event types and utilities for the Skylight event system.
package events

// Event types for desktop actions
const (
	ActionEmitted   = "desktop.action.emitted"  // A batch of actions was applied and broadcast
	ActionRejected  = "desktop.action.rejected" // An action was refused by the registry (lock violation)
	WindowClosed    = "desktop.window.closed"
	WindowCreated   = "desktop.window.created"
	DesktopRestored = "desktop.restored" // Boot restore replayed a previous session
)

// Event types for agent sessions
const (
	AgentCreated     = "agent.session.created"
	AgentDisposed    = "agent.session.disposed"
	AgentInterrupted = "agent.session.interrupted"
	AgentTurnStarted = "agent.turn.started"
	AgentTurnEnded   = "agent.turn.ended"
	AgentTurnFailed  = "agent.turn.failed"
)

// Event types for the reload cache
const (
	CacheRecorded    = "cache.entry.recorded"
	CacheReplayed    = "cache.entry.replayed"
	CacheInvalidated = "cache.entry.invalidated"
)

// Event types for session logs
const (
	SessionOpened = "session.log.opened"
	SessionClosed = "session.log.closed"
)

// Event types for pool lifecycle
const (
	PoolReset = "pool.reset"
)

// BuildAgentTurnSubject creates a turn subject scoped to one agent role.
func BuildAgentTurnSubject(role string) string {
	return AgentTurnStarted + "." + role
}

// BuildAgentLifecycleWildcard subscribes to all agent session lifecycle events.
func BuildAgentLifecycleWildcard() string {
	return "agent.session.*"
}

// BuildCacheWildcard subscribes to all reload cache events.
func BuildCacheWildcard() string {
	return "cache.entry.*"
}

// BuildSessionLogWildcard subscribes to session log open/close events.
func BuildSessionLogWildcard() string {
	return "session.log.*"
}
