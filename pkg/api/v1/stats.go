package v1

import "time"

// AgentStats summarizes the agent pool.
type AgentStats struct {
	Total   int            `json:"total"`
	Idle    int            `json:"idle"`
	Busy    int            `json:"busy"`
	ByRole  map[string]int `json:"byRole"`
	InUse   int            `json:"limiterInUse"`
	Waiting int            `json:"limiterWaiting"`
}

// PoolStats is the full snapshot returned by the context pool.
type PoolStats struct {
	Agents        AgentStats     `json:"agents"`
	Monitors      []string       `json:"monitors"`
	QueueDepth    map[string]int `json:"queueDepth"`
	Windows       int            `json:"windows"`
	WindowAgents  int            `json:"windowAgents"`
	TapeMessages  int            `json:"tapeMessages"`
	TimelineSize  int            `json:"timelineSize"`
	CacheEntries  int            `json:"cacheEntries"`
	Resetting     bool           `json:"resetting"`
	Provider      string         `json:"provider"`
	SessionDir    string         `json:"sessionDir,omitempty"`
	Connections   int            `json:"connections"`
	BudgetCounted map[string]int `json:"budgetInFlight,omitempty"`
}

// SessionSummary is one catalog row returned by the sessions listing.
type SessionSummary struct {
	ID           string    `json:"id" db:"id"`
	Dir          string    `json:"dir" db:"dir"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
	Provider     string    `json:"provider" db:"provider"`
	LastActivity time.Time `json:"lastActivity" db:"last_activity"`
	AgentCount   int       `json:"agentCount" db:"agent_count"`
	MessageCount int       `json:"messageCount" db:"message_count"`
}
