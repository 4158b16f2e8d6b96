package domain

import (
	"time"
)

// Agent is the character owning a chat room. Locked is the per-agent
// mutual-exclusion flag checked before any handler runs.
type Agent struct {
	AgentID   string    `json:"agent_id"`
	CreatedBy string    `json:"created_by"`
	Name      string    `json:"name"`
	Locked    bool      `json:"locked"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
