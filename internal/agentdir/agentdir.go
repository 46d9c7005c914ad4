// Package agentdir tracks the worker fleet: agents, their pool membership
// and the stream-scoped bindings from graph agent types to pools. The
// dispatch queue consults it to decide where a batch can run.
package agentdir

import (
	"context"
	"time"
)

// Agent is one worker machine.
type Agent struct {
	ID         string            `json:"id"`
	Pools      []string          `json:"pools,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	Workspaces []string          `json:"workspaces,omitempty"`
	Enabled    bool              `json:"enabled"`
	SessionID  string            `json:"session_id,omitempty"`
	// LeaseID is the lease the agent is currently executing, empty when
	// idle. An agent runs at most one lease at a time.
	LeaseID string `json:"lease_id,omitempty"`
	// RequiresConform marks the host as being in a known-bad state that
	// needs cleanup before it takes more work.
	RequiresConform bool      `json:"requires_conform,omitempty"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
}

// Pool is a named set of agents, by explicit membership or by property
// condition.
type Pool struct {
	ID string `json:"id"`
	// Condition matches agents by properties: comma-separated key=value
	// pairs that must all hold. Empty matches only explicit members.
	Condition string `json:"condition,omitempty"`
}

// Binding resolves a graph agent type within a stream to the pool that runs
// it and the workspace the agent must sync.
type Binding struct {
	AgentType string `json:"agent_type"`
	PoolID    string `json:"pool_id"`
	Workspace string `json:"workspace,omitempty"`
}

// Directory is the read/flag surface the dispatcher uses.
type Directory interface {
	ListAgents(ctx context.Context) ([]*Agent, error)
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListPools(ctx context.Context) ([]*Pool, error)

	// Online reports whether an agent heartbeated recently enough to be
	// offered work.
	Online(a *Agent) bool

	// ResolveAgentType returns the binding for an agent type in a stream,
	// or nil when the stream does not define it.
	ResolveAgentType(ctx context.Context, streamID, agentType string) (*Binding, error)

	// MarkForConform flags an agent's host for cleanup. Returns true when
	// the flag was newly set, false when it was already pending.
	MarkForConform(ctx context.Context, id string) (bool, error)

	// ClearConform removes the cleanup flag once the host reports the
	// conform done.
	ClearConform(ctx context.Context, id string) error

	// SetLease and ClearLease record which lease an agent is executing.
	SetLease(ctx context.Context, agentID, leaseID string) error
	ClearLease(ctx context.Context, agentID string) error
}
