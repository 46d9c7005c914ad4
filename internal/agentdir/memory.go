package agentdir

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultHeartbeatTTL is how long after its last heartbeat an agent still
// counts as online.
const DefaultHeartbeatTTL = 60 * time.Second

// Memory is an in-process Directory fed by agent registration and
// heartbeats.
type Memory struct {
	mu       sync.RWMutex
	agents   map[string]*Agent
	pools    map[string]*Pool
	bindings map[string]map[string]*Binding // stream -> agent type (folded)
	ttl      time.Duration
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		agents:   make(map[string]*Agent),
		pools:    make(map[string]*Pool),
		bindings: make(map[string]map[string]*Binding),
		ttl:      DefaultHeartbeatTTL,
		now:      time.Now,
	}
}

// AddPool registers or replaces a pool definition.
func (m *Memory) AddPool(p Pool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := p
	m.pools[p.ID] = &cp
}

// Bind maps a graph agent type within a stream to a pool and workspace.
func (m *Memory) Bind(streamID string, b Binding) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byType := m.bindings[streamID]
	if byType == nil {
		byType = make(map[string]*Binding)
		m.bindings[streamID] = byType
	}
	cp := b
	byType[strings.ToLower(b.AgentType)] = &cp
}

// Register adds an agent or replaces its registration, starting a fresh
// heartbeat window. The agent comes back enabled with its conform flag kept.
func (m *Memory) Register(a Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := a
	cp.LastHeartbeat = m.now()
	if prev, ok := m.agents[a.ID]; ok {
		cp.RequiresConform = prev.RequiresConform
	}
	m.agents[a.ID] = &cp
}

// Heartbeat refreshes an agent's online window.
func (m *Memory) Heartbeat(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return fmt.Errorf("agent %q not registered", id)
	}
	a.LastHeartbeat = m.now()
	return nil
}

// SetEnabled flips an agent in or out of scheduling.
func (m *Memory) SetEnabled(id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return fmt.Errorf("agent %q not registered", id)
	}
	a.Enabled = enabled
	return nil
}

// Online reports whether the agent heartbeated within the TTL.
func (m *Memory) Online(a *Agent) bool {
	return m.now().Sub(a.LastHeartbeat) <= m.ttl
}

// InPool reports pool membership: explicit pool id or a matching property
// condition.
func InPool(a *Agent, p *Pool) bool {
	for _, id := range a.Pools {
		if id == p.ID {
			return true
		}
	}
	if p.Condition == "" {
		return false
	}
	for _, clause := range strings.Split(p.Condition, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(clause), "=")
		if !ok || a.Properties[key] != value {
			return false
		}
	}
	return true
}

func (m *Memory) ListAgents(ctx context.Context) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (m *Memory) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %q not registered", id)
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) ListPools(ctx context.Context) ([]*Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (m *Memory) ResolveAgentType(ctx context.Context, streamID, agentType string) (*Binding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b := m.bindings[streamID][strings.ToLower(agentType)]
	if b == nil {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (m *Memory) MarkForConform(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return false, fmt.Errorf("agent %q not registered", id)
	}
	if a.RequiresConform {
		return false, nil
	}
	a.RequiresConform = true
	return true, nil
}

func (m *Memory) ClearConform(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return fmt.Errorf("agent %q not registered", id)
	}
	a.RequiresConform = false
	return nil
}

func (m *Memory) SetLease(ctx context.Context, agentID, leaseID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return fmt.Errorf("agent %q not registered", agentID)
	}
	if a.LeaseID != "" && a.LeaseID != leaseID {
		return fmt.Errorf("agent %q already executing lease %s", agentID, a.LeaseID)
	}
	a.LeaseID = leaseID
	return nil
}

func (m *Memory) ClearLease(ctx context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.agents[agentID]; ok {
		a.LeaseID = ""
	}
	return nil
}
