package agentdir

import (
	"context"
	"testing"
	"time"
)

func TestMemoryRegisterAndHeartbeat(t *testing.T) {
	m := NewMemory()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	m.Register(Agent{ID: "agent-1", Enabled: true, Pools: []string{"pool-linux"}})

	a, err := m.GetAgent(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("GetAgent() error: %v", err)
	}
	if !m.Online(a) {
		t.Error("freshly registered agent not online")
	}

	now = now.Add(2 * DefaultHeartbeatTTL)
	a, _ = m.GetAgent(context.Background(), "agent-1")
	if m.Online(a) {
		t.Error("agent online after missing heartbeats")
	}

	if err := m.Heartbeat("agent-1"); err != nil {
		t.Fatalf("Heartbeat() error: %v", err)
	}
	a, _ = m.GetAgent(context.Background(), "agent-1")
	if !m.Online(a) {
		t.Error("agent offline after heartbeat")
	}

	if err := m.Heartbeat("ghost"); err == nil {
		t.Error("Heartbeat(unregistered) succeeded, want error")
	}
}

func TestInPool(t *testing.T) {
	explicit := &Agent{ID: "a", Pools: []string{"pool-linux"}}
	matching := &Agent{ID: "b", Properties: map[string]string{"os": "linux", "arch": "amd64"}}
	other := &Agent{ID: "c", Properties: map[string]string{"os": "win64"}}

	byID := &Pool{ID: "pool-linux"}
	byCond := &Pool{ID: "pool-cond", Condition: "os=linux,arch=amd64"}

	if !InPool(explicit, byID) {
		t.Error("explicit member not matched")
	}
	if InPool(other, byID) {
		t.Error("non-member matched by id")
	}
	if !InPool(matching, byCond) {
		t.Error("condition match failed")
	}
	if InPool(other, byCond) {
		t.Error("condition matched wrong agent")
	}
}

func TestMemoryResolveAgentType(t *testing.T) {
	m := NewMemory()
	m.Bind("ue5-main", Binding{AgentType: "Win64", PoolID: "pool-win", Workspace: "ws-ue5"})

	b, err := m.ResolveAgentType(context.Background(), "ue5-main", "win64")
	if err != nil {
		t.Fatalf("ResolveAgentType() error: %v", err)
	}
	if b == nil || b.PoolID != "pool-win" || b.Workspace != "ws-ue5" {
		t.Errorf("ResolveAgentType() = %+v, want pool-win/ws-ue5", b)
	}

	b, err = m.ResolveAgentType(context.Background(), "ue5-main", "Mac")
	if err != nil {
		t.Fatalf("ResolveAgentType() error: %v", err)
	}
	if b != nil {
		t.Errorf("ResolveAgentType(unknown) = %+v, want nil", b)
	}
}

func TestMemoryMarkForConformOnce(t *testing.T) {
	m := NewMemory()
	m.Register(Agent{ID: "agent-1", Enabled: true})

	first, err := m.MarkForConform(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("MarkForConform() error: %v", err)
	}
	if !first {
		t.Error("first MarkForConform() = false, want true")
	}
	again, err := m.MarkForConform(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("MarkForConform() error: %v", err)
	}
	if again {
		t.Error("second MarkForConform() = true, want false")
	}

	// Re-registration keeps the pending conform flag.
	m.Register(Agent{ID: "agent-1", Enabled: true})
	a, _ := m.GetAgent(context.Background(), "agent-1")
	if !a.RequiresConform {
		t.Error("conform flag lost across re-registration")
	}
}

func TestMemoryLeaseTracking(t *testing.T) {
	m := NewMemory()
	m.Register(Agent{ID: "agent-1", Enabled: true})
	ctx := context.Background()

	if err := m.SetLease(ctx, "agent-1", "lease-1"); err != nil {
		t.Fatalf("SetLease() error: %v", err)
	}
	if err := m.SetLease(ctx, "agent-1", "lease-2"); err == nil {
		t.Error("SetLease() over an active lease succeeded, want error")
	}
	if err := m.ClearLease(ctx, "agent-1"); err != nil {
		t.Fatalf("ClearLease() error: %v", err)
	}
	if err := m.SetLease(ctx, "agent-1", "lease-2"); err != nil {
		t.Fatalf("SetLease() after clear error: %v", err)
	}
}
