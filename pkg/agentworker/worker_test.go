package agentworker

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/foundryci/foundry/internal/agentdir"
	"github.com/foundryci/foundry/internal/dispatch"
	"github.com/foundryci/foundry/internal/graph"
	"github.com/foundryci/foundry/internal/jobstore"
	"github.com/foundryci/foundry/internal/server"
	"github.com/foundryci/foundry/pkg/client"
)

const graphDef = `{
	"groups": [
		{
			"agent_type": "Linux",
			"nodes": [
				{"name": "Compile", "priority": 3, "allow_retry": true},
				{
					"name": "Test", "priority": 3, "allow_retry": true,
					"input_dependencies": [{"group_idx": 0, "node_idx": 0}],
					"order_dependencies": [{"group_idx": 0, "node_idx": 0}]
				}
			]
		}
	]
}`

func newFarm(t *testing.T) *client.Client {
	t.Helper()
	db, err := jobstore.OpenDB(t.TempDir())
	if err != nil {
		t.Fatalf("OpenDB() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	graphs := graph.NewMemStore()
	agents := agentdir.NewMemory()
	agents.AddPool(agentdir.Pool{ID: "pool-linux"})
	agents.Bind("ue5-main", agentdir.Binding{AgentType: "Linux", PoolID: "pool-linux", Workspace: "ws-ue5"})

	coord := jobstore.NewCoordinator(jobstore.NewSQLite(db), graphs, nil, nil)
	queue := dispatch.New(coord, agents, nil, time.Minute)
	coord.SetNotifier(queue)

	srv := server.New(coord, graphs, agents, queue, nil, nil, "127.0.0.1:0")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return client.New(ts.URL)
}

func startWorker(t *testing.T, c *client.Client, exec Executor) {
	t.Helper()
	w, err := New(Options{
		ServerURL:         c.URL,
		AgentID:           "agent-1",
		Pools:             []string{"pool-linux"},
		Workspaces:        []string{"ws-ue5"},
		HeartbeatInterval: 50 * time.Millisecond,
		PollTimeout:       2 * time.Second,
	}, exec)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Log("worker did not stop in time")
		}
	})
}

func waitForJob(t *testing.T, c *client.Client, id string, cond func(*client.Job) bool) *client.Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		j, err := c.GetJob(context.Background(), id)
		if err == nil && cond(j) {
			return j
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal("timed out waiting for job condition")
	return nil
}

func batchComplete(j *client.Job) bool {
	for _, b := range j.Batches {
		if b.State != "complete" {
			return false
		}
	}
	return len(j.Batches) > 0
}

func TestWorkerExecutesJob(t *testing.T) {
	c := newFarm(t)
	ctx := context.Background()

	hash, err := c.RegisterGraph(ctx, []byte(graphDef))
	if err != nil {
		t.Fatalf("RegisterGraph() error: %v", err)
	}

	var mu sync.Mutex
	var executed []int
	startWorker(t, c, func(ctx context.Context, lease *client.Lease, step *client.Step) (string, error) {
		mu.Lock()
		executed = append(executed, step.NodeIdx)
		mu.Unlock()
		return OutcomeSuccess, nil
	})

	j, err := c.CreateJob(ctx, client.CreateJobRequest{
		StreamID:  "ue5-main",
		GraphHash: hash,
		Change:    100,
		Priority:  3,
		Arguments: []string{"-target=Test"},
	})
	if err != nil {
		t.Fatalf("CreateJob() error: %v", err)
	}

	final := waitForJob(t, c, j.ID, batchComplete)
	mu.Lock()
	got := append([]int(nil), executed...)
	mu.Unlock()
	if len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Errorf("executed nodes = %v, want [0 1]", got)
	}
	for _, step := range final.Batches[0].Steps {
		if step.State != "completed" || step.Outcome != OutcomeSuccess {
			t.Errorf("step %d = %s/%s, want completed/success", step.NodeIdx, step.State, step.Outcome)
		}
	}

	// The lease slot freed up once the batch settled.
	agents, err := c.ListAgents(ctx)
	if err != nil {
		t.Fatalf("ListAgents() error: %v", err)
	}
	if len(agents) != 1 || agents[0].LeaseID != "" {
		t.Errorf("agent lease = %+v, want one idle agent", agents)
	}
}

func TestWorkerStepFailureSkipsDependents(t *testing.T) {
	c := newFarm(t)
	ctx := context.Background()

	hash, err := c.RegisterGraph(ctx, []byte(graphDef))
	if err != nil {
		t.Fatalf("RegisterGraph() error: %v", err)
	}

	startWorker(t, c, func(ctx context.Context, lease *client.Lease, step *client.Step) (string, error) {
		if step.NodeIdx == 0 {
			return "", errors.New("compile exploded")
		}
		return OutcomeSuccess, nil
	})

	j, err := c.CreateJob(ctx, client.CreateJobRequest{
		StreamID:  "ue5-main",
		GraphHash: hash,
		Change:    100,
		Priority:  3,
		Arguments: []string{"-target=Test"},
	})
	if err != nil {
		t.Fatalf("CreateJob() error: %v", err)
	}

	final := waitForJob(t, c, j.ID, batchComplete)
	steps := final.Batches[0].Steps
	if steps[0].State != "completed" || steps[0].Outcome != OutcomeFailure {
		t.Errorf("failed step = %s/%s, want completed/failure", steps[0].State, steps[0].Outcome)
	}
	if steps[1].State != "skipped" || steps[1].Outcome != OutcomeFailure {
		t.Errorf("dependent step = %s/%s, want skipped/failure", steps[1].State, steps[1].Outcome)
	}
}
