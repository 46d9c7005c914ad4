package planner_test

import (
	"errors"
	"testing"
	"time"

	"github.com/foundryci/foundry/internal/graph"
	"github.com/foundryci/foundry/internal/job"
	"github.com/foundryci/foundry/internal/planner"
)

// chainGraph builds a single-group graph A -> B -> C where each node depends
// on the previous one for both ordering and input.
func chainGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g, err := graph.New([]graph.NodeGroup{
		{
			AgentType: "Linux",
			Nodes: []graph.Node{
				{Name: "A", Priority: graph.PriorityNormal, AllowRetry: true},
				{
					Name: "B", Priority: graph.PriorityNormal, AllowRetry: true,
					InputDependencies: []graph.NodeRef{{GroupIdx: 0, NodeIdx: 0}},
					OrderDependencies: []graph.NodeRef{{GroupIdx: 0, NodeIdx: 0}},
				},
				{
					Name: "C", Priority: graph.PriorityNormal, AllowRetry: true,
					InputDependencies: []graph.NodeRef{{GroupIdx: 0, NodeIdx: 1}},
					OrderDependencies: []graph.NodeRef{{GroupIdx: 0, NodeIdx: 1}},
				},
			},
		},
	}, nil, nil)
	if err != nil {
		t.Fatalf("graph.New() error: %v", err)
	}
	return g
}

func newJob(t *testing.T, g *graph.Graph, targets ...string) *job.Job {
	t.Helper()
	args := make([]string, 0, len(targets))
	for _, target := range targets {
		args = append(args, job.TargetArgumentPrefix+target)
	}
	j := &job.Job{
		ID:         "job-1",
		StreamID:   "ue5-main",
		TemplateID: "incremental",
		GraphHash:  g.Hash,
		Name:       "test job",
		Priority:   graph.PriorityNormal,
		Arguments:  args,
		CreateTime: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := planner.Plan(j, g); err != nil {
		t.Fatalf("Plan() error: %v", err)
	}
	return j
}

// finishStep marks a step terminal and reruns the refresh pass, the way the
// coordinator does when an agent reports completion.
func finishStep(t *testing.T, j *job.Job, g *graph.Graph, b *job.Batch, s *job.Step, outcome job.StepOutcome) {
	t.Helper()
	s.State = job.StepCompleted
	s.Outcome = outcome
	now := time.Now().UTC()
	s.FinishTime = &now
	_ = b
	planner.RefreshDependencies(j, g)
}

func TestPlanLinearGraph(t *testing.T) {
	g := chainGraph(t)
	j := newJob(t, g, "C")

	if len(j.Batches) != 1 {
		t.Fatalf("Plan() produced %d batches, want 1", len(j.Batches))
	}
	b := j.Batches[0]
	if len(b.Steps) != 3 {
		t.Fatalf("Plan() produced %d steps, want 3", len(b.Steps))
	}
	for i, step := range b.Steps {
		if step.NodeIdx != i {
			t.Errorf("step %d node index = %d, want %d", i, step.NodeIdx, i)
		}
	}
	if b.State != job.BatchReady {
		t.Errorf("batch state = %q, want %q", b.State, job.BatchReady)
	}
	if got := b.Steps[0].State; got != job.StepReady {
		t.Errorf("step A state = %q, want %q", got, job.StepReady)
	}
	if got := b.Steps[1].State; got != job.StepWaiting {
		t.Errorf("step B state = %q, want %q", got, job.StepWaiting)
	}
	if j.SchedulePriority != b.SchedulePriority {
		t.Errorf("job schedule priority = %d, want %d", j.SchedulePriority, b.SchedulePriority)
	}

	// A finishing promotes B but not C.
	finishStep(t, j, g, b, b.Steps[0], job.OutcomeSuccess)
	if got := b.Steps[1].State; got != job.StepReady {
		t.Errorf("after A: step B state = %q, want %q", got, job.StepReady)
	}
	if got := b.Steps[2].State; got != job.StepWaiting {
		t.Errorf("after A: step C state = %q, want %q", got, job.StepWaiting)
	}
}

func TestPlanFailedDependencySkipsDependents(t *testing.T) {
	g := chainGraph(t)
	j := newJob(t, g, "C")
	b := j.Batches[0]

	finishStep(t, j, g, b, b.Steps[0], job.OutcomeFailure)

	for _, i := range []int{1, 2} {
		if got := b.Steps[i].State; got != job.StepSkipped {
			t.Errorf("step %d state = %q, want %q", i, got, job.StepSkipped)
		}
		if got := b.Steps[i].Outcome; got != job.OutcomeFailure {
			t.Errorf("step %d outcome = %q, want %q", i, got, job.OutcomeFailure)
		}
	}
	if b.State != job.BatchComplete {
		t.Errorf("batch state = %q, want %q", b.State, job.BatchComplete)
	}
	if j.SchedulePriority != 0 {
		t.Errorf("job schedule priority = %d, want 0", j.SchedulePriority)
	}
}

func TestPlanIsIdempotent(t *testing.T) {
	g := chainGraph(t)
	j := newJob(t, g, "C")

	type shape struct {
		groupIdx int
		nodeIdx  int
		state    job.StepState
		priority int
	}
	snapshot := func(j *job.Job) []shape {
		var out []shape
		for _, b := range j.Batches {
			for _, s := range b.Steps {
				out = append(out, shape{b.GroupIdx, s.NodeIdx, s.State, b.SchedulePriority})
			}
		}
		return out
	}

	before := snapshot(j)
	if err := planner.Plan(j, g); err != nil {
		t.Fatalf("Plan() second run error: %v", err)
	}
	after := snapshot(j)

	if len(before) != len(after) {
		t.Fatalf("replan changed step count: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if before[i] != after[i] {
			t.Errorf("replan changed step %d: %+v -> %+v", i, before[i], after[i])
		}
	}
}

func TestPlanTargetSubset(t *testing.T) {
	g := chainGraph(t)
	j := newJob(t, g, "B")

	if len(j.Batches) != 1 {
		t.Fatalf("Plan() produced %d batches, want 1", len(j.Batches))
	}
	steps := j.Batches[0].Steps
	if len(steps) != 2 {
		t.Fatalf("Plan() produced %d steps, want 2 (A and B)", len(steps))
	}
	if steps[0].NodeIdx != 0 || steps[1].NodeIdx != 1 {
		t.Errorf("step node indexes = %d,%d, want 0,1", steps[0].NodeIdx, steps[1].NodeIdx)
	}
}

func TestPlanAggregateTarget(t *testing.T) {
	g, err := graph.New([]graph.NodeGroup{
		{AgentType: "Linux", Nodes: []graph.Node{
			{Name: "Compile", Priority: graph.PriorityNormal},
			{Name: "Cook", Priority: graph.PriorityNormal, InputDependencies: []graph.NodeRef{{GroupIdx: 0, NodeIdx: 0}}, OrderDependencies: []graph.NodeRef{{GroupIdx: 0, NodeIdx: 0}}},
		}},
	}, []graph.Aggregate{
		{Name: "Full Build", Nodes: []graph.NodeRef{{GroupIdx: 0, NodeIdx: 1}}},
	}, nil)
	if err != nil {
		t.Fatalf("graph.New() error: %v", err)
	}

	j := newJob(t, g, "Full Build")
	if len(j.Batches) != 1 || len(j.Batches[0].Steps) != 2 {
		t.Fatalf("aggregate target did not expand to dependency closure: %+v", j.Batches)
	}
}

func TestPlanAbortedJobDrainsWork(t *testing.T) {
	g := chainGraph(t)
	j := newJob(t, g, "C")

	j.AbortedByUser = "sam"
	if err := planner.Plan(j, g); err != nil {
		t.Fatalf("Plan() after abort error: %v", err)
	}
	if len(j.Batches) != 0 {
		t.Errorf("aborted job still has %d batches", len(j.Batches))
	}
	if j.SchedulePriority != 0 {
		t.Errorf("aborted job schedule priority = %d, want 0", j.SchedulePriority)
	}
}

func TestPlanCancelsRunningBatchOutsideTargets(t *testing.T) {
	g := chainGraph(t)
	j := newJob(t, g, "C")
	b := j.Batches[0]

	// Agent picked up the batch and started A.
	b.State = job.BatchRunning
	b.Steps[0].State = job.StepRunning

	// Abort empties the target set; the running batch must be flagged, not
	// deleted, so the agent can observe the cancellation.
	j.AbortedByUser = "sam"
	if err := planner.Plan(j, g); err != nil {
		t.Fatalf("Plan() error: %v", err)
	}
	if len(j.Batches) != 1 {
		t.Fatalf("running batch was deleted on abort")
	}
	if got := j.Batches[0].Error; got != job.BatchErrorCancelled {
		t.Errorf("batch error = %q, want %q", got, job.BatchErrorCancelled)
	}
}

func TestPlanRetrySchedulesNewStep(t *testing.T) {
	g := chainGraph(t)
	j := newJob(t, g, "A")
	b := j.Batches[0]

	// The agent picked the batch up before the step failed.
	b.State = job.BatchRunning
	finishStep(t, j, g, b, b.Steps[0], job.OutcomeFailure)

	// Retrying the failed step forces a replan with a fresh step for A.
	b.Steps[0].Retry = true
	b.Steps[0].RetriedByUser = "sam"
	j.RetriedNodes = append(j.RetriedNodes, graph.NodeRef{GroupIdx: 0, NodeIdx: 0})
	if err := planner.Plan(j, g); err != nil {
		t.Fatalf("Plan() error: %v", err)
	}

	executions := 0
	for _, batch := range j.Batches {
		for _, step := range batch.Steps {
			if step.NodeIdx == 0 {
				executions++
			}
		}
	}
	if executions != 2 {
		t.Fatalf("node A scheduled %d times after retry, want 2", executions)
	}
}

func TestPlanRetryCeiling(t *testing.T) {
	g := chainGraph(t)
	j := newJob(t, g, "A")

	ref := graph.NodeRef{GroupIdx: 0, NodeIdx: 0}
	for i := 0; i < job.MaxRetries; i++ {
		b := j.Batches[len(j.Batches)-1]
		b.State = job.BatchRunning
		var failed *job.Step
		for _, s := range b.Steps {
			if s.NodeIdx == 0 && s.IsPending() {
				failed = s
			}
		}
		if failed == nil {
			t.Fatalf("retry %d: no pending step for A", i)
		}
		failed.State = job.StepCompleted
		failed.Outcome = job.OutcomeFailure
		failed.Retry = true
		failed.RetriedByUser = "sam"
		j.RetriedNodes = append(j.RetriedNodes, ref)
		if err := planner.Plan(j, g); err != nil {
			t.Fatalf("retry %d: Plan() error: %v", i, err)
		}
	}

	executions := 0
	for _, batch := range j.Batches {
		for _, step := range batch.Steps {
			if step.NodeIdx == 0 {
				executions++
			}
		}
	}
	if executions != job.MaxRetries+1 {
		t.Fatalf("node A scheduled %d times, want %d", executions, job.MaxRetries+1)
	}
	if j.CanRetryNode(ref) {
		t.Error("CanRetryNode() = true after exhausting retries")
	}

	// An exhausted node that gets skipped stays skipped across replans.
	last := j.Batches[len(j.Batches)-1]
	step := last.Steps[len(last.Steps)-1]
	step.State = job.StepSkipped
	step.Outcome = job.OutcomeFailure
	if err := planner.Plan(j, g); err != nil {
		t.Fatalf("Plan() error: %v", err)
	}
	found := false
	for _, batch := range j.Batches {
		for _, s := range batch.Steps {
			if s.ID == step.ID && s.State == job.StepSkipped {
				found = true
			}
		}
	}
	if !found {
		t.Error("skipped step for retry-exhausted node was dropped by replan")
	}
}

func TestPlanRetryNotAllowed(t *testing.T) {
	g, err := graph.New([]graph.NodeGroup{
		{AgentType: "Linux", Nodes: []graph.Node{
			{Name: "Submit", Priority: graph.PriorityNormal, AllowRetry: false},
		}},
	}, nil, nil)
	if err != nil {
		t.Fatalf("graph.New() error: %v", err)
	}

	j := newJob(t, g, "Submit")
	b := j.Batches[0]
	b.Steps[0].State = job.StepCompleted
	b.Steps[0].Outcome = job.OutcomeFailure
	b.Steps[0].Retry = true
	b.Steps[0].RetriedByUser = "sam"

	err = planner.Plan(j, g)
	var retryErr *planner.RetryNotAllowedError
	if !errors.As(err, &retryErr) {
		t.Fatalf("Plan() error = %v, want RetryNotAllowedError", err)
	}
	if retryErr.NodeName != "Submit" {
		t.Errorf("RetryNotAllowedError node = %q, want Submit", retryErr.NodeName)
	}
}

func TestPlanBatchNeverRepeatsNodeIndex(t *testing.T) {
	g := chainGraph(t)
	j := newJob(t, g, "C")

	// Run B, fail it, retry it. The replan must open a fresh batch rather
	// than append a second step for an already-scheduled node index.
	b := j.Batches[0]
	a, bStep := b.Steps[0], b.Steps[1]
	b.State = job.BatchRunning
	finishStep(t, j, g, b, a, job.OutcomeSuccess)
	finishStep(t, j, g, b, bStep, job.OutcomeFailure)

	bStep.Retry = true
	bStep.RetriedByUser = "sam"
	j.RetriedNodes = append(j.RetriedNodes, graph.NodeRef{GroupIdx: 0, NodeIdx: 1})
	if err := planner.Plan(j, g); err != nil {
		t.Fatalf("Plan() error: %v", err)
	}

	for bi, batch := range j.Batches {
		last := -1
		for _, step := range batch.Steps {
			if step.NodeIdx <= last {
				t.Fatalf("batch %d: node index %d not strictly increasing (prev %d)", bi, step.NodeIdx, last)
			}
			last = step.NodeIdx
		}
	}
}

func TestPlanPriorityPropagation(t *testing.T) {
	g, err := graph.New([]graph.NodeGroup{
		{AgentType: "Linux", Nodes: []graph.Node{
			{Name: "Setup", Priority: graph.PriorityLow},
		}},
		{AgentType: "Win64", Nodes: []graph.Node{
			{Name: "Ship", Priority: graph.PriorityHigh,
				InputDependencies: []graph.NodeRef{{GroupIdx: 0, NodeIdx: 0}},
				OrderDependencies: []graph.NodeRef{{GroupIdx: 0, NodeIdx: 0}}},
		}},
	}, nil, nil)
	if err != nil {
		t.Fatalf("graph.New() error: %v", err)
	}

	j := newJob(t, g, "Ship")
	if len(j.Batches) != 2 {
		t.Fatalf("Plan() produced %d batches, want 2", len(j.Batches))
	}

	// The low-priority setup batch inherits the high priority of its
	// dependent so the target does not starve behind it.
	want := int(graph.PriorityNormal)*10 + int(graph.PriorityHigh) + 1
	for i, b := range j.Batches {
		if b.SchedulePriority != want {
			t.Errorf("batch %d schedule priority = %d, want %d", i, b.SchedulePriority, want)
		}
	}
}

func TestPlanStepPriorityOverride(t *testing.T) {
	g := chainGraph(t)
	j := newJob(t, g, "C")

	override := graph.PriorityHigh
	j.Batches[0].Steps[2].Priority = &override
	if err := planner.Plan(j, g); err != nil {
		t.Fatalf("Plan() error: %v", err)
	}

	want := int(graph.PriorityNormal)*10 + int(graph.PriorityHigh) + 1
	if got := j.Batches[0].SchedulePriority; got != want {
		t.Errorf("batch schedule priority = %d, want %d", got, want)
	}
}
