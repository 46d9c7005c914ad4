package jobstore

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/foundryci/foundry/internal/event"
	"github.com/foundryci/foundry/internal/graph"
	"github.com/foundryci/foundry/internal/job"
	"github.com/foundryci/foundry/internal/planner"
)

// CreateRequest describes a new job.
type CreateRequest struct {
	StreamID        string
	TemplateID      string
	Name            string
	GraphHash       string
	Change          int
	CodeChange      int
	PreflightChange int
	Priority        graph.Priority
	StartedByUser   string
	Arguments       []string
}

// Create builds the job document, runs the initial planning pass and
// persists it.
func (c *Coordinator) Create(ctx context.Context, req CreateRequest) (*job.Job, error) {
	ctx, span := tracer.Start(ctx, "jobstore.Create")
	defer span.End()
	if req.StreamID == "" {
		return nil, NewInvalidError("stream id is required")
	}
	g, err := c.graphs.Get(ctx, req.GraphHash)
	if err != nil {
		return nil, fmt.Errorf("load graph %s: %w", req.GraphHash, err)
	}

	priority := req.Priority
	if priority == 0 {
		priority = graph.PriorityNormal
	}
	now := time.Now().UTC()
	j := &job.Job{
		ID:              uuid.NewString(),
		StreamID:        req.StreamID,
		TemplateID:      req.TemplateID,
		GraphHash:       g.Hash,
		Name:            req.Name,
		Change:          req.Change,
		CodeChange:      req.CodeChange,
		PreflightChange: req.PreflightChange,
		Priority:        priority,
		StartedByUser:   req.StartedByUser,
		Arguments:       slices.Clone(req.Arguments),
		CreateTime:      now,
		UpdateTime:      now,
		UpdateIndex:     1,
	}
	if err := planner.Plan(j, g); err != nil {
		return nil, err
	}
	if err := c.store.Add(ctx, j); err != nil {
		return nil, err
	}

	c.log.Info("job created", "job", j.ID, "stream", j.StreamID, "name", j.Name, "batches", len(j.Batches))
	c.notify.NotifyJob(j)
	c.events.Publish(event.Event{Kind: event.KindJobCreated, JobID: j.ID, Time: now})
	return j, nil
}

// UpdateJobRequest carries the user-editable job fields. Nil means leave
// unchanged.
type UpdateJobRequest struct {
	Name      *string
	Priority  *graph.Priority
	Arguments []string
}

// UpdateJob edits job-level fields, replanning when the target arguments or
// priority change.
func (c *Coordinator) UpdateJob(ctx context.Context, id string, req UpdateJobRequest) (*job.Job, error) {
	return c.Update(ctx, id, func(j *job.Job, g *graph.Graph) error {
		replan := false
		if req.Name != nil {
			j.Name = *req.Name
		}
		if req.Priority != nil && *req.Priority != j.Priority {
			j.Priority = *req.Priority
			replan = true
		}
		if req.Arguments != nil && !slices.Equal(req.Arguments, j.Arguments) {
			j.Arguments = slices.Clone(req.Arguments)
			replan = true
		}
		if replan {
			return planner.Plan(j, g)
		}
		return nil
	})
}

// AbortJob sets the aborting user and replans: the target set empties, live
// batches are cancelled and pending work drains.
func (c *Coordinator) AbortJob(ctx context.Context, id, user string) (*job.Job, error) {
	return c.Update(ctx, id, func(j *job.Job, g *graph.Graph) error {
		if j.Aborted() {
			return nil
		}
		j.AbortedByUser = user
		return planner.Plan(j, g)
	})
}

// UpdateGraph swaps the job onto a new graph and replans against it. A retry
// ceiling violation in the new plan rejects the whole update.
func (c *Coordinator) UpdateGraph(ctx context.Context, id string, next *graph.Graph) (*job.Job, error) {
	return c.Update(ctx, id, func(j *job.Job, _ *graph.Graph) error {
		j.GraphHash = next.Hash
		return planner.Plan(j, next)
	})
}

// UpdateStepRequest carries agent- and user-driven step changes. Nil means
// leave unchanged.
type UpdateStepRequest struct {
	State          *job.StepState
	Outcome        *job.StepOutcome
	LogID          *string
	Priority       *graph.Priority
	Retry          bool
	RetriedByUser  string
	AbortRequested bool
	AbortedByUser  string
}

// UpdateStep applies a step change and refreshes everything that depends on
// it. A retry appends to the job's retried-node multiset and forces a full
// replan so a fresh step is scheduled.
func (c *Coordinator) UpdateStep(ctx context.Context, id string, batchID, stepID job.SubResourceID, req UpdateStepRequest) (*job.Job, error) {
	return c.Update(ctx, id, func(j *job.Job, g *graph.Graph) error {
		batch := j.Batch(batchID)
		if batch == nil {
			return NewNotFoundError(fmt.Sprintf("batch %s not found in job %s", batchID, id))
		}
		step := batch.Step(stepID)
		if step == nil {
			return NewNotFoundError(fmt.Sprintf("step %s not found in batch %s", stepID, batchID))
		}
		ref := graph.NodeRef{GroupIdx: batch.GroupIdx, NodeIdx: step.NodeIdx}

		if req.LogID != nil {
			step.LogID = *req.LogID
		}
		if req.Priority != nil {
			p := *req.Priority
			step.Priority = &p
		}

		now := time.Now().UTC()
		replan := false
		refresh := false

		if req.State != nil && *req.State != step.State {
			step.State = *req.State
			switch step.State {
			case job.StepRunning:
				step.StartTime = &now
			case job.StepCompleted, job.StepAborted:
				if step.StartTime == nil {
					step.StartTime = &now
				}
				step.FinishTime = &now
			}
			refresh = true
		}
		if req.Outcome != nil {
			step.Outcome = *req.Outcome
			refresh = true
		}

		if req.AbortRequested && !step.AbortRequested {
			step.AbortRequested = true
			step.AbortedByUser = req.AbortedByUser
			if step.State == job.StepWaiting || step.State == job.StepReady {
				// Not picked up yet, no agent to wait for.
				step.State = job.StepAborted
				step.Outcome = job.OutcomeFailure
				step.FinishTime = &now
			}
			refresh = true
		}

		if req.Retry && !step.Retry {
			if !step.IsFailedOrSkipped() {
				return NewInvalidError(fmt.Sprintf("step %s has not failed, nothing to retry", stepID))
			}
			if !j.CanRetryNode(ref) {
				return NewRetryLimitError(fmt.Sprintf("node %q is out of retries", g.Node(ref).Name))
			}
			step.Retry = true
			step.RetriedByUser = req.RetriedByUser
			j.RetriedNodes = append(j.RetriedNodes, ref)
			replan = true
		}

		if replan {
			return planner.Plan(j, g)
		}
		if refresh {
			planner.RefreshDependencies(j, g)
		}
		return nil
	})
}

// UpdateBatchRequest carries agent-driven batch changes.
type UpdateBatchRequest struct {
	// SessionID must match the session recorded on the batch; an agent whose
	// lease was superseded cannot move the batch.
	SessionID string
	State     *job.BatchState
	LogID     *string
}

// UpdateBatch applies an agent's batch state report
// (Starting/Running/Stopping) and log assignment. Completion goes through
// CompleteBatch.
func (c *Coordinator) UpdateBatch(ctx context.Context, id string, batchID job.SubResourceID, req UpdateBatchRequest) (*job.Job, error) {
	return c.Update(ctx, id, func(j *job.Job, g *graph.Graph) error {
		batch := j.Batch(batchID)
		if batch == nil {
			return NewNotFoundError(fmt.Sprintf("batch %s not found in job %s", batchID, id))
		}
		if batch.SessionID == "" || batch.SessionID != req.SessionID {
			return NewConflictError(fmt.Sprintf("batch %s is not owned by session %q", batchID, req.SessionID))
		}
		if req.LogID != nil {
			batch.LogID = *req.LogID
		}
		if req.State != nil && *req.State != batch.State {
			switch *req.State {
			case job.BatchStarting, job.BatchRunning, job.BatchStopping:
			default:
				return NewInvalidError(fmt.Sprintf("agents may not move a batch to %q", *req.State))
			}
			if batch.State == job.BatchComplete {
				return NewConflictError(fmt.Sprintf("batch %s is already complete", batchID))
			}
			batch.State = *req.State
			if batch.State == job.BatchRunning && batch.StartTime == nil {
				now := time.Now().UTC()
				batch.StartTime = &now
			}
			planner.RefreshDependencies(j, g)
		}
		return nil
	})
}

// CompleteBatch finishes a batch with the given error classification and
// settles its remaining steps:
//   - LostConnection: running steps are aborted, unstarted ones skipped.
//   - Incomplete: unstarted steps that still have retry budget re-enter
//     planning as retries; the rest are skipped.
//   - anything else: unstarted steps are skipped.
func (c *Coordinator) CompleteBatch(ctx context.Context, id string, batchID job.SubResourceID, batchErr job.BatchError) (*job.Job, error) {
	return c.Update(ctx, id, func(j *job.Job, g *graph.Graph) error {
		batch := j.Batch(batchID)
		if batch == nil {
			return NewNotFoundError(fmt.Sprintf("batch %s not found in job %s", batchID, id))
		}
		if batch.State == job.BatchComplete {
			return nil
		}

		now := time.Now().UTC()
		replan := false
		for _, step := range batch.Steps {
			switch step.State {
			case job.StepRunning:
				step.State = job.StepAborted
				step.Outcome = job.OutcomeFailure
				step.FinishTime = &now
			case job.StepWaiting, job.StepReady:
				ref := graph.NodeRef{GroupIdx: batch.GroupIdx, NodeIdx: step.NodeIdx}
				if batchErr == job.BatchErrorIncomplete && g.Node(ref).AllowRetry && j.CanRetryNode(ref) {
					j.RetriedNodes = append(j.RetriedNodes, ref)
					replan = true
				}
				step.State = job.StepSkipped
				step.Outcome = job.OutcomeFailure
			}
		}

		batch.State = job.BatchComplete
		batch.Error = batchErr
		batch.FinishTime = &now

		if replan {
			return planner.Plan(j, g)
		}
		planner.RefreshDependencies(j, g)
		return nil
	})
}

// SetBatchError records a scheduling-environment cause on a live batch, or
// clears one that no longer applies. Unlike SkipBatch the batch stays
// dispatchable once the cause goes away.
func (c *Coordinator) SetBatchError(ctx context.Context, id string, batchID job.SubResourceID, reason job.BatchError) (*job.Job, error) {
	return c.Update(ctx, id, func(j *job.Job, _ *graph.Graph) error {
		batch := j.Batch(batchID)
		if batch == nil {
			return NewNotFoundError(fmt.Sprintf("batch %s not found in job %s", batchID, id))
		}
		if batch.State == job.BatchComplete {
			return NewConflictError(fmt.Sprintf("batch %s is already complete", batchID))
		}
		batch.Error = reason
		return nil
	})
}

// SkipBatch completes an unstarted batch with a typed cause, skipping its
// steps. Used by the dispatch refresh when a batch's agent type, pool or
// workspace cannot be resolved.
func (c *Coordinator) SkipBatch(ctx context.Context, id string, batchID job.SubResourceID, reason job.BatchError) (*job.Job, error) {
	return c.CompleteBatch(ctx, id, batchID, reason)
}

// SkipAllBatches completes every unfinished batch with the given cause.
func (c *Coordinator) SkipAllBatches(ctx context.Context, id string, reason job.BatchError) (*job.Job, error) {
	return c.Update(ctx, id, func(j *job.Job, g *graph.Graph) error {
		now := time.Now().UTC()
		for _, batch := range j.Batches {
			if batch.State == job.BatchComplete {
				continue
			}
			for _, step := range batch.Steps {
				if step.IsPending() {
					step.State = job.StepSkipped
					step.Outcome = job.OutcomeFailure
				}
			}
			batch.State = job.BatchComplete
			batch.Error = reason
			batch.FinishTime = &now
		}
		planner.RefreshDependencies(j, g)
		return nil
	})
}

// Lease describes one unit of assigned agent work: a single batch.
type Lease struct {
	ID               string            `json:"id"`
	JobID            string            `json:"job_id"`
	BatchID          job.SubResourceID `json:"batch_id"`
	GraphHash        string            `json:"graph_hash"`
	StreamID         string            `json:"stream_id"`
	Change           int               `json:"change"`
	CodeChange       int               `json:"code_change,omitempty"`
	PreflightChange  int               `json:"preflight_change,omitempty"`
	AgentType        string            `json:"agent_type"`
	PoolID           string            `json:"pool_id"`
	Workspace        string            `json:"workspace,omitempty"`
	SchedulePriority int               `json:"schedule_priority"`
}

// AssignLease records an agent assignment on a Ready batch. A batch that
// already holds a session rejects the assignment with a conflict.
func (c *Coordinator) AssignLease(ctx context.Context, id string, batchIdx int, poolID, workspace, agentID, sessionID, leaseID, logID string) (*job.Job, *Lease, error) {
	var lease *Lease
	updated, err := c.Update(ctx, id, func(j *job.Job, g *graph.Graph) error {
		if batchIdx < 0 || batchIdx >= len(j.Batches) {
			return NewNotFoundError(fmt.Sprintf("batch index %d out of range in job %s", batchIdx, id))
		}
		batch := j.Batches[batchIdx]
		if batch.SessionID != "" {
			return NewConflictError(fmt.Sprintf("batch %s already assigned to session %s", batch.ID, batch.SessionID))
		}
		if batch.State != job.BatchReady {
			return NewConflictError(fmt.Sprintf("batch %s is %s, not ready", batch.ID, batch.State))
		}
		batch.PoolID = poolID
		batch.AgentID = agentID
		batch.SessionID = sessionID
		batch.LeaseID = leaseID
		batch.LogID = logID
		lease = &Lease{
			ID:               leaseID,
			JobID:            j.ID,
			BatchID:          batch.ID,
			GraphHash:        j.GraphHash,
			StreamID:         j.StreamID,
			Change:           j.Change,
			CodeChange:       j.CodeChange,
			PreflightChange:  j.PreflightChange,
			AgentType:        g.Groups[batch.GroupIdx].AgentType,
			PoolID:           poolID,
			Workspace:        workspace,
			SchedulePriority: batch.SchedulePriority,
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return updated, lease, nil
}

// CancelLease clears a batch's assignment so it can be dispatched again. A
// batch the agent had already started goes back to Ready.
func (c *Coordinator) CancelLease(ctx context.Context, id string, batchIdx int) (*job.Job, error) {
	return c.Update(ctx, id, func(j *job.Job, g *graph.Graph) error {
		if batchIdx < 0 || batchIdx >= len(j.Batches) {
			return NewNotFoundError(fmt.Sprintf("batch index %d out of range in job %s", batchIdx, id))
		}
		batch := j.Batches[batchIdx]
		batch.AgentID = ""
		batch.SessionID = ""
		batch.LeaseID = ""
		if batch.State == job.BatchStarting || batch.State == job.BatchRunning {
			batch.State = job.BatchReady
			batch.StartTime = nil
		}
		planner.RefreshDependencies(j, g)
		return nil
	})
}

// AddIssue links an external issue to the job. Idempotent.
func (c *Coordinator) AddIssue(ctx context.Context, id string, issueID int) (*job.Job, error) {
	return c.Update(ctx, id, func(j *job.Job, _ *graph.Graph) error {
		if slices.Contains(j.Issues, issueID) {
			return nil
		}
		j.Issues = append(j.Issues, issueID)
		return nil
	})
}

// RemoveFromDispatchQueue zeroes the job's schedule priority so the periodic
// refresh stops considering it.
func (c *Coordinator) RemoveFromDispatchQueue(ctx context.Context, id string) (*job.Job, error) {
	return c.Update(ctx, id, func(j *job.Job, _ *graph.Graph) error {
		j.SchedulePriority = 0
		return nil
	})
}
