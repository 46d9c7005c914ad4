// Package planner converts a job's current step history plus its graph into
// the next set of batches and steps to run, and propagates dependency-driven
// state transitions. Planning is deterministic and idempotent; it mutates a
// working copy owned by the caller and is only ever invoked through the
// jobstore coordinator.
package planner

import (
	"fmt"

	"github.com/foundryci/foundry/internal/graph"
	"github.com/foundryci/foundry/internal/job"
)

// RetryNotAllowedError is returned when a plan would execute a node with
// AllowRetry disabled more than once within one job. It is fatal: the write
// that would have caused it must be rejected.
type RetryNotAllowedError struct {
	NodeName string
}

func (e *RetryNotAllowedError) Error() string {
	return fmt.Sprintf("node %q does not permit retries", e.NodeName)
}

// Plan rebuilds the job's batches for the given graph and refreshes all
// dependent step and batch states. Safe to re-run against its own output.
func Plan(j *job.Job, g *graph.Graph) error {
	if err := createOrUpdateBatches(j, g); err != nil {
		return err
	}
	RefreshDependencies(j, g)
	return nil
}

func createOrUpdateBatches(j *job.Job, g *graph.Graph) error {
	// Effective priority of each node, incorporating per-step overrides.
	nodePriorities := make(map[graph.NodeRef]graph.Priority, g.NumNodes())
	for groupIdx, group := range g.Groups {
		for nodeIdx, node := range group.Nodes {
			nodePriorities[graph.NodeRef{GroupIdx: groupIdx, NodeIdx: nodeIdx}] = node.Priority
		}
	}
	for _, batch := range j.Batches {
		for _, step := range batch.Steps {
			if step.Priority != nil {
				nodePriorities[graph.NodeRef{GroupIdx: batch.GroupIdx, NodeIdx: step.NodeIdx}] = *step.Priority
			}
		}
	}

	// Steps that haven't started are regenerated from scratch.
	for _, batch := range j.Batches {
		batch.Steps = removeSteps(batch.Steps, func(s *job.Step) bool {
			return s.State == job.StepWaiting || s.State == job.StepReady
		})
	}

	// Re-evaluate previously skipped steps. A skip holds only while the node
	// still has a failed input dependency or is out of retries; otherwise the
	// step is dropped so the node can be reconsidered below.
	failedNodes := make(map[graph.NodeRef]bool)
	for _, batch := range j.Batches {
		for _, step := range batch.Steps {
			ref := graph.NodeRef{GroupIdx: batch.GroupIdx, NodeIdx: step.NodeIdx}
			switch {
			case step.Retry:
				delete(failedNodes, ref)
			case step.State == job.StepSkipped && (anyFailedInput(g, ref, failedNodes) || !j.CanRetryNode(ref)):
				failedNodes[ref] = true
			case step.Outcome == job.OutcomeFailure:
				failedNodes[ref] = true
			default:
				delete(failedNodes, ref)
			}
		}
		groupIdx := batch.GroupIdx
		batch.Steps = removeSteps(batch.Steps, func(s *job.Step) bool {
			return s.State == job.StepSkipped && !failedNodes[graph.NodeRef{GroupIdx: groupIdx, NodeIdx: s.NodeIdx}]
		})
	}

	// Batches left with no steps and no terminal error disappear entirely.
	kept := j.Batches[:0]
	for _, batch := range j.Batches {
		if len(batch.Steps) > 0 || batch.Error != job.BatchErrorNone {
			kept = append(kept, batch)
		}
	}
	j.Batches = kept

	// Resolve the requested target names to nodes: aggregates first, then
	// direct node names.
	targets := j.Targets()
	newNodes := make(map[graph.NodeRef]bool)
	for _, agg := range g.Aggregates {
		if targets[job.FoldName(agg.Name)] {
			for _, ref := range agg.Nodes {
				newNodes[ref] = true
			}
		}
	}
	for groupIdx, group := range g.Groups {
		for nodeIdx, node := range group.Nodes {
			if targets[job.FoldName(node.Name)] {
				newNodes[graph.NodeRef{GroupIdx: groupIdx, NodeIdx: nodeIdx}] = true
			}
		}
	}

	// Expand to the input-dependency closure. Dependencies always precede
	// their dependents in group/node order, so one reverse sweep suffices.
	for groupIdx := len(g.Groups) - 1; groupIdx >= 0; groupIdx-- {
		for nodeIdx := len(g.Groups[groupIdx].Nodes) - 1; nodeIdx >= 0; nodeIdx-- {
			ref := graph.NodeRef{GroupIdx: groupIdx, NodeIdx: nodeIdx}
			if newNodes[ref] {
				for _, dep := range g.Node(ref).InputDependencies {
					newNodes[dep] = true
				}
			}
		}
	}

	// Cancel live batches whose group no longer contributes to the target
	// set. The batch is kept so the assigned agent can observe it and stop.
	for _, batch := range j.Batches {
		if batch.State == job.BatchStarting || batch.State == job.BatchRunning {
			needed := false
			for _, step := range batch.Steps {
				if newNodes[graph.NodeRef{GroupIdx: batch.GroupIdx, NodeIdx: step.NodeIdx}] {
					needed = true
					break
				}
			}
			if !needed {
				batch.Error = job.BatchErrorCancelled
			}
		}
	}

	// Drop nodes that have already executed and aren't flagged for retry.
	wasNeeded := make(map[graph.NodeRef]bool, len(newNodes))
	for ref := range newNodes {
		wasNeeded[ref] = true
	}
	for _, batch := range j.Batches {
		for _, step := range batch.Steps {
			executed := (step.State == job.StepRunning || step.State == job.StepCompleted || step.State == job.StepAborted) && !step.Retry
			if executed || step.State == job.StepSkipped {
				delete(newNodes, graph.NodeRef{GroupIdx: batch.GroupIdx, NodeIdx: step.NodeIdx})
			}
		}
	}

	// Re-add any needed node whose same-group input dependency must still
	// run, so the new batch rebuilds everything its steps consume from the
	// shared workspace. Dependencies precede dependents, so a forward sweep
	// propagates transitively.
	for groupIdx, group := range g.Groups {
		for nodeIdx, node := range group.Nodes {
			ref := graph.NodeRef{GroupIdx: groupIdx, NodeIdx: nodeIdx}
			if !wasNeeded[ref] || newNodes[ref] {
				continue
			}
			for _, dep := range node.InputDependencies {
				if dep.GroupIdx == groupIdx && newNodes[dep] {
					newNodes[ref] = true
					break
				}
			}
		}
	}

	// Nodes already scheduled by surviving steps. A step flagged for retry
	// doesn't count: its node must be scheduled again.
	existingNodes := make(map[graph.NodeRef]bool)
	for _, batch := range j.Batches {
		for _, step := range batch.Steps {
			if !step.Retry {
				existingNodes[graph.NodeRef{GroupIdx: batch.GroupIdx, NodeIdx: step.NodeIdx}] = true
			}
		}
	}

	// Pick the batch new steps may be appended to, per group.
	appendTo := make([]*job.Batch, len(g.Groups))
	for _, batch := range j.Batches {
		if batch.CanBeAppendedTo() && batch.GroupIdx < len(g.Groups) {
			appendTo[batch.GroupIdx] = batch
		}
	}

	// A batch stops being appendable once a node at or before its last
	// scheduled step needs to run; that forces a fresh batch rather than
	// ever holding two steps for one node index.
	for groupIdx, group := range g.Groups {
		for nodeIdx := range group.Nodes {
			ref := graph.NodeRef{GroupIdx: groupIdx, NodeIdx: nodeIdx}
			if newNodes[ref] && !existingNodes[ref] {
				if batch := appendTo[groupIdx]; batch != nil && len(batch.Steps) > 0 {
					if nodeIdx <= batch.Steps[len(batch.Steps)-1].NodeIdx {
						appendTo[groupIdx] = nil
					}
				}
			}
		}
	}

	// Materialize steps in group/node order, appending where possible. A
	// batch never holds two steps for one node index, and step node indexes
	// are strictly increasing within a batch.
	for groupIdx, group := range g.Groups {
		for nodeIdx := range group.Nodes {
			ref := graph.NodeRef{GroupIdx: groupIdx, NodeIdx: nodeIdx}
			if !newNodes[ref] {
				continue
			}
			batch := appendTo[groupIdx]
			if batch == nil {
				batch = &job.Batch{ID: j.NextID(), GroupIdx: groupIdx, State: job.BatchWaiting}
				j.Batches = append(j.Batches, batch)
				appendTo[groupIdx] = batch
			}
			if len(batch.Steps) == 0 || nodeIdx > batch.Steps[len(batch.Steps)-1].NodeIdx {
				batch.Steps = append(batch.Steps, &job.Step{ID: j.NextID(), NodeIdx: nodeIdx, State: job.StepWaiting})
			}
		}
	}

	// Raise each prerequisite's effective priority to at least the highest
	// priority of anything that depends on it, so high-priority targets do
	// not starve behind low-priority setup work. Dependencies precede their
	// dependents, so a reverse sweep propagates transitively.
	for groupIdx := len(g.Groups) - 1; groupIdx >= 0; groupIdx-- {
		for nodeIdx := len(g.Groups[groupIdx].Nodes) - 1; nodeIdx >= 0; nodeIdx-- {
			ref := graph.NodeRef{GroupIdx: groupIdx, NodeIdx: nodeIdx}
			for _, dep := range g.Node(ref).OrderDependencies {
				if nodePriorities[dep] < nodePriorities[ref] {
					nodePriorities[dep] = nodePriorities[ref]
				}
			}
		}
	}
	for _, batch := range j.Batches {
		if len(batch.Steps) == 0 {
			continue
		}
		maxPriority := graph.Priority(0)
		for _, step := range batch.Steps {
			if p := nodePriorities[graph.NodeRef{GroupIdx: batch.GroupIdx, NodeIdx: step.NodeIdx}]; p > maxPriority {
				maxPriority = p
			}
		}
		batch.SchedulePriority = int(j.Priority)*10 + int(maxPriority) + 1 // 0 is reserved for "not runnable"
	}

	// Enforce the retry ceiling for nodes that forbid retries.
	executionCount := make(map[graph.NodeRef]int)
	for _, batch := range j.Batches {
		for _, step := range batch.Steps {
			ref := graph.NodeRef{GroupIdx: batch.GroupIdx, NodeIdx: step.NodeIdx}
			node := g.Node(ref)
			if !node.AllowRetry && executionCount[ref] > 0 {
				return &RetryNotAllowedError{NodeName: node.Name}
			}
			executionCount[ref]++
		}
	}
	return nil
}

func anyFailedInput(g *graph.Graph, ref graph.NodeRef, failed map[graph.NodeRef]bool) bool {
	for _, dep := range g.Node(ref).InputDependencies {
		if failed[dep] {
			return true
		}
	}
	return false
}

func removeSteps(steps []*job.Step, drop func(*job.Step) bool) []*job.Step {
	out := steps[:0]
	for _, s := range steps {
		if !drop(s) {
			out = append(out, s)
		}
	}
	return out
}
