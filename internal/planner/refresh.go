package planner

import (
	"time"

	"github.com/foundryci/foundry/internal/graph"
	"github.com/foundryci/foundry/internal/job"
)

// RefreshDependencies runs the dependency propagation pass: waiting steps
// become ready once their order dependencies are all terminal, or skipped
// when any dependency failed; batch states follow from their steps and start
// dependencies. Runs after every plan and every externally observed state
// change. Idempotent.
func RefreshDependencies(j *job.Job, g *graph.Graph) {
	stepForNode := make(map[graph.NodeRef]*job.Step)
	for _, batch := range j.Batches {
		for _, step := range batch.Steps {
			ref := graph.NodeRef{GroupIdx: batch.GroupIdx, NodeIdx: step.NodeIdx}

			if step.State == job.StepWaiting {
				deps := dependentSteps(g, ref, stepForNode)
				if anyFailedOrSkipped(deps) {
					step.State = job.StepSkipped
					step.Outcome = job.OutcomeFailure
				} else if !anyPending(deps) {
					step.State = job.StepReady
					if step.ReadyTime == nil {
						now := time.Now().UTC()
						step.ReadyTime = &now
					}
				}
			}

			// Later steps see the most recent execution of each node.
			stepForNode[ref] = step
		}

		if batch.State == job.BatchWaiting || batch.State == job.BatchReady {
			newState, readyTime := batchState(j, g, batch, stepForNode)
			batch.State = newState
			batch.ReadyTime = readyTime
		}
	}

	j.SchedulePriority = job.SchedulePriorityOf(j)
}

func dependentSteps(g *graph.Graph, ref graph.NodeRef, stepForNode map[graph.NodeRef]*job.Step) []*job.Step {
	var steps []*job.Step
	for _, dep := range g.Node(ref).OrderDependencies {
		if step, ok := stepForNode[dep]; ok {
			steps = append(steps, step)
		}
	}
	return steps
}

func anyFailedOrSkipped(steps []*job.Step) bool {
	for _, s := range steps {
		if s.IsFailedOrSkipped() {
			return true
		}
	}
	return false
}

func anyPending(steps []*job.Step) bool {
	for _, s := range steps {
		if s.IsPending() {
			return true
		}
	}
	return false
}

// batchState derives the state of a not-yet-started batch from its steps and
// start dependencies, along with its ready time: the latest finish time among
// satisfied dependencies, or the job creation time when it has none.
func batchState(j *job.Job, g *graph.Graph, batch *job.Batch, stepForNode map[graph.NodeRef]*job.Step) (job.BatchState, *time.Time) {
	allTerminal := true
	for _, step := range batch.Steps {
		if step.IsPending() {
			allTerminal = false
			break
		}
	}
	if allTerminal {
		return job.BatchComplete, batch.ReadyTime
	}

	readyTime := j.CreateTime
	for _, dep := range batch.StartDependencies(g) {
		step, ok := stepForNode[dep]
		if !ok {
			continue
		}
		if step.IsPending() {
			return job.BatchWaiting, nil
		}
		if step.FinishTime != nil && step.FinishTime.After(readyTime) {
			readyTime = *step.FinishTime
		}
	}
	return job.BatchReady, &readyTime
}
