package jobstore

import (
	"time"

	"github.com/foundryci/foundry/internal/event"
	"github.com/foundryci/foundry/internal/job"
)

// publishTransitions diffs two snapshots of one job and publishes an event
// per observable transition. Steps and batches are matched by id; anything
// without a counterpart in the old snapshot counts as newly created.
func publishTransitions(sink event.Sink, before, after *job.Job) {
	now := time.Now().UTC()

	oldBatches := make(map[job.SubResourceID]*job.Batch, len(before.Batches))
	for _, b := range before.Batches {
		oldBatches[b.ID] = b
	}

	stepFinished := false
	for _, b := range after.Batches {
		prev := oldBatches[b.ID]
		if prev == nil || prev.State != b.State {
			sink.Publish(event.Event{
				Kind: event.KindBatchState, JobID: after.ID,
				BatchID: b.ID.String(), State: string(b.State), Time: now,
			})
		}
		if b.SessionID != "" && (prev == nil || prev.SessionID == "") {
			sink.Publish(event.Event{
				Kind: event.KindLeaseAssigned, JobID: after.ID,
				BatchID: b.ID.String(), LeaseID: b.LeaseID, Time: now,
			})
		}
		if prev != nil && prev.SessionID != "" && b.SessionID == "" {
			sink.Publish(event.Event{
				Kind: event.KindLeaseCancelled, JobID: after.ID,
				BatchID: b.ID.String(), LeaseID: prev.LeaseID, Time: now,
			})
		}

		var oldSteps map[job.SubResourceID]*job.Step
		if prev != nil {
			oldSteps = make(map[job.SubResourceID]*job.Step, len(prev.Steps))
			for _, s := range prev.Steps {
				oldSteps[s.ID] = s
			}
		}
		for _, s := range b.Steps {
			var prevStep *job.Step
			if oldSteps != nil {
				prevStep = oldSteps[s.ID]
			}
			if prevStep != nil && prevStep.State == s.State {
				continue
			}
			e := event.Event{
				JobID: after.ID, BatchID: b.ID.String(), StepID: s.ID.String(),
				State: string(s.State), Outcome: string(s.Outcome), Time: now,
			}
			switch s.State {
			case job.StepReady:
				e.Kind = event.KindStepReady
			case job.StepRunning:
				e.Kind = event.KindStepStarted
			case job.StepCompleted, job.StepAborted, job.StepSkipped:
				e.Kind = event.KindStepFinished
				stepFinished = true
			default:
				continue
			}
			sink.Publish(e)
		}
	}

	if after.AbortedByUser != "" && before.AbortedByUser == "" {
		sink.Publish(event.Event{Kind: event.KindJobAborted, JobID: after.ID, Time: now})
	}
	if stepFinished {
		// Status consumers recompute label states from the job document.
		sink.Publish(event.Event{Kind: event.KindLabelsUpdated, JobID: after.ID, Time: now})
	}
	sink.Publish(event.Event{Kind: event.KindJobUpdated, JobID: after.ID, Time: now})
}
