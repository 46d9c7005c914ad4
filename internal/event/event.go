// Package event carries outbound notifications about job, batch, step and
// lease transitions. Delivery is best-effort: publishing never blocks the
// mutation that produced the event, and a slow subscriber loses its oldest
// buffered events rather than stalling the publisher.
package event

import "time"

// Kind identifies what changed.
type Kind string

const (
	KindJobCreated     Kind = "job_created"
	KindJobUpdated     Kind = "job_updated"
	KindJobDeleted     Kind = "job_deleted"
	KindJobAborted     Kind = "job_aborted"
	KindStepReady      Kind = "step_ready"
	KindStepStarted    Kind = "step_started"
	KindStepFinished   Kind = "step_finished"
	KindBatchState     Kind = "batch_state"
	KindLeaseAssigned  Kind = "lease_assigned"
	KindLeaseCancelled Kind = "lease_cancelled"
	KindLabelsUpdated  Kind = "labels_updated"
)

// Event describes a single transition. String fields hold the state or
// outcome value the subject moved to; ids identify the subject.
type Event struct {
	Kind    Kind      `json:"kind"`
	JobID   string    `json:"job_id"`
	BatchID string    `json:"batch_id,omitempty"`
	StepID  string    `json:"step_id,omitempty"`
	LeaseID string    `json:"lease_id,omitempty"`
	State   string    `json:"state,omitempty"`
	Outcome string    `json:"outcome,omitempty"`
	Time    time.Time `json:"time"`
}

// Sink accepts events for delivery.
type Sink interface {
	Publish(Event)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Publish(Event) {}
