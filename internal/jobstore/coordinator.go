package jobstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/foundryci/foundry/internal/event"
	"github.com/foundryci/foundry/internal/graph"
	"github.com/foundryci/foundry/internal/job"
)

var tracer = otel.Tracer("github.com/foundryci/foundry/internal/jobstore")

// Notifier receives in-process notifications after successful writes so the
// dispatch queue can update incrementally between full refreshes.
type Notifier interface {
	NotifyJob(j *job.Job)
	NotifyRemove(jobID string)
}

type nopNotifier struct{}

func (nopNotifier) NotifyJob(*job.Job)  {}
func (nopNotifier) NotifyRemove(string) {}

// Mutator transforms a working copy of a job. It must be expressed as a pure
// transformation of the copy it is given: on a write conflict the coordinator
// re-fetches the job and replays the mutator against the fresh snapshot. Any
// error returned is fatal and aborts the update.
type Mutator func(j *job.Job, g *graph.Graph) error

// Coordinator is the only way callers may mutate a job. It wraps the store's
// conditional write in a retry-until-success loop, and on success notifies
// the dispatch queue and publishes transition events.
type Coordinator struct {
	store  Store
	graphs graph.Store
	events event.Sink
	notify Notifier
	log    *slog.Logger
}

func NewCoordinator(store Store, graphs graph.Store, events event.Sink, log *slog.Logger) *Coordinator {
	if events == nil {
		events = event.NopSink{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		store:  store,
		graphs: graphs,
		events: events,
		notify: nopNotifier{},
		log:    log,
	}
}

// SetNotifier wires the dispatch queue in after construction. The queue and
// the coordinator reference each other, so one side has to be set late.
func (c *Coordinator) SetNotifier(n Notifier) {
	if n == nil {
		n = nopNotifier{}
	}
	c.notify = n
}

// Store exposes the underlying store for reads. Writes must go through the
// coordinator.
func (c *Coordinator) Store() Store {
	return c.store
}

// Graph returns the graph a job executes against.
func (c *Coordinator) Graph(ctx context.Context, j *job.Job) (*graph.Graph, error) {
	g, err := c.graphs.Get(ctx, j.GraphHash)
	if err != nil {
		return nil, fmt.Errorf("load graph %s: %w", j.GraphHash, err)
	}
	return g, nil
}

// Update applies fn to the job until the conditional write succeeds. CAS
// conflicts re-fetch and replay; mutator errors abort and propagate.
func (c *Coordinator) Update(ctx context.Context, id string, fn Mutator) (*job.Job, error) {
	ctx, span := tracer.Start(ctx, "jobstore.Update")
	span.SetAttributes(attribute.String("job.id", id))
	defer span.End()
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		before, err := c.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		g, err := c.graphs.Get(ctx, before.GraphHash)
		if err != nil {
			return nil, fmt.Errorf("load graph %s: %w", before.GraphHash, err)
		}

		work := before.Clone()
		if err := fn(work, g); err != nil {
			return nil, err
		}
		work.UpdateIndex = before.UpdateIndex + 1
		work.UpdateTime = time.Now().UTC()

		ok, err := c.store.TryUpdate(ctx, work)
		if err != nil {
			return nil, err
		}
		if ok {
			c.afterWrite(before, work)
			return work, nil
		}
		c.log.Debug("job update conflict, retrying", "job", id, "attempt", attempt+1)
	}
}

// Delete removes a job, retrying on index conflicts until the job is gone.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		j, err := c.store.Get(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				return nil
			}
			return err
		}
		ok, err := c.store.Delete(ctx, id, j.UpdateIndex)
		if err != nil {
			return err
		}
		if ok {
			c.notify.NotifyRemove(id)
			c.events.Publish(event.Event{Kind: event.KindJobDeleted, JobID: id, Time: time.Now().UTC()})
			return nil
		}
	}
}

// afterWrite runs once per successful write: queue notification first, then
// best-effort transition events derived from the before/after snapshots.
func (c *Coordinator) afterWrite(before, after *job.Job) {
	c.notify.NotifyJob(after)
	publishTransitions(c.events, before, after)
}
