// Package dispatch matches ready batches to idle agents. It keeps an
// in-memory priority index over the persisted dispatch queue, refreshed on a
// fixed interval and patched incrementally from job update notifications, and
// parks agents with no eligible work on long-poll waiters.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/foundryci/foundry/internal/agentdir"
	"github.com/foundryci/foundry/internal/job"
	"github.com/foundryci/foundry/internal/jobstore"
)

var tracer = otel.Tracer("github.com/foundryci/foundry/internal/dispatch")

// DefaultRefreshInterval is how often the full index is rebuilt from the
// store when no interval is configured.
const DefaultRefreshInterval = 5 * time.Second

type itemKey struct {
	jobID   string
	batchID job.SubResourceID
}

// entry is one dispatchable batch. Entries are immutable snapshots except for
// the assigning marker, which is only touched under the queue mutex.
type entry struct {
	key         itemKey
	jobID       string
	streamID    string
	batchIdx    int
	agentType   string
	poolID      string
	workspace   string
	priority    int
	createTime  time.Time
	updateIndex int

	// assigning is set while a lease CAS for this batch is in flight, so
	// the matcher never hands the same batch to two agents.
	assigning bool
}

// less orders entries for dispatch: higher batch priority first, then older
// jobs, with ids as the final tiebreak so the order is total.
func less(a, b *entry) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if !a.createTime.Equal(b.createTime) {
		return a.createTime.Before(b.createTime)
	}
	if a.jobID != b.jobID {
		return a.jobID < b.jobID
	}
	return a.key.batchID < b.key.batchID
}

// waiter is a parked RequestWork call. Its channel has capacity one and has
// exactly one sender: whoever removes the waiter from the registry (or flips
// cancelled) while holding the queue mutex owns the send.
type waiter struct {
	agentID   string
	sessionID string
	pools     map[string]bool
	ch        chan *jobstore.Lease

	// busy is set while an assignment for this waiter is in flight.
	busy bool
	// cancelled tells an in-flight assignment that the agent is gone and
	// the lease must be undone.
	cancelled bool
}

type match struct {
	e *entry
	w *waiter
}

// Queue is the in-memory dispatch index.
type Queue struct {
	coord    *jobstore.Coordinator
	agents   agentdir.Directory
	log      *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	items   []*entry // sorted by less
	byKey   map[itemKey]*entry
	seen    map[string]int     // last applied UpdateIndex per job
	waiters map[string]*waiter // by agent id, one wait per agent

	// refreshing buffers notifications that arrive while the index is
	// being rebuilt; they are replayed once the rebuild lands.
	refreshing bool
	pending    []*job.Job
}

// New builds an empty queue. An interval of zero means DefaultRefreshInterval.
// The caller wires the queue into the coordinator with SetNotifier.
func New(coord *jobstore.Coordinator, agents agentdir.Directory, log *slog.Logger, interval time.Duration) *Queue {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		coord:    coord,
		agents:   agents,
		log:      log,
		interval: interval,
		byKey:    make(map[itemKey]*entry),
		seen:     make(map[string]int),
		waiters:  make(map[string]*waiter),
	}
}

// Run refreshes the index on the configured interval until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	if err := q.Refresh(ctx); err != nil {
		q.log.Warn("dispatch refresh failed", "err", err)
	}
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := q.Refresh(ctx); err != nil {
				q.log.Warn("dispatch refresh failed", "err", err)
			}
		}
	}
}

// NotifyJob patches the index with a fresh job snapshot. Stale snapshots (an
// indexed entry carries a higher UpdateIndex) are ignored; snapshots arriving
// mid-refresh are buffered and replayed after the rebuild.
func (q *Queue) NotifyJob(j *job.Job) {
	cands := q.candidates(context.Background(), j)

	q.mu.Lock()
	if q.refreshing {
		q.pending = append(q.pending, j)
		q.mu.Unlock()
		return
	}
	q.applyJobLocked(j, cands)
	matches := q.matchLocked()
	q.mu.Unlock()

	q.dispatch(matches)
}

// NotifyRemove drops every entry for a deleted job.
func (q *Queue) NotifyRemove(jobID string) {
	q.mu.Lock()
	var keys []itemKey
	for key := range q.byKey {
		if key.jobID == jobID {
			keys = append(keys, key)
		}
	}
	for _, key := range keys {
		q.removeLocked(key)
	}
	delete(q.seen, jobID)
	q.mu.Unlock()
}

// RequestWork hands the agent a lease, blocking until one is available, the
// context is cancelled, or the wait is withdrawn server-side. A nil lease
// with a nil error means no work.
func (q *Queue) RequestWork(ctx context.Context, agentID string) (*jobstore.Lease, error) {
	agent, err := q.agents.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !agent.Enabled {
		return nil, fmt.Errorf("agent %q is disabled", agentID)
	}
	if agent.RequiresConform {
		// The host must clean up before it takes new work; the heartbeat
		// tells it so.
		return nil, nil
	}
	if agent.LeaseID != "" {
		return nil, fmt.Errorf("agent %q already holds lease %s", agentID, agent.LeaseID)
	}
	pools, err := q.agents.ListPools(ctx)
	if err != nil {
		return nil, err
	}
	poolSet := make(map[string]bool)
	for _, p := range pools {
		if agentdir.InPool(agent, p) {
			poolSet[p.ID] = true
		}
	}

	w := &waiter{
		agentID:   agentID,
		sessionID: agent.SessionID,
		pools:     poolSet,
		ch:        make(chan *jobstore.Lease, 1),
	}

	q.mu.Lock()
	if prev := q.waiters[agentID]; prev != nil {
		// A newer poll supersedes the old one.
		if prev.busy {
			prev.cancelled = true
		} else {
			delete(q.waiters, agentID)
			prev.ch <- nil
		}
	}
	q.waiters[agentID] = w
	matches := q.matchLocked()
	q.mu.Unlock()

	q.dispatch(matches)

	select {
	case lease := <-w.ch:
		return lease, nil
	case <-ctx.Done():
	}

	// Withdraw, but accept a lease that already won the race.
	q.mu.Lock()
	if q.waiters[agentID] == w {
		if w.busy {
			w.cancelled = true
		} else {
			delete(q.waiters, agentID)
		}
	}
	q.mu.Unlock()
	select {
	case lease := <-w.ch:
		if lease != nil {
			return lease, nil
		}
	default:
	}
	return nil, nil
}

// CancelWait withdraws an agent's pending RequestWork; the blocked call
// returns no work.
func (q *Queue) CancelWait(agentID string) {
	q.mu.Lock()
	w := q.waiters[agentID]
	busy := false
	if w != nil {
		if w.busy {
			w.cancelled = true
			busy = true
		} else {
			delete(q.waiters, agentID)
		}
	}
	q.mu.Unlock()
	if w != nil && !busy {
		w.ch <- nil
	}
}

// matchLocked pairs idle waiters with the highest-priority eligible entries.
// A lower-priority batch is never offered while a higher one has a capable
// waiter. Callers must hand the result to dispatch after unlocking.
func (q *Queue) matchLocked() []match {
	if len(q.waiters) == 0 {
		return nil
	}
	var out []match
	for _, e := range q.items {
		if e.assigning {
			continue
		}
		for _, w := range q.waiters {
			if w.busy || w.cancelled || !w.pools[e.poolID] {
				continue
			}
			e.assigning = true
			w.busy = true
			out = append(out, match{e: e, w: w})
			break
		}
	}
	return out
}

func (q *Queue) dispatch(matches []match) {
	for _, m := range matches {
		go q.assign(m.e, m.w)
	}
}

// assign runs the lease CAS for one matched pair. On conflict the entry
// leaves the index; on other failures it stays for the next refresh. The
// waiter keeps waiting unless its wait was withdrawn mid-flight, in which
// case it is released with no work.
func (q *Queue) assign(e *entry, w *waiter) {
	ctx, span := tracer.Start(context.Background(), "dispatch.assign")
	span.SetAttributes(
		attribute.String("job.id", e.jobID),
		attribute.String("agent.id", w.agentID),
	)
	defer span.End()
	leaseID := uuid.NewString()
	logID := uuid.NewString()

	_, lease, err := q.coord.AssignLease(ctx, e.jobID, e.batchIdx, e.poolID, e.workspace, w.agentID, w.sessionID, leaseID, logID)
	if err != nil {
		q.mu.Lock()
		w.busy = false
		cancelled := w.cancelled
		if cancelled && q.waiters[w.agentID] == w {
			delete(q.waiters, w.agentID)
		}
		if q.byKey[e.key] == e {
			if jobstore.IsConflict(err) || jobstore.IsNotFound(err) {
				q.removeLocked(e.key)
			} else {
				e.assigning = false
			}
		}
		matches := q.matchLocked()
		q.mu.Unlock()
		if cancelled {
			// The wait was withdrawn while the CAS was in flight; the
			// skipped send is ours to make good on.
			w.ch <- nil
		}
		if jobstore.IsConflict(err) || jobstore.IsNotFound(err) {
			q.log.Debug("lease assignment lost", "job", e.jobID, "batch", e.key.batchID, "err", err)
		} else {
			q.log.Warn("lease assignment failed", "job", e.jobID, "batch", e.key.batchID, "err", err)
		}
		q.dispatch(matches)
		return
	}

	if err := q.agents.SetLease(ctx, w.agentID, lease.ID); err != nil {
		q.log.Warn("recording agent lease failed", "agent", w.agentID, "lease", lease.ID, "err", err)
	}

	q.mu.Lock()
	if q.byKey[e.key] == e {
		q.removeLocked(e.key)
	}
	delivered := false
	if q.waiters[w.agentID] == w {
		delete(q.waiters, w.agentID)
		if !w.cancelled {
			w.ch <- lease
			delivered = true
		}
	}
	q.mu.Unlock()

	if !delivered {
		// The agent went away between the match and the write. Undo.
		if err := q.agents.ClearLease(ctx, w.agentID); err != nil {
			q.log.Warn("clearing agent lease failed", "agent", w.agentID, "err", err)
		}
		if _, err := q.coord.CancelLease(ctx, e.jobID, e.batchIdx); err != nil {
			q.log.Warn("cancelling orphaned lease failed", "job", e.jobID, "batch", e.key.batchID, "err", err)
		}
		if w.cancelled {
			w.ch <- nil
		}
	}
}

// applyJobLocked replaces a job's entries with candidates built from a newer
// snapshot. Entries with an assignment in flight are left alone; the CAS
// outcome settles them.
func (q *Queue) applyJobLocked(j *job.Job, cands []*entry) {
	if idx, ok := q.seen[j.ID]; ok && j.UpdateIndex < idx {
		return // stale snapshot
	}
	q.seen[j.ID] = j.UpdateIndex
	var existing []*entry
	for _, e := range q.items {
		if e.jobID == j.ID {
			existing = append(existing, e)
		}
	}
	for _, e := range existing {
		if !e.assigning {
			q.removeLocked(e.key)
		}
	}
	for _, c := range cands {
		if cur := q.byKey[c.key]; cur != nil && cur.assigning {
			continue
		}
		q.insertLocked(c)
	}
}

func (q *Queue) insertLocked(e *entry) {
	if _, ok := q.byKey[e.key]; ok {
		return
	}
	i := sort.Search(len(q.items), func(i int) bool { return less(e, q.items[i]) })
	q.items = append(q.items, nil)
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = e
	q.byKey[e.key] = e
}

func (q *Queue) removeLocked(key itemKey) {
	e, ok := q.byKey[key]
	if !ok {
		return
	}
	delete(q.byKey, key)
	for i, cur := range q.items {
		if cur == e {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}
