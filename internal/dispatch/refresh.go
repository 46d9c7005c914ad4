package dispatch

import (
	"context"
	"fmt"
	"sort"

	"github.com/foundryci/foundry/internal/agentdir"
	"github.com/foundryci/foundry/internal/job"
	"github.com/foundryci/foundry/internal/jobstore"
)

// Refresh rebuilds the index from the persisted dispatch queue, resolving
// fleet eligibility per batch and persisting scheduling-environment errors.
// Notifications arriving during the rebuild are replayed afterwards.
func (q *Queue) Refresh(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "dispatch.Refresh")
	defer span.End()

	q.mu.Lock()
	q.refreshing = true
	q.mu.Unlock()

	items, err := q.rebuild(ctx)

	q.mu.Lock()
	if err == nil {
		q.installLocked(items)
	}
	pending := q.pending
	q.pending = nil
	q.refreshing = false
	var matches []match
	if err == nil {
		matches = q.matchLocked()
	}
	q.mu.Unlock()

	q.dispatch(matches)
	for _, j := range pending {
		q.NotifyJob(j)
	}
	return err
}

// poolView is a per-refresh snapshot of one pool's capacity.
type poolView struct {
	members    int
	online     int
	workspaces map[string]bool
}

func (q *Queue) fleetView(ctx context.Context) (map[string]*poolView, error) {
	agents, err := q.agents.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	pools, err := q.agents.ListPools(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing pools: %w", err)
	}
	views := make(map[string]*poolView, len(pools))
	for _, p := range pools {
		v := &poolView{workspaces: make(map[string]bool)}
		for _, a := range agents {
			if !agentdir.InPool(a, p) {
				continue
			}
			v.members++
			if a.Enabled && !a.RequiresConform && q.agents.Online(a) {
				v.online++
			}
			for _, ws := range a.Workspaces {
				v.workspaces[ws] = true
			}
		}
		views[p.ID] = v
	}
	return views, nil
}

func (q *Queue) rebuild(ctx context.Context) ([]*entry, error) {
	jobs, err := q.coord.Store().GetDispatchQueue(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading dispatch queue: %w", err)
	}
	views, err := q.fleetView(ctx)
	if err != nil {
		return nil, err
	}

	var items []*entry
	for _, j := range jobs {
		g, err := q.coord.Graph(ctx, j)
		if err != nil {
			q.log.Warn("loading graph failed", "job", j.ID, "err", err)
			continue
		}
		live := false
		for idx, b := range j.Batches {
			if b.State != job.BatchComplete {
				live = true
			}
			if !dispatchable(b) {
				continue
			}
			agentType := g.Groups[b.GroupIdx].AgentType
			binding, berr := q.resolve(ctx, j.StreamID, agentType, views)
			if berr != job.BatchErrorNone {
				q.persistBatchError(ctx, j, b, berr)
				continue
			}
			if b.Error != job.BatchErrorNone {
				// The transient cause cleared; the batch can run again.
				if _, err := q.coord.SetBatchError(ctx, j.ID, b.ID, job.BatchErrorNone); err != nil {
					q.log.Warn("clearing batch error failed", "job", j.ID, "batch", b.ID, "err", err)
					continue
				}
			}
			items = append(items, &entry{
				key:         itemKey{jobID: j.ID, batchID: b.ID},
				jobID:       j.ID,
				streamID:    j.StreamID,
				batchIdx:    idx,
				agentType:   agentType,
				poolID:      binding.PoolID,
				workspace:   binding.Workspace,
				priority:    b.SchedulePriority,
				createTime:  j.CreateTime,
				updateIndex: j.UpdateIndex,
			})
		}
		if !live {
			if _, err := q.coord.RemoveFromDispatchQueue(ctx, j.ID); err != nil && !jobstore.IsNotFound(err) {
				q.log.Warn("dequeueing finished job failed", "job", j.ID, "err", err)
			}
		}
	}
	sort.Slice(items, func(i, k int) bool { return less(items[i], items[k]) })
	return items, nil
}

// installLocked swaps in a rebuilt index, keeping the live entry pointer for
// any batch with an assignment in flight so the CAS outcome can settle it.
func (q *Queue) installLocked(items []*entry) {
	byKey := make(map[itemKey]*entry, len(items))
	for _, e := range items {
		byKey[e.key] = e
	}
	for _, old := range q.items {
		if old.assigning {
			if _, ok := byKey[old.key]; ok {
				byKey[old.key] = old
			}
		}
	}
	for i, e := range items {
		if cur := byKey[e.key]; cur != e {
			items[i] = cur
		}
	}
	seen := make(map[string]int, len(items))
	for _, e := range items {
		if e.updateIndex > seen[e.jobID] {
			seen[e.jobID] = e.updateIndex
		}
	}
	q.items = items
	q.byKey = byKey
	q.seen = seen
}

// candidates derives index entries from a job snapshot for the notification
// path. Batches carrying a recorded scheduling error are left to the next
// full refresh, which re-checks the fleet.
func (q *Queue) candidates(ctx context.Context, j *job.Job) []*entry {
	g, err := q.coord.Graph(ctx, j)
	if err != nil {
		q.log.Warn("loading graph failed", "job", j.ID, "err", err)
		return nil
	}
	var out []*entry
	for idx, b := range j.Batches {
		if !dispatchable(b) || b.Error != job.BatchErrorNone {
			continue
		}
		agentType := g.Groups[b.GroupIdx].AgentType
		binding, err := q.agents.ResolveAgentType(ctx, j.StreamID, agentType)
		if err != nil || binding == nil {
			continue
		}
		out = append(out, &entry{
			key:         itemKey{jobID: j.ID, batchID: b.ID},
			jobID:       j.ID,
			streamID:    j.StreamID,
			batchIdx:    idx,
			agentType:   agentType,
			poolID:      binding.PoolID,
			workspace:   binding.Workspace,
			priority:    b.SchedulePriority,
			createTime:  j.CreateTime,
			updateIndex: j.UpdateIndex,
		})
	}
	return out
}

func (q *Queue) resolve(ctx context.Context, streamID, agentType string, views map[string]*poolView) (*agentdir.Binding, job.BatchError) {
	binding, err := q.agents.ResolveAgentType(ctx, streamID, agentType)
	if err != nil || binding == nil {
		return nil, job.BatchErrorUnknownAgentType
	}
	v := views[binding.PoolID]
	if v == nil {
		return nil, job.BatchErrorUnknownPool
	}
	if v.members == 0 {
		return nil, job.BatchErrorNoAgentsInPool
	}
	if v.online == 0 {
		return nil, job.BatchErrorNoAgentsOnline
	}
	if binding.Workspace != "" && !v.workspaces[binding.Workspace] {
		return nil, job.BatchErrorUnknownWorkspace
	}
	return binding, job.BatchErrorNone
}

// persistBatchError records a resolution failure on the batch. Fleet gaps
// that can heal themselves keep the batch alive; unresolvable configuration
// skips it outright.
func (q *Queue) persistBatchError(ctx context.Context, j *job.Job, b *job.Batch, berr job.BatchError) {
	if b.Error == berr {
		return
	}
	var err error
	if transient(berr) {
		_, err = q.coord.SetBatchError(ctx, j.ID, b.ID, berr)
	} else {
		_, err = q.coord.SkipBatch(ctx, j.ID, b.ID, berr)
	}
	if err != nil {
		q.log.Warn("recording batch error failed", "job", j.ID, "batch", b.ID, "cause", berr, "err", err)
	}
}

func transient(berr job.BatchError) bool {
	return berr == job.BatchErrorNoAgentsInPool || berr == job.BatchErrorNoAgentsOnline
}

// dispatchable reports whether a batch can be offered to an agent now or once
// a transient fleet gap heals.
func dispatchable(b *job.Batch) bool {
	if b.State != job.BatchReady || b.SessionID != "" {
		return false
	}
	switch b.Error {
	case job.BatchErrorNone, job.BatchErrorNoAgentsInPool, job.BatchErrorNoAgentsOnline:
		return true
	}
	return false
}
