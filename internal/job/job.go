// Package job defines the mutable Job document and its owned Batches and
// Steps. A Job is only ever mutated through the jobstore coordinator; every
// mutator works on a deep clone and publishes the result with a
// compare-and-swap on UpdateIndex.
package job

import (
	"fmt"
	"strconv"
	"time"

	"github.com/foundryci/foundry/internal/graph"
)

// MaxRetries is the number of times a step may be re-executed after its first
// run within one job, when its node allows retries at all.
const MaxRetries = 2

// TargetArgumentPrefix marks job arguments that name targets to build.
const TargetArgumentPrefix = "-target="

// SetupNodeName is the implicit first node of every graph; it is always part
// of the target set for a live job.
const SetupNodeName = "Setup Build"

// StepState is the lifecycle state of one step.
type StepState string

const (
	StepWaiting   StepState = "waiting"
	StepReady     StepState = "ready"
	StepRunning   StepState = "running"
	StepCompleted StepState = "completed"
	StepAborted   StepState = "aborted"
	StepSkipped   StepState = "skipped"
)

// StepOutcome is the result of a finished step.
type StepOutcome string

const (
	OutcomeUnspecified StepOutcome = ""
	OutcomeFailure     StepOutcome = "failure"
	OutcomeWarnings    StepOutcome = "warnings"
	OutcomeSuccess     StepOutcome = "success"
)

// BatchState is the lifecycle state of one batch.
type BatchState string

const (
	BatchWaiting  BatchState = "waiting"
	BatchReady    BatchState = "ready"
	BatchStarting BatchState = "starting"
	BatchRunning  BatchState = "running"
	BatchStopping BatchState = "stopping"
	BatchComplete BatchState = "complete"
)

// BatchError is a typed, persisted reason for a batch failing or being
// skipped. It makes job history self-describing without external logs.
type BatchError string

const (
	BatchErrorNone             BatchError = ""
	BatchErrorCancelled        BatchError = "cancelled"
	BatchErrorLostConnection   BatchError = "lost_connection"
	BatchErrorIncomplete       BatchError = "incomplete"
	BatchErrorUnknownAgentType BatchError = "unknown_agent_type"
	BatchErrorUnknownPool      BatchError = "unknown_pool"
	BatchErrorNoAgentsInPool   BatchError = "no_agents_in_pool"
	BatchErrorNoAgentsOnline   BatchError = "no_agents_online"
	BatchErrorUnknownWorkspace BatchError = "unknown_workspace"
)

// SubResourceID identifies a batch or step within its owning job. IDs are
// allocated from the job's monotonic counter and rendered as four hex digits.
type SubResourceID uint16

// Next returns the following id, skipping zero on wraparound.
func (id SubResourceID) Next() SubResourceID {
	next := id + 1
	if next == 0 {
		next = 1
	}
	return next
}

func (id SubResourceID) String() string {
	return fmt.Sprintf("%04x", uint16(id))
}

// ParseSubResourceID parses the four-hex-digit form.
func ParseSubResourceID(s string) (SubResourceID, error) {
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid sub-resource id %q", s)
	}
	return SubResourceID(v), nil
}

// MarshalText renders ids in the same hex form on the wire as in URLs, so
// clients treat them as opaque strings.
func (id SubResourceID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *SubResourceID) UnmarshalText(text []byte) error {
	v, err := ParseSubResourceID(string(text))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

// Step is one scheduled execution of one graph node within a job.
type Step struct {
	ID             SubResourceID   `json:"id"`
	NodeIdx        int             `json:"node_idx"`
	State          StepState       `json:"state"`
	Outcome        StepOutcome     `json:"outcome,omitempty"`
	LogID          string          `json:"log_id,omitempty"`
	Retry          bool            `json:"retry,omitempty"`
	RetriedByUser  string          `json:"retried_by_user,omitempty"`
	AbortRequested bool            `json:"abort_requested,omitempty"`
	AbortedByUser  string          `json:"aborted_by_user,omitempty"`
	Priority       *graph.Priority `json:"priority,omitempty"`
	ReadyTime      *time.Time      `json:"ready_time,omitempty"`
	StartTime      *time.Time      `json:"start_time,omitempty"`
	FinishTime     *time.Time      `json:"finish_time,omitempty"`
}

// IsPending reports whether the step has not yet reached a terminal state.
func (s *Step) IsPending() bool {
	switch s.State {
	case StepCompleted, StepAborted, StepSkipped:
		return false
	default:
		return true
	}
}

// IsFailedOrSkipped reports whether the step finished with a failure outcome
// or was skipped.
func (s *Step) IsFailedOrSkipped() bool {
	if s.State == StepSkipped {
		return true
	}
	return !s.IsPending() && s.Outcome == OutcomeFailure
}

// Batch is one unit of agent-assignable work: an ordered subsequence of steps
// from one node group, executed under a single lease.
type Batch struct {
	ID               SubResourceID `json:"id"`
	GroupIdx         int           `json:"group_idx"`
	State            BatchState    `json:"state"`
	Error            BatchError    `json:"error,omitempty"`
	Steps            []*Step       `json:"steps"`
	PoolID           string        `json:"pool_id,omitempty"`
	AgentID          string        `json:"agent_id,omitempty"`
	SessionID        string        `json:"session_id,omitempty"`
	LeaseID          string        `json:"lease_id,omitempty"`
	LogID            string        `json:"log_id,omitempty"`
	SchedulePriority int           `json:"schedule_priority,omitempty"`
	ReadyTime        *time.Time    `json:"ready_time,omitempty"`
	StartTime        *time.Time    `json:"start_time,omitempty"`
	FinishTime       *time.Time    `json:"finish_time,omitempty"`
}

// Step finds a step by id.
func (b *Batch) Step(id SubResourceID) *Step {
	for _, s := range b.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// CanBeAppendedTo reports whether the planner may add more steps to this
// batch. Once an agent has begun executing a batch its contents are fixed.
func (b *Batch) CanBeAppendedTo() bool {
	return (b.State == BatchWaiting || b.State == BatchReady) && b.Error == BatchErrorNone
}

// StartDependencies returns the nodes outside this batch whose steps must be
// terminal before the batch may start: the union of the order dependencies of
// the batch's own nodes, minus the nodes the batch itself runs.
func (b *Batch) StartDependencies(g *graph.Graph) []graph.NodeRef {
	inBatch := make(map[int]bool, len(b.Steps))
	for _, s := range b.Steps {
		inBatch[s.NodeIdx] = true
	}

	seen := make(map[graph.NodeRef]bool)
	deps := make([]graph.NodeRef, 0)
	for _, s := range b.Steps {
		node := g.Node(graph.NodeRef{GroupIdx: b.GroupIdx, NodeIdx: s.NodeIdx})
		for _, dep := range node.OrderDependencies {
			if dep.GroupIdx == b.GroupIdx && inBatch[dep.NodeIdx] {
				continue
			}
			if !seen[dep] {
				seen[dep] = true
				deps = append(deps, dep)
			}
		}
	}
	graph.SortRefs(deps)
	return deps
}

// Job is the root aggregate: one submitted build with its batches and steps.
// UpdateIndex is the optimistic concurrency token; it increases by exactly one
// on every successful write.
type Job struct {
	ID               string          `json:"id"`
	StreamID         string          `json:"stream_id"`
	TemplateID       string          `json:"template_id"`
	GraphHash        string          `json:"graph_hash"`
	Name             string          `json:"name"`
	Change           int             `json:"change"`
	CodeChange       int             `json:"code_change,omitempty"`
	PreflightChange  int             `json:"preflight_change,omitempty"`
	Priority         graph.Priority  `json:"priority"`
	StartedByUser    string          `json:"started_by_user,omitempty"`
	AbortedByUser    string          `json:"aborted_by_user,omitempty"`
	Arguments        []string        `json:"arguments,omitempty"`
	Batches          []*Batch        `json:"batches"`
	RetriedNodes     []graph.NodeRef `json:"retried_nodes,omitempty"`
	NextSubResourceID SubResourceID  `json:"next_sub_resource_id"`
	SchedulePriority int             `json:"schedule_priority,omitempty"`
	Issues           []int           `json:"issues,omitempty"`
	CreateTime       time.Time       `json:"create_time"`
	UpdateTime       time.Time       `json:"update_time"`
	UpdateIndex      int             `json:"update_index"`
}

// Batch finds a batch by id.
func (j *Job) Batch(id SubResourceID) *Batch {
	for _, b := range j.Batches {
		if b.ID == id {
			return b
		}
	}
	return nil
}

// BatchIdx returns the index of the batch with the given id, or -1.
func (j *Job) BatchIdx(id SubResourceID) int {
	for i, b := range j.Batches {
		if b.ID == id {
			return i
		}
	}
	return -1
}

// NextID allocates the next sub-resource id for this job.
func (j *Job) NextID() SubResourceID {
	j.NextSubResourceID = j.NextSubResourceID.Next()
	return j.NextSubResourceID
}

// Aborted reports whether a user has aborted the job.
func (j *Job) Aborted() bool {
	return j.AbortedByUser != ""
}

// Targets returns the set of target names requested via job arguments,
// including the implicit setup node. Empty for aborted jobs so that a replan
// drains all outstanding work.
func (j *Job) Targets() map[string]bool {
	targets := make(map[string]bool)
	if j.Aborted() {
		return targets
	}
	for _, arg := range j.Arguments {
		if len(arg) > len(TargetArgumentPrefix) && equalFold(arg[:len(TargetArgumentPrefix)], TargetArgumentPrefix) {
			for _, name := range splitSemi(arg[len(TargetArgumentPrefix):]) {
				targets[foldName(name)] = true
			}
		}
	}
	targets[foldName(SetupNodeName)] = true
	return targets
}

// SchedulePriorityOf computes the job-level schedule priority: the maximum
// batch priority over batches in the Ready state, zero when none are ready.
func SchedulePriorityOf(j *Job) int {
	p := 0
	for _, b := range j.Batches {
		if b.State == BatchReady && b.SchedulePriority > p {
			p = b.SchedulePriority
		}
	}
	return p
}

// Clone returns a deep copy. Mutators transform clones so that a failed CAS
// never leaves the caller's snapshot dirty.
func (j *Job) Clone() *Job {
	c := *j
	c.Arguments = append([]string(nil), j.Arguments...)
	c.RetriedNodes = append([]graph.NodeRef(nil), j.RetriedNodes...)
	c.Issues = append([]int(nil), j.Issues...)
	c.Batches = make([]*Batch, len(j.Batches))
	for i, b := range j.Batches {
		nb := *b
		nb.ReadyTime = cloneTime(b.ReadyTime)
		nb.StartTime = cloneTime(b.StartTime)
		nb.FinishTime = cloneTime(b.FinishTime)
		nb.Steps = make([]*Step, len(b.Steps))
		for k, s := range b.Steps {
			ns := *s
			if s.Priority != nil {
				p := *s.Priority
				ns.Priority = &p
			}
			ns.ReadyTime = cloneTime(s.ReadyTime)
			ns.StartTime = cloneTime(s.StartTime)
			ns.FinishTime = cloneTime(s.FinishTime)
			nb.Steps[k] = &ns
		}
		c.Batches[i] = &nb
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// CanRetryNode reports whether the node may be re-executed again within this
// job, against the MaxRetries ceiling.
func (j *Job) CanRetryNode(ref graph.NodeRef) bool {
	count := 0
	for _, r := range j.RetriedNodes {
		if r == ref {
			count++
		}
	}
	return count < MaxRetries
}
