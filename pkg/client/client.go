// Package client is a typed HTTP client for the foundry API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is a thin HTTP wrapper for the foundry API.
type Client struct {
	URL        string
	HTTPClient *http.Client
}

// New creates a client for a server base URL.
func New(url string) *Client {
	return &Client{
		URL: url,
		HTTPClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d (%s): %s", e.Status, e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.Status == http.StatusNotFound
}

// IsConflict reports whether err is a 409 from the server.
func IsConflict(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.Status == http.StatusConflict
}

// Step is one scheduled node execution.
type Step struct {
	ID       string `json:"id"`
	NodeIdx  int    `json:"node_idx"`
	State    string `json:"state"`
	Outcome  string `json:"outcome,omitempty"`
	LogID    string `json:"log_id,omitempty"`
	Retry    bool   `json:"retry,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

// Batch is a contiguous run of steps on one agent workspace.
type Batch struct {
	ID               string `json:"id"`
	GroupIdx         int    `json:"group_idx"`
	State            string `json:"state"`
	Error            string `json:"error,omitempty"`
	Steps            []Step `json:"steps"`
	AgentID          string `json:"agent_id,omitempty"`
	SessionID        string `json:"session_id,omitempty"`
	LeaseID          string `json:"lease_id,omitempty"`
	LogID            string `json:"log_id,omitempty"`
	SchedulePriority int    `json:"schedule_priority,omitempty"`
}

// Job is the server's job document.
type Job struct {
	ID               string    `json:"id"`
	StreamID         string    `json:"stream_id"`
	TemplateID       string    `json:"template_id,omitempty"`
	GraphHash        string    `json:"graph_hash"`
	Name             string    `json:"name,omitempty"`
	Change           int       `json:"change,omitempty"`
	Priority         int       `json:"priority,omitempty"`
	SchedulePriority int       `json:"schedule_priority,omitempty"`
	Arguments        []string  `json:"arguments,omitempty"`
	Batches          []Batch   `json:"batches"`
	StartedByUser    string    `json:"started_by_user,omitempty"`
	AbortedByUser    string    `json:"aborted_by_user,omitempty"`
	CreateTime       time.Time `json:"create_time"`
	UpdateTime       time.Time `json:"update_time"`
	UpdateIndex      int       `json:"update_index"`
}

// Batch returns the batch with the given id, or nil.
func (j *Job) Batch(id string) *Batch {
	for i := range j.Batches {
		if j.Batches[i].ID == id {
			return &j.Batches[i]
		}
	}
	return nil
}

// Lease is one unit of assigned work.
type Lease struct {
	ID               string `json:"id"`
	JobID            string `json:"job_id"`
	BatchID          string `json:"batch_id"`
	GraphHash        string `json:"graph_hash"`
	StreamID         string `json:"stream_id"`
	Change           int    `json:"change"`
	AgentType        string `json:"agent_type"`
	PoolID           string `json:"pool_id"`
	Workspace        string `json:"workspace,omitempty"`
	SchedulePriority int    `json:"schedule_priority"`
}

// Agent is a registered worker machine.
type Agent struct {
	ID              string            `json:"id"`
	Pools           []string          `json:"pools,omitempty"`
	Properties      map[string]string `json:"properties,omitempty"`
	Workspaces      []string          `json:"workspaces,omitempty"`
	Enabled         bool              `json:"enabled"`
	SessionID       string            `json:"session_id,omitempty"`
	LeaseID         string            `json:"lease_id,omitempty"`
	RequiresConform bool              `json:"requires_conform,omitempty"`
	LastHeartbeat   time.Time         `json:"last_heartbeat"`
}

// CreateJobRequest starts a new job against a registered graph.
type CreateJobRequest struct {
	StreamID   string   `json:"stream_id"`
	TemplateID string   `json:"template_id,omitempty"`
	Name       string   `json:"name,omitempty"`
	GraphHash  string   `json:"graph_hash"`
	Change     int      `json:"change,omitempty"`
	Priority   int      `json:"priority,omitempty"`
	StartedBy  string   `json:"started_by,omitempty"`
	Arguments  []string `json:"arguments,omitempty"`
}

func (c *Client) CreateJob(ctx context.Context, req CreateJobRequest) (*Job, error) {
	var j Job
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs", req, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func (c *Client) GetJob(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+id, nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// SearchFilter narrows a job search; zero fields are ignored.
type SearchFilter struct {
	StreamID      string    `json:"stream_id,omitempty"`
	TemplateID    string    `json:"template_id,omitempty"`
	MinChange     int       `json:"min_change,omitempty"`
	MaxChange     int       `json:"max_change,omitempty"`
	ModifiedAfter time.Time `json:"modified_after,omitempty"`
	Index         int       `json:"index,omitempty"`
	Count         int       `json:"count,omitempty"`
}

func (c *Client) SearchJobs(ctx context.Context, filter SearchFilter) ([]*Job, error) {
	var out struct {
		Jobs []*Job `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs/search", filter, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

func (c *Client) AbortJob(ctx context.Context, id, abortedBy string) (*Job, error) {
	var j Job
	body := map[string]string{"aborted_by": abortedBy}
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs/"+id+"/abort", body, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func (c *Client) DeleteJob(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/jobs/"+id, nil, nil)
}

// UpdateBatchRequest reports an agent's batch state. SessionID must match the
// session that holds the batch.
type UpdateBatchRequest struct {
	SessionID string  `json:"session_id"`
	State     *string `json:"state,omitempty"`
	LogID     *string `json:"log_id,omitempty"`
}

func (c *Client) UpdateBatch(ctx context.Context, jobID, batchID string, req UpdateBatchRequest) (*Job, error) {
	var j Job
	path := "/api/v1/jobs/" + jobID + "/batches/" + batchID
	if err := c.do(ctx, http.MethodPost, path, req, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// UpdateStepRequest changes one step; nil pointer fields are left unchanged.
type UpdateStepRequest struct {
	State          *string `json:"state,omitempty"`
	Outcome        *string `json:"outcome,omitempty"`
	LogID          *string `json:"log_id,omitempty"`
	Priority       *int    `json:"priority,omitempty"`
	Retry          bool    `json:"retry,omitempty"`
	RetriedBy      string  `json:"retried_by,omitempty"`
	AbortRequested bool    `json:"abort_requested,omitempty"`
	AbortedBy      string  `json:"aborted_by,omitempty"`
}

func (c *Client) UpdateStep(ctx context.Context, jobID, batchID, stepID string, req UpdateStepRequest) (*Job, error) {
	var j Job
	path := "/api/v1/jobs/" + jobID + "/batches/" + batchID + "/steps/" + stepID
	if err := c.do(ctx, http.MethodPost, path, req, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// RegisterGraph submits a raw graph definition and returns its content hash.
func (c *Client) RegisterGraph(ctx context.Context, definition []byte) (string, error) {
	var out struct {
		Hash string `json:"hash"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/graphs", json.RawMessage(definition), &out); err != nil {
		return "", err
	}
	return out.Hash, nil
}

// RegisterAgentRequest announces an agent to the farm.
type RegisterAgentRequest struct {
	ID         string            `json:"id"`
	Pools      []string          `json:"pools,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	Workspaces []string          `json:"workspaces,omitempty"`
}

func (c *Client) RegisterAgent(ctx context.Context, req RegisterAgentRequest) (*Agent, error) {
	var a Agent
	if err := c.do(ctx, http.MethodPost, "/api/v1/agents", req, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *Client) ListAgents(ctx context.Context) ([]*Agent, error) {
	var out struct {
		Agents []*Agent `json:"agents"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/agents", nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// Heartbeat refreshes an agent's liveness and reports whether the server
// wants the host conformed.
func (c *Client) Heartbeat(ctx context.Context, agentID string) (bool, error) {
	var out struct {
		RequiresConform bool `json:"requires_conform"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/agents/"+agentID+"/heartbeat", nil, &out); err != nil {
		return false, err
	}
	return out.RequiresConform, nil
}

// ConformComplete reports that the host finished its conform, making the
// agent eligible for work again.
func (c *Client) ConformComplete(ctx context.Context, agentID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/agents/"+agentID+"/conform", nil, nil)
}

// RequestWork long-polls for a lease. A nil lease with nil error means the
// poll ended with no work.
func (c *Client) RequestWork(ctx context.Context, agentID string) (*Lease, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL+"/api/v1/agents/"+agentID+"/work", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		var lease Lease
		if err := json.NewDecoder(resp.Body).Decode(&lease); err != nil {
			return nil, fmt.Errorf("decode lease: %w", err)
		}
		return &lease, nil
	default:
		return nil, decodeAPIError(resp)
	}
}

func (c *Client) CancelWait(ctx context.Context, agentID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/agents/"+agentID+"/cancelwait", nil, nil)
}

// ReportOutcome settles a finished lease. Outcome is one of success,
// incomplete, lost_connection or cancelled.
func (c *Client) ReportOutcome(ctx context.Context, leaseID, jobID, batchID, agentID, outcome string) (*Job, error) {
	var j Job
	body := map[string]string{
		"job_id":   jobID,
		"batch_id": batchID,
		"agent_id": agentID,
		"outcome":  outcome,
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/leases/"+leaseID+"/outcome", body, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.URL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Error != "" {
		apiErr.Message = payload.Error
		apiErr.Code = payload.Code
	} else {
		apiErr.Message = string(data)
	}
	return apiErr
}
