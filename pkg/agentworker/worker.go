// Package agentworker runs the agent side of the farm: register, heartbeat,
// long-poll for leases and execute the leased batch step by step through a
// caller-supplied Executor.
package agentworker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/foundryci/foundry/pkg/client"
)

// Executor runs one step of a leased batch and returns its outcome (success,
// warnings or failure). A non-nil error also counts as failure.
type Executor func(ctx context.Context, lease *client.Lease, step *client.Step) (string, error)

// Step and batch states/outcomes as the API spells them.
const (
	OutcomeSuccess  = "success"
	OutcomeWarnings = "warnings"
	OutcomeFailure  = "failure"
)

// Options configure a Worker.
type Options struct {
	ServerURL  string
	AgentID    string
	Pools      []string
	Properties map[string]string
	Workspaces []string

	// HeartbeatInterval defaults to 15s, PollTimeout to 50s per long poll.
	HeartbeatInterval time.Duration
	PollTimeout       time.Duration

	// OnConform is called when the server flags the host for cleanup.
	OnConform func(ctx context.Context) error

	Logger *slog.Logger
}

// Worker is one agent process.
type Worker struct {
	client  *client.Client
	exec    Executor
	opts    Options
	log     *slog.Logger
	session string
}

// New builds a worker. The HTTP client speaks h2c so a single connection can
// carry the long poll alongside status updates.
func New(opts Options, exec Executor) (*Worker, error) {
	if opts.ServerURL == "" || opts.AgentID == "" {
		return nil, errors.New("agentworker: ServerURL and AgentID are required")
	}
	if exec == nil {
		return nil, errors.New("agentworker: an Executor is required")
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 50 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	c := client.New(opts.ServerURL)
	c.HTTPClient = h2cClient()

	return &Worker{
		client: c,
		exec:   exec,
		opts:   opts,
		log:    log.With("agent", opts.AgentID),
	}, nil
}

func h2cClient() *http.Client {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	tr := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
		ReadIdleTimeout: 30 * time.Second,
		PingTimeout:     10 * time.Second,
	}
	// No global timeout: the work request is a long poll.
	return &http.Client{Transport: tr}
}

// Run registers the agent and processes leases until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.register(ctx); err != nil {
		return err
	}
	go w.heartbeatLoop(ctx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		pollCtx, cancel := context.WithTimeout(ctx, w.opts.PollTimeout)
		lease, err := w.client.RequestWork(pollCtx, w.opts.AgentID)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Warn("work poll failed", "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if lease == nil {
			continue
		}
		w.runLease(ctx, lease)
	}
}

func (w *Worker) register(ctx context.Context) error {
	a, err := w.client.RegisterAgent(ctx, client.RegisterAgentRequest{
		ID:         w.opts.AgentID,
		Pools:      w.opts.Pools,
		Properties: w.opts.Properties,
		Workspaces: w.opts.Workspaces,
	})
	if err != nil {
		return fmt.Errorf("register agent: %w", err)
	}
	w.session = a.SessionID
	w.log.Info("agent registered", "session", w.session)
	return nil
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conform, err := w.client.Heartbeat(ctx, w.opts.AgentID)
			if err != nil {
				w.log.Warn("heartbeat failed", "err", err)
				continue
			}
			if conform && w.opts.OnConform != nil {
				if err := w.opts.OnConform(ctx); err != nil {
					w.log.Warn("conform failed", "err", err)
					continue
				}
				if err := w.client.ConformComplete(ctx, w.opts.AgentID); err != nil {
					w.log.Warn("reporting conform completion failed", "err", err)
				}
			}
		}
	}
}

// runLease executes every step of the leased batch in order, reporting each
// transition, then settles the lease. A transport failure mid-batch reports
// lost_connection so the server can requeue retryable work.
func (w *Worker) runLease(ctx context.Context, lease *client.Lease) {
	w.log.Info("lease started", "lease", lease.ID, "job", lease.JobID, "batch", lease.BatchID)

	running := "running"
	j, err := w.client.UpdateBatch(ctx, lease.JobID, lease.BatchID, client.UpdateBatchRequest{
		SessionID: w.session,
		State:     &running,
	})
	if err != nil {
		w.settle(lease, "lost_connection")
		return
	}

	for {
		batch := j.Batch(lease.BatchID)
		if batch == nil {
			break
		}
		step := nextReadyStep(batch)
		if step == nil {
			break
		}

		if _, err := w.client.UpdateStep(ctx, lease.JobID, lease.BatchID, step.ID, client.UpdateStepRequest{
			State: &running,
		}); err != nil {
			w.settle(lease, "lost_connection")
			return
		}

		outcome, execErr := w.exec(ctx, lease, step)
		state := "completed"
		switch {
		case ctx.Err() != nil:
			state = "aborted"
			outcome = OutcomeFailure
		case execErr != nil:
			outcome = OutcomeFailure
		case outcome == "":
			outcome = OutcomeSuccess
		}
		if execErr != nil {
			w.log.Warn("step failed", "lease", lease.ID, "node", step.NodeIdx, "err", execErr)
		}

		j, err = w.client.UpdateStep(ctx, lease.JobID, lease.BatchID, step.ID, client.UpdateStepRequest{
			State:   &state,
			Outcome: &outcome,
		})
		if err != nil {
			w.settle(lease, "lost_connection")
			return
		}
		if state == "aborted" {
			break
		}
	}

	outcome := "success"
	if ctx.Err() != nil {
		outcome = "incomplete"
	}
	w.settle(lease, outcome)
	w.log.Info("lease finished", "lease", lease.ID, "outcome", outcome)
}

// settle reports the lease outcome on a fresh context so shutdown still
// settles in-flight leases.
func (w *Worker) settle(lease *client.Lease, outcome string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := w.client.ReportOutcome(ctx, lease.ID, lease.JobID, lease.BatchID, w.opts.AgentID, outcome); err != nil {
		w.log.Warn("reporting lease outcome failed", "lease", lease.ID, "err", err)
	}
}

func nextReadyStep(batch *client.Batch) *client.Step {
	for i := range batch.Steps {
		if batch.Steps[i].State == "ready" {
			return &batch.Steps[i]
		}
	}
	return nil
}
