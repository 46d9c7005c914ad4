package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/foundryci/foundry/pkg/agentworker"
	"github.com/foundryci/foundry/pkg/client"
)

var (
	agentID         string
	agentPools      []string
	agentProperties []string
	agentWorkspaces []string
	agentExec       string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run an agent that polls the server for leases",
	RunE:  runAgent,
}

func init() {
	hostname, _ := os.Hostname()
	agentCmd.Flags().StringVar(&agentID, "id", hostname, "Agent ID")
	agentCmd.Flags().StringArrayVar(&agentPools, "pool", nil, "Pool membership (repeatable)")
	agentCmd.Flags().StringArrayVar(&agentProperties, "property", nil, "Agent property key=value (repeatable)")
	agentCmd.Flags().StringArrayVar(&agentWorkspaces, "workspace", nil, "Workspace this agent can sync (repeatable)")
	agentCmd.Flags().StringVar(&agentExec, "exec", "", "Command run per step; empty logs the step and reports success")
	rootCmd.AddCommand(agentCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	props := make(map[string]string, len(agentProperties))
	for _, p := range agentProperties {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return fmt.Errorf("invalid --property %q (want key=value)", p)
		}
		props[k] = v
	}

	w, err := agentworker.New(agentworker.Options{
		ServerURL:  serverURL,
		AgentID:    agentID,
		Pools:      agentPools,
		Properties: props,
		Workspaces: agentWorkspaces,
		Logger:     slog.Default(),
	}, stepExecutor)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	return w.Run(ctx)
}

// stepExecutor shells out to --exec for each step, with the lease exposed
// through the environment. With no --exec it just reports success, which is
// enough to exercise scheduling end to end.
func stepExecutor(ctx context.Context, lease *client.Lease, step *client.Step) (string, error) {
	if agentExec == "" {
		slog.Info("step complete (no exec configured)",
			"job_id", lease.JobID, "batch_id", lease.BatchID,
			"step_id", step.ID, "node_idx", step.NodeIdx)
		return agentworker.OutcomeSuccess, nil
	}

	c := exec.CommandContext(ctx, "/bin/sh", "-c", agentExec)
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	c.Env = append(os.Environ(),
		"FOUNDRY_JOB_ID="+lease.JobID,
		"FOUNDRY_BATCH_ID="+lease.BatchID,
		"FOUNDRY_LEASE_ID="+lease.ID,
		"FOUNDRY_STREAM_ID="+lease.StreamID,
		"FOUNDRY_STEP_ID="+step.ID,
		fmt.Sprintf("FOUNDRY_NODE_IDX=%d", step.NodeIdx),
		fmt.Sprintf("FOUNDRY_CHANGE=%d", lease.Change),
	)
	if err := c.Run(); err != nil {
		return agentworker.OutcomeFailure, err
	}
	return agentworker.OutcomeSuccess, nil
}
