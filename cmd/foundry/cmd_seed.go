package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foundryci/foundry/pkg/client"
)

const seedGraph = `{
  "groups": [
    {
      "agent_type": "Linux",
      "nodes": [
        {"name": "Update Version Files", "priority": 3},
        {
          "name": "Compile Editor", "priority": 3,
          "input_dependencies": [{"group_idx": 0, "node_idx": 0}],
          "order_dependencies": [{"group_idx": 0, "node_idx": 0}]
        },
        {
          "name": "Compile Client", "priority": 3,
          "input_dependencies": [{"group_idx": 0, "node_idx": 0}],
          "order_dependencies": [{"group_idx": 0, "node_idx": 0}]
        },
        {
          "name": "Cook Content", "priority": 3, "allow_retry": true,
          "input_dependencies": [{"group_idx": 0, "node_idx": 1}],
          "order_dependencies": [{"group_idx": 0, "node_idx": 1}]
        }
      ]
    },
    {
      "agent_type": "TestLinux",
      "nodes": [
        {
          "name": "Boot Test", "priority": 5, "allow_retry": true,
          "input_dependencies": [
            {"group_idx": 0, "node_idx": 2},
            {"group_idx": 0, "node_idx": 3}
          ],
          "order_dependencies": [
            {"group_idx": 0, "node_idx": 2},
            {"group_idx": 0, "node_idx": 3}
          ]
        }
      ]
    }
  ],
  "aggregates": [
    {
      "name": "Full Build",
      "nodes": [
        {"group_idx": 0, "node_idx": 1},
        {"group_idx": 0, "node_idx": 2},
        {"group_idx": 0, "node_idx": 3}
      ]
    }
  ],
  "labels": [
    {
      "name": "Editor", "category": "Builds",
      "required_nodes": [{"group_idx": 0, "node_idx": 1}]
    }
  ]
}`

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed sample data for local development",
}

var seedDemoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Register a sample graph and create a few jobs against it",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c := api()

		hash, err := c.RegisterGraph(ctx, []byte(seedGraph))
		if err != nil {
			return fmt.Errorf("register graph: %w", err)
		}
		fmt.Printf("Graph registered: %s\n", hash)

		specs := []client.CreateJobRequest{
			{StreamID: "ue5-main", Name: "CI build 1001", GraphHash: hash, Change: 1001, Priority: 3, StartedBy: "seed",
				Arguments: []string{"-target=Boot Test"}},
			{StreamID: "ue5-main", Name: "CI build 1002", GraphHash: hash, Change: 1002, Priority: 3, StartedBy: "seed",
				Arguments: []string{"-target=Boot Test"}},
			{StreamID: "ue5-main", Name: "Preflight 1003", GraphHash: hash, Change: 1003, Priority: 5, StartedBy: "seed",
				Arguments: []string{"-target=Full Build"}},
			{StreamID: "ue5-release", Name: "Nightly", GraphHash: hash, Priority: 1, StartedBy: "seed",
				Arguments: []string{"-target=Compile Editor"}},
		}
		for _, spec := range specs {
			j, err := c.CreateJob(ctx, spec)
			if err != nil {
				return fmt.Errorf("create job %q: %w", spec.Name, err)
			}
			fmt.Printf("Job created: %s  %s (stream %s, priority %d)\n", j.ID, spec.Name, spec.StreamID, spec.Priority)
		}

		fmt.Println("\nStart the matching fleet bindings with:")
		fmt.Println(`  foundry server \
    --pool pool-linux --pool pool-test=group=test \
    --agent-type ue5-main/Linux=pool-linux@ws-ue5 \
    --agent-type ue5-main/TestLinux=pool-test@ws-ue5 \
    --agent-type ue5-release/Linux=pool-linux@ws-ue5-release`)
		fmt.Println("Then run an agent:")
		fmt.Println("  foundry agent --id agent-1 --pool pool-linux --workspace ws-ue5")
		return nil
	},
}

func init() {
	seedCmd.AddCommand(seedDemoCmd)
	rootCmd.AddCommand(seedCmd)
}
