package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Inspect the agent fleet",
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		agents, err := api().ListAgents(cmd.Context())
		if err != nil {
			return err
		}
		if outputJSON {
			printJSON(agents)
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPOOLS\tENABLED\tLEASE\tCONFORM\tHEARTBEAT")
		for _, a := range agents {
			lease := a.LeaseID
			if lease == "" {
				lease = "-"
			}
			heartbeat := "-"
			if !a.LastHeartbeat.IsZero() {
				heartbeat = time.Since(a.LastHeartbeat).Truncate(time.Second).String() + " ago"
			}
			fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%t\t%s\n",
				a.ID, strings.Join(a.Pools, ","), a.Enabled, lease,
				a.RequiresConform, heartbeat)
		}
		return w.Flush()
	},
}

func init() {
	agentsCmd.AddCommand(agentsListCmd)
	rootCmd.AddCommand(agentsCmd)
}
