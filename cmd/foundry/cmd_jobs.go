package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foundryci/foundry/pkg/client"
)

var (
	createStream    string
	createTemplate  string
	createName      string
	createGraphHash string
	createGraphFile string
	createChange    int
	createPriority  int
	createStartedBy string
	createArguments []string

	listStream string
	listCount  int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Create and inspect jobs",
}

var jobsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a job from a registered graph",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c := api()

		hash := createGraphHash
		if createGraphFile != "" {
			def, err := os.ReadFile(createGraphFile)
			if err != nil {
				return err
			}
			hash, err = c.RegisterGraph(ctx, def)
			if err != nil {
				return err
			}
		}
		if hash == "" {
			return fmt.Errorf("either --graph-hash or --graph-file is required")
		}

		j, err := c.CreateJob(ctx, client.CreateJobRequest{
			StreamID:   createStream,
			TemplateID: createTemplate,
			Name:       createName,
			GraphHash:  hash,
			Change:     createChange,
			Priority:   createPriority,
			StartedBy:  createStartedBy,
			Arguments:  createArguments,
		})
		if err != nil {
			return err
		}

		if outputJSON {
			printJSON(j)
		} else {
			fmt.Printf("Job created: %s (%d batches)\n", j.ID, len(j.Batches))
		}
		return nil
	},
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		jobs, err := api().SearchJobs(cmd.Context(), client.SearchFilter{
			StreamID: listStream,
			Count:    listCount,
		})
		if err != nil {
			return err
		}
		if outputJSON {
			printJSON(jobs)
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTREAM\tNAME\tCHANGE\tBATCHES\tCREATED")
		for _, j := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				j.ID, j.StreamID, j.Name, j.Change,
				batchSummary(j), j.CreateTime.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show full job detail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		j, err := api().GetJob(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if outputJSON {
			printJSON(j)
			return nil
		}

		fmt.Printf("Job %s\n", j.ID)
		fmt.Printf("  stream: %s  change: %d  priority: %d\n", j.StreamID, j.Change, j.Priority)
		if j.AbortedByUser != "" {
			fmt.Printf("  aborted by: %s\n", j.AbortedByUser)
		}
		for _, b := range j.Batches {
			fmt.Printf("  batch %s  state=%s", b.ID, b.State)
			if b.Error != "" {
				fmt.Printf(" error=%s", b.Error)
			}
			if b.AgentID != "" {
				fmt.Printf(" agent=%s", b.AgentID)
			}
			fmt.Println()
			for _, s := range b.Steps {
				fmt.Printf("    step %s  state=%s", s.ID, s.State)
				if s.Outcome != "" {
					fmt.Printf(" outcome=%s", s.Outcome)
				}
				fmt.Println()
			}
		}
		return nil
	},
}

var jobsAbortCmd = &cobra.Command{
	Use:   "abort <job-id>",
	Short: "Abort a job and cancel its remaining work",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		abortedBy, _ := cmd.Flags().GetString("by")
		j, err := api().AbortJob(cmd.Context(), args[0], abortedBy)
		if err != nil {
			return err
		}
		fmt.Printf("Job %s aborted\n", j.ID)
		return nil
	},
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Delete a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := api().DeleteJob(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("Job deleted")
		return nil
	},
}

var graphRegisterCmd = &cobra.Command{
	Use:   "register-graph <file>",
	Short: "Register a graph definition and print its hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		hash, err := api().RegisterGraph(cmd.Context(), def)
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

func batchSummary(j *client.Job) string {
	counts := map[string]int{}
	for _, b := range j.Batches {
		counts[b.State]++
	}
	parts := make([]string, 0, len(counts))
	for _, state := range []string{"waiting", "ready", "starting", "running", "stopping", "complete"} {
		if n := counts[state]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, state))
		}
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, ", ")
}

func init() {
	jobsCreateCmd.Flags().StringVar(&createStream, "stream", "", "Stream ID (required)")
	jobsCreateCmd.Flags().StringVar(&createTemplate, "template", "", "Template ID")
	jobsCreateCmd.Flags().StringVar(&createName, "name", "", "Job name")
	jobsCreateCmd.Flags().StringVar(&createGraphHash, "graph-hash", "", "Hash of a registered graph")
	jobsCreateCmd.Flags().StringVar(&createGraphFile, "graph-file", "", "Graph definition file to register")
	jobsCreateCmd.Flags().IntVar(&createChange, "change", 0, "Changelist number")
	jobsCreateCmd.Flags().IntVar(&createPriority, "priority", 0, "Job priority (1 lowest, 5 highest)")
	jobsCreateCmd.Flags().StringVar(&createStartedBy, "by", "", "User starting the job")
	jobsCreateCmd.Flags().StringArrayVar(&createArguments, "arg", nil, "Job argument (repeatable)")
	jobsCreateCmd.MarkFlagRequired("stream")

	jobsListCmd.Flags().StringVar(&listStream, "stream", "", "Filter by stream")
	jobsListCmd.Flags().IntVar(&listCount, "count", 50, "Max jobs to return")

	jobsAbortCmd.Flags().String("by", "", "User aborting the job")

	jobsCmd.AddCommand(jobsCreateCmd, jobsListCmd, jobsGetCmd, jobsAbortCmd, jobsDeleteCmd)
	rootCmd.AddCommand(jobsCmd, graphRegisterCmd)
}
