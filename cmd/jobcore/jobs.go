package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mengeric/jobcore/client"
	"github.com/mengeric/jobcore/model"
)

// JobsCmd 任务查询与操作。
func JobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Submit, inspect and cancel jobs on a running server",
	}
	cmd.AddCommand(jobsSubmitCmd(), jobsGetCmd(), jobsListCmd(), jobsCancelCmd())
	return cmd
}

func jobsSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <type>",
		Short: "Submit a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := client.SubmitJobReq{Type: args[0]}
			if raw, _ := cmd.Flags().GetString("params"); raw != "" {
				if err := json.Unmarshal([]byte(raw), &req.Params); err != nil {
					return fmt.Errorf("--params must be a JSON object: %w", err)
				}
			}
			if s, _ := cmd.Flags().GetString("priority"); s != "" {
				p, err := model.ParsePriority(s)
				if err != nil {
					return err
				}
				req.Priority = &p
			}
			if cmd.Flags().Changed("max-retries") {
				n, _ := cmd.Flags().GetInt("max-retries")
				req.MaxRetries = &n
			}
			id, err := apiFrom(cmd).SubmitJob(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("failed to submit job: %w", err)
			}
			fmt.Println(id)
			return nil
		},
	}
	cmd.Flags().String("params", "", `job parameters as JSON, e.g. '{"sleepMS":500}'`)
	cmd.Flags().String("priority", "", "low, normal or high")
	cmd.Flags().Int("max-retries", 0, "override the default retry budget")
	return cmd
}

func jobsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := apiFrom(cmd).GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(j)
		},
	}
}

func jobsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List live jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := jobQueryFlags(cmd)
			if err != nil {
				return err
			}
			page, err := apiFrom(cmd).ListJobs(cmd.Context(), q)
			if err != nil {
				return fmt.Errorf("failed to list jobs: %w", err)
			}
			if len(page.Items) == 0 {
				fmt.Println("No jobs found.")
				return nil
			}
			fmt.Printf("--- %d of %d jobs ---\n", len(page.Items), page.Total)
			fmt.Println("ID\t\t\t\t\tType\tStatus\t\tPriority\tProgress")
			for _, j := range page.Items {
				fmt.Printf("%s\t%s\t%-10s\t%s\t\t%.1f%%\n", j.ID, j.Type, j.Status, j.Priority, j.Progress)
			}
			return nil
		},
	}
	addJobQueryFlags(cmd)
	return cmd
}

func jobsCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a waiting or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			j, err := apiFrom(cmd).CancelJob(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			if j.CancelledAt != nil {
				fmt.Printf("%s cancelled at %s\n", j.ID, j.CancelledAt.Format(time.RFC3339))
				return nil
			}
			fmt.Printf("%s is %s\n", j.ID, j.Status)
			return nil
		},
	}
	cmd.Flags().String("reason", "", "reason recorded on the job")
	return cmd
}

// addJobQueryFlags 任务/历史查询的公共过滤参数。
func addJobQueryFlags(cmd *cobra.Command) {
	cmd.Flags().StringSlice("status", nil, "filter by status (queued, processing, retrying, completed, failed, cancelled)")
	cmd.Flags().StringSlice("type", nil, "filter by job type")
	cmd.Flags().StringSlice("priority", nil, "filter by priority (low, normal, high)")
	cmd.Flags().Int("offset", 0, "skip the first N results")
	cmd.Flags().Int("limit", 50, "maximum number of results")
}

func jobQueryFlags(cmd *cobra.Command) (client.JobQuery, error) {
	var q client.JobQuery
	statuses, _ := cmd.Flags().GetStringSlice("status")
	for _, s := range statuses {
		q.Statuses = append(q.Statuses, model.Status(s))
	}
	q.Types, _ = cmd.Flags().GetStringSlice("type")
	prios, _ := cmd.Flags().GetStringSlice("priority")
	for _, s := range prios {
		p, err := model.ParsePriority(s)
		if err != nil {
			return q, err
		}
		q.Priorities = append(q.Priorities, p)
	}
	q.Offset, _ = cmd.Flags().GetInt("offset")
	q.Limit, _ = cmd.Flags().GetInt("limit")
	return q, nil
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
