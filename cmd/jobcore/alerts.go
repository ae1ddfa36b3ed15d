package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mengeric/jobcore/client"
	"github.com/mengeric/jobcore/model"
)

// AlertsCmd 告警查询与处理。
func AlertsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Inspect and resolve alerts",
	}
	cmd.AddCommand(alertsListCmd(), alertsResolveCmd(), alertsStatsCmd())
	return cmd
}

func alertsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List alerts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			var q client.AlertQuery
			types, _ := cmd.Flags().GetStringSlice("type")
			for _, t := range types {
				q.Types = append(q.Types, model.AlertType(t))
			}
			sevs, _ := cmd.Flags().GetStringSlice("severity")
			for _, s := range sevs {
				q.Severities = append(q.Severities, model.Severity(s))
			}
			q.JobID, _ = cmd.Flags().GetString("job")
			if cmd.Flags().Changed("resolved") {
				b, _ := cmd.Flags().GetBool("resolved")
				q.Resolved = &b
			}
			q.Limit, _ = cmd.Flags().GetInt("limit")

			page, err := apiFrom(cmd).ListAlerts(cmd.Context(), q)
			if err != nil {
				return fmt.Errorf("failed to list alerts: %w", err)
			}
			if len(page.Items) == 0 {
				fmt.Println("No alerts.")
				return nil
			}
			fmt.Printf("--- %d of %d alerts ---\n", len(page.Items), page.Total)
			for _, a := range page.Items {
				state := "open"
				if a.Resolved {
					state = "resolved"
				}
				fmt.Printf("%s\t%s\t%-8s\t%-8s\t%s\n", a.ID, a.CreatedAt.Format(time.RFC3339), a.Severity, state, a.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringSlice("type", nil, "filter by type (job_failure, job_stuck, system_warning, system_critical)")
	cmd.Flags().StringSlice("severity", nil, "filter by severity (low, medium, high, warning, critical)")
	cmd.Flags().String("job", "", "filter by job id")
	cmd.Flags().Bool("resolved", false, "filter by resolution state")
	cmd.Flags().Int("limit", 50, "maximum number of results")
	return cmd
}

func alertsResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <id>",
		Short: "Mark an alert resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := apiFrom(cmd).ResolveAlert(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s resolved\n", a.ID)
			return nil
		},
	}
}

func alertsStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count unresolved alerts by type and severity",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := apiFrom(cmd).AlertStatistics(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Unresolved: \t%d\n", st.Unresolved)
			for t, n := range st.ByType {
				fmt.Printf("%s: \t%d\n", t, n)
			}
			for s, n := range st.BySeverity {
				fmt.Printf("%s: \t%d\n", s, n)
			}
			return nil
		},
	}
}
