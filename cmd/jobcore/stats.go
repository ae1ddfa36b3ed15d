package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// StatsCmd 派发器与执行统计概览。
func StatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue and execution statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			api := apiFrom(cmd)
			qs, err := api.QueueStats(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}
			fmt.Println("--- Queue ---")
			fmt.Printf("queued: \t%d\nprocessing: \t%d/%d\nretrying: \t%d\ncompleted: \t%d\nfailed: \t%d\ncancelled: \t%d\n",
				qs.Queued, qs.Processing, qs.Concurrency, qs.Retrying, qs.Completed, qs.Failed, qs.Cancelled)

			jm, err := api.JobMetrics(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get job metrics: %w", err)
			}
			fmt.Println("\n--- Execution ---")
			fmt.Printf("failure rate: \t%.2f%%\navg duration: \t%s\navg throughput: \t%.2f rec/s\nsamples: \t%d\n",
				jm.FailureRate*100, jm.AvgCompletionTime, jm.AvgThroughput, jm.Samples)
			return nil
		},
	}
}
