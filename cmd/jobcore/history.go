package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mengeric/jobcore/client"
	"github.com/mengeric/jobcore/model"
)

// HistoryCmd 查询终态历史；--offline 时直接读取配置中的持久化存储。
func HistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List archived terminal jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := jobQueryFlags(cmd)
			if err != nil {
				return err
			}
			offline, _ := cmd.Flags().GetBool("offline")
			var page model.PageResult[model.HistoryEntry]
			if offline {
				page, err = offlineHistory(cmd, q)
			} else {
				page, err = apiFrom(cmd).ListHistory(cmd.Context(), q)
			}
			if err != nil {
				return fmt.Errorf("failed to list history: %w", err)
			}
			if len(page.Items) == 0 {
				fmt.Println("No history.")
				return nil
			}
			fmt.Printf("--- %d of %d entries ---\n", len(page.Items), page.Total)
			for _, h := range page.Items {
				dur := "-"
				if h.Duration != nil {
					dur = h.Duration.String()
				}
				fmt.Printf("%s\t%s\t%-10s\t%s\t%s\n", h.Job.ID, h.Job.Type, h.Job.Status, dur, h.Job.ErrorMessage)
			}
			return nil
		},
	}
	addJobQueryFlags(cmd)
	cmd.Flags().Bool("offline", false, "read the configured store instead of querying the server")
	return cmd
}

// offlineHistory 从持久化镜像读取历史，服务不必在运行。
func offlineHistory(cmd *cobra.Command, q client.JobQuery) (model.PageResult[model.HistoryEntry], error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return model.PageResult[model.HistoryEntry]{}, err
	}
	store, err := openStore(cfg)
	if err != nil {
		return model.PageResult[model.HistoryEntry]{}, err
	}
	defer store.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	items, err := store.ListHistory(ctx, model.JobFilter{Statuses: q.Statuses, Types: q.Types, Priorities: q.Priorities})
	if err != nil {
		return model.PageResult[model.HistoryEntry]{}, err
	}
	return model.Paginate(items, model.Page{Offset: q.Offset, Limit: q.Limit}), nil
}
