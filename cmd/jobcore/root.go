package main

import (
	"github.com/spf13/cobra"

	"github.com/mengeric/jobcore/client"
	"github.com/mengeric/jobcore/config"
)

// NewRootCmd 组装全部子命令。
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "jobcore",
		Short:         "Async job execution and status tracking",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("server", "127.0.0.1:28080", "address of a running jobcore server")
	root.PersistentFlags().String("config", "", "path to a YAML config file")

	root.AddCommand(ServeCmd())
	root.AddCommand(JobsCmd())
	root.AddCommand(AlertsCmd())
	root.AddCommand(HistoryCmd())
	root.AddCommand(StatsCmd())
	return root
}

// loadConfig 读取 --config；未指定时使用默认配置。
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		var c config.Config
		c.WithDefaults()
		return c, nil
	}
	return config.Load(path)
}

func apiFrom(cmd *cobra.Command) client.API {
	addr, _ := cmd.Flags().GetString("server")
	return client.NewHTTP(addr)
}
