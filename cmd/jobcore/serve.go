package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/mengeric/jobcore/httpapi"
	"github.com/mengeric/jobcore/jobcore"
	"github.com/mengeric/jobcore/logging"
	"github.com/mengeric/jobcore/processor"
	"github.com/mengeric/jobcore/processor/example"
)

// ServeCmd 启动任务服务与 HTTP/websocket 入口，收到 SIGINT/SIGTERM 后优雅退出。
func ServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the job service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
				cfg.HTTP.Listen = listen
			}
			logging.Configure(cfg.Log.Level)

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := store.Close(); err != nil {
					logging.L().Warn(context.Background(), "close store failed", "err", err)
				}
			}()

			procs := processor.NewRegistry()
			procs.MustRegister(example.Definition())

			hub := httpapi.NewHub()
			svc := jobcore.NewService(
				jobcore.WithConfig(cfg),
				jobcore.WithStore(store),
				jobcore.WithSender(hub),
				jobcore.WithProcessors(procs),
			)
			hub.Bind(svc)

			ctx, stop := jobcore.WithSignalCancel(cmd.Context())
			defer stop()
			svc.Start(ctx)

			srv := &http.Server{
				Addr:              cfg.HTTP.Listen,
				Handler:           httpapi.Server{Svc: svc, Hub: hub}.Router(),
				ReadHeaderTimeout: 5 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				logging.L().Info(ctx, "jobcore listening", "addr", cfg.HTTP.Listen, "storage", cfg.Storage.Driver)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case <-ctx.Done():
			case err := <-errCh:
				if err != nil {
					_ = svc.Close(context.Background())
					return err
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Queue.Timeout+5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logging.L().Warn(shutdownCtx, "http shutdown", "err", err)
			}
			if err := svc.Close(shutdownCtx); err != nil {
				logging.L().Warn(shutdownCtx, "service close", "err", err)
			}
			logging.L().Info(shutdownCtx, "jobcore stopped")
			return nil
		},
	}
	cmd.Flags().String("listen", "", "override http.listen from the config")
	return cmd
}
