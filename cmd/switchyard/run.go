package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/switchyard/switchyard/internal/adapter"
	"github.com/switchyard/switchyard/internal/orchestrator"
	"github.com/switchyard/switchyard/pkg/api"
	"github.com/switchyard/switchyard/pkg/utils"
)

func newRunCmd() *cobra.Command {
	var demo int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the orchestrator and serve the API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			logger, closer, err := utils.NewLogger(utils.LoggingConfig{
				Level:  cfg.Global.LogLevel,
				Format: cfg.Global.LogFormat,
				File:   cfg.Global.LogFile,

				MaxSizeMB:  cfg.Global.LogMaxSizeMB,
				MaxBackups: cfg.Global.LogMaxBackups,
				Compress:   cfg.Global.LogCompress,
			})
			if err != nil {
				return err
			}
			defer func() { _ = closer.Close() }()

			orc, err := orchestrator.New(cfg, demoAdapters(demo), orchestrator.WithLogger(logger))
			if err != nil {
				return err
			}

			if cfg.API.Enabled {
				server := api.NewServer(api.ServerConfig{
					Address:      cfg.API.Address,
					ReadTimeout:  cfg.API.ReadTimeout,
					WriteTimeout: cfg.API.WriteTimeout,
					IdleTimeout:  cfg.API.IdleTimeout,
				}, orc, orc.Metrics().Handler(), logger)
				if err := orc.AddTask("api", server.Run); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := orc.Start(ctx); err != nil {
				return err
			}
			logger.Info("switchyard running", "version", version, "demo_adapters", demo, "api", cfg.API.Enabled)

			<-ctx.Done()
			logger.Info("shutdown signal received")
			return orc.Stop(context.Background())
		},
	}
	cmd.Flags().IntVar(&demo, "demo", 0, "register N echo adapters (demo-1 .. demo-N)")
	return cmd
}

func demoAdapters(n int) []adapter.Registration {
	kinds := []adapter.Kind{adapter.KindMessaging, adapter.KindNotification, adapter.KindInference}
	regs := make([]adapter.Registration, 0, n)
	for i := 1; i <= n; i++ {
		kind := kinds[(i-1)%len(kinds)]
		regs = append(regs, adapter.EchoRegistration(fmt.Sprintf("demo-%d", i), kind, "demo", kind.String()))
	}
	return regs
}
