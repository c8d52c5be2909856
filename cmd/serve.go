package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/planfinder/internal/api"
	"github.com/sells-group/planfinder/internal/monitoring"
	"github.com/sells-group/planfinder/internal/telemetry"
)

const shutdownTimeout = 15 * time.Second

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the plan API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		tel, err := telemetry.New(cfg.Telemetry)
		if err != nil {
			return err
		}
		metrics, err := telemetry.NewMetrics(tel.MeterProvider)
		if err != nil {
			return err
		}

		env, err := initEngine(ctx, metrics)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := telemetry.ObserveStates(tel.MeterProvider, env.Orch.StateCounts); err != nil {
			return err
		}

		if cfg.Monitoring.Enabled {
			checker := newChecker(env)
			go checker.Run(ctx)
		}

		srv := api.New(env.Orch, env.Search, env.Batch, env.Store, api.Options{
			Port:        resolvePort(servePort, cfg.Server.Port),
			CORSOrigins: cfg.Server.CORSOrigins,
			Metrics:     tel.Handler,
		})

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
			if err := tel.Shutdown(sctx); err != nil {
				zap.L().Warn("telemetry shutdown", zap.Error(err))
			}
		}()

		if err := srv.Start(); err != nil {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func newChecker(env *engineEnv) *monitoring.Checker {
	return monitoring.NewChecker(
		monitoring.NewCollector(env.Ledger, env.Store, env.Invoker),
		monitoring.NewAlerter(cfg.Monitoring),
		env.Ledger,
		cfg.Monitoring,
	)
}

func resolvePort(flag, configured int) int {
	if flag != 0 {
		return flag
	}
	return configured
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
