package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"convoflow/internal/engine"
	"convoflow/internal/logging"
	"convoflow/internal/pipeline"
	"convoflow/internal/tracing"
	"convoflow/source/kafka"
)

func main() {
	root := &cobra.Command{
		Use:           "convoflow",
		Short:         "Change capture and conversation assembly",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			logging.InitFromEnv()
		},
	}
	root.AddCommand(runCmd(), ctlCmd())

	if err := root.Execute(); err != nil {
		logging.L().Error("convoflow failed", "err", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var (
		cfg  engine.Config
		otlp string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the pipeline and the control surface",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			kafka.Register("sarama", func() kafka.Adapter { return &kafka.SaramaDriver{} })

			shutdown, err := tracing.Init(ctx, "convoflow", otlp)
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdown(sctx)
			}()

			e, err := engine.Bootstrap(ctx, cfg, pipeline.Options{})
			if err != nil {
				return err
			}
			return e.Run(ctx)
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.PipelineYml, "pipeline", "pipeline.yml", "pipeline file")
	f.IntVar(&cfg.GRPCPort, "port", 7070, "control surface port (gRPC and HTTP)")
	f.DurationVar(&cfg.DrainTimeout, "drain-timeout", 30*time.Second, "time allowed for in-flight work on shutdown")
	f.StringVar(&otlp, "otlp-endpoint", os.Getenv("CONVOFLOW_OTLP_ENDPOINT"), "OTLP/HTTP collector host:port; empty disables tracing")
	return cmd
}
