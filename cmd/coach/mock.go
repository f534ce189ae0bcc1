package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/callcoach/internal/logger"
	"github.com/ehrlich-b/callcoach/internal/mockpipeline"
)

func mockCmd() *cobra.Command {
	var addrFlag string
	var opts mockpipeline.Options

	cmd := &cobra.Command{
		Use:   "mock",
		Short: "Serve a simulated coaching backend for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return mockpipeline.New(opts).ListenAndServe(ctx, addrFlag)
		},
	}
	cmd.Flags().StringVar(&addrFlag, "addr", ":8000", "listen address")
	cmd.Flags().DurationVar(&opts.StepDelay, "step-delay", 0, "pause between agent status updates")
	cmd.Flags().IntVar(&opts.FailBootstraps, "fail-bootstraps", 0, "reject the first N start-meeting calls")
	return cmd
}
