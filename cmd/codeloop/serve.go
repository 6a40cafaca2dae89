package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"codeloop/internal/app"
	"codeloop/internal/config"
)

func newServeCmd(g *globalOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load(cmd, func(cfg *config.Config) {
				if cmd.Flags().Changed("addr") {
					cfg.Server.Addr = addr
				}
			})
			if err != nil {
				return err
			}
			logger, closeLog, err := g.logger(cfg)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			err = a.Serve(ctx)
			logger.Info("server exiting")
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, e.g. :8081")
	return cmd
}
