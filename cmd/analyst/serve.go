package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/agentoven/analyst/pkg/server"
)

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the analysis HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if port > 0 {
				cfg.Port = port
			}

			log.Info().Str("version", cfg.Version).Msg("📊 Analyst starting...")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, err := server.New(ctx, cfg)
			if err != nil {
				return err
			}
			return srv.Run(ctx)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "Listen port (overrides ANALYST_PORT)")
	return cmd
}
