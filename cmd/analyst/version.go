package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentoven/analyst/internal/config"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		RunE: func(cmd *cobra.Command, args []string) error {
			v := version
			if v == "dev" {
				v = config.Load().Version
			}
			fmt.Fprintf(cmd.OutOrStdout(), "analyst %s\n", v)
			return nil
		},
	}
}
