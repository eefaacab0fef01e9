package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/agentoven/analyst/internal/executor"
	"github.com/agentoven/analyst/internal/research"
	"github.com/agentoven/analyst/pkg/models"
	"github.com/agentoven/analyst/pkg/server"
)

func runCmd() *cobra.Command {
	var (
		datasetPath string
		instruction string
		outDir      string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Analyze a local CSV once and write the report to a directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()

			data, err := os.ReadFile(datasetPath)
			if err != nil {
				return fmt.Errorf("read dataset: %w", err)
			}

			c, err := server.Build(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			defer func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				c.Sandboxes.ReleaseAll(releaseCtx)
			}()

			if err := c.Executor.Validate(); err != nil {
				return err
			}

			var external string
			if urls := research.ExtractURLs(instruction); len(urls) > 0 {
				external = c.Fetcher.FetchExternalContext(ctx, urls)
			}

			res, err := c.Executor.Run(ctx, executor.Input{
				Dataset:         data,
				Instruction:     instruction,
				ExternalContext: external,
			})
			if err != nil {
				return err
			}

			if err := writeReport(outDir, filepath.Base(datasetPath), res); err != nil {
				return err
			}
			log.Info().
				Str("out", outDir).
				Int("charts", res.ArtifactCount).
				Str("outcome", string(res.Outcome)).
				Msg("✨ Report written")
			return nil
		},
	}
	cmd.Flags().StringVar(&datasetPath, "dataset", "", "CSV file to analyze")
	cmd.Flags().StringVar(&instruction, "instruction", "", "What to analyze (default: a general analysis)")
	cmd.Flags().StringVar(&outDir, "out", "report", "Output directory")
	cmd.MarkFlagRequired("dataset")
	return cmd
}

// writeReport writes report.md and one chart-N.png per artifact into dir.
func writeReport(dir, datasetName string, res *models.RunResult) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Analysis of %s\n\n", datasetName)
	b.WriteString(strings.TrimSpace(res.Narrative))
	b.WriteString("\n")

	if len(res.Artifacts) > 0 {
		b.WriteString("\n## Charts\n\n")
	}
	for _, a := range res.Artifacts {
		name := fmt.Sprintf("chart-%d.png", a.Ordinal)
		if err := os.WriteFile(filepath.Join(dir, name), a.Data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		fmt.Fprintf(&b, "![Chart %d](%s)\n\n", a.Ordinal, name)
	}

	if ext := strings.TrimSpace(res.ExternalContext); ext != "" {
		fmt.Fprintf(&b, "## External context\n\n%s\n\n", ext)
	}
	fmt.Fprintf(&b, "---\n%d rounds · %d charts · %s · run %s\n", res.RoundCount, res.ArtifactCount, res.Outcome, res.RunID)

	if err := os.WriteFile(filepath.Join(dir, "report.md"), []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
