package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/analyst/pkg/models"
)

func TestWriteReport(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	res := &models.RunResult{
		RunID:           "run-7",
		Narrative:       "  Weekend demand drives growth.  ",
		ExternalContext: "Market grew 3%.",
		RoundCount:      4,
		ArtifactCount:   2,
		Outcome:         models.OutcomeCompleted,
		Artifacts: []models.Artifact{
			{Data: []byte("one"), Ordinal: 1, MIMEType: "image/png"},
			{Data: []byte("two"), Ordinal: 2, MIMEType: "image/png"},
		},
	}

	require.NoError(t, writeReport(dir, "bookings.csv", res))

	report, err := os.ReadFile(filepath.Join(dir, "report.md"))
	require.NoError(t, err)
	text := string(report)
	assert.True(t, strings.HasPrefix(text, "# Analysis of bookings.csv\n\nWeekend demand drives growth.\n"))
	assert.Contains(t, text, "![Chart 1](chart-1.png)")
	assert.Contains(t, text, "![Chart 2](chart-2.png)")
	assert.Contains(t, text, "Market grew 3%.")
	assert.Contains(t, text, "run run-7")

	chart, err := os.ReadFile(filepath.Join(dir, "chart-2.png"))
	require.NoError(t, err)
	assert.Equal(t, "two", string(chart))
}

func TestWriteReportWithoutCharts(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeReport(dir, "d.csv", &models.RunResult{Narrative: "n", Outcome: models.OutcomeRoundLimit}))

	report, err := os.ReadFile(filepath.Join(dir, "report.md"))
	require.NoError(t, err)
	assert.NotContains(t, string(report), "## Charts")
	assert.NotContains(t, string(report), "## External context")
}
