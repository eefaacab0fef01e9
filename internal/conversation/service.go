// Package conversation turns one inbound user message into an analysis run,
// keeping the per-user session up to date around it.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/analyst/internal/executor"
	"github.com/agentoven/analyst/internal/research"
	"github.com/agentoven/analyst/internal/sessions"
	"github.com/agentoven/analyst/pkg/models"
)

// ErrNoDataset is returned when neither the turn nor the session carries a dataset.
var ErrNoDataset = errors.New("conversation: no dataset uploaded")

// User-facing texts for the two non-result replies.
const (
	WelcomeText = "👋 Welcome to the Data Analyst Agent!\n\nPlease send me a CSV file to analyze. I can:\n\n📊 Analyze trends and patterns\n📈 Perform statistical analysis\n🌐 Research external context\n\nJust send your CSV to get started!"
	ApologyText = "❌ Sorry, something went wrong while analyzing your data. Please try again. If the issue persists, check if your CSV format is correct."
)

const previewRunes = 200

// Runner executes analysis runs.
type Runner interface {
	Validate() error
	Run(ctx context.Context, in executor.Input) (*models.RunResult, error)
}

// ContextFetcher gathers external context for URLs found in an instruction.
type ContextFetcher interface {
	FetchExternalContext(ctx context.Context, urls []string) string
}

// Turn is one inbound message.
type Turn struct {
	SenderID    string
	Instruction string
	Dataset     []byte
	DatasetName string
}

// Reply is the outcome of a turn that produced a run.
type Reply struct {
	SenderID string
	Preview  string
	Result   *models.RunResult
}

// Service handles conversation turns.
type Service struct {
	store   *sessions.Store
	runner  Runner
	fetcher ContextFetcher
}

// NewService wires a service. fetcher may be nil, which disables external context.
func NewService(store *sessions.Store, runner Runner, fetcher ContextFetcher) *Service {
	return &Service{store: store, runner: runner, fetcher: fetcher}
}

// HandleTurn runs one turn end to end. Turns for the same sender are
// serialized; turns for different senders run concurrently.
func (s *Service) HandleTurn(ctx context.Context, t Turn) (*Reply, error) {
	if strings.TrimSpace(t.SenderID) == "" {
		return nil, errors.New("conversation: sender id is required")
	}

	unlock, err := s.store.Lock(ctx, t.SenderID)
	if err != nil {
		return nil, fmt.Errorf("conversation: wait for session: %w", err)
	}
	defer unlock()

	sess, ok := s.store.Get(ctx, t.SenderID)
	if !ok {
		sess = s.store.Create(ctx, t.SenderID)
		log.Info().Str("sender", t.SenderID).Msg("Session created")
	}
	history := sess.Messages
	instruction := strings.TrimSpace(t.Instruction)

	dataset := sess.Dataset
	if len(t.Dataset) > 0 {
		name := t.DatasetName
		if name == "" {
			name = "CSV file"
		}
		dataset = t.Dataset
		s.store.Update(ctx, t.SenderID, models.SessionPatch{
			Dataset:        t.Dataset,
			DatasetName:    &name,
			AppendMessages: []models.Message{{Role: models.RoleUser, Content: "Uploaded " + name}},
		})
		if instruction == "" {
			instruction = executor.DefaultInstruction
		}
		log.Info().Str("sender", t.SenderID).Str("dataset", name).Int("bytes", len(t.Dataset)).Msg("Dataset stored")
	}
	if len(dataset) == 0 {
		return nil, ErrNoDataset
	}
	if instruction == "" {
		instruction = executor.DefaultInstruction
	}

	if err := s.runner.Validate(); err != nil {
		return nil, err
	}

	var external string
	if s.fetcher != nil {
		if urls := research.ExtractURLs(instruction); len(urls) > 0 {
			external = s.fetcher.FetchExternalContext(ctx, urls)
		}
	}

	result, err := s.runner.Run(ctx, executor.Input{
		Dataset:         dataset,
		Instruction:     instruction,
		History:         history,
		ExternalContext: external,
	})
	if err != nil {
		log.Error().Err(err).Str("sender", t.SenderID).Msg("Analysis failed")
		return nil, err
	}

	s.store.Update(ctx, t.SenderID, models.SessionPatch{
		AppendMessages: []models.Message{
			{Role: models.RoleUser, Content: instruction},
			{Role: models.RoleAssistant, Content: result.Narrative},
		},
		Analysis: &models.AnalysisSummary{
			Steps:               summarizeSteps(result),
			Narrative:           result.Narrative,
			TotalCharts:         result.ArtifactCount,
			ExternalContextUsed: external != "",
			CompletedAt:         time.Now().UTC(),
		},
	})

	return &Reply{
		SenderID: t.SenderID,
		Preview:  preview(result.Narrative),
		Result:   result,
	}, nil
}

// Session returns the current session for a sender.
func (s *Service) Session(ctx context.Context, senderID string) (*models.Session, bool) {
	return s.store.Get(ctx, senderID)
}

// Reset drops a sender's session.
func (s *Service) Reset(ctx context.Context, senderID string) {
	s.store.Delete(ctx, senderID)
}

func summarizeSteps(r *models.RunResult) string {
	calls := 0
	for _, round := range r.Trace {
		calls += len(round.ToolCalls)
	}
	return fmt.Sprintf("%d rounds, %d code executions, %d charts (%s)", r.RoundCount, calls, r.ArtifactCount, r.Outcome)
}

func preview(s string) string {
	if utf8.RuneCountInString(s) <= previewRunes {
		return s
	}
	return string([]rune(s)[:previewRunes]) + "..."
}
