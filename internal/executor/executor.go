// Package executor runs the analysis agent: a bounded tool-use loop between
// a completion service and a code sandbox holding the user's dataset.
//
//	init → sandbox_ready → round(1) → [tool_dispatch → round(n+1)]… → terminal
//
// A free-text answer is only accepted once the artifact quota is met or no
// rounds remain; before that the loop pushes a corrective turn and goes on.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentoven/analyst/internal/artifacts"
	"github.com/agentoven/analyst/internal/completion"
	"github.com/agentoven/analyst/internal/config"
	"github.com/agentoven/analyst/internal/sandbox"
	"github.com/agentoven/analyst/pkg/models"
)

const (
	// DefaultMaxRounds bounds completion calls per run.
	DefaultMaxRounds = 10
	// DefaultMinNarrativeLength is the shortest narrative returned as-is.
	DefaultMinNarrativeLength = 50
	// DefaultInstruction is used when a dataset arrives without a request.
	DefaultInstruction = "Analyze this data and provide comprehensive insights"
)

// Completer is the completion service as the loop needs it.
type Completer interface {
	CreateChatCompletion(ctx context.Context, req *completion.ChatRequest) (*completion.ChatResponse, error)
}

// Options tunes a run. Zero values take the defaults, except ArtifactQuota
// where 0 turns the quota gate off.
type Options struct {
	Model string
	// Credentials are only checked for presence; the clients hold their own copies.
	CompletionKey string
	SandboxKey    string

	TemplateID      string
	SandboxLifetime time.Duration
	CreateTimeout   time.Duration
	DatasetPath     string

	MaxRounds int
	// ArtifactQuota is the number of charts required before a free-text
	// answer is accepted. 0 accepts the first answer.
	ArtifactQuota      int
	MinNarrativeLength int
	PreviewLimit       int

	// CompletionMaxFailures is how many consecutive failed completion calls
	// end the loop early.
	CompletionMaxFailures int
	RetryInitialInterval  time.Duration
	RetryMaxInterval      time.Duration
}

// OptionsFromConfig maps service configuration onto run options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Model:                 cfg.Completion.Model,
		CompletionKey:         cfg.Completion.APIKey,
		SandboxKey:            cfg.Sandbox.APIKey,
		TemplateID:            cfg.Sandbox.TemplateID,
		SandboxLifetime:       cfg.Sandbox.Lifetime,
		CreateTimeout:         cfg.Sandbox.CreateTimeout,
		DatasetPath:           cfg.Sandbox.DatasetPath,
		MaxRounds:             cfg.Agent.MaxRounds,
		ArtifactQuota:         cfg.Agent.ArtifactQuota,
		MinNarrativeLength:    cfg.Agent.MinNarrativeLength,
		PreviewLimit:          cfg.Agent.PreviewLimit,
		CompletionMaxFailures: cfg.Agent.CompletionMaxFailures,
	}
}

func (o *Options) setDefaults() {
	if o.MaxRounds == 0 {
		o.MaxRounds = DefaultMaxRounds
	}
	if o.MinNarrativeLength == 0 {
		o.MinNarrativeLength = DefaultMinNarrativeLength
	}
	if o.PreviewLimit == 0 {
		o.PreviewLimit = 1000
	}
	if o.CreateTimeout == 0 {
		o.CreateTimeout = 30 * time.Second
	}
	if o.SandboxLifetime == 0 {
		o.SandboxLifetime = 5 * time.Minute
	}
	if o.DatasetPath == "" {
		o.DatasetPath = "/home/user/data.csv"
	}
	if o.CompletionMaxFailures == 0 {
		o.CompletionMaxFailures = 3
	}
	if o.RetryInitialInterval == 0 {
		o.RetryInitialInterval = time.Second
	}
	if o.RetryMaxInterval == 0 {
		o.RetryMaxInterval = 10 * time.Second
	}
}

// Input is everything a run needs from the conversation.
type Input struct {
	Dataset         []byte
	Instruction     string
	History         []models.Message
	ExternalContext string
}

// Executor runs analysis agents. It is safe for concurrent runs; each run
// owns its own sandbox.
type Executor struct {
	completer Completer
	sandboxes sandbox.Provider
	registry  *sandbox.Registry
	policy    config.Policy
	opts      Options
	tracer    trace.Tracer
}

// New creates an executor. reg may be nil.
func New(c Completer, sb sandbox.Provider, reg *sandbox.Registry, policy config.Policy, opts Options) *Executor {
	opts.setDefaults()
	return &Executor{
		completer: c,
		sandboxes: sb,
		registry:  reg,
		policy:    policy,
		opts:      opts,
		tracer:    otel.Tracer("github.com/agentoven/analyst/internal/executor"),
	}
}

// Validate checks that a run could start. It performs no I/O.
func (e *Executor) Validate() error {
	switch {
	case e.opts.CompletionKey == "":
		return &RunError{Kind: KindConfiguration, Err: errors.New("completion service credential is not configured")}
	case e.opts.SandboxKey == "":
		return &RunError{Kind: KindConfiguration, Err: errors.New("sandbox service credential is not configured")}
	case e.opts.MaxRounds < 1:
		return &RunError{Kind: KindConfiguration, Err: fmt.Errorf("max rounds must be positive, got %d", e.opts.MaxRounds)}
	case e.opts.ArtifactQuota < 0:
		return &RunError{Kind: KindConfiguration, Err: fmt.Errorf("artifact quota must not be negative, got %d", e.opts.ArtifactQuota)}
	}
	return nil
}

// Run executes one analysis. The only errors it returns are *RunError values
// of kind configuration, sandbox_timeout or sandbox_creation; every other
// failure ends up in the conversation or in the result's Outcome.
//
// Flow:
//  1. Validate credentials
//  2. Create the sandbox (racing a local timeout) and upload the dataset
//  3. Call the model with the transcript and the run_python tool
//  4. Tool calls → execute each in order → append results → goto 3
//  5. Text short of the quota with rounds left → corrective turn → goto 3
//  6. Otherwise accept the text and stop
//  7. Destroy the sandbox
func (e *Executor) Run(ctx context.Context, in Input) (*models.RunResult, error) {
	runID := uuid.NewString()
	ctx, span := e.tracer.Start(ctx, "executor.Run", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.Int("run.max_rounds", e.opts.MaxRounds),
		attribute.Int("run.quota", e.opts.ArtifactQuota),
	))
	defer span.End()

	logger := log.With().Str("run", runID).Logger()

	if err := e.Validate(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	start := time.Now()
	h, err := sandbox.CreateWithTimeout(ctx, e.sandboxes, sandbox.CreateOptions{
		TemplateID: e.opts.TemplateID,
		Lifetime:   e.opts.SandboxLifetime,
		Metadata:   map[string]string{"run": runID},
	}, e.opts.CreateTimeout)
	if err != nil {
		err = classifyCreate(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("Sandbox unavailable")
		return nil, err
	}
	lease := sandbox.NewLease(e.sandboxes, h, e.registry)
	defer lease.Release(ctx)

	logger.Info().
		Str("sandbox", h.ID).
		Dur("setup", time.Since(start)).
		Msg("Sandbox ready")

	if err := e.sandboxes.WriteFile(ctx, h, e.opts.DatasetPath, in.Dataset); err != nil {
		err = &RunError{Kind: KindSandboxCreation, Err: fmt.Errorf("upload dataset: %w", err)}
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Str("sandbox", h.ID).Msg("Dataset upload failed")
		return nil, err
	}
	logger.Debug().Int("bytes", len(in.Dataset)).Str("path", e.opts.DatasetPath).Msg("Dataset uploaded")

	r := &run{
		e:          e,
		id:         runID,
		handle:     h,
		acc:        artifacts.New(),
		transcript: e.buildTranscript(in),
		tools:      e.toolContract(),
		log:        logger,
	}
	result := r.loop(ctx)
	result.ExternalContext = in.ExternalContext

	span.SetAttributes(
		attribute.Int("run.rounds", result.RoundCount),
		attribute.Int("run.artifacts", result.ArtifactCount),
		attribute.String("run.outcome", string(result.Outcome)),
	)
	logger.Info().
		Int("rounds", result.RoundCount).
		Int("artifacts", result.ArtifactCount).
		Bool("quota_met", result.QuotaMet).
		Str("outcome", string(result.Outcome)).
		Dur("elapsed", time.Since(start)).
		Msg("Analysis run complete")
	return result, nil
}

var errNoChoices = errors.New("completion: response has no choices")

// run is the state of one Run after the sandbox is ready.
type run struct {
	e          *Executor
	id         string
	handle     *models.SandboxHandle
	acc        *artifacts.Accumulator
	transcript []completion.ChatMessage
	tools      []completion.Tool
	trace      []models.Round
	log        zerolog.Logger
}

func (r *run) loop(ctx context.Context) *models.RunResult {
	opts := r.e.opts

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = opts.RetryInitialInterval
	retry.MaxInterval = opts.RetryMaxInterval
	retry.MaxElapsedTime = 0
	retry.Reset()

	var (
		narrative string
		candidate string
		accepted  bool
		failures  int
		rounds    int
		outcome   = models.OutcomeRoundLimit
	)

	for round := 1; round <= opts.MaxRounds; round++ {
		rounds = round
		roundCtx, span := r.e.tracer.Start(ctx, "executor.round", trace.WithAttributes(attribute.Int("round", round)))
		started := time.Now()
		record := models.Round{Number: round}

		resp, err := r.e.completer.CreateChatCompletion(roundCtx, &completion.ChatRequest{
			Model:      opts.Model,
			Messages:   r.transcript,
			Tools:      r.tools,
			ToolChoice: "auto",
		})
		if err == nil && (resp == nil || len(resp.Choices) == 0) {
			err = errNoChoices
		}
		if err != nil {
			failures++
			record.Err = err.Error()
			record.LatencyMs = time.Since(started).Milliseconds()
			r.trace = append(r.trace, record)
			span.SetStatus(codes.Error, err.Error())
			span.End()

			r.log.Warn().Err(err).Int("round", round).Int("consecutive_failures", failures).Msg("Completion call failed")
			if ctx.Err() != nil || !completion.IsRetryable(err) || failures >= opts.CompletionMaxFailures || round == opts.MaxRounds {
				outcome = models.OutcomeCompletionUnavailable
				break
			}
			if !sleep(ctx, retry.NextBackOff()) {
				outcome = models.OutcomeCompletionUnavailable
				break
			}
			continue
		}
		failures = 0
		retry.Reset()

		msg := resp.Choices[0].Message
		if len(msg.ToolCalls) > 0 {
			r.dispatch(roundCtx, round, msg, &record)
			record.LatencyMs = time.Since(started).Milliseconds()
			r.trace = append(r.trace, record)
			span.SetAttributes(attribute.Int("tool_calls", len(msg.ToolCalls)), attribute.Int("artifacts", r.acc.Len()))
			span.End()
			continue
		}

		text := strings.TrimSpace(msg.Content.String())
		if text != "" {
			candidate = text
		}
		record.Text = text

		remaining := opts.ArtifactQuota - r.acc.Len()
		if remaining > 0 && round < opts.MaxRounds {
			r.correct(text, remaining)
			record.Corrected = true
			record.LatencyMs = time.Since(started).Milliseconds()
			r.trace = append(r.trace, record)
			span.SetAttributes(attribute.Int("remaining", remaining))
			span.End()

			r.log.Info().
				Int("round", round).
				Int("artifacts", r.acc.Len()).
				Int("remaining", remaining).
				Msg("Answer before quota, asking for more charts")
			continue
		}

		narrative = text
		accepted = true
		if remaining <= 0 {
			outcome = models.OutcomeCompleted
		}
		record.LatencyMs = time.Since(started).Milliseconds()
		r.trace = append(r.trace, record)
		span.End()
		break
	}

	if !accepted {
		narrative = candidate
		r.log.Warn().
			Int("rounds", rounds).
			Int("artifacts", r.acc.Len()).
			Str("outcome", string(outcome)).
			Msg("Run ended without an accepted answer")
	}
	if utf8.RuneCountInString(narrative) < opts.MinNarrativeLength {
		r.log.Warn().Int("chars", len(narrative)).Msg("Narrative empty or too short, using fallback")
		narrative = r.e.policy.FallbackNarrative
	}

	count := r.acc.Len()
	return &models.RunResult{
		RunID:         r.id,
		Narrative:     narrative,
		Artifacts:     r.acc.List(),
		RoundCount:    rounds,
		ArtifactCount: count,
		QuotaMet:      count >= opts.ArtifactQuota,
		Outcome:       outcome,
		Trace:         r.trace,
	}
}

// dispatch appends the assistant tool-call turn, then runs every call in the
// order received. Later calls may depend on state left by earlier ones.
func (r *run) dispatch(ctx context.Context, round int, msg completion.ChatMessage, record *models.Round) {
	calls := make([]completion.ToolCall, len(msg.ToolCalls))
	for i, tc := range msg.ToolCalls {
		if tc.ID == "" {
			tc.ID = "call_" + uuid.NewString()
		}
		if tc.Type == "" {
			tc.Type = "function"
		}
		calls[i] = tc
	}

	r.transcript = append(r.transcript, completion.ChatMessage{
		Role:      string(models.RoleAssistant),
		Content:   msg.Content,
		ToolCalls: calls,
	})

	for _, tc := range calls {
		res := r.execute(ctx, round, tc)
		record.ToolCalls = append(record.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: rawArguments(tc.Function.Arguments),
		})
		record.ToolResults = append(record.ToolResults, res)

		r.transcript = append(r.transcript, completion.ChatMessage{
			Role:       string(models.RoleTool),
			ToolCallID: tc.ID,
			Name:       tc.Function.Name,
			Content:    completion.Text(encodeToolResult(res)),
		})
	}
}

// correct pushes the early answer back and asks for the missing charts.
func (r *run) correct(text string, remaining int) {
	if text == "" {
		text = r.e.policy.PartialPlaceholder
	}
	r.transcript = append(r.transcript,
		completion.ChatMessage{Role: string(models.RoleAssistant), Content: completion.Text(text)},
		completion.ChatMessage{Role: string(models.RoleUser), Content: completion.Text(r.e.correctionText(remaining))},
	)
}

func (e *Executor) correctionText(remaining int) string {
	return config.Render(e.policy.Correction, map[string]string{
		"remaining": strconv.Itoa(remaining),
		"quota":     strconv.Itoa(e.opts.ArtifactQuota),
	})
}

func (e *Executor) templateVars() map[string]string {
	return map[string]string{
		"dataset_path": e.opts.DatasetPath,
		"quota":        strconv.Itoa(e.opts.ArtifactQuota),
	}
}

// sleep waits for d or until ctx is done, reporting whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d == backoff.Stop {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
