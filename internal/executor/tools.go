package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentoven/analyst/internal/completion"
	"github.com/agentoven/analyst/internal/config"
	"github.com/agentoven/analyst/pkg/models"
)

// ToolRunPython is the only tool the model is offered.
const ToolRunPython = "run_python"

// stdoutLimit bounds the stdout echoed back to the model.
const stdoutLimit = 8000

type runPythonArgs struct {
	Code      string `json:"code"`
	Reasoning string `json:"reasoning"`
}

func (e *Executor) toolContract() []completion.Tool {
	return []completion.Tool{{
		Type: "function",
		Function: completion.FunctionDef{
			Name:        ToolRunPython,
			Description: config.Render(e.policy.ToolDescription, e.templateVars()),
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"code": map[string]any{
						"type":        "string",
						"description": "The Python code to execute in a single cell.",
					},
					"reasoning": map[string]any{
						"type":        "string",
						"description": "Brief explanation of what this code is trying to do.",
					},
				},
				"required": []string{"code", "reasoning"},
			},
		},
	}}
}

// execute runs one tool call. It never returns an error: every failure
// becomes a structured error result the model can react to.
func (r *run) execute(ctx context.Context, round int, tc completion.ToolCall) models.ToolResult {
	ctx, span := r.e.tracer.Start(ctx, "executor.tool", trace.WithAttributes(
		attribute.String("tool.name", tc.Function.Name),
		attribute.String("tool.call_id", tc.ID),
		attribute.Int("round", round),
	))
	defer span.End()

	res := r.runTool(ctx, round, tc)
	span.SetAttributes(attribute.Int("tool.artifacts", res.ArtifactsProduced))
	if res.Error != nil {
		span.SetStatus(codes.Error, string(res.Error.Kind))
		r.log.Warn().
			Int("round", round).
			Str("tool", tc.Function.Name).
			Str("kind", string(res.Error.Kind)).
			Str("error", res.Error.Message).
			Msg("Tool call failed")
	} else {
		r.log.Debug().
			Int("round", round).
			Str("tool", tc.Function.Name).
			Int("artifacts", res.ArtifactsProduced).
			Msg("Tool call succeeded")
	}
	return res
}

func (r *run) runTool(ctx context.Context, round int, tc completion.ToolCall) models.ToolResult {
	res := models.ToolResult{ToolCallID: tc.ID, Status: models.ToolStatusError}

	if tc.Function.Name != ToolRunPython {
		res.Error = &models.ToolError{
			Kind:    models.ToolErrUnknownTool,
			Message: "Unknown tool: " + tc.Function.Name,
		}
		return res
	}

	raw := strings.TrimSpace(tc.Function.Arguments)
	if raw == "" {
		raw = "{}"
	}
	var args runPythonArgs
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		res.Error = &models.ToolError{
			Kind:    models.ToolErrArgumentParse,
			Message: fmt.Sprintf("arguments are not valid JSON: %v", err),
		}
		return res
	}
	if strings.TrimSpace(args.Code) == "" {
		res.Error = &models.ToolError{
			Kind:    models.ToolErrArgumentParse,
			Message: `missing required argument "code"`,
		}
		return res
	}
	if args.Reasoning != "" {
		r.log.Debug().Int("round", round).Str("reasoning", truncate(args.Reasoning, 200)).Msg("Running code")
	}

	exec, err := r.e.sandboxes.RunCode(ctx, r.handle, args.Code)
	if err != nil {
		res.Error = &models.ToolError{Kind: models.ToolErrSandbox, Message: err.Error()}
		return res
	}

	added := r.acc.Add(round, tc.ID, exec.Images()...)
	res.ArtifactsProduced = len(added)

	if exec.Error != nil {
		res.Error = &models.ToolError{
			Kind:      models.ToolErrExecution,
			Name:      exec.Error.Name,
			Message:   exec.Error.Value,
			Traceback: exec.Error.Traceback,
		}
		return res
	}

	res.Status = models.ToolStatusSuccess
	res.Stdout = truncate(exec.StdoutText(), stdoutLimit)
	res.OutputPreview = truncate(exec.Text(), r.e.opts.PreviewLimit)
	return res
}

type toolSuccess struct {
	Status          models.ToolStatus `json:"status"`
	Stdout          string            `json:"stdout"`
	DataPreview     string            `json:"data_preview"`
	ChartsGenerated int               `json:"charts_generated"`
}

type toolException struct {
	Status          models.ToolStatus `json:"status"`
	Name            string            `json:"name"`
	Value           string            `json:"value"`
	Traceback       string            `json:"traceback"`
	ChartsGenerated int               `json:"charts_generated"`
}

type toolFailure struct {
	Status  models.ToolStatus    `json:"status"`
	Kind    models.ToolErrorKind `json:"kind"`
	Message string               `json:"message"`
}

// encodeToolResult renders a result as the JSON content of a tool message.
func encodeToolResult(res models.ToolResult) string {
	var v any
	switch {
	case res.Error == nil:
		v = toolSuccess{
			Status:          models.ToolStatusSuccess,
			Stdout:          res.Stdout,
			DataPreview:     res.OutputPreview,
			ChartsGenerated: res.ArtifactsProduced,
		}
	case res.Error.Kind == models.ToolErrExecution:
		v = toolException{
			Status:          models.ToolStatusError,
			Name:            res.Error.Name,
			Value:           res.Error.Message,
			Traceback:       res.Error.Traceback,
			ChartsGenerated: res.ArtifactsProduced,
		}
	default:
		v = toolFailure{
			Status:  models.ToolStatusError,
			Kind:    res.Error.Kind,
			Message: res.Error.Message,
		}
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "\n...[truncated]"
}
