package models

import (
	"encoding/json"
	"time"
)

// ── Conversation ────────────────────────────────────────────

// Role identifies the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is one entry of a conversation or transcript. Order is meaningful:
// it defines the context sent to the completion service.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a tool invocation requested by the model. ID correlates the
// call with the tool message that answers it.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ── Sessions ────────────────────────────────────────────────

// Session is the ephemeral per-user conversational state.
type Session struct {
	UserID       string           `json:"user_id"`
	Messages     []Message        `json:"messages"`
	Dataset      []byte           `json:"-"`
	DatasetName  string           `json:"dataset_name,omitempty"`
	Analysis     *AnalysisSummary `json:"analysis,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	LastActivity time.Time        `json:"last_activity"`
}

// HasDataset reports whether a dataset was uploaded in an earlier turn.
func (s *Session) HasDataset() bool { return len(s.Dataset) > 0 }

// Clone returns a deep copy so callers never share slices with the store.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Messages = append([]Message(nil), s.Messages...)
	if s.Dataset != nil {
		cp.Dataset = append([]byte(nil), s.Dataset...)
	}
	if s.Analysis != nil {
		a := *s.Analysis
		cp.Analysis = &a
	}
	return &cp
}

// SessionPatch is a partial update. Nil fields leave the stored value alone.
type SessionPatch struct {
	Messages       []Message
	AppendMessages []Message
	Dataset        []byte
	DatasetName    *string
	Analysis       *AnalysisSummary
}

// AnalysisSummary records the outcome of the latest run for a session.
type AnalysisSummary struct {
	Steps               string    `json:"steps"`
	Narrative           string    `json:"narrative"`
	TotalCharts         int       `json:"total_charts"`
	ExternalContextUsed bool      `json:"external_context_used"`
	CompletedAt         time.Time `json:"completed_at"`
}

// ── Tool Execution ──────────────────────────────────────────

// ToolStatus is the coarse outcome of one tool call.
type ToolStatus string

const (
	ToolStatusSuccess ToolStatus = "success"
	ToolStatusError   ToolStatus = "error"
)

// ToolErrorKind classifies a recovered tool failure.
type ToolErrorKind string

const (
	ToolErrExecution     ToolErrorKind = "execution_error"
	ToolErrUnknownTool   ToolErrorKind = "unknown_tool"
	ToolErrArgumentParse ToolErrorKind = "argument_parse_error"
	ToolErrSandbox       ToolErrorKind = "sandbox_error"
)

// ToolError describes why a tool call failed. Name, Message and Traceback
// mirror the exception raised inside the sandbox for execution errors.
type ToolError struct {
	Kind      ToolErrorKind `json:"kind"`
	Name      string        `json:"name,omitempty"`
	Message   string        `json:"message"`
	Traceback string        `json:"traceback,omitempty"`
}

// ToolResult is what a tool call fed back into the conversation.
type ToolResult struct {
	ToolCallID        string     `json:"tool_call_id"`
	Status            ToolStatus `json:"status"`
	Stdout            string     `json:"stdout,omitempty"`
	OutputPreview     string     `json:"output_preview,omitempty"`
	Error             *ToolError `json:"error,omitempty"`
	ArtifactsProduced int        `json:"artifacts_produced"`
}

// ── Artifacts & Sandboxes ───────────────────────────────────

// Artifact is a rendered chart produced during code execution.
type Artifact struct {
	Data       []byte `json:"-"`
	MIMEType   string `json:"mime_type"`
	Ordinal    int    `json:"ordinal"`
	Round      int    `json:"round"`
	ToolCallID string `json:"tool_call_id"`
}

// SandboxHandle identifies a live remote sandbox.
type SandboxHandle struct {
	ID          string    `json:"id"`
	TemplateID  string    `json:"template_id,omitempty"`
	Domain      string    `json:"domain,omitempty"`
	AccessToken string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// ── Runs ────────────────────────────────────────────────────

// RunOutcome says why a successful run stopped.
type RunOutcome string

const (
	OutcomeCompleted             RunOutcome = "completed"
	OutcomeRoundLimit            RunOutcome = "round_limit"
	OutcomeCompletionUnavailable RunOutcome = "completion_unavailable"
)

// RunResult is the product of one orchestration run.
type RunResult struct {
	RunID           string     `json:"run_id"`
	Narrative       string     `json:"narrative"`
	Artifacts       []Artifact `json:"artifacts"`
	ExternalContext string     `json:"external_context,omitempty"`
	RoundCount      int        `json:"round_count"`
	ArtifactCount   int        `json:"artifact_count"`
	QuotaMet        bool       `json:"quota_met"`
	Outcome         RunOutcome `json:"outcome"`
	Trace           []Round    `json:"trace,omitempty"`
}

// Round records a single completion request/response cycle.
type Round struct {
	Number      int          `json:"number"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
	Text        string       `json:"text,omitempty"`
	Corrected   bool         `json:"corrected,omitempty"`
	Err         string       `json:"error,omitempty"`
	LatencyMs   int64        `json:"latency_ms"`
}
