package completion

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ── Chat Completions ────────────────────────────────────────

type ChatRequest struct {
	Model      string        `json:"model"`
	Messages   []ChatMessage `json:"messages"`
	Tools      []Tool        `json:"tools,omitempty"`
	ToolChoice string        `json:"tool_choice,omitempty"`
}

type ChatMessage struct {
	Role       string     `json:"role"`
	Content    Content    `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type Tool struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

type FunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type ChatResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

type Choice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Text builds string content.
func Text(s string) Content { return Content{Text: s} }

// Content is message content. On the wire it is null, a string, or an array
// of typed parts; all three decode into one value.
type Content struct {
	Text  string
	Parts []ContentPart
}

type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// String flattens the content to plain text. Parts without text are skipped.
func (c Content) String() string {
	if len(c.Parts) == 0 {
		return c.Text
	}
	var texts []string
	for _, p := range c.Parts {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, " ")
}

func (c Content) IsZero() bool { return c.Text == "" && len(c.Parts) == 0 }

func (c Content) MarshalJSON() ([]byte, error) {
	switch {
	case len(c.Parts) > 0:
		return json.Marshal(c.Parts)
	case c.Text != "":
		return json.Marshal(c.Text)
	default:
		return []byte("null"), nil
	}
}

func (c *Content) UnmarshalJSON(data []byte) error {
	*c = Content{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	switch data[0] {
	case '"':
		return json.Unmarshal(data, &c.Text)
	case '[':
		var raw []json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		for _, item := range raw {
			var s string
			if json.Unmarshal(item, &s) == nil {
				c.Parts = append(c.Parts, ContentPart{Type: "text", Text: s})
				continue
			}
			var p ContentPart
			if err := json.Unmarshal(item, &p); err != nil {
				return fmt.Errorf("content part: %w", err)
			}
			c.Parts = append(c.Parts, p)
		}
		return nil
	case '{':
		var p ContentPart
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		c.Parts = []ContentPart{p}
		return nil
	default:
		return fmt.Errorf("unsupported content shape %q", data[:1])
	}
}

// ── Responses API ───────────────────────────────────────────

type ResponsesRequest struct {
	Model      string          `json:"model"`
	Input      []ResponseInput `json:"input"`
	Tools      []ResponseTool  `json:"tools,omitempty"`
	ToolChoice string          `json:"tool_choice,omitempty"`
}

type ResponseInput struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// ResponseTool declares a remote MCP server the model may call.
type ResponseTool struct {
	Type            string            `json:"type"`
	ServerLabel     string            `json:"server_label"`
	ServerURL       string            `json:"server_url"`
	Headers         map[string]string `json:"headers,omitempty"`
	RequireApproval string            `json:"require_approval,omitempty"`
}

// ── Errors ──────────────────────────────────────────────────

// APIError is a non-2xx response from the completion service.
type APIError struct {
	StatusCode int    `json:"-"`
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("completion: status %d (%s): %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("completion: status %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether the same request may succeed later.
func (e *APIError) Temporary() bool {
	switch {
	case e.StatusCode == 408, e.StatusCode == 409, e.StatusCode == 429:
		return true
	case e.StatusCode >= 500:
		return true
	}
	return false
}
