package completion

import (
	"bytes"
	"encoding/json"
	"strings"
)

// ResponseEnvelope is a raw Responses API reply. Services disagree on where
// the text lives, so decoding is deferred to OutputText.
type ResponseEnvelope struct {
	Raw json.RawMessage
}

// OutputText extracts plain text from the envelope. Recognized variants, in
// order of preference:
//
//  1. a top-level "output_text" string
//  2. "output" items carrying "output_text" (string or {"text": ...})
//  3. "output" items carrying "content": a string, an array of parts, a
//     {"text": "..."} part or a {"text": {"value": "..."}} wrapper
//  4. when no item has text of its own, the "output" strings of
//     "mcp_call" items
//
// Anything else yields "". It never fails.
func (e *ResponseEnvelope) OutputText() string {
	if e == nil {
		return ""
	}
	return ExtractOutputText(e.Raw)
}

// ExtractOutputText is OutputText for a bare JSON document.
func ExtractOutputText(raw json.RawMessage) string {
	var env struct {
		OutputText json.RawMessage   `json:"output_text"`
		Output     []json.RawMessage `json:"output"`
	}
	if json.Unmarshal(raw, &env) != nil {
		return ""
	}
	if s, ok := stringValue(env.OutputText); ok && strings.TrimSpace(s) != "" {
		return strings.TrimSpace(s)
	}

	var parts, toolOutputs []string
	for _, raw := range env.Output {
		var item outputItem
		if json.Unmarshal(raw, &item) != nil {
			continue
		}
		if item.Type == "mcp_call" {
			if s, ok := stringValue(item.Output); ok && strings.TrimSpace(s) != "" {
				toolOutputs = append(toolOutputs, s)
			}
			continue
		}
		parts = append(parts, item.text()...)
	}
	if len(parts) == 0 {
		parts = toolOutputs
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

type outputItem struct {
	Type       string          `json:"type"`
	OutputText json.RawMessage `json:"output_text"`
	Content    json.RawMessage `json:"content"`
	// Output holds the tool result of an mcp_call item.
	Output json.RawMessage `json:"output"`
}

func (item outputItem) text() []string {
	var out []string
	if s, ok := textValue(item.OutputText); ok {
		out = append(out, s)
	}
	return append(out, contentText(item.Content)...)
}

// contentPart covers {"type":"output_text","text":"..."},
// {"text":{"value":"..."}} and {"output_text":{"text":"..."}}.
type contentPart struct {
	Text       json.RawMessage `json:"text"`
	OutputText json.RawMessage `json:"output_text"`
}

func contentText(raw json.RawMessage) []string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}
	switch raw[0] {
	case '"':
		if s, ok := stringValue(raw); ok && s != "" {
			return []string{s}
		}
	case '[':
		var items []json.RawMessage
		if json.Unmarshal(raw, &items) != nil {
			return nil
		}
		var out []string
		for _, it := range items {
			out = append(out, contentText(it)...)
		}
		return out
	case '{':
		var p contentPart
		if json.Unmarshal(raw, &p) != nil {
			return nil
		}
		if s, ok := textValue(p.Text); ok {
			return []string{s}
		}
		if s, ok := textValue(p.OutputText); ok {
			return []string{s}
		}
	}
	return nil
}

// textValue accepts "..." or {"text": "..."} or {"value": "..."}.
func textValue(raw json.RawMessage) (string, bool) {
	if s, ok := stringValue(raw); ok {
		return s, s != ""
	}
	var wrapped struct {
		Text  *string `json:"text"`
		Value *string `json:"value"`
	}
	if json.Unmarshal(raw, &wrapped) != nil {
		return "", false
	}
	switch {
	case wrapped.Value != nil && *wrapped.Value != "":
		return *wrapped.Value, true
	case wrapped.Text != nil && *wrapped.Text != "":
		return *wrapped.Text, true
	}
	return "", false
}

func stringValue(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return "", false
	}
	return s, true
}
