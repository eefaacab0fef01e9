package completion_test

import (
	"encoding/json"
	"testing"

	"github.com/agentoven/analyst/internal/completion"
)

func TestExtractOutputText(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "top level output_text",
			raw:  `{"output_text":"direct"}`,
			want: "direct",
		},
		{
			name: "message item with output_text parts",
			raw: `{"output":[
				{"type":"mcp_list_tools","tools":[]},
				{"type":"mcp_call","output":"raw tool output"},
				{"type":"message","content":[{"type":"output_text","text":"first"},{"type":"output_text","text":"second"}]}
			]}`,
			want: "first\nsecond",
		},
		{
			name: "text value wrapper",
			raw:  `{"output":[{"content":[{"type":"text","text":{"value":"wrapped"}}]}]}`,
			want: "wrapped",
		},
		{
			name: "item level output_text object",
			raw:  `{"output":[{"output_text":{"text":"item"}}]}`,
			want: "item",
		},
		{
			name: "string content",
			raw:  `{"output":[{"content":"plain"}]}`,
			want: "plain",
		},
		{
			name: "nested output_text part",
			raw:  `{"output":[{"content":{"output_text":{"text":"deep"}}}]}`,
			want: "deep",
		},
		{
			name: "blank output_text falls through to output",
			raw:  `{"output_text":"  ","output":[{"content":"fallback"}]}`,
			want: "fallback",
		},
		{
			name: "mcp_call output when no message text",
			raw:  `{"output":[{"type":"mcp_list_tools","tools":[]},{"type":"mcp_call","name":"analyze","output":"tool answer"}]}`,
			want: "tool answer",
		},
		{
			name: "message text preferred over mcp_call output",
			raw:  `{"output":[{"type":"mcp_call","output":"tool answer"},{"type":"message","content":[{"type":"output_text","text":"final"}]}]}`,
			want: "final",
		},
		{
			name: "mcp_call without string output",
			raw:  `{"output":[{"type":"mcp_call","output":null,"error":"failed"}]}`,
			want: "",
		},
		{name: "unrecognized shape", raw: `{"choices":[{"message":"x"}]}`, want: ""},
		{name: "numbers where text expected", raw: `{"output_text":5,"output":[{"content":[1,2]}]}`, want: ""},
		{name: "not an object", raw: `["a"]`, want: ""},
		{name: "invalid json", raw: `{`, want: ""},
		{name: "empty", raw: ``, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := completion.ExtractOutputText(json.RawMessage(tt.raw)); got != tt.want {
				t.Errorf("ExtractOutputText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOutputTextNilEnvelope(t *testing.T) {
	var env *completion.ResponseEnvelope
	if got := env.OutputText(); got != "" {
		t.Errorf("OutputText() on nil = %q, want empty", got)
	}
}
