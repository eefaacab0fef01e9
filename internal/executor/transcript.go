package executor

import (
	"encoding/json"
	"strings"

	"github.com/agentoven/analyst/internal/completion"
	"github.com/agentoven/analyst/internal/config"
	"github.com/agentoven/analyst/pkg/models"
)

// buildTranscript assembles the opening messages of a run: system policy,
// optional external context, prior user/assistant turns, then the request.
func (e *Executor) buildTranscript(in Input) []completion.ChatMessage {
	msgs := make([]completion.ChatMessage, 0, len(in.History)+3)
	msgs = append(msgs, completion.ChatMessage{
		Role:    string(models.RoleSystem),
		Content: completion.Text(config.Render(e.policy.SystemPrompt, e.templateVars())),
	})

	if ext := strings.TrimSpace(in.ExternalContext); ext != "" {
		msgs = append(msgs, completion.ChatMessage{
			Role:    string(models.RoleSystem),
			Content: completion.Text(e.policy.ExternalContextPreamble + ext),
		})
	}

	// Tool turns from earlier runs lost their sandbox; only the dialogue carries over.
	for _, m := range in.History {
		if m.Role != models.RoleUser && m.Role != models.RoleAssistant {
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		msgs = append(msgs, completion.ChatMessage{Role: string(m.Role), Content: completion.Text(m.Content)})
	}

	instruction := strings.TrimSpace(in.Instruction)
	if instruction == "" {
		instruction = DefaultInstruction
	}
	return append(msgs, completion.ChatMessage{
		Role:    string(models.RoleUser),
		Content: completion.Text(instruction),
	})
}

// rawArguments keeps valid JSON arguments as-is and quotes anything else so
// the trace stays valid JSON.
func rawArguments(s string) json.RawMessage {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	b, _ := json.Marshal(s)
	return b
}
