package executor_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agentoven/analyst/internal/completion"
	"github.com/agentoven/analyst/internal/config"
	"github.com/agentoven/analyst/internal/executor"
	"github.com/agentoven/analyst/internal/sandbox"
	"github.com/agentoven/analyst/pkg/models"
)

// ── Completion fake ─────────────────────────────────────────

type step func(req *completion.ChatRequest) (*completion.ChatResponse, error)

// scriptedCompleter answers request i with steps[i]; the last step repeats.
type scriptedCompleter struct {
	mu       sync.Mutex
	steps    []step
	requests []completion.ChatRequest
}

func (c *scriptedCompleter) CreateChatCompletion(_ context.Context, req *completion.ChatRequest) (*completion.ChatResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cp := *req
	cp.Messages = append([]completion.ChatMessage(nil), req.Messages...)
	c.requests = append(c.requests, cp)

	i := len(c.requests) - 1
	if i >= len(c.steps) {
		i = len(c.steps) - 1
	}
	return c.steps[i](req)
}

func (c *scriptedCompleter) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func (c *scriptedCompleter) request(i int) completion.ChatRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[i]
}

func say(text string) step {
	return func(*completion.ChatRequest) (*completion.ChatResponse, error) {
		return &completion.ChatResponse{Choices: []completion.Choice{{
			Message: completion.ChatMessage{Role: "assistant", Content: completion.Text(text)},
		}}}, nil
	}
}

func callTools(calls ...completion.ToolCall) step {
	return func(*completion.ChatRequest) (*completion.ChatResponse, error) {
		return &completion.ChatResponse{Choices: []completion.Choice{{
			Message: completion.ChatMessage{Role: "assistant", ToolCalls: calls},
		}}}, nil
	}
}

func fail(err error) step {
	return func(*completion.ChatRequest) (*completion.ChatResponse, error) { return nil, err }
}

func runPython(id, code string) completion.ToolCall {
	args, _ := json.Marshal(map[string]string{"code": code, "reasoning": "test"})
	return completion.ToolCall{
		ID:       id,
		Type:     "function",
		Function: completion.FunctionCall{Name: executor.ToolRunPython, Arguments: string(args)},
	}
}

// ── Sandbox fake ────────────────────────────────────────────

type fakeSandbox struct {
	mu sync.Mutex

	create   func(ctx context.Context) (*models.SandboxHandle, error)
	writeErr error
	// scripts maps code to its execution; unknown code succeeds with no output.
	scripts map[string]*sandbox.Execution

	creates int
	kills   int
	ran     []string
	written map[string][]byte
}

func (s *fakeSandbox) Create(ctx context.Context, _ sandbox.CreateOptions) (*models.SandboxHandle, error) {
	s.mu.Lock()
	s.creates++
	create := s.create
	s.mu.Unlock()
	if create != nil {
		return create(ctx)
	}
	return &models.SandboxHandle{ID: "sbx-test", CreatedAt: time.Now()}, nil
}

func (s *fakeSandbox) WriteFile(_ context.Context, _ *models.SandboxHandle, path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	if s.written == nil {
		s.written = map[string][]byte{}
	}
	s.written[path] = data
	return nil
}

func (s *fakeSandbox) RunCode(_ context.Context, _ *models.SandboxHandle, code string) (*sandbox.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ran = append(s.ran, code)
	if exec, ok := s.scripts[code]; ok {
		return exec, nil
	}
	return &sandbox.Execution{Stdout: []string{"ok\n"}}, nil
}

func (s *fakeSandbox) Kill(context.Context, *models.SandboxHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kills++
	return nil
}

func (s *fakeSandbox) killCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kills
}

func charts(prefix string, n int) *sandbox.Execution {
	exec := &sandbox.Execution{}
	for i := 0; i < n; i++ {
		exec.Results = append(exec.Results, sandbox.Result{Text: "<Figure>", PNG: []byte(fmt.Sprintf("%s-%d", prefix, i))})
	}
	return exec
}

// ── Helpers ─────────────────────────────────────────────────

const longAnswer = "Key KPIs: total bookings 1,204; average nightly rate 118.40; cancellation rate 7.5%. Chart 1 shows the weekly trend."

func testOptions() executor.Options {
	return executor.Options{
		Model:                "test-model",
		CompletionKey:        "sk-test",
		SandboxKey:           "e2b-test",
		CreateTimeout:        time.Second,
		MaxRounds:            10,
		ArtifactQuota:        3,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     2 * time.Millisecond,
	}
}

func testPolicy() config.Policy {
	p := config.DefaultPolicy()
	p.Correction = "REMAINING={{remaining}} QUOTA={{quota}}"
	return p
}

func newTestExecutor(t *testing.T, c executor.Completer, sb sandbox.Provider, opts executor.Options) *executor.Executor {
	t.Helper()
	return executor.New(c, sb, sandbox.NewRegistry(), testPolicy(), opts)
}

func lastMessage(req completion.ChatRequest) completion.ChatMessage {
	return req.Messages[len(req.Messages)-1]
}

func toolMessages(req completion.ChatRequest) []map[string]any {
	var out []map[string]any
	for _, m := range req.Messages {
		if m.Role != "tool" {
			continue
		}
		var v map[string]any
		_ = json.Unmarshal([]byte(m.Content.String()), &v)
		out = append(out, v)
	}
	return out
}
