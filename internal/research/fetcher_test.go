package research_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/agentoven/analyst/internal/completion"
	"github.com/agentoven/analyst/internal/research"
	"github.com/agentoven/analyst/internal/sandbox"
	"github.com/agentoven/analyst/pkg/models"
)

type fakeBridge struct {
	createErr error
	tokenErr  error
	creates   atomic.Int32
	kills     atomic.Int32
	lastOpts  sandbox.CreateOptions
}

func (b *fakeBridge) Create(_ context.Context, opts sandbox.CreateOptions) (*models.SandboxHandle, error) {
	b.creates.Add(1)
	b.lastOpts = opts
	if b.createErr != nil {
		return nil, b.createErr
	}
	return &models.SandboxHandle{ID: "mcp-1"}, nil
}

func (b *fakeBridge) WriteFile(context.Context, *models.SandboxHandle, string, []byte) error {
	return nil
}

func (b *fakeBridge) RunCode(context.Context, *models.SandboxHandle, string) (*sandbox.Execution, error) {
	return nil, errors.New("not used")
}

func (b *fakeBridge) Kill(context.Context, *models.SandboxHandle) error {
	b.kills.Add(1)
	return nil
}

func (b *fakeBridge) MCPEndpoint(context.Context, *models.SandboxHandle) (string, string, error) {
	if b.tokenErr != nil {
		return "", "", b.tokenErr
	}
	return "https://50005-mcp-1.e2b.app/mcp", "gw-token", nil
}

type fakeResponses struct {
	raw  string
	err  error
	last *completion.ResponsesRequest
}

func (f *fakeResponses) CreateResponse(_ context.Context, req *completion.ResponsesRequest) (*completion.ResponseEnvelope, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &completion.ResponseEnvelope{Raw: json.RawMessage(f.raw)}, nil
}

func newTestFetcher(t *testing.T, b *fakeBridge, r *fakeResponses, key string) *research.Fetcher {
	t.Helper()
	return research.NewFetcher(b, r, sandbox.NewRegistry(), research.Options{SearchKey: key, Model: "gpt-4.1"})
}

func TestFetch_Success(t *testing.T) {
	b := &fakeBridge{}
	r := &fakeResponses{raw: `{"output":[{"type":"message","content":[{"type":"output_text","text":"ADR benchmark is 120"}]}]}`}
	f := newTestFetcher(t, b, r, "exa-key")

	got := f.FetchExternalContext(context.Background(), []string{"https://a.example", "https://b.example"})
	if got != "ADR benchmark is 120" {
		t.Errorf("FetchExternalContext() = %q, want %q", got, "ADR benchmark is 120")
	}
	if n := b.kills.Load(); n != 1 {
		t.Errorf("secondary sandbox kills = %d, want 1", n)
	}

	exa, _ := b.lastOpts.MCP["exa"].(map[string]string)
	if exa["apiKey"] != "exa-key" {
		t.Errorf("MCP options = %v, want exa apiKey", b.lastOpts.MCP)
	}
	tool := r.last.Tools[0]
	if tool.Type != "mcp" || tool.ServerURL != "https://50005-mcp-1.e2b.app/mcp" || tool.Headers["Authorization"] != "Bearer gw-token" {
		t.Errorf("research tool = %+v", tool)
	}
	prompt := r.last.Input[0].Content[0].Text
	if !strings.Contains(prompt, "https://a.example\nhttps://b.example") {
		t.Errorf("research prompt does not list the URLs:\n%s", prompt)
	}
}

func TestFetch_SkipsWithoutURLsOrCredential(t *testing.T) {
	b := &fakeBridge{}
	r := &fakeResponses{raw: `{"output_text":"x"}`}

	if got := newTestFetcher(t, b, r, "exa-key").FetchExternalContext(context.Background(), nil); got != "" {
		t.Errorf("FetchExternalContext(no urls) = %q, want empty", got)
	}
	if got := newTestFetcher(t, b, r, "").FetchExternalContext(context.Background(), []string{"https://a.example"}); got != "" {
		t.Errorf("FetchExternalContext(no key) = %q, want empty", got)
	}
	if n := b.creates.Load(); n != 0 {
		t.Errorf("sandbox creates = %d, want 0", n)
	}
}

func TestFetch_DegradesToEmpty(t *testing.T) {
	tests := []struct {
		name      string
		bridge    *fakeBridge
		responses *fakeResponses
		wantKills int32
	}{
		{"creation fails", &fakeBridge{createErr: errors.New("no capacity")}, &fakeResponses{}, 0},
		{"token unreadable", &fakeBridge{tokenErr: errors.New("404")}, &fakeResponses{}, 1},
		{"request fails", &fakeBridge{}, &fakeResponses{err: errors.New("timeout")}, 1},
		{"unrecognized envelope", &fakeBridge{}, &fakeResponses{raw: `{"weird":true}`}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestFetcher(t, tt.bridge, tt.responses, "exa-key")

			if got := f.FetchExternalContext(context.Background(), []string{"https://a.example"}); got != "" {
				t.Errorf("FetchExternalContext() = %q, want empty", got)
			}
			if n := tt.bridge.kills.Load(); n != tt.wantKills {
				t.Errorf("secondary sandbox kills = %d, want %d", n, tt.wantKills)
			}
		})
	}
}
