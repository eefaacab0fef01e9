// Package research pulls external context for URLs a user mentions. It
// boots a sandbox running an MCP gateway with a web-research server, and
// asks the completion service to summarize the pages through that gateway.
//
// Every failure degrades to empty context; research never fails a run.
package research

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/analyst/internal/completion"
	"github.com/agentoven/analyst/internal/config"
	"github.com/agentoven/analyst/internal/sandbox"
)

const gatewayLabel = "e2b-mcp-gateway"

// ResponseCreator is the slice of the completion client research needs.
type ResponseCreator interface {
	CreateResponse(ctx context.Context, req *completion.ResponsesRequest) (*completion.ResponseEnvelope, error)
}

// Options configures a Fetcher.
type Options struct {
	// SearchKey is the credential of the research server. Empty disables research.
	SearchKey       string
	Model           string
	Prompt          string
	SandboxLifetime time.Duration
	CreateTimeout   time.Duration
}

// Fetcher retrieves external context through a secondary sandbox.
type Fetcher struct {
	sandboxes sandbox.BridgeProvider
	responses ResponseCreator
	registry  *sandbox.Registry
	opts      Options
}

// NewFetcher creates a fetcher. reg may be nil.
func NewFetcher(sb sandbox.BridgeProvider, rc ResponseCreator, reg *sandbox.Registry, opts Options) *Fetcher {
	if opts.Prompt == "" {
		opts.Prompt = config.DefaultPolicy().ResearchPrompt
	}
	if opts.SandboxLifetime <= 0 {
		opts.SandboxLifetime = 10 * time.Minute
	}
	if opts.CreateTimeout <= 0 {
		opts.CreateTimeout = 30 * time.Second
	}
	return &Fetcher{sandboxes: sb, responses: rc, registry: reg, opts: opts}
}

// Enabled reports whether a research credential is configured.
func (f *Fetcher) Enabled() bool { return f != nil && f.opts.SearchKey != "" }

// FetchExternalContext returns a research summary for urls, or "" when there
// is nothing to fetch, no credential, or anything goes wrong.
func (f *Fetcher) FetchExternalContext(ctx context.Context, urls []string) string {
	if len(urls) == 0 {
		log.Debug().Msg("No URLs detected for research")
		return ""
	}
	if !f.Enabled() {
		log.Warn().Int("urls", len(urls)).Msg("Research credential missing, skipping external context")
		return ""
	}

	start := time.Now()
	h, err := sandbox.CreateWithTimeout(ctx, f.sandboxes, sandbox.CreateOptions{
		Lifetime: f.opts.SandboxLifetime,
		Metadata: map[string]string{"purpose": "research"},
		MCP:      map[string]any{"exa": map[string]string{"apiKey": f.opts.SearchKey}},
	}, f.opts.CreateTimeout)
	if err != nil {
		log.Warn().Err(err).Msg("Research sandbox unavailable, continuing without external context")
		return ""
	}
	lease := sandbox.NewLease(f.sandboxes, h, f.registry)
	defer lease.Release(ctx)

	gatewayURL, token, err := f.sandboxes.MCPEndpoint(ctx, h)
	if err != nil {
		log.Warn().Err(err).Str("sandbox", h.ID).Msg("Research gateway not reachable")
		return ""
	}

	prompt := config.Render(f.opts.Prompt, map[string]string{"urls": strings.Join(urls, "\n")})
	env, err := f.responses.CreateResponse(ctx, &completion.ResponsesRequest{
		Model: f.opts.Model,
		Input: []completion.ResponseInput{{
			Role:    "user",
			Content: []completion.ContentPart{{Type: "input_text", Text: prompt}},
		}},
		Tools: []completion.ResponseTool{{
			Type:            "mcp",
			ServerLabel:     gatewayLabel,
			ServerURL:       gatewayURL,
			Headers:         map[string]string{"Authorization": "Bearer " + token},
			RequireApproval: "never",
		}},
		ToolChoice: "auto",
	})
	if err != nil {
		log.Warn().Err(err).Msg("Research request failed")
		return ""
	}

	text := env.OutputText()
	if text == "" {
		log.Warn().Int("raw_bytes", len(env.Raw)).Msg("Research returned no text")
		return ""
	}
	log.Info().
		Int("urls", len(urls)).
		Int("chars", len(text)).
		Dur("elapsed", time.Since(start)).
		Msg("External context fetched")
	return text
}
