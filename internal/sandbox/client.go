package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/analyst/pkg/models"
)

const (
	// DefaultTemplate is the code-interpreter image used when none is configured.
	DefaultTemplate = "code-interpreter-v1"
	// MCPTemplate ships the MCP gateway.
	MCPTemplate = "mcp-gateway"

	envdPort = 49983
	codePort = 49999
	mcpPort  = 50005

	mcpTokenPath = "/etc/mcp-gateway/.token"

	// maxEventSize bounds a single NDJSON line; base64 PNGs can be large.
	maxEventSize = 32 << 20
)

// HostResolver returns the base URL of a port exposed by a sandbox.
type HostResolver func(port int, h *models.SandboxHandle) string

// Client talks to an E2B-compatible sandbox service: the control API for
// lifecycle calls, and per-sandbox hosts for files (envd), code execution
// and the MCP gateway.
type Client struct {
	apiKey     string
	apiURL     string
	domain     string
	httpClient *http.Client
	hostFor    HostResolver
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithHostResolver overrides how per-sandbox hosts are addressed.
func WithHostResolver(fn HostResolver) ClientOption {
	return func(c *Client) { c.hostFor = fn }
}

// NewClient creates a sandbox client.
func NewClient(apiKey, apiURL, domain string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:     apiKey,
		apiURL:     strings.TrimRight(apiURL, "/"),
		domain:     domain,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
	c.hostFor = c.defaultHost
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) defaultHost(port int, h *models.SandboxHandle) string {
	domain := h.Domain
	if domain == "" {
		domain = c.domain
	}
	return fmt.Sprintf("https://%d-%s.%s", port, h.ID, domain)
}

// ── Lifecycle ───────────────────────────────────────────────

type createRequest struct {
	TemplateID string            `json:"templateID"`
	Timeout    int               `json:"timeout"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	MCP        map[string]any    `json:"mcp,omitempty"`
}

type createResponse struct {
	SandboxID       string  `json:"sandboxID"`
	TemplateID      string  `json:"templateID"`
	Domain          *string `json:"domain"`
	EnvdAccessToken string  `json:"envdAccessToken"`
}

// Create starts a new sandbox.
func (c *Client) Create(ctx context.Context, opts CreateOptions) (*models.SandboxHandle, error) {
	tmpl := opts.TemplateID
	if tmpl == "" {
		tmpl = DefaultTemplate
		if opts.MCP != nil {
			tmpl = MCPTemplate
		}
	}
	lifetime := opts.Lifetime
	if lifetime <= 0 {
		lifetime = 5 * time.Minute
	}

	body, err := json.Marshal(createRequest{
		TemplateID: tmpl,
		Timeout:    int(lifetime / time.Second),
		Metadata:   opts.Metadata,
		MCP:        opts.MCP,
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox: encode create request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/sandboxes", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("sandbox: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sandbox: create: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var cr createResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("sandbox: decode create response: %w", err)
	}
	if cr.SandboxID == "" {
		return nil, errors.New("sandbox: create response has no sandbox id")
	}

	h := &models.SandboxHandle{
		ID:          cr.SandboxID,
		TemplateID:  cr.TemplateID,
		AccessToken: cr.EnvdAccessToken,
		CreatedAt:   time.Now().UTC(),
	}
	if cr.Domain != nil {
		h.Domain = *cr.Domain
	}
	return h, nil
}

// Kill destroys a sandbox. A sandbox the service no longer knows counts as
// killed. Transient failures are retried a few times.
func (c *Client) Kill(ctx context.Context, h *models.SandboxHandle) error {
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.apiURL+"/sandboxes/"+url.PathEscape(h.ID), nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("sandbox: kill request: %w", err))
		}
		req.Header.Set("X-API-Key", c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("sandbox: kill %s: %w", h.ID, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return nil
		}
		if err := checkStatus(resp); err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && !apiErr.Temporary() {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, 2), ctx))
}

// ── Files ───────────────────────────────────────────────────

// WriteFile uploads data to path inside the sandbox.
func (c *Client) WriteFile(ctx context.Context, h *models.SandboxHandle, path string, data []byte) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", path)
	if err != nil {
		return fmt.Errorf("sandbox: build upload: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("sandbox: build upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("sandbox: build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.filesURL(h, path), &buf)
	if err != nil {
		return fmt.Errorf("sandbox: upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.setAccessToken(req, h)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sandbox: upload %s: %w", path, err)
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// ReadFile downloads path from the sandbox.
func (c *Client) ReadFile(ctx context.Context, h *models.SandboxHandle, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.filesURL(h, path), nil)
	if err != nil {
		return nil, fmt.Errorf("sandbox: read request: %w", err)
	}
	c.setAccessToken(req, h)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sandbox: read %s: %w", path, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("sandbox: read %s: %w", path, err)
	}
	return data, nil
}

func (c *Client) filesURL(h *models.SandboxHandle, path string) string {
	q := url.Values{}
	q.Set("path", path)
	q.Set("username", "user")
	return c.hostFor(envdPort, h) + "/files?" + q.Encode()
}

func (c *Client) setAccessToken(req *http.Request, h *models.SandboxHandle) {
	if h.AccessToken != "" {
		req.Header.Set("X-Access-Token", h.AccessToken)
	}
}

// ── Code Execution ──────────────────────────────────────────

type executeRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
}

// executionEvent is one NDJSON line of the execute stream.
type executionEvent struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	PNG       string `json:"png"`
	Name      string `json:"name"`
	Value     string `json:"value"`
	Traceback string `json:"traceback"`
}

// RunCode executes one Python cell. Cells share interpreter state, so
// variables defined by earlier calls stay visible. An exception raised by the
// code is reported in Execution.Error, not as a Go error.
func (c *Client) RunCode(ctx context.Context, h *models.SandboxHandle, code string) (*Execution, error) {
	body, err := json.Marshal(executeRequest{Code: code, Language: "python"})
	if err != nil {
		return nil, fmt.Errorf("sandbox: encode execute request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.hostFor(codePort, h)+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("sandbox: execute request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAccessToken(req, h)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sandbox: execute: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return decodeExecution(resp.Body, h.ID)
}

func decodeExecution(r io.Reader, sandboxID string) (*Execution, error) {
	exec := &Execution{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev executionEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			log.Warn().Err(err).Str("sandbox", sandboxID).Int("bytes", len(line)).Msg("Skipping malformed execution event")
			continue
		}
		switch ev.Type {
		case "stdout":
			exec.Stdout = append(exec.Stdout, ev.Text)
		case "stderr":
			exec.Stderr = append(exec.Stderr, ev.Text)
		case "result":
			res := Result{Text: ev.Text}
			if ev.PNG != "" {
				img, err := base64.StdEncoding.DecodeString(ev.PNG)
				if err != nil {
					log.Warn().Err(err).Str("sandbox", sandboxID).Msg("Dropping undecodable PNG result")
				} else {
					res.PNG = img
				}
			}
			exec.Results = append(exec.Results, res)
		case "error":
			exec.Error = &ExecutionError{Name: ev.Name, Value: ev.Value, Traceback: ev.Traceback}
		case "end_of_execution", "number_of_executions":
		default:
			log.Debug().Str("type", ev.Type).Msg("Ignoring unknown execution event")
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("sandbox: read execution stream: %w", err)
	}
	return exec, nil
}

// ── MCP Gateway ─────────────────────────────────────────────

// MCPEndpoint returns the gateway URL of a sandbox created with MCP servers
// and the bearer token that guards it.
func (c *Client) MCPEndpoint(ctx context.Context, h *models.SandboxHandle) (string, string, error) {
	raw, err := c.ReadFile(ctx, h, mcpTokenPath)
	if err != nil {
		return "", "", fmt.Errorf("sandbox: read mcp token: %w", err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", "", errors.New("sandbox: mcp token is empty")
	}
	return c.hostFor(mcpPort, h) + "/mcp", token, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	var env struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &env) == nil && env.Message != "" {
		msg = env.Message
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}
