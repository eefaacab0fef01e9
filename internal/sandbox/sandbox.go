// Package sandbox drives remote, isolated code-execution sandboxes.
//
// A run acquires exactly one sandbox and must release it on every exit path:
//
//	CreateWithTimeout ─► Lease ─► WriteFile / RunCode ... ─► Lease.Release
//
// The Registry tracks every live lease so shutdown can release stragglers.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentoven/analyst/pkg/models"
)

// Provider is the sandbox service as seen by the agent.
type Provider interface {
	Create(ctx context.Context, opts CreateOptions) (*models.SandboxHandle, error)
	WriteFile(ctx context.Context, h *models.SandboxHandle, path string, data []byte) error
	RunCode(ctx context.Context, h *models.SandboxHandle, code string) (*Execution, error)
	Kill(ctx context.Context, h *models.SandboxHandle) error
}

// BridgeProvider is a Provider whose sandboxes can host an MCP gateway.
type BridgeProvider interface {
	Provider
	MCPEndpoint(ctx context.Context, h *models.SandboxHandle) (url, token string, err error)
}

// CreateOptions configures a new sandbox.
type CreateOptions struct {
	TemplateID string
	// Lifetime is how long the provider keeps the sandbox alive if nobody kills it.
	Lifetime time.Duration
	Metadata map[string]string
	// MCP configures servers for the sandbox's MCP gateway, e.g.
	// {"exa": {"apiKey": "..."}}.
	MCP map[string]any
}

// Execution is the outcome of running one code cell.
type Execution struct {
	Stdout  []string
	Stderr  []string
	Results []Result
	Error   *ExecutionError
}

// Result is one rich output of a cell. PNG holds decoded image bytes.
type Result struct {
	Text string
	PNG  []byte
}

// ExecutionError is an exception raised by the executed code.
type ExecutionError struct {
	Name      string `json:"name"`
	Value     string `json:"value"`
	Traceback string `json:"traceback"`
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Value)
}

// Images returns the PNG payloads in the order the cell produced them.
func (x *Execution) Images() [][]byte {
	var out [][]byte
	for _, r := range x.Results {
		if len(r.PNG) > 0 {
			out = append(out, r.PNG)
		}
	}
	return out
}

// Text joins the textual results of the cell.
func (x *Execution) Text() string {
	var parts []string
	for _, r := range x.Results {
		if r.Text != "" {
			parts = append(parts, r.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// StdoutText joins stdout chunks as printed.
func (x *Execution) StdoutText() string {
	return strings.Join(x.Stdout, "")
}

// ── Errors ──────────────────────────────────────────────────

// ErrCreateTimeout matches any *TimeoutError.
var ErrCreateTimeout = errors.New("sandbox: creation timed out")

// TimeoutError reports that the local creation timer fired first.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("sandbox: creation timed out locally after %s", e.After)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrCreateTimeout }

// CreationError reports that the provider failed or rejected creation.
type CreationError struct {
	Err error
}

func (e *CreationError) Error() string { return "sandbox: creation failed: " + e.Err.Error() }
func (e *CreationError) Unwrap() error { return e.Err }

// APIError is a non-2xx response from the sandbox service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sandbox: status %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
