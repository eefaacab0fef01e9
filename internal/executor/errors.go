package executor

import (
	"errors"
	"fmt"

	"github.com/agentoven/analyst/internal/sandbox"
)

// ErrorKind classifies the failures that abort a run. Everything else is
// folded back into the conversation as a tool result.
type ErrorKind string

const (
	KindConfiguration   ErrorKind = "configuration"
	KindSandboxTimeout  ErrorKind = "sandbox_timeout"
	KindSandboxCreation ErrorKind = "sandbox_creation"
)

// Sentinels for errors.Is; each matches a *RunError of the same kind.
var (
	ErrConfiguration   = errors.New("executor: configuration error")
	ErrSandboxTimeout  = errors.New("executor: sandbox creation timed out")
	ErrSandboxCreation = errors.New("executor: sandbox creation failed")
)

// RunError is a fatal run failure.
type RunError struct {
	Kind ErrorKind
	Err  error
}

func (e *RunError) Error() string { return fmt.Sprintf("executor: %s: %v", e.Kind, e.Err) }
func (e *RunError) Unwrap() error { return e.Err }

func (e *RunError) Is(target error) bool {
	switch target {
	case ErrConfiguration:
		return e.Kind == KindConfiguration
	case ErrSandboxTimeout:
		return e.Kind == KindSandboxTimeout
	case ErrSandboxCreation:
		return e.Kind == KindSandboxCreation
	}
	return false
}

// IsFatal reports whether err is one of the run-aborting kinds.
func IsFatal(err error) bool {
	var re *RunError
	return errors.As(err, &re)
}

func classifyCreate(err error) error {
	if errors.Is(err, sandbox.ErrCreateTimeout) {
		return &RunError{Kind: KindSandboxTimeout, Err: err}
	}
	return &RunError{Kind: KindSandboxCreation, Err: err}
}
