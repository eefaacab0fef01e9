package sandbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/analyst/pkg/models"
)

// releaseTimeout bounds a single Kill issued during cleanup.
const releaseTimeout = 30 * time.Second

type createOutcome struct {
	h   *models.SandboxHandle
	err error
}

// CreateWithTimeout races p.Create against a local timer; whichever settles
// first wins. A timer win returns *TimeoutError and no handle. A provider
// failure returns *CreationError. A sandbox that finishes booting after the
// timer fired is killed in the background and never handed to the caller.
func CreateWithTimeout(ctx context.Context, p Provider, opts CreateOptions, timeout time.Duration) (*models.SandboxHandle, error) {
	createCtx, cancel := context.WithCancel(ctx)
	done := make(chan createOutcome, 1)
	go func() {
		h, err := p.Create(createCtx, opts)
		done <- createOutcome{h, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-done:
		cancel()
		if o.err != nil {
			return nil, &CreationError{Err: o.err}
		}
		if o.h == nil {
			return nil, &CreationError{Err: errors.New("provider returned no sandbox")}
		}
		return o.h, nil
	case <-timer.C:
		cancel()
		go reapLate(p, done)
		return nil, &TimeoutError{After: timeout}
	case <-ctx.Done():
		cancel()
		go reapLate(p, done)
		return nil, &CreationError{Err: ctx.Err()}
	}
}

// reapLate waits for an abandoned Create and kills whatever it produced.
func reapLate(p Provider, done <-chan createOutcome) {
	o := <-done
	if o.h == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := p.Kill(ctx, o.h); err != nil {
		log.Warn().Err(err).Str("sandbox", o.h.ID).Msg("Failed to kill sandbox that booted after local timeout")
		return
	}
	log.Info().Str("sandbox", o.h.ID).Msg("Killed sandbox that booted after local timeout")
}

// Lease owns one sandbox handle and destroys it exactly once, however many
// times Release is called.
type Lease struct {
	provider Provider
	handle   *models.SandboxHandle
	registry *Registry

	once sync.Once
	err  error
}

// NewLease wraps h. When reg is non-nil the lease is tracked there until
// released.
func NewLease(p Provider, h *models.SandboxHandle, reg *Registry) *Lease {
	l := &Lease{provider: p, handle: h, registry: reg}
	if reg != nil {
		reg.track(l)
	}
	return l
}

// Handle returns the leased sandbox.
func (l *Lease) Handle() *models.SandboxHandle { return l.handle }

// Release kills the sandbox on the first call and returns that call's error
// on every call. It runs even when ctx is already canceled.
func (l *Lease) Release(ctx context.Context) error {
	l.once.Do(func() {
		killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()

		start := time.Now()
		l.err = l.provider.Kill(killCtx, l.handle)
		if l.registry != nil {
			l.registry.forget(l.handle.ID)
		}
		if l.err != nil {
			log.Warn().Err(l.err).Str("sandbox", l.handle.ID).Msg("Sandbox cleanup failed")
			return
		}
		log.Info().
			Str("sandbox", l.handle.ID).
			Dur("lifetime", time.Since(l.handle.CreatedAt)).
			Dur("elapsed", time.Since(start)).
			Msg("Sandbox destroyed")
	})
	return l.err
}
