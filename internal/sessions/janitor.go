package sessions

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultSweepInterval is how often the janitor evicts idle sessions.
const DefaultSweepInterval = 10 * time.Minute

// Janitor periodically removes expired sessions, independent of reads.
type Janitor struct {
	store    *Store
	interval time.Duration
}

// NewJanitor creates a janitor that sweeps store every interval.
func NewJanitor(store *Store, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Janitor{store: store, interval: interval}
}

// Start sweeps once immediately, then on every tick. It blocks until ctx is
// canceled.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("interval", j.interval).
		Dur("ttl", j.store.TTL()).
		Msg("Session janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.runCycle()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Session janitor stopped")
			return
		case <-ticker.C:
			j.runCycle()
		}
	}
}

func (j *Janitor) runCycle() {
	start := time.Now()
	removed := j.store.Sweep()
	if removed == 0 {
		return
	}
	log.Info().
		Int("removed", removed).
		Int("remaining", j.store.Len()).
		Dur("elapsed", time.Since(start)).
		Msg("Expired sessions swept")
}
