// Package sessions provides ephemeral per-user conversation state with TTL
// eviction. Nothing is persisted; a restart forgets every session.
package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/agentoven/analyst/pkg/models"
)

// DefaultTTL is how long an idle session stays alive.
const DefaultTTL = time.Hour

// Store is a thread-safe in-memory session store keyed by user identity.
//
// Every method returns copies; mutating a returned session has no effect on
// the stored one. Use Update to change state.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	ttl      time.Duration
	now      func() time.Time

	locks *keyedMutex
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now. Used by tests to move time forward.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a store that expires sessions idle longer than ttl.
func NewStore(ttl time.Duration, opts ...Option) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store{
		sessions: make(map[string]*models.Session),
		ttl:      ttl,
		now:      func() time.Time { return time.Now().UTC() },
		locks:    newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the idle lifetime of a session.
func (s *Store) TTL() time.Duration { return s.ttl }

// Get returns the session for userID. A session idle for longer than the TTL
// is deleted and reported absent. A successful read refreshes LastActivity.
func (s *Store) Get(_ context.Context, userID string) (*models.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.lookup(userID)
	if !ok {
		return nil, false
	}
	sess.LastActivity = s.now()
	return sess.Clone(), true
}

// Create stores a fresh session with an empty history, replacing any
// existing one for the same user.
func (s *Store) Create(_ context.Context, userID string) *models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.create(userID).Clone()
}

// Update merges patch into the session for userID, creating it first if it
// does not exist or has expired, and refreshes LastActivity.
func (s *Store) Update(_ context.Context, userID string, patch models.SessionPatch) *models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.lookup(userID)
	if !ok {
		sess = s.create(userID)
	}

	if patch.Messages != nil {
		sess.Messages = append([]models.Message(nil), patch.Messages...)
	}
	if len(patch.AppendMessages) > 0 {
		sess.Messages = append(sess.Messages, patch.AppendMessages...)
	}
	if patch.Dataset != nil {
		sess.Dataset = append([]byte(nil), patch.Dataset...)
	}
	if patch.DatasetName != nil {
		sess.DatasetName = *patch.DatasetName
	}
	if patch.Analysis != nil {
		a := *patch.Analysis
		sess.Analysis = &a
	}
	sess.LastActivity = s.now()
	return sess.Clone()
}

// Delete removes the session for userID. Deleting a missing session is a no-op.
func (s *Store) Delete(_ context.Context, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, userID)
}

// Len returns the number of stored sessions, including expired ones not yet swept.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sweep removes every session idle for longer than the TTL and returns how
// many were removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, sess := range s.sessions {
		if now.Sub(sess.LastActivity) > s.ttl {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// Lock serializes whole turns for one user: the caller holds it while
// reading history, running the analysis and writing the result back.
// It blocks until the lock is free or ctx is done.
func (s *Store) Lock(ctx context.Context, userID string) (unlock func(), err error) {
	return s.locks.lock(ctx, userID)
}

// lookup must be called with s.mu held.
func (s *Store) lookup(userID string) (*models.Session, bool) {
	sess, ok := s.sessions[userID]
	if !ok {
		return nil, false
	}
	if s.now().Sub(sess.LastActivity) > s.ttl {
		delete(s.sessions, userID)
		return nil, false
	}
	return sess, true
}

// create must be called with s.mu held.
func (s *Store) create(userID string) *models.Session {
	now := s.now()
	sess := &models.Session{
		UserID:       userID,
		Messages:     []models.Message{},
		CreatedAt:    now,
		LastActivity: now,
	}
	s.sessions[userID] = sess
	return sess
}
