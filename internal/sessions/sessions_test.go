package sessions_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentoven/analyst/internal/sessions"
	"github.com/agentoven/analyst/pkg/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, ttl time.Duration) (*sessions.Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return sessions.NewStore(ttl, sessions.WithClock(clock.Now)), clock
}

func TestCreateAndGet(t *testing.T) {
	s, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	created := s.Create(ctx, "whatsapp:+1555")
	if created.UserID != "whatsapp:+1555" {
		t.Errorf("Create().UserID = %q, want %q", created.UserID, "whatsapp:+1555")
	}
	if len(created.Messages) != 0 {
		t.Errorf("Create().Messages len = %d, want 0", len(created.Messages))
	}

	got, ok := s.Get(ctx, "whatsapp:+1555")
	if !ok {
		t.Fatal("Get() reported absent for a fresh session")
	}
	if got.UserID != created.UserID {
		t.Errorf("Get().UserID = %q, want %q", got.UserID, created.UserID)
	}
}

func TestGet_Missing(t *testing.T) {
	s, _ := newTestStore(t, time.Hour)
	if _, ok := s.Get(context.Background(), "nobody"); ok {
		t.Error("Get() on a missing id should report absent")
	}
}

func TestGet_ExpiredIsRemoved(t *testing.T) {
	s, clock := newTestStore(t, time.Hour)
	ctx := context.Background()

	s.Create(ctx, "u1")
	clock.Advance(time.Hour + time.Second)

	if _, ok := s.Get(ctx, "u1"); ok {
		t.Fatal("Get() returned a session older than the TTL")
	}
	if n := s.Len(); n != 0 {
		t.Errorf("Len() after stale read = %d, want 0", n)
	}
}

func TestGet_RefreshesLastActivity(t *testing.T) {
	s, clock := newTestStore(t, time.Hour)
	ctx := context.Background()

	s.Create(ctx, "u1")
	clock.Advance(50 * time.Minute)
	if _, ok := s.Get(ctx, "u1"); !ok {
		t.Fatal("Get() reported absent before the TTL elapsed")
	}
	clock.Advance(50 * time.Minute)

	got, ok := s.Get(ctx, "u1")
	if !ok {
		t.Fatal("Get() should have been kept alive by the previous read")
	}
	if want := clock.Now(); !got.LastActivity.Equal(want) {
		t.Errorf("LastActivity = %v, want %v", got.LastActivity, want)
	}
}

func TestUpdate_GetOrCreateAndMerge(t *testing.T) {
	s, clock := newTestStore(t, time.Hour)
	ctx := context.Background()

	name := "sales.csv"
	s.Update(ctx, "u1", models.SessionPatch{
		Dataset:        []byte("a,b\n1,2\n"),
		DatasetName:    &name,
		AppendMessages: []models.Message{{Role: models.RoleUser, Content: "Uploaded sales.csv"}},
	})

	clock.Advance(time.Minute)
	got := s.Update(ctx, "u1", models.SessionPatch{
		AppendMessages: []models.Message{{Role: models.RoleAssistant, Content: "done"}},
	})

	if string(got.Dataset) != "a,b\n1,2\n" {
		t.Errorf("Dataset = %q, want it untouched by a patch without a dataset", got.Dataset)
	}
	if got.DatasetName != "sales.csv" {
		t.Errorf("DatasetName = %q, want %q", got.DatasetName, "sales.csv")
	}
	if len(got.Messages) != 2 || got.Messages[1].Content != "done" {
		t.Errorf("Messages = %+v, want two messages ending with the assistant reply", got.Messages)
	}
	if !got.LastActivity.Equal(clock.Now()) {
		t.Errorf("LastActivity = %v, want %v", got.LastActivity, clock.Now())
	}
}

func TestUpdate_ReplaceMessages(t *testing.T) {
	s, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	s.Update(ctx, "u1", models.SessionPatch{AppendMessages: []models.Message{{Role: models.RoleUser, Content: "one"}}})
	got := s.Update(ctx, "u1", models.SessionPatch{Messages: []models.Message{}})

	if len(got.Messages) != 0 {
		t.Errorf("Messages len = %d, want 0 after replacing with an empty history", len(got.Messages))
	}
}

func TestUpdate_ExpiredStartsFresh(t *testing.T) {
	s, clock := newTestStore(t, time.Hour)
	ctx := context.Background()

	s.Update(ctx, "u1", models.SessionPatch{Dataset: []byte("x")})
	clock.Advance(2 * time.Hour)

	got := s.Update(ctx, "u1", models.SessionPatch{})
	if got.HasDataset() {
		t.Error("Update() on an expired session should start from an empty session")
	}
}

func TestReturnedSessionsAreCopies(t *testing.T) {
	s, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	got := s.Update(ctx, "u1", models.SessionPatch{AppendMessages: []models.Message{{Role: models.RoleUser, Content: "hi"}}})
	got.Messages[0].Content = "mutated"

	again, _ := s.Get(ctx, "u1")
	if again.Messages[0].Content != "hi" {
		t.Errorf("stored message = %q, want %q", again.Messages[0].Content, "hi")
	}
}

func TestSweep(t *testing.T) {
	s, clock := newTestStore(t, time.Hour)
	ctx := context.Background()

	s.Create(ctx, "old")
	clock.Advance(45 * time.Minute)
	s.Create(ctx, "new")
	clock.Advance(30 * time.Minute)

	if removed := s.Sweep(); removed != 1 {
		t.Errorf("Sweep() = %d, want 1", removed)
	}
	if _, ok := s.Get(ctx, "new"); !ok {
		t.Error("Sweep() removed a live session")
	}
}

func TestDelete(t *testing.T) {
	s, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	s.Create(ctx, "u1")
	s.Delete(ctx, "u1")
	s.Delete(ctx, "u1")

	if _, ok := s.Get(ctx, "u1"); ok {
		t.Error("Get() after Delete() should report absent")
	}
}

func TestLock_SerializesTurns(t *testing.T) {
	s, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	const turns = 20
	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := s.Lock(ctx, "u1")
			if err != nil {
				t.Errorf("Lock() error = %v", err)
				return
			}
			defer unlock()

			// read-then-write across separate calls; only safe under the turn lock
			sess, ok := s.Get(ctx, "u1")
			var history []models.Message
			if ok {
				history = sess.Messages
			}
			history = append(history, models.Message{Role: models.RoleUser, Content: "turn"})
			s.Update(ctx, "u1", models.SessionPatch{Messages: history})
		}()
	}
	wg.Wait()

	got, _ := s.Get(ctx, "u1")
	if len(got.Messages) != turns {
		t.Errorf("Messages len = %d, want %d (lost updates)", len(got.Messages), turns)
	}
}

func TestLock_HonorsContext(t *testing.T) {
	s, _ := newTestStore(t, time.Hour)

	unlock, err := s.Lock(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Lock(ctx, "u1"); err == nil {
		t.Error("Lock() on a held key should fail when ctx expires")
	}

	other, err := s.Lock(context.Background(), "u2")
	if err != nil {
		t.Fatalf("Lock() on a different key error = %v", err)
	}
	other()
}

func TestJanitor_SweepsUntilCanceled(t *testing.T) {
	s, clock := newTestStore(t, time.Hour)
	s.Create(context.Background(), "old")
	clock.Advance(2 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sessions.NewJanitor(s, time.Hour).Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for s.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Len() != 0 {
		t.Error("janitor did not run its initial sweep")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop after cancel")
	}
}
