package sessions

import (
	"context"
	"testing"
)

func TestKeyedMutexDropsIdleEntries(t *testing.T) {
	k := newKeyedMutex()

	unlock, err := k.lock(context.Background(), "a")
	if err != nil {
		t.Fatalf("lock() error = %v", err)
	}
	if got := k.size(); got != 1 {
		t.Errorf("size() while held = %d, want 1", got)
	}

	unlock()
	unlock()
	if got := k.size(); got != 0 {
		t.Errorf("size() after unlock = %d, want 0", got)
	}
}
