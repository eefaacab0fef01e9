package artifacts_test

import (
	"testing"

	"github.com/agentoven/analyst/internal/artifacts"
)

func TestAddPreservesProductionOrder(t *testing.T) {
	acc := artifacts.New()

	acc.Add(1, "call_a", []byte("one"))
	added := acc.Add(3, "call_b", []byte("two"), []byte("three"))

	if len(added) != 2 {
		t.Fatalf("Add() returned %d artifacts, want 2", len(added))
	}
	if added[0].Ordinal != 2 || added[1].Ordinal != 3 {
		t.Errorf("Add() ordinals = %d,%d, want 2,3", added[0].Ordinal, added[1].Ordinal)
	}

	all := acc.List()
	want := []struct {
		data  string
		round int
		call  string
	}{
		{"one", 1, "call_a"},
		{"two", 3, "call_b"},
		{"three", 3, "call_b"},
	}
	if len(all) != len(want) {
		t.Fatalf("List() len = %d, want %d", len(all), len(want))
	}
	for i, w := range want {
		got := all[i]
		if string(got.Data) != w.data || got.Round != w.round || got.ToolCallID != w.call || got.Ordinal != i+1 {
			t.Errorf("List()[%d] = {%s round=%d call=%s ord=%d}, want {%s round=%d call=%s ord=%d}",
				i, got.Data, got.Round, got.ToolCallID, got.Ordinal, w.data, w.round, w.call, i+1)
		}
		if got.MIMEType != artifacts.PNG {
			t.Errorf("List()[%d].MIMEType = %q, want %q", i, got.MIMEType, artifacts.PNG)
		}
	}
}

func TestAddKeepsDuplicates(t *testing.T) {
	acc := artifacts.New()
	acc.Add(1, "c1", []byte("same"))
	acc.Add(2, "c2", []byte("same"))

	if got := acc.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}
}

func TestAddNothing(t *testing.T) {
	acc := artifacts.New()
	if got := acc.Add(1, "c1"); got != nil {
		t.Errorf("Add() with no images = %v, want nil", got)
	}
	if got := acc.Len(); got != 0 {
		t.Errorf("Len() = %d, want 0", got)
	}
}

func TestListIsACopy(t *testing.T) {
	acc := artifacts.New()
	acc.Add(1, "c1", []byte("x"))

	list := acc.List()
	list[0].Round = 99

	if acc.List()[0].Round != 1 {
		t.Error("mutating List() result changed the accumulator")
	}
}
