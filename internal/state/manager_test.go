package state

import (
	"errors"
	"path/filepath"
	"testing"
)

func newManager(t *testing.T, dir string) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("open manager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m := newManager(t, t.TempDir())

	v, err := m.Save("bot-1", `{"cursor": 42}`)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if v != 1 {
		t.Fatalf("expected version 1, got %d", v)
	}

	rec, err := m.Load("bot-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rec.Version != 1 || rec.Payload != `{"cursor": 42}` {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestVersionsMonotonic(t *testing.T) {
	m := newManager(t, t.TempDir())

	for i := 1; i <= 5; i++ {
		v, err := m.Save("bot-1", "p")
		if err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
		if v != int64(i) {
			t.Fatalf("expected version %d, got %d", i, v)
		}
	}
}

func TestLoadEmptyDefault(t *testing.T) {
	m := newManager(t, t.TempDir())

	rec, err := m.Load("unknown")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rec.Version != 0 || rec.Payload != "" {
		t.Fatalf("expected zero record, got %+v", rec)
	}
}

func TestSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := m.Save("bot-1", "before-crash"); err != nil {
		t.Fatalf("save: %v", err)
	}
	m.Close()

	// Simulated restart: fresh manager over the same file.
	m2 := newManager(t, dir)
	rec, err := m2.Load("bot-1")
	if err != nil {
		t.Fatalf("load after restart: %v", err)
	}
	if rec.Version < 1 || rec.Payload != "before-crash" {
		t.Fatalf("state lost across restart: %+v", rec)
	}
}

func TestSaveAtConflict(t *testing.T) {
	m := newManager(t, t.TempDir())

	if _, err := m.Save("bot-1", "v1"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := m.SaveAt("bot-1", 1, "v2"); err != nil {
		t.Fatalf("save at head: %v", err)
	}
	if _, err := m.SaveAt("bot-1", 1, "stale"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	rec, _ := m.Load("bot-1")
	if rec.Payload != "v2" {
		t.Fatalf("stale write applied: %+v", rec)
	}
}

func TestPrune(t *testing.T) {
	m := newManager(t, t.TempDir())

	for i := 0; i < 10; i++ {
		if _, err := m.Save("bot-1", "p"); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	if err := m.Prune("bot-1", 3); err != nil {
		t.Fatalf("prune: %v", err)
	}
	rec, _ := m.Load("bot-1")
	if rec.Version != 10 {
		t.Fatalf("head lost by prune: %+v", rec)
	}
}
