package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPrepareResetsDirectory(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	dir, err := m.Prepare("dep-1")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "stale.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	dir, err = m.Prepare("dep-1")
	if err != nil {
		t.Fatalf("prepare again: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "stale.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected stale file to be removed")
	}
	if err := m.CleanupByID("dep-1"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expected workspace to be removed")
	}
}

func TestRejectsEscapingIdentifiers(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, id := range []string{"", "..", "a/b", `a\b`} {
		if _, err := m.Prepare(id); err == nil {
			t.Fatalf("expected %q to be rejected", id)
		}
	}
	if err := m.Cleanup(filepath.Dir(m.Root())); err == nil {
		t.Fatalf("expected cleanup outside root to fail")
	}
	if err := m.Cleanup(m.Root()); err == nil {
		t.Fatalf("expected cleanup of root itself to fail")
	}
}
