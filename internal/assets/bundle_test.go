package assets

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestDirBundle_ScansTree(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "images", "logo.png"), "png")
	writeFile(t, filepath.Join(root, "fonts", "mono.ttf"), "ttf")

	b := NewDirBundle(root)
	if err := b.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	entries := b.Entries()
	if len(entries) != 2 {
		t.Fatalf("entries: got %d, want 2", len(entries))
	}
	for _, key := range []string{"images/logo.png", "fonts/mono.ttf"} {
		if _, ok := entries[key]; !ok {
			t.Errorf("missing entry %q", key)
		}
	}
}

func TestDirBundle_RefreshTracksAddsAndRemoves(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "a")

	b := NewDirBundle(root)
	if err := b.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	writeFile(t, filepath.Join(root, "b.txt"), "b")
	if err := os.Remove(filepath.Join(root, "a.txt")); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := b.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	entries := b.Entries()
	if _, ok := entries["a.txt"]; ok {
		t.Error("removed entry still present")
	}
	if _, ok := entries["b.txt"]; !ok {
		t.Error("added entry missing")
	}
}

func TestDirBundle_RefreshPreservesContentState(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "a")

	b := NewDirBundle(root)
	if err := b.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	before := b.Entries()["a.txt"]

	if err := b.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	after := b.Entries()["a.txt"]

	if before != after {
		t.Error("rescan replaced the content unit, losing staleness state")
	}
}
