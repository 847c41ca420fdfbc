// Package assets exposes the asset bundle pushed alongside compiled code:
// a mapping from archive-relative path to a content unit.
package assets

import (
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/sly67/devpush/pkg/content"
)

// Bundle maps archive-relative paths to content units.
type Bundle interface {
	Entries() map[string]content.Content
}

// DirBundle is a bundle built by scanning a directory tree. Content units
// persist across rescans so their staleness state survives: a unit that
// already reported a modification will not report it again without a new
// write.
type DirBundle struct {
	root string

	mu      sync.Mutex
	entries map[string]*content.FileContent
}

// NewDirBundle creates a bundle rooted at dir. Call Refresh before the
// first use.
func NewDirBundle(dir string) *DirBundle {
	return &DirBundle{
		root:    dir,
		entries: make(map[string]*content.FileContent),
	}
}

// Refresh rescans the directory: new files gain entries, vanished files
// lose theirs, existing entries are kept as-is.
func (b *DirBundle) Refresh() error {
	seen := make(map[string]struct{})

	err := filepath.WalkDir(b.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(b.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		seen[key] = struct{}{}

		b.mu.Lock()
		if _, ok := b.entries[key]; !ok {
			b.entries[key] = content.NewFileContent(path)
		}
		b.mu.Unlock()
		return nil
	})
	if err != nil {
		return err
	}

	b.mu.Lock()
	for key := range b.entries {
		if _, ok := seen[key]; !ok {
			delete(b.entries, key)
		}
	}
	b.mu.Unlock()
	return nil
}

// Entries returns the current path-to-content mapping.
func (b *DirBundle) Entries() map[string]content.Content {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]content.Content, len(b.entries))
	for key, c := range b.entries {
		out[key] = c
	}
	return out
}

// MemoryBundle is a bundle held entirely in memory, mainly for tests and
// generated assets.
type MemoryBundle struct {
	mu      sync.Mutex
	entries map[string]content.Content
}

// NewMemoryBundle creates an empty in-memory bundle.
func NewMemoryBundle() *MemoryBundle {
	return &MemoryBundle{entries: make(map[string]content.Content)}
}

// Put adds or replaces an entry.
func (b *MemoryBundle) Put(path string, c content.Content) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[path] = c
}

// Entries returns the current path-to-content mapping.
func (b *MemoryBundle) Entries() map[string]content.Content {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]content.Content, len(b.entries))
	for key, c := range b.entries {
		out[key] = c
	}
	return out
}
