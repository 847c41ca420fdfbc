package transport

import (
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/sly67/devpush/pkg/content"
)

// LocalWriter delivers entries by direct file copy, for targets that share
// a filesystem with the tool. Filesystem failures surface as the same
// SyncError kind the network path produces.
type LocalWriter struct {
	logger *zap.Logger
}

// NewLocalWriter creates a local delta writer.
func NewLocalWriter(logger *zap.Logger) *LocalWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalWriter{logger: logger}
}

// Write copies every entry beneath the directory named by base, creating
// missing parent directories.
func (w *LocalWriter) Write(ctx context.Context, entries map[string]content.Content, base *url.URL) error {
	root := base.Path
	if base.Scheme == "" {
		root = base.String()
	}

	for path, c := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.writeEntry(root, path, c); err != nil {
			return err
		}
	}
	return nil
}

func (w *LocalWriter) writeEntry(root, path string, c content.Content) error {
	dest := filepath.Join(root, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return &SyncError{Path: path, Err: err}
	}

	r, err := c.Reader()
	if err != nil {
		return &SyncError{Path: path, Err: err}
	}
	defer r.Close()

	f, err := os.Create(dest)
	if err != nil {
		return &SyncError{Path: path, Err: err}
	}

	_, err = io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dest)
		return &SyncError{Path: path, Err: err}
	}

	w.logger.Debug("copied entry", zap.String("path", path), zap.String("dest", dest))
	return nil
}
