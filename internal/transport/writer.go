// Package transport delivers a computed delta of content entries to the
// remote filesystem session, over HTTP for remote targets or by direct
// file copy when tool and target share a filesystem.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/sly67/devpush/pkg/content"
)

// Writer delivers all entries to the destination rooted at base,
// completing only when every entry is acknowledged or the operation
// fails. Re-delivery of an entry is idempotent; exactly-once network
// semantics are not guaranteed.
type Writer interface {
	Write(ctx context.Context, entries map[string]content.Content, base *url.URL) error
}

// SyncError is the uniform failure surface for delta delivery. Both
// socket-level failures (lost connection, acknowledgment timeout) and
// local filesystem failures surface as this kind, so the orchestrator can
// distinguish transport failures from compile and protocol errors without
// caring which writer was in use.
type SyncError struct {
	Path string
	Err  error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync failed for %q: %v", e.Path, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// AsSyncError checks if an error is a SyncError and returns it.
func AsSyncError(err error) (*SyncError, bool) {
	var se *SyncError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
