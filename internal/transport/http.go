package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sly67/devpush/internal/metrics"
	"github.com/sly67/devpush/pkg/content"
	"github.com/sly67/devpush/pkg/protocol"
	"github.com/sly67/devpush/pkg/retry"
)

const (
	// DefaultMaxInFlight bounds simultaneous transfers. Kept small: the
	// remote endpoint has been seen to drop close acknowledgments under
	// load, and a low bound keeps the tail latency of a full sync stable.
	DefaultMaxInFlight = 3

	// DefaultRetryAttempts is the per-entry retry ceiling, counted
	// beyond the initial attempt.
	DefaultRetryAttempts = 10

	// DefaultRetryDelay separates successive attempts for one entry.
	DefaultRetryDelay = 500 * time.Millisecond

	// DefaultAckTimeout bounds the wait for a single entry's
	// acknowledgment before the request is aborted and retried.
	DefaultAckTimeout = 60 * time.Second
)

// HTTPWriterConfig configures an HTTPWriter.
type HTTPWriterConfig struct {
	// FSName identifies the remote filesystem session on each request.
	FSName string

	MaxInFlight int

	// RetryAttempts is the per-entry retry budget, beyond the initial
	// attempt: an entry is tried at most RetryAttempts+1 times.
	RetryAttempts int

	RetryDelay time.Duration
	AckTimeout time.Duration

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client

	Logger *zap.Logger
}

// HTTPWriter pushes entries to a remote filesystem session over HTTP.
type HTTPWriter struct {
	fsName      string
	client      *http.Client
	maxInFlight int
	retryCfg    retry.Config
	ackTimeout  time.Duration
	logger      *zap.Logger
}

// NewHTTPWriter creates an HTTP delta writer.
func NewHTTPWriter(cfg HTTPWriterConfig) *HTTPWriter {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = DefaultRetryAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:    cfg.MaxInFlight,
				IdleConnTimeout: 90 * time.Second,
			},
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &HTTPWriter{
		fsName:      cfg.FSName,
		client:      cfg.HTTPClient,
		maxInFlight: cfg.MaxInFlight,
		retryCfg:    retry.Fixed(cfg.RetryAttempts+1, cfg.RetryDelay),
		ackTimeout:  cfg.AckTimeout,
		logger:      cfg.Logger,
	}
}

// Write delivers all entries to base, at most maxInFlight concurrently.
// Entries within a batch are unordered relative to each other.
func (w *HTTPWriter) Write(ctx context.Context, entries map[string]content.Content, base *url.URL) error {
	sem := make(chan struct{}, w.maxInFlight)
	var wg sync.WaitGroup

	var mu sync.Mutex
	var firstErr error

	for path, c := range entries {
		wg.Add(1)
		sem <- struct{}{}

		go func(path string, c content.Content) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := w.writeEntry(ctx, base, path, c); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(path, c)
	}

	wg.Wait()
	return firstErr
}

// writeEntry pushes one entry, retrying transient failures up to the
// configured ceiling with a fixed inter-attempt delay.
func (w *HTTPWriter) writeEntry(ctx context.Context, base *url.URL, path string, c content.Content) error {
	l := retry.NewLoop(w.retryCfg)
	for {
		err := w.attempt(ctx, base, path, c)
		if err == nil {
			return nil
		}
		if !l.Next(ctx, err) {
			return l.Err()
		}
		metrics.RecordTransferRetry()
		w.logger.Debug("retrying transfer",
			zap.String("path", path),
			zap.Int("attempt", l.Attempt()),
			zap.Error(err))
	}
}

// attempt performs a single PUT of the entry. The destination path and
// session name travel as request metadata; the body is the gzip(level 1)
// compressed content. The acknowledgment wait is bounded; on timeout the
// in-flight request is aborted and the timeout governs the attempt's
// error.
func (w *HTTPWriter) attempt(ctx context.Context, base *url.URL, path string, c content.Content) error {
	ctx, cancel := context.WithTimeout(ctx, w.ackTimeout)
	defer cancel()

	body, err := c.GzipReader()
	if err != nil {
		// Content that cannot be produced will not improve on retry.
		return &SyncError{Path: path, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, base.String(), body)
	if err != nil {
		body.Close()
		return &SyncError{Path: path, Err: err}
	}
	req.Header.Set(protocol.HeaderDevFSName, w.fsName)
	req.Header.Set(protocol.HeaderDevFSPathB64, base64.StdEncoding.EncodeToString([]byte(path)))
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := w.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return retry.Retryable(&SyncError{Path: path, Err: fmt.Errorf("acknowledgment timeout after %s: %w", w.ackTimeout, context.DeadlineExceeded)})
		}
		// Socket-level failure: the distinct lost-connection kind.
		return retry.Retryable(&SyncError{Path: path, Err: err})
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return retry.Retryable(&SyncError{Path: path, Err: fmt.Errorf("server error: %d", resp.StatusCode)})
	}
	if resp.StatusCode >= 400 {
		return &SyncError{Path: path, Err: fmt.Errorf("rejected with status %d", resp.StatusCode)}
	}
	return nil
}
