// Package devfs tracks a remote ephemeral filesystem session inside a
// running application and computes, per update cycle, the delta of changed
// assets and freshly compiled code to push to it.
package devfs

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sly67/devpush/internal/assets"
	"github.com/sly67/devpush/internal/compiler"
	"github.com/sly67/devpush/internal/metrics"
	"github.com/sly67/devpush/internal/rpc"
	"github.com/sly67/devpush/internal/transport"
	"github.com/sly67/devpush/pkg/content"
)

// DefaultCodePath is the device-relative path of the pushed compiled unit.
const DefaultCodePath = "app.dill.incremental"

// ServiceProtocol is the slice of the RPC bridge the session needs.
type ServiceProtocol interface {
	CreateDevFS(ctx context.Context, name string) (*url.URL, error)
	DeleteDevFS(ctx context.Context, name string) error
}

// UpdateReport is the structured result of one push cycle. It is a
// mutable accumulator: reports from multiple sessions can be merged.
type UpdateReport struct {
	Success                 bool
	InvalidatedSourcesCount int
	SyncedBytes             int64
	// FastReloadClassName names the single widget class whose rendering
	// logic changed, when the cycle qualifies for the cheap in-place
	// update path.
	FastReloadClassName string
}

// Incorporate merges another report into this one: success is ANDed,
// counts are summed.
func (r *UpdateReport) Incorporate(other UpdateReport) {
	r.Success = r.Success && other.Success
	r.InvalidatedSourcesCount += other.InvalidatedSourcesCount
	r.SyncedBytes += other.SyncedBytes
	if r.FastReloadClassName == "" {
		r.FastReloadClassName = other.FastReloadClassName
	}
}

// Config configures a DevFS session.
type Config struct {
	// FSName is the session name on the remote side.
	FSName  string
	Service ServiceProtocol
	Writer  transport.Writer
	// Bundle is the asset bundle synced alongside code. Optional.
	Bundle assets.Bundle
	// AssetsDir is the device-relative directory asset entries land in.
	AssetsDir string
	Logger    *zap.Logger
}

// DevFS is one remote filesystem session. It lives for the duration of a
// single debugging connection. Callers must not run overlapping Update
// calls; the session assumes at most one update in flight.
type DevFS struct {
	fsName    string
	service   ServiceProtocol
	writer    transport.Writer
	bundle    assets.Bundle
	assetsDir string
	logger    *zap.Logger

	baseURL          *url.URL
	lastCompiled     time.Time
	previousCompiled time.Time
	sources          []string
	evictions        map[string]struct{}
	firstSync        bool
}

// New creates a session. Create must be called before the first Update.
func New(cfg Config) *DevFS {
	if cfg.AssetsDir == "" {
		cfg.AssetsDir = "assets"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &DevFS{
		fsName:    cfg.FSName,
		service:   cfg.Service,
		writer:    cfg.Writer,
		bundle:    cfg.Bundle,
		assetsDir: cfg.AssetsDir,
		logger:    cfg.Logger,
		evictions: make(map[string]struct{}),
		firstSync: true,
	}
}

// BaseURL returns the remote filesystem's base address, nil before Create.
func (d *DevFS) BaseURL() *url.URL {
	return d.baseURL
}

// LastCompiled returns the timestamp of the last successful compile point.
func (d *DevFS) LastCompiled() time.Time {
	return d.lastCompiled
}

// Sources returns the dependency list reported by the last compile.
func (d *DevFS) Sources() []string {
	return d.sources
}

// Create asks the service to create the remote filesystem and records its
// base address. The service recreates a stale session of the same name.
func (d *DevFS) Create(ctx context.Context) (*url.URL, error) {
	base, err := d.service.CreateDevFS(ctx, d.fsName)
	if err != nil {
		return nil, fmt.Errorf("create filesystem %q: %w", d.fsName, err)
	}
	d.baseURL = base
	d.logger.Info("filesystem session created",
		zap.String("fs_name", d.fsName),
		zap.String("base", base.String()))
	return base, nil
}

// Destroy tears down the remote filesystem. A service that already
// vanished counts as destroyed.
func (d *DevFS) Destroy(ctx context.Context) error {
	err := d.service.DeleteDevFS(ctx, d.fsName)
	if errors.Is(err, rpc.ErrServiceDisappeared) {
		return nil
	}
	return err
}

// ResetLastCompiled rolls the compile point back to the previous
// successful value. Used when a reload is rejected downstream: forgetting
// that the rejected files were modified would exclude them from the next
// invalidation set and the reload would never take effect.
func (d *DevFS) ResetLastCompiled() {
	d.lastCompiled = d.previousCompiled
}

// AssetPathsToEvict drains the set of asset paths whose content changed
// since the last drain; the running application must purge these from its
// in-memory asset cache.
func (d *DevFS) AssetPathsToEvict() []string {
	paths := make([]string, 0, len(d.evictions))
	for p := range d.evictions {
		paths = append(paths, p)
	}
	d.evictions = make(map[string]struct{})
	return paths
}

// UpdateRequest describes one sync cycle.
type UpdateRequest struct {
	// Entrypoint is the application entry source.
	Entrypoint string
	// Invalidated is the set of source files changed since the last
	// successful cycle. An empty set still invokes the compiler.
	Invalidated []string
	// Compiler produces the incremental unit.
	Compiler compiler.Compiler
	// CodePath overrides DefaultCodePath.
	CodePath string
	// FastReloadClassName is the caller's single-widget hint, passed
	// through to the report on success.
	FastReloadClassName string
}

// Update runs one cycle: compile and asset-delta scan run concurrently,
// then the combined delta is delivered. Compile errors abort the cycle
// without touching remote state or the compile point, so a later cycle
// retries with an overlapping invalidation set.
func (d *DevFS) Update(ctx context.Context, req UpdateRequest) (UpdateReport, error) {
	if d.baseURL == nil {
		return UpdateReport{}, fmt.Errorf("filesystem %q not created", d.fsName)
	}
	cycleStart := time.Now()
	codePath := req.CodePath
	if codePath == "" {
		codePath = DefaultCodePath
	}

	// The compile is kicked off before the asset scan so the two overlap.
	var compileResult *compiler.Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		result, err := req.Compiler.Recompile(gctx, req.Entrypoint, req.Invalidated)
		if err != nil {
			return err
		}
		compileResult = result
		return nil
	})

	dirty := make(map[string]content.Content)
	var assetBytes int64
	if d.bundle != nil {
		for archivePath, c := range d.bundle.Entries() {
			// The staleness query runs even on the first sync so the
			// consumed flag reflects this upload.
			modified := c.IsModified()
			if !d.firstSync && !modified {
				continue
			}
			devicePath := path.Join(d.assetsDir, archivePath)
			dirty[devicePath] = c
			assetBytes += c.Size()
			if !d.firstSync {
				d.evictions[archivePath] = struct{}{}
			}
		}
	}

	if err := g.Wait(); err != nil {
		metrics.RecordSyncCycle(false, time.Since(cycleStart).Seconds())
		return UpdateReport{}, fmt.Errorf("compiler: %w", err)
	}

	if compileResult.ErrorCount > 0 {
		d.logger.Warn("compile failed, cycle aborted",
			zap.Int("errors", compileResult.ErrorCount))
		metrics.RecordCompileError()
		metrics.RecordSyncCycle(false, time.Since(cycleStart).Seconds())
		return UpdateReport{Success: false, InvalidatedSourcesCount: len(req.Invalidated)}, nil
	}

	// Advance the compile point to the cycle's start, not its finish:
	// writes that land mid-cycle must show up in the next invalidation.
	d.previousCompiled = d.lastCompiled
	d.lastCompiled = cycleStart
	d.sources = compileResult.Sources

	code := content.NewFileContent(compileResult.OutputPath)
	dirty[codePath] = code
	syncedBytes := assetBytes + code.Size()

	if err := d.writer.Write(ctx, dirty, d.baseURL); err != nil {
		metrics.RecordSyncCycle(false, time.Since(cycleStart).Seconds())
		return UpdateReport{Success: false, InvalidatedSourcesCount: len(req.Invalidated)},
			fmt.Errorf("sync filesystem %q: %w", d.fsName, err)
	}

	d.firstSync = false
	d.logger.Info("filesystem synced",
		zap.String("fs_name", d.fsName),
		zap.Int("files", len(dirty)),
		zap.Int64("bytes", syncedBytes),
		zap.Duration("elapsed", time.Since(cycleStart)))
	metrics.RecordSyncCycle(true, time.Since(cycleStart).Seconds())
	metrics.RecordSyncedBytes(len(dirty), syncedBytes)

	return UpdateReport{
		Success:                 true,
		InvalidatedSourcesCount: len(req.Invalidated),
		SyncedBytes:             syncedBytes,
		FastReloadClassName:     req.FastReloadClassName,
	}, nil
}
