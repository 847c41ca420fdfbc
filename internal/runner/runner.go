// Package runner orchestrates one attached runtime: it owns the RPC
// connection, the filesystem session, and the decision between applying
// an update in place and requiring a full restart.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/sly67/devpush/internal/compiler"
	"github.com/sly67/devpush/internal/devfs"
	"github.com/sly67/devpush/internal/rpc"
	"github.com/sly67/devpush/pkg/protocol"
)

// Framework debug hooks invoked through the service extension namespace.
const (
	extReassemble     = protocol.ExtensionPrefix + "reassemble"
	extFastReassemble = protocol.ExtensionPrefix + "fastReassemble"
	extEvict          = protocol.ExtensionPrefix + "evict"
	extDumpRenderTree = protocol.ExtensionPrefix + "debugDumpRenderTree"
	extToggleInspect  = protocol.ExtensionPrefix + "inspector.show"
	extDebugBanner    = protocol.ExtensionPrefix + "debugAllowBanner"
)

// ServiceClient is the slice of the RPC bridge the runner consumes.
type ServiceClient interface {
	CallServiceExtension(ctx context.Context, isolateID, method string, params map[string]any) (json.RawMessage, error)
	Done() <-chan struct{}
	Close() error
}

// Session is the filesystem session contract the runner consumes.
type Session interface {
	Create(ctx context.Context) (*url.URL, error)
	Update(ctx context.Context, req devfs.UpdateRequest) (devfs.UpdateReport, error)
	ResetLastCompiled()
	AssetPathsToEvict() []string
	Destroy(ctx context.Context) error
}

// attachSettleDelay is how long a fresh connection must survive before
// the attach counts as successful. A service that is tearing down
// usually drops the connection within this window.
const attachSettleDelay = 100 * time.Millisecond

// Connect dials the service protocol with a bounded race between a
// working connection and the service shutting down early; early shutdown
// is a failure.
func Connect(ctx context.Context, addr string, timeout time.Duration, logger *zap.Logger) (*rpc.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := rpc.Dial(ctx, addr, logger)
	if err != nil {
		return nil, err
	}

	settle := time.NewTimer(attachSettleDelay)
	defer settle.Stop()
	select {
	case <-client.Done():
		client.Close()
		return nil, fmt.Errorf("service shut down during attach")
	case <-ctx.Done():
		client.Close()
		return nil, ctx.Err()
	case <-settle.C:
	}
	return client, nil
}

// Config configures a Runner.
type Config struct {
	Client     ServiceClient
	Session    Session
	Compiler   compiler.Compiler
	Entrypoint string
	IsolateID  string
	Logger     *zap.Logger
}

// Runner drives reload cycles for one attached runtime.
type Runner struct {
	client     ServiceClient
	session    Session
	compiler   compiler.Compiler
	entrypoint string
	isolateID  string
	logger     *zap.Logger
}

// New creates a runner. Attach must be called before the first reload.
func New(cfg Config) *Runner {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Runner{
		client:     cfg.Client,
		session:    cfg.Session,
		compiler:   cfg.Compiler,
		entrypoint: cfg.Entrypoint,
		isolateID:  cfg.IsolateID,
		logger:     cfg.Logger,
	}
}

// Attach creates the remote filesystem session.
func (r *Runner) Attach(ctx context.Context) error {
	base, err := r.session.Create(ctx)
	if err != nil {
		return err
	}
	r.logger.Info("attached", zap.String("base", base.String()))
	return nil
}

// Done signals the service connection dropping.
func (r *Runner) Done() <-chan struct{} {
	return r.client.Done()
}

// ReloadSources runs one update cycle and, on success, applies it in
// place. fastReloadClass carries the single-widget hint when only one
// widget's rendering logic changed.
//
// A compile failure yields a failed report and keeps the compiler's
// previous baseline. A rejected in-place apply rolls the session's
// compile point back so the rejected files stay in the next invalidation
// set.
func (r *Runner) ReloadSources(ctx context.Context, invalidated []string, fastReloadClass string) (devfs.UpdateReport, error) {
	report, err := r.session.Update(ctx, devfs.UpdateRequest{
		Entrypoint:          r.entrypoint,
		Invalidated:         invalidated,
		Compiler:            r.compiler,
		FastReloadClassName: fastReloadClass,
	})
	if err != nil {
		return report, err
	}
	if !report.Success {
		if rerr := r.compiler.Reject(); rerr != nil {
			r.logger.Warn("compiler reject failed", zap.Error(rerr))
		}
		return report, nil
	}
	if aerr := r.compiler.Accept(); aerr != nil {
		r.logger.Warn("compiler accept failed", zap.Error(aerr))
	}

	r.evictAssets(ctx)

	if err := r.apply(ctx, report); err != nil {
		r.session.ResetLastCompiled()
		report.Success = false
		return report, fmt.Errorf("apply update: %w", err)
	}
	return report, nil
}

// apply tells the application to pick up the pushed update, preferring
// the single-widget fast path when hinted. A missing fast-path extension
// falls back to a full reassemble.
func (r *Runner) apply(ctx context.Context, report devfs.UpdateReport) error {
	if report.FastReloadClassName != "" {
		result, err := r.client.CallServiceExtension(ctx, r.isolateID, extFastReassemble,
			map[string]any{"className": report.FastReloadClassName})
		if err != nil {
			return err
		}
		if result != nil {
			r.logger.Info("fast reload applied", zap.String("class", report.FastReloadClassName))
			return nil
		}
	}
	_, err := r.client.CallServiceExtension(ctx, r.isolateID, extReassemble, nil)
	return err
}

// evictAssets tells the application to purge changed assets from its
// in-memory asset cache.
func (r *Runner) evictAssets(ctx context.Context) {
	for _, asset := range r.session.AssetPathsToEvict() {
		if _, err := r.client.CallServiceExtension(ctx, r.isolateID, extEvict,
			map[string]any{"value": asset}); err != nil {
			r.logger.Warn("asset eviction failed", zap.String("asset", asset), zap.Error(err))
		}
	}
}

// DumpRenderTree invokes the render tree dump debug hook.
func (r *Runner) DumpRenderTree(ctx context.Context) (string, error) {
	result, err := r.client.CallServiceExtension(ctx, r.isolateID, extDumpRenderTree, nil)
	if err != nil || result == nil {
		return "", err
	}
	var payload struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return "", err
	}
	return payload.Data, nil
}

// ToggleInspector toggles the widget inspector overlay.
func (r *Runner) ToggleInspector(ctx context.Context, enabled bool) error {
	_, err := r.client.CallServiceExtension(ctx, r.isolateID, extToggleInspect,
		map[string]any{"enabled": enabled})
	return err
}

// ToggleDebugBanner toggles the debug banner.
func (r *Runner) ToggleDebugBanner(ctx context.Context, enabled bool) error {
	_, err := r.client.CallServiceExtension(ctx, r.isolateID, extDebugBanner,
		map[string]any{"enabled": enabled})
	return err
}

// Detach destroys the session and closes the connection. The remote side
// having already vanished does not fail the detach.
func (r *Runner) Detach(ctx context.Context) error {
	err := r.session.Destroy(ctx)
	if cerr := r.client.Close(); err == nil {
		err = cerr
	}
	if serr := r.compiler.Shutdown(); err == nil && serr != nil {
		r.logger.Debug("compiler shutdown", zap.Error(serr))
	}
	return err
}
