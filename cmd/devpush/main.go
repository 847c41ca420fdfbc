package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sly67/devpush/internal/assets"
	"github.com/sly67/devpush/internal/compiler"
	"github.com/sly67/devpush/internal/config"
	"github.com/sly67/devpush/internal/devfs"
	"github.com/sly67/devpush/internal/logging"
	"github.com/sly67/devpush/internal/metrics"
	"github.com/sly67/devpush/internal/rpc"
	"github.com/sly67/devpush/internal/runner"
	"github.com/sly67/devpush/internal/transport"
	"github.com/sly67/devpush/internal/watcher"
)

var (
	cfgPath     string
	serviceURL  string
	entrypoint  string
	assetDir    string
	watchDir    string
	fsName      string
	compilerBin string
	isolateID   string
	logLevel    string
	metricsAddr string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "devpush",
	Short: "Push code and asset updates into a running application",
	Long: `devpush keeps a running application's view of its own sources fresh.

It compiles changed sources with a resident incremental compiler, pushes
the compiled delta and any changed assets to the application over its
service protocol, and asks the application to pick the update up in
place, without a restart.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		applyFlagOverrides(cmd)
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
			return fmt.Errorf("init logging: %w", err)
		}
		if cfg.MetricsAddr != "" {
			go func() {
				if err := metrics.Serve(cfg.MetricsAddr); err != nil {
					logging.Warn("metrics endpoint stopped", zap.Error(err))
				}
			}()
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logging.Sync()
	},
}

var attachCmd = &cobra.Command{
	Use:   "attach",
	Short: "Attach to a running application and reload on source changes",
	RunE:  runAttach,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a single full sync cycle and exit",
	RunE:  runSync,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgPath, "config", "c", "", "path to YAML config file")
	pf.StringVar(&serviceURL, "service-url", "", "websocket address of the application's service protocol")
	pf.StringVar(&entrypoint, "entrypoint", "", "application entry source")
	pf.StringVar(&assetDir, "asset-dir", "", "asset bundle root directory")
	pf.StringVar(&watchDir, "watch-dir", "", "source directory watched for changes")
	pf.StringVar(&fsName, "fs-name", "", "remote filesystem session name (default: generated)")
	pf.StringVar(&compilerBin, "compiler", "", "resident incremental compiler binary")
	pf.StringVar(&isolateID, "isolate", "", "target isolate ID for in-place apply")
	pf.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.StringVar(&metricsAddr, "metrics-addr", "", "address to expose Prometheus metrics on")

	rootCmd.AddCommand(attachCmd)
	rootCmd.AddCommand(syncCmd)
}

// applyFlagOverrides lets explicit flags win over file and environment
// values.
func applyFlagOverrides(cmd *cobra.Command) {
	f := cmd.Flags()
	if f.Changed("service-url") {
		cfg.ServiceURL = serviceURL
	}
	if f.Changed("entrypoint") {
		cfg.Entrypoint = entrypoint
	}
	if f.Changed("asset-dir") {
		cfg.AssetDir = assetDir
	}
	if f.Changed("watch-dir") {
		cfg.WatchDir = watchDir
	}
	if f.Changed("fs-name") {
		cfg.FSName = fsName
	}
	if f.Changed("compiler") {
		cfg.Compiler = compilerBin
	}
	if f.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if f.Changed("metrics-addr") {
		cfg.MetricsAddr = metricsAddr
	}
}

// buildRunner dials the service and assembles the session stack.
func buildRunner(ctx context.Context) (*runner.Runner, *rpc.Client, *assets.DirBundle, error) {
	if cfg.Compiler == "" {
		return nil, nil, nil, fmt.Errorf("compiler binary is required")
	}

	logger := logging.L()

	client, err := runner.Connect(ctx, cfg.ServiceURL, 30*time.Second, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	name := cfg.FSName
	if name == "" {
		name = "devpush-" + uuid.NewString()[:8]
	}

	var bundle *assets.DirBundle
	var sessionBundle assets.Bundle
	if cfg.AssetDir != "" {
		bundle = assets.NewDirBundle(cfg.AssetDir)
		sessionBundle = bundle
	}

	writer := transport.NewHTTPWriter(transport.HTTPWriterConfig{
		FSName:        name,
		MaxInFlight:   cfg.MaxInFlight,
		RetryAttempts: cfg.RetryAttempts,
		RetryDelay:    cfg.RetryDelay,
		AckTimeout:    cfg.AckTimeout,
		Logger:        logger,
	})

	session := devfs.New(devfs.Config{
		FSName:  name,
		Service: client,
		Writer:  writer,
		Bundle:  sessionBundle,
		Logger:  logger,
	})

	comp := compiler.NewProcessCompiler(cfg.Compiler, cfg.CompilerArgs, logger)

	r := runner.New(runner.Config{
		Client:     client,
		Session:    session,
		Compiler:   comp,
		Entrypoint: cfg.Entrypoint,
		IsolateID:  isolateID,
		Logger:     logger,
	})
	return r, client, bundle, nil
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r, _, bundle, err := buildRunner(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if derr := r.Detach(context.Background()); derr != nil {
			logging.Warn("detach failed", zap.Error(derr))
		}
	}()

	if err := r.Attach(ctx); err != nil {
		return err
	}
	if bundle != nil {
		if err := bundle.Refresh(); err != nil {
			return fmt.Errorf("scan assets: %w", err)
		}
	}

	report, err := r.ReloadSources(ctx, nil, "")
	if err != nil {
		return err
	}
	if !report.Success {
		return fmt.Errorf("sync rejected by compiler")
	}
	logging.Info("sync complete",
		zap.Int("sources", report.InvalidatedSourcesCount),
		zap.Int64("bytes", report.SyncedBytes))
	return nil
}

func runAttach(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r, client, bundle, err := buildRunner(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if derr := r.Detach(context.Background()); derr != nil {
			logging.Warn("detach failed", zap.Error(derr))
		}
	}()

	if err := r.Attach(ctx); err != nil {
		return err
	}

	dir := cfg.WatchDir
	if dir == "" {
		dir = entrypointDir(cfg.Entrypoint)
	}
	w, err := newWatchSource(dir, cfg.WatchDebounce)
	if err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	defer w.Close()
	w.Start(ctx)

	// Initial full sync so the application starts from a known state.
	if bundle != nil {
		if err := bundle.Refresh(); err != nil {
			return fmt.Errorf("scan assets: %w", err)
		}
	}
	if _, err := r.ReloadSources(ctx, nil, ""); err != nil {
		return err
	}
	logging.Info("watching for changes", zap.String("dir", dir))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-client.Done():
			logging.Info("application exited")
			return nil
		case changed, ok := <-w.Changes():
			if !ok {
				return nil
			}
			if bundle != nil {
				if err := bundle.Refresh(); err != nil {
					logging.Warn("asset scan failed", zap.Error(err))
				}
			}
			report, err := r.ReloadSources(ctx, changed, "")
			if err != nil {
				logging.Error("reload failed", zap.Error(err))
				continue
			}
			if !report.Success {
				logging.Warn("reload rejected, fix the errors and save again")
				continue
			}
			logging.Info("reloaded",
				zap.Int("invalidated", report.InvalidatedSourcesCount),
				zap.Int64("bytes", report.SyncedBytes))
		}
	}
}

func entrypointDir(entrypoint string) string {
	return filepath.Dir(entrypoint)
}

// watchSource is what the reload loop consumes from either watcher kind.
type watchSource interface {
	Changes() <-chan []string
	Start(ctx context.Context)
	Close() error
}

// newWatchSource prefers native change notification and falls back to
// mtime polling when the platform watcher cannot be set up (network
// mounts, exhausted inotify budgets).
func newWatchSource(dir string, debounce time.Duration) (watchSource, error) {
	w, err := watcher.New(dir, debounce, logging.L())
	if err == nil {
		return w, nil
	}
	logging.Warn("native file watching unavailable, falling back to polling", zap.Error(err))
	return watcher.NewPoll(dir, time.Second, logging.L())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
