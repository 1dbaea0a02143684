// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/visorhq/visor/internal/config"
	"github.com/visorhq/visor/internal/logging"
	"github.com/visorhq/visor/internal/observability"
	"github.com/visorhq/visor/internal/plugin"
	"github.com/visorhq/visor/internal/plugin/hostfunc"
	pluginjs "github.com/visorhq/visor/internal/plugin/js"
	"github.com/visorhq/visor/internal/plugin/source"
	"github.com/visorhq/visor/internal/store"
	"github.com/visorhq/visor/internal/viewer"
)

// viewerEventBuffer bounds queued viewer changes; extra changes are dropped.
const viewerEventBuffer = 256

// runOptions holds the run-only flags.
type runOptions struct {
	source  string
	name    string
	engine  string
	eval    string
	publish string
	wait    time.Duration
}

// NewRunCmd creates the run subcommand.
func NewRunCmd() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run [file-or-url]",
		Short: "Load plugins and run them",
		Long: `Load every plugin under the plugins directory, or a single plugin source
file or URL, and run them until interrupted.

With --eval or --publish the command exits once they are done, unless --wait
keeps it running for a while longer.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.source = args[0]
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runWithDeps(cmd.Context(), cfg, opts, cmd, nil)
		},
	}

	config.RegisterFlags(cmd.Flags())
	cmd.Flags().StringVar(&opts.name, "name", "", "plugin name for a single source (default: file name)")
	cmd.Flags().StringVar(&opts.engine, "engine", "", "engine for a single source, lua or js (default: from extension)")
	cmd.Flags().StringVar(&opts.eval, "eval", "", "evaluate code in every loaded plugin and print the result")
	cmd.Flags().StringVar(&opts.publish, "publish", "", "publish a JSON message (or a plain string) to every plugin")
	cmd.Flags().DurationVar(&opts.wait, "wait", 0, "keep running this long before exiting (0 = until interrupted)")

	return cmd
}

// runWithDeps runs the plugin runtime with injectable dependencies.
// If deps is nil, default implementations are used.
func runWithDeps(ctx context.Context, cfg *config.Config, opts *runOptions, cmd *cobra.Command, deps *RunDeps) error {
	deps = deps.withDefaults()
	if ctx == nil {
		ctx = context.Background()
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := logging.New(logging.Options{
		Service: "visor",
		Version: version,
		Format:  cfg.LogFormat,
		Level:   level,
		Writer:  cmd.ErrOrStderr(),
	})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kv, closeKV, err := openStore(ctx, cfg, deps, logger)
	if err != nil {
		return err
	}
	defer closeKV()

	events := make(chan plugin.Event, viewerEventBuffer)
	view := viewer.New(
		viewer.WithLogger(logger),
		viewer.WithChangeHandler(func(topic string, payload map[string]any) {
			select {
			case events <- plugin.Event{Topic: topic, Payload: payload}:
			default:
				logger.Debug("dropped viewer event", "topic", topic)
			}
		}),
	)

	fetcher := source.NewHTTPFetcher(
		source.WithTimeout(cfg.FetchTimeout),
		source.WithLogger(logger),
	)
	mgrOpts := []plugin.ManagerOption{
		plugin.WithManagerLogger(logger),
		plugin.WithHostVersion(hostVersion()),
		plugin.WithSurfaceProvider(hostfunc.New(kv, view,
			hostfunc.WithLogger(logger),
			hostfunc.WithStorageTimeout(cfg.StorageTimeout))),
		plugin.WithEngine(plugin.EngineJS, pluginjs.NewEngine(pluginjs.Config{
			MaxCallStackSize: cfg.CallStackSize,
			Logger:           logger,
		})),
		plugin.WithInstanceOptions(plugin.WithFetcher(fetcher)),
	}

	var mgr *plugin.Manager
	var obsServer ObservabilityServer
	if cfg.MetricsAddr != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.MetricsAddr,
			func() bool { return mgr != nil && mgr.Ready() },
			observability.WithLogger(logger),
			observability.WithStatus(func() any { return mgr.Status() }),
		)
		mgrOpts = append(mgrOpts, plugin.WithMetricsFactory(obsServer.Metrics().For))
	}
	mgr = plugin.NewManager(cfg.PluginsDir, mgrOpts...)
	defer func() {
		if closeErr := mgr.Close(context.Background()); closeErr != nil {
			logger.Warn("error closing plugins", "error", closeErr)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if obsServer != nil {
		obsErrChan, startErr := obsServer.Start()
		if startErr != nil {
			return oops.With("addr", cfg.MetricsAddr).Wrapf(startErr, "start observability server")
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if stopErr := obsServer.Stop(shutdownCtx); stopErr != nil {
				logger.Warn("error stopping observability server", "error", stopErr)
			}
		}()
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
	}

	if err := loadPlugins(ctx, mgr, opts); err != nil {
		return err
	}
	loaded := mgr.ListPlugins()
	cmd.Printf("Loaded %d plugin(s)\n", len(loaded))

	sub := plugin.NewSubscriber(mgr, logger)
	for _, name := range loaded {
		if err := sub.Subscribe(name, "viewer.**"); err != nil {
			return err
		}
	}
	sub.Start(ctx, events)
	defer func() {
		cancel()
		sub.Stop()
	}()

	if opts.eval != "" {
		evalAll(ctx, cmd, mgr, opts.eval)
	}
	if opts.publish != "" {
		n, pubErr := mgr.Publish("", parseMessage(opts.publish))
		if pubErr != nil {
			return pubErr
		}
		cmd.Printf("Published to %d plugin(s)\n", n)
	}

	oneShot := opts.eval != "" || opts.publish != ""
	switch {
	case opts.wait > 0:
		select {
		case <-time.After(opts.wait):
		case <-ctx.Done():
		}
	case oneShot:
	default:
		<-ctx.Done()
	}

	cancel()
	logger.Info("shutting down")
	return nil
}

// openStore returns the plugin KV store: Postgres when a database URL is
// set, memory otherwise.
func openStore(ctx context.Context, cfg *config.Config, deps *RunDeps, logger *slog.Logger) (store.KVStore, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Info("using in-memory plugin storage")
		return store.NewMemoryKVStore(), func() {}, nil
	}

	if cfg.AutoMigrate {
		if err := migrateUp(deps, cfg.DatabaseURL); err != nil {
			return nil, nil, err
		}
		logger.Info("storage migrations applied")
	}

	kv, closeFn, err := deps.KVStoreFactory(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, oops.Code("DB_CONNECT_FAILED").With("operation", "connect to database").Wrap(err)
	}
	logger.Info("connected to plugin storage")
	return kv, closeFn, nil
}

func migrateUp(deps *RunDeps, databaseURL string) (err error) {
	m, err := deps.MigratorFactory(databaseURL)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := m.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	return m.Up()
}

// loadPlugins loads the single source in opts, or everything in the
// plugins directory.
func loadPlugins(ctx context.Context, mgr *plugin.Manager, opts *runOptions) error {
	if opts.source == "" {
		return mgr.LoadAll(ctx)
	}

	manifest, dir, err := singleSourceManifest(opts)
	if err != nil {
		return err
	}
	_, err = mgr.Load(ctx, manifest, dir)
	return err
}

// singleSourceManifest builds a manifest for a bare source file or URL.
func singleSourceManifest(opts *runOptions) (*plugin.Manifest, string, error) {
	src := opts.source
	isURL := strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://")

	base := src
	if isURL {
		u, err := url.Parse(src)
		if err != nil {
			return nil, "", oops.Code(plugin.ErrCodeInvalidManifest).With("url", src).Wrap(err)
		}
		base = u.Path
	}
	ext := strings.ToLower(filepath.Ext(base))

	engine := plugin.EngineKind(opts.engine)
	if engine == "" {
		switch ext {
		case ".lua":
			engine = plugin.EngineLua
		case ".js", ".mjs":
			engine = plugin.EngineJS
		default:
			return nil, "", oops.Code(plugin.ErrCodeInvalidManifest).
				With("source", src).
				Hint("pass --engine lua or --engine js").
				Errorf("cannot tell the engine from %q", ext)
		}
	}

	name := opts.name
	if name == "" {
		name = strings.ToLower(strings.TrimSuffix(filepath.Base(base), filepath.Ext(base)))
	}

	m := &plugin.Manifest{Name: name, Version: "0.0.0", Engine: engine}
	dir := ""
	if isURL {
		m.URL = src
	} else {
		abs, err := filepath.Abs(src)
		if err != nil {
			return nil, "", oops.With("source", src).Wrap(err)
		}
		if _, err := os.Stat(abs); err != nil {
			return nil, "", oops.Code(plugin.ErrCodeLoadFailed).With("source", src).Wrap(err)
		}
		dir = filepath.Dir(abs)
		m.Entry = filepath.Base(abs)
	}
	if err := m.Validate(); err != nil {
		return nil, "", err
	}
	return m, dir, nil
}

// evalAll evaluates code in every plugin and prints one line per plugin.
func evalAll(ctx context.Context, cmd *cobra.Command, mgr *plugin.Manager, code string) {
	for _, name := range mgr.ListPlugins() {
		lp := mgr.Get(name)
		if lp == nil {
			continue
		}
		v, err := lp.Instance.EvalCode(ctx, code)
		if err != nil {
			cmd.Printf("%s: error: %v\n", name, err)
			continue
		}
		out, err := sonic.MarshalString(v)
		if err != nil {
			out = fmt.Sprintf("%v", v)
		}
		cmd.Printf("%s: %s\n", name, out)
	}
}

// parseMessage decodes raw as JSON, falling back to the raw string.
func parseMessage(raw string) any {
	var msg any
	if err := sonic.UnmarshalString(raw, &msg); err != nil {
		return raw
	}
	return msg
}

// monitorServerErrors cancels the run when a server reports an error.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, name string) {
	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			slog.Error("server failed", "server", name, "error", err)
			cancel()
		}
	case <-ctx.Done():
	}
}
