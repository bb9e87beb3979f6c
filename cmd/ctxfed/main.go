// Package main runs ctxfed: the registration store, the federation dispatcher and the
// admin HTTP surface (metrics, health, registrations).
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/ctxfed/admin"
	"github.com/c360/ctxfed/config"
	"github.com/c360/ctxfed/csr"
	"github.com/c360/ctxfed/federation"
	"github.com/c360/ctxfed/health"
	"github.com/c360/ctxfed/metric"
	"github.com/c360/ctxfed/natsclient"
	"github.com/c360/ctxfed/pkg/tlsutil"
	"github.com/c360/ctxfed/registry"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "ctxfed"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, err := parseFlags(args)
	if err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		return nil
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.LogLevel != "" {
		cfg.Log.Level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.Log.Format = cliCfg.LogFormat
	}

	logger := setupLogger(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		logger.Info("Configuration is valid", "config", cfg.String())
		return nil
	}

	logger.Info("Starting ctxfed",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath,
		"store", cfg.Store.Backend)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	if cliCfg.Query != "" {
		req, err := parseQuery(cliCfg.Query)
		if err != nil {
			return err
		}
		return app.runQuery(ctx, os.Stdout, req)
	}
	return app.serve(ctx)
}

// app holds the wired process components
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      registry.Store
	metrics    *metric.MetricsRegistry
	status     *federation.AsyncStatusRecorder
	dispatcher *federation.Dispatcher
	admin      *admin.Server
	adminOpts  []admin.Option
	closers    []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metric.NewMetricsRegistry()}
	matcher := csr.NewMatcher(cfg.Federation.PatternCacheSize)

	store, err := a.openStore(ctx, matcher)
	if err != nil {
		a.close()
		return nil, err
	}
	a.store = store

	a.status = federation.NewAsyncStatusRecorder(store, cfg.Status.Workers, cfg.Status.QueueSize, a.metrics,
		federation.WithStatusLogger(logger),
		federation.WithStatusTimeout(cfg.Status.UpdateTimeout.Std()))
	if err := a.status.Start(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("start status recorder: %w", err)
	}
	a.closers = append(a.closers, func() {
		if err := a.status.Stop(5 * time.Second); err != nil {
			logger.Warn("Status recorder stop failed", "error", err)
		}
	})

	var clientTLS *tls.Config
	if !cfg.Federation.TLS.IsZero() {
		if clientTLS, err = tlsutil.LoadClientTLSConfig(cfg.Federation.TLS); err != nil {
			a.close()
			return nil, fmt.Errorf("load federation TLS: %w", err)
		}
	}

	caller := federation.NewCaller(federation.CallerConfig{
		Timeout:             cfg.Federation.CallTimeout.Std(),
		RateLimit:           cfg.Federation.RateLimit,
		RateBurst:           cfg.Federation.RateBurst,
		MaxIdleConnsPerHost: cfg.Federation.MaxIdleConnsPerHost,
		UserAgent:           cfg.Federation.UserAgent,
		TLS:                 clientTLS,
	},
		federation.WithStatusRecorder(a.status),
		federation.WithCallerMetrics(a.metrics.Federation),
		federation.WithCallerLogger(logger))

	a.dispatcher = federation.NewDispatcher(store, caller,
		federation.WithMatcher(matcher),
		federation.WithMaxConcurrency(cfg.Federation.MaxConcurrency),
		federation.WithMetrics(a.metrics.Federation),
		federation.WithLogger(logger))

	a.admin = admin.NewServer(store, health.NewMonitor(), a.metrics,
		append(a.adminOpts, admin.WithLogger(logger))...)
	return a, nil
}

// openStore selects the registration store backend
func (a *app) openStore(ctx context.Context, matcher *csr.Matcher) (registry.Store, error) {
	sc := a.cfg.Store
	switch sc.Backend {
	case config.BackendKV:
		client := natsclient.NewClient(sc.NATSURL,
			natsclient.WithLogger(a.logger),
			natsclient.WithName(appName))
		a.logger.Info("Connecting to NATS", "url", sc.NATSURL)
		if err := client.Connect(ctx); err != nil {
			return nil, fmt.Errorf("connect to NATS: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		a.adminOpts = append(a.adminOpts, admin.WithConnectionCheck("nats", client.IsConnected))

		store, err := registry.NewKVStore(ctx, client, sc.KVBucket, matcher)
		if err != nil {
			return nil, fmt.Errorf("open kv registry: %w", err)
		}
		return store, nil

	case config.BackendSQL:
		store, err := registry.OpenSQLStore(ctx, sc.SQLDriver, sc.SQLDSN, matcher)
		if err != nil {
			return nil, fmt.Errorf("open sql registry: %w", err)
		}
		a.closers = append(a.closers, func() { _ = store.Close() })
		return store, nil

	default:
		return registry.NewMemoryStore(matcher), nil
	}
}

// serve runs the admin server and the health schedule until ctx is cancelled
func (a *app) serve(ctx context.Context) error {
	a.admin.RefreshHealth(ctx)
	if a.cfg.Health.Schedule != "" {
		c, err := a.admin.ScheduleHealth(ctx, a.cfg.Health.Schedule)
		if err != nil {
			return err
		}
		defer c.Stop()
	}

	serverTLS, err := tlsutil.LoadServerTLSConfig(a.cfg.HTTP.TLS)
	if err != nil {
		return fmt.Errorf("load admin TLS: %w", err)
	}
	srv := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           a.admin.Handler(),
		TLSConfig:         serverTLS,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Admin server listening", "addr", srv.Addr, "tls", serverTLS != nil)
		var err error
		if serverTLS != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("admin server: %w", err)
		}
	case <-ctx.Done():
		a.logger.Info("Received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout.Std())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	a.logger.Info("ctxfed shutdown complete")
	return nil
}

// runQuery runs one federated query and writes the merged entities and warnings to w.
func (a *app) runQuery(ctx context.Context, w io.Writer, req federation.QueryRequest) error {
	res, err := a.dispatcher.QueryEntities(ctx, req)
	if err != nil {
		return fmt.Errorf("federated query: %w", err)
	}

	problems := make([]federation.Problem, 0, len(res.Warnings))
	for _, warn := range res.Warnings {
		problems = append(problems, warn.Problem())
	}
	out := struct {
		Entities any                  `json:"entities"`
		Count    int                  `json:"count"`
		Warnings []federation.Problem `json:"warnings"`
	}{
		Entities: federation.MergeByID(nil, res.Entities),
		Count:    res.TotalCount(),
		Warnings: problems,
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
