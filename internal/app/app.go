package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"webshield/internal/config"
	"webshield/internal/fetch"
	"webshield/internal/importer"
	"webshield/internal/intercept"
	"webshield/internal/metrics"
	"webshield/internal/settings"
	"webshield/internal/store"
	"webshield/internal/transport/grpc"
	httpapi "webshield/internal/transport/http"
)

const (
	settingsFile    = "settings.json"
	shutdownTimeout = 10 * time.Second
)

// App owns the block store and everything built on it. A browser shell
// embeds it and asks Interceptor() about every request.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store       *store.Store
	settings    *settings.Holder
	metrics     *metrics.Metrics
	imports     *importer.Manager
	interceptor *intercept.Interceptor
}

func New(cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	st, err := store.Open(store.Options{Dir: cfg.DataDir, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	s, err := settings.Load(filepath.Join(cfg.DataDir, settingsFile))
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	holder := settings.NewHolder(s)

	m := metrics.New()
	for _, k := range store.Kinds {
		m.TrackStoreSize(string(k), func() int { return st.Len(k) })
	}

	client := fetch.New(fetch.Options{
		Timeout:  cfg.Fetch.Timeout,
		Backoff:  cfg.Fetch.RetryBackoff,
		MaxBytes: cfg.Fetch.MaxListBytes,
		Logger:   logger,
	})
	imp := importer.New(client, st, holder, m, logger)

	return &App{
		cfg:         cfg,
		logger:      logger,
		store:       st,
		settings:    holder,
		metrics:     m,
		imports:     importer.NewManager(imp, logger),
		interceptor: intercept.New(st, holder.WhitelistEnabled, m, logger),
	}, nil
}

func (a *App) Interceptor() *intercept.Interceptor { return a.interceptor }

func (a *App) Imports() *importer.Manager { return a.imports }

// Run serves the HTTP API and gRPC checker and refreshes subscribed lists
// until ctx is done. On the way out the running import is cancelled and
// every pending change is written.
func (a *App) Run(ctx context.Context) error {
	api := httpapi.NewServer(httpapi.Deps{
		Store:        a.store,
		Settings:     a.settings,
		SettingsPath: filepath.Join(a.cfg.DataDir, settingsFile),
		Imports:      a.imports,
		Checker:      a.interceptor,
		Metrics:      a.metrics,
		Logger:       a.logger,
		CORSOrigins:  a.cfg.CORSOrigins,
		RateLimit: httpapi.RateLimitConfig{
			RequestsPerSecond: a.cfg.RateLimit.RequestsPerSecond,
			Burst:             a.cfg.RateLimit.Burst,
		},
	})

	refresh := importer.RefreshConfig{
		Interval:       a.cfg.RefreshInterval,
		InitialBackoff: 30 * time.Second,
		MaxBackoff:     30 * time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := importer.Refresh(gctx, refresh, a.imports, func() []string { return a.store.All(store.Lists) }, a.logger)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		return grpc.Run(gctx, a.cfg.GRPCAddr, a.interceptor, a.logger)
	})

	g.Go(func() error {
		return api.Run(gctx, a.cfg.HTTPAddr)
	})

	err := g.Wait()
	if cerr := a.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	if err != nil {
		a.logger.Error("servers stopped with error", zap.Error(err))
		return err
	}

	a.logger.Info("servers stopped gracefully")
	return nil
}

// Close cancels the running import and flushes the store.
func (a *App) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.imports.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop imports: %w", err))
	}
	if err := a.store.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("flush store: %w", err))
	}
	return errors.Join(errs...)
}
