// Package app wires configuration, storage and the credit engine services
// into one container used by the HTTP server and the CLI.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	ce "github.com/ineyio/creditengine"
	"github.com/ineyio/creditengine/meter"
	"github.com/ineyio/creditengine/provider/fal"
)

// App holds the long-lived services of a running engine.
type App struct {
	Config ce.Config
	Logger zerolog.Logger
	Stores *Stores

	Coordinator *ce.Coordinator
	Reconciler  *ce.Reconciler
	Balances    *ce.BalanceService
	Provisioner *ce.Provisioner
	Health      *ce.HealthTracker

	Submitter ce.Submitter
	Verifier  *fal.Verifier
	Metrics   *prometheus.Registry
}

// Option adjusts an App before its services are built.
type Option func(*App)

// WithSubmitter replaces the fal client, e.g. with a mock in tests.
func WithSubmitter(s ce.Submitter) Option {
	return func(a *App) { a.Submitter = s }
}

// WithVerifier replaces the webhook verifier.
func WithVerifier(v *fal.Verifier) Option {
	return func(a *App) { a.Verifier = v }
}

// New builds an App over already opened stores.
func New(cfg ce.Config, stores *Stores, logger zerolog.Logger, opts ...Option) (*App, error) {
	a := &App{
		Config:  cfg,
		Logger:  logger,
		Stores:  stores,
		Health:  ce.NewHealthTracker(),
		Metrics: prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.Metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if a.Submitter == nil {
		a.Submitter = fal.New(cfg.Fal.APIKey,
			fal.WithQueueURL(cfg.Fal.QueueURL),
			fal.WithHTTPClient(&http.Client{Timeout: cfg.Server.SubmitTimeout}),
		)
	}
	if a.Verifier == nil && len(cfg.Fal.WebhookKeys) > 0 {
		v, err := fal.NewVerifier(cfg.Fal.WebhookKeys, cfg.Fal.WebhookTolerance)
		if err != nil {
			return nil, fmt.Errorf("webhook verifier: %w", err)
		}
		a.Verifier = v
	}

	m := meter.Multi{
		meter.NewPrometheusMeter(a.Metrics),
		meter.NewLogMeter(logger),
	}
	engineOpts := []ce.Option{
		ce.WithMeter(m),
		ce.WithLogger(logger),
		ce.WithOrphanLog(stores.Orphans),
		ce.WithHealthTracker(a.Health),
		ce.WithBundleConcurrency(cfg.BundleConcurrency),
	}

	var err error
	a.Coordinator, err = ce.NewCoordinator(stores.Ledger, stores.Registry, engineOpts...)
	if err != nil {
		return nil, err
	}
	a.Reconciler, err = ce.NewReconciler(stores.Ledger, stores.Registry, engineOpts...)
	if err != nil {
		return nil, err
	}
	a.Balances = ce.NewBalanceService(stores.Ledger)
	a.Provisioner = ce.NewProvisioner(stores.Ledger, cfg.InitialGrant, logger)

	return a, nil
}

// Load reads the config at path (or the defaults when path is empty),
// opens the stores and builds an App.
func Load(ctx context.Context, path string, opts ...Option) (*App, error) {
	cfg := ce.DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = ce.LoadConfig(path); err != nil {
			return nil, err
		}
	}

	logger := NewLogger(cfg.Log)

	stores, err := OpenStores(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a, err := New(cfg, stores, logger, opts...)
	if err != nil {
		stores.Close()
		return nil, err
	}
	return a, nil
}

// RefreshWebhookKeys replaces the verifier with fal's published keys.
// Used when no keys are configured statically.
func (a *App) RefreshWebhookKeys(ctx context.Context, jwksURL string) error {
	fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	keys, err := fal.FetchKeys(fetchCtx, nil, jwksURL)
	if err != nil {
		return err
	}
	v, err := fal.NewVerifier(keys, a.Config.Fal.WebhookTolerance)
	if err != nil {
		return err
	}
	a.Verifier = v
	a.Logger.Info().Int("keys", len(keys)).Msg("webhook keys loaded")
	return nil
}

// Close releases the stores.
func (a *App) Close() error {
	return a.Stores.Close()
}
