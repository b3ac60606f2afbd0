package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/stevemurr/crm-sync-server/config"
	"github.com/stevemurr/crm-sync-server/events"
	"github.com/stevemurr/crm-sync-server/manager"
	"github.com/stevemurr/crm-sync-server/remote"
	"github.com/stevemurr/crm-sync-server/schema"
	"github.com/stevemurr/crm-sync-server/store"
)

// app bundles the components every command builds from the config.
type app struct {
	backend store.Store
	records *store.Storage
	schemas *schema.Registry
	fetcher remote.Fetcher
	pinger  remote.Pinger
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	backend, err := store.New(ctx, cfg.StoreBackend, store.Options{
		DataDir:     cfg.DataDir,
		DatabaseURL: cfg.DatabaseURL,
		S3: store.S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
			KeyPrefix: cfg.S3KeyPrefix,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create store (backend=%s): %w", cfg.StoreBackend, err)
	}

	a := &app{
		backend: backend,
		records: store.NewStorage(backend, cfg.StoragePrefix, logger),
		schemas: schema.NewRegistry(store.NewStorage(backend, schema.StoragePrefix, logger)),
		fetcher: remote.NotConfigured{},
		pinger:  remote.NotConfigured{},
	}
	if cfg.RemoteURL != "" {
		client, err := remote.NewClient(cfg.RemoteURL,
			remote.WithAPIKey(cfg.RemoteAPIKey),
			remote.WithTimeout(cfg.RemoteTimeoutDuration()),
		)
		if err != nil {
			backend.Close()
			return nil, err
		}
		a.fetcher, a.pinger = client, client
	}
	return a, nil
}

// manager builds a Manager over the app's storage. reg may be nil.
func (a *app) manager(cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer, seedMock bool) *manager.Manager {
	return manager.New(a.records, a.fetcher, events.NewBus(logger), logger,
		manager.WithFlushInterval(cfg.FlushEvery()),
		manager.WithSyncTimeout(cfg.RemoteTimeoutDuration()),
		manager.WithMetrics(reg),
		manager.WithMockSeed(seedMock),
	)
}

func (a *app) Close() error { return a.backend.Close() }
