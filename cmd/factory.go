// File: cmd/factory.go
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/kestrelvault/kestrel/api/schemas"
	"github.com/kestrelvault/kestrel/internal/alarms"
	"github.com/kestrelvault/kestrel/internal/apiclient"
	"github.com/kestrelvault/kestrel/internal/auth"
	"github.com/kestrelvault/kestrel/internal/autosave"
	"github.com/kestrelvault/kestrel/internal/broker"
	"github.com/kestrelvault/kestrel/internal/config"
	"github.com/kestrelvault/kestrel/internal/formtracker"
	"github.com/kestrelvault/kestrel/internal/host"
	"github.com/kestrelvault/kestrel/internal/observability"
	"github.com/kestrelvault/kestrel/internal/registry"
	"github.com/kestrelvault/kestrel/internal/storage"
	"github.com/kestrelvault/kestrel/internal/tracker"
	"github.com/kestrelvault/kestrel/internal/vault"
	"github.com/kestrelvault/kestrel/internal/worker"
)

// Components holds the initialized services of one worker instance. The
// struct centralizes lifecycle management so the run command stays small.
type Components struct {
	Broker  *broker.Broker
	Auth    *auth.Service
	Worker  *worker.Service
	Gateway *host.Gateway
	CDP     *host.CDPSource
	Alarms  *alarms.Scheduler
	DBPool  *pgxpool.Pool
}

// Shutdown releases resources in dependency order: stop accepting client
// traffic first, then detach from the browser, then the rest.
func (c *Components) Shutdown() {
	logger := observability.GetLogger()

	if c.Gateway != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := c.Gateway.Stop(ctx); err != nil {
			logger.Warn("Error during gateway shutdown.", zap.Error(err))
		}
		cancel()
		logger.Debug("Gateway stopped.")
	}
	if c.CDP != nil {
		c.CDP.Stop()
		logger.Debug("CDP source detached.")
	}
	if c.Alarms != nil {
		c.Alarms.Stop()
		logger.Debug("Alarm scheduler stopped.")
	}
	if c.DBPool != nil {
		c.DBPool.Close()
		logger.Debug("Database connection pool closed.")
	}
	logger.Info("All worker components shut down.")
}

// createComponents handles the full dependency injection of the worker.
// The reload callback is invoked when the broker detects a protocol
// version mismatch and the process should restart.
func createComponents(ctx context.Context, cfg *config.Config, reload func()) (*Components, error) {
	logger := observability.GetLogger()
	components := &Components{}

	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. Storage scopes. Postgres when configured, in-memory otherwise.
	var local storage.Scope
	if cfg.Postgres.URL != "" {
		dbPool, err := pgxpool.New(ctx, cfg.Postgres.URL)
		if err != nil {
			initializationErr = fmt.Errorf("failed to create database connection pool: %w", err)
			return nil, initializationErr
		}
		components.DBPool = dbPool
		pgScope, err := storage.NewPostgresScope(ctx, dbPool, "worker", logger)
		if err != nil {
			initializationErr = err
			return nil, initializationErr
		}
		local = pgScope
		logger.Debug("Durable storage backed by postgres.")
	} else {
		local = storage.NewMemoryScope()
		logger.Debug("Durable storage backed by memory (no postgres.url configured).")
	}
	store := storage.NewService(local, storage.NewMemoryScope(), logger)

	// 2. API client.
	api, err := apiclient.New(cfg.API, logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}

	// 3. Message plumbing.
	reg := registry.New(logger)
	b := broker.New(broker.Config{
		Version:       cfg.Worker.Version,
		TrustedOrigin: cfg.Worker.TrustedOrigin,
		OnReload:      reload,
	}, reg, logger)
	components.Broker = b

	// 4. Alarm scheduler.
	scheduler := alarms.New(logger)
	components.Alarms = scheduler

	// 5. Auth service. Its callbacks late-bind to services created below.
	var (
		workerSvc *worker.Service
		forms     *formtracker.Service
		vaultSvc  *vault.Service
	)
	authStore := auth.NewStore(store, nil, logger)
	authSvc := auth.NewService(auth.Config{
		API:     api,
		Store:   authStore,
		Alarms:  scheduler,
		Storage: store,
		Lock:    cfg.Lock,
		Logger:  logger,
		OnStatusChange: func(status schemas.AppStatus) {
			if workerSvc != nil {
				workerSvc.OnStatusChange(status)
			}
		},
		OnNotification: func(text string) {
			if workerSvc != nil {
				workerSvc.OnNotification(text)
			}
		},
		OnStateWipe: func() {
			if forms != nil {
				forms.Clear()
			}
			if vaultSvc != nil {
				vaultSvc.Invalidate()
			}
		},
	})
	components.Auth = authSvc

	// 6. Form tracking and autosave.
	forms = formtracker.NewService(formtracker.Config{
		Tracker: cfg.Tracker,
		Logger:  logger,
		Ready:   func() bool { return authSvc.Status().Ready() },
		OnStatus: func(tabID int64, p schemas.FormStatusPayload) {
			if workerSvc != nil {
				workerSvc.PushFormStatus(tabID, p)
			}
		},
	})
	vaultSvc = vault.NewService(api, logger)
	engine := autosave.NewEngine(vaultSvc, logger)

	// 7. Network trackers feeding the form tracker.
	requests := tracker.NewRequests(cfg.Tracker, forms.AcceptRequest, tracker.RequestEvents{
		OnIdle:   forms.HandleIdle,
		OnFailed: forms.HandleFailed,
	}, logger)
	tabs := tracker.NewTabs(tracker.TabEvents{
		OnLoaded: forms.HandleTabLoaded,
		OnDeleted: func(tabID int64) {
			forms.HandleTabGone(tabID)
			requests.DropTab(tabID)
		},
		OnErrored: func(tabID int64) {
			forms.HandleTabGone(tabID)
			requests.DropTab(tabID)
		},
	}, logger)

	// 8. Worker glue.
	workerSvc = worker.New(worker.Config{
		Version:  cfg.Worker.Version,
		Broker:   b,
		Auth:     authSvc,
		Forms:    forms,
		Autosave: engine,
		Tabs:     tabs,
		Logger:   logger,
	})
	components.Worker = workerSvc

	// 9. Host adapters.
	components.Gateway = host.NewGateway(cfg.Host.ListenAddr, b, logger)
	if cfg.Host.DevtoolsURL != "" {
		components.CDP = host.NewCDPSource(cfg.Host.DevtoolsURL, tabs, requests, logger)
	}

	logger.Info("All worker components initialized successfully.")
	return components, nil
}
