// Package hub is the main orchestrator that ties all hub components together.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/relayhub-ai/relayhub/internal/api"
	"github.com/relayhub-ai/relayhub/internal/auth"
	"github.com/relayhub-ai/relayhub/internal/config"
	"github.com/relayhub-ai/relayhub/internal/fanout"
	"github.com/relayhub-ai/relayhub/internal/ingress"
	"github.com/relayhub-ai/relayhub/internal/permission"
	"github.com/relayhub-ai/relayhub/internal/store"
	"github.com/relayhub-ai/relayhub/internal/sync"
)

// Hub is the main hub process.
type Hub struct {
	cfg     *config.Config
	store   store.Store
	fanout  *fanout.Fanout
	monitor *sync.AliveMonitor
	api     *api.Server
	logger  *slog.Logger
}

// New creates a new hub from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	db, err := store.New(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	authProvider, err := auth.NewProvider(cfg.Auth, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}
	if err := authProvider.Bootstrap(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	var loginProvider auth.LoginProvider
	if lp, ok := authProvider.(auth.LoginProvider); ok {
		loginProvider = lp
	}

	// Runner tokens are always validated by the builtin service, even when
	// client auth is delegated to an OIDC issuer.
	runnerAuth := auth.NewService(db, cfg.Auth)

	pub := sync.NewPublisher()
	sessions := sync.NewSessionCache(db, pub, logger)
	machines := sync.NewMachineCache(db, pub, logger)
	messages := sync.NewMessageLog(db, pub)
	broker := permission.NewBroker(sessions, logger)
	fo := fanout.New(pub, logger)

	sock := ingress.New(sessions, machines, messages, broker, runnerAuth, cfg.Server.AllowedOrigins, logger)

	monitor := sync.NewAliveMonitor(sessions, machines, broker, logger)
	if cfg.Sync.SweepInterval.Duration > 0 {
		monitor.Interval = cfg.Sync.SweepInterval.Duration
	}
	if cfg.Sync.PermissionTimeout.Duration > 0 {
		monitor.PermissionTimeout = cfg.Sync.PermissionTimeout.Duration
	}

	apiSrv := api.NewServer(api.Options{
		Store:         db,
		AuthProvider:  authProvider,
		LoginProvider: loginProvider,
		Sessions:      sessions,
		Machines:      machines,
		Messages:      messages,
		Broker:        broker,
		Fanout:        fo,
		Ingress:       sock,
		Publisher:     pub,
	}, cfg, logger)

	h := &Hub{
		cfg:     cfg,
		store:   db,
		fanout:  fo,
		monitor: monitor,
		api:     apiSrv,
		logger:  logger.With("component", "hub"),
	}

	if authProvider.Name() == "builtin" {
		if cfg.Auth.InitialAdmin != nil &&
			cfg.Auth.InitialAdmin.Username == "admin" && cfg.Auth.InitialAdmin.Password == "admin" {
			logger.Warn("default admin credentials detected (admin/admin), change immediately in production")
		}
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}

	return h, nil
}

// Run starts the hub HTTP server and blocks until the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    h.cfg.Server.Addr,
		Handler: h.api.Handler(),
	}

	go h.monitor.Run(ctx)
	h.api.StartBackgroundTasks(ctx)

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("hub listening", "addr", h.cfg.Server.Addr)
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		h.logger.Info("shutting down hub gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		}

		h.fanout.Close()
		h.logger.Info("closing store")
		_ = h.store.Close()
		h.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		h.fanout.Close()
		_ = h.store.Close()
		return err
	}
}
