package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"switchboard/internal/audit"
	"switchboard/internal/config"
	"switchboard/internal/proxy"
	"switchboard/internal/secrets"
	"switchboard/internal/session"
	"switchboard/internal/store"
	"switchboard/internal/supervisor"
	"switchboard/internal/transport"
	"switchboard/pkg/logging"
)

// Application owns the fully wired proxy runtime. Run blocks until the
// context is cancelled or a termination signal arrives, then shuts the
// pieces down in reverse dependency order.
type Application struct {
	cfg      *config.Config
	st       store.Store
	sup      *supervisor.Supervisor
	sessions *session.Store
	server   *http.Server

	shutdownOnce sync.Once
}

// New wires the runtime from configuration. The returned Application holds
// open resources; callers must Run it (which shuts down on exit) or call
// Shutdown themselves.
func New(cfg *config.Config) (*Application, error) {
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("secretKey must be set (config or SWITCHBOARD_SECRET_KEY)")
	}

	logging.Init(logging.ParseLevel(cfg.LogLevel), os.Stderr)

	var (
		st  store.Store
		err error
	)
	switch cfg.Store {
	case "sqlite":
		st, err = store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
	case "memory":
		st = store.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store)
	}

	cipher, err := secrets.NewCipher(cfg.SecretKey)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to build launch config cipher: %w", err)
	}

	auditSvc := audit.NewService(st.Logs())
	sup := supervisor.New(st, cipher, transport.NewFactory(0), auditSvc)

	router := proxy.NewRouter(sup)
	sup.SetReverseHandler(router)
	sup.SetNotificationSink(router)

	approvals := proxy.NewApprovalService(cfg.Approval.Timeout)

	sessions := session.NewStore(session.StoreConfig{
		IdleTimeout:      cfg.Sessions.IdleTimeout,
		SweepInterval:    cfg.Sessions.SweepInterval,
		MaxSessions:      cfg.Sessions.MaxSessions,
		EventsPerSession: cfg.Events.MaxPerSession,
	}, sup, st.Users(), auditSvc)

	handler := proxy.NewHandler(proxy.HandlerConfig{
		BaseURL:    cfg.BaseURL,
		Auth:       &proxy.StaticTokenAuthenticator{Tokens: cfg.Auth.Tokens, Users: st.Users()},
		Sessions:   sessions,
		Supervisor: sup,
		Router:     router,
		Approvals:  approvals,
		Audit:      auditSvc,
		Timeouts: proxy.ReverseTimeouts{
			Sampling:    cfg.ReverseTimeouts.Sampling,
			Roots:       cfg.ReverseTimeouts.Roots,
			Elicitation: cfg.ReverseTimeouts.Elicitation,
		},
	})

	return &Application{
		cfg:      cfg,
		st:       st,
		sup:      sup,
		sessions: sessions,
		server: &http.Server{
			Addr:              cfg.Listen,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Run connects the shared downstream servers, serves the MCP endpoint and
// blocks until shutdown.
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	result, err := a.sup.ConnectAll(connectCtx)
	cancel()
	if err != nil {
		a.Shutdown()
		return fmt.Errorf("failed to connect downstream servers: %w", err)
	}
	logging.Info("App", "Connected %d downstream servers (%d failed)",
		len(result.Success), len(result.Failed))
	for _, id := range result.Failed {
		logging.Warn("App", "Server %s failed to connect at startup", id)
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("App", "Listening on %s", a.cfg.Listen)
		if err := a.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		a.Shutdown()
		return err
	case <-ctx.Done():
	}

	logging.Info("App", "Shutting down")
	a.Shutdown()
	return nil
}

// Shutdown tears the runtime down. Safe to call more than once.
func (a *Application) Shutdown() {
	a.shutdownOnce.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := a.server.Shutdown(shutdownCtx); err != nil {
			logging.Error("App", err, "HTTP server shutdown")
		}
		a.sessions.Stop()
		a.sup.Shutdown()
		if err := a.st.Close(); err != nil {
			logging.Error("App", err, "Store close")
		}
	})
}
