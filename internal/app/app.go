// Package app wires all roomscribe subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds the router, gateway and
// HTTP surface, Run serves until the context is cancelled, and Shutdown
// drains everything in order.
//
// For testing, inject doubles via functional options (WithListener,
// WithTelemetry, etc.). When an option is not provided, New uses defaults
// derived from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/roomscribe/internal/config"
	"github.com/MrWong99/roomscribe/internal/gateway"
	"github.com/MrWong99/roomscribe/internal/health"
	"github.com/MrWong99/roomscribe/internal/observe"
	"github.com/MrWong99/roomscribe/internal/relay"
	"github.com/MrWong99/roomscribe/internal/resilience"
	"github.com/MrWong99/roomscribe/pkg/provider/stt"
)

// DefaultShutdownTimeout bounds Shutdown when the config sets none.
const DefaultShutdownTimeout = 15 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	provider stt.Provider
	log      *slog.Logger
	level    *slog.LevelVar

	metrics        *observe.Metrics
	metricsHandler http.Handler

	// Subsystems, initialised in New and torn down in Shutdown.
	breaker *resilience.CircuitBreaker
	hub     *gateway.Hub
	router  *relay.Router
	gateway *gateway.Handler
	health  *health.Handler
	server  *http.Server

	listener net.Listener

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New.
type Option func(*App)

// WithTelemetry uses m for instruments and serves h at /metrics.
func WithTelemetry(m *observe.Metrics, h http.Handler) Option {
	return func(a *App) {
		a.metrics = m
		a.metricsHandler = h
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevel lets [App.Reload] adjust the log level of a running server.
func WithLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithListener serves on ln instead of listening on server.listen_addr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// New creates an App by wiring all subsystems together. provider comes from
// the config registry in main.
func New(cfg *config.Config, provider stt.Provider, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	if provider == nil {
		return nil, errors.New("app: nil provider")
	}
	a := &App{
		cfg:      cfg,
		provider: provider,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}

	// ── 1. Circuit breaker ───────────────────────────────────────────────
	routerOpts := []relay.Option{
		relay.WithMetrics(a.metrics),
		relay.WithLogger(a.log),
	}
	var checks []health.Check
	if !cfg.CircuitBreaker.Disabled {
		bcfg := cfg.CircuitBreaker.Breaker(cfg.Provider.Name)
		bcfg.Logger = a.log
		bcfg.OnTransition = func(_ string, _, to resilience.State) {
			a.metrics.RecordBreakerTransition(context.Background(), to.String())
		}
		a.breaker = resilience.NewCircuitBreaker(bcfg)
		routerOpts = append(routerOpts, relay.WithBreaker(a.breaker))
		checks = append(checks, health.BreakerCheck("provider", a.breaker))
	}

	// ── 2. Rooms + session router ────────────────────────────────────────
	a.hub = gateway.NewHub(a.log)
	a.router = relay.New(provider, a.hub, relay.Config{
		DefaultCredential: cfg.Provider.APIKey,
		Connection:        cfg.Connection.Manager(),
	}, routerOpts...)

	// ── 3. Client gateway ────────────────────────────────────────────────
	a.gateway = gateway.NewHandler(a.hub, a.router, cfg.Gateway.Handler(), a.log)

	// ── 4. HTTP surface ──────────────────────────────────────────────────
	a.health = health.New(checks...)
	mux := http.NewServeMux()
	mux.Handle("GET /ws", a.gateway)
	a.health.Register(mux)
	mux.Handle("GET /metrics", a.metricsHandler)
	mux.HandleFunc("GET /debug/sessions", a.sessions)

	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// Handler returns the root HTTP handler. Useful with httptest.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// Router returns the session router.
func (a *App) Router() *relay.Router {
	return a.router
}

// Run serves HTTP and blocks until ctx is cancelled or the server fails.
// It returns ctx.Err() after cancellation; call Shutdown afterwards.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if tls := a.cfg.Server.TLS; tls != nil {
			errCh <- a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- a.server.Serve(ln)
	}()

	a.log.Info("app running", "addr", ln.Addr().String(), "provider", a.cfg.Provider.Name)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Shutdown drains the server: readiness flips to draining, the listener
// stops accepting, every client is disconnected (which stops their
// sessions) and remaining upstream connections are closed. It respects the
// context deadline.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.log.Info("shutting down")
		a.health.SetDraining(true)

		var errs []error
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http: %w", err))
		}
		// Hijacked websocket connections are not tracked by the HTTP server.
		a.gateway.Close()
		if err := a.router.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("router: %w", err))
		}
		a.stopErr = errors.Join(errs...)

		if a.stopErr != nil {
			a.log.Warn("shutdown incomplete", "err", a.stopErr)
			return
		}
		a.log.Info("shutdown complete")
	})
	return a.stopErr
}

// AddReadinessCheck registers another /readyz check, for parts created after
// the App such as the config watcher.
func (a *App) AddReadinessCheck(c health.Check) {
	a.health.Add(c)
}

// Reload applies the hot-reloadable parts of a changed config.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.CredentialChanged {
		a.router.SetDefaultCredential(new.Provider.APIKey)
		a.log.Info("default provider credential rotated")
	}
	if d.OriginsChanged {
		a.gateway.SetAllowedOrigins(new.Gateway.AllowedOrigins)
		a.log.Info("allowed origins changed", "origins", new.Gateway.AllowedOrigins)
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// SlogLevel maps a config level onto slog. Unknown values mean info.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// sessions serves a JSON snapshot of every session and its connection
// health. Credentials are redacted by the connection layer.
func (a *App) sessions(w http.ResponseWriter, _ *http.Request) {
	body := struct {
		Sessions []relay.SessionInfo `json:"sessions"`
		Clients  int                 `json:"clients"`
		Breaker  string              `json:"breaker,omitempty"`
	}{
		Sessions: a.router.Sessions(),
		Clients:  a.hub.Clients(),
	}
	if a.breaker != nil {
		body.Breaker = a.breaker.State().String()
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.log.Warn("encode sessions", "err", err)
	}
}
