// Command roomscribe is the main entry point for the roomscribe transcription
// relay server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/MrWong99/roomscribe/internal/app"
	"github.com/MrWong99/roomscribe/internal/config"
	"github.com/MrWong99/roomscribe/internal/health"
	"github.com/MrWong99/roomscribe/internal/observe"
	"github.com/MrWong99/roomscribe/pkg/provider/stt"
	"github.com/MrWong99/roomscribe/pkg/provider/stt/deepgram"
	"github.com/MrWong99/roomscribe/pkg/provider/stt/realtime"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload hot-reloadable settings when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "roomscribe: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "roomscribe: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	logger := newLogger(level)
	slog.SetDefault(logger)

	slog.Info("roomscribe starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceVersion: version,
		SetGlobal:      true,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider ──────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, logger)

	provider, err := reg.CreateSTT(cfg.Provider)
	if err != nil {
		slog.Error("failed to create provider", "name", cfg.Provider.Name, "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStartupSummary(cfg)

	application, err := app.New(cfg, provider,
		app.WithTelemetry(tel.Metrics, tel.Handler),
		app.WithLogger(logger),
		app.WithLevel(level),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, application.Reload, config.WithWatchLogger(logger))
		if err != nil {
			slog.Error("failed to watch config", "err", err)
			return 1
		}
		defer w.Stop()
		application.AddReadinessCheck(health.ErrorCheck("config", w.Err))
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	timeout := cfg.Server.ShutdownTimeout
	if timeout == 0 {
		timeout = app.DefaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	slog.Info("stopping", "timeout", timeout)
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the speech-to-text factories that ship with
// roomscribe into reg.
func registerBuiltinProviders(reg *config.Registry, log *slog.Logger) {
	reg.RegisterSTT("realtime", func(entry config.ProviderEntry) (stt.Provider, error) {
		opts := []realtime.Option{realtime.WithLogger(log.With("provider", "realtime"))}
		if entry.BaseURL != "" {
			opts = append(opts, realtime.WithBaseURL(entry.BaseURL))
		}
		if n := optInt(entry.Options, "read_limit"); n > 0 {
			opts = append(opts, realtime.WithReadLimit(int64(n)))
		}
		return realtime.New(opts...), nil
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithBaseURL(entry.BaseURL))
		}
		if model := optString(entry.Options, "model"); model != "" {
			opts = append(opts, deepgram.WithModel(model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(opts...), nil
	})

	for _, name := range reg.STTNames() {
		log.Debug("registered provider", "kind", "stt", "name", name)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	credential := "(clients only)"
	if cfg.Provider.APIKey != "" {
		credential = "configured"
	}
	breaker := "enabled"
	if cfg.CircuitBreaker.Disabled {
		breaker = "(disabled)"
	}
	mgr := cfg.Connection.Manager()

	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       roomscribe: startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Provider", cfg.Provider.Name)
	printRow("Credential", credential)
	printRow("Breaker", breaker)
	printRow("Retries", fmt.Sprintf("%d (%s..%s)", mgr.MaxRetries, mgr.BaseDelay, mgr.MaxDelay))
	printRow("Origins", fmt.Sprintf("%d allowed", len(cfg.Gateway.AllowedOrigins)))
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer value from a provider Options map[string]any.
// Returns 0 if the map is nil, the key is absent, or the value is not a number.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
