package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by [ApplyEnv].
const EnvPrefix = "ROOMSCRIBE_"

// ValidProviderNames lists the speech-to-text providers built into the
// server. Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = []string{"realtime", "deepgram"}

// envOverlay is the subset of [Config] that may be set from the environment.
// Empty values leave the file configuration untouched.
type envOverlay struct {
	ListenAddr     string        `env:"LISTEN_ADDR"`
	LogLevel       string        `env:"LOG_LEVEL"`
	ProviderName   string        `env:"PROVIDER_NAME"`
	ProviderAPIKey string        `env:"PROVIDER_API_KEY"`
	ProviderURL    string        `env:"PROVIDER_BASE_URL"`
	AllowedOrigins []string      `env:"ALLOWED_ORIGINS" envSeparator:","`
	ConnectTimeout time.Duration `env:"CONNECT_TIMEOUT"`
}

// Load reads the YAML configuration file at path, applies the process
// environment and returns a validated [Config].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := parse(data, nil)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result. The
// environment is not consulted. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parse decodes data, overlays environ (the process environment when nil)
// and validates.
func parse(data []byte, environ map[string]string) (*Config, error) {
	cfg, err := decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg, environ); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays ROOMSCRIBE_* variables onto cfg. A nil environ means the
// process environment.
func ApplyEnv(cfg *Config, environ map[string]string) error {
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	var o envOverlay
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}

	if o.ListenAddr != "" {
		cfg.Server.ListenAddr = o.ListenAddr
	}
	if o.LogLevel != "" {
		cfg.Server.LogLevel = LogLevel(o.LogLevel)
	}
	if o.ProviderName != "" {
		cfg.Provider.Name = o.ProviderName
	}
	if o.ProviderAPIKey != "" {
		cfg.Provider.APIKey = o.ProviderAPIKey
	}
	if o.ProviderURL != "" {
		cfg.Provider.BaseURL = o.ProviderURL
	}
	if len(o.AllowedOrigins) > 0 {
		cfg.Gateway.AllowedOrigins = o.AllowedOrigins
	}
	if o.ConnectTimeout > 0 {
		cfg.Connection.ConnectTimeout = o.ConnectTimeout
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout must not be negative"))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, fmt.Errorf("server.tls requires both cert_file and key_file"))
	}

	// Provider
	if cfg.Provider.Name == "" {
		errs = append(errs, fmt.Errorf("provider.name is required"))
	} else if !slices.Contains(ValidProviderNames, cfg.Provider.Name) {
		slog.Warn("unknown provider name; may be a typo or third-party provider",
			"name", cfg.Provider.Name,
			"known", ValidProviderNames,
		)
	}
	if cfg.Provider.APIKey == "" {
		slog.Warn("provider.api_key is empty; clients must supply their own credential to start transcription")
	}

	// Connection
	c := cfg.Connection
	if c.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("connection.sample_rate %d must not be negative", c.SampleRate))
	}
	if c.MaxRetries != nil && *c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("connection.max_retries %d must not be negative", *c.MaxRetries))
	}
	if c.BaseDelay < 0 || c.MaxDelay < 0 || c.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("connection delays and timeouts must not be negative"))
	}
	if c.BaseDelay > 0 && c.MaxDelay > 0 && c.MaxDelay < c.BaseDelay {
		errs = append(errs, fmt.Errorf("connection.max_delay %s is shorter than connection.base_delay %s", c.MaxDelay, c.BaseDelay))
	}
	if c.MaxQueueSize < 0 {
		errs = append(errs, fmt.Errorf("connection.max_queue_size %d must not be negative", c.MaxQueueSize))
	}

	// Circuit breaker
	if cb := cfg.CircuitBreaker; cb.MaxFailures < 0 || cb.HalfOpenMax < 0 || cb.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("circuit_breaker values must not be negative"))
	}

	// Gateway
	if len(cfg.Gateway.AllowedOrigins) == 0 {
		slog.Warn("gateway.allowed_origins is empty; browser clients will be rejected")
	}
	if g := cfg.Gateway; g.PingInterval < 0 || g.WriteTimeout < 0 || g.MaxMessageBytes < 0 || g.SendBuffer < 0 {
		errs = append(errs, fmt.Errorf("gateway values must not be negative"))
	}

	return errors.Join(errs...)
}
