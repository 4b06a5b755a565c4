// Package config provides the configuration schema, loader, environment
// overlay, hot-reload watcher and provider registry for the roomscribe server.
package config

import (
	"time"

	"github.com/MrWong99/roomscribe/internal/connection"
	"github.com/MrWong99/roomscribe/internal/gateway"
	"github.com/MrWong99/roomscribe/internal/resilience"
)

// LogLevel controls log verbosity for the roomscribe server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for roomscribe.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Provider       ProviderEntry        `yaml:"provider"`
	Connection     ConnectionConfig     `yaml:"connection"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Gateway        GatewayConfig        `yaml:"gateway"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// ShutdownTimeout bounds graceful shutdown. Zero means 15s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProviderEntry selects and configures the speech-to-text provider. The Name
// field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "realtime").
	Name string `yaml:"name"`

	// APIKey is the process-wide default credential. Clients may supply their
	// own per session. Never logged.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// ConnectionConfig is the template for every session's upstream connection.
// Zero values fall back to the connection package defaults.
type ConnectionConfig struct {
	SampleRate     int           `yaml:"sample_rate"`
	Language       string        `yaml:"language"`
	Diarization    bool          `yaml:"diarization"`
	MaxRetries     *int          `yaml:"max_retries"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	EnableBatching *bool         `yaml:"enable_batching"`
	MaxQueueSize   int           `yaml:"max_queue_size"`
	AutoReconnect  *bool         `yaml:"auto_reconnect"`
	StableAfter    time.Duration `yaml:"stable_after"`
	HistorySize    int           `yaml:"history_size"`
}

// Manager converts c into a [connection.Config] on top of the package
// defaults.
func (c ConnectionConfig) Manager() connection.Config {
	out := connection.DefaultConfig()
	if c.SampleRate > 0 {
		out.SampleRate = c.SampleRate
	}
	out.Language = c.Language
	out.Diarization = c.Diarization
	if c.MaxRetries != nil {
		out.MaxRetries = *c.MaxRetries
	}
	if c.BaseDelay > 0 {
		out.BaseDelay = c.BaseDelay
	}
	if c.MaxDelay > 0 {
		out.MaxDelay = c.MaxDelay
	}
	if c.ConnectTimeout > 0 {
		out.ConnectTimeout = c.ConnectTimeout
	}
	if c.EnableBatching != nil {
		out.EnableBatching = *c.EnableBatching
	}
	if c.MaxQueueSize > 0 {
		out.MaxQueueSize = c.MaxQueueSize
	}
	if c.AutoReconnect != nil {
		out.AutoReconnect = *c.AutoReconnect
	}
	if c.StableAfter > 0 {
		out.StableAfter = c.StableAfter
	}
	if c.HistorySize > 0 {
		out.HistorySize = c.HistorySize
	}
	return out
}

// CircuitBreakerConfig guards the provider across sessions. Disabled turns
// the breaker off entirely.
type CircuitBreakerConfig struct {
	Disabled     bool          `yaml:"disabled"`
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// Breaker converts c into a [resilience.CircuitBreakerConfig] named name.
func (c CircuitBreakerConfig) Breaker(name string) resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		Name:         name,
		MaxFailures:  c.MaxFailures,
		ResetTimeout: c.ResetTimeout,
		HalfOpenMax:  c.HalfOpenMax,
	}
}

// GatewayConfig tunes the client WebSocket endpoint.
type GatewayConfig struct {
	// AllowedOrigins lists browser origins allowed to connect. "*" allows any.
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
	SendBuffer      int           `yaml:"send_buffer"`
}

// Handler converts g into a [gateway.Config].
func (g GatewayConfig) Handler() gateway.Config {
	return gateway.Config{
		AllowedOrigins:  g.AllowedOrigins,
		PingInterval:    g.PingInterval,
		WriteTimeout:    g.WriteTimeout,
		MaxMessageBytes: g.MaxMessageBytes,
		SendBuffer:      g.SendBuffer,
	}
}
