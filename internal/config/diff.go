package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are applied; the rest are
// reported so the operator can be told a restart is needed.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// CredentialChanged is set when provider.api_key differs. New sessions
	// pick up the new default; running ones keep their credential.
	CredentialChanged bool

	OriginsChanged bool

	// RestartRequired lists changed settings that only take effect on restart.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.CredentialChanged || d.OriginsChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Provider.APIKey != new.Provider.APIKey {
		d.CredentialChanged = true
	}
	if !slices.Equal(old.Gateway.AllowedOrigins, new.Gateway.AllowedOrigins) {
		d.OriginsChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Server.ShutdownTimeout != new.Server.ShutdownTimeout {
		d.RestartRequired = append(d.RestartRequired, "server.shutdown_timeout")
	}
	if !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	if old.Provider.Name != new.Provider.Name || old.Provider.BaseURL != new.Provider.BaseURL ||
		!reflect.DeepEqual(old.Provider.Options, new.Provider.Options) {
		d.RestartRequired = append(d.RestartRequired, "provider")
	}
	if old.Connection.Manager() != new.Connection.Manager() {
		d.RestartRequired = append(d.RestartRequired, "connection")
	}
	if old.CircuitBreaker != new.CircuitBreaker {
		d.RestartRequired = append(d.RestartRequired, "circuit_breaker")
	}
	og, ng := old.Gateway, new.Gateway
	og.AllowedOrigins, ng.AllowedOrigins = nil, nil
	if !reflect.DeepEqual(og, ng) {
		d.RestartRequired = append(d.RestartRequired, "gateway")
	}

	return d
}
