package relay

import (
	"fmt"
	"strings"
	"unicode"
)

// MinCredentialLength is the shortest provider credential accepted.
const MinCredentialLength = 32

// Stable codes of router-level configuration errors.
const (
	CodeConfigMissing = "CONFIG_MISSING"
	CodeConfigInvalid = "CONFIG_INVALID"
)

// ConfigError rejects a transcription request before any connection is
// attempted. It is never retryable.
type ConfigError struct {
	Code    string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Code + ": " + e.Message
}

// ResolveCredential picks the explicit credential when given and fallback
// otherwise, trims it, and validates its shape. The credential itself never
// appears in the returned error.
func ResolveCredential(explicit, fallback string) (string, error) {
	cred := strings.TrimSpace(explicit)
	if cred == "" {
		cred = strings.TrimSpace(fallback)
	}
	if cred == "" {
		return "", &ConfigError{
			Code:    CodeConfigMissing,
			Message: "no provider credential supplied and no default configured",
		}
	}
	if strings.IndexFunc(cred, unicode.IsSpace) >= 0 {
		return "", &ConfigError{
			Code:    CodeConfigInvalid,
			Message: "provider credential must not contain whitespace",
		}
	}
	if len(cred) < MinCredentialLength {
		return "", &ConfigError{
			Code:    CodeConfigInvalid,
			Message: fmt.Sprintf("provider credential must be at least %d characters", MinCredentialLength),
		}
	}
	return cred, nil
}
