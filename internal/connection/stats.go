package connection

import (
	"fmt"
	"time"
)

// State is the connection state machine position.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON diagnostics.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name produced by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	for st := StateDisconnected; st <= StateError; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("connection: unknown state %q", b)
}

// Transition is one entry of the state history.
type Transition struct {
	At    time.Time `json:"at"`
	State State     `json:"state"`
}

// Stats is a point-in-time copy of the manager's counters. Counters never
// decrease over the lifetime of a manager.
type Stats struct {
	ConnectionAttempts    int64         `json:"connectionAttempts"`
	SuccessfulConnections int64         `json:"successfulConnections"`
	RetryAttempts         int64         `json:"retryAttempts"`
	AudioChunksSent       int64         `json:"audioChunksSent"`
	QueuedChunks          int           `json:"queuedChunks"`
	Uptime                time.Duration `json:"uptime"`
	History               []Transition  `json:"history"`
}

// Health is the result of [Manager.HealthCheck].
type Health struct {
	Healthy bool          `json:"healthy"`
	Details HealthDetails `json:"details"`
}

// HealthDetails explains a [Health] verdict.
type HealthDetails struct {
	State     State  `json:"connectionState"`
	LastError string `json:"lastError,omitempty"`
	Stats     Stats  `json:"stats"`
	Config    Config `json:"config"`
}

// history is a bounded, append-only transition log. The oldest entries are
// evicted once the limit is reached.
type history struct {
	limit   int
	entries []Transition
}

func (h *history) add(t Transition) {
	if h.limit > 0 && len(h.entries) >= h.limit {
		copy(h.entries, h.entries[1:])
		h.entries = h.entries[:len(h.entries)-1]
	}
	h.entries = append(h.entries, t)
}

func (h *history) snapshot() []Transition {
	out := make([]Transition, len(h.entries))
	copy(out, h.entries)
	return out
}
