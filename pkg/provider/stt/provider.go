// Package stt defines the Provider interface for streaming Speech-to-Text
// backends.
//
// An STT provider wraps a real-time transcription service reachable over a
// persistent socket and exposes a uniform streaming interface. The central
// abstraction is Stream: once connected, a stream accepts audio chunks and
// reports everything that happens on the wire as a tagged [Event] delivered
// to the [EventHandler] supplied at construction. Handlers pattern-match on
// the concrete event type instead of relying on positional callbacks.
//
// A Stream carries no resilience of its own. It never buffers audio while
// disconnected and never reconnects; both are the caller's responsibility.
package stt

import (
	"context"
	"errors"
	"log/slog"
)

// ErrMalformedFrame is wrapped by the error inside an [ErrorEvent] when an
// inbound frame could not be decoded. Such errors describe a single bad frame,
// not a broken connection.
var ErrMalformedFrame = errors.New("stt: malformed inbound frame")

// StreamConfig describes the audio format, recognition options and credential
// for a new stream.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Common values: 16000
	// (STT-optimised mono), 48000 (browser capture).
	SampleRate int

	// Language is an optional BCP-47 language hint. Empty lets the provider
	// decide.
	Language string

	// Diarization requests speaker labels on transcribed words.
	Diarization bool

	// Credential authorizes the connection. It is sent as a request header and
	// must never be logged.
	Credential string
}

// LogValue implements [slog.LogValuer] so a StreamConfig can be logged without
// leaking the credential.
func (c StreamConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("sample_rate", c.SampleRate),
		slog.String("language", c.Language),
		slog.Bool("diarization", c.Diarization),
		slog.Bool("credential_set", c.Credential != ""),
	)
}

// Stream is one bidirectional channel to the provider for a single session.
//
// All methods must be safe for concurrent use. Events for a stream are
// delivered sequentially; a handler never runs concurrently with itself for
// the same stream.
type Stream interface {
	// Connect opens the underlying transport. It returns once the transport is
	// open; provider-side readiness is reported later through an [OpenEvent].
	Connect(ctx context.Context, cfg StreamConfig) error

	// SendAudio transmits one chunk as exactly one outbound frame. When the
	// transport is not open the chunk is silently dropped and nil is returned.
	SendAudio(chunk AudioChunk) error

	// Close tears the transport down. Calling Close more than once, or on a
	// stream that never connected, is safe and returns nil.
	Close() error
}

// Provider creates streams. Implementations must be safe for concurrent use;
// one provider serves every session in the process.
type Provider interface {
	// NewStream returns an unconnected stream that reports its events to
	// handler. handler must not be nil.
	NewStream(handler EventHandler) Stream
}
