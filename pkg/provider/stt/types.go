package stt

import (
	"encoding/base64"
	"encoding/json"
)

// AudioChunk is one transient unit of audio. Exactly one of PCM or Encoded is
// expected to be set; when both are, Encoded wins.
type AudioChunk struct {
	// PCM holds raw audio bytes. They are base64 encoded before transmission.
	PCM []byte

	// Encoded holds audio that the client already base64 encoded. It is
	// forwarded unchanged.
	Encoded string
}

// Base64 returns the chunk in its wire encoding.
func (c AudioChunk) Base64() string {
	if c.Encoded != "" {
		return c.Encoded
	}
	return base64.StdEncoding.EncodeToString(c.PCM)
}

// Empty reports whether the chunk carries no audio at all.
func (c AudioChunk) Empty() bool {
	return c.Encoded == "" && len(c.PCM) == 0
}

// Event is the tagged union of everything a [Stream] reports. The concrete
// types are [OpenEvent], [StatusEvent], [MessageEvent], [ErrorEvent] and
// [CloseEvent].
type Event interface {
	streamEvent()
}

// EventHandler receives stream events.
type EventHandler func(Event)

// OpenEvent signals that the stream is logically ready to accept audio.
type OpenEvent struct{}

// StatusEvent carries an informational status update such as "running".
type StatusEvent struct {
	Status  string
	Message string
}

// MessageEvent carries one decoded inbound frame. Payload is guaranteed to be
// syntactically valid JSON; its shape is not validated.
type MessageEvent struct {
	Payload json.RawMessage
}

// ErrorEvent reports a transport failure, a provider error frame, or a frame
// that could not be decoded (wrapping [ErrMalformedFrame]).
type ErrorEvent struct {
	Err error
}

// CloseEvent reports that the transport closed. Code is the websocket close
// status, or -1 when the connection dropped without a close frame.
type CloseEvent struct {
	Code   int
	Reason string
}

func (OpenEvent) streamEvent()    {}
func (StatusEvent) streamEvent()  {}
func (MessageEvent) streamEvent() {}
func (ErrorEvent) streamEvent()   {}
func (CloseEvent) streamEvent()   {}
