// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to hand out scriptable Streams and inspect what the code under
// test did with them. A Stream emits OpenEvent and StatusEvent{"running"}
// synchronously from a successful Connect unless Provider.Manual is set, in
// which case the test drives every event itself via Stream.Emit.
//
// Example:
//
//	p := &mock.Provider{ConnectErrs: []error{errors.New("network down")}}
//	mgr := connection.New(p, cfg)
//	_ = mgr.Connect(ctx) // first stream fails, retry succeeds
//	s := p.Stream(1)
//	s.Emit(stt.MessageEvent{Payload: json.RawMessage(`{"text":"hi"}`)})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/roomscribe/pkg/provider/stt"
)

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// ConnectErrs is consumed one entry per created stream, in order. A nil
	// entry, or running past the end of the slice, means Connect succeeds.
	ConnectErrs []error

	// Manual suppresses the automatic OpenEvent after a successful Connect.
	Manual bool

	// BeforeConnect, if set, runs at the start of every Connect call before
	// the scripted result is applied. Tests use it to block or count attempts.
	BeforeConnect func(ctx context.Context, s *Stream)

	// AfterOpen, if set, runs inside a successful non-manual Connect right
	// after the automatic events, still on the connecting goroutine. Tests use
	// it to drop a stream before Connect has returned.
	AfterOpen func(s *Stream)

	streams []*Stream
}

// NewStream records and returns a new Stream bound to handler.
func (p *Provider) NewStream(handler stt.EventHandler) stt.Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &Stream{handler: handler, manual: p.Manual, before: p.BeforeConnect, after: p.AfterOpen}
	if i := len(p.streams); i < len(p.ConnectErrs) {
		s.connectErr = p.ConnectErrs[i]
	}
	p.streams = append(p.streams, s)
	return s
}

// Streams returns every stream created so far, oldest first.
func (p *Provider) Streams() []*Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Stream, len(p.streams))
	copy(out, p.streams)
	return out
}

// Stream returns the i-th created stream (0-based) or nil.
func (p *Provider) Stream(i int) *Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.streams) {
		return nil
	}
	return p.streams[i]
}

// Last returns the most recently created stream or nil.
func (p *Provider) Last() *Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.streams) == 0 {
		return nil
	}
	return p.streams[len(p.streams)-1]
}

// StreamCount returns how many streams were created.
func (p *Provider) StreamCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.streams)
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// Stream is a mock implementation of stt.Stream.
type Stream struct {
	mu sync.Mutex

	handler    stt.EventHandler
	manual     bool
	before     func(ctx context.Context, s *Stream)
	after      func(s *Stream)
	connectErr error

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	connected    bool
	closed       bool
	connectCalls []stt.StreamConfig
	chunks       []stt.AudioChunk
	closeCalls   int
}

// Connect records cfg and applies the scripted result.
func (s *Stream) Connect(ctx context.Context, cfg stt.StreamConfig) error {
	if s.before != nil {
		s.before(ctx, s)
	}

	s.mu.Lock()
	s.connectCalls = append(s.connectCalls, cfg)
	err := s.connectErr
	if err == nil {
		s.connected = true
	}
	manual := s.manual
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if !manual {
		s.Emit(stt.OpenEvent{})
		s.Emit(stt.StatusEvent{Status: "running"})
		if s.after != nil {
			s.after(s)
		}
	}
	return nil
}

// SendAudio records the chunk while connected and drops it otherwise.
func (s *Stream) SendAudio(chunk stt.AudioChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected || s.closed {
		return nil
	}
	cp := stt.AudioChunk{Encoded: chunk.Encoded}
	if chunk.PCM != nil {
		cp.PCM = append([]byte(nil), chunk.PCM...)
	}
	s.chunks = append(s.chunks, cp)
	return s.SendAudioErr
}

// Close records the call. It is idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	s.closed = true
	s.connected = false
	return nil
}

// Emit delivers ev to the handler the stream was created with.
func (s *Stream) Emit(ev stt.Event) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// ConnectCalls returns the configs passed to Connect.
func (s *Stream) ConnectCalls() []stt.StreamConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]stt.StreamConfig, len(s.connectCalls))
	copy(out, s.connectCalls)
	return out
}

// Chunks returns the chunks accepted while connected, in order.
func (s *Stream) Chunks() []stt.AudioChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]stt.AudioChunk, len(s.chunks))
	copy(out, s.chunks)
	return out
}

// CloseCalls returns how many times Close was called.
func (s *Stream) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// Closed reports whether Close was called at least once.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Ensure Stream implements stt.Stream at compile time.
var _ stt.Stream = (*Stream)(nil)
