// Package realtime implements the stt.Provider interface for the
// /v2/realtime/ws streaming transcription protocol.
//
// Each stream holds one WebSocket connection. Audio is transmitted as
// base64-encoded JSON frames ({"audio_data": "..."}); inbound frames are
// decoded as JSON and reported to the stream's handler. The credential is
// always sent as the Authorization header, never as a query parameter, so it
// cannot leak into access logs.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/roomscribe/pkg/provider/stt"
	"github.com/coder/websocket"
)

// Compile-time assertions that Provider and stream satisfy the stt interfaces.
var _ stt.Provider = (*Provider)(nil)
var _ stt.Stream = (*stream)(nil)

const (
	defaultEndpoint   = "wss://api.assemblyai.com/v2/realtime/ws"
	defaultSampleRate = 16000
	defaultReadLimit  = 1 << 20
	defaultQueueSize  = 256

	// terminateTimeout bounds the best-effort terminate frame sent on Close.
	terminateTimeout = time.Second
)

// ErrAlreadyConnected is returned by Connect on a stream that was already
// connected or closed. Streams are single use.
var ErrAlreadyConnected = errors.New("realtime: stream already used")

// ErrStreamClosed is returned by Connect when Close won the race against the
// handshake.
var ErrStreamClosed = errors.New("realtime: stream closed")

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithBaseURL overrides the streaming endpoint. Primarily used in tests to
// point at a local server.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithReadLimit sets the maximum inbound frame size in bytes.
func WithReadLimit(n int64) Option {
	return func(p *Provider) { p.readLimit = n }
}

// WithLogger sets the logger for stream diagnostics. Defaults to
// slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.log = l
		}
	}
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider creates realtime streams. It holds no per-session state and is safe
// for concurrent use.
type Provider struct {
	baseURL    string
	httpClient *http.Client
	readLimit  int64
	log        *slog.Logger
}

// New creates a Provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL:   defaultEndpoint,
		readLimit: defaultReadLimit,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// NewStream returns an unconnected stream reporting to handler.
func (p *Provider) NewStream(handler stt.EventHandler) stt.Stream {
	ctx, cancel := context.WithCancel(context.Background())
	return &stream{
		provider: p,
		handler:  handler,
		ctx:      ctx,
		cancel:   cancel,
		out:      make(chan []byte, defaultQueueSize),
		done:     make(chan struct{}),
	}
}

// buildURL constructs the endpoint URL for cfg. Only non-secret parameters end
// up in the query string.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return "", err
	}
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = defaultSampleRate
	}
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(sr))
	if cfg.Language != "" {
		q.Set("language_code", cfg.Language)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ── Wire frames ────────────────────────────────────────────────────────────────

type audioFrame struct {
	AudioData string `json:"audio_data"`
}

type configFrame struct {
	Config struct {
		Diarization bool `json:"diarization"`
	} `json:"config"`
}

type terminateFrame struct {
	TerminateSession bool `json:"terminate_session"`
}

// inboundEnvelope captures the fields the adapter itself reacts to. Everything
// else is forwarded verbatim.
type inboundEnvelope struct {
	MessageType string `json:"message_type"`
	Error       string `json:"error"`
	SessionID   string `json:"session_id"`
}

// Handshake frames consumed by the adapter.
const (
	msgSessionBegins     = "SessionBegins"
	msgSessionTerminated = "SessionTerminated"
)

// ── stream ─────────────────────────────────────────────────────────────────────

// stream is a live realtime connection. It implements stt.Stream.
type stream struct {
	provider *Provider
	handler  stt.EventHandler

	ctx    context.Context
	cancel context.CancelFunc
	out    chan []byte
	done   chan struct{}

	mu       sync.Mutex
	conn     *websocket.Conn
	used     bool
	open     bool
	closed   bool
	writeErr error

	closeOnce sync.Once
}

// Connect dials the provider and starts the reader and writer goroutines.
func (s *stream) Connect(ctx context.Context, cfg stt.StreamConfig) error {
	s.mu.Lock()
	if s.used || s.closed {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.used = true
	s.mu.Unlock()

	wsURL, err := s.provider.buildURL(cfg)
	if err != nil {
		return fmt.Errorf("realtime: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", cfg.Credential)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
		HTTPClient: s.provider.httpClient,
	})
	if err != nil {
		return newDialError(resp, err)
	}
	conn.SetReadLimit(s.provider.readLimit)

	s.mu.Lock()
	if s.closed {
		// Close raced the handshake; drop the fresh connection.
		s.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "stream closed")
		return ErrStreamClosed
	}
	s.conn = conn
	s.open = true
	s.mu.Unlock()

	if cfg.Diarization {
		s.sendConfig(ctx, conn)
	}

	go s.writeLoop(conn)
	go s.readLoop(conn)
	return nil
}

// sendConfig transmits the diarization config frame. Failure is logged and
// otherwise ignored; the stream still works without speaker labels.
func (s *stream) sendConfig(ctx context.Context, conn *websocket.Conn) {
	var f configFrame
	f.Config.Diarization = true
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.provider.log.Debug("realtime: config frame not sent", "err", err)
	}
}

// SendAudio queues one audio frame. It is a no-op when the transport is not
// open.
func (s *stream) SendAudio(chunk stt.AudioChunk) error {
	s.mu.Lock()
	open := s.open && !s.closed
	s.mu.Unlock()
	if !open {
		return nil
	}

	data, err := json.Marshal(audioFrame{AudioData: chunk.Base64()})
	if err != nil {
		return fmt.Errorf("realtime: marshal audio: %w", err)
	}
	select {
	case s.out <- data:
		return nil
	case <-s.done:
		return nil
	}
}

// Close terminates the stream. It never blocks on the reader goroutine, so it
// is safe to call from inside the event handler.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		wasOpen := s.open
		s.open = false
		conn := s.conn
		s.mu.Unlock()

		close(s.done)
		if conn != nil {
			if wasOpen {
				s.sendTerminate(conn)
			}
			conn.Close(websocket.StatusNormalClosure, "session closed")
		}
		s.cancel()
	})
	return nil
}

func (s *stream) sendTerminate(conn *websocket.Conn) {
	data, err := json.Marshal(terminateFrame{TerminateSession: true})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), terminateTimeout)
	defer cancel()
	_ = conn.Write(ctx, websocket.MessageText, data)
}

func (s *stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stream) emit(ev stt.Event) {
	if s.handler != nil {
		s.handler(ev)
	}
}

// writeLoop drains the outbound queue. A write failure tears the connection
// down; the reader then reports it, keeping all events on one goroutine.
func (s *stream) writeLoop(conn *websocket.Conn) {
	for {
		select {
		case data := <-s.out:
			if err := conn.Write(s.ctx, websocket.MessageText, data); err != nil {
				s.mu.Lock()
				if s.writeErr == nil {
					s.writeErr = err
				}
				s.mu.Unlock()
				conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		case <-s.done:
			return
		}
	}
}

// readLoop reports readiness and then every inbound frame until the
// connection ends.
func (s *stream) readLoop(conn *websocket.Conn) {
	s.emit(stt.OpenEvent{})
	s.emit(stt.StatusEvent{Status: "running"})

	for {
		_, data, err := conn.Read(s.ctx)
		if err != nil {
			s.handleReadError(err)
			return
		}
		s.dispatch(data)
	}
}

// dispatch decodes one inbound frame.
func (s *stream) dispatch(data []byte) {
	if !json.Valid(data) {
		s.emit(stt.ErrorEvent{Err: fmt.Errorf("realtime: decode frame: %w", stt.ErrMalformedFrame)})
		return
	}

	var env inboundEnvelope
	// Non-object frames are still valid JSON; they are forwarded as-is.
	_ = json.Unmarshal(data, &env)

	switch {
	case env.Error != "":
		s.emit(stt.ErrorEvent{Err: &ProviderError{Message: env.Error}})
	case env.MessageType == msgSessionBegins:
		s.emit(stt.StatusEvent{Status: "ready", Message: env.SessionID})
	case env.MessageType == msgSessionTerminated:
		s.emit(stt.StatusEvent{Status: "terminated"})
	default:
		s.emit(stt.MessageEvent{Payload: json.RawMessage(data)})
	}
}

// handleReadError converts the terminal read error into events. Nothing is
// reported once Close has been called.
func (s *stream) handleReadError(err error) {
	s.mu.Lock()
	s.open = false
	closed := s.closed
	writeErr := s.writeErr
	s.mu.Unlock()
	if closed {
		return
	}

	var ce websocket.CloseError
	if errors.As(err, &ce) && writeErr == nil {
		s.emit(stt.CloseEvent{Code: int(ce.Code), Reason: ce.Reason})
		return
	}

	cause := err
	if writeErr != nil {
		cause = writeErr
	}
	s.emit(stt.ErrorEvent{Err: fmt.Errorf("realtime: connection lost: %w", cause)})
	s.emit(stt.CloseEvent{Code: -1, Reason: cause.Error()})
}
