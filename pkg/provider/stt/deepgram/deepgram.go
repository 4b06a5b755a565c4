// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. It implements the stt.Provider interface.
//
// Audio is sent as raw binary PCM frames. Deepgram "Results" frames are
// rewritten into the flat transcript shape the relay understands
// (message_type, text, confidence, words) before they reach the handler, so
// sessions behave the same regardless of which provider is configured.
package deepgram

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/roomscribe/pkg/provider/stt"
)

var _ stt.Provider = (*Provider)(nil)
var _ stt.Stream = (*stream)(nil)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultSampleRate = 16000
	defaultQueueSize  = 256
	closeStreamFrame  = `{"type":"CloseStream"}`
	closeFrameTimeout = time.Second
)

// ErrAlreadyConnected is returned by Connect on a stream that was already
// connected or closed.
var ErrAlreadyConnected = errors.New("deepgram: stream already used")

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the default BCP-47 language code (e.g., "en", "de-DE").
// A language in the stream config takes precedence.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithBaseURL overrides the streaming endpoint.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.baseURL = u
	}
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API. The
// credential comes from each stream's config.
type Provider struct {
	baseURL    string
	model      string
	language   string
	httpClient *http.Client
}

// New creates a new Deepgram Provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL: deepgramEndpoint,
		model:   defaultModel,
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

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = defaultSampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	if lang != "" {
		q.Set("language", lang)
	}
	if cfg.Diarization {
		q.Set("diarize", "true")
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- wire frames ----

// deepgramResponse covers the inbound frame types the adapter reacts to.
type deepgramResponse struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	RequestID   string `json:"request_id"`
	Description string `json:"description"`
	Message     string `json:"message"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word           string  `json:"word"`
				PunctuatedWord string  `json:"punctuated_word"`
				Start          float64 `json:"start"`
				End            float64 `json:"end"`
				Confidence     float64 `json:"confidence"`
				Speaker        *int    `json:"speaker"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// transcriptFrame is the provider-neutral shape emitted for Results frames.
type transcriptFrame struct {
	MessageType string           `json:"message_type"`
	Text        string           `json:"text"`
	Confidence  float64          `json:"confidence"`
	Words       []transcriptWord `json:"words,omitempty"`
}

type transcriptWord struct {
	Text       string  `json:"text"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
	Speaker    *int    `json:"speaker,omitempty"`
}

// ProviderError is an error frame sent by Deepgram.
type ProviderError struct {
	Message string
}

func (e *ProviderError) Error() string {
	return "deepgram: provider error: " + e.Message
}

// DialError is returned by Connect when the handshake fails.
type DialError struct {
	StatusCode int
	Err        error
}

func (e *DialError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("deepgram: dial: status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("deepgram: dial: %v", e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// HTTPStatus returns the handshake status code, or 0 without a response.
func (e *DialError) HTTPStatus() int { return e.StatusCode }

// ---- stream ----

// stream is a live Deepgram connection. It implements stt.Stream.
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

	once sync.Once
}

// Connect dials Deepgram and starts the reader and writer goroutines.
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
		return fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+cfg.Credential)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
		HTTPClient: s.provider.httpClient,
	})
	if err != nil {
		de := &DialError{Err: err}
		if resp != nil {
			de.StatusCode = resp.StatusCode
		}
		return de
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "stream closed")
		return ErrAlreadyConnected
	}
	s.conn = conn
	s.open = true
	s.mu.Unlock()

	go s.writeLoop(conn)
	go s.readLoop(conn)
	return nil
}

// SendAudio queues one chunk as a binary PCM frame. Client-encoded chunks are
// decoded first. It is a no-op when the transport is not open.
func (s *stream) SendAudio(chunk stt.AudioChunk) error {
	s.mu.Lock()
	open := s.open && !s.closed
	s.mu.Unlock()
	if !open {
		return nil
	}

	pcm := chunk.PCM
	if chunk.Encoded != "" {
		var err error
		if pcm, err = base64.StdEncoding.DecodeString(chunk.Encoded); err != nil {
			return fmt.Errorf("deepgram: decode audio: %w", err)
		}
	}
	select {
	case s.out <- pcm:
		return nil
	case <-s.done:
		return nil
	}
}

// Close terminates the session. It asks Deepgram to flush with CloseStream
// and never waits on the reader, so it is safe inside the event handler.
func (s *stream) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		wasOpen := s.open
		s.open = false
		conn := s.conn
		s.mu.Unlock()

		close(s.done)
		if conn != nil {
			if wasOpen {
				ctx, cancel := context.WithTimeout(context.Background(), closeFrameTimeout)
				_ = conn.Write(ctx, websocket.MessageText, []byte(closeStreamFrame))
				cancel()
			}
			conn.Close(websocket.StatusNormalClosure, "session closed")
		}
		s.cancel()
	})
	return nil
}

func (s *stream) emit(ev stt.Event) {
	if s.handler != nil {
		s.handler(ev)
	}
}

// writeLoop sends queued audio as binary messages to Deepgram.
func (s *stream) writeLoop(conn *websocket.Conn) {
	for {
		select {
		case chunk := <-s.out:
			if err := conn.Write(s.ctx, websocket.MessageBinary, chunk); err != nil {
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

// readLoop receives JSON messages from Deepgram until the connection ends.
func (s *stream) readLoop(conn *websocket.Conn) {
	s.emit(stt.OpenEvent{})
	s.emit(stt.StatusEvent{Status: "running"})

	for {
		_, msg, err := conn.Read(s.ctx)
		if err != nil {
			s.handleReadError(err)
			return
		}
		s.dispatch(msg)
	}
}

// dispatch translates one inbound frame into events.
func (s *stream) dispatch(data []byte) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		s.emit(stt.ErrorEvent{Err: fmt.Errorf("deepgram: decode frame: %w", stt.ErrMalformedFrame)})
		return
	}

	switch resp.Type {
	case "Results":
		frame, ok := translateResults(resp)
		if !ok {
			return
		}
		payload, err := json.Marshal(frame)
		if err != nil {
			return
		}
		s.emit(stt.MessageEvent{Payload: payload})
	case "Metadata":
		s.emit(stt.StatusEvent{Status: "ready", Message: resp.RequestID})
	case "Error":
		msg := resp.Description
		if msg == "" {
			msg = resp.Message
		}
		s.emit(stt.ErrorEvent{Err: &ProviderError{Message: msg}})
	default:
		// SpeechStarted, UtteranceEnd and future frame types.
		s.emit(stt.MessageEvent{Payload: json.RawMessage(data)})
	}
}

// translateResults converts a Results frame. Frames without alternatives are
// dropped.
func translateResults(resp deepgramResponse) (transcriptFrame, bool) {
	if len(resp.Channel.Alternatives) == 0 {
		return transcriptFrame{}, false
	}
	alt := resp.Channel.Alternatives[0]

	f := transcriptFrame{
		MessageType: "PartialTranscript",
		Text:        alt.Transcript,
		Confidence:  alt.Confidence,
	}
	if resp.IsFinal {
		f.MessageType = "FinalTranscript"
	}
	for _, w := range alt.Words {
		text := w.PunctuatedWord
		if strings.TrimSpace(text) == "" {
			text = w.Word
		}
		f.Words = append(f.Words, transcriptWord{
			Text:       text,
			Start:      w.Start,
			End:        w.End,
			Confidence: w.Confidence,
			Speaker:    w.Speaker,
		})
	}
	return f, true
}

// handleReadError reports the terminal read error. Nothing is reported once
// Close has been called.
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
	s.emit(stt.ErrorEvent{Err: fmt.Errorf("deepgram: connection lost: %w", cause)})
	s.emit(stt.CloseEvent{Code: -1, Reason: cause.Error()})
}
