// Package connection wraps one upstream speech-to-text stream with a
// resilience layer: an explicit state machine, single-flight connect with
// bounded exponential-backoff retry, error classification, an audio queue for
// use while disconnected, and running statistics.
//
// The state machine is
//
//	Disconnected --Connect--> Connecting --open--> Connected --close--> Disconnected
//	Connecting --error--> Error --retry--> Connecting
//	Connected --error--> Error
//	any --Close--> Disconnected (terminal)
//
// Callers observe the manager through typed events registered with
// [Manager.On]. Events of one stream are published sequentially from the
// stream's reader; listeners never run while a manager lock is held.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/roomscribe/internal/observe"
	"github.com/MrWong99/roomscribe/internal/resilience"
	"github.com/MrWong99/roomscribe/pkg/provider/stt"
)

// Default tuning values. See [DefaultConfig].
const (
	DefaultMaxRetries     = 3
	DefaultBaseDelay      = time.Second
	DefaultMaxDelay       = 30 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultMaxQueueSize   = 100
	DefaultHistorySize    = 50
	DefaultStableAfter    = 30 * time.Second
)

// connectKey is the singleflight key shared by all connect attempts.
const connectKey = "connect"

// normalClosure is the websocket close code of an orderly shutdown.
const normalClosure = 1000

var (
	// ErrClosed is returned by operations on a manager after Close.
	ErrClosed = errors.New("connection: manager closed")

	// ErrConnectTimeout is wrapped by the connection error reported when a
	// single attempt exceeds Config.ConnectTimeout.
	ErrConnectTimeout = errors.New("connection: connect timeout")

	// ErrNotConnected is wrapped by the client error SendAudio returns while
	// disconnected with batching disabled.
	ErrNotConnected = errors.New("connection: not connected")

	// ErrQueueOverflow is wrapped by the client error SendAudio returns when
	// the audio queue is full.
	ErrQueueOverflow = errors.New("connection: audio queue overflow")
)

// Config tunes a [Manager]. Use [DefaultConfig] as a starting point; zero
// durations and sizes fall back to the defaults, a zero MaxRetries means no
// retries at all.
type Config struct {
	// Credential is sent to the provider. It is redacted from logs and from
	// health reports.
	Credential string `json:"credential,omitempty"`

	SampleRate  int    `json:"sampleRate"`
	Language    string `json:"language,omitempty"`
	Diarization bool   `json:"diarization"`

	// MaxRetries bounds the retries after the first attempt; at most
	// MaxRetries+1 attempts are made per Connect. Negative selects the default.
	MaxRetries int `json:"maxRetries"`

	BaseDelay      time.Duration `json:"baseDelay"`
	MaxDelay       time.Duration `json:"maxDelay"`
	ConnectTimeout time.Duration `json:"connectTimeout"`

	// EnableBatching queues audio while disconnected instead of rejecting it.
	// Queued audio is flushed in arrival order as soon as the stream opens.
	EnableBatching bool `json:"enableBatching"`
	MaxQueueSize   int  `json:"maxQueueSize"`

	// AutoReconnect re-runs the connect procedure after the provider drops
	// an open stream abnormally or reports a retryable error. Reconnects wait
	// Backoff(BaseDelay, MaxDelay, n) and at most MaxRetries consecutive
	// drops are retried.
	AutoReconnect bool `json:"autoReconnect"`

	// StableAfter is how long a stream must stay open before its drop no
	// longer counts against the reconnect budget.
	StableAfter time.Duration `json:"stableAfter"`

	// HistorySize bounds the state transition history.
	HistorySize int `json:"historySize"`
}

// DefaultConfig returns the recommended settings.
func DefaultConfig() Config {
	return Config{
		SampleRate:     16000,
		MaxRetries:     DefaultMaxRetries,
		BaseDelay:      DefaultBaseDelay,
		MaxDelay:       DefaultMaxDelay,
		ConnectTimeout: DefaultConnectTimeout,
		MaxQueueSize:   DefaultMaxQueueSize,
		AutoReconnect:  true,
		StableAfter:    DefaultStableAfter,
		HistorySize:    DefaultHistorySize,
	}
}

// Redacted returns a copy of c that is safe to log or expose.
func (c Config) Redacted() Config {
	if c.Credential != "" {
		c.Credential = "[REDACTED]"
	}
	return c
}

// LogValue implements [slog.LogValuer] so a Config never leaks its
// credential into logs.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("sample_rate", c.SampleRate),
		slog.String("language", c.Language),
		slog.Bool("diarization", c.Diarization),
		slog.Int("max_retries", c.MaxRetries),
		slog.Bool("batching", c.EnableBatching),
		slog.Bool("auto_reconnect", c.AutoReconnect),
	)
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = DefaultMaxQueueSize
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	if c.StableAfter <= 0 {
		c.StableAfter = DefaultStableAfter
	}
	return c
}

// Option configures a [Manager].
type Option func(*Manager)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithMetrics sets the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// WithSession tags the manager's spans and log lines with a session id.
func WithSession(id string) Option {
	return func(m *Manager) { m.sessionID = id }
}

// link binds one provider stream to the attempt that created it. Events from
// a stream that is no longer the manager's current link are ignored.
type link struct {
	stream stt.Stream
	opened chan struct{}
	failed chan *resilience.Error
}

// Manager owns one upstream stream at a time. All methods are safe for
// concurrent use.
type Manager struct {
	provider stt.Provider
	cfg      Config
	log      *slog.Logger
	metrics  *observe.Metrics

	sessionID string

	ctx    context.Context
	cancel context.CancelFunc
	group  singleflight.Group
	events bus

	// sendMu serializes writes to the stream so that a queue flush on open
	// cannot interleave with a concurrent SendAudio. Acquired before mu.
	sendMu sync.Mutex

	mu            sync.Mutex
	state         State
	link          *link
	dialing       bool
	dialGen       uint64
	drops         int
	queue         []stt.AudioChunk
	closed        bool
	everConnected bool
	lastFailed    bool
	lastErr       *resilience.Error
	connectedAt   time.Time
	counters      Stats
	history       history
}

// New creates a disconnected manager for streams from provider.
func New(provider stt.Provider, cfg Config, opts ...Option) *Manager {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		provider: provider,
		cfg:      cfg,
		log:      slog.Default(),
		ctx:      ctx,
		cancel:   cancel,
		history:  history{limit: cfg.HistorySize},
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	if m.sessionID != "" {
		m.ctx = observe.WithSession(m.ctx, m.sessionID)
		m.log = observe.Logger(m.ctx, m.log)
	}
	m.events.log = m.log
	m.history.add(Transition{At: time.Now(), State: StateDisconnected})
	return m
}

// On registers fn for events of the given kind and returns a function that
// removes the registration. A panicking listener is recovered and logged.
func (m *Manager) On(kind EventKind, fn Listener) (off func()) {
	return m.events.on(kind, fn)
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect opens the upstream stream, retrying retryable failures with
// exponential backoff. Concurrent callers share one in-flight attempt and
// observe the same result. Connect returns nil immediately when already
// connected.
//
// ctx only bounds how long this caller waits; the shared attempt keeps
// running until it settles or the manager is closed. On failure the returned
// error is the final *resilience.Error.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	ch := m.joinOrDialLocked()
	m.mu.Unlock()

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// joinOrDialLocked joins the attempt that may still produce a connection or
// starts a fresh one. An attempt whose stream already opened is settled even
// if its call has not returned yet, so it is never joined. Must hold m.mu.
func (m *Manager) joinOrDialLocked() <-chan singleflight.Result {
	if !m.dialing {
		m.group.Forget(connectKey)
		m.dialing = true
		m.dialGen++
	}
	gen := m.dialGen
	return m.group.DoChan(connectKey, func() (any, error) {
		return nil, m.connectWithRetry(gen)
	})
}

func (m *Manager) connectWithRetry(gen uint64) error {
	defer func() {
		m.mu.Lock()
		if m.dialGen == gen {
			m.dialing = false
		}
		m.mu.Unlock()
	}()

	for attempt := 0; ; attempt++ {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return ErrClosed
		}
		if m.state == StateConnected {
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()

		start := time.Now()
		err := m.dialOnce(attempt)
		m.metrics.RecordConnectAttempt(m.ctx, err == nil, time.Since(start))
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrClosed) || m.ctx.Err() != nil {
			return ErrClosed
		}

		ce := resilience.Classify(err)
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return ErrClosed
		}
		m.lastFailed = true
		m.lastErr = ce
		change := m.setStateLocked(StateError)
		m.mu.Unlock()

		m.publish(change)
		m.metrics.RecordProviderError(m.ctx, ce.Kind.String())
		if ce.Kind == resilience.KindRateLimit {
			m.publish(RateLimited{RetryAfter: ce.RetryAfter, Err: ce})
		}

		if !ce.Retryable || attempt >= m.cfg.MaxRetries {
			m.log.Warn("connection: giving up",
				"attempts", attempt+1, "kind", ce.Kind.String(), "err", ce)
			m.publish(Failure{Err: ce, Fatal: true})
			return ce
		}

		delay := resilience.Backoff(m.cfg.BaseDelay, m.cfg.MaxDelay, attempt)
		m.mu.Lock()
		m.counters.RetryAttempts++
		m.mu.Unlock()
		m.metrics.RecordRetry(m.ctx, ce.Kind.String())
		m.log.Info("connection: retrying",
			"attempt", attempt+1, "delay", delay, "kind", ce.Kind.String(), "err", ce)
		m.publish(RetryAttempt{Attempt: attempt + 1, Delay: delay, Err: ce})

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-m.ctx.Done():
			timer.Stop()
			return ErrClosed
		}
	}
}

// dialOnce runs a single attempt bounded by Config.ConnectTimeout. It returns
// nil once the stream reported open.
func (m *Manager) dialOnce(attempt int) (err error) {
	ctx, span := observe.StartSpan(m.ctx, "connection.connect")
	span.SetAttributes(attribute.Int("attempt", attempt+1))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.counters.ConnectionAttempts++
	l := &link{
		opened: make(chan struct{}),
		failed: make(chan *resilience.Error, 1),
	}
	l.stream = m.provider.NewStream(func(ev stt.Event) { m.handle(l, ev) })
	m.link = l
	change := m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	m.publish(change)

	actx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	scfg := stt.StreamConfig{
		SampleRate:  m.cfg.SampleRate,
		Language:    m.cfg.Language,
		Diarization: m.cfg.Diarization,
		Credential:  m.cfg.Credential,
	}
	if err := l.stream.Connect(actx, scfg); err != nil {
		m.dropLink(l)
		if m.ctx.Err() != nil {
			return ErrClosed
		}
		if errors.Is(actx.Err(), context.DeadlineExceeded) {
			return m.timeoutError()
		}
		return err
	}

	select {
	case <-l.opened:
		return nil
	case ferr := <-l.failed:
		if !m.abandon(l) {
			return nil
		}
		return ferr
	case <-actx.Done():
		if !m.abandon(l) {
			return nil
		}
		if m.ctx.Err() != nil {
			return ErrClosed
		}
		return m.timeoutError()
	}
}

func (m *Manager) timeoutError() *resilience.Error {
	return resilience.NewConnectionError(
		fmt.Sprintf("connection timeout after %s", m.cfg.ConnectTimeout), ErrConnectTimeout)
}

// dropLink detaches l if it is still current and closes its stream.
func (m *Manager) dropLink(l *link) {
	m.mu.Lock()
	if m.link == l {
		m.link = nil
	}
	m.mu.Unlock()
	_ = l.stream.Close()
}

// abandon detaches and closes l unless it opened in the meantime. It reports
// whether l was abandoned.
func (m *Manager) abandon(l *link) bool {
	m.mu.Lock()
	if m.link == l && m.state == StateConnected {
		m.mu.Unlock()
		return false
	}
	if m.link == l {
		m.link = nil
	}
	m.mu.Unlock()
	_ = l.stream.Close()
	return true
}

// handle routes one stream event. It runs on the stream's reader.
func (m *Manager) handle(l *link, ev stt.Event) {
	switch ev := ev.(type) {
	case stt.OpenEvent:
		m.onOpen(l)
	case stt.StatusEvent:
		if m.isCurrent(l) {
			m.publish(Status{Status: ev.Status, Message: ev.Message})
		}
	case stt.MessageEvent:
		if m.isCurrent(l) {
			m.publish(Message{Payload: ev.Payload})
		}
	case stt.ErrorEvent:
		m.onStreamError(l, ev.Err)
	case stt.CloseEvent:
		m.onStreamClose(l, ev)
	}
}

func (m *Manager) isCurrent(l *link) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.link == l && !m.closed
}

// onOpen moves to Connected and flushes the audio queue before any newer
// chunk can be sent.
func (m *Manager) onOpen(l *link) {
	m.sendMu.Lock()
	m.mu.Lock()
	if m.link != l || m.closed || m.state != StateConnecting {
		m.mu.Unlock()
		m.sendMu.Unlock()
		return
	}
	resumed := m.everConnected
	m.everConnected = true
	m.dialing = false
	m.counters.SuccessfulConnections++
	m.connectedAt = time.Now()
	m.lastFailed = false
	m.lastErr = nil
	change := m.setStateLocked(StateConnected)
	queued := m.queue
	m.queue = nil
	m.mu.Unlock()

	var sent int64
	for _, chunk := range queued {
		if err := l.stream.SendAudio(chunk); err != nil {
			m.log.Warn("connection: dropping queued audio", "err", err)
			m.metrics.RecordAudioChunk(m.ctx, observe.ChunkDropped)
			continue
		}
		sent++
		m.metrics.RecordAudioChunk(m.ctx, observe.ChunkSent)
	}
	if sent > 0 {
		m.mu.Lock()
		m.counters.AudioChunksSent += sent
		m.mu.Unlock()
	}
	m.sendMu.Unlock()
	close(l.opened)

	m.metrics.ActiveConnections.Add(m.ctx, 1)
	if len(queued) > 0 {
		m.log.Debug("connection: flushed queued audio", "chunks", sent)
	}
	m.publish(change)
	m.publish(Connected{Resumed: resumed})
}

func (m *Manager) onStreamError(l *link, err error) {
	if errors.Is(err, stt.ErrMalformedFrame) {
		if m.isCurrent(l) {
			m.publish(Failure{Err: resilience.NewClientError(err.Error(), true), Fatal: false})
		}
		return
	}

	ce := resilience.Classify(err)
	m.mu.Lock()
	if m.link != l || m.closed {
		m.mu.Unlock()
		return
	}
	switch m.state {
	case StateConnecting:
		select {
		case l.failed <- ce:
		default:
		}
		m.mu.Unlock()
	case StateConnected:
		m.dropped(l, ce, -1, ce.Message, true)
	default:
		m.mu.Unlock()
	}
}

func (m *Manager) onStreamClose(l *link, ev stt.CloseEvent) {
	m.mu.Lock()
	if m.link != l || m.closed {
		m.mu.Unlock()
		return
	}
	switch m.state {
	case StateConnecting:
		ce := resilience.ClassifyClose(ev.Code, ev.Reason)
		if ce == nil {
			ce = resilience.NewConnectionError(
				fmt.Sprintf("stream closed during handshake (code %d)", ev.Code), nil)
		}
		select {
		case l.failed <- ce:
		default:
		}
		m.mu.Unlock()
	case StateConnected:
		m.dropped(l, resilience.ClassifyClose(ev.Code, ev.Reason), ev.Code, ev.Reason, false)
	default:
		m.mu.Unlock()
	}
}

// dropped handles the loss of the open stream l and releases m.mu, which the
// caller holds. ce is nil for an orderly close. A provider error (asError)
// always surfaces as a Failure; a close only does when it ends the session.
//
// Retryable drops reconnect after Backoff(BaseDelay, MaxDelay, n) where n
// counts drops since the last stream that stayed open for StableAfter. Once
// MaxRetries drops in a row were retried the next one is fatal.
func (m *Manager) dropped(l *link, ce *resilience.Error, code int, reason string, asError bool) {
	if !m.connectedAt.IsZero() && time.Since(m.connectedAt) >= m.cfg.StableAfter {
		m.drops = 0
	}
	m.link = nil
	m.connectedAt = time.Time{}

	var (
		reconnect bool
		fatal     bool
		retry     RetryAttempt
	)
	if ce != nil {
		m.lastFailed = true
		m.lastErr = ce
		switch {
		case !ce.Retryable:
			fatal = true
		case !m.cfg.AutoReconnect:
			fatal = asError
		case m.drops >= m.cfg.MaxRetries:
			fatal = true
		default:
			m.drops++
			m.counters.RetryAttempts++
			reconnect = true
			retry = RetryAttempt{
				Attempt: m.drops,
				Delay:   resilience.Backoff(m.cfg.BaseDelay, m.cfg.MaxDelay, m.drops-1),
				Err:     ce,
			}
		}
	}
	to := StateDisconnected
	if asError || fatal {
		to = StateError
	}
	change := m.setStateLocked(to)
	drops := m.drops
	m.mu.Unlock()

	_ = l.stream.Close()
	m.metrics.ActiveConnections.Add(m.ctx, -1)
	if ce != nil {
		m.metrics.RecordProviderError(m.ctx, ce.Kind.String())
		m.log.Warn("connection: provider dropped the stream",
			"code", code, "kind", ce.Kind.String(), "reconnect", reconnect, "drops", drops, "err", ce)
	} else {
		m.log.Info("connection: stream closed by provider", "code", code, "reason", reason)
	}

	m.publish(change)
	if ce != nil && ce.Kind == resilience.KindRateLimit {
		m.publish(RateLimited{RetryAfter: ce.RetryAfter, Err: ce})
	}
	if asError || fatal {
		m.publish(Failure{Err: ce, Fatal: !reconnect})
	}
	m.publish(SessionTerminated{Code: code, Reason: reason, Reconnecting: reconnect})
	if reconnect {
		m.metrics.RecordRetry(m.ctx, ce.Kind.String())
		m.publish(retry)
		m.reconnectAfter(retry.Delay)
	}
}

// reconnectAfter waits delay and then connects again in the background. The
// outcome is reported through events.
func (m *Manager) reconnectAfter(delay time.Duration) {
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-m.ctx.Done():
			return
		}
		if err := m.Connect(m.ctx); err != nil && !errors.Is(err, ErrClosed) {
			m.log.Debug("connection: reconnect failed", "err", err)
		}
	}()
}

// SendAudio forwards chunk while connected. While disconnected the chunk is
// queued if batching is enabled and rejected with a client error otherwise.
// Empty chunks are ignored.
func (m *Manager) SendAudio(chunk stt.AudioChunk) error {
	if chunk.Empty() {
		return nil
	}
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.metrics.RecordAudioChunk(m.ctx, observe.ChunkRejected)
		return &resilience.Error{Kind: resilience.KindClient, Message: "connection closed", Err: ErrClosed}
	}
	if m.state == StateConnected && m.link != nil {
		stream := m.link.stream
		m.mu.Unlock()
		if err := stream.SendAudio(chunk); err != nil {
			m.metrics.RecordAudioChunk(m.ctx, observe.ChunkRejected)
			return resilience.Classify(fmt.Errorf("connection: send audio: %w", err))
		}
		m.mu.Lock()
		m.counters.AudioChunksSent++
		m.mu.Unlock()
		m.metrics.RecordAudioChunk(m.ctx, observe.ChunkSent)
		return nil
	}
	defer m.mu.Unlock()

	if !m.cfg.EnableBatching {
		m.metrics.RecordAudioChunk(m.ctx, observe.ChunkRejected)
		return &resilience.Error{Kind: resilience.KindClient, Message: "not connected", Retryable: true, Err: ErrNotConnected}
	}
	if len(m.queue) >= m.cfg.MaxQueueSize {
		m.metrics.RecordAudioChunk(m.ctx, observe.ChunkRejected)
		return &resilience.Error{
			Kind:    resilience.KindClient,
			Message: fmt.Sprintf("audio queue overflow (max %d chunks)", m.cfg.MaxQueueSize),
			Err:     ErrQueueOverflow,
		}
	}
	queued := stt.AudioChunk{Encoded: chunk.Encoded}
	if chunk.PCM != nil {
		queued.PCM = append([]byte(nil), chunk.PCM...)
	}
	m.queue = append(m.queue, queued)
	m.metrics.RecordAudioChunk(m.ctx, observe.ChunkQueued)
	return nil
}

// Close tears the manager down for good: it cancels pending retries, closes
// the stream and discards queued audio. Close is idempotent and publishes
// SessionTerminated only if the manager was connected.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	wasConnected := m.state == StateConnected
	l := m.link
	m.link = nil
	m.queue = nil
	m.connectedAt = time.Time{}
	change := m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	m.cancel()
	if l != nil {
		_ = l.stream.Close()
	}
	if wasConnected {
		m.metrics.ActiveConnections.Add(context.Background(), -1)
	}

	m.publish(change)
	if wasConnected {
		m.publish(SessionTerminated{Manual: true, Code: normalClosure, Reason: "closed by client"})
	}
	return nil
}

// Disconnect is an alias for [Manager.Close].
func (m *Manager) Disconnect() error { return m.Close() }

// Stats returns a copy of the counters and history.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statsLocked()
}

func (m *Manager) statsLocked() Stats {
	s := m.counters
	s.QueuedChunks = len(m.queue)
	s.History = m.history.snapshot()
	if m.state == StateConnected && !m.connectedAt.IsZero() {
		s.Uptime = time.Since(m.connectedAt)
	}
	return s
}

// HealthCheck reports whether the manager is usable. It is unhealthy in the
// Error state and whenever the most recent attempt failed, even if a retry is
// still pending.
func (m *Manager) HealthCheck() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := Health{
		Healthy: m.state != StateError && !m.lastFailed,
		Details: HealthDetails{
			State:  m.state,
			Stats:  m.statsLocked(),
			Config: m.cfg.Redacted(),
		},
	}
	if m.lastErr != nil {
		h.Details.LastError = m.lastErr.Error()
	}
	return h
}

// setStateLocked records a transition and returns the event to publish once
// the lock is released, or nil when the state did not change.
func (m *Manager) setStateLocked(to State) Event {
	from := m.state
	if from == to {
		return nil
	}
	m.state = to
	m.history.add(Transition{At: time.Now(), State: to})
	return StateChange{From: from, To: to}
}

func (m *Manager) publish(ev Event) {
	m.events.publish(ev)
}
