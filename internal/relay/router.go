// Package relay routes many participants onto one upstream transcription
// connection per session and fans the results back out.
//
// A [Router] owns the session registry. Each session owns at most one
// [connection.Manager]; transcripts, status changes and errors reach the
// session's participants only through the [Rooms] broadcast abstraction.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/roomscribe/internal/connection"
	"github.com/MrWong99/roomscribe/internal/observe"
	"github.com/MrWong99/roomscribe/internal/resilience"
	"github.com/MrWong99/roomscribe/pkg/provider/stt"
)

// Broadcast event names.
const (
	EventTranscriptionStatus = "transcriptionStatus"
	EventTranscriptionUpdate = "transcriptionUpdate"
	EventError               = "error"
)

// Transcription statuses carried by [EventTranscriptionStatus].
const (
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusResumed  = "resumed"
	StatusStopped  = "stopped"
	StatusError    = "error"
)

// ErrSessionNotFound is returned by StartTranscription for a session nobody
// has joined.
var ErrSessionNotFound = errors.New("relay: session not found")

// Rooms is the room-based messaging layer the router broadcasts through.
// Implementations must be safe for concurrent use.
type Rooms interface {
	Join(room, participant string)
	Leave(room, participant string)
	Broadcast(room, event string, data any)
}

// AudioConfig is the per-session audio format requested by a client. Zero
// fields fall back to the router's connection defaults.
type AudioConfig struct {
	SampleRate  int    `json:"sampleRate,omitempty"`
	Language    string `json:"language,omitempty"`
	Diarization bool   `json:"diarization,omitempty"`
}

// StatusPayload is the data of an [EventTranscriptionStatus] broadcast.
type StatusPayload struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
}

// ErrorPayload is the data of an [EventError] broadcast.
type ErrorPayload struct {
	SessionID    string `json:"sessionId"`
	Code         string `json:"code"`
	Message      string `json:"message"`
	Retryable    bool   `json:"retryable"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

// Config tunes a [Router].
type Config struct {
	// DefaultCredential is used when a start request carries none.
	DefaultCredential string

	// Connection is the template for every session's connection manager.
	// Its Credential is ignored; audio settings are overridden per session.
	Connection connection.Config
}

// Option configures a [Router].
type Option func(*Router)

// WithBreaker makes StartTranscription fail fast while cb is open.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(r *Router) { r.breaker = cb }
}

// WithMetrics sets the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.log = l }
}

// WithClock overrides the clock used for transcript timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

type session struct {
	id           string
	participants map[string]struct{}
	audio        AudioConfig
	conn         *connection.Manager
	offs         []func()
	createdAt    time.Time
}

// Router is the session registry. All methods are safe for concurrent use;
// operations on different sessions never block on each other's I/O.
type Router struct {
	provider stt.Provider
	rooms    Rooms
	cfg      Config
	breaker  *resilience.CircuitBreaker
	metrics  *observe.Metrics
	log      *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates a router that opens upstream streams from provider and
// broadcasts through rooms.
func New(provider stt.Provider, rooms Rooms, cfg Config, opts ...Option) *Router {
	r := &Router{
		provider: provider,
		rooms:    rooms,
		cfg:      cfg,
		log:      slog.Default(),
		now:      time.Now,
		sessions: make(map[string]*session),
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// SetDefaultCredential replaces the credential used by later starts that
// carry none. Running connections keep theirs.
func (r *Router) SetDefaultCredential(cred string) {
	r.mu.Lock()
	r.cfg.DefaultCredential = cred
	r.mu.Unlock()
}

// Join adds participant to the session, creating the session on first join.
// Joining twice is a no-op.
func (r *Router) Join(participant, sessionID string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		s = &session{
			id:           sessionID,
			participants: make(map[string]struct{}),
			createdAt:    r.now(),
		}
		r.sessions[sessionID] = s
		r.metrics.ActiveSessions.Add(context.Background(), 1)
	}
	if _, member := s.participants[participant]; member {
		r.mu.Unlock()
		return
	}
	s.participants[participant] = struct{}{}
	r.metrics.ActiveParticipants.Add(context.Background(), 1)
	r.mu.Unlock()

	r.rooms.Join(sessionID, participant)
	r.log.Debug("relay: participant joined", "session_id", sessionID, "participant", participant)
}

// Leave removes participant from the session. When the last participant
// leaves, transcription is stopped first and the session record removed
// afterwards. Leaving a session one is not part of is a no-op.
func (r *Router) Leave(participant, sessionID string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, member := s.participants[participant]; !member {
		r.mu.Unlock()
		return
	}
	delete(s.participants, participant)
	r.metrics.ActiveParticipants.Add(context.Background(), -1)
	empty := len(s.participants) == 0
	r.mu.Unlock()

	if empty {
		r.StopTranscription(sessionID)

		r.mu.Lock()
		if cur, ok := r.sessions[sessionID]; ok && cur == s && len(s.participants) == 0 {
			delete(r.sessions, sessionID)
			r.metrics.ActiveSessions.Add(context.Background(), -1)
		}
		r.mu.Unlock()
	}
	r.rooms.Leave(sessionID, participant)
	r.log.Debug("relay: participant left", "session_id", sessionID, "participant", participant, "session_closed", empty)
}

// LeaveAll removes participant from every session it is part of.
func (r *Router) LeaveAll(participant string) {
	r.mu.Lock()
	var ids []string
	for id, s := range r.sessions {
		if _, member := s.participants[participant]; member {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Leave(participant, id)
	}
}

// StartTranscription opens the upstream connection of a session. The
// credential argument takes precedence over the configured default. Missing
// or malformed credentials are broadcast as CONFIG_MISSING or CONFIG_INVALID
// without creating a connection. Starting a session that already has a
// connection is a no-op.
//
// StartTranscription blocks until the connection is established or has
// finally failed; failures are broadcast to the room exactly once.
func (r *Router) StartTranscription(ctx context.Context, sessionID string, audio AudioConfig, credential string) error {
	ctx = observe.WithSession(ctx, sessionID)
	log := observe.Logger(ctx, r.log)

	r.mu.Lock()
	fallback := r.cfg.DefaultCredential
	r.mu.Unlock()

	cred, err := ResolveCredential(credential, fallback)
	if err != nil {
		var cerr *ConfigError
		errors.As(err, &cerr)
		log.Warn("relay: rejected transcription start", "code", cerr.Code)
		r.broadcast(sessionID, EventError, ErrorPayload{
			SessionID: sessionID,
			Code:      cerr.Code,
			Message:   cerr.Message,
		})
		return err
	}

	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("relay: start %q: %w", sessionID, ErrSessionNotFound)
	}
	if s.conn != nil {
		r.mu.Unlock()
		return nil
	}
	if r.breaker != nil {
		if err := r.breaker.Allow(); err != nil {
			r.mu.Unlock()
			ce := resilience.NewConnectionError("transcription provider unavailable, try again later", err)
			log.Warn("relay: circuit open, refusing start")
			r.broadcastFailure(sessionID, ce)
			return ce
		}
	}

	mcfg := r.cfg.Connection
	mcfg.Credential = cred
	if audio.SampleRate > 0 {
		mcfg.SampleRate = audio.SampleRate
	}
	if audio.Language != "" {
		mcfg.Language = audio.Language
	}
	mcfg.Diarization = mcfg.Diarization || audio.Diarization

	mgr := connection.New(r.provider, mcfg,
		connection.WithLogger(r.log),
		connection.WithSession(sessionID),
		connection.WithMetrics(r.metrics),
	)
	s.conn = mgr
	s.audio = audio
	s.offs = r.subscribe(s, mgr)
	r.mu.Unlock()

	log.Info("relay: starting transcription", "config", mcfg)
	r.broadcastStatus(sessionID, StatusStarting, "")

	err = mgr.Connect(ctx)
	if r.breaker != nil {
		switch {
		case err == nil, errors.Is(err, connection.ErrClosed), ctx.Err() != nil:
			r.breaker.Record(nil)
		default:
			r.breaker.Record(err)
		}
	}
	if err != nil {
		return fmt.Errorf("relay: start %q: %w", sessionID, err)
	}
	return nil
}

// StopTranscription closes the session's connection, if any, and always
// broadcasts a stopped status.
func (r *Router) StopTranscription(sessionID string) {
	r.mu.Lock()
	var mgr *connection.Manager
	var offs []func()
	if s, ok := r.sessions[sessionID]; ok {
		mgr, offs = s.conn, s.offs
		s.conn, s.offs = nil, nil
	}
	r.mu.Unlock()

	for _, off := range offs {
		off()
	}
	if mgr != nil {
		_ = mgr.Close()
		r.log.Info("relay: transcription stopped", "session_id", sessionID)
	}
	r.broadcastStatus(sessionID, StatusStopped, "")
}

// PushAudio forwards a participant's chunk to the session's connection.
// Audio for a session without a connection is dropped silently.
func (r *Router) PushAudio(sessionID string, chunk stt.AudioChunk) {
	r.mu.Lock()
	var mgr *connection.Manager
	if s, ok := r.sessions[sessionID]; ok {
		mgr = s.conn
	}
	r.mu.Unlock()

	if mgr == nil {
		r.metrics.RecordAudioChunk(context.Background(), observe.ChunkDropped)
		return
	}
	if err := mgr.SendAudio(chunk); err != nil {
		r.log.Debug("relay: audio not delivered", "session_id", sessionID, "err", err)
	}
}

// SessionInfo is a diagnostic snapshot of one session.
type SessionInfo struct {
	ID           string             `json:"id"`
	Participants []string           `json:"participants"`
	Audio        AudioConfig        `json:"audio"`
	CreatedAt    time.Time          `json:"createdAt"`
	Connection   *connection.Health `json:"connection,omitempty"`
}

// Sessions returns a snapshot of all sessions ordered by id.
func (r *Router) Sessions() []SessionInfo {
	r.mu.Lock()
	type entry struct {
		info SessionInfo
		conn *connection.Manager
	}
	entries := make([]entry, 0, len(r.sessions))
	for _, s := range r.sessions {
		info := SessionInfo{ID: s.id, Audio: s.audio, CreatedAt: s.createdAt}
		for p := range s.participants {
			info.Participants = append(info.Participants, p)
		}
		sort.Strings(info.Participants)
		entries = append(entries, entry{info: info, conn: s.conn})
	}
	r.mu.Unlock()

	out := make([]SessionInfo, len(entries))
	for i, e := range entries {
		if e.conn != nil {
			h := e.conn.HealthCheck()
			e.info.Connection = &h
		}
		out[i] = e.info
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Shutdown closes every connection concurrently and broadcasts stopped to
// each affected session. Sessions themselves stay registered.
func (r *Router) Shutdown(ctx context.Context) error {
	type target struct {
		id   string
		mgr  *connection.Manager
		offs []func()
	}
	r.mu.Lock()
	var targets []target
	for id, s := range r.sessions {
		if s.conn == nil {
			continue
		}
		targets = append(targets, target{id: id, mgr: s.conn, offs: s.offs})
		s.conn, s.offs = nil, nil
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, t := range targets {
		g.Go(func() error {
			for _, off := range t.offs {
				off()
			}
			if err := t.mgr.Close(); err != nil {
				return fmt.Errorf("relay: close %q: %w", t.id, err)
			}
			r.broadcastStatus(t.id, StatusStopped, "server shutting down")
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// subscribe wires the manager's events to room broadcasts. Events from a
// manager that is no longer the session's current connection are ignored.
func (r *Router) subscribe(s *session, mgr *connection.Manager) []func() {
	id := s.id
	log := r.log.With("session_id", id)
	return []func(){
		mgr.On(connection.EventConnected, func(ev connection.Event) {
			if !r.isCurrent(s, mgr) {
				return
			}
			status := StatusRunning
			if ev.(connection.Connected).Resumed {
				status = StatusResumed
			}
			r.broadcastStatus(id, status, "")
		}),
		mgr.On(connection.EventMessage, func(ev connection.Event) {
			if !r.isCurrent(s, mgr) {
				return
			}
			t, ok := Normalize(id, ev.(connection.Message).Payload, r.now())
			if !ok {
				return
			}
			r.metrics.RecordTranscript(context.Background(), t.IsFinal)
			r.broadcast(id, EventTranscriptionUpdate, t)
		}),
		mgr.On(connection.EventError, func(ev connection.Event) {
			f := ev.(connection.Failure)
			if !f.Fatal {
				log.Debug("relay: transient provider error", "kind", f.Err.Kind.String(), "err", f.Err)
				return
			}
			if !r.release(s, mgr) {
				return
			}
			log.Warn("relay: transcription failed", "code", f.Err.Code(), "err", f.Err)
			r.broadcastFailure(id, f.Err)
		}),
		mgr.On(connection.EventSessionTerminated, func(ev connection.Event) {
			st := ev.(connection.SessionTerminated)
			if st.Manual {
				return
			}
			if st.Reconnecting {
				log.Info("relay: provider dropped the stream, reconnecting", "code", st.Code, "reason", st.Reason)
				return
			}
			if !r.release(s, mgr) {
				return
			}
			r.broadcastStatus(id, StatusStopped, st.Reason)
		}),
		mgr.On(connection.EventRetryAttempt, func(ev connection.Event) {
			ra := ev.(connection.RetryAttempt)
			log.Info("relay: connection retry scheduled", "attempt", ra.Attempt, "delay", ra.Delay, "kind", ra.Err.Kind.String())
		}),
		mgr.On(connection.EventRateLimit, func(ev connection.Event) {
			log.Warn("relay: provider rate limit", "retry_after", ev.(connection.RateLimited).RetryAfter)
		}),
	}
}

func (r *Router) isCurrent(s *session, mgr *connection.Manager) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[s.id] == s && s.conn == mgr
}

// release detaches mgr from s and closes it. It reports false when mgr was
// no longer the session's connection.
func (r *Router) release(s *session, mgr *connection.Manager) bool {
	r.mu.Lock()
	if s.conn != mgr {
		r.mu.Unlock()
		return false
	}
	offs := s.offs
	s.conn, s.offs = nil, nil
	r.mu.Unlock()

	for _, off := range offs {
		off()
	}
	_ = mgr.Close()
	return true
}

// broadcastFailure sends the classified error followed by the error status.
func (r *Router) broadcastFailure(sessionID string, ce *resilience.Error) {
	r.broadcast(sessionID, EventError, ErrorPayload{
		SessionID:    sessionID,
		Code:         ce.Code(),
		Message:      ce.Message,
		Retryable:    ce.Retryable,
		RetryAfterMs: ce.RetryAfter.Milliseconds(),
	})
	r.broadcastStatus(sessionID, StatusError, ce.Message)
}

func (r *Router) broadcastStatus(sessionID, status, message string) {
	r.broadcast(sessionID, EventTranscriptionStatus, StatusPayload{
		SessionID: sessionID,
		Status:    status,
		Message:   message,
	})
}

func (r *Router) broadcast(sessionID, event string, data any) {
	r.metrics.RecordBroadcast(context.Background(), event)
	r.rooms.Broadcast(sessionID, event, data)
}
