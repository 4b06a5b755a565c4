package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MrWong99/roomscribe/internal/relay"
	"github.com/MrWong99/roomscribe/pkg/provider/stt"
)

// Defaults applied by [Config] fields left zero.
const (
	DefaultPingInterval    = 20 * time.Second
	DefaultWriteTimeout    = 5 * time.Second
	DefaultMaxMessageBytes = 1 << 20
	DefaultSendBuffer      = 64
)

// Router is the session registry the gateway drives.
type Router interface {
	Join(participant, sessionID string)
	Leave(participant, sessionID string)
	LeaveAll(participant string)
	StartTranscription(ctx context.Context, sessionID string, audio relay.AudioConfig, credential string) error
	StopTranscription(sessionID string)
	PushAudio(sessionID string, chunk stt.AudioChunk)
}

// Config tunes a [Handler].
type Config struct {
	// AllowedOrigins lists the browser origins that may connect. Requests
	// without an Origin header are always accepted. "*" allows any origin.
	AllowedOrigins []string

	PingInterval    time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	SendBuffer      int
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = DefaultSendBuffer
	}
	return c
}

// Handler upgrades HTTP requests to WebSocket clients and translates their
// messages into router calls.
type Handler struct {
	hub      *Hub
	router   Router
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader

	originsMu sync.RWMutex
	origins   []string

	// ctx outlives individual clients so a transcription started by one
	// participant survives that participant disconnecting.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHandler creates a handler serving hub members through router. A nil
// logger means [slog.Default].
func NewHandler(hub *Hub, router Router, cfg Config, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		hub:     hub,
		router:  router,
		cfg:     cfg,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		origins: cfg.AllowedOrigins,
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.originAllowed}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.log.Debug("gateway: upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	id := newParticipantID()
	c := newClient(id, conn, h.cfg.SendBuffer, h.log)
	h.hub.register(c)
	go c.writePump(h.cfg.PingInterval, h.cfg.WriteTimeout)

	log := h.log.With("participant", id)
	log.Info("gateway: client connected", "remote", r.RemoteAddr)
	h.hub.Send(id, EventWelcome, WelcomePayload{ParticipantID: id})

	h.readLoop(c, log)

	h.router.LeaveAll(id)
	h.hub.unregister(c)
	log.Info("gateway: client disconnected")
}

func (h *Handler) readLoop(c *client, log *slog.Logger) {
	readTimeout := 2*h.cfg.PingInterval + h.cfg.WriteTimeout
	c.conn.SetReadLimit(h.cfg.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("gateway: read failed", "err", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		if mt != websocket.TextMessage {
			h.hub.Send(c.id, relay.EventError, badRequest("", errors.New("bad request: only text frames are accepted")))
			continue
		}
		msg, err := DecodeClientMessage(data)
		if err != nil {
			h.hub.Send(c.id, relay.EventError, badRequest(msg.SessionID, err))
			continue
		}
		h.dispatch(c.id, msg, log)
	}
}

func (h *Handler) dispatch(participant string, msg ClientMessage, log *slog.Logger) {
	switch msg.Type {
	case TypeJoinSession:
		h.router.Join(participant, msg.SessionID)
		h.hub.Send(participant, EventJoined, MembershipPayload{SessionID: msg.SessionID, ParticipantID: participant})

	case TypeLeaveSession:
		h.router.Leave(participant, msg.SessionID)
		h.hub.Send(participant, EventLeft, MembershipPayload{SessionID: msg.SessionID, ParticipantID: participant})

	case TypeStartTranscription:
		var audio relay.AudioConfig
		if msg.AudioConfig != nil {
			audio = *msg.AudioConfig
		}
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			err := h.router.StartTranscription(h.ctx, msg.SessionID, audio, msg.APIKey)
			if errors.Is(err, relay.ErrSessionNotFound) {
				log.Debug("gateway: start for unjoined session", "session_id", msg.SessionID)
				h.hub.Send(participant, relay.EventError, badRequest(msg.SessionID, errors.New("bad request: join the session before starting transcription")))
			}
		}()

	case TypeStopTranscription:
		h.router.StopTranscription(msg.SessionID)

	case TypeAudioChunk:
		h.router.PushAudio(msg.SessionID, stt.AudioChunk{Encoded: msg.Chunk})
	}
}

// Close cancels pending transcription starts, disconnects every client and
// waits for the start goroutines to return.
func (h *Handler) Close() {
	h.cancel()
	h.hub.CloseAll()
	h.wg.Wait()
}

// SetAllowedOrigins replaces the origin allow-list for new connections.
func (h *Handler) SetAllowedOrigins(origins []string) {
	h.originsMu.Lock()
	h.origins = append([]string(nil), origins...)
	h.originsMu.Unlock()
}

func (h *Handler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	h.originsMu.RLock()
	defer h.originsMu.RUnlock()
	for _, o := range h.origins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func newParticipantID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
