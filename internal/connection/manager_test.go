package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/roomscribe/internal/resilience"
	"github.com/MrWong99/roomscribe/pkg/provider/stt"
	"github.com/MrWong99/roomscribe/pkg/provider/stt/mock"
)

const testCredential = "0123456789abcdef0123456789abcdef"

var allKinds = []EventKind{
	EventStateChange, EventConnected, EventMessage, EventStatus,
	EventRetryAttempt, EventRateLimit, EventError, EventSessionTerminated,
}

// recorder captures every event published by a manager.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func record(m *Manager) *recorder {
	r := &recorder{}
	for _, k := range allKinds {
		m.On(k, func(ev Event) {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		})
	}
	return r
}

func (r *recorder) of(kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Kind() == kind {
			out = append(out, ev)
		}
	}
	return out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// testConfig returns a config with fast timings.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Credential = testCredential
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 4 * time.Millisecond
	cfg.ConnectTimeout = time.Second
	cfg.AutoReconnect = false
	return cfg
}

func newManager(t *testing.T, p *mock.Provider, cfg Config) *Manager {
	t.Helper()
	m := New(p, cfg)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestConnect_Success(t *testing.T) {
	p := &mock.Provider{}
	m := newManager(t, p, testConfig())
	rec := record(m)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := m.State(); got != StateConnected {
		t.Fatalf("state = %v, want connected", got)
	}
	calls := p.Last().ConnectCalls()
	if len(calls) != 1 || calls[0].Credential != testCredential || calls[0].SampleRate != 16000 {
		t.Fatalf("connect calls = %+v", calls)
	}
	conn := rec.of(EventConnected)
	if len(conn) != 1 || conn[0].(Connected).Resumed {
		t.Fatalf("connected events = %+v, want one non-resumed", conn)
	}
	st := m.Stats()
	if st.ConnectionAttempts != 1 || st.SuccessfulConnections != 1 || st.RetryAttempts != 0 {
		t.Fatalf("stats = %+v", st)
	}

	// Connecting again is a no-op.
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if p.StreamCount() != 1 {
		t.Fatalf("streams = %d, want 1", p.StreamCount())
	}
}

func TestConnect_SingleFlight(t *testing.T) {
	release := make(chan struct{})
	p := &mock.Provider{
		BeforeConnect: func(ctx context.Context, _ *mock.Stream) { <-release },
	}
	m := newManager(t, p, testConfig())

	const callers = 5
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() { errs <- m.Connect(context.Background()) }()
	}
	waitFor(t, "first stream", func() bool { return p.StreamCount() == 1 })
	time.Sleep(20 * time.Millisecond)
	close(release)

	for i := 0; i < callers; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if got := p.StreamCount(); got != 1 {
		t.Fatalf("streams = %d, want 1", got)
	}
	if got := m.Stats().ConnectionAttempts; got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
}

func TestConnect_SingleFlightSharesFailure(t *testing.T) {
	release := make(chan struct{})
	p := &mock.Provider{
		ConnectErrs:   []error{errors.New("401 Unauthorized")},
		BeforeConnect: func(ctx context.Context, _ *mock.Stream) { <-release },
	}
	m := newManager(t, p, testConfig())

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() { errs <- m.Connect(context.Background()) }()
	}
	waitFor(t, "first stream", func() bool { return p.StreamCount() == 1 })
	time.Sleep(20 * time.Millisecond)
	close(release)

	var first error
	for i := 0; i < 3; i++ {
		err := <-errs
		var ce *resilience.Error
		if !errors.As(err, &ce) || ce.Kind != resilience.KindAuth {
			t.Fatalf("caller %d: err = %v, want auth error", i, err)
		}
		if first == nil {
			first = err
		} else if err != first {
			t.Fatalf("callers observed different errors: %v vs %v", first, err)
		}
	}
}

func TestConnect_Timeout(t *testing.T) {
	p := &mock.Provider{Manual: true}
	cfg := testConfig()
	cfg.ConnectTimeout = 20 * time.Millisecond
	cfg.MaxRetries = 0
	m := newManager(t, p, cfg)

	err := m.Connect(context.Background())
	if !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("err = %v, want ErrConnectTimeout", err)
	}
	if k := resilience.Classify(err).Kind; k != resilience.KindConnection {
		t.Fatalf("kind = %v, want connection", k)
	}
	if got := m.State(); got != StateError {
		t.Fatalf("state = %v, want error", got)
	}
	if !p.Last().Closed() {
		t.Fatal("timed out stream was not closed")
	}
}

func TestConnect_RetryScheduleAndBound(t *testing.T) {
	netErr := errors.New("dial tcp: connection refused")
	p := &mock.Provider{ConnectErrs: []error{netErr, netErr, netErr, netErr, netErr, netErr}}
	cfg := testConfig()
	cfg.MaxRetries = 4
	m := newManager(t, p, cfg)
	rec := record(m)

	err := m.Connect(context.Background())
	var ce *resilience.Error
	if !errors.As(err, &ce) || ce.Kind != resilience.KindConnection {
		t.Fatalf("err = %v, want connection error", err)
	}
	if got, want := p.StreamCount(), cfg.MaxRetries+1; got != want {
		t.Fatalf("attempts = %d, want %d", got, want)
	}

	retries := rec.of(EventRetryAttempt)
	wantDelays := []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond, 4 * time.Millisecond}
	if len(retries) != len(wantDelays) {
		t.Fatalf("retry events = %d, want %d", len(retries), len(wantDelays))
	}
	for i, ev := range retries {
		ra := ev.(RetryAttempt)
		if ra.Attempt != i+1 {
			t.Errorf("retry %d: attempt = %d, want %d", i, ra.Attempt, i+1)
		}
		if ra.Delay != wantDelays[i] {
			t.Errorf("retry %d: delay = %v, want %v", i, ra.Delay, wantDelays[i])
		}
	}
	st := m.Stats()
	if st.RetryAttempts != 4 || st.ConnectionAttempts != 5 {
		t.Fatalf("stats = %+v", st)
	}
	fatal := rec.of(EventError)
	if len(fatal) != 1 || !fatal[0].(Failure).Fatal {
		t.Fatalf("error events = %+v, want one fatal", fatal)
	}
	if got := m.State(); got != StateError {
		t.Fatalf("state = %v, want error", got)
	}
}

func TestConnect_RetryThenSuccess(t *testing.T) {
	p := &mock.Provider{ConnectErrs: []error{errors.New("socket hang up")}}
	m := newManager(t, p, testConfig())
	rec := record(m)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if p.StreamCount() != 2 {
		t.Fatalf("streams = %d, want 2", p.StreamCount())
	}
	if !p.Stream(0).Closed() {
		t.Fatal("failed stream was not closed")
	}
	if got := len(rec.of(EventError)); got != 0 {
		t.Fatalf("error events = %d, want 0 for a recovered attempt", got)
	}
	if h := m.HealthCheck(); !h.Healthy {
		t.Fatalf("health = %+v, want healthy after recovery", h)
	}
}

func TestConnect_AuthNotRetried(t *testing.T) {
	p := &mock.Provider{ConnectErrs: []error{errors.New("401 Unauthorized")}}
	m := newManager(t, p, testConfig())
	rec := record(m)

	err := m.Connect(context.Background())
	var ce *resilience.Error
	if !errors.As(err, &ce) || ce.Kind != resilience.KindAuth || ce.Retryable {
		t.Fatalf("err = %v, want non-retryable auth error", err)
	}
	if p.StreamCount() != 1 {
		t.Fatalf("streams = %d, want 1", p.StreamCount())
	}
	if n := len(rec.of(EventRetryAttempt)); n != 0 {
		t.Fatalf("retry events = %d, want 0", n)
	}
}

func TestConnect_RateLimit(t *testing.T) {
	p := &mock.Provider{ConnectErrs: []error{errors.New("provider said 429")}}
	m := newManager(t, p, testConfig())
	rec := record(m)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	rl := rec.of(EventRateLimit)
	if len(rl) != 1 {
		t.Fatalf("rate-limit events = %d, want 1", len(rl))
	}
	ev := rl[0].(RateLimited)
	if ev.RetryAfter != resilience.DefaultRateLimitRetryAfter || ev.Err.Kind != resilience.KindRateLimit {
		t.Fatalf("rate-limit event = %+v", ev)
	}
	retries := rec.of(EventRetryAttempt)
	if len(retries) != 1 || retries[0].(RetryAttempt).Attempt != 1 {
		t.Fatalf("retry events = %+v", retries)
	}
}

func TestClose_CancelsPendingRetry(t *testing.T) {
	p := &mock.Provider{ConnectErrs: []error{errors.New("connection reset by peer")}}
	cfg := testConfig()
	cfg.BaseDelay = time.Hour
	cfg.MaxDelay = time.Hour
	m := New(p, cfg)
	rec := record(m)

	done := make(chan error, 1)
	go func() { done <- m.Connect(context.Background()) }()
	waitFor(t, "retry scheduled", func() bool { return len(rec.of(EventRetryAttempt)) == 1 })

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("Connect = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Connect did not return after Close")
	}
	if p.StreamCount() != 1 {
		t.Fatalf("streams = %d, want 1 (retry must not fire)", p.StreamCount())
	}
	if err := m.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Connect after Close = %v, want ErrClosed", err)
	}
}

func TestConnect_CallerContext(t *testing.T) {
	release := make(chan struct{})
	p := &mock.Provider{BeforeConnect: func(context.Context, *mock.Stream) { <-release }}
	m := newManager(t, p, testConfig())
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := m.Connect(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Connect = %v, want context.DeadlineExceeded", err)
	}
}

func TestSendAudio_Connected(t *testing.T) {
	p := &mock.Provider{}
	m := newManager(t, p, testConfig())
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := m.SendAudio(stt.AudioChunk{PCM: []byte{1, 2}}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if err := m.SendAudio(stt.AudioChunk{Encoded: "AwQ="}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if err := m.SendAudio(stt.AudioChunk{}); err != nil {
		t.Fatalf("SendAudio(empty): %v", err)
	}
	if got := len(p.Last().Chunks()); got != 2 {
		t.Fatalf("chunks = %d, want 2", got)
	}
	if got := m.Stats().AudioChunksSent; got != 2 {
		t.Fatalf("AudioChunksSent = %d, want 2", got)
	}
}

func TestSendAudio_NotConnectedRejected(t *testing.T) {
	m := newManager(t, &mock.Provider{}, testConfig())

	err := m.SendAudio(stt.AudioChunk{PCM: []byte{1}})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if k := resilience.Classify(err).Kind; k != resilience.KindClient {
		t.Fatalf("kind = %v, want client", k)
	}
}

// Queued audio is flushed in arrival order when the stream opens, ahead of
// anything sent afterwards.
func TestSendAudio_FlushOnConnect(t *testing.T) {
	p := &mock.Provider{Manual: true}
	cfg := testConfig()
	cfg.EnableBatching = true
	m := newManager(t, p, cfg)

	for i := byte(1); i <= 3; i++ {
		if err := m.SendAudio(stt.AudioChunk{PCM: []byte{i}}); err != nil {
			t.Fatalf("queue chunk %d: %v", i, err)
		}
	}
	if got := m.Stats().QueuedChunks; got != 3 {
		t.Fatalf("queued = %d, want 3", got)
	}

	done := make(chan error, 1)
	go func() { done <- m.Connect(context.Background()) }()
	waitFor(t, "stream connect", func() bool {
		s := p.Last()
		return s != nil && len(s.ConnectCalls()) == 1
	})
	p.Last().Emit(stt.OpenEvent{})
	if err := <-done; err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := m.SendAudio(stt.AudioChunk{PCM: []byte{4}}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	chunks := p.Last().Chunks()
	if len(chunks) != 4 {
		t.Fatalf("chunks = %d, want 4", len(chunks))
	}
	for i, c := range chunks {
		if c.PCM[0] != byte(i+1) {
			t.Fatalf("chunk %d = %v, want %d", i, c.PCM, i+1)
		}
	}
	st := m.Stats()
	if st.QueuedChunks != 0 || st.AudioChunksSent != 4 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestSendAudio_QueueOverflow(t *testing.T) {
	cfg := testConfig()
	cfg.EnableBatching = true
	cfg.MaxQueueSize = 2
	m := newManager(t, &mock.Provider{}, cfg)

	buf := []byte{9}
	for i := 0; i < 2; i++ {
		if err := m.SendAudio(stt.AudioChunk{PCM: buf}); err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
	}
	buf[0] = 0 // queued chunks must not alias the caller's buffer

	err := m.SendAudio(stt.AudioChunk{PCM: []byte{3}})
	if !errors.Is(err, ErrQueueOverflow) {
		t.Fatalf("err = %v, want ErrQueueOverflow", err)
	}
	if resilience.Classify(err).Retryable {
		t.Fatal("overflow should not be retryable")
	}
}

func TestClose_Idempotent(t *testing.T) {
	p := &mock.Provider{}
	m := New(p, testConfig())
	rec := record(m)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := m.Close(); err != nil {
			t.Fatalf("Close #%d: %v", i, err)
		}
	}
	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	term := rec.of(EventSessionTerminated)
	if len(term) != 1 {
		t.Fatalf("session-terminated events = %d, want 1", len(term))
	}
	if st := term[0].(SessionTerminated); !st.Manual || st.Reconnecting {
		t.Fatalf("event = %+v, want manual", st)
	}
	if p.Last().CloseCalls() != 1 {
		t.Fatalf("stream Close calls = %d, want 1", p.Last().CloseCalls())
	}
	if m.State() != StateDisconnected {
		t.Fatalf("state = %v", m.State())
	}
	if err := m.SendAudio(stt.AudioChunk{PCM: []byte{1}}); !errors.Is(err, ErrClosed) {
		t.Fatalf("SendAudio after Close = %v, want ErrClosed", err)
	}
}

func TestClose_NeverConnected(t *testing.T) {
	m := New(&mock.Provider{}, testConfig())
	rec := record(m)
	for i := 0; i < 3; i++ {
		if err := m.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	if n := len(rec.of(EventSessionTerminated)); n != 0 {
		t.Fatalf("session-terminated events = %d, want 0", n)
	}
}

func TestListenerPanicIsolated(t *testing.T) {
	m := newManager(t, &mock.Provider{}, testConfig())

	var calls int
	m.On(EventConnected, func(Event) { panic("boom") })
	m.On(EventConnected, func(Event) { calls++ })

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if calls != 1 {
		t.Fatalf("second listener calls = %d, want 1", calls)
	}
	if m.State() != StateConnected {
		t.Fatalf("state = %v, want connected", m.State())
	}
}

func TestOn_Unsubscribe(t *testing.T) {
	m := newManager(t, &mock.Provider{}, testConfig())
	var calls int
	off := m.On(EventConnected, func(Event) { calls++ })
	off()
	off()
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if calls != 0 {
		t.Fatalf("calls = %d, want 0 after off", calls)
	}
}

func TestStats_DefensiveCopy(t *testing.T) {
	m := newManager(t, &mock.Provider{}, testConfig())
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	s := m.Stats()
	s.ConnectionAttempts = 99
	s.History[0].State = StateError
	s.History = append(s.History, Transition{State: StateError})

	again := m.Stats()
	if again.ConnectionAttempts != 1 {
		t.Fatalf("ConnectionAttempts = %d, want 1", again.ConnectionAttempts)
	}
	if again.History[0].State != StateDisconnected {
		t.Fatalf("history mutated through copy: %+v", again.History)
	}
	want := []State{StateDisconnected, StateConnecting, StateConnected}
	if len(again.History) != len(want) {
		t.Fatalf("history = %+v", again.History)
	}
	for i, st := range want {
		if again.History[i].State != st {
			t.Fatalf("history[%d] = %v, want %v", i, again.History[i].State, st)
		}
	}
	if again.Uptime < 0 {
		t.Fatalf("uptime = %v", again.Uptime)
	}
}

func TestStats_HistoryBounded(t *testing.T) {
	netErr := errors.New("network unreachable")
	p := &mock.Provider{ConnectErrs: []error{netErr, netErr, netErr, netErr}}
	cfg := testConfig()
	cfg.HistorySize = 3
	cfg.MaxRetries = 3
	m := newManager(t, p, cfg)
	_ = m.Connect(context.Background())

	h := m.Stats().History
	if len(h) != 3 {
		t.Fatalf("history length = %d, want 3", len(h))
	}
	if h[len(h)-1].State != StateError {
		t.Fatalf("last transition = %v, want error", h[len(h)-1].State)
	}
}

func TestHealthCheck(t *testing.T) {
	p := &mock.Provider{ConnectErrs: []error{errors.New("unauthorized")}}
	m := newManager(t, p, testConfig())

	_ = m.Connect(context.Background())
	h := m.HealthCheck()
	if h.Healthy {
		t.Fatal("healthy after failed connect")
	}
	if h.Details.State != StateError {
		t.Fatalf("state = %v, want error", h.Details.State)
	}
	if h.Details.Config.Credential != "[REDACTED]" {
		t.Fatalf("credential not redacted: %q", h.Details.Config.Credential)
	}
	raw, err := json.Marshal(h)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if strings.Contains(string(raw), testCredential) {
		t.Fatal("health JSON leaks the credential")
	}

	ok := newManager(t, &mock.Provider{}, testConfig())
	if err := ok.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if h := ok.HealthCheck(); !h.Healthy || h.Details.State != StateConnected {
		t.Fatalf("health = %+v, want healthy connected", h)
	}
}

func TestHealthCheck_UnhealthyWhileRetryPending(t *testing.T) {
	p := &mock.Provider{ConnectErrs: []error{errors.New("connection refused")}}
	cfg := testConfig()
	cfg.BaseDelay = time.Hour
	cfg.MaxDelay = time.Hour
	m := newManager(t, p, cfg)
	rec := record(m)

	go func() { _ = m.Connect(context.Background()) }()
	waitFor(t, "retry scheduled", func() bool { return len(rec.of(EventRetryAttempt)) == 1 })
	if m.HealthCheck().Healthy {
		t.Fatal("healthy while the last attempt failed")
	}
}

func TestStreamEvents_Forwarded(t *testing.T) {
	p := &mock.Provider{}
	m := newManager(t, p, testConfig())
	rec := record(m)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	s := p.Last()
	s.Emit(stt.MessageEvent{Payload: json.RawMessage(`{"message_type":"partial","text":"hi"}`)})
	s.Emit(stt.ErrorEvent{Err: fmt.Errorf("%w: not json", stt.ErrMalformedFrame)})

	msgs := rec.of(EventMessage)
	if len(msgs) != 1 || string(msgs[0].(Message).Payload) != `{"message_type":"partial","text":"hi"}` {
		t.Fatalf("messages = %+v", msgs)
	}
	if got := rec.of(EventStatus); len(got) != 1 || got[0].(Status).Status != "running" {
		t.Fatalf("status events = %+v", got)
	}
	errs := rec.of(EventError)
	if len(errs) != 1 || errs[0].(Failure).Fatal {
		t.Fatalf("errors = %+v, want one non-fatal", errs)
	}
	if m.State() != StateConnected {
		t.Fatalf("malformed frame changed state to %v", m.State())
	}
}

func TestStreamError_WhileConnected(t *testing.T) {
	p := &mock.Provider{}
	m := newManager(t, p, testConfig())
	rec := record(m)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	p.Last().Emit(stt.ErrorEvent{Err: errors.New("not authorized")})
	// Late events of the dead stream are ignored.
	p.Stream(0).Emit(stt.CloseEvent{Code: -1})

	if m.State() != StateError {
		t.Fatalf("state = %v, want error", m.State())
	}
	errs := rec.of(EventError)
	if len(errs) != 1 {
		t.Fatalf("error events = %d, want 1", len(errs))
	}
	f := errs[0].(Failure)
	if !f.Fatal || f.Err.Kind != resilience.KindAuth {
		t.Fatalf("failure = %+v", f)
	}
	if n := len(rec.of(EventSessionTerminated)); n != 1 {
		t.Fatalf("session-terminated events = %d, want 1", n)
	}
	if p.StreamCount() != 1 {
		t.Fatalf("streams = %d, want no reconnect", p.StreamCount())
	}
}

func TestProviderClose_Normal(t *testing.T) {
	p := &mock.Provider{}
	cfg := testConfig()
	cfg.AutoReconnect = true
	m := newManager(t, p, cfg)
	rec := record(m)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	p.Last().Emit(stt.CloseEvent{Code: 1000, Reason: "session ended"})

	if m.State() != StateDisconnected {
		t.Fatalf("state = %v, want disconnected", m.State())
	}
	term := rec.of(EventSessionTerminated)
	if len(term) != 1 {
		t.Fatalf("session-terminated events = %d, want 1", len(term))
	}
	if st := term[0].(SessionTerminated); st.Manual || st.Reconnecting || st.Code != 1000 {
		t.Fatalf("event = %+v", st)
	}
	if p.StreamCount() != 1 {
		t.Fatalf("normal close must not reconnect")
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := len(rec.of(EventSessionTerminated)); n != 1 {
		t.Fatalf("Close after provider close emitted again: %d events", n)
	}
}

func TestProviderClose_AbnormalReconnects(t *testing.T) {
	p := &mock.Provider{}
	cfg := testConfig()
	cfg.AutoReconnect = true
	m := newManager(t, p, cfg)
	rec := record(m)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	p.Last().Emit(stt.CloseEvent{Code: 1006})

	waitFor(t, "resumed connection", func() bool { return len(rec.of(EventConnected)) == 2 })
	conn := rec.of(EventConnected)
	if !conn[1].(Connected).Resumed {
		t.Fatal("reconnect not reported as resumed")
	}
	term := rec.of(EventSessionTerminated)
	if len(term) != 1 || !term[0].(SessionTerminated).Reconnecting {
		t.Fatalf("session-terminated = %+v, want one reconnecting", term)
	}
	if p.StreamCount() != 2 {
		t.Fatalf("streams = %d, want 2", p.StreamCount())
	}
	if ra := rec.of(EventRetryAttempt); len(ra) != 1 || ra[0].(RetryAttempt).Attempt != 1 {
		t.Fatalf("retry events = %+v, want attempt 1", ra)
	}
	if got := m.Stats().SuccessfulConnections; got != 2 {
		t.Fatalf("SuccessfulConnections = %d, want 2", got)
	}
}

// dropFirstOpen returns an AfterOpen hook that closes only the first stream
// with code, while Connect is still running.
func dropFirstOpen(p *mock.Provider, code int, reason string) func(*mock.Stream) {
	return func(s *mock.Stream) {
		if s == p.Stream(0) {
			s.Emit(stt.CloseEvent{Code: code, Reason: reason})
		}
	}
}

func TestReconnect_DropDuringOpenTurn(t *testing.T) {
	p := &mock.Provider{}
	p.AfterOpen = dropFirstOpen(p, 1011, "internal error")
	cfg := testConfig()
	cfg.AutoReconnect = true
	m := newManager(t, p, cfg)
	rec := record(m)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitFor(t, "reconnected stream", func() bool { return m.State() == StateConnected && p.StreamCount() == 2 })
	conn := rec.of(EventConnected)
	if len(conn) != 2 || !conn[1].(Connected).Resumed {
		t.Fatalf("connected events = %+v, want initial plus resumed", conn)
	}
	retries := rec.of(EventRetryAttempt)
	if len(retries) != 1 || retries[0].(RetryAttempt).Delay != cfg.BaseDelay {
		t.Fatalf("retry events = %+v, want one after the base delay", retries)
	}
}

func TestReconnect_BackoffAndBudget(t *testing.T) {
	p := &mock.Provider{AfterOpen: func(s *mock.Stream) {
		s.Emit(stt.CloseEvent{Code: 1011, Reason: "internal error"})
	}}
	cfg := testConfig()
	cfg.AutoReconnect = true
	cfg.MaxRetries = 3
	cfg.StableAfter = time.Hour
	m := newManager(t, p, cfg)
	rec := record(m)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "fatal failure", func() bool { return len(rec.of(EventError)) == 1 })
	time.Sleep(30 * time.Millisecond)

	if got, want := p.StreamCount(), cfg.MaxRetries+1; got != want {
		t.Fatalf("streams = %d, want %d", got, want)
	}
	retries := rec.of(EventRetryAttempt)
	wantDelays := []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}
	if len(retries) != len(wantDelays) {
		t.Fatalf("retry events = %d, want %d", len(retries), len(wantDelays))
	}
	for i, ev := range retries {
		ra := ev.(RetryAttempt)
		if ra.Attempt != i+1 || ra.Delay != wantDelays[i] {
			t.Errorf("retry %d = attempt %d after %v, want %d after %v", i, ra.Attempt, ra.Delay, i+1, wantDelays[i])
		}
	}
	f := rec.of(EventError)[0].(Failure)
	if !f.Fatal || f.Err.Kind != resilience.KindConnection {
		t.Fatalf("failure = %+v", f)
	}
	if m.State() != StateError {
		t.Fatalf("state = %v, want error", m.State())
	}
	term := rec.of(EventSessionTerminated)
	if last := term[len(term)-1].(SessionTerminated); last.Reconnecting {
		t.Fatal("final drop still reported as reconnecting")
	}
	if got := m.Stats().RetryAttempts; got != 3 {
		t.Fatalf("RetryAttempts = %d, want 3", got)
	}
}

func TestReconnect_AuthCloseIsTerminal(t *testing.T) {
	p := &mock.Provider{}
	cfg := testConfig()
	cfg.AutoReconnect = true
	m := newManager(t, p, cfg)
	rec := record(m)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	p.Last().Emit(stt.CloseEvent{Code: 4001, Reason: "Not Authorized"})
	time.Sleep(30 * time.Millisecond)

	if p.StreamCount() != 1 {
		t.Fatalf("streams = %d, auth close must not reconnect", p.StreamCount())
	}
	errs := rec.of(EventError)
	if len(errs) != 1 {
		t.Fatalf("error events = %d, want 1", len(errs))
	}
	if f := errs[0].(Failure); !f.Fatal || f.Err.Kind != resilience.KindAuth {
		t.Fatalf("failure = %+v, want fatal auth", f)
	}
	if n := len(rec.of(EventRetryAttempt)); n != 0 {
		t.Fatalf("retry events = %d, want 0", n)
	}
	if m.State() != StateError {
		t.Fatalf("state = %v, want error", m.State())
	}
}

func TestReconnect_StableStreamResetsBudget(t *testing.T) {
	p := &mock.Provider{}
	cfg := testConfig()
	cfg.AutoReconnect = true
	cfg.MaxRetries = 1
	cfg.StableAfter = 100 * time.Millisecond
	m := newManager(t, p, cfg)
	rec := record(m)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	for i := 2; i <= 3; i++ {
		time.Sleep(2 * cfg.StableAfter)
		p.Last().Emit(stt.CloseEvent{Code: 1006})
		waitFor(t, "reconnect after a stable stream", func() bool { return len(rec.of(EventConnected)) == i })
	}
	if n := len(rec.of(EventError)); n != 0 {
		t.Fatalf("error events = %d, stable streams must not exhaust the budget", n)
	}

	// The fresh stream has not proven stable, so this drop exceeds MaxRetries.
	p.Last().Emit(stt.CloseEvent{Code: 1006})
	waitFor(t, "fatal failure", func() bool { return len(rec.of(EventError)) == 1 })
	if f := rec.of(EventError)[0].(Failure); !f.Fatal {
		t.Fatalf("failure = %+v, want fatal", f)
	}
	if p.StreamCount() != 3 {
		t.Fatalf("streams = %d, want 3", p.StreamCount())
	}
}

func TestStreamError_RateLimitWhileConnected(t *testing.T) {
	p := &mock.Provider{}
	cfg := testConfig()
	cfg.AutoReconnect = true
	m := newManager(t, p, cfg)
	rec := record(m)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	p.Last().Emit(stt.ErrorEvent{Err: errors.New("429 Too Many Requests")})

	rl := rec.of(EventRateLimit)
	if len(rl) != 1 || rl[0].(RateLimited).Err.Kind != resilience.KindRateLimit {
		t.Fatalf("rate-limit events = %+v, want one", rl)
	}
	if rl[0].(RateLimited).RetryAfter != resilience.DefaultRateLimitRetryAfter {
		t.Fatalf("retry after = %v", rl[0].(RateLimited).RetryAfter)
	}
	errs := rec.of(EventError)
	if len(errs) != 1 || errs[0].(Failure).Fatal {
		t.Fatalf("error events = %+v, want one transient", errs)
	}
	waitFor(t, "reconnect", func() bool { return len(rec.of(EventConnected)) == 2 })
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateError, "error"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d) = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestState_TextRoundTrip(t *testing.T) {
	for st := StateDisconnected; st <= StateError; st++ {
		b, err := st.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%v): %v", st, err)
		}
		var back State
		if err := back.UnmarshalText(b); err != nil || back != st {
			t.Errorf("UnmarshalText(%q) = %v, %v; want %v", b, back, err, st)
		}
	}
	var s State
	if err := s.UnmarshalText([]byte("sideways")); err == nil {
		t.Error("unknown state accepted")
	}
}
