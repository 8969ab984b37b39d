package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/weiawesome/wes-io-live/chat-session/internal/auth"
	"github.com/weiawesome/wes-io-live/chat-session/internal/config"
	"github.com/weiawesome/wes-io-live/chat-session/internal/domain"
	"github.com/weiawesome/wes-io-live/chat-session/internal/history"
	"github.com/weiawesome/wes-io-live/chat-session/internal/metrics"
	"github.com/weiawesome/wes-io-live/chat-session/internal/transport"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeServer plays the remote side of every handle it creates.
type fakeServer struct {
	mu         sync.Mutex
	handles    []*fakeHandle
	connectErr error
	// onJoin runs in its own goroutine when a handle sends join.
	onJoin func(h *fakeHandle, p domain.JoinPayload)
}

func acceptJoin(h *fakeHandle, p domain.JoinPayload) {
	h.push(domain.EventJoined, domain.JoinedPayload{RoomID: p.RoomID})
}

func rejectJoin(reason string) func(*fakeHandle, domain.JoinPayload) {
	return func(h *fakeHandle, p domain.JoinPayload) {
		h.push(domain.EventJoinError, domain.JoinErrorPayload{RoomID: p.RoomID, Reason: reason})
	}
}

func (f *fakeServer) NewHandle() transport.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := &fakeHandle{server: f, handlers: make(map[string]map[int]transport.Handler)}
	f.handles = append(f.handles, h)
	return h
}

func (f *fakeServer) setConnectErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

func (f *fakeServer) setOnJoin(fn func(*fakeHandle, domain.JoinPayload)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onJoin = fn
}

func (f *fakeServer) handleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles)
}

func (f *fakeServer) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, h := range f.handles {
		if h.connectCalled() {
			n++
		}
	}
	return n
}

func (f *fakeServer) last() *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.handles) == 0 {
		return nil
	}
	return f.handles[len(f.handles)-1]
}

type fakeHandle struct {
	server *fakeServer

	mu        sync.Mutex
	connected bool
	connectOK bool
	closed    bool
	handlers  map[string]map[int]transport.Handler
	nextID    int
	sent      []domain.Frame
}

func (h *fakeHandle) Connect(_ context.Context, _ domain.Credential) error {
	h.server.mu.Lock()
	err := h.server.connectErr
	h.server.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return domain.ErrHandleClosed
	}
	if h.connected || h.connectOK {
		return domain.ErrAlreadyConnected
	}
	h.connected = true
	if err != nil {
		return err
	}
	h.connectOK = true
	return nil
}

func (h *fakeHandle) Send(event string, payload interface{}) error {
	frame, err := domain.NewFrame(event, payload)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if !h.connectOK || h.closed {
		h.mu.Unlock()
		return domain.ErrNotConnected
	}
	h.sent = append(h.sent, frame)
	h.mu.Unlock()

	if event == domain.EventJoin {
		h.server.mu.Lock()
		onJoin := h.server.onJoin
		h.server.mu.Unlock()
		if onJoin != nil {
			go onJoin(h, payload.(domain.JoinPayload))
		}
	}
	return nil
}

func (h *fakeHandle) On(event string, fn transport.Handler) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return func() {}
	}
	h.nextID++
	id := h.nextID
	if h.handlers[event] == nil {
		h.handlers[event] = make(map[int]transport.Handler)
	}
	h.handlers[event][id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.handlers[event], id)
	}
}

func (h *fakeHandle) Disconnect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.handlers = make(map[string]map[int]transport.Handler)
}

// push delivers a server frame to the registered handlers.
func (h *fakeHandle) push(event string, payload interface{}) {
	frame, err := domain.NewFrame(event, payload)
	if err != nil {
		panic(err)
	}
	h.mu.Lock()
	var fns []transport.Handler
	for _, fn := range h.handlers[event] {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(frame)
	}
}

// pushRaw bypasses the handler reset done by Disconnect, as a transport
// whose read loop was mid-dispatch would.
func (h *fakeHandle) pushRaw(fns []transport.Handler, event string, payload interface{}) {
	frame, _ := domain.NewFrame(event, payload)
	for _, fn := range fns {
		fn(frame)
	}
}

func (h *fakeHandle) handlersFor(event string) []transport.Handler {
	h.mu.Lock()
	defer h.mu.Unlock()
	var fns []transport.Handler
	for _, fn := range h.handlers[event] {
		fns = append(fns, fn)
	}
	return fns
}

func (h *fakeHandle) connectCalled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *fakeHandle) frames(event string) []domain.Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []domain.Frame
	for _, f := range h.sent {
		if f.Type == event {
			out = append(out, f)
		}
	}
	return out
}

type testEnv struct {
	server  *fakeServer
	clock   clockwork.FakeClock
	store   *history.MemoryStore
	metrics *metrics.Metrics
	cfg     *config.Config
}

func newTestEnv() *testEnv {
	cfg := config.Default()
	cfg.Session.JoinTimeout = 5 * time.Second
	cfg.Session.SendTimeout = 10 * time.Second
	cfg.Session.EchoMatchWindow = 10 * time.Second
	cfg.Session.TypingTTL = 5 * time.Second
	cfg.Session.TypingSweep = 2 * time.Second
	cfg.Session.TypingThrottle = 2 * time.Second
	cfg.Session.HistoryPageSize = 50
	cfg.Reconnect = config.ReconnectConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
	}
	return &testEnv{
		server:  &fakeServer{onJoin: acceptJoin},
		clock:   clockwork.NewFakeClockAt(t0),
		store:   history.NewMemoryStore(),
		metrics: metrics.New(),
		cfg:     cfg,
	}
}

func (e *testEnv) deps(provider auth.Provider) Deps {
	return Deps{
		Transport: e.server,
		Auth:      provider,
		History:   e.store,
		Clock:     e.clock,
		Logger:    zerolog.Nop(),
		Metrics:   e.metrics,
	}
}

var me = auth.StaticProvider{Token: "tok", ParticipantID: "me"}

func (e *testEnv) session(t *testing.T, roomID string) *Session {
	t.Helper()
	s := New(domain.Room{ID: roomID, Kind: domain.RoomGroup}, e.cfg, e.deps(me))
	t.Cleanup(s.Close)
	return s
}

func (e *testEnv) seed(t *testing.T, roomID string, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		_, _, err := e.store.Append(context.Background(), confirmed(roomID, i))
		require.NoError(t, err)
	}
}

func confirmed(roomID string, i int) domain.Message {
	return domain.Message{
		ID:        msgID(i),
		RoomID:    roomID,
		SenderID:  "bob",
		Content:   "line " + msgID(i),
		CreatedAt: t0.Add(-time.Hour + time.Duration(i)*time.Second),
	}
}

func msgID(i int) string {
	return "m" + string(rune('0'+i/100)) + string(rune('0'+(i/10)%10)) + string(rune('0'+i%10))
}

const wait = 2 * time.Second
const tick = 5 * time.Millisecond

func waitStatus(t *testing.T, s *Session, want domain.Status) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Status() == want }, wait, tick,
		"status never became %s (now %s)", want, s.Status())
}

func waitSnapshot(t *testing.T, s *Session, cond func(Snapshot) bool, msg string) Snapshot {
	t.Helper()
	require.Eventually(t, func() bool { return cond(s.Snapshot()) }, wait, tick, msg)
	return s.Snapshot()
}

func startActive(t *testing.T, s *Session) {
	t.Helper()
	require.NoError(t, s.Start())
	waitStatus(t, s, domain.StatusActive)
}
