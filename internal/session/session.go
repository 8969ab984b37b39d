// Package session is the chat session lifecycle controller: one realtime
// connection per room, joined, hydrated and kept alive across disconnects.
//
// Every change to a Session happens under its mutex. Callbacks from the
// transport, timers and background fetches carry the connection generation
// they were created for and do nothing once that generation has moved on or
// the session was closed.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/weiawesome/wes-io-live/chat-session/internal/auth"
	"github.com/weiawesome/wes-io-live/chat-session/internal/config"
	"github.com/weiawesome/wes-io-live/chat-session/internal/domain"
	"github.com/weiawesome/wes-io-live/chat-session/internal/history"
	"github.com/weiawesome/wes-io-live/chat-session/internal/metrics"
	"github.com/weiawesome/wes-io-live/chat-session/internal/reconnect"
	"github.com/weiawesome/wes-io-live/chat-session/internal/stream"
	"github.com/weiawesome/wes-io-live/chat-session/internal/transport"
	"github.com/weiawesome/wes-io-live/chat-session/internal/typing"
	"github.com/weiawesome/wes-io-live/chat-session/pkg/log"
)

// Deps are the collaborators a Session talks to.
type Deps struct {
	Transport transport.Factory
	Auth      auth.Provider
	// History is optional. Without it the list starts empty.
	History history.Store
	Clock   clockwork.Clock
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Snapshot is a read-only copy of a session's visible state.
type Snapshot struct {
	Room           domain.Room
	ParticipantID  string
	Status         domain.Status
	LastError      *domain.SessionError
	Attempt        int
	RetryDelay     time.Duration
	Messages       []domain.Message
	Typing         []typing.Entry
	HasMoreHistory bool
}

type sendTimer struct {
	timer clockwork.Timer
}

type Session struct {
	room       domain.Room
	cfg        config.SessionConfig
	deps       Deps
	clock      clockwork.Clock
	baseLogger zerolog.Logger

	mu          sync.Mutex
	logger      zerolog.Logger
	status      domain.Status
	lastErr     *domain.SessionError
	gen         uint64
	ctx         context.Context
	cancel      context.CancelFunc
	handle      transport.Handle
	joinTimer   clockwork.Timer
	retryTimer  clockwork.Timer
	sweepTimer  clockwork.Timer
	sendTimers  map[string]*sendTimer
	policy      *reconnect.Policy
	attempt     reconnect.Attempt
	stream      *stream.Stream
	typing      *typing.Tracker
	participant string
	typingOn    bool
	typingAt    time.Time
	hydrated    bool
	moreHistory bool

	updates       chan struct{}
	updatesClosed bool
}

// New creates an idle session for room. Nothing happens until Start.
func New(room domain.Room, cfg *config.Config, deps Deps) *Session {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	logger := log.ForRoom(deps.Logger, room.ID, string(room.Kind))

	return &Session{
		room:        room,
		cfg:         cfg.Session,
		deps:        deps,
		clock:       deps.Clock,
		baseLogger:  logger,
		logger:      logger,
		status:      domain.StatusIdle,
		ctx:         context.Background(),
		sendTimers:  make(map[string]*sendTimer),
		policy:      reconnect.New(cfg.Reconnect),
		stream:      stream.New(room.ID, "", cfg.Session.EchoMatchWindow),
		typing:      typing.NewTracker(cfg.Session.TypingTTL, ""),
		moreHistory: deps.History != nil,
		updates:     make(chan struct{}, 1),
	}
}

func (s *Session) Room() domain.Room {
	return s.room
}

func (s *Session) Status() domain.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Updates signals that the snapshot changed. Signals coalesce; the channel is
// closed when the session closes.
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

// Snapshot returns a deep copy of the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Room:           s.room,
		ParticipantID:  s.participant,
		Status:         s.status,
		Attempt:        s.attempt.Number,
		RetryDelay:     s.attempt.Delay,
		Messages:       s.stream.Snapshot(),
		Typing:         s.typing.Active(s.clock.Now()),
		HasMoreHistory: s.moreHistory,
	}
	if s.lastErr != nil {
		e := *s.lastErr
		snap.LastError = &e
	}
	return snap
}

// Start begins connecting. Calling it again on a started session is a no-op.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.status {
	case domain.StatusClosed:
		return domain.ErrSessionClosed
	case domain.StatusError:
		return domain.ErrSessionTerminal
	case domain.StatusIdle:
	default:
		return nil
	}
	s.transitionLocked(EventStart)
	s.beginAttemptLocked()
	return nil
}

// Send appends an optimistic entry and forwards it when the room is joined.
// Sends made while not joined go out after the next successful join.
func (s *Session) Send(content string) (domain.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.Message{}, domain.ErrEmptyContent
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usableLocked(); err != nil {
		return domain.Message{}, err
	}
	m := s.stream.AddPending(content, s.clock.Now())
	s.armSendTimerLocked(m.ClientTempID)
	if s.status == domain.StatusActive {
		s.forwardLocked(m)
	}
	s.notifyLocked()
	return m, nil
}

// Retry re-sends a failed entry with its original client temp id.
func (s *Session) Retry(clientTempID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usableLocked(); err != nil {
		return err
	}
	m, err := s.stream.Retry(clientTempID)
	if err != nil {
		return err
	}
	s.armSendTimerLocked(clientTempID)
	if s.status == domain.StatusActive {
		s.forwardLocked(m)
	}
	s.notifyLocked()
	return nil
}

// Discard removes a failed entry.
func (s *Session) Discard(clientTempID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == domain.StatusClosed {
		return domain.ErrSessionClosed
	}
	if err := s.stream.Discard(clientTempID); err != nil {
		return err
	}
	s.notifyLocked()
	return nil
}

// SetTyping tells the room the local participant started or stopped typing.
// Start notices are throttled.
func (s *Session) SetTyping(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.joinedLocked(); err != nil {
		return err
	}
	payload := domain.TypingPayload{RoomID: s.room.ID, ParticipantID: s.participant}
	now := s.clock.Now()

	if !on {
		if !s.typingOn {
			return nil
		}
		s.typingOn = false
		return s.handle.Send(domain.EventStopTyping, payload)
	}
	if s.typingOn && now.Sub(s.typingAt) < s.cfg.TypingThrottle {
		return nil
	}
	if err := s.handle.Send(domain.EventTyping, payload); err != nil {
		return err
	}
	s.typingOn = true
	s.typingAt = now
	return nil
}

// React adds the local participant's symbol to a confirmed message. The
// change shows once the server echoes it.
func (s *Session) React(messageID, symbol string) error {
	return s.sendReaction(domain.EventAddReaction, messageID, symbol)
}

// Unreact removes the local participant's symbol from a message.
func (s *Session) Unreact(messageID, symbol string) error {
	return s.sendReaction(domain.EventRemoveReaction, messageID, symbol)
}

func (s *Session) sendReaction(event, messageID, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.joinedLocked(); err != nil {
		return err
	}
	if messageID == "" || symbol == "" || !s.stream.Has(messageID) {
		return domain.ErrUnknownMessage
	}
	return s.handle.Send(event, domain.ReactionPayload{
		RoomID:    s.room.ID,
		MessageID: messageID,
		Symbol:    symbol,
	})
}

// LoadOlder fetches the page before the oldest confirmed message and merges
// it. It returns how many entries were added.
func (s *Session) LoadOlder(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.status == domain.StatusClosed {
		s.mu.Unlock()
		return 0, domain.ErrSessionClosed
	}
	if s.deps.History == nil || !s.moreHistory {
		s.mu.Unlock()
		return 0, nil
	}
	cursor := s.stream.OldestID()
	limit := history.ClampLimit(s.cfg.HistoryPageSize)
	s.mu.Unlock()

	msgs, err := s.deps.History.FetchHistory(ctx, s.room.ID, cursor, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to load older messages: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == domain.StatusClosed {
		return 0, domain.ErrSessionClosed
	}
	if len(msgs) < limit {
		s.moreHistory = false
	}
	n := s.mergeLocked(msgs)
	s.notifyLocked()
	return n, nil
}

// Reconnect drops the current connection, resets the attempt counter and
// connects again immediately.
func (s *Session) Reconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.status {
	case domain.StatusClosed:
		return domain.ErrSessionClosed
	case domain.StatusError:
		return domain.ErrSessionTerminal
	case domain.StatusIdle:
		s.transitionLocked(EventStart)
		s.beginAttemptLocked()
		return nil
	}

	s.policy.Reset()
	s.attempt = reconnect.Attempt{}
	s.lastErr = nil
	s.logger.Info().Msg("manual reconnect")
	s.transitionLocked(EventManualReconnect)
	s.beginAttemptLocked()
	return nil
}

// Close tears the session down. When it returns the transport is
// disconnected, every timer is stopped, and no callback can change the
// session any more.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == domain.StatusClosed {
		return
	}
	if s.status == domain.StatusActive && s.handle != nil {
		_ = s.handle.Send(domain.EventLeave, domain.LeavePayload{RoomID: s.room.ID})
	}
	s.teardownLocked()
	s.stopTimersLocked()
	s.typing.Clear()
	s.transitionLocked(EventClose)
	close(s.updates)
	s.updatesClosed = true
}

func (s *Session) usableLocked() error {
	switch s.status {
	case domain.StatusClosed:
		return domain.ErrSessionClosed
	case domain.StatusError:
		return domain.ErrSessionTerminal
	}
	return nil
}

func (s *Session) joinedLocked() error {
	if err := s.usableLocked(); err != nil {
		return err
	}
	if s.status != domain.StatusActive || s.handle == nil {
		return domain.ErrNotConnected
	}
	return nil
}

func (s *Session) transitionLocked(e Event) bool {
	next, ok := Next(s.status, e)
	if !ok {
		s.logger.Debug().
			Str(log.FieldState, string(s.status)).
			Str(log.FieldEvent, string(e)).
			Msg("event ignored")
		return false
	}
	prev := s.status
	s.status = next
	s.deps.Metrics.ObserveTransition(string(prev), string(next))
	s.logger.Info().
		Str(log.FieldFromState, string(prev)).
		Str(log.FieldState, string(next)).
		Str(log.FieldEvent, string(e)).
		Msg("session transition")
	s.notifyLocked()
	return true
}

func (s *Session) notifyLocked() {
	if s.updatesClosed {
		return
	}
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

func (s *Session) setParticipantLocked(id string) {
	if id == "" || id == s.participant {
		return
	}
	s.participant = id
	s.stream.SetSelf(id)
	s.typing.SetSelf(id)
	s.logger = s.baseLogger.With().Str(log.FieldParticipantID, id).Logger()
}

func (s *Session) forwardLocked(m domain.Message) {
	if s.handle == nil {
		return
	}
	err := s.handle.Send(domain.EventSendMessage, domain.SendMessagePayload{
		RoomID:       s.room.ID,
		ClientTempID: m.ClientTempID,
		Content:      m.Content,
	})
	if err != nil {
		// Still pending; it goes out again after the next join.
		s.logger.Debug().Err(err).Str(log.FieldClientTempID, m.ClientTempID).Msg("send deferred")
	}
}

func (s *Session) mergeLocked(msgs []domain.Message) int {
	before := s.stream.Len()
	n := s.stream.Merge(msgs, s.clock.Now())
	for i := n; i < len(msgs); i++ {
		s.deps.Metrics.ObserveDuplicate()
	}
	if n > 0 || s.stream.Len() != before {
		s.reapSendTimersLocked()
	}
	return n
}

func (s *Session) armSendTimerLocked(tempID string) {
	if prev, ok := s.sendTimers[tempID]; ok {
		prev.timer.Stop()
	}
	st := &sendTimer{}
	st.timer = s.clock.AfterFunc(s.cfg.SendTimeout, func() { s.onSendTimeout(tempID, st) })
	s.sendTimers[tempID] = st
}

func (s *Session) onSendTimeout(tempID string, st *sendTimer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() || s.sendTimers[tempID] != st {
		return
	}
	delete(s.sendTimers, tempID)
	if s.stream.Fail(tempID) {
		s.deps.Metrics.ObserveSendTimeout()
		s.logger.Warn().Str(log.FieldClientTempID, tempID).Msg("send timed out")
		s.notifyLocked()
	}
}

// reapSendTimersLocked stops the timers of sends that are no longer pending.
func (s *Session) reapSendTimersLocked() {
	for id, st := range s.sendTimers {
		if !s.stream.IsPending(id) {
			st.timer.Stop()
			delete(s.sendTimers, id)
		}
	}
}

func (s *Session) ensureSweepLocked() {
	if s.sweepTimer != nil || s.typing.Len() == 0 || s.cfg.TypingSweep <= 0 {
		return
	}
	s.sweepTimer = s.clock.AfterFunc(s.cfg.TypingSweep, s.onSweep)
}

func (s *Session) onSweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() {
		return
	}
	s.sweepTimer = nil
	if s.typing.Prune(s.clock.Now()) {
		s.notifyLocked()
	}
	s.ensureSweepLocked()
}

func (s *Session) stopTimersLocked() {
	stopTimer(&s.joinTimer)
	stopTimer(&s.retryTimer)
	stopTimer(&s.sweepTimer)
	for id, st := range s.sendTimers {
		st.timer.Stop()
		delete(s.sendTimers, id)
	}
}

func stopTimer(t *clockwork.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
