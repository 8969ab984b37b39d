package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/weiawesome/wes-io-live/chat-session/internal/auth"
	"github.com/weiawesome/wes-io-live/chat-session/internal/domain"
	"github.com/weiawesome/wes-io-live/chat-session/internal/history"
	"github.com/weiawesome/wes-io-live/chat-session/internal/reconnect"
	"github.com/weiawesome/wes-io-live/chat-session/internal/stream"
	"github.com/weiawesome/wes-io-live/chat-session/internal/transport"
	"github.com/weiawesome/wes-io-live/chat-session/pkg/log"
)

var errJoinTimeout = errors.New("join timed out")

// beginAttemptLocked drops the previous connection and runs credential,
// connect and join for a new generation in the background.
func (s *Session) beginAttemptLocked() {
	s.teardownLocked()
	gen := s.gen
	ctx, cancel := context.WithCancel(context.Background())
	s.ctx = ctx
	s.cancel = cancel
	go s.connect(ctx, gen)
}

// teardownLocked invalidates every callback of the current generation and
// disconnects its transport.
func (s *Session) teardownLocked() {
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.handle != nil {
		s.handle.Disconnect()
		s.handle = nil
	}
	stopTimer(&s.joinTimer)
	stopTimer(&s.retryTimer)
}

func (s *Session) currentLocked(gen uint64) bool {
	return s.gen == gen && !s.status.Terminal()
}

func (s *Session) connect(ctx context.Context, gen uint64) {
	cred, err := auth.Negotiate(ctx, s.deps.Auth)
	if err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()

		if !s.currentLocked(gen) {
			return
		}
		if errors.Is(err, domain.ErrUnauthenticated) {
			s.failLocked(EventUnauthenticated, domain.NewSessionError(domain.ErrUnauthenticatedKind, err))
			return
		}
		s.lostLocked(EventTransportLost, domain.NewSessionError(domain.ErrTransportKind, err))
		return
	}

	s.mu.Lock()
	if !s.currentLocked(gen) {
		s.mu.Unlock()
		return
	}
	s.setParticipantLocked(cred.ParticipantID)
	h := s.deps.Transport.NewHandle()
	s.handle = h
	s.subscribeLocked(h, gen)
	s.mu.Unlock()

	err = h.Connect(ctx, cred)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.currentLocked(gen) {
		h.Disconnect()
		return
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("connect failed")
		s.lostLocked(EventTransportLost, domain.NewSessionError(domain.ErrTransportKind, err))
		return
	}
	s.transitionLocked(EventConnected)

	// One join per connection; the next one needs a new handle.
	err = h.Send(domain.EventJoin, domain.JoinPayload{
		RoomID:        s.room.ID,
		RoomKind:      s.room.Kind,
		ParticipantID: cred.ParticipantID,
		Credential:    cred.Token,
	})
	if err != nil {
		s.lostLocked(EventTransportLost, domain.NewSessionError(domain.ErrTransportKind, err))
		return
	}
	s.joinTimer = s.clock.AfterFunc(s.cfg.JoinTimeout, func() { s.onJoinTimeout(gen) })
}

func (s *Session) subscribeLocked(h transport.Handle, gen uint64) {
	handlers := map[string]func(domain.Frame){
		domain.EventJoined:          s.onJoinedLocked,
		domain.EventJoinError:       s.onJoinErrorLocked,
		domain.EventHistory:         s.onHistoryLocked,
		domain.EventNewMessage:      s.onNewMessageLocked,
		domain.EventUserTyping:      s.onUserTypingLocked,
		domain.EventUserStopTyping:  s.onUserStopTypingLocked,
		domain.EventReactionAdded:   func(f domain.Frame) { s.onReactionLocked(f, true) },
		domain.EventReactionRemoved: func(f domain.Frame) { s.onReactionLocked(f, false) },
		domain.EventDisconnect:      s.onDisconnectLocked,
		domain.EventError:           s.onServerErrorLocked,
	}
	for event, fn := range handlers {
		h.On(event, s.guard(gen, event, fn))
	}
}

// guard serializes fn under the session mutex and drops it when gen is stale.
func (s *Session) guard(gen uint64, event string, fn func(domain.Frame)) transport.Handler {
	return func(f domain.Frame) {
		s.mu.Lock()
		defer s.mu.Unlock()

		if !s.currentLocked(gen) {
			s.logger.Debug().Str(log.FieldEvent, event).Uint64(log.FieldGeneration, gen).Msg("stale frame dropped")
			return
		}
		fn(f)
	}
}

func (s *Session) onJoinTimeout(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.currentLocked(gen) || s.status != domain.StatusJoining {
		return
	}
	s.joinTimer = nil
	s.logger.Warn().Dur("timeout", s.cfg.JoinTimeout).Msg("join timed out")
	s.lostLocked(EventJoinTimeout, domain.NewSessionError(domain.ErrTransportKind, errJoinTimeout))
}

func (s *Session) onRetry(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.currentLocked(gen) || s.status != domain.StatusReconnecting {
		return
	}
	s.retryTimer = nil
	if s.transitionLocked(EventRetry) {
		s.beginAttemptLocked()
	}
}

// lostLocked hands a failed connection to the reconnect policy.
func (s *Session) lostLocked(e Event, cause *domain.SessionError) {
	s.teardownLocked()
	s.typing.Clear()
	s.typingOn = false

	attempt, ok := s.policy.Next(cause)
	if !ok {
		s.failLocked(EventExhausted, &domain.SessionError{
			Kind:   domain.ErrConnectionExhaustedKind,
			Reason: fmt.Sprintf("gave up after %d attempts: %s", s.policy.Attempts(), cause.Reason),
		})
		return
	}

	s.lastErr = cause
	s.attempt = attempt
	if !s.transitionLocked(e) {
		return
	}
	s.deps.Metrics.ObserveReconnect(string(s.room.Kind))
	s.logger.Warn().
		Int(log.FieldAttempt, attempt.Number).
		Dur(log.FieldDelay, attempt.Delay).
		Str(log.FieldErrorKind, string(cause.Kind)).
		Str("reason", cause.Reason).
		Msg("reconnect scheduled")

	gen := s.gen
	s.retryTimer = s.clock.AfterFunc(attempt.Delay, func() { s.onRetry(gen) })
}

// failLocked moves the session to its terminal error state.
func (s *Session) failLocked(e Event, err *domain.SessionError) {
	s.teardownLocked()
	s.lastErr = err
	s.attempt = reconnect.Attempt{Number: s.policy.Attempts()}
	if !s.transitionLocked(e) {
		return
	}
	s.stopTimersLocked()
	s.typing.Clear()
	s.stream.FailAll(err.Kind)
	s.deps.Metrics.ObserveError(string(err.Kind))
	s.logger.Error().
		Str(log.FieldErrorKind, string(err.Kind)).
		Str("reason", err.Reason).
		Msg("session failed")
}

func (s *Session) onJoinedLocked(f domain.Frame) {
	var p domain.JoinedPayload
	if err := f.Decode(&p); err != nil || !s.forRoom(p.RoomID) || s.status != domain.StatusJoining {
		return
	}
	stopTimer(&s.joinTimer)
	s.policy.Reset()
	s.attempt = reconnect.Attempt{}
	s.lastErr = nil
	s.transitionLocked(EventJoined)

	for _, m := range s.stream.Pending() {
		s.forwardLocked(m)
	}
	s.hydrateLocked(s.gen)
}

func (s *Session) onJoinErrorLocked(f domain.Frame) {
	var p domain.JoinErrorPayload
	if err := f.Decode(&p); err != nil || !s.forRoom(p.RoomID) || s.status != domain.StatusJoining {
		return
	}
	reason := p.Reason
	if reason == "" {
		reason = "join rejected"
	}
	s.failLocked(EventJoinRejected, &domain.SessionError{Kind: domain.ErrJoinRejectedKind, Reason: reason})
}

func (s *Session) onDisconnectLocked(f domain.Frame) {
	var p domain.DisconnectPayload
	_ = f.Decode(&p)
	if p.Reason == "" {
		p.Reason = "connection lost"
	}
	s.lostLocked(EventTransportLost, &domain.SessionError{Kind: domain.ErrTransportKind, Reason: p.Reason})
}

func (s *Session) onServerErrorLocked(f domain.Frame) {
	var p domain.ErrorPayload
	_ = f.Decode(&p)
	s.logger.Warn().Str("code", p.Code).Str("message", p.Message).Msg("server error")
}

// hydrateLocked fetches the newest history page for gen in the background.
func (s *Session) hydrateLocked(gen uint64) {
	if s.deps.History == nil {
		return
	}
	ctx := s.ctx
	limit := history.ClampLimit(s.cfg.HistoryPageSize)

	go func() {
		msgs, err := s.deps.History.FetchHistory(ctx, s.room.ID, "", limit)

		s.mu.Lock()
		defer s.mu.Unlock()

		if !s.currentLocked(gen) {
			return
		}
		if err != nil {
			s.logger.Warn().Err(err).Msg("history fetch failed")
			return
		}
		if !s.hydrated {
			s.hydrated = true
			s.moreHistory = len(msgs) >= limit
		}
		if s.mergeLocked(msgs) > 0 {
			s.notifyLocked()
		}
	}()
}

func (s *Session) acceptsPushLocked() bool {
	return s.status == domain.StatusJoining || s.status == domain.StatusActive
}

func (s *Session) forRoom(roomID string) bool {
	return roomID == "" || roomID == s.room.ID
}

func (s *Session) onHistoryLocked(f domain.Frame) {
	var p domain.HistoryPayload
	if err := f.Decode(&p); err != nil || !s.forRoom(p.RoomID) || !s.acceptsPushLocked() {
		return
	}
	if s.mergeLocked(p.Messages) > 0 {
		s.notifyLocked()
	}
}

func (s *Session) onNewMessageLocked(f domain.Frame) {
	var p domain.NewMessagePayload
	if err := f.Decode(&p); err != nil || !s.forRoom(p.RoomID) || !s.acceptsPushLocked() {
		return
	}
	before := s.stream.Len()
	outcome := s.stream.Push(p.Message(), s.clock.Now())
	switch outcome {
	case stream.Inserted, stream.Promoted:
		s.reapSendTimersLocked()
		s.notifyLocked()
	case stream.Duplicate:
		s.deps.Metrics.ObserveDuplicate()
		if s.stream.Len() != before {
			s.reapSendTimersLocked()
			s.notifyLocked()
		}
	}
	s.logger.Debug().Str(log.FieldMessageID, p.ID).Str("outcome", outcome.String()).Msg("message pushed")
}

func (s *Session) onUserTypingLocked(f domain.Frame) {
	var p domain.UserTypingPayload
	if err := f.Decode(&p); err != nil || !s.forRoom(p.RoomID) || !s.acceptsPushLocked() {
		return
	}
	if s.typing.Touch(p.UserID, s.clock.Now()) {
		s.notifyLocked()
	}
	s.ensureSweepLocked()
}

func (s *Session) onUserStopTypingLocked(f domain.Frame) {
	var p domain.UserTypingPayload
	if err := f.Decode(&p); err != nil || !s.forRoom(p.RoomID) || !s.acceptsPushLocked() {
		return
	}
	if s.typing.Stop(p.UserID) {
		s.notifyLocked()
	}
}

func (s *Session) onReactionLocked(f domain.Frame, add bool) {
	var p domain.ReactionPayload
	if err := f.Decode(&p); err != nil || !s.forRoom(p.RoomID) || !s.acceptsPushLocked() {
		return
	}
	if s.stream.ApplyReaction(p.MessageID, p.Symbol, p.UserID, add) {
		s.notifyLocked()
	}
}
