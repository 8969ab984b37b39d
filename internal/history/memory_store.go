package history

import (
	"context"
	"sort"
	"sync"

	"github.com/weiawesome/wes-io-live/chat-session/internal/domain"
)

// MemoryStore is an in-process Log for tests and the dev relay.
type MemoryStore struct {
	mu     sync.RWMutex
	rooms  map[string][]domain.Message
	byTemp map[string]map[string]domain.Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:  make(map[string][]domain.Message),
		byTemp: make(map[string]map[string]domain.Message),
	}
}

func (s *MemoryStore) Append(_ context.Context, m domain.Message) (domain.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ClientTempID != "" {
		if existing, ok := s.byTemp[m.RoomID][tempKey(m.SenderID, m.ClientTempID)]; ok {
			return existing.Clone(), true, nil
		}
	}

	m = m.Clone()
	msgs := s.rooms[m.RoomID]
	i := sort.Search(len(msgs), func(i int) bool { return msgs[i].CreatedAt.After(m.CreatedAt) })
	msgs = append(msgs, domain.Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = m
	s.rooms[m.RoomID] = msgs

	if m.ClientTempID != "" {
		if s.byTemp[m.RoomID] == nil {
			s.byTemp[m.RoomID] = make(map[string]domain.Message)
		}
		s.byTemp[m.RoomID][tempKey(m.SenderID, m.ClientTempID)] = m
	}
	return m.Clone(), false, nil
}

func (s *MemoryStore) FetchHistory(_ context.Context, roomID, before string, limit int) ([]domain.Message, error) {
	limit = ClampLimit(limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.rooms[roomID]
	end := len(msgs)
	if before != "" {
		end = -1
		for i, m := range msgs {
			if m.ID == before {
				end = i
				break
			}
		}
		if end < 0 {
			return []domain.Message{}, nil
		}
	}
	start := end - limit
	if start < 0 {
		start = 0
	}

	out := make([]domain.Message, 0, end-start)
	for _, m := range msgs[start:end] {
		out = append(out, m.Clone())
	}
	return out, nil
}

func (s *MemoryStore) React(_ context.Context, roomID, messageID, symbol, userID string, add bool) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.rooms[roomID]
	for i := range msgs {
		if msgs[i].ID != messageID {
			continue
		}
		applyReaction(&msgs[i], symbol, userID, add)
		if m := msgs[i]; m.ClientTempID != "" {
			s.byTemp[roomID][tempKey(m.SenderID, m.ClientTempID)] = m.Clone()
		}
		return msgs[i].Clone(), nil
	}
	return domain.Message{}, domain.ErrUnknownMessage
}

func (s *MemoryStore) Close() error {
	return nil
}
