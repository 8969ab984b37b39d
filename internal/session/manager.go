package session

import (
	"fmt"
	"sync"

	"github.com/weiawesome/wes-io-live/chat-session/internal/config"
	"github.com/weiawesome/wes-io-live/chat-session/internal/domain"
	"github.com/weiawesome/wes-io-live/chat-session/pkg/log"
)

type managed struct {
	session *Session
	refs    int
}

// Manager keeps at most one live Session per room and shares it between the
// screens showing that room.
type Manager struct {
	cfg  *config.Config
	deps Deps

	mu       sync.Mutex
	sessions map[string]*managed
	closed   bool
}

func NewManager(cfg *config.Config, deps Deps) *Manager {
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		sessions: make(map[string]*managed),
	}
}

// Acquire returns the started session for room, creating it when there is
// none or when the previous one reached a terminal state. The caller must
// call release once it no longer shows the room; the last release closes the
// session.
func (m *Manager) Acquire(room domain.Room) (*Session, func(), error) {
	if room.ID == "" {
		return nil, nil, fmt.Errorf("room id is required")
	}
	if _, err := domain.ParseRoomKind(string(room.Kind)); err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, nil, domain.ErrSessionClosed
	}

	key := room.Key()
	entry, ok := m.sessions[key]
	if ok && entry.session.Status().Terminal() {
		m.deps.Logger.Info().Str(log.FieldRoomID, room.ID).Msg("replacing terminal session")
		entry.session.Close()
		delete(m.sessions, key)
		ok = false
	}
	if !ok {
		entry = &managed{session: New(room, m.cfg, m.deps)}
		m.sessions[key] = entry
		if err := entry.session.Start(); err != nil {
			delete(m.sessions, key)
			return nil, nil, err
		}
	}
	entry.refs++

	var once sync.Once
	release := func() {
		once.Do(func() { m.release(key, entry) })
	}
	return entry.session, release, nil
}

func (m *Manager) release(key string, entry *managed) {
	m.mu.Lock()
	entry.refs--
	last := entry.refs <= 0
	if last && m.sessions[key] == entry {
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	if last {
		entry.session.Close()
	}
}

// Len is the number of rooms with a session.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close closes every session. Acquire fails afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for key, entry := range m.sessions {
		sessions = append(sessions, entry.session)
		delete(m.sessions, key)
	}
	m.closed = true
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
