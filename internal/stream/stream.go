// Package stream merges history pages, live pushes and optimistic local sends
// into one ordered, de-duplicated message list.
//
// The list is sorted by CreatedAt ascending with ties kept in arrival order,
// and a server id appears at most once. A Stream is single-writer: it is not
// safe for concurrent use and the owning session serializes every call.
package stream

import (
	"time"

	"github.com/google/uuid"
	"github.com/weiawesome/wes-io-live/chat-session/internal/domain"
)

// Outcome describes what a merge did with one incoming message.
type Outcome int

const (
	// Dropped means the message carried no id or belonged to another room.
	Dropped Outcome = iota
	// Duplicate means a message with the same id was already listed.
	Duplicate
	// Inserted means the message was added at its sorted position.
	Inserted
	// Promoted means the message confirmed a local pending send in place.
	Promoted
)

func (o Outcome) String() string {
	switch o {
	case Duplicate:
		return "duplicate"
	case Inserted:
		return "inserted"
	case Promoted:
		return "promoted"
	default:
		return "dropped"
	}
}

// Stream holds one room's visible message list.
type Stream struct {
	roomID     string
	self       string
	echoWindow time.Duration
	newTempID  func() string

	list []domain.Message
	ids  map[string]struct{}
}

// New creates an empty stream for roomID. self is the local participant id,
// used to match server echoes that lost their client temp id. echoWindow
// bounds how far apart a pending send and its echo may be stamped.
func New(roomID, self string, echoWindow time.Duration) *Stream {
	return &Stream{
		roomID:     roomID,
		self:       self,
		echoWindow: echoWindow,
		newTempID:  func() string { return uuid.New().String() },
		ids:        make(map[string]struct{}),
	}
}

// Len is the number of visible entries, pending and failed ones included.
func (s *Stream) Len() int {
	return len(s.list)
}

// Has reports whether a confirmed message with id is listed.
func (s *Stream) Has(id string) bool {
	_, ok := s.ids[id]
	return ok
}

// Snapshot returns a deep copy of the visible list.
func (s *Stream) Snapshot() []domain.Message {
	out := make([]domain.Message, len(s.list))
	for i, m := range s.list {
		out[i] = m.Clone()
	}
	return out
}

// Merge folds a batch (a history page or a history push) into the list and
// returns how many entries were inserted or promoted.
func (s *Stream) Merge(msgs []domain.Message, now time.Time) int {
	changed := 0
	for _, m := range msgs {
		switch s.Push(m, now) {
		case Inserted, Promoted:
			changed++
		}
	}
	return changed
}

// Push merges one confirmed server message.
func (s *Stream) Push(m domain.Message, now time.Time) Outcome {
	if m.ID == "" {
		return Dropped
	}
	if m.RoomID != "" && m.RoomID != s.roomID {
		return Dropped
	}
	m.RoomID = s.roomID
	m.State = domain.MessageConfirmed
	m.Error = ""
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.Reactions = m.Reactions.Clone()

	if i := s.matchPending(m); i >= 0 {
		if _, dup := s.ids[m.ID]; dup {
			// The confirmed copy arrived first, through history. The
			// placeholder goes away rather than listing the message twice.
			s.removeAt(i)
			return Duplicate
		}
		m.ClientTempID = s.list[i].ClientTempID
		s.list[i] = m
		s.ids[m.ID] = struct{}{}
		s.restoreOrder(i)
		return Promoted
	}

	if _, dup := s.ids[m.ID]; dup {
		return Duplicate
	}
	s.insertSorted(m)
	s.ids[m.ID] = struct{}{}
	return Inserted
}

// AddPending appends an optimistic local send and returns it. Its CreatedAt is
// never earlier than the current tail so the list stays sorted.
func (s *Stream) AddPending(content string, now time.Time) domain.Message {
	createdAt := now
	if n := len(s.list); n > 0 && s.list[n-1].CreatedAt.After(createdAt) {
		createdAt = s.list[n-1].CreatedAt
	}
	m := domain.Message{
		RoomID:       s.roomID,
		SenderID:     s.self,
		Content:      content,
		CreatedAt:    createdAt,
		ClientTempID: s.newTempID(),
		State:        domain.MessagePending,
	}
	s.list = append(s.list, m)
	return m.Clone()
}

// Fail marks a still-pending send as failed with SendTimeout. The entry stays
// visible. It reports whether anything changed.
func (s *Stream) Fail(tempID string) bool {
	i := s.indexOfTemp(tempID)
	if i < 0 || s.list[i].State != domain.MessagePending {
		return false
	}
	s.list[i].State = domain.MessageFailed
	s.list[i].Error = domain.ErrSendTimeoutKind
	return true
}

// FailAll marks every pending send failed with kind and returns their client
// temp ids. Used when the session can no longer confirm anything.
func (s *Stream) FailAll(kind domain.ErrorKind) []string {
	var ids []string
	for i := range s.list {
		if s.list[i].State != domain.MessagePending {
			continue
		}
		s.list[i].State = domain.MessageFailed
		s.list[i].Error = kind
		ids = append(ids, s.list[i].ClientTempID)
	}
	return ids
}

// SetSelf records the local participant id once the credential is known.
// Sends queued before that are attributed to it.
func (s *Stream) SetSelf(self string) {
	if self == "" || self == s.self {
		return
	}
	prev := s.self
	s.self = self
	for i := range s.list {
		if s.list[i].ID == "" && s.list[i].SenderID == prev {
			s.list[i].SenderID = self
		}
	}
}

// Retry turns a failed send back into a pending one, keeping its position and
// client temp id.
func (s *Stream) Retry(tempID string) (domain.Message, error) {
	i := s.indexOfTemp(tempID)
	if i < 0 || s.list[i].State != domain.MessageFailed {
		return domain.Message{}, domain.ErrUnknownMessage
	}
	s.list[i].State = domain.MessagePending
	s.list[i].Error = ""
	return s.list[i].Clone(), nil
}

// Discard removes a failed send. Pending and confirmed entries cannot be
// discarded.
func (s *Stream) Discard(tempID string) error {
	i := s.indexOfTemp(tempID)
	if i < 0 || s.list[i].State != domain.MessageFailed {
		return domain.ErrUnknownMessage
	}
	s.removeAt(i)
	return nil
}

// Pending returns the sends still waiting for their echo, in list order.
func (s *Stream) Pending() []domain.Message {
	var out []domain.Message
	for _, m := range s.list {
		if m.State == domain.MessagePending {
			out = append(out, m.Clone())
		}
	}
	return out
}

// IsPending reports whether tempID is still waiting for its echo.
func (s *Stream) IsPending(tempID string) bool {
	i := s.indexOfTemp(tempID)
	return i >= 0 && s.list[i].State == domain.MessagePending
}

// OldestID is the id of the earliest confirmed message, the cursor for the
// next older history page. Empty when nothing is confirmed yet.
func (s *Stream) OldestID() string {
	for _, m := range s.list {
		if m.ID != "" {
			return m.ID
		}
	}
	return ""
}

// ApplyReaction adds or removes userID's symbol on a confirmed message.
func (s *Stream) ApplyReaction(messageID, symbol, userID string, add bool) bool {
	if _, ok := s.ids[messageID]; !ok || symbol == "" || userID == "" {
		return false
	}
	for i := range s.list {
		if s.list[i].ID != messageID {
			continue
		}
		if add {
			if s.list[i].Reactions == nil {
				s.list[i].Reactions = make(domain.Reactions)
			}
			return s.list[i].Reactions.Add(symbol, userID)
		}
		return s.list[i].Reactions.Remove(symbol, userID)
	}
	return false
}

// matchPending finds the local entry m confirms: first by client temp id,
// then by sender, content and a stamp inside the echo window. Failed entries
// match too, since a late echo means the send did land.
func (s *Stream) matchPending(m domain.Message) int {
	if m.ClientTempID != "" {
		i := s.indexOfTemp(m.ClientTempID)
		if i >= 0 && s.list[i].ID == "" {
			return i
		}
		return -1
	}
	if s.self == "" || m.SenderID != s.self {
		return -1
	}
	for i, e := range s.list {
		if e.ID != "" || e.Content != m.Content {
			continue
		}
		if absDuration(m.CreatedAt.Sub(e.CreatedAt)) <= s.echoWindow {
			return i
		}
	}
	return -1
}

func (s *Stream) indexOfTemp(tempID string) int {
	if tempID == "" {
		return -1
	}
	for i, m := range s.list {
		if m.ClientTempID == tempID {
			return i
		}
	}
	return -1
}

// insertSorted places m after every entry stamped at or before it.
func (s *Stream) insertSorted(m domain.Message) {
	j := len(s.list)
	for j > 0 && s.list[j-1].CreatedAt.After(m.CreatedAt) {
		j--
	}
	s.list = append(s.list, domain.Message{})
	copy(s.list[j+1:], s.list[j:])
	s.list[j] = m
}

// restoreOrder keeps a promoted entry in place unless its server stamp now
// disagrees with a neighbour, in which case it moves to its sorted slot.
func (s *Stream) restoreOrder(i int) {
	m := s.list[i]
	beforeOK := i == 0 || !s.list[i-1].CreatedAt.After(m.CreatedAt)
	afterOK := i == len(s.list)-1 || !m.CreatedAt.After(s.list[i+1].CreatedAt)
	if beforeOK && afterOK {
		return
	}
	s.removeAt(i)
	s.insertSorted(m)
}

func (s *Stream) removeAt(i int) {
	copy(s.list[i:], s.list[i+1:])
	s.list[len(s.list)-1] = domain.Message{}
	s.list = s.list[:len(s.list)-1]
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
