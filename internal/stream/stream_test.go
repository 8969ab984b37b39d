package stream

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiawesome/wes-io-live/chat-session/internal/domain"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(id string, offset time.Duration) domain.Message {
	return domain.Message{
		ID:        id,
		RoomID:    "room-1",
		SenderID:  "bob",
		Content:   "body " + id,
		CreatedAt: t0.Add(offset),
	}
}

func newTestStream() *Stream {
	s := New("room-1", "me", 5*time.Second)
	n := 0
	s.newTempID = func() string {
		n++
		return fmt.Sprintf("tmp-%d", n)
	}
	return s
}

func requireInvariants(t *testing.T, list []domain.Message) {
	t.Helper()
	seen := make(map[string]bool)
	for i, m := range list {
		if i > 0 {
			require.False(t, list[i-1].CreatedAt.After(m.CreatedAt), "list out of order at %d", i)
		}
		if m.ID != "" {
			require.False(t, seen[m.ID], "duplicate id %s", m.ID)
			seen[m.ID] = true
		}
	}
}

func contents(list []domain.Message) []string {
	out := make([]string, 0, len(list))
	for _, m := range list {
		if m.ID != "" {
			out = append(out, m.ID)
		} else {
			out = append(out, m.ClientTempID)
		}
	}
	return out
}

func TestHydrateThenRedeliveryIsIdempotent(t *testing.T) {
	s := newTestStream()
	page := []domain.Message{msg("m1", 1), msg("m2", 2), msg("m3", 3), msg("m4", 4), msg("m5", 5)}

	assert.Equal(t, 5, s.Merge(page, t0))

	// Reconnect redelivers m3 as a push and then the whole page again.
	assert.Equal(t, Duplicate, s.Push(msg("m3", 3), t0))
	assert.Equal(t, 0, s.Merge(page, t0))

	list := s.Snapshot()
	require.Len(t, list, 5)
	assert.Equal(t, []string{"m1", "m2", "m3", "m4", "m5"}, contents(list))
	requireInvariants(t, list)
}

func TestPushInsertsInCreatedAtOrder(t *testing.T) {
	s := newTestStream()
	s.Push(msg("b", 2*time.Second), t0)
	s.Push(msg("d", 4*time.Second), t0)
	s.Push(msg("a", time.Second), t0)
	s.Push(msg("c", 2*time.Second), t0) // tie with b, arrives later

	assert.Equal(t, []string{"a", "b", "c", "d"}, contents(s.Snapshot()))
}

func TestPushDropsForeignRoomAndMissingID(t *testing.T) {
	s := newTestStream()
	other := msg("x", 0)
	other.RoomID = "room-2"

	assert.Equal(t, Dropped, s.Push(other, t0))
	assert.Equal(t, Dropped, s.Push(domain.Message{Content: "no id"}, t0))
	assert.Equal(t, 0, s.Len())
}

func TestSendThenEchoReplacesInPlace(t *testing.T) {
	s := newTestStream()
	s.Merge([]domain.Message{msg("m1", 0)}, t0)

	p := s.AddPending("hi", t0.Add(time.Second))
	assert.Equal(t, domain.MessagePending, p.State)
	assert.Equal(t, 2, s.Len())

	echo := domain.Message{
		ID:           "m2",
		RoomID:       "room-1",
		SenderID:     "me",
		Content:      "hi",
		CreatedAt:    t0.Add(time.Second + 20*time.Millisecond),
		ClientTempID: p.ClientTempID,
	}
	assert.Equal(t, Promoted, s.Push(echo, t0))

	list := s.Snapshot()
	require.Len(t, list, 2)
	assert.Equal(t, "m2", list[1].ID)
	assert.Equal(t, p.ClientTempID, list[1].ClientTempID)
	assert.False(t, list[1].IsPending())
	assert.Empty(t, s.Pending())

	// A second delivery of the same echo is a plain duplicate.
	assert.Equal(t, Duplicate, s.Push(echo, t0))
	assert.Equal(t, 2, s.Len())
}

func TestEchoWithoutTempIDUsesHeuristic(t *testing.T) {
	s := newTestStream()
	p := s.AddPending("gg", t0)

	// Someone else's identical text is not our echo.
	fromBob := domain.Message{ID: "b1", SenderID: "bob", Content: "gg", CreatedAt: t0.Add(time.Second)}
	assert.Equal(t, Inserted, s.Push(fromBob, t0))

	// Outside the window is not our echo either.
	late := domain.Message{ID: "x1", SenderID: "me", Content: "gg", CreatedAt: t0.Add(time.Minute)}
	assert.Equal(t, Inserted, s.Push(late, t0))
	assert.True(t, s.IsPending(p.ClientTempID))

	echo := domain.Message{ID: "e1", SenderID: "me", Content: "gg", CreatedAt: t0.Add(2 * time.Second)}
	assert.Equal(t, Promoted, s.Push(echo, t0))
	assert.False(t, s.IsPending(p.ClientTempID))
	assert.Equal(t, 3, s.Len())
	requireInvariants(t, s.Snapshot())
}

func TestPromotionMovesWhenServerStampDisagrees(t *testing.T) {
	s := newTestStream()
	s.Push(msg("m1", 10*time.Second), t0)
	p := s.AddPending("first", t0.Add(11*time.Second))
	s.Push(msg("m2", 12*time.Second), t0)

	// Server stamped our message after m2.
	echo := domain.Message{ID: "m3", SenderID: "me", Content: "first", CreatedAt: t0.Add(13 * time.Second), ClientTempID: p.ClientTempID}
	require.Equal(t, Promoted, s.Push(echo, t0))

	assert.Equal(t, []string{"m1", "m2", "m3"}, contents(s.Snapshot()))
}

func TestPendingAfterHistoryAlreadyConfirmed(t *testing.T) {
	s := newTestStream()
	p := s.AddPending("hello", t0)

	confirmed := domain.Message{ID: "m9", SenderID: "me", Content: "hello", CreatedAt: t0, ClientTempID: "other"}
	s.Push(confirmed, t0)

	// Echo for our pending carries the id that history already listed.
	echo := confirmed
	echo.ClientTempID = p.ClientTempID
	assert.Equal(t, Duplicate, s.Push(echo, t0))
	assert.Equal(t, 1, s.Len())
	requireInvariants(t, s.Snapshot())
}

func TestFailRetryDiscard(t *testing.T) {
	s := newTestStream()
	p := s.AddPending("lost", t0)

	require.True(t, s.Fail(p.ClientTempID))
	assert.False(t, s.Fail(p.ClientTempID), "already failed")

	list := s.Snapshot()
	require.Len(t, list, 1, "failed sends stay visible")
	assert.Equal(t, domain.MessageFailed, list[0].State)
	assert.Equal(t, domain.ErrSendTimeoutKind, list[0].Error)

	r, err := s.Retry(p.ClientTempID)
	require.NoError(t, err)
	assert.Equal(t, p.ClientTempID, r.ClientTempID)
	assert.True(t, s.IsPending(p.ClientTempID))

	_, err = s.Retry(p.ClientTempID)
	assert.ErrorIs(t, err, domain.ErrUnknownMessage)
	assert.ErrorIs(t, s.Discard(p.ClientTempID), domain.ErrUnknownMessage)

	s.Fail(p.ClientTempID)
	require.NoError(t, s.Discard(p.ClientTempID))
	assert.Equal(t, 0, s.Len())
}

func TestLateEchoPromotesFailedSend(t *testing.T) {
	s := newTestStream()
	p := s.AddPending("slow", t0)
	s.Fail(p.ClientTempID)

	echo := domain.Message{ID: "m1", SenderID: "me", Content: "slow", CreatedAt: t0, ClientTempID: p.ClientTempID}
	assert.Equal(t, Promoted, s.Push(echo, t0))
	list := s.Snapshot()
	require.Len(t, list, 1)
	assert.Equal(t, domain.MessageConfirmed, list[0].State)
	assert.Empty(t, list[0].Error)
}

func TestAddPendingNeverGoesBackInTime(t *testing.T) {
	s := newTestStream()
	s.Push(msg("future", time.Hour), t0)
	p := s.AddPending("now", t0)

	assert.Equal(t, t0.Add(time.Hour), p.CreatedAt)
	requireInvariants(t, s.Snapshot())
}

func TestReactions(t *testing.T) {
	s := newTestStream()
	s.Push(msg("m1", 0), t0)

	assert.True(t, s.ApplyReaction("m1", "🔥", "bob", true))
	assert.False(t, s.ApplyReaction("m1", "🔥", "bob", true))
	assert.True(t, s.ApplyReaction("m1", "🔥", "amy", true))
	assert.False(t, s.ApplyReaction("nope", "🔥", "amy", true))

	list := s.Snapshot()
	assert.Equal(t, []string{"amy", "bob"}, list[0].Reactions.Users("🔥"))

	// Snapshots are detached from the stream.
	list[0].Reactions.Add("🔥", "mallory")
	assert.Len(t, s.Snapshot()[0].Reactions.Users("🔥"), 2)

	assert.True(t, s.ApplyReaction("m1", "🔥", "bob", false))
	assert.Equal(t, []string{"amy"}, s.Snapshot()[0].Reactions.Users("🔥"))
}

func TestOldestID(t *testing.T) {
	s := newTestStream()
	assert.Empty(t, s.OldestID())
	s.AddPending("x", t0)
	s.Push(msg("m5", 5*time.Second), t0)
	s.Push(msg("m2", 2*time.Second), t0)
	assert.Equal(t, "m2", s.OldestID())
}

// TestRandomSequencesKeepInvariants interleaves history pages, pushes,
// redeliveries, sends, echoes and timeouts and checks order and uniqueness
// after every step.
func TestRandomSequencesKeepInvariants(t *testing.T) {
	for seed := int64(1); seed <= 25; seed++ {
		rng := rand.New(rand.NewSource(seed))
		s := newTestStream()
		var delivered []domain.Message
		var pending []domain.Message
		next := 0

		for step := 0; step < 200; step++ {
			now := t0.Add(time.Duration(step) * time.Second)
			switch rng.Intn(6) {
			case 0: // fresh push from someone else
				next++
				m := msg(fmt.Sprintf("s%d", next), time.Duration(rng.Intn(300))*time.Second)
				delivered = append(delivered, m)
				s.Push(m, now)
			case 1: // redelivery
				if len(delivered) > 0 {
					s.Push(delivered[rng.Intn(len(delivered))], now)
				}
			case 2: // local send
				pending = append(pending, s.AddPending(fmt.Sprintf("local %d", step), now))
			case 3: // echo of a local send, with or without temp id
				if len(pending) > 0 {
					k := rng.Intn(len(pending))
					p := pending[k]
					pending = append(pending[:k], pending[k+1:]...)
					next++
					echo := domain.Message{
						ID:        fmt.Sprintf("e%d", next),
						SenderID:  "me",
						Content:   p.Content,
						CreatedAt: p.CreatedAt.Add(time.Duration(rng.Intn(3000)) * time.Millisecond),
					}
					if rng.Intn(2) == 0 {
						echo.ClientTempID = p.ClientTempID
					}
					delivered = append(delivered, echo)
					s.Push(echo, now)
				}
			case 4: // timeout
				if len(pending) > 0 {
					s.Fail(pending[rng.Intn(len(pending))].ClientTempID)
				}
			case 5: // history page redelivery
				if len(delivered) > 3 {
					start := rng.Intn(len(delivered) - 3)
					s.Merge(delivered[start:start+3], now)
				}
			}
			requireInvariants(t, s.Snapshot())
		}
	}
}

func TestFailAllAndSetSelf(t *testing.T) {
	s := New("room-1", "", 5*time.Second)
	a := s.AddPending("queued", t0)
	assert.Empty(t, a.SenderID)

	s.SetSelf("me")
	list := s.Snapshot()
	assert.Equal(t, "me", list[0].SenderID)

	s.Push(msg("m1", time.Second), t0)
	failed := s.FailAll(domain.ErrJoinRejectedKind)
	assert.Equal(t, []string{a.ClientTempID}, failed)
	list = s.Snapshot()
	assert.Equal(t, domain.MessageFailed, list[0].State)
	assert.Equal(t, domain.ErrJoinRejectedKind, list[0].Error)
	assert.Equal(t, domain.MessageConfirmed, list[1].State)
	assert.Empty(t, s.FailAll(domain.ErrJoinRejectedKind))
}
