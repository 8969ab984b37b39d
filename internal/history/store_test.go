package history

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiawesome/wes-io-live/chat-session/internal/domain"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, log Log, room string, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		_, dup, err := log.Append(context.Background(), domain.Message{
			ID:        fmt.Sprintf("m%02d", i),
			RoomID:    room,
			SenderID:  "bob",
			Content:   fmt.Sprintf("line %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
		require.False(t, dup)
	}
}

func ids(msgs []domain.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func newRedisLog(t *testing.T) Log {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisStoreWithClient(client, "test")
}

func forEachLog(t *testing.T, fn func(t *testing.T, log Log)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("redis", func(t *testing.T) {
		log := newRedisLog(t)
		t.Cleanup(func() { _ = log.Close() })
		fn(t, log)
	})
}

func TestFetchHistoryPaging(t *testing.T) {
	forEachLog(t, func(t *testing.T, log Log) {
		ctx := context.Background()
		seed(t, log, "room-1", 7)
		seed(t, log, "room-2", 2)

		latest, err := log.FetchHistory(ctx, "room-1", "", 3)
		require.NoError(t, err)
		assert.Equal(t, []string{"m05", "m06", "m07"}, ids(latest))

		older, err := log.FetchHistory(ctx, "room-1", "m05", 3)
		require.NoError(t, err)
		assert.Equal(t, []string{"m02", "m03", "m04"}, ids(older))

		oldest, err := log.FetchHistory(ctx, "room-1", "m02", 3)
		require.NoError(t, err)
		assert.Equal(t, []string{"m01"}, ids(oldest))

		none, err := log.FetchHistory(ctx, "room-1", "m01", 3)
		require.NoError(t, err)
		assert.Empty(t, none)

		unknown, err := log.FetchHistory(ctx, "room-1", "nope", 3)
		require.NoError(t, err)
		assert.Empty(t, unknown)

		other, err := log.FetchHistory(ctx, "room-2", "", 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"m01", "m02"}, ids(other))
	})
}

func TestAppendDeduplicatesClientTempID(t *testing.T) {
	forEachLog(t, func(t *testing.T, log Log) {
		ctx := context.Background()
		first := domain.Message{
			ID: "a1", RoomID: "room-1", SenderID: "me", Content: "hi",
			CreatedAt: base, ClientTempID: "tmp-1",
		}
		stored, dup, err := log.Append(ctx, first)
		require.NoError(t, err)
		assert.False(t, dup)
		assert.Equal(t, "a1", stored.ID)

		retry := first
		retry.ID = "a2"
		stored, dup, err = log.Append(ctx, retry)
		require.NoError(t, err)
		assert.True(t, dup)
		assert.Equal(t, "a1", stored.ID)

		// Same temp id from another sender is a different message.
		other := retry
		other.SenderID = "bob"
		_, dup, err = log.Append(ctx, other)
		require.NoError(t, err)
		assert.False(t, dup)

		page, err := log.FetchHistory(ctx, "room-1", "", 10)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a1", "a2"}, ids(page))
	})
}

// failWrites fails the first n append scripts before they reach Redis.
type failWrites struct {
	left atomic.Int32
}

func (h *failWrites) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return next(ctx, network, addr)
	}
}

func (h *failWrites) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if strings.HasPrefix(cmd.Name(), "eval") && h.left.Add(-1) >= 0 {
			err := errors.New("connection reset")
			cmd.SetErr(err)
			return err
		}
		return next(ctx, cmd)
	}
}

func (h *failWrites) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestRedisAppendFailureLeavesNoClaim(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	hook := &failWrites{}
	hook.left.Store(1)
	client.AddHook(hook)
	store := NewRedisStoreWithClient(client, "test")
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	m := domain.Message{ID: "m1", RoomID: "lobby", SenderID: "me", Content: "hi", CreatedAt: base, ClientTempID: "tmp-1"}

	_, _, err := store.Append(ctx, m)
	require.Error(t, err)
	assert.False(t, mr.Exists("test:room:lobby:temp"))

	// The resend after recovery is stored as new, and the next one deduplicates.
	stored, dup, err := store.Append(ctx, m)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, "m1", stored.ID)

	resend := m
	resend.ID = "m2"
	stored, dup, err = store.Append(ctx, resend)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, "m1", stored.ID)
}

func TestRedisAppendIgnoresDanglingClaim(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreWithClient(client, "test")
	t.Cleanup(func() { _ = store.Close() })

	mr.HSet("test:room:lobby:temp", "me/tmp-1", "ghost")

	ctx := context.Background()
	stored, dup, err := store.Append(ctx, domain.Message{
		ID: "m1", RoomID: "lobby", SenderID: "me", Content: "hi", CreatedAt: base, ClientTempID: "tmp-1",
	})
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, "m1", stored.ID)
	assert.Equal(t, "m1", mr.HGet("test:room:lobby:temp", "me/tmp-1"))

	page, err := store.FetchHistory(ctx, "lobby", "", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, ids(page))
}

func TestReactPersists(t *testing.T) {
	forEachLog(t, func(t *testing.T, log Log) {
		ctx := context.Background()
		_, _, err := log.Append(ctx, domain.Message{
			ID: "a1", RoomID: "room-1", SenderID: "me", Content: "hi", CreatedAt: base, ClientTempID: "tmp-1",
		})
		require.NoError(t, err)

		m, err := log.React(ctx, "room-1", "a1", "+1", "bob", true)
		require.NoError(t, err)
		assert.Equal(t, []string{"bob"}, m.Reactions.Users("+1"))

		_, err = log.React(ctx, "room-1", "a1", "+1", "amy", true)
		require.NoError(t, err)
		_, err = log.React(ctx, "room-1", "a1", "+1", "bob", false)
		require.NoError(t, err)

		page, err := log.FetchHistory(ctx, "room-1", "", 10)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, []string{"amy"}, page[0].Reactions.Users("+1"))

		// A deduplicated resend sees the current reactions.
		dupe, dup, err := log.Append(ctx, domain.Message{
			ID: "a2", RoomID: "room-1", SenderID: "me", Content: "hi", CreatedAt: base, ClientTempID: "tmp-1",
		})
		require.NoError(t, err)
		require.True(t, dup)
		assert.Equal(t, []string{"amy"}, dupe.Reactions.Users("+1"))

		_, err = log.React(ctx, "room-1", "nope", "+1", "bob", true)
		assert.ErrorIs(t, err, domain.ErrUnknownMessage)
	})
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, ClampLimit(0))
	assert.Equal(t, DefaultLimit, ClampLimit(-4))
	assert.Equal(t, 7, ClampLimit(7))
	assert.Equal(t, MaxLimit, ClampLimit(MaxLimit+1))
}
