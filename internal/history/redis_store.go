package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/weiawesome/wes-io-live/chat-session/internal/config"
	"github.com/weiawesome/wes-io-live/chat-session/internal/domain"
)

// Redis key patterns:
// {prefix}:room:{room_id}:ids    ZSET<message_id>  score = created_at unix micros
// {prefix}:room:{room_id}:msgs   HASH message_id -> message json
// {prefix}:room:{room_id}:temp   HASH sender_id/client_temp_id -> message_id

// RedisStore is a Log backed by Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects and pings Redis.
func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, cfg.Prefix), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "chat:history"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) idsKey(roomID string) string {
	return fmt.Sprintf("%s:room:%s:ids", s.prefix, roomID)
}

func (s *RedisStore) msgsKey(roomID string) string {
	return fmt.Sprintf("%s:room:%s:msgs", s.prefix, roomID)
}

func (s *RedisStore) tempKey(roomID string) string {
	return fmt.Sprintf("%s:room:%s:temp", s.prefix, roomID)
}

// appendScript stores a message and its temp-id claim in one step. A claim
// only counts when the message it points at exists.
// KEYS: msgs, ids, temp. ARGV: temp field ("" for none), id, json, score.
var appendScript = redis.NewScript(`
if ARGV[1] ~= '' then
	local existing = redis.call('HGET', KEYS[3], ARGV[1])
	if existing then
		local data = redis.call('HGET', KEYS[1], existing)
		if data then
			return {1, data}
		end
	end
end
redis.call('HSET', KEYS[1], ARGV[2], ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[2])
if ARGV[1] ~= '' then
	redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
end
return {0, ARGV[3]}
`)

func (s *RedisStore) Append(ctx context.Context, m domain.Message) (domain.Message, bool, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return domain.Message{}, false, fmt.Errorf("failed to marshal message: %w", err)
	}

	field := ""
	if m.ClientTempID != "" {
		field = tempKey(m.SenderID, m.ClientTempID)
	}
	keys := []string{s.msgsKey(m.RoomID), s.idsKey(m.RoomID), s.tempKey(m.RoomID)}
	res, err := appendScript.Run(ctx, s.client, keys,
		field, m.ID, string(data), strconv.FormatInt(m.CreatedAt.UnixMicro(), 10)).Slice()
	if err != nil {
		return domain.Message{}, false, fmt.Errorf("failed to append message: %w", err)
	}
	if len(res) != 2 {
		return domain.Message{}, false, fmt.Errorf("unexpected append reply %v", res)
	}

	duplicate, _ := res[0].(int64)
	if duplicate != 1 {
		return m, false, nil
	}
	raw, _ := res[1].(string)
	var existing domain.Message
	if err := json.Unmarshal([]byte(raw), &existing); err != nil {
		return domain.Message{}, false, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return existing, true, nil
}

func (s *RedisStore) FetchHistory(ctx context.Context, roomID, before string, limit int) ([]domain.Message, error) {
	limit = ClampLimit(limit)

	upper := "+inf"
	if before != "" {
		score, err := s.client.ZScore(ctx, s.idsKey(roomID), before).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return []domain.Message{}, nil
			}
			return nil, fmt.Errorf("failed to resolve cursor: %w", err)
		}
		upper = "(" + strconv.FormatFloat(score, 'f', -1, 64)
	}

	ids, err := s.client.ZRevRangeByScore(ctx, s.idsKey(roomID), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   upper,
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to range message ids: %w", err)
	}
	if len(ids) == 0 {
		return []domain.Message{}, nil
	}

	raw, err := s.client.HMGet(ctx, s.msgsKey(roomID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}

	out := make([]domain.Message, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		str, ok := raw[i].(string)
		if !ok {
			continue
		}
		var m domain.Message
		if err := json.Unmarshal([]byte(str), &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message %s: %w", ids[i], err)
		}
		out = append(out, m)
	}
	return out, nil
}

// React rewrites the stored message under WATCH, retrying when another
// writer changed the room in between.
func (s *RedisStore) React(ctx context.Context, roomID, messageID, symbol, userID string, add bool) (domain.Message, error) {
	key := s.msgsKey(roomID)
	var updated domain.Message

	txf := func(tx *redis.Tx) error {
		m, err := s.get(ctx, tx, roomID, messageID)
		if err != nil {
			return err
		}
		if !applyReaction(&m, symbol, userID, add) {
			updated = m
			return nil
		}
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, messageID, data)
			return nil
		})
		if err == nil {
			updated = m
		}
		return err
	}

	for i := 0; i < 5; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, redis.Nil) {
			return domain.Message{}, domain.ErrUnknownMessage
		}
		if err != nil {
			return domain.Message{}, err
		}
		return updated, nil
	}
	return domain.Message{}, fmt.Errorf("failed to update reactions on %s: too much contention", messageID)
}

type hashGetter interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

func (s *RedisStore) get(ctx context.Context, c hashGetter, roomID, id string) (domain.Message, error) {
	data, err := c.HGet(ctx, s.msgsKey(roomID), id).Bytes()
	if err != nil {
		return domain.Message{}, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	var m domain.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return domain.Message{}, fmt.Errorf("failed to unmarshal message %s: %w", id, err)
	}
	return m, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
