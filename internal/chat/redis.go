package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
)

const (
	// MessagePrefix is the Redis key prefix for message bodies (JSON strings).
	MessagePrefix = "msg:"

	// ThreadPrefix is the Redis key prefix for per-conversation sorted sets of
	// message IDs, scored by CreatedAt in microseconds.
	ThreadPrefix = "thread:"

	// PartnersPrefix is the Redis key prefix for per-party sorted sets of
	// counterparts, scored by the latest message between them.
	PartnersPrefix = "partners:"

	// IndexKey is the global sorted set of all live message IDs.
	IndexKey = "msgindex"
)

// RedisStore keeps messages in Redis. Message keys carry an absolute expiry
// of CreatedAt + MessageTTL, so Redis evicts them on its own; the sorted-set
// indexes are cut off at read time and pruned lazily.
type RedisStore struct {
	rdb *redis.Client
	now func() time.Time
}

// NewRedisStore creates a message store backed by the given Redis client. The
// client is owned by the caller.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, now: time.Now}
}

// Insert writes the message and its index entries in one MULTI/EXEC.
func (s *RedisStore) Insert(ctx context.Context, msg *Message) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("chat: marshal message: %w", err)
	}

	key := MessagePrefix + msg.ID
	thread := ThreadPrefix + ThreadKey(msg.SenderID, msg.ReceiverID)
	// EXPIREAT has second resolution; round up past the read-time cutoff.
	expiresAt := time.Unix(msg.ExpiresAt().Unix()+1, 0)
	score := float64(msg.CreatedAt.UnixMicro())

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, key, data, 0)
	pipe.ExpireAt(ctx, key, expiresAt)
	pipe.ZAdd(ctx, thread, redis.Z{Score: score, Member: msg.ID})
	pipe.ExpireAt(ctx, thread, expiresAt)
	pipe.ZAdd(ctx, IndexKey, redis.Z{Score: score, Member: msg.ID})
	pipe.ZRemRangeByScore(ctx, IndexKey, "-inf", s.staleMax())
	pipe.ZAdd(ctx, PartnersPrefix+msg.SenderID, redis.Z{Score: score, Member: msg.ReceiverID})
	pipe.ExpireAt(ctx, PartnersPrefix+msg.SenderID, expiresAt)
	pipe.ZAdd(ctx, PartnersPrefix+msg.ReceiverID, redis.Z{Score: score, Member: msg.SenderID})
	pipe.ExpireAt(ctx, PartnersPrefix+msg.ReceiverID, expiresAt)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("chat: insert %s: %w", msg.ID, err)
	}
	return msg.ID, nil
}

// Query returns the live conversation between partyA and partyB.
func (s *RedisStore) Query(ctx context.Context, partyA, partyB string) ([]Message, error) {
	thread := ThreadPrefix + ThreadKey(partyA, partyB)
	ids, err := s.liveMembers(ctx, thread)
	if err != nil {
		return nil, fmt.Errorf("chat: query thread: %w", err)
	}
	msgs, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	return lo.Filter(msgs, func(m Message, _ int) bool { return m.Between(partyA, partyB) }), nil
}

// Delete removes a message and its index entries. The partner index is left
// alone; it ages out with the newest message of the pair.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	raw, err := s.rdb.Get(ctx, MessagePrefix+id).Result()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("chat: delete %s: %w", id, err)
	}

	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return fmt.Errorf("chat: decode message %s: %w", id, err)
	}

	pipe := s.rdb.TxPipeline()
	del := pipe.Del(ctx, MessagePrefix+id)
	pipe.ZRem(ctx, ThreadPrefix+ThreadKey(msg.SenderID, msg.ReceiverID), id)
	pipe.ZRem(ctx, IndexKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("chat: delete %s: %w", id, err)
	}
	if del.Val() == 0 {
		// Expired or deleted between GET and DEL.
		return ErrNotFound
	}
	return nil
}

// List returns every live message.
func (s *RedisStore) List(ctx context.Context) ([]Message, error) {
	ids, err := s.liveMembers(ctx, IndexKey)
	if err != nil {
		return nil, fmt.Errorf("chat: list: %w", err)
	}
	return s.load(ctx, ids)
}

// Counterparts returns the parties that party has live history with.
func (s *RedisStore) Counterparts(ctx context.Context, party string) ([]string, error) {
	partners, err := s.liveMembers(ctx, PartnersPrefix+party)
	if err != nil {
		return nil, fmt.Errorf("chat: counterparts: %w", err)
	}
	return partners, nil
}

// Close is a no-op; the Redis client belongs to the caller.
func (s *RedisStore) Close() error {
	return nil
}

// liveMembers returns the members of a sorted set scored after the TTL
// cutoff, and prunes everything older.
func (s *RedisStore) liveMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "(" + s.staleMax(),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	if err := s.rdb.ZRemRangeByScore(ctx, key, "-inf", s.staleMax()).Err(); err != nil {
		log.Printf("[chat] prune %s: %v", key, err)
	}
	return members, nil
}

// load fetches message bodies by ID, skipping any that expired since the
// index was read.
func (s *RedisStore) load(ctx context.Context, ids []string) ([]Message, error) {
	msgs := make([]Message, 0, len(ids))
	if len(ids) == 0 {
		return msgs, nil
	}

	keys := lo.Map(ids, func(id string, _ int) string { return MessagePrefix + id })
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("chat: load messages: %w", err)
	}

	live := cutoff(s.now())
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("chat: decode message: %w", err)
		}
		if !msg.CreatedAt.After(live) {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// staleMax is the highest sorted-set score that counts as expired.
func (s *RedisStore) staleMax() string {
	return strconv.FormatInt(cutoff(s.now()).UnixMicro(), 10)
}
