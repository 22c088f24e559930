package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "finai:session:"

// RedisStore keeps each session as a Redis list of JSON turns. Sessions
// survive restarts and expire after ttl without activity.
type RedisStore struct {
	client   redis.Cmdable
	prefix   string
	ttl      time.Duration
	maxTurns int
}

func NewRedisStore(client redis.Cmdable, prefix string, ttl time.Duration, maxTurns int) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{
		client:   client,
		prefix:   prefix,
		ttl:      ttl,
		maxTurns: evenCap(maxTurns),
	}
}

func (s *RedisStore) GetOrCreate(_ context.Context, userID string) (Session, error) {
	return &redisSession{store: s, userID: userID, key: s.prefix + userID}, nil
}

func (s *RedisStore) Delete(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.prefix+userID).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

type redisSession struct {
	store  *RedisStore
	userID string
	key    string
}

func (r *redisSession) UserID() string { return r.userID }

func (r *redisSession) Append(ctx context.Context, speaker Speaker, text string) error {
	if !validSpeaker(speaker) {
		return ErrInvalidSpeaker
	}
	return r.push(ctx, Turn{Speaker: speaker, Text: text})
}

func (r *redisSession) AppendExchange(ctx context.Context, question, answer string) error {
	return r.push(ctx,
		Turn{Speaker: SpeakerUser, Text: question},
		Turn{Speaker: SpeakerAssistant, Text: answer},
	)
}

// push writes all turns in one MULTI so concurrent appends never interleave
// inside an exchange.
func (r *redisSession) push(ctx context.Context, turns ...Turn) error {
	values := make([]any, 0, len(turns))
	for _, t := range turns {
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("encode turn: %w", err)
		}
		values = append(values, raw)
	}

	_, err := r.store.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, r.key, values...)
		pipe.LTrim(ctx, r.key, int64(-r.store.maxTurns), -1)
		if r.store.ttl > 0 {
			pipe.PExpire(ctx, r.key, r.store.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append session: %w", err)
	}
	return nil
}

func (r *redisSession) History(ctx context.Context) ([]Turn, error) {
	raw, err := r.store.client.LRange(ctx, r.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	turns := make([]Turn, 0, len(raw))
	for _, item := range raw {
		var t Turn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			return nil, fmt.Errorf("decode turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}
