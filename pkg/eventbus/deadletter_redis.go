package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisDeadLetterStore shares dead letters across kernel replicas. Entries
// live in a hash keyed by id with a sorted-set index on last failure time.
type RedisDeadLetterStore struct {
	client *redis.Client
	prefix string
}

// NewRedisDeadLetterStore connects to addr.
func NewRedisDeadLetterStore(addr, password string, db int) *RedisDeadLetterStore {
	return NewRedisDeadLetterStoreWithClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}))
}

// NewRedisDeadLetterStoreWithClient reuses an existing client.
func NewRedisDeadLetterStoreWithClient(client *redis.Client) *RedisDeadLetterStore {
	return &RedisDeadLetterStore{client: client, prefix: "forge:dlq"}
}

func (s *RedisDeadLetterStore) entriesKey() string { return s.prefix + ":entries" }
func (s *RedisDeadLetterStore) indexKey() string   { return s.prefix + ":index" }

// Ping checks connectivity.
func (s *RedisDeadLetterStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisDeadLetterStore) Put(ctx context.Context, dl DeadLetter) error {
	raw, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, s.entriesKey(), dl.ID, raw)
		p.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(dl.LastFailedAt.UnixNano()), Member: dl.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put dead letter: %w", err)
	}
	return nil
}

func (s *RedisDeadLetterStore) Get(ctx context.Context, id string) (DeadLetter, error) {
	raw, err := s.client.HGet(ctx, s.entriesKey(), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return DeadLetter{}, fmt.Errorf("%w: %s", ErrDeadLetterNotFound, id)
	}
	if err != nil {
		return DeadLetter{}, fmt.Errorf("redis get dead letter: %w", err)
	}
	var dl DeadLetter
	if err := json.Unmarshal(raw, &dl); err != nil {
		return DeadLetter{}, fmt.Errorf("decode dead letter: %w", err)
	}
	return dl, nil
}

func (s *RedisDeadLetterStore) List(ctx context.Context, limit int) ([]DeadLetter, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list dead letters: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := s.client.HMGet(ctx, s.entriesKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list dead letters: %w", err)
	}
	out := make([]DeadLetter, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var dl DeadLetter
		if err := json.Unmarshal([]byte(str), &dl); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, nil
}

func (s *RedisDeadLetterStore) Delete(ctx context.Context, id string) error {
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		removed = p.HDel(ctx, s.entriesKey(), id)
		p.ZRem(ctx, s.indexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete dead letter: %w", err)
	}
	if removed.Val() == 0 {
		return fmt.Errorf("%w: %s", ErrDeadLetterNotFound, id)
	}
	return nil
}

// Close closes the client.
func (s *RedisDeadLetterStore) Close() error { return s.client.Close() }
