package connmgr

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "bedrock-relay:attempts:"

// RedisStore shares attempt state between relay instances so that several
// relays in front of the same server respect one rate limit.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to the Redis server at url
// (redis://[user:pass@]host:port/db).
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: redisKeyPrefix}
}

func (s *RedisStore) key(host string) string {
	return s.prefix + host
}

func (s *RedisStore) Get(ctx context.Context, host string) (AttemptState, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.key(host)).Result()
	if err != nil {
		return AttemptState{}, false, fmt.Errorf("redis get %s: %w", host, err)
	}
	if len(fields) == 0 {
		return AttemptState{}, false, nil
	}
	st, err := decodeState(fields)
	if err != nil {
		return AttemptState{}, false, fmt.Errorf("redis decode %s: %w", host, err)
	}
	return st, true, nil
}

func (s *RedisStore) Put(ctx context.Context, host string, st AttemptState, ttl time.Duration) error {
	key := s.key(host)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, encodeState(st))
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put %s: %w", host, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, host string) error {
	if err := s.client.Del(ctx, s.key(host)).Err(); err != nil {
		return fmt.Errorf("redis delete %s: %w", host, err)
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func encodeState(st AttemptState) map[string]any {
	return map[string]any{
		"last_attempt":    st.LastAttempt.UnixNano(),
		"window_attempts": st.WindowAttempts,
		"window_reset":    st.WindowReset.UnixNano(),
	}
}

func decodeState(fields map[string]string) (AttemptState, error) {
	last, err := strconv.ParseInt(fields["last_attempt"], 10, 64)
	if err != nil {
		return AttemptState{}, err
	}
	attempts, err := strconv.Atoi(fields["window_attempts"])
	if err != nil {
		return AttemptState{}, err
	}
	reset, err := strconv.ParseInt(fields["window_reset"], 10, 64)
	if err != nil {
		return AttemptState{}, err
	}
	return AttemptState{
		LastAttempt:    time.Unix(0, last),
		WindowAttempts: attempts,
		WindowReset:    time.Unix(0, reset),
	}, nil
}
