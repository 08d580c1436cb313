package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// extendScript sets the deadline only if it moves later, so concurrent
// instances can never shorten each other's cooldown.
var extendScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local nxt = tonumber(ARGV[1])
if nxt > cur then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
  redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
  return 1
end
return 0
`)

// RedisStore shares cooldown state between proxy instances.
// Each request key gets its own pair of Redis keys, which expire with the
// cooldown itself.
type RedisStore struct {
	redis *redis.Client
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{redis: client}
}

// Load implements Store.
func (r *RedisStore) Load(ctx context.Context, key string) (*State, error) {
	vals, err := r.redis.MGet(ctx, RedisKeyUntil(key), RedisKeyLastUpdate(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("get cooldown state: %w", err)
	}
	if vals[0] == nil {
		return nil, nil
	}

	until, err := parseMillis(vals[0])
	if err != nil {
		return nil, fmt.Errorf("parse cooldown deadline: %w", err)
	}
	state := &State{Until: until}
	if vals[1] != nil {
		if lastUpdate, err := parseMillis(vals[1]); err == nil {
			state.LastUpdate = lastUpdate
		}
	}
	return state, nil
}

// Extend implements Store.
func (r *RedisStore) Extend(ctx context.Context, key string, until, now time.Time) error {
	ttl := until.Sub(now).Milliseconds()
	if ttl <= 0 {
		return nil
	}
	keys := []string{RedisKeyUntil(key), RedisKeyLastUpdate(key)}
	err := extendScript.Run(ctx, r.redis, keys, until.UnixMilli(), now.UnixMilli(), ttl).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("store cooldown in redis: %w", err)
	}
	return nil
}

// Reset implements Store.
func (r *RedisStore) Reset(ctx context.Context) error {
	iter := r.redis.Scan(ctx, 0, RedisKeyPrefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan cooldown keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := r.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("reset cooldown in redis: %w", err)
	}
	return nil
}

func parseMillis(v any) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("unexpected type %T", v)
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
