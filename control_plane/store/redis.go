package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/itskum47/FleetForge/control_plane/observability"
	"github.com/redis/go-redis/v9"
)

// incrWindowScript increments the current window and reads the previous one
// in a single step so concurrent processes see one combined count.
// KEYS[1] = current window counter
// KEYS[2] = previous window counter
// ARGV[1] = ttl in milliseconds for a freshly created current counter
var incrWindowScript = redis.NewScript(`
local cur = redis.call("INCR", KEYS[1])
if cur == 1 and tonumber(ARGV[1]) > 0 then
	redis.call("PEXPIRE", KEYS[1], tonumber(ARGV[1]))
end
local prev = tonumber(redis.call("GET", KEYS[2]) or "0")
return {cur, prev}
`)

// decrWindowScript never lets a counter go negative or outlive its window.
var decrWindowScript = redis.NewScript(`
local val = tonumber(redis.call("GET", KEYS[1]) or "0")
if val > 0 then
	return redis.call("DECR", KEYS[1])
end
return 0
`)

// releaseLockScript deletes the lock only when ARGV[1] still owns it.
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore implements SharedStore and Locker using Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a client. It does not dial; call Ping to check reachability.
func NewRedisStore(addr string, password string, db int) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	return &RedisStore{client: client}
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func observe(start time.Time) {
	observability.StoreLatency.Observe(time.Since(start).Seconds())
}

func (s *RedisStore) Ping(ctx context.Context) error {
	defer observe(time.Now())
	return s.client.Ping(ctx).Err()
}

// --- KV ---

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	defer observe(time.Now())

	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil // Not found
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	defer observe(time.Now())
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	defer observe(time.Now())
	return s.client.Del(ctx, key).Err()
}

// --- WindowCounter ---

func (s *RedisStore) IncrWindow(ctx context.Context, curKey, prevKey string, ttl time.Duration) (int64, int64, error) {
	defer observe(time.Now())

	res, err := incrWindowScript.Run(ctx, s.client, []string{curKey, prevKey}, int64(ttl/time.Millisecond)).Slice()
	if err != nil {
		return 0, 0, err
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("unexpected window script reply: %v", res)
	}
	cur, ok1 := res[0].(int64)
	prev, ok2 := res[1].(int64)
	if !ok1 || !ok2 {
		return 0, 0, errors.New("unexpected return type from window script")
	}
	return cur, prev, nil
}

func (s *RedisStore) ReadWindow(ctx context.Context, curKey, prevKey string) (int64, int64, error) {
	defer observe(time.Now())

	vals, err := s.client.MGet(ctx, curKey, prevKey).Result()
	if err != nil {
		return 0, 0, err
	}
	return parseCounter(vals[0]), parseCounter(vals[1]), nil
}

func (s *RedisStore) DecrWindow(ctx context.Context, key string) error {
	defer observe(time.Now())
	return decrWindowScript.Run(ctx, s.client, []string{key}).Err()
}

func parseCounter(v interface{}) int64 {
	str, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// --- Locker ---

// AcquireLock uses SET key owner NX PX ttl.
func (s *RedisStore) AcquireLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error) {
	defer observe(time.Now())
	return s.client.SetNX(ctx, key, ownerID, ttl).Result()
}

func (s *RedisStore) ReleaseLock(ctx context.Context, key string, ownerID string) error {
	defer observe(time.Now())
	return releaseLockScript.Run(ctx, s.client, []string{key}, ownerID).Err()
}

func (s *RedisStore) GetLockOwner(ctx context.Context, key string) (string, error) {
	owner, _, err := s.Get(ctx, key)
	return owner, err
}
