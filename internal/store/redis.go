package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// acquireLockScript takes the lock only if the key is unset, storing a
// random owner token as the value so ReleaseLock can verify ownership
// before deleting it — the same compare-then-delete idiom the teacher's
// store package uses for its Lua-scripted function lookups.
var acquireLockScript = redis.NewScript(`
if redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then
	return 1
end
return 0
`)

// releaseLockScript deletes the key only if it is still owned by the
// caller's token, preventing a caller from releasing a lock it lost to
// TTL expiry and someone else's subsequent acquire.
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

const lockTokenPrefix = "owner:"

// RedisStore implements Store against a Redis deployment shared by the
// whole worker fleet.
type RedisStore struct {
	client *redis.Client
	// tokens maps a LockID (taken from a counter) back to the exact
	// token string, since ReleaseLock is called with the handle we
	// returned from AcquireLock rather than the raw token.
	tokens lockTokenTable
}

// NewRedisStore dials addr and verifies connectivity before returning.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisStore{client: client, tokens: newLockTokenTable()}, nil
}

// NewRedisStoreFromClient wraps an already-configured client, for callers
// that want to share connection pooling across other Redis-backed uses.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, tokens: newLockTokenTable()}
}

func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	return s.client.Set(ctx, key, value, 0).Err()
}

func (s *RedisStore) SetRange(ctx context.Context, key string, offset int, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	return s.client.SetRange(ctx, key, int64(offset), string(buf)).Err()
}

func (s *RedisStore) AcquireLock(ctx context.Context, key string, ttl time.Duration) (LockID, error) {
	token := uuid.New().String()
	res, err := acquireLockScript.Run(ctx, s.client, []string{lockKey(key)}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return 0, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if res == 0 {
		return 0, nil
	}
	return s.tokens.put(token), nil
}

func (s *RedisStore) ReleaseLock(ctx context.Context, key string, id LockID) error {
	if id == 0 {
		return nil
	}
	token, ok := s.tokens.take(id)
	if !ok {
		return nil
	}
	return releaseLockScript.Run(ctx, s.client, []string{lockKey(key)}, token).Err()
}

func lockKey(key string) string { return "lock:" + key }

// Enqueue pushes onto the left of the list so Dequeue's BRPOP drains in
// FIFO order, matching the queue discipline in §5 ("within one queue,
// messages are FIFO").
func (s *RedisStore) Enqueue(ctx context.Context, queue string, msg []byte) error {
	return s.client.LPush(ctx, queue, msg).Err()
}

// Dequeue uses BRPOP, the same push/pull primitive the teacher's
// RedisListNotifier relies on for near-zero-latency, load-balanced
// delivery: exactly one blocked consumer receives each pushed message.
func (s *RedisStore) Dequeue(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	wait := timeout
	if wait <= 0 {
		wait = time.Millisecond
	}
	res, err := s.client.BRPop(ctx, wait, queue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoMessage
	}
	if err != nil {
		return nil, err
	}
	// BRPop returns [queueName, value].
	if len(res) < 2 {
		return nil, ErrNoMessage
	}
	return []byte(res[1]), nil
}

func (s *RedisStore) SAdd(ctx context.Context, key, member string) error {
	return s.client.SAdd(ctx, key, member).Err()
}

func (s *RedisStore) SRem(ctx context.Context, key, member string) error {
	return s.client.SRem(ctx, key, member).Err()
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.client.SMembers(ctx, key).Result()
}

func (s *RedisStore) SCard(ctx context.Context, key string) (int, error) {
	n, err := s.client.SCard(ctx, key).Result()
	return int(n), err
}

func (s *RedisStore) FlushAll(ctx context.Context) error {
	return s.client.FlushAll(ctx).Err()
}
