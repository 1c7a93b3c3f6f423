package joblock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Redis layout:
//
//	<prefix>job:<name>  -> lock ID       (SET NX PX, the actual lease)
//	<prefix>meta:<id>   -> lock JSON     (same expiry)
//
// Release and Remove compare the job key against the lock ID before
// deleting so a lease taken over after expiry is never dropped.
const redisReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("DEL", KEYS[1])
  redis.call("DEL", KEYS[2])
  return 1
end
redis.call("DEL", KEYS[2])
return 0
`

// RedisStore shares locks across replicas through Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
	script *redis.Script
}

// NewRedisStore creates a Redis-backed lock store. Keys are namespaced by prefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		script: redis.NewScript(redisReleaseScript),
	}
}

func (r *RedisStore) jobKey(name string) string { return r.prefix + "job:" + name }
func (r *RedisStore) metaKey(id string) string  { return r.prefix + "meta:" + id }

func (r *RedisStore) Acquire(ctx context.Context, l *Lock, now time.Time) error {
	ttl := l.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	ok, err := r.client.SetNX(ctx, r.jobKey(l.JobName), l.ID, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	data, err := json.Marshal(l)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.metaKey(l.ID), data, ttl).Err(); err != nil {
		// Lease without metadata would be invisible to ops; give it back.
		_ = r.script.Run(ctx, r.client, []string{r.jobKey(l.JobName), r.metaKey(l.ID)}, l.ID).Err()
		return fmt.Errorf("store lock metadata: %w", err)
	}
	return nil
}

func (r *RedisStore) Release(ctx context.Context, id string) error {
	_, err := r.Remove(ctx, id)
	return err
}

func (r *RedisStore) Claim(ctx context.Context, id string, bookingIDs []string) error {
	l, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	l.BookingIDs = append([]string{}, bookingIDs...)
	data, err := json.Marshal(l)
	if err != nil {
		return err
	}
	ok, err := r.client.SetArgs(ctx, r.metaKey(id), data, redis.SetArgs{Mode: "XX", KeepTTL: true}).Result()
	if errors.Is(err, redis.Nil) || (err == nil && ok != "OK") {
		return ErrNotFound
	}
	return err
}

func (r *RedisStore) Get(ctx context.Context, id string) (*Lock, error) {
	data, err := r.client.Get(ctx, r.metaKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var l Lock
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("decode lock %s: %w", id, err)
	}
	return &l, nil
}

func (r *RedisStore) ListActive(ctx context.Context, now time.Time) ([]*Lock, error) {
	var result []*Lock
	iter := r.client.Scan(ctx, 0, r.prefix+"meta:*", 100).Iterator()
	for iter.Next(ctx) {
		id := iter.Val()[len(r.prefix+"meta:"):]
		l, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !l.Expired(now) {
			result = append(result, l)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool { return result[i].JobName < result[j].JobName })
	return result, nil
}

func (r *RedisStore) Remove(ctx context.Context, id string) (*Lock, error) {
	l, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	released, err := r.script.Run(ctx, r.client, []string{r.jobKey(l.JobName), r.metaKey(id)}, id).Int()
	if err != nil {
		return nil, err
	}
	if released == 0 {
		return nil, ErrNotFound
	}
	return l, nil
}

var _ Store = (*RedisStore)(nil)
