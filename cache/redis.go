package cache

import (
	"context"
	"errors"
	"sort"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "offline-worker"

// RedisStore keeps generations in Redis.
// Generation names live in a sorted set scored by creation sequence,
// and each generation's entries live in one hash.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) generationsKey() string {
	return s.prefix + ":generations"
}

func (s *RedisStore) seqKey() string {
	return s.prefix + ":seq"
}

func (s *RedisStore) entriesKey(name string) string {
	return s.prefix + ":generation:" + name
}

const redisWriteRetries = 5

func (s *RedisStore) Open(ctx context.Context, name string) (Generation, error) {
	err := s.client.ZScore(ctx, s.generationsKey(), name).Err()
	if errors.Is(err, redis.Nil) {
		// only new generations take a sequence number
		seq, err := s.client.Incr(ctx, s.seqKey()).Result()
		if err != nil {
			return nil, err
		}
		err = s.client.ZAddNX(ctx, s.generationsKey(), redis.Z{Score: float64(seq), Member: name}).Err()
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	return redisHandle{store: s, name: name}, nil
}

func (s *RedisStore) Names(ctx context.Context) ([]string, error) {
	return s.client.ZRange(ctx, s.generationsKey(), 0, -1).Result()
}

func (s *RedisStore) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.entriesKey(name))
		removed = pipe.ZRem(ctx, s.generationsKey(), name)
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

func (s *RedisStore) Match(ctx context.Context, key string) ([]byte, bool, error) {
	names, err := s.Names(ctx)
	if err != nil {
		return nil, false, err
	}
	for _, name := range names {
		b, ok, err := redisHandle{store: s, name: name}.Get(ctx, key)
		if err != nil || ok {
			return b, ok, err
		}
	}
	return nil, false, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

type redisHandle struct {
	store *RedisStore
	name  string
}

func (h redisHandle) Name() string {
	return h.name
}

func (h redisHandle) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := h.store.client.HGet(ctx, h.store.entriesKey(h.name), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (h redisHandle) Put(ctx context.Context, key string, bytes []byte) error {
	return h.PutAll(ctx, []Entry{{Key: key, Bytes: bytes}})
}

// PutAll writes the entries only if the generation still exists.
// The generations set is watched, so a concurrent Delete aborts the write.
func (h redisHandle) PutAll(ctx context.Context, entries []Entry) error {
	values := make([]interface{}, 0, len(entries)*2)
	for _, e := range entries {
		values = append(values, e.Key, e.Bytes)
	}
	write := func(tx *redis.Tx) error {
		err := tx.ZScore(ctx, h.store.generationsKey(), h.name).Err()
		if errors.Is(err, redis.Nil) {
			return ErrGenerationDeleted
		} else if err != nil {
			return err
		}
		if len(values) == 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, h.store.entriesKey(h.name), values...)
			return nil
		})
		return err
	}
	for i := 0; i < redisWriteRetries; i++ {
		err := h.store.client.Watch(ctx, write, h.store.generationsKey())
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return redis.TxFailedErr
}

func (h redisHandle) Keys(ctx context.Context) ([]string, error) {
	keys, err := h.store.client.HKeys(ctx, h.store.entriesKey(h.name)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}
