package store

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/khanghh/kguard/params"
	"github.com/redis/go-redis/v9"
)

type RedisStorage struct {
	rdb redis.UniversalClient
}

func (s *RedisStorage) Conn() redis.UniversalClient {
	return s.rdb
}

func (s *RedisStorage) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return val, wrapErr("get", key, err)
}

// GetMany pipelines single-key reads so it also works across cluster slots.
// Missing keys yield nil entries.
func (s *RedisStorage) GetMany(ctx context.Context, keys []string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Get(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, wrapErr("mget", keys[0], err)
	}
	values := make([][]byte, len(keys))
	for i, cmd := range cmds {
		val, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, wrapErr("mget", keys[i], err)
		}
		values[i] = val
	}
	return values, nil
}

func (s *RedisStorage) Set(ctx context.Context, key string, val []byte, expiresIn time.Duration) error {
	return wrapErr("set", key, s.rdb.Set(ctx, key, val, expiresIn).Err())
}

func (s *RedisStorage) Create(ctx context.Context, key string, val []byte, expiresIn time.Duration) error {
	if expiresIn < 0 {
		expiresIn = NoExpiration
	}
	ok, err := s.rdb.SetNX(ctx, key, val, expiresIn).Result()
	if err != nil {
		return wrapErr("create", key, err)
	}
	if !ok {
		return ErrAlreadyExists
	}
	return nil
}

// Update runs fn in an optimistic WATCH/MULTI transaction and retries on conflicts.
func (s *RedisStorage) Update(ctx context.Context, key string, fn UpdateFunc) error {
	var fnErr error
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if errors.Is(err, redis.Nil) {
			current = nil
		}
		next, expiresIn, err := fn(current)
		if err != nil {
			fnErr = err
			return err
		}
		if next == nil {
			return nil
		}
		if expiresIn == KeepTTL && current == nil {
			expiresIn = NoExpiration
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, expiresIn)
			return nil
		})
		return err
	}

	for i := 0; i < params.StoreUpdateMaxRetries; i++ {
		fnErr = nil
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if fnErr != nil {
			return fnErr
		}
		return wrapErr("update", key, err)
	}
	return NewPersistenceError("update", key, ErrTooManyRetries)
}

func (s *RedisStorage) Delete(ctx context.Context, key string) error {
	deleted, err := s.rdb.Del(ctx, key).Result()
	if err != nil {
		return wrapErr("delete", key, err)
	}
	if deleted == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStorage) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, wrapErr("exists", key, err)
	}
	return n > 0, nil
}

func (s *RedisStorage) Expire(ctx context.Context, key string, expiresAt time.Time) error {
	ok, err := s.rdb.ExpireAt(ctx, key, expiresAt).Result()
	if err != nil {
		return wrapErr("expire", key, err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStorage) IndexAdd(ctx context.Context, member string, score float64, expiresIn time.Duration, indexes ...string) error {
	if len(indexes) == 0 {
		return nil
	}
	pipe := s.rdb.Pipeline()
	for _, index := range indexes {
		pipe.ZAdd(ctx, index, redis.Z{Score: score, Member: member})
		if expiresIn > 0 {
			pipe.Expire(ctx, index, expiresIn)
		}
	}
	_, err := pipe.Exec(ctx)
	return wrapErr("zadd", indexes[0], err)
}

func formatScore(v float64) string {
	if math.IsInf(v, -1) {
		return "-inf"
	}
	if math.IsInf(v, 1) {
		return "+inf"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// IndexRange returns members scored within [min, max] in ascending order. limit <= 0 means no limit.
func (s *RedisStorage) IndexRange(ctx context.Context, index string, min, max float64, offset, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 0
		if offset > 0 {
			limit = -1
		}
	}
	members, err := s.rdb.ZRangeByScore(ctx, index, &redis.ZRangeBy{
		Min:    formatScore(min),
		Max:    formatScore(max),
		Offset: offset,
		Count:  limit,
	}).Result()
	return members, wrapErr("zrange", index, err)
}

func (s *RedisStorage) IndexRemove(ctx context.Context, index string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return wrapErr("zrem", index, s.rdb.ZRem(ctx, index, args...).Err())
}

func (s *RedisStorage) IndexTrim(ctx context.Context, index string, maxScore float64) error {
	return wrapErr("zremrange", index, s.rdb.ZRemRangeByScore(ctx, index, "-inf", formatScore(maxScore)).Err())
}

func (s *RedisStorage) Ping(ctx context.Context) error {
	return wrapErr("ping", "", s.rdb.Ping(ctx).Err())
}

func NewRedisStorage(db redis.UniversalClient) *RedisStorage {
	return &RedisStorage{
		rdb: db,
	}
}
