package store

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
)

// IndexNamespace is the root of every secondary index key. Value keys never start
// with it, so an index can not collide with a stored value whatever its key.
const IndexNamespace = "idx:"

type store[T any] struct {
	storage Storage
	indexes Storage
}

func (s *store[T]) Indexes() Storage {
	return s.indexes
}

func (s *store[T]) decode(key string, data []byte) (T, error) {
	var obj T
	if err := json.Unmarshal(data, &obj); err != nil {
		return obj, NewPersistenceError("decode", key, err)
	}
	return obj, nil
}

func (s *store[T]) encode(key string, val T) ([]byte, error) {
	data, err := json.Marshal(val)
	if err != nil {
		return nil, NewPersistenceError("encode", key, err)
	}
	return data, nil
}

func (s *store[T]) Get(ctx context.Context, key string) (T, error) {
	data, err := s.storage.Get(ctx, key)
	if err != nil {
		var zero T
		return zero, err
	}
	return s.decode(key, data)
}

// GetMany returns the values of the keys that exist, in key order.
func (s *store[T]) GetMany(ctx context.Context, keys []string) ([]T, error) {
	values, err := s.storage.GetMany(ctx, keys)
	if err != nil {
		return nil, err
	}
	objs := make([]T, 0, len(values))
	for i, data := range values {
		if data == nil {
			continue
		}
		obj, err := s.decode(keys[i], data)
		if err != nil {
			return nil, err
		}
		objs = append(objs, obj)
	}
	return objs, nil
}

func (s *store[T]) Set(ctx context.Context, key string, val T, expiresIn time.Duration) error {
	data, err := s.encode(key, val)
	if err != nil {
		return err
	}
	return s.storage.Set(ctx, key, data, expiresIn)
}

func (s *store[T]) Create(ctx context.Context, key string, val T, expiresIn time.Duration) error {
	data, err := s.encode(key, val)
	if err != nil {
		return err
	}
	return s.storage.Create(ctx, key, data, expiresIn)
}

// Update applies fn atomically to the value stored at key. fn receives nil when the key
// does not exist and returns nil to skip the write.
func (s *store[T]) Update(ctx context.Context, key string, fn func(current *T) (*T, time.Duration, error)) (T, error) {
	var result T
	err := s.storage.Update(ctx, key, func(current []byte) ([]byte, time.Duration, error) {
		var cur *T
		if current != nil {
			obj, err := s.decode(key, current)
			if err != nil {
				return nil, 0, err
			}
			cur = &obj
		}
		next, expiresIn, err := fn(cur)
		if err != nil {
			return nil, 0, err
		}
		if next == nil {
			if cur != nil {
				result = *cur
			}
			return nil, 0, nil
		}
		result = *next
		data, err := s.encode(key, *next)
		return data, expiresIn, err
	})
	return result, err
}

func (s *store[T]) Delete(ctx context.Context, key string) error {
	return s.storage.Delete(ctx, key)
}

func (s *store[T]) Exists(ctx context.Context, key string) (bool, error) {
	return s.storage.Exists(ctx, key)
}

func (s *store[T]) Expire(ctx context.Context, key string, expiresAt time.Time) error {
	return s.storage.Expire(ctx, key, expiresAt)
}

func New[T any](storage Storage, keyPrefix string) Store[T] {
	return &store[T]{
		storage: StorageWithPrefix(storage, keyPrefix),
		indexes: StorageWithPrefix(storage, IndexNamespace+keyPrefix),
	}
}

// IsUnavailable reports whether err came from the backing store rather than from a
// missing or duplicate key.
func IsUnavailable(err error) bool {
	var perr *PersistenceError
	return errors.As(err, &perr)
}
