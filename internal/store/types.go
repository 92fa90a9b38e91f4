package store

import (
	"context"
	"time"
)

const (
	// NoExpiration stores a value without a TTL.
	NoExpiration time.Duration = 0
	// KeepTTL keeps the remaining TTL of an existing value on update.
	KeepTTL time.Duration = -1
)

// UpdateFunc receives the current encoded value (nil when the key is absent) and
// returns the value to write. Returning a nil value leaves the key untouched.
type UpdateFunc func(current []byte) (next []byte, expiresIn time.Duration, err error)

// Storage is a keyed blob store with TTLs and sorted secondary indexes.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	GetMany(ctx context.Context, keys []string) ([][]byte, error)
	Set(ctx context.Context, key string, val []byte, expiresIn time.Duration) error
	Create(ctx context.Context, key string, val []byte, expiresIn time.Duration) error
	Update(ctx context.Context, key string, fn UpdateFunc) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, expiresAt time.Time) error
	IndexAdd(ctx context.Context, member string, score float64, expiresIn time.Duration, indexes ...string) error
	IndexRange(ctx context.Context, index string, min, max float64, offset, limit int64) ([]string, error)
	IndexRemove(ctx context.Context, index string, members ...string) error
	IndexTrim(ctx context.Context, index string, maxScore float64) error
	Ping(ctx context.Context) error
}

type Store[T any] interface {
	// Indexes is the storage holding the secondary indexes of the store.
	Indexes() Storage
	Get(ctx context.Context, key string) (T, error)
	GetMany(ctx context.Context, keys []string) ([]T, error)
	Set(ctx context.Context, key string, val T, expiresIn time.Duration) error
	Create(ctx context.Context, key string, val T, expiresIn time.Duration) error
	Update(ctx context.Context, key string, fn func(current *T) (*T, time.Duration, error)) (T, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, expiresAt time.Time) error
}
