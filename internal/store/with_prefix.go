package store

import (
	"context"
	"time"
)

type prefixedStorage struct {
	underlying Storage
	prefix     string
}

func (p *prefixedStorage) Get(ctx context.Context, key string) ([]byte, error) {
	return p.underlying.Get(ctx, p.prefix+key)
}

func (p *prefixedStorage) GetMany(ctx context.Context, keys []string) ([][]byte, error) {
	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = p.prefix + key
	}
	return p.underlying.GetMany(ctx, prefixed)
}

func (p *prefixedStorage) Set(ctx context.Context, key string, val []byte, expiresIn time.Duration) error {
	return p.underlying.Set(ctx, p.prefix+key, val, expiresIn)
}

func (p *prefixedStorage) Create(ctx context.Context, key string, val []byte, expiresIn time.Duration) error {
	return p.underlying.Create(ctx, p.prefix+key, val, expiresIn)
}

func (p *prefixedStorage) Update(ctx context.Context, key string, fn UpdateFunc) error {
	return p.underlying.Update(ctx, p.prefix+key, fn)
}

func (p *prefixedStorage) Delete(ctx context.Context, key string) error {
	return p.underlying.Delete(ctx, p.prefix+key)
}

func (p *prefixedStorage) Exists(ctx context.Context, key string) (bool, error) {
	return p.underlying.Exists(ctx, p.prefix+key)
}

func (p *prefixedStorage) Expire(ctx context.Context, key string, expiresAt time.Time) error {
	return p.underlying.Expire(ctx, p.prefix+key, expiresAt)
}

func (p *prefixedStorage) IndexAdd(ctx context.Context, member string, score float64, expiresIn time.Duration, indexes ...string) error {
	prefixed := make([]string, len(indexes))
	for i, index := range indexes {
		prefixed[i] = p.prefix + index
	}
	return p.underlying.IndexAdd(ctx, member, score, expiresIn, prefixed...)
}

func (p *prefixedStorage) IndexRange(ctx context.Context, index string, min, max float64, offset, limit int64) ([]string, error) {
	return p.underlying.IndexRange(ctx, p.prefix+index, min, max, offset, limit)
}

func (p *prefixedStorage) IndexRemove(ctx context.Context, index string, members ...string) error {
	return p.underlying.IndexRemove(ctx, p.prefix+index, members...)
}

func (p *prefixedStorage) IndexTrim(ctx context.Context, index string, maxScore float64) error {
	return p.underlying.IndexTrim(ctx, p.prefix+index, maxScore)
}

func (p *prefixedStorage) Ping(ctx context.Context) error {
	return p.underlying.Ping(ctx)
}

func StorageWithPrefix(storage Storage, prefix string) Storage {
	if prefix == "" {
		return storage
	}
	return &prefixedStorage{
		underlying: storage,
		prefix:     prefix,
	}
}
