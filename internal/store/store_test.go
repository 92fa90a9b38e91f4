package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	ID    string         `json:"id"`
	Count int            `json:"count"`
	Meta  map[string]any `json:"meta,omitempty"`
}

func newTestRedisStorage(t *testing.T) (*RedisStorage, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisStorage(rdb), mr
}

func backends(t *testing.T) map[string]Storage {
	redisStorage, _ := newTestRedisStorage(t)
	memStorage := NewMemoryStorage(time.Minute)
	t.Cleanup(func() { memStorage.Close() })
	return map[string]Storage{
		"redis":  redisStorage,
		"memory": memStorage,
	}
}

func TestStore_GetSetCreate(t *testing.T) {
	for name, storage := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := New[record](storage, "rec:")

			_, err := s.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Create(ctx, "a", record{ID: "a", Count: 1, Meta: map[string]any{"k": "v"}}, time.Hour))
			err = s.Create(ctx, "a", record{ID: "a", Count: 2}, time.Hour)
			assert.ErrorIs(t, err, ErrAlreadyExists)

			got, err := s.Get(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, 1, got.Count)
			assert.Equal(t, "v", got.Meta["k"])

			require.NoError(t, s.Set(ctx, "b", record{ID: "b", Count: 5}, time.Hour))
			many, err := s.GetMany(ctx, []string{"a", "nope", "b"})
			require.NoError(t, err)
			require.Len(t, many, 2)
			assert.Equal(t, "a", many[0].ID)
			assert.Equal(t, "b", many[1].ID)

			ok, err := s.Exists(ctx, "b")
			require.NoError(t, err)
			assert.True(t, ok)
			require.NoError(t, s.Delete(ctx, "b"))
			assert.ErrorIs(t, s.Delete(ctx, "b"), ErrNotFound)
		})
	}
}

func TestStore_UpdateConcurrent(t *testing.T) {
	for name, storage := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := New[record](storage, "cnt:")

			var wg sync.WaitGroup
			for i := 0; i < 5; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := s.Update(ctx, "c", func(cur *record) (*record, time.Duration, error) {
						if cur == nil {
							return &record{ID: "c", Count: 1}, time.Hour, nil
						}
						cur.Count++
						return cur, KeepTTL, nil
					})
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			got, err := s.Get(ctx, "c")
			require.NoError(t, err)
			assert.Equal(t, 5, got.Count)
		})
	}
}

func TestStore_UpdateCallbackError(t *testing.T) {
	errBoom := errors.New("boom")
	for name, storage := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := New[record](storage, "err:")
			_, err := s.Update(context.Background(), "x", func(cur *record) (*record, time.Duration, error) {
				return nil, 0, errBoom
			})
			assert.ErrorIs(t, err, errBoom)
			assert.False(t, IsUnavailable(err))
		})
	}
}

func TestStore_Index(t *testing.T) {
	for name, storage := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := StorageWithPrefix(storage, "idx-test:")
			for i := 1; i <= 5; i++ {
				require.NoError(t, s.IndexAdd(ctx, fmt.Sprintf("m%d", i), float64(i*10), time.Hour, "all", "odd"))
			}

			members, err := s.IndexRange(ctx, "all", 20, 40, 0, 0)
			require.NoError(t, err)
			assert.Equal(t, []string{"m2", "m3", "m4"}, members)

			members, err = s.IndexRange(ctx, "all", math.Inf(-1), math.Inf(1), 1, 2)
			require.NoError(t, err)
			assert.Equal(t, []string{"m2", "m3"}, members)

			require.NoError(t, s.IndexTrim(ctx, "all", 30))
			members, err = s.IndexRange(ctx, "all", math.Inf(-1), math.Inf(1), 0, 0)
			require.NoError(t, err)
			assert.Equal(t, []string{"m4", "m5"}, members)

			require.NoError(t, s.IndexRemove(ctx, "odd", "m1", "m3", "m5"))
			members, err = s.IndexRange(ctx, "odd", math.Inf(-1), math.Inf(1), 0, 0)
			require.NoError(t, err)
			assert.Equal(t, []string{"m2", "m4"}, members)
		})
	}
}

func TestRedisStorage_TTL(t *testing.T) {
	storage, mr := newTestRedisStorage(t)
	ctx := context.Background()
	require.NoError(t, storage.Set(ctx, "ttl", []byte("x"), time.Minute))
	mr.FastForward(2 * time.Minute)
	_, err := storage.Get(ctx, "ttl")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStorage_Unavailable(t *testing.T) {
	storage, mr := newTestRedisStorage(t)
	mr.Close()
	err := storage.Set(context.Background(), "k", []byte("v"), time.Minute)
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "set", perr.Op)
	assert.True(t, IsUnavailable(err))
}

func TestMemoryStorage_ExpiresOnRead(t *testing.T) {
	now := time.Now()
	storage := newMemoryStorage(time.Minute, func() time.Time { return now })
	defer storage.Close()
	ctx := context.Background()

	require.NoError(t, storage.Set(ctx, "k", []byte("v"), 10*time.Second))
	val, err := storage.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)

	now = now.Add(11 * time.Second)
	_, err = storage.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStorage_KeepTTL(t *testing.T) {
	now := time.Now()
	storage := newMemoryStorage(time.Minute, func() time.Time { return now })
	defer storage.Close()
	ctx := context.Background()

	require.NoError(t, storage.Set(ctx, "k", []byte("1"), 10*time.Second))
	now = now.Add(5 * time.Second)
	require.NoError(t, storage.Update(ctx, "k", func(cur []byte) ([]byte, time.Duration, error) {
		return []byte("2"), KeepTTL, nil
	}))
	now = now.Add(6 * time.Second)
	_, err := storage.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStorage_IndexMembersExpire(t *testing.T) {
	var mu sync.Mutex
	now := time.Now()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	storage := newMemoryStorage(time.Hour, clock)
	defer storage.Close()
	ctx := context.Background()

	require.NoError(t, storage.IndexAdd(ctx, "short", 1, 10*time.Second, "all", "tmp"))
	require.NoError(t, storage.IndexAdd(ctx, "long", 2, time.Hour, "all"))
	require.NoError(t, storage.IndexAdd(ctx, "forever", 3, NoExpiration, "all"))

	mu.Lock()
	now = now.Add(11 * time.Second)
	mu.Unlock()
	members, err := storage.IndexRange(ctx, "all", math.Inf(-1), math.Inf(1), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"long", "forever"}, members)

	storage.sweepIndexes()
	assert.Nil(t, storage.index("tmp", false))
	assert.NotNil(t, storage.index("all", false))

	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()
	storage.sweepIndexes()
	members, err = storage.IndexRange(ctx, "all", math.Inf(-1), math.Inf(1), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"forever"}, members)
}

func TestMemoryStorage_IndexAddDuringSweep(t *testing.T) {
	storage := NewMemoryStorage(time.Hour)
	defer storage.Close()
	ctx := context.Background()
	const writers, perWriter = 8, 200

	stop := make(chan struct{})
	swept := make(chan struct{})
	go func() {
		defer close(swept)
		for {
			select {
			case <-stop:
				return
			default:
				storage.sweepIndexes()
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				member := fmt.Sprintf("w%d-%d", w, i)
				assert.NoError(t, storage.IndexAdd(ctx, member, float64(i), time.Hour, "shared", member))
				assert.NoError(t, storage.Create(ctx, member, []byte("v"), time.Hour))
			}
		}()
	}
	wg.Wait()
	close(stop)
	<-swept

	members, err := storage.IndexRange(ctx, "shared", math.Inf(-1), math.Inf(1), 0, 0)
	require.NoError(t, err)
	assert.Len(t, members, writers*perWriter)
	values, err := storage.GetMany(ctx, members)
	require.NoError(t, err)
	for _, v := range values {
		assert.Equal(t, []byte("v"), v)
	}
}
