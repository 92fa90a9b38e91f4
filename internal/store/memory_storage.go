package store

import (
	"context"
	"encoding/binary"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gofiber/storage/memory/v2"
)

const (
	expiryHeaderSize  = 8
	lockStripes       = 64
	defaultGCInterval = 10 * time.Second
)

type indexMember struct {
	score     float64
	expiresAt int64 // unix nanos, 0 never expires
}

func (m indexMember) expired(now int64) bool {
	return m.expiresAt > 0 && now >= m.expiresAt
}

type memoryIndex struct {
	mu      sync.Mutex
	members map[string]indexMember
	dropped bool // removed by the sweeper, writers look the index up again
}

// MemoryStorage is a single-process Storage backed by the fiber memory storage.
// Each value carries its absolute expiry so that reads never return stale entries
// between GC runs and KeepTTL updates can preserve the remaining lifetime.
type MemoryStorage struct {
	kv    *memory.Storage
	locks [lockStripes]sync.Mutex // value writes, striped by key

	idxMu   sync.RWMutex
	indexes map[string]*memoryIndex

	now       func() time.Time
	done      chan struct{}
	closeOnce sync.Once
}

func (s *MemoryStorage) lock(key string) *sync.Mutex {
	mu := &s.locks[xxhash.Sum64String(key)%lockStripes]
	mu.Lock()
	return mu
}

func (s *MemoryStorage) pack(val []byte, expiresIn time.Duration) ([]byte, time.Duration) {
	var expiresAt int64
	if expiresIn > 0 {
		expiresAt = s.now().Add(expiresIn).UnixNano()
	}
	buf := make([]byte, expiryHeaderSize+len(val))
	binary.BigEndian.PutUint64(buf, uint64(expiresAt))
	copy(buf[expiryHeaderSize:], val)
	if expiresIn < 0 {
		expiresIn = 0
	}
	return buf, expiresIn
}

func (s *MemoryStorage) load(key string) ([]byte, time.Time, error) {
	raw, err := s.kv.Get(key)
	if err != nil {
		return nil, time.Time{}, wrapErr("get", key, err)
	}
	if len(raw) < expiryHeaderSize {
		return nil, time.Time{}, ErrNotFound
	}
	var expiresAt time.Time
	if ts := int64(binary.BigEndian.Uint64(raw)); ts > 0 {
		expiresAt = time.Unix(0, ts)
		if !s.now().Before(expiresAt) {
			_ = s.kv.Delete(key)
			return nil, time.Time{}, ErrNotFound
		}
	}
	val := make([]byte, len(raw)-expiryHeaderSize)
	copy(val, raw[expiryHeaderSize:])
	return val, expiresAt, nil
}

func (s *MemoryStorage) store(key string, val []byte, expiresIn time.Duration) error {
	buf, ttl := s.pack(val, expiresIn)
	return wrapErr("set", key, s.kv.Set(key, buf, ttl))
}

func (s *MemoryStorage) Get(ctx context.Context, key string) ([]byte, error) {
	val, _, err := s.load(key)
	return val, err
}

func (s *MemoryStorage) GetMany(ctx context.Context, keys []string) ([][]byte, error) {
	values := make([][]byte, len(keys))
	for i, key := range keys {
		val, _, err := s.load(key)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		values[i] = val
	}
	return values, nil
}

func (s *MemoryStorage) Set(ctx context.Context, key string, val []byte, expiresIn time.Duration) error {
	defer s.lock(key).Unlock()
	return s.store(key, val, expiresIn)
}

func (s *MemoryStorage) Create(ctx context.Context, key string, val []byte, expiresIn time.Duration) error {
	defer s.lock(key).Unlock()
	if _, _, err := s.load(key); err == nil {
		return ErrAlreadyExists
	} else if err != ErrNotFound {
		return err
	}
	return s.store(key, val, expiresIn)
}

func (s *MemoryStorage) Update(ctx context.Context, key string, fn UpdateFunc) error {
	defer s.lock(key).Unlock()
	current, expiresAt, err := s.load(key)
	if err != nil && err != ErrNotFound {
		return err
	}
	next, expiresIn, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}
	if expiresIn == KeepTTL {
		expiresIn = NoExpiration
		if !expiresAt.IsZero() {
			expiresIn = expiresAt.Sub(s.now())
		}
	}
	return s.store(key, next, expiresIn)
}

func (s *MemoryStorage) Delete(ctx context.Context, key string) error {
	defer s.lock(key).Unlock()
	if _, _, err := s.load(key); err != nil {
		return err
	}
	return wrapErr("delete", key, s.kv.Delete(key))
}

func (s *MemoryStorage) Exists(ctx context.Context, key string) (bool, error) {
	_, _, err := s.load(key)
	if err == ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (s *MemoryStorage) Expire(ctx context.Context, key string, expiresAt time.Time) error {
	defer s.lock(key).Unlock()
	val, _, err := s.load(key)
	if err != nil {
		return err
	}
	expiresIn := expiresAt.Sub(s.now())
	if expiresIn <= 0 {
		return wrapErr("expire", key, s.kv.Delete(key))
	}
	return s.store(key, val, expiresIn)
}

func (s *MemoryStorage) index(name string, create bool) *memoryIndex {
	s.idxMu.RLock()
	idx := s.indexes[name]
	s.idxMu.RUnlock()
	if idx != nil || !create {
		return idx
	}
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	if idx = s.indexes[name]; idx == nil {
		idx = &memoryIndex{members: make(map[string]indexMember)}
		s.indexes[name] = idx
	}
	return idx
}

// IndexAdd stores member in each index. A member added with a positive
// expiresIn is dropped once it passes, on read or by the index sweeper.
func (s *MemoryStorage) IndexAdd(ctx context.Context, member string, score float64, expiresIn time.Duration, indexes ...string) error {
	var expiresAt int64
	if expiresIn > 0 {
		expiresAt = s.now().Add(expiresIn).UnixNano()
	}
	for _, name := range indexes {
		for {
			idx := s.index(name, true)
			idx.mu.Lock()
			if idx.dropped {
				idx.mu.Unlock()
				continue
			}
			idx.members[member] = indexMember{score: score, expiresAt: expiresAt}
			idx.mu.Unlock()
			break
		}
	}
	return nil
}

func (s *MemoryStorage) IndexRange(ctx context.Context, index string, min, max float64, offset, limit int64) ([]string, error) {
	type scored struct {
		member string
		score  float64
	}
	idx := s.index(index, false)
	if idx == nil {
		return []string{}, nil
	}
	now := s.now().UnixNano()
	matched := make([]scored, 0)
	idx.mu.Lock()
	for member, m := range idx.members {
		if m.expired(now) {
			delete(idx.members, member)
			continue
		}
		if m.score >= min && m.score <= max {
			matched = append(matched, scored{member, m.score})
		}
	}
	idx.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].score == matched[j].score {
			return matched[i].member < matched[j].member
		}
		return matched[i].score < matched[j].score
	})
	if offset >= int64(len(matched)) {
		return []string{}, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < int64(len(matched)) {
		matched = matched[:limit]
	}
	members := make([]string, len(matched))
	for i, m := range matched {
		members[i] = m.member
	}
	return members, nil
}

func (s *MemoryStorage) IndexRemove(ctx context.Context, index string, members ...string) error {
	idx := s.index(index, false)
	if idx == nil {
		return nil
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, m := range members {
		delete(idx.members, m)
	}
	return nil
}

func (s *MemoryStorage) IndexTrim(ctx context.Context, index string, maxScore float64) error {
	idx := s.index(index, false)
	if idx == nil {
		return nil
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for member, m := range idx.members {
		if m.score <= maxScore || math.IsNaN(m.score) {
			delete(idx.members, member)
		}
	}
	return nil
}

// sweepIndexes drops expired members and indexes left empty.
func (s *MemoryStorage) sweepIndexes() {
	now := s.now().UnixNano()
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	for name, idx := range s.indexes {
		idx.mu.Lock()
		for member, m := range idx.members {
			if m.expired(now) {
				delete(idx.members, member)
			}
		}
		if len(idx.members) == 0 {
			idx.dropped = true
			delete(s.indexes, name)
		}
		idx.mu.Unlock()
	}
}

func (s *MemoryStorage) gcIndexes(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweepIndexes()
		}
	}
}

func (s *MemoryStorage) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStorage) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.kv.Close()
}

func NewMemoryStorage(gcInterval time.Duration) *MemoryStorage {
	return newMemoryStorage(gcInterval, time.Now)
}

func newMemoryStorage(gcInterval time.Duration, now func() time.Time) *MemoryStorage {
	if gcInterval <= 0 {
		gcInterval = defaultGCInterval
	}
	s := &MemoryStorage{
		kv:      memory.New(memory.Config{GCInterval: gcInterval}),
		indexes: make(map[string]*memoryIndex),
		now:     now,
		done:    make(chan struct{}),
	}
	go s.gcIndexes(gcInterval)
	return s
}
