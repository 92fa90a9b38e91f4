package tracker

import (
	"context"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/khanghh/kguard/internal/store"
	"github.com/khanghh/kguard/model"
	"github.com/redis/go-redis/v9"
)

// RedisTracker keeps one sorted set per subject scored by unix milliseconds so that
// every instance sharing the store sees the same windows.
type RedisTracker struct {
	rdb       redis.UniversalClient
	keyPrefix string
	config    Config
	now       func() time.Time
}

func (t *RedisTracker) key(subject string) string {
	return t.keyPrefix + subject
}

func scoreOf(ts time.Time) string {
	return strconv.FormatInt(ts.UnixMilli(), 10)
}

func decodeMembers(key string, members []string) ([]model.EventSummary, error) {
	events := make([]model.EventSummary, 0, len(members))
	for _, m := range members {
		var ev model.EventSummary
		if err := json.Unmarshal([]byte(m), &ev); err != nil {
			return nil, store.NewPersistenceError("decode", key, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func (t *RedisTracker) Record(ctx context.Context, subject string, summary model.EventSummary, horizon time.Duration) ([]model.EventSummary, error) {
	member, err := json.Marshal(summary)
	if err != nil {
		return nil, store.NewPersistenceError("encode", subject, err)
	}
	key := t.key(subject)
	now := t.now()

	pipe := t.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(summary.Timestamp.UnixMilli()), Member: member})
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+scoreOf(now.Add(-t.config.MaxHorizon)))
	pipe.ZRemRangeByRank(ctx, key, 0, int64(-t.config.MaxEntries-1))
	rangeCmd := pipe.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: scoreOf(now.Add(-horizon)), Max: "+inf"})
	pipe.Expire(ctx, key, t.config.MaxHorizon)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, store.NewPersistenceError("record", key, err)
	}
	return decodeMembers(key, rangeCmd.Val())
}

func (t *RedisTracker) Window(ctx context.Context, subject string, horizon time.Duration) ([]model.EventSummary, error) {
	key := t.key(subject)
	members, err := t.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: scoreOf(t.now().Add(-horizon)),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, store.NewPersistenceError("window", key, err)
	}
	return decodeMembers(key, members)
}

func NewRedisTracker(rdb redis.UniversalClient, keyPrefix string, config Config) *RedisTracker {
	config.sanitize()
	return &RedisTracker{
		rdb:       rdb,
		keyPrefix: keyPrefix,
		config:    config,
		now:       time.Now,
	}
}
