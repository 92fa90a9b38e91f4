package tracker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/khanghh/kguard/model"
	"github.com/khanghh/kguard/params"
)

type eventWindow struct {
	mu      sync.Mutex
	events  []model.EventSummary
	evicted bool
}

// insert keeps events ordered by timestamp, late arrivals are placed after equal timestamps.
func (w *eventWindow) insert(ev model.EventSummary) {
	idx := sort.Search(len(w.events), func(i int) bool {
		return w.events[i].Timestamp.After(ev.Timestamp)
	})
	w.events = append(w.events, model.EventSummary{})
	copy(w.events[idx+1:], w.events[idx:])
	w.events[idx] = ev
}

func (w *eventWindow) prune(cutoff time.Time, maxEntries int) {
	drop := sort.Search(len(w.events), func(i int) bool {
		return !w.events[i].Timestamp.Before(cutoff)
	})
	if over := len(w.events) - drop - maxEntries; over > 0 {
		drop += over
	}
	if drop > 0 {
		w.events = append(w.events[:0:0], w.events[drop:]...)
	}
}

func (w *eventWindow) snapshot(since time.Time) []model.EventSummary {
	return append([]model.EventSummary(nil), Since(w.events, since)...)
}

func (w *eventWindow) newest() time.Time {
	if len(w.events) == 0 {
		return time.Time{}
	}
	return w.events[len(w.events)-1].Timestamp
}

type trackerShard struct {
	mu      sync.RWMutex
	windows map[string]*eventWindow
}

// MemoryTracker is an in-process Tracker. The shard lock only guards window lookup,
// each subject has its own lock so unrelated subjects never contend.
type MemoryTracker struct {
	config Config
	shards []*trackerShard
	now    func() time.Time
}

func (t *MemoryTracker) shard(subject string) *trackerShard {
	return t.shards[xxhash.Sum64String(subject)%uint64(len(t.shards))]
}

func (t *MemoryTracker) getOrCreate(subject string) *eventWindow {
	sh := t.shard(subject)
	sh.mu.RLock()
	w, ok := sh.windows[subject]
	sh.mu.RUnlock()
	if ok {
		return w
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if w, ok = sh.windows[subject]; !ok {
		w = &eventWindow{}
		sh.windows[subject] = w
	}
	return w
}

func (t *MemoryTracker) Record(ctx context.Context, subject string, summary model.EventSummary, horizon time.Duration) ([]model.EventSummary, error) {
	now := t.now()
	for {
		w := t.getOrCreate(subject)
		w.mu.Lock()
		if w.evicted {
			w.mu.Unlock()
			continue
		}
		w.insert(summary)
		w.prune(now.Add(-t.config.MaxHorizon), t.config.MaxEntries)
		events := w.snapshot(now.Add(-horizon))
		w.mu.Unlock()
		return events, nil
	}
}

func (t *MemoryTracker) Window(ctx context.Context, subject string, horizon time.Duration) ([]model.EventSummary, error) {
	sh := t.shard(subject)
	sh.mu.RLock()
	w, ok := sh.windows[subject]
	sh.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	now := t.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now.Add(-t.config.MaxHorizon), t.config.MaxEntries)
	return w.snapshot(now.Add(-horizon)), nil
}

// Sweep evicts subjects whose newest entry is older than the max horizon and
// returns the number of evicted subjects.
func (t *MemoryTracker) Sweep() int {
	cutoff := t.now().Add(-t.config.MaxHorizon)
	evicted := 0
	for _, sh := range t.shards {
		sh.mu.Lock()
		for subject, w := range sh.windows {
			w.mu.Lock()
			if w.newest().Before(cutoff) {
				w.evicted = true
				delete(sh.windows, subject)
				evicted++
			}
			w.mu.Unlock()
		}
		sh.mu.Unlock()
	}
	return evicted
}

// Len returns the number of tracked subjects.
func (t *MemoryTracker) Len() int {
	n := 0
	for _, sh := range t.shards {
		sh.mu.RLock()
		n += len(sh.windows)
		sh.mu.RUnlock()
	}
	return n
}

// StartSweeper runs Sweep every interval until ctx is cancelled.
func (t *MemoryTracker) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = params.TrackerSweepInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Sweep()
			}
		}
	}()
}

func NewMemoryTracker(config Config) *MemoryTracker {
	return newMemoryTracker(config, time.Now)
}

func newMemoryTracker(config Config, now func() time.Time) *MemoryTracker {
	config.sanitize()
	shards := make([]*trackerShard, params.TrackerShards)
	for i := range shards {
		shards[i] = &trackerShard{windows: make(map[string]*eventWindow)}
	}
	return &MemoryTracker{
		config: config,
		shards: shards,
		now:    now,
	}
}
