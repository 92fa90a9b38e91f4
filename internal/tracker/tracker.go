package tracker

import (
	"context"
	"time"

	"github.com/khanghh/kguard/model"
)

// Tracker keeps a sliding window of recent event summaries per subject key.
type Tracker interface {
	// Record inserts the summary and returns the subject's window of the last
	// horizon, including the new entry, as a single atomic step per subject.
	Record(ctx context.Context, subject string, summary model.EventSummary, horizon time.Duration) ([]model.EventSummary, error)
	// Window returns the subject's entries of the last horizon ordered by timestamp.
	Window(ctx context.Context, subject string, horizon time.Duration) ([]model.EventSummary, error)
}

type Config struct {
	MaxHorizon time.Duration // entries older than this are pruned
	MaxEntries int           // per subject cap, oldest dropped first
}

func (c *Config) sanitize() {
	if c.MaxHorizon <= 0 {
		c.MaxHorizon = time.Hour
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = 1000
	}
}

// Count returns the number of summaries accepted by match.
func Count(events []model.EventSummary, match func(model.EventSummary) bool) int {
	n := 0
	for _, ev := range events {
		if match(ev) {
			n++
		}
	}
	return n
}

// Since returns the suffix of a timestamp ordered window at or after t.
func Since(events []model.EventSummary, t time.Time) []model.EventSummary {
	for i, ev := range events {
		if !ev.Timestamp.Before(t) {
			return events[i:]
		}
	}
	return nil
}
