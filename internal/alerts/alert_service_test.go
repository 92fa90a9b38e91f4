package alerts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/khanghh/kguard/internal/store"
	"github.com/khanghh/kguard/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *AlertService {
	storage := store.NewMemoryStorage(time.Minute)
	t.Cleanup(func() { storage.Close() })
	return NewAlertService(storage, 0)
}

func createAlert(t *testing.T, svc *AlertService, level model.ThreatLevel, ip string) *model.SecurityAlert {
	alert := &model.SecurityAlert{
		ThreatLevel: level,
		EventType:   model.EventBruteForce,
		SourceIP:    ip,
		Description: "test alert",
	}
	require.NoError(t, svc.Create(context.Background(), alert))
	return alert
}

func TestAlertService_CreateAndGet(t *testing.T) {
	svc := newTestService(t)
	alert := createAlert(t, svc, model.ThreatLevelHigh, "10.0.0.1")
	assert.NotEmpty(t, alert.AlertID)
	assert.Equal(t, model.AlertStatusOpen, alert.Status)

	got, err := svc.Get(context.Background(), alert.AlertID)
	require.NoError(t, err)
	assert.Equal(t, alert.AlertID, got.AlertID)
	assert.Equal(t, model.ThreatLevelHigh, got.ThreatLevel)

	_, err = svc.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrAlertNotFound)
}

func TestAlertService_ResolvePath(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	alert := createAlert(t, svc, model.ThreatLevelHigh, "10.0.0.1")

	_, err := svc.Resolve(ctx, alert.AlertID, "op", "too early")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	acked, err := svc.Acknowledge(ctx, alert.AlertID, "op")
	require.NoError(t, err)
	assert.Equal(t, model.AlertStatusAcknowledged, acked.Status)
	assert.Nil(t, acked.ResolvedAt)

	_, err = svc.MarkFalsePositive(ctx, alert.AlertID, "op", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	resolved, err := svc.Resolve(ctx, alert.AlertID, "op", "patched")
	require.NoError(t, err)
	assert.Equal(t, model.AlertStatusResolved, resolved.Status)
	assert.Equal(t, "op", resolved.ResolvedBy)
	assert.Equal(t, "patched", resolved.ResolutionNotes)
	require.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, alert.Description, resolved.Description)

	_, err = svc.Acknowledge(ctx, alert.AlertID, "op")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestAlertService_FalsePositiveIsTerminal(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	alert := createAlert(t, svc, model.ThreatLevelMedium, "10.0.0.2")

	fp, err := svc.MarkFalsePositive(ctx, alert.AlertID, "op", "scanner")
	require.NoError(t, err)
	assert.Equal(t, model.AlertStatusFalsePositive, fp.Status)

	for _, fn := range []func() error{
		func() error { _, err := svc.Acknowledge(ctx, alert.AlertID, "op"); return err },
		func() error { _, err := svc.Resolve(ctx, alert.AlertID, "op", ""); return err },
		func() error { _, err := svc.MarkFalsePositive(ctx, alert.AlertID, "op", ""); return err },
	} {
		assert.ErrorIs(t, fn(), ErrInvalidTransition)
	}

	_, err = svc.Acknowledge(ctx, "missing", "op")
	assert.ErrorIs(t, err, ErrAlertNotFound)
}

func TestAlertService_List(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	base := time.Now().Add(-48 * time.Hour)
	for i, level := range []model.ThreatLevel{model.ThreatLevelHigh, model.ThreatLevelMedium, model.ThreatLevelHigh} {
		alert := &model.SecurityAlert{
			ThreatLevel: level,
			EventType:   model.EventXSSAttempt,
			SourceIP:    "10.0.0.3",
			CreatedAt:   base.Add(time.Duration(i) * 24 * time.Hour),
		}
		require.NoError(t, svc.Create(ctx, alert))
	}

	all, err := svc.List(ctx, model.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].CreatedAt.Before(all[2].CreatedAt))

	high, err := svc.List(ctx, model.AlertFilter{ThreatLevel: model.ThreatLevelHigh})
	require.NoError(t, err)
	assert.Len(t, high, 2)

	recent, err := svc.List(ctx, model.AlertFilter{Since: base.Add(12 * time.Hour)})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	limited, err := svc.List(ctx, model.AlertFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

// failingStorage fails the first failIndex index writes and failCreate creates.
type failingStorage struct {
	store.Storage
	mu         sync.Mutex
	failIndex  int
	failCreate int
}

func (f *failingStorage) take(counter *int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	*counter--
	return *counter >= 0
}

func (f *failingStorage) IndexAdd(ctx context.Context, member string, score float64, expiresIn time.Duration, indexes ...string) error {
	if f.take(&f.failIndex) {
		return store.NewPersistenceError("zadd", member, errors.New("connection reset"))
	}
	return f.Storage.IndexAdd(ctx, member, score, expiresIn, indexes...)
}

func (f *failingStorage) Create(ctx context.Context, key string, val []byte, expiresIn time.Duration) error {
	if f.take(&f.failCreate) {
		return store.NewPersistenceError("create", key, errors.New("connection reset"))
	}
	return f.Storage.Create(ctx, key, val, expiresIn)
}

func TestAlertService_CreateNeverLeavesUnlistedAlert(t *testing.T) {
	tests := []struct {
		name       string
		failIndex  int
		failCreate int
	}{
		{"index write fails", 1, 0},
		{"value write fails", 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			memStorage := store.NewMemoryStorage(time.Minute)
			defer memStorage.Close()
			svc := NewAlertService(&failingStorage{Storage: memStorage, failIndex: tt.failIndex, failCreate: tt.failCreate}, 0)
			ctx := context.Background()

			alert := &model.SecurityAlert{
				ThreatLevel: model.ThreatLevelHigh,
				EventType:   model.EventInjectionAttempt,
				SourceIP:    "10.0.0.9",
			}
			require.Error(t, svc.Create(ctx, alert))
			_, err := svc.Get(ctx, alert.AlertID)
			require.ErrorIs(t, err, ErrAlertNotFound)
			list, err := svc.List(ctx, model.AlertFilter{})
			require.NoError(t, err)
			assert.Empty(t, list)

			require.NoError(t, svc.Create(ctx, alert))
			list, err = svc.List(ctx, model.AlertFilter{})
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, alert.AlertID, list[0].AlertID)
		})
	}
}
