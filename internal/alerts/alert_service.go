package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/khanghh/kguard/internal/metrics"
	"github.com/khanghh/kguard/internal/store"
	"github.com/khanghh/kguard/model"
	"github.com/khanghh/kguard/params"
)

// AlertService owns alert persistence and the status state machine. Transitions
// are the only way an alert changes after creation.
type AlertService struct {
	store     store.Store[model.SecurityAlert]
	retention time.Duration
	now       func() time.Time
}

func scoreOf(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func (s *AlertService) Create(ctx context.Context, alert *model.SecurityAlert) error {
	if alert.AlertID == "" {
		alert.AlertID = model.GenerateID()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = s.now()
	}
	alert.Status = model.AlertStatusOpen
	alert.ResolvedAt = nil
	alert.ResolvedBy = ""
	alert.ResolutionNotes = ""

	// index first: a member without a value is skipped by List, a value without
	// a member would never be listed
	if err := s.store.Indexes().IndexAdd(ctx, alert.AlertID, scoreOf(alert.CreatedAt), s.retention, params.TimeIndexName); err != nil {
		return err
	}
	if err := s.store.Create(ctx, alert.AlertID, *alert, s.retention); err != nil {
		return err
	}
	metrics.Alerts.WithLabelValues(string(alert.ThreatLevel), string(alert.EventType)).Inc()
	slog.Info("Security alert created",
		"alertID", alert.AlertID,
		"level", alert.ThreatLevel,
		"type", alert.EventType,
		"ip", alert.SourceIP,
		"priority", alert.Priority,
	)
	return nil
}

func (s *AlertService) Get(ctx context.Context, alertID string) (*model.SecurityAlert, error) {
	alert, err := s.store.Get(ctx, alertID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

// List returns alerts matching the filter ordered by creation time.
func (s *AlertService) List(ctx context.Context, filter model.AlertFilter) ([]model.SecurityAlert, error) {
	min, max := math.Inf(-1), math.Inf(1)
	if !filter.Since.IsZero() {
		min = scoreOf(filter.Since)
	}
	if !filter.Until.IsZero() {
		max = scoreOf(filter.Until)
	}
	storage := s.store.Indexes()
	if err := storage.IndexTrim(ctx, params.TimeIndexName, scoreOf(s.now().Add(-s.retention))); err != nil {
		return nil, err
	}
	ids, err := storage.IndexRange(ctx, params.TimeIndexName, min, max, 0, 0)
	if err != nil {
		return nil, err
	}
	alerts, err := s.store.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	matched := make([]model.SecurityAlert, 0, len(alerts))
	for i := range alerts {
		if !filter.Match(&alerts[i]) {
			continue
		}
		matched = append(matched, alerts[i])
		if filter.Limit > 0 && len(matched) >= filter.Limit {
			break
		}
	}
	return matched, nil
}

func (s *AlertService) transition(ctx context.Context, alertID string, next model.AlertStatus, apply func(alert *model.SecurityAlert)) (*model.SecurityAlert, error) {
	updated, err := s.store.Update(ctx, alertID, func(cur *model.SecurityAlert) (*model.SecurityAlert, time.Duration, error) {
		if cur == nil {
			return nil, 0, ErrAlertNotFound
		}
		if !cur.Status.CanTransition(next) {
			return nil, 0, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, next)
		}
		cur.Status = next
		if apply != nil {
			apply(cur)
		}
		return cur, store.KeepTTL, nil
	})
	if err != nil {
		return nil, err
	}
	metrics.AlertTransitions.WithLabelValues(string(next)).Inc()
	return &updated, nil
}

func (s *AlertService) Acknowledge(ctx context.Context, alertID string, operator string) (*model.SecurityAlert, error) {
	alert, err := s.transition(ctx, alertID, model.AlertStatusAcknowledged, nil)
	if err == nil {
		slog.Info("Alert acknowledged", "alertID", alertID, "operator", operator)
	}
	return alert, err
}

func (s *AlertService) Resolve(ctx context.Context, alertID string, operator string, notes string) (*model.SecurityAlert, error) {
	return s.transition(ctx, alertID, model.AlertStatusResolved, func(alert *model.SecurityAlert) {
		now := s.now()
		alert.ResolvedAt = &now
		alert.ResolvedBy = operator
		alert.ResolutionNotes = notes
	})
}

func (s *AlertService) MarkFalsePositive(ctx context.Context, alertID string, operator string, notes string) (*model.SecurityAlert, error) {
	return s.transition(ctx, alertID, model.AlertStatusFalsePositive, func(alert *model.SecurityAlert) {
		now := s.now()
		alert.ResolvedAt = &now
		alert.ResolvedBy = operator
		alert.ResolutionNotes = notes
	})
}

func NewAlertService(storage store.Storage, retention time.Duration) *AlertService {
	if retention <= 0 {
		retention = params.AlertRetention
	}
	return &AlertService{
		store:     store.New[model.SecurityAlert](storage, params.AlertKeyPrefix),
		retention: retention,
		now:       time.Now,
	}
}
