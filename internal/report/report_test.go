package report

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/khanghh/kguard/internal/alerts"
	"github.com/khanghh/kguard/internal/store"
	"github.com/khanghh/kguard/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticScans struct {
	results []model.ScanResult
	err     error
}

func (s *staticScans) Since(ctx context.Context, t time.Time) ([]model.ScanResult, error) {
	return s.results, s.err
}

type failingAlerts struct{}

func (failingAlerts) List(ctx context.Context, filter model.AlertFilter) ([]model.SecurityAlert, error) {
	return nil, store.NewPersistenceError("zrange", "idx:ts", errors.New("connection refused"))
}

func seedAlerts(t *testing.T, storage store.Storage) *alerts.AlertService {
	svc := alerts.NewAlertService(storage, 0)
	ctx := context.Background()
	seed := []struct {
		level model.ThreatLevel
		typ   model.EventType
		ip    string
	}{
		{model.ThreatLevelHigh, model.EventBruteForce, "10.0.0.1"},
		{model.ThreatLevelHigh, model.EventBruteForce, "10.0.0.1"},
		{model.ThreatLevelHigh, model.EventInjectionAttempt, "10.0.0.2"},
		{model.ThreatLevelMedium, model.EventXSSAttempt, "10.0.0.3"},
		{model.ThreatLevelMedium, model.EventSuspiciousActivity, ""},
	}
	for _, s := range seed {
		require.NoError(t, svc.Create(ctx, &model.SecurityAlert{
			ThreatLevel: s.level,
			EventType:   s.typ,
			SourceIP:    s.ip,
			Description: "seed",
		}))
	}
	// outside any report period
	require.NoError(t, svc.Create(ctx, &model.SecurityAlert{
		ThreatLevel: model.ThreatLevelCritical,
		EventType:   model.EventCommandInjection,
		CreatedAt:   time.Now().Add(-20 * 24 * time.Hour),
	}))
	return svc
}

func TestGenerateReport_Summary(t *testing.T) {
	storage := store.NewMemoryStorage(time.Minute)
	defer storage.Close()
	svc := seedAlerts(t, storage)
	list, err := svc.List(context.Background(), model.AlertFilter{EventType: model.EventXSSAttempt})
	require.NoError(t, err)
	_, err = svc.MarkFalsePositive(context.Background(), list[0].AlertID, "op", "scanner")
	require.NoError(t, err)

	g := NewGenerator(svc, nil, storage)
	report, err := g.GenerateReport(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, 5, report.Summary.TotalAlerts)
	assert.Equal(t, 3, report.Summary.HighAlerts)
	assert.Equal(t, 2, report.Summary.MediumAlerts)
	assert.Equal(t, 0, report.Summary.CriticalAlerts)
	assert.Equal(t, 4, report.Summary.OpenAlerts)
	assert.Equal(t, 1, report.Summary.FalsePositives)
	assert.Equal(t, 2, report.AlertsByType[model.EventBruteForce])
	require.NotEmpty(t, report.TopSourceIPs)
	assert.Equal(t, model.SourceIPCount{IPAddress: "10.0.0.1", Count: 2}, report.TopSourceIPs[0])
	assert.Len(t, report.TopSourceIPs, 3)
	assert.Nil(t, report.Vulnerabilities)
	assert.False(t, report.Degraded)
	assert.Contains(t, report.Recommendations, staticRecommendations[0])

	stored, err := g.Get(context.Background(), report.ReportID)
	require.NoError(t, err)
	assert.Equal(t, 5, stored.Summary.TotalAlerts)

	report, err = g.GenerateReport(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, 6, report.Summary.TotalAlerts)
	assert.Equal(t, 1, report.Summary.CriticalAlerts)
}

func TestGenerateReport_InvalidPeriod(t *testing.T) {
	g := NewGenerator(failingAlerts{}, nil, nil)
	_, err := g.GenerateReport(context.Background(), 0)
	assert.ErrorIs(t, err, ErrInvalidPeriod)
	_, err = g.GenerateReport(context.Background(), 366)
	assert.ErrorIs(t, err, ErrInvalidPeriod)
}

func TestGenerateReport_AlertStoreDown(t *testing.T) {
	storage := store.NewMemoryStorage(time.Minute)
	defer storage.Close()
	scans := &staticScans{results: []model.ScanResult{{
		ScanID:          "s1",
		Status:          model.ScanStatusCompleted,
		Vulnerabilities: []model.Vulnerability{{ID: "GO-2", Severity: model.SeverityCritical, SourceTool: "dependency"}},
	}}}
	g := NewGenerator(failingAlerts{}, scans, storage)

	report, err := g.GenerateReport(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, report.Degraded)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "alerts unavailable")
	assert.Zero(t, report.Summary.TotalAlerts)
	assert.Empty(t, report.AlertsByLevel)
	assert.Empty(t, report.TopSourceIPs)
	require.NotNil(t, report.Vulnerabilities)
	assert.Equal(t, 1, report.Vulnerabilities.Total)
	assert.Contains(t, report.Recommendations, "Remediate critical and high severity vulnerabilities before the next release")

	stored, err := g.Get(context.Background(), report.ReportID)
	require.NoError(t, err)
	assert.True(t, stored.Degraded)
}

func TestGenerateReport_Vulnerabilities(t *testing.T) {
	storage := store.NewMemoryStorage(time.Minute)
	defer storage.Close()
	svc := alerts.NewAlertService(storage, 0)

	shared := model.Vulnerability{ID: "GO-1", Severity: model.SeverityHigh, SourceTool: "dependency", OWASPCategory: model.OWASPVulnerableComponents}
	scans := &staticScans{results: []model.ScanResult{
		{ScanID: "s1", Status: model.ScanStatusCompleted, Vulnerabilities: []model.Vulnerability{
			shared,
			{ID: "sqli@a.go:1", Severity: model.SeverityCritical, SourceTool: "code", OWASPCategory: model.OWASPInjection},
		}},
		{ScanID: "s2", Status: model.ScanStatusPartial, Degraded: true, Vulnerabilities: []model.Vulnerability{
			shared,
			{ID: "hdr", Severity: model.SeverityLow, SourceTool: "web", OWASPCategory: model.OWASPSecurityMisconfig},
			{ID: "misc", Severity: model.SeverityInfo, SourceTool: "web"},
		}},
	}}

	report, err := NewGenerator(svc, scans, nil).GenerateReport(context.Background(), 7)
	require.NoError(t, err)
	v := report.Vulnerabilities
	require.NotNil(t, v)
	assert.Equal(t, 2, v.Scans)
	assert.Equal(t, 4, v.Total)
	assert.Equal(t, 1, v.BySeverity[model.SeverityCritical])
	assert.Equal(t, 1, v.BySeverity[model.SeverityHigh])
	assert.Equal(t, 0, v.BySeverity[model.SeverityMedium])
	assert.Equal(t, 3, v.OWASPCompliance.CategoriesWithFindings)
	assert.InDelta(t, 0.7, v.OWASPCompliance.Score, 0.001)
	assert.Equal(t, 1, v.OWASPCompliance.Categories["A03"])
	assert.Len(t, v.OWASPCompliance.Categories, 10)
	assert.Len(t, report.Errors, 1)
	assert.Contains(t, report.Recommendations, "Remediate critical and high severity vulnerabilities before the next release")
}

func TestGenerateReport_ScanSourceDown(t *testing.T) {
	storage := store.NewMemoryStorage(time.Minute)
	defer storage.Close()
	svc := seedAlerts(t, storage)

	report, err := NewGenerator(svc, &staticScans{err: errors.New("timeout")}, nil).GenerateReport(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, report.Degraded)
	assert.Nil(t, report.Vulnerabilities)
	assert.Equal(t, 5, report.Summary.TotalAlerts)
}
