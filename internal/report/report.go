package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/khanghh/kguard/internal/metrics"
	"github.com/khanghh/kguard/internal/store"
	"github.com/khanghh/kguard/model"
	"github.com/khanghh/kguard/params"
)

var (
	ErrInvalidPeriod  = fmt.Errorf("period must be between 1 and %d days", params.ReportMaxPeriodDays)
	ErrReportNotFound = errors.New("report not found")
)

var staticRecommendations = []string{
	"Review open alerts daily and resolve or mark false positives promptly",
	"Enforce multi-factor authentication for administrative accounts",
	"Keep dependencies patched and rerun dependency scans after upgrades",
	"Rotate credentials and API keys on a fixed schedule",
	"Restrict database and cache ports to private networks",
	"Verify audit log retention and backups regularly",
}

type AlertLister interface {
	List(ctx context.Context, filter model.AlertFilter) ([]model.SecurityAlert, error)
}

type ScanSource interface {
	Since(ctx context.Context, t time.Time) ([]model.ScanResult, error)
}

// Generator aggregates alerts and scan results into reports. It never changes
// the data it reads.
type Generator struct {
	alerts  AlertLister
	scans   ScanSource
	reports store.Store[model.Report]
	now     func() time.Time
}

// GenerateReport summarizes the last periodDays days. Every source is best
// effort: a failed alert or scan read leaves its sections empty and marks the
// report degraded, as does a failed report write.
func (g *Generator) GenerateReport(ctx context.Context, periodDays int) (*model.Report, error) {
	if periodDays < 1 || periodDays > params.ReportMaxPeriodDays {
		return nil, ErrInvalidPeriod
	}
	end := g.now()
	start := end.Add(-time.Duration(periodDays) * 24 * time.Hour)

	report := &model.Report{
		ReportID:        uuid.NewString(),
		GeneratedAt:     end,
		PeriodDays:      periodDays,
		PeriodStart:     start,
		PeriodEnd:       end,
		AlertsByLevel:   make(map[model.ThreatLevel]int),
		AlertsByType:    make(map[model.EventType]int),
		AlertsByStatus:  make(map[model.AlertStatus]int),
		TopSourceIPs:    []model.SourceIPCount{},
		Recommendations: []string{},
	}
	if alerts, err := g.alerts.List(ctx, model.AlertFilter{Since: start, Until: end}); err != nil {
		slog.Error("Failed to read alerts for report", "reportID", report.ReportID, "error", err)
		report.Degraded = true
		report.Errors = append(report.Errors, "alerts unavailable: "+err.Error())
	} else {
		summarizeAlerts(report, alerts)
	}

	if g.scans != nil {
		if err := ctx.Err(); err != nil {
			report.Degraded = true
			report.Errors = append(report.Errors, "scan aggregation skipped: "+err.Error())
		} else if results, err := g.scans.Since(ctx, start); err != nil {
			report.Degraded = true
			report.Errors = append(report.Errors, "scan results unavailable: "+err.Error())
		} else {
			report.Vulnerabilities = summarizeScans(results)
			for _, r := range results {
				if r.Degraded {
					report.Errors = append(report.Errors, fmt.Sprintf("scan %s finished %s", r.ScanID, r.Status))
				}
			}
		}
	}
	report.Recommendations = recommendations(report)

	if g.reports != nil {
		err := g.reports.Set(context.WithoutCancel(ctx), report.ReportID, *report, params.ReportRetention)
		if err != nil {
			metrics.PersistenceErrors.WithLabelValues("reports").Inc()
			slog.Error("Failed to persist report", "reportID", report.ReportID, "error", err)
			report.Degraded = true
			report.Errors = append(report.Errors, "report not persisted: "+err.Error())
		}
	}
	return report, nil
}

func (g *Generator) Get(ctx context.Context, reportID string) (*model.Report, error) {
	if g.reports == nil {
		return nil, ErrReportNotFound
	}
	report, err := g.reports.Get(ctx, reportID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, err
	}
	return &report, nil
}

func summarizeAlerts(report *model.Report, alerts []model.SecurityAlert) {
	sum := &report.Summary
	byIP := make(map[string]int)
	for i := range alerts {
		alert := &alerts[i]
		sum.TotalAlerts++
		report.AlertsByLevel[alert.ThreatLevel]++
		report.AlertsByType[alert.EventType]++
		report.AlertsByStatus[alert.Status]++
		switch alert.ThreatLevel {
		case model.ThreatLevelCritical:
			sum.CriticalAlerts++
		case model.ThreatLevelHigh:
			sum.HighAlerts++
		case model.ThreatLevelMedium:
			sum.MediumAlerts++
		case model.ThreatLevelLow:
			sum.LowAlerts++
		}
		switch alert.Status {
		case model.AlertStatusOpen, model.AlertStatusAcknowledged:
			sum.OpenAlerts++
		case model.AlertStatusResolved:
			sum.ResolvedAlerts++
		case model.AlertStatusFalsePositive:
			sum.FalsePositives++
		}
		if alert.SourceIP != "" {
			byIP[alert.SourceIP]++
		}
	}

	for ip, count := range byIP {
		report.TopSourceIPs = append(report.TopSourceIPs, model.SourceIPCount{IPAddress: ip, Count: count})
	}
	sort.Slice(report.TopSourceIPs, func(i, j int) bool {
		a, b := report.TopSourceIPs[i], report.TopSourceIPs[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.IPAddress < b.IPAddress
	})
	if len(report.TopSourceIPs) > params.ReportTopSourceIPs {
		report.TopSourceIPs = report.TopSourceIPs[:params.ReportTopSourceIPs]
	}
}

// summarizeScans counts each vulnerability once even when several scans in the
// period reported it.
func summarizeScans(results []model.ScanResult) *model.VulnerabilitySummary {
	summary := &model.VulnerabilitySummary{
		Scans:      len(results),
		BySeverity: make(map[model.Severity]int),
		OWASPCompliance: model.OWASPCompliance{
			Categories: make(map[string]int, len(model.OWASPTop10)),
		},
	}
	for _, sev := range model.Severities {
		summary.BySeverity[sev] = 0
	}
	compliance := &summary.OWASPCompliance
	for _, category := range model.OWASPTop10 {
		compliance.Categories[model.OWASPCode(category)] = 0
	}

	seen := make(map[string]bool)
	for _, r := range results {
		for _, v := range r.Vulnerabilities {
			key := v.SourceTool + "|" + v.ID
			if seen[key] {
				continue
			}
			seen[key] = true
			summary.Total++
			summary.BySeverity[v.Severity]++
			if code := model.OWASPCode(v.OWASPCategory); code != "" {
				compliance.Categories[code]++
			}
		}
	}
	for _, count := range compliance.Categories {
		if count > 0 {
			compliance.CategoriesWithFindings++
		}
	}
	clean := len(model.OWASPTop10) - compliance.CategoriesWithFindings
	compliance.Score = math.Round(float64(clean)/float64(len(model.OWASPTop10))*100) / 100
	return summary
}

func recommendations(report *model.Report) []string {
	var recs []string
	if report.Summary.CriticalAlerts > 0 {
		recs = append(recs, fmt.Sprintf("Investigate %d critical alerts immediately", report.Summary.CriticalAlerts))
	}
	if report.AlertsByType[model.EventBruteForce] > 0 {
		recs = append(recs, "Consider rate limiting and account lockout on login endpoints")
	}
	if v := report.Vulnerabilities; v != nil && v.BySeverity[model.SeverityCritical]+v.BySeverity[model.SeverityHigh] > 0 {
		recs = append(recs, "Remediate critical and high severity vulnerabilities before the next release")
	}
	return append(recs, staticRecommendations...)
}

// NewGenerator creates a report generator. scans and storage may be nil.
func NewGenerator(alerts AlertLister, scans ScanSource, storage store.Storage) *Generator {
	g := &Generator{
		alerts: alerts,
		scans:  scans,
		now:    time.Now,
	}
	if storage != nil {
		g.reports = store.New[model.Report](storage, params.ReportKeyPrefix)
	}
	return g
}
