package patterns

import (
	"context"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/khanghh/kguard/internal/metrics"
	"github.com/khanghh/kguard/model"
)

const maxSampleLength = 256

// AuditLogger records synthesized audit entries, implemented by the audit service.
type AuditLogger interface {
	LogAuditEvent(ctx context.Context, entry *model.AuditLogEntry) (string, error)
}

type RequestInfo struct {
	IPAddress string
	UserID    string
	UserAgent string
	Method    string
	Path      string
}

type Field struct {
	Name  string
	Value string
}

type Finding struct {
	Category Category `json:"category"`
	Field    string   `json:"field"`
	Sample   string   `json:"sample"`
	LogID    string   `json:"log_id,omitempty"`
}

// Inspector runs every detector over request values and logs one failed audit
// entry per matched category.
type Inspector struct {
	auditLogger AuditLogger
	now         func() time.Time
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for !utf8.ValidString(s) && len(s) > 0 {
		s = s[:len(s)-1]
	}
	return s
}

// Scan reports the first matching field per category without logging anything.
func Scan(fields []Field) []Finding {
	var findings []Finding
	seen := make(map[Category]bool)
	for _, f := range fields {
		for _, category := range Detect(f.Value) {
			if seen[category] {
				continue
			}
			seen[category] = true
			findings = append(findings, Finding{
				Category: category,
				Field:    f.Name,
				Sample:   truncate(f.Value, maxSampleLength),
			})
		}
	}
	return findings
}

// Inspect returns the findings for the request. Findings are returned even when
// recording them fails, the error is the last logging failure.
func (i *Inspector) Inspect(ctx context.Context, req RequestInfo, fields ...Field) ([]Finding, error) {
	findings := Scan(fields)
	var lastErr error
	for idx := range findings {
		finding := &findings[idx]
		metrics.PatternMatches.WithLabelValues(string(finding.Category)).Inc()
		entry := &model.AuditLogEntry{
			Timestamp: i.now(),
			UserID:    req.UserID,
			Action:    finding.Category.Action(),
			Resource:  req.Path,
			IPAddress: req.IPAddress,
			UserAgent: req.UserAgent,
			Success:   false,
			RiskScore: finding.Category.RiskScore(),
			Details: map[string]any{
				"category": string(finding.Category),
				"field":    finding.Field,
				"sample":   finding.Sample,
				"method":   req.Method,
				"endpoint": req.Path,
			},
		}
		logID, err := i.auditLogger.LogAuditEvent(ctx, entry)
		finding.LogID = logID
		if err != nil {
			slog.Warn("Failed to record pattern match", "category", finding.Category, "ip", req.IPAddress, "error", err)
			lastErr = err
		}
	}
	return findings, lastErr
}

func NewInspector(auditLogger AuditLogger) *Inspector {
	return &Inspector{
		auditLogger: auditLogger,
		now:         time.Now,
	}
}
