package model

import "time"

type ReportSummary struct {
	TotalAlerts    int `json:"total_alerts"`
	CriticalAlerts int `json:"critical_alerts"`
	HighAlerts     int `json:"high_alerts"`
	MediumAlerts   int `json:"medium_alerts"`
	LowAlerts      int `json:"low_alerts"`
	OpenAlerts     int `json:"open_alerts"`
	ResolvedAlerts int `json:"resolved_alerts"`
	FalsePositives int `json:"false_positives"`
}

type SourceIPCount struct {
	IPAddress string `json:"ip_address"`
	Count     int    `json:"count"`
}

type OWASPCompliance struct {
	Score                  float64        `json:"score"`
	CategoriesWithFindings int            `json:"categories_with_findings"`
	Categories             map[string]int `json:"categories"`
}

type VulnerabilitySummary struct {
	Scans           int              `json:"scans"`
	Total           int              `json:"total"`
	BySeverity      map[Severity]int `json:"by_severity"`
	OWASPCompliance OWASPCompliance  `json:"owasp_compliance"`
}

type Report struct {
	ReportID        string                `json:"report_id"`
	GeneratedAt     time.Time             `json:"generated_at"`
	PeriodDays      int                   `json:"period_days"`
	PeriodStart     time.Time             `json:"period_start"`
	PeriodEnd       time.Time             `json:"period_end"`
	Summary         ReportSummary         `json:"summary"`
	AlertsByLevel   map[ThreatLevel]int   `json:"alerts_by_level"`
	AlertsByType    map[EventType]int     `json:"alerts_by_type"`
	AlertsByStatus  map[AlertStatus]int   `json:"alerts_by_status"`
	TopSourceIPs    []SourceIPCount       `json:"top_source_ips"`
	Vulnerabilities *VulnerabilitySummary `json:"vulnerabilities,omitempty"`
	Recommendations []string              `json:"recommendations"`
	Degraded        bool                  `json:"degraded"`
	Errors          []string              `json:"errors,omitempty"`
}
