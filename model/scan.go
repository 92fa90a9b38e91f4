package model

import "time"

type ScanStatus string

const (
	ScanStatusRunning   ScanStatus = "running"
	ScanStatusCompleted ScanStatus = "completed"
	ScanStatusPartial   ScanStatus = "partial"
	ScanStatusFailed    ScanStatus = "failed"
)

type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo}

type Vulnerability struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	Severity       Severity `json:"severity"`
	SourceTool     string   `json:"source_tool"`
	OWASPCategory  string   `json:"owasp_category,omitempty"`
	Recommendation string   `json:"recommendation,omitempty"`
	Location       string   `json:"location,omitempty"`
}

type ScannerStatus struct {
	Status   ScanStatus    `json:"status"`
	Findings int           `json:"findings"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

type ScanResult struct {
	ScanID          string                   `json:"scan_id"`
	ScanType        string                   `json:"scan_type"`
	Status          ScanStatus               `json:"status"`
	StartedAt       time.Time                `json:"started_at"`
	CompletedAt     time.Time                `json:"completed_at"`
	Vulnerabilities []Vulnerability          `json:"vulnerabilities"`
	Scanners        map[string]ScannerStatus `json:"scanners"`
	FailedScanners  []string                 `json:"failed_scanners,omitempty"`
	Degraded        bool                     `json:"degraded"`
}
