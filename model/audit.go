package model

import (
	"time"
)

// Well-known audit actions consumed by the built-in detection rules.
const (
	ActionLogin                   = "login"
	ActionRoleChange              = "role_change"
	ActionBulkExport              = "bulk_export"
	ActionBulkDownload            = "bulk_download"
	ActionDataExport              = "data_export"
	ActionSQLInjectionAttempt     = "sql_injection_attempt"
	ActionXSSAttempt              = "xss_attempt"
	ActionPathTraversalAttempt    = "path_traversal_attempt"
	ActionCommandInjectionAttempt = "command_injection_attempt"
)

// AuditLogEntry is an immutable record of a sensitive operation.
type AuditLogEntry struct {
	LogID     string         `json:"log_id" validate:"omitempty,max=128,logid"`
	Timestamp time.Time      `json:"timestamp"`
	UserID    string         `json:"user_id,omitempty" validate:"max=128"`
	Action    string         `json:"action" validate:"required,max=64"`
	Resource  string         `json:"resource,omitempty" validate:"max=512"`
	IPAddress string         `json:"ip_address" validate:"required,ip"`
	UserAgent string         `json:"user_agent,omitempty" validate:"max=1024"`
	Success   bool           `json:"success"`
	Details   map[string]any `json:"details,omitempty"`
	RiskScore float64        `json:"risk_score" validate:"gte=0,lte=10"`
	Hash      string         `json:"hash,omitempty"`
}

// SubjectIP and SubjectUser are the tracker keys of the entry.
func (e *AuditLogEntry) SubjectIP() string {
	if e.IPAddress == "" {
		return ""
	}
	return "ip:" + e.IPAddress
}

func (e *AuditLogEntry) SubjectUser() string {
	if e.UserID == "" {
		return ""
	}
	return "user:" + e.UserID
}

func (e *AuditLogEntry) Summary() EventSummary {
	return EventSummary{
		LogID:     e.LogID,
		Timestamp: e.Timestamp,
		Action:    e.Action,
		Success:   e.Success,
	}
}

// EventSummary is the compact form of an entry kept in event windows.
type EventSummary struct {
	LogID     string    `json:"log_id"`
	Timestamp time.Time `json:"ts"`
	Action    string    `json:"action"`
	Success   bool      `json:"success"`
}

type AuditFilter struct {
	IPAddress string
	UserID    string
	Action    string
	Since     time.Time
	Until     time.Time
	Limit     int
}
