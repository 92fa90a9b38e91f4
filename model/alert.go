package model

import "time"

type AlertStatus string

const (
	AlertStatusOpen          AlertStatus = "OPEN"
	AlertStatusAcknowledged  AlertStatus = "ACKNOWLEDGED"
	AlertStatusResolved      AlertStatus = "RESOLVED"
	AlertStatusFalsePositive AlertStatus = "FALSE_POSITIVE"
)

var AlertStatuses = []AlertStatus{AlertStatusOpen, AlertStatusAcknowledged, AlertStatusResolved, AlertStatusFalsePositive}

var alertTransitions = map[AlertStatus][]AlertStatus{
	AlertStatusOpen:         {AlertStatusAcknowledged, AlertStatusFalsePositive},
	AlertStatusAcknowledged: {AlertStatusResolved},
}

// CanTransition reports whether an alert may move from s to next. The only paths are
// OPEN -> ACKNOWLEDGED -> RESOLVED and OPEN -> FALSE_POSITIVE.
func (s AlertStatus) CanTransition(next AlertStatus) bool {
	for _, allowed := range alertTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s AlertStatus) Terminal() bool {
	return s == AlertStatusResolved || s == AlertStatusFalsePositive
}

type SecurityAlert struct {
	AlertID         string         `json:"alert_id"`
	ThreatLevel     ThreatLevel    `json:"threat_level"`
	EventType       EventType      `json:"event_type"`
	SourceIP        string         `json:"source_ip,omitempty"`
	UserID          string         `json:"user_id,omitempty"`
	Description     string         `json:"description"`
	Details         map[string]any `json:"details,omitempty"`
	Status          AlertStatus    `json:"status"`
	Priority        bool           `json:"priority"`
	RuleID          string         `json:"rule_id,omitempty"`
	EventIDs        []string       `json:"event_ids,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy      string         `json:"resolved_by,omitempty"`
	ResolutionNotes string         `json:"resolution_notes,omitempty"`
}

type AlertFilter struct {
	Status      AlertStatus
	ThreatLevel ThreatLevel
	EventType   EventType
	SourceIP    string
	Since       time.Time
	Until       time.Time
	Limit       int
}

func (f *AlertFilter) Match(alert *SecurityAlert) bool {
	if f.Status != "" && alert.Status != f.Status {
		return false
	}
	if f.ThreatLevel != "" && alert.ThreatLevel != f.ThreatLevel {
		return false
	}
	if f.EventType != "" && alert.EventType != f.EventType {
		return false
	}
	if f.SourceIP != "" && alert.SourceIP != f.SourceIP {
		return false
	}
	if !f.Since.IsZero() && alert.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && alert.CreatedAt.After(f.Until) {
		return false
	}
	return true
}
