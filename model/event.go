package model

import "time"

// SecurityEvent is emitted by a detection rule for a single audit entry.
type SecurityEvent struct {
	EventID        string         `json:"event_id"`
	EventType      EventType      `json:"event_type"`
	ThreatLevel    ThreatLevel    `json:"threat_level"`
	Timestamp      time.Time      `json:"timestamp"`
	UserID         string         `json:"user_id,omitempty"`
	IPAddress      string         `json:"ip_address,omitempty"`
	UserAgent      string         `json:"user_agent,omitempty"`
	Endpoint       string         `json:"endpoint,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
	ResponseAction ResponseAction `json:"response_action"`
	RuleID         string         `json:"rule_id"`
	LogID          string         `json:"log_id,omitempty"`
}

// Subject groups events that belong to the same actor, preferring the source address.
func (e *SecurityEvent) Subject() string {
	if e.IPAddress != "" {
		return "ip:" + e.IPAddress
	}
	if e.UserID != "" {
		return "user:" + e.UserID
	}
	return "event:" + e.EventID
}
