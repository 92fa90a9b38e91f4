package model

import "strings"

type ThreatLevel string

const (
	ThreatLevelLow      ThreatLevel = "LOW"
	ThreatLevelMedium   ThreatLevel = "MEDIUM"
	ThreatLevelHigh     ThreatLevel = "HIGH"
	ThreatLevelCritical ThreatLevel = "CRITICAL"
)

var ThreatLevels = []ThreatLevel{ThreatLevelLow, ThreatLevelMedium, ThreatLevelHigh, ThreatLevelCritical}

func (l ThreatLevel) Rank() int {
	switch l {
	case ThreatLevelLow:
		return 1
	case ThreatLevelMedium:
		return 2
	case ThreatLevelHigh:
		return 3
	case ThreatLevelCritical:
		return 4
	}
	return 0
}

func (l ThreatLevel) Valid() bool {
	return l.Rank() > 0
}

func ParseThreatLevel(s string) ThreatLevel {
	return ThreatLevel(strings.ToUpper(strings.TrimSpace(s)))
}

type ResponseAction string

const (
	ResponseNone             ResponseAction = "NONE"
	ResponseAlertOnly        ResponseAction = "ALERT_ONLY"
	ResponseBlockIPTemporary ResponseAction = "BLOCK_IP_TEMPORARY"
	ResponseEscalate         ResponseAction = "ESCALATE"
)

// Rank orders actions by severity: NONE < ALERT_ONLY < BLOCK_IP_TEMPORARY < ESCALATE.
func (a ResponseAction) Rank() int {
	switch a {
	case ResponseNone:
		return 0
	case ResponseAlertOnly:
		return 1
	case ResponseBlockIPTemporary:
		return 2
	case ResponseEscalate:
		return 3
	}
	return -1
}

func (a ResponseAction) Valid() bool {
	return a.Rank() >= 0
}

type EventType string

const (
	EventBruteForce          EventType = "BRUTE_FORCE"
	EventPrivilegeEscalation EventType = "PRIVILEGE_ESCALATION"
	EventSuspiciousActivity  EventType = "SUSPICIOUS_ACTIVITY"
	EventInjectionAttempt    EventType = "INJECTION_ATTEMPT"
	EventXSSAttempt          EventType = "XSS_ATTEMPT"
	EventPathTraversal       EventType = "PATH_TRAVERSAL"
	EventCommandInjection    EventType = "COMMAND_INJECTION"
)

var EventTypes = []EventType{
	EventBruteForce, EventPrivilegeEscalation, EventSuspiciousActivity,
	EventInjectionAttempt, EventXSSAttempt, EventPathTraversal, EventCommandInjection,
}

func (t EventType) Valid() bool {
	for _, et := range EventTypes {
		if et == t {
			return true
		}
	}
	return false
}
