package threat

import (
	"time"

	"github.com/khanghh/kguard/model"
)

const (
	RuleBruteForce          = "brute_force"
	RulePrivilegeEscalation = "privilege_escalation"
	RuleOffHoursBulkAccess  = "off_hours_bulk_access"
	RuleSQLInjection        = "sql_injection"
	RuleXSS                 = "xss"
	RulePathTraversal       = "path_traversal"
	RuleCommandInjection    = "command_injection"

	DefaultBruteForceThreshold = 5
	DefaultBruteForceWindow    = 5 * time.Minute
)

// DefaultRules returns the built-in rule set in evaluation order.
func DefaultRules() []*Rule {
	failed := false
	return []*Rule{
		{
			ID:             RuleBruteForce,
			Name:           "Brute force login",
			Description:    "Repeated failed logins from one address",
			Kind:           KindThreshold,
			EventType:      model.EventBruteForce,
			ThreatLevel:    model.ThreatLevelHigh,
			AutoResponse:   true,
			ResponseAction: model.ResponseBlockIPTemporary,
			Threshold: &ThresholdParams{
				Subject: SubjectIP,
				Actions: []string{model.ActionLogin},
				Success: &failed,
				Count:   DefaultBruteForceThreshold,
				Window:  DefaultBruteForceWindow,
			},
		},
		{
			ID:             RulePrivilegeEscalation,
			Name:           "Privilege escalation",
			Description:    "Role change to a more privileged role",
			Kind:           KindRoleElevation,
			EventType:      model.EventPrivilegeEscalation,
			ThreatLevel:    model.ThreatLevelCritical,
			AutoResponse:   true,
			ResponseAction: model.ResponseEscalate,
			RoleElevation: &RoleElevationParams{
				Actions: []string{model.ActionRoleChange},
			},
		},
		{
			ID:             RuleOffHoursBulkAccess,
			Name:           "Off-hours bulk access",
			Description:    "Bulk data access between midnight and 5am",
			Kind:           KindOffHours,
			EventType:      model.EventSuspiciousActivity,
			ThreatLevel:    model.ThreatLevelMedium,
			AutoResponse:   true,
			ResponseAction: model.ResponseAlertOnly,
			OffHours: &OffHoursParams{
				Actions:   []string{model.ActionBulkExport, model.ActionBulkDownload, model.ActionDataExport},
				StartHour: 0,
				EndHour:   5,
			},
		},
		signatureRule(RuleSQLInjection, "SQL injection attempt", model.EventInjectionAttempt, model.ThreatLevelHigh, model.ResponseBlockIPTemporary, model.ActionSQLInjectionAttempt),
		signatureRule(RuleXSS, "Cross-site scripting attempt", model.EventXSSAttempt, model.ThreatLevelMedium, model.ResponseAlertOnly, model.ActionXSSAttempt),
		signatureRule(RulePathTraversal, "Path traversal attempt", model.EventPathTraversal, model.ThreatLevelHigh, model.ResponseBlockIPTemporary, model.ActionPathTraversalAttempt),
		signatureRule(RuleCommandInjection, "Command injection attempt", model.EventCommandInjection, model.ThreatLevelCritical, model.ResponseBlockIPTemporary, model.ActionCommandInjectionAttempt),
	}
}

func signatureRule(id, name string, eventType model.EventType, level model.ThreatLevel, action model.ResponseAction, auditAction string) *Rule {
	return &Rule{
		ID:             id,
		Name:           name,
		Description:    name + " detected in request input",
		Kind:           KindSignature,
		EventType:      eventType,
		ThreatLevel:    level,
		AutoResponse:   true,
		ResponseAction: action,
		Signature:      &SignatureParams{Actions: []string{auditAction}},
	}
}
