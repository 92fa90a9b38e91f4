package threat

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/khanghh/kguard/model"
)

type RuleKind string

const (
	KindThreshold     RuleKind = "threshold"
	KindRoleElevation RuleKind = "role_elevation"
	KindOffHours      RuleKind = "off_hours"
	KindSignature     RuleKind = "signature"
	KindCustom        RuleKind = "custom"
)

type SubjectKind string

const (
	SubjectIP   SubjectKind = "ip"
	SubjectUser SubjectKind = "user"
)

func (s SubjectKind) Key(entry *model.AuditLogEntry) string {
	switch s {
	case SubjectUser:
		return entry.SubjectUser()
	default:
		return entry.SubjectIP()
	}
}

// ThresholdParams fires on the Count-th matching entry of a subject within Window.
type ThresholdParams struct {
	Subject SubjectKind   `yaml:"subject" json:"subject"`
	Actions []string      `yaml:"actions" json:"actions"`
	Success *bool         `yaml:"success,omitempty" json:"success,omitempty"`
	Count   int           `yaml:"count" json:"count"`
	Window  time.Duration `yaml:"window" json:"window"`
}

// RoleElevationParams fires when the target role ranks above the source role.
type RoleElevationParams struct {
	Actions        []string       `yaml:"actions" json:"actions"`
	Hierarchy      map[string]int `yaml:"hierarchy,omitempty" json:"hierarchy,omitempty"`
	RequireSuccess bool           `yaml:"requireSuccess" json:"requireSuccess"`
}

// OffHoursParams fires for matching actions whose hour falls in [StartHour, EndHour),
// wrapping around midnight when StartHour > EndHour.
type OffHoursParams struct {
	Actions   []string `yaml:"actions" json:"actions"`
	StartHour int      `yaml:"startHour" json:"startHour"`
	EndHour   int      `yaml:"endHour" json:"endHour"`
	Timezone  string   `yaml:"timezone,omitempty" json:"timezone,omitempty"`
}

// SignatureParams fires on any entry with one of the actions, typically the
// entries synthesized by the pattern detectors.
type SignatureParams struct {
	Actions      []string `yaml:"actions" json:"actions"`
	MinRiskScore float64  `yaml:"minRiskScore,omitempty" json:"minRiskScore,omitempty"`
}

// CustomParams references a predicate registered by name.
type CustomParams struct {
	Predicate string         `yaml:"predicate" json:"predicate"`
	Subject   SubjectKind    `yaml:"subject,omitempty" json:"subject,omitempty"`
	Window    time.Duration  `yaml:"window,omitempty" json:"window,omitempty"`
	Args      map[string]any `yaml:"args,omitempty" json:"args,omitempty"`
}

// Rule is a detection rule. Exactly one parameter block matching Kind must be set.
type Rule struct {
	ID             string               `yaml:"id" json:"id"`
	Name           string               `yaml:"name" json:"name"`
	Description    string               `yaml:"description" json:"description"`
	Kind           RuleKind             `yaml:"kind" json:"kind"`
	EventType      model.EventType      `yaml:"eventType" json:"eventType"`
	ThreatLevel    model.ThreatLevel    `yaml:"threatLevel" json:"threatLevel"`
	AutoResponse   bool                 `yaml:"autoResponse" json:"autoResponse"`
	ResponseAction model.ResponseAction `yaml:"responseAction" json:"responseAction"`
	Disabled       bool                 `yaml:"disabled,omitempty" json:"disabled,omitempty"`
	Threshold      *ThresholdParams     `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	RoleElevation  *RoleElevationParams `yaml:"roleElevation,omitempty" json:"roleElevation,omitempty"`
	OffHours       *OffHoursParams      `yaml:"offHours,omitempty" json:"offHours,omitempty"`
	Signature      *SignatureParams     `yaml:"signature,omitempty" json:"signature,omitempty"`
	Custom         *CustomParams        `yaml:"custom,omitempty" json:"custom,omitempty"`

	location *time.Location
}

// EffectiveAction is the response carried by events of this rule. Rules without
// auto response never request containment.
func (r *Rule) EffectiveAction() model.ResponseAction {
	if !r.AutoResponse && r.ResponseAction == model.ResponseBlockIPTemporary {
		return model.ResponseAlertOnly
	}
	return r.ResponseAction
}

// window returns the subject and horizon the rule reads from the tracker, if any.
func (r *Rule) window() (SubjectKind, time.Duration, bool) {
	switch {
	case r.Kind == KindThreshold && r.Threshold != nil:
		return r.Threshold.Subject, r.Threshold.Window, true
	case r.Kind == KindCustom && r.Custom != nil && r.Custom.Window > 0:
		return r.Custom.Subject, r.Custom.Window, true
	}
	return "", 0, false
}

func matchAction(actions []string, action string) bool {
	return slices.Contains(actions, strings.ToLower(action))
}

func lowerAll(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}

func (r *Rule) invalid(field, format string, args ...any) error {
	return &RuleValidationError{RuleID: r.ID, Field: field, Message: fmt.Sprintf(format, args...)}
}

// Validate checks the rule and normalizes its parameters.
func (r *Rule) Validate(predicates *PredicateRegistry) error {
	if r.ID == "" {
		return r.invalid("id", "rule id is required")
	}
	if r.Name == "" {
		r.Name = r.ID
	}
	r.ThreatLevel = model.ParseThreatLevel(string(r.ThreatLevel))
	if !r.ThreatLevel.Valid() {
		return r.invalid("threatLevel", "invalid threat level %q", r.ThreatLevel)
	}
	if r.ResponseAction == "" {
		r.ResponseAction = model.ResponseAlertOnly
	}
	r.ResponseAction = model.ResponseAction(strings.ToUpper(string(r.ResponseAction)))
	if !r.ResponseAction.Valid() {
		return r.invalid("responseAction", "invalid response action %q", r.ResponseAction)
	}
	r.EventType = model.EventType(strings.ToUpper(string(r.EventType)))
	if !r.EventType.Valid() {
		return r.invalid("eventType", "invalid event type %q", r.EventType)
	}

	switch r.Kind {
	case KindThreshold:
		p := r.Threshold
		if p == nil {
			return r.invalid("threshold", "threshold parameters are required")
		}
		if p.Subject == "" {
			p.Subject = SubjectIP
		}
		if p.Subject != SubjectIP && p.Subject != SubjectUser {
			return r.invalid("threshold.subject", "subject must be ip or user")
		}
		if p.Count < 1 {
			return r.invalid("threshold.count", "count must be positive")
		}
		if p.Window <= 0 {
			return r.invalid("threshold.window", "window must be positive")
		}
		if len(p.Actions) == 0 {
			return r.invalid("threshold.actions", "at least one action is required")
		}
		p.Actions = lowerAll(p.Actions)
	case KindRoleElevation:
		p := r.RoleElevation
		if p == nil {
			p = &RoleElevationParams{}
			r.RoleElevation = p
		}
		if len(p.Actions) == 0 {
			p.Actions = []string{model.ActionRoleChange}
		}
		p.Actions = lowerAll(p.Actions)
		if len(p.Hierarchy) == 0 {
			p.Hierarchy = DefaultRoleHierarchy()
		}
		hierarchy := make(map[string]int, len(p.Hierarchy))
		for role, rank := range p.Hierarchy {
			hierarchy[strings.ToLower(role)] = rank
		}
		p.Hierarchy = hierarchy
	case KindOffHours:
		p := r.OffHours
		if p == nil {
			return r.invalid("offHours", "off-hours parameters are required")
		}
		if p.StartHour < 0 || p.StartHour > 23 || p.EndHour < 0 || p.EndHour > 24 || p.StartHour == p.EndHour {
			return r.invalid("offHours", "invalid hour range %d-%d", p.StartHour, p.EndHour)
		}
		if len(p.Actions) == 0 {
			return r.invalid("offHours.actions", "at least one action is required")
		}
		p.Actions = lowerAll(p.Actions)
		r.location = time.Local
		if p.Timezone != "" {
			loc, err := time.LoadLocation(p.Timezone)
			if err != nil {
				return r.invalid("offHours.timezone", "%v", err)
			}
			r.location = loc
		}
	case KindSignature:
		p := r.Signature
		if p == nil || len(p.Actions) == 0 {
			return r.invalid("signature.actions", "at least one action is required")
		}
		p.Actions = lowerAll(p.Actions)
	case KindCustom:
		p := r.Custom
		if p == nil || p.Predicate == "" {
			return r.invalid("custom.predicate", "predicate name is required")
		}
		if predicates == nil || !predicates.Has(p.Predicate) {
			return r.invalid("custom.predicate", "%v: %s", ErrUnknownPredicate, p.Predicate)
		}
		if p.Window > 0 && p.Subject == "" {
			p.Subject = SubjectIP
		}
	default:
		return r.invalid("kind", "unknown rule kind %q", r.Kind)
	}
	return nil
}

// DefaultRoleHierarchy ranks roles from least to most privileged.
func DefaultRoleHierarchy() map[string]int {
	return map[string]int{
		"guest":      1,
		"user":       2,
		"candidate":  2,
		"employer":   2,
		"moderator":  3,
		"admin":      4,
		"superadmin": 5,
	}
}

// MaxWindow is the longest tracker horizon read by any of the rules.
func MaxWindow(rules []*Rule) time.Duration {
	var max time.Duration
	for _, r := range rules {
		if _, window, ok := r.window(); ok && window > max {
			max = window
		}
	}
	return max
}
