package threat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/khanghh/kguard/internal/metrics"
	"github.com/khanghh/kguard/internal/tracker"
	"github.com/khanghh/kguard/model"
)

// Engine evaluates audit entries against an immutable rule set.
type Engine struct {
	rules      []*Rule
	tracker    tracker.Tracker
	predicates *PredicateRegistry
	horizons   map[SubjectKind]time.Duration
	now        func() time.Time
}

func (e *Engine) Rules() []*Rule {
	return e.rules
}

func (e *Engine) MaxHorizon() time.Duration {
	var max time.Duration
	for _, h := range e.horizons {
		if h > max {
			max = h
		}
	}
	return max
}

// recordWindows records the entry once per subject kind read by the rules and
// returns the windows keyed by subject kind.
func (e *Engine) recordWindows(ctx context.Context, entry *model.AuditLogEntry) (map[SubjectKind][]model.EventSummary, map[SubjectKind]error) {
	windows := make(map[SubjectKind][]model.EventSummary, len(e.horizons))
	var errs map[SubjectKind]error
	for subject, horizon := range e.horizons {
		key := subject.Key(entry)
		if key == "" {
			continue
		}
		window, err := e.tracker.Record(ctx, key, entry.Summary(), horizon)
		if err != nil {
			if errs == nil {
				errs = make(map[SubjectKind]error)
			}
			errs[subject] = err
			continue
		}
		windows[subject] = window
	}
	return windows, errs
}

func (e *Engine) evaluateRule(rule *Rule, entry *model.AuditLogEntry, windows map[SubjectKind][]model.EventSummary, trackerErrs map[SubjectKind]error) (fired bool, details map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			fired, details, err = false, nil, fmt.Errorf("panic: %v", r)
		}
	}()

	if subject, horizon, ok := rule.window(); ok {
		if terr := trackerErrs[subject]; terr != nil {
			return false, nil, terr
		}
		window := tracker.Since(windows[subject], e.now().Add(-horizon))
		if rule.Kind == KindThreshold {
			fired, details = matchThreshold(rule.Threshold, entry, window)
			return fired, details, nil
		}
		return e.evaluateCustom(rule, entry, window)
	}

	switch rule.Kind {
	case KindRoleElevation:
		fired, details = matchRoleElevation(rule.RoleElevation, entry)
	case KindOffHours:
		fired, details = matchOffHours(rule, entry)
	case KindSignature:
		fired, details = matchSignature(rule.Signature, entry)
	case KindCustom:
		return e.evaluateCustom(rule, entry, nil)
	default:
		return false, nil, fmt.Errorf("unsupported rule kind %q", rule.Kind)
	}
	return fired, details, nil
}

func (e *Engine) evaluateCustom(rule *Rule, entry *model.AuditLogEntry, window []model.EventSummary) (bool, map[string]any, error) {
	predicate, ok := e.predicates.Get(rule.Custom.Predicate)
	if !ok {
		return false, nil, fmt.Errorf("%w: %s", ErrUnknownPredicate, rule.Custom.Predicate)
	}
	return predicate(&EvalContext{
		Entry:  entry,
		Window: window,
		Args:   rule.Custom.Args,
		Now:    e.now(),
	})
}

func (e *Engine) newEvent(rule *Rule, entry *model.AuditLogEntry, details map[string]any) model.SecurityEvent {
	if details == nil {
		details = make(map[string]any)
	}
	details["rule_name"] = rule.Name
	details["action"] = entry.Action
	return model.SecurityEvent{
		EventID:        model.GenerateID(),
		EventType:      rule.EventType,
		ThreatLevel:    rule.ThreatLevel,
		Timestamp:      e.now(),
		UserID:         entry.UserID,
		IPAddress:      entry.IPAddress,
		UserAgent:      entry.UserAgent,
		Endpoint:       entry.Resource,
		Details:        details,
		ResponseAction: rule.EffectiveAction(),
		RuleID:         rule.ID,
		LogID:          entry.LogID,
	}
}

// Evaluate records the entry in the tracker and runs every rule against it. Events
// are returned in rule order. A failing rule is skipped and reported as a
// *RuleEvaluationError in the joined error while the remaining rules still run.
func (e *Engine) Evaluate(ctx context.Context, entry *model.AuditLogEntry) ([]model.SecurityEvent, error) {
	start := time.Now()
	defer func() {
		metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	}()

	windows, trackerErrs := e.recordWindows(ctx, entry)

	var (
		events []model.SecurityEvent
		errs   []error
	)
	for _, rule := range e.rules {
		fired, details, err := e.evaluateRule(rule, entry, windows, trackerErrs)
		if err != nil {
			metrics.RuleErrors.WithLabelValues(rule.ID).Inc()
			slog.Error("Rule evaluation failed", "rule", rule.ID, "logID", entry.LogID, "error", err)
			errs = append(errs, NewRuleEvaluationError(rule.ID, err))
			continue
		}
		if !fired {
			continue
		}
		metrics.RuleHits.WithLabelValues(rule.ID, string(rule.ThreatLevel)).Inc()
		event := e.newEvent(rule, entry, details)
		slog.Info("Security event detected",
			"rule", rule.ID,
			"type", event.EventType,
			"level", event.ThreatLevel,
			"ip", event.IPAddress,
			"user", event.UserID,
			"action", event.ResponseAction,
		)
		events = append(events, event)
	}
	return events, errors.Join(errs...)
}

// NewEngine validates the rules and builds an engine evaluating them in order.
func NewEngine(rules []*Rule, tr tracker.Tracker, predicates *PredicateRegistry) (*Engine, error) {
	if predicates == nil {
		predicates = NewPredicateRegistry()
	}
	rules, err := ValidateRules(rules, predicates)
	if err != nil {
		return nil, err
	}
	horizons := make(map[SubjectKind]time.Duration)
	for _, rule := range rules {
		if subject, horizon, ok := rule.window(); ok && horizon > horizons[subject] {
			horizons[subject] = horizon
		}
	}
	return &Engine{
		rules:      rules,
		tracker:    tr,
		predicates: predicates,
		horizons:   horizons,
		now:        time.Now,
	}, nil
}
