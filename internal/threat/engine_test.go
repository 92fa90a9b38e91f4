package threat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/khanghh/kguard/internal/tracker"
	"github.com/khanghh/kguard/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, rules []*Rule) *Engine {
	engine, err := NewEngine(rules, tracker.NewMemoryTracker(tracker.Config{MaxHorizon: time.Hour}), nil)
	require.NoError(t, err)
	return engine
}

var seq int

func failedLogin(ip string, ts time.Time) *model.AuditLogEntry {
	seq++
	return &model.AuditLogEntry{
		LogID:     fmt.Sprintf("log-%d", seq),
		Timestamp: ts,
		Action:    model.ActionLogin,
		IPAddress: ip,
		Success:   false,
	}
}

func TestEngine_BruteForceFiresOnFifthFailure(t *testing.T) {
	engine := newTestEngine(t, DefaultRules())
	ctx := context.Background()
	now := time.Now()

	var all []model.SecurityEvent
	for i := 0; i < 4; i++ {
		events, err := engine.Evaluate(ctx, failedLogin("10.0.0.1", now.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
		assert.Empty(t, events, "failure %d must not fire", i+1)
	}

	events, err := engine.Evaluate(ctx, failedLogin("10.0.0.1", now.Add(5*time.Second)))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventBruteForce, events[0].EventType)
	assert.Equal(t, model.ThreatLevelHigh, events[0].ThreatLevel)
	assert.Equal(t, model.ResponseBlockIPTemporary, events[0].ResponseAction)
	assert.Equal(t, RuleBruteForce, events[0].RuleID)
	all = append(all, events...)

	events, err = engine.Evaluate(ctx, failedLogin("10.0.0.1", now.Add(6*time.Second)))
	require.NoError(t, err)
	all = append(all, events...)
	assert.Len(t, all, 1)
}

func TestEngine_FourFailuresDoNotFire(t *testing.T) {
	engine := newTestEngine(t, DefaultRules())
	now := time.Now()
	for i := 0; i < 4; i++ {
		events, err := engine.Evaluate(context.Background(), failedLogin("10.0.0.2", now))
		require.NoError(t, err)
		assert.Empty(t, events)
	}
	// a success in between does not count towards the threshold
	ok := failedLogin("10.0.0.2", now)
	ok.Success = true
	events, err := engine.Evaluate(context.Background(), ok)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestEngine_BruteForceIgnoresExpiredFailures(t *testing.T) {
	engine := newTestEngine(t, DefaultRules())
	now := time.Now()
	for i := 0; i < 4; i++ {
		engine.Evaluate(context.Background(), failedLogin("10.0.0.3", now.Add(-10*time.Minute)))
	}
	events, err := engine.Evaluate(context.Background(), failedLogin("10.0.0.3", now))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestEngine_BruteForceIsolatedPerIP(t *testing.T) {
	engine := newTestEngine(t, DefaultRules())
	now := time.Now()
	for i := 0; i < 4; i++ {
		engine.Evaluate(context.Background(), failedLogin("10.0.1.1", now))
		engine.Evaluate(context.Background(), failedLogin("10.0.1.2", now))
	}
	events, err := engine.Evaluate(context.Background(), failedLogin("10.0.1.3", now))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestEngine_ConcurrentBruteForceFiresOnce(t *testing.T) {
	engine := newTestEngine(t, DefaultRules())
	now := time.Now()
	entries := make([]*model.AuditLogEntry, 20)
	for i := range entries {
		entries[i] = failedLogin("10.9.9.9", now)
	}

	var (
		mu    sync.Mutex
		fired int
		wg    sync.WaitGroup
	)
	for _, entry := range entries {
		wg.Add(1)
		go func(entry *model.AuditLogEntry) {
			defer wg.Done()
			events, err := engine.Evaluate(context.Background(), entry)
			assert.NoError(t, err)
			mu.Lock()
			fired += len(events)
			mu.Unlock()
		}(entry)
	}
	wg.Wait()
	assert.Equal(t, 1, fired)
}

func TestEngine_PrivilegeEscalation(t *testing.T) {
	engine := newTestEngine(t, DefaultRules())
	entry := &model.AuditLogEntry{
		LogID:     "role-1",
		Timestamp: time.Now(),
		UserID:    "42",
		Action:    model.ActionRoleChange,
		IPAddress: "10.0.0.5",
		Success:   true,
		Details:   map[string]any{"old_role": "user", "new_role": "admin"},
	}
	events, err := engine.Evaluate(context.Background(), entry)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventPrivilegeEscalation, events[0].EventType)
	assert.Equal(t, model.ThreatLevelCritical, events[0].ThreatLevel)
	assert.Equal(t, model.ResponseEscalate, events[0].ResponseAction)
	assert.Equal(t, "admin", events[0].Details["new_role"])

	demote := *entry
	demote.LogID = "role-2"
	demote.Details = map[string]any{"from_role": "admin", "to_role": "user"}
	events, err = engine.Evaluate(context.Background(), &demote)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestEngine_OffHoursBulkAccess(t *testing.T) {
	rules := DefaultRules()
	rules[2].OffHours.Timezone = "UTC"
	engine := newTestEngine(t, rules)

	night := &model.AuditLogEntry{
		LogID:     "bulk-1",
		Timestamp: time.Date(2024, 3, 1, 2, 30, 0, 0, time.UTC),
		Action:    model.ActionBulkExport,
		IPAddress: "10.0.0.6",
		Success:   true,
	}
	events, err := engine.Evaluate(context.Background(), night)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventSuspiciousActivity, events[0].EventType)
	assert.Equal(t, model.ThreatLevelMedium, events[0].ThreatLevel)
	assert.Equal(t, model.ResponseAlertOnly, events[0].ResponseAction)

	day := *night
	day.LogID = "bulk-2"
	day.Timestamp = time.Date(2024, 3, 1, 5, 0, 0, 0, time.UTC)
	events, err = engine.Evaluate(context.Background(), &day)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestEngine_SignatureRules(t *testing.T) {
	engine := newTestEngine(t, DefaultRules())
	entry := &model.AuditLogEntry{
		LogID:     "sig-1",
		Timestamp: time.Now(),
		Action:    model.ActionSQLInjectionAttempt,
		IPAddress: "10.0.0.7",
		RiskScore: 8,
		Details:   map[string]any{"field": "query.q"},
	}
	events, err := engine.Evaluate(context.Background(), entry)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventInjectionAttempt, events[0].EventType)
	assert.Equal(t, "query.q", events[0].Details["field"])
}

func TestEngine_MultipleRulesInDefinitionOrder(t *testing.T) {
	rules := []*Rule{
		signatureRule("first", "first", model.EventSuspiciousActivity, model.ThreatLevelLow, model.ResponseAlertOnly, "probe"),
		signatureRule("second", "second", model.EventInjectionAttempt, model.ThreatLevelHigh, model.ResponseBlockIPTemporary, "probe"),
	}
	engine := newTestEngine(t, rules)
	events, err := engine.Evaluate(context.Background(), &model.AuditLogEntry{LogID: "p", Action: "probe", IPAddress: "10.0.0.8", Timestamp: time.Now()})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "first", events[0].RuleID)
	assert.Equal(t, "second", events[1].RuleID)
}

func TestEngine_FailingRuleIsIsolated(t *testing.T) {
	predicates := NewPredicateRegistry()
	require.NoError(t, predicates.Register("explode", func(ec *EvalContext) (bool, map[string]any, error) {
		panic("boom")
	}))
	require.NoError(t, predicates.Register("broken", func(ec *EvalContext) (bool, map[string]any, error) {
		return false, nil, errors.New("broken predicate")
	}))
	rules := append([]*Rule{
		{ID: "explode", Kind: KindCustom, EventType: model.EventSuspiciousActivity, ThreatLevel: model.ThreatLevelLow, Custom: &CustomParams{Predicate: "explode"}},
		{ID: "broken", Kind: KindCustom, EventType: model.EventSuspiciousActivity, ThreatLevel: model.ThreatLevelLow, Custom: &CustomParams{Predicate: "broken"}},
	}, DefaultRules()...)
	engine, err := NewEngine(rules, tracker.NewMemoryTracker(tracker.Config{}), predicates)
	require.NoError(t, err)

	events, err := engine.Evaluate(context.Background(), &model.AuditLogEntry{
		LogID:     "x",
		Timestamp: time.Now(),
		Action:    model.ActionCommandInjectionAttempt,
		IPAddress: "10.0.0.9",
		RiskScore: 9,
	})
	require.Len(t, events, 1)
	assert.Equal(t, RuleCommandInjection, events[0].RuleID)

	var ruleErr *RuleEvaluationError
	require.ErrorAs(t, err, &ruleErr)
	assert.Equal(t, "explode", ruleErr.RuleID)
	assert.Contains(t, err.Error(), "broken predicate")
}

func TestEngine_CustomPredicateWithWindow(t *testing.T) {
	rules := []*Rule{{
		ID:             "failures",
		Kind:           KindCustom,
		EventType:      model.EventSuspiciousActivity,
		ThreatLevel:    model.ThreatLevelMedium,
		ResponseAction: model.ResponseAlertOnly,
		Custom:         &CustomParams{Predicate: "repeated_failures", Subject: SubjectUser, Window: time.Minute, Args: map[string]any{"count": 3}},
	}}
	engine := newTestEngine(t, rules)
	var fired int
	for i := 0; i < 4; i++ {
		events, err := engine.Evaluate(context.Background(), &model.AuditLogEntry{
			LogID: fmt.Sprintf("u-%d", i), Timestamp: time.Now(), UserID: "7", Action: "update_profile", IPAddress: "10.0.0.10",
		})
		require.NoError(t, err)
		fired += len(events)
	}
	assert.Equal(t, 1, fired)
}

func TestRule_EffectiveAction(t *testing.T) {
	rule := &Rule{AutoResponse: false, ResponseAction: model.ResponseBlockIPTemporary}
	assert.Equal(t, model.ResponseAlertOnly, rule.EffectiveAction())
	rule.AutoResponse = true
	assert.Equal(t, model.ResponseBlockIPTemporary, rule.EffectiveAction())
	rule = &Rule{AutoResponse: false, ResponseAction: model.ResponseEscalate}
	assert.Equal(t, model.ResponseEscalate, rule.EffectiveAction())
}
