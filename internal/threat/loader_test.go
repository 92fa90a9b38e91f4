package threat

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/khanghh/kguard/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRules = `
includeDefaults: true
rules:
  - id: brute_force
    name: Strict brute force
    kind: threshold
    eventType: BRUTE_FORCE
    threatLevel: high
    autoResponse: true
    responseAction: BLOCK_IP_TEMPORARY
    threshold:
      subject: ip
      actions: [login, LOGIN_2FA]
      success: false
      count: 3
      window: 2m
  - id: xss
    kind: signature
    eventType: XSS_ATTEMPT
    threatLevel: MEDIUM
    disabled: true
    signature:
      actions: [xss_attempt]
  - id: risky
    kind: custom
    eventType: SUSPICIOUS_ACTIVITY
    threatLevel: LOW
    custom:
      predicate: high_risk_score
      args:
        min: 9.5
`

func TestParseRules(t *testing.T) {
	rules, err := ParseRules([]byte(testRules), NewPredicateRegistry())
	require.NoError(t, err)

	ids := make([]string, len(rules))
	for i, r := range rules {
		ids[i] = r.ID
	}
	assert.Equal(t, []string{
		RuleBruteForce, RulePrivilegeEscalation, RuleOffHoursBulkAccess,
		RuleSQLInjection, RulePathTraversal, RuleCommandInjection, "risky",
	}, ids)

	bf := rules[0]
	assert.Equal(t, "Strict brute force", bf.Name)
	assert.Equal(t, model.ThreatLevelHigh, bf.ThreatLevel)
	assert.Equal(t, 3, bf.Threshold.Count)
	assert.Equal(t, 2*time.Minute, bf.Threshold.Window)
	assert.Equal(t, []string{"login", "login_2fa"}, bf.Threshold.Actions)
	require.NotNil(t, bf.Threshold.Success)
	assert.False(t, *bf.Threshold.Success)

	risky := rules[len(rules)-1]
	assert.Equal(t, model.ResponseAlertOnly, risky.ResponseAction)
}

func TestParseRules_Invalid(t *testing.T) {
	cases := map[string]string{
		"missing id":        "rules:\n  - kind: signature\n    threatLevel: LOW\n    eventType: XSS_ATTEMPT\n    signature: {actions: [x]}\n",
		"bad level":         "rules:\n  - id: a\n    kind: signature\n    threatLevel: SEVERE\n    eventType: XSS_ATTEMPT\n    signature: {actions: [x]}\n",
		"bad kind":          "rules:\n  - id: a\n    kind: magic\n    threatLevel: LOW\n    eventType: XSS_ATTEMPT\n",
		"zero count":        "rules:\n  - id: a\n    kind: threshold\n    threatLevel: LOW\n    eventType: BRUTE_FORCE\n    threshold: {actions: [login], count: 0, window: 1m}\n",
		"unknown predicate": "rules:\n  - id: a\n    kind: custom\n    threatLevel: LOW\n    eventType: BRUTE_FORCE\n    custom: {predicate: nope}\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRules([]byte(doc), NewPredicateRegistry())
			var verr *RuleValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestParseRules_Duplicate(t *testing.T) {
	doc := "rules:\n" +
		"  - {id: a, kind: signature, threatLevel: LOW, eventType: XSS_ATTEMPT, signature: {actions: [x]}}\n" +
		"  - {id: b, kind: signature, threatLevel: LOW, eventType: XSS_ATTEMPT, signature: {actions: [y]}}\n"
	rules, err := ParseRules([]byte(doc), nil)
	require.NoError(t, err)
	assert.Len(t, rules, 2)

	_, err = ValidateRules(append(rules, rules[0]), nil)
	assert.ErrorIs(t, err, ErrDuplicateRule)
}

func TestLoadRules(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(filename, []byte(testRules), 0o600))
	rules, err := LoadRules(filename, NewPredicateRegistry())
	require.NoError(t, err)
	assert.NotEmpty(t, rules)

	_, err = LoadRules(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)
}
