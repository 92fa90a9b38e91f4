package threat

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownPredicate = errors.New("unknown predicate")
	ErrDuplicateRule    = errors.New("duplicate rule id")
)

// RuleValidationError reports a malformed rule definition.
type RuleValidationError struct {
	RuleID  string
	Field   string
	Message string
}

func (e *RuleValidationError) Error() string {
	return fmt.Sprintf("rule %q: %s: %s", e.RuleID, e.Field, e.Message)
}

// RuleEvaluationError wraps a failure of a single rule. Other rules keep running.
type RuleEvaluationError struct {
	RuleID string
	Err    error
}

func (e *RuleEvaluationError) Error() string {
	return fmt.Sprintf("rule %q evaluation failed: %v", e.RuleID, e.Err)
}

func (e *RuleEvaluationError) Unwrap() error {
	return e.Err
}

func NewRuleEvaluationError(ruleID string, err error) *RuleEvaluationError {
	return &RuleEvaluationError{
		RuleID: ruleID,
		Err:    err,
	}
}
