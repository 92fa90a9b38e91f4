package threat

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/khanghh/kguard/internal/tracker"
	"github.com/khanghh/kguard/model"
	"github.com/spf13/cast"
)

// EvalContext is the input of a custom predicate. Window is empty unless the rule
// declares a window.
type EvalContext struct {
	Entry  *model.AuditLogEntry
	Window []model.EventSummary
	Args   map[string]any
	Now    time.Time
}

// Predicate decides whether a custom rule fires and may return extra event details.
type Predicate func(ec *EvalContext) (bool, map[string]any, error)

type PredicateRegistry struct {
	mu         sync.RWMutex
	predicates map[string]Predicate
}

func (r *PredicateRegistry) Register(name string, predicate Predicate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.predicates[name]; exists {
		return fmt.Errorf("predicate %q already registered", name)
	}
	r.predicates[name] = predicate
	return nil
}

func (r *PredicateRegistry) Get(name string) (Predicate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.predicates[name]
	return p, ok
}

func (r *PredicateRegistry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

func (r *PredicateRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.predicates))
	for name := range r.predicates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// highRiskScore fires when the caller supplied risk score reaches args.min (default 9).
func highRiskScore(ec *EvalContext) (bool, map[string]any, error) {
	minScore := 9.0
	if v, ok := ec.Args["min"]; ok {
		score, err := cast.ToFloat64E(v)
		if err != nil {
			return false, nil, fmt.Errorf("invalid min: %w", err)
		}
		minScore = score
	}
	if ec.Entry.RiskScore < minScore {
		return false, nil, nil
	}
	return true, map[string]any{"risk_score": ec.Entry.RiskScore, "min_risk_score": minScore}, nil
}

// repeatedFailures fires on the args.count-th failed entry of any action in the window.
func repeatedFailures(ec *EvalContext) (bool, map[string]any, error) {
	if ec.Entry.Success {
		return false, nil, nil
	}
	count := cast.ToInt(ec.Args["count"])
	if count <= 0 {
		return false, nil, fmt.Errorf("count must be positive")
	}
	failures := tracker.Count(ec.Window, func(ev model.EventSummary) bool { return !ev.Success })
	if failures != count {
		return false, nil, nil
	}
	return true, map[string]any{"failures": failures}, nil
}

func NewPredicateRegistry() *PredicateRegistry {
	r := &PredicateRegistry{predicates: make(map[string]Predicate)}
	r.predicates["high_risk_score"] = highRiskScore
	r.predicates["repeated_failures"] = repeatedFailures
	return r
}
