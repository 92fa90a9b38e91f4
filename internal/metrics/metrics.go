package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AuditEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kguard_audit_events_total",
		Help: "Audit events received, by outcome",
	}, []string{"outcome"})

	PersistenceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kguard_persistence_errors_total",
		Help: "Failed writes to the backing store",
	}, []string{"component"})

	PatternMatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kguard_pattern_matches_total",
		Help: "Request values matched by a pattern detector",
	}, []string{"category"})

	RuleHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kguard_rule_hits_total",
		Help: "Security events emitted per detection rule",
	}, []string{"rule", "level"})

	RuleErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kguard_rule_errors_total",
		Help: "Detection rules that failed to evaluate",
	}, []string{"rule"})

	EvaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kguard_evaluation_duration_seconds",
		Help:    "Time spent evaluating all rules for one audit entry",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
	})

	Blocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kguard_blocks_total",
		Help: "Temporary IP blocks applied or extended",
	}, []string{"result"})

	BlockedRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kguard_blocked_requests_total",
		Help: "Requests rejected because the source address is blocked",
	})

	Alerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kguard_alerts_total",
		Help: "Security alerts created",
	}, []string{"level", "type"})

	AlertTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kguard_alert_transitions_total",
		Help: "Alert status transitions",
	}, []string{"status"})

	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kguard_notifications_total",
		Help: "Escalation notifications by channel and result",
	}, []string{"channel", "result"})

	Scans = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kguard_scans_total",
		Help: "Security scans by type and final status",
	}, []string{"type", "status"})

	ScanFindings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kguard_scan_findings_total",
		Help: "Vulnerabilities reported by scanners",
	}, []string{"scanner", "severity"})

	AsyncQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kguard_audit_queue_depth",
		Help: "Audit entries waiting for asynchronous persistence",
	})
)
