package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/khanghh/kguard/internal/metrics"
	"github.com/khanghh/kguard/internal/store"
	"github.com/khanghh/kguard/model"
	"github.com/khanghh/kguard/params"
	"github.com/sourcegraph/conc/pool"
)

const (
	ScanTypeFull       = "full"
	ScanTypeCode       = "code"
	ScanTypeDependency = "dependency"
	ScanTypeNetwork    = "network"
	ScanTypeWeb        = "web"
)

var ScanTypes = []string{ScanTypeFull, ScanTypeCode, ScanTypeDependency, ScanTypeNetwork, ScanTypeWeb}

// Scanner is one independent scan tool. Scan must honor ctx.
type Scanner interface {
	Name() string
	Scan(ctx context.Context) ([]model.Vulnerability, error)
}

type RunnerConfig struct {
	Concurrency int
	TaskTimeout time.Duration
	Retention   time.Duration
}

// Runner fans a scan out to its scanners on a bounded pool and merges what
// comes back into a single result.
type Runner struct {
	config   RunnerConfig
	scanners []Scanner
	results  store.Store[model.ScanResult]
	now      func() time.Time
}

type taskOutcome struct {
	vulns  []model.Vulnerability
	status model.ScannerStatus
	err    error
}

func (r *Runner) Scanners() []string {
	names := make([]string, len(r.scanners))
	for i, s := range r.scanners {
		names[i] = s.Name()
	}
	return names
}

func (r *Runner) selectScanners(scanType string) ([]Scanner, error) {
	scanType = strings.ToLower(strings.TrimSpace(scanType))
	if scanType == "" {
		scanType = ScanTypeFull
	}
	known := false
	for _, t := range ScanTypes {
		known = known || t == scanType
	}
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScanType, scanType)
	}
	var selected []Scanner
	for _, s := range r.scanners {
		if scanType == ScanTypeFull || s.Name() == scanType {
			selected = append(selected, s)
		}
	}
	if len(selected) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoScanners, scanType)
	}
	return selected, nil
}

func (r *Runner) runTask(ctx context.Context, scanner Scanner) taskOutcome {
	started := r.now()
	if err := ctx.Err(); err != nil {
		return taskOutcome{status: model.ScannerStatus{Status: model.ScanStatusPartial, Error: "cancelled"}, err: err}
	}
	taskCtx, cancel := context.WithTimeout(ctx, r.config.TaskTimeout)
	defer cancel()

	type result struct {
		vulns []model.Vulnerability
		err   error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		vulns, err := scanner.Scan(taskCtx)
		done <- result{vulns, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-taskCtx.Done():
		res.err = taskCtx.Err()
	}

	out := taskOutcome{vulns: res.vulns}
	out.status.Duration = r.now().Sub(started)
	switch {
	case res.err == nil:
		out.status.Status = model.ScanStatusCompleted
	case ctx.Err() != nil:
		// the whole run was cancelled, keep what the scanner produced so far
		out.status.Status = model.ScanStatusPartial
		out.status.Error = "cancelled"
		out.err = ctx.Err()
	default:
		out.status.Status = model.ScanStatusFailed
		out.status.Error = res.err.Error()
		out.err = NewScanToolError(scanner.Name(), res.err)
		out.vulns = nil
	}
	out.status.Findings = len(out.vulns)
	return out
}

// RunSecurityScan runs the scanners of scanType and persists the merged result.
// Scanner failures are recorded in the result and never abort the others. A
// cancelled run returns a partial result.
func (r *Runner) RunSecurityScan(ctx context.Context, scanType string) (*model.ScanResult, error) {
	scanners, err := r.selectScanners(scanType)
	if err != nil {
		return nil, err
	}
	result := &model.ScanResult{
		ScanID:          uuid.NewString(),
		ScanType:        strings.ToLower(strings.TrimSpace(scanType)),
		Status:          model.ScanStatusRunning,
		StartedAt:       r.now(),
		Vulnerabilities: []model.Vulnerability{},
		Scanners:        make(map[string]model.ScannerStatus, len(scanners)),
	}
	if result.ScanType == "" {
		result.ScanType = ScanTypeFull
	}
	slog.Info("Security scan started", "scanID", result.ScanID, "type", result.ScanType, "scanners", len(scanners))

	outcomes := make([]taskOutcome, len(scanners))
	p := pool.New().WithMaxGoroutines(r.config.Concurrency)
	for i, scanner := range scanners {
		p.Go(func() {
			outcomes[i] = r.runTask(ctx, scanner)
		})
	}
	p.Wait()

	failed, cancelled := 0, false
	for i, out := range outcomes {
		name := scanners[i].Name()
		result.Scanners[name] = out.status
		result.Vulnerabilities = append(result.Vulnerabilities, out.vulns...)
		switch out.status.Status {
		case model.ScanStatusFailed:
			failed++
			result.FailedScanners = append(result.FailedScanners, name)
			slog.Warn("Scanner failed", "scanID", result.ScanID, "scanner", name, "error", out.err)
		case model.ScanStatusPartial:
			cancelled = true
		}
		for _, v := range out.vulns {
			metrics.ScanFindings.WithLabelValues(name, string(v.Severity)).Inc()
		}
	}
	sort.SliceStable(result.Vulnerabilities, func(i, j int) bool {
		return severityRank(result.Vulnerabilities[i].Severity) > severityRank(result.Vulnerabilities[j].Severity)
	})

	switch {
	case cancelled:
		result.Status = model.ScanStatusPartial
	case failed == len(scanners):
		result.Status = model.ScanStatusFailed
	case failed > 0:
		result.Status = model.ScanStatusPartial
	default:
		result.Status = model.ScanStatusCompleted
	}
	result.Degraded = result.Status != model.ScanStatusCompleted
	metrics.Scans.WithLabelValues(result.ScanType, string(result.Status)).Inc()
	result.CompletedAt = r.now()
	slog.Info("Security scan finished",
		"scanID", result.ScanID,
		"status", result.Status,
		"findings", len(result.Vulnerabilities),
		"failed", result.FailedScanners,
	)

	if r.results == nil {
		return result, nil
	}
	// the run may have been cancelled, the result is still worth keeping
	saveCtx := context.WithoutCancel(ctx)
	if err := r.save(saveCtx, result); err != nil {
		metrics.PersistenceErrors.WithLabelValues("scans").Inc()
		return result, err
	}
	return result, nil
}

func (r *Runner) save(ctx context.Context, result *model.ScanResult) error {
	if err := r.results.Set(ctx, result.ScanID, *result, r.config.Retention); err != nil {
		return err
	}
	return r.results.Indexes().IndexAdd(ctx, result.ScanID, float64(result.StartedAt.UnixMilli()), r.config.Retention, params.TimeIndexName)
}

func (r *Runner) Get(ctx context.Context, scanID string) (*model.ScanResult, error) {
	if r.results == nil {
		return nil, ErrScanNotFound
	}
	result, err := r.results.Get(ctx, scanID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrScanNotFound
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Since returns persisted scan results started at or after t, oldest first.
func (r *Runner) Since(ctx context.Context, t time.Time) ([]model.ScanResult, error) {
	if r.results == nil {
		return nil, nil
	}
	storage := r.results.Indexes()
	if err := storage.IndexTrim(ctx, params.TimeIndexName, float64(r.now().Add(-r.config.Retention).UnixMilli())); err != nil {
		return nil, err
	}
	ids, err := storage.IndexRange(ctx, params.TimeIndexName, float64(t.UnixMilli()), math.Inf(1), 0, 0)
	if err != nil {
		return nil, err
	}
	return r.results.GetMany(ctx, ids)
}

func severityRank(s model.Severity) int {
	for i, sev := range model.Severities {
		if sev == s {
			return len(model.Severities) - i
		}
	}
	return 0
}

// NewRunner creates a runner over scanners. storage may be nil, results are then
// not persisted.
func NewRunner(storage store.Storage, config RunnerConfig, scanners ...Scanner) *Runner {
	if config.Concurrency <= 0 {
		config.Concurrency = params.ScanDefaultConcurrency
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = params.ScanDefaultTaskTimeout
	}
	if config.Retention <= 0 {
		config.Retention = params.ScanRetention
	}
	r := &Runner{
		config:   config,
		scanners: scanners,
		now:      time.Now,
	}
	if storage != nil {
		r.results = store.New[model.ScanResult](storage, params.ScanKeyPrefix)
	}
	return r
}
