package scan

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/khanghh/kguard/internal/store"
	"github.com/khanghh/kguard/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeScanner struct {
	name  string
	vulns []model.Vulnerability
	err   error
	delay time.Duration
}

func (f *fakeScanner) Name() string { return f.name }

func (f *fakeScanner) Scan(ctx context.Context) ([]model.Vulnerability, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.vulns, f.err
}

func vuln(id string, severity model.Severity) model.Vulnerability {
	return model.Vulnerability{ID: id, Title: id, Severity: severity, OWASPCategory: model.OWASPInjection}
}

func newTestRunner(t *testing.T, config RunnerConfig, scanners ...Scanner) *Runner {
	storage := store.NewMemoryStorage(time.Minute)
	t.Cleanup(func() { storage.Close() })
	return NewRunner(storage, config, scanners...)
}

func TestRunner_MergesScanners(t *testing.T) {
	r := newTestRunner(t, RunnerConfig{},
		&fakeScanner{name: ScanTypeCode, vulns: []model.Vulnerability{vuln("a", model.SeverityLow)}},
		&fakeScanner{name: ScanTypeWeb, vulns: []model.Vulnerability{vuln("b", model.SeverityCritical), vuln("c", model.SeverityMedium)}},
	)
	ctx := context.Background()

	result, err := r.RunSecurityScan(ctx, ScanTypeFull)
	require.NoError(t, err)
	assert.Equal(t, model.ScanStatusCompleted, result.Status)
	assert.False(t, result.Degraded)
	require.Len(t, result.Vulnerabilities, 3)
	assert.Equal(t, "b", result.Vulnerabilities[0].ID)
	assert.Equal(t, 2, result.Scanners[ScanTypeWeb].Findings)
	assert.Empty(t, result.FailedScanners)

	stored, err := r.Get(ctx, result.ScanID)
	require.NoError(t, err)
	assert.Len(t, stored.Vulnerabilities, 3)

	recent, err := r.Since(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	_, err = r.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrScanNotFound)
}

func TestRunner_SingleType(t *testing.T) {
	r := newTestRunner(t, RunnerConfig{},
		&fakeScanner{name: ScanTypeCode, vulns: []model.Vulnerability{vuln("a", model.SeverityLow)}},
		&fakeScanner{name: ScanTypeWeb, vulns: []model.Vulnerability{vuln("b", model.SeverityHigh)}},
	)
	result, err := r.RunSecurityScan(context.Background(), "WEB")
	require.NoError(t, err)
	assert.Equal(t, ScanTypeWeb, result.ScanType)
	require.Len(t, result.Vulnerabilities, 1)
	assert.Equal(t, "b", result.Vulnerabilities[0].ID)

	_, err = r.RunSecurityScan(context.Background(), "fuzz")
	assert.ErrorIs(t, err, ErrUnknownScanType)

	_, err = r.RunSecurityScan(context.Background(), ScanTypeNetwork)
	assert.ErrorIs(t, err, ErrNoScanners)
}

func TestRunner_FailureIsIsolated(t *testing.T) {
	r := newTestRunner(t, RunnerConfig{TaskTimeout: 50 * time.Millisecond},
		&fakeScanner{name: ScanTypeCode, vulns: []model.Vulnerability{vuln("a", model.SeverityHigh)}},
		&fakeScanner{name: ScanTypeDependency, err: errors.New("go.mod not found")},
		&fakeScanner{name: ScanTypeNetwork, delay: time.Second},
	)
	result, err := r.RunSecurityScan(context.Background(), ScanTypeFull)
	require.NoError(t, err)
	assert.Equal(t, model.ScanStatusPartial, result.Status)
	assert.True(t, result.Degraded)
	assert.ElementsMatch(t, []string{ScanTypeDependency, ScanTypeNetwork}, result.FailedScanners)
	assert.Len(t, result.Vulnerabilities, 1)
	assert.Equal(t, model.ScanStatusFailed, result.Scanners[ScanTypeDependency].Status)
	assert.Contains(t, result.Scanners[ScanTypeNetwork].Error, "deadline exceeded")
	assert.Equal(t, model.ScanStatusCompleted, result.Scanners[ScanTypeCode].Status)
}

func TestRunner_AllFailed(t *testing.T) {
	r := newTestRunner(t, RunnerConfig{},
		&fakeScanner{name: ScanTypeCode, err: errors.New("boom")},
	)
	result, err := r.RunSecurityScan(context.Background(), ScanTypeFull)
	require.NoError(t, err)
	assert.Equal(t, model.ScanStatusFailed, result.Status)
	assert.True(t, result.Degraded)
}

func TestRunner_CancelledRunIsPartial(t *testing.T) {
	r := newTestRunner(t, RunnerConfig{Concurrency: 1},
		&fakeScanner{name: ScanTypeCode, vulns: []model.Vulnerability{vuln("a", model.SeverityLow)}},
		&fakeScanner{name: ScanTypeWeb, delay: 5 * time.Second},
	)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	result, err := r.RunSecurityScan(ctx, ScanTypeFull)
	require.NoError(t, err)
	assert.Equal(t, model.ScanStatusPartial, result.Status)
	assert.True(t, result.Degraded)
	assert.Len(t, result.Vulnerabilities, 1)
	assert.Equal(t, model.ScanStatusPartial, result.Scanners[ScanTypeWeb].Status)

	stored, err := r.Get(context.Background(), result.ScanID)
	require.NoError(t, err)
	assert.Equal(t, model.ScanStatusPartial, stored.Status)
}

func TestScanToolError(t *testing.T) {
	cause := errors.New("exit status 1")
	err := error(NewScanToolError("web", cause))
	var toolErr *ScanToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "web", toolErr.Scanner)
	assert.ErrorIs(t, err, cause)
}
