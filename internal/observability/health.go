package observability

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// Check statuses.
const (
	StatusOK       = "ok"
	StatusError    = "error"
	StatusReady    = "ready"
	StatusNotReady = "not_ready"
)

// ReadinessReport is the result of running every readiness check.
type ReadinessReport struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Commit  string                 `json:"commit"`
	Checks  map[string]CheckResult `json:"checks"`
}

// Ready reports whether every check passed.
func (r ReadinessReport) Ready() bool {
	return r.Status == StatusReady
}

// CheckResult is the result of a single readiness check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f HealthCheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// ReadinessChecks holds what CheckReadiness inspects. Templates is always
// checked; a nil func or a zero count is not ready. Store checks run only
// when set.
type ReadinessChecks struct {
	Templates        func() int
	FlowStore        HealthChecker
	IdempotencyStore HealthChecker
}

const checkTimeout = 2 * time.Second

// CheckReadiness runs every configured check concurrently.
func CheckReadiness(ctx context.Context, checks ReadinessChecks) ReadinessReport {
	named := map[string]HealthChecker{
		"templates": templateCheck(checks.Templates),
	}
	if checks.FlowStore != nil {
		named["flow_store"] = checks.FlowStore
	}
	if checks.IdempotencyStore != nil {
		named["idempotency_store"] = checks.IdempotencyStore
	}

	results := make(map[string]CheckResult, len(named))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, checker := range named {
		wg.Go(func() {
			result := runCheck(ctx, checker)
			if name == "templates" && checks.Templates != nil && result.Status == StatusOK {
				result.Detail = fmt.Sprintf("%d registered", checks.Templates())
			}
			mu.Lock()
			results[name] = result
			mu.Unlock()
		})
	}
	wg.Wait()

	status := StatusReady
	for _, result := range results {
		if result.Status != StatusOK {
			status = StatusNotReady
			break
		}
	}
	return ReadinessReport{Status: status, Version: Version, Commit: Commit, Checks: results}
}

func templateCheck(count func() int) HealthChecker {
	return HealthCheckFunc(func(context.Context) error {
		if count == nil || count() == 0 {
			return fmt.Errorf("no templates registered")
		}
		return nil
	})
}

// runCheck executes a health check with a per-check timeout.
func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	result := CheckResult{Status: StatusOK, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		result.Status = StatusError
		result.Error = err.Error()
	}
	return result
}
