// Package diagnose probes a deployed stack from the outside: host port
// reachability, certificate validity, endpoint health, and container
// state. Checks run concurrently and each retries on a fixed interval
// until it passes or its ceiling expires.
package diagnose

import (
	"context"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// Checks and Results
// =============================================================================

// Category groups related checks in output.
type Category string

const (
	CategoryPort        Category = "port"
	CategoryCertificate Category = "certificate"
	CategoryEndpoint    Category = "endpoint"
	CategoryContainer   Category = "container"
)

// Check is a single probe. Probe returns nil once the condition holds;
// any error means "not yet" and schedules a retry.
type Check struct {
	Name     string
	Category Category
	Probe    func(ctx context.Context) error
}

// Result is the final outcome of one check.
type Result struct {
	Name     string
	Category Category
	Passed   bool
	Attempts int
	Elapsed  time.Duration
	Err      error // last observed error when failed
}

// =============================================================================
// Prober
// =============================================================================

const (
	// DefaultInterval is the fixed delay between attempts of one check.
	DefaultInterval = 10 * time.Second

	// DefaultCeiling bounds how long a single check may keep retrying.
	// A check that has not passed by then is failed.
	DefaultCeiling = 2 * time.Minute
)

// Prober runs checks concurrently with per-check retry.
type Prober struct {
	interval time.Duration
	ceiling  time.Duration
	logger   *slog.Logger
}

// NewProber creates a prober with the default cadence. Zero durations
// fall back to the defaults.
func NewProber(interval, ceiling time.Duration, logger *slog.Logger) *Prober {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{interval: interval, ceiling: ceiling, logger: logger}
}

// Run executes every check and returns the results in input order along
// with the number of failed checks. Checks are independent: one failing
// never short-circuits the others.
func (p *Prober) Run(ctx context.Context, checks []Check) ([]Result, int) {
	results := make([]Result, len(checks))

	g, ctx := errgroup.WithContext(ctx)
	for i, check := range checks {
		g.Go(func() error {
			results[i] = p.runCheck(ctx, check)
			return nil
		})
	}
	g.Wait()

	failed := 0
	for _, r := range results {
		if !r.Passed {
			failed++
		}
	}
	return results, failed
}

func (p *Prober) runCheck(ctx context.Context, check Check) Result {
	start := time.Now()
	result := Result{Name: check.Name, Category: check.Category}

	backoff := retry.WithMaxDuration(p.ceiling, retry.NewConstant(p.interval))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		result.Attempts++
		if err := check.Probe(ctx); err != nil {
			p.logger.Debug("check not passing yet",
				"check", check.Name, "attempt", result.Attempts, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})

	result.Elapsed = time.Since(start)
	if err != nil {
		result.Err = err
		p.logger.Warn("check failed", "check", check.Name, "attempts", result.Attempts, "error", err)
		return result
	}
	result.Passed = true
	p.logger.Info("check passed", "check", check.Name, "attempts", result.Attempts)
	return result
}
