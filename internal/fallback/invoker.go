// Package fallback invokes the expensive on-demand extraction path. It
// bounds each call by a deadline, guards the provider with a circuit
// breaker, and keeps spend inside a request rate and a daily budget.
package fallback

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/planfinder/internal/config"
	"github.com/sells-group/planfinder/internal/cost"
	"github.com/sells-group/planfinder/internal/extract"
	"github.com/sells-group/planfinder/internal/model"
	"github.com/sells-group/planfinder/internal/resilience"
	"github.com/sells-group/planfinder/internal/telemetry"
)

// Refusal explains why Admit turned a refresh away.
type Refusal string

const (
	Admitted       Refusal = ""
	RefusedBudget  Refusal = "budget_exhausted"
	RefusedCircuit Refusal = "circuit_open"
)

const defaultTimeout = 30 * time.Second

// Options configures an Invoker.
type Options struct {
	// Timeout bounds a provider call when the caller's deadline is later.
	Timeout        time.Duration
	RatePerMinute  float64
	Burst          int
	DailyBudgetUSD float64
	Breaker        resilience.CircuitBreakerConfig
	Metrics        *telemetry.Metrics
}

// OptionsFromConfig maps configuration to Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Timeout:        cfg.Freshness.ExtractionTimeout(),
		RatePerMinute:  cfg.Fallback.RatePerMinute,
		Burst:          cfg.Fallback.Burst,
		DailyBudgetUSD: cfg.Fallback.DailyBudgetUSD,
		Breaker:        resilience.BreakerFromConfig(cfg.Fallback),
	}
}

// Invoker wraps an extraction provider for the read path.
type Invoker struct {
	provider extract.Provider
	timeout  time.Duration
	limiter  *rate.Limiter
	budget   *cost.Budget
	breaker  *resilience.CircuitBreaker
	metrics  *telemetry.Metrics
}

// New creates an Invoker over provider.
func New(provider extract.Provider, opts Options) *Invoker {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	limit := rate.Inf
	if opts.RatePerMinute > 0 {
		limit = rate.Limit(opts.RatePerMinute / 60)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.Breaker.FailureThreshold <= 0 {
		opts.Breaker = resilience.DefaultCircuitBreakerConfig()
	}
	// Cancellation means the caller left; it says nothing about the provider.
	opts.Breaker.ShouldTrip = func(err error) bool {
		return err != nil && !errors.Is(err, context.Canceled)
	}
	opts.Breaker.OnStateChange = func(name string, from, to resilience.CircuitState) {
		zap.L().Warn("fallback: circuit state changed",
			zap.String("provider", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
	return &Invoker{
		provider: provider,
		timeout:  opts.Timeout,
		limiter:  rate.NewLimiter(limit, opts.Burst),
		budget:   cost.NewBudget(opts.DailyBudgetUSD),
		breaker:  resilience.NewCircuitBreaker(provider.Name(), opts.Breaker),
		metrics:  opts.Metrics,
	}
}

// Provider returns the wrapped provider's name.
func (inv *Invoker) Provider() string { return inv.provider.Name() }

// Admit reports whether a fallback may start now. It consumes a rate token
// only when it admits.
func (inv *Invoker) Admit() Refusal {
	if inv.breaker.State() == resilience.CircuitOpen {
		return RefusedCircuit
	}
	if !inv.budget.Allow() || !inv.limiter.Allow() {
		return RefusedBudget
	}
	return Admitted
}

// Spent returns today's fallback spend in USD.
func (inv *Invoker) Spent() float64 { return inv.budget.Spent() }

// Invoke extracts a fresh draft. The call is bounded by the earlier of the
// caller's deadline and the configured timeout; expiry is an extraction
// failure. A call refused by the open circuit returns
// resilience.ErrCircuitOpen without reaching the provider.
func (inv *Invoker) Invoke(ctx context.Context, req extract.Request) (*extract.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, inv.timeout)
	defer cancel()

	start := time.Now()
	res, err := resilience.ExecuteVal(ctx, inv.breaker, func(ctx context.Context) (*extract.Result, error) {
		res, err := inv.provider.Extract(ctx, req)
		if err == nil && (res == nil || res.Draft == nil) {
			err = eris.Wrapf(model.ErrExtraction, "fallback: %s returned no draft for %s", inv.provider.Name(), req.PlanID)
		}
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return res, err
	})
	elapsed := time.Since(start)

	spend := 0.0
	if res != nil {
		spend = res.CostUSD
		inv.budget.Add(spend)
	}
	inv.metrics.RecordExtraction(ctx, inv.provider.Name(), elapsed, spend, err == nil)

	if errors.Is(err, resilience.ErrCircuitOpen) {
		return nil, eris.Wrapf(err, "fallback: %s", req.PlanID)
	}
	if err == nil && res.Draft.ID != "" && res.Draft.ID != req.PlanID {
		err = eris.Wrapf(model.ErrExtraction, "fallback: %s answered for %s instead of %s",
			inv.provider.Name(), res.Draft.ID, req.PlanID)
	}
	if err != nil {
		if !errors.Is(err, model.ErrExtraction) {
			err = eris.Wrapf(model.ErrExtraction, "fallback: %s for %s: %v", inv.provider.Name(), req.PlanID, err)
		}
		zap.L().Warn("fallback: extraction failed",
			zap.String("plan_id", req.PlanID),
			zap.String("provider", inv.provider.Name()),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return nil, err
	}
	if res.Draft.ID == "" {
		res.Draft.ID = req.PlanID
	}
	return res, nil
}
