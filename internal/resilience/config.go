package resilience

import (
	"time"

	"github.com/sells-group/planfinder/internal/config"
)

// BackoffFromConfig converts the refresh backoff section to a Backoff.
func BackoffFromConfig(cfg config.BackoffConfig) Backoff {
	b := DefaultBackoff()
	if cfg.BaseSecs > 0 {
		b.Base = time.Duration(cfg.BaseSecs * float64(time.Second))
	}
	if cfg.Factor >= 1 {
		b.Factor = cfg.Factor
	}
	if cfg.MaxSecs > 0 {
		b.Max = time.Duration(cfg.MaxSecs * float64(time.Second))
	}
	if cfg.Jitter >= 0 {
		b.Jitter = cfg.Jitter
	}
	return b
}

// BreakerFromConfig converts the fallback section to a CircuitBreakerConfig.
func BreakerFromConfig(cfg config.FallbackConfig) CircuitBreakerConfig {
	c := DefaultCircuitBreakerConfig()
	if cfg.CircuitFailureThreshold > 0 {
		c.FailureThreshold = cfg.CircuitFailureThreshold
	}
	if cfg.CircuitResetSecs > 0 {
		c.ResetTimeout = time.Duration(cfg.CircuitResetSecs) * time.Second
	}
	return c
}

// RetryFromAttempts returns the default HTTP retry policy with maxAttempts.
func RetryFromAttempts(maxAttempts int) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	return cfg
}
