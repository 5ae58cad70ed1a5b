package resilience

import (
	"time"

	"github.com/sells-group/imagefilter/internal/config"
)

// FetchPolicy bundles the retry and breaker settings for image fetches.
type FetchPolicy struct {
	Timeout time.Duration
	Retry   RetryConfig
	Breaker BreakerConfig
}

// FromFetchConfig converts the fetch config section into a FetchPolicy.
// max_retries counts retries, so attempts are one more.
func FromFetchConfig(cfg config.FetchConfig) FetchPolicy {
	p := FetchPolicy{
		Timeout: 15 * time.Second,
		Retry:   DefaultRetryConfig(),
		Breaker: DefaultBreakerConfig(),
	}
	if cfg.TimeoutSecs > 0 {
		p.Timeout = time.Duration(cfg.TimeoutSecs) * time.Second
	}
	if cfg.MaxRetries >= 0 {
		p.Retry.MaxAttempts = cfg.MaxRetries + 1
	}
	if cfg.BreakerThreshold > 0 {
		p.Breaker.FailureThreshold = cfg.BreakerThreshold
	}
	if cfg.BreakerResetSecs > 0 {
		p.Breaker.ResetTimeout = time.Duration(cfg.BreakerResetSecs) * time.Second
	}
	return p
}
