package engine

// RetryPolicy spaces out path requests for failed edges. Delays are counted
// in pipeline cycles so that a replay with the same inputs retries on the
// same cycles.
type RetryPolicy struct {
	MaxRetries int
	BaseCycles int
	MaxCycles  int
}

func retryPolicyFrom(cfg PipelineConfig) RetryPolicy {
	return RetryPolicy{
		MaxRetries: cfg.MaxRetries,
		BaseCycles: cfg.RetryBaseCycles,
		MaxCycles:  cfg.RetryMaxCycles,
	}
}

// Delay returns the number of cycles to wait after the given failed attempt
// (1-based): base * 2^(attempt-1), capped at MaxCycles.
func (p RetryPolicy) Delay(attempt int) int64 {
	base := int64(p.BaseCycles)
	if base <= 0 {
		base = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxCycles > 0 && delay >= int64(p.MaxCycles) {
			return int64(p.MaxCycles)
		}
	}
	if p.MaxCycles > 0 && delay > int64(p.MaxCycles) {
		delay = int64(p.MaxCycles)
	}
	return delay
}

// Allowed reports whether an edge that failed attempts times may be retried.
func (p RetryPolicy) Allowed(attempts int) bool {
	return attempts <= p.MaxRetries
}
