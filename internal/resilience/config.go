package resilience

import (
	"time"

	"go.uber.org/zap"
)

// FromCircuitConfig builds the breaker settings shared by every provider.
// Non-positive values keep the defaults.
func FromCircuitConfig(failureThreshold, resetTimeoutSecs, halfOpenProbes int) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(resetTimeoutSecs) * time.Second
	}
	if halfOpenProbes > 0 {
		cfg.HalfOpenMaxProbes = halfOpenProbes
	}
	return cfg
}

// logTransitions is the state-change hook for provider's breaker when the
// config sets none.
func logTransitions(provider string) func(from, to CircuitState) {
	return func(from, to CircuitState) {
		log := zap.L().With(zap.String("provider", provider),
			zap.Stringer("from", from), zap.Stringer("to", to))
		if to == CircuitOpen {
			log.Warn("resilience: circuit opened, network fetches paused")
			return
		}
		log.Info("resilience: circuit state changed")
	}
}
