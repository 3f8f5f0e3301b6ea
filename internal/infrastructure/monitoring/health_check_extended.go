package monitoring

import (
	"context"
	"fmt"
	"time"

	"airwave/internal/core/ports"
	"airwave/pkg/circuitbreaker"
)

// AddRelayCheck pings the relay.
func (h *HealthChecker) AddRelayCheck(relay ports.Relay, interval, timeout time.Duration) {
	h.AddCheck("relay", func(ctx context.Context) (bool, error) {
		if err := relay.Ping(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddEngineCheck verifies that the signaling engine still answers commands.
func (h *HealthChecker) AddEngineCheck(engine ports.SignalingEngine, interval, timeout time.Duration) {
	h.AddCheck("signaling_engine", func(ctx context.Context) (bool, error) {
		if _, err := engine.State(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddBreakerCheck fails while the relay circuit is open.
func (h *HealthChecker) AddBreakerCheck(state func() circuitbreaker.State, interval time.Duration) {
	h.AddCheck("relay_circuit", func(ctx context.Context) (bool, error) {
		if s := state(); s == circuitbreaker.StateOpen {
			return false, fmt.Errorf("relay circuit is %s", s)
		}
		return true, nil
	}, interval, 0)
}
