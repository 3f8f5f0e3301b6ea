package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"airwave/internal/core/domain"
	"airwave/internal/infrastructure/repositories/memory"
	"airwave/pkg/circuitbreaker"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheusCollector_SessionGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.SessionOpened(domain.RoleListener)
	c.SessionOpened(domain.RoleListener)
	c.SessionClosed(domain.RoleListener, "left")
	c.SessionConnected(domain.RoleListener, 250*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionsActive.WithLabelValues("listener")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.sessionsOpened.WithLabelValues("listener")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionsClosed.WithLabelValues("listener", "left")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.negotiationDelay))
}

func TestPrometheusCollector_SignalingCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.SignalSent(domain.SignalOffer)
	c.SignalReceived(domain.SignalAnswer)
	c.SignalReceived(domain.SignalAnswer)
	c.ProtocolWarning("no session")
	c.NegotiationFailed("timeout")
	c.RelayError("send answer")
	c.RTPReceived(120)
	c.RTPReceived(80)
	c.RTCPReceived("receiver_report")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.signalsSent.WithLabelValues("offer")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.signalsReceived.WithLabelValues("answer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.protocolWarnings.WithLabelValues("no session")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.negotiationsFailed.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.relayErrors.WithLabelValues("send answer")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.rtpPackets))
	assert.Equal(t, 200.0, testutil.ToFloat64(c.rtpBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.rtcp.WithLabelValues("receiver_report")))
}

func TestPrometheusCollector_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewPrometheusCollector(reg)
	assert.Panics(t, func() { NewPrometheusCollector(reg) })
}

func TestHealthChecker_RelayCheck(t *testing.T) {
	relay := memory.NewRelay()
	h := NewHealthChecker()
	h.AddRelayCheck(relay, 0, time.Second)

	status := h.CheckAll(context.Background())
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "healthy", status.Checks["relay"])

	_ = relay.Close()
	status = h.CheckAll(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Contains(t, status.Checks["relay"], domain.ErrRelayUnavailable.Error())
	assert.False(t, h.IsReady(context.Background()))
}

func TestHealthChecker_BreakerCheck(t *testing.T) {
	state := circuitbreaker.StateClosed
	h := NewHealthChecker()
	h.AddBreakerCheck(func() circuitbreaker.State { return state }, 0)

	assert.True(t, h.IsReady(context.Background()))
	state = circuitbreaker.StateOpen
	status := h.CheckAll(context.Background())
	assert.Equal(t, "relay circuit is open", status.Checks["relay_circuit"])
}

func TestHealthChecker_CheckTimeout(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("slow", func(ctx context.Context) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	}, 0, 10*time.Millisecond)
	h.AddCheck("falsy", func(ctx context.Context) (bool, error) { return false, nil }, 0, time.Second)

	status := h.CheckAll(context.Background())
	assert.Equal(t, context.DeadlineExceeded.Error(), status.Checks["slow"])
	assert.Equal(t, "check failed", status.Checks["falsy"])
}

func TestHealthChecker_BackgroundFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	boom := errors.New("boom")
	h := NewHealthChecker()
	h.AddCheck("flaky", func(ctx context.Context) (bool, error) { return false, boom }, 5*time.Millisecond, time.Second)

	failures := make(chan string, 16)
	h.StartBackgroundChecks(ctx, func(name string, err error) {
		select {
		case failures <- name:
		default:
		}
	})

	select {
	case name := <-failures:
		assert.Equal(t, "flaky", name)
	case <-time.After(2 * time.Second):
		t.Fatal("background check never reported")
	}
}
