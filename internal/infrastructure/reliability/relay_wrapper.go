package reliability

import (
	"context"
	"errors"
	"time"

	"airwave/internal/core/domain"
	"airwave/internal/core/ports"
	"airwave/pkg/circuitbreaker"
	"airwave/pkg/retry"
	"airwave/pkg/tracing"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// RelayWrapper wraps a Relay with retry logic and a circuit breaker.
// Missing rows and rejected payloads are answers, not faults: they are
// neither retried nor counted against the breaker.
type RelayWrapper struct {
	relay  ports.Relay
	logger *zap.SugaredLogger

	retryConfig    retry.Config
	circuitBreaker *circuitbreaker.CircuitBreaker
}

var _ ports.Relay = (*RelayWrapper)(nil)

func NewRelayWrapper(
	relay ports.Relay,
	retryConfig retry.Config,
	cbConfig circuitbreaker.Config,
	logger *zap.SugaredLogger,
) *RelayWrapper {
	cbConfig.IsFailure = isRelayFault
	wrapper := &RelayWrapper{
		relay:          relay,
		logger:         logger,
		retryConfig:    retryConfig,
		circuitBreaker: circuitbreaker.New(cbConfig),
	}

	wrapper.circuitBreaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("relay circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})

	return wrapper
}

func isRelayFault(err error) bool {
	return !errors.Is(err, domain.ErrRecordNotFound) &&
		!errors.Is(err, domain.ErrInvalidPayload) &&
		!errors.Is(err, context.Canceled)
}

// BreakerState reports the relay circuit state.
func (w *RelayWrapper) BreakerState() circuitbreaker.State {
	return w.circuitBreaker.State()
}

func (w *RelayWrapper) call(ctx context.Context, op string, table domain.Table, fn func(ctx context.Context) error) error {
	ctx, span := tracing.TraceRelay(ctx, op, string(table))
	defer span.End()
	defer tracing.MeasureDuration(ctx, time.Now())

	attempts := 0
	err := retry.Do(ctx, w.retryConfig, func(ctx context.Context) error {
		attempts++
		err := w.circuitBreaker.Execute(func() error { return fn(ctx) })
		if err != nil && (!isRelayFault(err) || errors.Is(err, circuitbreaker.ErrOpen)) {
			return retry.Permanent(err)
		}
		return err
	})
	span.SetAttributes(attribute.Int("relay.attempts", attempts))
	if err != nil && isRelayFault(err) {
		tracing.RecordError(ctx, err)
	}
	return err
}

func callValue[T any](ctx context.Context, w *RelayWrapper, op string, table domain.Table, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := w.call(ctx, op, table, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}

func (w *RelayWrapper) CreateRoom(ctx context.Context, room *domain.Room) error {
	return w.call(ctx, "create_room", domain.TableRooms, func(ctx context.Context) error { return w.relay.CreateRoom(ctx, room) })
}

func (w *RelayWrapper) GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	return callValue(ctx, w, "get_room", domain.TableRooms, func(ctx context.Context) (*domain.Room, error) { return w.relay.GetRoom(ctx, id) })
}

func (w *RelayWrapper) UpsertBroadcast(ctx context.Context, rec *domain.BroadcastRecord) error {
	return w.call(ctx, "upsert_broadcast", domain.TableBroadcasts, func(ctx context.Context) error { return w.relay.UpsertBroadcast(ctx, rec) })
}

func (w *RelayWrapper) SetBroadcastActive(ctx context.Context, participantID domain.ParticipantID, active bool) error {
	return w.call(ctx, "set_broadcast_active", domain.TableBroadcasts, func(ctx context.Context) error {
		return w.relay.SetBroadcastActive(ctx, participantID, active)
	})
}

func (w *RelayWrapper) GetBroadcast(ctx context.Context, participantID domain.ParticipantID) (*domain.BroadcastRecord, error) {
	return callValue(ctx, w, "get_broadcast", domain.TableBroadcasts, func(ctx context.Context) (*domain.BroadcastRecord, error) {
		return w.relay.GetBroadcast(ctx, participantID)
	})
}

func (w *RelayWrapper) ListActiveBroadcasts(ctx context.Context) ([]*domain.BroadcastRecord, error) {
	return callValue(ctx, w, "list_active_broadcasts", domain.TableBroadcasts, w.relay.ListActiveBroadcasts)
}

func (w *RelayWrapper) UpsertListener(ctx context.Context, rec *domain.ListenerRecord) error {
	return w.call(ctx, "upsert_listener", domain.TableListeners, func(ctx context.Context) error { return w.relay.UpsertListener(ctx, rec) })
}

func (w *RelayWrapper) DeleteListener(ctx context.Context, participantID, broadcasterID domain.ParticipantID) error {
	return w.call(ctx, "delete_listener", domain.TableListeners, func(ctx context.Context) error {
		return w.relay.DeleteListener(ctx, participantID, broadcasterID)
	})
}

func (w *RelayWrapper) ListListeners(ctx context.Context, broadcasterID domain.ParticipantID) ([]*domain.ListenerRecord, error) {
	return callValue(ctx, w, "list_listeners", domain.TableListeners, func(ctx context.Context) ([]*domain.ListenerRecord, error) {
		return w.relay.ListListeners(ctx, broadcasterID)
	})
}

// AppendSignal keeps the envelope id across attempts so that a write that
// landed before its reply was lost is deduplicated by the receiver.
func (w *RelayWrapper) AppendSignal(ctx context.Context, env *domain.SignalEnvelope) error {
	return w.call(ctx, "append_signal", domain.TableSignals, func(ctx context.Context) error { return w.relay.AppendSignal(ctx, env) })
}

// Subscribe goes through the breaker only; callers own resubscription.
func (w *RelayWrapper) Subscribe(ctx context.Context, table domain.Table, filter domain.Filter) (ports.Subscription, error) {
	var sub ports.Subscription
	err := w.circuitBreaker.Execute(func() error {
		var err error
		sub, err = w.relay.Subscribe(ctx, table, filter)
		return err
	})
	return sub, err
}

func (w *RelayWrapper) Ping(ctx context.Context) error {
	return w.relay.Ping(ctx)
}

func (w *RelayWrapper) Close() error {
	return w.relay.Close()
}
