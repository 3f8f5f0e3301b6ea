package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"airwave/internal/core/domain"
	"airwave/pkg/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newTestRelay connects to the server named by AIRWAVE_TEST_REDIS under a
// fresh key prefix.
func newTestRelay(t *testing.T) *Relay {
	t.Helper()
	addr := os.Getenv("AIRWAVE_TEST_REDIS")
	if addr == "" {
		t.Skip("AIRWAVE_TEST_REDIS not set")
	}

	logger := zap.NewNop().Sugar()
	prefix := "airwave-test-" + utils.NewID()[:8]
	client, err := NewRedisClient(ClientConfig{Address: addr, PoolSize: 4, Prefix: prefix}, logger)
	require.NoError(t, err)

	r := NewRelay(client, RelayConfig{Prefix: prefix, SubscriptionBuffer: 64}, logger)
	t.Cleanup(func() {
		ctx := context.Background()
		if keys, err := client.Keys(ctx, prefix+":*").Result(); err == nil && len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		_ = r.Close()
	})
	return r
}

func nextEvent(t *testing.T, ch <-chan domain.ChangeEvent) domain.ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change event")
	}
	return domain.ChangeEvent{}
}

func TestKeyspace(t *testing.T) {
	k := newKeyspace("")
	assert.Equal(t, "airwave:broadcast:a", k.broadcast("a"))
	assert.Equal(t, "airwave:changes:signals:b", k.signalChanges("b"))
	assert.Equal(t, "airwave:changes:signals:*", k.allSignalChanges())
	assert.Equal(t, "airwave:signal-stream:b", k.signalStream("b"))

	custom := newKeyspace("x")
	assert.Equal(t, "x:listeners:b", custom.listenersOf("b"))
	assert.Equal(t, "x:lock:", custom.locks())
}

func TestRelay_CreateRoomReusesActiveBroadcastRoom(t *testing.T) {
	ctx := context.Background()
	r := newTestRelay(t)

	room := &domain.Room{Name: "Alice's Room", OwnerID: "a"}
	require.NoError(t, r.CreateRoom(ctx, room))
	require.NotEmpty(t, room.ID)

	require.NoError(t, r.UpsertBroadcast(ctx, &domain.BroadcastRecord{ParticipantID: "a", RoomID: room.ID, Active: true}))

	again := &domain.Room{Name: "Alice's Room", OwnerID: "a"}
	require.NoError(t, r.CreateRoom(ctx, again))
	assert.Equal(t, room.ID, again.ID)

	got, err := r.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice's Room", got.Name)

	_, err = r.GetRoom(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)
}

func TestRelay_BroadcastLifecycle(t *testing.T) {
	ctx := context.Background()
	r := newTestRelay(t)

	sub, err := r.Subscribe(ctx, domain.TableBroadcasts, domain.Filter{})
	require.NoError(t, err)
	defer sub.Close()

	first := &domain.BroadcastRecord{ParticipantID: "a", DisplayName: "A", RoomID: "r1", Active: true}
	require.NoError(t, r.UpsertBroadcast(ctx, first))
	second := &domain.BroadcastRecord{ParticipantID: "a", DisplayName: "A", RoomID: "r2", Active: true}
	require.NoError(t, r.UpsertBroadcast(ctx, second))
	assert.Equal(t, first.ID, second.ID)

	assert.Equal(t, domain.ChangeInsert, nextEvent(t, sub.Events()).Type)
	assert.Equal(t, domain.ChangeUpdate, nextEvent(t, sub.Events()).Type)

	active, err := r.ListActiveBroadcasts(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, domain.RoomID("r2"), active[0].RoomID)

	require.NoError(t, r.SetBroadcastActive(ctx, "a", false))
	ev := nextEvent(t, sub.Events())
	assert.False(t, ev.Broadcast.Active)

	active, err = r.ListActiveBroadcasts(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	assert.ErrorIs(t, r.SetBroadcastActive(ctx, "missing", true), domain.ErrRecordNotFound)
}

func TestRelay_ListenerReplacementAndDelete(t *testing.T) {
	ctx := context.Background()
	r := newTestRelay(t)

	sub, err := r.Subscribe(ctx, domain.TableListeners, domain.Filter{Column: "participant_id", Value: "l"})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, r.UpsertListener(ctx, &domain.ListenerRecord{ParticipantID: "l", BroadcasterID: "x"}))
	require.NoError(t, r.UpsertListener(ctx, &domain.ListenerRecord{ParticipantID: "other", BroadcasterID: "x"}))
	require.NoError(t, r.UpsertListener(ctx, &domain.ListenerRecord{ParticipantID: "l", BroadcasterID: "y"}))

	assert.Equal(t, domain.ChangeInsert, nextEvent(t, sub.Events()).Type)
	del := nextEvent(t, sub.Events())
	assert.Equal(t, domain.ChangeDelete, del.Type)
	assert.Equal(t, domain.ParticipantID("x"), del.Listener.BroadcasterID)
	assert.Equal(t, domain.ChangeInsert, nextEvent(t, sub.Events()).Type)

	xs, err := r.ListListeners(ctx, "x")
	require.NoError(t, err)
	require.Len(t, xs, 1)
	assert.Equal(t, domain.ParticipantID("other"), xs[0].ParticipantID)

	require.NoError(t, r.DeleteListener(ctx, "l", "x"))
	ys, _ := r.ListListeners(ctx, "y")
	assert.Len(t, ys, 1)

	require.NoError(t, r.DeleteListener(ctx, "l", "y"))
	require.NoError(t, r.DeleteListener(ctx, "l", "y"))
	ys, _ = r.ListListeners(ctx, "y")
	assert.Empty(t, ys)
}

func TestRelay_SignalsReachOnlyTheirReceiver(t *testing.T) {
	ctx := context.Background()
	r := newTestRelay(t)

	sub, err := r.Subscribe(ctx, domain.TableSignals, domain.Filter{Column: "receiver_id", Value: "b"})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, r.AppendSignal(ctx, &domain.SignalEnvelope{SenderID: "b", ReceiverID: "a", Kind: domain.SignalAnswer}))
	require.NoError(t, r.AppendSignal(ctx, &domain.SignalEnvelope{SenderID: "a", ReceiverID: "b", Kind: domain.SignalOffer}))

	ev := nextEvent(t, sub.Events())
	assert.Equal(t, domain.SignalOffer, ev.Signal.Kind)
	assert.NotEmpty(t, ev.Signal.ID)

	assert.ErrorIs(t, r.AppendSignal(ctx, &domain.SignalEnvelope{SenderID: "a"}), domain.ErrInvalidPayload)
}

func TestRelay_SignalSubscriptionStartsAtStreamEnd(t *testing.T) {
	ctx := context.Background()
	r := newTestRelay(t)

	require.NoError(t, r.AppendSignal(ctx, &domain.SignalEnvelope{SenderID: "a", ReceiverID: "b", Kind: domain.SignalOffer}))

	sub, err := r.Subscribe(ctx, domain.TableSignals, domain.Filter{Column: "receiver_id", Value: "b"})
	require.NoError(t, err)
	defer sub.Close()

	fresh := &domain.SignalEnvelope{SenderID: "a", ReceiverID: "b", Kind: domain.SignalICECandidate}
	require.NoError(t, r.AppendSignal(ctx, fresh))

	assert.Equal(t, fresh.ID, nextEvent(t, sub.Events()).Signal.ID)
}

func TestRelay_StreamSubscriptionResumesFromCursor(t *testing.T) {
	ctx := context.Background()
	r := newTestRelay(t)

	var ids []string
	for i := 0; i < 3; i++ {
		env := &domain.SignalEnvelope{SenderID: "a", ReceiverID: "b", Kind: domain.SignalICECandidate}
		require.NoError(t, r.AppendSignal(ctx, env))
		ids = append(ids, env.ID)
	}

	stream := r.keys.signalStream("b")
	entries, err := r.client.XRange(ctx, stream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// A reader whose last delivered entry was the first one gets the rest
	// in order, as after a failed read.
	sub := newStreamSubscription(ctx, r.client, stream, entries[0].ID, domain.Filter{}, 8, zap.NewNop().Sugar())
	defer sub.Close()

	assert.Equal(t, ids[1], nextEvent(t, sub.Events()).Signal.ID)
	assert.Equal(t, ids[2], nextEvent(t, sub.Events()).Signal.ID)

	require.NoError(t, sub.Close())
	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("stream subscription not closed")
	}
}

func TestRelay_CloseEndsSubscriptions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := newTestRelay(t)

	sub, err := r.Subscribe(ctx, domain.TableRooms, domain.Filter{})
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed after cancel")
	}

	require.NoError(t, r.Ping(context.Background()))
	require.NoError(t, r.Close())
	assert.ErrorIs(t, r.Ping(context.Background()), domain.ErrRelayUnavailable)
}
