package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"airwave/internal/core/domain"
	"airwave/internal/core/ports"
	"airwave/pkg/distributed"
	"airwave/pkg/utils"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// signalRetention bounds each receiver's signal stream.
	signalRetention = 1000
	signalTTL       = time.Hour
	// signalBlock bounds one XREAD so a closed subscription is noticed.
	signalBlock = time.Second

	roomLockTTL  = 5 * time.Second
	roomLockWait = 3 * time.Second
)

type RelayConfig struct {
	Prefix             string
	SubscriptionBuffer int
}

// Relay stores rows as JSON keys with set indexes and publishes every
// change on a per-table channel.
type Relay struct {
	client *redis.Client
	keys   keyspace
	locks  *distributed.LockManager
	buffer int
	logger *zap.SugaredLogger
	now    func() time.Time
	closed atomic.Bool
}

func NewRelay(client *redis.Client, cfg RelayConfig, logger *zap.SugaredLogger) *Relay {
	keys := newKeyspace(cfg.Prefix)
	if cfg.SubscriptionBuffer <= 0 {
		cfg.SubscriptionBuffer = 256
	}
	return &Relay{
		client: client,
		keys:   keys,
		locks:  distributed.NewLockManager(client, keys.locks()),
		buffer: cfg.SubscriptionBuffer,
		logger: logger,
		now:    time.Now,
	}
}

var _ ports.Relay = (*Relay)(nil)

// CreateRoom creates a room unless the owner already broadcasts in one, in
// which case room is filled with the existing row. Concurrent calls for the
// same owner are serialized by a lock.
func (r *Relay) CreateRoom(ctx context.Context, room *domain.Room) error {
	lock, err := r.locks.Acquire(ctx, r.keys.roomLock(room.OwnerID), roomLockTTL, roomLockWait)
	if err != nil {
		return fmt.Errorf("lock room creation: %w", err)
	}
	defer func() {
		if err := lock.Unlock(context.Background()); err != nil && !errors.Is(err, distributed.ErrNotHeld) {
			r.logger.Warnw("failed to release room lock", "owner_id", room.OwnerID, "error", err)
		}
	}()

	if rec, err := r.GetBroadcast(ctx, room.OwnerID); err == nil && rec.Active && rec.RoomID != "" {
		if existing, err := r.GetRoom(ctx, rec.RoomID); err == nil {
			*room = *existing
			return nil
		}
	}

	if room.ID == "" {
		room.ID = domain.RoomID(utils.NewID())
	}
	now := r.now()
	if room.CreatedAt.IsZero() {
		room.CreatedAt = now
	}
	room.UpdatedAt = now

	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("failed to marshal room: %w", err)
	}
	ev, err := r.encodeChange(domain.ChangeEvent{Table: domain.TableRooms, Type: domain.ChangeInsert, Room: room})
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.keys.room(room.ID), data, 0)
		pipe.Publish(ctx, r.keys.changes(domain.TableRooms), ev)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create room in Redis: %w", err)
	}
	return nil
}

func (r *Relay) GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	var room domain.Room
	if err := r.getJSON(ctx, r.keys.room(id), &room); err != nil {
		return nil, err
	}
	return &room, nil
}

func (r *Relay) UpsertBroadcast(ctx context.Context, rec *domain.BroadcastRecord) error {
	change := domain.ChangeInsert
	existing, err := r.GetBroadcast(ctx, rec.ParticipantID)
	switch {
	case err == nil:
		change = domain.ChangeUpdate
		rec.ID = existing.ID
	case !errors.Is(err, domain.ErrRecordNotFound):
		return err
	}
	if rec.ID == "" {
		rec.ID = utils.NewID()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = r.now()
	}
	return r.writeBroadcast(ctx, rec, change)
}

func (r *Relay) SetBroadcastActive(ctx context.Context, participantID domain.ParticipantID, active bool) error {
	rec, err := r.GetBroadcast(ctx, participantID)
	if err != nil {
		return err
	}
	rec.Active = active
	return r.writeBroadcast(ctx, rec, domain.ChangeUpdate)
}

func (r *Relay) writeBroadcast(ctx context.Context, rec *domain.BroadcastRecord, change domain.ChangeType) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast: %w", err)
	}
	ev, err := r.encodeChange(domain.ChangeEvent{Table: domain.TableBroadcasts, Type: change, Broadcast: rec})
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.keys.broadcast(rec.ParticipantID), data, 0)
		if rec.Active {
			pipe.SAdd(ctx, r.keys.activeBroadcasts(), string(rec.ParticipantID))
		} else {
			pipe.SRem(ctx, r.keys.activeBroadcasts(), string(rec.ParticipantID))
		}
		pipe.Publish(ctx, r.keys.changes(domain.TableBroadcasts), ev)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write broadcast to Redis: %w", err)
	}
	return nil
}

func (r *Relay) GetBroadcast(ctx context.Context, participantID domain.ParticipantID) (*domain.BroadcastRecord, error) {
	var rec domain.BroadcastRecord
	if err := r.getJSON(ctx, r.keys.broadcast(participantID), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *Relay) ListActiveBroadcasts(ctx context.Context) ([]*domain.BroadcastRecord, error) {
	ids, err := r.client.SMembers(ctx, r.keys.activeBroadcasts()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get active broadcasts from Redis: %w", err)
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, r.keys.broadcast(domain.ParticipantID(id)))
	}
	var out []*domain.BroadcastRecord
	err = r.mgetJSON(ctx, keys, func(data []byte) error {
		var rec domain.BroadcastRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if rec.Active {
			out = append(out, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// UpsertListener writes the participant's only listener row. Moving to a
// different broadcaster publishes a DELETE for the old row first.
func (r *Relay) UpsertListener(ctx context.Context, rec *domain.ListenerRecord) error {
	old, err := r.getListener(ctx, rec.ParticipantID)
	if err != nil && !errors.Is(err, domain.ErrRecordNotFound) {
		return err
	}
	if old != nil && old.BroadcasterID != rec.BroadcasterID {
		if err := r.removeListener(ctx, old); err != nil {
			return err
		}
		old = nil
	}

	change := domain.ChangeInsert
	if old != nil {
		change = domain.ChangeUpdate
		rec.ID = old.ID
	}
	if rec.ID == "" {
		rec.ID = utils.NewID()
	}
	if rec.JoinedAt.IsZero() {
		rec.JoinedAt = r.now()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal listener: %w", err)
	}
	ev, err := r.encodeChange(domain.ChangeEvent{Table: domain.TableListeners, Type: change, Listener: rec})
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.keys.listener(rec.ParticipantID), data, 0)
		pipe.SAdd(ctx, r.keys.listenersOf(rec.BroadcasterID), string(rec.ParticipantID))
		pipe.Publish(ctx, r.keys.changes(domain.TableListeners), ev)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write listener to Redis: %w", err)
	}
	return nil
}

// DeleteListener is idempotent: a missing or reassigned row is left alone.
func (r *Relay) DeleteListener(ctx context.Context, participantID, broadcasterID domain.ParticipantID) error {
	rec, err := r.getListener(ctx, participantID)
	if errors.Is(err, domain.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.BroadcasterID != broadcasterID {
		return nil
	}
	return r.removeListener(ctx, rec)
}

func (r *Relay) removeListener(ctx context.Context, rec *domain.ListenerRecord) error {
	ev, err := r.encodeChange(domain.ChangeEvent{Table: domain.TableListeners, Type: domain.ChangeDelete, Listener: rec})
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.keys.listener(rec.ParticipantID))
		pipe.SRem(ctx, r.keys.listenersOf(rec.BroadcasterID), string(rec.ParticipantID))
		pipe.Publish(ctx, r.keys.changes(domain.TableListeners), ev)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete listener from Redis: %w", err)
	}
	return nil
}

func (r *Relay) getListener(ctx context.Context, participantID domain.ParticipantID) (*domain.ListenerRecord, error) {
	var rec domain.ListenerRecord
	if err := r.getJSON(ctx, r.keys.listener(participantID), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *Relay) ListListeners(ctx context.Context, broadcasterID domain.ParticipantID) ([]*domain.ListenerRecord, error) {
	ids, err := r.client.SMembers(ctx, r.keys.listenersOf(broadcasterID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get listeners from Redis: %w", err)
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, r.keys.listener(domain.ParticipantID(id)))
	}
	var out []*domain.ListenerRecord
	err = r.mgetJSON(ctx, keys, func(data []byte) error {
		var rec domain.ListenerRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		// The index may briefly lag a move to another broadcaster.
		if rec.BroadcasterID == broadcasterID {
			out = append(out, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

// AppendSignal adds the envelope to the receiver's stream and notifies the
// signal channels for unfiltered subscribers.
func (r *Relay) AppendSignal(ctx context.Context, env *domain.SignalEnvelope) error {
	if env.ReceiverID == "" {
		return fmt.Errorf("%w: signal without receiver", domain.ErrInvalidPayload)
	}
	if env.ID == "" {
		env.ID = utils.NewID()
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = r.now()
	}

	ev, err := r.encodeChange(domain.ChangeEvent{Table: domain.TableSignals, Type: domain.ChangeInsert, Signal: env})
	if err != nil {
		return err
	}

	stream := r.keys.signalStream(env.ReceiverID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			MaxLen: signalRetention,
			Approx: true,
			Values: map[string]interface{}{streamField: ev},
		})
		pipe.Expire(ctx, stream, signalTTL)
		pipe.Publish(ctx, r.keys.signalChanges(env.ReceiverID), ev)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append signal to Redis: %w", err)
	}
	return nil
}

// Subscribe listens on the table's channel. Signal subscriptions filtered
// by receiver_id read that receiver's stream from its current end, resuming
// from the last delivered entry after connection errors. Other filters
// apply locally.
func (r *Relay) Subscribe(ctx context.Context, table domain.Table, filter domain.Filter) (ports.Subscription, error) {
	if r.closed.Load() {
		return nil, domain.ErrRelayUnavailable
	}

	if table == domain.TableSignals && filter.Column == "receiver_id" {
		stream := r.keys.signalStream(domain.ParticipantID(filter.Value))
		cursor, err := r.streamEnd(ctx, stream)
		if err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", table, err)
		}
		return newStreamSubscription(ctx, r.client, stream, cursor, filter, r.buffer,
			r.logger.With("table", table, "stream", stream)), nil
	}

	var pubsub *redis.PubSub
	switch {
	case table == domain.TableSignals:
		pubsub = r.client.PSubscribe(ctx, r.keys.allSignalChanges())
	default:
		pubsub = r.client.Subscribe(ctx, r.keys.changes(table))
	}

	// Wait for the subscription to be confirmed so no later write is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", table, err)
	}

	sub := newSubscription(ctx, pubsub, filter, r.buffer, r.logger.With("table", table))
	return sub, nil
}

// streamEnd returns the id of the newest entry, or "0-0" for an empty stream.
func (r *Relay) streamEnd(ctx context.Context, stream string) (string, error) {
	last, err := r.client.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		return "", fmt.Errorf("failed to read stream end: %w", err)
	}
	if len(last) == 0 {
		return "0-0", nil
	}
	return last[0].ID, nil
}

func (r *Relay) Ping(ctx context.Context) error {
	if r.closed.Load() {
		return domain.ErrRelayUnavailable
	}
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRelayUnavailable, err)
	}
	return nil
}

func (r *Relay) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	return r.client.Close()
}

func (r *Relay) encodeChange(ev domain.ChangeEvent) (string, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("failed to marshal change event: %w", err)
	}
	return string(data), nil
}

func (r *Relay) getJSON(ctx context.Context, key string, v any) error {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.ErrRecordNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get %s from Redis: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

// mgetJSON calls fn for every key that still exists.
func (r *Relay) mgetJSON(ctx context.Context, keys []string, fn func(data []byte) error) error {
	if len(keys) == 0 {
		return nil
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return fmt.Errorf("failed to read rows from Redis: %w", err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if err := fn([]byte(s)); err != nil {
			r.logger.Warnw("skipping unreadable row", "key", keys[i], "error", err)
		}
	}
	return nil
}
