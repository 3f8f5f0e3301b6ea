package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"airwave/internal/core/domain"
	"airwave/internal/core/ports"
	"airwave/pkg/utils"
)

// Relay is an in-process relay. Every participant in the process shares
// one instance, which makes it the relay used by tests and single-host runs.
type Relay struct {
	mu         sync.RWMutex
	rooms      map[domain.RoomID]*domain.Room
	broadcasts map[domain.ParticipantID]*domain.BroadcastRecord
	listeners  map[domain.ParticipantID]*domain.ListenerRecord
	signals    []*domain.SignalEnvelope
	subs       map[int]*subscription
	nextSub    int
	closed     bool

	duplicate bool
	now       func() time.Time
}

type Option func(*Relay)

// WithDuplicateDelivery delivers every change event twice, mimicking an
// at-least-once relay.
func WithDuplicateDelivery() Option {
	return func(r *Relay) { r.duplicate = true }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

func NewRelay(opts ...Option) *Relay {
	r := &Relay{
		rooms:      make(map[domain.RoomID]*domain.Room),
		broadcasts: make(map[domain.ParticipantID]*domain.BroadcastRecord),
		listeners:  make(map[domain.ParticipantID]*domain.ListenerRecord),
		subs:       make(map[int]*subscription),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ ports.Relay = (*Relay)(nil)

func (r *Relay) CreateRoom(ctx context.Context, room *domain.Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return domain.ErrRelayUnavailable
	}

	if room.ID == "" {
		room.ID = domain.RoomID(utils.NewID())
	}
	now := r.now()
	if room.CreatedAt.IsZero() {
		room.CreatedAt = now
	}
	room.UpdatedAt = now

	cp := *room
	r.rooms[room.ID] = &cp
	r.publishLocked(domain.ChangeEvent{Table: domain.TableRooms, Type: domain.ChangeInsert, Room: &cp})
	return nil
}

func (r *Relay) GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[id]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	cp := *room
	return &cp, nil
}

func (r *Relay) UpsertBroadcast(ctx context.Context, rec *domain.BroadcastRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return domain.ErrRelayUnavailable
	}

	change := domain.ChangeInsert
	if existing, ok := r.broadcasts[rec.ParticipantID]; ok {
		change = domain.ChangeUpdate
		rec.ID = existing.ID
	}
	if rec.ID == "" {
		rec.ID = utils.NewID()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = r.now()
	}

	cp := *rec
	r.broadcasts[rec.ParticipantID] = &cp
	r.publishLocked(domain.ChangeEvent{Table: domain.TableBroadcasts, Type: change, Broadcast: &cp})
	return nil
}

func (r *Relay) SetBroadcastActive(ctx context.Context, participantID domain.ParticipantID, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return domain.ErrRelayUnavailable
	}

	rec, ok := r.broadcasts[participantID]
	if !ok {
		return domain.ErrRecordNotFound
	}
	cp := *rec
	cp.Active = active
	r.broadcasts[participantID] = &cp
	r.publishLocked(domain.ChangeEvent{Table: domain.TableBroadcasts, Type: domain.ChangeUpdate, Broadcast: &cp})
	return nil
}

func (r *Relay) GetBroadcast(ctx context.Context, participantID domain.ParticipantID) (*domain.BroadcastRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.broadcasts[participantID]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *Relay) ListActiveBroadcasts(ctx context.Context) ([]*domain.BroadcastRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.BroadcastRecord
	for _, rec := range r.broadcasts {
		if rec.Active {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (r *Relay) UpsertListener(ctx context.Context, rec *domain.ListenerRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return domain.ErrRelayUnavailable
	}

	if old, ok := r.listeners[rec.ParticipantID]; ok && old.BroadcasterID != rec.BroadcasterID {
		gone := *old
		delete(r.listeners, rec.ParticipantID)
		r.publishLocked(domain.ChangeEvent{Table: domain.TableListeners, Type: domain.ChangeDelete, Listener: &gone})
	}

	change := domain.ChangeInsert
	if existing, ok := r.listeners[rec.ParticipantID]; ok {
		change = domain.ChangeUpdate
		rec.ID = existing.ID
	}
	if rec.ID == "" {
		rec.ID = utils.NewID()
	}
	if rec.JoinedAt.IsZero() {
		rec.JoinedAt = r.now()
	}

	cp := *rec
	r.listeners[rec.ParticipantID] = &cp
	r.publishLocked(domain.ChangeEvent{Table: domain.TableListeners, Type: change, Listener: &cp})
	return nil
}

// DeleteListener is idempotent: a missing row is not an error.
func (r *Relay) DeleteListener(ctx context.Context, participantID, broadcasterID domain.ParticipantID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return domain.ErrRelayUnavailable
	}

	rec, ok := r.listeners[participantID]
	if !ok || rec.BroadcasterID != broadcasterID {
		return nil
	}
	delete(r.listeners, participantID)
	r.publishLocked(domain.ChangeEvent{Table: domain.TableListeners, Type: domain.ChangeDelete, Listener: rec})
	return nil
}

func (r *Relay) ListListeners(ctx context.Context, broadcasterID domain.ParticipantID) ([]*domain.ListenerRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.ListenerRecord
	for _, rec := range r.listeners {
		if rec.BroadcasterID == broadcasterID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (r *Relay) AppendSignal(ctx context.Context, env *domain.SignalEnvelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return domain.ErrRelayUnavailable
	}

	if env.ID == "" {
		env.ID = utils.NewID()
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = r.now()
	}
	cp := *env
	r.signals = append(r.signals, &cp)
	r.publishLocked(domain.ChangeEvent{Table: domain.TableSignals, Type: domain.ChangeInsert, Signal: &cp})
	return nil
}

// Signals returns every envelope appended so far, in append order.
func (r *Relay) Signals() []domain.SignalEnvelope {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.SignalEnvelope, 0, len(r.signals))
	for _, s := range r.signals {
		out = append(out, *s)
	}
	return out
}

func (r *Relay) Subscribe(ctx context.Context, table domain.Table, filter domain.Filter) (ports.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, domain.ErrRelayUnavailable
	}

	r.nextSub++
	sub := newSubscription(r.nextSub, table, filter, r.unsubscribe)
	r.subs[sub.id] = sub

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

func (r *Relay) unsubscribe(id int) {
	r.mu.Lock()
	delete(r.subs, id)
	r.mu.Unlock()
}

func (r *Relay) publishLocked(ev domain.ChangeEvent) {
	for _, sub := range r.subs {
		if !sub.matches(ev) {
			continue
		}
		sub.push(ev)
		if r.duplicate {
			sub.push(ev)
		}
	}
}

func (r *Relay) Ping(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return domain.ErrRelayUnavailable
	}
	return nil
}

func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := make([]*subscription, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	return nil
}
