package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"airwave/internal/core/domain"
	"airwave/internal/core/ports"
	"airwave/pkg/retry"

	"go.uber.org/zap"
)

type PresenceConfig struct {
	// RefreshInterval re-derives the view periodically. Zero relies on
	// change events alone.
	RefreshInterval time.Duration
	// Resubscribe controls how a lost change feed is re-established.
	Resubscribe retry.Config
	// UpdateBuffer is the per-subscriber channel size.
	UpdateBuffer int
}

func DefaultPresenceConfig() PresenceConfig {
	return PresenceConfig{
		RefreshInterval: 30 * time.Second,
		Resubscribe: retry.Config{
			Enabled:      true,
			MaxAttempts:  5,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2,
			Jitter:       true,
		},
		UpdateBuffer: 16,
	}
}

// PresenceCoordinator derives the contact list from the broadcasts and
// listeners tables and keeps the engine consistent with remote presence.
type PresenceCoordinator struct {
	self   domain.Participant
	relay  ports.Relay
	engine ports.SignalingEngine
	cfg    PresenceConfig
	logger *zap.SugaredLogger
	now    func() time.Time

	started atomic.Uint64

	mu      sync.RWMutex
	view    domain.PresenceView
	applied uint64

	subsMu      sync.Mutex
	subscribers map[int]chan domain.PresenceView
	nextSubID   int
}

func NewPresenceCoordinator(
	self domain.Participant,
	relay ports.Relay,
	engine ports.SignalingEngine,
	cfg PresenceConfig,
	logger *zap.SugaredLogger,
) *PresenceCoordinator {
	if cfg.UpdateBuffer <= 0 {
		cfg.UpdateBuffer = DefaultPresenceConfig().UpdateBuffer
	}
	return &PresenceCoordinator{
		self:        self,
		relay:       relay,
		engine:      engine,
		cfg:         cfg,
		logger:      logger.With("participant_id", self.ID, "component", "presence"),
		now:         time.Now,
		subscribers: make(map[int]chan domain.PresenceView),
	}
}

var _ ports.PresenceService = (*PresenceCoordinator)(nil)

// Run subscribes to presence changes and re-derives the view until ctx is
// done. It returns an error only when the change feed cannot be opened.
func (p *PresenceCoordinator) Run(ctx context.Context) error {
	broadcasts, listeners, err := p.subscribe(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = broadcasts.Close()
		_ = listeners.Close()
	}()

	p.refreshLogged(ctx)

	var tick <-chan time.Time
	if p.cfg.RefreshInterval > 0 {
		ticker := time.NewTicker(p.cfg.RefreshInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	bEvents, lEvents := broadcasts.Events(), listeners.Events()
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-bEvents:
			if !ok {
				bEvents = nil
			} else {
				p.handleBroadcastChange(ctx, ev)
				p.refreshLogged(ctx)
			}

		case ev, ok := <-lEvents:
			if !ok {
				lEvents = nil
			} else {
				p.handleListenerChange(ctx, ev)
				p.refreshLogged(ctx)
			}

		case <-tick:
			p.refreshLogged(ctx)
		}

		if bEvents == nil || lEvents == nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Warnw("presence feed ended, resubscribing")
			_ = broadcasts.Close()
			_ = listeners.Close()
			broadcasts, listeners, err = p.subscribe(ctx)
			if err != nil {
				return err
			}
			bEvents, lEvents = broadcasts.Events(), listeners.Events()
			p.refreshLogged(ctx)
		}
	}
}

func (p *PresenceCoordinator) subscribe(ctx context.Context) (ports.Subscription, ports.Subscription, error) {
	open := func(table domain.Table) (ports.Subscription, error) {
		return retry.DoValue(ctx, p.cfg.Resubscribe, func(ctx context.Context) (ports.Subscription, error) {
			return p.relay.Subscribe(ctx, table, domain.Filter{})
		})
	}

	broadcasts, err := open(domain.TableBroadcasts)
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe broadcasts: %w", err)
	}
	listeners, err := open(domain.TableListeners)
	if err != nil {
		_ = broadcasts.Close()
		return nil, nil, fmt.Errorf("subscribe listeners: %w", err)
	}
	return broadcasts, listeners, nil
}

// handleBroadcastChange leaves a broadcast as soon as its row goes inactive.
func (p *PresenceCoordinator) handleBroadcastChange(ctx context.Context, ev domain.ChangeEvent) {
	rec := ev.Broadcast
	if rec == nil || rec.ParticipantID == p.self.ID {
		return
	}
	if ev.Type != domain.ChangeDelete && rec.Active {
		return
	}
	p.leaveIfListening(ctx, rec.ParticipantID, "broadcast inactive")
}

// handleListenerChange closes the session of a listener that left our broadcast.
func (p *PresenceCoordinator) handleListenerChange(ctx context.Context, ev domain.ChangeEvent) {
	rec := ev.Listener
	if ev.Type != domain.ChangeDelete || rec == nil || rec.BroadcasterID != p.self.ID {
		return
	}
	p.dropListener(ctx, rec.ParticipantID)
}

func (p *PresenceCoordinator) dropListener(ctx context.Context, remoteID domain.ParticipantID) {
	if err := p.engine.DropListener(ctx, remoteID); err != nil && !errors.Is(err, domain.ErrEngineClosed) {
		p.logger.Warnw("failed to drop listener session", "remote_id", remoteID, "error", err)
	}
}

// dropDepartedListeners closes listener sessions whose row is gone. A
// session in st was opened after its row existed, so a row missing from
// the later fetch was deleted.
func (p *PresenceCoordinator) dropDepartedListeners(ctx context.Context, st domain.EngineState, mine []domain.ContactListener) {
	present := make(map[domain.ParticipantID]struct{}, len(mine))
	for _, l := range mine {
		present[l.ID] = struct{}{}
	}
	for _, s := range st.Sessions {
		if s.Role != domain.RoleListener {
			continue
		}
		if _, ok := present[s.RemoteID]; ok {
			continue
		}
		p.logger.Infow("dropping listener without presence", "remote_id", s.RemoteID)
		p.dropListener(ctx, s.RemoteID)
	}
}

func (p *PresenceCoordinator) leaveIfListening(ctx context.Context, remoteID domain.ParticipantID, reason string) {
	st, err := p.engine.State(ctx)
	if err != nil || st.ListeningTo != remoteID {
		return
	}
	p.logger.Infow("leaving broadcast", "remote_id", remoteID, "reason", reason)
	if err := p.engine.LeaveBroadcast(ctx, remoteID); err != nil {
		p.logger.Warnw("auto-leave failed", "remote_id", remoteID, "error", err)
	}
}

func (p *PresenceCoordinator) refreshLogged(ctx context.Context) {
	if _, err := p.Refresh(ctx); err != nil && ctx.Err() == nil {
		p.logger.Warnw("presence refresh failed", "error", err)
	}
}

// Refresh re-derives the whole view. When derivations overlap, the one
// started last is kept.
func (p *PresenceCoordinator) Refresh(ctx context.Context) (domain.PresenceView, error) {
	seq := p.started.Add(1)

	st, err := p.engine.State(ctx)
	if err != nil {
		return domain.PresenceView{}, err
	}

	view, active, err := p.derive(ctx, st)
	if err != nil {
		return domain.PresenceView{}, err
	}

	// The broadcaster being listened to was joined before the fetch, so it
	// must be in the active set unless it stopped.
	if st.IsListening() {
		if _, ok := active[st.ListeningTo]; !ok {
			p.leaveIfListening(ctx, st.ListeningTo, "broadcast vanished")
		}
	}
	if st.Broadcasting {
		p.dropDepartedListeners(ctx, st, view.MyListeners)
	}

	if !p.apply(seq, view) {
		return p.View(), nil
	}
	p.publish(view)
	return view, nil
}

func (p *PresenceCoordinator) derive(ctx context.Context, st domain.EngineState) (domain.PresenceView, map[domain.ParticipantID]struct{}, error) {
	records, err := p.relay.ListActiveBroadcasts(ctx)
	if err != nil {
		return domain.PresenceView{}, nil, fmt.Errorf("list broadcasts: %w", err)
	}

	active := make(map[domain.ParticipantID]struct{}, len(records))
	contacts := make([]domain.Contact, 0, len(records))
	for _, rec := range records {
		if rec.ParticipantID == p.self.ID {
			continue
		}
		active[rec.ParticipantID] = struct{}{}

		listeners, err := p.relay.ListListeners(ctx, rec.ParticipantID)
		if err != nil {
			return domain.PresenceView{}, nil, fmt.Errorf("list listeners of %s: %w", rec.ParticipantID, err)
		}
		contacts = append(contacts, domain.Contact{
			ID:          rec.ParticipantID,
			Name:        rec.DisplayName,
			RoomID:      rec.RoomID,
			Listeners:   toContactListeners(listeners),
			IsListening: st.ListeningTo == rec.ParticipantID,
		})
	}

	mine, err := p.relay.ListListeners(ctx, p.self.ID)
	if err != nil {
		return domain.PresenceView{}, nil, fmt.Errorf("list own listeners: %w", err)
	}

	return domain.PresenceView{
		Contacts:    contacts,
		MyListeners: toContactListeners(mine),
		DerivedAt:   p.now(),
	}, active, nil
}

func toContactListeners(recs []*domain.ListenerRecord) []domain.ContactListener {
	out := make([]domain.ContactListener, 0, len(recs))
	for _, r := range recs {
		out = append(out, domain.ContactListener{ID: r.ParticipantID, Name: r.DisplayName})
	}
	return out
}

func (p *PresenceCoordinator) apply(seq uint64, view domain.PresenceView) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if seq < p.applied {
		return false
	}
	p.applied = seq
	p.view = view
	return true
}

func (p *PresenceCoordinator) View() domain.PresenceView {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.view
}

// Updates streams every applied view. Slow subscribers miss intermediate views.
func (p *PresenceCoordinator) Updates() (<-chan domain.PresenceView, func()) {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()

	ch := make(chan domain.PresenceView, p.cfg.UpdateBuffer)
	p.nextSubID++
	id := p.nextSubID
	p.subscribers[id] = ch

	return ch, func() {
		p.subsMu.Lock()
		defer p.subsMu.Unlock()
		if c, ok := p.subscribers[id]; ok {
			close(c)
			delete(p.subscribers, id)
		}
	}
}

func (p *PresenceCoordinator) publish(view domain.PresenceView) {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	for _, ch := range p.subscribers {
		select {
		case ch <- view:
		default:
		}
	}
}
