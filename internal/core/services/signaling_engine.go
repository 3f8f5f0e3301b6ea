package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"airwave/internal/core/domain"
	"airwave/internal/core/ports"
	"airwave/pkg/tracing"
	"airwave/pkg/utils"

	"github.com/pion/webrtc/v3"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// EngineConfig tunes the signaling engine.
type EngineConfig struct {
	// NegotiationTimeout closes a session still negotiating after this long.
	// Zero disables the timeout.
	NegotiationTimeout time.Duration
	// EventBuffer is the per-subscriber event channel size.
	EventBuffer int
	// RelayTimeout bounds relay writes the loop issues on its own behalf.
	RelayTimeout time.Duration
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		NegotiationTimeout: 30 * time.Second,
		EventBuffer:        64,
		RelayTimeout:       10 * time.Second,
	}
}

type command struct {
	ctx   context.Context
	run   func(ctx context.Context) error
	reply chan error
	final bool
}

type inboxKind int

const (
	inboxLocalCandidate inboxKind = iota
	inboxTrack
	inboxTransportState
	inboxNegotiationTimeout
)

type inboxEvent struct {
	kind       inboxKind
	remoteID   domain.ParticipantID
	generation uint64
	candidate  webrtc.ICECandidateInit
	stream     domain.MediaStream
	state      domain.TransportState
}

type listenTarget struct {
	broadcasterID domain.ParticipantID
	displayName   string
	roomID        domain.RoomID
}

// SignalingEngine owns every peer session of the local participant. All
// state below the loop marker is touched only by the loop goroutine.
type SignalingEngine struct {
	self       domain.Participant
	relay      ports.Relay
	transports ports.TransportFactory
	capture    ports.AudioCapture
	metrics    ports.SignalingMetrics
	logger     *zap.SugaredLogger
	cfg        EngineConfig
	now        func() time.Time

	baseCtx    context.Context
	cancelBase context.CancelFunc
	commands   chan command
	inbox      chan inboxEvent
	done       chan struct{}
	stopped    chan struct{}

	subsMu      sync.Mutex
	subscribers map[int]chan domain.Event
	nextSubID   int
	subsClosed  bool

	// loop
	sessions     map[domain.ParticipantID]*peerSession
	local        ports.LocalAudio
	broadcasting bool
	roomID       domain.RoomID
	listening    *listenTarget
	signalSub    ports.Subscription
	signalEvents <-chan domain.ChangeEvent
	seen         *recentSet
	generation   uint64
}

func NewSignalingEngine(
	self domain.Participant,
	relay ports.Relay,
	transports ports.TransportFactory,
	capture ports.AudioCapture,
	metrics ports.SignalingMetrics,
	cfg EngineConfig,
	logger *zap.SugaredLogger,
) *SignalingEngine {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEngineConfig().EventBuffer
	}
	if cfg.RelayTimeout <= 0 {
		cfg.RelayTimeout = DefaultEngineConfig().RelayTimeout
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	e := &SignalingEngine{
		self:        self,
		relay:       relay,
		transports:  transports,
		capture:     capture,
		metrics:     metrics,
		logger:      logger.With("participant_id", self.ID),
		cfg:         cfg,
		now:         time.Now,
		baseCtx:     baseCtx,
		cancelBase:  cancel,
		commands:    make(chan command),
		inbox:       make(chan inboxEvent, 1024),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
		subscribers: make(map[int]chan domain.Event),
		sessions:    make(map[domain.ParticipantID]*peerSession),
		seen:        newRecentSet(4096),
	}
	go e.run()
	return e
}

var _ ports.SignalingEngine = (*SignalingEngine)(nil)

func (e *SignalingEngine) run() {
	defer close(e.stopped)
	for {
		select {
		case cmd := <-e.commands:
			err := cmd.run(cmd.ctx)
			if cmd.final {
				close(e.done)
				cmd.reply <- err
				return
			}
			cmd.reply <- err

		case ev, ok := <-e.signalEvents:
			if !ok {
				e.handleSubscriptionLost()
				continue
			}
			if ev.Signal != nil {
				e.handleSignal(ev.Signal)
			}

		case ev := <-e.inbox:
			e.handleInbox(ev)
		}
	}
}

func (e *SignalingEngine) submit(ctx context.Context, final bool, fn func(ctx context.Context) error) error {
	cmd := command{ctx: ctx, run: fn, reply: make(chan error, 1), final: final}
	select {
	case e.commands <- cmd:
	case <-e.done:
		return domain.ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-cmd.reply
}

func (e *SignalingEngine) do(ctx context.Context, fn func(ctx context.Context) error) error {
	return e.submit(ctx, false, fn)
}

// post hands a callback event to the loop. Events after shutdown are dropped.
func (e *SignalingEngine) post(ev inboxEvent) {
	select {
	case e.inbox <- ev:
	case <-e.done:
		if ev.stream != nil {
			_ = ev.stream.Stop()
		}
	}
}

// startSpan opens an engine span tagged with the local participant.
func (e *SignalingEngine) startSpan(ctx context.Context, op string, remoteID domain.ParticipantID) (context.Context, trace.Span) {
	ctx, span := tracing.TraceSignaling(ctx, op, string(remoteID))
	span.SetAttributes(tracing.ParticipantIDKey.String(string(e.self.ID)))
	return ctx, span
}

func (e *SignalingEngine) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(e.baseCtx, e.cfg.RelayTimeout)
}

// StartBroadcasting acquires capture, registers the broadcast and returns
// the local stream.
func (e *SignalingEngine) StartBroadcasting(ctx context.Context) (domain.MediaStream, error) {
	var stream domain.MediaStream
	err := e.do(ctx, func(ctx context.Context) error {
		s, err := e.startBroadcasting(ctx)
		if err == nil {
			stream = s
		}
		return err
	})
	return stream, err
}

func (e *SignalingEngine) startBroadcasting(ctx context.Context) (domain.MediaStream, error) {
	ctx, span := e.startSpan(ctx, "start_broadcasting", "")
	defer span.End()

	if e.broadcasting {
		return nil, domain.ErrAlreadyBroadcasting
	}

	local, err := e.capture.Acquire(ctx)
	if err != nil {
		tracing.RecordError(ctx, err)
		if errors.Is(err, domain.ErrNoMicrophone) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrNoMicrophone, err)
	}

	release := func() {
		if err := local.Stop(); err != nil {
			e.logger.Warnw("failed to release capture", "error", err)
		}
	}

	roomID, err := e.resolveRoom(ctx)
	if err != nil {
		release()
		return nil, e.registrationFailed(ctx, "resolve room", err)
	}

	tracing.AddSpanAttributes(ctx, tracing.RoomIDKey.String(string(roomID)))

	rec := &domain.BroadcastRecord{
		ParticipantID: e.self.ID,
		DisplayName:   e.self.DisplayName,
		RoomID:        roomID,
		Active:        true,
		StartedAt:     e.now(),
	}
	if err := e.relay.UpsertBroadcast(ctx, rec); err != nil {
		release()
		return nil, e.registrationFailed(ctx, "upsert broadcast", err)
	}

	if err := e.ensureSignalSubscription(); err != nil {
		release()
		if derr := e.relay.SetBroadcastActive(ctx, e.self.ID, false); derr != nil {
			e.logger.Warnw("failed to roll back broadcast record", "error", derr)
		}
		return nil, e.registrationFailed(ctx, "subscribe signals", err)
	}

	e.local = local
	e.broadcasting = true
	e.roomID = roomID
	e.logger.Infow("broadcast started", "room_id", roomID)
	return local, nil
}

// resolveRoom reuses the room of an active broadcast row, else creates one.
func (e *SignalingEngine) resolveRoom(ctx context.Context) (domain.RoomID, error) {
	rec, err := e.relay.GetBroadcast(ctx, e.self.ID)
	switch {
	case err == nil && rec.Active && rec.RoomID != "":
		return rec.RoomID, nil
	case err != nil && !errors.Is(err, domain.ErrRecordNotFound):
		return "", err
	}

	room := &domain.Room{
		Name:    utils.RoomName(e.self.DisplayName),
		OwnerID: e.self.ID,
	}
	if err := e.relay.CreateRoom(ctx, room); err != nil {
		return "", err
	}
	e.logger.Infow("room created", "room_id", room.ID, "name", room.Name)
	return room.ID, nil
}

func (e *SignalingEngine) StopBroadcasting(ctx context.Context) error {
	return e.do(ctx, e.stopBroadcasting)
}

func (e *SignalingEngine) stopBroadcasting(ctx context.Context) error {
	ctx, span := e.startSpan(ctx, "stop_broadcasting", "")
	defer span.End()

	if !e.broadcasting {
		return domain.ErrNotBroadcasting
	}

	for _, s := range e.sessions {
		if s.role == domain.RoleListener {
			e.closeSession(s, "broadcast stopped")
			e.emit(domain.Event{Type: domain.EventListenerDisconnected, RemoteID: s.remoteID, Role: s.role})
		}
	}
	if e.local != nil {
		if err := e.local.Stop(); err != nil {
			e.logger.Warnw("failed to release capture", "error", err)
		}
		e.local = nil
	}
	e.broadcasting = false
	e.roomID = ""

	if err := e.relay.SetBroadcastActive(ctx, e.self.ID, false); err != nil {
		return e.registrationFailed(ctx, "deactivate broadcast", err)
	}
	e.logger.Infow("broadcast stopped")
	return nil
}

func (e *SignalingEngine) JoinBroadcast(ctx context.Context, remoteID domain.ParticipantID, displayName string, roomID domain.RoomID) error {
	return e.do(ctx, func(ctx context.Context) error {
		return e.joinBroadcast(ctx, remoteID, displayName, roomID)
	})
}

func (e *SignalingEngine) joinBroadcast(ctx context.Context, remoteID domain.ParticipantID, displayName string, roomID domain.RoomID) error {
	ctx, span := e.startSpan(ctx, "join_broadcast", remoteID)
	defer span.End()

	if remoteID == "" || remoteID == e.self.ID {
		return fmt.Errorf("invalid broadcaster id %q", remoteID)
	}
	if e.broadcasting {
		return domain.ErrCannotJoinWhileBroadcasting
	}
	if e.listening != nil {
		if e.listening.broadcasterID == remoteID {
			return domain.ErrAlreadyListeningSame
		}
		if err := e.leaveBroadcast(ctx, e.listening.broadcasterID); err != nil {
			e.logger.Warnw("leave before join failed", "remote_id", remoteID, "error", err)
		}
	}

	if err := e.ensureSignalSubscription(); err != nil {
		return e.registrationFailed(ctx, "subscribe signals", err)
	}
	tracing.AddSpanAttributes(ctx, tracing.RoomIDKey.String(string(roomID)))

	rec := &domain.ListenerRecord{
		ParticipantID: e.self.ID,
		DisplayName:   e.self.DisplayName,
		BroadcasterID: remoteID,
		RoomID:        roomID,
		JoinedAt:      e.now(),
	}
	if err := e.relay.UpsertListener(ctx, rec); err != nil {
		return e.registrationFailed(ctx, "upsert listener", err)
	}

	rollback := func() {
		if err := e.relay.DeleteListener(ctx, e.self.ID, remoteID); err != nil {
			e.logger.Warnw("failed to roll back listener record", "remote_id", remoteID, "error", err)
		}
	}

	s, err := e.openSession(remoteID, domain.RoleBroadcaster, roomID, nil)
	if err != nil {
		rollback()
		return &domain.NegotiationError{RemoteID: remoteID, Err: err}
	}

	offer, err := s.transport.CreateOffer(ctx)
	if err != nil {
		e.closeSession(s, "offer failed")
		rollback()
		e.metrics.NegotiationFailed("offer")
		return &domain.NegotiationError{RemoteID: remoteID, Err: err}
	}
	s.localDesc = &offer

	if err := e.sendDescription(ctx, s, domain.SignalOffer, offer); err != nil {
		e.closeSession(s, "offer not delivered")
		rollback()
		return e.registrationFailed(ctx, "send offer", err)
	}
	e.flushLocalCandidates(ctx, s)

	e.listening = &listenTarget{broadcasterID: remoteID, displayName: displayName, roomID: roomID}
	e.logger.Infow("joined broadcast", "remote_id", remoteID, "room_id", roomID)
	return nil
}

func (e *SignalingEngine) LeaveBroadcast(ctx context.Context, remoteID domain.ParticipantID) error {
	return e.do(ctx, func(ctx context.Context) error {
		return e.leaveBroadcast(ctx, remoteID)
	})
}

func (e *SignalingEngine) leaveBroadcast(ctx context.Context, remoteID domain.ParticipantID) error {
	if e.listening == nil || e.listening.broadcasterID != remoteID {
		return nil
	}
	ctx, span := e.startSpan(ctx, "leave_broadcast", remoteID)
	defer span.End()

	e.listening = nil
	if s, ok := e.sessions[remoteID]; ok && s.role == domain.RoleBroadcaster {
		e.closeSession(s, "left broadcast")
	}
	e.emit(domain.Event{Type: domain.EventListeningEnded, RemoteID: remoteID, Role: domain.RoleBroadcaster})

	if err := e.relay.DeleteListener(ctx, e.self.ID, remoteID); err != nil {
		return e.registrationFailed(ctx, "delete listener", err)
	}
	e.logger.Infow("left broadcast", "remote_id", remoteID)
	return nil
}

func (e *SignalingEngine) DropListener(ctx context.Context, remoteID domain.ParticipantID) error {
	return e.do(ctx, func(context.Context) error {
		s, ok := e.sessions[remoteID]
		if !ok || s.role != domain.RoleListener {
			return nil
		}
		e.closeSession(s, "listener left")
		e.emit(domain.Event{Type: domain.EventListenerDisconnected, RemoteID: remoteID, Role: domain.RoleListener})
		return nil
	})
}

// BroadcasterStream returns the inbound stream of the session with remoteID.
func (e *SignalingEngine) BroadcasterStream(ctx context.Context, remoteID domain.ParticipantID) (domain.MediaStream, error) {
	var stream domain.MediaStream
	err := e.do(ctx, func(context.Context) error {
		s, ok := e.sessions[remoteID]
		if !ok {
			return domain.ErrSessionNotFound
		}
		if s.stream == nil {
			return fmt.Errorf("%w: no stream yet", domain.ErrSessionNotFound)
		}
		stream = s.stream
		return nil
	})
	return stream, err
}

func (e *SignalingEngine) State(ctx context.Context) (domain.EngineState, error) {
	var st domain.EngineState
	err := e.do(ctx, func(context.Context) error {
		st = e.snapshot()
		return nil
	})
	return st, err
}

func (e *SignalingEngine) snapshot() domain.EngineState {
	st := domain.EngineState{
		Broadcasting: e.broadcasting,
		RoomID:       e.roomID,
		Sessions:     make([]domain.SessionInfo, 0, len(e.sessions)),
	}
	if e.listening != nil {
		st.ListeningTo = e.listening.broadcasterID
		st.ListenRoomID = e.listening.roomID
	}
	for _, s := range e.sessions {
		st.Sessions = append(st.Sessions, s.info())
	}
	return st
}

// Reset leaves, stops broadcasting, closes every session and tears down the
// signal subscription. The engine rejects all calls afterwards.
func (e *SignalingEngine) Reset(ctx context.Context) error {
	// Teardown runs even when the caller's ctx is already done. Subscribers
	// are closed only after it ran.
	ctx = context.WithoutCancel(ctx)
	ran := false
	err := e.submit(ctx, true, func(ctx context.Context) error {
		ran = true
		ctx, cancel := context.WithTimeout(ctx, e.cfg.RelayTimeout)
		defer cancel()

		var errs error
		if e.listening != nil {
			errs = multierr.Append(errs, e.leaveBroadcast(ctx, e.listening.broadcasterID))
		}
		if e.broadcasting {
			errs = multierr.Append(errs, e.stopBroadcasting(ctx))
		}
		for _, s := range e.sessions {
			e.closeSession(s, "reset")
		}
		if e.signalSub != nil {
			errs = multierr.Append(errs, e.signalSub.Close())
			e.signalSub = nil
			e.signalEvents = nil
		}
		return errs
	})
	if errors.Is(err, domain.ErrEngineClosed) {
		return nil
	}
	if !ran {
		return err
	}

	e.cancelBase()
	e.subsMu.Lock()
	for id, ch := range e.subscribers {
		close(ch)
		delete(e.subscribers, id)
	}
	e.subsClosed = true
	e.subsMu.Unlock()
	return err
}

// Subscribe returns a stream of engine events and a function that ends it.
// A subscriber that falls behind loses events rather than stalling the engine.
func (e *SignalingEngine) Subscribe() (<-chan domain.Event, func()) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()

	ch := make(chan domain.Event, e.cfg.EventBuffer)
	if e.subsClosed {
		close(ch)
		return ch, func() {}
	}
	e.nextSubID++
	id := e.nextSubID
	e.subscribers[id] = ch

	return ch, func() {
		e.subsMu.Lock()
		defer e.subsMu.Unlock()
		if c, ok := e.subscribers[id]; ok {
			close(c)
			delete(e.subscribers, id)
		}
	}
}

func (e *SignalingEngine) emit(ev domain.Event) {
	if ev.At.IsZero() {
		ev.At = e.now()
	}
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for id, ch := range e.subscribers {
		select {
		case ch <- ev:
		default:
			e.logger.Warnw("event subscriber full, dropping event", "subscriber", id, "event", ev.Type)
		}
	}
}

func (e *SignalingEngine) registrationFailed(ctx context.Context, op string, err error) error {
	e.metrics.RelayError(op)
	tracing.RecordError(ctx, err)
	return &domain.RegistrationError{Op: op, Err: err}
}

func (e *SignalingEngine) ensureSignalSubscription() error {
	if e.signalSub != nil {
		return nil
	}
	sub, err := e.relay.Subscribe(e.baseCtx, domain.TableSignals, domain.Filter{Column: "receiver_id", Value: string(e.self.ID)})
	if err != nil {
		return err
	}
	e.signalSub = sub
	e.signalEvents = sub.Events()
	return nil
}

func (e *SignalingEngine) handleSubscriptionLost() {
	e.signalSub = nil
	e.signalEvents = nil
	if !e.broadcasting && e.listening == nil {
		return
	}
	e.logger.Warnw("signal subscription ended, resubscribing")
	if err := e.ensureSignalSubscription(); err != nil {
		e.metrics.RelayError("subscribe signals")
		e.logger.Errorw("failed to resubscribe to signals", "error", err)
	}
}

// openSession creates a session already in Negotiating.
func (e *SignalingEngine) openSession(remoteID domain.ParticipantID, role domain.Role, roomID domain.RoomID, local ports.LocalAudio) (*peerSession, error) {
	e.generation++
	gen := e.generation

	handlers := ports.TransportHandlers{
		OnLocalCandidate: func(c webrtc.ICECandidateInit) {
			e.post(inboxEvent{kind: inboxLocalCandidate, remoteID: remoteID, generation: gen, candidate: c})
		},
		OnTrack: func(stream domain.MediaStream) {
			e.post(inboxEvent{kind: inboxTrack, remoteID: remoteID, generation: gen, stream: stream})
		},
		OnStateChange: func(state domain.TransportState) {
			e.post(inboxEvent{kind: inboxTransportState, remoteID: remoteID, generation: gen, state: state})
		},
	}

	transport, err := e.transports.NewTransport(remoteID, role, local, handlers)
	if err != nil {
		e.metrics.NegotiationFailed("transport")
		return nil, fmt.Errorf("create transport: %w", err)
	}

	s := newPeerSession(remoteID, role, roomID, transport, gen, e.now())
	if err := s.beginNegotiation(); err != nil {
		_ = transport.Close()
		return nil, err
	}
	e.sessions[remoteID] = s
	e.metrics.SessionOpened(role)

	if e.cfg.NegotiationTimeout > 0 {
		s.timer = time.AfterFunc(e.cfg.NegotiationTimeout, func() {
			e.post(inboxEvent{kind: inboxNegotiationTimeout, remoteID: remoteID, generation: gen})
		})
	}
	e.logger.Debugw("peer session opened", "remote_id", remoteID, "role", role)
	return s, nil
}

// closeSession always removes s from the map, whatever Close reports.
func (e *SignalingEngine) closeSession(s *peerSession, reason string) {
	if err := s.close(); err != nil {
		e.logger.Warnw("peer session closed with errors", "remote_id", s.remoteID, "reason", reason, "error", err)
	}
	if cur, ok := e.sessions[s.remoteID]; ok && cur == s {
		delete(e.sessions, s.remoteID)
	}
	e.metrics.SessionClosed(s.role, reason)
	e.logger.Debugw("peer session closed", "remote_id", s.remoteID, "role", s.role, "reason", reason)
}

// failSession closes s after a fatal negotiation error. A failed session
// with the broadcaster being listened to also ends listening.
func (e *SignalingEngine) failSession(s *peerSession, reason string, cause error) {
	negErr := &domain.NegotiationError{RemoteID: s.remoteID, Err: cause}
	e.logger.Warnw("negotiation failed", "remote_id", s.remoteID, "role", s.role, "reason", reason, "error", cause)
	e.metrics.NegotiationFailed(reason)

	e.closeSession(s, reason)
	e.emit(domain.Event{Type: domain.EventNegotiationFailed, RemoteID: s.remoteID, Role: s.role, Err: negErr})

	switch s.role {
	case domain.RoleListener:
		if s.announced {
			e.emit(domain.Event{Type: domain.EventListenerDisconnected, RemoteID: s.remoteID, Role: s.role})
		}
	case domain.RoleBroadcaster:
		if e.listening != nil && e.listening.broadcasterID == s.remoteID {
			e.listening = nil
			e.emit(domain.Event{Type: domain.EventListeningEnded, RemoteID: s.remoteID, Role: s.role, Err: negErr})
			ctx, cancel := e.opContext()
			defer cancel()
			if err := e.relay.DeleteListener(ctx, e.self.ID, s.remoteID); err != nil {
				e.metrics.RelayError("delete listener")
				e.logger.Warnw("failed to delete listener record after negotiation failure", "remote_id", s.remoteID, "error", err)
			}
		}
	}
}

func (e *SignalingEngine) protocolWarning(env *domain.SignalEnvelope, reason string, err error) {
	e.metrics.ProtocolWarning(reason)
	fields := []interface{}{"remote_id", env.SenderID, "kind", env.Kind, "envelope_id", env.ID, "reason", reason}
	if err != nil {
		fields = append(fields, "error", err)
	}
	e.logger.Warnw("dropping signal", fields...)
}

func (e *SignalingEngine) handleSignal(env *domain.SignalEnvelope) {
	if env.ReceiverID != e.self.ID || env.SenderID == e.self.ID {
		return
	}
	if env.ID != "" && !e.seen.add(env.ID) {
		return
	}
	e.metrics.SignalReceived(env.Kind)

	switch env.Kind {
	case domain.SignalOffer:
		e.handleOffer(env)
	case domain.SignalAnswer:
		e.handleAnswer(env)
	case domain.SignalICECandidate:
		e.handleCandidate(env)
	default:
		e.protocolWarning(env, "unknown kind", domain.ErrUnknownSignalKind)
	}
}

func (e *SignalingEngine) handleOffer(env *domain.SignalEnvelope) {
	offer, err := decodeDescription(env, webrtc.SDPTypeOffer)
	if err != nil {
		e.protocolWarning(env, "bad offer", err)
		return
	}
	if !e.broadcasting || e.local == nil {
		e.protocolWarning(env, "offer while not broadcasting", nil)
		return
	}

	ctx, cancel := e.opContext()
	defer cancel()
	ctx, span := e.startSpan(ctx, "answer", env.SenderID)
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.SignalKindKey.String(string(env.Kind)))

	s, renegotiation := e.sessions[env.SenderID]
	if renegotiation && s.role != domain.RoleListener {
		e.protocolWarning(env, "offer from joined broadcaster", nil)
		return
	}
	if !renegotiation {
		joined, err := e.listenerRegistered(ctx, env.SenderID)
		if err != nil {
			e.metrics.RelayError("list listeners")
			e.protocolWarning(env, "listener lookup failed", err)
			return
		}
		if !joined {
			e.protocolWarning(env, "offer without listener record", nil)
			return
		}

		roomID := env.RoomID
		if roomID == "" {
			roomID = e.roomID
		}
		tracing.AddSpanAttributes(ctx, tracing.RoomIDKey.String(string(roomID)))
		s, err = e.openSession(env.SenderID, domain.RoleListener, roomID, e.local)
		if err != nil {
			e.logger.Warnw("failed to open listener session", "remote_id", env.SenderID, "error", err)
			return
		}
	}

	replayErr, err := s.applyRemoteDescription(offer)
	if err != nil {
		e.failSession(s, "remote description", err)
		return
	}
	if replayErr != nil {
		e.logger.Warnw("some buffered candidates were rejected", "remote_id", s.remoteID, "error", replayErr)
	}

	answer, err := s.transport.CreateAnswer(ctx)
	if err != nil {
		e.failSession(s, "answer", err)
		return
	}
	s.localDesc = &answer

	if err := e.sendDescription(ctx, s, domain.SignalAnswer, answer); err != nil {
		e.metrics.RelayError("send answer")
		e.failSession(s, "answer not delivered", err)
		return
	}
	e.flushLocalCandidates(ctx, s)

	if !s.announced {
		s.announced = true
		e.emit(domain.Event{Type: domain.EventListenerConnected, RemoteID: s.remoteID, Role: s.role})
	}
	if renegotiation {
		e.logger.Infow("renegotiated listener session", "remote_id", s.remoteID)
	}
}

// listenerRegistered reports whether remoteID has a listener row on our
// broadcast. Offers outliving that row must not reopen a session.
func (e *SignalingEngine) listenerRegistered(ctx context.Context, remoteID domain.ParticipantID) (bool, error) {
	recs, err := e.relay.ListListeners(ctx, e.self.ID)
	if err != nil {
		return false, err
	}
	for _, rec := range recs {
		if rec.ParticipantID == remoteID {
			return true, nil
		}
	}
	return false, nil
}

func (e *SignalingEngine) handleAnswer(env *domain.SignalEnvelope) {
	s, ok := e.sessions[env.SenderID]
	if !ok || s.role != domain.RoleBroadcaster {
		e.protocolWarning(env, "answer for unknown session", domain.ErrSessionNotFound)
		return
	}
	if s.remoteDesc != nil {
		e.protocolWarning(env, "duplicate answer", nil)
		return
	}
	answer, err := decodeDescription(env, webrtc.SDPTypeAnswer)
	if err != nil {
		e.protocolWarning(env, "bad answer", err)
		return
	}

	replayErr, err := s.applyRemoteDescription(answer)
	if err != nil {
		e.failSession(s, "remote description", err)
		return
	}
	if replayErr != nil {
		e.logger.Warnw("some buffered candidates were rejected", "remote_id", s.remoteID, "error", replayErr)
	}
}

func (e *SignalingEngine) handleCandidate(env *domain.SignalEnvelope) {
	s, ok := e.sessions[env.SenderID]
	if !ok {
		e.protocolWarning(env, "ice candidate for unknown session", domain.ErrSessionNotFound)
		return
	}
	c, err := decodeCandidate(env)
	if err != nil {
		e.protocolWarning(env, "bad ice candidate", err)
		return
	}
	if _, err := s.addRemoteCandidate(c); err != nil {
		e.logger.Warnw("ice candidate rejected", "remote_id", s.remoteID, "error", err)
	}
}

func (e *SignalingEngine) handleInbox(ev inboxEvent) {
	s, ok := e.sessions[ev.remoteID]
	if !ok || s.generation != ev.generation {
		if ev.stream != nil {
			_ = ev.stream.Stop()
		}
		return
	}

	switch ev.kind {
	case inboxLocalCandidate:
		if !s.queueLocalCandidate(ev.candidate) {
			return
		}
		ctx, cancel := e.opContext()
		defer cancel()
		if err := e.sendCandidate(ctx, s, ev.candidate); err != nil {
			e.metrics.RelayError("send candidate")
			e.logger.Warnw("failed to send ice candidate", "remote_id", s.remoteID, "error", err)
		}

	case inboxTrack:
		if s.stream != nil {
			_ = s.stream.Stop()
		}
		s.stream = ev.stream
		if s.markConnected() {
			e.metrics.SessionConnected(s.role, e.now().Sub(s.createdAt))
		}
		e.emit(domain.Event{Type: domain.EventStreamAvailable, RemoteID: s.remoteID, Role: s.role, Stream: ev.stream})

	case inboxTransportState:
		switch ev.state {
		case domain.TransportConnected:
			if s.markConnected() {
				e.metrics.SessionConnected(s.role, e.now().Sub(s.createdAt))
			}
			if !s.transportVerified {
				s.transportVerified = true
				e.emit(domain.Event{Type: domain.EventTransportConfirmed, RemoteID: s.remoteID, Role: s.role})
			}
		case domain.TransportFailed:
			e.failSession(s, "transport failed", domain.ErrTransportFailed)
		default:
			e.logger.Debugw("transport state", "remote_id", s.remoteID, "state", ev.state)
		}

	case inboxNegotiationTimeout:
		if s.state == domain.SessionNegotiating {
			e.failSession(s, "timeout", domain.ErrNegotiationTimeout)
		}
	}
}

func (e *SignalingEngine) sendDescription(ctx context.Context, s *peerSession, kind domain.SignalKind, desc webrtc.SessionDescription) error {
	payload, err := encodeDescription(desc)
	if err != nil {
		return err
	}
	return e.sendSignal(ctx, s, kind, payload)
}

func (e *SignalingEngine) sendCandidate(ctx context.Context, s *peerSession, c webrtc.ICECandidateInit) error {
	payload, err := encodeCandidate(c)
	if err != nil {
		return err
	}
	return e.sendSignal(ctx, s, domain.SignalICECandidate, payload)
}

func (e *SignalingEngine) sendSignal(ctx context.Context, s *peerSession, kind domain.SignalKind, payload []byte) error {
	env := &domain.SignalEnvelope{
		RoomID:     s.roomID,
		SenderID:   e.self.ID,
		ReceiverID: s.remoteID,
		Kind:       kind,
		Payload:    payload,
	}
	if err := e.relay.AppendSignal(ctx, env); err != nil {
		return fmt.Errorf("append %s signal: %w", kind, err)
	}
	e.metrics.SignalSent(kind)
	return nil
}

// flushLocalCandidates sends candidates gathered before our description
// went out. Failures are logged; ICE can still complete with the rest.
func (e *SignalingEngine) flushLocalCandidates(ctx context.Context, s *peerSession) {
	for _, c := range s.markLocalSent() {
		if err := e.sendCandidate(ctx, s, c); err != nil {
			e.metrics.RelayError("send candidate")
			e.logger.Warnw("failed to send buffered ice candidate", "remote_id", s.remoteID, "error", err)
		}
	}
}

// recentSet remembers the last n ids to drop redelivered envelopes.
type recentSet struct {
	limit int
	order []string
	set   map[string]struct{}
}

func newRecentSet(limit int) *recentSet {
	return &recentSet{limit: limit, set: make(map[string]struct{}, limit)}
}

// add reports false when id was already present.
func (r *recentSet) add(id string) bool {
	if _, ok := r.set[id]; ok {
		return false
	}
	if len(r.order) >= r.limit {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.set, oldest)
	}
	r.order = append(r.order, id)
	r.set[id] = struct{}{}
	return true
}

type noopMetrics struct{}

func (noopMetrics) SessionOpened(domain.Role) {}
func (noopMetrics) SessionClosed(domain.Role, string) {}
func (noopMetrics) SessionConnected(domain.Role, time.Duration) {}
func (noopMetrics) SignalSent(domain.SignalKind) {}
func (noopMetrics) SignalReceived(domain.SignalKind) {}
func (noopMetrics) ProtocolWarning(string) {}
func (noopMetrics) NegotiationFailed(string) {}
func (noopMetrics) RelayError(string) {}
