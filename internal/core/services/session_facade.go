package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"airwave/internal/core/domain"
	"airwave/internal/core/ports"

	"go.uber.org/zap"
)

// SessionFacade is the single owner of the signaling engine and the
// presence coordinator. Intents are serialized; every outcome a caller
// triggers is also published as a notification.
type SessionFacade struct {
	self     domain.Participant
	engine   ports.SignalingEngine
	presence ports.PresenceService
	logger   *zap.SugaredLogger
	now      func() time.Time

	intentMu sync.Mutex

	subsMu      sync.Mutex
	subscribers map[int]chan ports.SessionUpdate
	nextSubID   int
	buffer      int

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

func NewSessionFacade(
	self domain.Participant,
	engine ports.SignalingEngine,
	presence ports.PresenceService,
	logger *zap.SugaredLogger,
) *SessionFacade {
	return &SessionFacade{
		self:        self,
		engine:      engine,
		presence:    presence,
		logger:      logger.With("participant_id", self.ID, "component", "session"),
		now:         time.Now,
		subscribers: make(map[int]chan ports.SessionUpdate),
		buffer:      64,
	}
}

var _ ports.SessionService = (*SessionFacade)(nil)

// Start runs presence tracking and the event pumps until Close.
func (f *SessionFacade) Start(ctx context.Context) {
	f.runMu.Lock()
	defer f.runMu.Unlock()
	if f.cancel != nil || f.closed {
		return
	}
	ctx, f.cancel = context.WithCancel(ctx)

	events, stopEvents := f.engine.Subscribe()
	views, stopViews := f.presence.Updates()

	f.wg.Add(3)
	go func() {
		defer f.wg.Done()
		if err := f.presence.Run(ctx); err != nil {
			f.logger.Errorw("presence tracking stopped", "error", err)
		}
	}()
	go func() {
		defer f.wg.Done()
		defer stopEvents()
		f.pumpEvents(ctx, events)
	}()
	go func() {
		defer f.wg.Done()
		defer stopViews()
		f.pumpViews(ctx, views)
	}()
}

func (f *SessionFacade) pumpEvents(ctx context.Context, events <-chan domain.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			f.publish(ports.SessionUpdate{Event: &ev})
			f.onEngineEvent(ctx, ev)
		}
	}
}

func (f *SessionFacade) onEngineEvent(ctx context.Context, ev domain.Event) {
	switch ev.Type {
	case domain.EventListenerConnected, domain.EventListenerDisconnected:
		f.refreshLogged(ctx)
	case domain.EventListeningEnded:
		if ev.Err != nil {
			f.notify(domain.NotificationError, "Connection lost", fmt.Sprintf("Lost connection to %s", f.contactName(ev.RemoteID)))
		}
		f.refreshLogged(ctx)
	}
}

func (f *SessionFacade) pumpViews(ctx context.Context, views <-chan domain.PresenceView) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-views:
			if !ok {
				return
			}
			f.publishView(ctx)
		}
	}
}

// ToggleBroadcast starts or stops broadcasting and reports whether the
// participant is broadcasting afterwards.
func (f *SessionFacade) ToggleBroadcast(ctx context.Context) (bool, error) {
	f.intentMu.Lock()
	defer f.intentMu.Unlock()

	st, err := f.engine.State(ctx)
	if err != nil {
		return false, err
	}

	if st.Broadcasting {
		if err := f.engine.StopBroadcasting(ctx); err != nil {
			f.logger.Errorw("failed to stop broadcasting", "error", err)
			f.notify(domain.NotificationError, "Error", "Failed to stop broadcasting")
			return false, err
		}
		f.notify(domain.NotificationInfo, "Broadcasting stopped", "Your broadcast has ended")
		f.publishView(ctx)
		return false, nil
	}

	if _, err := f.engine.StartBroadcasting(ctx); err != nil {
		f.logger.Errorw("failed to start broadcasting", "error", err)
		if errors.Is(err, domain.ErrNoMicrophone) {
			f.notify(domain.NotificationError, "Error", "Failed to access microphone")
		} else {
			f.notify(domain.NotificationError, "Error", "Failed to start broadcasting")
		}
		return false, err
	}
	f.notify(domain.NotificationInfo, "Broadcasting started", "Your contacts can now join your broadcast")
	f.publishView(ctx)
	return true, nil
}

func (f *SessionFacade) JoinBroadcast(ctx context.Context, remoteID domain.ParticipantID, displayName string, roomID domain.RoomID) error {
	f.intentMu.Lock()
	defer f.intentMu.Unlock()

	if displayName == "" {
		displayName = f.contactName(remoteID)
	}

	err := f.engine.JoinBroadcast(ctx, remoteID, displayName, roomID)
	switch {
	case err == nil:
		f.notify(domain.NotificationInfo, "Joined broadcast", fmt.Sprintf("You are now listening to %s", displayName))
		f.refreshLogged(ctx)
		return nil
	case errors.Is(err, domain.ErrAlreadyListeningSame):
		f.notify(domain.NotificationInfo, "Already listening", fmt.Sprintf("You are already listening to %s", displayName))
	case errors.Is(err, domain.ErrCannotJoinWhileBroadcasting):
		f.notify(domain.NotificationError, "Cannot join", "You cannot listen while broadcasting")
	default:
		f.logger.Errorw("failed to join broadcast", "remote_id", remoteID, "error", err)
		f.notify(domain.NotificationError, "Error", "Failed to join broadcast")
	}
	return err
}

// LeaveBroadcast leaves whatever broadcast is being listened to. It does
// nothing when not listening.
func (f *SessionFacade) LeaveBroadcast(ctx context.Context) error {
	f.intentMu.Lock()
	defer f.intentMu.Unlock()

	st, err := f.engine.State(ctx)
	if err != nil {
		return err
	}
	if !st.IsListening() {
		return nil
	}

	if err := f.engine.LeaveBroadcast(ctx, st.ListeningTo); err != nil {
		f.logger.Errorw("failed to leave broadcast", "remote_id", st.ListeningTo, "error", err)
		f.notify(domain.NotificationError, "Error", "Failed to leave broadcast")
		return err
	}
	f.notify(domain.NotificationInfo, "Left broadcast", "You are no longer listening")
	f.refreshLogged(ctx)
	return nil
}

func (f *SessionFacade) RefreshContacts(ctx context.Context) error {
	if _, err := f.presence.Refresh(ctx); err != nil {
		f.logger.Errorw("failed to refresh contacts", "error", err)
		return err
	}
	return nil
}

func (f *SessionFacade) View(ctx context.Context) (ports.SessionView, error) {
	st, err := f.engine.State(ctx)
	if err != nil {
		return ports.SessionView{}, err
	}
	pv := f.presence.View()

	view := ports.SessionView{
		CurrentUser:          f.self,
		IsBroadcasting:       st.Broadcasting,
		IsListening:          st.IsListening(),
		CurrentBroadcasterID: st.ListeningTo,
		CurrentRoomID:        st.ListenRoomID,
		Contacts:             pv.Contacts,
		Listeners:            pv.MyListeners,
		Sessions:             st.Sessions,
	}
	if st.Broadcasting {
		view.CurrentRoomID = st.RoomID
	}
	if view.Contacts == nil {
		view.Contacts = []domain.Contact{}
	}
	if view.Listeners == nil {
		view.Listeners = []domain.ContactListener{}
	}
	return view, nil
}

// Subscribe streams notifications, engine events and view changes.
func (f *SessionFacade) Subscribe() (<-chan ports.SessionUpdate, func()) {
	f.subsMu.Lock()
	defer f.subsMu.Unlock()

	ch := make(chan ports.SessionUpdate, f.buffer)
	f.nextSubID++
	id := f.nextSubID
	f.subscribers[id] = ch

	return ch, func() {
		f.subsMu.Lock()
		defer f.subsMu.Unlock()
		if c, ok := f.subscribers[id]; ok {
			close(c)
			delete(f.subscribers, id)
		}
	}
}

// Close leaves, stops broadcasting and resets the engine. Cleanup runs even
// if ctx expires while the background loops wind down.
func (f *SessionFacade) Close(ctx context.Context) error {
	f.runMu.Lock()
	if f.closed {
		f.runMu.Unlock()
		return nil
	}
	f.closed = true
	cancel := f.cancel
	f.runMu.Unlock()

	if cancel != nil {
		cancel()
	}

	f.intentMu.Lock()
	err := f.engine.Reset(ctx)
	f.intentMu.Unlock()

	f.wg.Wait()

	f.subsMu.Lock()
	for id, ch := range f.subscribers {
		close(ch)
		delete(f.subscribers, id)
	}
	f.subsMu.Unlock()

	if err != nil {
		f.logger.Warnw("session cleanup finished with errors", "error", err)
	}
	return err
}

func (f *SessionFacade) contactName(id domain.ParticipantID) string {
	for _, c := range f.presence.View().Contacts {
		if c.ID == id {
			return c.Name
		}
	}
	return string(id)
}

func (f *SessionFacade) refreshLogged(ctx context.Context) {
	if _, err := f.presence.Refresh(ctx); err != nil && ctx.Err() == nil {
		f.logger.Warnw("contact refresh failed", "error", err)
	}
}

func (f *SessionFacade) notify(level domain.NotificationLevel, title, description string) {
	n := domain.Notification{Level: level, Title: title, Description: description, At: f.now()}
	f.publish(ports.SessionUpdate{Notification: &n})
}

func (f *SessionFacade) publishView(ctx context.Context) {
	view, err := f.View(ctx)
	if err != nil {
		return
	}
	f.publish(ports.SessionUpdate{View: &view})
}

func (f *SessionFacade) publish(u ports.SessionUpdate) {
	f.subsMu.Lock()
	defer f.subsMu.Unlock()
	for _, ch := range f.subscribers {
		select {
		case ch <- u:
		default:
			f.logger.Debugw("session subscriber full, dropping update")
		}
	}
}
