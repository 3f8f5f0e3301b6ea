package ports

import (
	"context"
	"time"

	"airwave/internal/core/domain"
)

type SignalingEngine interface {
	StartBroadcasting(ctx context.Context) (domain.MediaStream, error)
	StopBroadcasting(ctx context.Context) error
	JoinBroadcast(ctx context.Context, remoteID domain.ParticipantID, displayName string, roomID domain.RoomID) error
	LeaveBroadcast(ctx context.Context, remoteID domain.ParticipantID) error
	// DropListener closes the session of a listener whose presence disappeared.
	DropListener(ctx context.Context, remoteID domain.ParticipantID) error
	BroadcasterStream(ctx context.Context, remoteID domain.ParticipantID) (domain.MediaStream, error)
	State(ctx context.Context) (domain.EngineState, error)
	Subscribe() (<-chan domain.Event, func())
	Reset(ctx context.Context) error
}

type PresenceService interface {
	Run(ctx context.Context) error
	Refresh(ctx context.Context) (domain.PresenceView, error)
	View() domain.PresenceView
	Updates() (<-chan domain.PresenceView, func())
}

// SessionView is the presentation boundary state.
type SessionView struct {
	CurrentUser          domain.Participant       `json:"current_user"`
	IsBroadcasting       bool                     `json:"is_broadcasting"`
	IsListening          bool                     `json:"is_listening"`
	CurrentBroadcasterID domain.ParticipantID     `json:"current_broadcaster_id,omitempty"`
	CurrentRoomID        domain.RoomID            `json:"current_room_id,omitempty"`
	Contacts             []domain.Contact         `json:"contacts"`
	Listeners            []domain.ContactListener `json:"listeners"`
	Sessions             []domain.SessionInfo     `json:"sessions"`
}

// SessionUpdate is pushed to presentation subscribers. One field is set.
type SessionUpdate struct {
	Notification *domain.Notification `json:"notification,omitempty"`
	Event        *domain.Event        `json:"event,omitempty"`
	View         *SessionView         `json:"view,omitempty"`
}

type SessionService interface {
	ToggleBroadcast(ctx context.Context) (bool, error)
	JoinBroadcast(ctx context.Context, remoteID domain.ParticipantID, displayName string, roomID domain.RoomID) error
	LeaveBroadcast(ctx context.Context) error
	RefreshContacts(ctx context.Context) error
	View(ctx context.Context) (SessionView, error)
	Subscribe() (<-chan SessionUpdate, func())
}

// SignalingMetrics is implemented by the monitoring collector.
type SignalingMetrics interface {
	SessionOpened(role domain.Role)
	SessionClosed(role domain.Role, reason string)
	SessionConnected(role domain.Role, negotiation time.Duration)
	SignalSent(kind domain.SignalKind)
	SignalReceived(kind domain.SignalKind)
	ProtocolWarning(reason string)
	NegotiationFailed(reason string)
	RelayError(op string)
}
