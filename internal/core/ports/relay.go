package ports

import (
	"context"

	"airwave/internal/core/domain"
)

type RoomStore interface {
	CreateRoom(ctx context.Context, room *domain.Room) error
	GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error)
}

type BroadcastStore interface {
	// UpsertBroadcast writes the participant's single broadcast row.
	UpsertBroadcast(ctx context.Context, rec *domain.BroadcastRecord) error
	SetBroadcastActive(ctx context.Context, participantID domain.ParticipantID, active bool) error
	GetBroadcast(ctx context.Context, participantID domain.ParticipantID) (*domain.BroadcastRecord, error)
	ListActiveBroadcasts(ctx context.Context) ([]*domain.BroadcastRecord, error)
}

type ListenerStore interface {
	UpsertListener(ctx context.Context, rec *domain.ListenerRecord) error
	DeleteListener(ctx context.Context, participantID, broadcasterID domain.ParticipantID) error
	ListListeners(ctx context.Context, broadcasterID domain.ParticipantID) ([]*domain.ListenerRecord, error)
}

type SignalStore interface {
	AppendSignal(ctx context.Context, env *domain.SignalEnvelope) error
}

// Subscription is a live change stream. Events is closed after Close or
// when the underlying connection ends.
type Subscription interface {
	Events() <-chan domain.ChangeEvent
	Close() error
}

type ChangeFeed interface {
	Subscribe(ctx context.Context, table domain.Table, filter domain.Filter) (Subscription, error)
}

// Relay is the persistence-backed pub/sub channel every participant shares.
type Relay interface {
	RoomStore
	BroadcastStore
	ListenerStore
	SignalStore
	ChangeFeed

	Ping(ctx context.Context) error
	Close() error
}
