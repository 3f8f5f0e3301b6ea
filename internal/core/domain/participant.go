package domain

import (
	"time"

	"airwave/pkg/utils"
)

type ParticipantID string
type RoomID string

// Participant is the local process identity. The id is generated once per
// session and never reused.
type Participant struct {
	ID          ParticipantID `json:"id"`
	DisplayName string        `json:"display_name"`
}

// NewParticipant creates a fresh identity. An empty display name becomes
// the "User-xxxxx" default.
func NewParticipant(displayName string) Participant {
	id := utils.NewID()
	if displayName == "" {
		displayName = utils.DefaultDisplayName(id)
	}
	return Participant{ID: ParticipantID(id), DisplayName: displayName}
}

type Room struct {
	ID        RoomID        `json:"id"`
	Name      string        `json:"name"`
	OwnerID   ParticipantID `json:"owner_id"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// BroadcastRecord is keyed by participant: one row each, never deleted,
// Active toggled on start and stop.
type BroadcastRecord struct {
	ID            string        `json:"id"`
	ParticipantID ParticipantID `json:"participant_id"`
	DisplayName   string        `json:"display_name"`
	RoomID        RoomID        `json:"room_id"`
	Active        bool          `json:"active"`
	StartedAt     time.Time     `json:"started_at"`
}

// ListenerRecord exists while a participant listens to a broadcaster.
// A participant has at most one.
type ListenerRecord struct {
	ID            string        `json:"id"`
	ParticipantID ParticipantID `json:"participant_id"`
	DisplayName   string        `json:"display_name"`
	BroadcasterID ParticipantID `json:"broadcaster_id"`
	RoomID        RoomID        `json:"room_id"`
	JoinedAt      time.Time     `json:"joined_at"`
}
