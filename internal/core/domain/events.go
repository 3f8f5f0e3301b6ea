package domain

import "time"

type EventType string

const (
	// EventListenerConnected fires once the answer to a listener's offer is sent.
	// It is optimistic; EventTransportConfirmed follows when media can flow.
	EventListenerConnected    EventType = "listener_connected"
	EventListenerDisconnected EventType = "listener_disconnected"
	EventStreamAvailable      EventType = "stream_available"
	EventTransportConfirmed   EventType = "transport_confirmed"
	EventNegotiationFailed    EventType = "negotiation_failed"
	EventListeningEnded       EventType = "listening_ended"
)

// Event is emitted by the signaling engine. Stream is set for
// EventStreamAvailable, Err for EventNegotiationFailed.
type Event struct {
	Type     EventType     `json:"type"`
	RemoteID ParticipantID `json:"remote_id"`
	Role     Role          `json:"role"`
	Stream   MediaStream   `json:"-"`
	Err      error         `json:"-"`
	At       time.Time     `json:"at"`
}

// MediaStream is an opaque handle on a local or remote audio stream.
type MediaStream interface {
	ID() string
	Stop() error
}

type NotificationLevel string

const (
	NotificationInfo  NotificationLevel = "info"
	NotificationError NotificationLevel = "error"
)

// Notification is the human-readable message shown for a state change or failure.
type Notification struct {
	Level       NotificationLevel `json:"level"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	At          time.Time         `json:"at"`
}

// ContactListener is one listener shown under a contact.
type ContactListener struct {
	ID   ParticipantID `json:"id"`
	Name string        `json:"name"`
}

// Contact is an active remote broadcast with its current listeners.
type Contact struct {
	ID          ParticipantID     `json:"id"`
	Name        string            `json:"name"`
	RoomID      RoomID            `json:"room_id"`
	Listeners   []ContactListener `json:"listeners"`
	IsListening bool              `json:"is_listening"`
}

// PresenceView is the derived presence state of everyone but the local participant.
type PresenceView struct {
	Contacts    []Contact         `json:"contacts"`
	MyListeners []ContactListener `json:"my_listeners"`
	DerivedAt   time.Time         `json:"derived_at"`
}
