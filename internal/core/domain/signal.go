package domain

import (
	"encoding/json"
	"time"
)

type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalICECandidate SignalKind = "ice-candidate"
)

func (k SignalKind) Valid() bool {
	switch k {
	case SignalOffer, SignalAnswer, SignalICECandidate:
		return true
	}
	return false
}

// SignalEnvelope is an append-only negotiation message. Offer and answer
// payloads are {sdp, type}; candidate payloads are the ICE candidate init.
type SignalEnvelope struct {
	ID         string          `json:"id"`
	RoomID     RoomID          `json:"room_id"`
	SenderID   ParticipantID   `json:"sender_id"`
	ReceiverID ParticipantID   `json:"receiver_id"`
	Kind       SignalKind      `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

type Table string

const (
	TableRooms      Table = "rooms"
	TableBroadcasts Table = "broadcasts"
	TableListeners  Table = "listeners"
	TableSignals    Table = "signals"
)

type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// ChangeEvent is one relay notification. Exactly one of the row fields is
// set, matching Table. Delivery is at-least-once and unordered across rows.
type ChangeEvent struct {
	Table     Table            `json:"table"`
	Type      ChangeType       `json:"event_type"`
	Broadcast *BroadcastRecord `json:"broadcast,omitempty"`
	Listener  *ListenerRecord  `json:"listener,omitempty"`
	Signal    *SignalEnvelope  `json:"signal,omitempty"`
	Room      *Room            `json:"room,omitempty"`
}

// Filter narrows a subscription to rows whose column equals the value.
// The zero Filter matches every row.
type Filter struct {
	Column string
	Value  string
}

// Matches evaluates the filter against an event row.
func (f Filter) Matches(ev ChangeEvent) bool {
	if f.Column == "" {
		return true
	}
	var got string
	switch {
	case ev.Signal != nil:
		switch f.Column {
		case "receiver_id":
			got = string(ev.Signal.ReceiverID)
		case "sender_id":
			got = string(ev.Signal.SenderID)
		case "room_id":
			got = string(ev.Signal.RoomID)
		}
	case ev.Broadcast != nil:
		switch f.Column {
		case "participant_id":
			got = string(ev.Broadcast.ParticipantID)
		case "room_id":
			got = string(ev.Broadcast.RoomID)
		}
	case ev.Listener != nil:
		switch f.Column {
		case "participant_id":
			got = string(ev.Listener.ParticipantID)
		case "broadcaster_id":
			got = string(ev.Listener.BroadcasterID)
		case "room_id":
			got = string(ev.Listener.RoomID)
		}
	case ev.Room != nil:
		switch f.Column {
		case "owner_id":
			got = string(ev.Room.OwnerID)
		case "id":
			got = string(ev.Room.ID)
		}
	}
	return got == f.Value
}
