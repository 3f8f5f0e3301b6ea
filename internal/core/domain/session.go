package domain

import "time"

type SessionState string

const (
	SessionIdle        SessionState = "idle"
	SessionNegotiating SessionState = "negotiating"
	SessionConnected   SessionState = "connected"
	SessionClosed      SessionState = "closed"
)

// Role is the remote peer's role in a session: a listener attached to the
// local broadcast, or the broadcaster the local participant listens to.
type Role string

const (
	RoleListener    Role = "listener"
	RoleBroadcaster Role = "broadcaster"
)

// TransportState is the native connection state as reported by the transport.
type TransportState string

const (
	TransportNew          TransportState = "new"
	TransportConnecting   TransportState = "connecting"
	TransportConnected    TransportState = "connected"
	TransportDisconnected TransportState = "disconnected"
	TransportFailed       TransportState = "failed"
	TransportClosed       TransportState = "closed"
)

// SessionInfo is a read-only snapshot of one peer session.
type SessionInfo struct {
	RemoteID          ParticipantID `json:"remote_id"`
	Role              Role          `json:"role"`
	State             SessionState  `json:"state"`
	RoomID            RoomID        `json:"room_id"`
	TransportVerified bool          `json:"transport_verified"`
	HasStream         bool          `json:"has_stream"`
	PendingCandidates int           `json:"pending_candidates"`
	CreatedAt         time.Time     `json:"created_at"`
}

// EngineState is a snapshot of the signaling engine's local intent state.
type EngineState struct {
	Broadcasting bool          `json:"broadcasting"`
	RoomID       RoomID        `json:"room_id,omitempty"`
	ListeningTo  ParticipantID `json:"listening_to,omitempty"`
	ListenRoomID RoomID        `json:"listen_room_id,omitempty"`
	Sessions     []SessionInfo `json:"sessions"`
}

// IsListening reports whether a broadcaster is currently joined.
func (s EngineState) IsListening() bool { return s.ListeningTo != "" }
