package ports

import (
	"context"

	"airwave/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// TransportHandlers receive native callbacks. They may be invoked from any
// goroutine and must not block.
type TransportHandlers struct {
	OnLocalCandidate func(candidate webrtc.ICECandidateInit)
	OnTrack          func(stream domain.MediaStream)
	OnStateChange    func(state domain.TransportState)
}

// PeerTransport is the native media-negotiation session for one remote peer.
type PeerTransport interface {
	// CreateOffer creates an offer and applies it as the local description.
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	// CreateAnswer creates an answer and applies it as the local description.
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	Close() error
}

type TransportFactory interface {
	// NewTransport builds a transport. local is nil for listener-side
	// sessions, which only receive.
	NewTransport(remoteID domain.ParticipantID, role domain.Role, local LocalAudio, handlers TransportHandlers) (PeerTransport, error)
}

// LocalAudio is the captured stream a broadcaster sends to every listener.
type LocalAudio interface {
	domain.MediaStream
	Track() webrtc.TrackLocal
}

type AudioCapture interface {
	// Acquire opens the capture device. It fails with domain.ErrNoMicrophone
	// when no device is available.
	Acquire(ctx context.Context) (LocalAudio, error)
}
