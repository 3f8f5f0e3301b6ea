package services

import (
	"fmt"
	"time"

	"airwave/internal/core/domain"
	"airwave/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/multierr"
)

// peerSession tracks negotiation with one remote peer. It is owned by the
// engine loop and is not safe for concurrent use.
type peerSession struct {
	remoteID   domain.ParticipantID
	role       domain.Role
	roomID     domain.RoomID
	generation uint64
	createdAt  time.Time

	state     domain.SessionState
	transport ports.PeerTransport

	localDesc  *webrtc.SessionDescription
	remoteDesc *webrtc.SessionDescription

	// Remote candidates wait here until the remote description is applied.
	pendingRemote []webrtc.ICECandidateInit
	// Local candidates wait here until our description has been sent.
	pendingLocal []webrtc.ICECandidateInit
	localSent    bool
	seenRemote   map[string]struct{}

	stream            domain.MediaStream
	transportVerified bool
	announced         bool
	timer             *time.Timer
}

func newPeerSession(remoteID domain.ParticipantID, role domain.Role, roomID domain.RoomID, transport ports.PeerTransport, generation uint64, now time.Time) *peerSession {
	return &peerSession{
		remoteID:   remoteID,
		role:       role,
		roomID:     roomID,
		generation: generation,
		createdAt:  now,
		state:      domain.SessionIdle,
		transport:  transport,
		seenRemote: make(map[string]struct{}),
	}
}

func (s *peerSession) beginNegotiation() error {
	if s.state != domain.SessionIdle {
		return fmt.Errorf("cannot negotiate from state %s", s.state)
	}
	s.state = domain.SessionNegotiating
	return nil
}

// applyRemoteDescription sets the remote description and replays buffered
// candidates in receipt order. A candidate that fails to apply does not
// stop the replay; the combined failure is returned as replayErr.
func (s *peerSession) applyRemoteDescription(desc webrtc.SessionDescription) (replayErr error, err error) {
	if s.state == domain.SessionClosed {
		return nil, domain.ErrSessionClosed
	}
	if err := s.transport.SetRemoteDescription(desc); err != nil {
		return nil, fmt.Errorf("set remote description: %w", err)
	}
	s.remoteDesc = &desc

	pending := s.pendingRemote
	s.pendingRemote = nil
	for _, c := range pending {
		replayErr = multierr.Append(replayErr, s.transport.AddICECandidate(c))
	}
	return replayErr, nil
}

// addRemoteCandidate applies or buffers c. Exact duplicates are dropped and
// reported with ok=false.
func (s *peerSession) addRemoteCandidate(c webrtc.ICECandidateInit) (ok bool, err error) {
	if s.state == domain.SessionClosed {
		return false, domain.ErrSessionClosed
	}
	key := candidateKey(c)
	if _, dup := s.seenRemote[key]; dup {
		return false, nil
	}
	s.seenRemote[key] = struct{}{}

	if s.remoteDesc == nil {
		s.pendingRemote = append(s.pendingRemote, c)
		return true, nil
	}
	if err := s.transport.AddICECandidate(c); err != nil {
		return true, fmt.Errorf("add ice candidate: %w", err)
	}
	return true, nil
}

// queueLocalCandidate reports whether c may be sent now. Otherwise it is
// held until markLocalSent.
func (s *peerSession) queueLocalCandidate(c webrtc.ICECandidateInit) bool {
	if s.localSent {
		return true
	}
	s.pendingLocal = append(s.pendingLocal, c)
	return false
}

// markLocalSent records that our description reached the relay and returns
// the candidates gathered meanwhile, oldest first.
func (s *peerSession) markLocalSent() []webrtc.ICECandidateInit {
	s.localSent = true
	pending := s.pendingLocal
	s.pendingLocal = nil
	return pending
}

// markConnected moves Negotiating to Connected and reports whether it did.
func (s *peerSession) markConnected() bool {
	if s.state != domain.SessionNegotiating {
		return false
	}
	s.state = domain.SessionConnected
	s.stopTimer()
	return true
}

func (s *peerSession) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// close releases the transport and any held stream. Both are attempted
// regardless of the other's outcome.
func (s *peerSession) close() error {
	if s.state == domain.SessionClosed {
		return nil
	}
	s.state = domain.SessionClosed
	s.stopTimer()
	s.pendingRemote = nil
	s.pendingLocal = nil

	var err error
	if s.transport != nil {
		err = multierr.Append(err, s.transport.Close())
	}
	if s.stream != nil {
		err = multierr.Append(err, s.stream.Stop())
		s.stream = nil
	}
	return err
}

func (s *peerSession) info() domain.SessionInfo {
	return domain.SessionInfo{
		RemoteID:          s.remoteID,
		Role:              s.role,
		State:             s.state,
		RoomID:            s.roomID,
		TransportVerified: s.transportVerified,
		HasStream:         s.stream != nil,
		PendingCandidates: len(s.pendingRemote),
		CreatedAt:         s.createdAt,
	}
}
