package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"airwave/internal/core/domain"
	"airwave/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config configures every peer connection the factory builds.
type Config struct {
	ICEServers           []webrtc.ICEServer
	ICECandidatePoolSize uint8
	PortRange            struct {
		Min uint16
		Max uint16
	}
}

// MediaMetrics receives per-packet media counters.
type MediaMetrics interface {
	RTPReceived(bytes int)
	RTCPReceived(packetType string)
}

type noopMediaMetrics struct{}

func (noopMediaMetrics) RTPReceived(int) {}
func (noopMediaMetrics) RTCPReceived(string) {}

// TransportFactory builds pion peer connections for the signaling engine.
type TransportFactory struct {
	config  Config
	api     *webrtc.API
	metrics MediaMetrics
	logger  *zap.SugaredLogger
}

func NewTransportFactory(config Config, metrics MediaMetrics, logger *zap.SugaredLogger) (*TransportFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if config.PortRange.Min > 0 && config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(config.PortRange.Min, config.PortRange.Max); err != nil {
			return nil, fmt.Errorf("port range: %w", err)
		}
	}

	if metrics == nil {
		metrics = noopMediaMetrics{}
	}
	return &TransportFactory{
		config:  config,
		api:     webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithSettingEngine(settingEngine)),
		metrics: metrics,
		logger:  logger,
	}, nil
}

var _ ports.TransportFactory = (*TransportFactory)(nil)

// NewTransport creates a connection that sends local audio to a listener,
// or a receive-only connection to the broadcaster being listened to.
func (f *TransportFactory) NewTransport(remoteID domain.ParticipantID, role domain.Role, local ports.LocalAudio, handlers ports.TransportHandlers) (ports.PeerTransport, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:           f.config.ICEServers,
		ICECandidatePoolSize: f.config.ICECandidatePoolSize,
		SDPSemantics:         webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	t := &peerTransport{
		pc:       pc,
		remoteID: remoteID,
		logger:   f.logger.With("remote_id", remoteID, "role", role),
		metrics:  f.metrics,
	}

	switch role {
	case domain.RoleListener:
		if local == nil || local.Track() == nil {
			_ = pc.Close()
			return nil, errors.New("listener session requires a local track")
		}
		sender, err := pc.AddTrack(local.Track())
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add local track: %w", err)
		}
		go t.readRTCP(sender)

	case domain.RoleBroadcaster:
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add audio transceiver: %w", err)
		}

	default:
		_ = pc.Close()
		return nil, fmt.Errorf("unknown role %q", role)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil || handlers.OnLocalCandidate == nil {
			return
		}
		handlers.OnLocalCandidate(c.ToJSON())
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		t.logger.Infow("remote track started", "track_id", track.ID(), "codec", track.Codec().MimeType)
		stream := newRemoteStream(track, receiver)
		go t.drain(stream)
		if handlers.OnTrack != nil {
			handlers.OnTrack(stream)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.logger.Debugw("peer connection state changed", "connection_state", state)
		if handlers.OnStateChange != nil {
			handlers.OnStateChange(transportState(state))
		}
	})

	return t, nil
}

func transportState(s webrtc.PeerConnectionState) domain.TransportState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return domain.TransportConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.TransportConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.TransportDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.TransportFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.TransportClosed
	default:
		return domain.TransportNew
	}
}

type peerTransport struct {
	pc       *webrtc.PeerConnection
	remoteID domain.ParticipantID
	logger   *zap.SugaredLogger
	metrics  MediaMetrics
	closed   atomic.Bool
}

func (t *peerTransport) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (t *peerTransport) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (t *peerTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(desc)
}

func (t *peerTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(c)
}

func (t *peerTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	return t.pc.Close()
}

// drain reads inbound RTP until the track ends. Reading keeps the receive
// buffers from filling; packets are only counted.
func (t *peerTransport) drain(stream *remoteStream) {
	buf := make([]byte, 1500)
	pkt := &rtp.Packet{}
	for {
		n, _, err := stream.track.Read(buf)
		if err != nil {
			if !stream.stopped.Load() && !t.closed.Load() {
				t.logger.Debugw("remote track ended", "track_id", stream.track.ID(), "error", err)
			}
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			t.logger.Debugw("dropping malformed rtp packet", "error", err)
			continue
		}
		stream.packets.Add(1)
		stream.bytes.Add(uint64(len(pkt.Payload)))
		t.metrics.RTPReceived(len(pkt.Payload))
	}
}

// readRTCP consumes listener feedback for the local track.
func (t *peerTransport) readRTCP(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			switch p := packet.(type) {
			case *rtcp.ReceiverReport:
				t.metrics.RTCPReceived("receiver_report")
				for _, report := range p.Reports {
					t.logger.Debugw("receiver report",
						"fraction_lost", report.FractionLost,
						"jitter", report.Jitter,
					)
				}
			case *rtcp.TransportLayerNack:
				t.metrics.RTCPReceived("nack")
				t.logger.Debugw("received NACK", "nacks", len(p.Nacks))
			case *rtcp.PictureLossIndication:
				t.metrics.RTCPReceived("pli")
			default:
				t.metrics.RTCPReceived("other")
			}
		}
	}
}

// remoteStream is the inbound audio of a broadcaster.
type remoteStream struct {
	track    *webrtc.TrackRemote
	receiver *webrtc.RTPReceiver
	packets  atomic.Uint64
	bytes    atomic.Uint64
	stopped  atomic.Bool
	once     sync.Once
}

func newRemoteStream(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) *remoteStream {
	return &remoteStream{track: track, receiver: receiver}
}

func (s *remoteStream) ID() string { return s.track.StreamID() + "/" + s.track.ID() }

func (s *remoteStream) Stop() error {
	var err error
	s.once.Do(func() {
		s.stopped.Store(true)
		err = s.receiver.Stop()
	})
	return err
}

// Stats returns packets and payload bytes received so far.
func (s *remoteStream) Stats() (packets, bytes uint64) {
	return s.packets.Load(), s.bytes.Load()
}
