package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"airwave/internal/core/domain"
	"airwave/internal/core/ports"
	"airwave/internal/infrastructure/repositories/memory"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testSDP(label string) string {
	return fmt.Sprintf("v=0\r\no=- %s 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n", label)
}

func testCandidate(n int) webrtc.ICECandidateInit {
	mid := "0"
	idx := uint16(0)
	return webrtc.ICECandidateInit{
		Candidate:     fmt.Sprintf("candidate:%d 1 udp 2122260223 192.168.1.%d 5%04d typ host", n, n, n),
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
}

type fakeStream struct {
	id      string
	stopped atomic.Bool
	stopErr error
}

func (s *fakeStream) ID() string { return s.id }

func (s *fakeStream) Stop() error {
	s.stopped.Store(true)
	return s.stopErr
}

type fakeLocalAudio struct {
	fakeStream
}

func (a *fakeLocalAudio) Track() webrtc.TrackLocal { return nil }

type fakeCapture struct {
	mu       sync.Mutex
	err      error
	acquired []*fakeLocalAudio
}

func (c *fakeCapture) Acquire(ctx context.Context) (ports.LocalAudio, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	a := &fakeLocalAudio{fakeStream: fakeStream{id: fmt.Sprintf("mic-%d", len(c.acquired))}}
	c.acquired = append(c.acquired, a)
	return a, nil
}

func (c *fakeCapture) last() *fakeLocalAudio {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.acquired) == 0 {
		return nil
	}
	return c.acquired[len(c.acquired)-1]
}

type fakeTransport struct {
	remoteID domain.ParticipantID
	role     domain.Role
	handlers ports.TransportHandlers
	factory  *fakeTransportFactory

	mu          sync.Mutex
	localDesc   *webrtc.SessionDescription
	remoteDescs []webrtc.SessionDescription
	applied     []webrtc.ICECandidateInit
	closed      bool
	connected   bool
	closeErr    error
	remoteErr   error
}

func (t *fakeTransport) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP("offer-" + string(t.remoteID))}
	t.mu.Lock()
	t.localDesc = &desc
	t.mu.Unlock()
	t.gatherCandidates()
	return desc, nil
}

func (t *fakeTransport) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	t.mu.Lock()
	if len(t.remoteDescs) == 0 {
		t.mu.Unlock()
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: testSDP("answer-" + string(t.remoteID))}
	t.localDesc = &desc
	t.mu.Unlock()
	t.gatherCandidates()
	t.maybeConnect()
	return desc, nil
}

func (t *fakeTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	t.mu.Lock()
	if t.remoteErr != nil {
		t.mu.Unlock()
		return t.remoteErr
	}
	t.remoteDescs = append(t.remoteDescs, desc)
	t.mu.Unlock()
	t.maybeConnect()
	return nil
}

func (t *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.remoteDescs) == 0 {
		return errors.New("remote description not set")
	}
	t.applied = append(t.applied, c)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return t.closeErr
}

func (t *fakeTransport) gatherCandidates() {
	n := t.factory.localCandidates
	if n == 0 || t.handlers.OnLocalCandidate == nil {
		return
	}
	go func() {
		for i := 1; i <= n; i++ {
			t.handlers.OnLocalCandidate(testCandidate(100 + i))
		}
	}()
}

// maybeConnect reports a connected transport once both descriptions are
// set; the receiving side also gets a track.
func (t *fakeTransport) maybeConnect() {
	if !t.factory.autoConnect {
		return
	}
	t.mu.Lock()
	ready := t.localDesc != nil && len(t.remoteDescs) > 0 && !t.connected && !t.closed
	if ready {
		t.connected = true
	}
	t.mu.Unlock()
	if !ready {
		return
	}
	go func() {
		if t.role == domain.RoleBroadcaster {
			t.fireTrack(&fakeStream{id: "remote-" + string(t.remoteID)})
		}
		t.fireState(domain.TransportConnected)
	}()
}

func (t *fakeTransport) fireTrack(stream domain.MediaStream) {
	if t.handlers.OnTrack != nil {
		t.handlers.OnTrack(stream)
	}
}

func (t *fakeTransport) fireState(state domain.TransportState) {
	if t.handlers.OnStateChange != nil {
		t.handlers.OnStateChange(state)
	}
}

func (t *fakeTransport) appliedCandidates() []webrtc.ICECandidateInit {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), t.applied...)
}

func (t *fakeTransport) remoteCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.remoteDescs)
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeTransportFactory struct {
	autoConnect     bool
	localCandidates int
	err             error

	mu         sync.Mutex
	transports map[domain.ParticipantID][]*fakeTransport
}

func newFakeTransportFactory(autoConnect bool) *fakeTransportFactory {
	return &fakeTransportFactory{
		autoConnect: autoConnect,
		transports:  make(map[domain.ParticipantID][]*fakeTransport),
	}
}

func (f *fakeTransportFactory) NewTransport(remoteID domain.ParticipantID, role domain.Role, local ports.LocalAudio, handlers ports.TransportHandlers) (ports.PeerTransport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	t := &fakeTransport{remoteID: remoteID, role: role, handlers: handlers, factory: f}
	f.transports[remoteID] = append(f.transports[remoteID], t)
	return t, nil
}

func (f *fakeTransportFactory) created(remoteID domain.ParticipantID) []*fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeTransport(nil), f.transports[remoteID]...)
}

func (f *fakeTransportFactory) latest(t *testing.T, remoteID domain.ParticipantID) *fakeTransport {
	t.Helper()
	var tr *fakeTransport
	require.Eventually(t, func() bool {
		all := f.created(remoteID)
		if len(all) == 0 {
			return false
		}
		tr = all[len(all)-1]
		return true
	}, time.Second, 5*time.Millisecond, "no transport created for %s", remoteID)
	return tr
}

// faultyRelay counts writes and fails the configured operations.
type faultyRelay struct {
	ports.Relay

	mu     sync.Mutex
	fail   map[string]error
	writes int
}

func newFaultyRelay(inner ports.Relay) *faultyRelay {
	return &faultyRelay{Relay: inner, fail: make(map[string]error)}
}

func (f *faultyRelay) failOn(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op] = err
}

func (f *faultyRelay) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

func (f *faultyRelay) write(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	return f.fail[op]
}

func (f *faultyRelay) CreateRoom(ctx context.Context, room *domain.Room) error {
	if err := f.write("CreateRoom"); err != nil {
		return err
	}
	return f.Relay.CreateRoom(ctx, room)
}

func (f *faultyRelay) UpsertBroadcast(ctx context.Context, rec *domain.BroadcastRecord) error {
	if err := f.write("UpsertBroadcast"); err != nil {
		return err
	}
	return f.Relay.UpsertBroadcast(ctx, rec)
}

func (f *faultyRelay) SetBroadcastActive(ctx context.Context, id domain.ParticipantID, active bool) error {
	if err := f.write("SetBroadcastActive"); err != nil {
		return err
	}
	return f.Relay.SetBroadcastActive(ctx, id, active)
}

func (f *faultyRelay) UpsertListener(ctx context.Context, rec *domain.ListenerRecord) error {
	if err := f.write("UpsertListener"); err != nil {
		return err
	}
	return f.Relay.UpsertListener(ctx, rec)
}

func (f *faultyRelay) DeleteListener(ctx context.Context, id, broadcasterID domain.ParticipantID) error {
	if err := f.write("DeleteListener"); err != nil {
		return err
	}
	return f.Relay.DeleteListener(ctx, id, broadcasterID)
}

func (f *faultyRelay) AppendSignal(ctx context.Context, env *domain.SignalEnvelope) error {
	if err := f.write("AppendSignal"); err != nil {
		return err
	}
	return f.Relay.AppendSignal(ctx, env)
}

type harness struct {
	relay   *memory.Relay
	faulty  *faultyRelay
	factory *fakeTransportFactory
	capture *fakeCapture
	self    domain.Participant
	engine  *SignalingEngine
	events  <-chan domain.Event
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	autoConnect bool
	timeout     time.Duration
	candidates  int
}

func withoutAutoConnect() harnessOption { return func(c *harnessConfig) { c.autoConnect = false } }

func withNegotiationTimeout(d time.Duration) harnessOption {
	return func(c *harnessConfig) { c.timeout = d }
}

func withLocalCandidates(n int) harnessOption { return func(c *harnessConfig) { c.candidates = n } }

func newHarness(t *testing.T, relay *memory.Relay, id, name string, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{autoConnect: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	h := &harness{
		relay:   relay,
		faulty:  newFaultyRelay(relay),
		factory: newFakeTransportFactory(cfg.autoConnect),
		capture: &fakeCapture{},
		self:    domain.Participant{ID: domain.ParticipantID(id), DisplayName: name},
	}
	h.factory.localCandidates = cfg.candidates

	ecfg := DefaultEngineConfig()
	ecfg.NegotiationTimeout = cfg.timeout
	ecfg.EventBuffer = 256
	h.engine = NewSignalingEngine(h.self, h.faulty, h.factory, h.capture, nil, ecfg, zap.NewNop().Sugar())
	h.events, _ = h.engine.Subscribe()

	t.Cleanup(func() { _ = h.engine.Reset(context.Background()) })
	return h
}

func (h *harness) state(t *testing.T) domain.EngineState {
	t.Helper()
	st, err := h.engine.State(context.Background())
	require.NoError(t, err)
	return st
}

func (h *harness) session(t *testing.T, remoteID domain.ParticipantID) (domain.SessionInfo, bool) {
	t.Helper()
	for _, s := range h.state(t).Sessions {
		if s.RemoteID == remoteID {
			return s, true
		}
	}
	return domain.SessionInfo{}, false
}

// waitEvent returns the next event of type typ, skipping others.
func (h *harness) waitEvent(t *testing.T, typ domain.EventType) domain.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-h.events:
			require.True(t, ok, "event stream closed while waiting for %s", typ)
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func signalsOf(relay *memory.Relay, kind domain.SignalKind, from, to domain.ParticipantID) []domain.SignalEnvelope {
	var out []domain.SignalEnvelope
	for _, s := range relay.Signals() {
		if s.Kind == kind && s.SenderID == from && s.ReceiverID == to {
			out = append(out, s)
		}
	}
	return out
}

func appendDescription(t *testing.T, relay ports.Relay, kind domain.SignalKind, from, to domain.ParticipantID, room domain.RoomID, sdpType webrtc.SDPType) {
	t.Helper()
	payload, err := encodeDescription(webrtc.SessionDescription{Type: sdpType, SDP: testSDP(string(kind) + "-" + string(from))})
	require.NoError(t, err)
	require.NoError(t, relay.AppendSignal(context.Background(), &domain.SignalEnvelope{
		RoomID: room, SenderID: from, ReceiverID: to, Kind: kind, Payload: payload,
	}))
}

func appendCandidate(t *testing.T, relay ports.Relay, from, to domain.ParticipantID, c webrtc.ICECandidateInit) {
	t.Helper()
	payload, err := encodeCandidate(c)
	require.NoError(t, err)
	require.NoError(t, relay.AppendSignal(context.Background(), &domain.SignalEnvelope{
		SenderID: from, ReceiverID: to, Kind: domain.SignalICECandidate, Payload: payload,
	}))
}
