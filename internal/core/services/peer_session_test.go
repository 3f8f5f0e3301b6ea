package services

import (
	"errors"
	"testing"
	"time"

	"airwave/internal/core/domain"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T) (*peerSession, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{remoteID: "remote", role: domain.RoleListener, factory: newFakeTransportFactory(false)}
	s := newPeerSession("remote", domain.RoleListener, "room", tr, 1, time.Now())
	require.NoError(t, s.beginNegotiation())
	return s, tr
}

func TestPeerSession_BeginNegotiationOnlyFromIdle(t *testing.T) {
	s, _ := newTestSession(t)
	assert.Equal(t, domain.SessionNegotiating, s.state)
	assert.Error(t, s.beginNegotiation())
}

func TestPeerSession_BuffersCandidatesUntilRemoteDescription(t *testing.T) {
	s, tr := newTestSession(t)

	for i := 1; i <= 3; i++ {
		ok, err := s.addRemoteCandidate(testCandidate(i))
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Empty(t, tr.appliedCandidates())
	assert.Equal(t, 3, s.info().PendingCandidates)

	replayErr, err := s.applyRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP("o")})
	require.NoError(t, err)
	require.NoError(t, replayErr)

	applied := tr.appliedCandidates()
	require.Len(t, applied, 3)
	for i, c := range applied {
		assert.Equal(t, testCandidate(i+1).Candidate, c.Candidate, "replay keeps receipt order")
	}
	assert.Zero(t, s.info().PendingCandidates)

	ok, err := s.addRemoteCandidate(testCandidate(4))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, tr.appliedCandidates(), 4)
}

func TestPeerSession_DropsExactDuplicates(t *testing.T) {
	s, tr := newTestSession(t)

	ok, err := s.addRemoteCandidate(testCandidate(1))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.addRemoteCandidate(testCandidate(1))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.applyRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP("o")})
	require.NoError(t, err)
	assert.Len(t, tr.appliedCandidates(), 1)
}

func TestPeerSession_RemoteDescriptionFailureKeepsBuffer(t *testing.T) {
	s, tr := newTestSession(t)
	tr.remoteErr = errors.New("malformed")

	_, _ = s.addRemoteCandidate(testCandidate(1))
	_, err := s.applyRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP("o")})
	require.Error(t, err)
	assert.Nil(t, s.remoteDesc)
	assert.Equal(t, 1, s.info().PendingCandidates)
}

func TestPeerSession_LocalCandidatesWaitForDescription(t *testing.T) {
	s, _ := newTestSession(t)

	assert.False(t, s.queueLocalCandidate(testCandidate(1)))
	assert.False(t, s.queueLocalCandidate(testCandidate(2)))

	flushed := s.markLocalSent()
	require.Len(t, flushed, 2)
	assert.Equal(t, testCandidate(1).Candidate, flushed[0].Candidate)
	assert.True(t, s.queueLocalCandidate(testCandidate(3)))
	assert.Empty(t, s.markLocalSent())
}

func TestPeerSession_MarkConnectedOnce(t *testing.T) {
	s, _ := newTestSession(t)
	assert.True(t, s.markConnected())
	assert.False(t, s.markConnected())
	assert.Equal(t, domain.SessionConnected, s.state)
}

func TestPeerSession_CloseReleasesEverything(t *testing.T) {
	s, tr := newTestSession(t)
	tr.closeErr = errors.New("transport close failed")
	stream := &fakeStream{id: "in"}
	s.stream = stream

	err := s.close()
	require.Error(t, err)
	assert.True(t, tr.isClosed())
	assert.True(t, stream.stopped.Load(), "stream stopped even though transport close failed")
	assert.Equal(t, domain.SessionClosed, s.state)

	assert.NoError(t, s.close(), "second close is a no-op")

	_, err = s.addRemoteCandidate(testCandidate(1))
	assert.ErrorIs(t, err, domain.ErrSessionClosed)
	_, err = s.applyRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP("o")})
	assert.ErrorIs(t, err, domain.ErrSessionClosed)
}

func TestRecentSet_EvictsOldest(t *testing.T) {
	r := newRecentSet(2)
	assert.True(t, r.add("a"))
	assert.False(t, r.add("a"))
	assert.True(t, r.add("b"))
	assert.True(t, r.add("c"))
	assert.True(t, r.add("a"), "a was evicted")
	assert.False(t, r.add("c"))
}

func TestSignalCodec(t *testing.T) {
	payload, err := encodeDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP("x")})
	require.NoError(t, err)

	env := &domain.SignalEnvelope{Kind: domain.SignalOffer, Payload: payload}
	desc, err := decodeDescription(env, webrtc.SDPTypeOffer)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, desc.Type)

	_, err = decodeDescription(env, webrtc.SDPTypeAnswer)
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	_, err = decodeDescription(&domain.SignalEnvelope{Payload: []byte(`{"type":"offer","sdp":"garbage"}`)}, webrtc.SDPTypeOffer)
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	_, err = decodeCandidate(&domain.SignalEnvelope{Payload: []byte(`not json`)})
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	cp, err := encodeCandidate(testCandidate(7))
	require.NoError(t, err)
	c, err := decodeCandidate(&domain.SignalEnvelope{Payload: cp})
	require.NoError(t, err)
	assert.Equal(t, candidateKey(testCandidate(7)), candidateKey(c))
}
