package domain

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewParticipant_DefaultName(t *testing.T) {
	p := NewParticipant("")
	assert.NotEmpty(t, p.ID)
	assert.True(t, strings.HasPrefix(p.DisplayName, "User-"))
	assert.Equal(t, "User-"+string(p.ID)[:5], p.DisplayName)

	named := NewParticipant("Alice")
	assert.Equal(t, "Alice", named.DisplayName)
	assert.NotEqual(t, p.ID, named.ID)
}

func TestFilter_Matches(t *testing.T) {
	sig := ChangeEvent{Table: TableSignals, Type: ChangeInsert, Signal: &SignalEnvelope{ReceiverID: "b", SenderID: "a"}}
	assert.True(t, Filter{}.Matches(sig))
	assert.True(t, Filter{Column: "receiver_id", Value: "b"}.Matches(sig))
	assert.False(t, Filter{Column: "receiver_id", Value: "a"}.Matches(sig))
	assert.False(t, Filter{Column: "unknown", Value: "b"}.Matches(sig))

	lis := ChangeEvent{Table: TableListeners, Listener: &ListenerRecord{ParticipantID: "l", BroadcasterID: "b"}}
	assert.True(t, Filter{Column: "broadcaster_id", Value: "b"}.Matches(lis))
}

func TestSignalKind_Valid(t *testing.T) {
	assert.True(t, SignalOffer.Valid())
	assert.True(t, SignalICECandidate.Valid())
	assert.False(t, SignalKind("bye").Valid())
}

func TestTypedErrors_Unwrap(t *testing.T) {
	cause := errors.New("relay down")
	reg := &RegistrationError{Op: "upsert listener", Err: cause}
	assert.ErrorIs(t, reg, cause)
	assert.True(t, IsRegistrationError(reg))
	assert.False(t, IsRegistrationError(cause))

	neg := &NegotiationError{RemoteID: "x", Err: ErrNegotiationTimeout}
	assert.ErrorIs(t, neg, ErrNegotiationTimeout)
	assert.Contains(t, neg.Error(), "x")
}
