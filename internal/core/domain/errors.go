package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNoMicrophone                = errors.New("no microphone available")
	ErrAlreadyBroadcasting         = errors.New("already broadcasting")
	ErrNotBroadcasting             = errors.New("not broadcasting")
	ErrAlreadyListeningSame        = errors.New("already listening to this broadcaster")
	ErrCannotJoinWhileBroadcasting = errors.New("cannot join a broadcast while broadcasting")
	ErrEngineClosed                = errors.New("signaling engine closed")
	ErrSessionNotFound             = errors.New("peer session not found")
	ErrSessionClosed               = errors.New("peer session closed")
	ErrNegotiationTimeout          = errors.New("negotiation timed out")
	ErrTransportFailed             = errors.New("peer transport failed")
	ErrRecordNotFound              = errors.New("record not found")
	ErrUnknownSignalKind           = errors.New("unknown signal kind")
	ErrInvalidPayload              = errors.New("invalid signal payload")
	ErrRelayUnavailable            = errors.New("relay unavailable")
)

// RegistrationError reports a failed relay write for a room, presence
// record or signal. Local state has been rolled back when it is returned.
type RegistrationError struct {
	Op  string
	Err error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("registration failed: %s: %v", e.Op, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// NegotiationError is fatal to a single peer session.
type NegotiationError struct {
	RemoteID ParticipantID
	Err      error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation with %s failed: %v", e.RemoteID, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// IsRegistrationError reports whether err carries a RegistrationError.
func IsRegistrationError(err error) bool {
	var re *RegistrationError
	return errors.As(err, &re)
}
