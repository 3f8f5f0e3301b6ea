package services

import (
	"encoding/json"
	"fmt"

	"airwave/internal/core/domain"
	"airwave/pkg/validation"

	"github.com/pion/webrtc/v3"
)

func encodeDescription(desc webrtc.SessionDescription) (json.RawMessage, error) {
	return json.Marshal(desc)
}

func decodeDescription(env *domain.SignalEnvelope, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(env.Payload, &desc); err != nil {
		return desc, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if desc.Type != want {
		return desc, fmt.Errorf("%w: expected %s description, got %s", domain.ErrInvalidPayload, want, desc.Type)
	}
	if err := validation.ValidateSDP(desc.SDP); err != nil {
		return desc, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return desc, nil
}

func encodeCandidate(c webrtc.ICECandidateInit) (json.RawMessage, error) {
	return json.Marshal(c)
}

func decodeCandidate(env *domain.SignalEnvelope) (webrtc.ICECandidateInit, error) {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(env.Payload, &c); err != nil {
		return c, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if err := validation.ValidateCandidate(c.Candidate); err != nil {
		return c, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return c, nil
}

// candidateKey identifies a candidate for exact-duplicate suppression.
func candidateKey(c webrtc.ICECandidateInit) string {
	b, err := json.Marshal(c)
	if err != nil {
		return c.Candidate
	}
	return string(b)
}
