package client

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v3"
)

// Negotiation envelope kinds. The server relays these blind; only peers
// interpret them.
const (
	KindOffer     = "offer"
	KindAnswer    = "answer"
	KindCandidate = "ice-candidate"
)

// Envelope is the opaque payload of a signal message: a session description
// or a network-path candidate addressed to one remote peer.
type Envelope struct {
	Kind      string                   `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

func encodeEnvelope(env Envelope) (json.RawMessage, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}

func decodeEnvelope(data json.RawMessage) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Kind == "" {
		return Envelope{}, fmt.Errorf("envelope missing kind")
	}
	return env, nil
}
