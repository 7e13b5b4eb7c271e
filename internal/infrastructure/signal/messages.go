package signal

import (
	"encoding/json"
	"strings"

	"jamlink/internal/core/domain"
)

type MessageType string

const (
	// client -> server
	TypeJoin             MessageType = "join"
	TypeSignal           MessageType = "signal"
	TypeInstrumentChange MessageType = "instrument_change"

	// server -> client
	TypeJoined          MessageType = "joined"
	TypePresenceState   MessageType = "presence_state"
	TypePresenceDiff    MessageType = "presence_diff"
	TypePeerJoined      MessageType = "peer_joined"
	TypeInstrumentState MessageType = "instrument_state"
	TypeError           MessageType = "error"
)

// Message is the framing for everything on the signaling socket. Payload is
// opaque to the relay for TypeSignal; the server never inspects negotiation
// data beyond the kind tag used for metrics.
type Message struct {
	Type    MessageType     `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	From    domain.PeerID   `json:"from,omitempty"`
	To      domain.PeerID   `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TopicPrefix scopes signaling topics to rooms.
const TopicPrefix = "room:"

func RoomTopic(slug domain.Slug) string {
	return TopicPrefix + string(slug)
}

func ParseRoomTopic(topic string) (domain.Slug, bool) {
	if !strings.HasPrefix(topic, TopicPrefix) {
		return "", false
	}
	slug := strings.TrimPrefix(topic, TopicPrefix)
	if slug == "" {
		return "", false
	}
	return domain.Slug(slug), true
}

// ICEServer is the wire form of one STUN/TURN endpoint handed to joiners so
// clients need no out-of-band ICE configuration.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type JoinedPayload struct {
	PeerID     domain.PeerID     `json:"peer_id"`
	Instrument domain.Instrument `json:"instrument"`
	ICEServers []ICEServer       `json:"ice_servers,omitempty"`
}

type PresenceStatePayload struct {
	Peers map[domain.PeerID]domain.PeerMeta `json:"peers"`
}

type PeerJoinedPayload struct {
	PeerID domain.PeerID `json:"peer_id"`
}

type InstrumentPayload struct {
	Instrument domain.Instrument `json:"instrument"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	ErrCodeRoomNotFound      = "room_not_found"
	ErrCodeInvalidInstrument = "invalid_instrument"
	ErrCodeAlreadyJoined     = "already_joined"
	ErrCodeNotJoined         = "not_joined"
	ErrCodeBadMessage        = "bad_message"
)

// signalKind peeks at the negotiation kind tag inside an opaque envelope.
// Used only for metrics and debug logging, never for routing decisions.
func signalKind(data json.RawMessage) string {
	var peek struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &peek); err != nil || peek.Type == "" {
		return "unknown"
	}
	return peek.Type
}
