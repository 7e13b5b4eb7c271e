package client

import (
	"encoding/json"
	"sync"
	"testing"

	"jamlink/internal/core/domain"
	"jamlink/internal/infrastructure/signal"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport captures outbound signaling instead of hitting a relay, so
// tests can drive the negotiation state machine through handleMessage alone.
type fakeTransport struct {
	mu         sync.Mutex
	signals    []sentSignal
	instrument domain.Instrument
	closed     bool
}

type sentSignal struct {
	to  domain.PeerID
	env Envelope
}

func (f *fakeTransport) SendJoin(slug domain.Slug) error { return nil }

func (f *fakeTransport) SendSignal(to domain.PeerID, data json.RawMessage) error {
	env, err := decodeEnvelope(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.signals = append(f.signals, sentSignal{to: to, env: env})
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) SendInstrumentChange(instrument domain.Instrument) error {
	f.mu.Lock()
	f.instrument = instrument
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) sent() []sentSignal {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentSignal, len(f.signals))
	copy(out, f.signals)
	return out
}

// sentOfKind filters captured envelopes by kind.
func (f *fakeTransport) sentOfKind(kind string) []sentSignal {
	var out []sentSignal
	for _, s := range f.sent() {
		if s.env.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

func newTestManager(t *testing.T, events Events) (*Manager, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	m := newManager(Config{RoomSlug: "abc234", Events: events}, tr)
	t.Cleanup(func() { m.Close() })

	m.handleMessage(signal.Message{
		Type:    signal.TypeJoined,
		Payload: mustMarshal(t, signal.JoinedPayload{PeerID: "self-peer", Instrument: domain.InstrumentPiano}),
	})
	require.Equal(t, domain.PeerID("self-peer"), m.Self())
	return m, tr
}

func mustMarshal(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

// remotePeer is a real pion endpoint standing in for the other side of a
// negotiation.
func newRemotePeer(t *testing.T) *webrtc.PeerConnection {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })
	return pc
}

func TestJoinedSetsIdentity(t *testing.T) {
	m, _ := newTestManager(t, Events{})

	assert.Equal(t, domain.PeerID("self-peer"), m.Self())
	assert.Equal(t, domain.InstrumentPiano, m.Instrument())

	select {
	case <-m.joinedCh:
	default:
		t.Fatal("join should be confirmed")
	}
	assert.NoError(t, m.joinErr)
}

func TestJoinedAdoptsAdvertisedICEServers(t *testing.T) {
	tr := &fakeTransport{}
	m := newManager(Config{RoomSlug: "abc234"}, tr)
	t.Cleanup(func() { m.Close() })

	m.handleMessage(signal.Message{
		Type: signal.TypeJoined,
		Payload: mustMarshal(t, signal.JoinedPayload{
			PeerID:     "self-peer",
			Instrument: domain.InstrumentPiano,
			ICEServers: []signal.ICEServer{
				{URLs: []string{"stun:stun.example.com:3478"}},
				{URLs: []string{"turn:turn.example.com:3478"}, Username: "jam", Credential: "link"},
			},
		}),
	})

	require.Len(t, m.cfg.ICEServers, 2)
	assert.Equal(t, []string{"stun:stun.example.com:3478"}, m.cfg.ICEServers[0].URLs)
	assert.Equal(t, "jam", m.cfg.ICEServers[1].Username)
}

func TestJoinedKeepsLocalICEServers(t *testing.T) {
	tr := &fakeTransport{}
	local := []webrtc.ICEServer{{URLs: []string{"stun:local.example.com:3478"}}}
	m := newManager(Config{RoomSlug: "abc234", ICEServers: local}, tr)
	t.Cleanup(func() { m.Close() })

	m.handleMessage(signal.Message{
		Type: signal.TypeJoined,
		Payload: mustMarshal(t, signal.JoinedPayload{
			PeerID:     "self-peer",
			Instrument: domain.InstrumentPiano,
			ICEServers: []signal.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}},
		}),
	})

	// Explicit local configuration is not overridden by the relay.
	require.Len(t, m.cfg.ICEServers, 1)
	assert.Equal(t, []string{"stun:local.example.com:3478"}, m.cfg.ICEServers[0].URLs)
}

func TestErrorRoomNotFound(t *testing.T) {
	tr := &fakeTransport{}
	m := newManager(Config{RoomSlug: "zzzzzz"}, tr)
	t.Cleanup(func() { m.Close() })

	m.handleMessage(signal.Message{
		Type:    signal.TypeError,
		Payload: mustMarshal(t, signal.ErrorPayload{Code: signal.ErrCodeRoomNotFound, Message: "no room zzzzzz"}),
	})

	select {
	case <-m.joinedCh:
	default:
		t.Fatal("join should be resolved")
	}
	assert.ErrorIs(t, m.joinErr, domain.ErrRoomNotFound)
}

func TestPeerJoinedSendsExactlyOneOffer(t *testing.T) {
	m, tr := newTestManager(t, Events{})

	m.handleMessage(signal.Message{
		Type:    signal.TypePeerJoined,
		Payload: mustMarshal(t, signal.PeerJoinedPayload{PeerID: "remote-1"}),
	})

	offers := tr.sentOfKind(KindOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, domain.PeerID("remote-1"), offers[0].to)
	assert.NotEmpty(t, offers[0].env.SDP)

	link, ok := m.links["remote-1"]
	require.True(t, ok)
	assert.Equal(t, roleInitiator, link.role)
	assert.Equal(t, linkOffering, link.currentState())

	// A duplicate announcement for a known peer must not restart negotiation.
	m.handleMessage(signal.Message{
		Type:    signal.TypePeerJoined,
		Payload: mustMarshal(t, signal.PeerJoinedPayload{PeerID: "remote-1"}),
	})
	assert.Len(t, tr.sentOfKind(KindOffer), 1)
}

func TestOfferProducesAnswer(t *testing.T) {
	m, tr := newTestManager(t, Events{})

	remote := newRemotePeer(t)
	_, err := remote.CreateDataChannel("notes", nil)
	require.NoError(t, err)
	offer, err := remote.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, remote.SetLocalDescription(offer))

	m.handleMessage(signal.Message{
		Type:    signal.TypeSignal,
		From:    "remote-1",
		To:      "self-peer",
		Payload: mustMarshal(t, Envelope{Kind: KindOffer, SDP: offer.SDP}),
	})

	answers := tr.sentOfKind(KindAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, domain.PeerID("remote-1"), answers[0].to)
	assert.NotEmpty(t, answers[0].env.SDP)

	link, ok := m.links["remote-1"]
	require.True(t, ok)
	assert.Equal(t, roleResponder, link.role)
	assert.Equal(t, linkConnecting, link.currentState())
}

func TestDuplicateOfferIgnored(t *testing.T) {
	m, tr := newTestManager(t, Events{})

	remote := newRemotePeer(t)
	_, err := remote.CreateDataChannel("notes", nil)
	require.NoError(t, err)
	offer, err := remote.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, remote.SetLocalDescription(offer))

	offerMsg := signal.Message{
		Type:    signal.TypeSignal,
		From:    "remote-1",
		To:      "self-peer",
		Payload: mustMarshal(t, Envelope{Kind: KindOffer, SDP: offer.SDP}),
	}
	m.handleMessage(offerMsg)
	m.handleMessage(offerMsg)

	assert.Len(t, tr.sentOfKind(KindAnswer), 1)
}

func TestAnswerWithoutOfferingLinkIgnored(t *testing.T) {
	m, _ := newTestManager(t, Events{})

	// No link toward this peer exists at all.
	m.handleMessage(signal.Message{
		Type:    signal.TypeSignal,
		From:    "remote-1",
		To:      "self-peer",
		Payload: mustMarshal(t, Envelope{Kind: KindAnswer, SDP: "v=0"}),
	})

	_, exists := m.links["remote-1"]
	assert.False(t, exists)
}

func TestCandidateBufferedUntilRemoteDescription(t *testing.T) {
	m, tr := newTestManager(t, Events{})

	// We initiate toward remote-1, so our link has no remote description
	// until the answer arrives.
	m.handleMessage(signal.Message{
		Type:    signal.TypePeerJoined,
		Payload: mustMarshal(t, signal.PeerJoinedPayload{PeerID: "remote-1"}),
	})
	offers := tr.sentOfKind(KindOffer)
	require.Len(t, offers, 1)

	link := m.links["remote-1"]
	require.NotNil(t, link)

	candidate := webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host",
	}
	m.handleMessage(signal.Message{
		Type:    signal.TypeSignal,
		From:    "remote-1",
		To:      "self-peer",
		Payload: mustMarshal(t, Envelope{Kind: KindCandidate, Candidate: &candidate}),
	})
	assert.Equal(t, 1, link.pendingCount(), "early candidate must be queued")

	// Build a real answer for our offer on the remote side.
	remote := newRemotePeer(t)
	require.NoError(t, remote.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offers[0].env.SDP,
	}))
	answer, err := remote.CreateAnswer(nil)
	require.NoError(t, err)
	require.NoError(t, remote.SetLocalDescription(answer))

	m.handleMessage(signal.Message{
		Type:    signal.TypeSignal,
		From:    "remote-1",
		To:      "self-peer",
		Payload: mustMarshal(t, Envelope{Kind: KindAnswer, SDP: answer.SDP}),
	})

	assert.Equal(t, 0, link.pendingCount(), "queue must flush once the answer applies")
	assert.Equal(t, linkConnecting, link.currentState())
}

func TestOfferAlwaysPrecedesLocalCandidates(t *testing.T) {
	// Gathering starts as soon as the local description is set, so candidates
	// can race the offer onto the transport; held candidates must always
	// trail the offer or the responder drops them with no link to attach to.
	for i := 0; i < 50; i++ {
		tr := &fakeTransport{}
		m := newManager(Config{RoomSlug: "abc234"}, tr)
		m.handleMessage(signal.Message{
			Type:    signal.TypeJoined,
			Payload: mustMarshal(t, signal.JoinedPayload{PeerID: "self-peer", Instrument: domain.InstrumentPiano}),
		})

		m.handleMessage(signal.Message{
			Type:    signal.TypePeerJoined,
			Payload: mustMarshal(t, signal.PeerJoinedPayload{PeerID: "remote-1"}),
		})

		sent := tr.sent()
		require.NotEmpty(t, sent, "iteration %d", i)
		assert.Equal(t, KindOffer, sent[0].env.Kind, "iteration %d: first envelope must be the offer", i)
		for _, s := range sent[1:] {
			assert.Equal(t, KindCandidate, s.env.Kind, "iteration %d", i)
		}
		m.Close()
	}
}

func TestCandidateForUnknownPeerDropped(t *testing.T) {
	m, _ := newTestManager(t, Events{})

	candidate := webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host",
	}
	m.handleMessage(signal.Message{
		Type:    signal.TypeSignal,
		From:    "ghost",
		To:      "self-peer",
		Payload: mustMarshal(t, Envelope{Kind: KindCandidate, Candidate: &candidate}),
	})

	_, exists := m.links["ghost"]
	assert.False(t, exists)
}

func TestSignalAddressedElsewhereIgnored(t *testing.T) {
	m, tr := newTestManager(t, Events{})

	remote := newRemotePeer(t)
	_, err := remote.CreateDataChannel("notes", nil)
	require.NoError(t, err)
	offer, err := remote.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, remote.SetLocalDescription(offer))

	m.handleMessage(signal.Message{
		Type:    signal.TypeSignal,
		From:    "remote-1",
		To:      "someone-else",
		Payload: mustMarshal(t, Envelope{Kind: KindOffer, SDP: offer.SDP}),
	})

	assert.Empty(t, tr.sentOfKind(KindAnswer))
	_, exists := m.links["remote-1"]
	assert.False(t, exists)
}

func TestPresenceDiffLeaveTearsDownLink(t *testing.T) {
	m, tr := newTestManager(t, Events{})

	m.handleMessage(signal.Message{
		Type:    signal.TypePeerJoined,
		Payload: mustMarshal(t, signal.PeerJoinedPayload{PeerID: "remote-1"}),
	})
	require.Len(t, tr.sentOfKind(KindOffer), 1)
	link := m.links["remote-1"]
	require.NotNil(t, link)

	m.handleMessage(signal.Message{
		Type:    signal.TypePresenceDiff,
		Payload: mustMarshal(t, domain.PresenceDiff{Leaves: []domain.PeerID{"remote-1"}}),
	})

	_, exists := m.links["remote-1"]
	assert.False(t, exists)
	assert.Equal(t, linkClosed, link.currentState())
}

func TestInstrumentStateUpdatesAndNotifies(t *testing.T) {
	var got domain.Instrument
	m, _ := newTestManager(t, Events{
		OnInstrument: func(instrument domain.Instrument) { got = instrument },
	})

	m.handleMessage(signal.Message{
		Type:    signal.TypeInstrumentState,
		Payload: mustMarshal(t, signal.InstrumentPayload{Instrument: domain.InstrumentMarimba}),
	})

	assert.Equal(t, domain.InstrumentMarimba, m.Instrument())
	assert.Equal(t, domain.InstrumentMarimba, got)
}

func TestRequestInstrument(t *testing.T) {
	m, tr := newTestManager(t, Events{})

	require.NoError(t, m.RequestInstrument(domain.InstrumentOrgan))

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Equal(t, domain.InstrumentOrgan, tr.instrument)

	// Local state only changes when the broadcast comes back.
	assert.Equal(t, domain.InstrumentPiano, m.Instrument())
}

func TestCloseIsIdempotent(t *testing.T) {
	m, tr := newTestManager(t, Events{})

	m.handleMessage(signal.Message{
		Type:    signal.TypePeerJoined,
		Payload: mustMarshal(t, signal.PeerJoinedPayload{PeerID: "remote-1"}),
	})

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	tr.mu.Lock()
	closed := tr.closed
	tr.mu.Unlock()
	assert.True(t, closed)
	assert.Empty(t, m.ConnectedPeers())
}

func TestSendNoteRejectsInvalidEvent(t *testing.T) {
	m, _ := newTestManager(t, Events{})

	err := m.SendNote(domain.NoteEvent{Type: "bogus", Note: 60})
	assert.ErrorIs(t, err, domain.ErrInvalidNote)
}
