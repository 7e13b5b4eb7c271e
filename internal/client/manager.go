package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"jamlink/internal/core/domain"
	"jamlink/internal/infrastructure/signal"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Events are the callbacks surfaced to the embedding application (the audio
// layer, UI, and so on). All callbacks fire on internal goroutines and must
// not block.
type Events struct {
	OnNote          func(from domain.PeerID, ev domain.NoteEvent)
	OnInstrument    func(instrument domain.Instrument)
	OnPeerConnected func(peer domain.PeerID)
	OnPeerClosed    func(peer domain.PeerID)
}

// Config configures one Manager.
type Config struct {
	ServerURL  string // ws://host:port/ws
	RoomSlug   domain.Slug
	ICEServers []webrtc.ICEServer
	Events     Events
	Logger     *zap.SugaredLogger
}

// Manager runs one negotiation state machine per discovered remote peer and
// carries note events over the resulting direct links. Role assignment is
// fixed by join order: a peer already present when another joins always
// initiates toward the newcomer, so each unordered pair negotiates exactly
// once.
type Manager struct {
	cfg Config
	log *zap.SugaredLogger
	api *webrtc.API

	transport transport

	mu         sync.Mutex
	self       domain.PeerID
	instrument domain.Instrument
	links      map[domain.PeerID]*peerLink
	closed     bool

	joinedCh chan struct{}
	joinErr  error
	joinOnce sync.Once
}

// Join connects to the signaling relay, joins the room, and starts handling
// presence and negotiation traffic. It blocks until the join is confirmed or
// rejected.
func Join(ctx context.Context, cfg Config) (*Manager, error) {
	if cfg.RoomSlug == "" {
		return nil, fmt.Errorf("room slug is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}

	sig, err := DialSignaling(ctx, cfg.ServerURL)
	if err != nil {
		return nil, err
	}

	m := newManager(cfg, sig)

	go func() {
		err := sig.ReadLoop(m.handleMessage)
		m.readLoopDone(err)
	}()

	if err := sig.SendJoin(cfg.RoomSlug); err != nil {
		sig.Close()
		return nil, err
	}

	select {
	case <-m.joinedCh:
		if m.joinErr != nil {
			sig.Close()
			return nil, m.joinErr
		}
		return m, nil
	case <-ctx.Done():
		sig.Close()
		return nil, ctx.Err()
	}
}

// newManager wires a manager onto an arbitrary transport. Tests drive the
// state machine through handleMessage with a fake.
func newManager(cfg Config, tr transport) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	return &Manager{
		cfg:       cfg,
		log:       cfg.Logger,
		api:       webrtc.NewAPI(),
		transport: tr,
		links:     make(map[domain.PeerID]*peerLink),
		joinedCh:  make(chan struct{}),
	}
}

// Self returns the peer id the relay assigned to this connection.
func (m *Manager) Self() domain.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.self
}

// Instrument returns the room's current shared instrument.
func (m *Manager) Instrument() domain.Instrument {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.instrument
}

// SendNote broadcasts a note event to every currently connected peer link.
// Delivery is best-effort: send errors are logged and losses tolerated.
func (m *Manager) SendNote(ev domain.NoteEvent) error {
	payload, err := domain.EncodeNote(ev)
	if err != nil {
		return err
	}

	m.mu.Lock()
	targets := make([]*peerLink, 0, len(m.links))
	for _, link := range m.links {
		targets = append(targets, link)
	}
	m.mu.Unlock()

	for _, link := range targets {
		link.mu.Lock()
		dc := link.dc
		open := link.state == linkConnected && dc != nil
		link.mu.Unlock()
		if !open {
			continue
		}
		if err := dc.Send(payload); err != nil {
			m.log.Debugw("note send failed", "peer_id", link.remote, "error", err)
		}
	}
	return nil
}

// RequestInstrument asks the room to switch instruments. Confirmation comes
// back through the shared instrument_state broadcast, same as for every
// other member.
func (m *Manager) RequestInstrument(instrument domain.Instrument) error {
	return m.transport.SendInstrumentChange(instrument)
}

// ConnectedPeers lists remote peers with an open data channel.
func (m *Manager) ConnectedPeers() []domain.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()

	var peers []domain.PeerID
	for id, link := range m.links {
		if link.currentState() == linkConnected {
			peers = append(peers, id)
		}
	}
	return peers
}

// Close tears down every peer link and the signaling connection. Negotiation
// callbacks completing afterwards are discarded.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	links := make([]*peerLink, 0, len(m.links))
	for _, link := range m.links {
		links = append(links, link)
	}
	m.links = make(map[domain.PeerID]*peerLink)
	m.mu.Unlock()

	for _, link := range links {
		link.close()
	}
	return m.transport.Close()
}

func (m *Manager) readLoopDone(err error) {
	m.joinOnce.Do(func() {
		m.joinErr = fmt.Errorf("signaling connection lost: %w", err)
		close(m.joinedCh)
	})
	m.Close()
}

// handleMessage dispatches one inbound signaling message.
func (m *Manager) handleMessage(msg signal.Message) {
	switch msg.Type {
	case signal.TypeJoined:
		m.handleJoined(msg)
	case signal.TypeError:
		m.handleError(msg)
	case signal.TypePresenceState:
		// Peers already in the room initiate toward us; nothing to do.
	case signal.TypePeerJoined:
		m.handlePeerJoined(msg)
	case signal.TypePresenceDiff:
		m.handlePresenceDiff(msg)
	case signal.TypeSignal:
		m.handleSignal(msg)
	case signal.TypeInstrumentState:
		m.handleInstrumentState(msg)
	default:
		m.log.Debugw("unhandled signaling message", "type", msg.Type)
	}
}

func (m *Manager) handleJoined(msg signal.Message) {
	var payload signal.JoinedPayload
	if err := unmarshalPayload(msg, &payload); err != nil {
		m.log.Warnw("malformed joined payload", "error", err)
		return
	}

	m.mu.Lock()
	m.self = payload.PeerID
	m.instrument = payload.Instrument
	// Locally configured ICE servers win; otherwise adopt what the relay
	// advertises, so clients need no out-of-band STUN/TURN configuration.
	if len(m.cfg.ICEServers) == 0 {
		for _, server := range payload.ICEServers {
			m.cfg.ICEServers = append(m.cfg.ICEServers, webrtc.ICEServer{
				URLs:       server.URLs,
				Username:   server.Username,
				Credential: server.Credential,
			})
		}
	}
	m.mu.Unlock()

	m.joinOnce.Do(func() { close(m.joinedCh) })
	m.log.Infow("joined room", "peer_id", payload.PeerID, "instrument", payload.Instrument)
}

func (m *Manager) handleError(msg signal.Message) {
	var payload signal.ErrorPayload
	if err := unmarshalPayload(msg, &payload); err != nil {
		m.log.Warnw("malformed error payload", "error", err)
		return
	}

	m.joinOnce.Do(func() {
		if payload.Code == signal.ErrCodeRoomNotFound {
			m.joinErr = domain.ErrRoomNotFound
		} else {
			m.joinErr = fmt.Errorf("signaling error %s: %s", payload.Code, payload.Message)
		}
		close(m.joinedCh)
	})
	m.log.Warnw("signaling error", "code", payload.Code, "message", payload.Message)
}

// handlePeerJoined fires when a newcomer appears while we are already
// present: we are the initiator toward it.
func (m *Manager) handlePeerJoined(msg signal.Message) {
	var payload signal.PeerJoinedPayload
	if err := unmarshalPayload(msg, &payload); err != nil {
		m.log.Warnw("malformed peer_joined payload", "error", err)
		return
	}
	if err := m.initiateLink(payload.PeerID); err != nil {
		m.log.Warnw("failed to initiate link", "peer_id", payload.PeerID, "error", err)
	}
}

func (m *Manager) handlePresenceDiff(msg signal.Message) {
	var diff domain.PresenceDiff
	if err := unmarshalPayload(msg, &diff); err != nil {
		m.log.Warnw("malformed presence_diff payload", "error", err)
		return
	}
	for _, peer := range diff.Leaves {
		m.closeLink(peer)
	}
}

func (m *Manager) handleInstrumentState(msg signal.Message) {
	var payload signal.InstrumentPayload
	if err := unmarshalPayload(msg, &payload); err != nil {
		m.log.Warnw("malformed instrument_state payload", "error", err)
		return
	}

	m.mu.Lock()
	m.instrument = payload.Instrument
	m.mu.Unlock()

	if m.cfg.Events.OnInstrument != nil {
		m.cfg.Events.OnInstrument(payload.Instrument)
	}
}

// handleSignal routes one relayed envelope. The relay fans envelopes out to
// the whole room; everything not addressed to us is discarded here.
func (m *Manager) handleSignal(msg signal.Message) {
	m.mu.Lock()
	self := m.self
	m.mu.Unlock()

	if msg.To != self || msg.From == self || msg.From == "" {
		return
	}

	env, err := decodeEnvelope(msg.Payload)
	if err != nil {
		m.log.Warnw("malformed envelope", "from", msg.From, "error", err)
		return
	}

	switch env.Kind {
	case KindOffer:
		err = m.handleOffer(msg.From, env)
	case KindAnswer:
		err = m.handleAnswer(msg.From, env)
	case KindCandidate:
		err = m.handleCandidate(msg.From, env)
	default:
		m.log.Debugw("unknown envelope kind", "kind", env.Kind, "from", msg.From)
		return
	}
	if err != nil {
		m.log.Warnw("negotiation step failed", "kind", env.Kind, "from", msg.From, "error", err)
	}
}

// initiateLink starts negotiation toward a newly joined peer. At most one
// link per pair: a second peer_joined for a known peer is ignored.
func (m *Manager) initiateLink(peer domain.PeerID) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	if _, exists := m.links[peer]; exists {
		m.mu.Unlock()
		return nil
	}
	link := newPeerLink(peer, roleInitiator)
	m.links[peer] = link
	m.mu.Unlock()

	pc, err := m.newPeerConnection(link)
	if err != nil {
		m.removeLink(peer)
		return err
	}
	link.pc = pc

	ordered := false
	var maxRetransmits uint16 = 0
	dc, err := pc.CreateDataChannel("notes", &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
	})
	if err != nil {
		m.teardownLink(link)
		return fmt.Errorf("create data channel: %w", err)
	}
	m.wireDataChannel(link, dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		m.teardownLink(link)
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		m.teardownLink(link)
		return fmt.Errorf("set local description: %w", err)
	}

	if !link.transition(linkIdle, linkOffering) {
		// Torn down while the offer was being generated; discard it.
		return nil
	}

	if err := m.sendEnvelope(peer, Envelope{Kind: KindOffer, SDP: offer.SDP}); err != nil {
		m.teardownLink(link)
		return err
	}
	m.sendHeldCandidates(link)

	m.log.Debugw("offer sent", "peer_id", peer)
	return nil
}

// handleOffer is the responder path: a peer that was present before us is
// initiating. Create the link, apply the offer, answer.
func (m *Manager) handleOffer(from domain.PeerID, env Envelope) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	if _, exists := m.links[from]; exists {
		// The fixed role rule means a duplicate offer is a stale retransmit.
		m.mu.Unlock()
		return nil
	}
	link := newPeerLink(from, roleResponder)
	m.links[from] = link
	m.mu.Unlock()

	pc, err := m.newPeerConnection(link)
	if err != nil {
		m.removeLink(from)
		return err
	}
	link.pc = pc

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		m.wireDataChannel(link, dc)
	})

	link.setState(linkAnswering)

	if err := link.applyRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  env.SDP,
	}); err != nil {
		m.teardownLink(link)
		return err
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		m.teardownLink(link)
		return fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		m.teardownLink(link)
		return fmt.Errorf("set local description: %w", err)
	}

	if !link.transition(linkAnswering, linkConnecting) {
		return nil
	}

	if err := m.sendEnvelope(from, Envelope{Kind: KindAnswer, SDP: answer.SDP}); err != nil {
		m.teardownLink(link)
		return err
	}
	m.sendHeldCandidates(link)

	m.log.Debugw("answer sent", "peer_id", from)
	return nil
}

// handleAnswer completes the initiator path. An answer with no matching link
// in the offering state is ignored.
func (m *Manager) handleAnswer(from domain.PeerID, env Envelope) error {
	m.mu.Lock()
	link, exists := m.links[from]
	m.mu.Unlock()
	if !exists || link.currentState() != linkOffering {
		return nil
	}

	if err := link.applyRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  env.SDP,
	}); err != nil {
		return err
	}

	link.transition(linkOffering, linkConnecting)
	return nil
}

func (m *Manager) handleCandidate(from domain.PeerID, env Envelope) error {
	if env.Candidate == nil {
		return errors.New("candidate envelope without candidate")
	}

	m.mu.Lock()
	link, exists := m.links[from]
	m.mu.Unlock()
	if !exists {
		// Candidates always trail the offer on the sender's ordered
		// connection; no link means the peer already left.
		return nil
	}

	return link.addCandidate(*env.Candidate)
}

func (m *Manager) newPeerConnection(link *peerLink) (*webrtc.PeerConnection, error) {
	pc, err := m.api.NewPeerConnection(webrtc.Configuration{ICEServers: m.cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	peer := link.remote

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		if link.deferCandidate(init) {
			return
		}
		if err := m.sendEnvelope(peer, Envelope{Kind: KindCandidate, Candidate: &init}); err != nil {
			m.log.Debugw("candidate send failed", "peer_id", peer, "error", err)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.log.Debugw("peer connection state", "peer_id", peer, "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			// No automatic retry: rejoining the room is the recovery path.
			m.closeLink(peer)
		}
	})

	return pc, nil
}

func (m *Manager) wireDataChannel(link *peerLink, dc *webrtc.DataChannel) {
	link.mu.Lock()
	link.dc = dc
	link.mu.Unlock()

	peer := link.remote

	dc.OnOpen(func() {
		if !link.transition(linkConnecting, linkConnected) {
			return
		}
		m.log.Infow("peer link open", "peer_id", peer, "role", link.role.String())
		if m.cfg.Events.OnPeerConnected != nil {
			m.cfg.Events.OnPeerConnected(peer)
		}
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		ev, err := domain.DecodeNote(msg.Data)
		if err != nil {
			m.log.Debugw("dropped bad note event", "peer_id", peer, "error", err)
			return
		}
		if m.cfg.Events.OnNote != nil {
			m.cfg.Events.OnNote(peer, ev)
		}
	})

	dc.OnClose(func() {
		m.closeLink(peer)
	})
}

// closeLink tears down one link unconditionally, whatever its state.
func (m *Manager) closeLink(peer domain.PeerID) {
	m.mu.Lock()
	link, exists := m.links[peer]
	if exists {
		delete(m.links, peer)
	}
	m.mu.Unlock()
	if !exists {
		return
	}

	wasConnected := link.currentState() == linkConnected
	link.close()
	m.log.Infow("peer link closed", "peer_id", peer)
	if wasConnected && m.cfg.Events.OnPeerClosed != nil {
		m.cfg.Events.OnPeerClosed(peer)
	}
}

// teardownLink is closeLink for a link that may not be registered yet.
func (m *Manager) teardownLink(link *peerLink) {
	m.removeLink(link.remote)
	link.close()
}

func (m *Manager) removeLink(peer domain.PeerID) {
	m.mu.Lock()
	delete(m.links, peer)
	m.mu.Unlock()
}

// sendHeldCandidates releases candidates that gathered while the offer or
// answer was still in flight, preserving gathering order.
func (m *Manager) sendHeldCandidates(link *peerLink) {
	for _, c := range link.flushLocalCandidates() {
		candidate := c
		if err := m.sendEnvelope(link.remote, Envelope{Kind: KindCandidate, Candidate: &candidate}); err != nil {
			m.log.Debugw("candidate send failed", "peer_id", link.remote, "error", err)
		}
	}
}

func (m *Manager) sendEnvelope(to domain.PeerID, env Envelope) error {
	data, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	return m.transport.SendSignal(to, data)
}

func unmarshalPayload(msg signal.Message, v interface{}) error {
	if len(msg.Payload) == 0 {
		return fmt.Errorf("empty payload for %s", msg.Type)
	}
	return json.Unmarshal(msg.Payload, v)
}
