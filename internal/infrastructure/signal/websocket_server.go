package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"jamlink/internal/core/domain"
	"jamlink/internal/core/ports"
	"jamlink/pkg/tracing"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // rooms are anonymous; origin policy belongs to the deployment
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Server is the signaling relay. It admits connections to room topics,
// rebroadcasts opaque negotiation envelopes between members, and pushes
// presence and instrument state changes.
type Server struct {
	rooms    ports.RoomService
	presence ports.PresenceService
	metrics  ports.MetricsCollector

	mu     sync.Mutex
	topics map[domain.Slug]*topic

	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration

	iceServers []ICEServer

	logger *zap.SugaredLogger
}

// topic serializes all membership changes and broadcasts for one room, so
// every member observes joins, leaves and state changes in a single order.
type topic struct {
	mu      sync.Mutex
	members map[domain.PeerID]*connection
}

// connection is one signaling socket. The write mutex is required because
// broadcasts arrive from other members' reader goroutines.
type connection struct {
	id           domain.PeerID
	ws           *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration

	// slug is written only by the connection's own reader goroutine.
	slug   domain.Slug
	joined bool
}

func (c *connection) send(msg *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteJSON(msg)
}

func NewServer(rooms ports.RoomService, presence ports.PresenceService, metrics ports.MetricsCollector, logger *zap.SugaredLogger) *Server {
	return &Server{
		rooms:        rooms,
		presence:     presence,
		metrics:      metrics,
		topics:       make(map[domain.Slug]*topic),
		pingInterval: 30 * time.Second,
		pongTimeout:  60 * time.Second,
		writeTimeout: 10 * time.Second,
		logger:       logger,
	}
}

// SetTimeouts overrides the keepalive and write deadlines.
func (s *Server) SetTimeouts(pingInterval, pongTimeout, writeTimeout time.Duration) {
	s.pingInterval = pingInterval
	s.pongTimeout = pongTimeout
	s.writeTimeout = writeTimeout
}

// SetICEServers sets the STUN/TURN endpoints advertised to joining peers.
// Call before serving; the slice is read on every join.
func (s *Server) SetICEServers(servers []ICEServer) {
	s.iceServers = servers
}

// HandleWebSocket upgrades the request and runs the connection until it
// drops. Each connection gets a fresh cryptographically random peer id.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	conn := &connection{
		id:           domain.PeerID(uuid.NewString()),
		ws:           ws,
		writeTimeout: s.writeTimeout,
	}

	s.logger.Infow("peer connected", "peer_id", conn.id, "remote", r.RemoteAddr)

	ws.SetReadDeadline(time.Now().Add(s.pongTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(s.pongTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan Message, 10)
	errorChan := make(chan error, 1)

	go func() {
		for {
			var msg Message
			if err := ws.ReadJSON(&msg); err != nil {
				errorChan <- err
				return
			}
			ws.SetReadDeadline(time.Now().Add(s.pongTimeout))
			messageChan <- msg
		}
	}()

	for {
		select {
		case msg := <-messageChan:
			if err := s.handleMessage(r.Context(), conn, msg); err != nil {
				s.logger.Infow("error handling message", "peer_id", conn.id, "type", msg.Type, "error", err)
			}

		case <-pingTicker.C:
			conn.writeMu.Lock()
			ws.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			err := ws.WriteMessage(websocket.PingMessage, nil)
			conn.writeMu.Unlock()
			if err != nil {
				s.logger.Infow("ping failed", "peer_id", conn.id, "error", err)
				goto cleanup
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Infow("read error", "peer_id", conn.id, "error", err)
			}
			goto cleanup
		}
	}

cleanup:
	s.leaveRoom(context.Background(), conn)
	s.logger.Infow("peer disconnected", "peer_id", conn.id)
}

func (s *Server) handleMessage(ctx context.Context, conn *connection, msg Message) error {
	ctx, span := tracing.TraceSignalMessage(ctx, string(msg.Type), string(conn.id))
	defer span.End()

	var err error
	switch msg.Type {
	case TypeJoin:
		err = s.handleJoin(ctx, conn, msg)
	case TypeSignal:
		err = s.handleSignal(ctx, conn, msg)
	case TypeInstrumentChange:
		err = s.handleInstrumentChange(ctx, conn, msg)
	default:
		s.sendError(conn, ErrCodeBadMessage, fmt.Sprintf("unknown message type: %s", msg.Type))
		err = fmt.Errorf("unknown message type: %s", msg.Type)
	}
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return err
}

// handleJoin admits the connection to a room topic. On an unknown slug the
// connection stays unadmitted and only the requester learns of the failure.
func (s *Server) handleJoin(ctx context.Context, conn *connection, msg Message) error {
	if conn.joined {
		s.sendError(conn, ErrCodeAlreadyJoined, "connection already joined a room")
		return domain.ErrAlreadyJoined
	}

	slug, ok := ParseRoomTopic(msg.Topic)
	if !ok {
		s.sendError(conn, ErrCodeBadMessage, fmt.Sprintf("malformed topic: %q", msg.Topic))
		return fmt.Errorf("malformed topic %q", msg.Topic)
	}
	tracing.SetAttributes(ctx, tracing.RoomSlugKey.String(string(slug)))

	room, err := s.rooms.GetRoom(ctx, slug)
	if err != nil {
		if errors.Is(err, domain.ErrRoomNotFound) {
			s.metrics.JoinRejected()
			s.sendError(conn, ErrCodeRoomNotFound, fmt.Sprintf("no room %s", slug))
			return nil
		}
		return fmt.Errorf("room lookup: %w", err)
	}

	t := s.joinTopic(slug)
	defer t.mu.Unlock()

	// Snapshot before tracking so the joiner is not in its own snapshot.
	others, err := s.presence.List(ctx, slug)
	if err != nil {
		return fmt.Errorf("presence snapshot: %w", err)
	}

	meta := domain.PeerMeta{JoinedAt: time.Now().UTC()}
	diff, err := s.presence.Track(ctx, slug, conn.id, meta)
	if err != nil {
		return fmt.Errorf("presence track: %w", err)
	}

	conn.slug = slug
	conn.joined = true
	t.members[conn.id] = conn

	s.sendTo(conn, &Message{Type: TypeJoined, Payload: marshal(JoinedPayload{
		PeerID:     conn.id,
		Instrument: room.Instrument,
		ICEServers: s.iceServers,
	})})
	s.sendTo(conn, &Message{Type: TypePresenceState, Payload: marshal(PresenceStatePayload{Peers: others})})

	// Existing members learn of the newcomer; the already-present side of
	// each pair initiates negotiation toward it.
	peerJoined := &Message{Type: TypePeerJoined, Payload: marshal(PeerJoinedPayload{PeerID: conn.id})}
	diffMsg := &Message{Type: TypePresenceDiff, Payload: marshal(diff)}
	for id, member := range t.members {
		if id == conn.id {
			continue
		}
		s.sendTo(member, peerJoined)
		s.sendTo(member, diffMsg)
	}

	s.logger.Infow("peer joined room", "peer_id", conn.id, "slug", slug, "members", len(t.members))
	return nil
}

// handleSignal rebroadcasts an opaque negotiation envelope to every member of
// the sender's room. Receivers discard envelopes not addressed to them; an
// absent target means the envelope simply evaporates.
func (s *Server) handleSignal(ctx context.Context, conn *connection, msg Message) error {
	if !conn.joined {
		s.sendError(conn, ErrCodeNotJoined, "join a room before signaling")
		return domain.ErrNotJoined
	}
	if msg.To == "" || len(msg.Payload) == 0 {
		s.sendError(conn, ErrCodeBadMessage, "signal requires to and payload")
		return fmt.Errorf("malformed signal from %s", conn.id)
	}

	kind := signalKind(msg.Payload)
	tracing.SetAttributes(ctx,
		tracing.RoomSlugKey.String(string(conn.slug)),
		tracing.SignalKindKey.String(kind),
	)

	relay := &Message{
		Type:    TypeSignal,
		From:    conn.id,
		To:      msg.To,
		Payload: msg.Payload,
	}

	t := s.topic(conn.slug)
	t.mu.Lock()
	for _, member := range t.members {
		s.sendTo(member, relay)
	}
	t.mu.Unlock()

	s.metrics.SignalRelayed(kind)
	return nil
}

// handleInstrumentChange mutates shared room state through the registry. The
// sender gets its confirmation through the same broadcast as everyone else.
func (s *Server) handleInstrumentChange(ctx context.Context, conn *connection, msg Message) error {
	if !conn.joined {
		s.sendError(conn, ErrCodeNotJoined, "join a room before changing instruments")
		return domain.ErrNotJoined
	}

	var payload InstrumentPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		s.sendError(conn, ErrCodeBadMessage, "malformed instrument_change payload")
		return fmt.Errorf("malformed instrument_change from %s: %w", conn.id, err)
	}

	tracing.SetAttributes(ctx,
		tracing.RoomSlugKey.String(string(conn.slug)),
		tracing.InstrumentKey.String(string(payload.Instrument)),
	)

	room, err := s.rooms.SetInstrument(ctx, conn.slug, payload.Instrument)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidInstrument):
			s.sendError(conn, ErrCodeInvalidInstrument, fmt.Sprintf("unknown instrument %q", payload.Instrument))
		case errors.Is(err, domain.ErrRoomNotFound):
			s.sendError(conn, ErrCodeRoomNotFound, fmt.Sprintf("no room %s", conn.slug))
		default:
			s.sendError(conn, ErrCodeBadMessage, "instrument change failed")
		}
		return nil
	}

	state := &Message{Type: TypeInstrumentState, Payload: marshal(InstrumentPayload{Instrument: room.Instrument})}

	t := s.topic(conn.slug)
	t.mu.Lock()
	for _, member := range t.members {
		s.sendTo(member, state)
	}
	t.mu.Unlock()

	return nil
}

// leaveRoom untracks the peer and tells the remaining members. Safe to call
// for connections that never joined.
func (s *Server) leaveRoom(ctx context.Context, conn *connection) {
	if !conn.joined {
		return
	}
	slug := conn.slug

	t := s.topic(slug)
	t.mu.Lock()
	delete(t.members, conn.id)

	diff, err := s.presence.Untrack(ctx, slug, conn.id)
	if err != nil {
		s.logger.Warnw("presence untrack failed", "peer_id", conn.id, "slug", slug, "error", err)
	}

	if !diff.Empty() {
		diffMsg := &Message{Type: TypePresenceDiff, Payload: marshal(diff)}
		for _, member := range t.members {
			s.sendTo(member, diffMsg)
		}
	}
	empty := len(t.members) == 0
	t.mu.Unlock()

	if empty {
		s.dropTopicIfEmpty(slug)
	}

	conn.joined = false
	conn.slug = ""
}

func (s *Server) topic(slug domain.Slug) *topic {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.topics[slug]
	if !ok {
		t = &topic{members: make(map[domain.PeerID]*connection)}
		s.topics[slug] = t
	}
	return t
}

// joinTopic returns the room's registered topic with its lock already held.
// Taking t.mu before releasing s.mu closes the window where dropTopicIfEmpty
// deletes a topic between lookup and member insertion, which would strand the
// joiner on an orphaned topic that no broadcast ever reaches. Lock order is
// s.mu then t.mu, same as dropTopicIfEmpty.
func (s *Server) joinTopic(slug domain.Slug) *topic {
	s.mu.Lock()
	t, ok := s.topics[slug]
	if !ok {
		t = &topic{members: make(map[domain.PeerID]*connection)}
		s.topics[slug] = t
	}
	t.mu.Lock()
	s.mu.Unlock()
	return t
}

func (s *Server) dropTopicIfEmpty(slug domain.Slug) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.topics[slug]; ok {
		t.mu.Lock()
		if len(t.members) == 0 {
			delete(s.topics, slug)
		}
		t.mu.Unlock()
	}
}

// ConnectedPeers reports how many peers are currently admitted to rooms.
func (s *Server) ConnectedPeers() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.topics {
		t.mu.Lock()
		n += len(t.members)
		t.mu.Unlock()
	}
	return n
}

func (s *Server) sendTo(conn *connection, msg *Message) {
	if err := conn.send(msg); err != nil {
		s.logger.Debugw("send failed", "peer_id", conn.id, "type", msg.Type, "error", err)
	}
}

func (s *Server) sendError(conn *connection, code, message string) {
	s.sendTo(conn, &Message{Type: TypeError, Payload: marshal(ErrorPayload{Code: code, Message: message})})
}

func marshal(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// All payload types here marshal without error.
		return json.RawMessage(`{}`)
	}
	return b
}
