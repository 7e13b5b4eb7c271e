package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"jamlink/internal/core/domain"
	"jamlink/internal/infrastructure/signal"

	"github.com/gorilla/websocket"
)

// transport is the outbound half of the signaling channel. Split out so the
// negotiation state machine can be driven in tests without a socket.
type transport interface {
	SendJoin(slug domain.Slug) error
	SendSignal(to domain.PeerID, data json.RawMessage) error
	SendInstrumentChange(instrument domain.Instrument) error
	Close() error
}

// Signaling is the websocket connection to the relay.
type Signaling struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	closeOnce sync.Once
}

const signalingWriteTimeout = 10 * time.Second

// DialSignaling connects to the relay's /ws endpoint.
func DialSignaling(ctx context.Context, url string) (*Signaling, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling %s: %w", url, err)
	}
	return &Signaling{ws: ws}, nil
}

// ReadLoop delivers inbound messages to handler until the connection drops.
// Runs on the caller's goroutine.
func (s *Signaling) ReadLoop(handler func(signal.Message)) error {
	for {
		var msg signal.Message
		if err := s.ws.ReadJSON(&msg); err != nil {
			return err
		}
		handler(msg)
	}
}

func (s *Signaling) SendJoin(slug domain.Slug) error {
	return s.send(&signal.Message{
		Type:  signal.TypeJoin,
		Topic: signal.RoomTopic(slug),
	})
}

func (s *Signaling) SendSignal(to domain.PeerID, data json.RawMessage) error {
	return s.send(&signal.Message{
		Type:    signal.TypeSignal,
		To:      to,
		Payload: data,
	})
}

func (s *Signaling) SendInstrumentChange(instrument domain.Instrument) error {
	payload, err := json.Marshal(signal.InstrumentPayload{Instrument: instrument})
	if err != nil {
		return err
	}
	return s.send(&signal.Message{
		Type:    signal.TypeInstrumentChange,
		Payload: payload,
	})
}

func (s *Signaling) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		s.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.ws.Close()
	})
	return err
}

func (s *Signaling) send(msg *signal.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.ws.SetWriteDeadline(time.Now().Add(signalingWriteTimeout))
	return s.ws.WriteJSON(msg)
}
