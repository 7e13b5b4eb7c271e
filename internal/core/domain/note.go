package domain

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// NoteType is the kind of a note event carried over a direct peer link.
type NoteType string

const (
	NoteOn  NoteType = "note_on"
	NoteOff NoteType = "note_off"
	Sustain NoteType = "sustain"
)

func (t NoteType) Valid() bool {
	switch t {
	case NoteOn, NoteOff, Sustain:
		return true
	}
	return false
}

// NoteEvent is the fixed three-field record exchanged peer to peer once a
// link is open. Delivery is best-effort and unordered; a dropped note_off is
// tolerated by the surrounding audio layer.
type NoteEvent struct {
	Type     NoteType `msgpack:"type" json:"type"`
	Note     uint8    `msgpack:"note" json:"note"`
	Velocity uint8    `msgpack:"velocity" json:"velocity"`
}

// Validate checks the record against the MIDI-style 0..127 value range.
func (e NoteEvent) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown note type %q", ErrInvalidNote, e.Type)
	}
	if e.Note > 127 {
		return fmt.Errorf("%w: note %d out of range", ErrInvalidNote, e.Note)
	}
	if e.Velocity > 127 {
		return fmt.Errorf("%w: velocity %d out of range", ErrInvalidNote, e.Velocity)
	}
	return nil
}

// EncodeNote serializes a note event for the data channel.
func EncodeNote(e NoteEvent) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return msgpack.Marshal(e)
}

// DecodeNote deserializes a note event received from a remote peer and
// validates it before handing it to the audio layer.
func DecodeNote(b []byte) (NoteEvent, error) {
	var e NoteEvent
	if err := msgpack.Unmarshal(b, &e); err != nil {
		return NoteEvent{}, fmt.Errorf("decode note: %w", err)
	}
	if err := e.Validate(); err != nil {
		return NoteEvent{}, err
	}
	return e, nil
}
