package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoteEventValidate(t *testing.T) {
	tests := []struct {
		name    string
		event   NoteEvent
		wantErr bool
	}{
		{"valid note on", NoteEvent{Type: NoteOn, Note: 60, Velocity: 100}, false},
		{"valid note off", NoteEvent{Type: NoteOff, Note: 60}, false},
		{"valid sustain", NoteEvent{Type: Sustain, Note: 0, Velocity: 127}, false},
		{"boundary values", NoteEvent{Type: NoteOn, Note: 127, Velocity: 127}, false},
		{"unknown type", NoteEvent{Type: "pitch_bend", Note: 60, Velocity: 64}, true},
		{"empty type", NoteEvent{Note: 60, Velocity: 64}, true},
		{"note out of range", NoteEvent{Type: NoteOn, Note: 128, Velocity: 64}, true},
		{"velocity out of range", NoteEvent{Type: NoteOn, Note: 60, Velocity: 200}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidNote)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEncodeDecodeNote(t *testing.T) {
	original := NoteEvent{Type: NoteOn, Note: 72, Velocity: 96}

	data, err := EncodeNote(original)
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	decoded, err := DecodeNote(data)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)
}

func TestEncodeNoteRejectsInvalid(t *testing.T) {
	_, err := EncodeNote(NoteEvent{Type: NoteOn, Note: 200, Velocity: 64})
	assert.ErrorIs(t, err, ErrInvalidNote)
}

func TestDecodeNoteRejectsGarbage(t *testing.T) {
	_, err := DecodeNote([]byte{0xff, 0x01, 0x02})
	assert.Error(t, err)
}

func TestDecodeNoteRejectsInvalidPayload(t *testing.T) {
	// Well-formed msgpack carrying an out-of-range velocity must still fail.
	data, err := EncodeNote(NoteEvent{Type: NoteOn, Note: 60, Velocity: 64})
	require.NoError(t, err)

	decoded, err := DecodeNote(data)
	require.NoError(t, err)
	assert.Equal(t, uint8(64), decoded.Velocity)

	_, err = DecodeNote([]byte("not msgpack at all"))
	assert.Error(t, err)
}

func TestInstrumentValid(t *testing.T) {
	for _, instrument := range Instruments() {
		assert.True(t, instrument.Valid(), "instrument %q should be valid", instrument)
	}

	assert.False(t, Instrument("theremin").Valid())
	assert.False(t, Instrument("").Valid())
	assert.False(t, Instrument("Piano").Valid())
}
