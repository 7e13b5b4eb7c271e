package domain

import "time"

type Slug string

// Instrument is the shared voice every member of a room hears. The set is
// closed; anything else is rejected before it reaches the registry.
type Instrument string

const (
	InstrumentPiano   Instrument = "piano"
	InstrumentEPiano  Instrument = "epiano"
	InstrumentOrgan   Instrument = "organ"
	InstrumentSynth   Instrument = "synth"
	InstrumentMarimba Instrument = "marimba"
)

// DefaultInstrument is what a freshly created room starts with.
const DefaultInstrument = InstrumentPiano

var instruments = map[Instrument]struct{}{
	InstrumentPiano:   {},
	InstrumentEPiano:  {},
	InstrumentOrgan:   {},
	InstrumentSynth:   {},
	InstrumentMarimba: {},
}

func (i Instrument) Valid() bool {
	_, ok := instruments[i]
	return ok
}

// Instruments returns the closed set of valid instruments.
func Instruments() []Instrument {
	return []Instrument{
		InstrumentPiano,
		InstrumentEPiano,
		InstrumentOrgan,
		InstrumentSynth,
		InstrumentMarimba,
	}
}

// Room is an ephemeral session container. The slug is the public identifier
// and the primary key in the registry; rooms are never persisted.
type Room struct {
	Slug       Slug       `json:"slug"`
	CreatedAt  time.Time  `json:"created_at"`
	Instrument Instrument `json:"instrument"`
}
