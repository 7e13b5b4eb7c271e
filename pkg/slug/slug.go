package slug

import (
	"crypto/rand"
	"fmt"
)

// Alphabet deliberately excludes visually confusable characters
// (0/o, 1/l/i) so slugs survive being read aloud or copied by hand.
const Alphabet = "23456789abcdefghjkmnpqrstuvwxyz"

// DefaultLength gives ~30 bits of entropy, plenty for a registry that only
// ever holds live rooms.
const DefaultLength = 6

// Generator produces random room slugs from the fixed alphabet.
type Generator struct {
	length int
}

func NewGenerator(length int) (*Generator, error) {
	if length <= 0 {
		return nil, fmt.Errorf("slug length must be > 0, got %d", length)
	}
	return &Generator{length: length}, nil
}

// Generate returns a fresh random slug. Uniqueness against the live registry
// is the caller's job; this only guarantees alphabet and length.
func (g *Generator) Generate() (string, error) {
	out := make([]byte, g.length)
	buf := make([]byte, 1)

	// Rejection sampling keeps the distribution uniform over the alphabet.
	limit := byte(256 - 256%len(Alphabet))
	for i := 0; i < g.length; {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		if buf[0] >= limit {
			continue
		}
		out[i] = Alphabet[int(buf[0])%len(Alphabet)]
		i++
	}
	return string(out), nil
}

// Valid reports whether s is a well-formed slug of the generator's length.
func (g *Generator) Valid(s string) bool {
	if len(s) != g.length {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !inAlphabet(s[i]) {
			return false
		}
	}
	return true
}

func inAlphabet(c byte) bool {
	for i := 0; i < len(Alphabet); i++ {
		if Alphabet[i] == c {
			return true
		}
	}
	return false
}
