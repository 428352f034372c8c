// Package roomcode generates and validates the short codes that identify
// chat rooms.
package roomcode

import (
	"errors"
	"math/rand/v2"
	"regexp"
	"strings"
)

const (
	// Alphabet holds the characters codes are drawn from. 0, O, 1 and I are
	// left out because they are easy to confuse when read aloud or typed.
	Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	// Length is the number of characters in a room code.
	Length = 6
)

// ErrInvalidFormat is returned when a code is not six letters or digits.
var ErrInvalidFormat = errors.New("roomcode: invalid format")

// formatPattern accepts any six upper-case letters or digits. It is a
// superset of Alphabet so a mistyped ambiguous character reads as
// "not found" rather than "invalid".
var formatPattern = regexp.MustCompile(`^[A-Z0-9]{6}$`)

// Generator produces random room codes.
type Generator struct {
	intn func(n int) int
}

// NewGenerator returns a Generator backed by the runtime's random source.
func NewGenerator() *Generator {
	return &Generator{intn: rand.IntN}
}

// NewGeneratorWithSource returns a Generator drawing from src. Tests use it
// to get reproducible sequences.
func NewGeneratorWithSource(src rand.Source) *Generator {
	r := rand.New(src)
	return &Generator{intn: r.IntN}
}

// Generate returns a code of Length characters sampled independently, with
// replacement, from Alphabet.
func (g *Generator) Generate() string {
	var b strings.Builder
	b.Grow(Length)
	for i := 0; i < Length; i++ {
		b.WriteByte(Alphabet[g.intn(len(Alphabet))])
	}
	return b.String()
}

// Unique keeps generating until taken reports the code as free.
func (g *Generator) Unique(taken func(code string) bool) string {
	code := g.Generate()
	for taken(code) {
		code = g.Generate()
	}
	return code
}

// Normalize trims surrounding whitespace and upper-cases raw so that codes
// are matched case-insensitively.
func Normalize(raw string) string {
	return strings.TrimSpace(strings.ToUpper(raw))
}

// Validate normalizes raw and checks its format.
func Validate(raw string) (string, error) {
	code := Normalize(raw)
	if !formatPattern.MatchString(code) {
		return "", ErrInvalidFormat
	}
	return code, nil
}
