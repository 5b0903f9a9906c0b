// Package idgen produces opaque short identifiers for records.
//
// The generator has no memory of ids it has already produced; callers
// that need uniqueness (the collection engine, on insert) must check
// and retry themselves. This mirrors the teacher's helpers.GenerateUUID,
// which also leaned on crypto/rand for entropy through the uuid
// package but returned a 36-character string unsuited to a compact
// wire format.
package idgen

import (
	"crypto/rand"
	"fmt"
)

// DefaultAlphabet is the 62-symbol alphanumeric alphabet used unless a
// Generator is built with a different one.
const DefaultAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// DefaultLength is the id length spec.md settles on: enough keyspace
// for embedded use, not cryptographic uniqueness.
const DefaultLength = 6

// Generator produces ids of a fixed length drawn uniformly from an
// alphabet. The zero value is not usable; use New.
type Generator struct {
	alphabet []byte
	length   int
}

// New builds a Generator using the default alphabet and length.
func New() *Generator {
	return &Generator{alphabet: []byte(DefaultAlphabet), length: DefaultLength}
}

// NewWithAlphabet builds a Generator with a caller-chosen alphabet and
// length, for implementers who want a larger keyspace without touching
// the on-disk format (ids are length-prefixed, so any length works).
func NewWithAlphabet(alphabet string, length int) (*Generator, error) {
	if len(alphabet) < 2 {
		return nil, fmt.Errorf("idgen: alphabet must have at least 2 symbols, got %d", len(alphabet))
	}
	if len(alphabet) > 256 {
		return nil, fmt.Errorf("idgen: alphabet must have at most 256 symbols, got %d", len(alphabet))
	}
	if length < 1 {
		return nil, fmt.Errorf("idgen: length must be positive, got %d", length)
	}
	return &Generator{alphabet: []byte(alphabet), length: length}, nil
}

// Next returns a new opaque identifier. It never checks for collisions
// against any existing set of ids — that is the caller's job.
func (g *Generator) Next() (string, error) {
	buf := make([]byte, g.length)
	n := len(g.alphabet)
	// Reject draws that would bias the selection toward the low
	// symbols of the alphabet: 256 is rarely a multiple of n, so a
	// bare b%n over-represents whichever symbols fall in the
	// leftover range. When n is 256, every draw is already unbiased
	// and nothing is ever rejected.
	limit := 256 - (256 % n)
	if limit <= 0 {
		limit = 256
	}
	var b [1]byte
	for i := 0; i < g.length; {
		if _, err := rand.Read(b[:]); err != nil {
			return "", fmt.Errorf("idgen: reading randomness: %w", err)
		}
		if int(b[0]) >= limit {
			continue
		}
		buf[i] = g.alphabet[int(b[0])%n]
		i++
	}
	return string(buf), nil
}
