// Package value implements the closed tagged union of scalar field
// kinds this module's data model is built from: text, real, boolean,
// instant, and null. No subtype dispatch is used anywhere above this
// package — the codec, the schema validator, and the B-tree
// comparator all switch on Kind.
//
// Grounded on the teacher's btree_index/btree_service.go
// encodeFieldValue, which already tags string/int/float64/bool/
// time.Time/nil before encoding them; this package gives that tagging
// scheme a first-class type instead of a type switch repeated at every
// call site.
package value

import (
	"fmt"
	"time"
)

// Kind identifies which branch of the union a Value occupies. The
// numeric values match the wire type codes in package codec.
type Kind uint8

const (
	Text    Kind = 0
	Real    Kind = 1
	Boolean Kind = 2
	Instant Kind = 3
	Null    Kind = 4
)

func (k Kind) String() string {
	switch k {
	case Text:
		return "text"
	case Real:
		return "real"
	case Boolean:
		return "boolean"
	case Instant:
		return "instant"
	case Null:
		return "null"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a single scalar of one of the four kinds, or null.
type Value struct {
	kind Kind
	text string
	real float64
	boo  bool
	inst time.Time
}

// NullValue is the absent/non-assigned value.
func NullValue() Value { return Value{kind: Null} }

// NewText, NewReal, NewBool, and NewInstant build a Value of the
// matching Kind.
func NewText(s string) Value  { return Value{kind: Text, text: s} }
func NewReal(f float64) Value { return Value{kind: Real, real: f} }
func NewBool(b bool) Value    { return Value{kind: Boolean, boo: b} }
func NewInstant(t time.Time) Value {
	return Value{kind: Instant, inst: t}
}

// Kind reports which branch of the union v occupies.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is the null value.
func (v Value) IsNull() bool { return v.kind == Null }

// Text returns the text payload; valid only when Kind() == Text.
func (v Value) Text() string { return v.text }

// Real returns the real payload; valid only when Kind() == Real.
func (v Value) Real() float64 { return v.real }

// Bool returns the boolean payload; valid only when Kind() == Boolean.
func (v Value) Bool() bool { return v.boo }

// Instant returns the instant payload; valid only when Kind() == Instant.
func (v Value) Instant() time.Time { return v.inst }

// EpochMillis returns the instant payload as milliseconds since the
// Unix epoch, the on-disk and comparison representation spec.md uses.
func (v Value) EpochMillis() int64 { return v.inst.UnixMilli() }

// InstantFromMillis builds an Instant value from epoch milliseconds.
func InstantFromMillis(ms int64) Value {
	return Value{kind: Instant, inst: time.UnixMilli(ms).UTC()}
}

// Equal reports whether two values have the same kind and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case Text:
		return v.text == o.text
	case Real:
		return v.real == o.real
	case Boolean:
		return v.boo == o.boo
	case Instant:
		return v.inst.UnixMilli() == o.inst.UnixMilli()
	default: // Null
		return true
	}
}

// Compare orders two values of the same kind. Comparing values of
// different kinds is undefined and Compare does not guard against it,
// matching spec.md's "comparing mixed kinds is undefined" contract;
// callers that might mix kinds (index lookups against a schema-typed
// field) are expected to have already checked Kind() themselves.
func Compare(a, b Value) int {
	switch a.kind {
	case Text:
		switch {
		case a.text < b.text:
			return -1
		case a.text > b.text:
			return 1
		default:
			return 0
		}
	case Real:
		switch {
		case a.real < b.real:
			return -1
		case a.real > b.real:
			return 1
		default:
			return 0
		}
	case Boolean:
		switch {
		case a.boo == b.boo:
			return 0
		case !a.boo:
			return -1
		default:
			return 1
		}
	case Instant:
		am, bm := a.EpochMillis(), b.EpochMillis()
		switch {
		case am < bm:
			return -1
		case am > bm:
			return 1
		default:
			return 0
		}
	default: // Null
		return 0
	}
}

// String renders v for logging and error messages.
func (v Value) String() string {
	switch v.kind {
	case Text:
		return v.text
	case Real:
		return fmt.Sprintf("%g", v.real)
	case Boolean:
		return fmt.Sprintf("%t", v.boo)
	case Instant:
		return v.inst.UTC().Format(time.RFC3339Nano)
	default:
		return "null"
	}
}
