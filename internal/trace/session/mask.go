// Package session implements the 4-bit session mask that lets up to four
// independently filtering trace sessions share one event source.
//
// A mask is carried inside the reserved high range of an event's 64-bit
// keyword field (bits 44 through 47), so a single descriptor can name the
// sessions that should receive it while the remaining keyword bits keep
// their ordinary meaning.
package session

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// Max is the number of sessions a mask can represent.
	Max = 4

	// Shift is the keyword bit where session 0 lives.
	Shift = 44

	// bits covers every representable session.
	bits = 0x0F
)

// ErrInvalidID is returned for session indexes outside [0, Max).
var ErrInvalidID = errors.New("session id out of range")

// Mask is a set of session indexes.
type Mask uint32

// All contains every representable session.
const All Mask = bits

// None is the empty mask.
const None Mask = 0

// FromID returns the mask holding only session id.
func FromID(id int) (Mask, error) {
	if id < 0 || id >= Max {
		return None, fmt.Errorf("%w: %d", ErrInvalidID, id)
	}
	return Mask(1) << uint(id), nil
}

// MustFromID is FromID for indexes known to be valid.
func MustFromID(id int) Mask {
	m, err := FromID(id)
	if err != nil {
		panic(err)
	}
	return m
}

// FromKeywords extracts the session bits from a keyword field.
func FromKeywords(kw uint64) Mask {
	return Mask((kw >> Shift) & bits)
}

// Keywords returns the mask shifted into its keyword bit range.
func (m Mask) Keywords() uint64 {
	return uint64(m&bits) << Shift
}

// KeywordBits is the keyword range reserved for session masks.
const KeywordBits uint64 = uint64(bits) << Shift

// Has reports whether session id is in the mask.
func (m Mask) Has(id int) bool {
	if id < 0 || id >= Max {
		return false
	}
	return m&(Mask(1)<<uint(id)) != 0
}

// With returns m with session id added or removed.
func (m Mask) With(id int, on bool) Mask {
	if id < 0 || id >= Max {
		return m
	}
	bit := Mask(1) << uint(id)
	if on {
		return m | bit
	}
	return m &^ bit
}

// Union returns m | o.
func (m Mask) Union(o Mask) Mask { return (m | o) & bits }

// Intersect returns m & o.
func (m Mask) Intersect(o Mask) Mask { return m & o & bits }

// Complement returns the sessions not in m.
func (m Mask) Complement() Mask { return ^m & bits }

// IsEmpty reports whether no session is set.
func (m Mask) IsEmpty() bool { return m&bits == 0 }

// IsEqualOrSupersetOf reports whether m contains every session in o.
func (m Mask) IsEqualOrSupersetOf(o Mask) bool {
	return (m|o)&bits == m&bits
}

// String renders the mask as a set of indexes, e.g. "{0,2}".
func (m Mask) String() string {
	var b strings.Builder
	b.WriteByte('{')
	first := true
	for i := 0; i < Max; i++ {
		if !m.Has(i) {
			continue
		}
		if !first {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%d", i)
		first = false
	}
	b.WriteByte('}')
	return b.String()
}
