// Package activity carries correlation identifiers for units of work.
//
// An activity id is an opaque 128-bit value generated once per logical
// operation (a request, a callback chain). It travels with the work in a
// context.Context; code that hands work to another goroutine passes the
// context along, and transfer events name the child id explicitly.
package activity

import (
	"context"

	"github.com/google/uuid"
)

// ID identifies one activity.
type ID = uuid.UUID

// Nil is the activity of work that never set one.
var Nil = uuid.Nil

type ctxKey struct{}

// New returns a fresh random activity id.
func New() ID {
	return uuid.New()
}

// WithID returns a context carrying id as the current activity.
func WithID(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the current activity id, or Nil if ctx has none.
func FromContext(ctx context.Context) ID {
	if ctx == nil {
		return Nil
	}
	if id, ok := ctx.Value(ctxKey{}).(ID); ok {
		return id
	}
	return Nil
}

// Parse parses the textual form of an id.
func Parse(s string) (ID, error) {
	return uuid.Parse(s)
}
