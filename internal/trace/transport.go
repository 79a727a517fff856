package trace

import (
	"github.com/dshills/tracecore/internal/trace/schema"
	"github.com/dshills/tracecore/internal/trace/session"
	"github.com/google/uuid"
)

// Transport carries events to out-of-process sessions.
//
// Emit must not block. A nil error means the event was accepted. Failures
// should wrap one of ErrEventTooBig, ErrNoFreeBuffers, ErrNullInput or
// ErrTooManyArgs; anything else is treated as a generic failure.
type Transport interface {
	Emit(desc schema.Descriptor, sessions session.Mask, payload []byte) error
}

// ManifestWriter is implemented by transports that forward source manifests.
type ManifestWriter interface {
	WriteManifest(guid uuid.UUID, name string, manifest []byte) error
}

// Observer receives counters from the data and control planes. Methods are
// called synchronously and must be cheap.
type Observer interface {
	EventWritten(source string, eventID int)
	TransportFailed(source string, eventID int, kind WriteErrorKind)
	ListenerFailed(source string, eventID int, listener uint64)
	CommandApplied(source string, cmd Command)
}

type nopObserver struct{}

func (nopObserver) EventWritten(string, int)                    {}
func (nopObserver) TransportFailed(string, int, WriteErrorKind) {}
func (nopObserver) ListenerFailed(string, int, uint64)          {}
func (nopObserver) CommandApplied(string, Command)              {}
