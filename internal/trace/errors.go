package trace

import (
	"errors"
	"fmt"

	"github.com/dshills/tracecore/internal/trace/dispatch"
	"github.com/dshills/tracecore/internal/trace/payload"
	"go.uber.org/multierr"
)

// Sentinel errors for the tracing core.
var (
	// ErrRegistryClosed is returned when a closed registry is asked to add sources or listeners.
	ErrRegistryClosed = errors.New("registry is closed")

	// ErrSourceClosed is returned when commands target a closed source.
	ErrSourceClosed = errors.New("event source is closed")

	// ErrDuplicateSource is returned when two sources in one registry share a GUID.
	ErrDuplicateSource = errors.New("event source with this guid already exists")

	// ErrListenerClosed is returned when a disposed listener issues a command.
	ErrListenerClosed = errors.New("listener is closed")

	// ErrListenerNotFound is returned when a listener has no dispatcher on a source.
	ErrListenerNotFound = errors.New("listener is not attached to this source")

	// ErrNilHandler is returned when a listener is created without a handler.
	ErrNilHandler = errors.New("handler cannot be nil")

	// ErrInvalidCommand is returned for commands that cannot be sent directly.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrInvalidSession is returned for negative trace session ids.
	ErrInvalidSession = errors.New("invalid trace session id")

	// ErrSessionNotFound is returned when disabling a session the source does not know.
	ErrSessionNotFound = errors.New("trace session not enabled on this source")

	// ErrNoTransport is returned when sessions are enabled on a source without a transport.
	ErrNoTransport = errors.New("source has no transport")

	// ErrNeedTransferOpcode is returned when a related activity is written for a non-transfer event.
	ErrNeedTransferOpcode = errors.New("related activity requires a send or receive opcode")

	// ErrInconsistent is returned by Validate when attachment state is broken.
	ErrInconsistent = errors.New("registry attachment state is inconsistent")

	// ErrListenerPanic matches listener failures caused by a panic.
	ErrListenerPanic = dispatch.ErrHandlerPanic
)

// Transport failure sentinels. Transports return these (possibly wrapped) from Emit.
var (
	// ErrEventTooBig is returned when an encoded event exceeds the transport limit.
	ErrEventTooBig = errors.New("event is too big")

	// ErrNoFreeBuffers is returned when the transport has no buffer space.
	ErrNoFreeBuffers = errors.New("no free buffers")

	// ErrNullInput is returned when an event argument is nil.
	ErrNullInput = payload.ErrNullInput

	// ErrTooManyArgs is returned when an event carries too many arguments.
	ErrTooManyArgs = payload.ErrTooManyArgs
)

// WriteErrorKind classifies a transport failure.
type WriteErrorKind int

const (
	WriteErrorGeneric WriteErrorKind = iota
	WriteErrorEventTooBig
	WriteErrorNoFreeBuffers
	WriteErrorNullInput
	WriteErrorTooManyArgs
)

// String returns a short label for metrics and logs.
func (k WriteErrorKind) String() string {
	switch k {
	case WriteErrorEventTooBig:
		return "event_too_big"
	case WriteErrorNoFreeBuffers:
		return "no_free_buffers"
	case WriteErrorNullInput:
		return "null_input"
	case WriteErrorTooManyArgs:
		return "too_many_args"
	default:
		return "generic"
	}
}

func classifyWriteError(err error) WriteErrorKind {
	switch {
	case errors.Is(err, ErrEventTooBig):
		return WriteErrorEventTooBig
	case errors.Is(err, ErrNoFreeBuffers):
		return WriteErrorNoFreeBuffers
	case errors.Is(err, ErrNullInput):
		return WriteErrorNullInput
	case errors.Is(err, ErrTooManyArgs):
		return WriteErrorTooManyArgs
	default:
		return WriteErrorGeneric
	}
}

// WriteError reports a transport failure on a strict source.
type WriteError struct {
	// Source is the name of the emitting source.
	Source string

	// EventID is the id of the event that failed.
	EventID int

	// Kind classifies the failure.
	Kind WriteErrorKind

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *WriteError) Error() string {
	return fmt.Sprintf("write event %d on %s failed (%s): %v", e.EventID, e.Source, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *WriteError) Unwrap() error {
	return e.Err
}

// ListenerError wraps the failure of one listener callback.
type ListenerError struct {
	// ListenerID identifies the failing listener.
	ListenerID uint64

	// Listener is the listener's name, if it has one.
	Listener string

	// EventID is the event being delivered.
	EventID int

	// Err is the error returned by the callback or a *dispatch.PanicError.
	Err error
}

// Error implements the error interface.
func (e *ListenerError) Error() string {
	name := e.Listener
	if name == "" {
		name = fmt.Sprintf("#%d", e.ListenerID)
	}
	return fmt.Sprintf("listener %s failed on event %d: %v", name, e.EventID, e.Err)
}

// Unwrap returns the underlying error.
func (e *ListenerError) Unwrap() error {
	return e.Err
}

// DeliveryError aggregates every listener failure of one write. It is
// returned only after all enabled listeners have been invoked.
type DeliveryError struct {
	// Source is the name of the emitting source.
	Source string

	// EventID is the id of the written event.
	EventID int

	// Err combines the individual *ListenerError values.
	Err error
}

// Error implements the error interface.
func (e *DeliveryError) Error() string {
	n := len(multierr.Errors(e.Err))
	return fmt.Sprintf("event %d on %s: %d listener(s) failed: %v", e.EventID, e.Source, n, e.Err)
}

// Unwrap returns the combined failures.
func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Failures returns the individual listener failures.
func (e *DeliveryError) Failures() []error {
	return multierr.Errors(e.Err)
}

// CommandError wraps a failure raised by a source's command handler. The
// command's bookkeeping has completed by the time it is returned.
type CommandError struct {
	// Source is the name of the commanded source.
	Source string

	// Command is the command being processed.
	Command Command

	// Err is the handler failure.
	Err error
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	return fmt.Sprintf("command %s on %s failed: %v", e.Command, e.Source, e.Err)
}

// Unwrap returns the underlying error.
func (e *CommandError) Unwrap() error {
	return e.Err
}
