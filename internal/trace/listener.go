package trace

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/dshills/tracecore/internal/trace/activity"
	"github.com/dshills/tracecore/internal/trace/dispatch"
	"github.com/dshills/tracecore/internal/trace/schema"
)

// EventWritten is the decoded event handed to listeners. Values are shared
// between every listener of one write and must not be modified.
type EventWritten struct {
	Source            *Source
	EventID           int
	EventName         string
	Descriptor        schema.Descriptor
	ActivityID        activity.ID
	RelatedActivityID activity.ID
	Payload           []any
	PayloadNames      []string

	// Message is the event's message template, or the text of an
	// out-of-band diagnostic.
	Message string
}

// Handler receives events from the sources a listener enabled.
type Handler interface {
	OnEventWritten(ctx context.Context, e *EventWritten) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, e *EventWritten) error

// OnEventWritten calls f.
func (f HandlerFunc) OnEventWritten(ctx context.Context, e *EventWritten) error {
	return f(ctx, e)
}

// SourceObserver is implemented by handlers that want to hear about every
// source in the registry, including sources created before the listener.
type SourceObserver interface {
	OnEventSourceCreated(s *Source)
}

// dispatchState is the data-plane view of one dispatcher.
type dispatchState struct {
	bits              []bool
	any               bool
	activityFiltering bool
}

// dispatcher links one listener to one source.
type dispatcher struct {
	listener *Listener
	state    atomic.Pointer[dispatchState]

	// req is guarded by the registry lock.
	req request
}

func newDispatcher(l *Listener, n int) *dispatcher {
	d := &dispatcher{listener: l}
	d.state.Store(&dispatchState{bits: make([]bool, n)})
	return d
}

func (d *dispatcher) publish(bits []bool, filtering bool) {
	st := &dispatchState{bits: bits, activityFiltering: filtering}
	for _, b := range bits {
		if b {
			st.any = true
			break
		}
	}
	d.state.Store(st)
}

// Listener is an in-process consumer attached to every source of its registry.
type Listener struct {
	reg     *Registry
	id      uint64
	name    string
	handler Handler
	deliver dispatch.Handler

	filter atomic.Pointer[ActivityFilter]
	closed atomic.Bool
}

// ID returns the registry-unique listener id.
func (l *Listener) ID() uint64 { return l.id }

// Name returns the listener name.
func (l *Listener) Name() string { return l.name }

// String implements fmt.Stringer.
func (l *Listener) String() string {
	if l.name != "" {
		return l.name
	}
	return fmt.Sprintf("listener#%d", l.id)
}

// Filter returns the listener's activity filter, or nil.
func (l *Listener) Filter() *ActivityFilter { return l.filter.Load() }

// EnableEvents turns on the events of src at or below level that match kw.
// args may carry ActivitySampling and ActivitySamplingStartEvent. A later
// call replaces the previous request and sampling rules for src.
func (l *Listener) EnableEvents(src *Source, level schema.Level, kw schema.Keywords, args map[string]string) error {
	return l.reg.command(l, src, commandRequest{
		cmd:      CommandUpdate,
		enable:   true,
		level:    level,
		keywords: kw,
		args:     args,
	})
}

// DisableEvents turns off every event of src for this listener.
func (l *Listener) DisableEvents(src *Source) error {
	return l.reg.command(l, src, commandRequest{cmd: CommandUpdate})
}

// SendCommand issues cmd to src on behalf of this listener. Only
// CommandSendManifest and user-defined commands are accepted.
func (l *Listener) SendCommand(src *Source, cmd Command, args map[string]string) error {
	if !cmd.isDirect() {
		return ErrInvalidCommand
	}
	return l.reg.command(l, src, commandRequest{cmd: cmd, enable: true, args: args})
}

// Close detaches the listener from every source. It is safe to call more
// than once.
func (l *Listener) Close() error {
	r := l.reg
	r.mu.Lock()
	if l.closed.Swap(true) {
		r.mu.Unlock()
		return nil
	}
	r.removeListenerLocked(l)
	r.validateLocked()
	r.mu.Unlock()
	return nil
}

// dispatcherFor returns l's dispatcher on s. Callers hold the registry lock.
func (l *Listener) dispatcherFor(s *Source) *dispatcher {
	for _, d := range *s.dispatchers.Load() {
		if d.listener == l {
			return d
		}
	}
	return nil
}

func (l *Listener) invoke(ctx context.Context, event any) error {
	e, ok := event.(*EventWritten)
	if !ok {
		return fmt.Errorf("unexpected event type %T", event)
	}
	return l.handler.OnEventWritten(ctx, e)
}
