package trace

import (
	"context"
	"fmt"

	"github.com/dshills/tracecore/internal/trace/activity"
	"github.com/dshills/tracecore/internal/trace/payload"
	"github.com/dshills/tracecore/internal/trace/schema"
	"github.com/dshills/tracecore/internal/trace/session"
	"go.uber.org/zap"
)

// deferredMessage is an out-of-band message waiting for the registry lock
// to be released.
type deferredMessage struct {
	text string

	// listener restricts delivery to one listener.
	listener *Listener

	// sessions restricts delivery to the transport with this mask.
	sessions session.Mask

	broadcast bool
}

// report queues a diagnostic for every listener and the transport. It may
// be called with or without the registry lock held.
func (s *Source) report(text string) {
	s.reg.cfg.logger.Warn("event source diagnostic",
		zap.String("source", s.name),
		zap.String("message", text),
	)
	s.enqueue(deferredMessage{text: text, broadcast: true})
}

func (s *Source) reportTo(l *Listener, text string) {
	s.reg.cfg.logger.Warn("event source diagnostic",
		zap.String("source", s.name),
		zap.Stringer("listener", l),
		zap.String("message", text),
	)
	s.enqueue(deferredMessage{text: text, listener: l})
}

// reportSamplingInfo describes the sampling rules of one consumer:
// to listener l when it is set, otherwise to the sessions in mask.
func (s *Source) reportSamplingInfo(l *Listener, mask session.Mask, slot int, f *ActivityFilter, filtering bool) {
	msgs := make([]string, 0, 4)
	for _, ri := range f.Rules(s.guid) {
		msgs = append(msgs, fmt.Sprintf("Session %d: %d = %d", slot, ri.EventID, ri.Frequency))
	}
	state := "disabled"
	if filtering {
		state = "enabled"
	}
	msgs = append(msgs, fmt.Sprintf("Session %d: Activity Sampling support: %s", slot, state))

	for _, m := range msgs {
		s.reg.cfg.logger.Debug("sampling info", zap.String("source", s.name), zap.String("message", m))
		if l != nil {
			s.enqueue(deferredMessage{text: m, listener: l})
		} else {
			s.enqueue(deferredMessage{text: m, sessions: mask})
		}
	}
}

func (s *Source) enqueue(m deferredMessage) {
	s.deferMu.Lock()
	s.deferred = append(s.deferred, m)
	s.deferMu.Unlock()
}

// flushDeferred delivers queued diagnostics. Callers must not hold the
// registry lock. Delivery failures are ignored.
func (s *Source) flushDeferred(ctx context.Context) {
	s.deferMu.Lock()
	queue := s.deferred
	s.deferred = nil
	s.deferMu.Unlock()

	for _, m := range queue {
		s.writeMessage(ctx, m)
	}
}

// writeMessage emits one diagnostic as the message event.
func (s *Source) writeMessage(ctx context.Context, m deferredMessage) {
	entry, ok := s.table.Lookup(schema.MessageEventID)
	if !ok {
		return
	}

	if t := s.cfg.transport; t != nil && (m.broadcast || !m.sessions.IsEmpty()) && s.transportEnabled() {
		desc, mask := entry.Descriptor, session.All
		if !m.broadcast {
			mask = m.sessions
			kw := uint64(desc.Keywords())&^session.KeywordBits | mask.Keywords()
			desc = desc.WithKeywords(schema.Keywords(kw))
		}
		if data, err := payload.Encode(entry.Params, []any{m.text}); err == nil {
			_ = t.Emit(desc, mask, data)
		}
	}

	if !m.broadcast && m.listener == nil {
		return
	}
	ev := &EventWritten{
		Source:       s,
		EventID:      schema.MessageEventID,
		EventName:    entry.Name,
		Descriptor:   entry.Descriptor,
		ActivityID:   activity.FromContext(ctx),
		Payload:      []any{m.text},
		PayloadNames: []string{"message"},
		Message:      m.text,
	}
	for _, d := range *s.dispatchers.Load() {
		if m.listener != nil && d.listener != m.listener {
			continue
		}
		if !d.state.Load().any || d.listener.closed.Load() {
			continue
		}
		_ = s.reg.exec.Execute(ctx, ev, d.listener.deliver)
	}
}

// transportEnabled reports whether any session or mirrored listener
// currently receives events through the transport.
func (s *Source) transportEnabled() bool {
	t := s.sessions.Load()
	if !t.live.IsEmpty() || len(t.legacy) > 0 {
		return true
	}
	if !s.cfg.mirror {
		return false
	}
	for _, d := range *s.dispatchers.Load() {
		if d.state.Load().any {
			return true
		}
	}
	return false
}
