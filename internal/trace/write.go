package trace

import (
	"context"
	"fmt"

	"github.com/dshills/tracecore/internal/trace/activity"
	"github.com/dshills/tracecore/internal/trace/payload"
	"github.com/dshills/tracecore/internal/trace/schema"
	"github.com/dshills/tracecore/internal/trace/session"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// writeRequest carries one emission through the two delivery legs.
type writeRequest struct {
	id         int
	entry      schema.Entry
	meta       eventMeta
	cur        activity.ID
	related    activity.ID
	hasRelated bool
	args       []any
	raw        []byte
}

func (w *writeRequest) send() bool {
	return w.entry.Descriptor.Opcode() == schema.OpcodeSend
}

// Write emits event id with args under the activity carried by ctx. It is a
// no-op when the source is disabled.
//
// Transport failures are reported through *WriteError on strict sources
// only. Listener failures are collected into one *DeliveryError after every
// enabled listener has run.
func (s *Source) Write(ctx context.Context, id int, args ...any) error {
	if !s.gate.Load().enabled {
		return nil
	}
	return s.write(ctx, &writeRequest{id: id, args: args})
}

// WriteTransfer emits a Send or Receive event that relates the current
// activity to related.
func (s *Source) WriteTransfer(ctx context.Context, id int, related activity.ID, args ...any) error {
	if !s.gate.Load().enabled {
		return nil
	}
	if e, ok := s.table.Lookup(id); ok && !e.Descriptor.Opcode().IsTransfer() {
		return fmt.Errorf("%w: event %d has opcode %s", ErrNeedTransferOpcode, id, e.Descriptor.Opcode())
	}
	return s.write(ctx, &writeRequest{id: id, args: args, related: related, hasRelated: true})
}

// WriteRaw emits an already encoded payload. Listeners receive it decoded.
// A nil related id means no related activity.
func (s *Source) WriteRaw(ctx context.Context, id int, related activity.ID, data []byte) error {
	if !s.gate.Load().enabled {
		return nil
	}
	if data == nil {
		data = []byte("[]")
	}
	return s.write(ctx, &writeRequest{id: id, raw: data, related: related, hasRelated: related != activity.Nil})
}

func (s *Source) write(ctx context.Context, w *writeRequest) error {
	meta := *s.meta.Load()
	if w.id < 0 || w.id >= len(meta) {
		s.reg.cfg.logger.Debug("write of unknown event dropped", zap.String("source", s.name), zap.Int("event_id", w.id))
		return nil
	}
	w.meta = meta[w.id]
	if !w.meta.anyListener && !w.meta.transport {
		return nil
	}
	entry, ok := s.table.Lookup(w.id)
	if !ok {
		s.reg.cfg.logger.Debug("write of undeclared event dropped", zap.String("source", s.name), zap.Int("event_id", w.id))
		return nil
	}
	w.entry = entry
	w.cur = activity.FromContext(ctx)

	var err error
	if w.meta.transport {
		err = s.writeTransport(w)
	}
	if w.meta.anyListener {
		err = multierr.Append(err, s.writeListeners(ctx, w))
	}
	s.reg.cfg.observer.EventWritten(s.name, w.id)
	s.flushDeferred(ctx)
	return err
}

// passes runs f for one consumer. Unfiltered consumers always pass, but the
// filter still runs so triggers and transfers are tracked.
func (s *Source) passes(f *ActivityFilter, filtering bool, w *writeRequest) bool {
	if f == nil {
		return true
	}
	ok := f.Passes(s.guid, w.id, w.meta.triggers > 0, w.send(), w.cur, w.related, w.hasRelated)
	return ok || !filtering
}

// sessionPasses is passes for a trace session. A sampling session with no
// trigger rules anywhere has no filter and receives nothing.
func (s *Source) sessionPasses(f *ActivityFilter, filtering bool, w *writeRequest) bool {
	if f == nil {
		return !filtering
	}
	return s.passes(f, filtering, w)
}

// sessionMask computes which live sessions want the event. legacy reports
// whether a legacy session wants it too.
func (s *Source) sessionMask(tbl *sessionTable, w *writeRequest) (mask session.Mask, legacy bool) {
	for i, sl := range tbl.slots {
		if sl == nil || w.id >= len(sl.bits) || !sl.bits[w.id] {
			continue
		}
		if s.sessionPasses(sl.session.filter.Load(), sl.filtering, w) {
			mask = mask.With(i, true)
		}
	}
	for _, sl := range tbl.legacy {
		if w.id >= len(sl.bits) || !sl.bits[w.id] {
			continue
		}
		legacy = true
		s.passes(sl.session.filter.Load(), sl.filtering, w)
	}
	return mask, legacy
}

func (s *Source) writeTransport(w *writeRequest) error {
	t := s.cfg.transport
	if t == nil {
		return nil
	}
	tbl := s.sessions.Load()
	mask, legacy := s.sessionMask(tbl, w)
	generic := legacy || (s.cfg.mirror && w.meta.anyListener)
	if mask.IsEmpty() && !generic {
		return nil
	}

	desc := w.entry.Descriptor
	sendMask := session.All
	if !generic && !mask.IsEqualOrSupersetOf(tbl.live) {
		kw := uint64(desc.Keywords())&^session.KeywordBits | mask.Keywords()
		desc = desc.WithKeywords(schema.Keywords(kw))
		sendMask = mask
	}

	data := w.raw
	var err error
	if data == nil {
		data, err = payload.Encode(w.entry.Params, w.args)
	}
	if err == nil {
		err = t.Emit(desc, sendMask, data)
	}
	if err == nil {
		return nil
	}

	kind := classifyWriteError(err)
	s.reg.cfg.observer.TransportFailed(s.name, w.id, kind)
	if !s.cfg.strict {
		s.reg.cfg.logger.Debug("transport write dropped",
			zap.String("source", s.name),
			zap.Int("event_id", w.id),
			zap.Stringer("kind", kind),
			zap.Error(err),
		)
		return nil
	}
	werr := &WriteError{Source: s.name, EventID: w.id, Kind: kind, Err: err}
	s.report(fmt.Sprintf("ERROR: %v", werr))
	return werr
}

func (s *Source) writeListeners(ctx context.Context, w *writeRequest) error {
	var ev *EventWritten
	var errs error
	for _, d := range *s.dispatchers.Load() {
		st := d.state.Load()
		if w.id >= len(st.bits) || !st.bits[w.id] || d.listener.closed.Load() {
			continue
		}
		if !s.passes(d.listener.filter.Load(), st.activityFiltering, w) {
			continue
		}
		if ev == nil {
			var err error
			if ev, err = s.newEventWritten(w); err != nil {
				s.report(fmt.Sprintf("ERROR: Event %d payload could not be decoded: %v", w.id, err))
				return err
			}
		}

		res := s.reg.exec.Execute(ctx, ev, d.listener.deliver)
		if err := res.Err(); err != nil {
			l := d.listener
			errs = multierr.Append(errs, &ListenerError{ListenerID: l.id, Listener: l.name, EventID: w.id, Err: err})
			s.reg.cfg.observer.ListenerFailed(s.name, w.id, l.id)
			s.reportTo(l, fmt.Sprintf("ERROR: Exception in OnEventWritten for %s on event %d: %v", l, w.id, err))
		}
	}
	if errs != nil {
		return &DeliveryError{Source: s.name, EventID: w.id, Err: errs}
	}
	return nil
}

// newEventWritten builds the value shared by every listener of one write.
func (s *Source) newEventWritten(w *writeRequest) (*EventWritten, error) {
	args := w.args
	if w.raw != nil {
		var err error
		if args, err = payload.Decode(w.entry.Params, w.raw); err != nil {
			return nil, err
		}
	}
	names := make([]string, len(w.entry.Params))
	for i, p := range w.entry.Params {
		names[i] = p.Name
	}
	ev := &EventWritten{
		Source:       s,
		EventID:      w.id,
		EventName:    w.entry.Name,
		Descriptor:   w.entry.Descriptor,
		ActivityID:   w.cur,
		Payload:      args,
		PayloadNames: names,
		Message:      w.entry.Message,
	}
	if w.hasRelated {
		ev.RelatedActivityID = w.related
	}
	return ev, nil
}
