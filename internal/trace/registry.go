package trace

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dshills/tracecore/internal/trace/activity"
	"github.com/dshills/tracecore/internal/trace/dispatch"
	"github.com/dshills/tracecore/internal/trace/schema"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// traceSession is a machine-wide trace session shared by every source it is
// enabled on. Its filter holds the rules of all those sources.
type traceSession struct {
	id     int
	filter atomic.Pointer[ActivityFilter]

	// refs counts the sources the session is enabled on; guarded by the
	// registry lock.
	refs int
}

// Registry owns a set of sources and listeners. Every listener is attached
// to every source; the attach happens under one lock so no write can race a
// half-attached pair.
type Registry struct {
	mu   sync.Locker
	cfg  registryConfig
	exec *dispatch.Executor

	// Guarded by mu.
	sources   []*Source
	listeners []*Listener
	sessions  map[int]*traceSession
	nextID    uint64
	closed    bool

	// Snapshots for lock-free activity completion.
	listenerSnap atomic.Pointer[[]*Listener]
	sessionSnap  atomic.Pointer[[]*traceSession]
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	cfg := defaultRegistryConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	r := &Registry{
		mu:       cfg.locker,
		cfg:      cfg,
		exec:     dispatch.NewExecutor(dispatch.WithPanicHandler(cfg.panicHandler)),
		sessions: make(map[int]*traceSession),
	}
	r.listenerSnap.Store(&[]*Listener{})
	r.sessionSnap.Store(&[]*traceSession{})
	return r
}

// Logger returns the registry logger.
func (r *Registry) Logger() *zap.Logger { return r.cfg.logger }

// NewSource builds the event table for decls and registers a source. Every
// existing listener is attached before the source becomes visible, and every
// listener implementing SourceObserver is told about it afterwards.
func (r *Registry) NewSource(name string, decls []schema.EventDecl, opts ...SourceOption) (*Source, error) {
	table, manifest, err := schema.Build(name, decls)
	if err != nil {
		return nil, fmt.Errorf("build schema for %s: %w", name, err)
	}
	var cfg sourceConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	s := newSource(r, name, table, manifest, cfg)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	for _, other := range r.sources {
		if other.guid == s.guid {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSource, s.guid)
		}
	}
	ds := make([]*dispatcher, 0, len(r.listeners))
	for _, l := range r.listeners {
		ds = append(ds, newDispatcher(l, table.Len()))
	}
	s.dispatchers.Store(&ds)
	r.sources = append(r.sources, s)
	listeners := append([]*Listener(nil), r.listeners...)
	r.validateLocked()
	r.mu.Unlock()

	r.cfg.logger.Debug("event source created",
		zap.String("source", name),
		zap.Stringer("guid", s.guid),
		zap.Int("events", len(table.Entries())),
	)
	for _, l := range listeners {
		if obs, ok := l.handler.(SourceObserver); ok && !l.closed.Load() {
			obs.OnEventSourceCreated(s)
		}
	}
	return s, nil
}

// NewListener registers h and attaches it to every source. When h
// implements SourceObserver it is called once per existing source, outside
// the registry lock, so it may enable events from the callback.
func (r *Registry) NewListener(h Handler, opts ...ListenerOption) (*Listener, error) {
	if h == nil {
		return nil, ErrNilHandler
	}
	var cfg listenerConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	l := &Listener{reg: r, name: cfg.name, handler: h}
	l.deliver = dispatch.HandlerFunc(l.invoke)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	r.nextID++
	l.id = r.nextID
	for _, s := range r.sources {
		old := *s.dispatchers.Load()
		ds := make([]*dispatcher, 0, len(old)+1)
		ds = append(ds, old...)
		ds = append(ds, newDispatcher(l, s.table.Len()))
		s.dispatchers.Store(&ds)
	}
	r.listeners = append(r.listeners, l)
	r.publishListenersLocked()
	sources := append([]*Source(nil), r.sources...)
	r.validateLocked()
	r.mu.Unlock()

	if obs, ok := h.(SourceObserver); ok {
		for _, s := range sources {
			if l.closed.Load() {
				break
			}
			obs.OnEventSourceCreated(s)
		}
	}
	return l, nil
}

// Sources returns the registered sources.
func (r *Registry) Sources() []*Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Source(nil), r.sources...)
}

// Source returns the registered source with the given name.
func (r *Registry) Source(name string) (*Source, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sources {
		if s.name == name {
			return s, true
		}
	}
	return nil, false
}

// Listeners returns the registered listeners.
func (r *Registry) Listeners() []*Listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Listener(nil), r.listeners...)
}

// Close disposes every listener and closes every source.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	listeners := append([]*Listener(nil), r.listeners...)
	sources := append([]*Source(nil), r.sources...)
	r.mu.Unlock()

	var err error
	for _, l := range listeners {
		err = multierr.Append(err, l.Close())
	}
	for _, s := range sources {
		err = multierr.Append(err, s.Close())
	}
	return err
}

// SwitchActivity returns a context carrying id. The activity previously
// carried by ctx is completed and forgotten by every filter.
func (r *Registry) SwitchActivity(ctx context.Context, id activity.ID) context.Context {
	if prev := activity.FromContext(ctx); prev != activity.Nil && prev != id {
		r.CompleteActivity(prev)
	}
	return activity.WithID(ctx, id)
}

// CompleteActivity removes id from every listener and session filter.
func (r *Registry) CompleteActivity(id activity.ID) {
	for _, l := range *r.listenerSnap.Load() {
		l.filter.Load().complete(id)
	}
	for _, ts := range *r.sessionSnap.Load() {
		ts.filter.Load().complete(id)
	}
}

// TrackedActivities returns the number of active activities summed over every
// listener and trace session filter.
func (r *Registry) TrackedActivities() int {
	n := 0
	for _, l := range *r.listenerSnap.Load() {
		n += l.filter.Load().Tracked()
	}
	for _, ts := range *r.sessionSnap.Load() {
		n += ts.filter.Load().Tracked()
	}
	return n
}

// HandlerStats returns the counters of the executor that runs listener
// deliveries and command handlers.
func (r *Registry) HandlerStats() dispatch.Stats { return r.exec.Stats() }

func (r *Registry) newActivityMaps() *activityMaps {
	return newActivityMaps(r.cfg.clock, r.cfg.maxTracked)
}

func (r *Registry) publishListenersLocked() {
	snap := append([]*Listener(nil), r.listeners...)
	r.listenerSnap.Store(&snap)
}

func (r *Registry) publishSessionsLocked() {
	snap := make([]*traceSession, 0, len(r.sessions))
	for _, ts := range r.sessions {
		snap = append(snap, ts)
	}
	r.sessionSnap.Store(&snap)
}

// acquireSessionLocked returns the trace session with id, creating it, and
// counts one more source using it.
func (r *Registry) acquireSessionLocked(id int) *traceSession {
	ts, ok := r.sessions[id]
	if !ok {
		ts = &traceSession{id: id}
		r.sessions[id] = ts
		r.publishSessionsLocked()
	}
	ts.refs++
	return ts
}

func (r *Registry) releaseSessionLocked(ts *traceSession) {
	ts.refs--
	if ts.refs > 0 {
		return
	}
	ts.filter.Store(nil)
	delete(r.sessions, ts.id)
	r.publishSessionsLocked()
}

// removeListenerLocked detaches l from every source.
func (r *Registry) removeListenerLocked(l *Listener) {
	for _, s := range r.sources {
		old := *s.dispatchers.Load()
		ds := make([]*dispatcher, 0, len(old))
		for _, d := range old {
			if d.listener != l {
				ds = append(ds, d)
			}
		}
		s.dispatchers.Store(&ds)
		s.republish()
	}
	l.filter.Store(nil)
	for i, other := range r.listeners {
		if other == l {
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			break
		}
	}
	r.publishListenersLocked()
	r.cfg.logger.Debug("listener closed", zap.Stringer("listener", l))
}

// removeSourceLocked unregisters s and drops its sampling rules.
func (r *Registry) removeSourceLocked(s *Source) {
	tbl := s.sessions.Load()
	release := func(sl *sessionSlot) {
		sl.session.filter.Store(sl.session.filter.Load().withoutSource(s.guid))
		r.releaseSessionLocked(sl.session)
	}
	for _, sl := range tbl.slots {
		if sl != nil {
			release(sl)
		}
	}
	for _, sl := range tbl.legacy {
		release(sl)
	}
	for _, l := range r.listeners {
		l.filter.Store(l.filter.Load().withoutSource(s.guid))
	}
	for i, other := range r.sources {
		if other == s {
			r.sources = append(r.sources[:i], r.sources[i+1:]...)
			break
		}
	}
	s.dispatchers.Store(&[]*dispatcher{})
	r.cfg.logger.Debug("event source closed", zap.String("source", s.name))
}

// Validate checks that every listener has exactly one dispatcher on every
// source and that no dispatcher belongs to an unregistered listener.
func (r *Registry) Validate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checkLocked()
}

func (r *Registry) validateLocked() {
	if !r.cfg.validate {
		return
	}
	if err := r.checkLocked(); err != nil {
		r.cfg.logger.Error("registry validation failed", zap.Error(err))
	}
}

func (r *Registry) checkLocked() error {
	known := make(map[*Listener]bool, len(r.listeners))
	for _, l := range r.listeners {
		if l.closed.Load() {
			return fmt.Errorf("%w: closed listener %s still registered", ErrInconsistent, l)
		}
		known[l] = true
	}
	var err error
	for _, s := range r.sources {
		seen := make(map[*Listener]int, len(known))
		for _, d := range *s.dispatchers.Load() {
			if !known[d.listener] {
				err = multierr.Append(err, fmt.Errorf("%w: source %s has dispatcher for unregistered %s", ErrInconsistent, s.name, d.listener))
			}
			if len(d.state.Load().bits) != s.table.Len() {
				err = multierr.Append(err, fmt.Errorf("%w: source %s dispatcher for %s has %d bits, want %d",
					ErrInconsistent, s.name, d.listener, len(d.state.Load().bits), s.table.Len()))
			}
			seen[d.listener]++
		}
		for l := range known {
			if seen[l] != 1 {
				err = multierr.Append(err, fmt.Errorf("%w: listener %s has %d dispatchers on %s", ErrInconsistent, l, seen[l], s.name))
			}
		}
	}
	return err
}
