package trace

import (
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf16"

	"github.com/dshills/tracecore/internal/trace/schema"
	"github.com/dshills/tracecore/internal/trace/session"
	"github.com/google/uuid"
)

// sourceNamespace seeds name-derived source GUIDs.
var sourceNamespace = uuid.MustParse("482c2db2-c390-47c8-87f8-1a15bfc130fb")

// GUIDFromName derives the stable GUID of a source from its name. Names are
// compared case-insensitively.
func GUIDFromName(name string) uuid.UUID {
	units := utf16.Encode([]rune(strings.ToUpper(name)))
	b := make([]byte, 0, len(units)*2)
	for _, u := range units {
		b = append(b, byte(u>>8), byte(u))
	}
	return uuid.NewSHA1(sourceNamespace, b)
}

// request is one consumer's level/keyword subscription.
type request struct {
	enabled  bool
	level    schema.Level
	keywords schema.Keywords
}

// gate is the union of all requests, read with a single atomic load.
type gate struct {
	enabled  bool
	level    schema.Level
	keywords schema.Keywords
}

// eventMeta is the per-event summary consulted on every write.
type eventMeta struct {
	anyListener bool
	transport   bool
	triggers    uint8
}

// sessionSlot is one trace session's state on this source.
type sessionSlot struct {
	session   *traceSession
	req       request
	bits      []bool
	filtering bool
}

// sessionTable is the published view of the source's trace sessions.
type sessionTable struct {
	slots     [session.Max]*sessionSlot
	legacy    []*sessionSlot
	live      session.Mask
	filtering session.Mask
}

func (t *sessionTable) clone() *sessionTable {
	c := *t
	c.legacy = append([]*sessionSlot(nil), t.legacy...)
	return &c
}

func (t *sessionTable) recomputeMasks() {
	t.live, t.filtering = session.None, session.None
	for i, sl := range t.slots {
		if sl == nil {
			continue
		}
		t.live = t.live.With(i, true)
		t.filtering = t.filtering.With(i, sl.filtering)
	}
}

// find locates the trace session: slot index, or legacy index, or -1/-1.
func (t *sessionTable) find(traceID int) (slot, legacy int) {
	for i, sl := range t.slots {
		if sl != nil && sl.session.id == traceID {
			return i, -1
		}
	}
	for i, sl := range t.legacy {
		if sl.session.id == traceID {
			return -1, i
		}
	}
	return -1, -1
}

// SessionInfo describes one trace session enabled on a source.
type SessionInfo struct {
	TraceSession int
	Slot         int // -1 for legacy sessions
	Level        schema.Level
	Keywords     schema.Keywords
	Sampling     bool
}

// Source emits the events of one provider.
//
// Writes are lock-free: they read the gate, the metadata array, the session
// table and the dispatcher list through atomic pointers that the control
// plane replaces wholesale under the registry lock.
type Source struct {
	reg      *Registry
	name     string
	guid     uuid.UUID
	table    *schema.Table
	manifest []byte
	cfg      sourceConfig

	gate        atomic.Pointer[gate]
	meta        atomic.Pointer[[]eventMeta]
	dispatchers atomic.Pointer[[]*dispatcher]
	sessions    atomic.Pointer[sessionTable]
	closed      atomic.Bool

	deferMu  sync.Mutex
	deferred []deferredMessage

	errMu      sync.Mutex
	lastCmdErr error
}

func newSource(reg *Registry, name string, table *schema.Table, manifest []byte, cfg sourceConfig) *Source {
	s := &Source{
		reg:      reg,
		name:     name,
		guid:     cfg.guid,
		table:    table,
		manifest: manifest,
		cfg:      cfg,
	}
	if s.guid == uuid.Nil {
		s.guid = GUIDFromName(name)
	}
	meta := make([]eventMeta, table.Len())
	s.meta.Store(&meta)
	s.gate.Store(&gate{})
	s.dispatchers.Store(&[]*dispatcher{})
	s.sessions.Store(&sessionTable{})
	return s
}

// Name returns the source name.
func (s *Source) Name() string { return s.name }

// GUID returns the source GUID.
func (s *Source) GUID() uuid.UUID { return s.guid }

// Table returns the event metadata table.
func (s *Source) Table() *schema.Table { return s.table }

// Manifest returns the JSON manifest built for the source.
func (s *Source) Manifest() []byte { return append([]byte(nil), s.manifest...) }

// String implements fmt.Stringer.
func (s *Source) String() string { return s.name + "(" + s.guid.String() + ")" }

// IsEnabled reports whether any listener or session wants any event.
func (s *Source) IsEnabled() bool {
	return s.gate.Load().enabled
}

// IsEnabledFor is the conservative pre-filter for an event with the given
// level and keywords. It may report true for events a dispatcher later drops.
func (s *Source) IsEnabledFor(level schema.Level, keywords schema.Keywords) bool {
	g := s.gate.Load()
	if !g.enabled {
		return false
	}
	if g.level != schema.LevelLogAlways && level > g.level {
		return false
	}
	kw := keywords &^ schema.Keywords(session.KeywordBits)
	return kw == 0 || g.keywords == 0 || kw&g.keywords != 0
}

// IsEventEnabled reports whether event id would reach any consumer.
func (s *Source) IsEventEnabled(id int) bool {
	if !s.IsEnabled() {
		return false
	}
	meta := *s.meta.Load()
	if id < 0 || id >= len(meta) {
		return false
	}
	return meta[id].anyListener || meta[id].transport
}

// Sessions returns the trace sessions enabled on the source.
func (s *Source) Sessions() []SessionInfo {
	t := s.sessions.Load()
	var out []SessionInfo
	for i, sl := range t.slots {
		if sl != nil {
			out = append(out, sl.info(i))
		}
	}
	for _, sl := range t.legacy {
		out = append(out, sl.info(-1))
	}
	return out
}

func (sl *sessionSlot) info(slot int) SessionInfo {
	return SessionInfo{
		TraceSession: sl.session.id,
		Slot:         slot,
		Level:        sl.req.level,
		Keywords:     sl.req.keywords,
		Sampling:     sl.filtering,
	}
}

// LastCommandError returns the error of the most recent command, if any.
func (s *Source) LastCommandError() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.lastCmdErr
}

func (s *Source) setLastCommandError(err error) {
	s.errMu.Lock()
	s.lastCmdErr = err
	s.errMu.Unlock()
}

// Close unregisters the source. Further writes reach nobody; dispatchers
// are released when their listeners close.
func (s *Source) Close() error {
	r := s.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.closed.Swap(true) {
		return nil
	}
	r.removeSourceLocked(s)
	s.sessions.Store(&sessionTable{})
	s.gate.Store(&gate{})
	r.validateLocked()
	return nil
}

// computeBits evaluates req against every event's level and keywords.
func (s *Source) computeBits(req request) []bool {
	bits := make([]bool, s.table.Len())
	if !req.enabled {
		return bits
	}
	want := req.keywords &^ schema.Keywords(session.KeywordBits)
	for i := range bits {
		e, ok := s.table.Lookup(i)
		if !ok {
			continue
		}
		d := e.Descriptor
		kw := d.Keywords() &^ schema.Keywords(session.KeywordBits)
		if d.Level() <= req.level || req.level == schema.LevelLogAlways {
			bits[i] = kw == 0 || kw&want != 0
		}
	}
	return bits
}

// republish rebuilds the metadata array and the gate from the current
// dispatchers and sessions. Callers hold the registry lock and have already
// published the bit arrays they changed.
func (s *Source) republish() {
	meta := make([]eventMeta, s.table.Len())
	var reqs []request
	anyBit := false

	for _, d := range *s.dispatchers.Load() {
		st := d.state.Load()
		for i, b := range st.bits {
			if b {
				meta[i].anyListener = true
				anyBit = true
			}
		}
		if d.req.enabled {
			reqs = append(reqs, d.req)
		}
		s.countTriggers(meta, d.listener.filter.Load())
	}

	tbl := s.sessions.Load()
	hasTransport := s.cfg.transport != nil
	addSlot := func(sl *sessionSlot) {
		for i, b := range sl.bits {
			if b && hasTransport {
				meta[i].transport = true
				anyBit = true
			}
		}
		if sl.req.enabled {
			reqs = append(reqs, sl.req)
		}
		s.countTriggers(meta, sl.session.filter.Load())
	}
	for _, sl := range tbl.slots {
		if sl != nil {
			addSlot(sl)
		}
	}
	for _, sl := range tbl.legacy {
		addSlot(sl)
	}
	if s.cfg.mirror && hasTransport {
		for i := range meta {
			meta[i].transport = meta[i].transport || meta[i].anyListener
		}
	}
	s.meta.Store(&meta)

	g := &gate{enabled: anyBit && !s.closed.Load()}
	if g.enabled {
		g.level, g.keywords = unionRequests(reqs)
	}
	s.gate.Store(g)
}

func (s *Source) countTriggers(meta []eventMeta, f *ActivityFilter) {
	if f == nil {
		return
	}
	for _, r := range f.rules {
		if r.sourceGUID == s.guid && r.eventID >= 0 && r.eventID < len(meta) && meta[r.eventID].triggers < 255 {
			meta[r.eventID].triggers++
		}
	}
}

// unionRequests returns the most verbose level and the widest keyword mask.
// LogAlways and an empty keyword mask both mean "everything".
func unionRequests(reqs []request) (schema.Level, schema.Keywords) {
	var level schema.Level
	var kw schema.Keywords
	for i, r := range reqs {
		rkw := r.keywords &^ schema.Keywords(session.KeywordBits)
		if i == 0 {
			level, kw = r.level, rkw
			continue
		}
		if level != schema.LevelLogAlways && (r.level == schema.LevelLogAlways || r.level > level) {
			level = r.level
		}
		if kw != 0 {
			if rkw == 0 {
				kw = 0
			} else {
				kw |= rkw
			}
		}
	}
	return level, kw
}
