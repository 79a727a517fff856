package trace

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/dshills/tracecore/internal/trace/activity"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// maxCountdownRetries bounds the lock-free countdown before a rule falls
// back to its mutex.
const maxCountdownRetries = 64

// rule is one sampling trigger: every freq-th firing of eventID on the
// source identified by sourceGUID starts an activity.
type rule struct {
	sourceGUID uuid.UUID
	eventID    int
	freq       int32
	slot       int

	count atomic.Int32
	slow  sync.Mutex
}

func newRule(sourceGUID uuid.UUID, slot, eventID int, freq int32) *rule {
	r := &rule{sourceGUID: sourceGUID, eventID: eventID, freq: freq, slot: slot}
	r.count.Store(freq)
	return r
}

// countDown decrements the sampling counter, wrapping from 1 back to freq,
// and returns the value observed before the step.
func (r *rule) countDown() int32 {
	for i := 0; i < maxCountdownRetries; i++ {
		if cur, ok := r.tryCountDown(); ok {
			return cur
		}
	}

	r.slow.Lock()
	defer r.slow.Unlock()
	for {
		if cur, ok := r.tryCountDown(); ok {
			return cur
		}
	}
}

func (r *rule) tryCountDown() (int32, bool) {
	cur := r.count.Load()
	next := cur - 1
	if cur <= 1 {
		next = r.freq
	}
	return cur, r.count.CompareAndSwap(cur, next)
}

type rootKey struct {
	sourceGUID uuid.UUID
	eventID    int
}

// activityMaps is the state shared by every rule of one listener or trace
// session, across all sources.
type activityMaps struct {
	active     *xsync.MapOf[activity.ID, int32]
	roots      *xsync.MapOf[activity.ID, rootKey]
	clock      clock.Clock
	maxTracked int
}

func newActivityMaps(clk clock.Clock, maxTracked int) *activityMaps {
	return &activityMaps{
		active:     xsync.NewMapOf[activity.ID, int32](),
		roots:      xsync.NewMapOf[activity.ID, rootKey](),
		clock:      clk,
		maxTracked: maxTracked,
	}
}

func (m *activityMaps) tick() int32 {
	return int32(m.clock.Now().UnixMilli())
}

// ActivityFilter decides which events of an activity-sampling consumer pass.
// A value is immutable once published; rule changes produce a new value that
// shares the same activity maps.
type ActivityFilter struct {
	rules []*rule
	maps  *activityMaps
}

// RuleInfo describes one configured trigger.
type RuleInfo struct {
	EventID   int
	Frequency int
}

// Rules returns the triggers configured for the source with the given GUID.
func (f *ActivityFilter) Rules(sourceGUID uuid.UUID) []RuleInfo {
	if f == nil {
		return nil
	}
	var out []RuleInfo
	for _, r := range f.rules {
		if r.sourceGUID == sourceGUID {
			out = append(out, RuleInfo{EventID: r.eventID, Frequency: int(r.freq)})
		}
	}
	return out
}

// IsActive reports whether id is in the active set.
func (f *ActivityFilter) IsActive(id activity.ID) bool {
	if f == nil {
		return false
	}
	_, ok := f.maps.active.Load(id)
	return ok
}

// Tracked returns the size of the active set.
func (f *ActivityFilter) Tracked() int {
	if f == nil {
		return 0
	}
	return f.maps.active.Size()
}

// Passes runs the sampling step for one event. Trigger candidates advance
// the matching rule's countdown: the firing that reaches zero activates the
// current activity as a root, and a later firing of the same trigger under
// that root stops it. Any other event passes iff the current activity is
// active. Passing Send events flow the child activity into the active set.
func (f *ActivityFilter) Passes(sourceGUID uuid.UUID, eventID int, triggering, send bool, cur, child activity.ID, hasChild bool) bool {
	m := f.maps
	logged := false

	if triggering {
		for _, r := range f.rules {
			if r.eventID != eventID || r.sourceGUID != sourceGUID {
				continue
			}
			before := r.countDown()
			key := rootKey{sourceGUID: sourceGUID, eventID: eventID}
			root, isRoot := m.roots.Load(cur)
			switch {
			case isRoot && root == key:
				m.active.Delete(cur)
				m.roots.Delete(cur)
			case before <= 1 && !isRoot:
				logged = true
				m.active.Store(cur, m.tick())
				m.roots.Store(cur, key)
			}
			break
		}
	}

	if !logged {
		_, logged = m.active.Load(cur)
	}
	if logged && hasChild && send {
		f.flow(cur, child, true)
	}
	return logged
}

// flow marks child active when cur is active. curKnownActive skips the check.
func (f *ActivityFilter) flow(cur, child activity.ID, curKnownActive bool) {
	m := f.maps
	if !curKnownActive {
		if _, ok := m.active.Load(cur); !ok {
			return
		}
	}
	if m.active.Size() >= m.maxTracked {
		m.trim(cur)
		m.active.Store(cur, m.tick())
	}
	m.active.Store(child, m.tick())
}

// trim evicts the oldest entries, leaving room for the current and child ids
// within half of the ceiling. Evicted roots are forgotten too, except cur,
// which the caller re-inserts.
func (m *activityMaps) trim(cur activity.ID) {
	type entry struct {
		id   activity.ID
		tick int32
	}
	entries := make([]entry, 0, m.active.Size())
	m.active.Range(func(id activity.ID, tick int32) bool {
		entries = append(entries, entry{id, tick})
		return true
	})

	keep := m.maxTracked/2 - 2
	if keep < 0 {
		keep = 0
	}
	if len(entries) <= keep {
		return
	}

	now := m.tick()
	age := func(t int32) int32 { return (now - t) & 0x7FFFFFFF }
	sort.Slice(entries, func(i, j int) bool { return age(entries[i].tick) > age(entries[j].tick) })

	for _, e := range entries[:len(entries)-keep] {
		m.active.Delete(e.id)
		if e.id != cur {
			m.roots.Delete(e.id)
		}
	}
}

// complete forgets id in both maps.
func (f *ActivityFilter) complete(id activity.ID) {
	if f == nil {
		return
	}
	f.maps.active.Delete(id)
	f.maps.roots.Delete(id)
}

// withoutSource returns f minus every rule of sourceGUID, or nil when no
// rule remains (which releases the maps).
func (f *ActivityFilter) withoutSource(sourceGUID uuid.UUID) *ActivityFilter {
	if f == nil {
		return nil
	}
	kept := make([]*rule, 0, len(f.rules))
	for _, r := range f.rules {
		if r.sourceGUID != sourceGUID {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return &ActivityFilter{rules: kept, maps: f.maps}
}

// withRule returns f plus r, creating maps when f is nil.
func (f *ActivityFilter) withRule(r *rule, mk func() *activityMaps) *ActivityFilter {
	if f == nil {
		return &ActivityFilter{rules: []*rule{r}, maps: mk()}
	}
	rules := make([]*rule, 0, len(f.rules)+1)
	rules = append(rules, r)
	rules = append(rules, f.rules...)
	return &ActivityFilter{rules: rules, maps: f.maps}
}

type startEvent struct {
	id   int
	freq int
}

// parseStartEvents parses a space-separated list of "NameOrID:Frequency"
// pairs against the source's table. Malformed entries are passed to report
// and skipped.
func parseStartEvents(s *Source, spec string, report func(string)) []startEvent {
	var out []startEvent
	for _, tok := range strings.Fields(spec) {
		colon := strings.IndexByte(tok, ':')
		if colon < 0 {
			report("ERROR: Invalid ActivitySamplingStartEvent specification: " + tok)
			continue
		}
		sFreq := tok[colon+1:]
		freq, err := strconv.Atoi(sFreq)
		if err != nil || freq <= 0 || freq > 1<<30 {
			report("ERROR: Invalid sampling frequency specification: " + sFreq)
			continue
		}
		name := tok[:colon]
		id, err := strconv.Atoi(name)
		if err != nil {
			var ok bool
			if id, ok = s.table.LookupName(name); !ok {
				id = -1
			}
		}
		if _, ok := s.table.Lookup(id); !ok {
			report(fmt.Sprintf("ERROR: Invalid eventId specification: %s", name))
			continue
		}
		out = append(out, startEvent{id: id, freq: freq})
	}
	return out
}
