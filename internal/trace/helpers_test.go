package trace

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/dshills/tracecore/internal/trace/schema"
	"github.com/dshills/tracecore/internal/trace/session"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const (
	evRequestStart = 1
	evCacheHit     = 2
	evDiskWrite    = 3
	evTransfer     = 4
	evSample       = 5
	evDetail       = 6
)

func testDecls() []schema.EventDecl {
	return []schema.EventDecl{
		{ID: evRequestStart, Name: "RequestStart", Level: schema.LevelInformational,
			Params: []schema.Param{{Name: "path", Kind: schema.KindString}}},
		{ID: evCacheHit, Name: "CacheHit", Level: schema.LevelInformational, Keywords: 0x1},
		{ID: evDiskWrite, Name: "DiskWrite", Level: schema.LevelInformational, Keywords: 0x2},
		{ID: evTransfer, Name: "Transfer", Level: schema.LevelInformational, Opcode: schema.OpcodeSend},
		{ID: evSample, Name: "Sample", Level: schema.LevelInformational},
		{ID: evDetail, Name: "Detail", Level: schema.LevelVerbose},
	}
}

type emission struct {
	desc    schema.Descriptor
	mask    session.Mask
	payload []byte
}

// recordingTransport records emissions and can fail on demand.
type recordingTransport struct {
	mu        sync.Mutex
	emits     []emission
	manifests []string
	fail      error
}

func (t *recordingTransport) Emit(desc schema.Descriptor, mask session.Mask, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail != nil && desc.ID() != schema.MessageEventID {
		return t.fail
	}
	t.emits = append(t.emits, emission{desc: desc, mask: mask, payload: append([]byte(nil), data...)})
	return nil
}

func (t *recordingTransport) WriteManifest(_ uuid.UUID, name string, _ []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.manifests = append(t.manifests, name)
	return nil
}

// events returns the non-diagnostic emissions.
func (t *recordingTransport) events() []emission {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []emission
	for _, e := range t.emits {
		if e.desc.ID() != schema.MessageEventID {
			out = append(out, e)
		}
	}
	return out
}

func (t *recordingTransport) messages() []emission {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []emission
	for _, e := range t.emits {
		if e.desc.ID() == schema.MessageEventID {
			out = append(out, e)
		}
	}
	return out
}

// recorder is a listener handler that keeps every event.
type recorder struct {
	mu      sync.Mutex
	events  []*EventWritten
	created []*Source
	err     error
	panic   any
}

func (r *recorder) OnEventWritten(_ context.Context, e *EventWritten) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	err, p := r.err, r.panic
	r.mu.Unlock()
	if e.EventID == schema.MessageEventID {
		return nil
	}
	if p != nil {
		panic(p)
	}
	return err
}

func (r *recorder) OnEventSourceCreated(s *Source) {
	r.mu.Lock()
	r.created = append(r.created, s)
	r.mu.Unlock()
}

func (r *recorder) byID(id int) []*EventWritten {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*EventWritten
	for _, e := range r.events {
		if e.EventID == id {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.EventID == schema.MessageEventID {
			out = append(out, e.Message)
		}
	}
	return out
}

var errListener = errors.New("listener failed")

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	opts = append([]Option{WithClock(clk), WithValidation(true)}, opts...)
	reg := NewRegistry(opts...)
	t.Cleanup(func() { _ = reg.Close() })
	return reg, clk
}

func newTestSource(t *testing.T, reg *Registry, opts ...SourceOption) *Source {
	t.Helper()
	src, err := reg.NewSource("Test-Source", testDecls(), opts...)
	require.NoError(t, err)
	return src
}

func newTestListener(t *testing.T, reg *Registry) (*Listener, *recorder) {
	t.Helper()
	rec := &recorder{}
	l, err := reg.NewListener(rec)
	require.NoError(t, err)
	return l, rec
}

// anyBitSet reports whether any dispatcher or session has an event enabled.
func anyBitSet(s *Source) bool {
	for _, d := range *s.dispatchers.Load() {
		if d.state.Load().any {
			return true
		}
	}
	tbl := s.sessions.Load()
	check := func(sl *sessionSlot) bool {
		for _, b := range sl.bits {
			if b {
				return true
			}
		}
		return false
	}
	for _, sl := range tbl.slots {
		if sl != nil && check(sl) {
			return true
		}
	}
	for _, sl := range tbl.legacy {
		if check(sl) {
			return true
		}
	}
	return false
}
