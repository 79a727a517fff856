// Package memory provides an in-process trace transport that records
// everything it is given. It is meant for tests and for tools that inspect
// what a session would have received.
package memory

import (
	"sync"

	"github.com/dshills/tracecore/internal/trace"
	"github.com/dshills/tracecore/internal/trace/schema"
	"github.com/dshills/tracecore/internal/trace/session"
	"github.com/google/uuid"
)

// Emission is one accepted event.
type Emission struct {
	Descriptor schema.Descriptor
	Sessions   session.Mask
	Payload    []byte
}

// Manifest is one forwarded source manifest.
type Manifest struct {
	GUID   uuid.UUID
	Name   string
	Schema []byte
}

// Transport records emissions. The zero value is ready to use.
type Transport struct {
	mu        sync.Mutex
	capacity  int
	failWith  error
	emissions []Emission
	manifests []Manifest
}

// New creates a transport that rejects events with trace.ErrNoFreeBuffers
// once capacity emissions are held. A capacity of zero means unbounded.
func New(capacity int) *Transport {
	return &Transport{capacity: capacity}
}

// Emit implements trace.Transport.
func (t *Transport) Emit(desc schema.Descriptor, sessions session.Mask, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failWith != nil {
		return t.failWith
	}
	if t.capacity > 0 && len(t.emissions) >= t.capacity {
		return trace.ErrNoFreeBuffers
	}
	t.emissions = append(t.emissions, Emission{
		Descriptor: desc,
		Sessions:   sessions,
		Payload:    append([]byte(nil), payload...),
	})
	return nil
}

// WriteManifest implements trace.ManifestWriter.
func (t *Transport) WriteManifest(guid uuid.UUID, name string, manifest []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.manifests = append(t.manifests, Manifest{GUID: guid, Name: name, Schema: append([]byte(nil), manifest...)})
	return nil
}

// FailWith makes every following Emit return err. Pass nil to recover.
func (t *Transport) FailWith(err error) {
	t.mu.Lock()
	t.failWith = err
	t.mu.Unlock()
}

// Emissions returns a copy of the recorded events, diagnostics included.
func (t *Transport) Emissions() []Emission {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Emission(nil), t.emissions...)
}

// Events returns the recorded events with id, excluding diagnostics when
// id is negative.
func (t *Transport) Events(id int) []Emission {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Emission
	for _, e := range t.emissions {
		eid := int(e.Descriptor.ID())
		if (id < 0 && eid != schema.MessageEventID) || eid == id {
			out = append(out, e)
		}
	}
	return out
}

// Manifests returns a copy of the forwarded manifests.
func (t *Transport) Manifests() []Manifest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Manifest(nil), t.manifests...)
}

// Reset drops everything recorded so far.
func (t *Transport) Reset() {
	t.mu.Lock()
	t.emissions = nil
	t.manifests = nil
	t.mu.Unlock()
}
