// Package schema turns declarative event definitions into the metadata table
// an event source consults on every write, and into the JSON manifest that
// transports forward to out-of-process consumers.
package schema

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dshills/tracecore/internal/trace/session"
	"github.com/tidwall/sjson"
)

// Sentinel errors for schema construction.
var (
	// ErrInvalidLevel is returned when a level name cannot be parsed.
	ErrInvalidLevel = errors.New("invalid event level")

	// ErrInvalidEventID is returned for ids outside [1, MaxEventID].
	ErrInvalidEventID = errors.New("invalid event id")

	// ErrDuplicateEventID is returned when two declarations share an id.
	ErrDuplicateEventID = errors.New("duplicate event id")

	// ErrDuplicateEventName is returned when two declarations share a name.
	ErrDuplicateEventName = errors.New("duplicate event name")

	// ErrReservedKeywords is returned when a declaration uses the session keyword range.
	ErrReservedKeywords = errors.New("keywords overlap the reserved session range")
)

const (
	// MessageEventID is reserved for diagnostic string events.
	MessageEventID = 0

	// MessageEventName is the name of the diagnostic string event.
	MessageEventName = "EventSourceMessage"

	// MaxEventID is the largest declarable event id.
	MaxEventID = 65535
)

// Kind is the wire type of one payload field.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindString
	KindBool
	KindInt32
	KindInt64
	KindUint32
	KindUint64
	KindFloat64
	KindGUID
	KindBytes
)

var kindNames = map[Kind]string{
	KindUnknown: "unknown",
	KindString:  "string",
	KindBool:    "bool",
	KindInt32:   "int32",
	KindInt64:   "int64",
	KindUint32:  "uint32",
	KindUint64:  "uint64",
	KindFloat64: "float64",
	KindGUID:    "guid",
	KindBytes:   "bytes",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Param names one payload field.
type Param struct {
	Name string
	Kind Kind
}

// EventDecl declares one event of a source.
type EventDecl struct {
	ID       int
	Name     string
	Level    Level
	Keywords Keywords
	Opcode   Opcode
	Task     uint32
	Version  uint8
	Message  string
	Params   []Param
}

// Entry is the table row for one event id.
type Entry struct {
	Descriptor Descriptor
	Name       string
	Message    string
	Params     []Param

	// Declared is false for ids inside the table range that no declaration claimed.
	Declared bool
}

// Table is the immutable per-source event metadata, indexed by event id.
type Table struct {
	source  string
	entries []Entry
	byName  map[string]int
}

// Len returns the number of slots in the table (largest id + 1).
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// Source returns the name of the source the table was built for.
func (t *Table) Source() string { return t.source }

// Lookup returns the entry for id. ok is false for undeclared or out-of-range ids.
func (t *Table) Lookup(id int) (Entry, bool) {
	if t == nil || id < 0 || id >= len(t.entries) {
		return Entry{}, false
	}
	e := t.entries[id]
	return e, e.Declared
}

// LookupName resolves an event name case-insensitively.
func (t *Table) LookupName(name string) (int, bool) {
	if t == nil {
		return 0, false
	}
	id, ok := t.byName[strings.ToLower(name)]
	return id, ok
}

// Entries returns the declared entries in id order.
func (t *Table) Entries() []Entry {
	if t == nil {
		return nil
	}
	out := make([]Entry, 0, len(t.byName))
	for _, e := range t.entries {
		if e.Declared {
			out = append(out, e)
		}
	}
	return out
}

func messageDecl() EventDecl {
	return EventDecl{
		ID:       MessageEventID,
		Name:     MessageEventName,
		Level:    LevelLogAlways,
		Keywords: KeywordsNone,
		Message:  "{0}",
		Params:   []Param{{Name: "message", Kind: KindString}},
	}
}

// Build validates decls and produces the metadata table and JSON manifest for
// a source. Every descriptor carries all session keyword bits so the generic
// descriptor can be emitted whenever every live session wants an event.
func Build(sourceName string, decls []EventDecl) (*Table, []byte, error) {
	all := make([]EventDecl, 0, len(decls)+1)
	all = append(all, messageDecl())

	maxID := 0
	seenID := make(map[int]bool, len(decls))
	seenName := map[string]bool{strings.ToLower(MessageEventName): true}
	for _, d := range decls {
		if d.ID < 1 || d.ID > MaxEventID {
			return nil, nil, fmt.Errorf("%w: %d", ErrInvalidEventID, d.ID)
		}
		if seenID[d.ID] {
			return nil, nil, fmt.Errorf("%w: %d", ErrDuplicateEventID, d.ID)
		}
		if uint64(d.Keywords)&session.KeywordBits != 0 {
			return nil, nil, fmt.Errorf("%w: event %d keywords 0x%x", ErrReservedKeywords, d.ID, uint64(d.Keywords))
		}
		name := d.Name
		if name == "" {
			name = fmt.Sprintf("Event%d", d.ID)
		}
		if seenName[strings.ToLower(name)] {
			return nil, nil, fmt.Errorf("%w: %s", ErrDuplicateEventName, name)
		}
		seenID[d.ID] = true
		seenName[strings.ToLower(name)] = true
		d.Name = name
		all = append(all, d)
		if d.ID > maxID {
			maxID = d.ID
		}
	}

	t := &Table{
		source:  sourceName,
		entries: make([]Entry, maxID+1),
		byName:  make(map[string]int, len(all)),
	}
	for _, d := range all {
		kw := Keywords(uint64(d.Keywords) | session.KeywordBits)
		t.entries[d.ID] = Entry{
			Descriptor: NewDescriptor(uint32(d.ID), d.Version, d.Level, d.Opcode, d.Task, kw),
			Name:       d.Name,
			Message:    d.Message,
			Params:     append([]Param(nil), d.Params...),
			Declared:   true,
		}
		t.byName[strings.ToLower(d.Name)] = d.ID
	}

	manifest, err := buildManifest(sourceName, t)
	if err != nil {
		return nil, nil, err
	}
	return t, manifest, nil
}

func buildManifest(sourceName string, t *Table) ([]byte, error) {
	doc, err := sjson.SetBytes([]byte(`{"events":[]}`), "provider", sourceName)
	if err != nil {
		return nil, err
	}

	entries := t.Entries()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Descriptor.ID() < entries[j].Descriptor.ID() })

	for _, e := range entries {
		ev, err := manifestEvent(e)
		if err != nil {
			return nil, err
		}
		if doc, err = sjson.SetRawBytes(doc, "events.-1", ev); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

func manifestEvent(e Entry) ([]byte, error) {
	d := e.Descriptor
	fields := []struct {
		path  string
		value any
	}{
		{"id", d.ID()},
		{"name", e.Name},
		{"version", d.Version()},
		{"level", d.Level().String()},
		{"opcode", d.Opcode().String()},
		{"task", d.Task()},
		{"keywords", fmt.Sprintf("0x%x", uint64(d.Keywords()))},
		{"message", e.Message},
	}

	ev := []byte(`{"params":[]}`)
	var err error
	for _, f := range fields {
		if ev, err = sjson.SetBytes(ev, f.path, f.value); err != nil {
			return nil, err
		}
	}
	for _, p := range e.Params {
		param, err := sjson.SetBytes([]byte(`{}`), "name", p.Name)
		if err != nil {
			return nil, err
		}
		if param, err = sjson.SetBytes(param, "type", p.Kind.String()); err != nil {
			return nil, err
		}
		if ev, err = sjson.SetRawBytes(ev, "params.-1", param); err != nil {
			return nil, err
		}
	}
	return ev, nil
}
