package schema

import (
	"errors"
	"testing"

	"github.com/dshills/tracecore/internal/trace/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func sampleDecls() []EventDecl {
	return []EventDecl{
		{ID: 1, Name: "RequestStart", Level: LevelInformational, Opcode: OpcodeStart, Keywords: 0x1,
			Params: []Param{{Name: "url", Kind: KindString}}},
		{ID: 3, Name: "RequestSend", Level: LevelVerbose, Opcode: OpcodeSend},
	}
}

func TestBuildTable(t *testing.T) {
	table, manifest, err := Build("Demo", sampleDecls())
	require.NoError(t, err)
	require.NotNil(t, manifest)

	assert.Equal(t, 4, table.Len())
	assert.Equal(t, "Demo", table.Source())

	e, ok := table.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, "RequestStart", e.Name)
	assert.Equal(t, LevelInformational, e.Descriptor.Level())
	assert.Equal(t, OpcodeStart, e.Descriptor.Opcode())
	assert.Equal(t, Keywords(0x1|session.KeywordBits), e.Descriptor.Keywords())

	_, ok = table.Lookup(2)
	assert.False(t, ok, "gap ids are undeclared")
	_, ok = table.Lookup(99)
	assert.False(t, ok)
	_, ok = table.Lookup(-1)
	assert.False(t, ok)

	msg, ok := table.Lookup(MessageEventID)
	require.True(t, ok)
	assert.Equal(t, MessageEventName, msg.Name)
	assert.Len(t, table.Entries(), 3)
}

func TestBuildEmptyDecls(t *testing.T) {
	table, _, err := Build("Empty", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, table.Len())

	var nilTable *Table
	assert.Equal(t, 0, nilTable.Len())
	_, ok := nilTable.Lookup(0)
	assert.False(t, ok)
}

func TestLookupName(t *testing.T) {
	table, _, err := Build("Demo", sampleDecls())
	require.NoError(t, err)

	id, ok := table.LookupName("requeststart")
	assert.True(t, ok)
	assert.Equal(t, 1, id)

	_, ok = table.LookupName("missing")
	assert.False(t, ok)
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name  string
		decls []EventDecl
		want  error
	}{
		{"zero id", []EventDecl{{ID: 0, Name: "A"}}, ErrInvalidEventID},
		{"too large", []EventDecl{{ID: MaxEventID + 1, Name: "A"}}, ErrInvalidEventID},
		{"duplicate id", []EventDecl{{ID: 1, Name: "A"}, {ID: 1, Name: "B"}}, ErrDuplicateEventID},
		{"duplicate name", []EventDecl{{ID: 1, Name: "A"}, {ID: 2, Name: "a"}}, ErrDuplicateEventName},
		{"message name", []EventDecl{{ID: 1, Name: MessageEventName}}, ErrDuplicateEventName},
		{"reserved keywords", []EventDecl{{ID: 1, Name: "A", Keywords: Keywords(session.KeywordBits)}}, ErrReservedKeywords},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Build("Bad", tt.decls)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestDefaultNames(t *testing.T) {
	table, _, err := Build("Demo", []EventDecl{{ID: 7}})
	require.NoError(t, err)
	e, ok := table.Lookup(7)
	require.True(t, ok)
	assert.Equal(t, "Event7", e.Name)
}

func TestManifest(t *testing.T) {
	_, manifest, err := Build("Demo", sampleDecls())
	require.NoError(t, err)

	doc := gjson.ParseBytes(manifest)
	assert.Equal(t, "Demo", doc.Get("provider").String())
	events := doc.Get("events").Array()
	require.Len(t, events, 3)

	assert.Equal(t, int64(0), events[0].Get("id").Int())
	assert.Equal(t, "RequestStart", events[1].Get("name").String())
	assert.Equal(t, "Start", events[1].Get("opcode").String())
	assert.Equal(t, "url", events[1].Get("params.0.name").String())
	assert.Equal(t, "string", events[1].Get("params.0.type").String())
	assert.Equal(t, "Send", events[2].Get("opcode").String())
	assert.Len(t, events[2].Get("params").Array(), 0)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"", LevelLogAlways, false},
		{"Informational", LevelInformational, false},
		{"info", LevelInformational, false},
		{"WARN", LevelWarning, false},
		{"5", LevelVerbose, false},
		{"loud", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidLevel)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "ParseLevel(%q)", tt.in)
	}
}

func TestOpcodeTransfer(t *testing.T) {
	assert.True(t, OpcodeSend.IsTransfer())
	assert.True(t, OpcodeReceive.IsTransfer())
	assert.False(t, OpcodeStart.IsTransfer())
	assert.Equal(t, "Opcode(77)", Opcode(77).String())
	assert.Equal(t, "Level(9)", Level(9).String())
}

func TestDescriptorWithKeywords(t *testing.T) {
	d := NewDescriptor(4, 1, LevelError, OpcodeInfo, 2, 0x10)
	e := d.WithKeywords(0x20)
	assert.Equal(t, Keywords(0x10), d.Keywords())
	assert.Equal(t, Keywords(0x20), e.Keywords())
	assert.Equal(t, uint32(4), e.ID())
	assert.Contains(t, d.String(), "event 4")
}
