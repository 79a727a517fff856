package session

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromID(t *testing.T) {
	tests := []struct {
		id      int
		want    Mask
		wantErr bool
	}{
		{0, 0x1, false},
		{1, 0x2, false},
		{3, 0x8, false},
		{4, None, true},
		{-1, None, true},
	}

	for _, tt := range tests {
		got, err := FromID(tt.id)
		if tt.wantErr {
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidID))
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestMustFromIDPanics(t *testing.T) {
	assert.Panics(t, func() { MustFromID(Max) })
}

func TestKeywordsRoundTrip(t *testing.T) {
	m := MustFromID(0).Union(MustFromID(2))
	kw := m.Keywords()
	assert.Equal(t, uint64(0x5)<<44, kw)
	assert.Equal(t, m, FromKeywords(kw))
}

func TestFromKeywordsIgnoresOrdinaryBits(t *testing.T) {
	ordinary := uint64(0x0000_0FFF_FFFF_FFFF) | uint64(0xF)<<48
	assert.Equal(t, None, FromKeywords(ordinary))

	kw := ordinary | MustFromID(1).Keywords()
	assert.Equal(t, MustFromID(1), FromKeywords(kw))
	assert.Equal(t, ordinary, kw&^KeywordBits)
}

func TestSetOperations(t *testing.T) {
	a := MustFromID(0).Union(MustFromID(1))
	b := MustFromID(1).Union(MustFromID(3))

	assert.Equal(t, Mask(0xB), a.Union(b))
	assert.Equal(t, MustFromID(1), a.Intersect(b))
	assert.Equal(t, Mask(0xC), a.Complement())
	assert.Equal(t, All, None.Complement())
	assert.True(t, None.IsEmpty())
}

func TestIsEqualOrSupersetOf(t *testing.T) {
	tests := []struct {
		name string
		m, o Mask
		want bool
	}{
		{"equal", 0x3, 0x3, true},
		{"superset", 0x7, 0x3, true},
		{"subset", 0x1, 0x3, false},
		{"disjoint", 0x4, 0x3, false},
		{"empty other", 0x1, None, true},
		{"both empty", None, None, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.m.IsEqualOrSupersetOf(tt.o))
		})
	}
}

func TestWithAndHas(t *testing.T) {
	m := None.With(2, true)
	assert.True(t, m.Has(2))
	assert.False(t, m.Has(1))
	assert.False(t, m.Has(7))

	m = m.With(2, false)
	assert.True(t, m.IsEmpty())
	assert.Equal(t, m, m.With(9, true))
}

func TestString(t *testing.T) {
	assert.Equal(t, "{}", None.String())
	assert.Equal(t, "{0,2}", Mask(0x5).String())
	assert.Equal(t, "{0,1,2,3}", All.String())
}
