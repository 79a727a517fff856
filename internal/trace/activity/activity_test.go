package activity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromContextDefaultsToNil(t *testing.T) {
	assert.Equal(t, Nil, FromContext(context.Background()))
}

func TestWithID(t *testing.T) {
	id := New()
	ctx := WithID(context.Background(), id)
	assert.Equal(t, id, FromContext(ctx))

	child := New()
	inner := WithID(ctx, child)
	assert.Equal(t, child, FromContext(inner))
	assert.Equal(t, id, FromContext(ctx))
}

func TestNewIsUnique(t *testing.T) {
	assert.NotEqual(t, New(), New())
}

func TestParse(t *testing.T) {
	id := New()
	got, err := Parse(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = Parse("not-an-id")
	assert.Error(t, err)
}
