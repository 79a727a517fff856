package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteSuccess(t *testing.T) {
	e := NewExecutor()
	var got any
	res := e.Execute(context.Background(), "ev", HandlerFunc(func(ctx context.Context, event any) error {
		got = event
		return nil
	}))

	assert.True(t, res.IsSuccess())
	assert.NoError(t, res.Err())
	assert.Equal(t, "ev", got)
	assert.Equal(t, uint64(1), e.Stats().Succeeded)
}

func TestExecuteError(t *testing.T) {
	e := NewExecutor()
	boom := errors.New("boom")
	res := e.Execute(context.Background(), nil, HandlerFunc(func(context.Context, any) error {
		return boom
	}))

	assert.False(t, res.IsSuccess())
	assert.ErrorIs(t, res.Err(), boom)
	assert.False(t, res.Panicked)

	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.Executed)
	assert.Equal(t, uint64(1), stats.Failed)
}

func TestExecutePanic(t *testing.T) {
	var handled any
	e := NewExecutor(WithPanicHandler(func(event any, v any, stack []byte) {
		handled = v
		assert.NotEmpty(t, stack)
	}))

	res := e.Execute(context.Background(), "ev", HandlerFunc(func(context.Context, any) error {
		panic("kaboom")
	}))

	require.True(t, res.Panicked)
	assert.Equal(t, "kaboom", res.PanicValue)
	assert.Equal(t, "kaboom", handled)

	err := res.Err()
	assert.ErrorIs(t, err, ErrHandlerPanic)
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Error(), "kaboom")
	assert.Equal(t, uint64(1), e.Stats().Panicked)
}

func TestPanicHandlerPanicIsContained(t *testing.T) {
	e := NewExecutor(WithPanicHandler(func(any, any, []byte) {
		panic("handler of handler")
	}))

	assert.NotPanics(t, func() {
		res := e.Execute(context.Background(), nil, HandlerFunc(func(context.Context, any) error {
			panic("first")
		}))
		assert.True(t, res.Panicked)
	})
}

func TestResultIsSuccess(t *testing.T) {
	tests := []struct {
		name     string
		result   Result
		expected bool
	}{
		{"success", Result{Success: true}, true},
		{"error", Result{Error: errors.New("error")}, false},
		{"panic", Result{Panicked: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.result.IsSuccess())
		})
	}
}
