package controller

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dshills/tracecore/internal/config"
	"github.com/dshills/tracecore/internal/trace"
	"github.com/dshills/tracecore/internal/trace/schema"
	"github.com/dshills/tracecore/internal/transport/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func setup(t *testing.T) (*trace.Registry, *trace.Source, *memory.Transport) {
	t.Helper()
	reg := trace.NewRegistry(trace.WithValidation(true))
	t.Cleanup(func() { _ = reg.Close() })
	tr := memory.New(0)
	src, err := reg.NewSource("Web", []schema.EventDecl{
		{ID: 1, Name: "RequestStart", Level: schema.LevelInformational},
		{ID: 2, Name: "Detail", Level: schema.LevelVerbose},
	}, trace.WithTransport(tr))
	require.NoError(t, err)
	return reg, src, tr
}

func profile(sessions ...config.Session) *config.Profile {
	p := config.Default()
	p.Sessions = sessions
	return p
}

func TestApplyEnablesAndDisables(t *testing.T) {
	reg, src, _ := setup(t)
	c := New(reg, nil)
	ctx := context.Background()

	a := config.Session{Name: "a", TraceSession: 1, Slot: intPtr(0), Source: "Web", Level: "info"}
	b := config.Session{Name: "b", TraceSession: 2, Slot: intPtr(1), Source: "Web", Level: "verbose"}

	res, err := c.Apply(ctx, profile(a, b))
	require.NoError(t, err)
	assert.Equal(t, []string{"WEB/1", "WEB/2"}, res.Enabled)
	require.Len(t, src.Sessions(), 2)
	assert.True(t, src.IsEventEnabled(2))

	res, err = c.Apply(ctx, profile(a))
	require.NoError(t, err)
	assert.Equal(t, []string{"WEB/2"}, res.Disabled)
	assert.Empty(t, res.Enabled)
	require.Len(t, src.Sessions(), 1)
	assert.False(t, src.IsEventEnabled(2))

	// Unchanged profile is a no-op.
	res, err = c.Apply(ctx, profile(a))
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)

	require.NoError(t, c.Clear())
	assert.Empty(t, src.Sessions())
	assert.Empty(t, c.Applied())
}

func TestApplyUpdatesChangedSession(t *testing.T) {
	reg, src, _ := setup(t)
	c := New(reg, nil)
	ctx := context.Background()

	s := config.Session{Name: "a", TraceSession: 1, Slot: intPtr(0), Source: "Web", Level: "info"}
	_, err := c.Apply(ctx, profile(s))
	require.NoError(t, err)
	require.False(t, src.IsEventEnabled(2))

	s.Level = "verbose"
	res, err := c.Apply(ctx, profile(s))
	require.NoError(t, err)
	assert.Equal(t, []string{"WEB/1"}, res.Updated)
	assert.True(t, src.IsEventEnabled(2))

	s.Slot = intPtr(3)
	_, err = c.Apply(ctx, profile(s))
	require.NoError(t, err)
	infos := src.Sessions()
	require.Len(t, infos, 1)
	assert.Equal(t, 3, infos[0].Slot)
}

func TestApplySampling(t *testing.T) {
	reg, src, _ := setup(t)
	c := New(reg, nil)

	s := config.Session{Name: "a", TraceSession: 1, Slot: intPtr(2), Source: "Web", Level: "verbose",
		Sampling: true, StartEvents: "RequestStart:2"}
	_, err := c.Apply(context.Background(), profile(s))
	require.NoError(t, err)

	infos := src.Sessions()
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Sampling)
	assert.Equal(t, 2, infos[0].Slot)
}

func TestApplyPendingSource(t *testing.T) {
	reg, _, _ := setup(t)
	c := New(reg, nil)
	ctx := context.Background()

	s := config.Session{Name: "db", TraceSession: 5, Source: "Db", Level: "info"}
	res, err := c.Apply(ctx, profile(s))
	require.NoError(t, err)
	assert.Equal(t, []string{"DB/5"}, res.Pending)

	db, err := reg.NewSource("Db", nil, trace.WithTransport(memory.New(0)))
	require.NoError(t, err)

	res, err = c.Apply(ctx, profile(s))
	require.NoError(t, err)
	assert.Equal(t, []string{"DB/5"}, res.Enabled)
	require.Len(t, db.Sessions(), 1)
	assert.Equal(t, -1, db.Sessions()[0].Slot)
}

func TestApplyCollectsErrors(t *testing.T) {
	reg, src, _ := setup(t)
	_, err := reg.NewSource("NoTransport", nil)
	require.NoError(t, err)
	c := New(reg, nil)

	good := config.Session{Name: "good", TraceSession: 1, Slot: intPtr(0), Source: "Web", Level: "info"}
	bad := config.Session{Name: "bad", TraceSession: 1, Source: "NoTransport", Level: "info"}

	res, err := c.Apply(context.Background(), profile(good, bad))
	assert.ErrorIs(t, err, trace.ErrNoTransport)
	assert.Equal(t, []string{"WEB/1"}, res.Enabled)
	assert.Len(t, src.Sessions(), 1)
}

func TestApplyRejectsInvalidProfile(t *testing.T) {
	reg, src, _ := setup(t)
	c := New(reg, nil)

	_, err := c.Apply(context.Background(), profile(config.Session{Source: "Web", Level: "nope"}))
	assert.ErrorIs(t, err, schema.ErrInvalidLevel)
	assert.Empty(t, src.Sessions())
}

func TestWatch(t *testing.T) {
	reg, src, _ := setup(t)
	c := New(reg, nil)

	dir := t.TempDir()
	path := filepath.Join(dir, "profile.toml")
	write := func(body string) {
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	}
	write(`
[[sessions]]
name = "a"
trace_session = 1
slot = 0
source = "Web"
level = "info"
`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx, path, config.WithDebounce(20*time.Millisecond)) }()

	require.Eventually(t, func() bool { return len(src.Sessions()) == 1 }, 5*time.Second, 10*time.Millisecond)

	// Let the watcher register the directory before the rewrite.
	time.Sleep(100 * time.Millisecond)
	write(`log_level = "info"`)
	require.Eventually(t, func() bool { return len(src.Sessions()) == 0 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
