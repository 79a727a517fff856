package metrics

import (
	"context"
	"strings"
	"testing"

	"github.com/dshills/tracecore/internal/trace"
	"github.com/dshills/tracecore/internal/trace/schema"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounters(t *testing.T) {
	c := NewCollector()

	c.EventWritten("Web", 1)
	c.EventWritten("Web", 1)
	c.EventWritten("Web", 2)
	c.TransportFailed("Web", 1, trace.WriteErrorNoFreeBuffers)
	c.ListenerFailed("Web", 1, 3)
	c.CommandApplied("Web", trace.CommandEnable)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.written.WithLabelValues("Web", "1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.drops.WithLabelValues("Web", "no_free_buffers")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.listeners.WithLabelValues("Web", "3")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.commands.WithLabelValues("Web", "Enable")))

	assert.Equal(t, Snapshot{Written: 3, TransportDrops: 1, ListenerFailures: 1, Commands: 1}, c.Snapshot())
}

func TestCollectorTrackedGauge(t *testing.T) {
	c := NewCollector()
	assert.Equal(t, 0.0, testutil.ToFloat64(c.tracked))

	c.TrackActivities(func() int { return 42 })
	assert.Equal(t, 42.0, testutil.ToFloat64(c.tracked))
}

func TestCollectorRegisters(t *testing.T) {
	c := NewCollector()
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	c.CommandApplied("Db", trace.CommandDisable)

	expected := `
# HELP tracecore_commands_applied_total Control commands applied to sources.
# TYPE tracecore_commands_applied_total counter
tracecore_commands_applied_total{command="Disable",source="Db"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "tracecore_commands_applied_total"))
}

func TestCollectorAsObserver(t *testing.T) {
	c := NewCollector()
	reg := trace.NewRegistry(trace.WithObserver(c))
	defer reg.Close()
	c.TrackActivities(reg.TrackedActivities)

	src, err := reg.NewSource("Obs", []schema.EventDecl{{ID: 1, Name: "Tick", Level: schema.LevelInformational}})
	require.NoError(t, err)
	l, err := reg.NewListener(trace.HandlerFunc(func(context.Context, *trace.EventWritten) error { return nil }))
	require.NoError(t, err)
	require.NoError(t, l.EnableEvents(src, schema.LevelVerbose, 0, nil))

	require.NoError(t, src.Write(context.Background(), 1))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.written.WithLabelValues("Obs", "1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.commands.WithLabelValues("Obs", "Enable")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.tracked))
}
