// Package metrics exports trace registry counters to Prometheus.
package metrics

import (
	"strconv"
	"sync/atomic"

	"github.com/dshills/tracecore/internal/trace"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tracecore"

// Collector implements trace.Observer and prometheus.Collector.
type Collector struct {
	written   *prometheus.CounterVec
	drops     *prometheus.CounterVec
	listeners *prometheus.CounterVec
	commands  *prometheus.CounterVec
	tracked   prometheus.GaugeFunc

	// Totals for Snapshot; Prometheus counters are not cheap to read back.
	writtenTotal  atomic.Uint64
	dropsTotal    atomic.Uint64
	failuresTotal atomic.Uint64
	commandsTotal atomic.Uint64

	trackedFn atomic.Pointer[func() int]
}

var _ trace.Observer = (*Collector)(nil)
var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector. The tracked activities gauge reads zero
// until TrackActivities is called.
func NewCollector() *Collector {
	c := &Collector{}
	c.written = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_written_total",
		Help:      "Events written by sources with at least one consumer enabled.",
	}, []string{"source", "event_id"})
	c.drops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transport_drops_total",
		Help:      "Events the transport failed to accept, by failure kind.",
	}, []string{"source", "kind"})
	c.listeners = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "listener_failures_total",
		Help:      "Listener callbacks that returned an error or panicked.",
	}, []string{"source", "listener"})
	c.commands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_applied_total",
		Help:      "Control commands applied to sources.",
	}, []string{"source", "command"})
	c.tracked = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tracked_activities",
		Help:      "Activities currently tracked by sampling filters.",
	}, c.trackedValue)
	return c
}

// TrackActivities sets the function read by the tracked activities gauge,
// typically Registry.TrackedActivities. The registry takes the collector as
// its observer, so the gauge is bound after both exist.
func (c *Collector) TrackActivities(fn func() int) {
	c.trackedFn.Store(&fn)
}

func (c *Collector) trackedValue() float64 {
	fn := c.trackedFn.Load()
	if fn == nil || *fn == nil {
		return 0
	}
	return float64((*fn)())
}

// EventWritten implements trace.Observer.
func (c *Collector) EventWritten(source string, eventID int) {
	c.written.WithLabelValues(source, strconv.Itoa(eventID)).Inc()
	c.writtenTotal.Add(1)
}

// TransportFailed implements trace.Observer.
func (c *Collector) TransportFailed(source string, _ int, kind trace.WriteErrorKind) {
	c.drops.WithLabelValues(source, kind.String()).Inc()
	c.dropsTotal.Add(1)
}

// ListenerFailed implements trace.Observer.
func (c *Collector) ListenerFailed(source string, _ int, listener uint64) {
	c.listeners.WithLabelValues(source, strconv.FormatUint(listener, 10)).Inc()
	c.failuresTotal.Add(1)
}

// CommandApplied implements trace.Observer.
func (c *Collector) CommandApplied(source string, cmd trace.Command) {
	c.commands.WithLabelValues(source, cmd.String()).Inc()
	c.commandsTotal.Add(1)
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.written.Describe(ch)
	c.drops.Describe(ch)
	c.listeners.Describe(ch)
	c.commands.Describe(ch)
	c.tracked.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.written.Collect(ch)
	c.drops.Collect(ch)
	c.listeners.Collect(ch)
	c.commands.Collect(ch)
	c.tracked.Collect(ch)
}

// Snapshot is a point-in-time view of the totals.
type Snapshot struct {
	Written          uint64
	TransportDrops   uint64
	ListenerFailures uint64
	Commands         uint64
}

// Snapshot returns the current totals.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		Written:          c.writtenTotal.Load(),
		TransportDrops:   c.dropsTotal.Load(),
		ListenerFailures: c.failuresTotal.Load(),
		Commands:         c.commandsTotal.Load(),
	}
}
