// Package jsonl implements a trace transport that writes one JSON object per
// event to an io.Writer.
//
// Each line looks like:
//
//	{"ts":"2026-01-02T15:04:05.000Z","id":1,"level":"Informational","opcode":"Info","keywords":"0xf00000000000","sessions":"{0,1,2,3}","payload":["GET /"]}
//
// Manifests are written as {"ts":...,"manifest":{"guid":...,"name":...,"schema":{...}}}.
//
// Without a buffer, Emit writes synchronously. WithBuffer makes Emit
// enqueue the line for a background writer and fail fast with
// trace.ErrNoFreeBuffers when the queue is full.
package jsonl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/dshills/tracecore/internal/trace"
	"github.com/dshills/tracecore/internal/trace/schema"
	"github.com/dshills/tracecore/internal/trace/session"
	"github.com/google/uuid"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"
)

// DefaultMaxEventSize is the largest encoded line Emit accepts.
const DefaultMaxEventSize = 64 * 1024

const timeFormat = "2006-01-02T15:04:05.000Z"

// ErrClosed is returned by Emit after Close.
var ErrClosed = errors.New("jsonl: transport closed")

// Transport writes events as JSON lines.
type Transport struct {
	w            io.Writer
	clock        clock.Clock
	logger       *zap.Logger
	maxEventSize int
	bufferSize   int

	mu     sync.Mutex   // serializes writes to w
	qmu    sync.RWMutex // guards queue against close
	queue  chan []byte
	wg     sync.WaitGroup
	closed atomic.Bool

	written atomic.Uint64
	dropped atomic.Uint64
}

// Option configures a Transport.
type Option func(*Transport)

// WithMaxEventSize sets the line size limit.
func WithMaxEventSize(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.maxEventSize = n
		}
	}
}

// WithBuffer enables asynchronous writes through a queue of n lines.
func WithBuffer(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.bufferSize = n
		}
	}
}

// WithClock sets the clock used for timestamps.
func WithClock(c clock.Clock) Option {
	return func(t *Transport) {
		if c != nil {
			t.clock = c
		}
	}
}

// WithLogger sets the logger for write failures of the background writer.
func WithLogger(l *zap.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// New creates a transport writing to w.
func New(w io.Writer, opts ...Option) *Transport {
	t := &Transport{
		w:            w,
		clock:        clock.New(),
		logger:       zap.NewNop(),
		maxEventSize: DefaultMaxEventSize,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.bufferSize > 0 {
		t.queue = make(chan []byte, t.bufferSize)
		t.wg.Add(1)
		go t.run()
	}
	return t
}

// Emit implements trace.Transport.
func (t *Transport) Emit(desc schema.Descriptor, sessions session.Mask, payload []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	line, err := t.eventLine(desc, sessions, payload)
	if err != nil {
		return err
	}
	if len(line) > t.maxEventSize {
		t.dropped.Add(1)
		return fmt.Errorf("%w: %d bytes > %d", trace.ErrEventTooBig, len(line), t.maxEventSize)
	}
	return t.enqueue(line)
}

// WriteManifest implements trace.ManifestWriter.
func (t *Transport) WriteManifest(guid uuid.UUID, name string, manifest []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	line, err := sjson.SetBytes(nil, "ts", t.clock.Now().UTC().Format(timeFormat))
	if err != nil {
		return err
	}
	if line, err = sjson.SetBytes(line, "manifest.guid", guid.String()); err != nil {
		return err
	}
	if line, err = sjson.SetBytes(line, "manifest.name", name); err != nil {
		return err
	}
	if len(manifest) > 0 {
		if line, err = sjson.SetRawBytes(line, "manifest.schema", manifest); err != nil {
			return err
		}
	}
	return t.write(line)
}

func (t *Transport) eventLine(desc schema.Descriptor, sessions session.Mask, payload []byte) ([]byte, error) {
	fields := []struct {
		path  string
		value any
	}{
		{"ts", t.clock.Now().UTC().Format(timeFormat)},
		{"id", desc.ID()},
		{"level", desc.Level().String()},
		{"opcode", desc.Opcode().String()},
		{"keywords", "0x" + strconv.FormatUint(uint64(desc.Keywords()), 16)},
		{"sessions", sessions.String()},
	}
	var line []byte
	var err error
	for _, f := range fields {
		if line, err = sjson.SetBytes(line, f.path, f.value); err != nil {
			return nil, err
		}
	}
	if len(payload) == 0 {
		payload = []byte("[]")
	}
	return sjson.SetRawBytes(line, "payload", payload)
}

func (t *Transport) enqueue(line []byte) error {
	if t.queue == nil {
		return t.write(line)
	}
	t.qmu.RLock()
	defer t.qmu.RUnlock()
	if t.closed.Load() {
		return ErrClosed
	}
	select {
	case t.queue <- line:
		return nil
	default:
		t.dropped.Add(1)
		return trace.ErrNoFreeBuffers
	}
}

func (t *Transport) write(line []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("jsonl: write: %w", err)
	}
	t.written.Add(1)
	return nil
}

func (t *Transport) run() {
	defer t.wg.Done()
	for line := range t.queue {
		if err := t.write(line); err != nil {
			t.logger.Warn("jsonl transport write failed", zap.Error(err))
		}
	}
}

// Close stops accepting events and waits for queued lines to be written or
// for ctx to be done.
func (t *Transport) Close(ctx context.Context) error {
	t.qmu.Lock()
	if t.closed.Swap(true) {
		t.qmu.Unlock()
		return nil
	}
	if t.queue != nil {
		close(t.queue)
	}
	t.qmu.Unlock()
	if t.queue == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats is a snapshot of transport counters.
type Stats struct {
	Written uint64
	Dropped uint64
	Queued  int
}

// Stats returns the current counters.
func (t *Transport) Stats() Stats {
	s := Stats{Written: t.written.Load(), Dropped: t.dropped.Load()}
	if t.queue != nil {
		s.Queued = len(t.queue)
	}
	return s
}
