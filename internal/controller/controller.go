// Package controller applies session profiles to a trace registry and keeps
// them applied as the profile file changes.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dshills/tracecore/internal/config"
	"github.com/dshills/tracecore/internal/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Controller enables and disables trace sessions so that the registry
// matches the last applied profile.
type Controller struct {
	reg    *trace.Registry
	logger *zap.Logger

	mu      sync.Mutex
	applied map[string]config.Session
}

// Result summarizes one Apply call.
type Result struct {
	Enabled  []string
	Updated  []string
	Disabled []string
	// Pending lists sessions whose source is not registered yet. They are
	// retried on the next Apply.
	Pending []string
}

// New creates a controller for reg.
func New(reg *trace.Registry, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		reg:     reg,
		logger:  logger.Named("controller"),
		applied: make(map[string]config.Session),
	}
}

// Applied returns the sessions currently applied, sorted by key.
func (c *Controller) Applied() []config.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]config.Session, 0, len(c.applied))
	for _, k := range sortedKeys(c.applied) {
		out = append(out, c.applied[k])
	}
	return out
}

// Apply brings the registry in line with p. Sessions that were applied
// before but are missing from p are disabled; new or changed sessions are
// enabled. Failures are collected and returned together; the other sessions
// are still applied.
func (c *Controller) Apply(ctx context.Context, p *config.Profile) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{}, err
	}
	want := make(map[string]config.Session, len(p.Sessions))
	for _, s := range p.Sessions {
		want[s.Key()] = s
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var res Result
	var errs error
	for _, key := range sortedKeys(c.applied) {
		if ctx.Err() != nil {
			return res, multierr.Append(errs, ctx.Err())
		}
		if _, ok := want[key]; ok {
			continue
		}
		if err := c.disable(c.applied[key]); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		delete(c.applied, key)
		res.Disabled = append(res.Disabled, key)
	}

	for _, key := range sortedKeys(want) {
		if ctx.Err() != nil {
			return res, multierr.Append(errs, ctx.Err())
		}
		next := want[key]
		prev, had := c.applied[key]
		if had && equalSession(prev, next) {
			continue
		}
		if _, ok := c.reg.Source(next.Source); !ok {
			c.logger.Warn("source not registered, session pending",
				zap.String("session", next.Name), zap.String("source", next.Source))
			res.Pending = append(res.Pending, key)
			continue
		}
		if had && !sameSlot(prev, next) {
			// A session keeps its slot while enabled.
			if err := c.disable(prev); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			delete(c.applied, key)
			had = false
		}
		if err := c.enable(next); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		c.applied[key] = next
		if had {
			res.Updated = append(res.Updated, key)
		} else {
			res.Enabled = append(res.Enabled, key)
		}
	}

	c.logger.Info("profile applied",
		zap.Strings("enabled", res.Enabled),
		zap.Strings("updated", res.Updated),
		zap.Strings("disabled", res.Disabled),
		zap.Strings("pending", res.Pending),
		zap.Error(errs),
	)
	return res, errs
}

// Clear disables every applied session.
func (c *Controller) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs error
	for _, key := range sortedKeys(c.applied) {
		if err := c.disable(c.applied[key]); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		delete(c.applied, key)
	}
	return errs
}

// Watch loads the profile at path, applies it, and re-applies it whenever
// the file changes until ctx is done. Reload failures are logged and leave
// the last good profile in place.
func (c *Controller) Watch(ctx context.Context, path string, opts ...config.WatcherOption) error {
	p, err := config.Load(path)
	if err != nil {
		return err
	}
	if _, err := c.Apply(ctx, p); err != nil {
		c.logger.Warn("initial profile apply incomplete", zap.String("path", path), zap.Error(err))
	}

	opts = append([]config.WatcherOption{config.WithWatchLogger(c.logger)}, opts...)
	w, err := config.NewWatcher(path, opts...)
	if err != nil {
		return err
	}
	w.OnChange(func(p *config.Profile) {
		if _, err := c.Apply(ctx, p); err != nil {
			c.logger.Warn("profile apply incomplete", zap.String("path", path), zap.Error(err))
		}
	})
	return w.Run(ctx)
}

func (c *Controller) enable(s config.Session) error {
	src, ok := c.reg.Source(s.Source)
	if !ok {
		return fmt.Errorf("session %s: source %s: %w", s.Name, s.Source, trace.ErrSourceClosed)
	}
	level, err := s.ParsedLevel()
	if err != nil {
		return err
	}
	kw, err := s.ParsedKeywords()
	if err != nil {
		return err
	}
	if err := src.EnableSession(s.TraceSession, level, kw, s.Args()); err != nil {
		return fmt.Errorf("enable session %s on %s: %w", s.Name, s.Source, err)
	}
	c.logger.Debug("session enabled",
		zap.String("session", s.Name),
		zap.String("source", s.Source),
		zap.Int("trace_session", s.TraceSession),
		zap.Stringer("level", level),
	)
	return nil
}

func (c *Controller) disable(s config.Session) error {
	src, ok := c.reg.Source(s.Source)
	if !ok {
		// The source is gone and took its sessions with it.
		return nil
	}
	if err := src.DisableSession(s.TraceSession); err != nil && !errors.Is(err, trace.ErrSessionNotFound) {
		return fmt.Errorf("disable session %s on %s: %w", s.Name, s.Source, err)
	}
	c.logger.Debug("session disabled",
		zap.String("session", s.Name),
		zap.String("source", s.Source),
		zap.Int("trace_session", s.TraceSession),
	)
	return nil
}

func sameSlot(a, b config.Session) bool {
	switch {
	case a.Slot == nil || b.Slot == nil:
		return a.Slot == nil && b.Slot == nil
	default:
		return *a.Slot == *b.Slot
	}
}

func equalSession(a, b config.Session) bool {
	if !sameSlot(a, b) {
		return false
	}
	a.Slot, b.Slot = nil, nil
	return a == b
}

func sortedKeys(m map[string]config.Session) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
