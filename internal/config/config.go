// Package config loads trace session profiles.
//
// A profile names the trace sessions a process should enable and how each
// one samples. Profiles are read from TOML or YAML depending on the file
// extension:
//
//	log_level = "info"
//	strict = false
//	max_tracked_activities = 100000
//
//	[[sessions]]
//	name = "requests"
//	trace_session = 7
//	slot = 0
//	source = "Web-Frontend"
//	level = "verbose"
//	keywords = "0x3"
//	sampling = true
//	start_events = "RequestStart:10"
//
// Environment variables TRACECORE_LOG_LEVEL and TRACECORE_STRICT override
// the corresponding fields after the file is parsed.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dshills/tracecore/internal/logging"
	"github.com/dshills/tracecore/internal/trace"
	"github.com/dshills/tracecore/internal/trace/schema"
	"github.com/dshills/tracecore/internal/trace/session"
	"go.uber.org/multierr"
)

// Profile is a complete session configuration.
type Profile struct {
	LogLevel             string    `toml:"log_level" yaml:"log_level"`
	Strict               bool      `toml:"strict" yaml:"strict"`
	MaxTrackedActivities int       `toml:"max_tracked_activities" yaml:"max_tracked_activities"`
	Sessions             []Session `toml:"sessions" yaml:"sessions"`
}

// Session describes one trace session enabled on one source.
type Session struct {
	Name         string `toml:"name" yaml:"name"`
	TraceSession int    `toml:"trace_session" yaml:"trace_session"`
	// Slot is the per-source session slot. Nil leaves the session in the
	// legacy bucket.
	Slot        *int   `toml:"slot,omitempty" yaml:"slot,omitempty"`
	Source      string `toml:"source" yaml:"source"`
	Level       string `toml:"level" yaml:"level"`
	Keywords    string `toml:"keywords" yaml:"keywords"`
	Sampling    bool   `toml:"sampling" yaml:"sampling"`
	StartEvents string `toml:"start_events" yaml:"start_events"`
}

// Default returns an empty profile with default values applied.
func Default() *Profile {
	return &Profile{LogLevel: "info"}
}

// ParsedLevel returns the session level.
func (s Session) ParsedLevel() (schema.Level, error) {
	return schema.ParseLevel(s.Level)
}

// ParsedKeywords returns the session keyword mask. Empty enables only
// events declared without keywords.
func (s Session) ParsedKeywords() (schema.Keywords, error) {
	return ParseKeywords(s.Keywords)
}

// Args returns the command arguments that enable this session.
func (s Session) Args() map[string]string {
	args := map[string]string{}
	if s.Slot != nil {
		args[trace.ArgSessionKeyword] = strconv.Itoa(session.Shift + *s.Slot)
	}
	if s.StartEvents != "" {
		args[trace.ArgActivitySamplingStartEvent] = s.StartEvents
	}
	if s.Sampling {
		args[trace.ArgActivitySampling] = "true"
	} else if s.StartEvents != "" {
		args[trace.ArgActivitySampling] = "false"
	}
	return args
}

// Key identifies a session within a profile.
func (s Session) Key() string {
	return strings.ToUpper(s.Source) + "/" + strconv.Itoa(s.TraceSession)
}

// ParseKeywords parses a hex (0x prefixed) or decimal keyword mask.
func ParseKeywords(s string) (schema.Keywords, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return schema.KeywordsNone, nil
	}
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s, base = s[2:], 16
	}
	v, err := strconv.ParseUint(s, base, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidKeywords, s)
	}
	return schema.Keywords(v), nil
}

// Validate checks the profile and returns every problem found.
func (p *Profile) Validate() error {
	var errs error
	if _, err := logging.ParseLevel(p.LogLevel); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("log_level: %w", err))
	}
	if p.MaxTrackedActivities < 0 {
		errs = multierr.Append(errs, fmt.Errorf("%w: max_tracked_activities %d", ErrInvalidValue, p.MaxTrackedActivities))
	}

	seen := make(map[string]string)
	for i, s := range p.Sessions {
		label := s.Name
		if label == "" {
			label = "sessions[" + strconv.Itoa(i) + "]"
		}
		errs = multierr.Append(errs, s.validate(label))
		if prev, ok := seen[s.Key()]; ok {
			errs = multierr.Append(errs, fmt.Errorf("%w: %s and %s use trace session %d on %s",
				ErrDuplicateSession, prev, label, s.TraceSession, s.Source))
			continue
		}
		seen[s.Key()] = label
	}
	return errs
}

func (s Session) validate(label string) error {
	var errs error
	if s.Source == "" {
		errs = multierr.Append(errs, fmt.Errorf("%w: %s: source is required", ErrInvalidValue, label))
	}
	if s.TraceSession < 0 {
		errs = multierr.Append(errs, fmt.Errorf("%w: %s: trace_session %d", ErrInvalidValue, label, s.TraceSession))
	}
	if s.Slot != nil && (*s.Slot < 0 || *s.Slot >= session.Max) {
		errs = multierr.Append(errs, fmt.Errorf("%w: %s: slot %d not in 0..%d", ErrInvalidSlot, label, *s.Slot, session.Max-1))
	}
	if _, err := s.ParsedLevel(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", label, err))
	}
	if _, err := s.ParsedKeywords(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", label, err))
	}
	for _, tok := range strings.Fields(s.StartEvents) {
		name, freq, ok := strings.Cut(tok, ":")
		n, err := strconv.Atoi(freq)
		if !ok || name == "" || err != nil || n <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("%w: %s: %q", ErrInvalidStartEvent, label, tok))
		}
	}
	return errs
}
