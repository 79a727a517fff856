package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Environment variables that override profile fields.
const (
	EnvLogLevel = "TRACECORE_LOG_LEVEL"
	EnvStrict   = "TRACECORE_STRICT"
)

// Load reads, decodes and validates the profile at path, then applies
// environment overrides.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profile %s: %w", path, err)
	}
	p, err := Parse(path, data)
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(p, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Parse decodes data in the format implied by the extension of name.
// It does not validate.
func Parse(name string, data []byte) (*Profile, error) {
	p := Default()
	var err error
	switch strings.ToLower(filepath.Ext(name)) {
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(p)
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err = dec.Decode(p); err != nil && len(bytes.TrimSpace(data)) == 0 {
			err = nil
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
	}
	if err != nil {
		return nil, &ParseError{Path: name, Err: err}
	}
	return p, nil
}

// ApplyEnv overrides profile fields from the environment. lookup is
// os.LookupEnv outside of tests.
func ApplyEnv(p *Profile, lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		p.LogLevel = v
	}
	if v, ok := lookup(EnvStrict); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalidValue, EnvStrict, v)
		}
		p.Strict = b
	}
	return nil
}
