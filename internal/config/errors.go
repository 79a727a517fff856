package config

import "errors"

var (
	// ErrUnsupportedFormat is returned for a profile file with an unknown extension.
	ErrUnsupportedFormat = errors.New("unsupported profile format")

	// ErrInvalidValue is returned for a field outside its allowed range.
	ErrInvalidValue = errors.New("invalid profile value")

	// ErrInvalidKeywords is returned for a keyword mask that is not hex or decimal.
	ErrInvalidKeywords = errors.New("invalid keywords")

	// ErrInvalidSlot is returned for a session slot outside 0..3.
	ErrInvalidSlot = errors.New("invalid session slot")

	// ErrInvalidStartEvent is returned for a malformed start event entry.
	ErrInvalidStartEvent = errors.New("invalid start event")

	// ErrDuplicateSession is returned when two sessions share a trace session id on one source.
	ErrDuplicateSession = errors.New("duplicate trace session")

	// ErrWatcherClosed is returned by Watcher.Run after Close.
	ErrWatcherClosed = errors.New("watcher is closed")
)

// ParseError describes a profile that could not be decoded.
type ParseError struct {
	Path string
	Err  error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return "parsing profile " + e.Path + ": " + e.Err.Error()
}

// Unwrap returns the decoder error.
func (e *ParseError) Unwrap() error {
	return e.Err
}
