package sources

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownSource is matched by lookups of names that were never
	// configured.
	ErrUnknownSource = errors.New("unknown source")
	// ErrSourceDisabled is matched by lookups of sources that failed to load.
	ErrSourceDisabled = errors.New("source is disabled, possibly due to loading errors")
)

// LookupError is returned when a caller asks for a source that cannot be
// served.
type LookupError struct {
	ID       string
	Disabled bool
	// Cause is the load error of a disabled source.
	Cause error
}

func (e *LookupError) Error() string {
	if e.Disabled {
		return fmt.Sprintf("source %q is disabled, possibly due to loading errors", e.ID)
	}
	return fmt.Sprintf("unknown source %q", e.ID)
}

func (e *LookupError) Unwrap() error {
	if e.Disabled {
		return ErrSourceDisabled
	}
	return ErrUnknownSource
}

// ConfigError reports invalid configuration. Source is empty for errors in
// the registry configuration itself.
type ConfigError struct {
	Source string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Source == "" {
		return "configuration error: " + e.Err.Error()
	}
	return fmt.Sprintf("unable to create source %q: %v", e.Source, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }
