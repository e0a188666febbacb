package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a document lookup finds nothing.
var ErrNotFound = errors.New("not found")

// ConfigError reports a configuration problem that retrying will not fix.
type ConfigError struct {
	Op  string
	Msg string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: configuration error: %s", e.Op, e.Msg)
}

// IsConfigError reports whether err wraps a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
