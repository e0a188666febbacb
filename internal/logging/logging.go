// Package logging builds the logr.Logger every component receives.
package logging

import (
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
)

// Levels accepted by Verbosity.
const (
	LevelError = "error"
	LevelInfo  = "info"
	LevelDebug = "debug"
	LevelTrace = "trace"
)

// Verbosity maps a level name to a logr verbosity.
func Verbosity(level string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", LevelInfo, LevelError:
		return 0, nil
	case LevelDebug:
		return 1, nil
	case LevelTrace:
		return 2, nil
	}
	return 0, fmt.Errorf("unknown log level %q", level)
}

// New returns a logger writing to w at the given level. At "error" only
// error entries are written.
func New(w io.Writer, level string) (logr.Logger, error) {
	v, err := Verbosity(level)
	if err != nil {
		return logr.Discard(), err
	}
	stdr.SetVerbosity(v)
	logger := stdr.NewWithOptions(log.New(w, "", log.LstdFlags), stdr.Options{LogCaller: stdr.None})
	if strings.EqualFold(strings.TrimSpace(level), LevelError) {
		return logr.New(errorsOnly{logger.GetSink()}), nil
	}
	return logger, nil
}

// errorsOnly drops info entries.
type errorsOnly struct {
	logr.LogSink
}

func (s errorsOnly) Enabled(level int) bool { return false }

func (s errorsOnly) WithValues(kv ...any) logr.LogSink {
	return errorsOnly{s.LogSink.WithValues(kv...)}
}

func (s errorsOnly) WithName(name string) logr.LogSink {
	return errorsOnly{s.LogSink.WithName(name)}
}
