package utils

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

type Level int

const (
	LevelQuiet Level = iota
	LevelInfo
	LevelDebug
)

func (l Level) String() string {
	switch l {
	case LevelQuiet:
		return "quiet"
	case LevelDebug:
		return "debug"
	default:
		return "info"
	}
}

// ParseLevel maps a config string to a Level. Unknown values are an error.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "quiet", "silent", "off":
		return LevelQuiet, nil
	case "", "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	}
	return LevelInfo, fmt.Errorf("unknown log verbosity %q", s)
}

var (
	logMu     sync.RWMutex
	verbosity = LevelInfo
	logger    = log.New(os.Stderr, "", log.LstdFlags)
)

// SetVerbosity changes the process log level and returns the previous one.
func SetVerbosity(l Level) Level {
	logMu.Lock()
	defer logMu.Unlock()
	prev := verbosity
	verbosity = l
	return prev
}

func Verbosity() Level {
	logMu.RLock()
	defer logMu.RUnlock()
	return verbosity
}

// WithVerbosity runs fn at level l and restores the previous level on every
// exit path, including panics.
func WithVerbosity(l Level, fn func() error) error {
	prev := SetVerbosity(l)
	defer SetVerbosity(prev)
	return fn()
}

func logf(min Level, prefix, format string, args ...any) {
	if Verbosity() < min {
		return
	}
	logger.Output(3, prefix+fmt.Sprintf(format, args...))
}

func Infof(format string, args ...any)  { logf(LevelInfo, "", format, args...) }
func Warnf(format string, args ...any)  { logf(LevelInfo, "warning: ", format, args...) }
func Debugf(format string, args ...any) { logf(LevelDebug, "debug: ", format, args...) }

// SetOutput redirects log lines, e.g. to keep a TUI screen clean.
func SetOutput(w io.Writer) {
	logMu.Lock()
	defer logMu.Unlock()
	logger.SetOutput(w)
}
