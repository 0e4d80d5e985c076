// Package seclog wraps logrus with the leveled helpers and per-event-type
// trace gating the daemon needs: turning tracing on for one event type
// must not force every other subsystem to trace as well.
package seclog

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Level mirrors the daemon's -v/-vv/-vvv/--silent surface onto a logrus
// level.
type Level int

const (
	LevelSilent Level = iota
	LevelInfo
	LevelDebug
	LevelTrace
)

var (
	mu     sync.RWMutex
	logger = logrus.New()
	traced = map[string]bool{}
)

func init() {
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.InfoLevel)
}

// SetLevel maps the CLI verbosity count (and --silent) onto logrus.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	switch l {
	case LevelSilent:
		logger.SetLevel(logrus.PanicLevel)
	case LevelInfo:
		logger.SetLevel(logrus.InfoLevel)
	case LevelDebug:
		logger.SetLevel(logrus.DebugLevel)
	case LevelTrace:
		logger.SetLevel(logrus.TraceLevel)
	}
}

// SetTraceTag enables or disables trace-level logging for one event-type
// tag without touching the global level.
func SetTraceTag(tag string, on bool) {
	mu.Lock()
	defer mu.Unlock()
	traced[tag] = on
}

func tagTraced(tag string) bool {
	mu.RLock()
	defer mu.RUnlock()
	return traced[tag]
}

func Infof(format string, args ...interface{})  { logger.Infof(format, args...) }
func Debugf(format string, args ...interface{}) { logger.Debugf(format, args...) }
func Warnf(format string, args ...interface{})  { logger.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { logger.Errorf(format, args...) }

// Tracef only logs if the global level is trace, or the named event-type
// tag was individually enabled with SetTraceTag.
func Tracef(tag, format string, args ...interface{}) {
	if logger.IsLevelEnabled(logrus.TraceLevel) || tagTraced(tag) {
		logger.WithField("event_type", tag).Infof(format, args...)
	}
}
