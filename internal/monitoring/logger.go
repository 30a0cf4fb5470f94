package monitoring

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Level is the severity of a leveled log message.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	default:
		return fmt.Sprintf("LEVEL(%d)", int32(l))
	}
}

// ParseLevel converts a config string ("debug", "info", "warning"/"warn",
// "error") into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarning, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Entry is a single leveled message as delivered to hooks.
type Entry struct {
	Level   Level
	Time    time.Time
	Message string
}

// Hook receives every leveled message at or above the minimum level.
type Hook func(Entry)

var (
	minLevel atomic.Int32

	hooksMu sync.RWMutex
	hooks   = map[int]Hook{}
	nextID  int
)

func init() {
	minLevel.Store(int32(LevelInfo))
}

// SetLevel sets the minimum level written to Logf and delivered to hooks.
func SetLevel(l Level) { minLevel.Store(int32(l)) }

// CurrentLevel returns the minimum level in effect.
func CurrentLevel() Level { return Level(minLevel.Load()) }

// AddHook registers h and returns a function that removes it again.
func AddHook(h Hook) (remove func()) {
	hooksMu.Lock()
	id := nextID
	nextID++
	hooks[id] = h
	hooksMu.Unlock()

	return func() {
		hooksMu.Lock()
		delete(hooks, id)
		hooksMu.Unlock()
	}
}

func Debugf(format string, v ...interface{}) { emit(LevelDebug, format, v...) }
func Infof(format string, v ...interface{})  { emit(LevelInfo, format, v...) }
func Warnf(format string, v ...interface{})  { emit(LevelWarning, format, v...) }
func Errorf(format string, v ...interface{}) { emit(LevelError, format, v...) }

func emit(level Level, format string, v ...interface{}) {
	if level < CurrentLevel() {
		return
	}
	msg := fmt.Sprintf(format, v...)
	Logf("%s: %s", level, msg)

	hooksMu.RLock()
	active := make([]Hook, 0, len(hooks))
	for _, h := range hooks {
		active = append(active, h)
	}
	hooksMu.RUnlock()

	if len(active) == 0 {
		return
	}
	e := Entry{Level: level, Time: time.Now(), Message: msg}
	for _, h := range active {
		h(e)
	}
}

// RotatingFile returns a size-rotated log file writer suitable for
// log.SetOutput. Zero values fall back to lumberjack's defaults.
func RotatingFile(path string, maxSizeMB, maxBackups, maxAgeDays int) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}
}
