package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"
)

// Logger defines a minimal, printf-style logging contract.
//
// Components depend on this interface rather than a concrete logger so tests
// can pass Nop() and the daemon can fan out to multiple sinks.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Level controls the minimum severity written by file loggers.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config string to a Level; unknown values default to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Category selects which log file a component writes to.
type Category string

const (
	CategoryMain  Category = "gobby"
	CategoryLLM   Category = "gobby-llm"
	CategoryHooks Category = "gobby-hooks"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

var (
	mu       sync.Mutex
	level    = LevelInfo
	logDir   string
	files    = map[Category]*os.File{}
	toStderr bool
)

// Configure sets the process-wide log directory, level, and stderr mirroring.
// Called once at startup before any component logger writes.
func Configure(dir string, lvl Level, mirrorStderr bool) error {
	mu.Lock()
	defer mu.Unlock()
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
	}
	logDir = dir
	level = lvl
	toStderr = mirrorStderr
	return nil
}

// Close flushes and closes all open log files.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	for cat, f := range files {
		_ = f.Close()
		delete(files, cat)
	}
}

func sink(cat Category) io.Writer {
	if logDir == "" {
		if toStderr {
			return os.Stderr
		}
		return io.Discard
	}
	f, ok := files[cat]
	if !ok {
		var err error
		f, err = os.OpenFile(filepath.Join(logDir, string(cat)+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return os.Stderr
		}
		files[cat] = f
	}
	if toStderr {
		return io.MultiWriter(f, os.Stderr)
	}
	return f
}

type componentLogger struct {
	component string
	category  Category
}

// NewComponentLogger returns the default application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return &componentLogger{component: component, category: CategoryMain}
}

// NewLLMLogger returns a logger that writes to the dedicated LLM log file.
func NewLLMLogger(component string) Logger {
	return &componentLogger{component: component, category: CategoryLLM}
}

// NewHookLogger returns a logger that writes to the dedicated hook log file.
func NewHookLogger(component string) Logger {
	return &componentLogger{component: component, category: CategoryHooks}
}

func (l *componentLogger) write(lvl Level, tag, format string, args ...any) {
	mu.Lock()
	defer mu.Unlock()
	if lvl < level {
		return
	}
	w := sink(l.category)
	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	fmt.Fprintf(w, "%s %s [%s] %s\n", ts, tag, l.component, fmt.Sprintf(format, args...))
}

func (l *componentLogger) Debug(format string, args ...any) {
	l.write(LevelDebug, "DEBUG", format, args...)
}

func (l *componentLogger) Info(format string, args ...any) {
	l.write(LevelInfo, "INFO ", format, args...)
}

func (l *componentLogger) Warn(format string, args ...any) {
	l.write(LevelWarn, "WARN ", format, args...)
}

func (l *componentLogger) Error(format string, args ...any) {
	l.write(LevelError, "ERROR", format, args...)
}

type multiLogger struct {
	loggers []Logger
}

// Multi returns a logger fan-out that calls every non-nil logger in order.
func Multi(loggers ...Logger) Logger {
	flattened := make([]Logger, 0, len(loggers))
	for _, logger := range loggers {
		if IsNil(logger) {
			continue
		}
		if ml, ok := logger.(*multiLogger); ok {
			flattened = append(flattened, ml.loggers...)
			continue
		}
		flattened = append(flattened, logger)
	}
	if len(flattened) == 0 {
		return Nop()
	}
	if len(flattened) == 1 {
		return flattened[0]
	}
	return &multiLogger{loggers: flattened}
}

func (l *multiLogger) Debug(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Debug(format, args...)
	}
}

func (l *multiLogger) Info(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Info(format, args...)
	}
}

func (l *multiLogger) Warn(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Warn(format, args...)
	}
}

func (l *multiLogger) Error(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Error(format, args...)
	}
}
