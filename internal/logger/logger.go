// Package logger provides the leveled file log shared by the whole client.
// The log lives next to the store in the state directory; stdout stays free
// for the chat itself.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level orders log severities. Messages below a logger's level are dropped.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	// LevelNone disables the log entirely.
	LevelNone
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR", "NONE"}

func (l Level) String() string {
	if l < LevelDebug || l > LevelNone {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ParseLevel maps a config string to a Level. Unknown strings fall back to
// info.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "none":
		return LevelNone
	default:
		return LevelInfo
	}
}

const timeFormat = "2006-01-02 15:04:05.000"

// sink serializes writes to the shared log destination. Prefixed child
// loggers all write through the same sink.
type sink struct {
	mu   sync.Mutex
	out  io.Writer
	file *os.File
}

func (s *sink) write(level Level, prefix, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prefix != "" {
		prefix = "[" + prefix + "] "
	}
	fmt.Fprintf(s.out, "%s [%s] %s%s\n", time.Now().Format(timeFormat), level, prefix, msg)
}

func (s *sink) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.out = io.Discard
	return err
}

// Logger writes leveled, optionally prefixed lines to its sink.
type Logger struct {
	mu     sync.RWMutex
	level  Level
	prefix string
	sink   *sink
}

var (
	globalLogger *Logger
	once         sync.Once
)

// Init sets up the global logger. Subsequent calls are no-ops.
func Init(level Level, logPath string) error {
	var err error
	once.Do(func() {
		globalLogger, err = New(level, logPath, "")
	})
	return err
}

// New creates a logger writing to the given file path. LevelNone or an empty
// path yields a logger that discards everything.
func New(level Level, logPath string, prefix string) (*Logger, error) {
	l := &Logger{level: level, prefix: prefix}

	if level == LevelNone || logPath == "" {
		l.sink = &sink{out: io.Discard}
		return l, nil
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	l.sink = &sink{out: file, file: file}
	return l, nil
}

// Global returns the global logger, a discarding one if Init was never
// called.
func Global() *Logger {
	if globalLogger == nil {
		globalLogger = &Logger{level: LevelNone, sink: &sink{out: io.Discard}}
	}
	return globalLogger
}

// WithPrefix derives a child logger whose lines carry an additional prefix
// segment. Parent and child share the same destination.
func (l *Logger) WithPrefix(prefix string) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()

	combined := prefix
	if l.prefix != "" {
		combined = l.prefix + ":" + prefix
	}
	return &Logger{level: l.level, prefix: combined, sink: l.sink}
}

// SetLevel changes the logger's threshold.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

// GetLevel returns the logger's threshold.
func (l *Logger) GetLevel() Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	if level < l.GetLevel() {
		return
	}
	l.sink.write(level, l.prefix, fmt.Sprintf(format, args...))
}

// Debug logs at debug level.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(LevelDebug, format, args...)
}

// Info logs at info level.
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(LevelInfo, format, args...)
}

// Warn logs at warn level.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(LevelWarn, format, args...)
}

// Error logs at error level.
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(LevelError, format, args...)
}

// Close closes the underlying log file. Child loggers sharing the sink go
// quiet as well.
func (l *Logger) Close() error {
	return l.sink.close()
}

// Debug logs at debug level through the global logger.
func Debug(format string, args ...interface{}) {
	Global().Debug(format, args...)
}

// Info logs at info level through the global logger.
func Info(format string, args ...interface{}) {
	Global().Info(format, args...)
}

// Warn logs at warn level through the global logger.
func Warn(format string, args ...interface{}) {
	Global().Warn(format, args...)
}

// Error logs at error level through the global logger.
func Error(format string, args ...interface{}) {
	Global().Error(format, args...)
}
