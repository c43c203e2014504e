// Package logging is a small structured logger: leveled, component-scoped,
// plain-text or JSON. No third-party logging library appears anywhere in
// the reference corpus, so this stays hand-rolled rather than reaching for
// one.
package logging

import (
	"encoding/json"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level is a log severity, ordered low-to-high so SetLevel can filter with
// a plain comparison.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

func (l Level) String() string {
	if int(l) < 0 || int(l) >= len(levelNames) {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// Logger writes leveled, component-tagged entries to an io.Writer, guarded
// by a mutex so concurrent goroutines can share one without interleaving.
type Logger struct {
	mu        sync.Mutex
	output    io.Writer
	level     Level
	component string
	json      bool
}

// Entry is the JSON shape of one log line when json mode is on.
type Entry struct {
	Time      string            `json:"time"`
	Level     string            `json:"level"`
	Component string            `json:"component,omitempty"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
}

var defaultLogger = &Logger{
	output:    os.Stderr,
	level:     LevelInfo,
	component: "termbridge",
}

// SetLevel sets the default logger's minimum emitted level.
func SetLevel(level Level) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.level = level
}

// SetOutput redirects the default logger's output.
func SetOutput(w io.Writer) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.output = w
}

// SetJSON toggles the default logger between plain-text and JSON lines.
func SetJSON(enabled bool) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.json = enabled
}

// WithComponent returns a logger that shares the default logger's output,
// level, and format but tags every line with name instead.
func WithComponent(name string) *Logger {
	return defaultLogger.derive(name)
}

// Sub derives a child logger whose component is qualified with name, e.g. a
// "dispatch" logger's Sub("a1b2c3d4") logs as "dispatch:a1b2c3d4". Lets a
// single session or connection scope every line it emits without threading
// an id through every call site.
func (l *Logger) Sub(name string) *Logger {
	l.mu.Lock()
	component := l.component
	l.mu.Unlock()
	return l.derive(component + ":" + name)
}

// derive copies this logger's settings under a new component tag.
func (l *Logger) derive(component string) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &Logger{
		output:    l.output,
		level:     l.level,
		component: component,
		json:      l.json,
	}
}

// Debug logs at LevelDebug. fields is optional; pass the result of F().
func (l *Logger) Debug(msg string, fields ...map[string]string) { l.emit(LevelDebug, msg, fields) }

// Info logs at LevelInfo.
func (l *Logger) Info(msg string, fields ...map[string]string) { l.emit(LevelInfo, msg, fields) }

// Warn logs at LevelWarn.
func (l *Logger) Warn(msg string, fields ...map[string]string) { l.emit(LevelWarn, msg, fields) }

// Error logs at LevelError.
func (l *Logger) Error(msg string, fields ...map[string]string) { l.emit(LevelError, msg, fields) }

func (l *Logger) emit(level Level, msg string, fieldArgs []map[string]string) {
	var fields map[string]string
	if len(fieldArgs) > 0 {
		fields = fieldArgs[0]
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	if l.json {
		l.writeJSON(level, msg, fields)
		return
	}
	l.writeText(level, msg, fields)
}

func (l *Logger) writeJSON(level Level, msg string, fields map[string]string) {
	data, err := json.Marshal(Entry{
		Time:      time.Now().Format(time.RFC3339),
		Level:     level.String(),
		Component: l.component,
		Message:   msg,
		Fields:    fields,
	})
	if err != nil {
		return
	}
	data = append(data, '\n')
	l.output.Write(data)
}

func (l *Logger) writeText(level Level, msg string, fields map[string]string) {
	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(time.Now().Format("15:04:05"))
	b.WriteString("] ")
	b.WriteString(level.String())
	b.WriteString(" [")
	b.WriteString(l.component)
	b.WriteString("] ")
	b.WriteString(msg)
	if len(fields) > 0 {
		b.WriteByte(' ')
		writeFields(&b, fields)
	}
	b.WriteByte('\n')
	io.WriteString(l.output, b.String())
}

// writeFields renders fields in key-sorted order so two runs of the same
// log line are byte-identical instead of depending on map iteration order.
func writeFields(b *strings.Builder, fields map[string]string) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
	}
	b.WriteByte('}')
}

// Debug logs at LevelDebug on the default logger.
func Debug(msg string, fields ...map[string]string) { defaultLogger.Debug(msg, fields...) }

// Info logs at LevelInfo on the default logger.
func Info(msg string, fields ...map[string]string) { defaultLogger.Info(msg, fields...) }

// Warn logs at LevelWarn on the default logger.
func Warn(msg string, fields ...map[string]string) { defaultLogger.Warn(msg, fields...) }

// Error logs at LevelError on the default logger.
func Error(msg string, fields ...map[string]string) { defaultLogger.Error(msg, fields...) }

// F builds a fields map from alternating key/value strings, e.g.
// F("session", id, "err", err.Error()). A trailing unpaired key is dropped.
func F(keyvals ...string) map[string]string {
	m := make(map[string]string, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		m[keyvals[i]] = keyvals[i+1]
	}
	return m
}
