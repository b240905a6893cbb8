// Structured logging for the OAMS host
//
// Provides leveled, prefixed loggers with structured fields and a choice of
// text or JSON output. Each subsystem obtains its own logger via
// GetLogger("motor"), GetLogger("unit oams1"), etc.
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a string into a Level, defaulting to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// Format selects the output encoding.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// Fields is a map of structured logging fields.
type Fields map[string]interface{}

// Logger writes leveled log messages for one component.
type Logger struct {
	mu         sync.Mutex
	prefix     string
	writer     io.Writer
	level      Level
	timeFormat string
	format     Format
}

// New creates a new logger with the given component prefix.
func New(prefix string) *Logger {
	return &Logger{
		prefix:     prefix,
		writer:     os.Stderr,
		level:      INFO,
		timeFormat: "2006-01-02 15:04:05.000",
	}
}

// SetLevel sets the minimum level that will be written.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetWriter redirects output, e.g. to a rotating file writer or a test buffer.
func (l *Logger) SetWriter(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writer = w
}

// SetFormat selects text or JSON output.
func (l *Logger) SetFormat(f Format) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.format = f
}

// WithPrefix returns a logger sharing this logger's configuration but with a
// different component prefix.
func (l *Logger) WithPrefix(prefix string) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &Logger{
		prefix:     prefix,
		writer:     l.writer,
		level:      l.level,
		timeFormat: l.timeFormat,
		format:     l.format,
	}
}

// Entry carries structured fields to be attached to a message.
type Entry struct {
	logger *Logger
	fields Fields
}

// WithField returns an Entry with a single field attached.
func (l *Logger) WithField(key string, value interface{}) *Entry {
	return &Entry{logger: l, fields: Fields{key: value}}
}

// WithFields returns an Entry with the given fields attached.
func (l *Logger) WithFields(fields Fields) *Entry {
	return &Entry{logger: l, fields: fields}
}

// WithError returns an Entry with the error field set.
func (l *Logger) WithError(err error) *Entry {
	return l.WithField("error", err.Error())
}

func (e *Entry) WithField(key string, value interface{}) *Entry {
	merged := make(Fields, len(e.fields)+1)
	for k, v := range e.fields {
		merged[k] = v
	}
	merged[key] = value
	return &Entry{logger: e.logger, fields: merged}
}

func (e *Entry) Debug(format string, args ...interface{}) {
	e.logger.output(DEBUG, fmt.Sprintf(format, args...), e.fields)
}

func (e *Entry) Info(format string, args ...interface{}) {
	e.logger.output(INFO, fmt.Sprintf(format, args...), e.fields)
}

func (e *Entry) Warn(format string, args ...interface{}) {
	e.logger.output(WARN, fmt.Sprintf(format, args...), e.fields)
}

func (e *Entry) Error(format string, args ...interface{}) {
	e.logger.output(ERROR, fmt.Sprintf(format, args...), e.fields)
}

// Debug logs a formatted message at DEBUG level.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.output(DEBUG, fmt.Sprintf(format, args...), nil)
}

// Info logs a formatted message at INFO level.
func (l *Logger) Info(format string, args ...interface{}) {
	l.output(INFO, fmt.Sprintf(format, args...), nil)
}

// Warn logs a formatted message at WARN level.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.output(WARN, fmt.Sprintf(format, args...), nil)
}

// Error logs a formatted message at ERROR level.
func (l *Logger) Error(format string, args ...interface{}) {
	l.output(ERROR, fmt.Sprintf(format, args...), nil)
}

type jsonEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Logger    string                 `json:"logger"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func (l *Logger) output(level Level, msg string, fields Fields) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	var line string
	if l.format == FormatJSON {
		entry := jsonEntry{
			Timestamp: time.Now().Format(time.RFC3339Nano),
			Level:     level.String(),
			Logger:    l.prefix,
			Message:   msg,
			Fields:    fields,
		}
		data, err := json.Marshal(entry)
		if err != nil {
			line = fmt.Sprintf(`{"error":"marshal log entry: %v"}`+"\n", err)
		} else {
			line = string(data) + "\n"
		}
	} else {
		var sb strings.Builder
		sb.WriteString(time.Now().Format(l.timeFormat))
		sb.WriteString(" [")
		sb.WriteString(fmt.Sprintf("%-5s", level.String()))
		sb.WriteString("] ")
		sb.WriteString(l.prefix)
		sb.WriteString(": ")
		sb.WriteString(msg)
		if len(fields) > 0 {
			keys := make([]string, 0, len(fields))
			for k := range fields {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			sb.WriteString(" {")
			for i, k := range keys {
				if i > 0 {
					sb.WriteString(", ")
				}
				fmt.Fprintf(&sb, "%s=%v", k, fields[k])
			}
			sb.WriteString("}")
		}
		sb.WriteString("\n")
		line = sb.String()
	}
	fmt.Fprint(l.writer, line)
}

var (
	defaultMu     sync.Mutex
	defaultLogger *Logger
)

// SetDefault replaces the process-wide default logger.
func SetDefault(logger *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = logger
}

// GetLogger derives a component logger from the process default.
func GetLogger(prefix string) *Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New("oams")
		configureFromEnv(defaultLogger)
	}
	return defaultLogger.WithPrefix(prefix)
}

// Environment variables:
//   - OAMS_LOG_LEVEL: DEBUG, INFO, WARN, ERROR
//   - OAMS_LOG_FORMAT: text, json
func configureFromEnv(l *Logger) {
	if s := os.Getenv("OAMS_LOG_LEVEL"); s != "" {
		l.SetLevel(ParseLevel(s))
	}
	if s := os.Getenv("OAMS_LOG_FORMAT"); strings.EqualFold(s, "json") {
		l.SetFormat(FormatJSON)
	}
}
