package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity of a log message
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

var levelRank = map[LogLevel]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
	LevelFatal: 4,
}

// LogFormat represents the output format for logs
type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// sink is shared by a logger and every child derived from it
type sink struct {
	mu     sync.Mutex
	out    io.Writer
	level  LogLevel
	format LogFormat
	exit   func(int)
}

// Logger provides structured logging. Children created with WithField(s)
// share the parent's output and level.
type Logger struct {
	sink   *sink
	fields map[string]interface{}
}

// LogEntry is the JSON shape of one log line
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Caller    string                 `json:"caller,omitempty"`
}

// NewLogger creates a logger writing to stdout
func NewLogger(level LogLevel, format LogFormat) *Logger {
	return &Logger{
		sink: &sink{out: os.Stdout, level: level, format: format, exit: os.Exit},
	}
}

func (l *Logger) derive(extra map[string]interface{}) *Logger {
	fields := make(map[string]interface{}, len(l.fields)+len(extra))
	for k, v := range l.fields {
		fields[k] = v
	}
	for k, v := range extra {
		fields[k] = v
	}
	return &Logger{sink: l.sink, fields: fields}
}

// WithField returns a child logger carrying key=value
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.derive(map[string]interface{}{key: value})
}

// WithFields returns a child logger carrying all of fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return l.derive(fields)
}

// WithError attaches err under the "error" field
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithField("error", err.Error())
}

// WithComponent tags every line with the emitting subsystem
func (l *Logger) WithComponent(name string) *Logger {
	return l.WithField("component", name)
}

func (l *Logger) Debug(message string) { l.write(LevelDebug, message) }

func (l *Logger) Info(message string) { l.write(LevelInfo, message) }

func (l *Logger) Warn(message string) { l.write(LevelWarn, message) }

func (l *Logger) Error(message string) { l.write(LevelError, message) }

// Fatal logs at fatal level and terminates the process
func (l *Logger) Fatal(message string) {
	l.write(LevelFatal, message)
	l.sink.exit(1)
}

// Fatalf logs a formatted message at fatal level and terminates the process
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.write(LevelFatal, fmt.Sprintf(format, args...))
	l.sink.exit(1)
}

// Enabled reports whether lines at level are emitted
func (l *Logger) Enabled(level LogLevel) bool {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	return levelRank[level] >= levelRank[l.sink.level]
}

func (l *Logger) write(level LogLevel, message string) {
	if !l.Enabled(level) {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     string(level),
		Message:   message,
		Fields:    l.fields,
	}
	if levelRank[level] >= levelRank[LevelError] {
		if _, file, line, ok := runtime.Caller(2); ok {
			entry.Caller = fmt.Sprintf("%s:%d", file, line)
		}
	}

	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	if l.sink.format == FormatText {
		fmt.Fprintln(l.sink.out, renderText(entry))
		return
	}
	b, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(l.sink.out, `{"level":"error","message":"unencodable log entry: %s"}`+"\n", err)
		return
	}
	fmt.Fprintln(l.sink.out, string(b))
}

func renderText(entry LogEntry) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %-5s %s", entry.Timestamp, strings.ToUpper(entry.Level), entry.Message)

	keys := make([]string, 0, len(entry.Fields))
	for k := range entry.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%v", k, entry.Fields[k])
	}
	if entry.Caller != "" {
		fmt.Fprintf(&sb, " caller=%s", entry.Caller)
	}
	return sb.String()
}

// SetOutput redirects the logger and all of its children
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	l.sink.out = w
	l.sink.mu.Unlock()
}

// SetLevel changes the minimum level for the logger and all of its children
func (l *Logger) SetLevel(level LogLevel) {
	l.sink.mu.Lock()
	l.sink.level = level
	l.sink.mu.Unlock()
}

var (
	globalMu     sync.Mutex
	globalLogger *Logger
)

// InitGlobalLogger replaces the process-wide logger
func InitGlobalLogger(level LogLevel, format LogFormat) *Logger {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = NewLogger(level, format)
	return globalLogger
}

// GetGlobalLogger returns the process-wide logger, creating an info/json one on first use
func GetGlobalLogger() *Logger {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = NewLogger(LevelInfo, FormatJSON)
	}
	return globalLogger
}

type loggerKey struct{}

// WithLogger stores logger in ctx
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the logger stored in ctx, or the global one
func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*Logger); ok && logger != nil {
		return logger
	}
	return GetGlobalLogger()
}

// Info logs through the global logger
func Info(message string) { GetGlobalLogger().write(LevelInfo, message) }

func Warn(message string) { GetGlobalLogger().write(LevelWarn, message) }

// Fatalf logs through the global logger and exits
func Fatalf(format string, args ...interface{}) { GetGlobalLogger().Fatalf(format, args...) }

func WithField(key string, value interface{}) *Logger {
	return GetGlobalLogger().WithField(key, value)
}

func WithFields(fields map[string]interface{}) *Logger {
	return GetGlobalLogger().WithFields(fields)
}

func WithError(err error) *Logger { return GetGlobalLogger().WithError(err) }

// ParseLogLevel maps a config string to a LogLevel; unknown values fall back to info
func ParseLogLevel(level string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

// ParseLogFormat maps a config string to a LogFormat; unknown values fall back to json
func ParseLogFormat(format string) LogFormat {
	if strings.EqualFold(strings.TrimSpace(format), "text") {
		return FormatText
	}
	return FormatJSON
}
