// Package logger provides component-scoped leveled logging for fieldchat.
//
// Every call names the component it comes from ("session", "registry",
// "history", ...) and may carry a map of structured fields. Console output is
// human-readable text; EnableFileLogging additionally writes JSON lines.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// ParseLevel maps a level name (case-insensitive) to a LogLevel.
func ParseLevel(name string) (LogLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return DEBUG, nil
	case "", "INFO":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	}
	return INFO, fmt.Errorf("unknown log level %q", name)
}

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case DEBUG:
		return slog.LevelDebug
	case WARN:
		return slog.LevelWarn
	case ERROR:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type state struct {
	mu       sync.RWMutex
	level    slog.LevelVar
	console  *slog.Logger
	file     *slog.Logger
	fileDest io.Closer
}

var std = newState(os.Stderr)

func newState(w io.Writer) *state {
	s := &state{}
	s.level.Set(slog.LevelInfo)
	s.console = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: &s.level}))
	return s
}

// SetLevel sets the minimum level for console and file output.
func SetLevel(level LogLevel) {
	std.level.Set(level.slogLevel())
}

// GetLevel returns the current minimum level.
func GetLevel() LogLevel {
	switch lvl := std.level.Level(); {
	case lvl <= slog.LevelDebug:
		return DEBUG
	case lvl <= slog.LevelInfo:
		return INFO
	case lvl <= slog.LevelWarn:
		return WARN
	default:
		return ERROR
	}
}

// SetOutput redirects console output, mostly for tests.
func SetOutput(w io.Writer) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.console = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: &std.level}))
}

// EnableFileLogging appends JSON log lines to path in addition to the console.
func EnableFileLogging(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	std.mu.Lock()
	defer std.mu.Unlock()
	if std.fileDest != nil {
		std.fileDest.Close()
	}
	std.fileDest = f
	std.file = slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: &std.level}))
	return nil
}

// DisableFileLogging stops file output and closes the log file.
func DisableFileLogging() {
	std.mu.Lock()
	defer std.mu.Unlock()
	if std.fileDest != nil {
		std.fileDest.Close()
	}
	std.fileDest = nil
	std.file = nil
}

func logMessage(level LogLevel, component, message string, fields map[string]any) {
	lvl := level.slogLevel()
	if !std.console.Enabled(context.Background(), lvl) {
		return
	}

	attrs := make([]slog.Attr, 0, len(fields)+1)
	if component != "" {
		attrs = append(attrs, slog.String("component", component))
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, fields[k]))
	}

	std.mu.RLock()
	console, file := std.console, std.file
	std.mu.RUnlock()

	console.LogAttrs(context.Background(), lvl, message, attrs...)
	if file != nil {
		file.LogAttrs(context.Background(), lvl, message, attrs...)
	}
}

func Debug(message string) { logMessage(DEBUG, "", message, nil) }

func DebugC(component, message string) { logMessage(DEBUG, component, message, nil) }

func DebugF(message string, fields map[string]any) { logMessage(DEBUG, "", message, fields) }

func DebugCF(component, message string, fields map[string]any) {
	logMessage(DEBUG, component, message, fields)
}

func Info(message string) { logMessage(INFO, "", message, nil) }

func InfoC(component, message string) { logMessage(INFO, component, message, nil) }

func InfoF(message string, fields map[string]any) { logMessage(INFO, "", message, fields) }

func InfoCF(component, message string, fields map[string]any) {
	logMessage(INFO, component, message, fields)
}

func Warn(message string) { logMessage(WARN, "", message, nil) }

func WarnC(component, message string) { logMessage(WARN, component, message, nil) }

func WarnF(message string, fields map[string]any) { logMessage(WARN, "", message, fields) }

func WarnCF(component, message string, fields map[string]any) {
	logMessage(WARN, component, message, fields)
}

func Error(message string) { logMessage(ERROR, "", message, nil) }

func ErrorC(component, message string) { logMessage(ERROR, component, message, nil) }

func ErrorF(message string, fields map[string]any) { logMessage(ERROR, "", message, fields) }

func ErrorCF(component, message string, fields map[string]any) {
	logMessage(ERROR, component, message, fields)
}
