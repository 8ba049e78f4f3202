package utils

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"
)

// LogLevel represents different log levels
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// Fields carries structured context attached to every line a Logger
// writes — a transfer's peer address, the request filename, the block
// number being acknowledged, and so on.
type Fields map[string]interface{}

// Logger provides simple logging functionality
type Logger struct {
	level  LogLevel
	format string
	logger *log.Logger
	fields Fields
}

// NewLogger creates a new logger with the specified level and format
func NewLogger(level, format string) *Logger {
	logLevel := parseLogLevel(level)

	logger := &Logger{
		level:  logLevel,
		format: format,
		logger: log.New(os.Stdout, "", 0),
	}

	return logger
}

// WithFields returns a Logger that shares this one's sink and level but
// attaches fields to every line it writes — e.g. a per-transfer logger
// tagged with the peer address and request filename, or further narrowed
// to one block within that transfer.
func (l *Logger) WithFields(fields Fields) *Logger {
	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{level: l.level, format: l.format, logger: l.logger, fields: merged}
}

// parseLogLevel converts a string log level to LogLevel enum
func parseLogLevel(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return DEBUG
	case "info":
		return INFO
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.level <= DEBUG {
		l.log("DEBUG", format, args...)
	}
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	if l.level <= INFO {
		l.log("INFO", format, args...)
	}
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.level <= WARN {
		l.log("WARN", format, args...)
	}
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	if l.level <= ERROR {
		l.log("ERROR", format, args...)
	}
}

// log formats and prints a log message, appending any fields attached via
// WithFields in a stable (sorted) key order.
func (l *Logger) log(level, format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	keys := make([]string, 0, len(l.fields))
	for k := range l.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var output string
	if l.format == "json" {
		var fieldsJSON strings.Builder
		for _, k := range keys {
			fmt.Fprintf(&fieldsJSON, `,"%s":"%v"`, k, l.fields[k])
		}
		output = fmt.Sprintf(`{"time":"%s","level":"%s","message":"%s"%s}`, timestamp, level, message, fieldsJSON.String())
	} else {
		var fieldsText strings.Builder
		for _, k := range keys {
			fmt.Fprintf(&fieldsText, " %s=%v", k, l.fields[k])
		}
		output = fmt.Sprintf("[%s] %s: %s%s", timestamp, level, message, fieldsText.String())
	}

	l.logger.Println(output)
}
