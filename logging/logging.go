// Package logging provides structured console logging for agent processes.
// Aggregate, queryable telemetry lives in the metrics collector; this package
// is for real-time operator output only.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logger writes key=value log lines to a single writer.
type Logger struct {
	mu           sync.Mutex
	output       io.Writer
	minLevel     Level
	component    string
	agentID      string
	conversation string
}

// levelPriority maps levels to numeric priority for filtering.
var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// New creates a new Logger writing to stdout at INFO.
func New() *Logger {
	return &Logger{
		output:   os.Stdout,
		minLevel: LevelInfo,
	}
}

// WithComponent returns a new logger tagged with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		output:       l.output,
		minLevel:     l.minLevel,
		component:    component,
		agentID:      l.agentID,
		conversation: l.conversation,
	}
}

// WithAgent returns a new logger tagged with the agent's stable id.
func (l *Logger) WithAgent(agentID string) *Logger {
	return &Logger{
		output:       l.output,
		minLevel:     l.minLevel,
		component:    l.component,
		agentID:      agentID,
		conversation: l.conversation,
	}
}

// WithConversation returns a new logger tagged with a conversation id, so
// every line of one exchange correlates across agents.
func (l *Logger) WithConversation(conversationID string) *Logger {
	return &Logger{
		output:       l.output,
		minLevel:     l.minLevel,
		component:    l.component,
		agentID:      l.agentID,
		conversation: conversationID,
	}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.minLevel = level
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields formats a map of fields as sorted key=value pairs.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return " " + strings.Join(parts, " ")
}

// log writes one line: LEVEL TIMESTAMP [component] message key=value ...
func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var fieldStr string
	if len(fields) > 0 && fields[0] != nil {
		fieldStr = formatFields(fields[0])
	}
	if l.agentID != "" {
		fieldStr += " agent=" + l.agentID
	}
	if l.conversation != "" {
		fieldStr += " conversation=" + l.conversation
	}

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Write([]byte(line))
}

// PublishAttempt logs one publish attempt on one pattern.
func (l *Logger) PublishAttempt(pattern, subject string, attempt int, err error) {
	fields := map[string]interface{}{
		"pattern": pattern,
		"subject": subject,
		"attempt": attempt,
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Warn("publish_retry", fields)
	} else {
		l.Debug("publish_ok", fields)
	}
}

// DuplicateDropped logs a deduplicated inbound delivery.
func (l *Logger) DuplicateDropped(conversationID, kind, via string) {
	l.Debug("duplicate_dropped", map[string]interface{}{
		"conversation": conversationID,
		"kind":         kind,
		"via":          via,
	})
}

// ParseRejected logs a malformed inbound message that was rejected.
func (l *Logger) ParseRejected(subject string, err error) {
	l.Warn("parse_rejected", map[string]interface{}{
		"subject": subject,
		"error":   err.Error(),
	})
}
