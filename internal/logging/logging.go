// Package logging provides structured JSON logging for habitat components.
// Entries go to stderr (picked up by the cloud logging agent on the host)
// and, when a state directory is configured, to an append-only per-component
// log file under logs/.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Severity levels for structured logs.
type Severity string

const (
	SeverityDebug    Severity = "DEBUG"
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Entry is a single structured log line.
type Entry struct {
	Severity  Severity               `json:"severity"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Component string                 `json:"component"`
	BootID    string                 `json:"boot_id,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Logger writes structured entries. Safe for concurrent use.
type Logger struct {
	component string
	bootID    string
	writer    io.Writer
	file      *os.File
	mu        sync.Mutex
}

// Option configures a Logger.
type Option func(*Logger)

// WithWriter replaces the default stderr writer (used in tests).
func WithWriter(w io.Writer) Option {
	return func(l *Logger) {
		l.writer = w
	}
}

// WithBootID stamps every entry with the current boot id.
func WithBootID(id string) Option {
	return func(l *Logger) {
		l.bootID = id
	}
}

// New creates a logger for a component. If logsDir is non-empty the logger
// also appends to logsDir/<component>.log; failure to open the file is
// non-fatal and leaves the logger on stderr only.
func New(component, logsDir string, opts ...Option) *Logger {
	l := &Logger{
		component: component,
		writer:    os.Stderr,
	}
	for _, opt := range opts {
		opt(l)
	}

	if logsDir != "" {
		if err := os.MkdirAll(logsDir, 0o755); err == nil {
			path := filepath.Join(logsDir, component+".log")
			if f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644); err == nil {
				l.file = f
			}
		}
	}

	return l
}

// Log writes an entry at the given severity.
func (l *Logger) Log(severity Severity, message string, fields map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Severity:  severity,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Component: l.component,
		BootID:    l.bootID,
		Fields:    fields,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(l.writer, `{"severity":"ERROR","message":"failed to marshal log entry: %v"}`+"\n", err)
		return
	}
	fmt.Fprintf(l.writer, "%s\n", data)
	if l.file != nil {
		fmt.Fprintf(l.file, "%s\n", data)
	}
}

// Infof logs at INFO level.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.Log(SeverityInfo, fmt.Sprintf(format, args...), nil)
}

// Warningf logs at WARNING level.
func (l *Logger) Warningf(format string, args ...interface{}) {
	l.Log(SeverityWarning, fmt.Sprintf(format, args...), nil)
}

// Errorf logs at ERROR level.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.Log(SeverityError, fmt.Sprintf(format, args...), nil)
}

// Criticalf logs at CRITICAL level.
func (l *Logger) Criticalf(format string, args ...interface{}) {
	l.Log(SeverityCritical, fmt.Sprintf(format, args...), nil)
}

// Close releases the file sink, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Tail returns up to maxLines of the most recent lines from a component log
// file. Used by the control plane's /log endpoint.
func Tail(logsDir, component string, maxLines int) ([]string, error) {
	path := filepath.Join(logsDir, component+".log")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := splitLines(data)
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return lines, nil
}

func splitLines(data []byte) []string {
	var lines []string
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, string(data[start:i]))
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, string(data[start:]))
	}
	return lines
}
