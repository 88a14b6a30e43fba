package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// TaskLog is a single task execution record written by workers.
type TaskLog struct {
	Timestamp    time.Time `json:"timestamp"`
	RequestID    string    `json:"request_id"`
	TraceID      string    `json:"trace_id,omitempty"`
	SessionID    string    `json:"session_id"`
	TaskID       string    `json:"task_id"`
	Handler      string    `json:"handler,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
	Success      bool      `json:"success"`
	Error        string    `json:"error,omitempty"`
	ErrorClass   string    `json:"error_class,omitempty"`
	PayloadSize  int       `json:"payload_size"`
	Dependencies int       `json:"dependencies,omitempty"`
	Results      int       `json:"results,omitempty"`
	ResultBytes  int64     `json:"result_bytes,omitempty"`
}

// Logger writes task records to the console and, optionally, a JSON lines
// file.
type Logger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console io.Writer
}

var defaultLogger = &Logger{enabled: true, console: os.Stdout}

// Default returns the default task logger.
func Default() *Logger {
	return defaultLogger
}

// NewLogger returns an enabled logger printing to console. A nil console
// disables console output.
func NewLogger(console io.Writer) *Logger {
	return &Logger{enabled: true, console: console}
}

// SetOutput appends JSON records to the file at path.
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole replaces the console writer; nil disables console output.
func (l *Logger) SetConsole(w io.Writer) {
	l.mu.Lock()
	l.console = w
	l.mu.Unlock()
}

// SetEnabled turns task logging on or off.
func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	l.enabled = enabled
	l.mu.Unlock()
}

// Log writes a task record.
func (l *Logger) Log(entry *TaskLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	if l.console != nil {
		status := "ok"
		if !entry.Success {
			status = "failed"
		}
		fmt.Fprintf(l.console, "[task] %s %s/%s %dms payload=%dB deps=%d results=%d\n",
			status, entry.SessionID, entry.TaskID, entry.DurationMs, entry.PayloadSize, entry.Dependencies, entry.Results)
		if entry.Error != "" {
			fmt.Fprintf(l.console, "[task]   error (%s): %s\n", entry.ErrorClass, entry.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
