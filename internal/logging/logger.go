package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// RequestLog represents a single invocation log entry.
type RequestLog struct {
	Timestamp  time.Time `json:"timestamp"`
	ResultKey  string    `json:"result_key"`
	User       string    `json:"user"`
	Function   string    `json:"function"`
	Host       string    `json:"host"`
	DurationMs int64     `json:"duration_ms"`
	ColdStart  bool      `json:"cold_start"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	InputSize  int       `json:"input_size"`
	OutputSize int       `json:"output_size,omitempty"`
	Recursions int       `json:"recursions,omitempty"`
}

// Logger handles request logging.
type Logger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultLogger = &Logger{enabled: true, console: true}

// Default returns the default logger.
func Default() *Logger {
	return defaultLogger
}

// SetOutput sets the log output file.
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

// SetConsole enables/disables console output.
func (l *Logger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log writes a request log entry.
func (l *Logger) Log(entry *RequestLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	entry.Timestamp = time.Now()

	if l.console {
		status := "✓"
		if !entry.Success {
			status = "✗"
		}
		cold := ""
		if entry.ColdStart {
			cold = " [cold]"
		}
		recur := ""
		if entry.Recursions > 0 {
			recur = fmt.Sprintf(" [recursions:%d]", entry.Recursions)
		}
		fmt.Printf("[invocation] %s %s/%s %dms%s%s\n",
			status, entry.User, entry.Function, entry.DurationMs, cold, recur)
		if entry.Error != "" {
			fmt.Printf("[invocation]   error: %s\n", entry.Error)
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
