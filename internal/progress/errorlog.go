package progress

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrorLogFileName is the per-run error log kept in the silver directory.
const ErrorLogFileName = "errors.log"

// ErrorEntry is one failed table.
type ErrorEntry struct {
	Table     string
	Error     string
	Timestamp time.Time
}

// ErrorLog appends "timestamp | table | message" lines to a file and keeps
// the entries of the current run in memory.
type ErrorLog struct {
	mu      sync.Mutex
	path    string
	entries []ErrorEntry
	file    *os.File
}

// NewErrorLog opens path for appending. An empty path only keeps entries in
// memory.
func NewErrorLog(path string) (*ErrorLog, error) {
	l := &ErrorLog{path: path}
	if path == "" {
		return l, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("could not create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("could not open error log: %w", err)
	}
	l.file = f
	return l, nil
}

// Log records a failure for a table.
func (l *ErrorLog) Log(table, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := ErrorEntry{Table: table, Error: msg, Timestamp: time.Now()}
	l.entries = append(l.entries, e)
	if l.file != nil {
		fmt.Fprintf(l.file, "%s | %s | %s\n", e.Timestamp.Format(time.RFC3339), filepath.Base(table), msg)
	}
}

// Entries returns the failures logged in this run.
func (l *ErrorLog) Entries() []ErrorEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ErrorEntry(nil), l.entries...)
}

// Summary describes the run's failures in one line.
func (l *ErrorLog) Summary() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) == 0 {
		return "No errors"
	}
	if l.path == "" {
		return fmt.Sprintf("%d errors", len(l.entries))
	}
	return fmt.Sprintf("%d errors logged to %s", len(l.entries), l.path)
}

// Close closes the log file.
func (l *ErrorLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
