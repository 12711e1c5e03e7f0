// Package progress records which bronze tables a run has already persisted
// so interrupted or repeated runs can resume.
package progress

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FileName is the progress state file kept in the silver directory.
const FileName = ".progress.json"

// TableStatus is the outcome recorded for a bronze table.
type TableStatus string

const (
	StatusPersisted TableStatus = "persisted"
	StatusFailed    TableStatus = "failed"
)

// TableEntry is the recorded state of one bronze table.
type TableEntry struct {
	Status      TableStatus `json:"status"`
	Fingerprint string      `json:"fingerprint"`
	Settings    string      `json:"settings,omitempty"`
	Output      string      `json:"output,omitempty"`
	Encoding    string      `json:"encoding,omitempty"`
	RunID       string      `json:"run_id,omitempty"`
	Error       string      `json:"error,omitempty"`
	Timestamp   string      `json:"timestamp"`
}

type state struct {
	Tables  map[string]*TableEntry `json:"tables"`
	Updated string                 `json:"updated"`
	Summary struct {
		Persisted int `json:"persisted"`
		Failed    int `json:"failed"`
		Total     int `json:"total"`
	} `json:"summary"`
}

// Tracker persists per-table outcomes as JSON.
type Tracker struct {
	mu     sync.Mutex
	path   string
	tables map[string]*TableEntry
	logger zerolog.Logger
}

// NewTracker loads the state file at path. An empty path keeps state in
// memory only; an unreadable file starts fresh.
func NewTracker(path string, logger zerolog.Logger) *Tracker {
	t := &Tracker{
		path:   path,
		tables: make(map[string]*TableEntry),
		logger: logger.With().Str("component", "progress").Logger(),
	}
	if path != "" {
		t.load()
	}
	return t
}

func (t *Tracker) load() {
	data, err := os.ReadFile(t.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			t.logger.Warn().Err(err).Str("path", t.path).Msg("Could not read progress file")
		}
		return
	}

	var s state
	if err := json.Unmarshal(data, &s); err != nil {
		t.logger.Warn().Err(err).Str("path", t.path).Msg("Could not parse progress file, starting fresh")
		return
	}
	if s.Tables != nil {
		t.tables = s.Tables
	}
	t.logger.Info().
		Int("persisted", t.count(StatusPersisted)).
		Int("failed", t.count(StatusFailed)).
		Msg("Loaded progress")
}

func (t *Tracker) save() {
	if t.path == "" {
		return
	}

	s := state{Tables: t.tables, Updated: time.Now().Format(time.RFC3339)}
	s.Summary.Persisted = t.count(StatusPersisted)
	s.Summary.Failed = t.count(StatusFailed)
	s.Summary.Total = len(t.tables)

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		t.logger.Warn().Err(err).Msg("Could not encode progress")
		return
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0755); err != nil {
		t.logger.Warn().Err(err).Msg("Could not create progress directory")
		return
	}
	if err := os.WriteFile(t.path, data, 0644); err != nil {
		t.logger.Warn().Err(err).Msg("Could not save progress")
	}
}

func (t *Tracker) count(status TableStatus) int {
	n := 0
	for _, e := range t.tables {
		if e.Status == status {
			n++
		}
	}
	return n
}

// Fingerprint identifies a table's current content by size and modification
// time. It is empty when the file cannot be read.
func Fingerprint(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d_%d", info.Size(), info.ModTime().UnixNano())))
	return fmt.Sprintf("%x", sum[:8])
}

// HashSettings fingerprints the configuration a table was processed with.
func HashSettings(values ...any) string {
	sum := sha256.Sum256([]byte(fmt.Sprintln(values...)))
	return fmt.Sprintf("%x", sum[:8])
}

// IsPersisted reports whether the table was persisted with the same settings,
// has not changed since, and its output still exists.
func (t *Tracker) IsPersisted(path, settings string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.tables[path]
	if !ok || e.Status != StatusPersisted || e.Settings != settings {
		return false
	}
	fp := Fingerprint(path)
	if fp == "" || e.Fingerprint != fp {
		return false
	}
	if e.Output == "" {
		return false
	}
	_, err := os.Stat(e.Output)
	return err == nil
}

// Entry returns a copy of the recorded state of a table.
func (t *Tracker) Entry(path string) (TableEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.tables[path]
	if !ok {
		return TableEntry{}, false
	}
	return *e, true
}

// MarkPersisted records a successful write made with the given settings.
func (t *Tracker) MarkPersisted(path, settings, output, encoding, runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.tables[path] = &TableEntry{
		Status:      StatusPersisted,
		Fingerprint: Fingerprint(path),
		Settings:    settings,
		Output:      output,
		Encoding:    encoding,
		RunID:       runID,
		Timestamp:   time.Now().Format(time.RFC3339),
	}
	t.save()
}

// MarkFailed records a fatal batch error.
func (t *Tracker) MarkFailed(path, runID, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.tables[path] = &TableEntry{
		Status:      StatusFailed,
		Fingerprint: Fingerprint(path),
		RunID:       runID,
		Error:       msg,
		Timestamp:   time.Now().Format(time.RFC3339),
	}
	t.save()
}

// ClearFailed drops failed entries so the next run retries them.
func (t *Tracker) ClearFailed() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for key, e := range t.tables {
		if e.Status == StatusFailed {
			delete(t.tables, key)
			n++
		}
	}
	if n > 0 {
		t.save()
		t.logger.Info().Int("cleared", n).Msg("Cleared failed entries for retry")
	}
	return n
}

// Stats returns persisted and failed counts.
func (t *Tracker) Stats() (persisted, failed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count(StatusPersisted), t.count(StatusFailed)
}
