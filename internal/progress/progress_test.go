package progress

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerResumesUnchangedTables(t *testing.T) {
	dir := t.TempDir()
	table := filepath.Join(dir, "visits.parquet")
	require.NoError(t, os.WriteFile(table, []byte("v1"), 0644))
	output := filepath.Join(dir, "silver", "silver_visits.db")
	require.NoError(t, os.MkdirAll(filepath.Dir(output), 0755))
	require.NoError(t, os.WriteFile(output, []byte("db"), 0644))
	state := filepath.Join(dir, "silver", FileName)
	settings := HashSettings("hash", "salt", 0)

	tr := NewTracker(state, zerolog.Nop())
	assert.False(t, tr.IsPersisted(table, settings))
	tr.MarkPersisted(table, settings, output, "versioned", "run-1")

	reloaded := NewTracker(state, zerolog.Nop())
	assert.True(t, reloaded.IsPersisted(table, settings))
	e, ok := reloaded.Entry(table)
	require.True(t, ok)
	assert.Equal(t, "run-1", e.RunID)
	assert.Equal(t, settings, e.Settings)

	// A changed table is processed again.
	require.NoError(t, os.WriteFile(table, []byte("version two"), 0644))
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(table, later, later))
	assert.False(t, reloaded.IsPersisted(table, settings))
}

func TestTrackerReprocessesOnNewSettings(t *testing.T) {
	dir := t.TempDir()
	table := filepath.Join(dir, "visits.parquet")
	output := filepath.Join(dir, "processed_visits.parquet")
	require.NoError(t, os.WriteFile(table, []byte("v1"), 0644))
	require.NoError(t, os.WriteFile(output, []byte("out"), 0644))

	tr := NewTracker("", zerolog.Nop())
	tr.MarkPersisted(table, HashSettings("hash", "salt"), output, "flat", "run-1")
	assert.True(t, tr.IsPersisted(table, HashSettings("hash", "salt")))
	assert.False(t, tr.IsPersisted(table, HashSettings("mask", "salt")))
	assert.False(t, tr.IsPersisted(table, HashSettings("hash", "pepper")))
}

func TestTrackerReprocessesMissingOutput(t *testing.T) {
	dir := t.TempDir()
	table := filepath.Join(dir, "visits.parquet")
	output := filepath.Join(dir, "processed_visits.parquet")
	require.NoError(t, os.WriteFile(table, []byte("v1"), 0644))
	require.NoError(t, os.WriteFile(output, []byte("out"), 0644))

	tr := NewTracker("", zerolog.Nop())
	tr.MarkPersisted(table, "s", output, "flat", "run-1")
	assert.True(t, tr.IsPersisted(table, "s"))

	require.NoError(t, os.Remove(output))
	assert.False(t, tr.IsPersisted(table, "s"))

	tr.MarkPersisted(table, "s", "", "flat", "run-1")
	assert.False(t, tr.IsPersisted(table, "s"))
}

func TestHashSettings(t *testing.T) {
	assert.Equal(t, HashSettings("hash", 3, true), HashSettings("hash", 3, true))
	assert.NotEqual(t, HashSettings("hash", 3, true), HashSettings("hash", 3, false))
	assert.Len(t, HashSettings(), 16)
}

func TestTrackerClearFailed(t *testing.T) {
	tr := NewTracker("", zerolog.Nop())
	tr.MarkFailed("a.parquet", "run-1", "unreadable")
	tr.MarkPersisted("b.parquet", "", "out", "flat", "run-1")

	persisted, failed := tr.Stats()
	assert.Equal(t, 1, persisted)
	assert.Equal(t, 1, failed)

	assert.Equal(t, 1, tr.ClearFailed())
	_, failed = tr.Stats()
	assert.Zero(t, failed)
}

func TestTrackerIgnoresCorruptState(t *testing.T) {
	state := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(state, []byte("{not json"), 0644))
	tr := NewTracker(state, zerolog.Nop())
	persisted, failed := tr.Stats()
	assert.Zero(t, persisted+failed)
}

func TestErrorLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "silver", ErrorLogFileName)
	l, err := NewErrorLog(path)
	require.NoError(t, err)

	assert.Equal(t, "No errors", l.Summary())
	l.Log("/bronze/visits.parquet", "source unreadable")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))
	assert.True(t, strings.HasSuffix(line, "| visits.parquet | source unreadable"), line)
	assert.Len(t, l.Entries(), 1)
	assert.Contains(t, l.Summary(), "1 errors logged to")
}
