package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cleanclinic/internal/batch"
	"cleanclinic/internal/tableio"
)

func silverBatch(t *testing.T, names ...string) *batch.Batch {
	t.Helper()
	ts := time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC)
	var pn, src, seen, score, code []batch.Value
	for i, n := range names {
		pn = append(pn, batch.String(n))
		src = append(src, batch.String("visits.parquet"))
		seen = append(seen, batch.Time(ts.Add(time.Duration(i)*time.Minute)))
		score = append(score, batch.Number(float64(i)+0.5))
		code = append(code, batch.Integer(900000000000207008+int64(i)))
	}
	b, err := batch.FromColumns("visits",
		&batch.Column{Name: "source_file", Values: src},
		&batch.Column{Name: "patient_name", Values: pn},
		&batch.Column{Name: "seen_at", Values: seen},
		&batch.Column{Name: "score", Values: score},
		&batch.Column{Name: "snomed_code", Values: code},
	)
	require.NoError(t, err)
	return b
}

func TestParseWriteMode(t *testing.T) {
	m, err := ParseWriteMode("")
	require.NoError(t, err)
	assert.Equal(t, WriteOverwrite, m)

	m, err = ParseWriteMode("APPEND")
	require.NoError(t, err)
	assert.Equal(t, WriteAppend, m)

	_, err = ParseWriteMode("merge")
	assert.Error(t, err)
}

func TestVersionedOverwriteAndAppend(t *testing.T) {
	path := VersionedPath(t.TempDir(), "visits")
	vs, err := OpenVersioned(path)
	require.NoError(t, err)
	defer vs.Close()

	opts := Options{Mode: WriteOverwrite, PartitionBy: []string{"source_file", "processed_date"}}
	v1, err := vs.Write(silverBatch(t, "ANON_000000", "ANON_000001"), opts)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v1)

	v2, err := vs.Write(silverBatch(t, "ANON_000002"), opts)
	require.NoError(t, err)

	latest, err := vs.ReadLatest()
	require.NoError(t, err)
	assert.Equal(t, 1, latest.NumRows(), "overwrite hides earlier versions")
	assert.Equal(t, "ANON_000002", latest.Column("patient_name").Values[0].Str())

	old, err := vs.ReadVersion(v1)
	require.NoError(t, err)
	assert.Equal(t, 2, old.NumRows())

	extra := silverBatch(t, "ANON_000003")
	require.NoError(t, extra.AddColumn("note", []batch.Value{batch.String("late")}))
	v3, err := vs.Write(extra, Options{Mode: WriteAppend})
	require.NoError(t, err)
	assert.Equal(t, v2+1, v3)

	latest, err = vs.ReadLatest()
	require.NoError(t, err)
	require.Equal(t, 2, latest.NumRows())
	assert.Equal(t, "ANON_000002", latest.Column("patient_name").Values[0].Str())
	assert.Equal(t, "ANON_000003", latest.Column("patient_name").Values[1].Str())
	assert.True(t, latest.Column("note").Values[0].IsNull(), "column added on demand")
	assert.Equal(t, "late", latest.Column("note").Values[1].Str())

	versions, err := vs.Versions()
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, WriteAppend, versions[2].Mode)
	assert.Equal(t, v2, versions[2].SnapshotFrom)
}

func TestVersionedRoundTripKeepsKinds(t *testing.T) {
	vs, err := OpenVersioned(VersionedPath(t.TempDir(), "visits"))
	require.NoError(t, err)
	defer vs.Close()

	in := silverBatch(t, "a", "b")
	_, err = vs.Write(in, Options{})
	require.NoError(t, err)

	out, err := vs.ReadLatest()
	require.NoError(t, err)
	assert.True(t, in.Equal(out))
	assert.Equal(t, in.Names(), out.Names())
	assert.Equal(t, batch.KindInteger, out.Column("snomed_code").Values[1].Kind())
	assert.Equal(t, int64(900000000000207009), out.Column("snomed_code").Values[1].Int())
}

func TestVersionedRejectsReservedColumn(t *testing.T) {
	vs, err := OpenVersioned(VersionedPath(t.TempDir(), "visits"))
	require.NoError(t, err)
	defer vs.Close()

	b, err := batch.FromColumns("x", &batch.Column{Name: "_version", Values: []batch.Value{batch.Number(1)}})
	require.NoError(t, err)
	_, err = vs.Write(b, Options{})
	assert.Error(t, err)
}

func TestPersistVersioned(t *testing.T) {
	dir := t.TempDir()
	p := NewPersister(dir, true, Options{Mode: WriteOverwrite}, zerolog.Nop())

	out, err := p.Persist(silverBatch(t, "a"), "/bronze/visits.parquet")
	require.NoError(t, err)
	assert.Equal(t, EncodingVersioned, out.Encoding)
	assert.Equal(t, filepath.Join(dir, "silver_visits.db"), out.Path)
	assert.Empty(t, out.Fallback)
}

func TestPersistFallbackMatchesVersionedContent(t *testing.T) {
	in := silverBatch(t, "ANON_000000", "ANON_000001", "ANON_000002")

	versionedDir := t.TempDir()
	vout, err := NewPersister(versionedDir, true, Options{}, zerolog.Nop()).Persist(in.Clone(), "visits.parquet")
	require.NoError(t, err)
	require.Equal(t, EncodingVersioned, vout.Encoding)

	// A directory squatting on the dataset path makes the versioned write fail.
	flatDir := t.TempDir()
	require.NoError(t, os.Mkdir(VersionedPath(flatDir, "visits"), 0755))
	fout, err := NewPersister(flatDir, true, Options{}, zerolog.Nop()).Persist(in.Clone(), "visits.parquet")
	require.NoError(t, err)
	assert.Equal(t, EncodingFlat, fout.Encoding)
	assert.Equal(t, filepath.Join(flatDir, "processed_visits.parquet"), fout.Path)
	assert.NotEmpty(t, fout.Fallback)

	vs, err := OpenVersioned(vout.Path)
	require.NoError(t, err)
	defer vs.Close()
	versioned, err := vs.ReadLatest()
	require.NoError(t, err)

	flat, err := tableio.ReadParquet(fout.Path)
	require.NoError(t, err)

	assert.True(t, versioned.Equal(flat), "fallback content must match the versioned write")
	assert.Equal(t, in.Names(), versioned.Names())
	assert.Equal(t, versioned.Names(), flat.Names())

	info, err := os.Stat(VersionedPath(flatDir, "visits"))
	require.NoError(t, err)
	assert.True(t, info.IsDir(), "pre-existing path left alone")
}

func TestPersistFlatOnlyWhenVersionedDisabled(t *testing.T) {
	dir := t.TempDir()
	out, err := NewPersister(dir, false, Options{}, zerolog.Nop()).Persist(silverBatch(t, "a"), "visits.parquet")
	require.NoError(t, err)
	assert.Equal(t, EncodingFlat, out.Encoding)
	assert.Empty(t, out.Fallback)
	_, err = os.Stat(VersionedPath(dir, "visits"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestPersistBothFail(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(VersionedPath(dir, "visits"), 0755))
	require.NoError(t, os.Mkdir(FlatPath(dir, "visits.parquet")+".tmp", 0755))
	require.NoError(t, os.WriteFile(filepath.Join(FlatPath(dir, "visits.parquet")+".tmp", "x"), []byte("x"), 0644))

	_, err := NewPersister(dir, true, Options{}, zerolog.Nop()).Persist(silverBatch(t, "a"), "visits.parquet")
	assert.Error(t, err)
}
