package dicom

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"cleanclinic/internal/tableio"
)

func element(t *testing.T, tg tag.Tag, value []string) *dicom.Element {
	t.Helper()
	e, err := dicom.NewElement(tg, value)
	require.NoError(t, err)
	return e
}

// writeStudy writes a minimal header-only DICOM file.
func writeStudy(t *testing.T, path, patientID, patientName string) {
	t.Helper()
	ds := dicom.Dataset{Elements: []*dicom.Element{
		element(t, tag.MediaStorageSOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.2"}),
		element(t, tag.MediaStorageSOPInstanceUID, []string{"1.2.3.4.5"}),
		element(t, tag.TransferSyntaxUID, []string{"1.2.840.10008.1.2.1"}),
		element(t, tag.SOPInstanceUID, []string{"1.2.3.4.5"}),
		element(t, tag.StudyDate, []string{"20240115"}),
		element(t, tag.Modality, []string{"CT"}),
		element(t, tag.PatientName, []string{patientName}),
		element(t, tag.PatientID, []string{patientID}),
	}}

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, dicom.Write(f, ds,
		dicom.SkipVRVerification(),
		dicom.SkipValueTypeVerification(),
		dicom.DefaultMissingTransferSyntax(),
	))
}

func TestIngestWritesOneRowPerFile(t *testing.T) {
	src := t.TempDir()
	writeStudy(t, filepath.Join(src, "a.dcm"), "P001", "Doe^Jane")
	writeStudy(t, filepath.Join(src, "series", "b.dcm"), "P002", "Roe^Rick")
	require.NoError(t, os.WriteFile(filepath.Join(src, "broken.dcm"), []byte("not dicom"), 0644))

	dst := filepath.Join(t.TempDir(), "bronze", "imaging.parquet")
	stats, err := Ingest(src, dst, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, IngestStats{Found: 3, Written: 2, Skipped: 1}, stats)

	b, err := tableio.ReadParquet(dst)
	require.NoError(t, err)
	require.Equal(t, 2, b.NumRows())
	assert.Equal(t, len(IngestTags)+1, b.NumColumns())

	ids := b.Column("patient_id")
	require.NotNil(t, ids)
	assert.Equal(t, "P001", ids.Values[0].Str())
	assert.Equal(t, "P002", ids.Values[1].Str())

	paths := b.Column(FilePathColumn)
	require.NotNil(t, paths)
	assert.Equal(t, "a.dcm", paths.Values[0].Str())
	assert.Equal(t, "series/b.dcm", paths.Values[1].Str())

	assert.Equal(t, "CT", b.Column("modality").Values[0].Str())
	assert.True(t, b.Column("institution").Values[0].IsNull())
}

func TestIngestWithoutDicomFilesWritesNothing(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "notes.txt"), []byte("hello"), 0644))

	dst := filepath.Join(t.TempDir(), "out.parquet")
	stats, err := Ingest(src, dst, zerolog.Nop())
	require.NoError(t, err)
	assert.Zero(t, stats.Found)
	assert.NoFileExists(t, dst)
}

func TestIngestMissingSource(t *testing.T) {
	_, err := Ingest(filepath.Join(t.TempDir(), "missing"), filepath.Join(t.TempDir(), "x.parquet"), zerolog.Nop())
	assert.Error(t, err)
}

func TestFindDicomFiles(t *testing.T) {
	dir := t.TempDir()
	write := func(rel string, data []byte) {
		path := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, data, 0644))
	}

	magic := make([]byte, 140)
	copy(magic[128:], "DICM")

	write("a.dcm", []byte("x"))
	write("IM0001", magic)
	write("plain", []byte("no marker here"))
	write("DICOMDIR", magic)
	write("table.parquet", magic)
	write("nested/b.DICOM", []byte("x"))
	write(".git/c.dcm", []byte("x"))

	files, err := FindDicomFiles(dir, true)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "IM0001"),
		filepath.Join(dir, "a.dcm"),
		filepath.Join(dir, "nested", "b.DICOM"),
	}, files)

	flat, err := FindDicomFiles(dir, false)
	require.NoError(t, err)
	assert.Len(t, flat, 2)
}

func TestReadMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "study.dcm")
	writeStudy(t, path, "P042", "Smith^John")

	ds, err := ReadMetadata(path)
	require.NoError(t, err)
	id, ok := ds.Lookup(tag.PatientID)
	assert.True(t, ok)
	assert.Equal(t, "P042", id)
	name, _ := ds.Lookup(tag.PatientName)
	assert.Equal(t, "Smith^John", name)

	_, ok = ds.Lookup(tag.InstitutionName)
	assert.False(t, ok)
}
