package store

import (
	"path/filepath"

	"cleanclinic/internal/batch"
	"cleanclinic/internal/tableio"
)

// FlatPath returns the flat-file fallback location for a source table.
func FlatPath(dir, sourceFile string) string {
	return filepath.Join(dir, "processed_"+tableio.Stem(sourceFile)+tableio.TableExtension)
}

// WriteFlat writes b as a single parquet file.
func WriteFlat(path string, b *batch.Batch) error {
	return tableio.WriteParquet(path, b)
}
