package dicom

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"cleanclinic/internal/batch"
	"cleanclinic/internal/tableio"
)

// IngestStats summarizes one ingest.
type IngestStats struct {
	Found   int
	Written int
	Skipped int
}

// Ingest reads the header of every DICOM file under srcDir and writes one row
// per file to dstParquet. Files that fail to parse are logged and skipped.
// Nothing is written when srcDir holds no DICOM files.
func Ingest(srcDir, dstParquet string, logger zerolog.Logger) (IngestStats, error) {
	var stats IngestStats

	files, err := FindDicomFiles(srcDir, true)
	if err != nil {
		return stats, fmt.Errorf("could not scan %s: %w", srcDir, err)
	}
	stats.Found = len(files)
	if len(files) == 0 {
		logger.Warn().Str("dir", srcDir).Msg("No DICOM files found")
		return stats, nil
	}

	columns := make([][]batch.Value, len(IngestTags)+1)
	for _, path := range files {
		ds, err := ReadMetadata(path)
		if err != nil {
			logger.Error().Err(err).Str("file", path).Msg("Skipping unreadable DICOM file")
			stats.Skipped++
			continue
		}

		for i, tc := range IngestTags {
			v := batch.Null()
			if s, ok := ds.Lookup(tc.Tag); ok {
				v = batch.String(s)
			}
			columns[i] = append(columns[i], v)
		}

		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			rel = path
		}
		columns[len(IngestTags)] = append(columns[len(IngestTags)], batch.String(filepath.ToSlash(rel)))
		stats.Written++
	}

	b := batch.New(tableio.Stem(dstParquet), stats.Written)
	for i, tc := range IngestTags {
		if err := b.AddColumn(tc.Column, nonEmpty(columns[i], stats.Written)); err != nil {
			return stats, err
		}
	}
	if err := b.AddColumn(FilePathColumn, nonEmpty(columns[len(IngestTags)], stats.Written)); err != nil {
		return stats, err
	}

	if err := tableio.WriteParquet(dstParquet, b); err != nil {
		return stats, fmt.Errorf("could not write %s: %w", dstParquet, err)
	}

	logger.Info().Int("rows", stats.Written).Int("skipped", stats.Skipped).Str("output", dstParquet).Msg("Wrote DICOM metadata table")
	return stats, nil
}

func nonEmpty(values []batch.Value, rows int) []batch.Value {
	if values == nil {
		return make([]batch.Value, rows)
	}
	return values
}
