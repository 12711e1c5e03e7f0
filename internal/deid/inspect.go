package deid

import (
	"cleanclinic/internal/batch"
	"cleanclinic/internal/classify"
	"cleanclinic/internal/patterns"
)

// ColumnStats summarizes a PII column before scrubbing.
type ColumnStats struct {
	Column   string   `yaml:"column"`
	Total    int      `yaml:"total_values"`
	Nulls    int      `yaml:"null_values"`
	Unique   int      `yaml:"unique_values"`
	Patterns []string `yaml:"pii_patterns_found,omitempty"`
}

// Inspect reports value counts and the detectors found in a sample of each
// requested column. Absent columns are skipped.
func Inspect(b *batch.Batch, piiColumns []string) []ColumnStats {
	stats := make([]ColumnStats, 0, len(piiColumns))
	for _, name := range piiColumns {
		col := b.Column(name)
		if col == nil {
			continue
		}
		s := ColumnStats{Column: name, Total: len(col.Values)}
		seen := make(map[string]struct{})
		for _, v := range col.Values {
			if v.IsNull() {
				s.Nulls++
				continue
			}
			text, err := v.Text()
			if err != nil {
				continue
			}
			seen[text] = struct{}{}
		}
		s.Unique = len(seen)
		s.Patterns = patterns.Match(classify.SampleText(col.Values))
		stats = append(stats, s)
	}
	return stats
}
