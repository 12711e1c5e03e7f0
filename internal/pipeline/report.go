package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"cleanclinic/internal/deid"
)

// RunSummaryFile is the run report written to the temp directory.
const RunSummaryFile = "run_summary.yaml"

// BatchReport summarizes one persisted bronze table.
type BatchReport struct {
	InputFile         string             `yaml:"input_file"`
	OutputFile        string             `yaml:"output_file"`
	OutputFormat      string             `yaml:"output_format"`
	OutputVersion     int64              `yaml:"output_version,omitempty"`
	FallbackReason    string             `yaml:"fallback_reason,omitempty"`
	OriginalRows      int                `yaml:"original_rows"`
	ProcessedRows     int                `yaml:"processed_rows"`
	OriginalColumns   int                `yaml:"original_columns"`
	ProcessedColumns  int                `yaml:"processed_columns"`
	TransformsApplied []string           `yaml:"transforms_applied"`
	Stages            []StageResult      `yaml:"stages"`
	PIIColumns        []string           `yaml:"pii_columns"`
	PIIUnscrubbed     []string           `yaml:"pii_columns_unscrubbed,omitempty"`
	PIIStatistics     []deid.ColumnStats `yaml:"pii_statistics,omitempty"`
	ComplianceWarning string             `yaml:"compliance_warning,omitempty"`
	CodeColumns       []string           `yaml:"code_columns"`
	RunID             string             `yaml:"run_id"`
	Timestamp         string             `yaml:"timestamp"`
}

// Degraded reports whether any stage failed and was recovered.
func (r *BatchReport) Degraded() bool {
	for _, s := range r.Stages {
		if s.Status != StatusOK {
			return true
		}
	}
	return false
}

// Stage returns the result for a named stage.
func (r *BatchReport) Stage(name string) (StageResult, bool) {
	for _, s := range r.Stages {
		if s.Stage == name {
			return s, true
		}
	}
	return StageResult{}, false
}

// SummaryPath returns the report location for an output: the output with its
// extension replaced by ".summary.yaml".
func SummaryPath(output string) string {
	return strings.TrimSuffix(output, filepath.Ext(output)) + ".summary.yaml"
}

// SkippedTable is a bronze table that was not persisted in a run.
type SkippedTable struct {
	File   string `yaml:"file"`
	Reason string `yaml:"reason"`
}

// RunReport summarizes a whole run.
type RunReport struct {
	RunID      string              `yaml:"run_id"`
	StartedAt  string              `yaml:"started_at"`
	FinishedAt string              `yaml:"finished_at"`
	BronzeDir  string              `yaml:"bronze_dir"`
	SilverDir  string              `yaml:"silver_dir"`
	Found      int                 `yaml:"tables_found"`
	Processed  int                 `yaml:"tables_processed"`
	Degraded   int                 `yaml:"tables_degraded"`
	Outputs    []string            `yaml:"outputs"`
	Skipped    []SkippedTable      `yaml:"skipped"`
	Unscrubbed map[string][]string `yaml:"pii_columns_unscrubbed,omitempty"`
}

func writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("could not encode report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("could not create report directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("could not write report: %w", err)
	}
	return nil
}

// ReadBatchReport loads a batch summary written by a previous run.
func ReadBatchReport(path string) (*BatchReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read report: %w", err)
	}
	var r BatchReport
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("could not parse report: %w", err)
	}
	return &r, nil
}

func timestamp(t time.Time) string { return t.Format(time.RFC3339) }
