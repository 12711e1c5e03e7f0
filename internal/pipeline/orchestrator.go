package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"cleanclinic/internal/batch"
	"cleanclinic/internal/classify"
	"cleanclinic/internal/deid"
	"cleanclinic/internal/progress"
	"cleanclinic/internal/store"
	"cleanclinic/internal/tableio"
	"cleanclinic/internal/terminology"
)

// Terminal batch statuses.
const (
	batchPersisted = "persisted"
	batchFailed    = "failed"
	batchSkipped   = "skipped"
)

// Config holds the orchestrator configuration.
type Config struct {
	BronzeDir     string
	SilverDir     string
	TempDir       string
	DateShiftDays int
	MetricsFile   string
	Deid          deid.Config
}

// Orchestrator sequences the stages for each bronze table. One run processes
// tables one at a time; the anonymization map lives for exactly one run.
type Orchestrator struct {
	cfg       Config
	mapper    *terminology.Mapper
	persister *store.Persister
	geocoder  ReverseGeocoder
	tracker   *progress.Tracker
	errlog    *progress.ErrorLog
	metrics   *Metrics
	progress  ProgressFunc
	logger    zerolog.Logger
	now       func() time.Time
	overrides map[string]Stage
	read      func(string) (*batch.Batch, error)

	runID  string
	anon   *deid.AnonymizationMap
	engine *deid.Engine
}

// ProgressFunc is called after each bronze table with its terminal status.
type ProgressFunc func(current, total int, table, status string)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithGeocoder sets the reverse geocoder used after coordinate truncation.
func WithGeocoder(g ReverseGeocoder) Option {
	return func(o *Orchestrator) { o.geocoder = g }
}

// WithTracker enables resumable runs.
func WithTracker(t *progress.Tracker) Option {
	return func(o *Orchestrator) { o.tracker = t }
}

// WithErrorLog records fatal batch errors to an error log.
func WithErrorLog(l *progress.ErrorLog) Option {
	return func(o *Orchestrator) { o.errlog = l }
}

// WithMetrics records stage and batch outcomes.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithProgress reports per-table progress during Run.
func WithProgress(fn ProgressFunc) Option {
	return func(o *Orchestrator) { o.progress = fn }
}

// WithStage replaces the built-in stage of the same name.
func WithStage(s Stage) Option {
	return func(o *Orchestrator) { o.overrides[s.Name()] = s }
}

// New creates an orchestrator. mapper must not be nil; a mapper without
// tables degrades terminology enrichment to empty columns.
func New(cfg Config, mapper *terminology.Mapper, persister *store.Persister, logger zerolog.Logger, opts ...Option) (*Orchestrator, error) {
	if mapper == nil {
		return nil, fmt.Errorf("terminology mapper is required")
	}
	if persister == nil {
		return nil, fmt.Errorf("persister is required")
	}
	o := &Orchestrator{
		cfg:       cfg,
		mapper:    mapper,
		persister: persister,
		logger:    logger.With().Str("component", "pipeline").Logger(),
		now:       time.Now,
		overrides: make(map[string]Stage),
		read:      tableio.ReadParquet,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics()
	}
	if err := o.beginRun(); err != nil {
		return nil, err
	}
	return o, nil
}

// beginRun starts a new run id and a fresh anonymization map.
func (o *Orchestrator) beginRun() error {
	anon := deid.NewAnonymizationMap()
	engine, err := deid.NewEngine(o.cfg.Deid, anon, o.logger)
	if err != nil {
		return fmt.Errorf("could not create de-identification engine: %w", err)
	}
	o.runID = uuid.NewString()
	o.anon = anon
	o.engine = engine
	return nil
}

// settings fingerprints everything that shapes a silver table, so a table
// persisted under other settings is processed again.
func (o *Orchestrator) settings() string {
	opts := o.persister.Options()
	return progress.HashSettings(
		o.cfg.Deid.Mode, o.cfg.Deid.Salt, o.cfg.DateShiftDays,
		o.persister.Versioned(), opts.Mode, opts.PartitionBy,
		o.mapper.Tables() != nil, o.geocoder != nil,
	)
}

// RunID returns the current run identifier.
func (o *Orchestrator) RunID() string { return o.runID }

// Metrics returns the orchestrator metrics.
func (o *Orchestrator) Metrics() *Metrics { return o.metrics }

func (o *Orchestrator) stagesFor(source string) []Stage {
	builtin := map[string]Stage{
		StagePIIScrub:          &piiStage{engine: o.engine},
		StageDateShift:         &dateShiftStage{days: o.cfg.DateShiftDays},
		StageGeoEnrich:         &geoStage{geocoder: o.geocoder},
		StageTerminologyEnrich: &terminologyStage{mapper: o.mapper},
		StageProvenance:        &provenanceStage{source: source, runID: o.runID, now: o.now},
	}
	stages := make([]Stage, 0, len(StageOrder))
	for _, name := range StageOrder {
		if s, ok := o.overrides[name]; ok {
			stages = append(stages, s)
			continue
		}
		stages = append(stages, builtin[name])
	}
	return stages
}

// ProcessFile runs one bronze table through every stage and persists it. The
// returned error wraps ErrSourceUnreadable or ErrDestinationUnwritable; stage
// failures only show up in the report.
func (o *Orchestrator) ProcessFile(ctx context.Context, path string) (*BatchReport, error) {
	logger := o.logger.With().Str("table", filepath.Base(path)).Logger()

	b, err := o.read(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnreadable, path, err)
	}
	logger.Info().Int("rows", b.NumRows()).Int("columns", b.NumColumns()).Msg("Loaded bronze table")

	classes := classify.Classify(b)
	report := &BatchReport{
		InputFile:       filepath.Base(path),
		OriginalRows:    b.NumRows(),
		OriginalColumns: b.NumColumns(),
		PIIColumns:      nonNil(classes.PII),
		CodeColumns:     nonNil(classes.Codes),
		PIIStatistics:   deid.Inspect(b, classes.PII),
		RunID:           o.runID,
	}

	for _, stage := range o.stagesFor(filepath.Base(path)) {
		var res StageResult
		b, res = runStage(ctx, stage, b)
		report.Stages = append(report.Stages, res)
		o.metrics.observeStage(res)

		if res.Status == StatusOK {
			report.TransformsApplied = append(report.TransformsApplied, res.Stage)
			logger.Info().Str("stage", res.Stage).Dur("duration", res.Duration).Msg("Stage completed")
		} else {
			logger.Error().Str("stage", res.Stage).Str("reason", res.Reason).
				Msg("Stage failed, continuing with the batch unchanged")
		}
	}

	report.PIIUnscrubbed = unscrubbed(report, b)
	if len(report.PIIUnscrubbed) > 0 {
		report.ComplianceWarning = fmt.Sprintf("PII columns left unscrubbed: %s", strings.Join(report.PIIUnscrubbed, ", "))
		logger.Warn().Strs("columns", report.PIIUnscrubbed).Msg("Compliance warning: PII left unscrubbed")
	}

	out, err := o.persister.Persist(b, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDestinationUnwritable, err)
	}

	report.OutputFile = out.Path
	report.OutputFormat = string(out.Encoding)
	report.OutputVersion = out.Version
	report.FallbackReason = out.Fallback
	report.ProcessedRows = b.NumRows()
	report.ProcessedColumns = b.NumColumns()
	report.Timestamp = timestamp(o.now())

	summary := SummaryPath(out.Path)
	if err := writeYAML(summary, report); err != nil {
		logger.Warn().Err(err).Msg("Could not write batch summary")
	} else {
		logger.Info().Str("summary", summary).Msg("Transformation summary saved")
	}
	return report, nil
}

// unscrubbed lists the PII columns the scrub stage did not transform.
func unscrubbed(report *BatchReport, b *batch.Batch) []string {
	if len(report.PIIColumns) == 0 {
		return nil
	}
	res, ok := report.Stage(StagePIIScrub)
	if !ok || res.Status != StatusOK {
		return report.PIIColumns
	}
	col := b.Column(deid.ColumnUnscrubbed)
	if col == nil || b.NumRows() == 0 || col.Values[0].Str() == "" {
		return nil
	}
	return strings.Split(col.Values[0].Str(), ",")
}

// Run processes every bronze table. A fatal error on one table is logged
// and the run moves on. The returned error is only set when the bronze
// directory cannot be listed or ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) (*RunReport, error) {
	if err := o.beginRun(); err != nil {
		return nil, err
	}
	started := o.now()
	report := &RunReport{
		RunID:     o.runID,
		StartedAt: timestamp(started),
		BronzeDir: o.cfg.BronzeDir,
		SilverDir: o.cfg.SilverDir,
		Outputs:   []string{},
		Skipped:   []SkippedTable{},
	}

	logger := o.logger.With().Str("run_id", o.runID).Logger()
	settings := o.settings()
	files, err := tableio.FindTables(o.cfg.BronzeDir, true)
	if err != nil {
		return nil, fmt.Errorf("could not list bronze tables: %w", err)
	}
	report.Found = len(files)
	if len(files) == 0 {
		logger.Warn().Str("dir", o.cfg.BronzeDir).Msg("No parquet tables found in bronze directory")
	}

	notify := func(i int, path, status string) {
		if o.progress != nil {
			o.progress(i+1, len(files), filepath.Base(path), status)
		}
	}

	var runErr error
	for i, path := range files {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		if o.tracker != nil && o.tracker.IsPersisted(path, settings) {
			report.Skipped = append(report.Skipped, SkippedTable{File: path, Reason: "unchanged since last persisted run"})
			o.metrics.observeBatch(batchSkipped, 0)
			notify(i, path, batchSkipped)
			continue
		}

		br, err := o.ProcessFile(ctx, path)
		if err != nil {
			logger.Error().Err(err).Str("table", path).Msg("Failed to process table")
			report.Skipped = append(report.Skipped, SkippedTable{File: path, Reason: err.Error()})
			o.metrics.observeBatch(batchFailed, 0)
			if o.tracker != nil {
				o.tracker.MarkFailed(path, o.runID, err.Error())
			}
			if o.errlog != nil {
				o.errlog.Log(path, err.Error())
			}
			notify(i, path, batchFailed)
			continue
		}

		report.Processed++
		report.Outputs = append(report.Outputs, br.OutputFile)
		if br.Degraded() {
			report.Degraded++
		}
		if len(br.PIIUnscrubbed) > 0 {
			if report.Unscrubbed == nil {
				report.Unscrubbed = make(map[string][]string)
			}
			report.Unscrubbed[br.InputFile] = br.PIIUnscrubbed
		}
		o.metrics.observeBatch(batchPersisted, br.ProcessedRows)
		if o.tracker != nil {
			o.tracker.MarkPersisted(path, settings, br.OutputFile, br.OutputFormat, o.runID)
		}
		notify(i, path, batchPersisted)
	}

	report.FinishedAt = timestamp(o.now())
	logger.Info().
		Int("processed", report.Processed).
		Int("found", report.Found).
		Int("degraded", report.Degraded).
		Msg("Run finished")

	o.writeRunArtifacts(report, logger)
	return report, runErr
}

func (o *Orchestrator) writeRunArtifacts(report *RunReport, logger zerolog.Logger) {
	if o.cfg.TempDir != "" {
		path := filepath.Join(o.cfg.TempDir, RunSummaryFile)
		if err := writeYAML(path, report); err != nil {
			logger.Warn().Err(err).Msg("Could not write run summary")
		}
	}
	if o.cfg.MetricsFile != "" {
		if err := o.metrics.WriteTextfile(o.cfg.MetricsFile); err != nil {
			logger.Warn().Err(err).Msg("Could not write metrics file")
		}
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
