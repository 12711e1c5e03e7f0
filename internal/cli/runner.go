package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"cleanclinic/internal/classify"
	"cleanclinic/internal/config"
	"cleanclinic/internal/deid"
	"cleanclinic/internal/dicom"
	"cleanclinic/internal/logging"
	"cleanclinic/internal/pipeline"
	"cleanclinic/internal/progress"
	"cleanclinic/internal/store"
	"cleanclinic/internal/tableio"
	"cleanclinic/internal/terminology"
)

// Options holds CLI configuration options. Empty fields leave the
// configuration file and environment values in place.
type Options struct {
	ConfigPath  string
	BronzeDir   string
	SilverDir   string
	PIIMode     string
	FlatFormat  bool
	Schedule    string
	RetryFailed bool
	Pretty      bool

	// Out receives the header, progress bar and summary. Defaults to stdout.
	Out io.Writer
}

func (o Options) out() io.Writer {
	if o.Out == nil {
		return os.Stdout
	}
	return o.Out
}

// LoadConfig reads the configuration and applies the command line overrides.
func LoadConfig(opts Options) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.BronzeDir != "" {
		cfg.BronzeDir = opts.BronzeDir
	}
	if opts.SilverDir != "" {
		cfg.SilverDir = opts.SilverDir
	}
	if opts.PIIMode != "" {
		cfg.PIIMode = opts.PIIMode
	}
	if opts.FlatFormat {
		cfg.VersionedFormat = false
	}
	if opts.Schedule != "" {
		cfg.Schedule = opts.Schedule
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Run executes the bronze to silver pipeline once, or on every tick of the
// configured schedule until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.LogLevel, opts.Pretty)
	w := opts.out()

	info, err := os.Stat(cfg.BronzeDir)
	if err != nil {
		return fmt.Errorf("bronze directory does not exist: %s", cfg.BronzeDir)
	}
	if !info.IsDir() {
		return fmt.Errorf("bronze path is not a directory: %s", cfg.BronzeDir)
	}
	if err := os.MkdirAll(cfg.SilverDir, 0755); err != nil {
		return fmt.Errorf("could not create silver directory: %w", err)
	}

	printHeader(w, cfg, opts.RetryFailed)

	mapper := terminology.NewMapper(loadTables(cfg, logger), cfg.UMLSAPIKey, logger)
	persister := store.NewPersister(cfg.SilverDir, cfg.VersionedFormat, cfg.StoreOptions(), logger)

	tracker := progress.NewTracker(filepath.Join(cfg.SilverDir, progress.FileName), logger)
	if opts.RetryFailed {
		if n := tracker.ClearFailed(); n > 0 {
			fmt.Fprintf(w, "Retrying: %d previously failed tables\n", n)
		}
	}

	errlog, err := progress.NewErrorLog(filepath.Join(cfg.SilverDir, progress.ErrorLogFileName))
	if err != nil {
		return err
	}
	defer errlog.Close()

	pb := newProgressBar(w, 50)
	orch, err := pipeline.New(pipeline.Config{
		BronzeDir:     cfg.BronzeDir,
		SilverDir:     cfg.SilverDir,
		TempDir:       cfg.TempDir,
		DateShiftDays: cfg.DateShiftDays,
		MetricsFile:   cfg.MetricsFile,
		Deid:          deid.Config{Mode: cfg.Mode(), Salt: cfg.HashSalt},
	}, mapper, persister, logger,
		pipeline.WithTracker(tracker),
		pipeline.WithErrorLog(errlog),
		pipeline.WithProgress(func(current, total int, _, _ string) {
			pb.update(current, total)
		}),
		pipeline.WithGeocoder(geocoderFor(cfg, logger)),
	)
	if err != nil {
		return err
	}

	runOnce := func() error {
		fmt.Fprintln(w)
		report, err := orch.Run(ctx)
		if report != nil {
			if report.Found > 0 {
				fmt.Fprintln(w)
			}
			printSummary(w, report, errlog)
		}
		if err != nil {
			return fmt.Errorf("processing failed: %w", err)
		}
		return nil
	}

	if cfg.Schedule == "" {
		return runOnce()
	}
	return runScheduled(ctx, cfg.Schedule, logger, func() {
		if err := runOnce(); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("Scheduled run failed")
		}
	})
}

// loadTables returns nil when no reference data is configured or it cannot be
// loaded; enrichment then degrades to empty columns.
func loadTables(cfg *config.Config, logger zerolog.Logger) *terminology.Tables {
	if cfg.UMLSDataPath == "" {
		logger.Warn().Msg("umls_data_path not set, terminology enrichment disabled")
		return nil
	}
	tables, err := terminology.Load(cfg.UMLSDataPath, cfg.Method(), logger)
	if err != nil {
		logger.Error().Err(err).Msg("Could not load terminology tables, enrichment disabled")
		return nil
	}
	return tables
}

// geocoderFor returns nil unless a geocoding API key is configured.
func geocoderFor(cfg *config.Config, logger zerolog.Logger) pipeline.ReverseGeocoder {
	if cfg.GeoAPIKey == "" {
		return nil
	}
	return pipeline.NewRemoteGeocoder(logger)
}

// runScheduled runs job on every tick of expr until ctx is done. Overlapping
// ticks are skipped while a run is still in progress.
func runScheduled(ctx context.Context, expr string, logger zerolog.Logger, job func()) error {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(schedule, cron.FuncJob(job))
	c.Start()
	logger.Info().Str("schedule", expr).Time("next", schedule.Next(time.Now())).Msg("Scheduled pipeline runs")

	<-ctx.Done()
	<-c.Stop().Done()
	logger.Info().Msg("Scheduler stopped")
	return nil
}

// IngestDicom converts the DICOM headers under src into one bronze table.
func IngestDicom(src, dst string, opts Options) error {
	logger := logging.New(levelFor(), opts.Pretty)
	w := opts.out()

	stats, err := dicom.Ingest(src, dst, logger)
	if err != nil {
		return fmt.Errorf("ingest failed: %w", err)
	}
	fmt.Fprintf(w, "DICOM files: %d found, %d written, %d skipped\n", stats.Found, stats.Written, stats.Skipped)
	if stats.Written > 0 {
		fmt.Fprintf(w, "Output:      %s\n", dst)
	}
	return nil
}

// BuildTerminology rebuilds the CUI mapping cache from the reference extracts.
func BuildTerminology(opts Options) error {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return err
	}
	if cfg.UMLSDataPath == "" {
		return fmt.Errorf("umls_data_path is required")
	}
	logger := logging.New(cfg.LogLevel, opts.Pretty)
	w := opts.out()

	builder := terminology.NewBuilder(cfg.Method(), logger)
	tables, stats, err := builder.Build(
		filepath.Join(cfg.UMLSDataPath, terminology.ConceptFile),
		filepath.Join(cfg.UMLSDataPath, terminology.RelationFile),
	)
	if err != nil {
		return fmt.Errorf("could not build terminology tables: %w", err)
	}
	if err := terminology.SaveCache(cfg.UMLSDataPath, cfg.Method(), tables); err != nil {
		return err
	}

	snomed, icd10 := terminology.CachePaths(cfg.UMLSDataPath, cfg.Method())
	fmt.Fprintf(w, "Method:    %s\n", cfg.Method())
	fmt.Fprintf(w, "Concepts:  %d rows read, %d CUIs mapped\n", stats.ConceptRows, tables.Len())
	fmt.Fprintf(w, "Relations: %d rows read, %d edges applied\n", stats.RelationRows, stats.EdgesApplied)
	fmt.Fprintf(w, "SNOMED:    %s\n", snomed)
	fmt.Fprintf(w, "ICD-10:    %s\n", icd10)
	return nil
}

// InspectReport is the classification of one bronze table.
type InspectReport struct {
	Table       string             `yaml:"table"`
	Rows        int                `yaml:"rows"`
	PIIColumns  []string           `yaml:"pii_columns"`
	CodeColumns []string           `yaml:"code_columns"`
	Statistics  []deid.ColumnStats `yaml:"pii_statistics"`
}

// Inspect classifies a bronze table and prints the result as YAML without
// modifying anything.
func Inspect(path string, opts Options) error {
	b, err := tableio.ReadParquet(path)
	if err != nil {
		return err
	}
	classes := classify.Classify(b)
	report := InspectReport{
		Table:       filepath.Base(path),
		Rows:        b.NumRows(),
		PIIColumns:  classes.PII,
		CodeColumns: classes.Codes,
		Statistics:  deid.Inspect(b, classes.PII),
	}
	enc := yaml.NewEncoder(opts.out())
	enc.SetIndent(2)
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("could not encode report: %w", err)
	}
	return enc.Close()
}

func levelFor() string {
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		return lvl
	}
	return "info"
}

// printHeader prints the CLI header with configuration
func printHeader(w io.Writer, cfg *config.Config, retry bool) {
	fmt.Fprintln(w, "cleanclinic bronze to silver")
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintf(w, "Bronze:    %s\n", cfg.BronzeDir)
	fmt.Fprintf(w, "Silver:    %s\n", cfg.SilverDir)
	fmt.Fprintf(w, "PII mode:  %s\n", cfg.Mode())

	format := "versioned (" + cfg.VersionedOptions.Mode + ")"
	if !cfg.VersionedFormat {
		format = "flat parquet"
	}
	fmt.Fprintf(w, "Format:    %s\n", format)

	if cfg.UMLSDataPath != "" {
		fmt.Fprintf(w, "UMLS:      %s (%s)\n", cfg.UMLSDataPath, cfg.Method())
	} else {
		fmt.Fprintln(w, "UMLS:      not configured")
	}

	var options []string
	if cfg.Schedule != "" {
		options = append(options, "Schedule "+cfg.Schedule)
	}
	if retry {
		options = append(options, "Retry failed")
	}
	if len(options) > 0 {
		fmt.Fprintf(w, "Options:   %s\n", strings.Join(options, ", "))
	}
}

// printSummary prints the processing summary
func printSummary(w io.Writer, report *pipeline.RunReport, errlog *progress.ErrorLog) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintf(w, "Complete! %d processed, %d skipped, %d degraded (of %d found)\n",
		report.Processed, len(report.Skipped), report.Degraded, report.Found)
	fmt.Fprintf(w, "Run ID:    %s\n", report.RunID)
	for table, cols := range report.Unscrubbed {
		fmt.Fprintf(w, "WARNING:   %s left PII unscrubbed: %s\n", table, strings.Join(cols, ", "))
	}
	if summary := errlog.Summary(); summary != "" {
		fmt.Fprintln(w, summary)
	}
}

// progressBar represents a terminal progress bar
type progressBar struct {
	w     io.Writer
	width int
}

// newProgressBar creates a new progress bar with specified width
func newProgressBar(w io.Writer, width int) *progressBar {
	return &progressBar{w: w, width: width}
}

// update updates the progress bar display
func (pb *progressBar) update(current, total int) {
	if total == 0 {
		return
	}

	percent := float64(current) / float64(total)
	filled := int(percent * float64(pb.width))
	if filled > pb.width {
		filled = pb.width
	}

	bar := strings.Repeat("#", filled) + strings.Repeat("-", pb.width-filled)
	fmt.Fprintf(pb.w, "\r[%s] %3.0f%%  (%d/%d)", bar, percent*100, current, total)
}
