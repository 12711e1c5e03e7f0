// Package deid scrubs classified PII columns of a batch with one of four
// strategies: remove, mask, hash or anonymize.
package deid

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"cleanclinic/internal/batch"
)

// Provenance columns added to every scrubbed batch.
const (
	ColumnMode         = "pii_scrubbing_mode"
	ColumnTimestamp    = "pii_scrubbing_timestamp"
	ColumnScrubbed     = "pii_columns_scrubbed"
	ColumnUnscrubbed   = "pii_columns_unscrubbed"
	ColumnRowsAffected = "pii_rows_affected"
	ColumnPercentage   = "pii_scrubbing_percentage"
)

var provenance = map[string]bool{
	ColumnMode:         true,
	ColumnTimestamp:    true,
	ColumnScrubbed:     true,
	ColumnUnscrubbed:   true,
	ColumnRowsAffected: true,
	ColumnPercentage:   true,
}

// IsProvenance reports whether name is one of the columns the engine adds.
func IsProvenance(name string) bool { return provenance[name] }

// Config holds the engine configuration.
type Config struct {
	Mode Mode
	Salt string
}

// Report describes one Scrub call.
type Report struct {
	Mode         Mode
	Columns      []string          // columns scrubbed successfully
	Failed       map[string]string // column -> error, left unscrubbed
	Missing      []string          // requested columns absent from the batch
	RowsAffected int
	Percentage   float64
}

// Unscrubbed returns the failed column names in request order.
func (r Report) Unscrubbed(requested []string) []string {
	var out []string
	for _, c := range requested {
		if _, ok := r.Failed[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Engine applies the configured strategy. Anonymize state lives in the
// AnonymizationMap handed in by the caller so it can span every batch of a run.
type Engine struct {
	mode   Mode
	salt   string
	anon   *AnonymizationMap
	logger zerolog.Logger
	now    func() time.Time
	textOf func(batch.Value) (string, error)
}

// NewEngine validates cfg and creates an engine. anon may be nil unless the
// mode is anonymize.
func NewEngine(cfg Config, anon *AnonymizationMap, logger zerolog.Logger) (*Engine, error) {
	if !cfg.Mode.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMode, cfg.Mode)
	}
	if cfg.Mode == ModeAnonymize && anon == nil {
		return nil, fmt.Errorf("anonymize mode requires an anonymization map")
	}
	salt := cfg.Salt
	if salt == "" {
		salt = DefaultSalt
	}
	return &Engine{
		mode:   cfg.Mode,
		salt:   salt,
		anon:   anon,
		logger: logger.With().Str("component", "deid").Str("mode", cfg.Mode.String()).Logger(),
		now:    time.Now,
		textOf: batch.Value.Text,
	}, nil
}

// Mode returns the engine's strategy.
func (e *Engine) Mode() Mode { return e.mode }

// Scrub rewrites the given PII columns in place and adds provenance columns.
// Non-PII columns and the row count are untouched. A column whose transform
// fails is logged and left as it was; the rest of the batch is still scrubbed.
func (e *Engine) Scrub(b *batch.Batch, piiColumns []string) (Report, error) {
	report := Report{Mode: e.mode, Failed: make(map[string]string)}
	if !e.mode.Valid() {
		return report, fmt.Errorf("%w: %s", ErrUnknownMode, e.mode)
	}
	if len(piiColumns) == 0 {
		e.logger.Info().Msg("No PII columns identified, skipping scrubbing")
		return report, nil
	}

	changed := make([]bool, b.NumRows())
	for _, name := range piiColumns {
		col := b.Column(name)
		if col == nil {
			report.Missing = append(report.Missing, name)
			continue
		}

		scrubbed, err := e.scrubColumn(col.Values)
		if err != nil {
			e.logger.Error().Err(err).Str("column", name).
				Msg("Column left unscrubbed after transform error")
			report.Failed[name] = err.Error()
			continue
		}

		for i := range scrubbed {
			if !scrubbed[i].Equal(col.Values[i]) {
				changed[i] = true
			}
		}
		col.Values = scrubbed
		report.Columns = append(report.Columns, name)
	}

	for _, c := range changed {
		if c {
			report.RowsAffected++
		}
	}
	if b.NumRows() > 0 {
		report.Percentage = float64(report.RowsAffected) / float64(b.NumRows()) * 100
	}

	b.Fill(ColumnMode, batch.String(e.mode.String()))
	b.Fill(ColumnTimestamp, batch.String(e.now().Format(time.RFC3339)))
	b.Fill(ColumnScrubbed, batch.String(strings.Join(report.Columns, ",")))
	b.Fill(ColumnUnscrubbed, batch.String(strings.Join(report.Unscrubbed(piiColumns), ",")))
	b.Fill(ColumnRowsAffected, batch.Integer(int64(report.RowsAffected)))
	b.Fill(ColumnPercentage, batch.Number(report.Percentage))

	e.logger.Info().
		Strs("columns", report.Columns).
		Int("rows_affected", report.RowsAffected).
		Int("failed", len(report.Failed)).
		Msg("PII scrubbing completed")

	return report, nil
}

// scrubColumn returns a transformed copy of values. Panics inside a
// transform are reported as errors so one column cannot abort the batch.
func (e *Engine) scrubColumn(values []batch.Value) (out []batch.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("scrub panicked: %v", r)
		}
	}()

	out = make([]batch.Value, len(values))
	for i, v := range values {
		if v.IsNull() {
			out[i] = v
			continue
		}
		text, terr := e.textOf(v)
		if terr != nil {
			return nil, fmt.Errorf("row %d: %w", i, terr)
		}
		out[i] = e.scrubText(v, text)
	}
	return out, nil
}

func (e *Engine) scrubText(orig batch.Value, text string) batch.Value {
	switch e.mode {
	case ModeRemove:
		cleaned := removeText(text)
		if cleaned == text {
			return orig
		}
		if cleaned == "" {
			return batch.Null()
		}
		return batch.String(cleaned)
	case ModeMask:
		masked := maskText(text)
		if masked == text {
			return orig
		}
		return batch.String(masked)
	case ModeHash:
		if text == "" {
			return orig
		}
		return batch.String(HashValue(text, e.salt))
	case ModeAnonymize:
		if text == "" {
			return orig
		}
		return batch.String(e.anon.Pseudonym(text))
	}
	// Unreachable: mode is validated before any column is touched.
	panic(fmt.Sprintf("unhandled scrubbing mode %s", e.mode))
}
