package pipeline

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"cleanclinic/internal/batch"
	"cleanclinic/internal/classify"
	"cleanclinic/internal/deid"
	"cleanclinic/internal/tableio"
	"cleanclinic/internal/terminology"
)

// PipelineName is recorded in the processing_pipeline provenance column.
const PipelineName = "bronze_to_silver"

// Provenance columns attached to every silver batch.
const (
	ColumnSourceFile = "source_file"
	ColumnProcessed  = "processed_date"
	ColumnPipeline   = "processing_pipeline"
	ColumnRunID      = "run_id"
)

type piiStage struct {
	engine *deid.Engine
}

func (s *piiStage) Name() string { return StagePIIScrub }

func (s *piiStage) Apply(_ context.Context, b *batch.Batch) error {
	_, err := s.engine.Scrub(b, classify.PIIColumns(b))
	return err
}

// dateShiftStage moves every timestamp column by a fixed number of days.
type dateShiftStage struct {
	days int
}

func (s *dateShiftStage) Name() string { return StageDateShift }

func (s *dateShiftStage) Apply(_ context.Context, b *batch.Batch) error {
	if s.days == 0 {
		return nil
	}
	for _, col := range b.Columns() {
		if tableio.ColumnKind(col) != batch.KindTime {
			continue
		}
		for i, v := range col.Values {
			if v.IsNull() {
				continue
			}
			col.Values[i] = batch.Time(v.Timestamp().AddDate(0, 0, s.days))
		}
	}
	return nil
}

// GeoColumns are the coordinate column names truncated by the geo stage.
var GeoColumns = []string{"lat", "latitude", "lon", "lng", "longitude"}

// ReverseGeocoder adds location context for coordinate columns. The remote
// lookup lives outside this module.
type ReverseGeocoder interface {
	Enrich(ctx context.Context, b *batch.Batch) error
}

// geoStage rounds coordinates to two decimals and then hands the batch to an
// optional reverse geocoder.
type geoStage struct {
	geocoder ReverseGeocoder
}

func (s *geoStage) Name() string { return StageGeoEnrich }

func (s *geoStage) Apply(ctx context.Context, b *batch.Batch) error {
	for _, col := range b.Columns() {
		if !isGeoColumn(col.Name) {
			continue
		}
		for i, v := range col.Values {
			col.Values[i] = truncateCoordinate(v)
		}
	}
	if s.geocoder == nil {
		return nil
	}
	return s.geocoder.Enrich(ctx, b)
}

// RemoteGeocoder stands in for a remote reverse geocoding service when an
// API key is configured. Coordinates stay truncated until the remote call
// exists.
type RemoteGeocoder struct {
	logger zerolog.Logger
}

// NewRemoteGeocoder creates a pass-through geocoder.
func NewRemoteGeocoder(logger zerolog.Logger) *RemoteGeocoder {
	return &RemoteGeocoder{logger: logger.With().Str("component", "geocoder").Logger()}
}

// Enrich passes b through unchanged.
func (g *RemoteGeocoder) Enrich(_ context.Context, b *batch.Batch) error {
	for _, col := range b.Columns() {
		if isGeoColumn(col.Name) {
			g.logger.Info().Str("table", b.Name).Msg("Remote reverse geocoding not implemented, keeping truncated coordinates")
			return nil
		}
	}
	return nil
}

func isGeoColumn(name string) bool {
	lower := strings.ToLower(name)
	for _, g := range GeoColumns {
		if lower == g {
			return true
		}
	}
	return false
}

// truncateCoordinate coerces v to a number rounded to two decimals. Values
// that are not numeric become null.
func truncateCoordinate(v batch.Value) batch.Value {
	var f float64
	switch {
	case v.IsNumeric():
		f = v.Num()
	case v.Kind() == batch.KindString:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v.Str()), 64)
		if err != nil {
			return batch.Null()
		}
		f = parsed
	default:
		return batch.Null()
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return batch.Null()
	}
	return batch.Number(math.Round(f*100) / 100)
}

type terminologyStage struct {
	mapper *terminology.Mapper
}

func (s *terminologyStage) Name() string { return StageTerminologyEnrich }

func (s *terminologyStage) Apply(_ context.Context, b *batch.Batch) error {
	s.mapper.Enrich(b, codeColumns(b))
	return nil
}

// codeColumns leaves out the scrubbing provenance, whose counts can look
// like procedure codes on large tables.
func codeColumns(b *batch.Batch) []string {
	var cols []string
	for _, name := range classify.CodeColumns(b) {
		if !deid.IsProvenance(name) {
			cols = append(cols, name)
		}
	}
	return cols
}

type provenanceStage struct {
	source string
	runID  string
	now    func() time.Time
}

func (s *provenanceStage) Name() string { return StageProvenance }

func (s *provenanceStage) Apply(_ context.Context, b *batch.Batch) error {
	b.Fill(ColumnSourceFile, batch.String(s.source))
	b.Fill(ColumnProcessed, batch.String(s.now().Format("2006-01-02")))
	b.Fill(ColumnPipeline, batch.String(PipelineName))
	b.Fill(ColumnRunID, batch.String(s.runID))
	return nil
}
