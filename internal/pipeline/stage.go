// Package pipeline runs bronze tables through the de-identification and
// enrichment stages and persists them to the silver layer.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cleanclinic/internal/batch"
)

// Fatal batch conditions. Every other failure is contained within a stage.
var (
	ErrSourceUnreadable      = errors.New("source table unreadable")
	ErrDestinationUnwritable = errors.New("destination unwritable")
)

// Stage names in execution order.
const (
	StagePIIScrub          = "pii_scrub"
	StageDateShift         = "date_shift"
	StageGeoEnrich         = "geo_enrich"
	StageTerminologyEnrich = "terminology_enrich"
	StageProvenance        = "attach_provenance"
)

// StageOrder is the fixed stage sequence.
var StageOrder = []string{
	StagePIIScrub,
	StageDateShift,
	StageGeoEnrich,
	StageTerminologyEnrich,
	StageProvenance,
}

// Stage transforms a batch in place.
type Stage interface {
	Name() string
	Apply(ctx context.Context, b *batch.Batch) error
}

// StageStatus is the outcome of one stage.
type StageStatus string

const (
	StatusOK              StageStatus = "ok"
	StatusFailedRecovered StageStatus = "failed-recovered"
)

// StageResult records one stage run on one batch.
type StageResult struct {
	Stage         string        `yaml:"stage"`
	Status        StageStatus   `yaml:"status"`
	Reason        string        `yaml:"reason,omitempty"`
	RowsBefore    int           `yaml:"rows_before"`
	RowsAfter     int           `yaml:"rows_after"`
	ColumnsBefore int           `yaml:"columns_before"`
	ColumnsAfter  int           `yaml:"columns_after"`
	Duration      time.Duration `yaml:"duration"`
}

// runStage applies s to a copy of b. On error, panic, an invalid result or a
// changed row count the copy is dropped and b is returned unchanged.
func runStage(ctx context.Context, s Stage, b *batch.Batch) (*batch.Batch, StageResult) {
	res := StageResult{
		Stage:         s.Name(),
		RowsBefore:    b.NumRows(),
		ColumnsBefore: b.NumColumns(),
	}
	start := time.Now()

	work := b.Clone()
	err := safeApply(ctx, s, work)
	if err == nil {
		err = work.Validate()
	}
	if err == nil && work.NumRows() != b.NumRows() {
		err = fmt.Errorf("stage changed row count from %d to %d", b.NumRows(), work.NumRows())
	}
	res.Duration = time.Since(start)

	if err != nil {
		res.Status = StatusFailedRecovered
		res.Reason = err.Error()
		res.RowsAfter, res.ColumnsAfter = b.NumRows(), b.NumColumns()
		return b, res
	}

	res.Status = StatusOK
	res.RowsAfter, res.ColumnsAfter = work.NumRows(), work.NumColumns()
	return work, res
}

func safeApply(ctx context.Context, s Stage, b *batch.Batch) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage panicked: %v", r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Apply(ctx, b)
}
