// Package terminology builds CUI to SNOMED CT / ICD-10-CM mapping tables from
// UMLS reference extracts and uses them to enrich clinical code columns.
package terminology

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// ErrNoConceptExtract is returned when the concept extract is missing.
var ErrNoConceptExtract = errors.New("concept extract not found")

// Reference extract file names inside the reference-data directory.
const (
	ConceptFile  = "MRCONSO.RRF"
	RelationFile = "MRREL.RRF"
)

// Field positions in the pipe-delimited extracts.
const (
	conceptMinFields  = 14
	conceptCUI        = 0
	conceptSource     = 11
	conceptCode       = 13
	relationMinFields = 8
	relationCUI1      = 0
	relationCUI2      = 4
	relationRel       = 7
)

const maxLineBytes = 4 * 1024 * 1024

// Builder parses reference extracts into mapping tables. Parsing streams line
// by line; only the output tables are held in memory.
type Builder struct {
	method Method
	logger zerolog.Logger
}

// NewBuilder creates a builder for the given closure method.
func NewBuilder(method Method, logger zerolog.Logger) *Builder {
	return &Builder{
		method: method,
		logger: logger.With().Str("component", "terminology").Str("method", string(method)).Logger(),
	}
}

// BuildStats describes one build.
type BuildStats struct {
	ConceptRows     int
	RelationRows    int
	EdgesApplied    int
	CodesPropagated int
}

// Build parses the concept extract and, when the method propagates and the
// file exists, the relation extract.
func (b *Builder) Build(conceptPath, relationPath string) (*Tables, BuildStats, error) {
	concepts, err := os.Open(conceptPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, BuildStats{}, fmt.Errorf("%w: %s", ErrNoConceptExtract, conceptPath)
		}
		return nil, BuildStats{}, fmt.Errorf("could not open concept extract: %w", err)
	}
	defer concepts.Close()

	var relations io.Reader
	if b.method.propagates() && relationPath != "" {
		f, err := os.Open(relationPath)
		switch {
		case err == nil:
			defer f.Close()
			relations = f
		case errors.Is(err, os.ErrNotExist):
			b.logger.Warn().Str("path", relationPath).Msg("Relation extract not found, building exact mappings only")
		default:
			return nil, BuildStats{}, fmt.Errorf("could not open relation extract: %w", err)
		}
	}

	return b.BuildFrom(concepts, relations)
}

// BuildFrom is Build over readers. relations may be nil.
func (b *Builder) BuildFrom(concepts, relations io.Reader) (*Tables, BuildStats, error) {
	var stats BuildStats
	snomed := make(map[string][]string)
	icd10 := make(map[string][]string)

	err := scanFields(concepts, func(fields []string) {
		if len(fields) < conceptMinFields {
			return
		}
		stats.ConceptRows++
		cui, code := fields[conceptCUI], fields[conceptCode]
		switch fields[conceptSource] {
		case SourceSNOMED:
			snomed[cui] = appendUnique(snomed[cui], code)
		case SourceICD10:
			icd10[cui] = appendUnique(icd10[cui], code)
		}
	})
	if err != nil {
		return nil, stats, fmt.Errorf("could not read concept extract: %w", err)
	}

	if relations != nil && b.method.propagates() {
		if err := b.propagate(relations, snomed, icd10, &stats); err != nil {
			return nil, stats, err
		}
	}

	b.logger.Info().
		Int("concept_rows", stats.ConceptRows).
		Int("relation_rows", stats.RelationRows).
		Int("edges_applied", stats.EdgesApplied).
		Int("snomed_cuis", len(snomed)).
		Int("icd10_cuis", len(icd10)).
		Msg("Terminology tables built")

	return NewTables(snomed, icd10), stats, nil
}

// propagate unions CUI2's codes into CUI1 for every selected relation where
// both concepts already have entries. Only codes read from the concept
// extract travel, and they travel exactly one edge: additions are collected
// aside and merged after the pass, so row order cannot chain two hops.
func (b *Builder) propagate(r io.Reader, snomed, icd10 map[string][]string, stats *BuildStats) error {
	known := func(cui string) bool {
		_, inS := snomed[cui]
		_, inI := icd10[cui]
		return inS || inI
	}

	addSnomed := make(map[string][]string)
	addICD := make(map[string][]string)

	err := scanFields(r, func(fields []string) {
		if len(fields) < relationMinFields {
			return
		}
		stats.RelationRows++
		cui1, cui2, rel := fields[relationCUI1], fields[relationCUI2], fields[relationRel]
		if !b.method.matches(rel) || cui1 == cui2 || !known(cui1) || !known(cui2) {
			return
		}
		stats.EdgesApplied++
		for _, code := range snomed[cui2] {
			if !contains(snomed[cui1], code) && !contains(addSnomed[cui1], code) {
				addSnomed[cui1] = append(addSnomed[cui1], code)
			}
		}
		for _, code := range icd10[cui2] {
			if !contains(icd10[cui1], code) && !contains(addICD[cui1], code) {
				addICD[cui1] = append(addICD[cui1], code)
			}
		}
	})
	if err != nil {
		return fmt.Errorf("could not read relation extract: %w", err)
	}

	for cui, codes := range addSnomed {
		snomed[cui] = append(snomed[cui], codes...)
		stats.CodesPropagated += len(codes)
	}
	for cui, codes := range addICD {
		icd10[cui] = append(icd10[cui], codes...)
		stats.CodesPropagated += len(codes)
	}
	return nil
}

// scanFields calls fn with the pipe-separated fields of every line. The
// extracts are unquoted, so no quote handling is applied.
func scanFields(r io.Reader, fn func([]string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		fn(strings.Split(line, "|"))
	}
	return scanner.Err()
}
