package terminology

import (
	"strings"

	"github.com/rs/zerolog"

	"cleanclinic/internal/batch"
)

// Sibling column suffixes added per enriched code column.
const (
	SuffixCUI     = "_umls_cui"
	SuffixSNOMED  = "_umls_snomed"
	SuffixICD10   = "_umls_icd10"
	SuffixConcept = "_umls_concept"
)

// EnrichReport describes one Enrich call.
type EnrichReport struct {
	Columns  []string
	Resolved int
	Degraded bool // no tables: sibling columns added empty
}

// Mapper enriches code columns from loaded mapping tables.
type Mapper struct {
	tables *Tables
	apiKey string
	logger zerolog.Logger
}

// NewMapper creates a mapper. tables may be nil, in which case enrichment
// degrades to empty sibling columns.
func NewMapper(tables *Tables, apiKey string, logger zerolog.Logger) *Mapper {
	return &Mapper{
		tables: tables,
		apiKey: apiKey,
		logger: logger.With().Str("component", "terminology").Logger(),
	}
}

// Tables returns the loaded tables, or nil.
func (m *Mapper) Tables() *Tables { return m.tables }

// Enrich adds CUI, SNOMED, ICD-10 and concept sibling columns for each code
// column present in b. It never fails: without tables the columns are empty.
func (m *Mapper) Enrich(b *batch.Batch, codeColumns []string) EnrichReport {
	report := EnrichReport{Degraded: m.tables == nil}
	if len(codeColumns) == 0 {
		m.logger.Info().Msg("No clinical code columns found, skipping terminology enrichment")
		return report
	}
	if m.tables == nil && m.apiKey != "" {
		m.logger.Info().Msg("Remote terminology resolution not implemented, adding empty columns")
	}

	for _, name := range codeColumns {
		col := b.Column(name)
		if col == nil {
			continue
		}
		n := b.NumRows()
		cuis, snomed, icd10, concept := emptyStrings(n), emptyStrings(n), emptyStrings(n), emptyStrings(n)

		if m.tables != nil {
			for i, v := range col.Values {
				if v.IsNull() {
					continue
				}
				text, err := v.Text()
				if err != nil {
					continue
				}
				cui, ok := m.tables.Lookup(strings.TrimSpace(text))
				if !ok {
					continue
				}
				report.Resolved++
				cuis[i] = batch.String(cui)
				snomed[i] = batch.String(strings.Join(m.tables.SNOMED[cui], ","))
				icd10[i] = batch.String(strings.Join(m.tables.ICD10[cui], ","))
			}
		}

		// Lengths come from b.NumRows, so these cannot fail.
		_ = b.AddColumn(name+SuffixCUI, cuis)
		_ = b.AddColumn(name+SuffixSNOMED, snomed)
		_ = b.AddColumn(name+SuffixICD10, icd10)
		_ = b.AddColumn(name+SuffixConcept, concept)
		report.Columns = append(report.Columns, name)
	}

	m.logger.Info().
		Strs("columns", report.Columns).
		Int("resolved", report.Resolved).
		Bool("degraded", report.Degraded).
		Msg("Terminology enrichment completed")
	return report
}

func emptyStrings(n int) []batch.Value {
	out := make([]batch.Value, n)
	for i := range out {
		out[i] = batch.String("")
	}
	return out
}
