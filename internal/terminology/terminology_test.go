package terminology

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cleanclinic/internal/batch"
)

func conceptLine(cui, source, code string) string {
	return strings.Join([]string{
		cui, "ENG", "P", "L0000001", "PF", "S0000001", "Y", "A0000001", "", "", "",
		source, "PT", code, "name", "0", "N", "256", "",
	}, "|")
}

func relationLine(cui1, rel, cui2 string) string {
	return strings.Join([]string{
		cui1, "A0000001", "CUI", "X", cui2, "A0000002", "CUI", rel, "R0000001", "", "MTH", "MTH", "", "N", "", "",
	}, "|")
}

func sampleConcepts() string {
	return strings.Join([]string{
		conceptLine("C0000001", SourceSNOMED, "S1"),
		conceptLine("C0000001", SourceICD10, "I1"),
		conceptLine("C0000001", SourceSNOMED, "S1"),
		conceptLine("C0000002", SourceSNOMED, "S2"),
		conceptLine("C0000003", SourceSNOMED, "S3"),
		conceptLine("C0000004", "MSH", "D000001"),
		"short|line",
	}, "\n") + "\n"
}

func sampleRelations() string {
	return strings.Join([]string{
		relationLine("C0000002", "RO", "C0000001"),
		relationLine("C0000003", "RO", "C0000002"),
		relationLine("C0000001", "RO", "C0000002"),
		relationLine("C0000001", "PAR", "C0000003"),
		relationLine("C0000001", "RO", "C0000004"),
		relationLine("C0000001", "RO", "C0000001"),
	}, "\n") + "\n"
}

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod("")
	require.NoError(t, err)
	assert.Equal(t, MethodExact, m)

	m, err = ParseMethod("par_chd")
	require.NoError(t, err)
	assert.Equal(t, MethodParChd, m)

	_, err = ParseMethod("SIB")
	assert.Error(t, err)
}

func TestBuildExactIgnoresRelations(t *testing.T) {
	b := NewBuilder(MethodExact, zerolog.Nop())
	tables, stats, err := b.BuildFrom(strings.NewReader(sampleConcepts()), strings.NewReader(sampleRelations()))
	require.NoError(t, err)

	assert.Equal(t, 6, stats.ConceptRows)
	assert.Zero(t, stats.RelationRows)
	assert.Equal(t, []string{"S1"}, tables.SNOMED["C0000001"], "duplicates collapsed")
	assert.Equal(t, []string{"I1"}, tables.ICD10["C0000001"])
	assert.False(t, tables.Has("C0000004"), "other vocabularies dropped")
	assert.Equal(t, 3, tables.Len())
}

func TestBuildROIsOneHop(t *testing.T) {
	b := NewBuilder(MethodRO, zerolog.Nop())
	tables, stats, err := b.BuildFrom(strings.NewReader(sampleConcepts()), strings.NewReader(sampleRelations()))
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"S2", "S1"}, tables.SNOMED["C0000002"])
	assert.ElementsMatch(t, []string{"I1"}, tables.ICD10["C0000002"])
	assert.ElementsMatch(t, []string{"S1", "S2"}, tables.SNOMED["C0000001"])

	// C3 relates only to C2, so it receives C2's own code and nothing C2
	// picked up from C1.
	assert.ElementsMatch(t, []string{"S3", "S2"}, tables.SNOMED["C0000003"])
	assert.Empty(t, tables.ICD10["C0000003"])

	assert.False(t, tables.Has("C0000004"))
	assert.Equal(t, 3, stats.EdgesApplied, "PAR, unknown and self edges skipped")
}

func TestBuildParChdSelectsHierarchy(t *testing.T) {
	b := NewBuilder(MethodParChd, zerolog.Nop())
	tables, _, err := b.BuildFrom(strings.NewReader(sampleConcepts()), strings.NewReader(sampleRelations()))
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"S1", "S3"}, tables.SNOMED["C0000001"])
	assert.Equal(t, []string{"S2"}, tables.SNOMED["C0000002"])
}

func TestBuildMissingConceptExtract(t *testing.T) {
	dir := t.TempDir()
	_, _, err := NewBuilder(MethodExact, zerolog.Nop()).Build(filepath.Join(dir, ConceptFile), "")
	assert.True(t, errors.Is(err, ErrNoConceptExtract))
}

func TestBuildMissingRelationExtractFallsBackToExact(t *testing.T) {
	dir := t.TempDir()
	conso := filepath.Join(dir, ConceptFile)
	require.NoError(t, os.WriteFile(conso, []byte(sampleConcepts()), 0644))

	tables, _, err := NewBuilder(MethodRO, zerolog.Nop()).Build(conso, filepath.Join(dir, RelationFile))
	require.NoError(t, err)
	assert.Equal(t, []string{"S2"}, tables.SNOMED["C0000002"])
}

func TestLoadBuildsThenReusesCache(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConceptFile), []byte(sampleConcepts()), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, RelationFile), []byte(sampleRelations()), 0644))

	first, err := Load(dir, MethodRO, zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, CacheExists(dir, MethodRO))
	assert.False(t, CacheExists(dir, MethodExact))

	snomedPath, _ := CachePaths(dir, MethodRO)
	assert.Equal(t, "cui_to_snomed_RO.db", filepath.Base(snomedPath))

	// The extracts are gone; the second load must come from the cache.
	require.NoError(t, os.Remove(filepath.Join(dir, ConceptFile)))
	second, err := Load(dir, MethodRO, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, first.CUIs(), second.CUIs())
	for _, cui := range first.CUIs() {
		assert.ElementsMatch(t, first.SNOMED[cui], second.SNOMED[cui], cui)
		assert.ElementsMatch(t, first.ICD10[cui], second.ICD10[cui], cui)
	}
}

func TestLookup(t *testing.T) {
	tables := NewTables(
		map[string][]string{"C2": {"S1"}, "C1": {"S1", "S9"}},
		map[string][]string{"C1": {"E11.9"}},
	)

	cui, ok := tables.Lookup("S1")
	require.True(t, ok)
	assert.Equal(t, "C1", cui, "smallest CUI wins")

	cui, ok = tables.Lookup("C2")
	require.True(t, ok)
	assert.Equal(t, "C2", cui)

	cui, ok = tables.Lookup("E11.9")
	require.True(t, ok)
	assert.Equal(t, "C1", cui)

	_, ok = tables.Lookup("nope")
	assert.False(t, ok)
}

func TestMapperEnrich(t *testing.T) {
	tables := NewTables(
		map[string][]string{"C1": {"S1", "S2"}},
		map[string][]string{"C1": {"E11.9"}},
	)
	b, err := batch.FromColumns("codes", &batch.Column{Name: "dx_code", Values: []batch.Value{
		batch.String("E11.9"), batch.String("Z99.9"), batch.Null(),
	}})
	require.NoError(t, err)

	report := NewMapper(tables, "", zerolog.Nop()).Enrich(b, []string{"dx_code", "absent"})
	assert.Equal(t, []string{"dx_code"}, report.Columns)
	assert.Equal(t, 1, report.Resolved)
	assert.False(t, report.Degraded)

	assert.Equal(t, "C1", b.Column("dx_code"+SuffixCUI).Values[0].Str())
	assert.Equal(t, "S1,S2", b.Column("dx_code"+SuffixSNOMED).Values[0].Str())
	assert.Equal(t, "E11.9", b.Column("dx_code"+SuffixICD10).Values[0].Str())
	assert.Equal(t, "", b.Column("dx_code"+SuffixCUI).Values[1].Str())
	assert.Equal(t, 3, b.NumRows())
}

func TestMapperWithoutTablesAddsEmptyColumns(t *testing.T) {
	b, err := batch.FromColumns("codes", &batch.Column{Name: "icd_code", Values: []batch.Value{batch.String("E11.9")}})
	require.NoError(t, err)

	report := NewMapper(nil, "key", zerolog.Nop()).Enrich(b, []string{"icd_code"})
	assert.True(t, report.Degraded)
	for _, suffix := range []string{SuffixCUI, SuffixSNOMED, SuffixICD10, SuffixConcept} {
		col := b.Column("icd_code" + suffix)
		require.NotNil(t, col, suffix)
		assert.Equal(t, "", col.Values[0].Str())
	}
}
