package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"cleanclinic/internal/batch"
	"cleanclinic/internal/pipeline"
	"cleanclinic/internal/tableio"
	"cleanclinic/internal/terminology"
)

type workspace struct {
	root, bronze, silver, umls, config string
}

func newWorkspace(t *testing.T) workspace {
	t.Helper()
	root := t.TempDir()
	ws := workspace{
		root:   root,
		bronze: filepath.Join(root, "bronze"),
		silver: filepath.Join(root, "silver"),
		umls:   filepath.Join(root, "umls"),
		config: filepath.Join(root, "config.yaml"),
	}
	require.NoError(t, os.MkdirAll(ws.bronze, 0755))

	cfg := map[string]any{
		"bronze_dir":         ws.bronze,
		"silver_dir":         ws.silver,
		"temp_dir":           filepath.Join(root, "temp"),
		"pii_scrubbing_mode": "hash",
		"log_level":          "error",
	}
	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(ws.config, data, 0644))
	return ws
}

func writePatients(t *testing.T, path string) {
	t.Helper()
	b, err := batch.FromColumns("patients",
		&batch.Column{Name: "email", Values: []batch.Value{batch.String("a.b@example.com"), batch.String("c@example.org")}},
		&batch.Column{Name: "diagnosis_code", Values: []batch.Value{batch.String("E11.9"), batch.String("I10")}},
	)
	require.NoError(t, err)
	require.NoError(t, tableio.WriteParquet(path, b))
}

func writeExtracts(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	concept := func(cui, source, code string) string {
		return strings.Join([]string{
			cui, "ENG", "P", "L0000001", "PF", "S0000001", "Y", "A0000001", "", "", "",
			source, "PT", code, "name", "0", "N", "256", "",
		}, "|")
	}
	concepts := strings.Join([]string{
		concept("C0011860", terminology.SourceSNOMED, "44054006"),
		concept("C0011860", terminology.SourceICD10, "E11.9"),
	}, "\n") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, terminology.ConceptFile), []byte(concepts), 0644))
}

func TestLoadConfigFlagOverrides(t *testing.T) {
	ws := newWorkspace(t)

	cfg, err := LoadConfig(Options{
		ConfigPath: ws.config,
		SilverDir:  filepath.Join(ws.root, "elsewhere"),
		PIIMode:    "mask",
		FlatFormat: true,
	})
	require.NoError(t, err)
	assert.Equal(t, ws.bronze, cfg.BronzeDir)
	assert.Equal(t, filepath.Join(ws.root, "elsewhere"), cfg.SilverDir)
	assert.Equal(t, "mask", cfg.PIIMode)
	assert.False(t, cfg.VersionedFormat)

	_, err = LoadConfig(Options{ConfigPath: ws.config, PIIMode: "shred"})
	assert.Error(t, err)
}

func TestRunOnce(t *testing.T) {
	ws := newWorkspace(t)
	writePatients(t, filepath.Join(ws.bronze, "patients.parquet"))

	var out bytes.Buffer
	err := Run(context.Background(), Options{ConfigPath: ws.config, FlatFormat: true, Out: &out})
	require.NoError(t, err)

	assert.Contains(t, out.String(), "Complete! 1 processed, 0 skipped")
	assert.Contains(t, out.String(), "UMLS:      not configured")

	silver, err := tableio.ReadParquet(filepath.Join(ws.silver, "processed_patients.parquet"))
	require.NoError(t, err)
	email := silver.Column("email").Values[0].Str()
	assert.Len(t, email, 16)
	assert.NotContains(t, email, "@")

	// The second run finds nothing new to do.
	out.Reset()
	require.NoError(t, Run(context.Background(), Options{ConfigPath: ws.config, FlatFormat: true, Out: &out}))
	assert.Contains(t, out.String(), "Complete! 0 processed, 1 skipped")
}

func TestRunMissingBronzeDir(t *testing.T) {
	ws := newWorkspace(t)
	err := Run(context.Background(), Options{
		ConfigPath: ws.config,
		BronzeDir:  filepath.Join(ws.root, "missing"),
		Out:        &bytes.Buffer{},
	})
	assert.ErrorContains(t, err, "bronze directory does not exist")
}

func TestRunScheduled(t *testing.T) {
	err := runScheduled(context.Background(), "not a cron", zerolog.Nop(), func() {})
	assert.ErrorContains(t, err, "invalid cron expression")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, runScheduled(ctx, "@every 1h", zerolog.Nop(), func() {}))
}

func TestBuildTerminology(t *testing.T) {
	ws := newWorkspace(t)
	writeExtracts(t, ws.umls)
	t.Setenv("UMLS_DATA_PATH", ws.umls)

	var out bytes.Buffer
	require.NoError(t, BuildTerminology(Options{ConfigPath: ws.config, Out: &out}))
	assert.Contains(t, out.String(), "1 CUIs mapped")
	assert.True(t, terminology.CacheExists(ws.umls, terminology.MethodExact))
}

func TestBuildTerminologyRequiresDataPath(t *testing.T) {
	ws := newWorkspace(t)
	err := BuildTerminology(Options{ConfigPath: ws.config, Out: &bytes.Buffer{}})
	assert.ErrorContains(t, err, "umls_data_path is required")
}

func TestRunEnrichesWithTerminology(t *testing.T) {
	ws := newWorkspace(t)
	writeExtracts(t, ws.umls)
	t.Setenv("UMLS_DATA_PATH", ws.umls)
	writePatients(t, filepath.Join(ws.bronze, "patients.parquet"))

	require.NoError(t, Run(context.Background(), Options{ConfigPath: ws.config, FlatFormat: true, Out: &bytes.Buffer{}}))

	silver, err := tableio.ReadParquet(filepath.Join(ws.silver, "processed_patients.parquet"))
	require.NoError(t, err)
	assert.Equal(t, "C0011860", silver.Column("diagnosis_code_umls_cui").Values[0].Str())
	assert.Equal(t, "44054006", silver.Column("diagnosis_code_umls_snomed").Values[0].Str())
}

func TestInspect(t *testing.T) {
	ws := newWorkspace(t)
	path := filepath.Join(ws.bronze, "patients.parquet")
	writePatients(t, path)

	var out bytes.Buffer
	require.NoError(t, Inspect(path, Options{Out: &out}))

	var report InspectReport
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &report))
	assert.Equal(t, "patients.parquet", report.Table)
	assert.Equal(t, 2, report.Rows)
	assert.Equal(t, []string{"email"}, report.PIIColumns)
	assert.Equal(t, []string{"diagnosis_code"}, report.CodeColumns)
	require.Len(t, report.Statistics, 1)
	assert.Equal(t, 2, report.Statistics[0].Unique)
}

func TestGeocoderNeedsAPIKey(t *testing.T) {
	ws := newWorkspace(t)
	t.Setenv("GEO_API_KEY", "")
	cfg, err := LoadConfig(Options{ConfigPath: ws.config})
	require.NoError(t, err)
	assert.Nil(t, geocoderFor(cfg, zerolog.Nop()))

	t.Setenv("GEO_API_KEY", "secret")
	cfg, err = LoadConfig(Options{ConfigPath: ws.config})
	require.NoError(t, err)
	assert.IsType(t, &pipeline.RemoteGeocoder{}, geocoderFor(cfg, zerolog.Nop()))
}

func TestProgressBar(t *testing.T) {
	var out bytes.Buffer
	pb := newProgressBar(&out, 10)
	pb.update(0, 0)
	assert.Empty(t, out.String())

	pb.update(1, 2)
	assert.Equal(t, "\r[#####-----]  50%  (1/2)", out.String())
}
