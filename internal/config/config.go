// Package config loads the pipeline configuration from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"cleanclinic/internal/deid"
	"cleanclinic/internal/store"
	"cleanclinic/internal/terminology"
)

// VersionedOptions configure the versioned silver store.
type VersionedOptions struct {
	Mode        string   `yaml:"mode"`
	PartitionBy []string `yaml:"partition_by"`
}

// Config holds the application configuration.
type Config struct {
	BronzeDir        string           `yaml:"bronze_dir"`
	SilverDir        string           `yaml:"silver_dir"`
	TempDir          string           `yaml:"temp_dir"`
	UMLSAPIKey       string           `yaml:"umls_api_key"`
	UMLSDataPath     string           `yaml:"umls_data_path"`
	UMLSMethod       string           `yaml:"umls_method"`
	GeoAPIKey        string           `yaml:"geo_api_key"`
	PIIMode          string           `yaml:"pii_scrubbing_mode"`
	HashSalt         string           `yaml:"hash_salt"`
	DateShiftDays    int              `yaml:"date_shift_days"`
	VersionedFormat  bool             `yaml:"versioned_format"`
	VersionedOptions VersionedOptions `yaml:"versioned_options"`
	LogLevel         string           `yaml:"log_level"`
	Schedule         string           `yaml:"schedule"`
	MetricsFile      string           `yaml:"metrics_file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		BronzeDir:       "workspace/bronze",
		SilverDir:       "workspace/silver",
		TempDir:         "workspace/temp",
		UMLSMethod:      string(terminology.MethodExact),
		PIIMode:         deid.ModeRemove.String(),
		HashSalt:        deid.DefaultSalt,
		DateShiftDays:   100,
		VersionedFormat: true,
		VersionedOptions: VersionedOptions{
			Mode:        string(store.WriteOverwrite),
			PartitionBy: []string{"source_file", "processed_date"},
		},
		LogLevel: "info",
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file is an error only when path is set.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("could not read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("could not parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.BronzeDir = getEnv("BRONZE_DIR", c.BronzeDir)
	c.SilverDir = getEnv("SILVER_DIR", c.SilverDir)
	c.TempDir = getEnv("TEMP_DIR", c.TempDir)
	c.UMLSAPIKey = getEnv("UMLS_API_KEY", c.UMLSAPIKey)
	c.UMLSDataPath = getEnv("UMLS_DATA_PATH", c.UMLSDataPath)
	c.UMLSMethod = getEnv("UMLS_METHOD", c.UMLSMethod)
	c.GeoAPIKey = getEnv("GEO_API_KEY", c.GeoAPIKey)
	c.PIIMode = getEnv("PII_SCRUBBING_MODE", c.PIIMode)
	c.HashSalt = getEnv("HASH_SALT", c.HashSalt)
	c.DateShiftDays = getEnvAsInt("DATE_SHIFT_DAYS", c.DateShiftDays)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.Schedule = getEnv("SCHEDULE", c.Schedule)
	c.MetricsFile = getEnv("METRICS_FILE", c.MetricsFile)
}

// Validate checks the enumerated settings and required paths.
func (c *Config) Validate() error {
	var errs []error
	if c.BronzeDir == "" {
		errs = append(errs, errors.New("bronze_dir is required"))
	}
	if c.SilverDir == "" {
		errs = append(errs, errors.New("silver_dir is required"))
	}
	if _, err := deid.ParseMode(c.PIIMode); err != nil {
		errs = append(errs, err)
	}
	if _, err := terminology.ParseMethod(c.UMLSMethod); err != nil {
		errs = append(errs, err)
	}
	if _, err := store.ParseWriteMode(c.VersionedOptions.Mode); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Mode returns the parsed scrubbing mode.
func (c *Config) Mode() deid.Mode {
	m, _ := deid.ParseMode(c.PIIMode)
	return m
}

// Method returns the parsed closure method.
func (c *Config) Method() terminology.Method {
	m, _ := terminology.ParseMethod(c.UMLSMethod)
	return m
}

// StoreOptions returns the versioned write options.
func (c *Config) StoreOptions() store.Options {
	m, _ := store.ParseWriteMode(c.VersionedOptions.Mode)
	return store.Options{Mode: m, PartitionBy: c.VersionedOptions.PartitionBy}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
