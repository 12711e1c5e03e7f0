package terminology

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"go.etcd.io/bbolt"
)

const cuiBucket = "cui"

// CachePaths returns the on-disk locations of the two mapping tables for a
// closure method.
func CachePaths(dir string, method Method) (snomed, icd10 string) {
	return filepath.Join(dir, fmt.Sprintf("cui_to_snomed_%s.db", method)),
		filepath.Join(dir, fmt.Sprintf("cui_to_icd10_%s.db", method))
}

// CacheExists reports whether both cache files exist.
func CacheExists(dir string, method Method) bool {
	snomedPath, icdPath := CachePaths(dir, method)
	return fileExists(snomedPath) && fileExists(icdPath)
}

// LoadCache reads both mapping tables for a method.
func LoadCache(dir string, method Method) (*Tables, error) {
	snomedPath, icdPath := CachePaths(dir, method)
	snomed, err := readTable(snomedPath)
	if err != nil {
		return nil, err
	}
	icd10, err := readTable(icdPath)
	if err != nil {
		return nil, err
	}
	return NewTables(snomed, icd10), nil
}

// SaveCache writes both mapping tables for a method. Each file is written
// beside its final path and renamed into place.
func SaveCache(dir string, method Method, t *Tables) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("could not create cache directory: %w", err)
	}
	snomedPath, icdPath := CachePaths(dir, method)
	if err := writeTable(snomedPath, t.SNOMED); err != nil {
		return err
	}
	return writeTable(icdPath, t.ICD10)
}

// Load returns the mapping tables for a method, preferring the on-disk cache
// and otherwise building from the extracts in dataPath and caching the result.
// A cache write failure is logged and does not fail the load.
func Load(dataPath string, method Method, logger zerolog.Logger) (*Tables, error) {
	logger = logger.With().Str("component", "terminology").Str("method", string(method)).Logger()

	if CacheExists(dataPath, method) {
		t, err := LoadCache(dataPath, method)
		if err == nil {
			logger.Info().Int("cuis", t.Len()).Msg("Loaded terminology tables from cache")
			return t, nil
		}
		logger.Warn().Err(err).Msg("Terminology cache unreadable, rebuilding from extracts")
	}

	builder := NewBuilder(method, logger)
	t, _, err := builder.Build(filepath.Join(dataPath, ConceptFile), filepath.Join(dataPath, RelationFile))
	if err != nil {
		return nil, err
	}

	if err := SaveCache(dataPath, method, t); err != nil {
		logger.Warn().Err(err).Msg("Could not save terminology cache")
	} else {
		logger.Info().Str("dir", dataPath).Msg("Terminology tables cached")
	}
	return t, nil
}

func readTable(path string) (map[string][]string, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("could not open cache %s: %w", path, err)
	}
	defer db.Close()

	table := make(map[string][]string)
	err = db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(cuiBucket))
		if bucket == nil {
			return fmt.Errorf("cache %s has no %q bucket", path, cuiBucket)
		}
		return bucket.ForEach(func(k, v []byte) error {
			var codes []string
			if err := json.Unmarshal(v, &codes); err != nil {
				return fmt.Errorf("could not decode codes for %s: %w", k, err)
			}
			table[string(k)] = codes
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return table, nil
}

func writeTable(path string, table map[string][]string) error {
	tmp := path + ".tmp"
	if err := os.Remove(tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("could not clear %s: %w", tmp, err)
	}

	db, err := bbolt.Open(tmp, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("could not create cache %s: %w", tmp, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(cuiBucket))
		if err != nil {
			return err
		}
		for cui, codes := range table {
			data, err := json.Marshal(codes)
			if err != nil {
				return err
			}
			if err := bucket.Put([]byte(cui), data); err != nil {
				return err
			}
		}
		return nil
	})
	closeErr := db.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("could not write cache %s: %w", path, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("could not move cache into place: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
