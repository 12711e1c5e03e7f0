package store

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"cleanclinic/internal/batch"
	"cleanclinic/internal/tableio"
)

// Encoding names the form a batch was persisted in.
type Encoding string

const (
	EncodingVersioned Encoding = "versioned"
	EncodingFlat      Encoding = "flat"
)

// Output describes where a batch was written.
type Output struct {
	Path     string   `yaml:"path"`
	Encoding Encoding `yaml:"encoding"`
	Version  int64    `yaml:"version,omitempty"`
	// Fallback is set when the versioned write failed and the flat file was used.
	Fallback string `yaml:"fallback_reason,omitempty"`
}

// Persister writes silver batches, trying the versioned store first when
// enabled and falling back to a flat file.
type Persister struct {
	dir       string
	versioned bool
	opts      Options
	logger    zerolog.Logger
}

// NewPersister creates a persister writing into dir.
func NewPersister(dir string, versioned bool, opts Options, logger zerolog.Logger) *Persister {
	return &Persister{
		dir:       dir,
		versioned: versioned,
		opts:      opts,
		logger:    logger.With().Str("component", "store").Logger(),
	}
}

// Dir returns the silver directory.
func (p *Persister) Dir() string { return p.dir }

// Versioned reports whether the versioned store is tried first.
func (p *Persister) Versioned() bool { return p.versioned }

// Options returns the versioned write options.
func (p *Persister) Options() Options { return p.opts }

// Persist writes b for the given source file. Any partial output of a failed
// attempt is removed. Only the failure of both encodings is returned.
func (p *Persister) Persist(b *batch.Batch, sourceFile string) (Output, error) {
	var fallback string
	if p.versioned {
		out, err := p.writeVersioned(b, sourceFile)
		if err == nil {
			return out, nil
		}
		fallback = err.Error()
		p.logger.Warn().Err(err).Str("source", sourceFile).Msg("Versioned write failed, falling back to flat file")
	}

	path := FlatPath(p.dir, sourceFile)
	if err := WriteFlat(path, b); err != nil {
		return Output{}, fmt.Errorf("could not write flat file %s: %w", path, err)
	}
	p.logger.Info().Str("path", path).Int("rows", b.NumRows()).Msg("Wrote flat silver table")
	return Output{Path: path, Encoding: EncodingFlat, Fallback: fallback}, nil
}

func (p *Persister) writeVersioned(b *batch.Batch, sourceFile string) (Output, error) {
	path := VersionedPath(p.dir, tableio.Stem(sourceFile))
	_, statErr := os.Stat(path)
	created := errors.Is(statErr, os.ErrNotExist)

	fail := func(err error) (Output, error) {
		if created {
			removeDataset(path)
		}
		return Output{}, fmt.Errorf("%w: %v", ErrVersionedUnavailable, err)
	}

	vs, err := OpenVersioned(path)
	if err != nil {
		return fail(err)
	}
	version, err := vs.Write(b, p.opts)
	if cerr := vs.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return fail(err)
	}

	p.logger.Info().Str("path", path).Int64("version", version).Int("rows", b.NumRows()).
		Str("mode", string(p.opts.Mode)).Msg("Wrote versioned silver table")
	return Output{Path: path, Encoding: EncodingVersioned, Version: version}, nil
}

func removeDataset(path string) {
	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		os.Remove(path + suffix)
	}
}
