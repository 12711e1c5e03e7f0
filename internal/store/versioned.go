// Package store persists silver batches, preferring a versioned table store
// and falling back to a flat parquet file.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"cleanclinic/internal/batch"
	"cleanclinic/internal/tableio"
)

// ErrVersionedUnavailable wraps every failure of the versioned write path.
var ErrVersionedUnavailable = errors.New("versioned store unavailable")

// WriteMode selects how a new version relates to the previous snapshot.
type WriteMode string

const (
	WriteOverwrite WriteMode = "overwrite"
	WriteAppend    WriteMode = "append"
)

// ParseWriteMode parses a write mode name.
func ParseWriteMode(s string) (WriteMode, error) {
	switch m := WriteMode(strings.ToLower(strings.TrimSpace(s))); m {
	case WriteOverwrite, WriteAppend:
		return m, nil
	case "":
		return WriteOverwrite, nil
	}
	return "", fmt.Errorf("unknown write mode %q", s)
}

// Options configure versioned writes.
type Options struct {
	Mode        WriteMode
	PartitionBy []string
}

const (
	versionColumn = "_version"
	rowColumn     = "_row"
)

// VersionInfo is one entry of the version log.
type VersionInfo struct {
	Version   int64
	Mode      WriteMode
	WrittenAt time.Time
	Rows      int
	// SnapshotFrom is the first version whose rows are visible in this one.
	SnapshotFrom int64
	Schema       []ColumnSchema
}

// ColumnSchema records a column's name and value kind.
type ColumnSchema struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// VersionedStore is a versioned, partition-indexed table kept in a single
// SQLite database per dataset.
type VersionedStore struct {
	db   *sql.DB
	path string
	name string
}

// VersionedPath returns the dataset location for a source table stem.
func VersionedPath(dir, stem string) string {
	return filepath.Join(dir, "silver_"+stem+".db")
}

// OpenVersioned opens or creates the dataset at path.
func OpenVersioned(path string) (*VersionedStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("could not create dataset directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open dataset: %w", err)
	}
	// SQLite allows one writer.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to dataset: %w", err)
	}

	s := &VersionedStore{db: db, path: path, name: strings.TrimSuffix(filepath.Base(path), ".db")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not migrate dataset: %w", err)
	}
	return s, nil
}

// Close closes the dataset.
func (s *VersionedStore) Close() error {
	return s.db.Close()
}

// Path returns the dataset file.
func (s *VersionedStore) Path() string { return s.path }

func (s *VersionedStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS _versions (
			version INTEGER PRIMARY KEY,
			mode TEXT NOT NULL,
			written_at TEXT NOT NULL,
			rows INTEGER NOT NULL,
			snapshot_from INTEGER NOT NULL,
			schema TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS data (
			_version INTEGER NOT NULL,
			_row INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_data_version ON data(_version, _row)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// Write stores b as a new version and returns its number. Columns not yet in
// the dataset are added; partition columns present in b are indexed.
func (s *VersionedStore) Write(b *batch.Batch, opts Options) (int64, error) {
	if err := b.Validate(); err != nil {
		return 0, err
	}
	for _, name := range b.Names() {
		if name == versionColumn || name == rowColumn {
			return 0, fmt.Errorf("column name %q is reserved", name)
		}
	}
	mode := opts.Mode
	if mode == "" {
		mode = WriteOverwrite
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("could not begin write: %w", err)
	}
	defer tx.Rollback()

	existing, err := dataColumns(tx)
	if err != nil {
		return 0, err
	}

	schema := make([]ColumnSchema, 0, b.NumColumns())
	for _, col := range b.Columns() {
		schema = append(schema, ColumnSchema{Name: col.Name, Kind: tableio.ColumnKind(col).String()})
		if existing[strings.ToLower(col.Name)] {
			continue
		}
		if _, err := tx.Exec(fmt.Sprintf("ALTER TABLE data ADD COLUMN %s", quoteIdent(col.Name))); err != nil {
			return 0, fmt.Errorf("could not add column %q: %w", col.Name, err)
		}
	}

	for _, part := range opts.PartitionBy {
		if b.Column(part) == nil {
			continue
		}
		idx := quoteIdent("idx_data_part_" + part)
		if _, err := tx.Exec(fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON data(_version, %s)", idx, quoteIdent(part))); err != nil {
			return 0, fmt.Errorf("could not index partition %q: %w", part, err)
		}
	}

	var latest, latestFrom sql.NullInt64
	if err := tx.QueryRow(`SELECT version, snapshot_from FROM _versions ORDER BY version DESC LIMIT 1`).Scan(&latest, &latestFrom); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("could not read version log: %w", err)
	}
	version := latest.Int64 + 1
	snapshotFrom := version
	if mode == WriteAppend && latest.Valid {
		snapshotFrom = latestFrom.Int64
	}

	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return 0, fmt.Errorf("could not encode schema: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO _versions (version, mode, written_at, rows, snapshot_from, schema) VALUES (?, ?, ?, ?, ?, ?)`,
		version, string(mode), time.Now().UTC().Format(time.RFC3339Nano), b.NumRows(), snapshotFrom, string(schemaJSON),
	); err != nil {
		return 0, fmt.Errorf("could not record version: %w", err)
	}

	if err := insertRows(tx, b, version); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("could not commit version: %w", err)
	}
	return version, nil
}

func insertRows(tx *sql.Tx, b *batch.Batch, version int64) error {
	names := make([]string, 0, b.NumColumns()+2)
	marks := make([]string, 0, b.NumColumns()+2)
	names = append(names, versionColumn, rowColumn)
	marks = append(marks, "?", "?")
	for _, name := range b.Names() {
		names = append(names, quoteIdent(name))
		marks = append(marks, "?")
	}

	stmt, err := tx.Prepare(fmt.Sprintf("INSERT INTO data (%s) VALUES (%s)", strings.Join(names, ", "), strings.Join(marks, ", ")))
	if err != nil {
		return fmt.Errorf("could not prepare insert: %w", err)
	}
	defer stmt.Close()

	cols := b.Columns()
	kinds := make([]batch.Kind, len(cols))
	for i, col := range cols {
		kinds[i] = tableio.ColumnKind(col)
	}
	args := make([]any, len(cols)+2)
	for r := 0; r < b.NumRows(); r++ {
		args[0], args[1] = version, r
		for i, col := range cols {
			arg, err := toSQL(col.Values[r], kinds[i])
			if err != nil {
				return fmt.Errorf("column %q row %d: %w", col.Name, r, err)
			}
			args[i+2] = arg
		}
		if _, err := stmt.Exec(args...); err != nil {
			return fmt.Errorf("could not insert row %d: %w", r, err)
		}
	}
	return nil
}

// Versions returns the version log in ascending order.
func (s *VersionedStore) Versions() ([]VersionInfo, error) {
	rows, err := s.db.Query(`SELECT version, mode, written_at, rows, snapshot_from, schema FROM _versions ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("could not read version log: %w", err)
	}
	defer rows.Close()

	var out []VersionInfo
	for rows.Next() {
		var (
			info       VersionInfo
			mode       string
			writtenAt  string
			schemaJSON string
		)
		if err := rows.Scan(&info.Version, &mode, &writtenAt, &info.Rows, &info.SnapshotFrom, &schemaJSON); err != nil {
			return nil, fmt.Errorf("could not scan version: %w", err)
		}
		info.Mode = WriteMode(mode)
		info.WrittenAt, _ = time.Parse(time.RFC3339Nano, writtenAt)
		if err := json.Unmarshal([]byte(schemaJSON), &info.Schema); err != nil {
			return nil, fmt.Errorf("could not decode schema of version %d: %w", info.Version, err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// ReadLatest returns the visible snapshot of the newest version.
func (s *VersionedStore) ReadLatest() (*batch.Batch, error) {
	versions, err := s.Versions()
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("dataset %s has no versions", s.name)
	}
	return s.read(versions, versions[len(versions)-1].Version)
}

// ReadVersion returns the snapshot visible at version v.
func (s *VersionedStore) ReadVersion(v int64) (*batch.Batch, error) {
	versions, err := s.Versions()
	if err != nil {
		return nil, err
	}
	return s.read(versions, v)
}

func (s *VersionedStore) read(versions []VersionInfo, v int64) (*batch.Batch, error) {
	var target *VersionInfo
	for i := range versions {
		if versions[i].Version == v {
			target = &versions[i]
		}
	}
	if target == nil {
		return nil, fmt.Errorf("dataset %s has no version %d", s.name, v)
	}

	// Union of the schemas of every version in the snapshot, first seen first.
	var order []string
	kinds := make(map[string]batch.Kind)
	for _, info := range versions {
		if info.Version < target.SnapshotFrom || info.Version > v {
			continue
		}
		for _, c := range info.Schema {
			kind, err := batch.ParseKind(c.Kind)
			if err != nil {
				return nil, err
			}
			prev, seen := kinds[c.Name]
			if !seen {
				order = append(order, c.Name)
			}
			kinds[c.Name] = batch.MergeKind(prev, kind)
		}
	}

	selects := make([]string, len(order))
	for i, name := range order {
		selects[i] = quoteIdent(name)
	}
	query := fmt.Sprintf("SELECT %s FROM data WHERE _version BETWEEN ? AND ? ORDER BY _version, _row",
		strings.Join(append([]string{versionColumn}, selects...), ", "))

	rows, err := s.db.Query(query, target.SnapshotFrom, v)
	if err != nil {
		return nil, fmt.Errorf("could not read snapshot: %w", err)
	}
	defer rows.Close()

	values := make([][]batch.Value, len(order))
	dest := make([]any, len(order)+1)
	raw := make([]any, len(order)+1)
	for i := range dest {
		dest[i] = &raw[i]
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		for i, name := range order {
			val, err := fromSQL(raw[i+1], kinds[name])
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", name, err)
			}
			values[i] = append(values[i], val)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	cols := make([]*batch.Column, len(order))
	for i, name := range order {
		cols[i] = &batch.Column{Name: name, Values: values[i]}
	}
	b, err := batch.FromColumns(strings.TrimPrefix(s.name, "silver_"), cols...)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func dataColumns(tx *sql.Tx) (map[string]bool, error) {
	rows, err := tx.Query(`SELECT name FROM pragma_table_info('data')`)
	if err != nil {
		return nil, fmt.Errorf("could not list dataset columns: %w", err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		// SQLite column names are case-insensitive.
		cols[strings.ToLower(name)] = true
	}
	return cols, rows.Err()
}

// toSQL encodes v for a column of the given kind. Mixed-kind columns are
// recorded as text, so their values are stored as text too.
func toSQL(v batch.Value, kind batch.Kind) (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	switch kind {
	case batch.KindNumber:
		return v.Num(), nil
	case batch.KindInteger:
		return v.Int(), nil
	case batch.KindTime:
		return v.Timestamp().UTC().Format(time.RFC3339Nano), nil
	}
	return v.Text()
}

func fromSQL(raw any, kind batch.Kind) (batch.Value, error) {
	if raw == nil {
		return batch.Null(), nil
	}
	switch kind {
	case batch.KindNumber:
		switch n := raw.(type) {
		case float64:
			return batch.Number(n), nil
		case int64:
			return batch.Number(float64(n)), nil
		}
	case batch.KindInteger:
		if n, ok := raw.(int64); ok {
			return batch.Integer(n), nil
		}
	case batch.KindTime:
		if s, ok := textOf(raw); ok {
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return batch.Value{}, err
			}
			return batch.Time(t), nil
		}
	}
	if s, ok := textOf(raw); ok {
		return batch.String(s), nil
	}
	// A column recorded as text in one version may hold numbers from another.
	if n, ok := raw.(float64); ok {
		return batch.String(strconv.FormatFloat(n, 'g', -1, 64)), nil
	}
	return batch.String(fmt.Sprint(raw)), nil
}

func textOf(raw any) (string, bool) {
	switch s := raw.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	}
	return "", false
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
