// Package tableio reads and writes record batches as parquet tables.
package tableio

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"cleanclinic/internal/batch"
)

const readChunk = 1024

// ColumnOrderKey is the key/value metadata entry holding the batch's column
// order. Parquet group fields are sorted by name, so the order is kept here.
const ColumnOrderKey = "cleanclinic.column_order"

// ReadParquet loads a whole parquet table into a batch named after the file.
// Nested schemas are rejected; the bronze layer only holds flat tables.
func ReadParquet(path string) (*batch.Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open table: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("could not stat table: %w", err)
	}

	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("could not parse parquet file: %w", err)
	}

	fields := pf.Schema().Fields()
	decoders := make([]func(parquet.Value) batch.Value, len(fields))
	for i, field := range fields {
		if !field.Leaf() {
			return nil, fmt.Errorf("column %q is nested, only flat tables are supported", field.Name())
		}
		decoders[i] = decoderFor(field.Type())
	}

	rows := int(pf.NumRows())
	values := make([][]batch.Value, len(fields))
	for i := range values {
		values[i] = make([]batch.Value, 0, rows)
	}

	buf := make([]parquet.Row, readChunk)
	for _, rg := range pf.RowGroups() {
		if err := readRowGroup(rg, buf, decoders, values); err != nil {
			return nil, err
		}
	}

	cols := make([]*batch.Column, len(fields))
	for i, field := range fields {
		cols[i] = &batch.Column{Name: field.Name(), Values: values[i]}
	}
	if order, ok := pf.Lookup(ColumnOrderKey); ok {
		cols = restoreOrder(cols, order)
	}
	b, err := batch.FromColumns(Stem(path), cols...)
	if err != nil {
		return nil, fmt.Errorf("could not assemble batch: %w", err)
	}
	return b, nil
}

// restoreOrder reorders cols to the recorded order. A recorded order that does
// not name exactly the file's columns is ignored.
func restoreOrder(cols []*batch.Column, order string) []*batch.Column {
	var names []string
	if err := json.Unmarshal([]byte(order), &names); err != nil || len(names) != len(cols) {
		return cols
	}
	byName := make(map[string]*batch.Column, len(cols))
	for _, c := range cols {
		byName[c.Name] = c
	}
	ordered := make([]*batch.Column, 0, len(cols))
	for _, name := range names {
		c, ok := byName[name]
		if !ok {
			return cols
		}
		delete(byName, name)
		ordered = append(ordered, c)
	}
	return ordered
}

func readRowGroup(rg parquet.RowGroup, buf []parquet.Row, decoders []func(parquet.Value) batch.Value, values [][]batch.Value) error {
	rows := rg.Rows()
	defer rows.Close()

	for {
		n, err := rows.ReadRows(buf)
		for _, row := range buf[:n] {
			present := make([]bool, len(decoders))
			for _, v := range row {
				col := v.Column()
				if col < 0 || col >= len(decoders) {
					continue
				}
				values[col] = append(values[col], decoders[col](v))
				present[col] = true
			}
			for col, ok := range present {
				if !ok {
					values[col] = append(values[col], batch.Null())
				}
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("could not read rows: %w", err)
		}
	}
}

// decoderFor maps a parquet leaf type onto a batch value kind.
func decoderFor(t parquet.Type) func(parquet.Value) batch.Value {
	if lt := t.LogicalType(); lt != nil {
		switch {
		case lt.Timestamp != nil:
			toTime := time.UnixMilli
			switch {
			case lt.Timestamp.Unit.Micros != nil:
				toTime = time.UnixMicro
			case lt.Timestamp.Unit.Nanos != nil:
				toTime = func(n int64) time.Time { return time.Unix(0, n) }
			}
			return func(v parquet.Value) batch.Value {
				if v.IsNull() {
					return batch.Null()
				}
				return batch.Time(toTime(v.Int64()).UTC())
			}
		case lt.Integer != nil && !lt.Integer.IsSigned && lt.Integer.BitWidth == 64:
			return func(v parquet.Value) batch.Value {
				if v.IsNull() {
					return batch.Null()
				}
				if n := v.Int64(); n >= 0 {
					return batch.Integer(n)
				}
				return batch.String(strconv.FormatUint(v.Uint64(), 10))
			}
		case lt.Date != nil:
			return func(v parquet.Value) batch.Value {
				if v.IsNull() {
					return batch.Null()
				}
				return batch.Time(time.Unix(int64(v.Int32())*86400, 0).UTC())
			}
		}
	}

	return func(v parquet.Value) batch.Value {
		if v.IsNull() {
			return batch.Null()
		}
		switch v.Kind() {
		case parquet.Boolean:
			if v.Boolean() {
				return batch.String("true")
			}
			return batch.String("false")
		case parquet.Int32:
			return batch.Integer(int64(v.Int32()))
		case parquet.Int64:
			return batch.Integer(v.Int64())
		case parquet.Float:
			return batch.Number(float64(v.Float()))
		case parquet.Double:
			return batch.Number(v.Double())
		case parquet.ByteArray, parquet.FixedLenByteArray:
			return batch.String(string(v.ByteArray()))
		}
		return batch.String(v.String())
	}
}

// WriteParquet writes b to path. Every column is optional; its physical type
// follows the kinds present: timestamps as TIMESTAMP(nanos), or micros when a
// value falls outside the nanosecond range, integers as INT64, numbers as
// DOUBLE, everything else as UTF8 text. Columns mixing integers and numbers
// are written as DOUBLE; any other mix is written as text. The column order is
// recorded under ColumnOrderKey. The file is created beside path and renamed
// into place.
func WriteParquet(path string, b *batch.Batch) error {
	if err := b.Validate(); err != nil {
		return fmt.Errorf("could not write invalid batch: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("could not create output directory: %w", err)
	}

	specs := make(map[string]columnSpec, b.NumColumns())
	group := parquet.Group{}
	for _, col := range b.Columns() {
		spec := specFor(col)
		specs[col.Name] = spec
		group[col.Name] = parquet.Optional(spec.node())
	}
	schema := parquet.NewSchema(b.Name, group)

	order, err := json.Marshal(b.Names())
	if err != nil {
		return fmt.Errorf("could not encode column order: %w", err)
	}

	// Group fields are ordered by name, which fixes the leaf column indexes.
	names := b.Names()
	sort.Strings(names)

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("could not create table: %w", err)
	}

	err = writeRows(f, schema, string(order), b, names, specs)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("could not move table into place: %w", err)
	}
	return nil
}

func writeRows(w io.Writer, schema *parquet.Schema, order string, b *batch.Batch, names []string, specs map[string]columnSpec) error {
	pw := parquet.NewWriter(w, schema, parquet.KeyValueMetadata(ColumnOrderKey, order))

	cols := make([]*batch.Column, len(names))
	for i, name := range names {
		cols[i] = b.Column(name)
	}

	rows := make([]parquet.Row, 0, readChunk)
	flush := func() error {
		if len(rows) == 0 {
			return nil
		}
		if _, err := pw.WriteRows(rows); err != nil {
			return fmt.Errorf("could not write rows: %w", err)
		}
		rows = rows[:0]
		return nil
	}

	for r := 0; r < b.NumRows(); r++ {
		row := make(parquet.Row, len(cols))
		for i, col := range cols {
			v, err := specs[col.Name].encode(col.Values[r])
			if err != nil {
				return fmt.Errorf("column %q row %d: %w", col.Name, r, err)
			}
			if v.IsNull() {
				row[i] = v.Level(0, 0, i)
			} else {
				row[i] = v.Level(0, 1, i)
			}
		}
		rows = append(rows, row)
		if len(rows) == cap(rows) {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("could not finalize table: %w", err)
	}
	return nil
}

// ColumnKind returns the kind col is stored as: the merge of every non-null
// value's kind (see batch.MergeKind), or KindNull when every value is null.
func ColumnKind(col *batch.Column) batch.Kind {
	kind := batch.KindNull
	for _, v := range col.Values {
		if v.IsNull() {
			continue
		}
		kind = batch.MergeKind(kind, v.Kind())
		if kind == batch.KindString {
			return kind
		}
	}
	return kind
}

// columnSpec is the parquet encoding chosen for one column.
type columnSpec struct {
	kind batch.Kind
	unit parquet.TimeUnit
}

// Nanosecond timestamps cover roughly the years 1677 to 2262.
var (
	minNanoTime = time.Unix(0, math.MinInt64)
	maxNanoTime = time.Unix(0, math.MaxInt64)
)

func specFor(col *batch.Column) columnSpec {
	spec := columnSpec{kind: ColumnKind(col)}
	if spec.kind != batch.KindTime {
		return spec
	}
	spec.unit = parquet.Nanosecond
	for _, v := range col.Values {
		if v.IsNull() {
			continue
		}
		if t := v.Timestamp(); t.Before(minNanoTime) || t.After(maxNanoTime) {
			spec.unit = parquet.Microsecond
			break
		}
	}
	return spec
}

func (s columnSpec) node() parquet.Node {
	switch s.kind {
	case batch.KindInteger:
		return parquet.Int(64)
	case batch.KindNumber:
		return parquet.Leaf(parquet.DoubleType)
	case batch.KindTime:
		return parquet.Timestamp(s.unit)
	}
	return parquet.String()
}

func (s columnSpec) encode(v batch.Value) (parquet.Value, error) {
	if v.IsNull() {
		return parquet.NullValue(), nil
	}
	switch s.kind {
	case batch.KindInteger:
		return parquet.Int64Value(v.Int()), nil
	case batch.KindNumber:
		return parquet.DoubleValue(v.Num()), nil
	case batch.KindTime:
		if s.unit == parquet.Microsecond {
			return parquet.Int64Value(v.Timestamp().UnixMicro()), nil
		}
		return parquet.Int64Value(v.Timestamp().UnixNano()), nil
	}
	text, err := v.Text()
	if err != nil {
		return parquet.Value{}, err
	}
	return parquet.ByteArrayValue([]byte(text)), nil
}

// Stem returns the file name without directory or extension.
func Stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
