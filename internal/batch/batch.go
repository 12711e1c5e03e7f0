// Package batch holds the in-memory columnar record batch that flows through
// the bronze to silver pipeline.
package batch

import (
	"fmt"
)

// Column is a named, ordered sequence of values.
type Column struct {
	Name   string
	Values []Value
}

// Batch is an ordered set of equal-length columns. The schema is inferred from
// whatever columns the source table carried.
type Batch struct {
	Name string
	cols []*Column
	rows int
}

// New creates an empty batch with a fixed row count.
func New(name string, rows int) *Batch {
	return &Batch{Name: name, rows: rows}
}

// FromColumns builds a batch and checks that every column has the same length.
func FromColumns(name string, cols ...*Column) (*Batch, error) {
	rows := 0
	if len(cols) > 0 {
		rows = len(cols[0].Values)
	}
	b := New(name, rows)
	for _, c := range cols {
		if err := b.AddColumn(c.Name, c.Values); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// NumRows returns the row count.
func (b *Batch) NumRows() int { return b.rows }

// NumColumns returns the column count.
func (b *Batch) NumColumns() int { return len(b.cols) }

// Names returns column names in order.
func (b *Batch) Names() []string {
	names := make([]string, len(b.cols))
	for i, c := range b.cols {
		names[i] = c.Name
	}
	return names
}

// Columns returns the columns in order. The slice is shared with the batch.
func (b *Batch) Columns() []*Column { return b.cols }

// Column returns the named column or nil.
func (b *Batch) Column(name string) *Column {
	for _, c := range b.cols {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// AddColumn appends a column, or replaces the values of an existing one.
func (b *Batch) AddColumn(name string, values []Value) error {
	if len(values) != b.rows {
		return fmt.Errorf("column %q has %d values, batch has %d rows", name, len(values), b.rows)
	}
	if c := b.Column(name); c != nil {
		c.Values = values
		return nil
	}
	b.cols = append(b.cols, &Column{Name: name, Values: values})
	return nil
}

// Fill sets every row of the named column to v, adding the column if needed.
func (b *Batch) Fill(name string, v Value) {
	values := make([]Value, b.rows)
	for i := range values {
		values[i] = v
	}
	// Length always matches, AddColumn cannot fail here.
	_ = b.AddColumn(name, values)
}

// Clone returns a deep copy.
func (b *Batch) Clone() *Batch {
	out := &Batch{Name: b.Name, rows: b.rows, cols: make([]*Column, len(b.cols))}
	for i, c := range b.cols {
		values := make([]Value, len(c.Values))
		copy(values, c.Values)
		out.cols[i] = &Column{Name: c.Name, Values: values}
	}
	return out
}

// Validate checks the equal-length invariant.
func (b *Batch) Validate() error {
	for _, c := range b.cols {
		if len(c.Values) != b.rows {
			return fmt.Errorf("column %q has %d values, batch has %d rows", c.Name, len(c.Values), b.rows)
		}
	}
	return nil
}

// Equal reports whether two batches hold the same columns (order-insensitive)
// with identical values.
func (b *Batch) Equal(o *Batch) bool {
	if b.rows != o.rows || len(b.cols) != len(o.cols) {
		return false
	}
	for _, c := range b.cols {
		oc := o.Column(c.Name)
		if oc == nil {
			return false
		}
		for i := range c.Values {
			if !c.Values[i].Equal(oc.Values[i]) {
				return false
			}
		}
	}
	return true
}
