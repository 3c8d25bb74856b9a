// Package core defines the contracts shared by the reader, the sinks and the
// pipeline: the row batch, the sink interface and their options.
package core

import (
	"github.com/apache/arrow/go/v14/arrow"

	"github.com/ncload/ncload/pkg/schema"
)

// RowBatch wraps an Arrow record holding at most ChunkSize rows of one
// dataset. Field i of the record corresponds to Columns[i].
type RowBatch struct {
	// Record is the underlying Arrow record.
	Record arrow.Record

	// Columns are the schema columns backing each record field.
	Columns []schema.Column

	// Index is the 0-based batch number within the dataset.
	Index int

	// RowOffset is the dataset row index of the first row.
	RowOffset int64

	// ParseErrors counts fields nulled because they could not be coerced.
	ParseErrors int64

	// NullCounts holds parse-error nulls per column name.
	NullCounts map[string]int64
}

// NewRowBatch creates a new batch wrapper.
func NewRowBatch(record arrow.Record, columns []schema.Column, index int, rowOffset int64) *RowBatch {
	return &RowBatch{
		Record:     record,
		Columns:    columns,
		Index:      index,
		RowOffset:  rowOffset,
		NullCounts: make(map[string]int64),
	}
}

// NumRows returns the number of rows in the batch.
func (b *RowBatch) NumRows() int64 {
	if b == nil || b.Record == nil {
		return 0
	}
	return b.Record.NumRows()
}

// NumCols returns the number of columns in the batch.
func (b *RowBatch) NumCols() int {
	if b == nil || b.Record == nil {
		return 0
	}
	return int(b.Record.NumCols())
}

// Schema returns the Arrow schema of the batch.
func (b *RowBatch) Schema() *arrow.Schema {
	if b == nil || b.Record == nil {
		return nil
	}
	return b.Record.Schema()
}

// Release releases the underlying Arrow memory. Safe to call twice.
func (b *RowBatch) Release() {
	if b != nil && b.Record != nil {
		b.Record.Release()
		b.Record = nil
	}
}

// ArrowType maps a semantic column type onto its Arrow representation.
func ArrowType(t schema.Type) arrow.DataType {
	switch t {
	case schema.TypeInteger:
		return arrow.PrimitiveTypes.Int64
	case schema.TypeDate:
		return arrow.FixedWidthTypes.Date32
	default:
		return arrow.BinaryTypes.String
	}
}

// ArrowSchema builds the Arrow schema for a column list. Every field is
// nullable.
func ArrowSchema(columns []schema.Column, md *arrow.Metadata) *arrow.Schema {
	fields := make([]arrow.Field, len(columns))
	for i, c := range columns {
		fields[i] = arrow.Field{Name: c.Name, Type: ArrowType(c.Type), Nullable: true}
	}
	return arrow.NewSchema(fields, md)
}
