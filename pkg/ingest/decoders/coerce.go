package decoders

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"

	ncerrors "github.com/ncload/ncload/pkg/errors"
	"github.com/ncload/ncload/pkg/schema"
)

// isNullValue reports whether a raw field is a missing-value marker.
func isNullValue(s string) bool {
	switch s {
	case "", "NA", "N/A", "NULL", "null", "NaN", "nan", "None", `\N`:
		return true
	}
	return false
}

// column binds one output column to its source field.
type column struct {
	schema.Column
	source int
}

// coercer appends raw fields to typed Arrow builders.
type coercer struct {
	columns []column
	dates   *schema.DateParser
	policy  schema.ParseErrorPolicy

	builders    []array.Builder
	parseErrors int64
	nullCounts  map[string]int64
}

func newCoercer(columns []column, dates *schema.DateParser, policy schema.ParseErrorPolicy) *coercer {
	return &coercer{columns: columns, dates: dates, policy: policy}
}

func (c *coercer) reset(alloc memory.Allocator, capacity int) {
	c.builders = make([]array.Builder, len(c.columns))
	for i, col := range c.columns {
		switch col.Type {
		case schema.TypeInteger:
			c.builders[i] = array.NewInt64Builder(alloc)
		case schema.TypeDate:
			c.builders[i] = array.NewDate32Builder(alloc)
		default:
			c.builders[i] = array.NewStringBuilder(alloc)
		}
		c.builders[i].Reserve(capacity)
	}
	c.parseErrors = 0
	c.nullCounts = make(map[string]int64)
}

func (c *coercer) release() {
	for _, b := range c.builders {
		b.Release()
	}
	c.builders = nil
}

// appendRow coerces one record. row is the 1-based data row number used in
// error context. Missing trailing fields are null; extra fields are ignored.
func (c *coercer) appendRow(fields []string, row int64) error {
	for i, col := range c.columns {
		b := c.builders[i]
		var raw string
		if col.source < len(fields) {
			raw = fields[col.source]
		}

		if isNullValue(raw) {
			b.AppendNull()
			continue
		}

		switch col.Type {
		case schema.TypeInteger:
			v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
			if err != nil {
				if c.policy == schema.ParseErrorAbort {
					return ncerrors.Parse(col.Name, raw, row, err)
				}
				c.nullField(b, col.Name)
				continue
			}
			b.(*array.Int64Builder).Append(v)

		case schema.TypeDate:
			t, err := c.dates.Parse(raw)
			if err != nil {
				c.nullField(b, col.Name)
				continue
			}
			b.(*array.Date32Builder).Append(arrow.Date32FromTime(t))

		default:
			if !utf8.ValidString(raw) {
				raw = strings.ToValidUTF8(raw, "\uFFFD")
			}
			b.(*array.StringBuilder).Append(raw)
		}
	}
	return nil
}

func (c *coercer) nullField(b array.Builder, name string) {
	b.AppendNull()
	c.parseErrors++
	c.nullCounts[name]++
}

// newRecord flushes the builders into a record.
func (c *coercer) newRecord(s *arrow.Schema, rows int64) arrow.Record {
	arrays := make([]arrow.Array, len(c.builders))
	for i, b := range c.builders {
		arrays[i] = b.NewArray()
	}
	rec := array.NewRecord(s, arrays, rows)
	for _, a := range arrays {
		a.Release()
	}
	return rec
}
