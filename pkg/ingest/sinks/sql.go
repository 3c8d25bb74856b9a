package sinks

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"

	ncerrors "github.com/ncload/ncload/pkg/errors"
	"github.com/ncload/ncload/pkg/ingest/core"
	"github.com/ncload/ncload/pkg/schema"
	"github.com/ncload/ncload/pkg/storage/relational"
)

// SQLSink writes batches into one table of the relational store. The first
// batch drops and recreates the table; later batches append. Each Write is
// one transaction.
type SQLSink struct {
	mu sync.Mutex

	store   *relational.Store
	table   string
	columns []schema.Column
	insert  string
	rows    int64
	batches int
	elapsed time.Duration
}

// NewSQLSink creates a sink writing to table.
func NewSQLSink(store *relational.Store, table string) *SQLSink {
	return &SQLSink{store: store, table: table}
}

// Name implements core.Sink.
func (s *SQLSink) Name() string { return "sql" }

// Table returns the target table name.
func (s *SQLSink) Table() string { return s.table }

func (s *SQLSink) createTable(ctx context.Context, tx *sql.Tx, columns []schema.Column) error {
	d := s.store.Dialect()
	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+d.Quote(s.table)); err != nil {
		return fmt.Errorf("%s: drop table: %w", d.Name, err)
	}

	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = d.Quote(c.Name) + " " + d.ColumnType(c.Type)
	}
	ddl := fmt.Sprintf("CREATE TABLE %s (%s)", d.Quote(s.table), strings.Join(defs, ", "))
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("%s: create table: %w", d.Name, err)
	}
	return nil
}

func (s *SQLSink) prepareInsert(columns []schema.Column) string {
	d := s.store.Dialect()
	names := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	for i, c := range columns {
		names[i] = d.Quote(c.Name)
		placeholders[i] = "?"
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		d.Quote(s.table), strings.Join(names, ", "), strings.Join(placeholders, ", "))
}

// Write implements core.Sink. Either every row of the batch is committed or
// none is.
func (s *SQLSink) Write(ctx context.Context, batch *core.RowBatch, first bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	defer func() { s.elapsed += time.Since(start) }()

	if first {
		s.columns = batch.Columns
		s.insert = s.prepareInsert(batch.Columns)
		s.rows = 0
		s.batches = 0
	}
	if s.insert == "" {
		return ncerrors.New(ncerrors.CodeSinkWrite, "sink not open").WithContext("sink", s.Name())
	}

	n, err := s.copyFrom(ctx, batch, first)
	if err != nil {
		return ncerrors.SinkWrite(err, s.Name()).WithContext("table", s.table)
	}
	s.rows += n
	s.batches++
	return nil
}

func (s *SQLSink) copyFrom(ctx context.Context, batch *core.RowBatch, first bool) (int64, error) {
	d := s.store.Dialect()
	tx, err := s.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%s: begin tx: %w", d.Name, err)
	}

	if first {
		if err := s.createTable(ctx, tx, batch.Columns); err != nil {
			_ = tx.Rollback()
			return 0, err
		}
	}

	stmt, err := tx.PrepareContext(ctx, s.insert)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("%s: prepare insert: %w", d.Name, err)
	}
	defer stmt.Close()

	rec := batch.Record
	cols := make([]arrow.Array, rec.NumCols())
	for i := range cols {
		cols[i] = rec.Column(i)
	}
	row := make([]any, len(cols))

	var inserted int64
	for r := 0; r < int(rec.NumRows()); r++ {
		for c, col := range cols {
			row[c] = sqlValue(col, r)
		}
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("%s: insert row %d: %w", d.Name, batch.RowOffset+int64(r)+1, err)
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%s: commit: %w", d.Name, err)
	}
	return inserted, nil
}

// sqlValue converts one Arrow cell to a driver value. Dates become
// YYYY-MM-DD text.
func sqlValue(col arrow.Array, i int) any {
	if col.IsNull(i) {
		return nil
	}
	switch a := col.(type) {
	case *array.Int64:
		return a.Value(i)
	case *array.Date32:
		return a.Value(i).ToTime().Format(schema.CanonicalDateLayout)
	case *array.String:
		return a.Value(i)
	default:
		return col.ValueStr(i)
	}
}

// Close implements core.Sink. The store itself stays open for the next
// dataset.
func (s *SQLSink) Close(ctx context.Context) (*core.SinkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &core.SinkResult{
		Sink:           s.Name(),
		Path:           s.table,
		RowsWritten:    s.rows,
		BatchesWritten: s.batches,
		Duration:       s.elapsed,
	}, nil
}

// Abort implements core.Sink. Committed batches stay in place.
func (s *SQLSink) Abort() error { return nil }
