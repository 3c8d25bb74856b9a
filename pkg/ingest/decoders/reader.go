package decoders

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/memory"

	ncerrors "github.com/ncload/ncload/pkg/errors"
	"github.com/ncload/ncload/pkg/ingest/core"
	"github.com/ncload/ncload/pkg/logging"
	"github.com/ncload/ncload/pkg/schema"
)

// BatchReader streams a delimited file as a finite sequence of typed row
// batches of at most ChunkSize rows. Batches are produced lazily, one per
// call to Next, and the sequence cannot be restarted.
//
//	r, err := decoders.Open(ctx, path, ds, opts)
//	for r.Next() {
//		b := r.Batch()
//		...
//		b.Release()
//	}
//	err = r.Err()
type BatchReader struct {
	path  string
	file  *os.File
	scan  *recordScanner
	sep   []byte
	alloc memory.Allocator
	opts  core.ReaderOptions

	header  []string
	columns []schema.Column
	schema  *arrow.Schema
	coerce  *coercer

	batch *core.RowBatch
	index int
	rows  int64
	done  bool
	err   error
}

// Open opens path, reads the header and matches it against the dataset
// schema. Header columns the schema does not declare are dropped with a
// warning, or fail the open when UnknownColumns is reject.
func Open(ctx context.Context, path string, ds schema.Dataset, opts core.ReaderOptions) (*BatchReader, error) {
	if err := ctx.Err(); err != nil {
		return nil, ncerrors.Canceled(err)
	}
	opts = opts.WithDefaults()
	log := logging.WithFields(ctx, "file", filepath.Base(path))
	if opts.Logger != nil {
		log = opts.Logger.With("dataset", ds.Name)
	}

	enc, err := LookupEncoding(ds.Encoding)
	if err != nil {
		return nil, err
	}

	var dates *schema.DateParser
	if len(ds.Schema.DateColumns()) > 0 {
		if dates, err = schema.NewDateParser(ds.Schema.DateFormat); err != nil {
			return nil, err
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, ncerrors.IO(err, path)
	}

	sep := separatorBytes(ds.Separator)
	r := &BatchReader{
		path:  path,
		file:  f,
		scan:  newRecordScanner(newSourceReader(f, enc), sep),
		sep:   sep,
		alloc: memory.DefaultAllocator,
		opts:  opts,
	}

	line, err := r.scan.next()
	if err != nil {
		f.Close()
		if err == io.EOF {
			return nil, ncerrors.New(ncerrors.CodeIO, "missing header row").WithContext("path", path)
		}
		return nil, ncerrors.IO(err, path)
	}
	r.header = parseFields(line, r.sep)

	cols, err := matchHeader(r.header, ds.Schema, opts.UnknownColumns, log)
	if err != nil {
		f.Close()
		return nil, ncerrors.Annotate(err, "path", path)
	}
	r.columns = make([]schema.Column, len(cols))
	for i, c := range cols {
		r.columns[i] = c.Column
	}
	r.schema = core.ArrowSchema(r.columns, nil)
	r.coerce = newCoercer(cols, dates, opts.ParseErrors)

	return r, nil
}

// matchHeader maps header fields onto schema columns, in header order.
func matchHeader(header []string, s schema.Schema, policy schema.UnknownColumnPolicy, log *slog.Logger) ([]column, error) {
	seen := make(map[string]bool, len(header))
	var cols []column
	var unknown []string

	for i, name := range header {
		if seen[name] {
			return nil, ncerrors.InvalidConfig("header", name, "duplicated column")
		}
		seen[name] = true

		c, ok := s.Column(name)
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		cols = append(cols, column{Column: c, source: i})
	}

	if len(unknown) > 0 {
		if policy == schema.UnknownReject {
			return nil, ncerrors.InvalidConfig("header", unknown, "columns not declared in schema")
		}
		log.Warn("ignoring undeclared columns", "columns", unknown)
	}

	var missing []string
	for _, c := range s.Columns {
		if !seen[c.Name] {
			missing = append(missing, c.Name)
		}
	}
	if len(missing) > 0 {
		log.Warn("declared columns absent from file", "columns", missing)
	}

	if len(cols) == 0 {
		return nil, ncerrors.InvalidConfig("header", header, "no declared columns present")
	}
	return cols, nil
}

// Next reads and coerces the next batch. It returns false at the end of the
// file or on error; Err tells the two apart.
func (r *BatchReader) Next() bool {
	r.batch = nil
	if r.done || r.err != nil {
		return false
	}

	chunk := r.opts.ChunkSize
	r.coerce.reset(r.alloc, min(chunk, 4096))
	defer r.coerce.release()

	var n int64
	for n < int64(chunk) {
		line, err := r.scan.next()
		if err == io.EOF {
			r.done = true
			break
		}
		if err != nil {
			r.err = ncerrors.IO(err, r.path).WithContext("line", r.scan.Lines())
			return false
		}

		row := r.rows + n + 1
		if err := r.coerce.appendRow(parseFields(line, r.sep), row); err != nil {
			r.err = ncerrors.Annotate(err, "line", r.scan.Lines())
			return false
		}
		n++
	}

	if n == 0 {
		return false
	}

	rec := r.coerce.newRecord(r.schema, n)
	b := core.NewRowBatch(rec, r.columns, r.index, r.rows)
	b.ParseErrors = r.coerce.parseErrors
	b.NullCounts = r.coerce.nullCounts

	r.batch = b
	r.index++
	r.rows += n
	return true
}

// Batch returns the batch produced by the last successful Next. The caller
// owns it and must Release it.
func (r *BatchReader) Batch() *core.RowBatch { return r.batch }

// Err returns the error that stopped iteration, if any.
func (r *BatchReader) Err() error { return r.err }

// Header returns the source header fields.
func (r *BatchReader) Header() []string { return r.header }

// Columns returns the typed output columns, in source order.
func (r *BatchReader) Columns() []schema.Column { return r.columns }

// Rows returns the number of rows emitted so far.
func (r *BatchReader) Rows() int64 { return r.rows }

// Close closes the source file.
func (r *BatchReader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
