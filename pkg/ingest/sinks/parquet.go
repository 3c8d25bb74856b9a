// Package sinks provides the relational and columnar sinks a dataset's
// batches are written to.
package sinks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/compress"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"

	ncerrors "github.com/ncload/ncload/pkg/errors"
	"github.com/ncload/ncload/pkg/ingest/core"
	"github.com/ncload/ncload/pkg/schema"
)

// Version is written into file metadata.
const Version = "1.0.0"

// Metadata keys written into every Parquet file.
const (
	MetaVersion    = "ncload.version"
	MetaCreatedAt  = "ncload.created_at"
	MetaDataset    = "ncload.dataset"
	MetaRunID      = "ncload.run_id"
	MetaSourceFile = "ncload.source_file"
	MetaDateFormat = "ncload.date_format"
	MetaSourceHash = "ncload.source_xxh3"
)

// ParquetSink appends batches to one Parquet file as row groups. The first
// batch creates the file, truncating any older one; every batch becomes its
// own row group.
type ParquetSink struct {
	mu sync.Mutex

	path    string
	opts    core.SinkOptions
	schema  *arrow.Schema
	writer  *pqarrow.FileWriter
	file    *os.File
	rows    int64
	batches int
	elapsed time.Duration
}

// NewParquetSink creates a Parquet sink writing to path.
func NewParquetSink(path string, opts core.SinkOptions) *ParquetSink {
	return &ParquetSink{path: path, opts: opts}
}

// Name implements core.Sink.
func (s *ParquetSink) Name() string { return "parquet" }

// Path returns the output file path.
func (s *ParquetSink) Path() string { return s.path }

func (s *ParquetSink) open(batch *core.RowBatch) error {
	if s.writer != nil {
		s.abortLocked()
	}

	keys, values := s.metadata()
	md := arrow.NewMetadata(keys, values)
	s.schema = arrow.NewSchema(batch.Schema().Fields(), &md)

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.Create(s.path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	s.file = file

	writer, err := pqarrow.NewFileWriter(s.schema, file, s.writerProperties(batch.Columns),
		pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema()))
	if err != nil {
		file.Close()
		s.file = nil
		return fmt.Errorf("failed to create Parquet writer: %w", err)
	}
	s.writer = writer
	s.rows = 0
	s.batches = 0
	return nil
}

func (s *ParquetSink) writerProperties(columns []schema.Column) *parquet.WriterProperties {
	opts := []parquet.WriterProperty{
		parquet.WithCompression(getCompression(s.opts.Compression)),
		parquet.WithDictionaryDefault(false),
		parquet.WithStats(s.opts.Statistics),
		parquet.WithCreatedBy("ncload " + Version),
	}
	if s.opts.RowGroupLength > 0 {
		opts = append(opts, parquet.WithMaxRowGroupLength(s.opts.RowGroupLength))
	}
	if s.opts.DictionaryEncoding {
		for _, c := range columns {
			if c.Type == schema.TypeCategorical {
				opts = append(opts, parquet.WithDictionaryFor(c.Name, true))
			}
		}
	}
	return parquet.NewWriterProperties(opts...)
}

// metadata returns sorted key/value pairs for the file footer.
func (s *ParquetSink) metadata() ([]string, []string) {
	kv := map[string]string{
		MetaVersion:   Version,
		MetaCreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range s.opts.Metadata {
		kv[k] = v
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = kv[k]
	}
	return keys, values
}

// Write implements core.Sink.
func (s *ParquetSink) Write(ctx context.Context, batch *core.RowBatch, first bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	defer func() { s.elapsed += time.Since(start) }()

	if first {
		if err := s.open(batch); err != nil {
			return ncerrors.SinkWrite(err, s.Name()).WithContext("path", s.path)
		}
	}
	if s.writer == nil {
		return ncerrors.New(ncerrors.CodeSinkWrite, "sink not open").WithContext("sink", s.Name())
	}

	if err := s.writer.Write(batch.Record); err != nil {
		return ncerrors.SinkWrite(fmt.Errorf("failed to write row group: %w", err), s.Name()).
			WithContext("path", s.path)
	}

	s.rows += batch.NumRows()
	s.batches++
	return nil
}

// Close writes the footer and closes the file.
func (s *ParquetSink) Close(ctx context.Context) (*core.SinkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer != nil {
		err := s.writer.Close()
		s.writer = nil
		if s.file != nil {
			// already closed by the writer when it owns the file
			_ = s.file.Close()
			s.file = nil
		}
		if err != nil {
			return nil, ncerrors.SinkWrite(fmt.Errorf("failed to close writer: %w", err), s.Name()).
				WithContext("path", s.path)
		}
	}

	var size int64
	if s.batches > 0 {
		if info, err := os.Stat(s.path); err == nil {
			size = info.Size()
		}
	}

	return &core.SinkResult{
		Sink:           s.Name(),
		Path:           s.path,
		RowsWritten:    s.rows,
		BatchesWritten: s.batches,
		BytesWritten:   size,
		Duration:       s.elapsed,
	}, nil
}

// Abort finalizes the footer over the row groups already written, leaving
// a readable prefix of the dataset.
func (s *ParquetSink) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abortLocked()
}

func (s *ParquetSink) abortLocked() error {
	var err error
	if s.writer != nil {
		err = s.writer.Close()
		s.writer = nil
	}
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	return err
}

// getCompression converts compression enum to Parquet codec.
func getCompression(c core.Compression) compress.Compression {
	switch c {
	case core.CompressionSnappy:
		return compress.Codecs.Snappy
	case core.CompressionGzip:
		return compress.Codecs.Gzip
	case core.CompressionLZ4:
		return compress.Codecs.Lz4
	case core.CompressionZstd:
		return compress.Codecs.Zstd
	case core.CompressionBrotli:
		return compress.Codecs.Brotli
	default:
		return compress.Codecs.Uncompressed
	}
}
