package core

import (
	"context"
	"strings"
	"time"
)

// Sink durably persists row batches of one dataset.
//
// Write is called once per batch in order. first is true for batch 0 only:
// the sink replaces any prior contents on first and appends afterwards.
// Close finalizes after the last batch; Abort releases resources after a
// failure and leaves whatever prefix was already written.
type Sink interface {
	Name() string
	Write(ctx context.Context, batch *RowBatch, first bool) error
	Close(ctx context.Context) (*SinkResult, error)
	Abort() error
}

// SinkOptions configures sink behavior.
type SinkOptions struct {
	// Compression algorithm for columnar output.
	Compression Compression

	// RowGroupLength caps rows per Parquet row group. Zero keeps the writer
	// default.
	RowGroupLength int64

	// DictionaryEncoding enables dictionary pages for categorical columns.
	DictionaryEncoding bool

	// Statistics enables writing column statistics.
	Statistics bool

	// Metadata is written into the output file's key/value metadata.
	Metadata map[string]string
}

// DefaultSinkOptions returns sensible defaults.
func DefaultSinkOptions() SinkOptions {
	return SinkOptions{
		Compression:        CompressionSnappy,
		DictionaryEncoding: true,
		Statistics:         true,
	}
}

// SinkResult contains the outcome of sink operations.
type SinkResult struct {
	// Sink name.
	Sink string

	// Path or table written.
	Path string

	// RowsWritten total.
	RowsWritten int64

	// BatchesWritten total.
	BatchesWritten int

	// BytesWritten total, when known.
	BytesWritten int64

	// Duration of write operations.
	Duration time.Duration
}

// Compression represents compression algorithms.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionSnappy
	CompressionGzip
	CompressionLZ4
	CompressionZstd
	CompressionBrotli
)

var compressionNames = []string{"none", "snappy", "gzip", "lz4", "zstd", "brotli"}

func (c Compression) String() string {
	if int(c) < len(compressionNames) {
		return compressionNames[c]
	}
	return "unknown"
}

// ParseCompression parses a compression name. ok is false for unknown names.
func ParseCompression(s string) (c Compression, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "snappy", "":
		return CompressionSnappy, true
	case "gzip":
		return CompressionGzip, true
	case "lz4":
		return CompressionLZ4, true
	case "zstd":
		return CompressionZstd, true
	case "brotli":
		return CompressionBrotli, true
	case "none", "uncompressed":
		return CompressionNone, true
	default:
		return CompressionSnappy, false
	}
}
