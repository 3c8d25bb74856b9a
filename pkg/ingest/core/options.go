package core

import (
	"log/slog"

	"github.com/ncload/ncload/pkg/schema"
)

// DefaultChunkSize is the number of rows per batch.
const DefaultChunkSize = 100000

// ReaderOptions configures the streaming reader.
type ReaderOptions struct {
	// ChunkSize is the maximum number of rows per batch.
	ChunkSize int

	// ParseErrors decides what a non-date coercion failure does.
	ParseErrors schema.ParseErrorPolicy

	// UnknownColumns decides what source columns missing from the schema do.
	UnknownColumns schema.UnknownColumnPolicy

	// Logger receives warnings. Nil uses the logger carried by the context.
	Logger *slog.Logger
}

// DefaultReaderOptions returns sensible defaults.
func DefaultReaderOptions() ReaderOptions {
	return ReaderOptions{
		ChunkSize:      DefaultChunkSize,
		ParseErrors:    schema.ParseErrorNull,
		UnknownColumns: schema.UnknownIgnore,
	}
}

// WithDefaults fills zero values.
func (o ReaderOptions) WithDefaults() ReaderOptions {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	return o
}
