package decoders

import (
	"context"
	"strings"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet/file"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"

	ncerrors "github.com/ncload/ncload/pkg/errors"
)

// ParquetInfo describes the structure of a Parquet file.
type ParquetInfo struct {
	Path      string
	Rows      int64
	RowGroups []int64
	Schema    *arrow.Schema
	Metadata  map[string]string
	CreatedBy string
}

// InspectParquet reads the footer of a Parquet file: its Arrow schema, key
// value metadata and the row count of every row group. No data pages are
// read.
func InspectParquet(ctx context.Context, path string) (*ParquetInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, ncerrors.Canceled(err)
	}

	pqReader, err := file.OpenParquetFile(path, false)
	if err != nil {
		return nil, ncerrors.IO(err, path)
	}
	defer pqReader.Close()

	arrowReader, err := pqarrow.NewFileReader(pqReader, pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	if err != nil {
		return nil, ncerrors.Wrap(err, ncerrors.CodeIO, "unreadable parquet footer").WithContext("path", path)
	}
	schema, err := arrowReader.Schema()
	if err != nil {
		return nil, ncerrors.Wrap(err, ncerrors.CodeIO, "unreadable parquet schema").WithContext("path", path)
	}

	info := &ParquetInfo{
		Path:      path,
		Rows:      pqReader.NumRows(),
		RowGroups: make([]int64, pqReader.NumRowGroups()),
		Schema:    schema,
		Metadata:  make(map[string]string),
		CreatedBy: pqReader.MetaData().GetCreatedBy(),
	}
	for i := range info.RowGroups {
		info.RowGroups[i] = pqReader.RowGroup(i).NumRows()
	}

	md := schema.Metadata()
	for i, k := range md.Keys() {
		if strings.HasPrefix(k, "ARROW:") {
			continue
		}
		info.Metadata[k] = md.Values()[i]
	}

	return info, nil
}
