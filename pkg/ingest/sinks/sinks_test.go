package sinks

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet/file"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"

	ncerrors "github.com/ncload/ncload/pkg/errors"
	"github.com/ncload/ncload/pkg/ingest/core"
	"github.com/ncload/ncload/pkg/ingest/decoders"
	"github.com/ncload/ncload/pkg/schema"
	"github.com/ncload/ncload/pkg/storage/relational"
)

var testColumns = []schema.Column{
	{Name: "id", Type: schema.TypeInteger},
	{Name: "name", Type: schema.TypeText},
	{Name: "party", Type: schema.TypeCategorical},
	{Name: "registr_dt", Type: schema.TypeDate},
}

// makeBatch builds a batch of n rows starting at id offset. Every third row
// has a null date.
func makeBatch(index int, offset int64, n int) *core.RowBatch {
	alloc := memory.DefaultAllocator
	ids := array.NewInt64Builder(alloc)
	names := array.NewStringBuilder(alloc)
	parties := array.NewStringBuilder(alloc)
	dates := array.NewDate32Builder(alloc)
	defer ids.Release()
	defer names.Release()
	defer parties.Release()
	defer dates.Release()

	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		id := offset + int64(i)
		ids.Append(id)
		names.Append("voter")
		parties.Append([]string{"DEM", "REP", "UNA"}[id%3])
		if id%3 == 2 {
			dates.AppendNull()
		} else {
			dates.Append(arrow.Date32FromTime(base.AddDate(0, 0, int(id%365))))
		}
	}

	cols := []arrow.Array{ids.NewArray(), names.NewArray(), parties.NewArray(), dates.NewArray()}
	rec := array.NewRecord(core.ArrowSchema(testColumns, nil), cols, int64(n))
	for _, c := range cols {
		c.Release()
	}
	return core.NewRowBatch(rec, testColumns, index, offset)
}

func openStore(t *testing.T) *relational.Store {
	t.Helper()
	store, err := relational.Open(context.Background(), relational.Config{
		Driver: relational.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "ncdata.db"),
	})
	if err != nil {
		t.Fatalf("Open store failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLSink_ReplaceThenAppend(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	for run := 0; run < 2; run++ {
		sink := NewSQLSink(store, "voter_reg")
		for i, size := range []int{5, 5, 2} {
			b := makeBatch(i, int64(i*5), size)
			if err := sink.Write(ctx, b, i == 0); err != nil {
				t.Fatalf("Write batch %d failed: %v", i, err)
			}
			b.Release()
		}
		res, err := sink.Close(ctx)
		if err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		if res.RowsWritten != 12 || res.BatchesWritten != 3 {
			t.Errorf("Expected 12 rows in 3 batches, got %d in %d", res.RowsWritten, res.BatchesWritten)
		}

		n, err := store.CountRows(ctx, "voter_reg")
		if err != nil {
			t.Fatalf("CountRows failed: %v", err)
		}
		if n != 12 {
			t.Errorf("Run %d: expected 12 rows after replace, got %d", run, n)
		}
	}
}

func TestSQLSink_Values(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	sink := NewSQLSink(store, "hist")

	b := makeBatch(0, 0, 3)
	defer b.Release()
	if err := sink.Write(ctx, b, true); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	rows, err := store.DB().QueryContext(ctx, `SELECT "id", "party", "registr_dt" FROM "hist" ORDER BY "id"`)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	defer rows.Close()

	want := []struct {
		party string
		date  sql.NullString
	}{
		{"DEM", sql.NullString{String: "2020-01-01", Valid: true}},
		{"REP", sql.NullString{String: "2020-01-02", Valid: true}},
		{"UNA", sql.NullString{}},
	}
	i := 0
	for rows.Next() {
		var id int64
		var party string
		var date sql.NullString
		if err := rows.Scan(&id, &party, &date); err != nil {
			t.Fatal(err)
		}
		if party != want[i].party || date != want[i].date {
			t.Errorf("Row %d: expected %v %v, got %v %v", i, want[i].party, want[i].date, party, date)
		}
		i++
	}
	if i != 3 {
		t.Errorf("Expected 3 rows, got %d", i)
	}
}

func TestSQLSink_AppendBeforeFirst(t *testing.T) {
	sink := NewSQLSink(openStore(t), "x")
	b := makeBatch(0, 0, 1)
	defer b.Release()

	err := sink.Write(context.Background(), b, false)
	if !ncerrors.IsSinkWrite(err) {
		t.Errorf("Expected SinkWriteError, got %v", err)
	}
}

func TestSQLSink_FailedBatchRollsBack(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	sink := NewSQLSink(store, "t")

	b := makeBatch(0, 0, 4)
	if err := sink.Write(ctx, b, true); err != nil {
		t.Fatal(err)
	}
	b.Release()

	if _, err := store.DB().ExecContext(ctx, `DROP TABLE "t"`); err != nil {
		t.Fatal(err)
	}
	if _, err := store.DB().ExecContext(ctx, `CREATE TABLE "t" ("id" INTEGER)`); err != nil {
		t.Fatal(err)
	}

	b = makeBatch(1, 4, 4)
	defer b.Release()
	err := sink.Write(ctx, b, false)
	if !ncerrors.IsSinkWrite(err) {
		t.Fatalf("Expected SinkWriteError, got %v", err)
	}
	if n, _ := store.CountRows(ctx, "t"); n != 0 {
		t.Errorf("Expected failed batch to be rolled back, got %d rows", n)
	}
}

func TestParquetSink_RoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "out", "ncvoter_Statewide.parquet")

	opts := core.DefaultSinkOptions()
	opts.RowGroupLength = 5
	opts.Metadata = map[string]string{MetaDataset: "voter_reg", MetaRunID: "run-1"}
	sink := NewParquetSink(path, opts)

	sizes := []int{5, 5, 3}
	var offset int64
	for i, n := range sizes {
		b := makeBatch(i, offset, n)
		if err := sink.Write(ctx, b, i == 0); err != nil {
			t.Fatalf("Write batch %d failed: %v", i, err)
		}
		offset += int64(n)
		b.Release()
	}
	res, err := sink.Close(ctx)
	if err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if res.RowsWritten != 13 || res.BytesWritten == 0 {
		t.Errorf("Unexpected result %+v", res)
	}

	rdr, err := file.OpenParquetFile(path, false)
	if err != nil {
		t.Fatalf("OpenParquetFile failed: %v", err)
	}
	defer rdr.Close()

	if rdr.NumRowGroups() != len(sizes) {
		t.Errorf("Expected %d row groups, got %d", len(sizes), rdr.NumRowGroups())
	}
	for i, n := range sizes {
		if got := rdr.RowGroup(i).NumRows(); got != int64(n) {
			t.Errorf("Row group %d: expected %d rows, got %d", i, n, got)
		}
	}

	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	if err != nil {
		t.Fatal(err)
	}
	tbl, err := fr.ReadTable(ctx)
	if err != nil {
		t.Fatalf("ReadTable failed: %v", err)
	}
	defer tbl.Release()

	if tbl.NumRows() != 13 {
		t.Errorf("Expected 13 rows, got %d", tbl.NumRows())
	}
	if !arrow.TypeEqual(tbl.Schema().Field(3).Type, arrow.FixedWidthTypes.Date32) {
		t.Errorf("Expected date32 column, got %s", tbl.Schema().Field(3).Type)
	}

	ids, at := cellAt(tbl.Column(0).Data(), 10)
	if v := ids.(*array.Int64).Value(at); v != 10 {
		t.Errorf("Expected row 10 to have id 10, got %d", v)
	}
	dates, at := cellAt(tbl.Column(3).Data(), 1)
	if got := dates.(*array.Date32).Value(at).ToTime().Format(schema.CanonicalDateLayout); got != "2020-01-02" {
		t.Errorf("Expected 2020-01-02, got %s", got)
	}
	if dates, at := cellAt(tbl.Column(3).Data(), 2); !dates.IsNull(at) {
		t.Error("Expected null date to survive the round trip")
	}

	info, err := decoders.InspectParquet(ctx, path)
	if err != nil {
		t.Fatalf("InspectParquet failed: %v", err)
	}
	if info.Rows != 13 || len(info.RowGroups) != 3 {
		t.Errorf("Unexpected inspect result %+v", info)
	}
	if info.Metadata[MetaDataset] != "voter_reg" || info.Metadata[MetaRunID] != "run-1" {
		t.Errorf("Expected lineage metadata, got %v", info.Metadata)
	}
	if info.Metadata[MetaVersion] != Version {
		t.Errorf("Expected version metadata, got %v", info.Metadata)
	}

	rg := rdr.RowGroup(0).MetaData()
	for i, want := range []bool{false, false, true, false} {
		cc, err := rg.ColumnChunk(i)
		if err != nil {
			t.Fatalf("ColumnChunk(%d) failed: %v", i, err)
		}
		if got := cc.HasDictionaryPage(); got != want {
			t.Errorf("Column %s: expected dictionary page %v, got %v", testColumns[i].Name, want, got)
		}
	}
}

func TestParquetSink_CloseWithoutBatches(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stale.parquet")
	if err := os.WriteFile(path, []byte("left over from an earlier run"), 0644); err != nil {
		t.Fatal(err)
	}

	sink := NewParquetSink(path, core.DefaultSinkOptions())
	res, err := sink.Close(context.Background())
	if err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if res.BatchesWritten != 0 || res.RowsWritten != 0 || res.BytesWritten != 0 {
		t.Errorf("Expected an empty result, got %+v", res)
	}
	if data, _ := os.ReadFile(path); string(data) != "left over from an earlier run" {
		t.Error("Expected existing file to be left untouched")
	}
}

func TestParquetSink_FirstTruncates(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "a.parquet")

	for run := 0; run < 2; run++ {
		sink := NewParquetSink(path, core.DefaultSinkOptions())
		b := makeBatch(0, 0, 4)
		if err := sink.Write(ctx, b, true); err != nil {
			t.Fatal(err)
		}
		b.Release()
		if _, err := sink.Close(ctx); err != nil {
			t.Fatal(err)
		}
	}

	info, err := decoders.InspectParquet(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Rows != 4 {
		t.Errorf("Expected second run to replace the file, got %d rows", info.Rows)
	}
}

func TestParquetSink_AbortLeavesReadablePrefix(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "partial.parquet")
	sink := NewParquetSink(path, core.DefaultSinkOptions())

	for i := 0; i < 2; i++ {
		b := makeBatch(i, int64(i*3), 3)
		if err := sink.Write(ctx, b, i == 0); err != nil {
			t.Fatal(err)
		}
		b.Release()
	}
	if err := sink.Abort(); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}

	info, err := decoders.InspectParquet(ctx, path)
	if err != nil {
		t.Fatalf("Expected readable file after abort: %v", err)
	}
	if info.Rows != 6 || len(info.RowGroups) != 2 {
		t.Errorf("Expected 6 rows in 2 row groups, got %d in %d", info.Rows, len(info.RowGroups))
	}
}

func TestParquetSink_WriteBeforeFirst(t *testing.T) {
	sink := NewParquetSink(filepath.Join(t.TempDir(), "x.parquet"), core.DefaultSinkOptions())
	b := makeBatch(0, 0, 1)
	defer b.Release()
	if err := sink.Write(context.Background(), b, false); !ncerrors.IsSinkWrite(err) {
		t.Errorf("Expected SinkWriteError, got %v", err)
	}
}

func TestGetCompression(t *testing.T) {
	for _, name := range []string{"snappy", "gzip", "lz4", "zstd", "brotli", "none"} {
		c, ok := core.ParseCompression(name)
		if !ok {
			t.Errorf("ParseCompression(%q) not ok", name)
		}
		if c.String() != name {
			t.Errorf("Expected %q, got %q", name, c.String())
		}
		_ = getCompression(c)
	}
	if _, ok := core.ParseCompression("rar"); ok {
		t.Error("Expected unknown compression to be rejected")
	}
}

// cellAt locates row i of a chunked column.
func cellAt(c *arrow.Chunked, i int) (arrow.Array, int) {
	for _, chunk := range c.Chunks() {
		if i < chunk.Len() {
			return chunk, i
		}
		i -= chunk.Len()
	}
	panic("row out of range")
}
