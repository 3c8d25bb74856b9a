package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	ncerrors "github.com/ncload/ncload/pkg/errors"
	"github.com/ncload/ncload/pkg/ingest/core"
	"github.com/ncload/ncload/pkg/ingest/decoders"
	"github.com/ncload/ncload/pkg/logging"
	"github.com/ncload/ncload/pkg/metrics"
	"github.com/ncload/ncload/pkg/schema"
	"github.com/ncload/ncload/pkg/storage/relational"
)

func testRegistry(t *testing.T, names ...string) *schema.Registry {
	t.Helper()
	var datasets []schema.Dataset
	for _, n := range names {
		datasets = append(datasets, schema.Dataset{
			Name:      n,
			File:      n + ".txt",
			Separator: '\t',
			Encoding:  "UTF-8",
			Schema: schema.Schema{
				DateFormat: schema.DefaultDateFormat,
				Columns: []schema.Column{
					{Name: "id", Type: schema.TypeInteger},
					{Name: "county", Type: schema.TypeCategorical},
					{Name: "name", Type: schema.TypeText},
					{Name: "voted", Type: schema.TypeDate},
				},
			},
		})
	}
	reg, err := schema.NewRegistry(datasets...)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	return reg
}

// writeSource writes n data rows for dataset name. extra lines are appended
// verbatim after the generated rows.
func writeSource(t *testing.T, dir, name string, n int, extra ...string) {
	t.Helper()
	var sb strings.Builder
	sb.WriteString("id\tcounty\tname\tvoted\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, "%d\tWAKE\tvoter %d\t%02d/%02d/2024\n", i, i, i%12+1, i%28+1)
	}
	for _, l := range extra {
		sb.WriteString(l)
		sb.WriteString("\n")
	}
	if err := os.WriteFile(filepath.Join(dir, name+".txt"), []byte(sb.String()), 0644); err != nil {
		t.Fatal(err)
	}
}

func openStore(t *testing.T, path string) *relational.Store {
	t.Helper()
	store, err := relational.Open(context.Background(), relational.Config{
		Driver: relational.DriverSQLite,
		Path:   path,
	})
	if err != nil {
		t.Fatalf("Open store failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testOptions(dir string) Options {
	reader := core.DefaultReaderOptions()
	reader.ChunkSize = 10
	sink := core.DefaultSinkOptions()
	sink.RowGroupLength = 10
	return Options{
		DataDir:    dir,
		OutputDir:  dir,
		Relational: true,
		Columnar:   true,
		Estimate:   true,
		RunID:      "test-run",
		Reader:     reader,
		Sink:       sink,
	}
}

type recordingProgress struct {
	begins   []int64
	reports  []int64
	ends     []error
	onReport func(processed int64)
}

func (p *recordingProgress) Begin(dataset string, total int64) { p.begins = append(p.begins, total) }
func (p *recordingProgress) End(err error)                     { p.ends = append(p.ends, err) }

func (p *recordingProgress) Report(processed, total int64) {
	p.reports = append(p.reports, processed)
	if p.onReport != nil {
		p.onReport(processed)
	}
}

type recordingSink struct {
	mu      sync.Mutex
	name    string
	failAt  int
	writes  []int64
	firsts  []bool
	aborted bool
	closed  bool
}

func newRecordingSink(name string) *recordingSink {
	return &recordingSink{name: name, failAt: -1}
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Write(ctx context.Context, batch *core.RowBatch, first bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if batch.Index == s.failAt {
		return ncerrors.SinkWrite(errors.New("disk full"), s.name)
	}
	s.writes = append(s.writes, batch.NumRows())
	s.firsts = append(s.firsts, first)
	return nil
}

func (s *recordingSink) Close(ctx context.Context) (*core.SinkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	var rows int64
	for _, n := range s.writes {
		rows += n
	}
	return &core.SinkResult{Sink: s.name, RowsWritten: rows, BatchesWritten: len(s.writes)}, nil
}

func (s *recordingSink) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
	return nil
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateNotStarted, StateEstimating, true},
		{StateEstimating, StateStreaming, true},
		{StateStreaming, StateCompleted, true},
		{StateEstimating, StateFailed, true},
		{StateStreaming, StateFailed, true},
		{StateNotStarted, StateStreaming, false},
		{StateCompleted, StateFailed, false},
		{StateFailed, StateStreaming, false},
	}
	for _, tt := range tests {
		if got := canTransition(tt.from, tt.to); got != tt.ok {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
	if !StateCompleted.Terminal() || !StateFailed.Terminal() || StateStreaming.Terminal() {
		t.Error("Unexpected Terminal() results")
	}
}

func TestRunEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("large source")
	}
	ctx := context.Background()
	dir := t.TempDir()
	writeSource(t, dir, "hist", 250000)
	store := openStore(t, filepath.Join(dir, "nc.db"))

	opts := testOptions(dir)
	opts.Reader.ChunkSize = 100000
	opts.Sink.RowGroupLength = 100000

	progress := &recordingProgress{}
	o := New(opts, testRegistry(t, "hist"), store,
		WithProgress(progress), WithLogger(logging.Discard()))

	results, err := o.Run(ctx, []string{"hist"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Expected 1 result, got %d", len(results))
	}
	res := results[0]
	if res.State != StateCompleted {
		t.Errorf("Expected completed, got %s", res.State)
	}
	if res.Estimated != 250000 || res.Rows != 250000 || res.Batches != 3 {
		t.Errorf("Expected 250000/250000 rows in 3 batches, got estimated=%d rows=%d batches=%d",
			res.Estimated, res.Rows, res.Batches)
	}

	wantReports := []int64{100000, 200000, 250000}
	if len(progress.reports) != len(wantReports) {
		t.Fatalf("Expected %d progress reports, got %v", len(wantReports), progress.reports)
	}
	for i, want := range wantReports {
		if progress.reports[i] != want {
			t.Errorf("Report %d = %d, want %d", i, progress.reports[i], want)
		}
	}
	if len(progress.begins) != 1 || progress.begins[0] != 250000 {
		t.Errorf("Expected Begin with total 250000, got %v", progress.begins)
	}

	n, err := store.CountRows(ctx, "hist")
	if err != nil {
		t.Fatal(err)
	}
	if n != 250000 {
		t.Errorf("Expected 250000 rows in table, got %d", n)
	}

	info, err := decoders.InspectParquet(ctx, filepath.Join(dir, "hist.parquet"))
	if err != nil {
		t.Fatalf("InspectParquet failed: %v", err)
	}
	if info.Rows != 250000 {
		t.Errorf("Expected 250000 Parquet rows, got %d", info.Rows)
	}
	wantGroups := []int64{100000, 100000, 50000}
	if len(info.RowGroups) != len(wantGroups) {
		t.Fatalf("Expected row groups %v, got %v", wantGroups, info.RowGroups)
	}
	for i, want := range wantGroups {
		if info.RowGroups[i] != want {
			t.Errorf("Row group %d = %d, want %d", i, info.RowGroups[i], want)
		}
	}
	if info.Metadata["ncload.dataset"] != "hist" || info.Metadata["ncload.run_id"] != "test-run" {
		t.Errorf("Unexpected Parquet metadata %v", info.Metadata)
	}
	if info.Metadata["ncload.source_xxh3"] != res.Checksum || res.Checksum == "" {
		t.Errorf("Expected source checksum %q in metadata, got %v", res.Checksum, info.Metadata)
	}
}

func TestRunMalformedDateCompletes(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeSource(t, dir, "hist", 25, "99\tDURHAM\tbad date\t13/45/2024")
	store := openStore(t, filepath.Join(dir, "nc.db"))

	o := New(testOptions(dir), testRegistry(t, "hist"), store, WithLogger(logging.Discard()))
	results, err := o.Run(ctx, []string{"hist"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	res := results[0]
	if res.State != StateCompleted {
		t.Fatalf("Expected completed, got %s (%v)", res.State, res.Err)
	}
	if res.Rows != 26 || res.ParseErrors != 1 {
		t.Errorf("Expected 26 rows and 1 parse error, got %d and %d", res.Rows, res.ParseErrors)
	}

	var name string
	row := store.DB().QueryRowContext(ctx, `SELECT "name" FROM "hist" WHERE "voted" IS NULL`)
	if err := row.Scan(&name); err != nil {
		t.Fatalf("Expected one row with a NULL date: %v", err)
	}
	if name != "bad date" {
		t.Errorf("Expected other fields intact, got name %q", name)
	}
}

func TestRunFailingSinkContinues(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeSource(t, dir, "a", 35)
	writeSource(t, dir, "b", 15)

	created := map[string]*recordingSink{}
	factory := func(ds schema.Dataset, meta map[string]string) ([]core.Sink, error) {
		s := newRecordingSink("mem")
		if ds.Name == "a" {
			s.failAt = 2
		}
		created[ds.Name] = s
		return []core.Sink{s}, nil
	}

	opts := testOptions(dir)
	opts.Relational = false
	o := New(opts, testRegistry(t, "a", "b"), nil,
		WithSinkFactory(factory), WithLogger(logging.Discard()))

	results, err := o.Run(ctx, []string{"a", "b"})
	if err == nil {
		t.Fatal("Expected run error")
	}
	if !ncerrors.IsSinkWrite(err) {
		t.Errorf("Expected SinkWriteError, got %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}

	a := results[0]
	if a.State != StateFailed {
		t.Errorf("Expected a to fail, got %s", a.State)
	}
	if a.Rows != 20 || a.Batches != 2 {
		t.Errorf("Expected 20 rows in 2 batches before failure, got %d in %d", a.Rows, a.Batches)
	}
	msg := a.Err.Error()
	for _, want := range []string{"dataset=a", "batch=2", "rows=20"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Expected error to contain %q, got %q", want, msg)
		}
	}
	if !created["a"].aborted || created["a"].closed {
		t.Error("Expected failed dataset's sink to be aborted, not closed")
	}

	b := results[1]
	if b.State != StateCompleted || b.Rows != 15 {
		t.Errorf("Expected b completed with 15 rows, got %s with %d", b.State, b.Rows)
	}
	if !created["b"].closed {
		t.Error("Expected b's sink to be closed")
	}
}

type countingMetrics struct {
	mu       sync.Mutex
	counters map[string]float64
}

func (m *countingMetrics) IncCounter(name string, delta float64, labels metrics.Labels) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name+"/"+labels["dataset"]+"/"+labels["state"]+labels["kind"]] += delta
}

func (m *countingMetrics) ObserveDuration(string, float64, metrics.Labels) {}
func (m *countingMetrics) Flush() error                                    { return nil }

func TestRunRecordsMetrics(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "a", 35)
	writeSource(t, dir, "b", 5)

	factory := func(ds schema.Dataset, meta map[string]string) ([]core.Sink, error) {
		s := newRecordingSink("mem")
		if ds.Name == "b" {
			s.failAt = 0
		}
		return []core.Sink{s}, nil
	}
	m := &countingMetrics{counters: map[string]float64{}}
	opts := testOptions(dir)
	opts.Relational = false
	o := New(opts, testRegistry(t, "a", "b"), nil,
		WithSinkFactory(factory), WithMetrics(m), WithLogger(logging.Discard()))

	if _, err := o.Run(context.Background(), []string{"a", "b"}); err == nil {
		t.Fatal("Expected error from b")
	}

	want := map[string]float64{
		metrics.DatasetsTotal + "/a/completed": 1,
		metrics.RowsTotal + "/a/loaded":        35,
		metrics.BatchesTotal + "/a/":           4,
		metrics.DatasetsTotal + "/b/failed":    1,
	}
	for k, v := range want {
		if m.counters[k] != v {
			t.Errorf("counter %s = %v, want %v", k, m.counters[k], v)
		}
	}
	if _, ok := m.counters[metrics.RowsTotal+"/b/loaded"]; ok {
		t.Error("Expected no loaded rows for b")
	}
}

func TestRunFailFast(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "a", 5)
	writeSource(t, dir, "b", 5)

	factory := func(ds schema.Dataset, meta map[string]string) ([]core.Sink, error) {
		s := newRecordingSink("mem")
		s.failAt = 0
		return []core.Sink{s}, nil
	}
	opts := testOptions(dir)
	opts.Relational = false
	opts.FailFast = true
	o := New(opts, testRegistry(t, "a", "b"), nil,
		WithSinkFactory(factory), WithLogger(logging.Discard()))

	results, err := o.Run(context.Background(), []string{"a", "b"})
	if err == nil {
		t.Fatal("Expected error")
	}
	if len(results) != 1 {
		t.Errorf("Expected run to stop after first dataset, got %d results", len(results))
	}
}

func TestRunUnknownDatasetBeforeIO(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "a", 5)

	calls := 0
	factory := func(ds schema.Dataset, meta map[string]string) ([]core.Sink, error) {
		calls++
		return nil, nil
	}
	opts := testOptions(dir)
	opts.Relational = false
	o := New(opts, testRegistry(t, "a"), nil,
		WithSinkFactory(factory), WithLogger(logging.Discard()))

	results, err := o.Run(context.Background(), []string{"a", "nope"})
	if !ncerrors.IsConfig(err) {
		t.Fatalf("Expected ConfigError, got %v", err)
	}
	if !ncerrors.IsCode(err, ncerrors.CodeUnknownDataset) {
		t.Errorf("Expected UnknownDataset code, got %v", err)
	}
	if results != nil || calls != 0 {
		t.Errorf("Expected no dataset to start, got %d results and %d sink builds", len(results), calls)
	}

	if _, err := o.Run(context.Background(), nil); !ncerrors.IsConfig(err) {
		t.Errorf("Expected ConfigError for empty selection, got %v", err)
	}
}

func TestRunRelationalWithoutStore(t *testing.T) {
	dir := t.TempDir()
	o := New(testOptions(dir), testRegistry(t, "a"), nil, WithLogger(logging.Discard()))
	if _, err := o.Run(context.Background(), []string{"a"}); !ncerrors.IsConfig(err) {
		t.Errorf("Expected ConfigError, got %v", err)
	}
}

func TestRunCanceledBetweenBatches(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "a", 50)
	writeSource(t, dir, "b", 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := newRecordingSink("mem")
	factory := func(ds schema.Dataset, meta map[string]string) ([]core.Sink, error) {
		return []core.Sink{sink}, nil
	}
	progress := &recordingProgress{onReport: func(int64) { cancel() }}

	opts := testOptions(dir)
	opts.Relational = false
	o := New(opts, testRegistry(t, "a", "b"), nil,
		WithSinkFactory(factory), WithProgress(progress), WithLogger(logging.Discard()))

	results, err := o.Run(ctx, []string{"a", "b"})
	if !ncerrors.IsCode(err, ncerrors.CodeCanceled) {
		t.Fatalf("Expected Canceled, got %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Expected run to stop at the canceled dataset, got %d results", len(results))
	}
	if results[0].Batches != 1 || results[0].Rows != 10 {
		t.Errorf("Expected exactly one complete batch, got %d batches and %d rows",
			results[0].Batches, results[0].Rows)
	}
	if len(sink.writes) != 1 || !sink.aborted {
		t.Errorf("Expected one write then abort, got writes=%v aborted=%v", sink.writes, sink.aborted)
	}
	if len(progress.ends) != 1 || progress.ends[0] == nil {
		t.Errorf("Expected progress to end with an error, got %v", progress.ends)
	}
}

func TestRunMissingSource(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.Relational = false
	opts.Columnar = false
	o := New(opts, testRegistry(t, "a"), nil, WithLogger(logging.Discard()))

	results, err := o.Run(context.Background(), []string{"a"})
	if !ncerrors.IsIO(err) {
		t.Fatalf("Expected IOError, got %v", err)
	}
	if results[0].State != StateFailed || results[0].Estimated != -1 {
		t.Errorf("Expected failed during estimate, got %s estimated=%d", results[0].State, results[0].Estimated)
	}
}

func TestRunZeroRows(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeSource(t, dir, "a", 0)
	store := openStore(t, filepath.Join(dir, "nc.db"))

	o := New(testOptions(dir), testRegistry(t, "a"), store, WithLogger(logging.Discard()))
	results, err := o.Run(ctx, []string{"a"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if results[0].State != StateCompleted || results[0].Rows != 0 || results[0].Batches != 0 {
		t.Errorf("Expected empty completed dataset, got %+v", results[0])
	}
	if _, err := os.Stat(filepath.Join(dir, "a.parquet")); !os.IsNotExist(err) {
		t.Errorf("Expected no Parquet file for an empty source, got %v", err)
	}
}

func TestRunInitReplacesStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "nc.db")
	writeSource(t, dir, "a", 30)

	// First load leaves a populated store behind.
	old := openStore(t, dbPath)
	o := New(testOptions(dir), testRegistry(t, "a"), old, WithLogger(logging.Discard()))
	if _, err := o.Run(ctx, []string{"a"}); err != nil {
		t.Fatalf("First run failed: %v", err)
	}
	old.Close()

	writeSource(t, dir, "a", 12)
	now := time.Date(2024, 11, 5, 9, 30, 0, 0, time.UTC)
	bak, err := relational.Backup(dbPath, now)
	if err != nil {
		t.Fatalf("Backup failed: %v", err)
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "*.bak"))
	if len(matches) != 1 || matches[0] != bak {
		t.Fatalf("Expected exactly one backup %q, got %v", bak, matches)
	}

	store := openStore(t, dbPath)
	o = New(testOptions(dir), testRegistry(t, "a"), store, WithLogger(logging.Discard()))
	results, err := o.Run(ctx, []string{"a"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	n, err := store.CountRows(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if n != results[0].Estimated || n != 12 {
		t.Errorf("Expected fresh table with %d rows, got %d", results[0].Estimated, n)
	}
}

func TestResultSummary(t *testing.T) {
	r := Result{Dataset: "a", State: StateFailed, Rows: 7, Batches: 1, Err: errors.New("boom")}
	s := r.Summary()
	if s.Dataset != "a" || s.State != "failed" || s.Rows != 7 || s.Err == nil {
		t.Errorf("Unexpected summary %+v", s)
	}
}
