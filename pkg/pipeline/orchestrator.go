// Package pipeline drives datasets from source file to sinks: estimate,
// stream batches, fan each batch out to every enabled sink, and finalize.
package pipeline

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ncload/ncload/pkg/config"
	ncerrors "github.com/ncload/ncload/pkg/errors"
	"github.com/ncload/ncload/pkg/ingest/core"
	"github.com/ncload/ncload/pkg/ingest/decoders"
	"github.com/ncload/ncload/pkg/ingest/sinks"
	"github.com/ncload/ncload/pkg/logging"
	"github.com/ncload/ncload/pkg/metrics"
	"github.com/ncload/ncload/pkg/schema"
	"github.com/ncload/ncload/pkg/storage/relational"
	"github.com/ncload/ncload/pkg/telemetry"
	"github.com/ncload/ncload/pkg/tui"
)

// Options controls a run.
type Options struct {
	DataDir   string
	OutputDir string

	// Relational and Columnar enable the two sinks.
	Relational bool
	Columnar   bool

	// Estimate counts rows before streaming, for progress totals.
	Estimate bool

	// FailFast stops the run at the first failed dataset.
	FailFast bool

	// Files overrides the source file name per dataset.
	Files map[string]string

	// RunID tags logs and Parquet metadata.
	RunID string

	Reader core.ReaderOptions
	Sink   core.SinkOptions
}

// OptionsFromConfig derives run options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config, runID string) Options {
	return Options{
		DataDir:    cfg.DataDir,
		OutputDir:  cfg.OutputDir,
		Relational: cfg.Sinks.Relational,
		Columnar:   cfg.Sinks.Columnar,
		Estimate:   cfg.Estimate,
		FailFast:   cfg.FailFast,
		Files:      cfg.Files,
		RunID:      runID,
		Reader:     cfg.ReaderOptions(),
		Sink:       cfg.SinkOptions(),
	}
}

// SinkFactory builds the sinks one dataset is written to. meta holds
// lineage gathered before streaming (run id, source fingerprint).
type SinkFactory func(ds schema.Dataset, meta map[string]string) ([]core.Sink, error)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithProgress sets the progress tracker.
func WithProgress(p tui.Progress) Option {
	return func(o *Orchestrator) { o.progress = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics sets the backend finished datasets are recorded to.
func WithMetrics(b metrics.Backend) Option {
	return func(o *Orchestrator) { o.metrics = b }
}

// WithClock overrides time.Now for durations.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSinkFactory replaces the sinks built from Options.
func WithSinkFactory(f SinkFactory) Option {
	return func(o *Orchestrator) { o.newSinks = f }
}

// Result is the outcome of one dataset.
type Result struct {
	Dataset     string
	State       State
	Estimated   int64 // -1 when not estimated
	Checksum    string
	Rows        int64
	Batches     int
	ParseErrors int64
	Duration    time.Duration
	Sinks       []*core.SinkResult
	Err         error
}

// Summary converts the result to a summary line.
func (r Result) Summary() tui.DatasetSummary {
	return tui.DatasetSummary{
		Dataset:     r.Dataset,
		State:       r.State.String(),
		Estimated:   r.Estimated,
		Rows:        r.Rows,
		Batches:     r.Batches,
		ParseErrors: r.ParseErrors,
		Duration:    r.Duration,
		Err:         r.Err,
	}
}

// Orchestrator runs datasets one at a time. It is not safe for concurrent
// use: the relational store is shared across datasets.
type Orchestrator struct {
	opts     Options
	registry *schema.Registry
	store    *relational.Store
	progress tui.Progress
	logger   *slog.Logger
	metrics  metrics.Backend
	now      func() time.Time
	newSinks SinkFactory
}

// New creates an orchestrator. store may be nil when the relational sink
// is disabled.
func New(opts Options, reg *schema.Registry, store *relational.Store, options ...Option) *Orchestrator {
	o := &Orchestrator{
		opts:     opts,
		registry: reg,
		store:    store,
		progress: tui.Nop(),
		logger:   slog.Default(),
		metrics:  metrics.Nop(),
		now:      time.Now,
	}
	o.newSinks = o.defaultSinks
	for _, opt := range options {
		opt(o)
	}
	return o
}

// Run resolves every name, then runs the datasets in order. Any ConfigError
// is returned before a file is touched. A failed dataset does not stop the
// ones after it unless FailFast is set or the run was canceled. The error
// collects every failed dataset.
func (o *Orchestrator) Run(ctx context.Context, names []string) ([]Result, error) {
	datasets, err := o.resolve(names)
	if err != nil {
		return nil, err
	}

	var errs ncerrors.MultiError
	results := make([]Result, 0, len(datasets))
	for _, ds := range datasets {
		res := o.RunDataset(ctx, ds)
		results = append(results, res)
		if res.Err == nil {
			continue
		}
		errs.Add(res.Err)
		if o.opts.FailFast || ncerrors.IsCode(res.Err, ncerrors.CodeCanceled) {
			break
		}
	}
	return results, errs.Combined()
}

func (o *Orchestrator) resolve(names []string) ([]schema.Dataset, error) {
	datasets, err := Resolve(o.registry, o.opts.Files, names)
	if err != nil {
		return nil, err
	}
	if o.opts.Relational && o.store == nil {
		return nil, ncerrors.InvalidConfig("store", "", "relational sink enabled without a store")
	}
	return datasets, nil
}

// Resolve looks up every selected name, applies file overrides and checks
// encodings and date formats. Duplicate names are dropped. It touches no
// files, so a selection can be validated before anything is modified.
func Resolve(reg *schema.Registry, files map[string]string, names []string) ([]schema.Dataset, error) {
	if len(names) == 0 {
		return nil, ncerrors.InvalidConfig("datasets", "", "no datasets selected")
	}

	seen := make(map[string]bool, len(names))
	var out []schema.Dataset
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true

		ds, err := lookup(reg, files, name)
		if err != nil {
			return nil, err
		}
		if _, err := decoders.LookupEncoding(ds.Encoding); err != nil {
			return nil, ncerrors.Annotate(err, "dataset", name)
		}
		if len(ds.Schema.DateColumns()) > 0 {
			if _, err := schema.NewDateParser(ds.Schema.DateFormat); err != nil {
				return nil, ncerrors.Annotate(err, "dataset", name)
			}
		}
		out = append(out, ds)
	}
	return out, nil
}

func lookup(reg *schema.Registry, files map[string]string, name string) (schema.Dataset, error) {
	ds, err := reg.Dataset(name)
	if err != nil {
		return schema.Dataset{}, err
	}
	if f, ok := files[name]; ok && f != "" {
		ds.File = f
	}
	return ds, nil
}

// Dataset returns the registered dataset with any file override applied.
func (o *Orchestrator) Dataset(name string) (schema.Dataset, error) {
	return lookup(o.registry, o.opts.Files, name)
}

// SourcePath returns the file a dataset is read from.
func (o *Orchestrator) SourcePath(ds schema.Dataset) string {
	return ds.SourcePath(o.opts.DataDir)
}

func (o *Orchestrator) defaultSinks(ds schema.Dataset, meta map[string]string) ([]core.Sink, error) {
	var out []core.Sink
	if o.opts.Relational {
		if o.store == nil {
			return nil, ncerrors.InvalidConfig("store", "", "relational sink enabled without a store")
		}
		out = append(out, sinks.NewSQLSink(o.store, ds.TableName()))
	}
	if o.opts.Columnar {
		so := o.opts.Sink
		so.Metadata = make(map[string]string, len(o.opts.Sink.Metadata)+len(meta))
		for k, v := range o.opts.Sink.Metadata {
			so.Metadata[k] = v
		}
		for k, v := range meta {
			so.Metadata[k] = v
		}
		out = append(out, sinks.NewParquetSink(filepath.Join(o.opts.OutputDir, ds.ParquetName()), so))
	}
	return out, nil
}

// datasetRun carries the mutable state of one RunDataset call.
type datasetRun struct {
	res   Result
	log   *slog.Logger
	start time.Time
}

func (o *Orchestrator) transition(r *datasetRun, to State) {
	if !canTransition(r.res.State, to) {
		r.log.Error("invalid state transition", "from", r.res.State, "to", to)
		return
	}
	r.log.Debug("state transition", "from", r.res.State, "to", to)
	r.res.State = to
}

func (o *Orchestrator) fail(r *datasetRun, err error) Result {
	r.res.Err = ncerrors.Annotate(err,
		"dataset", r.res.Dataset,
		"batch", r.res.Batches,
		"rows", r.res.Rows)
	o.transition(r, StateFailed)
	r.res.Duration = o.now().Sub(r.start)
	r.log.Error("dataset failed", "rows", r.res.Rows, "batches", r.res.Batches, "error", r.res.Err)
	return r.res
}

// RunDataset loads one dataset: NotStarted -> Estimating -> Streaming ->
// Completed, or Failed from any non-terminal state. Cancellation is only
// observed between batches; an in-flight batch always reaches every sink.
func (o *Orchestrator) RunDataset(ctx context.Context, ds schema.Dataset) Result {
	r := &datasetRun{
		res:   Result{Dataset: ds.Name, State: StateNotStarted, Estimated: -1},
		log:   o.logger.With("dataset", ds.Name, "run_id", o.opts.RunID),
		start: o.now(),
	}

	ctx = logging.NewContext(ctx, r.log)
	ctx, span := telemetry.Tracer().Start(ctx, "dataset",
		trace.WithAttributes(
			telemetry.Attr("ncload.dataset", ds.Name),
			telemetry.Attr("ncload.run_id", o.opts.RunID),
		))
	defer func() {
		span.SetAttributes(
			telemetry.Attr("ncload.rows", r.res.Rows),
			telemetry.Attr("ncload.batches", r.res.Batches),
			telemetry.Attr("ncload.state", r.res.State.String()),
		)
		telemetry.EndSpan(span, r.res.Err)
		metrics.RecordDataset(o.metrics, metrics.Dataset{
			Name:        r.res.Dataset,
			State:       r.res.State.String(),
			Rows:        r.res.Rows,
			Batches:     r.res.Batches,
			ParseErrors: r.res.ParseErrors,
			Duration:    r.res.Duration,
		})
	}()

	path := o.SourcePath(ds)
	r.log.Info("loading dataset", "path", path)

	o.transition(r, StateEstimating)
	meta := map[string]string{
		sinks.MetaDataset:    ds.Name,
		sinks.MetaSourceFile: filepath.Base(ds.File),
		sinks.MetaDateFormat: ds.Schema.DateFormat,
	}
	if o.opts.RunID != "" {
		meta[sinks.MetaRunID] = o.opts.RunID
	}
	if o.opts.Estimate {
		est, err := decoders.EstimateFile(ctx, path, ds.Encoding, ds.Separator)
		if err != nil {
			return o.fail(r, err)
		}
		r.res.Estimated = est.Rows
		r.res.Checksum = est.ChecksumHex()
		meta[sinks.MetaSourceHash] = r.res.Checksum
		r.log.Debug("estimated rows", "rows", est.Rows, "bytes", est.Bytes, "xxh3", r.res.Checksum)
	}

	o.progress.Begin(ds.Name, r.res.Estimated)
	res := o.stream(ctx, r, ds, path, meta)
	o.progress.End(res.Err)
	return res
}

func (o *Orchestrator) stream(ctx context.Context, r *datasetRun, ds schema.Dataset, path string, meta map[string]string) Result {
	reader, err := decoders.Open(ctx, path, ds, o.opts.Reader)
	if err != nil {
		return o.fail(r, err)
	}
	defer reader.Close()

	targets, err := o.newSinks(ds, meta)
	if err != nil {
		return o.fail(r, err)
	}
	abort := func() {
		for _, s := range targets {
			if err := s.Abort(); err != nil {
				r.log.Warn("sink abort failed", "sink", s.Name(), "error", err)
			}
		}
	}

	o.transition(r, StateStreaming)
	for {
		if err := ctx.Err(); err != nil {
			abort()
			return o.fail(r, ncerrors.Canceled(err))
		}
		if !reader.Next() {
			break
		}

		batch := reader.Batch()
		err := o.flush(ctx, targets, batch)
		if err == nil {
			r.res.Rows += batch.NumRows()
			r.res.Batches++
			r.res.ParseErrors += batch.ParseErrors
			if batch.ParseErrors > 0 {
				r.log.Warn("nulled unparseable fields",
					"batch", batch.Index,
					"fields", batch.ParseErrors,
					"columns", batch.NullCounts)
			}
		}
		batch.Release()
		if err != nil {
			abort()
			return o.fail(r, err)
		}

		o.progress.Report(r.res.Rows, r.res.Estimated)
		r.log.Debug("batch flushed", "batch", r.res.Batches-1, "rows", r.res.Rows)
	}
	if err := reader.Err(); err != nil {
		abort()
		return o.fail(r, err)
	}

	if r.res.Batches == 0 {
		r.log.Warn("source has no data rows; sinks left untouched")
	}
	for _, s := range targets {
		sr, err := s.Close(context.WithoutCancel(ctx))
		if err != nil {
			abort()
			return o.fail(r, err)
		}
		r.res.Sinks = append(r.res.Sinks, sr)
	}

	if r.res.Estimated >= 0 && r.res.Estimated != r.res.Rows {
		r.log.Warn("row count differs from estimate", "estimated", r.res.Estimated, "rows", r.res.Rows)
	}

	o.transition(r, StateCompleted)
	r.res.Duration = o.now().Sub(r.start)
	r.log.Info("dataset loaded",
		"rows", r.res.Rows,
		"batches", r.res.Batches,
		"parse_errors", r.res.ParseErrors,
		"duration", r.res.Duration)
	return r.res
}

// flush writes one batch to every sink concurrently and waits for all of
// them. Sinks get a context that ignores cancellation so a batch is never
// half-written because of a signal.
func (o *Orchestrator) flush(ctx context.Context, targets []core.Sink, batch *core.RowBatch) (err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "batch",
		trace.WithAttributes(
			telemetry.Attr("ncload.batch", batch.Index),
			telemetry.Attr("ncload.rows", batch.NumRows()),
		))
	defer func() { telemetry.EndSpan(span, err) }()

	ctx = context.WithoutCancel(ctx)
	first := batch.Index == 0

	var g errgroup.Group
	for _, s := range targets {
		sink := s
		g.Go(func() error {
			return sink.Write(ctx, batch, first)
		})
	}
	return g.Wait()
}
