// ncload - NC State Board of Elections voter data loader
// Streams the absentee, voter registration and voter history extracts into
// a relational database and Parquet files.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ncload/ncload/pkg/config"
	ncerrors "github.com/ncload/ncload/pkg/errors"
	"github.com/ncload/ncload/pkg/logging"
	"github.com/ncload/ncload/pkg/metrics"
	"github.com/ncload/ncload/pkg/pipeline"
	"github.com/ncload/ncload/pkg/schema"
	"github.com/ncload/ncload/pkg/storage/relational"
	"github.com/ncload/ncload/pkg/telemetry"
	"github.com/ncload/ncload/pkg/tui"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// Global flags
var (
	configFile string
	schemaFile string
	logLevel   string
	logFormat  string
	quiet      bool
)

// runOptions holds the load flags. They are bound on both the root command
// and "run".
type runOptions struct {
	dataDir   string
	absentee  bool
	voter     bool
	voterHist bool
	datasets  []string

	initDB    bool
	noSQLite  bool
	noParquet bool

	chunkSize      int
	db             string
	driver         string
	outDir         string
	onParseError   string
	unknownColumns string
	noEstimate     bool
	failFast       bool
}

var loadOpts runOptions

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ncload",
	Short: "ncload - Load NC voter data into SQLite/DuckDB and Parquet",
	Long: `ncload streams the NC State Board of Elections extracts (absentee,
voter registration, voter history) in fixed-size chunks, coerces every
column to its declared type, and writes each chunk to a relational table
and a Parquet file.

Running without a subcommand is the same as "ncload run".`,
	Version:       fmt.Sprintf("%s (%s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runLoad,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Load the selected datasets",
	Long: `Load the selected datasets from the data directory.

Examples:
  ncload -a -v -s
  ncload run -s -i --db votes.db
  ncload run --dataset voter_hist --no-sqlite --out-dir parquet/
  ncload run -v --driver duckdb --db ncdata.duckdb`,
	RunE: runLoad,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&schemaFile, "schema-file", "", "YAML file with dataset definitions that extend or replace the built-ins")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (text, json)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Disable progress bars")

	bindRunFlags(rootCmd.Flags(), &loadOpts)
	bindRunFlags(runCmd.Flags(), &loadOpts)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(datasetsCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(countCmd)
	rootCmd.AddCommand(inspectCmd)
}

func bindRunFlags(fs *pflag.FlagSet, o *runOptions) {
	fs.StringVarP(&o.dataDir, "datadir", "d", "", "Directory containing the data files (default: newest YYYYMMDD directory under ./data)")
	fs.BoolVarP(&o.absentee, "absentee-file", "a", false, "Load the absentee file")
	fs.BoolVarP(&o.voter, "voter-file", "v", false, "Load the voter registration file")
	fs.BoolVarP(&o.voterHist, "voterhist-file", "s", false, "Load the voter history file")
	fs.StringArrayVar(&o.datasets, "dataset", nil, "Load a dataset by name (repeatable)")

	fs.BoolVarP(&o.initDB, "init-db", "i", false, "Back up the existing database and start fresh")
	fs.BoolVar(&o.noSQLite, "no-sqlite", false, "Skip writing to the relational database")
	fs.BoolVar(&o.noParquet, "no-parquet", false, "Skip writing Parquet files")

	fs.IntVar(&o.chunkSize, "chunk-size", 0, "Rows per batch (default 100000)")
	fs.StringVar(&o.db, "db", "", "Relational database path (default ncdata.db)")
	fs.StringVar(&o.driver, "driver", "", "Relational driver (sqlite, duckdb)")
	fs.StringVar(&o.outDir, "out-dir", "", "Directory for Parquet files (default .)")
	fs.StringVar(&o.onParseError, "on-parse-error", "", "Non-date field that fails to parse: null or abort")
	fs.StringVar(&o.unknownColumns, "unknown-columns", "", "Source column missing from the schema: ignore or reject")
	fs.BoolVar(&o.noEstimate, "no-estimate", false, "Skip the row count pass")
	fs.BoolVar(&o.failFast, "fail-fast", false, "Stop at the first failed dataset")
}

// apply overlays flags the user set onto cfg.
func (o *runOptions) apply(fs *pflag.FlagSet, cfg *config.Config) {
	set := func(name string) bool {
		f := fs.Lookup(name)
		return f != nil && f.Changed
	}

	if set("datadir") {
		cfg.DataDir = o.dataDir
	}
	if set("init-db") {
		cfg.Store.Init = o.initDB
	}
	if o.noSQLite {
		cfg.Sinks.Relational = false
	}
	if o.noParquet {
		cfg.Sinks.Columnar = false
	}
	if set("chunk-size") {
		cfg.ChunkSize = o.chunkSize
	}
	if set("db") {
		cfg.Store.Path = o.db
	}
	if set("driver") {
		cfg.Store.Driver = o.driver
	}
	if set("out-dir") {
		cfg.OutputDir = o.outDir
	}
	if set("on-parse-error") {
		cfg.ParseErrors = o.onParseError
	}
	if set("unknown-columns") {
		cfg.UnknownColumns = o.unknownColumns
	}
	if o.noEstimate {
		cfg.Estimate = false
	}
	if o.failFast {
		cfg.FailFast = true
	}
}

// selected returns the datasets picked by flags, falling back to the
// configured list when no selector flag was given.
func (o *runOptions) selected(cfg *config.Config) []string {
	var names []string
	if o.absentee {
		names = append(names, schema.Absentee)
	}
	if o.voter {
		names = append(names, schema.VoterReg)
	}
	if o.voterHist {
		names = append(names, schema.VoterHist)
	}
	names = append(names, o.datasets...)
	if len(names) == 0 {
		return cfg.Datasets
	}
	return names
}

// applyGlobal overlays the persistent flags onto cfg.
func applyGlobal(cmd *cobra.Command, cfg *config.Config) {
	fs := cmd.Flags()
	if fs.Changed("schema-file") {
		cfg.SchemaFile = schemaFile
	}
	if fs.Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if fs.Changed("log-format") {
		cfg.Logging.Format = logFormat
	}
}

// loadConfig builds the effective configuration and dataset registry.
func loadConfig(cmd *cobra.Command, withRunFlags bool) (*config.Config, *schema.Registry, error) {
	mgr := config.NewManager()
	if err := mgr.Load(configFile); err != nil {
		return nil, nil, err
	}
	cfg := mgr.Get()
	applyGlobal(cmd, cfg)
	if withRunFlags {
		loadOpts.apply(cmd.Flags(), cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	reg, err := registry(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, reg, nil
}

func registry(cfg *config.Config) (*schema.Registry, error) {
	reg := schema.Builtin()
	if cfg.SchemaFile == "" {
		return reg, nil
	}
	extra, err := schema.LoadFile(cfg.SchemaFile)
	if err != nil {
		return nil, err
	}
	return reg.Merge(extra), nil
}

// signalContext returns a context canceled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			fmt.Fprintln(os.Stderr, "\nInterrupted, finishing current batch...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

func runLoad(cmd *cobra.Command, args []string) error {
	cfg, reg, err := loadConfig(cmd, true)
	if err != nil {
		return err
	}
	logger := logging.Setup(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)

	ctx, cancel := signalContext()
	defer cancel()

	shutdown := startTracing(ctx, cfg, logger)
	defer shutdown()

	names := loadOpts.selected(cfg)
	if _, err := pipeline.Resolve(reg, cfg.Files, names); err != nil {
		return err
	}
	if !cfg.Sinks.Relational && !cfg.Sinks.Columnar {
		logger.Warn("both sinks disabled; datasets will only be read")
	}

	var store *relational.Store
	if cfg.Sinks.Relational {
		if cfg.Store.Init {
			bak, err := relational.Backup(cfg.Store.Path, time.Now())
			if err != nil {
				return err
			}
			if bak != "" {
				logger.Info("backed up database", "path", bak)
			}
		}
		store, err = relational.Open(ctx, relational.Config{
			Driver: cfg.Store.Driver,
			Path:   cfg.Store.Path,
		})
		if err != nil {
			return err
		}
		defer store.Close()
	}

	runID := uuid.NewString()
	logger.Info("starting load",
		"run_id", runID,
		"datasets", names,
		"data_dir", cfg.DataDir,
		"chunk_size", cfg.ChunkSize)

	var progress tui.Progress = tui.NewBar(os.Stderr)
	if quiet {
		progress = tui.Nop()
	}

	backend := metricsBackend(cfg, runID, logger)

	o := pipeline.New(pipeline.OptionsFromConfig(cfg, runID), reg, store,
		pipeline.WithProgress(progress),
		pipeline.WithMetrics(backend),
		pipeline.WithLogger(logger))

	results, err := o.Run(ctx, names)
	if ferr := backend.Flush(); ferr != nil {
		logger.Warn("metrics push failed", "error", ferr)
	}
	if results == nil {
		return err
	}

	summaries := make([]tui.DatasetSummary, len(results))
	for i, r := range results {
		summaries[i] = r.Summary()
	}
	tui.PrintSummary(os.Stdout, summaries)

	if err != nil {
		return runError(results, len(names), err)
	}
	return nil
}

// runError condenses a failed run into one line; per-dataset details are
// already in the summary.
func runError(results []pipeline.Result, selected int, err error) error {
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	if ncerrors.IsCode(err, ncerrors.CodeCanceled) {
		return errors.New("load interrupted")
	}
	return fmt.Errorf("%d of %d datasets failed", failed, selected)
}

// metricsBackend returns a Pushgateway backend grouped by run id, or a
// no-op backend when no gateway is configured.
func metricsBackend(cfg *config.Config, runID string, logger *slog.Logger) metrics.Backend {
	if cfg.Telemetry.Pushgateway == "" {
		return metrics.Nop()
	}
	b, err := metrics.NewPushBackend(cfg.Telemetry.Pushgateway, cfg.Telemetry.ServiceName,
		map[string]string{"run_id": runID})
	if err != nil {
		logger.Warn("metrics disabled", "error", err)
		return metrics.Nop()
	}
	return b
}

func startTracing(ctx context.Context, cfg *config.Config, logger *slog.Logger) func() {
	tc := telemetry.DefaultConfig()
	tc.Endpoint = cfg.Telemetry.Endpoint
	tc.ServiceName = cfg.Telemetry.ServiceName
	tc.ServiceVersion = version
	tc.SamplingRatio = cfg.Telemetry.SamplingRatio
	tc.Insecure = cfg.Telemetry.Insecure

	shutdown, err := telemetry.Init(ctx, tc)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
		return func() {}
	}
	return func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			logger.Warn("trace flush failed", "error", err)
		}
	}
}
