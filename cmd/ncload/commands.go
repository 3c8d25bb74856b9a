package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ncload/ncload/pkg/config"
	"github.com/ncload/ncload/pkg/ingest/decoders"
	"github.com/ncload/ncload/pkg/logging"
	"github.com/ncload/ncload/pkg/pipeline"
	"github.com/ncload/ncload/pkg/schema"
	"github.com/ncload/ncload/pkg/tui"
)

var countDataDir string

var datasetsCmd = &cobra.Command{
	Use:   "datasets",
	Short: "List registered datasets",
	Args:  cobra.NoArgs,
	RunE:  runDatasets,
}

var schemaCmd = &cobra.Command{
	Use:   "schema <dataset>",
	Short: "Show the typed columns of a dataset",
	Args:  cobra.ExactArgs(1),
	RunE:  runSchema,
}

var countCmd = &cobra.Command{
	Use:   "count <dataset>",
	Short: "Count the data rows of a dataset's source file",
	Long: `Count data rows the way the loader reads them: quoted fields may span
lines, blank lines are skipped and the header is not counted.`,
	Args: cobra.ExactArgs(1),
	RunE: runCount,
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <file.parquet>",
	Short: "Show the row groups and metadata of a Parquet file",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

func init() {
	countCmd.Flags().StringVarP(&countDataDir, "datadir", "d", "", "Directory containing the data files")
}

func runDatasets(cmd *cobra.Command, args []string) error {
	cfg, reg, err := loadConfig(cmd, false)
	if err != nil {
		return err
	}

	for _, name := range reg.Names() {
		ds, err := datasetFor(reg, cfg, name)
		if err != nil {
			return err
		}
		tui.PrintTable(os.Stdout, name, [][2]string{
			{"file", ds.SourcePath(cfg.DataDir)},
			{"separator", separatorName(ds.Separator)},
			{"encoding", ds.Encoding},
			{"columns", strconv.Itoa(len(ds.Schema.Columns))},
			{"table", ds.TableName()},
			{"parquet", ds.ParquetName()},
		})
	}
	return nil
}

func runSchema(cmd *cobra.Command, args []string) error {
	cfg, reg, err := loadConfig(cmd, false)
	if err != nil {
		return err
	}
	ds, err := datasetFor(reg, cfg, args[0])
	if err != nil {
		return err
	}

	rows := make([][2]string, 0, len(ds.Schema.Columns)+1)
	for _, c := range ds.Schema.Columns {
		rows = append(rows, [2]string{c.Name, c.Type.String()})
	}
	if len(ds.Schema.DateColumns()) > 0 {
		// Resolve already checked the format.
		p, _ := schema.NewDateParser(ds.Schema.DateFormat)
		rows = append(rows, [2]string{"(date format)", ds.Schema.DateFormat + " = " + p.Layout()})
	}
	tui.PrintTable(os.Stdout, ds.Name, rows)
	return nil
}

func runCount(cmd *cobra.Command, args []string) error {
	cfg, reg, err := loadConfig(cmd, false)
	if err != nil {
		return err
	}
	if countDataDir != "" {
		cfg.DataDir = countDataDir
	}
	logging.Setup(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)

	ds, err := datasetFor(reg, cfg, args[0])
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	path := ds.SourcePath(cfg.DataDir)
	n, err := decoders.CountRows(ctx, path, ds.Encoding, ds.Separator)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "%d\n", n)
	return nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	info, err := decoders.InspectParquet(ctx, args[0])
	if err != nil {
		return err
	}

	var size int64
	if st, err := os.Stat(info.Path); err == nil {
		size = st.Size()
	}

	tui.PrintTable(os.Stdout, "file", [][2]string{
		{"path", info.Path},
		{"size", tui.FormatBytes(size)},
		{"rows", strconv.FormatInt(info.Rows, 10)},
		{"row groups", strconv.Itoa(len(info.RowGroups))},
		{"created by", info.CreatedBy},
	})

	groups := make([][2]string, len(info.RowGroups))
	for i, n := range info.RowGroups {
		groups[i] = [2]string{strconv.Itoa(i), strconv.FormatInt(n, 10) + " rows"}
	}
	tui.PrintTable(os.Stdout, "row groups", groups)

	if info.Schema != nil {
		fields := make([][2]string, info.Schema.NumFields())
		for i, f := range info.Schema.Fields() {
			typ := f.Type.String()
			if f.Nullable {
				typ += " (nullable)"
			}
			fields[i] = [2]string{f.Name, typ}
		}
		tui.PrintTable(os.Stdout, "columns", fields)
	}

	if len(info.Metadata) > 0 {
		tui.PrintTable(os.Stdout, "metadata", tui.MapRows(info.Metadata))
	}
	return nil
}

func datasetFor(reg *schema.Registry, cfg *config.Config, name string) (schema.Dataset, error) {
	resolved, err := pipeline.Resolve(reg, cfg.Files, []string{name})
	if err != nil {
		return schema.Dataset{}, err
	}
	return resolved[0], nil
}

func separatorName(r rune) string {
	switch r {
	case '\t':
		return "tab"
	case ',':
		return "comma"
	default:
		return strconv.QuoteRune(r)
	}
}
